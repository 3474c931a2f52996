package websocket

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequiresGameID(t *testing.T) {
	tests := []struct {
		action string
		want   bool
	}{
		{"join", true},
		{"leave", true},
		{"broadcast", true},
		{"state", true},
		{"stats", false},
		{"unknown", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.action, func(t *testing.T) {
			assert.Equal(t, tt.want, requiresGameID(tt.action))
		})
	}
}

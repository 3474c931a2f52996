package broker

import (
	"context"
	"fmt"
	"log"
	"sync"
)

// MemoryBroker is an in-process MessageBroker for tests and single-node
// development. Publish order is preserved per subscriber; a subscriber whose
// buffer is full loses the payload, matching the at-most-once contract.
type MemoryBroker struct {
	mu     sync.Mutex
	subs   map[string][]*memorySub
	closed bool
}

type memorySub struct {
	ch   chan []byte
	once sync.Once
}

func (s *memorySub) stop() {
	s.once.Do(func() { close(s.ch) })
}

// NewMemoryBroker creates an in-process message broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[string][]*memorySub)}
}

func (b *MemoryBroker) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("broker is closed")
	}
	for _, sub := range b.subs[channel] {
		select {
		case sub.ch <- payload:
		default:
			log.Printf("Dropping payload on %s: subscriber buffer full", channel)
		}
	}
	return nil
}

func (b *MemoryBroker) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("broker is closed")
	}

	sub := &memorySub{ch: make(chan []byte, 256)}
	b.subs[channel] = append(b.subs[channel], sub)

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		remaining := b.subs[channel][:0]
		for _, s := range b.subs[channel] {
			if s != sub {
				remaining = append(remaining, s)
			}
		}
		b.subs[channel] = remaining
		b.mu.Unlock()
		sub.stop()
	}()

	return sub.ch, nil
}

func (b *MemoryBroker) Type() string {
	return "memory"
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.stop()
		}
	}
	b.subs = make(map[string][]*memorySub)
	return nil
}

package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/abdelmounim-dev/gamesync/bus"
	"github.com/abdelmounim-dev/gamesync/config"
	"github.com/abdelmounim-dev/gamesync/manager"
	"github.com/abdelmounim-dev/gamesync/metrics"
	"github.com/abdelmounim-dev/gamesync/rooms"
	"github.com/abdelmounim-dev/gamesync/store"
)

// Upgrader for websocket connections
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ClientMessage is the frame clients send. Action selects the facade
// operation; the remaining fields are action-specific.
type ClientMessage struct {
	Action string          `json:"action"` // join, leave, broadcast, state, stats
	GameID string          `json:"game_id,omitempty"`
	Role   string          `json:"role,omitempty"`  // join: player (default) or spectator
	Type   string          `json:"type,omitempty"`  // broadcast: event type
	State  string          `json:"state,omitempty"` // state: new room state
	Data   json.RawMessage `json:"data,omitempty"`
}

// Handler terminates websocket connections and translates frames into facade
// operations.
type Handler struct {
	manager      *manager.Manager
	jwtValidator *JWTValidator
	authConfig   *config.AuthConfig
}

// NewHandler creates a new websocket handler.
func NewHandler(mgr *manager.Manager, jwtValidator *JWTValidator, authConfig *config.AuthConfig) *Handler {
	return &Handler{
		manager:      mgr,
		jwtValidator: jwtValidator,
		authConfig:   authConfig,
	}
}

// HandleWebSocket handles incoming websocket connections.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	var claims *CustomClaims
	var err error

	// --- Handshake Authentication ---
	if h.authConfig.Enabled {
		if h.jwtValidator == nil {
			log.Printf("Auth Error: Auth is enabled but JWT validator is not initialized.")
			http.Error(w, "Internal server configuration error", http.StatusInternalServerError)
			return
		}

		tokenString := r.URL.Query().Get(h.authConfig.TokenQueryParam)
		if tokenString == "" {
			metrics.AuthFailures.WithLabelValues("missing_token").Inc()
			log.Printf("Auth Error: Missing token in request from %s", r.RemoteAddr)
			http.Error(w, "Missing authentication token", http.StatusUnauthorized)
			return
		}

		claims, err = h.jwtValidator.ValidateToken(r.Context(), tokenString)
		if err != nil {
			metrics.AuthFailures.WithLabelValues("invalid_token").Inc()
			log.Printf("Auth Error: Invalid token from %s. Reason: %v", r.RemoteAddr, err)
			http.Error(w, "Invalid authentication token", http.StatusUnauthorized)
			return
		}
		metrics.AuthSuccess.Inc()
	}
	// --- End Handshake Authentication ---

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	// User identity comes from the JWT subject when auth is on, otherwise
	// from the "user" query parameter; anonymous connections get a uuid.
	var userID string
	if claims != nil && claims.Subject != "" {
		userID = claims.Subject
	} else if u := r.URL.Query().Get("user"); u != "" {
		userID = u
	} else {
		userID = uuid.New().String()
	}
	socketID := uuid.New().String()

	session := NewClientSession(socketID, userID, conn, &config.Get().WebSocket, claims)
	session.StartTimers()

	if err := h.manager.Connect(r.Context(), userID, socketID); err != nil {
		// Fail closed: without a registry entry the client would have
		// phantom presence, so reject the connection outright.
		log.Printf("Failed to register connection %s for user %s: %v", socketID, userID, err)
		session.Close(websocket.CloseTryAgainLater, "Service temporarily unavailable")
		return
	}

	subs := make(map[string]*bus.Subscription)
	defer func() {
		for _, sub := range subs {
			sub.Cancel()
		}
		// Request context is gone by now; use a fresh one for cleanup.
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := h.manager.Disconnect(ctx, userID, socketID); err != nil {
			log.Printf("Failed to deregister connection %s for user %s: %v", socketID, userID, err)
		}
	}()

	conn.SetReadLimit(int64(session.cfg.MessageSizeLimit))
	conn.SetPongHandler(session.GetPongHandler())

	// Send identifiers to the client for reference
	if err := session.SafeWriteJSON(map[string]string{"socket_id": socketID, "user_id": userID}); err != nil {
		log.Printf("Failed to send socket ID: %v", err)
		return // defer will handle cleanup
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) &&
				!errors.Is(err, net.ErrClosed) {
				log.Printf("Read error from socket %s: %v", socketID, err)
			}
			session.Close(websocket.CloseNormalClosure, "Client disconnected")
			return
		}
		session.UpdateActivity()
		if err := h.manager.Touch(r.Context(), userID, socketID); err != nil {
			// Transient store trouble; the connection TTL covers us.
			log.Printf("Failed to refresh connection %s: %v", socketID, err)
		}

		var req ClientMessage
		if err := json.Unmarshal(msg, &req); err != nil {
			session.SafeWriteJSON(map[string]string{"error": "bad_request", "details": "malformed frame"})
			continue
		}

		// Room-scoped actions without a game_id never reach the facade (or
		// slip past the scope check on a degenerate channel name).
		if requiresGameID(req.Action) && req.GameID == "" {
			session.SafeWriteJSON(map[string]string{"error": "bad_request", "details": "game_id required for action " + req.Action})
			continue
		}

		if h.authConfig.Enabled && req.GameID != "" && !session.CanAccess(req.Action, req.GameID) {
			log.Printf("Authorization DENIED for user %s: action '%s' on room '%s'", userID, req.Action, req.GameID)
			session.SafeWriteJSON(map[string]string{
				"error":   "forbidden",
				"details": fmt.Sprintf("action '%s' on room '%s' not allowed", req.Action, req.GameID),
			})
			continue
		}

		h.dispatch(r.Context(), session, subs, req)
	}
}

// requiresGameID reports whether the action operates on a specific room.
func requiresGameID(action string) bool {
	switch action {
	case "join", "leave", "broadcast", "state":
		return true
	}
	return false
}

func (h *Handler) dispatch(ctx context.Context, session *ClientSession, subs map[string]*bus.Subscription, req ClientMessage) {
	userID, socketID := session.UserID, session.ID

	switch req.Action {
	case "join":
		if err := h.manager.JoinGame(ctx, userID, socketID, req.GameID, rooms.Role(req.Role)); err != nil {
			h.writeError(session, err)
			return
		}
		if _, ok := subs[req.GameID]; !ok {
			sub, err := h.manager.OnGameEvent(req.GameID, func(event bus.GameEvent) {
				if err := session.SafeWriteJSON(event); err != nil {
					log.Printf("Failed to push event to socket %s: %v", socketID, err)
				}
			})
			if err != nil {
				h.writeError(session, err)
				return
			}
			subs[req.GameID] = sub
		}
		session.SafeWriteJSON(map[string]string{"joined": req.GameID})

	case "leave":
		if err := h.manager.LeaveGame(ctx, userID, req.GameID); err != nil {
			h.writeError(session, err)
			return
		}
		if sub, ok := subs[req.GameID]; ok {
			sub.Cancel()
			delete(subs, req.GameID)
		}
		session.SafeWriteJSON(map[string]string{"left": req.GameID})

	case "broadcast":
		event := bus.GameEvent{Type: req.Type, UserID: userID, Data: req.Data}
		if err := h.manager.Broadcast(ctx, req.GameID, event); err != nil {
			h.writeError(session, err)
		}

	case "state":
		if err := h.manager.UpdateGameState(ctx, req.GameID, rooms.State(req.State)); err != nil {
			h.writeError(session, err)
		}

	case "stats":
		stats, err := h.manager.GetStats(ctx)
		if err != nil {
			h.writeError(session, err)
			return
		}
		session.SafeWriteJSON(stats)

	default:
		session.SafeWriteJSON(map[string]string{"error": "bad_request", "details": "unknown action " + req.Action})
	}
}

// writeError maps facade failures to client frames. Store outages invite a
// retry instead of reading like a rule violation.
func (h *Handler) writeError(session *ClientSession, err error) {
	if errors.Is(err, store.ErrUnavailable) {
		session.SafeWriteJSON(map[string]string{"error": "temporarily_unavailable", "details": "please retry"})
		return
	}
	session.SafeWriteJSON(map[string]string{"error": "request_failed", "details": err.Error()})
}

// Package realtime pushes interpretations and workflow outcomes to kiosk
// clients over WebSocket.
package realtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/ashureev/stella/internal/domain"
	"github.com/ashureev/stella/internal/identity"
)

// ErrNotConnected is returned by Push when the session has no client.
var ErrNotConnected = errors.New("realtime: session not connected")

const writeTimeout = 5 * time.Second

// Message types.
const (
	TypeInterpretation = "interpretation"
	TypeSession        = "session"
	TypeSessionEnded   = "session_ended"
	TypeNotice         = "notice"
	TypePong           = "pong"
)

// Message is one server push.
type Message struct {
	Type           string                 `json:"type"`
	SessionID      string                 `json:"session_id,omitempty"`
	Reply          string                 `json:"reply,omitempty"`
	Interpretation *domain.Interpretation `json:"interpretation,omitempty"`
	Session        *domain.SessionView    `json:"session,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
}

// Channel is the push side used by the workflow.
type Channel interface {
	Push(ctx context.Context, sessionKey string, msg Message) error
}

// Hub tracks one WebSocket per session key.
type Hub struct {
	mu            sync.RWMutex
	conns         map[string]*websocket.Conn
	allowedOrigin string
	isDev         bool
	logger        *slog.Logger
}

// NewHub creates a hub.
func NewHub(allowedOrigin string, isDev bool, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		conns:         make(map[string]*websocket.Conn),
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
		logger:        logger,
	}
}

// ServeHTTP upgrades the request and keeps the socket registered until the
// client goes away. Inbound frames are only used for keepalive pings.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := identity.SessionKeyFromContext(r.Context())
	if key == "" {
		key = identity.SanitizeSessionKey(r.URL.Query().Get(identity.SessionQueryParam))
	}
	if key == "" {
		http.Error(w, "session_id required", http.StatusBadRequest)
		return
	}

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "session_id", key)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "connection closed"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr, "session_id", key)
		}
	}()

	h.register(key, ws)
	defer h.unregister(key, ws)

	h.readLoop(r.Context(), key, ws)
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" || origin == h.allowedOrigin {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

type inbound struct {
	Type string `json:"type"`
}

func (h *Hub) readLoop(ctx context.Context, key string, ws *websocket.Conn) {
	for {
		var msg inbound
		if err := wsjson.Read(ctx, ws, &msg); err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				h.logger.Debug("WebSocket closed by client", "session_id", key)
			} else {
				h.logger.Warn("WebSocket read error", "error", err, "session_id", key)
			}
			return
		}
		if msg.Type == "ping" {
			if err := h.write(ctx, ws, Message{Type: TypePong, SessionID: key, Timestamp: time.Now().UTC()}); err != nil {
				return
			}
		}
	}
}

func (h *Hub) register(key string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if existing, ok := h.conns[key]; ok && existing != conn {
		_ = existing.Close(websocket.StatusNormalClosure, "session replaced")
	}
	h.conns[key] = conn
	h.logger.Info("Realtime client registered", "session_id", key)
}

func (h *Hub) unregister(key string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if current, ok := h.conns[key]; ok && current == conn {
		delete(h.conns, key)
		h.logger.Info("Realtime client unregistered", "session_id", key)
	}
}

// Push writes msg to the client of sessionKey.
func (h *Hub) Push(ctx context.Context, sessionKey string, msg Message) error {
	h.mu.RLock()
	conn, ok := h.conns[sessionKey]
	h.mu.RUnlock()
	if !ok {
		return ErrNotConnected
	}
	if msg.SessionID == "" {
		msg.SessionID = sessionKey
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	return h.write(ctx, conn, msg)
}

func (h *Hub) write(ctx context.Context, conn *websocket.Conn, msg Message) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, msg)
}

// Close notifies the client that its session ended and drops the socket.
func (h *Hub) Close(sessionKey string) {
	h.mu.Lock()
	conn, ok := h.conns[sessionKey]
	delete(h.conns, sessionKey)
	h.mu.Unlock()
	if !ok {
		return
	}

	// The close handshake waits for the peer, so it runs off the caller.
	go func() {
		_ = h.write(context.Background(), conn, Message{
			Type:      TypeSessionEnded,
			SessionID: sessionKey,
			Timestamp: time.Now().UTC(),
		})
		_ = conn.Close(websocket.StatusNormalClosure, "session ended")
	}()
	h.logger.Info("Realtime client closed", "session_id", sessionKey)
}

// Connections returns the number of connected sessions.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

var _ Channel = (*Hub)(nil)

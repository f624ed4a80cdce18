// Package realtime pushes session changes to websocket watchers.
package realtime

import (
	"encoding/json"
	"log/slog"
	"sync"

	"appforge/internal/models"
)

// Hub tracks websocket clients per session and fans events out to them.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]map[*Client]struct{}
	logger   *slog.Logger
}

// NewHub creates a new Hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		sessions: make(map[string]map[*Client]struct{}),
		logger:   logger,
	}
}

// Register adds a client to its session. A client that was already
// unregistered stays out.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	if c.closed {
		h.mu.Unlock()
		return
	}
	clients := h.sessions[c.sessionID]
	if clients == nil {
		clients = make(map[*Client]struct{})
		h.sessions[c.sessionID] = clients
	}
	clients[c] = struct{}{}
	h.mu.Unlock()
}

// Unregister removes a client and closes its send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if clients, ok := h.sessions[c.sessionID]; ok {
		if _, ok := clients[c]; ok {
			delete(clients, c)
			c.closed = true
			close(c.send)
		}
		if len(clients) == 0 {
			delete(h.sessions, c.sessionID)
		}
	}
	h.mu.Unlock()
}

// Publish delivers event to the owner's clients watching the session.
func (h *Hub) Publish(event models.SessionEvent) {
	userID := event.UserID
	event.UserID = ""
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("marshal session event", "error", err)
		return
	}

	var slow []*Client
	h.mu.RLock()
	for c := range h.sessions[event.SessionID] {
		if userID != "" && c.userID != userID {
			continue
		}
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	// A client that missed an event holds a stale transcript. Disconnect it
	// so it reconnects and starts again from a fresh snapshot.
	for _, c := range slow {
		h.logger.Warn("disconnecting slow client", "session_id", event.SessionID, "user_id", c.userID, "version", event.Version)
		h.Unregister(c)
	}
}

// ClientCount returns the number of clients watching sessionID.
func (h *Hub) ClientCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID])
}

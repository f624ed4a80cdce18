package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"appforge/internal/models"

	ws "github.com/coder/websocket"
)

const (
	sendBufferSize = 16
	pingInterval   = 30 * time.Second
	writeTimeout   = 10 * time.Second
)

// Client is one websocket watching one session.
type Client struct {
	hub       *Hub
	conn      *ws.Conn
	send      chan []byte
	userID    string
	sessionID string

	// guarded by hub.mu
	closed bool
}

// NewClient creates a Client tied to the given hub and connection.
func NewClient(hub *Hub, conn *ws.Conn, userID, sessionID string) *Client {
	return &Client{
		hub:       hub,
		conn:      conn,
		send:      make(chan []byte, sendBufferSize),
		userID:    userID,
		sessionID: sessionID,
	}
}

// Serve upgrades the request and streams events for the session until the
// client goes away. snapshot, when non-nil, is sent first so the client
// starts from the current transcript.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, userID, sessionID string, snapshot *models.SessionEvent) error {
	conn, err := ws.Accept(w, r, &ws.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}
	defer conn.CloseNow()

	client := NewClient(h, conn, userID, sessionID)
	if snapshot != nil {
		snap := *snapshot
		snap.UserID = ""
		if data, err := json.Marshal(snap); err == nil {
			client.send <- data
		}
	}
	client.Run(r.Context())
	conn.Close(ws.StatusNormalClosure, "")
	return nil
}

// Run registers the client, starts the write pump and runs the read pump. It
// blocks until the connection is closed, then unregisters.
func (c *Client) Run(ctx context.Context) {
	c.hub.Register(c)
	defer c.hub.Unregister(c)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.writePump(ctx, cancel)
	c.readPump(ctx)
}

// readPump discards incoming messages; it returns when the peer closes.
func (c *Client) readPump(ctx context.Context) {
	for {
		if _, _, err := c.conn.Read(ctx); err != nil {
			return
		}
	}
}

func (c *Client) writePump(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Write(wctx, ws.MessageText, msg)
			wcancel()
			if err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.Ping(ctx); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

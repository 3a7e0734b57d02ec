package server

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// WebSocket message types.
const (
	MsgSnapshot = "snapshot"
	MsgBrowser  = "browser"
)

// Message is a frame sent to WebSocket clients.
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// SnapshotPayload carries every browser.
type SnapshotPayload struct {
	Browsers []BrowserStatus `json:"browsers"`
}

const clientBuffer = 64

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func newClient(conn *websocket.Conn) *client {
	c := &client{
		conn: conn,
		send: make(chan []byte, clientBuffer),
	}
	go c.writePump()
	return c
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// Broadcaster fans browser updates out to WebSocket clients. Publishing
// never blocks: clients that fall behind are disconnected.
type Broadcaster struct {
	mu      sync.RWMutex
	clients map[*client]bool
	logger  *slog.Logger
}

// NewBroadcaster creates a broadcaster without clients.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		clients: make(map[*client]bool),
		logger:  logger,
	}
}

// AddClient registers conn and sends it the initial snapshot.
func (b *Broadcaster) AddClient(conn *websocket.Conn, snapshot []BrowserStatus) *client {
	c := newClient(conn)

	b.mu.Lock()
	b.clients[c] = true
	b.mu.Unlock()

	data, err := json.Marshal(Message{Type: MsgSnapshot, Payload: SnapshotPayload{Browsers: snapshot}})
	if err != nil {
		b.logger.Error("failed to marshal snapshot", "error", err)
		return c
	}
	select {
	case c.send <- data:
	default:
	}
	return c
}

// RemoveClient unregisters c and closes its connection.
func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		close(c.send)
	}
	b.mu.Unlock()
}

// Publish sends a browser update to every client.
func (b *Broadcaster) Publish(st BrowserStatus) {
	b.broadcast(Message{Type: MsgBrowser, Payload: st})
}

func (b *Broadcaster) broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("failed to marshal message", "type", msg.Type, "error", err)
		return
	}

	// Sends happen under the read lock so RemoveClient cannot close a
	// channel mid-send.
	var slow []*client
	b.mu.RLock()
	for c := range b.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	b.mu.RUnlock()

	for _, c := range slow {
		b.logger.Warn("websocket client too slow, disconnecting", "remote", c.conn.RemoteAddr())
		b.RemoveClient(c)
	}
}

// ClientCount returns the number of connected clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

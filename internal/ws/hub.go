package ws

import (
	"log"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/voglster/lumbergh-sub000/internal/protocol"
)

// sendBufferSize is how many frames may queue for a slow client before it
// is dropped.
const sendBufferSize = 256

// Client represents a WebSocket client connection.
type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	sessionID string
	send      chan []byte
	mu        sync.Mutex
	closed    bool
}

// NewClient creates a new WebSocket client.
func NewClient(hub *Hub, conn *websocket.Conn, sessionID string) *Client {
	return &Client{
		hub:       hub,
		conn:      conn,
		sessionID: sessionID,
		send:      make(chan []byte, sendBufferSize),
	}
}

// Send queues a frame to be sent to the client.
func (c *Client) Send(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	select {
	case c.send <- data:
	default:
		// Buffer full, close the client
		c.closeLocked()
	}
}

// SendMessage encodes and queues a frame.
func (c *Client) SendMessage(msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		log.Printf("Failed to encode %s frame: %v", msg.Type, err)
		return
	}
	c.Send(data)
}

// Close closes the client's send queue; the write pump then closes the
// connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Client) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// IsClosed returns true if the client is closed.
func (c *Client) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// SessionID returns the session ID associated with this client.
func (c *Client) SessionID() string {
	return c.sessionID
}

// Conn returns the underlying WebSocket connection.
func (c *Client) Conn() *websocket.Conn {
	return c.conn
}

// SendChan returns the send channel for the client.
func (c *Client) SendChan() <-chan []byte {
	return c.send
}

// Hub fans the frames of one session out to its attached clients.
type Hub struct {
	sessionID string
	clients   map[*Client]bool
	closed    bool
	mu        sync.RWMutex
}

// NewHub creates a new Hub for the given session.
func NewHub(sessionID string) *Hub {
	return &Hub{
		sessionID: sessionID,
		clients:   make(map[*Client]bool),
	}
}

// SessionID returns the session ID for this hub.
func (h *Hub) SessionID() string {
	return h.sessionID
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) bool {
	return h.Attach(client)
}

// Attach queues greeting frames for a client and registers it in one step,
// so no broadcast can reach the client ahead of them. It returns false if
// the hub has already been closed.
func (h *Hub) Attach(client *Client, greeting ...protocol.Message) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false
	}
	for _, msg := range greeting {
		client.SendMessage(msg)
	}
	h.clients[client] = true
	return true
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	delete(h.clients, client)
	h.mu.Unlock()

	client.Close()
}

// Broadcast sends a frame to all connected clients.
func (h *Hub) Broadcast(data []byte) {
	h.broadcast(data, nil)
}

func (h *Hub) broadcast(data []byte, except *Client) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		if client != except {
			client.Send(data)
		}
	}
}

// BroadcastMessage sends a frame to all connected clients.
func (h *Hub) BroadcastMessage(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	h.broadcast(data, nil)
	return nil
}

// BroadcastExcept sends a frame to every client but sender.
func (h *Hub) BroadcastExcept(sender *Client, msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	h.broadcast(data, sender)
	return nil
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HasClients returns true if there are connected clients.
func (h *Hub) HasClients() bool {
	return h.ClientCount() > 0
}

// Close closes all client connections. A closed hub accepts no clients.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.clients = make(map[*Client]bool)
	h.mu.Unlock()

	for _, client := range clients {
		client.Close()
	}
}

// HubManager manages the hubs of all sessions, keyed by session ID.
type HubManager struct {
	hubs map[string]*Hub
	mu   sync.RWMutex
}

// NewHubManager creates a new HubManager.
func NewHubManager() *HubManager {
	return &HubManager{
		hubs: make(map[string]*Hub),
	}
}

// GetOrCreate returns an existing hub or creates a new one for the session.
func (m *HubManager) GetOrCreate(sessionID string) *Hub {
	m.mu.Lock()
	defer m.mu.Unlock()

	if hub, ok := m.hubs[sessionID]; ok {
		return hub
	}

	hub := NewHub(sessionID)
	m.hubs[sessionID] = hub
	return hub
}

// Get returns the hub for the session, or nil if not found.
func (m *HubManager) Get(sessionID string) *Hub {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hubs[sessionID]
}

// Remove closes and forgets the hub for the session.
func (m *HubManager) Remove(sessionID string) {
	m.mu.Lock()
	hub, ok := m.hubs[sessionID]
	delete(m.hubs, sessionID)
	m.mu.Unlock()

	if ok {
		hub.Close()
	}
}

// Close closes all hubs.
func (m *HubManager) Close() {
	m.mu.Lock()
	hubs := m.hubs
	m.hubs = make(map[string]*Hub)
	m.mu.Unlock()

	for _, hub := range hubs {
		hub.Close()
	}
}

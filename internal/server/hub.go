package server

import (
	"errors"
	"sync"
)

const outboundBufferSize = 16

var (
	// ErrConnectionUnknown indicates delivery to a connection this process
	// does not hold (stale registry entry or already-closed socket).
	ErrConnectionUnknown = errors.New("server: connection unknown")
	// ErrConnectionSaturated indicates the connection's outbound queue is full.
	ErrConnectionSaturated = errors.New("server: connection outbound queue full")
)

// HubConnection is one locally-attached websocket with its outbound queue.
type HubConnection struct {
	connectionID string
	userID       string
	outbound     chan []byte

	mu                 sync.Mutex
	activeConversation string
	closed             bool
}

// Outbound exposes the queue drained by the connection's writer loop.
func (c *HubConnection) Outbound() <-chan []byte {
	return c.outbound
}

// UserID returns the owning user.
func (c *HubConnection) UserID() string {
	return c.userID
}

// ConnectionID returns the connection identifier.
func (c *HubConnection) ConnectionID() string {
	return c.connectionID
}

// SetActiveConversation records the client's room-focus hint.
func (c *HubConnection) SetActiveConversation(conversationID string) {
	c.mu.Lock()
	c.activeConversation = conversationID
	c.mu.Unlock()
}

// ActiveConversation returns the last room-focus hint, if any.
func (c *HubConnection) ActiveConversation() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeConversation
}

// Hub tracks the websocket connections attached to this process, keyed by
// durable connection id. It is the local delivery sink behind the broadcast
// fan-out; the registry remains the source of truth across processes.
type Hub struct {
	mu          sync.RWMutex
	connections map[string]*HubConnection
}

// NewHub constructs an empty Hub.
func NewHub() *Hub {
	return &Hub{connections: make(map[string]*HubConnection)}
}

// Register attaches a connection and returns its handle.
func (h *Hub) Register(connectionID, userID string) *HubConnection {
	connection := &HubConnection{
		connectionID: connectionID,
		userID:       userID,
		outbound:     make(chan []byte, outboundBufferSize),
	}
	h.mu.Lock()
	h.connections[connectionID] = connection
	h.mu.Unlock()
	return connection
}

// Unregister detaches a connection and closes its outbound queue. Safe to
// call for a connection that was never registered.
func (h *Hub) Unregister(connectionID string) {
	h.mu.Lock()
	connection, ok := h.connections[connectionID]
	if ok {
		delete(h.connections, connectionID)
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	connection.mu.Lock()
	if !connection.closed {
		connection.closed = true
		close(connection.outbound)
	}
	connection.mu.Unlock()
}

// Deliver enqueues a payload for one connection without blocking. A slow
// consumer surfaces as ErrConnectionSaturated rather than stalling the
// fan-out of other recipients.
func (h *Hub) Deliver(connectionID string, payload []byte) error {
	h.mu.RLock()
	connection, ok := h.connections[connectionID]
	h.mu.RUnlock()
	if !ok {
		return ErrConnectionUnknown
	}

	connection.mu.Lock()
	defer connection.mu.Unlock()
	if connection.closed {
		return ErrConnectionUnknown
	}
	select {
	case connection.outbound <- payload:
		return nil
	default:
		return ErrConnectionSaturated
	}
}

// Len reports the number of locally-attached connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

package registry

import (
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Transport is the write side of one live client connection. Satisfied by
// *websocket.Conn.
type Transport interface {
	WriteJSON(v any) error
	Close() error
}

// Connection represents one live transport session bound to a
// (conversation, user) pair. It exists only in process memory for the
// lifetime of the connection.
type Connection struct {
	ConversationID int64
	UserID         int64
	Username       string
	ConnectedAt    time.Time

	mu        sync.Mutex
	transport Transport

	sent     atomic.Int64
	received atomic.Int64
}

// NewConnection wraps a transport handle for registration.
func NewConnection(conversationID, userID int64, username string, t Transport) *Connection {
	return &Connection{
		ConversationID: conversationID,
		UserID:         userID,
		Username:       username,
		ConnectedAt:    time.Now().UTC(),
		transport:      t,
	}
}

// Send writes one message to the client. Writes are serialised so the
// receive-loop goroutine and broadcasts from other connections never
// interleave frames.
func (c *Connection) Send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.transport.WriteJSON(v); err != nil {
		return err
	}
	c.sent.Add(1)
	return nil
}

// NoteReceived bumps the inbound frame counter.
func (c *Connection) NoteReceived() {
	c.received.Add(1)
}

// Sent returns how many messages were delivered on this connection.
func (c *Connection) Sent() int64 { return c.sent.Load() }

// Received returns how many frames arrived on this connection.
func (c *Connection) Received() int64 { return c.received.Load() }

// Close shuts the underlying transport.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transport.Close()
}

// Stats is a read-only snapshot of process-wide connection counters.
// All counters except ActiveConnections are monotonically non-decreasing.
type Stats struct {
	TotalConnections  int64         `json:"total_connections"`
	ActiveConnections int           `json:"active_connections"`
	MessagesSent      int64         `json:"messages_sent"`
	MessagesReceived  int64         `json:"messages_received"`
	Conversations     map[int64]int `json:"conversations"`
}

// Registry tracks live connections keyed by (conversation, user). It is
// local to one server process; horizontal scaling needs an external
// fan-out layer.
type Registry struct {
	mu    sync.RWMutex
	conns map[int64]map[int64]*Connection

	totalConnections atomic.Int64
	messagesSent     atomic.Int64
	messagesReceived atomic.Int64
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		conns: make(map[int64]map[int64]*Connection),
	}
}

// Register inserts a connection. When the same user already holds a
// connection to the same conversation, the old transport is closed and
// displaced so it cannot dangle. The displaced connection is returned,
// nil otherwise.
func (r *Registry) Register(conn *Connection) *Connection {
	r.mu.Lock()
	bucket, ok := r.conns[conn.ConversationID]
	if !ok {
		bucket = make(map[int64]*Connection)
		r.conns[conn.ConversationID] = bucket
	}
	old := bucket[conn.UserID]
	bucket[conn.UserID] = conn
	r.mu.Unlock()

	r.totalConnections.Add(1)

	if old != nil {
		if err := old.Close(); err != nil {
			log.Printf("[registry] close displaced connection conversation=%d user=%d: %v",
				old.ConversationID, old.UserID, err)
		}
	}
	return old
}

// Unregister removes the entry for (conversation, user). The given
// connection must be the registered one; a displaced connection that
// unregisters late must not evict its replacement. Empty conversation
// buckets are removed so finished conversations do not leak.
func (r *Registry) Unregister(conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	bucket, ok := r.conns[conn.ConversationID]
	if !ok {
		return
	}
	if bucket[conn.UserID] != conn {
		return
	}
	delete(bucket, conn.UserID)
	if len(bucket) == 0 {
		delete(r.conns, conn.ConversationID)
	}
}

// ActiveUsers returns a sorted snapshot of user ids connected to the
// conversation.
func (r *Registry) ActiveUsers(conversationID int64) []int64 {
	r.mu.RLock()
	bucket := r.conns[conversationID]
	users := make([]int64, 0, len(bucket))
	for userID := range bucket {
		users = append(users, userID)
	}
	r.mu.RUnlock()

	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return users
}

// Broadcast sends a message to every connection on a conversation except
// the excluded user (0 = none). The recipient set is snapshotted first so
// concurrent connects and disconnects cannot disturb the iteration.
// Delivery is best-effort; a failure to one recipient never aborts the
// others.
func (r *Registry) Broadcast(conversationID int64, message any, excludeUserID int64) {
	r.mu.RLock()
	bucket := r.conns[conversationID]
	targets := make([]*Connection, 0, len(bucket))
	for userID, conn := range bucket {
		if userID == excludeUserID {
			continue
		}
		targets = append(targets, conn)
	}
	r.mu.RUnlock()

	for _, conn := range targets {
		if err := conn.Send(message); err != nil {
			log.Printf("[registry] broadcast to conversation=%d user=%d failed: %v",
				conversationID, conn.UserID, err)
			continue
		}
		r.messagesSent.Add(1)
	}
}

// NoteSent bumps the process-wide delivered-message counter.
func (r *Registry) NoteSent() {
	r.messagesSent.Add(1)
}

// NoteReceived bumps the process-wide inbound-frame counter.
func (r *Registry) NoteReceived() {
	r.messagesReceived.Add(1)
}

// Stats snapshots the process-wide counters and the per-conversation
// connection counts.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	active := 0
	conversations := make(map[int64]int, len(r.conns))
	for conversationID, bucket := range r.conns {
		conversations[conversationID] = len(bucket)
		active += len(bucket)
	}
	r.mu.RUnlock()

	return Stats{
		TotalConnections:  r.totalConnections.Load(),
		ActiveConnections: active,
		MessagesSent:      r.messagesSent.Load(),
		MessagesReceived:  r.messagesReceived.Load(),
		Conversations:     conversations,
	}
}

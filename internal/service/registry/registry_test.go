package registry

import (
	"errors"
	"sync"
	"testing"
)

// fakeTransport records writes so tests can assert delivery.
type fakeTransport struct {
	mu       sync.Mutex
	written  []any
	writeErr error
	closed   bool
}

func (f *fakeTransport) WriteJSON(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.written = append(f.written, v)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) writes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.written)
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func TestRegisterAndUnregister(t *testing.T) {
	reg := New()
	conn := NewConnection(1, 10, "alice", &fakeTransport{})

	if old := reg.Register(conn); old != nil {
		t.Fatalf("expected no displaced connection, got user %d", old.UserID)
	}

	users := reg.ActiveUsers(1)
	if len(users) != 1 || users[0] != 10 {
		t.Fatalf("unexpected active users: %v", users)
	}

	reg.Unregister(conn)
	if users := reg.ActiveUsers(1); len(users) != 0 {
		t.Fatalf("expected no active users after unregister, got %v", users)
	}

	stats := reg.Stats()
	if stats.TotalConnections != 1 {
		t.Fatalf("expected total 1, got %d", stats.TotalConnections)
	}
	if stats.ActiveConnections != 0 {
		t.Fatalf("expected active 0, got %d", stats.ActiveConnections)
	}
	if len(stats.Conversations) != 0 {
		t.Fatalf("expected empty conversation bucket to be removed, got %v", stats.Conversations)
	}
}

func TestRegisterDisplacesDuplicate(t *testing.T) {
	reg := New()
	oldTransport := &fakeTransport{}
	oldConn := NewConnection(1, 10, "alice", oldTransport)
	reg.Register(oldConn)

	newConn := NewConnection(1, 10, "alice", &fakeTransport{})
	displaced := reg.Register(newConn)

	if displaced != oldConn {
		t.Fatal("expected the first connection to be displaced")
	}
	if !oldTransport.isClosed() {
		t.Fatal("expected displaced transport to be closed")
	}

	if users := reg.ActiveUsers(1); len(users) != 1 {
		t.Fatalf("expected one active user, got %v", users)
	}

	// A late unregister from the displaced connection must not evict the
	// replacement.
	reg.Unregister(oldConn)
	if users := reg.ActiveUsers(1); len(users) != 1 || users[0] != 10 {
		t.Fatalf("replacement was evicted, active users: %v", users)
	}

	reg.Unregister(newConn)
	if users := reg.ActiveUsers(1); len(users) != 0 {
		t.Fatalf("expected no active users, got %v", users)
	}
}

func TestActiveUsersSorted(t *testing.T) {
	reg := New()
	for _, userID := range []int64{30, 10, 20} {
		reg.Register(NewConnection(1, userID, "", &fakeTransport{}))
	}

	users := reg.ActiveUsers(1)
	if len(users) != 3 || users[0] != 10 || users[1] != 20 || users[2] != 30 {
		t.Fatalf("expected sorted users, got %v", users)
	}

	if users := reg.ActiveUsers(99); len(users) != 0 {
		t.Fatalf("expected no users for unknown conversation, got %v", users)
	}
}

func TestBroadcastExcludesSender(t *testing.T) {
	reg := New()
	senderTransport := &fakeTransport{}
	peerTransport := &fakeTransport{}
	otherTransport := &fakeTransport{}

	reg.Register(NewConnection(1, 10, "alice", senderTransport))
	reg.Register(NewConnection(1, 20, "bob", peerTransport))
	reg.Register(NewConnection(2, 30, "carol", otherTransport))

	reg.Broadcast(1, "hello", 10)

	if senderTransport.writes() != 0 {
		t.Fatal("sender must not receive its own broadcast")
	}
	if peerTransport.writes() != 1 {
		t.Fatalf("expected peer to receive 1 message, got %d", peerTransport.writes())
	}
	if otherTransport.writes() != 0 {
		t.Fatal("other conversation must not receive the broadcast")
	}
}

func TestBroadcastSurvivesFailedRecipient(t *testing.T) {
	reg := New()
	broken := &fakeTransport{writeErr: errors.New("write: broken pipe")}
	healthy := &fakeTransport{}

	reg.Register(NewConnection(1, 10, "alice", broken))
	reg.Register(NewConnection(1, 20, "bob", healthy))

	reg.Broadcast(1, "hello", 0)

	if healthy.writes() != 1 {
		t.Fatalf("expected healthy peer to receive the message, got %d writes", healthy.writes())
	}

	stats := reg.Stats()
	if stats.MessagesSent != 1 {
		t.Fatalf("expected 1 delivered message, got %d", stats.MessagesSent)
	}
}

func TestConnectionCounters(t *testing.T) {
	transport := &fakeTransport{}
	conn := NewConnection(1, 10, "alice", transport)

	if err := conn.Send("a"); err != nil {
		t.Fatalf("Send err: %v", err)
	}
	if err := conn.Send("b"); err != nil {
		t.Fatalf("Send err: %v", err)
	}
	conn.NoteReceived()

	if conn.Sent() != 2 {
		t.Fatalf("expected 2 sent, got %d", conn.Sent())
	}
	if conn.Received() != 1 {
		t.Fatalf("expected 1 received, got %d", conn.Received())
	}
}

func TestStatsPerConversationCounts(t *testing.T) {
	reg := New()
	reg.Register(NewConnection(1, 10, "", &fakeTransport{}))
	reg.Register(NewConnection(1, 20, "", &fakeTransport{}))
	reg.Register(NewConnection(2, 30, "", &fakeTransport{}))

	reg.NoteSent()
	reg.NoteReceived()
	reg.NoteReceived()

	stats := reg.Stats()
	if stats.ActiveConnections != 3 {
		t.Fatalf("expected 3 active, got %d", stats.ActiveConnections)
	}
	if stats.Conversations[1] != 2 || stats.Conversations[2] != 1 {
		t.Fatalf("unexpected per-conversation counts: %v", stats.Conversations)
	}
	if stats.MessagesSent != 1 || stats.MessagesReceived != 2 {
		t.Fatalf("unexpected counters: sent=%d received=%d", stats.MessagesSent, stats.MessagesReceived)
	}
}

package chat

import (
	"context"
	"sync"
	"time"

	chatmodel "github.com/helicon-ai/docchat/internal/model/chat"
)

// MemoryStore implements Store with in-process maps. Suitable for tests
// and for running without a configured Supabase project.
type MemoryStore struct {
	mu            sync.RWMutex
	nextID        int64
	conversations map[int64]chatmodel.Conversation
	messages      map[int64][]chatmodel.Message
}

// NewMemoryStore bootstraps an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[int64]chatmodel.Conversation),
		messages:      make(map[int64][]chatmodel.Message),
	}
}

// CreateConversation provisions a conversation owned by the user.
func (s *MemoryStore) CreateConversation(_ context.Context, userID int64, title string) chatmodel.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	conversation := chatmodel.Conversation{
		ID:        s.nextID,
		UserID:    userID,
		Title:     title,
		CreatedAt: time.Now().UTC(),
	}
	s.conversations[conversation.ID] = conversation
	s.messages[conversation.ID] = make([]chatmodel.Message, 0, 16)
	return conversation
}

// CheckAccess implements Store.
func (s *MemoryStore) CheckAccess(_ context.Context, conversationID, userID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conversation, ok := s.conversations[conversationID]
	if !ok {
		return false, nil
	}
	return conversation.UserID == userID, nil
}

// SaveExchange implements Store.
func (s *MemoryStore) SaveExchange(_ context.Context, ex Exchange) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[ex.ConversationID]; !ok {
		return 0, ErrConversationNotFound
	}

	s.nextID++
	message := chatmodel.Message{
		ID:             s.nextID,
		ConversationID: ex.ConversationID,
		UserID:         ex.UserID,
		Question:       ex.Question,
		Answer:         ex.Answer,
		ProcessingTime: ex.ProcessingTime,
		CreatedAt:      time.Now().UTC(),
	}
	s.messages[ex.ConversationID] = append(s.messages[ex.ConversationID], message)
	return message.ID, nil
}

// RecentMessages implements Store.
func (s *MemoryStore) RecentMessages(_ context.Context, conversationID int64, limit int) ([]chatmodel.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	messages, ok := s.messages[conversationID]
	if !ok {
		return nil, ErrConversationNotFound
	}

	start := 0
	if limit > 0 && len(messages) > limit {
		start = len(messages) - limit
	}

	copied := make([]chatmodel.Message, len(messages)-start)
	copy(copied, messages[start:])
	return copied, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	return nil
}

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

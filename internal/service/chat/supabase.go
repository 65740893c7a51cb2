package chat

import (
	"context"
	"fmt"
	"strconv"

	"github.com/supabase-community/postgrest-go"
	"github.com/supabase-community/supabase-go"

	chatmodel "github.com/helicon-ai/docchat/internal/model/chat"
)

// SupabaseConfig holds Supabase connection configuration.
type SupabaseConfig struct {
	URL    string
	APIKey string
}

// SupabaseStore implements Store on top of a hosted Supabase project.
// Conversations and messages live in the `conversations` and `messages`
// tables.
type SupabaseStore struct {
	client *supabase.Client
}

// NewSupabaseStore creates a Supabase-backed store.
func NewSupabaseStore(cfg SupabaseConfig) (*SupabaseStore, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("supabase URL is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("supabase API key is required")
	}

	client, err := supabase.NewClient(cfg.URL, cfg.APIKey, nil)
	if err != nil {
		return nil, fmt.Errorf("create supabase client: %w", err)
	}

	return &SupabaseStore{client: client}, nil
}

// CheckAccess implements Store.
func (s *SupabaseStore) CheckAccess(ctx context.Context, conversationID, userID int64) (bool, error) {
	var conversations []chatmodel.Conversation
	_, err := s.client.From("conversations").
		Select("id,user_id", "", false).
		Eq("id", strconv.FormatInt(conversationID, 10)).
		Eq("user_id", strconv.FormatInt(userID, 10)).
		ExecuteTo(&conversations)
	if err != nil {
		return false, fmt.Errorf("check conversation access: %w", err)
	}

	return len(conversations) > 0, nil
}

type messageInsert struct {
	ConversationID int64   `json:"conversation_id"`
	UserID         int64   `json:"user_id"`
	Question       string  `json:"question"`
	Answer         string  `json:"answer"`
	ProcessingTime float64 `json:"processing_time"`
}

// SaveExchange implements Store.
func (s *SupabaseStore) SaveExchange(ctx context.Context, ex Exchange) (int64, error) {
	row := messageInsert{
		ConversationID: ex.ConversationID,
		UserID:         ex.UserID,
		Question:       ex.Question,
		Answer:         ex.Answer,
		ProcessingTime: ex.ProcessingTime,
	}

	var inserted []chatmodel.Message
	_, err := s.client.From("messages").
		Insert(row, false, "", "representation", "").
		ExecuteTo(&inserted)
	if err != nil {
		return 0, fmt.Errorf("save exchange: %w", err)
	}
	if len(inserted) == 0 {
		return 0, ErrStorageFailure
	}

	return inserted[0].ID, nil
}

// RecentMessages implements Store.
func (s *SupabaseStore) RecentMessages(ctx context.Context, conversationID int64, limit int) ([]chatmodel.Message, error) {
	var messages []chatmodel.Message
	_, err := s.client.From("messages").
		Select("*", "", false).
		Eq("conversation_id", strconv.FormatInt(conversationID, 10)).
		Order("created_at", &postgrest.OrderOpts{Ascending: false}).
		Limit(limit, "").
		ExecuteTo(&messages)
	if err != nil {
		return nil, fmt.Errorf("load recent messages: %w", err)
	}

	// Rows arrive newest first; callers expect oldest first.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// Close implements Store. The Supabase client holds no resources that
// need explicit release.
func (s *SupabaseStore) Close() error {
	return nil
}

// Compile-time check that SupabaseStore implements Store.
var _ Store = (*SupabaseStore)(nil)

package chat

import (
	"context"
	"errors"

	chatmodel "github.com/helicon-ai/docchat/internal/model/chat"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrStorageFailure       = errors.New("storage failure")
)

// Exchange is one completed question/answer pair ready for persistence.
type Exchange struct {
	ConversationID int64
	UserID         int64
	Question       string
	Answer         string
	ProcessingTime float64
}

// Store provides conversation access checks and exchange persistence.
// The realtime core consumes it as an opaque collaborator.
type Store interface {
	// CheckAccess reports whether the user may read/write the conversation.
	CheckAccess(ctx context.Context, conversationID, userID int64) (bool, error)

	// SaveExchange persists a completed exchange and returns the assigned
	// message id.
	SaveExchange(ctx context.Context, ex Exchange) (int64, error)

	// RecentMessages returns up to limit most recent exchanges, oldest
	// first.
	RecentMessages(ctx context.Context, conversationID int64, limit int) ([]chatmodel.Message, error)

	// Close releases any resources held by the store.
	Close() error
}

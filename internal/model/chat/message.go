package chat

import "time"

// Message persists one completed question/answer exchange.
type Message struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversation_id"`
	UserID         int64     `json:"user_id"`
	Question       string    `json:"question"`
	Answer         string    `json:"answer"`
	ProcessingTime float64   `json:"processing_time"`
	CreatedAt      time.Time `json:"created_at"`
}

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Client-to-server message types.
const (
	TypeChatMessage = "chat_message"
	TypePing        = "ping"
	TypeTyping      = "typing"
)

// Server-to-client message types.
const (
	TypeConnectionEstablished = "connection_established"
	TypeStreamStart           = "stream_start"
	TypeStreamChunk           = "stream_chunk"
	TypeStreamEnd             = "stream_end"
	TypeMessageSaved          = "message_saved"
	TypeError                 = "error"
	TypePong                  = "pong"
	TypeRateLimitWarning      = "rate_limit_warning"
	TypeTypingBroadcast       = "typing_broadcast"
	TypeStatusUpdate          = "status_update"
)

// Machine-readable error codes carried by error envelopes.
const (
	CodeMalformedFrame  = "MALFORMED_FRAME"
	CodeUnsupportedType = "UNSUPPORTED_MESSAGE_TYPE"
	CodeEmptyMessage    = "EMPTY_MESSAGE"
	CodeGenerationError = "GENERATION_ERROR"
	CodeProcessingError = "PROCESSING_ERROR"
)

var ErrEmptyFrame = errors.New("empty frame")

// Inbound is the client-to-server wire envelope. The payload stays raw
// until the type is known.
type Inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ChatMessagePayload carries a user question. Stream defaults to true when
// the field is omitted.
type ChatMessagePayload struct {
	Content     string  `json:"content"`
	DocumentIDs []int64 `json:"document_ids,omitempty"`
	Stream      *bool   `json:"stream,omitempty"`
}

// Streaming reports whether the client asked for chunked delivery.
func (p ChatMessagePayload) Streaming() bool {
	return p.Stream == nil || *p.Stream
}

// TypingPayload signals the sender's typing state to the conversation.
type TypingPayload struct {
	IsTyping bool `json:"is_typing"`
}

// Decode parses a raw client frame into an inbound envelope.
func Decode(raw []byte) (*Inbound, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyFrame
	}

	var in Inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if in.Type == "" {
		return nil, errors.New("frame missing type")
	}
	return &in, nil
}

// DecodeChatMessage parses the payload of a chat_message frame.
func DecodeChatMessage(raw json.RawMessage) (ChatMessagePayload, error) {
	var p ChatMessagePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return ChatMessagePayload{}, fmt.Errorf("decode chat message payload: %w", err)
	}
	return p, nil
}

// DecodeTyping parses the payload of a typing frame.
func DecodeTyping(raw json.RawMessage) (TypingPayload, error) {
	var p TypingPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return TypingPayload{}, fmt.Errorf("decode typing payload: %w", err)
	}
	return p, nil
}

// Envelope is the server-to-client wire format. Every envelope carries a
// server-assigned unique id and a UTC timestamp so clients can deduplicate
// and diagnose ordering.
type Envelope struct {
	Type      string `json:"type"`
	Data      any    `json:"data"`
	Timestamp string `json:"timestamp"`
	ID        string `json:"id"`
}

// New builds an outbound envelope around a typed payload.
func New(msgType string, data any) Envelope {
	return Envelope{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		ID:        uuid.NewString(),
	}
}

// ConnectionEstablished acknowledges a successful connect.
func ConnectionEstablished(conversationID, userID int64) Envelope {
	return New(TypeConnectionEstablished, map[string]any{
		"conversation_id": conversationID,
		"user_id":         userID,
	})
}

// StreamStart opens a chunked answer stream.
func StreamStart(streamID, question string) Envelope {
	return New(TypeStreamStart, map[string]any{
		"stream_id": streamID,
		"question":  question,
	})
}

// StreamChunk carries one increment of generated text.
func StreamChunk(streamID, content string, chunkIndex int) Envelope {
	return New(TypeStreamChunk, map[string]any{
		"stream_id":   streamID,
		"content":     content,
		"chunk_index": chunkIndex,
	})
}

// StreamEnd closes a chunked answer stream with summary statistics.
func StreamEnd(streamID string, totalChunks, totalTokens int, processingSeconds float64, contentLength int) Envelope {
	return New(TypeStreamEnd, map[string]any{
		"stream_id":               streamID,
		"total_chunks":            totalChunks,
		"total_tokens_estimate":   totalTokens,
		"processing_time_seconds": processingSeconds,
		"content_length":          contentLength,
	})
}

// MessageSaved confirms the completed exchange was persisted.
func MessageSaved(messageID int64, question, answer string) Envelope {
	return New(TypeMessageSaved, map[string]any{
		"message_id": messageID,
		"question":   question,
		"answer":     answer,
	})
}

// ChatMessage delivers a full non-streamed answer in one envelope.
func ChatMessage(content string) Envelope {
	return New(TypeChatMessage, map[string]any{
		"content": content,
	})
}

// Error reports a failed or rejected operation. The connection stays open.
func Error(code, message, details string) Envelope {
	data := map[string]any{
		"error":      message,
		"error_code": code,
	}
	if details != "" {
		data["details"] = details
	}
	return New(TypeError, data)
}

// Pong answers a keepalive ping with the current server time.
func Pong(now time.Time) Envelope {
	return New(TypePong, map[string]any{
		"timestamp": now.UTC().Format(time.RFC3339Nano),
	})
}

// RateLimitWarning tells a client its message was dropped and when
// capacity frees up.
func RateLimitWarning(remaining int, resetTime time.Time) Envelope {
	return New(TypeRateLimitWarning, map[string]any{
		"remaining":  remaining,
		"reset_time": resetTime.UTC().Format(time.RFC3339Nano),
	})
}

// TypingBroadcast relays a peer's typing state.
func TypingBroadcast(userID int64, isTyping bool) Envelope {
	return New(TypeTypingBroadcast, map[string]any{
		"user_id":   userID,
		"is_typing": isTyping,
	})
}

// StatusUpdate announces a connection lifecycle change to the conversation.
func StatusUpdate(userID int64, status string) Envelope {
	return New(TypeStatusUpdate, map[string]any{
		"user_id": userID,
		"status":  status,
	})
}

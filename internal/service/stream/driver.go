package stream

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"

	"github.com/helicon-ai/docchat/internal/model/protocol"
	chatservice "github.com/helicon-ai/docchat/internal/service/chat"
)

// Request carries everything the answer generator needs for one question.
type Request struct {
	ConversationID int64
	UserID         int64
	Question       string
	DocumentIDs    []int64
}

// Generator produces answers, either as a lazy forward-only token stream
// or as one complete string. A stream cannot be restarted; regeneration
// needs a new call.
type Generator interface {
	Stream(ctx context.Context, req Request) (*schema.StreamReader[*schema.Message], error)
	Generate(ctx context.Context, req Request) (string, error)
}

// Sender delivers protocol envelopes back to the requesting client.
type Sender interface {
	Send(env protocol.Envelope) error
}

// Driver converts one generation call into the chunked wire protocol and
// persists the completed exchange. One Respond call handles one request;
// the driver itself is stateless and safe for concurrent use.
type Driver struct {
	gen   Generator
	store chatservice.Store
}

// New creates a streaming response driver.
func New(gen Generator, store chatservice.Store) *Driver {
	return &Driver{gen: gen, store: store}
}

// Respond answers one chat message. Empty questions are rejected before
// any stream is allocated.
func (d *Driver) Respond(ctx context.Context, out Sender, req Request, streaming bool) {
	if strings.TrimSpace(req.Question) == "" {
		d.send(out, protocol.Error(protocol.CodeEmptyMessage, "message content is empty", ""))
		return
	}

	if streaming {
		d.respondStreaming(ctx, out, req)
		return
	}
	d.respondComplete(ctx, out, req)
}

func (d *Driver) respondStreaming(ctx context.Context, out Sender, req Request) {
	streamID := uuid.NewString()
	started := time.Now()

	reader, err := d.gen.Stream(ctx, req)
	if err != nil {
		log.Printf("[stream] open generation stream failed conversation=%d: %v", req.ConversationID, err)
		d.send(out, protocol.Error(protocol.CodeGenerationError, "answer generation failed", err.Error()))
		return
	}
	defer reader.Close()

	d.send(out, protocol.StreamStart(streamID, req.Question))

	var answer strings.Builder
	chunkIndex := 0
	for {
		chunk, recvErr := reader.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			// Partial output is discarded, not persisted; the client saw
			// the chunks but the exchange never completed.
			log.Printf("[stream] generation failed mid-stream conversation=%d chunks=%d: %v",
				req.ConversationID, chunkIndex, recvErr)
			d.send(out, protocol.Error(protocol.CodeGenerationError, "answer generation failed", recvErr.Error()))
			return
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}

		answer.WriteString(chunk.Content)
		d.send(out, protocol.StreamChunk(streamID, chunk.Content, chunkIndex))
		chunkIndex++
	}

	content := answer.String()
	elapsed := time.Since(started).Seconds()
	d.send(out, protocol.StreamEnd(streamID, chunkIndex, EstimateTokens(content), elapsed, len(content)))

	d.persist(ctx, out, req, content, elapsed)
}

func (d *Driver) respondComplete(ctx context.Context, out Sender, req Request) {
	started := time.Now()

	content, err := d.gen.Generate(ctx, req)
	if err != nil {
		log.Printf("[stream] generation failed conversation=%d: %v", req.ConversationID, err)
		d.send(out, protocol.Error(protocol.CodeGenerationError, "answer generation failed", err.Error()))
		return
	}

	d.send(out, protocol.ChatMessage(content))
	d.persist(ctx, out, req, content, time.Since(started).Seconds())
}

// persist saves the completed exchange. The answer was already delivered,
// so a storage failure is logged and message_saved is simply omitted
// rather than pretending success.
func (d *Driver) persist(ctx context.Context, out Sender, req Request, answer string, elapsed float64) {
	messageID, err := d.store.SaveExchange(ctx, chatservice.Exchange{
		ConversationID: req.ConversationID,
		UserID:         req.UserID,
		Question:       req.Question,
		Answer:         answer,
		ProcessingTime: elapsed,
	})
	if err != nil {
		log.Printf("[stream] persist exchange failed conversation=%d user=%d: %v",
			req.ConversationID, req.UserID, err)
		return
	}

	d.send(out, protocol.MessageSaved(messageID, req.Question, answer))
}

func (d *Driver) send(out Sender, env protocol.Envelope) {
	if err := out.Send(env); err != nil {
		log.Printf("[stream] send %s failed: %v", env.Type, err)
	}
}

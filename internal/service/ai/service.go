package ai

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/helicon-ai/docchat/internal/config"
	chatmodel "github.com/helicon-ai/docchat/internal/model/chat"
	chatservice "github.com/helicon-ai/docchat/internal/service/chat"
	"github.com/helicon-ai/docchat/internal/service/retrieval"
	"github.com/helicon-ai/docchat/internal/service/stream"
)

const (
	historyLimit   = 10
	retrievalLimit = 5
)

// Service answers document-grounded questions through the configured chat
// model. Relevant document chunks are retrieved per question and folded
// into the system prompt; recent conversation history rides along as
// model messages.
type Service struct {
	store     chatservice.Store
	retriever retrieval.Searcher
	chain     compose.Runnable[map[string]any, *schema.Message]
}

// NewService compiles the prompt/model chain. retriever may be nil, in
// which case answers are generated without document context.
func NewService(ctx context.Context, cfg config.AIConfig, store chatservice.Store, retriever retrieval.Searcher) (*Service, error) {
	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("create chat model: %w", err)
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile chat chain: %w", err)
	}

	return &Service{
		store:     store,
		retriever: retriever,
		chain:     runnable,
	}, nil
}

// Stream implements stream.Generator.
func (s *Service) Stream(ctx context.Context, req stream.Request) (*schema.StreamReader[*schema.Message], error) {
	input, err := s.buildChainInput(ctx, req)
	if err != nil {
		return nil, err
	}

	reader, err := s.chain.Stream(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("stream chain output: %w", err)
	}
	return reader, nil
}

// Generate implements stream.Generator.
func (s *Service) Generate(ctx context.Context, req stream.Request) (string, error) {
	input, err := s.buildChainInput(ctx, req)
	if err != nil {
		return "", err
	}

	response, err := s.chain.Invoke(ctx, input)
	if err != nil {
		return "", fmt.Errorf("run chat chain: %w", err)
	}

	log.Printf("[ai] generated answer conversation=%d length=%d", req.ConversationID, len(response.Content))
	return response.Content, nil
}

func (s *Service) buildChainInput(ctx context.Context, req stream.Request) (map[string]any, error) {
	chunks := s.retrieve(ctx, req)

	history, err := s.store.RecentMessages(ctx, req.ConversationID, historyLimit)
	if err != nil {
		// History is an enrichment, not a prerequisite.
		log.Printf("[ai] load history failed conversation=%d: %v", req.ConversationID, err)
	}

	return map[string]any{
		"system":  buildSystemPrompt(chunks),
		"history": buildHistoryMessages(history),
		"query":   req.Question,
	}, nil
}

func (s *Service) retrieve(ctx context.Context, req stream.Request) []retrieval.Chunk {
	if s.retriever == nil {
		return nil
	}

	chunks, err := s.retriever.Search(ctx, req.Question, req.DocumentIDs, retrievalLimit)
	if err != nil {
		log.Printf("[ai] retrieval failed conversation=%d: %v", req.ConversationID, err)
		return nil
	}
	return chunks
}

func buildSystemPrompt(chunks []retrieval.Chunk) string {
	var builder strings.Builder
	builder.WriteString("You are a helpful assistant that answers questions about the user's documents.")

	if len(chunks) == 0 {
		builder.WriteString(" No document context was found for this question; answer from general knowledge and say so when unsure.")
		return builder.String()
	}

	builder.WriteString(" Ground your answer in the following document excerpts and cite them when relevant.\n")
	for i, chunk := range chunks {
		builder.WriteString(fmt.Sprintf("\n[%d] (document %d)\n%s\n", i+1, chunk.DocumentID, chunk.Content))
	}
	return builder.String()
}

func buildHistoryMessages(messages []chatmodel.Message) []*schema.Message {
	if len(messages) == 0 {
		return nil
	}

	history := make([]*schema.Message, 0, len(messages)*2)
	for _, msg := range messages {
		history = append(history, schema.UserMessage(msg.Question))
		history = append(history, schema.AssistantMessage(msg.Answer, nil))
	}
	return history
}

// Compile-time check that Service implements stream.Generator.
var _ stream.Generator = (*Service)(nil)

package retrieval

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/qdrant/go-client/qdrant"
)

// QdrantConfig holds Qdrant connection configuration.
type QdrantConfig struct {
	// URL is the Qdrant server address (e.g. "https://example.qdrant.io:6334").
	URL string

	// CollectionName is the collection holding document chunk vectors.
	CollectionName string

	// APIKey is an optional API key for authentication.
	APIKey string

	// MinScore drops results below this similarity threshold.
	MinScore float32
}

// QdrantSearcher implements Searcher against a Qdrant collection whose
// payloads carry `content` and `document_id` fields.
type QdrantSearcher struct {
	client         *qdrant.Client
	embedder       embedding.Embedder
	collectionName string
	minScore       float32
}

// NewQdrantSearcher creates a Qdrant-backed searcher. Questions are
// embedded with the given embedder before the similarity query.
func NewQdrantSearcher(cfg QdrantConfig, embedder embedding.Embedder) (*QdrantSearcher, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("qdrant url is required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}

	parsedURL := cfg.URL
	if !strings.HasPrefix(parsedURL, "http://") && !strings.HasPrefix(parsedURL, "https://") {
		parsedURL = "https://" + parsedURL
	}

	u, err := url.Parse(parsedURL)
	if err != nil {
		return nil, fmt.Errorf("parse qdrant url: %w", err)
	}

	host := u.Hostname()
	port := 6334
	if u.Port() != "" {
		p, err := strconv.Atoi(u.Port())
		if err != nil {
			return nil, fmt.Errorf("invalid qdrant port: %w", err)
		}
		port = p
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: u.Scheme == "https",
	})
	if err != nil {
		return nil, fmt.Errorf("create qdrant client: %w", err)
	}

	return &QdrantSearcher{
		client:         client,
		embedder:       embedder,
		collectionName: cfg.CollectionName,
		minScore:       cfg.MinScore,
	}, nil
}

// Search implements Searcher.
func (s *QdrantSearcher) Search(ctx context.Context, query string, documentIDs []int64, limit int) ([]Chunk, error) {
	vectors, err := s.embedder.EmbedStrings(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("embedder returned no vector")
	}

	vector := make([]float32, len(vectors[0]))
	for i, v := range vectors[0] {
		vector[i] = float32(v)
	}

	limitUint64 := uint64(limit)
	points, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collectionName,
		Query:          qdrant.NewQuery(vector...),
		Limit:          &limitUint64,
		Filter:         buildDocumentFilter(documentIDs),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant search failed: %w", err)
	}

	chunks := make([]Chunk, 0, len(points))
	for _, point := range points {
		if s.minScore > 0 && point.Score < s.minScore {
			continue
		}

		chunk := Chunk{Score: point.Score}
		for k, v := range point.GetPayload() {
			switch k {
			case "content":
				chunk.Content = v.GetStringValue()
			case "document_id":
				chunk.DocumentID = v.GetIntegerValue()
			}
		}
		chunks = append(chunks, chunk)
	}

	return chunks, nil
}

// Close implements Searcher.
func (s *QdrantSearcher) Close() error {
	return s.client.Close()
}

// buildDocumentFilter restricts the search to the given document ids.
func buildDocumentFilter(documentIDs []int64) *qdrant.Filter {
	if len(documentIDs) == 0 {
		return nil
	}

	var match *qdrant.Match
	if len(documentIDs) == 1 {
		match = &qdrant.Match{MatchValue: &qdrant.Match_Integer{Integer: documentIDs[0]}}
	} else {
		ids := make([]int64, len(documentIDs))
		copy(ids, documentIDs)
		match = &qdrant.Match{
			MatchValue: &qdrant.Match_Integers{
				Integers: &qdrant.RepeatedIntegers{Integers: ids},
			},
		}
	}

	return &qdrant.Filter{
		Must: []*qdrant.Condition{{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{
					Key:   "document_id",
					Match: match,
				},
			},
		}},
	}
}

// Compile-time check that QdrantSearcher implements Searcher.
var _ Searcher = (*QdrantSearcher)(nil)

package retrieval

import "context"

// Chunk is one retrieved document fragment.
type Chunk struct {
	DocumentID int64
	Content    string
	Score      float32
}

// Searcher answers "which document fragments are relevant to this
// question", optionally restricted to a set of documents. Retrieval
// ranking itself is delegated to the vector database.
type Searcher interface {
	Search(ctx context.Context, query string, documentIDs []int64, limit int) ([]Chunk, error)
	Close() error
}

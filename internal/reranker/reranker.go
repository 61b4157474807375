// Package reranker provides re-ranking for retrieval candidates.
//
// Re-ranking uses cross-encoder style scoring to improve retrieval precision
// by evaluating query-document pairs together rather than independently.
//
//   - Latency: adds a scoring model call per query
//   - Quality: significantly better relevance when top-k vector results have
//     similar scores
//
// A reranker failure never fails a request: the orchestrator falls back to
// the vector store's similarity ordering and tags the response as degraded.
package reranker

import (
	"context"
	"fmt"

	"github.com/knoguchi/recall/internal/vectorstore"
)

// ScoredCandidate is a retrieval candidate with an additional reranking score.
type ScoredCandidate struct {
	vectorstore.Candidate
	RerankScore float32
}

// Reranker defines the interface for re-ranking retrieval candidates.
type Reranker interface {
	// Rerank scores each candidate against the query and returns the
	// candidates re-ordered by descending relevance.
	Rerank(ctx context.Context, query string, candidates []vectorstore.Candidate) ([]ScoredCandidate, error)
}

// Error wraps any reranking failure: model errors, timeouts, or unparseable
// scoring output.
type Error struct {
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("reranker: %v", e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

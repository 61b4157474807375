// Package vectorstore provides clients for external vector similarity stores.
//
// The store is an external collaborator: this service only issues k-nearest
// neighbor queries against an index that is populated elsewhere.
package vectorstore

import (
	"context"
	"fmt"
)

// Candidate is a single k-nearest-neighbor match returned by a store.
type Candidate struct {
	DocumentID string
	Content    string
	Score      float32
	Metadata   map[string]string
}

// VectorStore defines the interface for vector similarity queries.
type VectorStore interface {
	// Query returns up to k candidates ordered by descending similarity
	// to the given vector.
	Query(ctx context.Context, vector []float32, k int) ([]Candidate, error)
}

// Error wraps connectivity or query failures against the backing store.
type Error struct {
	Backend string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("vectorstore: %s: %v", e.Backend, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

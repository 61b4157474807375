// Package persist provides best-effort durable storage for cache entries.
// Writes happen asynchronously off the request path; a snapshot of the
// resident cache is persisted periodically and used to warm-start the
// process after a restart.
package persist

import (
	"context"
	"errors"
	"fmt"

	"github.com/knoguchi/recall/internal/cache"
)

// ErrNotFound is returned when a key has no stored value.
var ErrNotFound = errors.New("persist: not found")

// Error wraps a durable store failure with the backend it came from.
type Error struct {
	Backend string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("persist: %s: %v", e.Backend, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// DurableStore persists individual cache entries and whole-cache snapshots.
type DurableStore interface {
	// PutEntry stores one cache entry keyed by its normalized query.
	PutEntry(ctx context.Context, entry *cache.Entry) error

	// GetEntry loads the entry for a normalized query, or ErrNotFound.
	GetEntry(ctx context.Context, normalizedQuery string) (*cache.Entry, error)

	// PutSnapshot stores a serialized whole-cache snapshot.
	PutSnapshot(ctx context.Context, data []byte) error

	// GetSnapshot loads the current snapshot, or ErrNotFound.
	GetSnapshot(ctx context.Context) ([]byte, error)
}

package persist

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/knoguchi/recall/internal/cache"
)

const snapshotVersion = 1

type snapshot struct {
	Version int            `json:"version"`
	SavedAt time.Time      `json:"saved_at"`
	Entries []*cache.Entry `json:"entries"`
}

// SyncerConfig configures the background syncer.
type SyncerConfig struct {
	// QueueDepth bounds the pending write queue. When the queue is full the
	// oldest pending write is dropped to admit the newest.
	QueueDepth int

	// SnapshotInterval is how often the resident cache is snapshotted to
	// the durable store. Zero disables periodic snapshots.
	SnapshotInterval time.Duration

	// MaxRetries bounds write retry attempts per entry.
	MaxRetries int
}

// Syncer propagates cache writes to a durable store asynchronously so the
// request path never blocks on persistence, and periodically snapshots the
// resident cache for warm starts. Persistence failures are logged and
// dropped; durability here is best effort.
type Syncer struct {
	store    DurableStore
	exact    *cache.ExactCache
	semantic *cache.SemanticCache
	cfg      SyncerConfig
	logger   *slog.Logger

	mu      sync.Mutex
	pending []*cache.Entry
	wake    chan struct{}

	done chan struct{}
	wg   sync.WaitGroup
}

// NewSyncer creates a syncer over store. Start must be called before
// enqueued writes are drained.
func NewSyncer(store DurableStore, exact *cache.ExactCache, semantic *cache.SemanticCache, cfg SyncerConfig, logger *slog.Logger) *Syncer {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 256
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Syncer{
		store:    store,
		exact:    exact,
		semantic: semantic,
		cfg:      cfg,
		logger:   logger,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Start launches the background write and snapshot loops.
func (s *Syncer) Start() {
	s.wg.Add(1)
	go s.writeLoop()

	if s.cfg.SnapshotInterval > 0 {
		s.wg.Add(1)
		go s.snapshotLoop()
	}
}

// Lookup answers a cold cache miss from the durable store. Any failure,
// including a plain absence, is a miss; the caller falls through to the
// full pipeline.
func (s *Syncer) Lookup(ctx context.Context, normalizedQuery string) (*cache.Entry, bool) {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	entry, err := s.store.GetEntry(ctx, normalizedQuery)
	if err != nil {
		if err != ErrNotFound {
			s.logger.Debug("durable lookup failed", "query", normalizedQuery, "error", err)
		}
		return nil, false
	}
	return entry, true
}

// Enqueue schedules entry for durable persistence. It never blocks: when
// the queue is full the oldest pending write is discarded with a warning.
func (s *Syncer) Enqueue(entry *cache.Entry) {
	s.mu.Lock()
	if len(s.pending) >= s.cfg.QueueDepth {
		dropped := s.pending[0]
		s.pending = s.pending[1:]
		s.logger.Warn("sync queue full, dropping oldest pending write",
			"dropped_query", dropped.NormalizedQuery,
			"queue_depth", s.cfg.QueueDepth,
		)
	}
	s.pending = append(s.pending, entry)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Syncer) dequeue() (*cache.Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil, false
	}
	entry := s.pending[0]
	s.pending = s.pending[1:]
	return entry, true
}

func (s *Syncer) writeLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.done:
			s.drain()
			return
		case <-s.wake:
			s.drain()
		}
	}
}

func (s *Syncer) drain() {
	for {
		entry, ok := s.dequeue()
		if !ok {
			return
		}
		s.writeEntry(entry)
	}
}

func (s *Syncer) writeEntry(entry *cache.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(s.cfg.MaxRetries))
	err := backoff.Retry(func() error {
		return s.store.PutEntry(ctx, entry)
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		s.logger.Warn("durable write failed, entry dropped",
			"query", entry.NormalizedQuery,
			"error", err,
		)
	}
}

func (s *Syncer) snapshotLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.snapshot()
		}
	}
}

// snapshot persists the semantic tier, which holds embeddings and is a
// superset of what a warm start needs. Exact entries are recreated from it
// on rehydration.
func (s *Syncer) snapshot() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	data, err := json.Marshal(snapshot{
		Version: snapshotVersion,
		SavedAt: time.Now(),
		Entries: s.semantic.Entries(),
	})
	if err != nil {
		s.logger.Warn("snapshot marshal failed", "error", err)
		return
	}
	if err := s.store.PutSnapshot(ctx, data); err != nil {
		s.logger.Warn("snapshot write failed", "error", err)
		return
	}
	s.logger.Debug("cache snapshot persisted", "bytes", len(data))
}

// Rehydrate loads the latest snapshot and refills both cache tiers. A
// missing, corrupt, or incompatible snapshot starts the process cold and is
// never an error.
func (s *Syncer) Rehydrate(ctx context.Context) {
	data, err := s.store.GetSnapshot(ctx)
	if err != nil {
		if err != ErrNotFound {
			s.logger.Warn("snapshot load failed, starting cold", "error", err)
		}
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		s.logger.Warn("snapshot corrupt, starting cold", "error", err)
		return
	}
	if snap.Version != snapshotVersion {
		s.logger.Warn("snapshot version mismatch, starting cold", "version", snap.Version)
		return
	}

	now := time.Now()
	restored := 0
	for _, entry := range snap.Entries {
		if entry == nil || entry.Expired(now) {
			continue
		}
		if len(entry.Embedding) > 0 {
			s.semantic.Put(entry.Embedding, entry)
		}
		s.exact.Put(entry.NormalizedQuery, entry)
		restored++
	}
	s.logger.Info("cache rehydrated from snapshot",
		"entries", restored,
		"saved_at", snap.SavedAt,
	)
}

// Close stops the background loops, flushes pending writes, and persists a
// final snapshot.
func (s *Syncer) Close() {
	close(s.done)
	s.wg.Wait()
	s.snapshot()
}

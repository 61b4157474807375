// Package retriever orchestrates the retrieval pipeline: cache lookups in
// front of embedding, vector search, and reranking, with write-back into
// both cache tiers on a miss.
package retriever

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/knoguchi/recall/internal/cache"
	"github.com/knoguchi/recall/internal/embedder"
	"github.com/knoguchi/recall/internal/metrics"
	"github.com/knoguchi/recall/internal/reranker"
	"github.com/knoguchi/recall/internal/vectorstore"
)

// ErrEmptyQuery rejects requests whose query is empty after normalization.
var ErrEmptyQuery = errors.New("retriever: query must not be empty")

const maxTopK = 100

// Cache outcomes reported per request.
const (
	OutcomeExactHit    = "exact_hit"
	OutcomeDurableHit  = "durable_hit"
	OutcomeSemanticHit = "semantic_hit"
	OutcomeMiss        = "miss"
	OutcomeBypass      = "bypass"
)

// Config holds the orchestrator's tunables.
type Config struct {
	DefaultTopK         int
	OverfetchFactor     int
	SimilarityThreshold float32
	CacheTTL            time.Duration
	EmbedTimeout        time.Duration
	VectorTimeout       time.Duration
	RerankTimeout       time.Duration
	MaxRetries          int
	BackfillExact       bool
}

// Options tune a single retrieval. The zero value means full caching with
// the configured defaults.
type Options struct {
	// TopK is the number of items to return. Zero uses the default.
	TopK int

	// SimilarityThreshold overrides the semantic-tier acceptance threshold
	// when positive.
	SimilarityThreshold float32

	// BypassCache skips cache reads and writes for this request.
	BypassCache bool

	// ForceRefresh skips cache reads but still writes the fresh result.
	ForceRefresh bool
}

// Result is one completed retrieval.
type Result struct {
	RequestID  string                   `json:"request_id"`
	Items      []cache.RetrievedItem    `json:"items"`
	Outcome    string                   `json:"cache_outcome"`
	Similarity float32                  `json:"similarity,omitempty"`
	Degraded   bool                     `json:"degraded,omitempty"`
	Latency    map[string]time.Duration `json:"latency"`
}

// EntrySink is the durable persistence hook: freshly cached entries are
// handed off asynchronously, and cold exact misses may be answered from the
// durable store before the pipeline runs.
type EntrySink interface {
	Enqueue(entry *cache.Entry)
	Lookup(ctx context.Context, normalizedQuery string) (*cache.Entry, bool)
}

// Orchestrator runs retrievals. The reranker and sink are optional; a nil
// reranker returns candidates in vector similarity order and a nil sink
// disables persistence.
type Orchestrator struct {
	embedder embedder.Embedder
	store    vectorstore.VectorStore
	reranker reranker.Reranker
	exact    *cache.ExactCache
	semantic *cache.SemanticCache
	recorder *metrics.Recorder
	sink     EntrySink
	norm     cache.QueryNormalizer
	cfg      Config
	flight   singleflight.Group
	logger   *slog.Logger
}

// New assembles an orchestrator.
func New(
	emb embedder.Embedder,
	store vectorstore.VectorStore,
	rr reranker.Reranker,
	exact *cache.ExactCache,
	semantic *cache.SemanticCache,
	recorder *metrics.Recorder,
	sink EntrySink,
	cfg Config,
	logger *slog.Logger,
) *Orchestrator {
	if cfg.DefaultTopK <= 0 {
		cfg.DefaultTopK = 5
	}
	if cfg.OverfetchFactor <= 0 {
		cfg.OverfetchFactor = 3
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		embedder: emb,
		store:    store,
		reranker: rr,
		exact:    exact,
		semantic: semantic,
		recorder: recorder,
		sink:     sink,
		norm:     cache.NewQueryNormalizer(),
		cfg:      cfg,
		logger:   logger,
	}
}

type missResult struct {
	entry    *cache.Entry
	degraded bool
	latency  map[string]time.Duration
}

// Retrieve answers query from the cache tiers when possible and otherwise
// runs the full embed, search, rerank pipeline, caching the result.
func (o *Orchestrator) Retrieve(ctx context.Context, query string, opts Options) (*Result, error) {
	requestID := uuid.NewString()
	logger := o.logger.With("request_id", requestID)
	stopTotal := o.recorder.Timer(metrics.StageTotal)
	latency := make(map[string]time.Duration)

	topK := opts.TopK
	if topK <= 0 {
		topK = o.cfg.DefaultTopK
	}
	if topK > maxTopK {
		topK = maxTopK
	}
	threshold := o.cfg.SimilarityThreshold
	if opts.SimilarityThreshold > 0 {
		threshold = opts.SimilarityThreshold
	}

	stop := o.recorder.Timer(metrics.StageNormalize)
	normalized := o.norm.Normalize(query)
	latency[metrics.StageNormalize] = stop(metrics.OutcomeOK)
	if normalized == "" {
		stopTotal(metrics.OutcomeError)
		return nil, ErrEmptyQuery
	}

	readCache := !opts.BypassCache && !opts.ForceRefresh

	if readCache {
		stop = o.recorder.Timer(metrics.StageExactLookup)
		entry, ok := o.exact.Get(normalized)
		if ok && len(entry.Items) >= topK {
			latency[metrics.StageExactLookup] = stop(metrics.OutcomeHit)
			stopTotal(metrics.OutcomeExactHit)
			logger.Info("retrieve served", "outcome", OutcomeExactHit, "query", normalized)
			return &Result{
				RequestID: requestID,
				Items:     entry.Items[:topK],
				Outcome:   OutcomeExactHit,
				Latency:   latency,
			}, nil
		}
		latency[metrics.StageExactLookup] = stop(metrics.OutcomeMiss)

		// Read-through: a cold exact miss may still be answered from the
		// durable store, refilling both tiers.
		if o.sink != nil {
			stop = o.recorder.Timer(metrics.StageDurableLookup)
			entry, ok := o.sink.Lookup(ctx, normalized)
			if ok && !entry.Expired(time.Now()) && len(entry.Items) >= topK {
				latency[metrics.StageDurableLookup] = stop(metrics.OutcomeHit)
				o.exact.Put(normalized, entry)
				if len(entry.Embedding) > 0 {
					o.semantic.Put(entry.Embedding, entry)
				}
				stopTotal(metrics.OutcomeDurableHit)
				logger.Info("retrieve served", "outcome", OutcomeDurableHit, "query", normalized)
				return &Result{
					RequestID: requestID,
					Items:     entry.Items[:topK],
					Outcome:   OutcomeDurableHit,
					Latency:   latency,
				}, nil
			}
			latency[metrics.StageDurableLookup] = stop(metrics.OutcomeMiss)
		}
	}

	embedding, err := o.embed(ctx, query, latency)
	if err != nil {
		stopTotal(metrics.OutcomeError)
		return nil, err
	}

	if readCache {
		stop = o.recorder.Timer(metrics.StageSemanticLookup)
		entry, sim, ok := o.semantic.Get(embedding, threshold)
		if ok && len(entry.Items) >= topK {
			latency[metrics.StageSemanticLookup] = stop(metrics.OutcomeHit)
			if o.cfg.BackfillExact {
				o.backfill(normalized, query, entry)
			}
			stopTotal(metrics.OutcomeSemanticHit)
			logger.Info("retrieve served", "outcome", OutcomeSemanticHit, "query", normalized, "similarity", sim)
			return &Result{
				RequestID:  requestID,
				Items:      entry.Items[:topK],
				Outcome:    OutcomeSemanticHit,
				Similarity: sim,
				Latency:    latency,
			}, nil
		}
		latency[metrics.StageSemanticLookup] = stop(metrics.OutcomeMiss)
	}

	var res missResult
	if opts.BypassCache {
		res, err = o.fetch(ctx, logger, query, normalized, embedding, topK, false)
	} else {
		// Concurrent misses for the same normalized query and result size
		// share one pipeline execution. The execution is detached from the
		// winning caller's context so one caller's cancellation cannot fail
		// the others; each caller re-checks its own context below.
		key := fmt.Sprintf("%s|k=%d", normalized, topK)
		var v interface{}
		v, err, _ = o.flight.Do(key, func() (interface{}, error) {
			return o.fetch(context.WithoutCancel(ctx), logger, query, normalized, embedding, topK, true)
		})
		if err == nil {
			res = v.(missResult)
		}
	}
	if err != nil {
		stopTotal(metrics.OutcomeError)
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		stopTotal(metrics.OutcomeError)
		return nil, err
	}
	for stage, d := range res.latency {
		latency[stage] = d
	}

	outcome := OutcomeMiss
	totalOutcome := metrics.OutcomeMiss
	if opts.BypassCache {
		outcome = OutcomeBypass
	}
	if res.degraded {
		totalOutcome = metrics.OutcomeDegraded
	}
	stopTotal(totalOutcome)
	logger.Info("retrieve served", "outcome", outcome, "query", normalized, "degraded", res.degraded)

	items := res.entry.Items
	if len(items) > topK {
		items = items[:topK]
	}
	return &Result{
		RequestID: requestID,
		Items:     items,
		Outcome:   outcome,
		Degraded:  res.degraded,
		Latency:   latency,
	}, nil
}

// embed computes the query embedding with bounded retries. Context
// cancellation and invalid-input failures are terminal and never retried.
func (o *Orchestrator) embed(ctx context.Context, query string, latency map[string]time.Duration) ([]float32, error) {
	stop := o.recorder.Timer(metrics.StageEmbed)

	var embedding []float32
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(o.cfg.MaxRetries))
	err := backoff.Retry(func() error {
		embedCtx, cancel := context.WithTimeout(ctx, o.cfg.EmbedTimeout)
		defer cancel()

		var err error
		embedding, err = o.embedder.Embed(embedCtx, query)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			if errors.Is(err, embedder.ErrInvalidInput) {
				return backoff.Permanent(err)
			}
		}
		return err
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		latency[metrics.StageEmbed] = stop(metrics.OutcomeError)
		return nil, err
	}
	latency[metrics.StageEmbed] = stop(metrics.OutcomeOK)
	return embedding, nil
}

// fetch runs the uncached tail of the pipeline: overfetch from the vector
// store, rerank, truncate, and write back. A failure anywhere leaves both
// cache tiers untouched. Stage latencies are returned with the result so
// every caller sharing the execution sees them.
func (o *Orchestrator) fetch(ctx context.Context, logger *slog.Logger, query, normalized string, embedding []float32, topK int, writeCache bool) (missResult, error) {
	latency := make(map[string]time.Duration)

	stop := o.recorder.Timer(metrics.StageVectorQuery)
	queryCtx, cancel := context.WithTimeout(ctx, o.cfg.VectorTimeout)
	candidates, err := o.store.Query(queryCtx, embedding, topK*o.cfg.OverfetchFactor)
	cancel()
	if err != nil {
		latency[metrics.StageVectorQuery] = stop(metrics.OutcomeError)
		return missResult{}, err
	}
	latency[metrics.StageVectorQuery] = stop(metrics.OutcomeOK)

	items, degraded := o.rerank(ctx, logger, query, candidates, topK, latency)

	if err := ctx.Err(); err != nil {
		return missResult{}, err
	}

	now := time.Now()
	entry := &cache.Entry{
		Query:           query,
		NormalizedQuery: normalized,
		Embedding:       embedding,
		Items:           items,
		CachedAt:        now,
		LastAccessedAt:  now,
		TTL:             o.cfg.CacheTTL,
	}

	// Degraded results are served but never cached; a later identical
	// query should get another chance at a full-quality answer.
	if writeCache && !degraded {
		stop = o.recorder.Timer(metrics.StageCacheWrite)
		o.exact.Put(normalized, entry)
		o.semantic.Put(embedding, entry)
		latency[metrics.StageCacheWrite] = stop(metrics.OutcomeOK)

		if o.sink != nil {
			o.sink.Enqueue(entry)
		}
	}

	return missResult{entry: entry, degraded: degraded, latency: latency}, nil
}

// rerank orders candidates and truncates to topK with ranks assigned from 1
// upward. A reranker failure degrades to vector similarity order instead of
// failing the request.
func (o *Orchestrator) rerank(ctx context.Context, logger *slog.Logger, query string, candidates []vectorstore.Candidate, topK int, latency map[string]time.Duration) ([]cache.RetrievedItem, bool) {
	if o.reranker == nil || len(candidates) == 0 {
		return itemsFromCandidates(candidates, topK), false
	}

	stop := o.recorder.Timer(metrics.StageRerank)
	rerankCtx, cancel := context.WithTimeout(ctx, o.cfg.RerankTimeout)
	scored, err := o.reranker.Rerank(rerankCtx, query, candidates)
	cancel()
	if err != nil {
		latency[metrics.StageRerank] = stop(metrics.OutcomeDegraded)
		logger.Warn("rerank failed, serving vector order", "error", err)
		return itemsFromCandidates(candidates, topK), true
	}
	latency[metrics.StageRerank] = stop(metrics.OutcomeOK)

	if len(scored) > topK {
		scored = scored[:topK]
	}
	items := make([]cache.RetrievedItem, len(scored))
	for i, sc := range scored {
		items[i] = cache.RetrievedItem{
			DocumentID:  sc.DocumentID,
			Content:     sc.Content,
			Score:       sc.Score,
			RerankScore: sc.RerankScore,
			Reranked:    true,
			Rank:        i + 1,
		}
	}
	return items, false
}

func itemsFromCandidates(candidates []vectorstore.Candidate, topK int) []cache.RetrievedItem {
	if len(candidates) > topK {
		candidates = candidates[:topK]
	}
	items := make([]cache.RetrievedItem, len(candidates))
	for i, c := range candidates {
		items[i] = cache.RetrievedItem{
			DocumentID: c.DocumentID,
			Content:    c.Content,
			Score:      c.Score,
			Rank:       i + 1,
		}
	}
	return items
}

// backfill promotes a semantic hit into the exact tier under the new
// query's normalized form, preserving the original cache time so the TTL
// clock is not restarted.
func (o *Orchestrator) backfill(normalized, query string, entry *cache.Entry) {
	if entry.NormalizedQuery == normalized {
		return
	}
	clone := &cache.Entry{
		Query:           query,
		NormalizedQuery: normalized,
		Embedding:       entry.Embedding,
		Items:           entry.Items,
		CachedAt:        entry.CachedAt,
		LastAccessedAt:  time.Now(),
		TTL:             entry.TTL,
	}
	o.exact.Put(normalized, clone)
}

// Stats is the admin view over both cache tiers and pipeline metrics.
type Stats struct {
	Exact    cache.TierStats `json:"exact"`
	Semantic cache.TierStats `json:"semantic"`
	Pipeline metrics.Stats   `json:"pipeline"`
}

// CacheStats returns current cache and pipeline statistics.
func (o *Orchestrator) CacheStats() Stats {
	return Stats{
		Exact:    o.exact.Stats(),
		Semantic: o.semantic.Stats(),
		Pipeline: o.recorder.Snapshot(),
	}
}

// CacheClear empties both cache tiers.
func (o *Orchestrator) CacheClear() {
	o.exact.Clear()
	o.semantic.Clear()
	o.logger.Info("cache cleared")
}

package retriever

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/knoguchi/recall/internal/cache"
	"github.com/knoguchi/recall/internal/embedder"
	"github.com/knoguchi/recall/internal/metrics"
	"github.com/knoguchi/recall/internal/reranker"
	"github.com/knoguchi/recall/internal/vectorstore"
)

type fakeEmbedder struct {
	mu       sync.Mutex
	vectors  map[string][]float32
	calls    int
	failures int
	failErr  error
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		if f.failErr != nil {
			return nil, f.failErr
		}
		return nil, errors.New("embedder down")
	}
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return []float32{1, 0, 0}, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v, err := f.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (f *fakeEmbedder) Dimension() int    { return 3 }
func (f *fakeEmbedder) ModelName() string { return "fake" }

func (f *fakeEmbedder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeStore struct {
	mu      sync.Mutex
	results []vectorstore.Candidate
	calls   int
	lastK   int
	err     error
}

func (f *fakeStore) Query(ctx context.Context, vector []float32, k int) ([]vectorstore.Candidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastK = k
	if f.err != nil {
		return nil, f.err
	}
	out := f.results
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (f *fakeStore) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeReranker struct {
	scores map[string]float32
	err    error
}

func (f *fakeReranker) Rerank(ctx context.Context, query string, candidates []vectorstore.Candidate) ([]reranker.ScoredCandidate, error) {
	if f.err != nil {
		return nil, f.err
	}
	scored := make([]reranker.ScoredCandidate, len(candidates))
	for i, c := range candidates {
		scored[i] = reranker.ScoredCandidate{Candidate: c, RerankScore: f.scores[c.DocumentID]}
	}
	// Highest rerank score first, stable for ties.
	for i := 1; i < len(scored); i++ {
		for j := i; j > 0 && scored[j].RerankScore > scored[j-1].RerankScore; j-- {
			scored[j], scored[j-1] = scored[j-1], scored[j]
		}
	}
	return scored, nil
}

type fakeSink struct {
	mu      sync.Mutex
	entries []*cache.Entry
	stored  map[string]*cache.Entry
}

func (f *fakeSink) Enqueue(entry *cache.Entry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entry)
}

func (f *fakeSink) Lookup(ctx context.Context, normalizedQuery string) (*cache.Entry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.stored[normalizedQuery]
	return entry, ok
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

type fixture struct {
	embedder *fakeEmbedder
	store    *fakeStore
	reranker *fakeReranker
	exact    *cache.ExactCache
	semantic *cache.SemanticCache
	sink     *fakeSink
	orch     *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	emb := &fakeEmbedder{vectors: map[string][]float32{
		"What is the capital of France?": {1, 0, 0},
		"what's France's capital city":   {0.999, 0.045, 0},
		"something else entirely":        {0, 1, 0},
	}}
	store := &fakeStore{results: []vectorstore.Candidate{
		{DocumentID: "doc1", Content: "Paris is the capital of France.", Score: 0.95},
		{DocumentID: "doc2", Content: "France is a country in Europe.", Score: 0.80},
		{DocumentID: "doc3", Content: "The Eiffel Tower is in Paris.", Score: 0.75},
	}}
	rr := &fakeReranker{scores: map[string]float32{"doc1": 0.85, "doc2": 0.90, "doc3": 0.60}}

	exact, err := cache.NewExactCache(16, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	semantic := cache.NewSemanticCache(cache.SemanticConfig{Capacity: 16, BruteForceCutoff: 1000}, nil)
	sink := &fakeSink{}

	cfg := Config{
		DefaultTopK:         5,
		OverfetchFactor:     3,
		SimilarityThreshold: 0.95,
		CacheTTL:            time.Hour,
		EmbedTimeout:        time.Second,
		VectorTimeout:       time.Second,
		RerankTimeout:       time.Second,
		MaxRetries:          1,
		BackfillExact:       true,
	}

	return &fixture{
		embedder: emb,
		store:    store,
		reranker: rr,
		exact:    exact,
		semantic: semantic,
		sink:     sink,
		orch:     New(emb, store, rr, exact, semantic, metrics.NewRecorder(64), sink, cfg, nil),
	}
}

func TestRetrieve_MissThenExactHit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.orch.Retrieve(ctx, "What is the capital of France?", Options{TopK: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != OutcomeMiss {
		t.Fatalf("expected miss on cold cache, got %s", res.Outcome)
	}
	if len(res.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(res.Items))
	}
	// Reranker promotes doc2 above doc1.
	if res.Items[0].DocumentID != "doc2" || res.Items[1].DocumentID != "doc1" {
		t.Errorf("expected reranked order doc2,doc1; got %s,%s", res.Items[0].DocumentID, res.Items[1].DocumentID)
	}
	if res.Items[0].Rank != 1 || res.Items[1].Rank != 2 {
		t.Errorf("expected ranks 1,2; got %d,%d", res.Items[0].Rank, res.Items[1].Rank)
	}
	if f.store.lastK != 6 {
		t.Errorf("expected overfetch of topK*3=6, got %d", f.store.lastK)
	}

	// Same query again is served from the exact tier without touching the
	// embedder or the vector store.
	embedCalls, storeCalls := f.embedder.callCount(), f.store.callCount()
	res, err = f.orch.Retrieve(ctx, "What is the capital of France?", Options{TopK: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != OutcomeExactHit {
		t.Errorf("expected exact hit, got %s", res.Outcome)
	}
	if res.Items[0].DocumentID != "doc2" {
		t.Errorf("expected identical items on hit, got %s first", res.Items[0].DocumentID)
	}
	if f.embedder.callCount() != embedCalls || f.store.callCount() != storeCalls {
		t.Error("expected exact hit to skip embedding and vector search")
	}
}

func TestRetrieve_NormalizedVariantIsExactHit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.orch.Retrieve(ctx, "What is the capital of France?", Options{TopK: 2}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Case and punctuation differences normalize to the same key.
	res, err := f.orch.Retrieve(ctx, "what is the capital of FRANCE", Options{TopK: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != OutcomeExactHit {
		t.Errorf("expected exact hit for normalized variant, got %s", res.Outcome)
	}
}

func TestRetrieve_SemanticHitAndBackfill(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.orch.Retrieve(ctx, "What is the capital of France?", Options{TopK: 2}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	storeCalls := f.store.callCount()

	// A differently worded query with a near-identical embedding.
	res, err := f.orch.Retrieve(ctx, "what's France's capital city", Options{TopK: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != OutcomeSemanticHit {
		t.Fatalf("expected semantic hit, got %s", res.Outcome)
	}
	if res.Similarity < 0.95 {
		t.Errorf("expected similarity above threshold, got %f", res.Similarity)
	}
	if f.store.callCount() != storeCalls {
		t.Error("expected semantic hit to skip vector search")
	}

	// The hit was backfilled into the exact tier under the new query's
	// normalized form.
	res, err = f.orch.Retrieve(ctx, "what's France's capital city", Options{TopK: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != OutcomeExactHit {
		t.Errorf("expected exact hit after backfill, got %s", res.Outcome)
	}
}

func TestRetrieve_DistantQueryMisses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.orch.Retrieve(ctx, "What is the capital of France?", Options{TopK: 2}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	res, err := f.orch.Retrieve(ctx, "something else entirely", Options{TopK: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != OutcomeMiss {
		t.Errorf("expected miss for dissimilar query, got %s", res.Outcome)
	}
}

func TestRetrieve_DegradedRerankNotCached(t *testing.T) {
	f := newFixture(t)
	f.reranker.err = &reranker.Error{Err: errors.New("model unavailable")}
	ctx := context.Background()

	res, err := f.orch.Retrieve(ctx, "What is the capital of France?", Options{TopK: 2})
	if err != nil {
		t.Fatalf("expected degraded success, got error: %v", err)
	}
	if !res.Degraded {
		t.Fatal("expected degraded result")
	}
	// Vector similarity order is preserved when reranking fails.
	if res.Items[0].DocumentID != "doc1" || res.Items[1].DocumentID != "doc2" {
		t.Errorf("expected vector order doc1,doc2; got %s,%s", res.Items[0].DocumentID, res.Items[1].DocumentID)
	}
	if f.exact.Len() != 0 || f.semantic.Len() != 0 {
		t.Error("expected degraded result to not be cached")
	}

	// Recovery: the next identical query reruns the full pipeline.
	f.reranker.err = nil
	res, err = f.orch.Retrieve(ctx, "What is the capital of France?", Options{TopK: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Degraded || res.Items[0].DocumentID != "doc2" {
		t.Error("expected full-quality result after reranker recovery")
	}
	if f.exact.Len() != 1 {
		t.Error("expected recovered result to be cached")
	}
}

func TestRetrieve_VectorStoreFailureNotCached(t *testing.T) {
	f := newFixture(t)
	f.store.err = &vectorstore.Error{Backend: "qdrant", Err: errors.New("unreachable")}
	ctx := context.Background()

	if _, err := f.orch.Retrieve(ctx, "What is the capital of France?", Options{}); err == nil {
		t.Fatal("expected error from vector store failure")
	}
	if f.exact.Len() != 0 || f.semantic.Len() != 0 {
		t.Error("expected failed pipeline to leave caches untouched")
	}
}

func TestRetrieve_EmbedRetries(t *testing.T) {
	f := newFixture(t)
	f.embedder.failures = 1
	ctx := context.Background()

	res, err := f.orch.Retrieve(ctx, "What is the capital of France?", Options{TopK: 2})
	if err != nil {
		t.Fatalf("expected retry to recover, got error: %v", err)
	}
	if res.Outcome != OutcomeMiss {
		t.Errorf("expected miss outcome, got %s", res.Outcome)
	}
	if f.embedder.callCount() != 2 {
		t.Errorf("expected 2 embed attempts, got %d", f.embedder.callCount())
	}
}

func TestRetrieve_InvalidInputNotRetried(t *testing.T) {
	f := newFixture(t)
	f.embedder.failures = 5
	f.embedder.failErr = &embedder.Error{Model: "fake", Err: embedder.ErrInvalidInput}
	ctx := context.Background()

	_, err := f.orch.Retrieve(ctx, "What is the capital of France?", Options{TopK: 2})
	if !errors.Is(err, embedder.ErrInvalidInput) {
		t.Fatalf("expected invalid-input error, got %v", err)
	}
	if f.embedder.callCount() != 1 {
		t.Errorf("expected no retries for invalid input, got %d attempts", f.embedder.callCount())
	}
}

func TestRetrieve_DurableReadThrough(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	f.sink.stored = map[string]*cache.Entry{
		"what is the capital of france": {
			Query:           "What is the capital of France?",
			NormalizedQuery: "what is the capital of france",
			Embedding:       []float32{1, 0, 0},
			Items: []cache.RetrievedItem{
				{DocumentID: "doc2", Rank: 1},
				{DocumentID: "doc1", Rank: 2},
			},
			CachedAt:       now,
			LastAccessedAt: now,
			TTL:            time.Hour,
		},
	}
	ctx := context.Background()

	// Cold caches, but the durable store already holds the entry.
	res, err := f.orch.Retrieve(ctx, "What is the capital of France?", Options{TopK: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != OutcomeDurableHit {
		t.Fatalf("expected durable hit, got %s", res.Outcome)
	}
	if f.embedder.callCount() != 0 || f.store.callCount() != 0 {
		t.Error("expected durable hit to skip embedding and vector search")
	}
	// Both tiers were refilled.
	if f.exact.Len() != 1 || f.semantic.Len() != 1 {
		t.Errorf("expected read-through to refill both tiers, got %d/%d", f.exact.Len(), f.semantic.Len())
	}

	res, err = f.orch.Retrieve(ctx, "What is the capital of France?", Options{TopK: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != OutcomeExactHit {
		t.Errorf("expected exact hit after read-through, got %s", res.Outcome)
	}
}

func TestRetrieve_MissLatencyCoversPipelineStages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.orch.Retrieve(ctx, "What is the capital of France?", Options{TopK: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, stage := range []string{
		metrics.StageNormalize, metrics.StageExactLookup, metrics.StageEmbed,
		metrics.StageVectorQuery, metrics.StageRerank, metrics.StageCacheWrite,
	} {
		if _, ok := res.Latency[stage]; !ok {
			t.Errorf("expected latency entry for stage %s", stage)
		}
	}
}

func TestRetrieve_EmptyQuery(t *testing.T) {
	f := newFixture(t)

	if _, err := f.orch.Retrieve(context.Background(), "   ?!  ", Options{}); !errors.Is(err, ErrEmptyQuery) {
		t.Errorf("expected ErrEmptyQuery, got %v", err)
	}
}

func TestRetrieve_BypassCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.orch.Retrieve(ctx, "What is the capital of France?", Options{TopK: 2, BypassCache: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != OutcomeBypass {
		t.Errorf("expected bypass outcome, got %s", res.Outcome)
	}
	if f.exact.Len() != 0 || f.semantic.Len() != 0 {
		t.Error("expected bypass to skip cache writes")
	}
}

func TestRetrieve_ForceRefresh(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.orch.Retrieve(ctx, "What is the capital of France?", Options{TopK: 2}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	storeCalls := f.store.callCount()

	// Force refresh skips the cache read but still refreshes the entry.
	res, err := f.orch.Retrieve(ctx, "What is the capital of France?", Options{TopK: 2, ForceRefresh: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != OutcomeMiss {
		t.Errorf("expected miss outcome on forced refresh, got %s", res.Outcome)
	}
	if f.store.callCount() != storeCalls+1 {
		t.Error("expected forced refresh to query the vector store")
	}

	res, err = f.orch.Retrieve(ctx, "What is the capital of France?", Options{TopK: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != OutcomeExactHit {
		t.Errorf("expected exact hit after refresh, got %s", res.Outcome)
	}
}

func TestRetrieve_WriteVisibility(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.orch.Retrieve(ctx, "What is the capital of France?", Options{TopK: 2}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The completed miss is visible in both tiers and was handed to the
	// persistence sink.
	if f.exact.Len() != 1 {
		t.Errorf("expected 1 exact entry, got %d", f.exact.Len())
	}
	if f.semantic.Len() != 1 {
		t.Errorf("expected 1 semantic entry, got %d", f.semantic.Len())
	}
	if f.sink.count() != 1 {
		t.Errorf("expected 1 entry enqueued for persistence, got %d", f.sink.count())
	}
}

func TestRetrieve_ConcurrentMissesShareOnePipeline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const goroutines = 8
	var wg sync.WaitGroup
	errs := make(chan error, goroutines)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.orch.Retrieve(ctx, "What is the capital of France?", Options{TopK: 2})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	// Duplicate suppression cannot guarantee exactly one execution across
	// goroutines that miss at different times, but it must not fan out to
	// one pipeline per caller.
	if f.store.callCount() >= goroutines {
		t.Errorf("expected deduplicated pipeline executions, got %d", f.store.callCount())
	}
}

func TestCacheStatsAndClear(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.orch.Retrieve(ctx, "What is the capital of France?", Options{TopK: 2}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := f.orch.Retrieve(ctx, "What is the capital of France?", Options{TopK: 2}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stats := f.orch.CacheStats()
	if stats.Exact.Hits != 1 {
		t.Errorf("expected 1 exact hit, got %d", stats.Exact.Hits)
	}
	if stats.Pipeline.Requests != 2 {
		t.Errorf("expected 2 recorded requests, got %d", stats.Pipeline.Requests)
	}

	f.orch.CacheClear()
	stats = f.orch.CacheStats()
	if stats.Exact.Entries != 0 || stats.Semantic.Entries != 0 {
		t.Error("expected empty caches after clear")
	}
}

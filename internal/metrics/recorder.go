// Package metrics records per-stage latency observations and cache outcome
// counters for the retrieval pipeline, and serves them back as in-process
// aggregates for the stats endpoints.
package metrics

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Pipeline stages instrumented by the orchestrator.
const (
	StageNormalize      = "normalize"
	StageExactLookup    = "exact_lookup"
	StageDurableLookup  = "durable_lookup"
	StageSemanticLookup = "semantic_lookup"
	StageEmbed          = "embed"
	StageVectorQuery    = "vector_query"
	StageRerank         = "rerank"
	StageCacheWrite     = "cache_write"
	StageTotal          = "total"
)

// Outcomes attached to observations.
const (
	OutcomeHit         = "hit"
	OutcomeMiss        = "miss"
	OutcomeExactHit    = "exact_hit"
	OutcomeDurableHit  = "durable_hit"
	OutcomeSemanticHit = "semantic_hit"
	OutcomeDegraded    = "degraded"
	OutcomeError       = "error"
	OutcomeOK          = "ok"
)

type observation struct {
	stage    string
	outcome  string
	duration time.Duration
	at       time.Time
}

type counterKey struct {
	stage   string
	outcome string
}

// Recorder accumulates observations in a bounded ring buffer. Percentiles
// are computed over whatever the ring currently holds, so they reflect
// recent traffic rather than process lifetime.
//
// Recorder is safe for concurrent use.
type Recorder struct {
	mu       sync.Mutex
	ring     []observation
	next     int
	full     bool
	counters map[counterKey]int64
	logger   *slog.Logger
}

// NewRecorder creates a recorder whose latency window holds up to windowSize
// observations per ring slot total.
func NewRecorder(windowSize int) *Recorder {
	if windowSize <= 0 {
		windowSize = 1024
	}
	return &Recorder{
		ring:     make([]observation, windowSize),
		counters: make(map[counterKey]int64),
		logger:   slog.Default(),
	}
}

// Observe records one stage execution with its outcome and duration.
func (r *Recorder) Observe(stage, outcome string, d time.Duration) {
	r.mu.Lock()
	r.ring[r.next] = observation{stage: stage, outcome: outcome, duration: d, at: time.Now()}
	r.next++
	if r.next == len(r.ring) {
		r.next = 0
		r.full = true
	}
	r.counters[counterKey{stage: stage, outcome: outcome}]++
	r.mu.Unlock()

	r.logger.Debug("stage timed", "stage", stage, "outcome", outcome, "duration", d)
}

// Timer returns a stop function that observes the elapsed time for stage
// with the outcome chosen at stop time, and reports that elapsed time.
func (r *Recorder) Timer(stage string) func(outcome string) time.Duration {
	start := time.Now()
	return func(outcome string) time.Duration {
		d := time.Since(start)
		r.Observe(stage, outcome, d)
		return d
	}
}

// Percentiles holds latency quantiles for one stage.
type Percentiles struct {
	Count int64         `json:"count"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
}

// StagePercentiles computes latency quantiles for stage over the current
// window. A stage with no observations returns a zero value.
func (r *Recorder) StagePercentiles(stage string) Percentiles {
	r.mu.Lock()
	durations := r.windowLocked(stage)
	r.mu.Unlock()

	if len(durations) == 0 {
		return Percentiles{}
	}

	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	return Percentiles{
		Count: int64(len(durations)),
		P50:   quantile(durations, 0.50),
		P95:   quantile(durations, 0.95),
		P99:   quantile(durations, 0.99),
	}
}

func (r *Recorder) windowLocked(stage string) []time.Duration {
	n := r.next
	if r.full {
		n = len(r.ring)
	}
	durations := make([]time.Duration, 0, n)
	for i := 0; i < n; i++ {
		if r.ring[i].stage == stage {
			durations = append(durations, r.ring[i].duration)
		}
	}
	return durations
}

// quantile uses nearest-rank on a sorted slice.
func quantile(sorted []time.Duration, q float64) time.Duration {
	idx := int(q*float64(len(sorted))+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Counter returns the lifetime count for a stage/outcome pair.
func (r *Recorder) Counter(stage, outcome string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[counterKey{stage: stage, outcome: outcome}]
}

// Stats is a point-in-time aggregate view.
type Stats struct {
	Requests     int64                  `json:"requests"`
	ExactHits    int64                  `json:"exact_hits"`
	DurableHits  int64                  `json:"durable_hits"`
	SemanticHits int64                  `json:"semantic_hits"`
	Misses       int64                  `json:"misses"`
	Degraded     int64                  `json:"degraded"`
	Errors       int64                  `json:"errors"`
	HitRate      float64                `json:"hit_rate"`
	Latency      map[string]Percentiles `json:"latency"`
}

// Snapshot aggregates lifetime counters and current-window latency
// percentiles for every instrumented stage.
func (r *Recorder) Snapshot() Stats {
	stages := []string{
		StageNormalize, StageExactLookup, StageDurableLookup,
		StageSemanticLookup, StageEmbed, StageVectorQuery, StageRerank,
		StageCacheWrite, StageTotal,
	}

	r.mu.Lock()
	stats := Stats{
		ExactHits:    r.counters[counterKey{StageTotal, OutcomeExactHit}],
		DurableHits:  r.counters[counterKey{StageTotal, OutcomeDurableHit}],
		SemanticHits: r.counters[counterKey{StageTotal, OutcomeSemanticHit}],
		Misses:       r.counters[counterKey{StageTotal, OutcomeMiss}],
		Degraded:     r.counters[counterKey{StageTotal, OutcomeDegraded}],
		Errors:       r.counters[counterKey{StageTotal, OutcomeError}],
	}
	r.mu.Unlock()

	// Degraded requests are completed misses served from the vector store.
	stats.Requests = stats.ExactHits + stats.DurableHits + stats.SemanticHits +
		stats.Misses + stats.Degraded + stats.Errors
	hits := stats.ExactHits + stats.DurableHits + stats.SemanticHits
	if answered := hits + stats.Misses + stats.Degraded; answered > 0 {
		stats.HitRate = float64(hits) / float64(answered)
	}

	stats.Latency = make(map[string]Percentiles, len(stages))
	for _, stage := range stages {
		if p := r.StagePercentiles(stage); p.Count > 0 {
			stats.Latency[stage] = p
		}
	}
	return stats
}

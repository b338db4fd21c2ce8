package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pictolex/usage-guard/anomaly"
	"github.com/pictolex/usage-guard/fraud"
	"github.com/pictolex/usage-guard/models"
	"github.com/pictolex/usage-guard/profile"
	"github.com/pictolex/usage-guard/ratelimiter"
)

// sampleInterval is how often per-identifier usage aggregates are
// flushed into the anomaly detector.
const sampleInterval = time.Minute

// usageBucket accumulates one identifier's traffic between flushes.
type usageBucket struct {
	startedAt  time.Time
	requests   int64
	errors     int64
	latencySum time.Duration
	endpoints  map[string]struct{}
}

func (b *usageBucket) sample(ts time.Time) models.UsageSample {
	return models.UsageSample{
		RequestCount:      b.requests,
		ErrorRate:         float64(b.errors) / float64(b.requests),
		AvgResponseTimeMs: float64(b.latencySum.Milliseconds()) / float64(b.requests),
		UniqueEndpoints:   int64(len(b.endpoints)),
		Timestamp:         ts,
	}
}

// Guard is the per-process admission engine: one explicit instance
// with injected store, clock and logger, replacing any notion of
// module-level singletons. Every inbound request goes through
// CheckRequest; every completed request is reported via RecordOutcome.
type Guard struct {
	limiter  *ratelimiter.Limiter
	tracker  *profile.Tracker
	fraud    *fraud.Engine
	detector *anomaly.Detector
	logger   *zap.Logger
	tiers    []models.Tier
	now      func() time.Time

	mu      sync.Mutex
	buckets map[string]*usageBucket

	done chan struct{}
	once sync.Once
}

func NewGuard(
	limiter *ratelimiter.Limiter,
	tracker *profile.Tracker,
	fraudEngine *fraud.Engine,
	detector *anomaly.Detector,
	tiers []models.Tier,
	logger *zap.Logger,
) *Guard {
	return &Guard{
		limiter:  limiter,
		tracker:  tracker,
		fraud:    fraudEngine,
		detector: detector,
		logger:   logger.Named("guard"),
		tiers:    tiers,
		now:      time.Now,
		buckets:  make(map[string]*usageBucket),
		done:     make(chan struct{}),
	}
}

// SetClock overrides the wall clock for tests.
func (g *Guard) SetClock(now func() time.Time) {
	g.now = now
}

// CheckRequest is the admission gate. A block asserted by the fraud
// engine or the anomaly detector surfaces here as an ordinary denial.
func (g *Guard) CheckRequest(ctx context.Context, identifier string) models.Decision {
	return g.limiter.Check(ctx, identifier, g.tiers)
}

// RecordOutcome feeds a completed request into behavior profiling, the
// fraud rule engine and (on each sampling tick) the anomaly detector.
func (g *Guard) RecordOutcome(ctx context.Context, outcome models.Outcome) {
	if outcome.Timestamp.IsZero() {
		outcome.Timestamp = g.now()
	}

	g.fraud.AnalyzeRequest(ctx, outcome)

	if sample, flush := g.aggregate(outcome); flush {
		g.detector.RecordUsage(ctx, outcome.Identifier, sample)
	}
}

// aggregate folds the outcome into the identifier's current bucket and
// returns a finished sample once the sampling tick has elapsed.
func (g *Guard) aggregate(outcome models.Outcome) (models.UsageSample, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	b := g.buckets[outcome.Identifier]
	if b == nil {
		b = &usageBucket{startedAt: outcome.Timestamp, endpoints: make(map[string]struct{})}
		g.buckets[outcome.Identifier] = b
	}

	b.requests++
	if outcome.IsError() {
		b.errors++
	}
	b.latencySum += outcome.Latency
	if outcome.Endpoint != "" {
		b.endpoints[outcome.Endpoint] = struct{}{}
	}

	if outcome.Timestamp.Sub(b.startedAt) < sampleInterval {
		return models.UsageSample{}, false
	}

	sample := b.sample(outcome.Timestamp)
	delete(g.buckets, outcome.Identifier)
	return sample, true
}

// StartSweeper flushes buckets whose identifiers went quiet mid-tick,
// so the aggregation map stays bounded by active traffic.
func (g *Guard) StartSweeper(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-g.done:
				return
			case <-ticker.C:
				g.flushIdle(context.Background())
			}
		}
	}()
}

// flushIdle drains every bucket older than the sampling tick into the
// anomaly detector. A bucket whose traffic stopped still holds a real
// partial sample; dropping it would blind the detector to the lull.
func (g *Guard) flushIdle(ctx context.Context) {
	now := g.now()

	type flushed struct {
		identifier string
		sample     models.UsageSample
	}
	var due []flushed

	g.mu.Lock()
	for id, b := range g.buckets {
		if now.Sub(b.startedAt) >= sampleInterval {
			due = append(due, flushed{identifier: id, sample: b.sample(now)})
			delete(g.buckets, id)
		}
	}
	g.mu.Unlock()

	// Detection runs store round-trips and callbacks; keep it outside
	// the bucket lock.
	for _, f := range due {
		g.detector.RecordUsage(ctx, f.identifier, f.sample)
	}
}

func (g *Guard) Close() {
	g.once.Do(func() { close(g.done) })
}

// Limiter exposes the rate limiter (operator block/unblock).
func (g *Guard) Limiter() *ratelimiter.Limiter { return g.limiter }

// Fraud exposes the fraud rule engine's public contract.
func (g *Guard) Fraud() *fraud.Engine { return g.fraud }

// Anomaly exposes the anomaly detector's public contract.
func (g *Guard) Anomaly() *anomaly.Detector { return g.detector }

// Profiles exposes the behavior profile tracker.
func (g *Guard) Profiles() *profile.Tracker { return g.tracker }

// Tiers returns the configured rate-limit tiers.
func (g *Guard) Tiers() []models.Tier { return g.tiers }

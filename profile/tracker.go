package profile

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pictolex/usage-guard/models"
	"github.com/pictolex/usage-guard/store"
)

const (
	maxEndpoints        = 50
	maxHistogramSamples = 100

	// idleEviction drops in-memory profiles that have gone quiet; the
	// persisted copy in the store outlives them under ProfileTTL.
	idleEviction = time.Hour
)

// Tracker maintains rolling per-identifier behavior statistics using
// streaming-average formulas, consumed by the fraud engine and the
// anomaly detector. Profiles are written through to the store with a
// multi-day TTL so they survive instance restarts.
type Tracker struct {
	store      store.Store
	logger     *zap.Logger
	profileTTL time.Duration
	now        func() time.Time

	mu       sync.RWMutex
	profiles map[string]*models.BehaviorProfile

	done chan struct{}
	once sync.Once
}

func NewTracker(st store.Store, profileTTL time.Duration, logger *zap.Logger) *Tracker {
	return &Tracker{
		store:      st,
		logger:     logger.Named("profile"),
		profileTTL: profileTTL,
		now:        time.Now,
		profiles:   make(map[string]*models.BehaviorProfile),
		done:       make(chan struct{}),
	}
}

// SetClock overrides the wall clock for tests.
func (t *Tracker) SetClock(now func() time.Time) {
	t.now = now
}

// StartSweeper evicts idle in-memory profiles periodically so the map
// stays bounded.
func (t *Tracker) StartSweeper(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-t.done:
				return
			case <-ticker.C:
				t.evictIdle()
			}
		}
	}()
}

func (t *Tracker) evictIdle() {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-idleEviction)
	for id, p := range t.profiles {
		if p.LastSeen.Before(cutoff) {
			delete(t.profiles, id)
		}
	}
}

func (t *Tracker) Close() {
	t.once.Do(func() { close(t.done) })
}

// cached returns the in-memory profile, if any.
func (t *Tracker) cached(identifier string) *models.BehaviorProfile {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.profiles[identifier]
}

// adopt installs a loaded profile unless another goroutine beat us to
// it, and returns whichever copy the map holds.
func (t *Tracker) adopt(identifier string, loaded *models.BehaviorProfile) *models.BehaviorProfile {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p := t.profiles[identifier]; p != nil {
		return p
	}
	t.profiles[identifier] = loaded
	return loaded
}

// Record folds one completed request into the identifier's profile and
// persists the result. TotalRequests only ever grows.
func (t *Tracker) Record(ctx context.Context, outcome models.Outcome) *models.BehaviorProfile {
	p := t.cached(outcome.Identifier)
	if p == nil {
		// The store round-trip happens outside t.mu; a slow load must
		// not stall updates for other identifiers.
		loaded := t.load(ctx, outcome.Identifier)
		if loaded == nil {
			loaded = &models.BehaviorProfile{
				Identifier: outcome.Identifier,
				FirstSeen:  outcome.Timestamp,
			}
		}
		p = t.adopt(outcome.Identifier, loaded)
	}

	t.mu.Lock()
	n := float64(p.TotalRequests)
	latencyMs := float64(outcome.Latency.Milliseconds())
	p.AvgResponseTimeMs += (latencyMs - p.AvgResponseTimeMs) / (n + 1)
	p.AvgTokensPerRequest += (float64(outcome.TokenCount) - p.AvgTokensPerRequest) / (n + 1)

	isErr := 0.0
	if outcome.IsError() {
		isErr = 1.0
	}
	p.ErrorRate = (p.ErrorRate*n + isErr) / (n + 1)

	p.TotalRequests++
	p.LastSeen = outcome.Timestamp

	hours := p.LastSeen.Sub(p.FirstSeen).Hours()
	if hours < 1 {
		hours = 1
	}
	p.AvgRequestsPerHour = float64(p.TotalRequests) / hours

	p.HourSamples = appendBounded(p.HourSamples, outcome.Timestamp.Hour(), maxHistogramSamples)
	p.DayOfWeekSamples = appendBounded(p.DayOfWeekSamples, int(outcome.Timestamp.Weekday()), maxHistogramSamples)
	p.PeakHour = mode(p.HourSamples)

	if outcome.Endpoint != "" {
		p.CommonEndpoints = appendDistinctBounded(p.CommonEndpoints, outcome.Endpoint, maxEndpoints)
	}

	p.RiskScore = riskScore(p)

	snapshot := *p
	t.mu.Unlock()

	t.persist(ctx, &snapshot)
	return &snapshot
}

// IncrementSuspicion bumps the identifier's suspicious-flag counter
// (called when a fraud rule fires) and recomputes the risk score.
func (t *Tracker) IncrementSuspicion(ctx context.Context, identifier string) {
	p := t.cached(identifier)
	if p == nil {
		loaded := t.load(ctx, identifier)
		if loaded == nil {
			return
		}
		p = t.adopt(identifier, loaded)
	}

	t.mu.Lock()
	p.SuspiciousFlagCount++
	p.RiskScore = riskScore(p)
	snapshot := *p
	t.mu.Unlock()

	t.persist(ctx, &snapshot)
}

// Get returns the identifier's profile, or nil when there is no
// history. Callers must treat a nil profile as "not applicable" for
// volume-relative checks.
func (t *Tracker) Get(ctx context.Context, identifier string) *models.BehaviorProfile {
	p := t.cached(identifier)
	if p == nil {
		loaded := t.load(ctx, identifier)
		if loaded == nil {
			return nil
		}
		p = t.adopt(identifier, loaded)
	}

	t.mu.RLock()
	snapshot := *p
	t.mu.RUnlock()
	return &snapshot
}

// load pulls a persisted profile from the store. Never called with
// t.mu held.
func (t *Tracker) load(ctx context.Context, identifier string) *models.BehaviorProfile {
	data, err := t.store.GetValue(ctx, store.ProfileKey(identifier))
	if err != nil || data == nil {
		return nil
	}
	var p models.BehaviorProfile
	if err := json.Unmarshal(data, &p); err != nil {
		t.logger.Warn("dropping corrupt persisted profile", zap.String("identifier", identifier), zap.Error(err))
		return nil
	}
	return &p
}

func (t *Tracker) persist(ctx context.Context, p *models.BehaviorProfile) {
	data, err := json.Marshal(p)
	if err != nil {
		return
	}
	if err := t.store.SetValue(ctx, store.ProfileKey(p.Identifier), data, t.profileTTL); err != nil {
		t.logger.Debug("profile persistence skipped", zap.Error(err))
	}
}

// riskScore is a weighted sum over behavioral signals, clamped to
// [0,100].
func riskScore(p *models.BehaviorProfile) int {
	score := 0

	switch {
	case p.ErrorRate > 0.2:
		score += 20
	case p.ErrorRate > 0.1:
		score += 10
	}

	if p.PeakHour >= 22 || p.PeakHour < 6 {
		score += 15
	}

	if len(p.CommonEndpoints) > 20 {
		score += 10
	}

	switch {
	case p.AvgRequestsPerHour > 1000:
		score += 25
	case p.AvgRequestsPerHour > 500:
		score += 15
	}

	score += int(p.SuspiciousFlagCount) * 5

	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}
	return score
}

func appendBounded(samples []int, value, bound int) []int {
	samples = append(samples, value)
	if len(samples) > bound {
		samples = samples[len(samples)-bound:]
	}
	return samples
}

// appendDistinctBounded keeps insertion order and evicts the
// least-recently-added value once the bound is exceeded.
func appendDistinctBounded(values []string, value string, bound int) []string {
	for _, v := range values {
		if v == value {
			return values
		}
	}
	values = append(values, value)
	if len(values) > bound {
		values = values[1:]
	}
	return values
}

func mode(samples []int) int {
	if len(samples) == 0 {
		return 0
	}
	counts := make(map[int]int, 24)
	best, bestCount := samples[0], 0
	for _, s := range samples {
		counts[s]++
		if counts[s] > bestCount {
			best, bestCount = s, counts[s]
		}
	}
	return best
}

package ratelimiter

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pictolex/usage-guard/metrics"
	"github.com/pictolex/usage-guard/models"
	"github.com/pictolex/usage-guard/store"
)

// failOpenLogInterval caps per-identifier fail-open logging.
const failOpenLogInterval = time.Minute

// Limiter makes per-identifier, per-tier admission decisions on top of
// the windowed counter store. A block flag on an identifier supersedes
// all window-count decisions while it lasts.
type Limiter struct {
	store   store.Store
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time

	mu        sync.Mutex
	lastLogAt map[string]time.Time
}

func New(st store.Store, m *metrics.Metrics, logger *zap.Logger) *Limiter {
	return &Limiter{
		store:     st,
		metrics:   m,
		logger:    logger.Named("ratelimiter"),
		now:       time.Now,
		lastLogAt: make(map[string]time.Time),
	}
}

// SetClock overrides the wall clock for tests.
func (l *Limiter) SetClock(now func() time.Time) {
	l.now = now
}

type tierState struct {
	tier   models.Tier
	count  int64
	oldest time.Time
	member string
	limit  int64
}

// Check runs the admission gate for one request. Storage outages fail
// OPEN: the request is allowed, the decision is marked degraded, and
// the outage is logged at most once per minute per identifier.
func (l *Limiter) Check(ctx context.Context, identifier string, tiers []models.Tier) models.Decision {
	now := l.now()

	// An active block flag denies everything, regardless of counts. The
	// decision borrows the tightest configured tier so the response is
	// indistinguishable from an ordinary limit denial.
	if ttl, blocked, err := l.store.FlagTTL(ctx, store.BlockKey(identifier)); err == nil && blocked {
		tight := tightestTier(tiers)
		l.metrics.BlockedRequests.WithLabelValues("block_flag").Inc()
		l.metrics.RequestsDenied.WithLabelValues(tight.Name).Inc()
		return models.Decision{
			Allowed:    false,
			Tier:       tight.Name,
			Limit:      tight.MaxRequests,
			Remaining:  0,
			ResetAt:    now.Add(ttl),
			RetryAfter: ttl,
		}
	} else if err != nil {
		return l.failOpen(identifier, tiers, err)
	}

	throttled := false
	if _, ok, err := l.store.FlagTTL(ctx, store.ThrottleKey(identifier)); err == nil && ok {
		throttled = true
	}

	states := make([]tierState, 0, len(tiers))
	for _, tier := range tiers {
		res, err := l.store.Admit(ctx, store.RateKey(identifier, tier.Name), now, tier.Window)
		if err != nil {
			l.revoke(ctx, identifier, states)
			return l.failOpen(identifier, tiers, err)
		}
		limit := tier.MaxRequests
		if throttled {
			// Active throttle halves the effective tier limit.
			limit = limit / 2
			if limit < 1 {
				limit = 1
			}
		}
		states = append(states, tierState{
			tier:   tier,
			count:  res.Count,
			oldest: res.Oldest,
			member: res.Member,
			limit:  limit,
		})
	}

	var violated *tierState
	for i := range states {
		s := &states[i]
		if s.count > s.limit {
			if violated == nil || s.tier.Window < violated.tier.Window {
				violated = s
			}
		}
	}

	if violated != nil {
		// A denied request never consumes quota: remove every entry
		// this attempt inserted.
		l.revoke(ctx, identifier, states)

		if violated.tier.BlockDuration > 0 {
			if err := l.store.SetFlag(ctx, store.BlockKey(identifier), violated.tier.BlockDuration); err != nil {
				l.logger.Warn("failed to set block flag", zap.Error(err))
			}
		}

		l.metrics.RequestsDenied.WithLabelValues(violated.tier.Name).Inc()
		l.metrics.SuspiciousActivity.WithLabelValues(violated.tier.Name, string(models.SeverityLow)).Inc()

		// Quota frees up when the oldest accepted entry ages out of
		// the window.
		retryAfter := violated.oldest.Add(violated.tier.Window).Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return models.Decision{
			Allowed:    false,
			Tier:       violated.tier.Name,
			Limit:      violated.tier.MaxRequests,
			Remaining:  0,
			ResetAt:    now.Add(violated.tier.Window),
			RetryAfter: retryAfter,
		}
	}

	// Report the most restrictive tier: smallest remaining wins, ties
	// go to the smaller window.
	sort.SliceStable(states, func(i, j int) bool {
		ri := states[i].limit - states[i].count
		rj := states[j].limit - states[j].count
		if ri != rj {
			return ri < rj
		}
		return states[i].tier.Window < states[j].tier.Window
	})

	tight := states[0]
	remaining := tight.limit - tight.count
	if remaining < 0 {
		remaining = 0
	}

	l.metrics.RequestsAdmitted.Inc()
	l.metrics.RemainingQuota.Set(float64(remaining))

	return models.Decision{
		Allowed:   true,
		Tier:      tight.tier.Name,
		Limit:     tight.tier.MaxRequests,
		Remaining: remaining,
		ResetAt:   now.Add(tight.tier.Window),
	}
}

// tightestTier picks the tier with the smallest request budget, ties
// going to the smaller window.
func tightestTier(tiers []models.Tier) models.Tier {
	if len(tiers) == 0 {
		return models.Tier{Name: "blocked"}
	}
	tight := tiers[0]
	for _, t := range tiers[1:] {
		if t.MaxRequests < tight.MaxRequests ||
			(t.MaxRequests == tight.MaxRequests && t.Window < tight.Window) {
			tight = t
		}
	}
	return tight
}

// Block sets the shared block flag; fraud and anomaly subsystems use
// the same primitive so one mechanism backs all blocking.
func (l *Limiter) Block(ctx context.Context, identifier string, ttl time.Duration) error {
	return l.store.SetFlag(ctx, store.BlockKey(identifier), ttl)
}

// Unblock clears the block flag (operator action).
func (l *Limiter) Unblock(ctx context.Context, identifier string) error {
	return l.store.ClearFlag(ctx, store.BlockKey(identifier))
}

// IsBlocked reports whether the identifier carries an active block.
func (l *Limiter) IsBlocked(ctx context.Context, identifier string) bool {
	_, blocked, err := l.store.FlagTTL(ctx, store.BlockKey(identifier))
	return err == nil && blocked
}

func (l *Limiter) revoke(ctx context.Context, identifier string, states []tierState) {
	for _, s := range states {
		if err := l.store.Revoke(ctx, store.RateKey(identifier, s.tier.Name), s.member); err != nil {
			l.logger.Debug("revoke failed", zap.String("tier", s.tier.Name), zap.Error(err))
		}
	}
}

func (l *Limiter) failOpen(identifier string, tiers []models.Tier, err error) models.Decision {
	if !errors.Is(err, store.ErrUnavailable) {
		l.logger.Error("unexpected store error, failing open", zap.Error(err))
	} else if l.shouldLogOutage(identifier) {
		l.logger.Warn("store unavailable, admitting without protection",
			zap.String("identifier", identifier), zap.Error(err))
	}

	l.metrics.StoreDegraded.Inc()
	l.metrics.RequestsAdmitted.Inc()

	decision := models.Decision{Allowed: true, Degraded: true}
	if len(tiers) > 0 {
		decision.Tier = tiers[0].Name
		decision.Limit = tiers[0].MaxRequests
		decision.Remaining = tiers[0].MaxRequests
		decision.ResetAt = l.now().Add(tiers[0].Window)
	}
	return decision
}

func (l *Limiter) shouldLogOutage(identifier string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if last, ok := l.lastLogAt[identifier]; ok && now.Sub(last) < failOpenLogInterval {
		return false
	}
	l.lastLogAt[identifier] = now
	for k, t := range l.lastLogAt {
		if now.Sub(t) > 10*failOpenLogInterval {
			delete(l.lastLogAt, k)
		}
	}
	return true
}

package fraud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pictolex/usage-guard/metrics"
	"github.com/pictolex/usage-guard/models"
	"github.com/pictolex/usage-guard/profile"
	"github.com/pictolex/usage-guard/store"
)

// ErrInvalidConfig rejects malformed rule updates; the prior rule stays
// active.
var ErrInvalidConfig = errors.New("invalid rule configuration")

// ErrUnknownRule is returned for updates against a rule id the engine
// does not carry.
var ErrUnknownRule = errors.New("unknown rule")

// maxRecentEvents bounds the per-identifier in-memory event ring.
const maxRecentEvents = 100

// Callback receives every fraud event after it has been persisted.
// Callback panics are caught and logged, never propagated.
type Callback func(event models.FraudEvent)

// Engine evaluates the configured rule set against each completed
// request plus the current behavior profile, and executes rule actions.
// Per (identifier, rule) it cycles Idle -> Evaluating -> Fired ->
// Cooldown -> Idle; the cooldown is a TTL flag in the store so it is
// shared across instances.
type Engine struct {
	store   store.Store
	tracker *profile.Tracker
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time

	eventTTL       time.Duration
	establishedMin int64

	mu    sync.RWMutex
	rules map[string]models.FraudRule

	cbMu      sync.RWMutex
	callbacks []Callback

	evMu   sync.Mutex
	recent map[string][]models.FraudEvent
}

func NewEngine(st store.Store, tracker *profile.Tracker, m *metrics.Metrics, logger *zap.Logger, eventTTL time.Duration, establishedMin int64) *Engine {
	rules := make(map[string]models.FraudRule)
	for _, r := range DefaultRules() {
		rules[r.ID] = r
	}
	return &Engine{
		store:          st,
		tracker:        tracker,
		metrics:        m,
		logger:         logger.Named("fraud"),
		now:            time.Now,
		eventTTL:       eventTTL,
		establishedMin: establishedMin,
		rules:          rules,
		recent:         make(map[string][]models.FraudEvent),
	}
}

// SetClock overrides the wall clock for tests.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// RegisterCallback adds an observer invoked synchronously on every
// firing.
func (e *Engine) RegisterCallback(cb Callback) {
	e.cbMu.Lock()
	e.callbacks = append(e.callbacks, cb)
	e.cbMu.Unlock()
}

// AnalyzeRequest updates the behavior profile and evaluates every
// enabled rule that is not cooling down for this identifier. One rule
// failing never prevents the rest from running.
func (e *Engine) AnalyzeRequest(ctx context.Context, outcome models.Outcome) []models.FraudEvent {
	prof := e.tracker.Record(ctx, outcome)
	now := e.now()

	in := evalInput{
		outcome:        outcome,
		profile:        prof,
		now:            now,
		establishedMin: e.establishedMin,
	}

	e.mu.RLock()
	rules := make([]models.FraudRule, 0, len(e.rules))
	for _, r := range e.rules {
		rules = append(rules, r)
	}
	e.mu.RUnlock()
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })

	var fired []models.FraudEvent
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		if e.inCooldown(ctx, rule.ID, outcome.Identifier) {
			continue
		}

		v, err := e.safeEvaluate(ctx, rule, in)
		if err != nil {
			// Isolated per rule: log with the rule id and move on.
			e.logger.Error("rule evaluation failed",
				zap.String("rule", rule.ID), zap.Error(err))
			continue
		}
		if v == nil {
			continue
		}

		event := e.fire(ctx, rule, outcome.Identifier, v)
		fired = append(fired, event)
	}
	return fired
}

// safeEvaluate isolates predicate panics the same way as errors.
func (e *Engine) safeEvaluate(ctx context.Context, rule models.FraudRule, in evalInput) (v *verdict, err error) {
	defer func() {
		if r := recover(); r != nil {
			v = nil
			err = fmt.Errorf("rule panicked: %v", r)
		}
	}()
	return e.evaluate(ctx, rule, in)
}

func (e *Engine) inCooldown(ctx context.Context, ruleID, identifier string) bool {
	_, active, err := e.store.FlagTTL(ctx, store.CooldownKey(ruleID, identifier))
	return err == nil && active
}

// fire persists the event, starts the cooldown, bumps the profile's
// suspicion counter and executes the rule action, then notifies
// callbacks. The event is durable before any callback runs.
func (e *Engine) fire(ctx context.Context, rule models.FraudRule, identifier string, v *verdict) models.FraudEvent {
	event := models.FraudEvent{
		ID:         uuid.New(),
		RuleID:     rule.ID,
		Identifier: identifier,
		Severity:   rule.Severity,
		Score:      v.score,
		Evidence:   v.evidence,
		Timestamp:  e.now(),
		Blocked:    rule.Action == models.ActionBlock,
	}

	e.persist(ctx, event)
	e.remember(event)

	if rule.Cooldown > 0 {
		if err := e.store.SetFlag(ctx, store.CooldownKey(rule.ID, identifier), rule.Cooldown); err != nil {
			e.logger.Warn("failed to start cooldown", zap.String("rule", rule.ID), zap.Error(err))
		}
	}

	e.tracker.IncrementSuspicion(ctx, identifier)
	e.metrics.SuspiciousActivity.WithLabelValues(rule.ID, string(rule.Severity)).Inc()

	switch rule.Action {
	case models.ActionLog:
		e.logger.Info("fraud rule fired",
			zap.String("rule", rule.ID),
			zap.String("identifier", identifier),
			zap.Float64("score", v.score))
	case models.ActionAlert:
		e.logger.Warn("fraud alert",
			zap.String("rule", rule.ID),
			zap.String("identifier", identifier),
			zap.Float64("score", v.score))
	case models.ActionThrottle:
		if err := e.store.SetFlag(ctx, store.ThrottleKey(identifier), rule.Cooldown); err != nil {
			e.logger.Warn("failed to throttle", zap.String("identifier", identifier), zap.Error(err))
		}
	case models.ActionBlock:
		if err := e.store.SetFlag(ctx, store.BlockKey(identifier), rule.Cooldown); err != nil {
			e.logger.Warn("failed to block", zap.String("identifier", identifier), zap.Error(err))
		} else {
			e.metrics.BlockedRequests.WithLabelValues(rule.ID).Inc()
		}
	}

	e.notify(event)
	return event
}

func (e *Engine) persist(ctx context.Context, event models.FraudEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	key := store.EventKey(event.Identifier, event.ID.String())
	if err := e.store.SetValue(ctx, key, data, e.eventTTL); err != nil {
		e.logger.Debug("event persistence skipped", zap.Error(err))
	}
}

func (e *Engine) remember(event models.FraudEvent) {
	e.evMu.Lock()
	defer e.evMu.Unlock()
	ring := append(e.recent[event.Identifier], event)
	if len(ring) > maxRecentEvents {
		ring = ring[len(ring)-maxRecentEvents:]
	}
	e.recent[event.Identifier] = ring
}

func (e *Engine) notify(event models.FraudEvent) {
	e.cbMu.RLock()
	callbacks := make([]Callback, len(e.callbacks))
	copy(callbacks, e.callbacks)
	e.cbMu.RUnlock()

	for _, cb := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("fraud callback panicked", zap.Any("panic", r))
				}
			}()
			cb(event)
		}()
	}
}

// UpdateRule applies a partial update to one rule. Invalid updates are
// rejected wholesale; the prior configuration stays active.
func (e *Engine) UpdateRule(id string, update models.FraudRuleUpdate) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	rule, ok := e.rules[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRule, id)
	}

	next := rule
	if update.Enabled != nil {
		next.Enabled = *update.Enabled
	}
	if update.Severity != nil {
		next.Severity = *update.Severity
	}
	if update.Action != nil {
		next.Action = *update.Action
	}
	if update.Threshold != nil {
		next.Threshold = *update.Threshold
	}
	if update.Window != nil {
		next.Window = *update.Window
	}
	if update.Cooldown != nil {
		next.Cooldown = *update.Cooldown
	}

	if err := validateRule(next); err != nil {
		return err
	}
	e.rules[id] = next
	return nil
}

func validateRule(r models.FraudRule) error {
	if r.Threshold <= 0 {
		return fmt.Errorf("%w: threshold must be positive", ErrInvalidConfig)
	}
	if r.Window <= 0 {
		return fmt.Errorf("%w: window must be positive", ErrInvalidConfig)
	}
	if r.Cooldown < 0 {
		return fmt.Errorf("%w: cooldown must not be negative", ErrInvalidConfig)
	}
	switch r.Severity {
	case models.SeverityLow, models.SeverityMedium, models.SeverityHigh:
	default:
		return fmt.Errorf("%w: unknown severity %q", ErrInvalidConfig, r.Severity)
	}
	switch r.Action {
	case models.ActionLog, models.ActionAlert, models.ActionThrottle, models.ActionBlock:
	default:
		return fmt.Errorf("%w: unknown action %q", ErrInvalidConfig, r.Action)
	}
	return nil
}

// Rules returns a snapshot of the current rule set, sorted by id.
func (e *Engine) Rules() []models.FraudRule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rules := make([]models.FraudRule, 0, len(e.rules))
	for _, r := range e.rules {
		rules = append(rules, r)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
	return rules
}

// IsBlocked reports whether the identifier carries an active block
// flag. The flag is shared with the limiter and the anomaly detector.
func (e *Engine) IsBlocked(ctx context.Context, identifier string) bool {
	_, blocked, err := e.store.FlagTTL(ctx, store.BlockKey(identifier))
	return err == nil && blocked
}

// RecentEvents returns up to limit of the identifier's most recent
// events, newest first.
func (e *Engine) RecentEvents(identifier string, limit int) []models.FraudEvent {
	e.evMu.Lock()
	defer e.evMu.Unlock()

	ring := e.recent[identifier]
	if limit <= 0 || limit > len(ring) {
		limit = len(ring)
	}
	out := make([]models.FraudEvent, 0, limit)
	for i := len(ring) - 1; i >= len(ring)-limit; i-- {
		out = append(out, ring[i])
	}
	return out
}

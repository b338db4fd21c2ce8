package anomaly

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pictolex/usage-guard/metrics"
	"github.com/pictolex/usage-guard/models"
	"github.com/pictolex/usage-guard/store"
)

// ErrInvalidConfig rejects malformed pattern updates; the prior pattern
// stays active.
var ErrInvalidConfig = errors.New("invalid pattern configuration")

// ErrUnknownPattern is returned for updates against an unknown id.
var ErrUnknownPattern = errors.New("unknown pattern")

const (
	// maxSamples bounds the rolling sample list per identifier.
	maxSamples = 50

	// minSamples is the cold-start guard: below this, no alerts.
	minSamples = 10

	// offHoursMinCount is the raw-count gate for the off-hours
	// pattern; z-score alone is too twitchy at night.
	offHoursMinCount = 20

	// blockTTL is how long an anomaly-asserted block lasts.
	blockTTL = 30 * time.Minute

	// maxRecentAlerts bounds the per-identifier alert ring.
	maxRecentAlerts = 100

	// idleEviction drops sample lists for identifiers gone quiet.
	idleEviction = 2 * time.Hour
)

// Built-in pattern ids.
const (
	PatternRequestSpike   = "request_spike"
	PatternErrorRateSpike = "error_rate_spike"
	PatternLatencySpike   = "latency_spike"
	PatternEndpointSweep  = "endpoint_sweep"
	PatternOffHours       = "off_hours_activity"
)

// Callback receives every alert after it has been persisted. Panics
// are caught and logged, never propagated.
type Callback func(alert models.AnomalyAlert)

func defaultPatterns() []models.AnomalyPattern {
	return []models.AnomalyPattern{
		{ID: PatternRequestSpike, Name: "Request volume spike", Threshold: 3.0, Severity: models.SeverityMedium, Action: models.ActionAlert, Enabled: true},
		{ID: PatternErrorRateSpike, Name: "Error rate spike", Threshold: 3.0, Severity: models.SeverityMedium, Action: models.ActionAlert, Enabled: true},
		{ID: PatternLatencySpike, Name: "Response time spike", Threshold: 3.5, Severity: models.SeverityLow, Action: models.ActionLog, Enabled: true},
		{ID: PatternEndpointSweep, Name: "Endpoint diversity sweep", Threshold: 3.0, Severity: models.SeverityHigh, Action: models.ActionBlock, Enabled: true},
		{ID: PatternOffHours, Name: "Off-hours activity", Threshold: 2.5, Severity: models.SeverityLow, Action: models.ActionLog, Enabled: true},
	}
}

// Detector evaluates z-score patterns over rolling per-identifier
// metric snapshots, independently of the fraud rule engine. Blocks it
// asserts go through the same flag primitive the limiter honors.
type Detector struct {
	store    store.Store
	metrics  *metrics.Metrics
	logger   *zap.Logger
	alertTTL time.Duration
	now      func() time.Time

	mu       sync.Mutex
	samples  map[string][]models.UsageSample
	patterns map[string]models.AnomalyPattern

	cbMu      sync.RWMutex
	callbacks []Callback

	alMu   sync.Mutex
	recent map[string][]models.AnomalyAlert

	done chan struct{}
	once sync.Once
}

func NewDetector(st store.Store, m *metrics.Metrics, logger *zap.Logger, alertTTL time.Duration) *Detector {
	patterns := make(map[string]models.AnomalyPattern)
	for _, p := range defaultPatterns() {
		patterns[p.ID] = p
	}
	return &Detector{
		store:    st,
		metrics:  m,
		logger:   logger.Named("anomaly"),
		alertTTL: alertTTL,
		now:      time.Now,
		samples:  make(map[string][]models.UsageSample),
		patterns: patterns,
		recent:   make(map[string][]models.AnomalyAlert),
		done:     make(chan struct{}),
	}
}

// SetClock overrides the wall clock for tests.
func (d *Detector) SetClock(now func() time.Time) {
	d.now = now
}

// StartSweeper evicts sample lists for idle identifiers so the maps
// stay bounded.
func (d *Detector) StartSweeper(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-d.done:
				return
			case <-ticker.C:
				d.evictIdle()
			}
		}
	}()
}

func (d *Detector) evictIdle() {
	cutoff := d.now().Add(-idleEviction)

	d.mu.Lock()
	for id, list := range d.samples {
		if len(list) == 0 || list[len(list)-1].Timestamp.Before(cutoff) {
			delete(d.samples, id)
		}
	}
	d.mu.Unlock()

	d.alMu.Lock()
	for id, ring := range d.recent {
		if len(ring) == 0 || ring[len(ring)-1].Timestamp.Before(cutoff) {
			delete(d.recent, id)
		}
	}
	d.alMu.Unlock()
}

func (d *Detector) Close() {
	d.once.Do(func() { close(d.done) })
}

// OnAlert adds an observer invoked synchronously per firing.
func (d *Detector) OnAlert(cb Callback) {
	d.cbMu.Lock()
	d.callbacks = append(d.callbacks, cb)
	d.cbMu.Unlock()
}

// RecordUsage appends one aggregated snapshot for the identifier and
// runs detection over the refreshed sample list.
func (d *Detector) RecordUsage(ctx context.Context, identifier string, sample models.UsageSample) []models.AnomalyAlert {
	d.mu.Lock()
	list := append(d.samples[identifier], sample)
	if len(list) > maxSamples {
		list = list[len(list)-maxSamples:]
	}
	d.samples[identifier] = list
	d.mu.Unlock()

	return d.DetectAnomalies(ctx, identifier)
}

// DetectAnomalies evaluates every enabled pattern against the
// identifier's sample list. Fewer than minSamples samples means no
// alerts, regardless of values.
func (d *Detector) DetectAnomalies(ctx context.Context, identifier string) []models.AnomalyAlert {
	d.mu.Lock()
	list := make([]models.UsageSample, len(d.samples[identifier]))
	copy(list, d.samples[identifier])
	patterns := make([]models.AnomalyPattern, 0, len(d.patterns))
	for _, p := range d.patterns {
		patterns = append(patterns, p)
	}
	d.mu.Unlock()

	if len(list) < minSamples {
		return nil
	}
	sort.Slice(patterns, func(i, j int) bool { return patterns[i].ID < patterns[j].ID })

	var alerts []models.AnomalyAlert
	for _, pattern := range patterns {
		if !pattern.Enabled {
			continue
		}
		alert := d.evaluate(ctx, pattern, identifier, list)
		if alert != nil {
			alerts = append(alerts, *alert)
		}
	}
	return alerts
}

func (d *Detector) evaluate(ctx context.Context, pattern models.AnomalyPattern, identifier string, list []models.UsageSample) *models.AnomalyAlert {
	values := make([]float64, len(list))
	for i, s := range list {
		values[i] = metricValue(pattern.ID, s)
	}
	latest := values[len(values)-1]

	// The baseline excludes the value under test, otherwise a large
	// spike drags its own mean toward itself.
	mean, stdDev := meanStdDev(values[:len(values)-1])
	zScore := math.Abs(latest-mean) / stdDev

	if zScore <= pattern.Threshold {
		return nil
	}

	if pattern.ID == PatternOffHours {
		// Not purely statistical: must actually be night traffic of
		// meaningful size.
		if !isOffHours(d.now()) {
			return nil
		}
		if list[len(list)-1].RequestCount < offHoursMinCount {
			return nil
		}
	}

	alert := models.AnomalyAlert{
		ID:         uuid.New(),
		PatternID:  pattern.ID,
		Identifier: identifier,
		Severity:   pattern.Severity,
		Score:      zScore,
		Threshold:  pattern.Threshold,
		Message:    fmt.Sprintf("%s: value %.2f deviates %.2f sigma from mean %.2f", pattern.Name, latest, zScore, mean),
		Evidence: map[string]interface{}{
			"value":     latest,
			"mean":      mean,
			"std_dev":   stdDev,
			"z_score":   zScore,
			"threshold": pattern.Threshold,
			"samples":   len(list),
		},
		Timestamp: d.now(),
	}

	d.persist(ctx, alert)
	d.remember(alert)
	d.metrics.SuspiciousActivity.WithLabelValues(pattern.ID, string(pattern.Severity)).Inc()

	if pattern.Action == models.ActionBlock {
		// Same primitive the fraud engine and limiter use: one
		// blocking mechanism across subsystems.
		if err := d.store.SetFlag(ctx, store.BlockKey(identifier), blockTTL); err != nil {
			d.logger.Warn("failed to block", zap.String("identifier", identifier), zap.Error(err))
		} else {
			d.metrics.BlockedRequests.WithLabelValues(pattern.ID).Inc()
		}
	}

	d.notify(alert)
	return &alert
}

func metricValue(patternID string, s models.UsageSample) float64 {
	switch patternID {
	case PatternErrorRateSpike:
		return s.ErrorRate
	case PatternLatencySpike:
		return s.AvgResponseTimeMs
	case PatternEndpointSweep:
		return float64(s.UniqueEndpoints)
	default:
		return float64(s.RequestCount)
	}
}

// meanStdDev returns the population mean and standard deviation, with
// the deviation floored at 1 to avoid dividing by zero on flat series.
func meanStdDev(values []float64) (float64, float64) {
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	var variance float64
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(values))

	stdDev := math.Sqrt(variance)
	if stdDev < 1 {
		stdDev = 1
	}
	return mean, stdDev
}

func isOffHours(t time.Time) bool {
	h := t.Hour()
	return h >= 22 || h < 6
}

func (d *Detector) persist(ctx context.Context, alert models.AnomalyAlert) {
	data, err := json.Marshal(alert)
	if err != nil {
		return
	}
	key := store.AlertKey(alert.Identifier, alert.ID.String())
	if err := d.store.SetValue(ctx, key, data, d.alertTTL); err != nil {
		d.logger.Debug("alert persistence skipped", zap.Error(err))
	}
}

func (d *Detector) remember(alert models.AnomalyAlert) {
	d.alMu.Lock()
	defer d.alMu.Unlock()
	ring := append(d.recent[alert.Identifier], alert)
	if len(ring) > maxRecentAlerts {
		ring = ring[len(ring)-maxRecentAlerts:]
	}
	d.recent[alert.Identifier] = ring
}

func (d *Detector) notify(alert models.AnomalyAlert) {
	d.cbMu.RLock()
	callbacks := make([]Callback, len(d.callbacks))
	copy(callbacks, d.callbacks)
	d.cbMu.RUnlock()

	for _, cb := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					d.logger.Error("anomaly callback panicked", zap.Any("panic", r))
				}
			}()
			cb(alert)
		}()
	}
}

// RecentAlerts returns up to limit of the identifier's most recent
// alerts, newest first.
func (d *Detector) RecentAlerts(identifier string, limit int) []models.AnomalyAlert {
	d.alMu.Lock()
	defer d.alMu.Unlock()

	ring := d.recent[identifier]
	if limit <= 0 || limit > len(ring) {
		limit = len(ring)
	}
	out := make([]models.AnomalyAlert, 0, limit)
	for i := len(ring) - 1; i >= len(ring)-limit; i-- {
		out = append(out, ring[i])
	}
	return out
}

// IsBlocked reports whether the identifier carries an active block.
func (d *Detector) IsBlocked(ctx context.Context, identifier string) bool {
	_, blocked, err := d.store.FlagTTL(ctx, store.BlockKey(identifier))
	return err == nil && blocked
}

// UpdatePattern applies a partial update; invalid updates are rejected
// and the prior pattern stays active.
func (d *Detector) UpdatePattern(id string, update models.AnomalyPatternUpdate) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	pattern, ok := d.patterns[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPattern, id)
	}

	next := pattern
	if update.Enabled != nil {
		next.Enabled = *update.Enabled
	}
	if update.Threshold != nil {
		next.Threshold = *update.Threshold
	}
	if update.Severity != nil {
		next.Severity = *update.Severity
	}
	if update.Action != nil {
		next.Action = *update.Action
	}

	if err := validatePattern(next); err != nil {
		return err
	}
	d.patterns[id] = next
	return nil
}

func validatePattern(p models.AnomalyPattern) error {
	if p.Threshold <= 0 {
		return fmt.Errorf("%w: threshold must be positive", ErrInvalidConfig)
	}
	switch p.Severity {
	case models.SeverityLow, models.SeverityMedium, models.SeverityHigh:
	default:
		return fmt.Errorf("%w: unknown severity %q", ErrInvalidConfig, p.Severity)
	}
	switch p.Action {
	case models.ActionLog, models.ActionAlert, models.ActionThrottle, models.ActionBlock:
	default:
		return fmt.Errorf("%w: unknown action %q", ErrInvalidConfig, p.Action)
	}
	return nil
}

// Patterns returns a snapshot of the configured patterns, sorted by id.
func (d *Detector) Patterns() []models.AnomalyPattern {
	d.mu.Lock()
	defer d.mu.Unlock()
	patterns := make([]models.AnomalyPattern, 0, len(d.patterns))
	for _, p := range d.patterns {
		patterns = append(patterns, p)
	}
	sort.Slice(patterns, func(i, j int) bool { return patterns[i].ID < patterns[j].ID })
	return patterns
}

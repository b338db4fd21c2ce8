package fraud

import (
	"context"
	"fmt"
	"time"

	"github.com/pictolex/usage-guard/models"
	"github.com/pictolex/usage-guard/store"
)

// minErrorRateSamples guards ratio rules against firing on short
// bursts.
const minErrorRateSamples = 10

// Built-in rule ids.
const (
	RuleRapidFire          = "rapid_fire"
	RuleErrorFarming       = "error_farming"
	RuleEndpointScanning   = "endpoint_scanning"
	RuleCredentialStuffing = "credential_stuffing"
	RuleVolumeSpike        = "volume_spike"
	RuleOffHoursVolume     = "off_hours_volume"
)

// DefaultRules is the rule set an engine starts with; operators adjust
// it at runtime through UpdateRule.
func DefaultRules() []models.FraudRule {
	return []models.FraudRule{
		{
			ID:        RuleRapidFire,
			Enabled:   true,
			Severity:  models.SeverityMedium,
			Action:    models.ActionThrottle,
			Threshold: 300,
			Window:    time.Minute,
			Cooldown:  10 * time.Minute,
		},
		{
			ID:        RuleErrorFarming,
			Enabled:   true,
			Severity:  models.SeverityMedium,
			Action:    models.ActionAlert,
			Threshold: 0.5,
			Window:    5 * time.Minute,
			Cooldown:  15 * time.Minute,
		},
		{
			ID:        RuleEndpointScanning,
			Enabled:   true,
			Severity:  models.SeverityHigh,
			Action:    models.ActionBlock,
			Threshold: 30,
			Window:    time.Minute,
			Cooldown:  30 * time.Minute,
		},
		{
			ID:        RuleCredentialStuffing,
			Enabled:   true,
			Severity:  models.SeverityHigh,
			Action:    models.ActionBlock,
			Threshold: 10,
			Window:    5 * time.Minute,
			Cooldown:  30 * time.Minute,
		},
		{
			ID:        RuleVolumeSpike,
			Enabled:   true,
			Severity:  models.SeverityMedium,
			Action:    models.ActionAlert,
			Threshold: 5,
			Window:    5 * time.Minute,
			Cooldown:  15 * time.Minute,
		},
		{
			ID:        RuleOffHoursVolume,
			Enabled:   true,
			Severity:  models.SeverityLow,
			Action:    models.ActionLog,
			Threshold: 100,
			Window:    time.Hour,
			Cooldown:  time.Hour,
		},
	}
}

// verdict is a positive rule evaluation.
type verdict struct {
	score    float64
	evidence map[string]interface{}
}

// evalInput is everything a predicate may consult.
type evalInput struct {
	outcome models.Outcome
	profile *models.BehaviorProfile
	now     time.Time
	// establishedMin is the profile size at which volume-relative
	// checks apply.
	establishedMin int64
}

// evaluate runs one rule's predicate. A nil verdict means the rule did
// not fire.
func (e *Engine) evaluate(ctx context.Context, rule models.FraudRule, in evalInput) (*verdict, error) {
	switch rule.ID {
	case RuleRapidFire:
		return e.evalWindowedCount(ctx, rule, in)
	case RuleOffHoursVolume:
		if !isOffHours(in.now) {
			return nil, nil
		}
		return e.evalWindowedCount(ctx, rule, in)
	case RuleEndpointScanning:
		return e.evalEndpointScanning(ctx, rule, in)
	case RuleErrorFarming:
		return evalErrorFarming(rule, in)
	case RuleCredentialStuffing:
		return e.evalCredentialStuffing(ctx, rule, in)
	case RuleVolumeSpike:
		return e.evalVolumeSpike(ctx, rule, in)
	default:
		return nil, fmt.Errorf("unknown rule %q", rule.ID)
	}
}

// evalWindowedCount fires when the identifier's request count inside
// the rule window exceeds the threshold.
func (e *Engine) evalWindowedCount(ctx context.Context, rule models.FraudRule, in evalInput) (*verdict, error) {
	key := store.RuleWindowKey(rule.ID, in.outcome.Identifier)
	res, err := e.store.Admit(ctx, key, in.now, rule.Window)
	if err != nil {
		return nil, err
	}
	if float64(res.Count) <= rule.Threshold {
		return nil, nil
	}
	return &verdict{
		score: float64(res.Count) / rule.Threshold,
		evidence: map[string]interface{}{
			"count":     res.Count,
			"threshold": rule.Threshold,
			"window_ms": rule.Window.Milliseconds(),
		},
	}, nil
}

// evalEndpointScanning fires on too many distinct endpoints hit
// inside the window.
func (e *Engine) evalEndpointScanning(ctx context.Context, rule models.FraudRule, in evalInput) (*verdict, error) {
	if in.outcome.Endpoint == "" {
		return nil, nil
	}
	key := store.RuleWindowKey(rule.ID, in.outcome.Identifier)
	cardinality, err := e.store.Observe(ctx, key, in.outcome.Endpoint, in.now, rule.Window)
	if err != nil {
		return nil, err
	}
	if float64(cardinality) <= rule.Threshold {
		return nil, nil
	}
	return &verdict{
		score: float64(cardinality) / rule.Threshold,
		evidence: map[string]interface{}{
			"distinct_endpoints": cardinality,
			"threshold":          rule.Threshold,
			"window_ms":          rule.Window.Milliseconds(),
		},
	}, nil
}

// evalErrorFarming is ratio-based: it needs a minimum sample size
// before the error rate is meaningful.
func evalErrorFarming(rule models.FraudRule, in evalInput) (*verdict, error) {
	p := in.profile
	if p == nil || p.TotalRequests <= minErrorRateSamples {
		return nil, nil
	}
	if p.ErrorRate <= rule.Threshold {
		return nil, nil
	}
	return &verdict{
		score: p.ErrorRate / rule.Threshold,
		evidence: map[string]interface{}{
			"error_rate":     p.ErrorRate,
			"threshold":      rule.Threshold,
			"total_requests": p.TotalRequests,
		},
	}, nil
}

// evalCredentialStuffing is keyed by the request's network origin and
// fires when too many distinct identifiers show up behind it.
func (e *Engine) evalCredentialStuffing(ctx context.Context, rule models.FraudRule, in evalInput) (*verdict, error) {
	if in.outcome.Origin == "" {
		return nil, nil
	}
	key := store.RuleWindowKey(rule.ID, in.outcome.Origin)
	cardinality, err := e.store.Observe(ctx, key, in.outcome.Identifier, in.now, rule.Window)
	if err != nil {
		return nil, err
	}
	if float64(cardinality) <= rule.Threshold {
		return nil, nil
	}
	return &verdict{
		score: float64(cardinality) / rule.Threshold,
		evidence: map[string]interface{}{
			"origin":               in.outcome.Origin,
			"distinct_identifiers": cardinality,
			"threshold":            rule.Threshold,
			"window_ms":            rule.Window.Milliseconds(),
		},
	}, nil
}

// evalVolumeSpike compares the short-window request count against the
// profile's hourly average scaled to the window. It only applies once
// the profile is established.
func (e *Engine) evalVolumeSpike(ctx context.Context, rule models.FraudRule, in evalInput) (*verdict, error) {
	p := in.profile
	if p == nil || p.TotalRequests < in.establishedMin {
		return nil, nil
	}

	key := store.RuleWindowKey(rule.ID, in.outcome.Identifier)
	res, err := e.store.Admit(ctx, key, in.now, rule.Window)
	if err != nil {
		return nil, err
	}

	expected := p.AvgRequestsPerHour * rule.Window.Hours()
	if expected < 1 {
		expected = 1
	}
	ratio := float64(res.Count) / expected
	if ratio <= rule.Threshold {
		return nil, nil
	}
	return &verdict{
		score: ratio,
		evidence: map[string]interface{}{
			"window_count":      res.Count,
			"expected":          expected,
			"ratio":             ratio,
			"threshold":         rule.Threshold,
			"avg_requests_hour": p.AvgRequestsPerHour,
		},
	}, nil
}

// isOffHours reports whether t falls in the [22:00, 06:00) band.
func isOffHours(t time.Time) bool {
	h := t.Hour()
	return h >= 22 || h < 6
}

package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Tier is one (window, max requests) rate-limit rule. Several tiers may
// apply to the same identifier at once; the most restrictive one wins.
type Tier struct {
	Name          string        `json:"name"`
	Window        time.Duration `json:"window"`
	MaxRequests   int64         `json:"max_requests"`
	BlockDuration time.Duration `json:"block_duration,omitempty"`
}

// Decision is the outcome of a rate-limit check.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Tier       string        `json:"tier"`
	Limit      int64         `json:"limit"`
	Remaining  int64         `json:"remaining"`
	ResetAt    time.Time     `json:"reset_at"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	// Degraded is set when the decision was made without the backing
	// store (fail-open).
	Degraded bool `json:"degraded,omitempty"`
}

// Outcome describes a completed request, fed back into behavior
// profiling, fraud rules and anomaly detection.
type Outcome struct {
	Identifier string
	// Origin is a secondary dimension (hashed network origin) used by
	// cross-identifier rules such as credential stuffing.
	Origin     string
	Endpoint   string
	Method     string
	StatusCode int
	Latency    time.Duration
	TokenCount int64
	Timestamp  time.Time
}

// IsError reports whether the outcome counts against the error rate.
func (o Outcome) IsError() bool {
	return o.StatusCode >= 400
}

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

type Action string

const (
	ActionLog      Action = "log"
	ActionAlert    Action = "alert"
	ActionThrottle Action = "throttle"
	ActionBlock    Action = "block"
)

// FraudRule is the static configuration of one stateful detection rule.
type FraudRule struct {
	ID        string        `json:"id"`
	Enabled   bool          `json:"enabled"`
	Severity  Severity      `json:"severity"`
	Action    Action        `json:"action"`
	Threshold float64       `json:"threshold"`
	Window    time.Duration `json:"window"`
	Cooldown  time.Duration `json:"cooldown"`
}

// FraudRuleUpdate carries a partial rule update; nil fields keep the
// current value.
type FraudRuleUpdate struct {
	Enabled   *bool          `json:"enabled,omitempty"`
	Severity  *Severity      `json:"severity,omitempty"`
	Action    *Action        `json:"action,omitempty"`
	Threshold *float64       `json:"threshold,omitempty"`
	Window    *time.Duration `json:"window,omitempty"`
	Cooldown  *time.Duration `json:"cooldown,omitempty"`
}

// FraudEvent records one rule firing. Immutable once written, except
// for the Resolved flag which an operator may set.
type FraudEvent struct {
	ID         uuid.UUID              `json:"id"`
	RuleID     string                 `json:"rule_id"`
	Identifier string                 `json:"identifier"`
	Severity   Severity               `json:"severity"`
	Score      float64                `json:"score"`
	Evidence   map[string]interface{} `json:"evidence"`
	Timestamp  time.Time              `json:"timestamp"`
	Blocked    bool                   `json:"blocked"`
	Resolved   bool                   `json:"resolved"`
}

// BehaviorProfile holds rolling per-identifier statistics, updated
// incrementally on every completed request.
type BehaviorProfile struct {
	Identifier          string    `json:"identifier"`
	FirstSeen           time.Time `json:"first_seen"`
	LastSeen            time.Time `json:"last_seen"`
	TotalRequests       int64     `json:"total_requests"`
	AvgRequestsPerHour  float64   `json:"avg_requests_per_hour"`
	PeakHour            int       `json:"peak_hour"`
	CommonEndpoints     []string  `json:"common_endpoints"`
	AvgResponseTimeMs   float64   `json:"avg_response_time_ms"`
	AvgTokensPerRequest float64   `json:"avg_tokens_per_request"`
	ErrorRate           float64   `json:"error_rate"`
	HourSamples         []int     `json:"hour_samples"`
	DayOfWeekSamples    []int     `json:"day_of_week_samples"`
	SuspiciousFlagCount int64     `json:"suspicious_flag_count"`
	RiskScore           int       `json:"risk_score"`
}

// AnomalyPattern is the static configuration of one statistical check.
type AnomalyPattern struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Threshold float64  `json:"threshold"`
	Severity  Severity `json:"severity"`
	Action    Action   `json:"action"`
	Enabled   bool     `json:"enabled"`
}

// AnomalyPatternUpdate carries a partial pattern update.
type AnomalyPatternUpdate struct {
	Enabled   *bool     `json:"enabled,omitempty"`
	Threshold *float64  `json:"threshold,omitempty"`
	Severity  *Severity `json:"severity,omitempty"`
	Action    *Action   `json:"action,omitempty"`
}

// UsageSample is one aggregated snapshot of an identifier's traffic,
// retained as a bounded rolling list.
type UsageSample struct {
	RequestCount      int64     `json:"request_count"`
	ErrorRate         float64   `json:"error_rate"`
	AvgResponseTimeMs float64   `json:"avg_response_time_ms"`
	UniqueEndpoints   int64     `json:"unique_endpoints"`
	Timestamp         time.Time `json:"timestamp"`
}

// AnomalyAlert records one pattern firing. Immutable, TTL-retained.
type AnomalyAlert struct {
	ID         uuid.UUID              `json:"id"`
	PatternID  string                 `json:"pattern_id"`
	Identifier string                 `json:"identifier"`
	Severity   Severity               `json:"severity"`
	Score      float64                `json:"score"`
	Threshold  float64                `json:"threshold"`
	Message    string                 `json:"message"`
	Evidence   map[string]interface{} `json:"evidence"`
	Timestamp  time.Time              `json:"timestamp"`
}

// EvidenceJSON renders evidence for durable audit storage.
func EvidenceJSON(evidence map[string]interface{}) []byte {
	data, err := json.Marshal(evidence)
	if err != nil {
		return []byte("{}")
	}
	return data
}

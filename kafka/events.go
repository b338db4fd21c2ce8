package kafka

import (
	"time"

	"github.com/pictolex/usage-guard/models"
)

type EventKind string

const (
	KindFraudEvent   EventKind = "FRAUD_EVENT"
	KindAnomalyAlert EventKind = "ANOMALY_ALERT"
)

// AbuseEvent is the wire shape published for every fraud rule firing
// and anomaly alert.
type AbuseEvent struct {
	ID         string                 `json:"id"`
	Kind       EventKind              `json:"kind"`
	SourceID   string                 `json:"source_id"` // rule or pattern id
	Identifier string                 `json:"identifier"`
	Severity   string                 `json:"severity"`
	Score      float64                `json:"score"`
	Blocked    bool                   `json:"blocked"`
	Evidence   map[string]interface{} `json:"evidence"`
	Timestamp  time.Time              `json:"timestamp"`
}

func FromFraudEvent(event models.FraudEvent) *AbuseEvent {
	return &AbuseEvent{
		ID:         event.ID.String(),
		Kind:       KindFraudEvent,
		SourceID:   event.RuleID,
		Identifier: event.Identifier,
		Severity:   string(event.Severity),
		Score:      event.Score,
		Blocked:    event.Blocked,
		Evidence:   event.Evidence,
		Timestamp:  event.Timestamp,
	}
}

func FromAnomalyAlert(alert models.AnomalyAlert) *AbuseEvent {
	return &AbuseEvent{
		ID:         alert.ID.String(),
		Kind:       KindAnomalyAlert,
		SourceID:   alert.PatternID,
		Identifier: alert.Identifier,
		Severity:   string(alert.Severity),
		Score:      alert.Score,
		Evidence:   alert.Evidence,
		Timestamp:  alert.Timestamp,
	}
}

package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUnavailable is returned when the backing store cannot be reached.
// Callers fail open: admission-path errors never surface to the caller
// as anything other than "request allowed without full protection".
var ErrUnavailable = errors.New("counter store unavailable")

// AdmitResult is the outcome of one atomic admit round-trip.
type AdmitResult struct {
	Count  int64
	Oldest time.Time
	Member string
}

// Store is the contract over a TTL + ordered-set capable key/value
// store. Implementations must be safe for concurrent use, and every
// windowed operation must apply prune-then-mutate-then-count as one
// indivisible step so concurrent callers never under- or over-count.
type Store interface {
	// Admit prunes entries older than now-window, inserts a new entry
	// at now and returns the resulting count, the timestamp of the
	// oldest surviving entry (for retry-after math) and the member
	// that was inserted (so a denied attempt can be revoked).
	Admit(ctx context.Context, key string, now time.Time, window time.Duration) (AdmitResult, error)

	// Revoke removes a previously admitted member from the window.
	Revoke(ctx context.Context, key, member string) error

	// Observe inserts member into the window set and returns the
	// resulting cardinality. Re-observing the same member refreshes
	// its timestamp without growing the set.
	Observe(ctx context.Context, key, member string, now time.Time, window time.Duration) (int64, error)

	// Cardinality returns the current windowed count without inserting.
	Cardinality(ctx context.Context, key string, now time.Time, window time.Duration) (int64, error)

	// SetFlag sets a TTL-scoped marker; its existence means "deny".
	SetFlag(ctx context.Context, key string, ttl time.Duration) error

	// FlagTTL reports whether the flag exists and its remaining TTL.
	FlagTTL(ctx context.Context, key string) (time.Duration, bool, error)

	ClearFlag(ctx context.Context, key string) error

	// SetValue / GetValue / DeleteValue persist opaque blobs with a TTL
	// (profiles, events, alerts). GetValue returns (nil, nil) when the
	// key is absent or expired.
	SetValue(ctx context.Context, key string, value []byte, ttl time.Duration) error
	GetValue(ctx context.Context, key string) ([]byte, error)
	DeleteValue(ctx context.Context, key string) error

	Close() error
}

const namespace = "guard"

// Key builders. All identifiers reaching the store are already hashed;
// nothing here is reversible to PII.

func RateKey(identifier, tier string) string {
	return fmt.Sprintf("%s:rate:%s:%s", namespace, identifier, tier)
}

func BlockKey(identifier string) string {
	return fmt.Sprintf("%s:block:%s", namespace, identifier)
}

func ThrottleKey(identifier string) string {
	return fmt.Sprintf("%s:throttle:%s", namespace, identifier)
}

func CooldownKey(ruleID, identifier string) string {
	return fmt.Sprintf("%s:cooldown:%s:%s", namespace, ruleID, identifier)
}

func RuleWindowKey(ruleID, identifier string) string {
	return fmt.Sprintf("%s:rule:%s:%s", namespace, ruleID, identifier)
}

func ProfileKey(identifier string) string {
	return fmt.Sprintf("%s:profile:%s", namespace, identifier)
}

func EventKey(identifier, eventID string) string {
	return fmt.Sprintf("%s:event:%s:%s", namespace, identifier, eventID)
}

func AlertKey(identifier, alertID string) string {
	return fmt.Sprintf("%s:alert:%s:%s", namespace, identifier, alertID)
}

package fraud

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pictolex/usage-guard/metrics"
	"github.com/pictolex/usage-guard/models"
	"github.com/pictolex/usage-guard/profile"
	"github.com/pictolex/usage-guard/store"
)

func newTestEngine(t *testing.T, st store.Store) (*Engine, *time.Time) {
	t.Helper()
	current := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return current }

	if ms, ok := st.(*store.MemoryStore); ok {
		ms.SetClock(clock)
	}

	tracker := profile.NewTracker(st, 7*24*time.Hour, zap.NewNop())
	tracker.SetClock(clock)

	e := NewEngine(st, tracker, metrics.New(nil), zap.NewNop(), 24*time.Hour, 100)
	e.SetClock(clock)
	return e, &current
}

// enableOnly keeps one rule active so tests exercise it in isolation.
func enableOnly(t *testing.T, e *Engine, id string) {
	t.Helper()
	off := false
	for _, r := range e.Rules() {
		if r.ID == id {
			continue
		}
		require.NoError(t, e.UpdateRule(r.ID, models.FraudRuleUpdate{Enabled: &off}))
	}
}

func boolPtr(v bool) *bool { return &v }

func floatPtr(v float64) *float64 { return &v }

func durPtr(v time.Duration) *time.Duration { return &v }

func severityPtr(v models.Severity) *models.Severity { return &v }

func requestAt(id string, ts time.Time) models.Outcome {
	return models.Outcome{
		Identifier: id,
		Endpoint:   "/api/v1/things",
		Method:     "GET",
		StatusCode: 200,
		Latency:    50 * time.Millisecond,
		Timestamp:  ts,
	}
}

func TestEngine_CooldownCycle(t *testing.T) {
	e, current := newTestEngine(t, store.NewMemoryStore())
	ctx := context.Background()

	enableOnly(t, e, RuleRapidFire)
	require.NoError(t, e.UpdateRule(RuleRapidFire, models.FraudRuleUpdate{
		Threshold: floatPtr(3),
		Window:    durPtr(time.Minute),
		Cooldown:  durPtr(10 * time.Minute),
	}))

	fire := func() []models.FraudEvent {
		events := e.AnalyzeRequest(ctx, requestAt("id-1", *current))
		*current = current.Add(time.Second)
		return events
	}

	// The first three requests stay at or under the threshold.
	for i := 0; i < 3; i++ {
		assert.Empty(t, fire(), "request %d", i+1)
	}

	// The fourth crosses it.
	events := fire()
	require.Len(t, events, 1)
	assert.Equal(t, RuleRapidFire, events[0].RuleID)
	assert.Equal(t, "id-1", events[0].Identifier)
	assert.Greater(t, events[0].Score, 1.0)

	// Silent for the whole cooldown, no matter how hard it is hammered.
	for i := 0; i < 20; i++ {
		assert.Empty(t, fire())
	}

	// Past the cooldown the cycle starts over.
	*current = current.Add(11 * time.Minute)
	for i := 0; i < 3; i++ {
		assert.Empty(t, fire())
	}
	events = fire()
	require.Len(t, events, 1)
	assert.Equal(t, RuleRapidFire, events[0].RuleID)
}

func TestEngine_CooldownIsPerIdentifier(t *testing.T) {
	e, current := newTestEngine(t, store.NewMemoryStore())
	ctx := context.Background()

	enableOnly(t, e, RuleRapidFire)
	require.NoError(t, e.UpdateRule(RuleRapidFire, models.FraudRuleUpdate{
		Threshold: floatPtr(2),
	}))

	for i := 0; i < 3; i++ {
		e.AnalyzeRequest(ctx, requestAt("id-1", *current))
	}

	// id-1 is cooling down; id-2 still trips the rule on its own.
	var fired []models.FraudEvent
	for i := 0; i < 3; i++ {
		fired = append(fired, e.AnalyzeRequest(ctx, requestAt("id-2", *current))...)
	}
	require.Len(t, fired, 1)
	assert.Equal(t, "id-2", fired[0].Identifier)
}

// keyFailingStore errors on Admit for keys containing a marker, passing
// everything else through.
type keyFailingStore struct {
	store.Store
	failSubstring string
}

func (s *keyFailingStore) Admit(ctx context.Context, key string, now time.Time, window time.Duration) (store.AdmitResult, error) {
	if strings.Contains(key, s.failSubstring) {
		return store.AdmitResult{}, store.ErrUnavailable
	}
	return s.Store.Admit(ctx, key, now, window)
}

func TestEngine_RuleFailureIsIsolated(t *testing.T) {
	failing := &keyFailingStore{Store: store.NewMemoryStore(), failSubstring: RuleRapidFire}
	e, current := newTestEngine(t, failing)
	ctx := context.Background()

	off := false
	for _, r := range e.Rules() {
		if r.ID == RuleRapidFire || r.ID == RuleEndpointScanning {
			continue
		}
		require.NoError(t, e.UpdateRule(r.ID, models.FraudRuleUpdate{Enabled: &off}))
	}
	require.NoError(t, e.UpdateRule(RuleEndpointScanning, models.FraudRuleUpdate{
		Threshold: floatPtr(2),
	}))

	// rapid_fire errors on every evaluation; endpoint_scanning still
	// fires once enough distinct endpoints show up.
	var fired []models.FraudEvent
	for i := 0; i < 3; i++ {
		o := requestAt("id-1", *current)
		o.Endpoint = fmt.Sprintf("/api/v1/resource/%d", i)
		fired = append(fired, e.AnalyzeRequest(ctx, o)...)
		*current = current.Add(time.Second)
	}

	require.Len(t, fired, 1)
	assert.Equal(t, RuleEndpointScanning, fired[0].RuleID)
}

func TestEngine_CallbackPanicDoesNotPropagate(t *testing.T) {
	e, current := newTestEngine(t, store.NewMemoryStore())
	ctx := context.Background()

	enableOnly(t, e, RuleRapidFire)
	require.NoError(t, e.UpdateRule(RuleRapidFire, models.FraudRuleUpdate{Threshold: floatPtr(1)}))

	e.RegisterCallback(func(models.FraudEvent) { panic("observer bug") })
	var received []models.FraudEvent
	e.RegisterCallback(func(ev models.FraudEvent) { received = append(received, ev) })

	require.NotPanics(t, func() {
		e.AnalyzeRequest(ctx, requestAt("id-1", *current))
		events := e.AnalyzeRequest(ctx, requestAt("id-1", *current))
		require.Len(t, events, 1)
	})

	// The panicking callback did not starve the one after it.
	require.Len(t, received, 1)
	assert.Equal(t, RuleRapidFire, received[0].RuleID)
}

func TestEngine_BlockActionSetsSharedFlag(t *testing.T) {
	e, current := newTestEngine(t, store.NewMemoryStore())
	ctx := context.Background()

	enableOnly(t, e, RuleEndpointScanning)
	require.NoError(t, e.UpdateRule(RuleEndpointScanning, models.FraudRuleUpdate{
		Threshold: floatPtr(2),
	}))

	require.False(t, e.IsBlocked(ctx, "id-1"))
	for i := 0; i < 3; i++ {
		o := requestAt("id-1", *current)
		o.Endpoint = fmt.Sprintf("/api/v1/resource/%d", i)
		e.AnalyzeRequest(ctx, o)
	}
	assert.True(t, e.IsBlocked(ctx, "id-1"))
}

func TestEngine_ThrottleActionSetsFlag(t *testing.T) {
	st := store.NewMemoryStore()
	e, current := newTestEngine(t, st)
	ctx := context.Background()

	enableOnly(t, e, RuleRapidFire)
	require.NoError(t, e.UpdateRule(RuleRapidFire, models.FraudRuleUpdate{Threshold: floatPtr(1)}))

	e.AnalyzeRequest(ctx, requestAt("id-1", *current))
	e.AnalyzeRequest(ctx, requestAt("id-1", *current))

	_, active, err := st.FlagTTL(ctx, store.ThrottleKey("id-1"))
	require.NoError(t, err)
	assert.True(t, active)
}

func TestEngine_CredentialStuffing(t *testing.T) {
	e, current := newTestEngine(t, store.NewMemoryStore())
	ctx := context.Background()

	enableOnly(t, e, RuleCredentialStuffing)
	require.NoError(t, e.UpdateRule(RuleCredentialStuffing, models.FraudRuleUpdate{
		Threshold: floatPtr(2),
	}))

	// Distinct identifiers behind the same network origin.
	var fired []models.FraudEvent
	for _, id := range []string{"user-a", "user-b", "user-c"} {
		o := requestAt(id, *current)
		o.Origin = "net-1"
		fired = append(fired, e.AnalyzeRequest(ctx, o)...)
	}

	require.Len(t, fired, 1)
	assert.Equal(t, RuleCredentialStuffing, fired[0].RuleID)
	assert.Equal(t, "user-c", fired[0].Identifier)

	// No origin, no signal.
	fired = e.AnalyzeRequest(ctx, requestAt("user-d", *current))
	assert.Empty(t, fired)
}

func TestEngine_DisabledRuleNeverFires(t *testing.T) {
	e, current := newTestEngine(t, store.NewMemoryStore())
	ctx := context.Background()

	enableOnly(t, e, RuleRapidFire)
	require.NoError(t, e.UpdateRule(RuleRapidFire, models.FraudRuleUpdate{
		Threshold: floatPtr(1),
		Enabled:   boolPtr(false),
	}))

	for i := 0; i < 10; i++ {
		assert.Empty(t, e.AnalyzeRequest(ctx, requestAt("id-1", *current)))
	}
}

func TestEngine_UpdateRuleValidation(t *testing.T) {
	e, _ := newTestEngine(t, store.NewMemoryStore())

	err := e.UpdateRule("no_such_rule", models.FraudRuleUpdate{Threshold: floatPtr(1)})
	assert.ErrorIs(t, err, ErrUnknownRule)

	err = e.UpdateRule(RuleRapidFire, models.FraudRuleUpdate{Threshold: floatPtr(0)})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	err = e.UpdateRule(RuleRapidFire, models.FraudRuleUpdate{Window: durPtr(-time.Minute)})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	bad := models.Severity("critical")
	err = e.UpdateRule(RuleRapidFire, models.FraudRuleUpdate{Severity: &bad})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	// The rejected updates left the rule untouched.
	for _, r := range e.Rules() {
		if r.ID == RuleRapidFire {
			assert.Equal(t, float64(300), r.Threshold)
			assert.Equal(t, time.Minute, r.Window)
			assert.Equal(t, models.SeverityMedium, r.Severity)
		}
	}

	// A valid partial update applies and keeps the rest.
	require.NoError(t, e.UpdateRule(RuleRapidFire, models.FraudRuleUpdate{
		Severity: severityPtr(models.SeverityHigh),
	}))
	for _, r := range e.Rules() {
		if r.ID == RuleRapidFire {
			assert.Equal(t, models.SeverityHigh, r.Severity)
			assert.Equal(t, float64(300), r.Threshold)
		}
	}
}

func TestEngine_RecentEventsNewestFirst(t *testing.T) {
	e, current := newTestEngine(t, store.NewMemoryStore())
	ctx := context.Background()

	enableOnly(t, e, RuleRapidFire)
	require.NoError(t, e.UpdateRule(RuleRapidFire, models.FraudRuleUpdate{
		Threshold: floatPtr(1),
		Cooldown:  durPtr(time.Minute),
	}))

	var all []models.FraudEvent
	for i := 0; i < 3; i++ {
		e.AnalyzeRequest(ctx, requestAt("id-1", *current))
		*current = current.Add(time.Second)
		all = append(all, e.AnalyzeRequest(ctx, requestAt("id-1", *current))...)
		*current = current.Add(2 * time.Minute)
	}
	require.Len(t, all, 3)

	recent := e.RecentEvents("id-1", 2)
	require.Len(t, recent, 2)
	assert.Equal(t, all[len(all)-1].ID, recent[0].ID)
	assert.Equal(t, all[len(all)-2].ID, recent[1].ID)

	assert.Empty(t, e.RecentEvents("never-seen", 10))
}

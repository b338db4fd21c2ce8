package profile

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pictolex/usage-guard/models"
	"github.com/pictolex/usage-guard/store"
)

func newTestTracker() *Tracker {
	return NewTracker(store.NewMemoryStore(), 7*24*time.Hour, zap.NewNop())
}

func outcomeAt(id string, ts time.Time) models.Outcome {
	return models.Outcome{
		Identifier: id,
		Endpoint:   "/api/v1/things",
		Method:     "GET",
		StatusCode: 200,
		Latency:    100 * time.Millisecond,
		Timestamp:  ts,
	}
}

func TestTracker_StreamingAverages(t *testing.T) {
	tr := newTestTracker()
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	latencies := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond}
	statuses := []int{200, 500, 200}
	tokens := []int64{30, 60, 90}

	var p *models.BehaviorProfile
	for i := range latencies {
		o := outcomeAt("id-1", base.Add(time.Duration(i)*time.Second))
		o.Latency = latencies[i]
		o.StatusCode = statuses[i]
		o.TokenCount = tokens[i]
		p = tr.Record(ctx, o)
	}

	require.NotNil(t, p)
	assert.Equal(t, int64(3), p.TotalRequests)
	assert.InDelta(t, 200.0, p.AvgResponseTimeMs, 1e-9)
	assert.InDelta(t, 60.0, p.AvgTokensPerRequest, 1e-9)
	assert.InDelta(t, 1.0/3.0, p.ErrorRate, 1e-9)
}

func TestTracker_TotalRequestsMonotone(t *testing.T) {
	tr := newTestTracker()
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	var prev int64
	for i := 0; i < 20; i++ {
		p := tr.Record(ctx, outcomeAt("id-1", base.Add(time.Duration(i)*time.Second)))
		require.Greater(t, p.TotalRequests, prev)
		prev = p.TotalRequests
	}
	assert.Equal(t, int64(20), prev)
}

func TestTracker_EndpointSetBounded(t *testing.T) {
	tr := newTestTracker()
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	var p *models.BehaviorProfile
	for i := 0; i < maxEndpoints+10; i++ {
		o := outcomeAt("id-1", base.Add(time.Duration(i)*time.Second))
		o.Endpoint = fmt.Sprintf("/api/v1/resource/%d", i)
		p = tr.Record(ctx, o)
	}

	require.Len(t, p.CommonEndpoints, maxEndpoints)
	// Oldest entries were evicted first.
	assert.Equal(t, "/api/v1/resource/10", p.CommonEndpoints[0])
	assert.Equal(t, fmt.Sprintf("/api/v1/resource/%d", maxEndpoints+9), p.CommonEndpoints[maxEndpoints-1])
}

func TestTracker_EndpointSetDistinct(t *testing.T) {
	tr := newTestTracker()
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	var p *models.BehaviorProfile
	for i := 0; i < 30; i++ {
		p = tr.Record(ctx, outcomeAt("id-1", base.Add(time.Duration(i)*time.Second)))
	}
	assert.Len(t, p.CommonEndpoints, 1)
}

func TestTracker_PeakHourIsMode(t *testing.T) {
	tr := newTestTracker()
	ctx := context.Background()

	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	hours := []int{9, 14, 14, 14, 9, 3}
	var p *models.BehaviorProfile
	for i, h := range hours {
		p = tr.Record(ctx, outcomeAt("id-1", day.Add(time.Duration(h)*time.Hour+time.Duration(i)*time.Second)))
	}
	assert.Equal(t, 14, p.PeakHour)
}

func TestTracker_GetAbsentProfileIsNil(t *testing.T) {
	tr := newTestTracker()
	assert.Nil(t, tr.Get(context.Background(), "never-seen"))
}

func TestTracker_GetLoadsFromStore(t *testing.T) {
	st := store.NewMemoryStore()
	tr := NewTracker(st, 7*24*time.Hour, zap.NewNop())
	ctx := context.Background()

	tr.Record(ctx, outcomeAt("id-1", time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)))

	// A fresh tracker against the same store recovers the profile.
	tr2 := NewTracker(st, 7*24*time.Hour, zap.NewNop())
	p := tr2.Get(ctx, "id-1")
	require.NotNil(t, p)
	assert.Equal(t, int64(1), p.TotalRequests)
}

// gatedStore parks GetValue calls for one key until released, standing
// in for a slow or hung store during an outage.
type gatedStore struct {
	store.Store
	gateKey string
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedStore) GetValue(ctx context.Context, key string) ([]byte, error) {
	if key == g.gateKey {
		g.once.Do(func() { close(g.entered) })
		<-g.release
	}
	return g.Store.GetValue(ctx, key)
}

func TestTracker_SlowLoadDoesNotStallOtherIdentifiers(t *testing.T) {
	gs := &gatedStore{
		Store:   store.NewMemoryStore(),
		gateKey: store.ProfileKey("cold"),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	tr := NewTracker(gs, 7*24*time.Hour, zap.NewNop())
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	// The warm identifier is already in memory.
	tr.Record(ctx, outcomeAt("warm", base))

	coldDone := make(chan struct{})
	go func() {
		defer close(coldDone)
		tr.Record(ctx, outcomeAt("cold", base))
	}()
	<-gs.entered

	// With the cold load parked inside the store, updates for other
	// identifiers must still go through.
	warmDone := make(chan struct{})
	go func() {
		defer close(warmDone)
		tr.Record(ctx, outcomeAt("warm", base.Add(time.Second)))
	}()
	select {
	case <-warmDone:
	case <-time.After(2 * time.Second):
		t.Fatal("profile update stalled behind an unrelated store load")
	}

	close(gs.release)
	<-coldDone
	p := tr.Get(ctx, "cold")
	require.NotNil(t, p)
	assert.Equal(t, int64(1), p.TotalRequests)
}

func TestTracker_ConcurrentFirstRecords(t *testing.T) {
	tr := newTestTracker()
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.Record(ctx, outcomeAt("id-1", base))
		}()
	}
	wg.Wait()

	// Every racing first Record lands on the single adopted profile.
	p := tr.Get(ctx, "id-1")
	require.NotNil(t, p)
	assert.Equal(t, int64(16), p.TotalRequests)
}

func TestTracker_IncrementSuspicionRaisesRisk(t *testing.T) {
	tr := newTestTracker()
	ctx := context.Background()

	p := tr.Record(ctx, outcomeAt("id-1", time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)))
	before := p.RiskScore

	tr.IncrementSuspicion(ctx, "id-1")
	after := tr.Get(ctx, "id-1")
	require.NotNil(t, after)
	assert.Equal(t, int64(1), after.SuspiciousFlagCount)
	assert.Equal(t, before+5, after.RiskScore)
}

func TestRiskScore(t *testing.T) {
	tests := []struct {
		name    string
		profile models.BehaviorProfile
		want    int
	}{
		{"clean", models.BehaviorProfile{PeakHour: 12}, 0},
		{"moderate error rate", models.BehaviorProfile{ErrorRate: 0.15, PeakHour: 12}, 10},
		{"high error rate", models.BehaviorProfile{ErrorRate: 0.5, PeakHour: 12}, 20},
		{"off hours peak", models.BehaviorProfile{PeakHour: 23}, 15},
		{"early morning peak", models.BehaviorProfile{PeakHour: 2}, 15},
		{"wide endpoint spread", models.BehaviorProfile{PeakHour: 12, CommonEndpoints: make([]string, 21)}, 10},
		{"elevated volume", models.BehaviorProfile{PeakHour: 12, AvgRequestsPerHour: 600}, 15},
		{"extreme volume", models.BehaviorProfile{PeakHour: 12, AvgRequestsPerHour: 2000}, 25},
		{"suspicion flags", models.BehaviorProfile{PeakHour: 12, SuspiciousFlagCount: 3}, 15},
		{
			"clamped at 100",
			models.BehaviorProfile{
				ErrorRate:           0.5,
				PeakHour:            23,
				CommonEndpoints:     make([]string, 30),
				AvgRequestsPerHour:  5000,
				SuspiciousFlagCount: 20,
			},
			100,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, riskScore(&tt.profile))
		})
	}
}

func TestTracker_AvgRequestsPerHour(t *testing.T) {
	tr := newTestTracker()
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	// 10 requests over 2 hours: 5/hour.
	var p *models.BehaviorProfile
	for i := 0; i < 10; i++ {
		ts := base.Add(time.Duration(i) * 2 * time.Hour / 9)
		p = tr.Record(ctx, outcomeAt("id-1", ts))
	}
	assert.InDelta(t, 5.0, p.AvgRequestsPerHour, 0.01)
}

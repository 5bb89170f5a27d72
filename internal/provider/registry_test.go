package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/arc-self/apps/fragment-service/internal/clock"
	"github.com/arc-self/apps/fragment-service/internal/domain"
)

// stubClient scripts Generate/Ping outcomes per provider.
type stubClient struct {
	gen     Generation
	genErr  error
	pingErr error
	calls   int
}

func (s *stubClient) Generate(context.Context, string, GenerateOptions) (Generation, error) {
	s.calls++
	return s.gen, s.genErr
}

func (s *stubClient) Ping(context.Context) error { return s.pingErr }

func newTestRegistry(t *testing.T, clients map[string]*stubClient) *Registry {
	cfgs := make([]Config, 0, len(clients))
	for id := range clients {
		cfgs = append(cfgs, Config{ID: id, BaseURL: "http://" + id, Capabilities: []string{domain.CapGeneral}})
	}
	factory := func(cfg Config) Client { return clients[cfg.ID] }
	return NewRegistry(cfgs, factory, clock.New(), zaptest.NewLogger(t))
}

func TestRegistry_SnapshotSortedAndHealthy(t *testing.T) {
	r := newTestRegistry(t, map[string]*stubClient{
		"zeta":  {},
		"alpha": {},
	})

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "alpha", snap[0].ID)
	assert.Equal(t, "zeta", snap[1].ID)
	assert.True(t, snap[0].Healthy)
	assert.True(t, snap[1].Healthy)
}

func TestRegistry_GenerateRecordsStats(t *testing.T) {
	clients := map[string]*stubClient{
		"p1": {gen: Generation{Text: "hi", TokensIn: 10, TokensOut: 5, Cost: 0.002}},
	}
	r := newTestRegistry(t, clients)

	gen, err := r.Generate(context.Background(), "p1", "prompt", GenerateOptions{})
	require.NoError(t, err)
	assert.Equal(t, "hi", gen.Text)

	snap := r.Snapshot()
	assert.Equal(t, 0, snap[0].ConsecutiveFailures)
	assert.Greater(t, snap[0].RollingCost, 0.0)
}

func TestRegistry_GenerateUnknownProvider(t *testing.T) {
	r := newTestRegistry(t, map[string]*stubClient{"p1": {}})

	_, err := r.Generate(context.Background(), "ghost", "prompt", GenerateOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNoProviderAvailable)
}

func TestRegistry_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	clients := map[string]*stubClient{
		"flaky": {genErr: errors.New("boom")},
	}
	r := newTestRegistry(t, clients)

	for i := 0; i < breakerTrip; i++ {
		_, err := r.Generate(context.Background(), "flaky", "prompt", GenerateOptions{})
		require.Error(t, err)
	}

	snap := r.Snapshot()
	assert.False(t, snap[0].Healthy)
	assert.Equal(t, breakerTrip, snap[0].ConsecutiveFailures)

	// Breaker is now open: the next call fails fast without touching the
	// client.
	before := clients["flaky"].calls
	_, err := r.Generate(context.Background(), "flaky", "prompt", GenerateOptions{})
	require.Error(t, err)
	assert.Equal(t, before, clients["flaky"].calls)
}

func TestRegistry_SuccessResetsFailures(t *testing.T) {
	c := &stubClient{genErr: errors.New("boom")}
	r := newTestRegistry(t, map[string]*stubClient{"p1": c})

	_, _ = r.Generate(context.Background(), "p1", "prompt", GenerateOptions{})
	c.genErr = nil
	_, err := r.Generate(context.Background(), "p1", "prompt", GenerateOptions{})
	require.NoError(t, err)

	snap := r.Snapshot()
	assert.Equal(t, 0, snap[0].ConsecutiveFailures)
	assert.True(t, snap[0].Healthy)
}

func TestRegistry_LeastUnhealthy(t *testing.T) {
	clients := map[string]*stubClient{
		"bad":   {genErr: errors.New("boom")},
		"worse": {genErr: errors.New("boom")},
	}
	r := newTestRegistry(t, clients)

	_, _ = r.Generate(context.Background(), "bad", "p", GenerateOptions{})
	_, _ = r.Generate(context.Background(), "worse", "p", GenerateOptions{})
	_, _ = r.Generate(context.Background(), "worse", "p", GenerateOptions{})

	best, ok := r.LeastUnhealthy()
	require.True(t, ok)
	assert.Equal(t, "bad", best.ID)
}

func TestRegistry_EWMALatencySmoothing(t *testing.T) {
	fake := clock.NewFake(time.Now())
	c := &stubClient{gen: Generation{Text: "ok"}}
	factory := func(Config) Client { return c }
	r := NewRegistry([]Config{{ID: "p1", BaseURL: "http://p1"}}, factory, fake, zaptest.NewLogger(t))

	_, err := r.Generate(context.Background(), "p1", "prompt", GenerateOptions{})
	require.NoError(t, err)

	// With a frozen clock every call measures zero latency.
	snap := r.Snapshot()
	assert.Equal(t, time.Duration(0), snap[0].RollingLatency)
}

func TestRegistry_SetHealthy(t *testing.T) {
	r := newTestRegistry(t, map[string]*stubClient{"p1": {}})

	r.SetHealthy("p1", false)
	assert.False(t, r.Snapshot()[0].Healthy)

	r.SetHealthy("p1", true)
	assert.True(t, r.Snapshot()[0].Healthy)
}

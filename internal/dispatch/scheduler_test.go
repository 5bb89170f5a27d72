package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/arc-self/apps/fragment-service/internal/clock"
	"github.com/arc-self/apps/fragment-service/internal/domain"
	"github.com/arc-self/apps/fragment-service/internal/provider"
)

// scriptedCaller scripts per-provider behavior. "hang" providers block until
// the call context expires.
type scriptedCaller struct {
	mu    sync.Mutex
	fail  map[string]int // provider id -> remaining failures
	hang  map[string]bool
	calls []string
}

func (s *scriptedCaller) Generate(ctx context.Context, providerID, prompt string, _ provider.GenerateOptions) (provider.Generation, error) {
	s.mu.Lock()
	s.calls = append(s.calls, providerID)
	hang := s.hang[providerID]
	remaining := s.fail[providerID]
	if remaining > 0 {
		s.fail[providerID] = remaining - 1
	}
	s.mu.Unlock()

	if hang {
		<-ctx.Done()
		return provider.Generation{}, ctx.Err()
	}
	if remaining > 0 {
		return provider.Generation{}, errors.New("upstream 500")
	}
	return provider.Generation{Text: "answer to " + prompt, TokensIn: 5, TokensOut: 10, Cost: 0.001}, nil
}

func (s *scriptedCaller) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func testPlan(ids ...string) domain.FragmentationPlan {
	p := domain.FragmentationPlan{Strategy: domain.StrategySemanticSplit, EntityMap: domain.NewEntityMap()}
	for _, id := range ids {
		p.Fragments = append(p.Fragments, domain.FragmentSpec{
			ID:             id,
			AnonymizedText: "fragment " + id,
			Kind:           domain.FragmentGeneral,
		})
	}
	return p
}

func newTestScheduler(t *testing.T, caller ProviderCaller, cfg Config) *Scheduler {
	if cfg.FragmentTimeout == 0 {
		cfg.FragmentTimeout = 200 * time.Millisecond
	}
	if cfg.TotalDeadline == 0 {
		cfg.TotalDeadline = time.Second
	}
	s := NewScheduler(caller, clock.New(), cfg, zaptest.NewLogger(t))
	s.jitter = func(time.Duration) time.Duration { return 0 }
	return s
}

func TestDispatch_AllOK(t *testing.T) {
	caller := &scriptedCaller{}
	s := newTestScheduler(t, caller, Config{MaxInFlight: 4})

	p := testPlan("f1", "f2", "f3")
	assignments := []provider.Assignment{
		{FragmentID: "f1", ProviderID: "a", Ranked: []string{"a"}},
		{FragmentID: "f2", ProviderID: "b", Ranked: []string{"b"}},
		{FragmentID: "f3", ProviderID: "a", Ranked: []string{"a"}},
	}

	results := s.Dispatch(context.Background(), p, assignments, nil)
	require.Len(t, results, 3)
	for i, res := range results {
		assert.Equal(t, assignments[i].FragmentID, res.FragmentID)
		assert.Equal(t, domain.StatusOK, res.Status)
		assert.Equal(t, "answer to fragment "+res.FragmentID, res.ResponseText)
		assert.Equal(t, 1, res.Attempts)
	}
}

func TestDispatch_TimeoutNotRetriedOnSameProvider(t *testing.T) {
	caller := &scriptedCaller{hang: map[string]bool{"slow": true}}
	s := newTestScheduler(t, caller, Config{
		MaxInFlight:     2,
		FragmentTimeout: 50 * time.Millisecond,
		Retries:         2,
	})

	results := s.Dispatch(context.Background(), testPlan("f1"), []provider.Assignment{
		{FragmentID: "f1", ProviderID: "slow", Ranked: []string{"slow"}},
	}, nil)

	require.Len(t, results, 1)
	assert.Equal(t, domain.StatusTimeout, results[0].Status)
	assert.Equal(t, 1, results[0].Attempts)
}

func TestDispatch_TimeoutRetriesOnceOnAlternate(t *testing.T) {
	caller := &scriptedCaller{hang: map[string]bool{"slow": true}}
	s := newTestScheduler(t, caller, Config{
		MaxInFlight:            2,
		FragmentTimeout:        50 * time.Millisecond,
		Retries:                2,
		RetryAlternateProvider: true,
	})

	results := s.Dispatch(context.Background(), testPlan("f1"), []provider.Assignment{
		{FragmentID: "f1", ProviderID: "slow", Ranked: []string{"slow", "fast"}},
	}, nil)

	require.Len(t, results, 1)
	assert.Equal(t, domain.StatusOK, results[0].Status)
	assert.Equal(t, "fast", results[0].ProviderID)
	assert.Equal(t, 2, results[0].Attempts)
}

func TestDispatch_ProviderErrorRetriedWithBackoff(t *testing.T) {
	caller := &scriptedCaller{fail: map[string]int{"flaky": 2}}
	s := newTestScheduler(t, caller, Config{MaxInFlight: 2, Retries: 2})

	var phases []domain.DispatchPhase
	var mu sync.Mutex
	results := s.Dispatch(context.Background(), testPlan("f1"), []provider.Assignment{
		{FragmentID: "f1", ProviderID: "flaky", Ranked: []string{"flaky"}},
	}, func(_, _ string, phase domain.DispatchPhase) {
		mu.Lock()
		phases = append(phases, phase)
		mu.Unlock()
	})

	require.Len(t, results, 1)
	assert.Equal(t, domain.StatusOK, results[0].Status)
	assert.Equal(t, 3, results[0].Attempts)
	assert.Equal(t, []domain.DispatchPhase{
		domain.PhaseStarted, domain.PhaseRetrying,
		domain.PhaseStarted, domain.PhaseRetrying,
		domain.PhaseStarted, domain.PhaseCompleted,
	}, phases)
}

func TestDispatch_ProviderErrorExhaustsRetries(t *testing.T) {
	caller := &scriptedCaller{fail: map[string]int{"flaky": 10}}
	s := newTestScheduler(t, caller, Config{MaxInFlight: 2, Retries: 2})

	results := s.Dispatch(context.Background(), testPlan("f1"), []provider.Assignment{
		{FragmentID: "f1", ProviderID: "flaky", Ranked: []string{"flaky"}},
	}, nil)

	require.Len(t, results, 1)
	assert.Equal(t, domain.StatusProviderError, results[0].Status)
	assert.Equal(t, 3, results[0].Attempts)
	assert.Contains(t, results[0].Error, "upstream 500")
}

func TestDispatch_RetryMovesToAlternateProvider(t *testing.T) {
	caller := &scriptedCaller{fail: map[string]int{"flaky": 5}}
	s := newTestScheduler(t, caller, Config{
		MaxInFlight:            2,
		Retries:                2,
		RetryAlternateProvider: true,
	})

	results := s.Dispatch(context.Background(), testPlan("f1"), []provider.Assignment{
		{FragmentID: "f1", ProviderID: "flaky", Ranked: []string{"flaky", "backup"}},
	}, nil)

	require.Len(t, results, 1)
	assert.Equal(t, domain.StatusOK, results[0].Status)
	assert.Equal(t, "backup", results[0].ProviderID)
}

func TestDispatch_OverallDeadlineCancelsRemaining(t *testing.T) {
	caller := &scriptedCaller{hang: map[string]bool{"slow1": true, "slow2": true}}
	s := newTestScheduler(t, caller, Config{
		MaxInFlight:     1, // serialize so f2 never starts before the deadline
		FragmentTimeout: time.Second,
		TotalDeadline:   60 * time.Millisecond,
	})

	results := s.Dispatch(context.Background(), testPlan("f1", "f2"), []provider.Assignment{
		{FragmentID: "f1", ProviderID: "slow1", Ranked: []string{"slow1"}},
		{FragmentID: "f2", ProviderID: "slow2", Ranked: []string{"slow2"}},
	}, nil)

	require.Len(t, results, 2)
	assert.Equal(t, domain.StatusCanceled, results[0].Status)
	assert.Equal(t, domain.StatusCanceled, results[1].Status)
}

func TestDispatch_ExternalCancellation(t *testing.T) {
	caller := &scriptedCaller{hang: map[string]bool{"slow": true}}
	s := newTestScheduler(t, caller, Config{MaxInFlight: 2, FragmentTimeout: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	results := s.Dispatch(ctx, testPlan("f1"), []provider.Assignment{
		{FragmentID: "f1", ProviderID: "slow", Ranked: []string{"slow"}},
	}, nil)

	require.Len(t, results, 1)
	assert.Equal(t, domain.StatusCanceled, results[0].Status)
}

func TestDispatch_BoundedConcurrency(t *testing.T) {
	var mu sync.Mutex
	inFlight, peak := 0, 0

	caller := callerFunc(func(ctx context.Context, providerID, prompt string, _ provider.GenerateOptions) (provider.Generation, error) {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return provider.Generation{Text: "ok"}, nil
	})
	s := newTestScheduler(t, caller, Config{MaxInFlight: 2})

	var assignments []provider.Assignment
	ids := []string{"f1", "f2", "f3", "f4", "f5", "f6"}
	for _, id := range ids {
		assignments = append(assignments, provider.Assignment{FragmentID: id, ProviderID: "p", Ranked: []string{"p"}})
	}

	results := s.Dispatch(context.Background(), testPlan(ids...), assignments, nil)
	require.Len(t, results, len(ids))
	assert.LessOrEqual(t, peak, 2)
	for _, res := range results {
		assert.Equal(t, domain.StatusOK, res.Status)
	}
}

type callerFunc func(ctx context.Context, providerID, prompt string, opts provider.GenerateOptions) (provider.Generation, error)

func (f callerFunc) Generate(ctx context.Context, providerID, prompt string, opts provider.GenerateOptions) (provider.Generation, error) {
	return f(ctx, providerID, prompt, opts)
}

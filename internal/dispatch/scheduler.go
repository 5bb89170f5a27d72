// Package dispatch executes a plan's provider calls concurrently with
// per-fragment and overall deadlines, retry with jittered backoff, and
// partial-result collection.
package dispatch

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/arc-self/apps/fragment-service/internal/clock"
	"github.com/arc-self/apps/fragment-service/internal/domain"
	"github.com/arc-self/apps/fragment-service/internal/provider"
)

// backoffBase is the first retry delay; each further retry doubles it.
const backoffBase = 200 * time.Millisecond

// ProviderCaller is the slice of the registry the scheduler needs.
type ProviderCaller interface {
	Generate(ctx context.Context, providerID, prompt string, opts provider.GenerateOptions) (provider.Generation, error)
}

// ProgressFunc receives per-fragment phase transitions for the progress bus.
type ProgressFunc func(fragmentID, providerID string, phase domain.DispatchPhase)

// Config bounds one dispatch run.
type Config struct {
	MaxInFlight            int
	FragmentTimeout        time.Duration
	TotalDeadline          time.Duration
	Retries                int
	RetryAlternateProvider bool
}

// Scheduler fans a plan's fragments out to their assigned providers.
type Scheduler struct {
	caller ProviderCaller
	clock  clock.Clock
	cfg    Config
	logger *zap.Logger
	// jitter perturbs a backoff delay; swapped for identity in tests.
	jitter func(time.Duration) time.Duration
}

// NewScheduler constructs a Scheduler.
func NewScheduler(caller ProviderCaller, clk clock.Clock, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 8
	}
	return &Scheduler{
		caller: caller,
		clock:  clk,
		cfg:    cfg,
		logger: logger,
		jitter: defaultJitter,
	}
}

// defaultJitter spreads a delay by ±20%.
func defaultJitter(d time.Duration) time.Duration {
	f := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * f)
}

// Dispatch runs every fragment's call concurrently, bounded by MaxInFlight,
// and returns once all fragments are terminal or the overall deadline
// fires. Fragments never wait on each other; completion order is free.
// Cancellation of ctx propagates to every outstanding call.
func (s *Scheduler) Dispatch(ctx context.Context, p domain.FragmentationPlan, assignments []provider.Assignment, onProgress ProgressFunc) []domain.FragmentResult {
	if onProgress == nil {
		onProgress = func(string, string, domain.DispatchPhase) {}
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.TotalDeadline)
	defer cancel()

	fragByID := make(map[string]domain.FragmentSpec, len(p.Fragments))
	for _, f := range p.Fragments {
		fragByID[f.ID] = f
	}

	results := make([]domain.FragmentResult, len(assignments))
	g := new(errgroup.Group)
	g.SetLimit(s.cfg.MaxInFlight)
	for i := range assignments {
		g.Go(func() error {
			a := assignments[i]
			if ctx.Err() != nil {
				// Overall deadline or cancellation fired before this
				// fragment ever started.
				results[i] = domain.FragmentResult{
					FragmentID: a.FragmentID,
					ProviderID: a.ProviderID,
					Status:     domain.StatusCanceled,
					Error:      ctx.Err().Error(),
				}
				onProgress(a.FragmentID, a.ProviderID, domain.PhaseFailed)
				return nil
			}
			results[i] = s.runFragment(ctx, fragByID[a.FragmentID], a, onProgress)
			return nil
		})
	}
	g.Wait() //nolint:errcheck // fragment goroutines never return errors
	return results
}

// runFragment drives one fragment through its state machine:
// PENDING → IN_FLIGHT → {OK | RETRYING → IN_FLIGHT | PROVIDER_ERROR | TIMEOUT | CANCELED}.
func (s *Scheduler) runFragment(ctx context.Context, frag domain.FragmentSpec, a provider.Assignment, onProgress ProgressFunc) domain.FragmentResult {
	providerID := a.ProviderID
	tried := map[string]bool{}
	attempts := 0
	retries := 0
	alternateUsed := false

	for {
		attempts++
		tried[providerID] = true
		onProgress(frag.ID, providerID, domain.PhaseStarted)

		start := s.clock.Now()
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.FragmentTimeout)
		gen, err := s.caller.Generate(callCtx, providerID, frag.AnonymizedText, provider.GenerateOptions{})
		cancel()
		latency := s.clock.Now().Sub(start)

		if err == nil {
			onProgress(frag.ID, providerID, domain.PhaseCompleted)
			return domain.FragmentResult{
				FragmentID:   frag.ID,
				ProviderID:   providerID,
				Status:       domain.StatusOK,
				ResponseText: gen.Text,
				TokensIn:     gen.TokensIn,
				TokensOut:    gen.TokensOut,
				Latency:      latency,
				Cost:         gen.Cost,
				Attempts:     attempts,
			}
		}

		// Overall cancellation (client hang-up or total deadline) wins
		// over every other classification.
		if ctx.Err() != nil {
			onProgress(frag.ID, providerID, domain.PhaseFailed)
			return domain.FragmentResult{
				FragmentID: frag.ID,
				ProviderID: providerID,
				Status:     domain.StatusCanceled,
				Latency:    latency,
				Attempts:   attempts,
				Error:      ctx.Err().Error(),
			}
		}

		if errors.Is(err, context.DeadlineExceeded) {
			// Per-fragment timeout. Same-provider retry is pointless, but
			// one alternate-provider attempt is allowed when configured.
			if s.cfg.RetryAlternateProvider && !alternateUsed {
				if alt, ok := nextProvider(a.Ranked, tried); ok {
					alternateUsed = true
					s.logger.Warn("fragment timed out, retrying on alternate provider",
						zap.String("fragment_id", frag.ID),
						zap.String("provider_id", providerID),
						zap.String("alternate_id", alt),
					)
					onProgress(frag.ID, providerID, domain.PhaseRetrying)
					providerID = alt
					continue
				}
			}
			onProgress(frag.ID, providerID, domain.PhaseFailed)
			return domain.FragmentResult{
				FragmentID: frag.ID,
				ProviderID: providerID,
				Status:     domain.StatusTimeout,
				Latency:    latency,
				Attempts:   attempts,
				Error:      "fragment timeout",
			}
		}

		// Provider error: retry with exponential backoff until the budget
		// is exhausted.
		if retries < s.cfg.Retries {
			retries++
			delay := s.jitter(backoffBase * (1 << (retries - 1)))
			s.logger.Warn("provider call failed, retrying",
				zap.String("fragment_id", frag.ID),
				zap.String("provider_id", providerID),
				zap.Int("retry", retries),
				zap.Duration("backoff", delay),
				zap.Error(err),
			)
			onProgress(frag.ID, providerID, domain.PhaseRetrying)
			if sleepErr := s.clock.Sleep(ctx, delay); sleepErr != nil {
				onProgress(frag.ID, providerID, domain.PhaseFailed)
				return domain.FragmentResult{
					FragmentID: frag.ID,
					ProviderID: providerID,
					Status:     domain.StatusCanceled,
					Attempts:   attempts,
					Error:      sleepErr.Error(),
				}
			}
			if s.cfg.RetryAlternateProvider {
				if alt, ok := nextProvider(a.Ranked, tried); ok {
					providerID = alt
				}
			}
			continue
		}

		onProgress(frag.ID, providerID, domain.PhaseFailed)
		return domain.FragmentResult{
			FragmentID: frag.ID,
			ProviderID: providerID,
			Status:     domain.StatusProviderError,
			Latency:    latency,
			Attempts:   attempts,
			Error:      err.Error(),
		}
	}
}

// nextProvider returns the best-ranked provider not yet tried.
func nextProvider(ranked []string, tried map[string]bool) (string, bool) {
	for _, id := range ranked {
		if !tried[id] {
			return id, true
		}
	}
	return "", false
}

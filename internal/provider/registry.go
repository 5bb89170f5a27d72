package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/arc-self/apps/fragment-service/internal/clock"
	"github.com/arc-self/apps/fragment-service/internal/domain"
)

// ewmaAlpha is the smoothing factor for the rolling latency/cost stats.
const ewmaAlpha = 0.2

// breakerTrip is the consecutive-failure count that opens a provider's
// circuit breaker.
const breakerTrip = 3

// Registry is the process-wide provider table. Request-time readers get an
// immutable snapshot; mutation happens only through call outcomes and the
// single health-probe loop.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	clock   clock.Clock
	logger  *zap.Logger
}

type entry struct {
	info    domain.ProviderInfo
	client  Client
	breaker *gobreaker.CircuitBreaker
}

// ClientFactory builds the Client for one provider config. Tests swap in
// stubs here.
type ClientFactory func(Config) Client

// NewRegistry seeds the registry from configuration. Every provider starts
// healthy; the probe loop and call outcomes adjust from there.
func NewRegistry(cfgs []Config, factory ClientFactory, clk clock.Clock, logger *zap.Logger) *Registry {
	r := &Registry{
		entries: make(map[string]*entry, len(cfgs)),
		clock:   clk,
		logger:  logger,
	}
	for _, cfg := range cfgs {
		weight := cfg.Weight
		if weight <= 0 {
			weight = 0.5
		}
		r.entries[cfg.ID] = &entry{
			info: domain.ProviderInfo{
				ID:           cfg.ID,
				Capabilities: append([]string(nil), cfg.Capabilities...),
				Healthy:      true,
				RollingCost:  cfg.CostPer1K,
				Weight:       weight,
			},
			client: factory(cfg),
			breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
				Name:    cfg.ID,
				Timeout: 30 * time.Second,
				ReadyToTrip: func(counts gobreaker.Counts) bool {
					return counts.ConsecutiveFailures >= breakerTrip
				},
			}),
		}
	}
	return r
}

// Snapshot returns a stable, id-sorted copy of every provider's state.
func (r *Registry) Snapshot() []domain.ProviderInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.ProviderInfo, 0, len(r.entries))
	for _, e := range r.entries {
		info := e.info
		info.Capabilities = append([]string(nil), e.info.Capabilities...)
		if e.breaker.State() == gobreaker.StateOpen {
			info.Healthy = false
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Generate executes one call through the provider's circuit breaker and
// feeds the outcome back into the rolling stats.
func (r *Registry) Generate(ctx context.Context, providerID, prompt string, opts GenerateOptions) (Generation, error) {
	r.mu.RLock()
	e, ok := r.entries[providerID]
	r.mu.RUnlock()
	if !ok {
		return Generation{}, fmt.Errorf("%w: unknown provider %q", domain.ErrNoProviderAvailable, providerID)
	}

	start := r.clock.Now()
	res, err := e.breaker.Execute(func() (interface{}, error) {
		return e.client.Generate(ctx, prompt, opts)
	})
	elapsed := r.clock.Now().Sub(start)

	if err != nil {
		// Context cancellation is the caller's deadline, not provider
		// misbehavior; it still counts toward the breaker but the health
		// flag is only cleared by the probe or an open breaker.
		r.recordFailure(providerID)
		return Generation{}, err
	}

	gen := res.(Generation)
	r.recordSuccess(providerID, elapsed, gen.Cost)
	return gen, nil
}

// Ping checks one provider's endpoint directly, bypassing the breaker.
func (r *Registry) Ping(ctx context.Context, providerID string) error {
	r.mu.RLock()
	e, ok := r.entries[providerID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown provider %q", providerID)
	}
	return e.client.Ping(ctx)
}

func (r *Registry) recordSuccess(id string, latency time.Duration, cost float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return
	}
	e.info.Healthy = true
	e.info.ConsecutiveFailures = 0
	if e.info.RollingLatency == 0 {
		e.info.RollingLatency = latency
	} else {
		e.info.RollingLatency = time.Duration(float64(e.info.RollingLatency)*(1-ewmaAlpha) + float64(latency)*ewmaAlpha)
	}
	if cost > 0 {
		e.info.RollingCost = e.info.RollingCost*(1-ewmaAlpha) + cost*ewmaAlpha
	}
}

func (r *Registry) recordFailure(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return
	}
	e.info.ConsecutiveFailures++
}

// SetHealthy overrides one provider's health flag. Used by the probe loop
// and by tests building specific registry states.
func (r *Registry) SetHealthy(id string, healthy bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		e.info.Healthy = healthy
		if healthy {
			e.info.ConsecutiveFailures = 0
		}
	}
}

// LeastUnhealthy returns the provider with the fewest consecutive failures,
// ties broken by id. Used for the PASS_THROUGH fallback when the router
// reports no healthy provider.
func (r *Registry) LeastUnhealthy() (domain.ProviderInfo, bool) {
	snap := r.Snapshot()
	if len(snap) == 0 {
		return domain.ProviderInfo{}, false
	}
	best := snap[0]
	for _, p := range snap[1:] {
		if p.ConsecutiveFailures < best.ConsecutiveFailures {
			best = p
		}
	}
	return best, true
}

// RunHealthProbe pings every provider once per interval and updates health
// flags. Blocks until ctx is canceled; run it in a goroutine alongside the
// HTTP server.
func (r *Registry) RunHealthProbe(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("provider health probe started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("provider health probe stopping")
			return
		case <-ticker.C:
			r.probe(ctx)
		}
	}
}

func (r *Registry) probe(ctx context.Context) {
	for _, info := range r.Snapshot() {
		err := r.Ping(ctx, info.ID)
		healthy := err == nil
		r.SetHealthy(info.ID, healthy)
		if !healthy {
			r.logger.Warn("provider unhealthy",
				zap.String("provider_id", info.ID),
				zap.Error(err),
			)
		}
	}
}

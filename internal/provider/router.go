package provider

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/arc-self/apps/fragment-service/internal/domain"
	"github.com/arc-self/apps/fragment-service/internal/plan"
)

// Routing score weights: capability priority, cost, latency.
const (
	weightPriority = 0.5
	weightCost     = 0.3
	weightLatency  = 0.2
)

// Assignment binds one fragment to a provider, with the full ranking kept
// for alternate-provider retries.
type Assignment struct {
	FragmentID string
	ProviderID string
	// Ranked lists candidate provider ids best-first, including the
	// assigned one.
	Ranked []string
}

// Router assigns each fragment of a plan to one provider.
type Router struct {
	logger *zap.Logger
}

// NewRouter constructs a Router.
func NewRouter(logger *zap.Logger) *Router {
	return &Router{logger: logger}
}

// Route assigns providers to every fragment. sensitive marks plans whose
// query scored at or above the isolation threshold; for those the
// assignment must spread across at least policy.MinProvidersForSensitive
// distinct providers when that many are healthy. Returns
// ErrNoProviderAvailable only when no provider is healthy at all.
func (r *Router) Route(p domain.FragmentationPlan, providers []domain.ProviderInfo, policy domain.Policy, sensitive bool) ([]Assignment, error) {
	healthy := make([]domain.ProviderInfo, 0, len(providers))
	for _, prov := range providers {
		if prov.Healthy {
			healthy = append(healthy, prov)
		}
	}
	if len(healthy) == 0 {
		return nil, fmt.Errorf("%w: all providers unhealthy", domain.ErrNoProviderAvailable)
	}

	assignments := make([]Assignment, len(p.Fragments))
	scores := make([]float64, len(p.Fragments))
	for i, frag := range p.Fragments {
		ranked := rank(frag.Kind, healthy)
		assignments[i] = Assignment{
			FragmentID: frag.ID,
			ProviderID: ranked[0].id,
			Ranked:     ids(ranked),
		}
		scores[i] = ranked[0].score
	}

	if sensitive {
		r.spread(assignments, scores, policy.MinProvidersForSensitive)
	}

	for _, a := range assignments {
		r.logger.Debug("fragment routed",
			zap.String("fragment_id", a.FragmentID),
			zap.String("provider_id", a.ProviderID),
		)
	}
	return assignments, nil
}

type ranked struct {
	id    string
	score float64
}

func ids(rs []ranked) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.id
	}
	return out
}

// rank filters healthy providers by the fragment kind's capability and
// orders them by score, ties broken by id for stability. When no provider
// carries the capability, the filter relaxes to every healthy provider so a
// degraded deployment still makes progress.
func rank(kind domain.FragmentKind, healthy []domain.ProviderInfo) []ranked {
	want := plan.PrimaryCapability(kind)
	candidates := make([]domain.ProviderInfo, 0, len(healthy))
	for _, p := range healthy {
		if p.HasCapability(want) {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		candidates = healthy
	}

	maxCost, maxLatency := norms(candidates)
	out := make([]ranked, 0, len(candidates))
	for _, p := range candidates {
		var normCost, normLatency float64
		if maxCost > 0 {
			normCost = p.RollingCost / maxCost
		}
		if maxLatency > 0 {
			normLatency = float64(p.RollingLatency) / maxLatency
		}
		score := weightPriority*priorityForKind(p, kind) +
			weightCost*(1-normCost) +
			weightLatency*(1-normLatency)
		out = append(out, ranked{id: p.ID, score: score})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].id < out[j].id
	})
	return out
}

func norms(providers []domain.ProviderInfo) (maxCost, maxLatency float64) {
	for _, p := range providers {
		if p.RollingCost > maxCost {
			maxCost = p.RollingCost
		}
		if l := float64(p.RollingLatency); l > maxLatency {
			maxLatency = l
		}
	}
	return maxCost, maxLatency
}

// priorityForKind scores how well a provider's capability set matches the
// fragment kind. Matching the primary capability scores 1.0; general
// fragments additionally prefer providers tagged cheap.
func priorityForKind(p domain.ProviderInfo, kind domain.FragmentKind) float64 {
	switch kind {
	case domain.FragmentCode:
		if p.HasCapability(domain.CapCode) {
			return 1.0
		}
		return 0.4
	case domain.FragmentPIIBearing:
		if p.HasCapability(domain.CapSensitive) {
			return 1.0
		}
		return 0.4
	default:
		if !p.HasCapability(domain.CapGeneral) {
			return 0.4
		}
		if p.HasCapability(domain.CapCheap) {
			return 1.0
		}
		return 0.8
	}
}

// spread reassigns colliding fragments until the distinct-provider count
// reaches min or no distinct alternative remains. The lowest-ranked
// collision moves to its next-best unused provider, so the best assignments
// keep their first choice.
func (r *Router) spread(assignments []Assignment, scores []float64, min int) {
	for distinctCount(assignments) < min {
		used := make(map[string]int)
		for _, a := range assignments {
			used[a.ProviderID]++
		}

		// Lowest-ranked fragment whose provider also serves another.
		idx := -1
		for i, a := range assignments {
			if used[a.ProviderID] < 2 {
				continue
			}
			if idx < 0 || scores[i] < scores[idx] {
				idx = i
			}
		}
		if idx < 0 {
			return
		}

		moved := false
		for _, candidate := range assignments[idx].Ranked {
			if used[candidate] == 0 {
				assignments[idx].ProviderID = candidate
				moved = true
				break
			}
		}
		if !moved {
			return
		}
	}
}

func distinctCount(assignments []Assignment) int {
	seen := make(map[string]bool)
	for _, a := range assignments {
		seen[a.ProviderID] = true
	}
	return len(seen)
}

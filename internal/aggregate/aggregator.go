// Package aggregate recombines per-fragment provider responses into one
// restored answer, scoring each piece with a composite confidence and
// flagging privacy leaks and unresolved placeholders.
package aggregate

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/arc-self/apps/fragment-service/internal/anonymize"
	"github.com/arc-self/apps/fragment-service/internal/domain"
	"github.com/arc-self/apps/fragment-service/internal/plan"
)

// Composite confidence weights. They sum to 1.
const (
	weightProvider   = 0.3
	weightLength     = 0.2
	weightDirectness = 0.2
	weightTypeMatch  = 0.2
	weightLatency    = 0.1
)

// lengthNorm is the response length (in bytes) that earns the full length
// component.
const lengthNorm = 1200

// Overlap pruning thresholds for adjacent fragments: drop the weaker piece
// only when confidences clearly differ and the token sets mostly coincide.
const (
	overlapConfidenceDelta = 0.15
	overlapJaccard         = 0.7
)

// refusalMarkers downgrade the directness component when a response opens
// with an apology or refusal instead of an answer.
var refusalMarkers = []string{
	"i'm sorry",
	"i am sorry",
	"i apologize",
	"i cannot help",
	"i can't help",
	"i cannot assist",
	"as an ai",
	"as a language model",
}

// Aggregator merges dispatch results back into a single response.
type Aggregator struct {
	fragmentTimeout time.Duration
	logger          *zap.Logger
}

// NewAggregator constructs an Aggregator. fragmentTimeout normalizes the
// latency component of the confidence score.
func NewAggregator(fragmentTimeout time.Duration, logger *zap.Logger) *Aggregator {
	return &Aggregator{fragmentTimeout: fragmentTimeout, logger: logger}
}

// Aggregate merges the OK results in plan order, restores the entity map,
// and computes the privacy and quality scores. Non-OK fragments are skipped
// and surface as diagnostics; zero OK fragments is ErrAggregationEmpty.
// providers is a registry snapshot supplying the static weights and the
// capability sets behind the type-match component.
func (a *Aggregator) Aggregate(p domain.FragmentationPlan, results []domain.FragmentResult, providers []domain.ProviderInfo) (domain.AggregatedResponse, error) {
	byProvider := make(map[string]domain.ProviderInfo, len(providers))
	for _, prov := range providers {
		byProvider[prov.ID] = prov
	}

	byFragment := make(map[string]*domain.FragmentResult, len(results))
	scored := make([]domain.FragmentResult, len(results))
	copy(scored, results)
	for i := range scored {
		byFragment[scored[i].FragmentID] = &scored[i]
	}

	var diagnostics []string
	var parts []part
	var totalCost float64
	var totalLatency time.Duration

	for _, frag := range p.Fragments {
		res, ok := byFragment[frag.ID]
		if !ok {
			diagnostics = append(diagnostics, fmt.Sprintf("fragment %s: no result", frag.ID))
			continue
		}
		totalCost += res.Cost
		if res.Latency > totalLatency {
			totalLatency = res.Latency
		}
		if res.Status != domain.StatusOK {
			diagnostics = append(diagnostics, fmt.Sprintf("fragment %s: %s", frag.ID, res.Status))
			continue
		}
		res.Confidence = a.confidence(frag, *res, byProvider[res.ProviderID])
		parts = append(parts, part{frag: frag, res: res})
	}

	if len(parts) == 0 {
		return domain.AggregatedResponse{}, fmt.Errorf("%w: 0 of %d fragments succeeded", domain.ErrAggregationEmpty, len(p.Fragments))
	}

	parts, dropped := pruneOverlaps(parts)
	for _, d := range dropped {
		diagnostics = append(diagnostics, fmt.Sprintf("fragment %s: dropped, near-duplicate of higher-confidence neighbor", d))
	}

	pieces := make([]string, len(parts))
	for i, pt := range parts {
		pieces[i] = strings.TrimSpace(pt.res.ResponseText)
	}
	merged := strings.Join(pieces, "\n\n")

	privacy := privacyScore(merged, p.EntityMap)
	final := anonymize.Restore(merged, p.EntityMap)

	for _, ph := range anonymize.UnmatchedPlaceholders(final, p.EntityMap) {
		diagnostics = append(diagnostics, fmt.Sprintf("placeholder %s unresolved", ph))
	}

	quality := qualityScore(parts)

	a.logger.Debug("responses aggregated",
		zap.Int("fragments", len(p.Fragments)),
		zap.Int("merged", len(parts)),
		zap.Float64("privacy_score", privacy),
		zap.Float64("quality_score", quality),
	)

	return domain.AggregatedResponse{
		FinalText:    final,
		PrivacyScore: privacy,
		QualityScore: quality,
		TotalCost:    totalCost,
		TotalLatency: totalLatency,
		PerFragment:  scored,
		PerProvider:  providerUsage(scored),
		Diagnostics:  diagnostics,
	}, nil
}

type part struct {
	frag domain.FragmentSpec
	res  *domain.FragmentResult
}

// confidence is the composite per-fragment score:
// provider weight, response length, directness, kind match, latency.
func (a *Aggregator) confidence(frag domain.FragmentSpec, res domain.FragmentResult, prov domain.ProviderInfo) float64 {
	lengthScore := float64(len(res.ResponseText)) / lengthNorm
	if lengthScore > 1 {
		lengthScore = 1
	}

	directness := 1.0
	lower := strings.ToLower(res.ResponseText)
	for _, marker := range refusalMarkers {
		if strings.Contains(lower, marker) {
			directness = 0
			break
		}
	}

	latencyScore := 1.0
	if a.fragmentTimeout > 0 {
		latencyScore = 1 - float64(res.Latency)/float64(a.fragmentTimeout)
		if latencyScore < 0 {
			latencyScore = 0
		}
	}

	score := weightProvider*prov.Weight +
		weightLength*lengthScore +
		weightDirectness*directness +
		weightTypeMatch*typeMatch(frag.Kind, prov) +
		weightLatency*latencyScore
	return domain.Clamp01(score)
}

// typeMatch scores whether the handling provider was equipped for the
// fragment kind. A code fragment answered by a provider without the code
// capability (possible after router relaxation or degrade) is discounted.
func typeMatch(kind domain.FragmentKind, prov domain.ProviderInfo) float64 {
	if prov.HasCapability(plan.PrimaryCapability(kind)) {
		return 1.0
	}
	return 0.6
}

// pruneOverlaps walks adjacent merged parts and drops the lower-confidence
// one when the pair is a near-duplicate. Returns the surviving parts and the
// ids of dropped fragments.
func pruneOverlaps(parts []part) ([]part, []string) {
	if len(parts) < 2 {
		return parts, nil
	}
	var dropped []string
	out := parts[:1]
	for _, next := range parts[1:] {
		prev := out[len(out)-1]
		delta := prev.res.Confidence - next.res.Confidence
		if delta < 0 {
			delta = -delta
		}
		if delta > overlapConfidenceDelta && jaccard(prev.res.ResponseText, next.res.ResponseText) > overlapJaccard {
			if next.res.Confidence > prev.res.Confidence {
				dropped = append(dropped, prev.frag.ID)
				out[len(out)-1] = next
			} else {
				dropped = append(dropped, next.frag.ID)
			}
			continue
		}
		out = append(out, next)
	}
	return out, dropped
}

// jaccard computes token-set overlap between two texts, case-folded.
func jaccard(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	inter := 0
	for tok := range setA {
		if setB[tok] {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	return float64(inter) / float64(union)
}

func tokenSet(s string) map[string]bool {
	out := make(map[string]bool)
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		out[strings.Trim(tok, ".,;:!?\"'()")] = true
	}
	delete(out, "")
	return out
}

// privacyScore measures leakage of original entity text in the merged
// response before restoration. Providers only ever see placeholders, so an
// original surfacing here means the entity escaped anonymization. The score
// is 1 minus the character-weighted fraction of mapped entities that leaked.
func privacyScore(preRestoration string, m *domain.EntityMap) float64 {
	if m.Len() == 0 {
		return 1.0
	}
	leaked, total := 0, 0
	for _, ph := range m.Order {
		orig := m.Inverse[ph]
		total += len(orig)
		if strings.Contains(preRestoration, orig) {
			leaked += len(orig)
		}
	}
	if total == 0 {
		return 1.0
	}
	return domain.Clamp01(1 - float64(leaked)/float64(total))
}

// qualityScore is the mean confidence over the merged OK results.
func qualityScore(parts []part) float64 {
	if len(parts) == 0 {
		return 0
	}
	var sum float64
	for _, pt := range parts {
		sum += pt.res.Confidence
	}
	return domain.Clamp01(sum / float64(len(parts)))
}

// providerUsage counts fragments handled per provider, id-sorted.
func providerUsage(results []domain.FragmentResult) []domain.ProviderUsage {
	counts := make(map[string]int)
	for _, r := range results {
		if r.ProviderID != "" {
			counts[r.ProviderID]++
		}
	}
	ids := make([]string, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]domain.ProviderUsage, len(ids))
	for i, id := range ids {
		out[i] = domain.ProviderUsage{ProviderID: id, FragmentsHandled: counts[id]}
	}
	return out
}

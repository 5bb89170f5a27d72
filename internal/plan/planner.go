// Package plan implements the fragmentation planner: strategy selection and
// the decomposition of an anonymized query into provider-ready fragments.
package plan

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/arc-self/apps/fragment-service/internal/anonymize"
	"github.com/arc-self/apps/fragment-service/internal/domain"
)

// Planner turns a query plus its detection report into a FragmentationPlan.
// Plan is pure: given the same query, report, policy, and provider snapshot
// it always returns the same plan.
type Planner struct {
	defaults domain.Policy
	logger   *zap.Logger
}

// NewPlanner constructs a Planner with process-wide policy defaults.
func NewPlanner(defaults domain.Policy, logger *zap.Logger) *Planner {
	return &Planner{defaults: defaults, logger: logger}
}

// strategy-selection thresholds per privacy level. passBelow is the
// sensitivity under which an entity-free query passes through untouched;
// isolateAt is the sensitivity at which PII-only queries get isolation.
type thresholds struct {
	passBelow float64
	isolateAt float64
}

func levelThresholds(level domain.PrivacyLevel) thresholds {
	switch level {
	case domain.PrivacyLow:
		return thresholds{passBelow: 0.3, isolateAt: 0.7}
	case domain.PrivacyHigh:
		return thresholds{passBelow: 0.1, isolateAt: 0.3}
	default:
		return thresholds{passBelow: 0.2, isolateAt: 0.5}
	}
}

// Plan builds the fragmentation plan. providers is a read-only registry
// snapshot used only to fill recommendedProviders; assignment happens later
// in the router.
func (p *Planner) Plan(query string, report domain.DetectionReport, policy domain.Policy, providers []domain.ProviderInfo) (domain.FragmentationPlan, error) {
	if strings.TrimSpace(query) == "" {
		return domain.FragmentationPlan{}, fmt.Errorf("%w: empty query", domain.ErrPlanUnfeasible)
	}
	policy = p.normalize(policy)

	strat := selectStrategy(report, levelThresholds(policy.PrivacyLevel))

	if strat == domain.StrategyPassThrough {
		plan := domain.FragmentationPlan{
			Strategy:  strat,
			EntityMap: domain.NewEntityMap(),
			Fragments: []domain.FragmentSpec{{
				ID:             "f1",
				AnonymizedText: query,
				Kind:           domain.FragmentGeneral,
			}},
		}
		p.recommend(&plan, providers)
		return plan, nil
	}

	entityMap := anonymize.BuildEntityMap(report)
	fragments := p.fragment(query, report, strat, policy, entityMap)
	fragments = clampFragments(fragments, policy.MaxFragments)
	for i := range fragments {
		fragments[i].ID = fmt.Sprintf("f%d", i+1)
	}

	plan := domain.FragmentationPlan{
		Strategy:  strat,
		Fragments: fragments,
		EntityMap: entityMap,
	}
	p.recommend(&plan, providers)

	p.logger.Debug("plan built",
		zap.String("strategy", string(strat)),
		zap.Int("fragments", len(fragments)),
		zap.Int("entities", entityMap.Len()),
	)
	return plan, nil
}

func (p *Planner) normalize(policy domain.Policy) domain.Policy {
	if policy.MinProvidersForSensitive <= 0 {
		policy.MinProvidersForSensitive = p.defaults.MinProvidersForSensitive
	}
	if policy.MaxFragments <= 0 {
		policy.MaxFragments = p.defaults.MaxFragments
	}
	if policy.ChunkSizeCap <= 0 {
		policy.ChunkSizeCap = p.defaults.ChunkSizeCap
	}
	if policy.PrivacyLevel == "" {
		policy.PrivacyLevel = p.defaults.PrivacyLevel
	}
	return policy
}

func selectStrategy(report domain.DetectionReport, t thresholds) domain.Strategy {
	piiPresent := len(report.PIIEntities()) > 0
	switch {
	case report.SensitivityScore < t.passBelow && !report.HasCode && !piiPresent:
		return domain.StrategyPassThrough
	case report.HasCode && piiPresent:
		return domain.StrategyHybrid
	case report.HasCode:
		return domain.StrategyCodeIsolate
	case piiPresent && report.SensitivityScore >= t.isolateAt:
		return domain.StrategyPIIIsolate
	default:
		return domain.StrategySemanticSplit
	}
}

// fragment builds the raw fragment list for a non-pass-through strategy.
// Anonymization happens first: every piece of text that reaches a fragment
// has already had its mapped spans replaced.
func (p *Planner) fragment(query string, report domain.DetectionReport, strat domain.Strategy, policy domain.Policy, m *domain.EntityMap) []domain.FragmentSpec {
	codeSpans := codeBlocks(report)
	prose, codes := splitCode(query, codeSpans)

	anonProse := anonymize.Apply(prose, m)
	sentences := SplitSentences(anonProse)

	var frags []domain.FragmentSpec
	addCode := func() {
		for _, c := range codes {
			frags = append(frags, domain.FragmentSpec{
				AnonymizedText: anonymize.Apply(c, m),
				Kind:           domain.FragmentCode,
			})
		}
	}

	switch strat {
	case domain.StrategyCodeIsolate:
		addCode()
		frags = append(frags, packSentences(sentences, policy.ChunkSizeCap, domain.FragmentGeneral)...)

	case domain.StrategyPIIIsolate:
		frags = append(frags, isolatePII(sentences, policy.ChunkSizeCap, domain.FragmentGeneral)...)

	case domain.StrategyHybrid:
		addCode()
		frags = append(frags, isolatePII(sentences, policy.ChunkSizeCap, domain.FragmentContext)...)

	default: // SEMANTIC_SPLIT
		chunk := semanticCap(anonProse, policy.ChunkSizeCap)
		frags = append(frags, packSentences(sentences, chunk, domain.FragmentGeneral)...)
	}
	return frags
}

// isolatePII gives every placeholder-bearing sentence its own PII_BEARING
// fragment and greedily packs the rest into restKind fragments.
func isolatePII(sentences []string, chunkCap int, restKind domain.FragmentKind) []domain.FragmentSpec {
	var frags []domain.FragmentSpec
	var rest []string
	for _, s := range sentences {
		if anonymize.ContainsPlaceholder(s) {
			frags = append(frags, domain.FragmentSpec{
				AnonymizedText: s,
				Kind:           domain.FragmentPIIBearing,
			})
		} else {
			rest = append(rest, s)
		}
	}
	frags = append(frags, packSentences(rest, chunkCap, restKind)...)
	return frags
}

// packSentences groups sentences greedily into fragments no longer than
// chunkCap characters. A single oversized sentence still becomes one
// fragment; sentences are never split mid-way.
func packSentences(sentences []string, chunkCap int, kind domain.FragmentKind) []domain.FragmentSpec {
	var frags []domain.FragmentSpec
	var cur strings.Builder
	flush := func() {
		if cur.Len() == 0 {
			return
		}
		frags = append(frags, domain.FragmentSpec{
			AnonymizedText: cur.String(),
			Kind:           kind,
		})
		cur.Reset()
	}
	for _, s := range sentences {
		if cur.Len() > 0 && cur.Len()+1+len(s) > chunkCap {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(s)
	}
	flush()
	return frags
}

// semanticCap shrinks the chunk cap so a short multi-sentence query still
// splits into the 2-3 fragments SEMANTIC_SPLIT targets.
func semanticCap(text string, chunkCap int) int {
	half := (len(text) + 1) / 2
	if half < 1 {
		half = 1
	}
	if half < chunkCap {
		return half
	}
	return chunkCap
}

// clampFragments enforces the maxFragments bound by merging adjacent
// fragments of the same kind from the tail. If no same-kind neighbors
// remain, the last two fragments merge regardless, keeping the earlier
// fragment's kind.
func clampFragments(frags []domain.FragmentSpec, max int) []domain.FragmentSpec {
	for len(frags) > max {
		idx := -1
		for i := len(frags) - 1; i > 0; i-- {
			if frags[i].Kind == frags[i-1].Kind {
				idx = i
				break
			}
		}
		if idx < 0 {
			idx = len(frags) - 1
		}
		frags[idx-1].AnonymizedText = frags[idx-1].AnonymizedText + "\n" + frags[idx].AnonymizedText
		frags = append(frags[:idx], frags[idx+1:]...)
	}
	return frags
}

// recommend fills each fragment's recommendedProviders with the healthy
// providers whose capabilities match its kind, ordered by id for stability.
func (p *Planner) recommend(plan *domain.FragmentationPlan, providers []domain.ProviderInfo) {
	for i := range plan.Fragments {
		want := PrimaryCapability(plan.Fragments[i].Kind)
		var ids []string
		for _, prov := range providers {
			if prov.Healthy && prov.HasCapability(want) {
				ids = append(ids, prov.ID)
			}
		}
		sort.Strings(ids)
		plan.Fragments[i].RecommendedProviders = ids
	}
}

// PrimaryCapability maps a fragment kind to the provider capability the
// router filters on.
func PrimaryCapability(kind domain.FragmentKind) string {
	switch kind {
	case domain.FragmentCode:
		return domain.CapCode
	case domain.FragmentPIIBearing:
		return domain.CapSensitive
	default:
		return domain.CapGeneral
	}
}

// codeBlocks extracts the CODE_BLOCK spans from a report, sorted by start.
func codeBlocks(report domain.DetectionReport) []domain.Entity {
	var out []domain.Entity
	for _, e := range report.Entities {
		if e.Kind == domain.KindCodeBlock {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

// splitCode removes code spans from the query, returning the remaining
// prose (joined with newlines) and the code pieces in order.
func splitCode(query string, spans []domain.Entity) (string, []string) {
	if len(spans) == 0 {
		return query, nil
	}
	var prose []string
	var codes []string
	prev := 0
	for _, s := range spans {
		if s.Start > prev {
			if piece := strings.TrimSpace(query[prev:s.Start]); piece != "" {
				prose = append(prose, piece)
			}
		}
		codes = append(codes, strings.TrimSpace(query[s.Start:s.End]))
		prev = s.End
	}
	if prev < len(query) {
		if piece := strings.TrimSpace(query[prev:]); piece != "" {
			prose = append(prose, piece)
		}
	}
	return strings.Join(prose, "\n"), codes
}

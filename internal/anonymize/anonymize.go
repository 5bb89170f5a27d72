// Package anonymize builds the per-request entity map and performs the
// reversible substitution of detected spans with semantic placeholders of
// the form KIND_n.
package anonymize

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/arc-self/apps/fragment-service/internal/domain"
)

// placeholderShape matches anything that looks like a placeholder token, for
// closure checks and leak diagnostics.
var placeholderShape = regexp.MustCompile(`\b[A-Z][A-Z_]*_[0-9]+\b`)

// BuildEntityMap walks the report's PII spans in order and assigns each
// distinct span text a placeholder. Counters start at 1 per kind and follow
// span order, so the mapping is deterministic. Code blocks are never mapped;
// they are isolated, not masked.
func BuildEntityMap(report domain.DetectionReport) *domain.EntityMap {
	m := domain.NewEntityMap()
	counters := make(map[domain.EntityKind]int)
	for _, e := range report.Entities {
		if e.Kind == domain.KindCodeBlock {
			continue
		}
		if _, seen := m.Forward[e.Text]; seen {
			continue
		}
		counters[e.Kind]++
		ph := fmt.Sprintf("%s_%d", e.Kind, counters[e.Kind])
		m.Forward[e.Text] = ph
		m.Inverse[ph] = e.Text
		m.Order = append(m.Order, ph)
	}
	return m
}

// Apply replaces every mapped original with its placeholder. Longer
// originals are replaced first so a value that contains another mapped value
// cannot be partially masked.
func Apply(text string, m *domain.EntityMap) string {
	if m.Len() == 0 {
		return text
	}
	originals := make([]string, 0, len(m.Forward))
	for orig := range m.Forward {
		originals = append(originals, orig)
	}
	sort.Slice(originals, func(i, j int) bool {
		if len(originals[i]) != len(originals[j]) {
			return len(originals[i]) > len(originals[j])
		}
		return originals[i] < originals[j]
	})
	out := text
	for _, orig := range originals {
		re := regexp.MustCompile(regexp.QuoteMeta(orig))
		out = re.ReplaceAllLiteralString(out, m.Forward[orig])
	}
	return out
}

// Restore replaces placeholders with their originals using whole-word
// matching, longest placeholder first so PERSON_10 is never clobbered by
// PERSON_1. Placeholders absent from the map are left verbatim; callers
// surface them through quality diagnostics.
func Restore(text string, m *domain.EntityMap) string {
	if m.Len() == 0 {
		return text
	}
	phs := make([]string, len(m.Order))
	copy(phs, m.Order)
	sort.Slice(phs, func(i, j int) bool {
		if len(phs[i]) != len(phs[j]) {
			return len(phs[i]) > len(phs[j])
		}
		return phs[i] < phs[j]
	})
	out := text
	for _, ph := range phs {
		re := regexp.MustCompile(`\b` + regexp.QuoteMeta(ph) + `\b`)
		out = re.ReplaceAllLiteralString(out, m.Inverse[ph])
	}
	return out
}

// UnmatchedPlaceholders returns placeholder-shaped tokens in text that the
// map does not know, in order of first appearance.
func UnmatchedPlaceholders(text string, m *domain.EntityMap) []string {
	var out []string
	seen := make(map[string]bool)
	for _, tok := range placeholderShape.FindAllString(text, -1) {
		if seen[tok] {
			continue
		}
		seen[tok] = true
		if m == nil || m.Inverse[tok] == "" {
			out = append(out, tok)
		}
	}
	return out
}

// ContainsPlaceholder reports whether text carries any placeholder-shaped
// token. Used by plan invariant checks and tests.
func ContainsPlaceholder(text string) bool {
	return placeholderShape.MatchString(text)
}

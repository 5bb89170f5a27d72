package detect

import (
	"context"
	"regexp"
	"strings"

	"github.com/arc-self/apps/fragment-service/internal/domain"
)

// Default recognizers. These are the in-process implementations used when no
// external recognition service is configured. Confidence scores follow
// Presidio conventions: 0.90+ means the pattern is structurally unambiguous,
// 0.70-0.89 moderately specific, below 0.70 broad.

// piiPattern pairs a compiled regex with its entity kind and confidence.
// group is the capture group index holding the sensitive value (0 = whole
// match).
type piiPattern struct {
	re         *regexp.Regexp
	kind       domain.EntityKind
	confidence float64
	group      int
}

// RegexPIIDetector is the default PIIDetector.
type RegexPIIDetector struct {
	patterns []piiPattern
}

// NewRegexPIIDetector compiles the built-in pattern table.
func NewRegexPIIDetector() *RegexPIIDetector {
	specs := []struct {
		expr       string
		kind       domain.EntityKind
		confidence float64
		group      int
	}{
		// Email: unambiguous structural markers (@, domain, TLD).
		{`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`, domain.KindEmail, 0.95, 0},
		// API key: keyword prefix plus a long token.
		{`(?i)(?:api[_\-]?key|token|secret|bearer)[\s"':=]+([A-Za-z0-9_\-.]{20,})`, domain.KindAPIKey, 0.90, 1},
		// SSN: hyphenated form only; bare 9-digit runs collide with phones.
		{`\b\d{3}-\d{2}-\d{4}\b`, domain.KindSSN, 0.85, 0},
		// Credit card: 16-digit block pattern.
		{`\b(?:\d{4}[ \-]){3}\d{4}\b`, domain.KindCreditCard, 0.85, 0},
		// Medical record number: keyword-anchored identifier.
		{`(?i)\b(?:mrn|medical record(?: number)?)[:#\s]+([A-Za-z0-9\-]{5,})`, domain.KindMedicalID, 0.80, 1},
		// Street address: requires a street-type suffix keyword.
		{`(?i)\b\d+\s+[A-Za-z ]+(?:Street|St|Avenue|Ave|Road|Rd|Boulevard|Blvd|Lane|Ln|Drive|Dr|Court|Ct)\b`, domain.KindAddress, 0.75, 0},
		// Phone: broad; many numeric sequences that are not phones.
		{`\(?\d{3}\)?[\-. ]\d{3}[\-. ]\d{4}\b`, domain.KindPhone, 0.65, 0},
	}
	d := &RegexPIIDetector{}
	for _, s := range specs {
		d.patterns = append(d.patterns, piiPattern{
			re:         regexp.MustCompile(s.expr),
			kind:       s.kind,
			confidence: s.confidence,
			group:      s.group,
		})
	}
	return d
}

// Detect returns every pattern match as an entity span.
func (d *RegexPIIDetector) Detect(_ context.Context, text string) ([]domain.Entity, error) {
	var out []domain.Entity
	for _, p := range d.patterns {
		for _, loc := range p.re.FindAllStringSubmatchIndex(text, -1) {
			start, end := loc[2*p.group], loc[2*p.group+1]
			if start < 0 || end <= start {
				continue
			}
			out = append(out, domain.Entity{
				Kind:       p.kind,
				Start:      start,
				End:        end,
				Text:       text[start:end],
				Confidence: p.confidence,
			})
		}
	}
	return out, nil
}

// ── named entities ────────────────────────────────────────────────────────

// RegexEntityRecognizer is the default EntityRecognizer. It is deliberately
// conservative: person and location spans require an introducing phrase so
// that ordinary capitalized prose does not produce false positives.
type RegexEntityRecognizer struct {
	person    *regexp.Regexp
	honorific *regexp.Regexp
	org       *regexp.Regexp
	location  *regexp.Regexp
}

// NewRegexEntityRecognizer compiles the built-in entity patterns.
func NewRegexEntityRecognizer() *RegexEntityRecognizer {
	return &RegexEntityRecognizer{
		person:    regexp.MustCompile(`(?i)(?:my name is|i am|i'm|this is|on behalf of)\s+([A-Z][a-z]+(?: [A-Z][a-z]+)+)`),
		honorific: regexp.MustCompile(`\b(?:Mr|Mrs|Ms|Dr|Prof)\.? ([A-Z][a-z]+(?: [A-Z][a-z]+)?)`),
		org:       regexp.MustCompile(`\b([A-Z][A-Za-z&]+(?: [A-Z][A-Za-z&]+)* (?:Inc|Corp|Corporation|Ltd|LLC|GmbH))\b`),
		location:  regexp.MustCompile(`(?i)(?:i live in|i am located in|located in|my address is in)\s+([A-Z][a-z]+(?: [A-Z][a-z]+)?)`),
	}
}

// Recognize returns person, organization, and location spans.
func (r *RegexEntityRecognizer) Recognize(_ context.Context, text string) ([]domain.Entity, error) {
	var out []domain.Entity
	collect := func(re *regexp.Regexp, kind domain.EntityKind, conf float64) {
		for _, loc := range re.FindAllStringSubmatchIndex(text, -1) {
			start, end := loc[2], loc[3]
			if start < 0 || end <= start {
				continue
			}
			out = append(out, domain.Entity{
				Kind:       kind,
				Start:      start,
				End:        end,
				Text:       text[start:end],
				Confidence: conf,
			})
		}
	}
	collect(r.person, domain.KindPerson, 0.85)
	collect(r.honorific, domain.KindPerson, 0.80)
	collect(r.org, domain.KindOrganization, 0.70)
	collect(r.location, domain.KindLocation, 0.70)
	return out, nil
}

// ── code classification ───────────────────────────────────────────────────

// HeuristicCodeDetector is the default CodeDetector. Fenced blocks are
// authoritative; outside fences a small keyword table marks code lines.
type HeuristicCodeDetector struct {
	fence   *regexp.Regexp
	markers []codeMarker
}

type codeMarker struct {
	re       *regexp.Regexp
	language string
}

// NewHeuristicCodeDetector compiles the fence and marker patterns.
func NewHeuristicCodeDetector() *HeuristicCodeDetector {
	return &HeuristicCodeDetector{
		fence: regexp.MustCompile("(?s)```([a-zA-Z0-9+#]*)\n?(.*?)```"),
		markers: []codeMarker{
			{regexp.MustCompile(`(?m)^\s*(?:def |class \w+[:(]|import \w+|from \w+ import )`), "python"},
			{regexp.MustCompile(`(?m)^\s*(?:func \w+\(|package \w+$|type \w+ struct)`), "go"},
			{regexp.MustCompile(`(?m)^\s*(?:const \w+ =|let \w+ =|function \w+\(|console\.log\()`), "javascript"},
			{regexp.MustCompile(`(?m)^\s*#include\s*<`), "c"},
		},
	}
}

// Classify reports whether the text embeds source code and where.
func (d *HeuristicCodeDetector) Classify(_ context.Context, text string) (CodeInfo, error) {
	var info CodeInfo

	// Fenced blocks first: span covers the full fence so the planner can
	// excise it cleanly.
	for _, loc := range d.fence.FindAllStringSubmatchIndex(text, -1) {
		info.HasCode = true
		if lang := text[loc[2]:loc[3]]; lang != "" && info.Language == "" {
			info.Language = strings.ToLower(lang)
		}
		info.Spans = append(info.Spans, domain.Entity{
			Kind:       domain.KindCodeBlock,
			Start:      loc[0],
			End:        loc[1],
			Text:       text[loc[0]:loc[1]],
			Confidence: 0.95,
		})
	}
	if info.HasCode {
		return info, nil
	}

	// Unfenced heuristic: the span runs from the first to the last marker
	// line, which keeps surrounding prose out of the code fragment.
	for _, m := range d.markers {
		locs := m.re.FindAllStringIndex(text, -1)
		if len(locs) == 0 {
			continue
		}
		start := lineStart(text, locs[0][0])
		end := lineEnd(text, locs[len(locs)-1][1])
		info.HasCode = true
		info.Language = m.language
		info.Spans = append(info.Spans, domain.Entity{
			Kind:       domain.KindCodeBlock,
			Start:      start,
			End:        end,
			Text:       text[start:end],
			Confidence: 0.70,
		})
		break
	}
	return info, nil
}

func lineStart(s string, i int) int {
	for i > 0 && s[i-1] != '\n' {
		i--
	}
	return i
}

func lineEnd(s string, i int) int {
	for i < len(s) && s[i] != '\n' {
		i++
	}
	return i
}

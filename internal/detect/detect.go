// Package detect implements the detection engine: it runs the PII
// recognizer, the code classifier, and the named-entity recognizer over the
// submitted query, merges and deduplicates their spans, and computes the
// sensitivity score that drives strategy selection.
package detect

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/arc-self/apps/fragment-service/internal/domain"
)

// PIIDetector finds personal-data spans in text.
type PIIDetector interface {
	Detect(ctx context.Context, text string) ([]domain.Entity, error)
}

// CodeInfo is the code classifier's verdict.
type CodeInfo struct {
	HasCode  bool
	Language string
	// Spans are the detected code regions, reported as CODE_BLOCK entities.
	Spans []domain.Entity
}

// CodeDetector classifies embedded source code.
type CodeDetector interface {
	Classify(ctx context.Context, text string) (CodeInfo, error)
}

// EntityRecognizer finds named entities (people, places, organizations).
type EntityRecognizer interface {
	Recognize(ctx context.Context, text string) ([]domain.Entity, error)
}

// Engine merges the three recognizers into a single DetectionReport.
type Engine struct {
	pii      PIIDetector
	code     CodeDetector
	entities EntityRecognizer
	logger   *zap.Logger
}

// NewEngine constructs an Engine. All three recognizers are required.
func NewEngine(pii PIIDetector, code CodeDetector, entities EntityRecognizer, logger *zap.Logger) *Engine {
	return &Engine{pii: pii, code: code, entities: entities, logger: logger}
}

// Analyze runs every recognizer, deduplicates overlapping spans, and scores
// sensitivity. Deterministic for a given input and recognizer version. Any
// recognizer failure surfaces as ErrDetectionUnavailable; the coordinator
// degrades to an empty report.
func (e *Engine) Analyze(ctx context.Context, query string) (domain.DetectionReport, error) {
	piiSpans, err := e.pii.Detect(ctx, query)
	if err != nil {
		return domain.DetectionReport{}, fmt.Errorf("%w: pii recognizer: %v", domain.ErrDetectionUnavailable, err)
	}
	codeInfo, err := e.code.Classify(ctx, query)
	if err != nil {
		return domain.DetectionReport{}, fmt.Errorf("%w: code classifier: %v", domain.ErrDetectionUnavailable, err)
	}
	named, err := e.entities.Recognize(ctx, query)
	if err != nil {
		return domain.DetectionReport{}, fmt.Errorf("%w: entity recognizer: %v", domain.ErrDetectionUnavailable, err)
	}

	all := make([]domain.Entity, 0, len(piiSpans)+len(named)+len(codeInfo.Spans))
	all = append(all, piiSpans...)
	all = append(all, named...)
	all = append(all, codeInfo.Spans...)

	merged := dedupeSpans(all)

	report := domain.DetectionReport{
		Entities:     merged,
		HasCode:      codeInfo.HasCode,
		CodeLanguage: codeInfo.Language,
	}
	report.SensitivityScore = sensitivity(report, len(query))

	e.logger.Debug("detection complete",
		zap.Int("entities", len(merged)),
		zap.Bool("has_code", report.HasCode),
		zap.Float64("sensitivity", report.SensitivityScore),
	)
	return report, nil
}

// dedupeSpans sorts spans and resolves overlaps: the higher-confidence span
// wins; ties go to the longer span, then the earlier start.
func dedupeSpans(spans []domain.Entity) []domain.Entity {
	if len(spans) == 0 {
		return nil
	}
	sort.SliceStable(spans, func(i, j int) bool {
		if spans[i].Start != spans[j].Start {
			return spans[i].Start < spans[j].Start
		}
		return spans[i].End > spans[j].End
	})

	out := make([]domain.Entity, 0, len(spans))
	for _, s := range spans {
		if len(out) == 0 {
			out = append(out, s)
			continue
		}
		last := &out[len(out)-1]
		if s.Start >= last.End {
			out = append(out, s)
			continue
		}
		// Overlap: decide which span survives.
		if betterSpan(s, *last) {
			*last = s
		}
	}
	return out
}

// betterSpan reports whether a should replace b in an overlap.
func betterSpan(a, b domain.Entity) bool {
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	if la, lb := a.End-a.Start, b.End-b.Start; la != lb {
		return la > lb
	}
	return a.Start < b.Start
}

// sensitivity computes
//
//	clamp(0.2*pii_span_count + 0.3*has_high_risk + 0.2*code_present + 0.3*entity_density, 0, 1)
//
// where entity_density is entity characters over total characters.
func sensitivity(r domain.DetectionReport, totalChars int) float64 {
	var piiCount float64
	var highRisk float64
	var entityChars int
	for _, e := range r.Entities {
		if e.Kind == domain.KindCodeBlock {
			continue
		}
		piiCount++
		entityChars += e.End - e.Start
		if domain.HighRiskKinds[e.Kind] {
			highRisk = 1
		}
	}
	var codePresent float64
	if r.HasCode {
		codePresent = 1
	}
	var density float64
	if totalChars > 0 {
		density = float64(entityChars) / float64(totalChars)
	}
	return domain.Clamp01(0.2*piiCount + 0.3*highRisk + 0.2*codePresent + 0.3*density)
}

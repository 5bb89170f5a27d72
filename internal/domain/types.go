// Package domain holds the typed payloads that flow between pipeline stages.
// Every stage consumes and produces one of these records; there are no
// untyped bag-of-fields maps crossing package boundaries.
package domain

import (
	"errors"
	"time"
)

// ── Error kinds ───────────────────────────────────────────────────────────

var (
	// ErrDetectionUnavailable means a recognizer could not be reached. The
	// coordinator treats it as soft and continues with an empty report.
	ErrDetectionUnavailable = errors.New("detection unavailable")
	// ErrPlanUnfeasible means the query is empty after stripping. Terminal.
	ErrPlanUnfeasible = errors.New("plan unfeasible")
	// ErrNoProviderAvailable means every registered provider is unhealthy.
	ErrNoProviderAvailable = errors.New("no provider available")
	// ErrProviderError wraps a non-success remote response. Retried per
	// fragment, never terminal at request level on its own.
	ErrProviderError = errors.New("provider error")
	// ErrAggregationEmpty means zero fragments came back OK. Terminal.
	ErrAggregationEmpty = errors.New("aggregation empty")
	// ErrCanceled is external cancellation, propagated to all children.
	ErrCanceled = errors.New("canceled")
	// ErrStateStoreUnavailable is a persistence failure. Soft; the
	// coordinator keeps the record in memory.
	ErrStateStoreUnavailable = errors.New("state store unavailable")
	// ErrNotFound is returned for unknown request IDs.
	ErrNotFound = errors.New("not found")
	// ErrInvalidInput flags malformed caller input.
	ErrInvalidInput = errors.New("invalid input")
)

// ErrorKind returns the stable wire name for a pipeline error, used in
// FAILED progress event payloads and Fetch failure bodies.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrDetectionUnavailable):
		return "DetectionUnavailable"
	case errors.Is(err, ErrPlanUnfeasible):
		return "PlanUnfeasible"
	case errors.Is(err, ErrNoProviderAvailable):
		return "NoProviderAvailable"
	case errors.Is(err, ErrProviderError):
		return "ProviderError"
	case errors.Is(err, ErrAggregationEmpty):
		return "AggregationEmpty"
	case errors.Is(err, ErrCanceled):
		return "Canceled"
	case errors.Is(err, ErrStateStoreUnavailable):
		return "StateStoreUnavailable"
	default:
		return "Internal"
	}
}

// ── Detection ─────────────────────────────────────────────────────────────

// EntityKind classifies a detected span.
type EntityKind string

const (
	KindPerson       EntityKind = "PERSON"
	KindEmail        EntityKind = "EMAIL"
	KindPhone        EntityKind = "PHONE"
	KindSSN          EntityKind = "SSN"
	KindCreditCard   EntityKind = "CREDIT_CARD"
	KindAddress      EntityKind = "ADDRESS"
	KindAPIKey       EntityKind = "API_KEY"
	KindMedicalID    EntityKind = "MEDICAL_ID"
	KindLocation     EntityKind = "LOCATION"
	KindOrganization EntityKind = "ORGANIZATION"
	KindCodeBlock    EntityKind = "CODE_BLOCK"
	KindOther        EntityKind = "OTHER"
)

// HighRiskKinds are the kinds that alone push the sensitivity score up.
var HighRiskKinds = map[EntityKind]bool{
	KindSSN:        true,
	KindCreditCard: true,
	KindAPIKey:     true,
	KindMedicalID:  true,
}

// Entity is one detected span inside the query text.
// Offsets satisfy 0 <= Start < End <= len(query).
type Entity struct {
	Kind       EntityKind `json:"kind"`
	Start      int        `json:"start"`
	End        int        `json:"end"`
	Text       string     `json:"text"`
	Confidence float64    `json:"confidence"`
}

// DetectionReport is the merged output of the PII, code, and named-entity
// recognizers. Immutable after creation; spans are sorted and non-overlapping.
type DetectionReport struct {
	Entities         []Entity `json:"entities"`
	HasCode          bool     `json:"has_code"`
	CodeLanguage     string   `json:"code_language,omitempty"`
	SensitivityScore float64  `json:"sensitivity_score"`
}

// PIIEntities returns the subset of entities that are personal data
// (everything except code blocks).
func (r DetectionReport) PIIEntities() []Entity {
	out := make([]Entity, 0, len(r.Entities))
	for _, e := range r.Entities {
		if e.Kind != KindCodeBlock {
			out = append(out, e)
		}
	}
	return out
}

// ── Anonymization ─────────────────────────────────────────────────────────

// EntityMap is the per-request bijection between original span text and
// semantic placeholders of the form KIND_n (n starts at 1 per kind, assigned
// in span order).
type EntityMap struct {
	// Forward maps original text to placeholder.
	Forward map[string]string `json:"forward"`
	// Inverse maps placeholder back to original text.
	Inverse map[string]string `json:"inverse"`
	// Order lists placeholders in assignment order, for deterministic walks.
	Order []string `json:"order"`
}

// NewEntityMap returns an empty, ready-to-use map.
func NewEntityMap() *EntityMap {
	return &EntityMap{
		Forward: make(map[string]string),
		Inverse: make(map[string]string),
	}
}

// Len reports the number of mapped entities.
func (m *EntityMap) Len() int {
	if m == nil {
		return 0
	}
	return len(m.Forward)
}

// Clone returns an independent copy.
func (m *EntityMap) Clone() *EntityMap {
	if m == nil {
		return nil
	}
	out := NewEntityMap()
	for k, v := range m.Forward {
		out.Forward[k] = v
	}
	for k, v := range m.Inverse {
		out.Inverse[k] = v
	}
	out.Order = append([]string(nil), m.Order...)
	return out
}

// ── Planning ──────────────────────────────────────────────────────────────

// Strategy selects how a query is decomposed into fragments.
type Strategy string

const (
	StrategyPassThrough   Strategy = "PASS_THROUGH"
	StrategySemanticSplit Strategy = "SEMANTIC_SPLIT"
	StrategyPIIIsolate    Strategy = "PII_ISOLATE"
	StrategyCodeIsolate   Strategy = "CODE_ISOLATE"
	StrategyHybrid        Strategy = "HYBRID"
)

// FragmentKind tags what a fragment carries, which drives provider routing.
type FragmentKind string

const (
	FragmentGeneral    FragmentKind = "GENERAL"
	FragmentPIIBearing FragmentKind = "PII_BEARING"
	FragmentCode       FragmentKind = "CODE"
	FragmentContext    FragmentKind = "CONTEXT"
)

// PrivacyLevel shifts the strategy-selection thresholds.
type PrivacyLevel string

const (
	PrivacyLow    PrivacyLevel = "LOW"
	PrivacyMedium PrivacyLevel = "MEDIUM"
	PrivacyHigh   PrivacyLevel = "HIGH"
)

// Policy is the per-request planning policy. Zero values fall back to the
// process-wide defaults.
type Policy struct {
	MinProvidersForSensitive int          `json:"min_providers_for_sensitive"`
	MaxFragments             int          `json:"max_fragments"`
	ChunkSizeCap             int          `json:"chunk_size_cap"`
	PrivacyLevel             PrivacyLevel `json:"privacy_level"`
}

// FragmentSpec is one bounded segment of the anonymized query, submitted to
// exactly one provider.
type FragmentSpec struct {
	ID                   string       `json:"id"`
	AnonymizedText       string       `json:"anonymized_text"`
	Kind                 FragmentKind `json:"kind"`
	RecommendedProviders []string     `json:"recommended_providers"`
}

// FragmentationPlan is the planner's output: the chosen strategy, the
// fragment specs, and the entity map needed to restore the final answer.
type FragmentationPlan struct {
	Strategy  Strategy       `json:"strategy"`
	Fragments []FragmentSpec `json:"fragments"`
	EntityMap *EntityMap     `json:"entity_map"`
}

// ── Dispatch ──────────────────────────────────────────────────────────────

// ResultStatus is the terminal status of one fragment's provider call.
type ResultStatus string

const (
	StatusOK            ResultStatus = "OK"
	StatusTimeout       ResultStatus = "TIMEOUT"
	StatusProviderError ResultStatus = "PROVIDER_ERROR"
	StatusCanceled      ResultStatus = "CANCELED"
)

// FragmentResult is the per-fragment outcome of dispatch.
type FragmentResult struct {
	FragmentID   string        `json:"fragment_id"`
	ProviderID   string        `json:"provider_id"`
	Status       ResultStatus  `json:"status"`
	ResponseText string        `json:"response_text,omitempty"`
	TokensIn     int           `json:"tokens_in"`
	TokensOut    int           `json:"tokens_out"`
	Latency      time.Duration `json:"latency"`
	Cost         float64       `json:"cost"`
	Confidence   float64       `json:"confidence"`
	Attempts     int           `json:"attempts"`
	Error        string        `json:"error,omitempty"`
}

// ── Aggregation ───────────────────────────────────────────────────────────

// ProviderUsage summarises how many fragments one provider handled.
type ProviderUsage struct {
	ProviderID       string `json:"provider_id"`
	FragmentsHandled int    `json:"fragments_handled"`
}

// AggregatedResponse is the recombined, de-anonymized answer.
type AggregatedResponse struct {
	FinalText    string           `json:"final_text"`
	PrivacyScore float64          `json:"privacy_score"`
	QualityScore float64          `json:"quality_score"`
	TotalCost    float64          `json:"total_cost"`
	TotalLatency time.Duration    `json:"total_latency"`
	PerFragment  []FragmentResult `json:"per_fragment"`
	PerProvider  []ProviderUsage  `json:"per_provider"`
	Diagnostics  []string         `json:"diagnostics,omitempty"`
}

// ── Progress ──────────────────────────────────────────────────────────────

// Stage is a node in the coordinator's state machine.
type Stage string

const (
	StageReceived      Stage = "RECEIVED"
	StageDetection     Stage = "DETECTION"
	StagePlanning      Stage = "PLANNING"
	StageAnonymization Stage = "ANONYMIZATION"
	StageDispatch      Stage = "DISPATCH"
	StageAggregation   Stage = "AGGREGATION"
	StageComplete      Stage = "COMPLETE"
	StageFailed        Stage = "FAILED"
)

// EventStatus qualifies a stage event.
type EventStatus string

const (
	EventStarted   EventStatus = "STARTED"
	EventProgress  EventStatus = "PROGRESS"
	EventCompleted EventStatus = "COMPLETED"
	EventFailed    EventStatus = "FAILED"
)

// DispatchPhase is the per-fragment phase carried in DISPATCH progress
// event payloads.
type DispatchPhase string

const (
	PhaseStarted   DispatchPhase = "STARTED"
	PhaseCompleted DispatchPhase = "COMPLETED"
	PhaseFailed    DispatchPhase = "FAILED"
	PhaseRetrying  DispatchPhase = "RETRYING"
)

// ProgressEvent is one update on a request's event stream. TimestampMs is
// monotonic milliseconds since request submission.
type ProgressEvent struct {
	RequestID   string         `json:"request_id"`
	Stage       Stage          `json:"stage"`
	Status      EventStatus    `json:"status"`
	ProgressPct int            `json:"progress_pct"`
	Message     string         `json:"message,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	TimestampMs int64          `json:"timestamp_ms"`
	// Lagged marks a synthetic marker inserted when a slow subscriber
	// dropped events.
	Lagged bool `json:"lagged,omitempty"`
}

// Terminal reports whether the event closes the stream.
func (e ProgressEvent) Terminal() bool {
	return e.Stage == StageComplete || e.Stage == StageFailed
}

// ── Request record ────────────────────────────────────────────────────────

// TerminalState seals a request record.
type TerminalState struct {
	OK        bool   `json:"ok"`
	ErrorKind string `json:"error_kind,omitempty"`
	Message   string `json:"message,omitempty"`
}

// RequestRecord is the process-wide state for one request. It is owned
// exclusively by its coordinator; everything published elsewhere is a copy.
type RequestRecord struct {
	RequestID   string              `json:"request_id"`
	Query       string              `json:"query"`
	Policy      Policy              `json:"policy"`
	SubmittedAt time.Time           `json:"submitted_at"`
	Stage       Stage               `json:"stage"`
	Report      *DetectionReport    `json:"report,omitempty"`
	Plan        *FragmentationPlan  `json:"plan,omitempty"`
	Results     []FragmentResult    `json:"results,omitempty"`
	Aggregated  *AggregatedResponse `json:"aggregated,omitempty"`
	Terminal    *TerminalState      `json:"terminal,omitempty"`
	Diagnostics []string            `json:"diagnostics,omitempty"`
}

// Sealed reports whether the record reached a terminal state.
func (r *RequestRecord) Sealed() bool { return r.Terminal != nil }

// Clone returns a deep copy safe to hand outside the coordinator while the
// pipeline keeps mutating the original.
func (r *RequestRecord) Clone() *RequestRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.Diagnostics = append([]string(nil), r.Diagnostics...)
	out.Results = append([]FragmentResult(nil), r.Results...)
	if r.Report != nil {
		rep := *r.Report
		rep.Entities = append([]Entity(nil), r.Report.Entities...)
		out.Report = &rep
	}
	if r.Plan != nil {
		p := *r.Plan
		p.Fragments = make([]FragmentSpec, len(r.Plan.Fragments))
		for i, frag := range r.Plan.Fragments {
			frag.RecommendedProviders = append([]string(nil), frag.RecommendedProviders...)
			p.Fragments[i] = frag
		}
		p.EntityMap = r.Plan.EntityMap.Clone()
		out.Plan = &p
	}
	if r.Aggregated != nil {
		a := *r.Aggregated
		a.PerFragment = append([]FragmentResult(nil), r.Aggregated.PerFragment...)
		a.PerProvider = append([]ProviderUsage(nil), r.Aggregated.PerProvider...)
		a.Diagnostics = append([]string(nil), r.Aggregated.Diagnostics...)
		out.Aggregated = &a
	}
	if r.Terminal != nil {
		t := *r.Terminal
		out.Terminal = &t
	}
	return &out
}

// ── Providers ─────────────────────────────────────────────────────────────

// Capability tags are nominal; deployment configuration defines membership.
const (
	CapGeneral   = "general"
	CapCode      = "code"
	CapSensitive = "sensitive"
	CapCheap     = "cheap"
)

// ProviderInfo is a read-only snapshot of one provider's registry entry.
type ProviderInfo struct {
	ID             string        `json:"id"`
	Capabilities   []string      `json:"capabilities"`
	Healthy        bool          `json:"healthy"`
	RollingLatency time.Duration `json:"rolling_latency"`
	RollingCost    float64       `json:"rolling_cost"`
	// Weight is the static per-provider factor used by the aggregator's
	// composite confidence.
	Weight float64 `json:"weight"`
	// ConsecutiveFailures drives the least-unhealthy fallback ordering.
	ConsecutiveFailures int `json:"consecutive_failures"`
}

// HasCapability reports whether the provider carries the given tag.
func (p ProviderInfo) HasCapability(cap string) bool {
	for _, c := range p.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// Clamp01 bounds v to [0,1].
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

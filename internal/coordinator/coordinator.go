// Package coordinator drives one request through the pipeline: detection,
// planning, anonymization, dispatch, aggregation. Stages are strictly
// sequential per request; every transition is published on the progress bus.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/arc-self/apps/fragment-service/internal/aggregate"
	"github.com/arc-self/apps/fragment-service/internal/clock"
	"github.com/arc-self/apps/fragment-service/internal/detect"
	"github.com/arc-self/apps/fragment-service/internal/dispatch"
	"github.com/arc-self/apps/fragment-service/internal/domain"
	"github.com/arc-self/apps/fragment-service/internal/events"
	"github.com/arc-self/apps/fragment-service/internal/plan"
	"github.com/arc-self/apps/fragment-service/internal/progress"
	"github.com/arc-self/apps/fragment-service/internal/provider"
	"github.com/arc-self/apps/fragment-service/internal/store"
)

// sensitiveAt is the sensitivity score at which the router must spread
// fragments across distinct providers.
const sensitiveAt = 0.5

// defaultRetention is how long a sealed request stays resident for late
// Fetch/Subscribe callers before the state store takes over.
const defaultRetention = 5 * time.Minute

// Progress percentages per completed stage.
var stagePct = map[domain.Stage]int{
	domain.StageReceived:      5,
	domain.StageDetection:     20,
	domain.StagePlanning:      35,
	domain.StageAnonymization: 45,
	domain.StageDispatch:      75,
	domain.StageAggregation:   90,
	domain.StageComplete:      100,
	domain.StageFailed:        100,
}

// Coordinator owns all live request records and runs one pipeline goroutine
// per submission.
type Coordinator struct {
	detector   *detect.Engine
	planner    *plan.Planner
	router     *provider.Router
	registry   *provider.Registry
	scheduler  *dispatch.Scheduler
	aggregator *aggregate.Aggregator
	bus        *progress.Bus
	records    store.RecordStore
	publisher  *events.Publisher
	clock      clock.Clock
	logger     *zap.Logger
	tracer     trace.Tracer
	retention  time.Duration

	mu     sync.RWMutex
	active map[string]*requestState
}

// requestState pairs a live record with its cancellation handle. The
// pipeline goroutine is the only writer; everyone else reads through
// snapshot so in-flight fetches never see a torn record.
type requestState struct {
	mu     sync.RWMutex
	record *domain.RequestRecord
	cancel context.CancelFunc
}

func (st *requestState) update(fn func(*domain.RequestRecord)) {
	st.mu.Lock()
	defer st.mu.Unlock()
	fn(st.record)
}

func (st *requestState) snapshot() *domain.RequestRecord {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.record.Clone()
}

func (st *requestState) sealed() bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.record.Sealed()
}

// Deps collects the pipeline collaborators.
type Deps struct {
	Detector   *detect.Engine
	Planner    *plan.Planner
	Router     *provider.Router
	Registry   *provider.Registry
	Scheduler  *dispatch.Scheduler
	Aggregator *aggregate.Aggregator
	Bus        *progress.Bus
	Records    store.RecordStore
	Publisher  *events.Publisher
	Clock      clock.Clock
	Logger     *zap.Logger
	// Retention bounds how long sealed requests stay resident. Zero means
	// the default.
	Retention time.Duration
}

// New constructs a Coordinator.
func New(d Deps) *Coordinator {
	if d.Retention <= 0 {
		d.Retention = defaultRetention
	}
	return &Coordinator{
		detector:   d.Detector,
		planner:    d.Planner,
		router:     d.Router,
		registry:   d.Registry,
		scheduler:  d.Scheduler,
		aggregator: d.Aggregator,
		bus:        d.Bus,
		records:    d.Records,
		publisher:  d.Publisher,
		clock:      d.Clock,
		logger:     d.Logger,
		tracer:     otel.Tracer("fragment-service/coordinator"),
		retention:  d.Retention,
		active:     make(map[string]*requestState),
	}
}

// Submit accepts a query, creates its record, and starts the pipeline
// asynchronously. Returns the new request id immediately.
func (c *Coordinator) Submit(ctx context.Context, query string, policy domain.Policy) (string, error) {
	if query == "" {
		return "", fmt.Errorf("%w: empty query", domain.ErrInvalidInput)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate request id: %w", err)
	}
	requestID := id.String()

	rec := &domain.RequestRecord{
		RequestID:   requestID,
		Query:       query,
		Policy:      policy,
		SubmittedAt: c.clock.Now(),
		Stage:       domain.StageReceived,
	}

	// The pipeline outlives the submit HTTP request; it gets its own
	// context, canceled only by Cancel or process shutdown.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	st := &requestState{record: rec, cancel: cancel}

	c.mu.Lock()
	c.active[requestID] = st
	c.mu.Unlock()

	c.bus.Open(requestID)
	c.emit(rec, domain.StageReceived, domain.EventStarted, "", nil)
	c.emit(rec, domain.StageReceived, domain.EventCompleted, "request accepted", nil)
	c.persist(runCtx, st)
	c.publisher.Submitted(runCtx, requestID)

	go c.run(runCtx, st)
	return requestID, nil
}

// Cancel aborts a running request. Sealed records ignore it.
func (c *Coordinator) Cancel(requestID string) error {
	c.mu.RLock()
	st, ok := c.active[requestID]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: request %q", domain.ErrNotFound, requestID)
	}
	if st.sealed() {
		return nil
	}
	c.logger.Info("request canceled by caller", zap.String("request_id", requestID))
	st.cancel()
	return nil
}

// Fetch returns a snapshot of the request record, falling back to the state
// store for records this process no longer holds (restart, retention expiry).
func (c *Coordinator) Fetch(ctx context.Context, requestID string) (*domain.RequestRecord, error) {
	c.mu.RLock()
	st, ok := c.active[requestID]
	c.mu.RUnlock()
	if ok {
		return st.snapshot(), nil
	}
	return c.records.Load(ctx, requestID)
}

// Subscribe attaches to a request's progress stream.
func (c *Coordinator) Subscribe(requestID string) (<-chan domain.ProgressEvent, func(), error) {
	return c.bus.Subscribe(requestID)
}

// Providers returns the current registry snapshot.
func (c *Coordinator) Providers() []domain.ProviderInfo {
	return c.registry.Snapshot()
}

// ── Pipeline ──────────────────────────────────────────────────────────────

func (c *Coordinator) run(ctx context.Context, st *requestState) {
	ctx, span := c.tracer.Start(ctx, "pipeline.run")
	defer span.End()

	// Immutable after Submit: RequestID, Query, Policy, SubmittedAt.
	rec := st.record
	defer c.scheduleTeardown(rec.RequestID)

	log := c.logger.With(zap.String("request_id", rec.RequestID))

	// ── Detection ─────────────────────────────────────────────────────────
	st.update(func(r *domain.RequestRecord) { r.Stage = domain.StageDetection })
	c.emit(rec, domain.StageDetection, domain.EventStarted, "", nil)
	report, err := c.analyze(ctx, rec.Query)
	if err != nil {
		// Soft failure: continue with an empty report, no fragmentation.
		log.Warn("detection unavailable, continuing with empty report", zap.Error(err))
		report = domain.DetectionReport{}
		st.update(func(r *domain.RequestRecord) {
			r.Diagnostics = append(r.Diagnostics, "detection unavailable: "+err.Error())
		})
	}
	st.update(func(r *domain.RequestRecord) { r.Report = &report })
	c.emit(rec, domain.StageDetection, domain.EventCompleted, "", map[string]any{
		"entities":          len(report.Entities),
		"has_code":          report.HasCode,
		"sensitivity_score": report.SensitivityScore,
	})
	if c.checkCanceled(ctx, st) {
		return
	}

	// ── Planning ──────────────────────────────────────────────────────────
	st.update(func(r *domain.RequestRecord) { r.Stage = domain.StagePlanning })
	c.emit(rec, domain.StagePlanning, domain.EventStarted, "", nil)
	snapshot := c.registry.Snapshot()
	p, err := c.planner.Plan(rec.Query, report, rec.Policy, snapshot)
	if err != nil {
		c.fail(ctx, st, err)
		return
	}
	st.update(func(r *domain.RequestRecord) { r.Plan = &p })
	c.emit(rec, domain.StagePlanning, domain.EventCompleted, "", map[string]any{
		"strategy":  string(p.Strategy),
		"fragments": len(p.Fragments),
	})

	// ── Anonymization ─────────────────────────────────────────────────────
	// Substitution happened inside the planner; this stage reports the
	// entity map so stream consumers see masking before any provider call.
	st.update(func(r *domain.RequestRecord) { r.Stage = domain.StageAnonymization })
	c.emit(rec, domain.StageAnonymization, domain.EventStarted, "", nil)
	c.emit(rec, domain.StageAnonymization, domain.EventCompleted, "", map[string]any{
		"mapped_entities": p.EntityMap.Len(),
	})
	c.persist(ctx, st)
	if c.checkCanceled(ctx, st) {
		return
	}

	// ── Routing + dispatch ────────────────────────────────────────────────
	st.update(func(r *domain.RequestRecord) { r.Stage = domain.StageDispatch })
	c.emit(rec, domain.StageDispatch, domain.EventStarted, "", nil)
	sensitive := report.SensitivityScore >= sensitiveAt && p.Strategy != domain.StrategyPassThrough
	assignments, err := c.router.Route(p, snapshot, rec.Policy, sensitive)
	if err != nil {
		p, assignments, err = c.degrade(st, p, err)
		if err != nil {
			c.fail(ctx, st, err)
			return
		}
		st.update(func(r *domain.RequestRecord) { r.Plan = &p })
	}

	results := c.scheduler.Dispatch(ctx, p, assignments, func(fragmentID, providerID string, phase domain.DispatchPhase) {
		c.emit(rec, domain.StageDispatch, domain.EventProgress, "", map[string]any{
			"fragment_id": fragmentID,
			"provider_id": providerID,
			"phase":       string(phase),
		})
	})
	st.update(func(r *domain.RequestRecord) { r.Results = results })
	if c.checkCanceled(ctx, st) {
		return
	}
	c.emit(rec, domain.StageDispatch, domain.EventCompleted, "", map[string]any{
		"results": len(results),
	})

	// ── Aggregation ───────────────────────────────────────────────────────
	st.update(func(r *domain.RequestRecord) { r.Stage = domain.StageAggregation })
	c.emit(rec, domain.StageAggregation, domain.EventStarted, "", nil)
	agg, err := c.aggregator.Aggregate(p, results, snapshot)
	if err != nil {
		c.fail(ctx, st, err)
		return
	}
	st.update(func(r *domain.RequestRecord) {
		agg.Diagnostics = append(r.Diagnostics, agg.Diagnostics...)
		r.Aggregated = &agg
		r.Results = agg.PerFragment
	})
	c.emit(rec, domain.StageAggregation, domain.EventCompleted, "", nil)

	// ── Complete ──────────────────────────────────────────────────────────
	st.update(func(r *domain.RequestRecord) {
		r.Stage = domain.StageComplete
		r.Terminal = &domain.TerminalState{OK: true}
	})
	c.persist(ctx, st)
	c.emit(rec, domain.StageComplete, domain.EventCompleted, "", map[string]any{
		"privacy_score": agg.PrivacyScore,
		"quality_score": agg.QualityScore,
		"total_cost":    agg.TotalCost,
	})
	c.publisher.Terminal(ctx, st.snapshot())
	log.Info("request complete",
		zap.String("strategy", string(p.Strategy)),
		zap.Int("fragments", len(p.Fragments)),
		zap.Float64("privacy_score", agg.PrivacyScore),
		zap.Float64("quality_score", agg.QualityScore),
	)
}

// analyze wraps detection in its own span.
func (c *Coordinator) analyze(ctx context.Context, query string) (domain.DetectionReport, error) {
	ctx, span := c.tracer.Start(ctx, "pipeline.detect")
	defer span.End()
	return c.detector.Analyze(ctx, query)
}

// degrade handles NoProviderAvailable by collapsing the plan to a single
// anonymized fragment aimed at the least-unhealthy provider. Entities stay
// masked; only fragmentation is sacrificed.
func (c *Coordinator) degrade(st *requestState, p domain.FragmentationPlan, routeErr error) (domain.FragmentationPlan, []provider.Assignment, error) {
	if !errors.Is(routeErr, domain.ErrNoProviderAvailable) {
		return p, nil, routeErr
	}
	fallback, ok := c.registry.LeastUnhealthy()
	if !ok {
		return p, nil, routeErr
	}
	c.logger.Warn("no healthy provider, degrading to single-provider pass-through",
		zap.String("request_id", st.record.RequestID),
		zap.String("provider_id", fallback.ID),
	)
	st.update(func(r *domain.RequestRecord) {
		r.Diagnostics = append(r.Diagnostics, "degraded: no healthy provider, single attempt on "+fallback.ID)
	})

	var joined string
	for i, f := range p.Fragments {
		if i > 0 {
			joined += "\n"
		}
		joined += f.AnonymizedText
	}
	p.Strategy = domain.StrategyPassThrough
	p.Fragments = []domain.FragmentSpec{{
		ID:             "f1",
		AnonymizedText: joined,
		Kind:           domain.FragmentGeneral,
	}}
	return p, []provider.Assignment{{
		FragmentID: "f1",
		ProviderID: fallback.ID,
		Ranked:     []string{fallback.ID},
	}}, nil
}

// checkCanceled seals the record as canceled when the request context is
// done. Returns true when the pipeline must stop.
func (c *Coordinator) checkCanceled(ctx context.Context, st *requestState) bool {
	if ctx.Err() == nil {
		return false
	}
	c.fail(ctx, st, fmt.Errorf("%w: %v", domain.ErrCanceled, ctx.Err()))
	return true
}

// fail seals the record with a terminal error and publishes the FAILED
// event with the error kind and a human-readable message.
func (c *Coordinator) fail(ctx context.Context, st *requestState, err error) {
	kind := domain.ErrorKind(err)
	st.update(func(r *domain.RequestRecord) {
		r.Stage = domain.StageFailed
		r.Terminal = &domain.TerminalState{
			OK:        false,
			ErrorKind: kind,
			Message:   err.Error(),
		}
	})
	c.persist(ctx, st)
	c.emit(st.record, domain.StageFailed, domain.EventFailed, err.Error(), map[string]any{
		"error_kind": kind,
	})
	c.publisher.Terminal(context.WithoutCancel(ctx), st.snapshot())
	c.logger.Warn("request failed",
		zap.String("request_id", st.record.RequestID),
		zap.String("error_kind", kind),
		zap.Error(err),
	)
}

// scheduleTeardown reclaims a sealed request's in-memory state after the
// retention window. Post-teardown fetches are served from the state store;
// the progress topic goes away with its replay buffer.
func (c *Coordinator) scheduleTeardown(requestID string) {
	go func() {
		_ = c.clock.Sleep(context.Background(), c.retention)
		c.mu.Lock()
		delete(c.active, requestID)
		c.mu.Unlock()
		c.bus.Drop(requestID)
	}()
}

// emit publishes one progress event with a timestamp in milliseconds since
// submission.
func (c *Coordinator) emit(rec *domain.RequestRecord, stage domain.Stage, status domain.EventStatus, message string, payload map[string]any) {
	c.bus.Publish(domain.ProgressEvent{
		RequestID:   rec.RequestID,
		Stage:       stage,
		Status:      status,
		ProgressPct: stagePct[stage],
		Message:     message,
		Payload:     payload,
		TimestampMs: c.clock.Now().Sub(rec.SubmittedAt).Milliseconds(),
	})
}

// persist writes a snapshot of the record to the state store. Failures are
// soft: the record keeps living in memory and the pipeline continues. The
// write is detached from the request context so canceled requests still
// seal their terminal state.
func (c *Coordinator) persist(ctx context.Context, st *requestState) {
	rec := st.snapshot()
	if err := c.records.Save(context.WithoutCancel(ctx), rec); err != nil {
		c.logger.Warn("state store write failed, continuing in-memory",
			zap.String("request_id", rec.RequestID),
			zap.Error(err),
		)
	}
}

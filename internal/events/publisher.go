// Package events mirrors request lifecycle milestones onto NATS JetStream
// for downstream consumers. The in-process progress bus stays authoritative
// for SSE clients; this publisher is fire-and-forget.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/arc-self/apps/fragment-service/internal/domain"
	"github.com/arc-self/apps/fragment-service/internal/natsclient"
)

// Subjects under the QUERY_EVENTS stream.
const (
	SubjectSubmitted = "queries.submitted"
	SubjectCompleted = "queries.completed"
	SubjectFailed    = "queries.failed"
	SubjectCanceled  = "queries.canceled"
)

// QueryEvent is the wire shape of one lifecycle milestone.
type QueryEvent struct {
	RequestID    string    `json:"request_id"`
	Stage        string    `json:"stage"`
	ErrorKind    string    `json:"error_kind,omitempty"`
	Strategy     string    `json:"strategy,omitempty"`
	Fragments    int       `json:"fragments,omitempty"`
	PrivacyScore float64   `json:"privacy_score,omitempty"`
	QualityScore float64   `json:"quality_score,omitempty"`
	TotalCost    float64   `json:"total_cost,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// Publisher emits lifecycle events. A nil Publisher is valid and publishes
// nothing, so deployments without NATS need no special casing.
type Publisher struct {
	nats   *natsclient.Client
	logger *zap.Logger
}

// NewPublisher wraps a connected NATS client.
func NewPublisher(nc *natsclient.Client, logger *zap.Logger) *Publisher {
	return &Publisher{nats: nc, logger: logger}
}

// Submitted mirrors request acceptance.
func (p *Publisher) Submitted(ctx context.Context, requestID string) {
	p.publish(ctx, SubjectSubmitted, QueryEvent{
		RequestID:  requestID,
		Stage:      string(domain.StageReceived),
		OccurredAt: time.Now().UTC(),
	})
}

// Terminal mirrors a request reaching COMPLETE, FAILED, or cancellation.
func (p *Publisher) Terminal(ctx context.Context, rec *domain.RequestRecord) {
	if p == nil || rec == nil || rec.Terminal == nil {
		return
	}
	ev := QueryEvent{
		RequestID:  rec.RequestID,
		Stage:      string(rec.Stage),
		ErrorKind:  rec.Terminal.ErrorKind,
		OccurredAt: time.Now().UTC(),
	}
	subject := SubjectFailed
	switch {
	case rec.Terminal.OK:
		subject = SubjectCompleted
		if rec.Plan != nil {
			ev.Strategy = string(rec.Plan.Strategy)
			ev.Fragments = len(rec.Plan.Fragments)
		}
		if rec.Aggregated != nil {
			ev.PrivacyScore = rec.Aggregated.PrivacyScore
			ev.QualityScore = rec.Aggregated.QualityScore
			ev.TotalCost = rec.Aggregated.TotalCost
		}
	case rec.Terminal.ErrorKind == domain.ErrorKind(domain.ErrCanceled):
		subject = SubjectCanceled
	}
	p.publish(ctx, subject, ev)
}

// publish marshals and sends one event. Failures are logged, never returned:
// the event mirror must not affect request outcomes.
func (p *Publisher) publish(ctx context.Context, subject string, ev QueryEvent) {
	if p == nil || p.nats == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("failed to marshal query event", zap.Error(err))
		return
	}
	if _, err := p.nats.JS.Publish(subject, data, nats.Context(ctx)); err != nil {
		p.logger.Error("NATS publish failed",
			zap.String("subject", subject),
			zap.Error(err),
		)
	}
}

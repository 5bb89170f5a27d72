package natsclient

import (
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	// StreamQueryEvents is the durable stream capturing request lifecycle
	// events for downstream consumers (analytics, alerting).
	StreamQueryEvents = "QUERY_EVENTS"
	// SubjectQueries is the wildcard subject hierarchy for request events.
	SubjectQueries = "queries.>"
)

// ProvisionStreams idempotently creates the required JetStream streams.
func (c *Client) ProvisionStreams() error {
	_, err := c.JS.StreamInfo(StreamQueryEvents)
	if err == nil {
		c.Log.Info("NATS stream exists", zap.String("stream", StreamQueryEvents))
		return nil
	}

	if err != nats.ErrStreamNotFound {
		return fmt.Errorf("failed to check stream info: %w", err)
	}

	cfg := &nats.StreamConfig{
		Name:      StreamQueryEvents,
		Subjects:  []string{SubjectQueries},
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
	}

	_, err = c.JS.AddStream(cfg)
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	c.Log.Info("NATS stream provisioned", zap.String("stream", StreamQueryEvents))
	return nil
}

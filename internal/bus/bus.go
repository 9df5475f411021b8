// Package bus is the publish boundary to the platform event bus. The bus
// itself is an external collaborator; this package only defines the publish
// contract and ships a NATS-backed implementation plus a no-op for bus-less
// deployments.
package bus

import "context"

// Topics emitted by the alerting engine.
const (
	TopicAlertFiring     = "alert:firing"
	TopicAlertResolved   = "alert:resolved"
	TopicAnomalyDetected = "anomaly:detected"
)

// Options carries per-event metadata for downstream consumers.
type Options struct {
	Priority string `json:"priority,omitempty"`
	Source   string `json:"source,omitempty"`
}

// Publisher broadcasts events to the rest of the platform. Implementations
// must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any, opts Options) error
	Close()
}

// NoopPublisher drops every event. Used when no bus is configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(ctx context.Context, topic string, payload any, opts Options) error {
	return nil
}

func (NoopPublisher) Close() {}

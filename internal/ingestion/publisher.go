package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"WaterfallLedger/internal/reconcile"
)

// EventsStream carries outcomes and drift alerts to downstream consumers.
const EventsStream = "WATERFALL_EVENTS"

// Notification kinds besides the inbound event types.
const KindDrift = "drift"

// StreamPublisher is the subset of jetstream.JetStream used for publishing.
type StreamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Notification is one outbound message.
type Notification struct {
	Kind        string      `json:"kind"`
	AgreementID uuid.UUID   `json:"agreement_id"`
	EventID     string      `json:"event_id,omitempty"`
	Payload     interface{} `json:"payload"`
	Timestamp   time.Time   `json:"timestamp"`
}

// Subject is waterfall.events.{kind}.{agreement_id}.
func (n Notification) Subject() string {
	return fmt.Sprintf("waterfall.events.%s.%s", n.Kind, n.AgreementID)
}

// OutboundPublisher publishes notifications after the agreement is saved.
// Publishing is asynchronous; a full queue drops the notification.
type OutboundPublisher struct {
	js     StreamPublisher
	queue  chan Notification
	logger zerolog.Logger
}

func NewOutboundPublisher(js StreamPublisher, capacity int, logger zerolog.Logger) *OutboundPublisher {
	if capacity <= 0 {
		capacity = 1024
	}
	return &OutboundPublisher{
		js:     js,
		queue:  make(chan Notification, capacity),
		logger: logger,
	}
}

// Enqueue hands n to the publish loop without blocking.
func (op *OutboundPublisher) Enqueue(n Notification) bool {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}
	select {
	case op.queue <- n:
		return true
	default:
		op.logger.Warn().Str("subject", n.Subject()).Msg("outbound queue full, notification dropped")
		return false
	}
}

// AlertDrift is a reconcile.AlertFunc.
func (op *OutboundPublisher) AlertDrift(_ context.Context, d reconcile.Drift) error {
	if !op.Enqueue(Notification{Kind: KindDrift, AgreementID: d.AgreementID, Payload: d}) {
		return fmt.Errorf("outbound queue full")
	}
	return nil
}

// Run publishes queued notifications until ctx is cancelled.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n := <-op.queue:
			if err := op.publish(ctx, n); err != nil {
				// Non-fatal: the agreement store remains the source of truth.
				op.logger.Warn().Err(err).Str("subject", n.Subject()).Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	_, err = op.js.Publish(ctx, n.Subject(), data)
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      EventsStream,
		Subjects:  []string{"waterfall.events.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	return nil
}

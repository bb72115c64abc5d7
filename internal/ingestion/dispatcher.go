package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"WaterfallLedger/internal/agreement"
	"WaterfallLedger/internal/core"
	"WaterfallLedger/internal/event"
	fp "WaterfallLedger/internal/math"
	"WaterfallLedger/internal/orchestrator"
	"WaterfallLedger/internal/waterfall"
)

// ErrDuplicateEvent is returned by Handle for an idempotency key that was
// already processed or is being processed.
var ErrDuplicateEvent = errors.New("ingestion: duplicate event")

// Processor is the subset of the orchestrator the dispatcher drives.
type Processor interface {
	ProcessChartererPayment(ctx context.Context, req orchestrator.ChartererPayment) (*orchestrator.Outcome, error)
	ProcessEarlyRepayment(ctx context.Context, id uuid.UUID, eventID string) (*orchestrator.Outcome, error)
	ProcessDefaultCoverage(ctx context.Context, id uuid.UUID, amount fp.Drops, eventID string) (*orchestrator.Outcome, error)
}

// Dispatcher deduplicates events, routes them to the orchestrator and
// settles the inbound message. An event whose legs moved funds, or may have,
// is never redelivered; one that moved nothing is released for retry unless
// the failure is permanent.
type Dispatcher struct {
	proc      Processor
	dedup     *core.Deduplicator
	publisher *OutboundPublisher
	logger    zerolog.Logger
}

func NewDispatcher(proc Processor, dedup *core.Deduplicator, publisher *OutboundPublisher, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		proc:      proc,
		dedup:     dedup,
		publisher: publisher,
		logger:    logger,
	}
}

// Run consumes raw events with the given number of workers until ctx is
// cancelled or events is closed.
func (d *Dispatcher) Run(ctx context.Context, events <-chan RawEvent, workers int) {
	if workers <= 0 {
		workers = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case raw, ok := <-events:
					if !ok {
						return
					}
					d.HandleRaw(ctx, raw)
				}
			}
		}()
	}
	wg.Wait()
}

// HandleRaw parses raw, processes it and acknowledges the message.
func (d *Dispatcher) HandleRaw(ctx context.Context, raw RawEvent) {
	ev, err := ParseRawEvent(raw, raw.EventType)
	if err != nil {
		d.logger.Error().Err(err).Str("subject", raw.Subject).Msg("unparseable event dropped")
		call(raw.TermFunc)
		return
	}

	_, err = d.Handle(ctx, ev)
	switch {
	case err == nil, errors.Is(err, ErrDuplicateEvent), errors.Is(err, orchestrator.ErrLegPartialFailure):
		call(raw.AckFunc)
	case errors.Is(err, orchestrator.ErrSubmissionAmbiguous):
		d.logger.Error().Err(err).
			Str("event_type", ev.EventType().String()).
			Str("idempotency_key", ev.IdempotencyKey()).
			Msg("ledger outcome unknown, event held for operator")
		call(raw.TermFunc)
	case permanent(err):
		d.logger.Warn().Err(err).
			Str("event_type", ev.EventType().String()).
			Str("idempotency_key", ev.IdempotencyKey()).
			Msg("event rejected")
		call(raw.TermFunc)
	default:
		d.logger.Warn().Err(err).
			Str("event_type", ev.EventType().String()).
			Str("idempotency_key", ev.IdempotencyKey()).
			Msg("event failed, redelivering")
		call(raw.NakFunc)
	}
}

// Handle runs ev through deduplication and the orchestrator. The outcome is
// returned alongside ErrLegPartialFailure when some legs failed.
func (d *Dispatcher) Handle(ctx context.Context, ev event.Event) (*orchestrator.Outcome, error) {
	eventType := ev.EventType().String()
	key := ev.IdempotencyKey()

	if !d.dedup.Claim(ctx, eventType, key) {
		return nil, fmt.Errorf("%w: %s %s", ErrDuplicateEvent, eventType, key)
	}

	out, err := d.process(ctx, ev)
	if !out.MovedFunds() && !out.Ambiguous() {
		d.dedup.Release(eventType, key)
		return out, err
	}

	result := "confirmed"
	switch {
	case out.Ambiguous():
		result = "ambiguous"
	case err != nil:
		result = "partial"
	}
	if cerr := d.dedup.Complete(ctx, eventType, key, ev.AgreementID(), result); cerr != nil {
		d.logger.Error().Err(cerr).
			Str("event_type", eventType).
			Str("idempotency_key", key).
			Msg("processed event not recorded")
	}
	d.notify(ev, out)
	return out, err
}

func (d *Dispatcher) process(ctx context.Context, ev event.Event) (*orchestrator.Outcome, error) {
	switch e := ev.(type) {
	case *event.ChartererPayment:
		return d.proc.ProcessChartererPayment(ctx, orchestrator.ChartererPayment{
			AgreementID: e.Agreement,
			Amount:      e.Amount,
			EventID:     e.PaymentID,
		})
	case *event.EarlyRepayment:
		return d.proc.ProcessEarlyRepayment(ctx, e.Agreement, e.RequestID)
	case *event.DefaultCoverage:
		return d.proc.ProcessDefaultCoverage(ctx, e.Agreement, e.Amount, e.CoverageID)
	default:
		return nil, fmt.Errorf("unsupported event %T", ev)
	}
}

func (d *Dispatcher) notify(ev event.Event, out *orchestrator.Outcome) {
	if d.publisher == nil || out == nil {
		return
	}
	d.publisher.Enqueue(Notification{
		Kind:        ev.EventType().String(),
		AgreementID: ev.AgreementID(),
		EventID:     out.EventID,
		Payload:     out,
	})
}

// permanent reports failures that a redelivery cannot fix.
func permanent(err error) bool {
	return errors.Is(err, agreement.ErrNotFound) ||
		errors.Is(err, agreement.ErrInvalidTransition) ||
		errors.Is(err, orchestrator.ErrDistributionNotPermitted) ||
		errors.Is(err, waterfall.ErrInvalidAmount)
}

func call(fn func()) {
	if fn != nil {
		fn()
	}
}

package ingestion_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"WaterfallLedger/internal/agreement"
	"WaterfallLedger/internal/core"
	"WaterfallLedger/internal/event"
	"WaterfallLedger/internal/gateway"
	"WaterfallLedger/internal/ingestion"
	fp "WaterfallLedger/internal/math"
	"WaterfallLedger/internal/orchestrator"
	"WaterfallLedger/internal/testutil"
)

type published struct {
	subject string
	data    []byte
}

type fakeStream struct {
	msgs chan published
}

func (f *fakeStream) Publish(_ context.Context, subject string, data []byte, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	f.msgs <- published{subject: subject, data: data}
	return &jetstream.PubAck{Stream: ingestion.EventsStream}, nil
}

type acks struct {
	mu                  sync.Mutex
	acked, naked, termd int
}

func (a *acks) counts() (int, int, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acked, a.naked, a.termd
}

type dispatchFixture struct {
	ledger *gateway.SimulatedLedger
	repo   *agreement.MemoryRepository
	disp   *ingestion.Dispatcher
	stream *fakeStream
	a      *agreement.FinancingAgreement
}

func newDispatchFixture(t *testing.T) *dispatchFixture {
	t.Helper()
	ledger := testutil.FundedLedger()
	repo := agreement.NewMemoryRepository()
	orch := orchestrator.New(repo, ledger, orchestrator.WithLogger(zerolog.Nop()))
	a, err := orch.Open(context.Background(), testutil.Terms(), testutil.Wallets(), agreement.Hook{})
	if err != nil {
		t.Fatal(err)
	}

	stream := &fakeStream{msgs: make(chan published, 16)}
	pub := ingestion.NewOutboundPublisher(stream, 16, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = pub.Run(ctx) }()

	dedup := core.NewDeduplicator(64, nil, nil, zerolog.Nop())
	return &dispatchFixture{
		ledger: ledger,
		repo:   repo,
		disp:   ingestion.NewDispatcher(orch, dedup, pub, zerolog.Nop()),
		stream: stream,
		a:      a,
	}
}

func (f *dispatchFixture) raw(t *testing.T, eventType event.EventType, payload map[string]interface{}, ack *acks) ingestion.RawEvent {
	t.Helper()
	raw := rawFromJSON(t, eventType, payload)
	raw.AckFunc = func() { ack.mu.Lock(); ack.acked++; ack.mu.Unlock() }
	raw.NakFunc = func() { ack.mu.Lock(); ack.naked++; ack.mu.Unlock() }
	raw.TermFunc = func() { ack.mu.Lock(); ack.termd++; ack.mu.Unlock() }
	return raw
}

func (f *dispatchFixture) payment(id, amount string) map[string]interface{} {
	return map[string]interface{}{
		"payment_id":   id,
		"agreement_id": f.a.ID.String(),
		"amount":       amount,
	}
}

func (f *dispatchFixture) recovered(t *testing.T) fp.Drops {
	t.Helper()
	a, err := f.repo.Get(context.Background(), f.a.ID)
	if err != nil {
		t.Fatal(err)
	}
	return a.Recovery.Recovered
}

func (f *dispatchFixture) nextPublished(t *testing.T) published {
	t.Helper()
	select {
	case p := <-f.stream.msgs:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("no notification published")
		return published{}
	}
}

// ============================================================================
// Test: Dispatcher
// ============================================================================

func TestDispatcher_ProcessesAndPublishes(t *testing.T) {
	f := newDispatchFixture(t)
	ack := &acks{}

	f.disp.HandleRaw(context.Background(), f.raw(t, event.EventTypeChartererPayment, f.payment("pay-1", "500"), ack))

	if a, n, term := ack.counts(); a != 1 || n != 0 || term != 0 {
		t.Errorf("ack/nak/term: got %d/%d/%d, want 1/0/0", a, n, term)
	}
	if got := f.recovered(t); got != fp.MustXRP("500") {
		t.Errorf("recovered: got %s, want 500", got)
	}

	p := f.nextPublished(t)
	wantSubject := "waterfall.events.charterer_payment." + f.a.ID.String()
	if p.subject != wantSubject {
		t.Errorf("subject: got %s, want %s", p.subject, wantSubject)
	}
	var n ingestion.Notification
	if err := json.Unmarshal(p.data, &n); err != nil {
		t.Fatal(err)
	}
	if n.EventID != "pay-1" || n.Kind != "charterer_payment" {
		t.Errorf("notification: got %+v", n)
	}
}

func TestDispatcher_RedeliveryIsAcknowledgedWithoutMovingFunds(t *testing.T) {
	f := newDispatchFixture(t)
	ack := &acks{}
	raw := f.raw(t, event.EventTypeChartererPayment, f.payment("pay-1", "500"), ack)

	f.disp.HandleRaw(context.Background(), raw)
	before := len(f.ledger.Submissions())
	f.disp.HandleRaw(context.Background(), raw)

	if a, _, _ := ack.counts(); a != 2 {
		t.Errorf("acks: got %d, want 2", a)
	}
	if got := len(f.ledger.Submissions()); got != before {
		t.Errorf("submissions after redelivery: got %d, want %d", got, before)
	}
	if got := f.recovered(t); got != fp.MustXRP("500") {
		t.Errorf("recovered: got %s, want 500", got)
	}
}

func TestDispatcher_ChartererLegFailureIsRetried(t *testing.T) {
	f := newDispatchFixture(t)
	ack := &acks{}
	raw := f.raw(t, event.EventTypeChartererPayment, f.payment("pay-1", "500"), ack)

	f.ledger.FailPaymentsTo(testutil.Platform, errors.New("tecUNFUNDED_PAYMENT"))
	f.disp.HandleRaw(context.Background(), raw)
	if _, n, _ := ack.counts(); n != 1 {
		t.Fatalf("naks: got %d, want 1", n)
	}
	if got := f.recovered(t); got != 0 {
		t.Errorf("recovered after failed leg: got %s, want 0", got)
	}

	f.ledger.FailPaymentsTo(testutil.Platform, nil)
	f.disp.HandleRaw(context.Background(), raw)
	if a, _, _ := ack.counts(); a != 1 {
		t.Errorf("acks after retry: got %d, want 1", a)
	}
	if got := f.recovered(t); got != fp.MustXRP("500") {
		t.Errorf("recovered after retry: got %s, want 500", got)
	}
}

func TestDispatcher_PartialFailureIsNotRetried(t *testing.T) {
	f := newDispatchFixture(t)
	ack := &acks{}
	raw := f.raw(t, event.EventTypeChartererPayment, f.payment("pay-1", "1200"), ack)

	f.ledger.FailPaymentsTo(testutil.Shipowner, errors.New("tecNO_DST"))
	f.disp.HandleRaw(context.Background(), raw)
	f.disp.HandleRaw(context.Background(), raw)

	if a, n, term := ack.counts(); a != 2 || n != 0 || term != 0 {
		t.Errorf("ack/nak/term: got %d/%d/%d, want 2/0/0", a, n, term)
	}
	if got := f.recovered(t); got != fp.MustXRP("1050") {
		t.Errorf("recovered: got %s, want 1050", got)
	}
}

func TestDispatcher_AmbiguousChartererLegIsHeld(t *testing.T) {
	f := newDispatchFixture(t)
	f.ledger.FailPaymentsTo(testutil.Platform, fmt.Errorf("%w: submit: timeout", gateway.ErrAmbiguousResult))

	ev := &event.ChartererPayment{PaymentID: "pay-1", Agreement: f.a.ID, Amount: fp.MustXRP("500")}
	_, err := f.disp.Handle(context.Background(), ev)
	if !errors.Is(err, orchestrator.ErrSubmissionAmbiguous) {
		t.Fatalf("first attempt: got %v, want ErrSubmissionAmbiguous", err)
	}
	_, err = f.disp.Handle(context.Background(), ev)
	if !errors.Is(err, ingestion.ErrDuplicateEvent) {
		t.Errorf("second attempt: got %v, want ErrDuplicateEvent", err)
	}

	if got := len(f.ledger.Submissions()); got != 1 {
		t.Errorf("charterer submissions: got %d, want 1", got)
	}
	a, err := f.repo.Get(context.Background(), f.a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(a.Transactions) != 1 || !a.Transactions[0].Ambiguous {
		t.Fatalf("recorded legs: got %+v, want one ambiguous charterer leg", a.Transactions)
	}
	if a.Recovery.Recovered != 0 {
		t.Errorf("recovered: got %s, want 0", a.Recovery.Recovered)
	}
}

func TestDispatcher_AmbiguousEventIsTerminated(t *testing.T) {
	f := newDispatchFixture(t)
	ack := &acks{}
	raw := f.raw(t, event.EventTypeChartererPayment, f.payment("pay-1", "500"), ack)

	f.ledger.FailPaymentsTo(testutil.Platform, fmt.Errorf("%w: no validation", gateway.ErrAmbiguousResult))
	f.disp.HandleRaw(context.Background(), raw)
	if a, n, term := ack.counts(); a != 0 || n != 0 || term != 1 {
		t.Fatalf("ack/nak/term: got %d/%d/%d, want 0/0/1", a, n, term)
	}

	f.ledger.FailPaymentsTo(testutil.Platform, nil)
	f.disp.HandleRaw(context.Background(), raw)
	if a, _, _ := ack.counts(); a != 1 {
		t.Errorf("acks on redelivery: got %d, want 1", a)
	}
	if got := len(f.ledger.Submissions()); got != 1 {
		t.Errorf("submissions: got %d, want 1", got)
	}
}

func TestDispatcher_PermanentFailuresAreTerminated(t *testing.T) {
	f := newDispatchFixture(t)

	tests := []struct {
		name      string
		eventType event.EventType
		payload   map[string]interface{}
	}{
		{"malformed", event.EventTypeChartererPayment, map[string]interface{}{"payment_id": "p"}},
		{"unknown agreement", event.EventTypeChartererPayment, map[string]interface{}{
			"payment_id": "p", "agreement_id": agreementID, "amount": "10",
		}},
		{"coverage over remaining debt", event.EventTypeDefaultCoverage, map[string]interface{}{
			"coverage_id": "c", "agreement_id": f.a.ID.String(), "amount": "2000",
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ack := &acks{}
			f.disp.HandleRaw(context.Background(), f.raw(t, tt.eventType, tt.payload, ack))
			if a, n, term := ack.counts(); a != 0 || n != 0 || term != 1 {
				t.Errorf("ack/nak/term: got %d/%d/%d, want 0/0/1", a, n, term)
			}
		})
	}
}

func TestDispatcher_HandleReportsDuplicates(t *testing.T) {
	f := newDispatchFixture(t)
	ev := &event.EarlyRepayment{RequestID: "early-1", Agreement: f.a.ID}

	out, err := f.disp.Handle(context.Background(), ev)
	if err != nil {
		t.Fatal(err)
	}
	if out.Agreement.Status != agreement.StatusCompleted {
		t.Errorf("status: got %s, want completed", out.Agreement.Status)
	}

	_, err = f.disp.Handle(context.Background(), ev)
	if !errors.Is(err, ingestion.ErrDuplicateEvent) {
		t.Errorf("got %v, want ErrDuplicateEvent", err)
	}
}

func TestDispatcher_RunDrainsChannel(t *testing.T) {
	f := newDispatchFixture(t)
	ack := &acks{}
	events := make(chan ingestion.RawEvent, 3)
	for _, id := range []string{"pay-1", "pay-2", "pay-3"} {
		events <- f.raw(t, event.EventTypeChartererPayment, f.payment(id, "100"), ack)
	}
	close(events)

	f.disp.Run(context.Background(), events, 2)

	if a, _, _ := ack.counts(); a != 3 {
		t.Errorf("acks: got %d, want 3", a)
	}
	if got := f.recovered(t); got != fp.MustXRP("300") {
		t.Errorf("recovered: got %s, want 300", got)
	}
}

// ============================================================================
// Test: OutboundPublisher
// ============================================================================

func TestOutboundPublisher_DropsWhenFull(t *testing.T) {
	pub := ingestion.NewOutboundPublisher(&fakeStream{msgs: make(chan published, 1)}, 1, zerolog.Nop())
	if !pub.Enqueue(ingestion.Notification{Kind: "drift"}) {
		t.Fatal("first enqueue rejected")
	}
	if pub.Enqueue(ingestion.Notification{Kind: "drift"}) {
		t.Error("enqueue on a full queue must not block or succeed")
	}
}

func TestNotification_Subject(t *testing.T) {
	n := ingestion.Notification{Kind: ingestion.KindDrift}
	if !strings.HasPrefix(n.Subject(), "waterfall.events.drift.") {
		t.Errorf("subject: got %s", n.Subject())
	}
}

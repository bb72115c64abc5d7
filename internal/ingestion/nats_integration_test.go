package ingestion_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"WaterfallLedger/internal/agreement"
	"WaterfallLedger/internal/core"
	"WaterfallLedger/internal/ingestion"
	fp "WaterfallLedger/internal/math"
	"WaterfallLedger/internal/orchestrator"
	"WaterfallLedger/internal/testutil"
)

// ============================================================================
// Integration: JetStream in, dispatcher, JetStream out
// ============================================================================

func TestNATS_PaymentRoundTrip(t *testing.T) {
	testutil.RequireIntegration(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	nc, js, err := ingestion.ConnectNATS(testutil.TestNATSURL(), zerolog.Nop())
	if err != nil {
		t.Skipf("NATS unavailable: %v", err)
	}
	defer nc.Close()

	if err := ingestion.EnsureStreams(ctx, js); err != nil {
		t.Fatalf("ensure streams: %v", err)
	}
	if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
		t.Fatalf("ensure outbound stream: %v", err)
	}

	repo := agreement.NewMemoryRepository()
	orch := orchestrator.New(repo, testutil.FundedLedger(), orchestrator.WithLogger(zerolog.Nop()))
	a, err := orch.Open(ctx, testutil.Terms(), testutil.Wallets(), agreement.Hook{})
	if err != nil {
		t.Fatal(err)
	}

	pub := ingestion.NewOutboundPublisher(js, 16, zerolog.Nop())
	go func() { _ = pub.Run(ctx) }()

	events := make(chan ingestion.RawEvent, 16)
	sub := ingestion.NewNATSSubscriber(js, events, zerolog.Nop())
	if err := sub.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Stop()

	disp := ingestion.NewDispatcher(orch, core.NewDeduplicator(64, nil, nil, zerolog.Nop()), pub, zerolog.Nop())
	go disp.Run(ctx, events, 2)

	payload, _ := json.Marshal(map[string]string{
		"payment_id":   "nats-" + a.ID.String(),
		"agreement_id": a.ID.String(),
		"amount":       "500",
	})
	if _, err := js.Publish(ctx, "waterfall.payments.charterer."+a.ID.String(), payload); err != nil {
		t.Fatalf("publish: %v", err)
	}

	out, err := js.OrderedConsumer(ctx, ingestion.EventsStream, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{"waterfall.events.charterer_payment." + a.ID.String()},
	})
	if err != nil {
		t.Fatalf("outbound consumer: %v", err)
	}
	msg, err := out.Next(jetstream.FetchMaxWait(10 * time.Second))
	if err != nil {
		t.Fatalf("no outcome published: %v", err)
	}
	if msg.Subject() != "waterfall.events.charterer_payment."+a.ID.String() {
		t.Errorf("subject: got %s", msg.Subject())
	}

	got, err := repo.Get(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Recovery.Recovered != fp.MustXRP("500") {
		t.Errorf("recovered: got %s, want 500", got.Recovery.Recovered)
	}
}

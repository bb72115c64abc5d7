package reconcile_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"WaterfallLedger/internal/agreement"
	"WaterfallLedger/internal/gateway"
	fp "WaterfallLedger/internal/math"
	"WaterfallLedger/internal/orchestrator"
	"WaterfallLedger/internal/reconcile"
	"WaterfallLedger/internal/waterfall"
)

const (
	charterer = "rCharterer"
	investor  = "rInvestor"
	shipowner = "rShipowner"
	platform  = "rPlatform"
)

var nop = zerolog.Nop()

func terms() waterfall.Terms {
	return waterfall.Terms{
		Principal:       fp.MustXRP("1000"),
		InterestRate:    fp.MustRate("5"),
		ExpectedRevenue: fp.MustXRP("1500"),
		PenaltyRate:     fp.MustRate("2"),
	}
}

func openAgreement(t *testing.T, hook agreement.Hook) *agreement.FinancingAgreement {
	t.Helper()
	a, err := agreement.Open(terms(), agreement.NewWallets(charterer, investor, shipowner, platform), hook, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	return a
}

type alerts struct {
	mu     sync.Mutex
	drifts []reconcile.Drift
}

func (a *alerts) record(_ context.Context, d reconcile.Drift) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.drifts = append(a.drifts, d)
	return nil
}

// ============================================================================
// Test: Reconcile
// ============================================================================

func TestReconcile_CleanAgreement(t *testing.T) {
	ledger := gateway.NewSimulatedLedger()
	ledger.Fund(charterer, fp.MustXRP("10"))
	ledger.Fund(investor, fp.MustXRP("20"))

	r := reconcile.New(reconcile.Config{Ledger: ledger, Logger: &nop})
	a := openAgreement(t, agreement.Hook{})

	rep, err := r.Reconcile(context.Background(), a)
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Clean() {
		t.Errorf("unexpected drifts: %+v", rep.Drifts)
	}
	if len(rep.Balances) != 4 {
		t.Fatalf("got %d balances, want 4", len(rep.Balances))
	}
	for _, b := range rep.Balances {
		switch b.Role {
		case agreement.RoleCharterer:
			if b.Balance != fp.MustXRP("10") {
				t.Errorf("charterer: got %s, want 10", b.Balance)
			}
		case agreement.RoleInvestor:
			if b.Balance != fp.MustXRP("20") {
				t.Errorf("investor: got %s, want 20", b.Balance)
			}
		}
	}
	if rep.HookCounter != nil {
		t.Error("hook counter read without an active hook")
	}
	if rep.Agreement == a {
		t.Error("report must carry a copy, not the caller's agreement")
	}
}

func TestReconcile_UndistributedPlatformFunds(t *testing.T) {
	ledger := gateway.NewSimulatedLedger()
	ledger.Fund(charterer, fp.MustXRP("5000"))
	ledger.FailPaymentsTo(shipowner, errors.New("destination unreachable"))

	repo := agreement.NewMemoryRepository()
	orch := orchestrator.New(repo, ledger, orchestrator.WithLogger(nop))
	a, err := orch.Open(context.Background(), terms(), agreement.NewWallets(charterer, investor, shipowner, platform), agreement.Hook{})
	if err != nil {
		t.Fatal(err)
	}
	out, err := orch.ProcessChartererPayment(context.Background(), orchestrator.ChartererPayment{
		AgreementID: a.ID,
		Amount:      fp.MustXRP("1200"),
	})
	if !errors.Is(err, orchestrator.ErrLegPartialFailure) {
		t.Fatalf("setup: got %v, want partial failure", err)
	}

	var got alerts
	r := reconcile.New(reconcile.Config{Ledger: ledger, Alert: got.record, Logger: &nop})
	rep, err := r.Reconcile(context.Background(), out.Agreement)
	if err != nil {
		t.Fatal(err)
	}

	if len(rep.Drifts) != 1 {
		t.Fatalf("got %d drifts, want 1: %+v", len(rep.Drifts), rep.Drifts)
	}
	d := rep.Drifts[0]
	if d.Kind != reconcile.DriftUndistributedFunds {
		t.Errorf("kind: got %s", d.Kind)
	}
	if d.Observed != fp.MustXRP("150") || rep.Undistributed != fp.MustXRP("150") {
		t.Errorf("undistributed: got %s, want 150", d.Observed)
	}
	if len(d.EventIDs) != 1 || d.EventIDs[0] != out.EventID {
		t.Errorf("event ids: got %v, want [%s]", d.EventIDs, out.EventID)
	}
	if len(got.drifts) != 1 {
		t.Errorf("alerts: got %d, want 1", len(got.drifts))
	}

	// The platform balance agrees with the drift.
	for _, b := range rep.Balances {
		if b.Role == agreement.RolePlatform && b.Balance != fp.MustXRP("150") {
			t.Errorf("platform balance: got %s, want 150", b.Balance)
		}
	}
}

func TestReconcile_AmbiguousLeg(t *testing.T) {
	ledger := gateway.NewSimulatedLedger()
	ledger.Fund(charterer, fp.MustXRP("5000"))
	ledger.FailPaymentsTo(platform, fmt.Errorf("%w: submit: timeout", gateway.ErrAmbiguousResult))

	repo := agreement.NewMemoryRepository()
	orch := orchestrator.New(repo, ledger, orchestrator.WithLogger(nop))
	a, err := orch.Open(context.Background(), terms(), agreement.NewWallets(charterer, investor, shipowner, platform), agreement.Hook{})
	if err != nil {
		t.Fatal(err)
	}
	_, err = orch.ProcessChartererPayment(context.Background(), orchestrator.ChartererPayment{
		AgreementID: a.ID,
		Amount:      fp.MustXRP("500"),
		EventID:     "pay-1",
	})
	if !errors.Is(err, orchestrator.ErrSubmissionAmbiguous) {
		t.Fatalf("setup: got %v, want ErrSubmissionAmbiguous", err)
	}
	stored, err := repo.Get(context.Background(), a.ID)
	if err != nil {
		t.Fatal(err)
	}

	r := reconcile.New(reconcile.Config{Ledger: ledger, Logger: &nop})
	rep, err := r.Reconcile(context.Background(), stored)
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.Drifts) != 1 {
		t.Fatalf("got %d drifts, want 1: %+v", len(rep.Drifts), rep.Drifts)
	}
	d := rep.Drifts[0]
	if d.Kind != reconcile.DriftAmbiguousLeg {
		t.Errorf("kind: got %s, want %s", d.Kind, reconcile.DriftAmbiguousLeg)
	}
	if d.Party != string(agreement.RolePlatform) || d.Observed != fp.MustXRP("500") {
		t.Errorf("got party=%s observed=%s, want platform 500", d.Party, d.Observed)
	}
	if len(d.EventIDs) != 1 || d.EventIDs[0] != "pay-1" {
		t.Errorf("event ids: got %v, want [pay-1]", d.EventIDs)
	}
}

func TestReconcile_UnpaidPenalty(t *testing.T) {
	ledger := gateway.NewSimulatedLedger()
	ledger.Fund(charterer, fp.MustXRP("5000"))
	ledger.Fund(shipowner, fp.MustXRP("5000"))

	repo := agreement.NewMemoryRepository()
	orch := orchestrator.New(repo, ledger, orchestrator.WithLogger(nop))
	a, err := orch.Open(context.Background(), terms(), agreement.NewWallets(charterer, investor, shipowner, platform), agreement.Hook{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := orch.ProcessChartererPayment(context.Background(), orchestrator.ChartererPayment{AgreementID: a.ID, Amount: fp.MustXRP("800")}); err != nil {
		t.Fatal(err)
	}
	ledger.FailPaymentsTo(platform, errors.New("platform frozen"))
	out, err := orch.ProcessEarlyRepayment(context.Background(), a.ID, "er-1")
	if !errors.Is(err, orchestrator.ErrLegPartialFailure) {
		t.Fatalf("setup: got %v, want partial failure", err)
	}

	var got alerts
	r := reconcile.New(reconcile.Config{Ledger: ledger, Alert: got.record, Logger: &nop})
	rep, err := r.Reconcile(context.Background(), out.Agreement)
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.Drifts) != 1 {
		t.Fatalf("got %d drifts, want 1: %+v", len(rep.Drifts), rep.Drifts)
	}
	d := rep.Drifts[0]
	if d.Kind != reconcile.DriftUnpaidPenalty {
		t.Errorf("kind: got %s, want %s", d.Kind, reconcile.DriftUnpaidPenalty)
	}
	if d.Observed != fp.MustXRP("5") {
		t.Errorf("observed: got %s, want 5", d.Observed)
	}
	if len(d.EventIDs) != 1 || d.EventIDs[0] != "er-1" {
		t.Errorf("event ids: got %v, want [er-1]", d.EventIDs)
	}
	if len(got.drifts) != 1 {
		t.Errorf("alerts: got %d, want 1", len(got.drifts))
	}
}

func TestReconcile_HookCounterMismatch(t *testing.T) {
	ledger := gateway.NewSimulatedLedger()
	ledger.Fund(charterer, fp.MustXRP("1000"))
	ledger.InstallHook(platform, investor, shipowner, fp.MustXRP("1050"), 0)
	if res := ledger.SubmitPayment(context.Background(), gateway.Payment{From: charterer, To: platform, Amount: fp.MustXRP("300")}); !res.Confirmed() {
		t.Fatalf("setup payment failed: %v", res.Err)
	}

	a := openAgreement(t, agreement.Hook{Status: agreement.HookActive, Address: platform})
	if err := a.AdvanceRecovery(fp.MustXRP("500"), time.Now()); err != nil {
		t.Fatal(err)
	}
	before := a.Recovery

	r := reconcile.New(reconcile.Config{Ledger: ledger, Logger: &nop})
	rep, err := r.Reconcile(context.Background(), a)
	if err != nil {
		t.Fatal(err)
	}

	if rep.HookCounter == nil || *rep.HookCounter != fp.MustXRP("300") {
		t.Fatalf("hook counter: got %v, want 300", rep.HookCounter)
	}
	if len(rep.Drifts) != 1 || rep.Drifts[0].Kind != reconcile.DriftHookCounterMismatch {
		t.Fatalf("drifts: got %+v", rep.Drifts)
	}
	d := rep.Drifts[0]
	if d.Local != fp.MustXRP("500") || d.Observed != fp.MustXRP("300") {
		t.Errorf("got local=%s observed=%s", d.Local, d.Observed)
	}
	if d.Suggested == nil || d.Suggested.Recovered != fp.MustXRP("300") || d.Suggested.Remaining != fp.MustXRP("750") {
		t.Errorf("suggested recovery: got %+v", d.Suggested)
	}
	if a.Recovery != before {
		t.Error("reconciliation mutated the agreement")
	}
}

func TestReconcile_ToleranceSuppressesSmallDrift(t *testing.T) {
	ledger := gateway.FuncGateway{
		HookCounterFunc: func(context.Context, string) (fp.Drops, bool, error) {
			return fp.MustXRP("500.000002"), true, nil
		},
	}
	a := openAgreement(t, agreement.Hook{Status: agreement.HookActive, Address: platform})
	if err := a.AdvanceRecovery(fp.MustXRP("500"), time.Now()); err != nil {
		t.Fatal(err)
	}

	r := reconcile.New(reconcile.Config{Ledger: ledger, Tolerance: 2, Logger: &nop})
	rep, err := r.Reconcile(context.Background(), a)
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Clean() {
		t.Errorf("drift within tolerance reported: %+v", rep.Drifts)
	}
}

func TestReconcile_AbsentHookStateIsNotDrift(t *testing.T) {
	ledger := gateway.NewSimulatedLedger()
	a := openAgreement(t, agreement.Hook{Status: agreement.HookActive, Address: platform})

	r := reconcile.New(reconcile.Config{Ledger: ledger, Logger: &nop})
	rep, err := r.Reconcile(context.Background(), a)
	if err != nil {
		t.Fatal(err)
	}
	if rep.HookCounter != nil || !rep.Clean() {
		t.Errorf("got counter=%v drifts=%+v", rep.HookCounter, rep.Drifts)
	}
}

func TestReconcile_ReadFailuresAreRecorded(t *testing.T) {
	ledger := gateway.FuncGateway{
		BalanceFunc: func(_ context.Context, addr string) (fp.Drops, error) {
			if addr == investor {
				return 0, errors.New("actNotFound")
			}
			return fp.MustXRP("1"), nil
		},
		HookCounterFunc: func(context.Context, string) (fp.Drops, bool, error) {
			return 0, false, errors.New("connection reset")
		},
	}
	a := openAgreement(t, agreement.Hook{Status: agreement.HookActive, Address: platform})

	r := reconcile.New(reconcile.Config{Ledger: ledger, Logger: &nop})
	rep, err := r.Reconcile(context.Background(), a)
	if err != nil {
		t.Fatalf("read failures must not fail reconciliation: %v", err)
	}

	parties := map[string]bool{}
	for _, d := range rep.Drifts {
		if d.Kind != reconcile.DriftBalanceUnavailable {
			t.Errorf("unexpected drift kind %s", d.Kind)
		}
		parties[d.Party] = true
	}
	if !parties[string(agreement.RoleInvestor)] || !parties["hook"] || len(parties) != 2 {
		t.Errorf("got drift parties %v, want investor and hook", parties)
	}
}

func TestReconcile_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := reconcile.New(reconcile.Config{Ledger: gateway.NewSimulatedLedger(), Logger: &nop})
	if _, err := r.Reconcile(ctx, openAgreement(t, agreement.Hook{})); !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
}

// ============================================================================
// Test: Scheduler
// ============================================================================

func TestScheduler_RunOnceSkipsCompleted(t *testing.T) {
	ledger := gateway.NewSimulatedLedger()
	ledger.Fund(charterer, fp.MustXRP("5000"))
	repo := agreement.NewMemoryRepository()
	orch := orchestrator.New(repo, ledger, orchestrator.WithLogger(nop))
	ctx := context.Background()

	open, err := orch.Open(ctx, terms(), agreement.NewWallets(charterer, investor, shipowner, platform), agreement.Hook{})
	if err != nil {
		t.Fatal(err)
	}
	done, err := orch.Open(ctx, terms(), agreement.NewWallets("rC2", "rI2", "rS2", "rP2"), agreement.Hook{})
	if err != nil {
		t.Fatal(err)
	}

	// A completed agreement carrying a failed leg is not reconciled.
	ledger.Fund("rC2", fp.MustXRP("5000"))
	ledger.FailPaymentsTo("rS2", errors.New("down"))
	if _, err := orch.ProcessChartererPayment(ctx, orchestrator.ChartererPayment{AgreementID: done.ID, Amount: fp.MustXRP("1100")}); !errors.Is(err, orchestrator.ErrLegPartialFailure) {
		t.Fatalf("setup: %v", err)
	}
	if _, err := orch.Close(ctx, done.ID); err != nil {
		t.Fatal(err)
	}

	// The open one has undistributed funds.
	ledger.FailPaymentsTo(investor, errors.New("down"))
	if _, err := orch.ProcessChartererPayment(ctx, orchestrator.ChartererPayment{AgreementID: open.ID, Amount: fp.MustXRP("100")}); !errors.Is(err, orchestrator.ErrLegPartialFailure) {
		t.Fatalf("setup: %v", err)
	}

	var got alerts
	r := reconcile.New(reconcile.Config{Ledger: ledger, Alert: got.record, Logger: &nop})
	s := reconcile.NewScheduler(reconcile.SchedulerConfig{Reconciler: r, Repo: repo, Logger: &nop})

	n, err := s.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("got %d drifts, want 1", n)
	}
	if len(got.drifts) != 1 || got.drifts[0].AgreementID != open.ID {
		t.Errorf("alerts: got %+v", got.drifts)
	}
}

func TestScheduler_StartStopsOnCancel(t *testing.T) {
	r := reconcile.New(reconcile.Config{Ledger: gateway.NewSimulatedLedger(), Logger: &nop})
	s := reconcile.NewScheduler(reconcile.SchedulerConfig{
		Reconciler: r,
		Repo:       agreement.NewMemoryRepository(),
		Interval:   time.Millisecond,
		Logger:     &nop,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop after cancel")
	}
}

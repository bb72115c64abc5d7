package waterfall_test

import (
	"errors"
	"testing"
	"time"

	fp "WaterfallLedger/internal/math"
	"WaterfallLedger/internal/waterfall"
)

func xrp(s string) fp.Drops { return fp.MustXRP(s) }

func pct(s string) fp.Rate { return fp.MustRate(s) }

// ============================================================================
// Test: DeriveRecovery
// ============================================================================

func TestDeriveRecovery_Target(t *testing.T) {
	r := waterfall.DeriveRecovery(xrp("1000"), pct("5"), 0)

	if r.InterestAmount != xrp("50") {
		t.Errorf("interest: got %s, want 50", r.InterestAmount)
	}
	if r.TotalTarget != xrp("1050") {
		t.Errorf("target: got %s, want 1050", r.TotalTarget)
	}
	if r.Remaining != xrp("1050") {
		t.Errorf("remaining: got %s, want 1050", r.Remaining)
	}
	if r.IsFullyRecovered {
		t.Error("fresh recovery should not be complete")
	}
	if r.RecoveredAt != nil {
		t.Error("DeriveRecovery must not stamp RecoveredAt")
	}
}

func TestDeriveRecovery_Idempotent(t *testing.T) {
	a := waterfall.DeriveRecovery(xrp("1000"), pct("5"), xrp("333.333333"))
	b := waterfall.DeriveRecovery(xrp("1000"), pct("5"), xrp("333.333333"))
	if a != b {
		t.Errorf("got %+v and %+v from identical inputs", a, b)
	}
}

func TestDeriveRecovery_OverRecoveredCapsPercentage(t *testing.T) {
	r := waterfall.DeriveRecovery(xrp("1000"), pct("5"), xrp("1100"))
	if r.Remaining != 0 {
		t.Errorf("remaining: got %s, want 0", r.Remaining)
	}
	if r.PercentageRecovered != fp.HundredPercent {
		t.Errorf("percentage: got %s, want 100", r.PercentageRecovered)
	}
	if !r.IsFullyRecovered {
		t.Error("expected fully recovered")
	}
}

// ============================================================================
// Test: Advance
// ============================================================================

func TestAdvance_RejectsNegative(t *testing.T) {
	r := waterfall.DeriveRecovery(xrp("1000"), pct("5"), 0)
	_, err := r.Advance(-1, time.Now())
	if !errors.Is(err, waterfall.ErrInvalidAmount) {
		t.Errorf("got %v, want ErrInvalidAmount", err)
	}
}

func TestAdvance_Monotonic(t *testing.T) {
	r := waterfall.DeriveRecovery(xrp("1000"), pct("5"), 0)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	payments := []fp.Drops{xrp("100"), 0, xrp("0.000001"), xrp("900"), xrp("500"), xrp("1")}
	prev := r.Recovered
	for i, p := range payments {
		next, err := r.Advance(p, now.Add(time.Duration(i)*time.Hour))
		if err != nil {
			t.Fatalf("advance %d: %v", i, err)
		}
		if next.Recovered < prev {
			t.Fatalf("recovered decreased: %s -> %s", prev, next.Recovered)
		}
		if next.PercentageRecovered > fp.HundredPercent {
			t.Fatalf("percentage above 100: %s", next.PercentageRecovered)
		}
		prev = next.Recovered
		r = next
	}
}

func TestAdvance_RecoveredAtSetOnce(t *testing.T) {
	r := waterfall.DeriveRecovery(xrp("1000"), pct("5"), 0)
	first := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	r, _ = r.Advance(xrp("1050"), first)
	if r.RecoveredAt == nil || !r.RecoveredAt.Equal(first) {
		t.Fatalf("RecoveredAt: got %v, want %v", r.RecoveredAt, first)
	}

	r, _ = r.Advance(xrp("10"), first.Add(time.Hour))
	if !r.RecoveredAt.Equal(first) {
		t.Errorf("RecoveredAt moved: got %v, want %v", r.RecoveredAt, first)
	}
}

// ============================================================================
// Test: SplitPayment
// ============================================================================

func TestSplitPayment_ScenarioA(t *testing.T) {
	rec := waterfall.DeriveRecovery(xrp("1000"), pct("5"), 0)

	d, err := waterfall.SplitPayment(xrp("500"), rec, 0)
	if err != nil {
		t.Fatal(err)
	}
	if d.ToInvestor != xrp("500") || d.ToShipowner != 0 {
		t.Errorf("got investor=%s shipowner=%s, want 500/0", d.ToInvestor, d.ToShipowner)
	}

	rec, _ = rec.Advance(d.ToInvestor, time.Now())
	if rec.Recovered != xrp("500") {
		t.Errorf("recovered: got %s, want 500", rec.Recovered)
	}
	if rec.IsFullyRecovered {
		t.Error("should not be fully recovered")
	}
}

func TestSplitPayment_ScenarioB(t *testing.T) {
	rec := waterfall.DeriveRecovery(xrp("1000"), pct("5"), xrp("500"))

	d, err := waterfall.SplitPayment(xrp("750"), rec, 0)
	if err != nil {
		t.Fatal(err)
	}
	if d.ToInvestor != xrp("550") {
		t.Errorf("investor: got %s, want 550", d.ToInvestor)
	}
	if d.ToShipowner != xrp("200") {
		t.Errorf("shipowner: got %s, want 200", d.ToShipowner)
	}
	if !d.InvestorFullyPaid {
		t.Error("expected investor fully paid")
	}

	rec, _ = rec.Advance(d.ToInvestor, time.Now())
	if rec.Recovered != xrp("1050") || !rec.IsFullyRecovered {
		t.Errorf("got recovered=%s full=%v, want 1050/true", rec.Recovered, rec.IsFullyRecovered)
	}
}

func TestSplitPayment_ZeroAmount(t *testing.T) {
	rec := waterfall.DeriveRecovery(xrp("1000"), pct("5"), 0)
	d, err := waterfall.SplitPayment(0, rec, pct("1"))
	if err != nil {
		t.Fatal(err)
	}
	if d.ToInvestor != 0 || d.ToShipowner != 0 || d.PlatformFee != 0 {
		t.Errorf("expected all-zero distribution, got %+v", d)
	}
}

func TestSplitPayment_ExactBoundaryGoesToInvestor(t *testing.T) {
	rec := waterfall.DeriveRecovery(xrp("1000"), pct("5"), xrp("800"))
	d, _ := waterfall.SplitPayment(xrp("250"), rec, 0)

	if d.ToInvestor != xrp("250") || d.ToShipowner != 0 {
		t.Errorf("got investor=%s shipowner=%s, want 250/0", d.ToInvestor, d.ToShipowner)
	}
	if !d.InvestorFullyPaid {
		t.Error("exact payment should fully recover investor")
	}
}

func TestSplitPayment_AlreadyRecovered(t *testing.T) {
	rec := waterfall.DeriveRecovery(xrp("1000"), pct("5"), xrp("1050"))
	d, _ := waterfall.SplitPayment(xrp("300"), rec, 0)
	if d.ToInvestor != 0 || d.ToShipowner != xrp("300") {
		t.Errorf("got investor=%s shipowner=%s, want 0/300", d.ToInvestor, d.ToShipowner)
	}
}

func TestSplitPayment_FeeTakenFirst(t *testing.T) {
	rec := waterfall.DeriveRecovery(xrp("1000"), pct("5"), 0)
	d, _ := waterfall.SplitPayment(xrp("2000"), rec, pct("2"))

	if d.PlatformFee != xrp("40") {
		t.Errorf("fee: got %s, want 40", d.PlatformFee)
	}
	if d.ToInvestor != xrp("1050") {
		t.Errorf("investor: got %s, want 1050", d.ToInvestor)
	}
	if d.ToShipowner != xrp("910") {
		t.Errorf("shipowner: got %s, want 910", d.ToShipowner)
	}
	if len(d.Calculation) != 3 || d.Calculation[0].Recipient != waterfall.RecipientPlatform {
		t.Errorf("unexpected trail: %+v", d.Calculation)
	}
}

func TestSplitPayment_RejectsBadInput(t *testing.T) {
	rec := waterfall.DeriveRecovery(xrp("1000"), pct("5"), 0)
	if _, err := waterfall.SplitPayment(-5, rec, 0); !errors.Is(err, waterfall.ErrInvalidAmount) {
		t.Errorf("negative amount: got %v", err)
	}
	if _, err := waterfall.SplitPayment(xrp("1"), rec, fp.HundredPercent); !errors.Is(err, waterfall.ErrInvalidRate) {
		t.Errorf("100%% fee: got %v", err)
	}
}

func TestSplitPayment_ConservationAndPriority(t *testing.T) {
	fees := []fp.Rate{0, pct("0.3333"), pct("1"), pct("2.5"), pct("17")}
	amounts := []fp.Drops{0, 1, 3, 7, 999_999, xrp("1"), xrp("249.999999"), xrp("250"), xrp("250.000001"), xrp("12345.678901")}
	recovered := []fp.Drops{0, xrp("800"), xrp("1049.999999"), xrp("1050"), xrp("2000")}

	for _, rv := range recovered {
		rec := waterfall.DeriveRecovery(xrp("1000"), pct("5"), rv)
		for _, fee := range fees {
			for _, amt := range amounts {
				d, err := waterfall.SplitPayment(amt, rec, fee)
				if err != nil {
					t.Fatalf("split(%s, fee %s): %v", amt, fee, err)
				}
				if got := d.ToInvestor + d.ToShipowner + d.PlatformFee; got != amt {
					t.Errorf("conservation: %s+%s+%s = %s, want %s",
						d.ToInvestor, d.ToShipowner, d.PlatformFee, got, amt)
				}
				if !rec.IsFullyRecovered && d.ToShipowner > 0 && amt-d.PlatformFee <= rec.Remaining {
					t.Errorf("priority: shipowner paid %s while investor owed %s", d.ToShipowner, rec.Remaining)
				}
				if d.ToInvestor > rec.Remaining {
					t.Errorf("investor overpaid: %s > remaining %s", d.ToInvestor, rec.Remaining)
				}
			}
		}
	}
}

// ============================================================================
// Test: Early repayment and revenue
// ============================================================================

func TestQuoteEarlyRepayment_ScenarioC(t *testing.T) {
	rec := waterfall.DeriveRecovery(xrp("1000"), pct("5"), xrp("800"))
	q := waterfall.QuoteEarlyRepayment(rec, pct("2"))

	want := waterfall.EarlyRepayment{
		RemainingDebt: xrp("250"),
		PenaltyRate:   pct("2"),
		PenaltyAmount: xrp("5"),
		TotalDue:      xrp("255"),
		ToInvestor:    xrp("250"),
		ToPlatform:    xrp("5"),
	}
	if q != want {
		t.Errorf("got %+v, want %+v", q, want)
	}
}

func TestMinimumVoyageRevenue(t *testing.T) {
	if got := waterfall.MinimumVoyageRevenue(xrp("1000"), pct("5"), 0); got != xrp("1050") {
		t.Errorf("no fee: got %s, want 1050", got)
	}

	got := waterfall.MinimumVoyageRevenue(xrp("1000"), pct("5"), pct("2"))
	net := got - fp.ApplyRate(got, pct("2"), fp.RoundHalfEven)
	if net < xrp("1050") {
		t.Errorf("with fee: revenue %s nets %s, below 1050", got, net)
	}
}

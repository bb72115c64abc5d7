package waterfall_test

import (
	"errors"
	"testing"

	"WaterfallLedger/internal/waterfall"
)

func TestValidateTerms_Valid(t *testing.T) {
	v := waterfall.ValidateTerms(waterfall.Terms{
		Principal:       xrp("1000"),
		InterestRate:    pct("5"),
		ExpectedRevenue: xrp("1500"),
		PenaltyRate:     pct("2"),
	})
	if !v.Valid || v.Err() != nil {
		t.Errorf("expected valid terms, got %v", v.Errors)
	}
}

func TestValidateTerms_ReportsEveryViolation(t *testing.T) {
	v := waterfall.ValidateTerms(waterfall.Terms{
		Principal:       0,
		InterestRate:    pct("120"),
		ExpectedRevenue: 0,
		PenaltyRate:     pct("60"),
	})
	if v.Valid {
		t.Fatal("expected invalid terms")
	}
	if len(v.Errors) != 4 {
		t.Errorf("got %d errors, want 4: %v", len(v.Errors), v.Errors)
	}

	err := v.Err()
	if !errors.Is(err, waterfall.ErrInvalidTerms) {
		t.Errorf("got %v, want ErrInvalidTerms", err)
	}
	var te *waterfall.TermsError
	if !errors.As(err, &te) || len(te.Violations) != 4 {
		t.Errorf("expected TermsError with 4 violations, got %v", err)
	}
}

func TestValidateTerms_RevenueBelowMinimum(t *testing.T) {
	v := waterfall.ValidateTerms(waterfall.Terms{
		Principal:       xrp("1000"),
		InterestRate:    pct("5"),
		ExpectedRevenue: xrp("1049.999999"),
		PenaltyRate:     pct("2"),
	})
	if v.Valid || len(v.Errors) != 1 {
		t.Errorf("expected one revenue violation, got %v", v.Errors)
	}
}

func TestValidateTerms_FeeRaisesMinimum(t *testing.T) {
	terms := waterfall.Terms{
		Principal:       xrp("1000"),
		InterestRate:    pct("5"),
		ExpectedRevenue: xrp("1050"),
		PenaltyRate:     pct("2"),
	}
	if v := waterfall.ValidateTerms(terms); !v.Valid {
		t.Fatalf("without fee: %v", v.Errors)
	}

	terms.PlatformFeeRate = pct("1")
	if v := waterfall.ValidateTerms(terms); v.Valid {
		t.Error("a 1% fee should push the minimum above 1050")
	}
}

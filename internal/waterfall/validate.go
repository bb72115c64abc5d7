package waterfall

import (
	"fmt"
	"strings"

	fp "WaterfallLedger/internal/math"
)

// MaxPenaltyRate caps the early repayment penalty.
var MaxPenaltyRate = fp.MustRate("50")

// Terms are the financing figures fixed when an agreement is opened.
type Terms struct {
	Principal       fp.Drops `json:"principal"`
	InterestRate    fp.Rate  `json:"interest_rate"`
	ExpectedRevenue fp.Drops `json:"expected_voyage_revenue"`
	PenaltyRate     fp.Rate  `json:"early_repayment_penalty_rate"`
	PlatformFeeRate fp.Rate  `json:"platform_fee_rate"`
}

// Validation lists every violated rule; it never stops at the first one.
type Validation struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

// Err returns nil for valid terms and a *TermsError otherwise.
func (v Validation) Err() error {
	if v.Valid {
		return nil
	}
	return &TermsError{Violations: v.Errors}
}

// TermsError carries all violations and matches ErrInvalidTerms.
type TermsError struct {
	Violations []string
}

func (e *TermsError) Error() string {
	return fmt.Sprintf("%s: %s", ErrInvalidTerms, strings.Join(e.Violations, "; "))
}

func (e *TermsError) Unwrap() error { return ErrInvalidTerms }

// ValidateTerms checks the terms before an agreement exists.
func ValidateTerms(t Terms) Validation {
	var errs []string

	if t.Principal <= 0 {
		errs = append(errs, "principal must be greater than 0")
	}
	rateOK := t.InterestRate >= 0 && t.InterestRate <= fp.HundredPercent
	if !rateOK {
		errs = append(errs, "interest rate must be between 0 and 100%")
	}
	if t.ExpectedRevenue <= 0 {
		errs = append(errs, "expected voyage revenue must be greater than 0")
	}
	if t.PenaltyRate < 0 || t.PenaltyRate > MaxPenaltyRate {
		errs = append(errs, "early repayment penalty must be between 0 and 50%")
	}
	feeOK := t.PlatformFeeRate >= 0 && t.PlatformFeeRate < fp.HundredPercent
	if !feeOK {
		errs = append(errs, "platform fee must be at least 0 and below 100%")
	}

	if t.Principal > 0 && rateOK && feeOK {
		minimum := MinimumVoyageRevenue(t.Principal, t.InterestRate, t.PlatformFeeRate)
		if t.ExpectedRevenue < minimum {
			errs = append(errs, fmt.Sprintf(
				"expected voyage revenue (%s XRP) is less than minimum required (%s XRP) to cover principal + interest",
				t.ExpectedRevenue, minimum))
		}
	}

	return Validation{Valid: len(errs) == 0, Errors: errs}
}

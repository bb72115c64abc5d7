package waterfall

import (
	"errors"
	"fmt"
	"time"

	fp "WaterfallLedger/internal/math"
)

var (
	ErrInvalidAmount = errors.New("waterfall: invalid amount")
	ErrInvalidRate   = errors.New("waterfall: invalid rate")
	ErrInvalidTerms  = errors.New("waterfall: invalid terms")
)

// InvestorRecovery tracks how much of principal + interest the investor has
// received. Values are produced only by DeriveRecovery and Advance so the
// derived fields always agree with Principal, InterestRate and Recovered.
type InvestorRecovery struct {
	Principal           fp.Drops   `json:"principal"`
	InterestRate        fp.Rate    `json:"interest_rate"`
	InterestAmount      fp.Drops   `json:"interest_amount"`
	TotalTarget         fp.Drops   `json:"total_target"`
	Recovered           fp.Drops   `json:"recovered"`
	Remaining           fp.Drops   `json:"remaining"`
	PercentageRecovered fp.Rate    `json:"percentage_recovered"`
	IsFullyRecovered    bool       `json:"is_fully_recovered"`
	RecoveredAt         *time.Time `json:"recovered_at,omitempty"`
}

// DeriveRecovery recomputes every derived field from the three inputs.
// It is pure: RecoveredAt is left nil.
func DeriveRecovery(principal fp.Drops, rate fp.Rate, recovered fp.Drops) InvestorRecovery {
	interest := fp.ApplyRate(principal, rate, fp.RoundHalfEven)
	target := principal + interest

	remaining := target - recovered
	if remaining < 0 {
		remaining = 0
	}

	return InvestorRecovery{
		Principal:           principal,
		InterestRate:        rate,
		InterestAmount:      interest,
		TotalTarget:         target,
		Recovered:           recovered,
		Remaining:           remaining,
		PercentageRecovered: fp.Ratio(recovered, target),
		IsFullyRecovered:    recovered >= target,
	}
}

// Advance adds amount to Recovered and re-derives the whole value.
// RecoveredAt is stamped with now the first time the target is met and
// carried forward afterwards.
func (r InvestorRecovery) Advance(amount fp.Drops, now time.Time) (InvestorRecovery, error) {
	if amount < 0 {
		return r, fmt.Errorf("%w: advance by %d drops", ErrInvalidAmount, amount)
	}

	next := DeriveRecovery(r.Principal, r.InterestRate, r.Recovered+amount)
	switch {
	case r.RecoveredAt != nil:
		at := *r.RecoveredAt
		next.RecoveredAt = &at
	case next.IsFullyRecovered:
		at := now.UTC()
		next.RecoveredAt = &at
	}
	return next, nil
}

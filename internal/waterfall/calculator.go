package waterfall

import (
	"fmt"

	fp "WaterfallLedger/internal/math"
)

// Recipient names the party a calculation step pays.
type Recipient string

const (
	RecipientPlatform  Recipient = "platform"
	RecipientInvestor  Recipient = "investor"
	RecipientShipowner Recipient = "shipowner"
)

// Step is one line of the audit trail attached to a Distribution.
type Step struct {
	Label     string    `json:"label"`
	Amount    fp.Drops  `json:"amount"`
	Recipient Recipient `json:"recipient"`
}

// Distribution is the split of a single payment. It is recomputed for every
// event and never stored on the agreement.
type Distribution struct {
	TotalAmount            fp.Drops `json:"total_amount"`
	ToInvestor             fp.Drops `json:"to_investor"`
	ToShipowner            fp.Drops `json:"to_shipowner"`
	PlatformFee            fp.Drops `json:"platform_fee"`
	InvestorRecoveryBefore fp.Drops `json:"investor_recovery_before"`
	InvestorRecoveryAfter  fp.Drops `json:"investor_recovery_after"`
	InvestorFullyPaid      bool     `json:"investor_fully_paid"`
	Calculation            []Step   `json:"calculation"`
}

// EarlyRepayment is the settlement quote for closing the debt ahead of the
// voyage revenue.
type EarlyRepayment struct {
	RemainingDebt fp.Drops `json:"remaining_debt"`
	PenaltyRate   fp.Rate  `json:"penalty_rate"`
	PenaltyAmount fp.Drops `json:"penalty_amount"`
	TotalDue      fp.Drops `json:"total_due"`
	ToInvestor    fp.Drops `json:"to_investor"`
	ToPlatform    fp.Drops `json:"to_platform"`
}

// SplitPayment distributes amount in waterfall order: platform fee first,
// then the investor up to the remaining target, then the shipowner.
// An investor exactly at the boundary takes the whole remainder.
func SplitPayment(amount fp.Drops, recovery InvestorRecovery, feeRate fp.Rate) (Distribution, error) {
	if amount < 0 {
		return Distribution{}, fmt.Errorf("%w: payment of %d drops", ErrInvalidAmount, amount)
	}
	if feeRate < 0 || feeRate >= fp.HundredPercent {
		return Distribution{}, fmt.Errorf("%w: platform fee %s%%", ErrInvalidRate, feeRate)
	}

	d := Distribution{
		TotalAmount:            amount,
		InvestorRecoveryBefore: recovery.Recovered,
		Calculation:            make([]Step, 0, 3),
	}

	d.PlatformFee = fp.ApplyRate(amount, feeRate, fp.RoundHalfEven)
	remainder := amount - d.PlatformFee
	if d.PlatformFee > 0 {
		d.Calculation = append(d.Calculation, Step{
			Label:     fmt.Sprintf("Platform fee (%s%%)", feeRate),
			Amount:    d.PlatformFee,
			Recipient: RecipientPlatform,
		})
	}

	switch {
	case recovery.IsFullyRecovered:
		d.ToShipowner = remainder
		d.Calculation = append(d.Calculation, Step{
			Label:     "Investor already recovered, all to shipowner",
			Amount:    d.ToShipowner,
			Recipient: RecipientShipowner,
		})
	case remainder >= recovery.Remaining:
		d.ToInvestor = recovery.Remaining
		d.ToShipowner = remainder - d.ToInvestor
		d.Calculation = append(d.Calculation, Step{
			Label:     "Investor full recovery (principal + interest)",
			Amount:    d.ToInvestor,
			Recipient: RecipientInvestor,
		})
		if d.ToShipowner > 0 {
			d.Calculation = append(d.Calculation, Step{
				Label:     "Remaining to shipowner",
				Amount:    d.ToShipowner,
				Recipient: RecipientShipowner,
			})
		}
	default:
		d.ToInvestor = remainder
		d.Calculation = append(d.Calculation, Step{
			Label:     "Partial investor recovery",
			Amount:    d.ToInvestor,
			Recipient: RecipientInvestor,
		})
	}

	d.InvestorRecoveryAfter = recovery.Recovered + d.ToInvestor
	d.InvestorFullyPaid = d.InvestorRecoveryAfter >= recovery.TotalTarget
	return d, nil
}

// QuoteEarlyRepayment charges the penalty on the remaining debt, not the
// original principal. The investor always receives the full remaining debt.
func QuoteEarlyRepayment(recovery InvestorRecovery, penaltyRate fp.Rate) EarlyRepayment {
	penalty := fp.ApplyRate(recovery.Remaining, penaltyRate, fp.RoundHalfEven)
	return EarlyRepayment{
		RemainingDebt: recovery.Remaining,
		PenaltyRate:   penaltyRate,
		PenaltyAmount: penalty,
		TotalDue:      recovery.Remaining + penalty,
		ToInvestor:    recovery.Remaining,
		ToPlatform:    penalty,
	}
}

// MinimumVoyageRevenue returns the smallest gross revenue that still covers
// principal + interest once the platform fee is taken.
func MinimumVoyageRevenue(principal fp.Drops, rate fp.Rate, feeRate fp.Rate) fp.Drops {
	target := principal + fp.ApplyRate(principal, rate, fp.RoundHalfEven)
	return fp.GrossUp(target, feeRate)
}

package orchestrator

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"WaterfallLedger/internal/agreement"
	fp "WaterfallLedger/internal/math"
	"WaterfallLedger/internal/waterfall"
)

const (
	eventEarlyRepayment  = "early_repayment"
	eventDefaultCoverage = "default_coverage"
)

// ProcessEarlyRepayment settles the remaining debt from the shipowner: the
// debt leg pays the investor and the penalty leg pays the platform. The
// investor is credited with whatever the debt leg confirmed; the agreement
// completes only when both legs confirm. A penalty left unpaid by an
// earlier attempt is charged again once the debt is settled.
func (o *Orchestrator) ProcessEarlyRepayment(ctx context.Context, id uuid.UUID, eventID string) (*Outcome, error) {
	unlock := o.locks.Lock(id)
	defer unlock()

	a, err := o.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !a.Status.AcceptsEarlyRepayment() {
		o.metrics.ObserveEvent(eventEarlyRepayment, "rejected")
		return nil, fmt.Errorf("%w: early repayment on %s agreement", ErrDistributionNotPermitted, a.Status)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	quote := earlyRepaymentQuote(a)
	out := &Outcome{
		EventID:        newEventID(eventID),
		Agreement:      a,
		EarlyRepayment: &quote,
		Path:           PathDirect,
	}
	w := a.Wallets

	var legs []agreement.WaterfallTransaction
	if quote.ToInvestor > 0 {
		leg := o.newLeg(out.EventID, agreement.TxEarlyRepayment, w.Shipowner.Address, w.Investor.Address, quote.ToInvestor)
		leg.InvestorPortion = agreement.DropsPtr(quote.ToInvestor)
		leg.PenaltyAmount = agreement.DropsPtr(quote.PenaltyAmount)
		legs = append(legs, leg)
	}
	if quote.ToPlatform > 0 {
		leg := o.newLeg(out.EventID, agreement.TxPenaltyFee, w.Shipowner.Address, w.Platform.Address, quote.ToPlatform)
		leg.PenaltyAmount = agreement.DropsPtr(quote.PenaltyAmount)
		legs = append(legs, leg)
	}
	o.submitIndependent(ctx, a, legs)
	out.Legs = legs

	failed := failedLegs(legs)
	if len(legs) > 0 && failed == len(legs) {
		o.metrics.ObserveEvent(eventEarlyRepayment, "failed")
		return out, o.submissionFailed(ctx, a, out, "no early repayment leg confirmed")
	}

	debt := out.Confirmed(agreement.TxEarlyRepayment)
	if err := a.AdvanceRecovery(debt, o.now()); err != nil {
		return out, err
	}
	if failed == 0 {
		if err := a.Apply(agreement.TriggerEarlySettled, o.now()); err != nil {
			return out, err
		}
	}
	if err := o.persist(ctx, a, legs); err != nil {
		return out, err
	}

	o.metrics.AddDistributed(string(agreement.RoleInvestor), int64(debt))
	o.metrics.AddDistributed(string(agreement.RolePlatform), int64(out.Confirmed(agreement.TxPenaltyFee)))

	o.logger.Info().
		Str("agreement_id", a.ID.String()).
		Str("event_id", out.EventID).
		Int64("remaining_debt", int64(quote.RemainingDebt)).
		Int64("penalty", int64(quote.PenaltyAmount)).
		Int64("debt_confirmed", int64(debt)).
		Str("status", string(a.Status)).
		Msg("early repayment processed")

	if failed > 0 {
		o.metrics.ObserveEvent(eventEarlyRepayment, "partial")
		return out, fmt.Errorf("%w: %d of %d early repayment legs failed", ErrLegPartialFailure, failed, len(legs))
	}
	o.metrics.ObserveEvent(eventEarlyRepayment, "confirmed")
	return out, nil
}

// earlyRepaymentQuote quotes the remaining debt. With the debt already
// recovered, a penalty an earlier attempt failed to collect is still due.
func earlyRepaymentQuote(a *agreement.FinancingAgreement) waterfall.EarlyRepayment {
	quote := waterfall.QuoteEarlyRepayment(a.Recovery, a.Terms.PenaltyRate)
	if quote.PenaltyAmount > 0 {
		return quote
	}
	if owed, _ := a.UnpaidPenalty(); owed > 0 {
		quote.PenaltyAmount = owed
		quote.ToPlatform = owed
		quote.TotalDue = quote.RemainingDebt + owed
	}
	return quote
}

// ProcessDefaultCoverage pays the investor from the shipowner after a
// charterer default. An active agreement is moved to defaulted first. The
// amount may not exceed the remaining debt.
func (o *Orchestrator) ProcessDefaultCoverage(ctx context.Context, id uuid.UUID, amount fp.Drops, eventID string) (*Outcome, error) {
	if amount <= 0 {
		o.metrics.ObserveEvent(eventDefaultCoverage, "rejected")
		return nil, fmt.Errorf("%w: default coverage of %d drops", waterfall.ErrInvalidAmount, amount)
	}

	unlock := o.locks.Lock(id)
	defer unlock()

	a, err := o.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !a.Status.AcceptsDefaultCoverage() {
		o.metrics.ObserveEvent(eventDefaultCoverage, "rejected")
		return nil, fmt.Errorf("%w: default coverage on %s agreement", ErrDistributionNotPermitted, a.Status)
	}
	if amount > a.Recovery.Remaining {
		o.metrics.ObserveEvent(eventDefaultCoverage, "rejected")
		return nil, fmt.Errorf("%w: coverage %s XRP exceeds remaining debt %s XRP",
			waterfall.ErrInvalidAmount, amount, a.Recovery.Remaining)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := &Outcome{EventID: newEventID(eventID), Agreement: a, Path: PathDirect}
	w := a.Wallets

	leg := o.newLeg(out.EventID, agreement.TxDefaultCoverage, w.Shipowner.Address, w.Investor.Address, amount)
	leg.InvestorPortion = agreement.DropsPtr(amount)
	o.submit(ctx, a, &leg)
	out.Legs = []agreement.WaterfallTransaction{leg}

	if leg.Status != agreement.TxConfirmed {
		o.metrics.ObserveEvent(eventDefaultCoverage, "failed")
		return out, o.submissionFailed(ctx, a, out, leg.ErrorMessage)
	}

	if a.Status == agreement.StatusActive {
		if err := a.Apply(agreement.TriggerDefault, o.now()); err != nil {
			return out, err
		}
	}
	if err := a.AdvanceRecovery(amount, o.now()); err != nil {
		return out, err
	}
	if err := o.persist(ctx, a, out.Legs); err != nil {
		return out, err
	}
	o.metrics.AddDistributed(string(agreement.RoleInvestor), int64(amount))

	o.logger.Info().
		Str("agreement_id", a.ID.String()).
		Str("event_id", out.EventID).
		Int64("covered", int64(amount)).
		Int64("remaining", int64(a.Recovery.Remaining)).
		Str("status", string(a.Status)).
		Msg("default coverage processed")

	o.metrics.ObserveEvent(eventDefaultCoverage, "confirmed")
	return out, nil
}

package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"WaterfallLedger/internal/agreement"
	"WaterfallLedger/internal/gateway"
	fp "WaterfallLedger/internal/math"
	"WaterfallLedger/internal/waterfall"
)

const eventChartererPayment = "charterer_payment"

// ChartererPayment is voyage revenue paid by the charterer.
type ChartererPayment struct {
	AgreementID uuid.UUID
	Amount      fp.Drops
	EventID     string
}

// ProcessChartererPayment moves the payment to the platform and distributes
// it investor-first, by hook when one is active and by platform legs
// otherwise.
//
// A failed charterer leg returns ErrLedgerSubmissionFailed and leaves the
// agreement untouched, apart from recording the leg when its outcome is
// unknown. Failed distribution legs return ErrLegPartialFailure
// together with an Outcome whose agreement reflects only confirmed legs.
func (o *Orchestrator) ProcessChartererPayment(ctx context.Context, req ChartererPayment) (*Outcome, error) {
	if req.Amount <= 0 {
		o.metrics.ObserveEvent(eventChartererPayment, "rejected")
		return nil, fmt.Errorf("%w: charterer payment of %d drops", waterfall.ErrInvalidAmount, req.Amount)
	}

	unlock := o.locks.Lock(req.AgreementID)
	defer unlock()

	a, err := o.repo.Get(ctx, req.AgreementID)
	if err != nil {
		return nil, err
	}
	if !a.Status.AcceptsChartererPayment() {
		o.metrics.ObserveEvent(eventChartererPayment, "rejected")
		return nil, fmt.Errorf("%w: charterer payment on %s agreement", ErrDistributionNotPermitted, a.Status)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := &Outcome{EventID: newEventID(req.EventID), Agreement: a}
	w := a.Wallets

	charterer := o.newLeg(out.EventID, agreement.TxChartererPayment, w.Charterer.Address, w.Platform.Address, req.Amount)
	o.submit(ctx, a, &charterer)
	if charterer.Status != agreement.TxConfirmed {
		out.Legs = []agreement.WaterfallTransaction{charterer}
		o.metrics.ObserveEvent(eventChartererPayment, "failed")
		return out, o.submissionFailed(ctx, a, out, charterer.ErrorMessage)
	}
	o.metrics.AddDistributed(string(agreement.RolePlatform), int64(req.Amount))

	dist, err := waterfall.SplitPayment(req.Amount, a.Recovery, a.Terms.PlatformFeeRate)
	if err != nil {
		// Funds already sit on the platform; keep the confirmed leg.
		out.Legs = []agreement.WaterfallTransaction{charterer}
		if perr := o.persist(ctx, a, out.Legs); perr != nil {
			return out, perr
		}
		return out, err
	}
	out.Distribution = &dist
	charterer.InvestorPortion = agreement.DropsPtr(dist.ToInvestor)
	charterer.ShipownerPortion = agreement.DropsPtr(dist.ToShipowner)

	var legs []agreement.WaterfallTransaction
	if a.Hook.Active() {
		execs, werr := o.awaitHookEvidence(ctx, a, charterer.Hash)
		switch {
		case len(execs) > 0:
			out.Path = PathHook
			out.HookExecuted = true
			legs = o.syntheticLegs(out.EventID, a, charterer, dist)
		case werr != nil:
			// Cancelled while waiting: no further legs may be submitted.
			out.Path = PathFallback
			legs = o.distributionLegs(out.EventID, a, dist)
			o.submitIndependent(ctx, a, legs)
		default:
			o.logger.Warn().
				Str("agreement_id", a.ID.String()).
				Str("hash", charterer.Hash).
				Msg("no hook execution evidence, distributing from platform")
		}
	}
	if out.Path == "" {
		out.Path = PathFallback
		legs = o.distributionLegs(out.EventID, a, dist)
		o.submitIndependent(ctx, a, legs)
	}
	o.metrics.ObservePath(string(out.Path))

	out.Legs = append([]agreement.WaterfallTransaction{charterer}, legs...)

	confirmedInvestor := out.Confirmed(agreement.TxInvestorRecovery)
	if err := a.AdvanceRecovery(confirmedInvestor, o.now()); err != nil {
		return out, err
	}
	if err := o.persist(ctx, a, out.Legs); err != nil {
		return out, err
	}

	o.metrics.AddDistributed(string(agreement.RoleInvestor), int64(confirmedInvestor))
	o.metrics.AddDistributed(string(agreement.RoleShipowner), int64(out.Confirmed(agreement.TxShipownerPayment)))

	o.logger.Info().
		Str("agreement_id", a.ID.String()).
		Str("event_id", out.EventID).
		Str("path", string(out.Path)).
		Int64("to_investor", int64(dist.ToInvestor)).
		Int64("to_shipowner", int64(dist.ToShipowner)).
		Int64("platform_fee", int64(dist.PlatformFee)).
		Int64("recovered", int64(a.Recovery.Recovered)).
		Str("status", string(a.Status)).
		Msg("charterer payment distributed")

	if n := failedLegs(legs); n > 0 {
		o.metrics.ObserveEvent(eventChartererPayment, "partial")
		return out, fmt.Errorf("%w: %d of %d distribution legs failed", ErrLegPartialFailure, n, len(legs))
	}
	o.metrics.ObserveEvent(eventChartererPayment, "confirmed")
	return out, nil
}

// awaitHookEvidence polls for hook executions on the charterer transaction.
// An error is returned only when ctx is cancelled while waiting.
func (o *Orchestrator) awaitHookEvidence(ctx context.Context, a *agreement.FinancingAgreement, hash string) ([]gateway.HookExecution, error) {
	start := time.Now()
	defer func() { o.metrics.ObserveHookWait(time.Since(start)) }()

	for attempt := 1; attempt <= o.hookAttempts; attempt++ {
		if o.hookInterval > 0 {
			timer := time.NewTimer(o.hookInterval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		execs, err := o.ledger.GetHookExecutions(ctx, hash)
		if err != nil {
			o.logger.Debug().
				Err(err).
				Str("agreement_id", a.ID.String()).
				Int("attempt", attempt).
				Msg("hook execution lookup failed")
			continue
		}
		if len(execs) > 0 {
			return execs, nil
		}
	}
	return nil, ctx.Err()
}

// syntheticLegs mirrors the hook's redistribution for the audit log. Both
// legs are already confirmed by the charterer transaction.
func (o *Orchestrator) syntheticLegs(eventID string, a *agreement.FinancingAgreement, charterer agreement.WaterfallTransaction, dist waterfall.Distribution) []agreement.WaterfallTransaction {
	w := a.Wallets
	var legs []agreement.WaterfallTransaction

	add := func(typ agreement.TxType, to string, amount fp.Drops, note string) {
		if amount <= 0 {
			return
		}
		leg := o.newLeg(eventID, typ, w.Platform.Address, to, amount)
		leg.Synthetic = true
		leg.Notes = note
		_ = leg.Confirm(charterer.Hash, charterer.LedgerIndex)
		legs = append(legs, leg)
	}
	add(agreement.TxInvestorRecovery, w.Investor.Address, dist.ToInvestor, "distributed by hook in charterer transaction")
	add(agreement.TxShipownerPayment, w.Shipowner.Address, dist.ToShipowner, "distributed by hook in charterer transaction")
	return legs
}

// distributionLegs builds the platform-issued legs, skipping zero amounts.
func (o *Orchestrator) distributionLegs(eventID string, a *agreement.FinancingAgreement, dist waterfall.Distribution) []agreement.WaterfallTransaction {
	w := a.Wallets
	var legs []agreement.WaterfallTransaction
	if dist.ToInvestor > 0 {
		leg := o.newLeg(eventID, agreement.TxInvestorRecovery, w.Platform.Address, w.Investor.Address, dist.ToInvestor)
		leg.InvestorPortion = agreement.DropsPtr(dist.ToInvestor)
		legs = append(legs, leg)
	}
	if dist.ToShipowner > 0 {
		leg := o.newLeg(eventID, agreement.TxShipownerPayment, w.Platform.Address, w.Shipowner.Address, dist.ToShipowner)
		leg.ShipownerPortion = agreement.DropsPtr(dist.ToShipowner)
		legs = append(legs, leg)
	}
	return legs
}

package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"WaterfallLedger/internal/agreement"
	"WaterfallLedger/internal/gateway"
	fp "WaterfallLedger/internal/math"
	"WaterfallLedger/internal/observability"
	"WaterfallLedger/internal/waterfall"
)

// DriftKind classifies a disagreement between local bookkeeping and the
// ledger.
type DriftKind string

const (
	// DriftHookCounterMismatch: the hook's investor_recovered counter differs
	// from the agreement's recovered figure. The hook figure is suggested as
	// the correction.
	DriftHookCounterMismatch DriftKind = "hook_counter_mismatch"
	// DriftUndistributedFunds: a charterer payment reached the platform but
	// one or more of its distribution legs failed.
	DriftUndistributedFunds DriftKind = "undistributed_platform_funds"
	// DriftBalanceUnavailable: a ledger read failed.
	DriftBalanceUnavailable DriftKind = "balance_unavailable"
	// DriftAmbiguousLeg: a leg failed without a definite ledger answer and
	// may have moved funds. Its event is not retried.
	DriftAmbiguousLeg DriftKind = "ambiguous_leg"
	// DriftUnpaidPenalty: an early repayment penalty leg failed and no later
	// penalty leg confirmed.
	DriftUnpaidPenalty DriftKind = "unpaid_penalty"
)

// Drift is an observation for an operator. It is data, never an error, and
// nothing is corrected automatically.
type Drift struct {
	Kind        DriftKind                   `json:"kind"`
	AgreementID uuid.UUID                   `json:"agreement_id"`
	Party       string                      `json:"party,omitempty"`
	Local       fp.Drops                    `json:"local"`
	Observed    fp.Drops                    `json:"observed"`
	EventIDs    []string                    `json:"event_ids,omitempty"`
	Suggested   *waterfall.InvestorRecovery `json:"suggested_recovery,omitempty"`
	Details     string                      `json:"details"`
}

// PartyBalance is one refreshed wallet balance.
type PartyBalance struct {
	Role    agreement.Role `json:"role"`
	Address string         `json:"address"`
	Balance fp.Drops       `json:"balance"`
	Err     string         `json:"error,omitempty"`
}

// Report is a refreshed view of an agreement. The agreement itself is a copy
// and is not modified.
type Report struct {
	AgreementID   uuid.UUID                     `json:"agreement_id"`
	CheckedAt     time.Time                     `json:"checked_at"`
	Agreement     *agreement.FinancingAgreement `json:"agreement"`
	Balances      []PartyBalance                `json:"balances"`
	HookCounter   *fp.Drops                     `json:"hook_counter,omitempty"`
	Undistributed fp.Drops                      `json:"undistributed"`
	Drifts        []Drift                       `json:"drifts"`
}

// Clean reports whether no drift was found.
func (r *Report) Clean() bool { return len(r.Drifts) == 0 }

// AlertFunc is invoked for every drift detected during reconciliation.
type AlertFunc func(ctx context.Context, d Drift) error

// Config captures the dependencies required to construct a Reconciler.
type Config struct {
	Ledger    gateway.LedgerGateway
	Tolerance fp.Drops
	Now       func() time.Time
	Alert     AlertFunc
	Logger    *zerolog.Logger
	Metrics   *observability.Metrics
}

// Reconciler compares agreements against ledger balances and hook state.
type Reconciler struct {
	ledger    gateway.LedgerGateway
	tolerance fp.Drops
	now       func() time.Time
	alert     AlertFunc
	logger    zerolog.Logger
	metrics   *observability.Metrics
}

func New(cfg Config) *Reconciler {
	r := &Reconciler{
		ledger:    cfg.Ledger,
		tolerance: cfg.Tolerance,
		now:       cfg.Now,
		alert:     cfg.Alert,
		metrics:   cfg.Metrics,
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.tolerance < 0 {
		r.tolerance = 0
	}
	if cfg.Logger != nil {
		r.logger = *cfg.Logger
	} else {
		r.logger = observability.NewLogger("reconcile")
	}
	return r
}

// Reconcile refreshes balances and the hook counter concurrently and reports
// drift. Read failures become balance_unavailable drifts; only a cancelled
// ctx returns an error.
func (r *Reconciler) Reconcile(ctx context.Context, a *agreement.FinancingAgreement) (*Report, error) {
	if a == nil {
		return nil, fmt.Errorf("reconcile: nil agreement")
	}
	snap := a.Clone()
	rep := &Report{
		AgreementID: snap.ID,
		CheckedAt:   r.now().UTC(),
		Agreement:   snap,
	}

	wallets := snap.Wallets.All()
	rep.Balances = make([]PartyBalance, len(wallets))

	var (
		wg         sync.WaitGroup
		counter    fp.Drops
		counterOK  bool
		counterErr error
	)
	for i, w := range wallets {
		wg.Add(1)
		go func(i int, w agreement.Wallet) {
			defer wg.Done()
			pb := PartyBalance{Role: w.Role, Address: w.Address}
			bal, err := r.ledger.GetBalance(ctx, w.Address)
			if err != nil {
				pb.Err = err.Error()
			} else {
				pb.Balance = bal
			}
			rep.Balances[i] = pb
		}(i, w)
	}
	if snap.Hook.Active() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			counter, counterOK, counterErr = r.ledger.GetHookCounter(ctx, hookAccount(snap))
		}()
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for _, pb := range rep.Balances {
		if pb.Err == "" {
			continue
		}
		rep.Drifts = append(rep.Drifts, Drift{
			Kind:        DriftBalanceUnavailable,
			AgreementID: snap.ID,
			Party:       string(pb.Role),
			Details:     fmt.Sprintf("balance of %s unavailable: %s", pb.Address, pb.Err),
		})
	}

	switch {
	case counterErr != nil:
		rep.Drifts = append(rep.Drifts, Drift{
			Kind:        DriftBalanceUnavailable,
			AgreementID: snap.ID,
			Party:       "hook",
			Details:     fmt.Sprintf("hook counter unavailable: %v", counterErr),
		})
	case counterOK:
		rep.HookCounter = &counter
		if d, ok := r.compareCounter(snap, counter); ok {
			rep.Drifts = append(rep.Drifts, d)
		}
	}

	if d, ok := undistributed(snap); ok {
		rep.Undistributed = d.Observed
		rep.Drifts = append(rep.Drifts, d)
	}
	rep.Drifts = append(rep.Drifts, ambiguousLegs(snap)...)
	if owed, events := snap.UnpaidPenalty(); owed > 0 {
		rep.Drifts = append(rep.Drifts, Drift{
			Kind:        DriftUnpaidPenalty,
			AgreementID: snap.ID,
			Party:       string(agreement.RolePlatform),
			Observed:    owed,
			EventIDs:    events,
			Details:     fmt.Sprintf("early repayment penalty of %s XRP not collected", owed),
		})
	}
	r.metrics.SetUndistributed(snap.ID.String(), int64(rep.Undistributed))
	r.metrics.ObserveReconcile()

	for _, d := range rep.Drifts {
		r.metrics.ObserveDrift(string(d.Kind))
		r.logger.Warn().
			Str("agreement_id", snap.ID.String()).
			Str("kind", string(d.Kind)).
			Str("party", d.Party).
			Int64("local", int64(d.Local)).
			Int64("observed", int64(d.Observed)).
			Msg(d.Details)
		if r.alert != nil {
			if err := r.alert(ctx, d); err != nil {
				r.logger.Error().Err(err).Str("agreement_id", snap.ID.String()).Msg("drift alert failed")
			}
		}
	}
	return rep, nil
}

func (r *Reconciler) compareCounter(a *agreement.FinancingAgreement, counter fp.Drops) (Drift, bool) {
	local := a.Recovery.Recovered
	diff := counter - local
	if diff < 0 {
		diff = -diff
	}
	if diff <= r.tolerance {
		return Drift{}, false
	}
	suggested := waterfall.DeriveRecovery(a.Recovery.Principal, a.Recovery.InterestRate, counter)
	if suggested.IsFullyRecovered {
		suggested.RecoveredAt = a.Recovery.RecoveredAt
	}
	return Drift{
		Kind:        DriftHookCounterMismatch,
		AgreementID: a.ID,
		Party:       "hook",
		Local:       local,
		Observed:    counter,
		Suggested:   &suggested,
		Details:     fmt.Sprintf("hook counter %s XRP, agreement recovered %s XRP", counter, local),
	}, true
}

// undistributed sums failed platform-issued legs of events whose charterer
// leg confirmed. Those drops are still on the platform account.
func undistributed(a *agreement.FinancingAgreement) (Drift, bool) {
	received := make(map[string]bool)
	for _, tx := range a.Transactions {
		if tx.Type == agreement.TxChartererPayment && tx.Status == agreement.TxConfirmed {
			received[tx.EventID] = true
		}
	}

	var total fp.Drops
	var events []string
	seen := make(map[string]bool)
	for _, tx := range a.Transactions {
		if tx.Synthetic || tx.Status != agreement.TxFailed || !received[tx.EventID] {
			continue
		}
		if tx.Type != agreement.TxInvestorRecovery && tx.Type != agreement.TxShipownerPayment {
			continue
		}
		total += tx.Amount
		if !seen[tx.EventID] {
			seen[tx.EventID] = true
			events = append(events, tx.EventID)
		}
	}
	if total == 0 {
		return Drift{}, false
	}
	return Drift{
		Kind:        DriftUndistributedFunds,
		AgreementID: a.ID,
		Party:       string(agreement.RolePlatform),
		Observed:    total,
		EventIDs:    events,
		Details:     fmt.Sprintf("%s XRP held by platform from %d failed distribution event(s)", total, len(events)),
	}, true
}

// ambiguousLegs reports each leg whose ledger outcome is unknown.
func ambiguousLegs(a *agreement.FinancingAgreement) []Drift {
	var drifts []Drift
	for _, tx := range a.Transactions {
		if tx.Status != agreement.TxFailed || !tx.Ambiguous {
			continue
		}
		party := tx.To
		for _, w := range a.Wallets.All() {
			if w.Address == tx.To {
				party = string(w.Role)
			}
		}
		drifts = append(drifts, Drift{
			Kind:        DriftAmbiguousLeg,
			AgreementID: a.ID,
			Party:       party,
			Observed:    tx.Amount,
			EventIDs:    []string{tx.EventID},
			Details:     fmt.Sprintf("%s leg of %s XRP to %s has no ledger verdict (hash %q): %s", tx.Type, tx.Amount, tx.To, tx.Hash, tx.ErrorMessage),
		})
	}
	return drifts
}

func hookAccount(a *agreement.FinancingAgreement) string {
	if a.Hook.Address != "" {
		return a.Hook.Address
	}
	return a.Wallets.Platform.Address
}

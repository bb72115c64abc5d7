package query

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"WaterfallLedger/internal/agreement"
	fp "WaterfallLedger/internal/math"
	"WaterfallLedger/internal/orchestrator"
	"WaterfallLedger/internal/waterfall"
)

// ErrInvalidFilter is returned for an unknown status filter.
var ErrInvalidFilter = errors.New("query: invalid filter")

// QueryService provides read-only access to agreements in wire form.
type QueryService struct {
	repo agreement.Repository
}

func NewQueryService(repo agreement.Repository) *QueryService {
	return &QueryService{repo: repo}
}

// GetAgreement returns the agreement with its full transaction history.
func (qs *QueryService) GetAgreement(ctx context.Context, id uuid.UUID) (*AgreementView, error) {
	a, err := qs.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	v := NewAgreementView(a)
	return &v, nil
}

// ListAgreements returns summaries, optionally narrowed to statuses.
func (qs *QueryService) ListAgreements(ctx context.Context, statuses []agreement.Status) ([]AgreementSummary, error) {
	for _, s := range statuses {
		if !s.Valid() {
			return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidFilter, s)
		}
	}
	list, err := qs.repo.List(ctx, agreement.ListFilter{Statuses: statuses})
	if err != nil {
		return nil, fmt.Errorf("list agreements: %w", err)
	}
	out := make([]AgreementSummary, 0, len(list))
	for _, a := range list {
		out = append(out, AgreementSummary{
			ID:                  a.ID,
			Status:              string(a.Status),
			Principal:           a.Terms.Principal.String(),
			Recovered:           a.Recovery.Recovered.String(),
			Remaining:           a.Recovery.Remaining.String(),
			PercentageRecovered: a.Recovery.PercentageRecovered.String(),
			Transactions:        len(a.Transactions),
			UpdatedAt:           a.UpdatedAt,
		})
	}
	return out, nil
}

// ============================================================================
// Conversions
// ============================================================================

func NewAgreementView(a *agreement.FinancingAgreement) AgreementView {
	return AgreementView{
		ID:         a.ID,
		Status:     string(a.Status),
		Version:    a.Version,
		CreatedAt:  a.CreatedAt,
		UpdatedAt:  a.UpdatedAt,
		VoyageID:   a.VoyageID,
		VesselName: a.VesselName,
		Terms:      NewTermsView(a.Terms),
		Wallets: WalletsView{
			Charterer: a.Wallets.Charterer.Address,
			Investor:  a.Wallets.Investor.Address,
			Shipowner: a.Wallets.Shipowner.Address,
			Platform:  a.Wallets.Platform.Address,
		},
		Hook: HookView{
			Status:       string(a.Hook.Status),
			Address:      a.Hook.Address,
			CreatedAt:    a.Hook.CreatedAt,
			ErrorMessage: a.Hook.ErrorMessage,
		},
		InvestorRecovery: NewRecoveryView(a.Recovery),
		Transactions:     NewTransactionViews(a.Transactions),
	}
}

func NewTermsView(t waterfall.Terms) TermsView {
	return TermsView{
		Principal:                 t.Principal.String(),
		InterestRate:              t.InterestRate.String(),
		ExpectedVoyageRevenue:     t.ExpectedRevenue.String(),
		EarlyRepaymentPenaltyRate: t.PenaltyRate.String(),
		PlatformFeeRate:           t.PlatformFeeRate.String(),
	}
}

func NewRecoveryView(r waterfall.InvestorRecovery) RecoveryView {
	return RecoveryView{
		Principal:           r.Principal.String(),
		InterestRate:        r.InterestRate.String(),
		InterestAmount:      r.InterestAmount.String(),
		TotalTarget:         r.TotalTarget.String(),
		Recovered:           r.Recovered.String(),
		Remaining:           r.Remaining.String(),
		PercentageRecovered: r.PercentageRecovered.String(),
		IsFullyRecovered:    r.IsFullyRecovered,
		RecoveredAt:         r.RecoveredAt,
	}
}

func NewTransactionViews(txs []agreement.WaterfallTransaction) []TransactionView {
	out := make([]TransactionView, 0, len(txs))
	for _, t := range txs {
		out = append(out, TransactionView{
			ID:               t.ID,
			EventID:          t.EventID,
			Type:             string(t.Type),
			Timestamp:        t.Timestamp,
			From:             t.From,
			To:               t.To,
			Amount:           t.Amount.String(),
			InvestorPortion:  optional(t.InvestorPortion),
			ShipownerPortion: optional(t.ShipownerPortion),
			PenaltyAmount:    optional(t.PenaltyAmount),
			Status:           string(t.Status),
			Hash:             t.Hash,
			LedgerIndex:      t.LedgerIndex,
			ErrorMessage:     t.ErrorMessage,
			Synthetic:        t.Synthetic,
		})
	}
	return out
}

func NewDistributionView(d waterfall.Distribution) DistributionView {
	steps := make([]StepView, 0, len(d.Calculation))
	for _, s := range d.Calculation {
		steps = append(steps, StepView{Label: s.Label, Amount: s.Amount.String(), Recipient: string(s.Recipient)})
	}
	return DistributionView{
		TotalAmount:            d.TotalAmount.String(),
		ToInvestor:             d.ToInvestor.String(),
		ToShipowner:            d.ToShipowner.String(),
		PlatformFee:            d.PlatformFee.String(),
		InvestorRecoveryBefore: d.InvestorRecoveryBefore.String(),
		InvestorRecoveryAfter:  d.InvestorRecoveryAfter.String(),
		InvestorFullyPaid:      d.InvestorFullyPaid,
		Calculation:            steps,
	}
}

func NewEarlyRepaymentView(q waterfall.EarlyRepayment) EarlyRepaymentView {
	return EarlyRepaymentView{
		RemainingDebt: q.RemainingDebt.String(),
		PenaltyRate:   q.PenaltyRate.String(),
		PenaltyAmount: q.PenaltyAmount.String(),
		TotalDue:      q.TotalDue.String(),
		ToInvestor:    q.ToInvestor.String(),
		ToPlatform:    q.ToPlatform.String(),
	}
}

// NewOutcomeView converts an orchestrator outcome. err is the error returned
// alongside it, if any.
func NewOutcomeView(out *orchestrator.Outcome, err error) OutcomeView {
	v := OutcomeView{
		EventID:      out.EventID,
		Path:         string(out.Path),
		HookExecuted: out.HookExecuted,
		Legs:         NewTransactionViews(out.Legs),
	}
	if out.Agreement != nil {
		a := NewAgreementView(out.Agreement)
		v.Agreement = &a
	}
	if out.Distribution != nil {
		d := NewDistributionView(*out.Distribution)
		v.Distribution = &d
	}
	if out.EarlyRepayment != nil {
		q := NewEarlyRepaymentView(*out.EarlyRepayment)
		v.EarlyRepayment = &q
	}
	if err != nil {
		v.Error = err.Error()
	}
	return v
}

func optional(d *fp.Drops) string {
	if d == nil {
		return ""
	}
	return d.String()
}

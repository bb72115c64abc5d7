package query

import (
	"WaterfallLedger/internal/reconcile"
)

// NewReportView converts a reconciliation report.
func NewReportView(r *reconcile.Report) ReportView {
	v := ReportView{
		AgreementID:   r.AgreementID,
		CheckedAt:     r.CheckedAt,
		Clean:         r.Clean(),
		Balances:      make([]PartyBalanceView, 0, len(r.Balances)),
		Undistributed: r.Undistributed.String(),
		Drifts:        make([]DriftView, 0, len(r.Drifts)),
	}
	if r.Agreement != nil {
		v.Recovery = NewRecoveryView(r.Agreement.Recovery)
	}
	if r.HookCounter != nil {
		v.HookCounter = r.HookCounter.String()
	}
	for _, b := range r.Balances {
		pb := PartyBalanceView{Role: string(b.Role), Address: b.Address, Error: b.Err}
		if b.Err == "" {
			pb.Balance = b.Balance.String()
		}
		v.Balances = append(v.Balances, pb)
	}
	for _, d := range r.Drifts {
		v.Drifts = append(v.Drifts, NewDriftView(d))
	}
	return v
}

func NewDriftView(d reconcile.Drift) DriftView {
	v := DriftView{
		Kind:     string(d.Kind),
		Party:    d.Party,
		Local:    d.Local.String(),
		Observed: d.Observed.String(),
		EventIDs: d.EventIDs,
		Details:  d.Details,
	}
	if d.Suggested != nil {
		s := NewRecoveryView(*d.Suggested)
		v.SuggestedRecovery = &s
	}
	return v
}

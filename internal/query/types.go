package query

import (
	"time"

	"github.com/google/uuid"
)

// Amounts are XRP decimal strings with six places; rates are percent
// decimal strings ("5" means 5%).

// TermsView is the wire form of waterfall.Terms.
type TermsView struct {
	Principal                 string `json:"principal"`
	InterestRate              string `json:"interest_rate"`
	ExpectedVoyageRevenue     string `json:"expected_voyage_revenue"`
	EarlyRepaymentPenaltyRate string `json:"early_repayment_penalty_rate"`
	PlatformFeeRate           string `json:"platform_fee_rate"`
}

// RecoveryView is the wire form of waterfall.InvestorRecovery.
type RecoveryView struct {
	Principal           string     `json:"principal"`
	InterestRate        string     `json:"interest_rate"`
	InterestAmount      string     `json:"interest_amount"`
	TotalTarget         string     `json:"total_target"`
	Recovered           string     `json:"recovered"`
	Remaining           string     `json:"remaining"`
	PercentageRecovered string     `json:"percentage_recovered"`
	IsFullyRecovered    bool       `json:"is_fully_recovered"`
	RecoveredAt         *time.Time `json:"recovered_at,omitempty"`
}

type HookView struct {
	Status       string     `json:"status"`
	Address      string     `json:"address,omitempty"`
	CreatedAt    *time.Time `json:"created_at,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

type WalletsView struct {
	Charterer string `json:"charterer"`
	Investor  string `json:"investor"`
	Shipowner string `json:"shipowner"`
	Platform  string `json:"platform"`
}

// TransactionView is one ledger leg.
type TransactionView struct {
	ID               uuid.UUID `json:"id"`
	EventID          string    `json:"event_id,omitempty"`
	Type             string    `json:"type"`
	Timestamp        time.Time `json:"timestamp"`
	From             string    `json:"from"`
	To               string    `json:"to"`
	Amount           string    `json:"amount"`
	InvestorPortion  string    `json:"investor_portion,omitempty"`
	ShipownerPortion string    `json:"shipowner_portion,omitempty"`
	PenaltyAmount    string    `json:"penalty_amount,omitempty"`
	Status           string    `json:"status"`
	Hash             string    `json:"hash,omitempty"`
	LedgerIndex      uint32    `json:"ledger_index,omitempty"`
	ErrorMessage     string    `json:"error_message,omitempty"`
	Synthetic        bool      `json:"synthetic,omitempty"`
}

// AgreementView is the full agreement as served by GET /v1/agreements/{id}.
type AgreementView struct {
	ID               uuid.UUID         `json:"id"`
	Status           string            `json:"status"`
	Version          int64             `json:"version"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
	VoyageID         string            `json:"voyage_id,omitempty"`
	VesselName       string            `json:"vessel_name,omitempty"`
	Terms            TermsView         `json:"terms"`
	Wallets          WalletsView       `json:"wallets"`
	Hook             HookView          `json:"hook"`
	InvestorRecovery RecoveryView      `json:"investor_recovery"`
	Transactions     []TransactionView `json:"transactions"`
}

// AgreementSummary is a list entry without the transaction history.
type AgreementSummary struct {
	ID                  uuid.UUID `json:"id"`
	Status              string    `json:"status"`
	Principal           string    `json:"principal"`
	Recovered           string    `json:"recovered"`
	Remaining           string    `json:"remaining"`
	PercentageRecovered string    `json:"percentage_recovered"`
	Transactions        int       `json:"transactions"`
	UpdatedAt           time.Time `json:"updated_at"`
}

type StepView struct {
	Label     string `json:"label"`
	Amount    string `json:"amount"`
	Recipient string `json:"recipient"`
}

// DistributionView is the split of one payment.
type DistributionView struct {
	TotalAmount            string     `json:"total_amount"`
	ToInvestor             string     `json:"to_investor"`
	ToShipowner            string     `json:"to_shipowner"`
	PlatformFee            string     `json:"platform_fee"`
	InvestorRecoveryBefore string     `json:"investor_recovery_before"`
	InvestorRecoveryAfter  string     `json:"investor_recovery_after"`
	InvestorFullyPaid      bool       `json:"investor_fully_paid"`
	Calculation            []StepView `json:"calculation"`
}

type EarlyRepaymentView struct {
	RemainingDebt string `json:"remaining_debt"`
	PenaltyRate   string `json:"penalty_rate"`
	PenaltyAmount string `json:"penalty_amount"`
	TotalDue      string `json:"total_due"`
	ToInvestor    string `json:"to_investor"`
	ToPlatform    string `json:"to_platform"`
}

// OutcomeView is the result of a processed event. Error is set when some
// or all legs failed.
type OutcomeView struct {
	EventID        string              `json:"event_id"`
	Path           string              `json:"path,omitempty"`
	HookExecuted   bool                `json:"hook_executed"`
	Agreement      *AgreementView      `json:"agreement,omitempty"`
	Legs           []TransactionView   `json:"legs"`
	Distribution   *DistributionView   `json:"distribution,omitempty"`
	EarlyRepayment *EarlyRepaymentView `json:"early_repayment,omitempty"`
	Error          string              `json:"error,omitempty"`
}

type ValidationView struct {
	Valid                bool     `json:"valid"`
	Errors               []string `json:"errors"`
	MinimumVoyageRevenue string   `json:"minimum_voyage_revenue,omitempty"`
}

type PartyBalanceView struct {
	Role    string `json:"role"`
	Address string `json:"address"`
	Balance string `json:"balance,omitempty"`
	Error   string `json:"error,omitempty"`
}

type DriftView struct {
	Kind              string        `json:"kind"`
	Party             string        `json:"party,omitempty"`
	Local             string        `json:"local"`
	Observed          string        `json:"observed"`
	EventIDs          []string      `json:"event_ids,omitempty"`
	SuggestedRecovery *RecoveryView `json:"suggested_recovery,omitempty"`
	Details           string        `json:"details"`
}

// ReportView is a reconciliation report.
type ReportView struct {
	AgreementID   uuid.UUID          `json:"agreement_id"`
	CheckedAt     time.Time          `json:"checked_at"`
	Clean         bool               `json:"clean"`
	Recovery      RecoveryView       `json:"investor_recovery"`
	Balances      []PartyBalanceView `json:"balances"`
	HookCounter   string             `json:"hook_counter,omitempty"`
	Undistributed string             `json:"undistributed"`
	Drifts        []DriftView        `json:"drifts"`
}

package agreement

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	fp "WaterfallLedger/internal/math"
)

var (
	ErrTransactionFinal    = errors.New("agreement: transaction already final")
	ErrTransactionNotFinal = errors.New("agreement: transaction not final")
)

// TxType classifies a ledger-facing leg.
type TxType string

const (
	TxChartererPayment TxType = "charterer_payment"
	TxInvestorRecovery TxType = "investor_recovery"
	TxShipownerPayment TxType = "shipowner_payment"
	TxEarlyRepayment   TxType = "early_repayment"
	TxPenaltyFee       TxType = "penalty_fee"
	TxDefaultCoverage  TxType = "default_coverage"
)

type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxSubmitted TxStatus = "submitted"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
)

func (s TxStatus) Terminal() bool {
	return s == TxConfirmed || s == TxFailed
}

// WaterfallTransaction records one leg. It is created pending, finalized
// once and then never changed.
type WaterfallTransaction struct {
	ID        uuid.UUID `json:"id"`
	EventID   string    `json:"event_id,omitempty"`
	Type      TxType    `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	From      string          `json:"from"`
	To        string          `json:"to"`
	Amount    fp.Drops        `json:"amount"`
	AmountXRP decimal.Decimal `json:"amount_xrp"`

	InvestorPortion  *fp.Drops `json:"investor_portion,omitempty"`
	ShipownerPortion *fp.Drops `json:"shipowner_portion,omitempty"`
	PenaltyAmount    *fp.Drops `json:"penalty_amount,omitempty"`

	Status       TxStatus `json:"status"`
	Hash         string   `json:"hash,omitempty"`
	LedgerIndex  uint32   `json:"ledger_index,omitempty"`
	ErrorMessage string   `json:"error_message,omitempty"`
	// Ambiguous marks a failed leg the ledger gave no definite answer for.
	// It may still have moved funds.
	Ambiguous bool `json:"ambiguous,omitempty"`

	// Synthetic legs mirror a redistribution the hook performed inside the
	// charterer transaction; they carry that transaction's hash.
	Synthetic bool   `json:"synthetic,omitempty"`
	Notes     string `json:"notes,omitempty"`
}

// NewTransaction creates a pending leg.
func NewTransaction(eventID string, typ TxType, from, to string, amount fp.Drops, now time.Time) WaterfallTransaction {
	return WaterfallTransaction{
		ID:        uuid.New(),
		EventID:   eventID,
		Type:      typ,
		Timestamp: now.UTC(),
		From:      from,
		To:        to,
		Amount:    amount,
		AmountXRP: amount.XRP(),
		Status:    TxPending,
	}
}

// MarkSubmitted moves a pending leg to submitted.
func (t *WaterfallTransaction) MarkSubmitted() error {
	if t.Status != TxPending {
		return fmt.Errorf("%w: %s is %s", ErrTransactionFinal, t.ID, t.Status)
	}
	t.Status = TxSubmitted
	return nil
}

// Confirm finalizes the leg with ledger evidence.
func (t *WaterfallTransaction) Confirm(hash string, ledgerIndex uint32) error {
	if t.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTransactionFinal, t.ID, t.Status)
	}
	t.Status = TxConfirmed
	t.Hash = hash
	t.LedgerIndex = ledgerIndex
	return nil
}

// Fail finalizes the leg with the reason it did not confirm. A hash is kept
// when the ledger saw the transaction but rejected it.
func (t *WaterfallTransaction) Fail(hash string, cause error) error {
	if t.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTransactionFinal, t.ID, t.Status)
	}
	t.Status = TxFailed
	t.Hash = hash
	if cause != nil {
		t.ErrorMessage = cause.Error()
	}
	return nil
}

func (t WaterfallTransaction) clone() WaterfallTransaction {
	c := t
	c.InvestorPortion = copyDrops(t.InvestorPortion)
	c.ShipownerPortion = copyDrops(t.ShipownerPortion)
	c.PenaltyAmount = copyDrops(t.PenaltyAmount)
	return c
}

func copyDrops(d *fp.Drops) *fp.Drops {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}

// DropsPtr is a helper for the optional portion annotations.
func DropsPtr(d fp.Drops) *fp.Drops { return &d }

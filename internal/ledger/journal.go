package ledger

import (
	"fmt"

	"github.com/google/uuid"

	fp "WaterfallLedger/internal/math"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeFunding JournalType = iota
	JournalTypePayment
	JournalTypeHookEmit
)

func (t JournalType) String() string {
	switch t {
	case JournalTypeFunding:
		return "funding"
	case JournalTypePayment:
		return "payment"
	case JournalTypeHookEmit:
		return "hook_emit"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID
	BatchID       uuid.UUID
	TxHash        string     // Ledger transaction that produced the entry
	LedgerIndex   uint32     // Ledger the entry was validated in
	DebitAccount  AccountKey // Account receiving debit (balance increases)
	CreditAccount AccountKey // Account receiving credit (balance decreases)
	Amount        fp.Drops   // ALWAYS positive
	JournalType   JournalType
}

// Batch represents a balanced set of journal entries applied atomically:
// a payment plus whatever the destination's hook emitted.
type Batch struct {
	BatchID     uuid.UUID
	TxHash      string
	LedgerIndex uint32
	Journals    []Journal
}

// NewBatch starts an empty batch for one ledger transaction.
func NewBatch(txHash string, ledgerIndex uint32) *Batch {
	return &Batch{BatchID: uuid.New(), TxHash: txHash, LedgerIndex: ledgerIndex}
}

// Add appends a transfer from credit to debit.
func (b *Batch) Add(typ JournalType, credit, debit AccountKey, amount fp.Drops) {
	b.Journals = append(b.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       b.BatchID,
		TxHash:        b.TxHash,
		LedgerIndex:   b.LedgerIndex,
		DebitAccount:  debit,
		CreditAccount: credit,
		Amount:        amount,
		JournalType:   typ,
	})
}

// Validate ensures the batch is well-formed. Each entry moves one positive
// amount between two accounts, so every entry balances on its own.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount <= 0 {
			return fmt.Errorf("journal %s has non-positive amount: %d", j.JournalID, j.Amount)
		}
		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}
		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}
	}

	return nil
}

package ledger

import (
	"fmt"

	fp "WaterfallLedger/internal/math"
)

// Book is an append-only double-entry journal with running balances.
// Not thread-safe; callers serialise access.
type Book struct {
	tracker   *BalanceTracker
	validator *InvariantValidator
	entries   []Journal
	byTx      map[string][]int
}

func NewBook() *Book {
	tracker := NewBalanceTracker()
	return &Book{
		tracker:   tracker,
		validator: NewInvariantValidator(tracker),
		byTx:      make(map[string][]int),
	}
}

// Post validates and applies batch. Nothing is recorded on error.
func (b *Book) Post(batch *Batch) error {
	if err := b.tracker.ApplyBatch(batch); err != nil {
		return err
	}
	if err := b.validator.ValidateGlobalBalance(); err != nil {
		return fmt.Errorf("post %s: %w", batch.TxHash, err)
	}
	for _, j := range batch.Journals {
		b.byTx[j.TxHash] = append(b.byTx[j.TxHash], len(b.entries))
		b.entries = append(b.entries, j)
	}
	return nil
}

// Balance returns the wallet balance of address.
func (b *Book) Balance(address string) fp.Drops {
	return b.tracker.GetBalance(WalletAccount(address))
}

// Entries returns the journals posted under txHash, in posting order.
func (b *Book) Entries(txHash string) []Journal {
	idx := b.byTx[txHash]
	out := make([]Journal, 0, len(idx))
	for _, i := range idx {
		out = append(out, b.entries[i])
	}
	return out
}

// Len is the number of journals posted.
func (b *Book) Len() int { return len(b.entries) }

// Verify re-checks every invariant against the current balances.
func (b *Book) Verify() error {
	if err := b.validator.ValidateGlobalBalance(); err != nil {
		return err
	}
	return b.validator.ValidateWalletsNonNegative()
}

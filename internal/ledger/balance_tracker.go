package ledger

import (
	"fmt"

	fp "WaterfallLedger/internal/math"
)

// BalanceTracker maintains in-memory account balances. Not thread-safe.
type BalanceTracker struct {
	balances map[AccountKey]fp.Drops
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]fp.Drops),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.balances[j.DebitAccount] += j.Amount
	bt.balances[j.CreditAccount] -= j.Amount
}

// ApplyBatch applies all journals in a batch. A batch that would leave any
// wallet negative is rejected as a whole.
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	delta := make(map[AccountKey]fp.Drops)
	for _, j := range batch.Journals {
		delta[j.DebitAccount] += j.Amount
		delta[j.CreditAccount] -= j.Amount
		if k := j.CreditAccount; k.Scope == AccountScopeWallet && bt.balances[k]+delta[k] < 0 {
			return fmt.Errorf("%w: %s needs %s, has %s",
				ErrInsufficientBalance, k.AccountPath(), j.Amount, bt.balances[k]+delta[k]+j.Amount)
		}
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}
	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) fp.Drops {
	return bt.balances[key]
}

// ComputeGlobalBalance sums all account balances (0 for a zero-sum book).
func (bt *BalanceTracker) ComputeGlobalBalance() fp.Drops {
	var total fp.Drops
	for _, balance := range bt.balances {
		total += balance
	}
	return total
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance < 0 {
		return fmt.Errorf("account %s has negative balance: %d", key.AccountPath(), balance)
	}
	return nil
}

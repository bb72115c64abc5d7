package ledger

import (
	"errors"
	"fmt"
)

// ErrInsufficientBalance is returned when a batch would overdraw a wallet.
var ErrInsufficientBalance = errors.New("ledger: insufficient balance")

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateGlobalBalance verifies the book is zero-sum.
func (v *InvariantValidator) ValidateGlobalBalance() error {
	if total := v.tracker.ComputeGlobalBalance(); total != 0 {
		return fmt.Errorf("global balance is non-zero: %d", total)
	}
	return nil
}

// ValidateWalletsNonNegative verifies no wallet is overdrawn.
func (v *InvariantValidator) ValidateWalletsNonNegative() error {
	for key := range v.tracker.balances {
		if key.Scope != AccountScopeWallet {
			continue
		}
		if err := v.tracker.ValidateNonNegative(key); err != nil {
			return err
		}
	}
	return nil
}

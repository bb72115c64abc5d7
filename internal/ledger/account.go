package ledger

import (
	"fmt"
	"strings"
)

// AccountScope separates ledger wallets from the boundary account that
// funds them.
type AccountScope uint8

const (
	AccountScopeWallet AccountScope = iota
	AccountScopeExternal
)

// AccountKey identifies one balance in the book.
type AccountKey struct {
	Scope   AccountScope
	Address string
}

// WalletAccount keys a classic ledger address.
func WalletAccount(address string) AccountKey {
	return AccountKey{Scope: AccountScopeWallet, Address: strings.TrimSpace(address)}
}

// ExternalFunding is the boundary account credited whenever funds enter
// the book from outside. Its balance is the negated sum of every wallet.
func ExternalFunding() AccountKey {
	return AccountKey{Scope: AccountScopeExternal, Address: "funding"}
}

// AccountPath returns the string representation for logging.
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeWallet:
		return fmt.Sprintf("wallet:%s", k.Address)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s", k.Address)
	}
	return "unknown"
}

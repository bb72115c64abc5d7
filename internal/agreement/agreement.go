package agreement

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	fp "WaterfallLedger/internal/math"
	"WaterfallLedger/internal/waterfall"
)

var (
	ErrInvalidWallets = errors.New("agreement: invalid wallets")
	ErrInvalidHook    = errors.New("agreement: invalid hook state")
)

// Role identifies a party to the agreement.
type Role string

const (
	RoleCharterer Role = "charterer"
	RoleInvestor  Role = "investor"
	RoleShipowner Role = "shipowner"
	RolePlatform  Role = "platform"
)

// Wallet is a party's ledger handle. Secrets never live on the agreement;
// signing goes through the gateway's wallet provider.
type Wallet struct {
	Role    Role   `json:"role"`
	Address string `json:"address"`
}

type Wallets struct {
	Charterer Wallet `json:"charterer"`
	Investor  Wallet `json:"investor"`
	Shipowner Wallet `json:"shipowner"`
	Platform  Wallet `json:"platform"`
}

// All returns the four wallets in a fixed order.
func (w Wallets) All() []Wallet {
	return []Wallet{w.Charterer, w.Investor, w.Shipowner, w.Platform}
}

func (w Wallets) validate() error {
	seen := make(map[string]Role, 4)
	for _, wl := range w.All() {
		if wl.Address == "" {
			return fmt.Errorf("%w: %s address is empty", ErrInvalidWallets, wl.Role)
		}
		if other, dup := seen[wl.Address]; dup {
			return fmt.Errorf("%w: %s and %s share address %s", ErrInvalidWallets, other, wl.Role, wl.Address)
		}
		seen[wl.Address] = wl.Role
	}
	return nil
}

// NewWallets assigns roles to four addresses.
func NewWallets(charterer, investor, shipowner, platform string) Wallets {
	return Wallets{
		Charterer: Wallet{Role: RoleCharterer, Address: charterer},
		Investor:  Wallet{Role: RoleInvestor, Address: investor},
		Shipowner: Wallet{Role: RoleShipowner, Address: shipowner},
		Platform:  Wallet{Role: RolePlatform, Address: platform},
	}
}

// HookStatus is the deployment state of the platform's redistribution hook.
type HookStatus string

const (
	HookNotCreated HookStatus = "not_created"
	HookCreating   HookStatus = "creating"
	HookActive     HookStatus = "active"
	HookError      HookStatus = "error"
)

type Hook struct {
	Status       HookStatus `json:"status"`
	Address      string     `json:"address,omitempty"`
	CreatedAt    *time.Time `json:"created_at,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

// Active reports whether payments should take the single-transaction path.
func (h Hook) Active() bool {
	return h.Status == HookActive && h.Address != ""
}

// Normalize rejects unknown statuses and stamps CreatedAt on an active hook
// that lacks one. An empty status means not_created.
func (h Hook) Normalize(now time.Time) (Hook, error) {
	switch h.Status {
	case "":
		h.Status = HookNotCreated
	case HookNotCreated, HookCreating, HookActive, HookError:
	default:
		return h, fmt.Errorf("%w: unknown status %q", ErrInvalidHook, h.Status)
	}
	if h.Status == HookActive && h.CreatedAt == nil {
		at := now.UTC()
		h.CreatedAt = &at
	}
	return h, nil
}

// FinancingAgreement is the aggregate root. Only the orchestrator mutates it,
// and only after ledger evidence exists.
type FinancingAgreement struct {
	ID        uuid.UUID `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   int64     `json:"version"`

	Terms    waterfall.Terms            `json:"terms"`
	Wallets  Wallets                    `json:"wallets"`
	Hook     Hook                       `json:"hook"`
	Recovery waterfall.InvestorRecovery `json:"investor_recovery"`
	Status   Status                     `json:"status"`

	Transactions []WaterfallTransaction `json:"transactions"`

	VoyageID   string `json:"voyage_id,omitempty"`
	VesselName string `json:"vessel_name,omitempty"`
}

// Open validates the terms, wallets and hook and creates an active agreement
// with nothing recovered.
func Open(terms waterfall.Terms, wallets Wallets, hook Hook, now time.Time) (*FinancingAgreement, error) {
	if err := waterfall.ValidateTerms(terms).Err(); err != nil {
		return nil, err
	}
	if err := wallets.validate(); err != nil {
		return nil, err
	}
	hook, err := hook.Normalize(now)
	if err != nil {
		return nil, err
	}

	now = now.UTC()
	return &FinancingAgreement{
		ID:           uuid.New(),
		CreatedAt:    now,
		UpdatedAt:    now,
		Terms:        terms,
		Wallets:      wallets,
		Hook:         hook,
		Recovery:     waterfall.DeriveRecovery(terms.Principal, terms.InterestRate, 0),
		Status:       StatusActive,
		Transactions: []WaterfallTransaction{},
	}, nil
}

// AdvanceRecovery credits confirmed investor money and re-evaluates status.
func (a *FinancingAgreement) AdvanceRecovery(amount fp.Drops, now time.Time) error {
	next, err := a.Recovery.Advance(amount, now)
	if err != nil {
		return err
	}
	status, err := Transition(a.Status, TriggerRecoveryChanged, next.IsFullyRecovered)
	if err != nil {
		return err
	}
	a.Recovery = next
	a.Status = status
	a.UpdatedAt = now.UTC()
	return nil
}

// Apply runs a non-recovery trigger through the state machine.
func (a *FinancingAgreement) Apply(trigger Trigger, now time.Time) error {
	status, err := Transition(a.Status, trigger, a.Recovery.IsFullyRecovered)
	if err != nil {
		return err
	}
	a.Status = status
	a.UpdatedAt = now.UTC()
	return nil
}

// UnpaidPenalty returns the early repayment penalty whose platform leg
// failed with no later penalty leg confirming, and the events it came from.
// Ambiguous legs are left out; they may have settled.
func (a *FinancingAgreement) UnpaidPenalty() (fp.Drops, []string) {
	var (
		owed   fp.Drops
		events []string
	)
	for _, tx := range a.Transactions {
		if tx.Type != TxPenaltyFee {
			continue
		}
		switch {
		case tx.Status == TxConfirmed:
			owed, events = 0, nil
		case tx.Status == TxFailed && !tx.Ambiguous:
			owed = tx.Amount
			events = append(events, tx.EventID)
		}
	}
	return owed, events
}

// Record appends finalized legs. The log is append-only.
func (a *FinancingAgreement) Record(txs ...WaterfallTransaction) error {
	for _, tx := range txs {
		if !tx.Status.Terminal() {
			return fmt.Errorf("%w: leg %s is %s", ErrTransactionNotFinal, tx.ID, tx.Status)
		}
	}
	a.Transactions = append(a.Transactions, txs...)
	return nil
}

// Clone returns a deep copy safe to hand across goroutines.
func (a *FinancingAgreement) Clone() *FinancingAgreement {
	if a == nil {
		return nil
	}
	c := *a
	c.Recovery.RecoveredAt = copyTime(a.Recovery.RecoveredAt)
	c.Hook.CreatedAt = copyTime(a.Hook.CreatedAt)
	c.Transactions = make([]WaterfallTransaction, len(a.Transactions))
	for i, tx := range a.Transactions {
		c.Transactions[i] = tx.clone()
	}
	return &c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

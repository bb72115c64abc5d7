package gateway

import (
	"context"
	"errors"
	"fmt"

	fp "WaterfallLedger/internal/math"
)

var (
	// ErrAmbiguousResult marks a submission whose outcome the ledger did not
	// report clearly. Such legs are failed, never assumed to have succeeded.
	ErrAmbiguousResult = errors.New("gateway: ambiguous ledger result")
	// ErrValidityWindowExpired marks a submission that was not validated
	// before its LastLedgerSequence passed.
	ErrValidityWindowExpired = errors.New("gateway: validity window expired")
	// ErrRejected marks a submission the ledger refused or validated as failed.
	ErrRejected = errors.New("gateway: payment rejected")
	// ErrNotConnected is returned by gateways used before Connect.
	ErrNotConnected = errors.New("gateway: not connected")
)

// HookNamespace and HookCounterKey locate the redistribution hook's state.
const (
	HookNamespace  = "waterfall-finance-v1"
	HookCounterKey = "investor_recovered"
	MemoType       = "waterfall-finance"
)

// Payment is one directed transfer request.
type Payment struct {
	From   string
	To     string
	Amount fp.Drops
	Memo   string
}

func (p Payment) String() string {
	return fmt.Sprintf("%s -> %s %s XRP", p.From, p.To, p.Amount)
}

type LegStatus string

const (
	LegConfirmed LegStatus = "confirmed"
	LegFailed    LegStatus = "failed"
)

// LegResult is the normalized outcome of SubmitPayment. Err is set exactly
// when Status is LegFailed; Hash may be set on failure when the ledger saw
// the transaction.
type LegResult struct {
	Status      LegStatus
	Hash        string
	LedgerIndex uint32
	Err         error
}

func (r LegResult) Confirmed() bool { return r.Status == LegConfirmed }

// Confirmed builds a successful result.
func Confirmed(hash string, ledgerIndex uint32) LegResult {
	return LegResult{Status: LegConfirmed, Hash: hash, LedgerIndex: ledgerIndex}
}

// Failed builds a failed result.
func Failed(hash string, err error) LegResult {
	if err == nil {
		err = ErrAmbiguousResult
	}
	return LegResult{Status: LegFailed, Hash: hash, Err: err}
}

// HookExecution is evidence that an on-ledger program ran for a transaction.
type HookExecution struct {
	HookAccount  string `json:"hook_account"`
	HookHash     string `json:"hook_hash,omitempty"`
	ReturnCode   string `json:"return_code,omitempty"`
	ReturnString string `json:"return_string,omitempty"`
	EmitCount    int    `json:"emit_count"`
}

// LedgerGateway is the engine's only route to the settlement ledger.
type LedgerGateway interface {
	// SubmitPayment signs, submits and waits for a final outcome. It never
	// deduplicates; retries are the caller's decision.
	SubmitPayment(ctx context.Context, p Payment) LegResult
	GetHookExecutions(ctx context.Context, txHash string) ([]HookExecution, error)
	GetBalance(ctx context.Context, address string) (fp.Drops, error)
	// GetHookCounter reads the hook's investor_recovered state. ok is false
	// when no hook state exists, which is not an error.
	GetHookCounter(ctx context.Context, platformAddress string) (amount fp.Drops, ok bool, err error)
}

// Lifecycle is implemented by gateways holding network resources.
type Lifecycle interface {
	Connect(ctx context.Context) error
	Close() error
}

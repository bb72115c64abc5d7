package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"WaterfallLedger/internal/ledger"
	fp "WaterfallLedger/internal/math"
)

// SimulatedLedger is an in-process ledger with an optional waterfall hook on
// a platform account and per-destination fault injection. Balances live in
// a double-entry book; each payment and the legs its hook emits post as one
// batch.
type SimulatedLedger struct {
	mu          sync.Mutex
	ledgerIndex uint32
	book        *ledger.Book
	fundings    int
	hooks       map[string]*simHook
	executions  map[string][]HookExecution
	faults      map[string]error
	submissions []Payment
}

type simHook struct {
	investor  string
	shipowner string
	target    fp.Drops
	feeRate   fp.Rate
	recovered fp.Drops
}

func NewSimulatedLedger() *SimulatedLedger {
	return &SimulatedLedger{
		ledgerIndex: 1000,
		book:        ledger.NewBook(),
		hooks:       make(map[string]*simHook),
		executions:  make(map[string][]HookExecution),
		faults:      make(map[string]error),
	}
}

func (l *SimulatedLedger) Connect(context.Context) error { return nil }

func (l *SimulatedLedger) Close() error { return nil }

// Fund credits an account from outside the book. Non-positive amounts are
// ignored.
func (l *SimulatedLedger) Fund(address string, amount fp.Drops) {
	if amount <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fundings++
	batch := ledger.NewBatch(fmt.Sprintf("FUND-%d", l.fundings), l.ledgerIndex)
	batch.Add(ledger.JournalTypeFunding, ledger.ExternalFunding(), ledger.WalletAccount(address), amount)
	// A funding entry has a positive amount and distinct accounts.
	_ = l.book.Post(batch)
}

// InstallHook attaches the redistribution hook to platform. Incoming
// payments keep feeRate on the platform, then pay investor up to target and
// the shipowner with the rest.
func (l *SimulatedLedger) InstallHook(platform, investor, shipowner string, target fp.Drops, feeRate fp.Rate) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hooks[platform] = &simHook{investor: investor, shipowner: shipowner, target: target, feeRate: feeRate}
}

// FailPaymentsTo makes every payment to address fail with err.
// A nil err clears the fault.
func (l *SimulatedLedger) FailPaymentsTo(address string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err == nil {
		delete(l.faults, address)
		return
	}
	l.faults[address] = err
}

// Submissions returns every payment submitted so far, in order.
func (l *SimulatedLedger) Submissions() []Payment {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Payment, len(l.submissions))
	copy(out, l.submissions)
	return out
}

// Entries returns the journal entries a validated transaction posted: the
// payment itself followed by any hook emissions.
func (l *SimulatedLedger) Entries(txHash string) []ledger.Journal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.book.Entries(txHash)
}

// Verify checks that the book is zero-sum and no wallet is overdrawn.
func (l *SimulatedLedger) Verify() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.book.Verify()
}

func (l *SimulatedLedger) SubmitPayment(ctx context.Context, p Payment) LegResult {
	if err := ctx.Err(); err != nil {
		return Failed("", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.submissions = append(l.submissions, p)
	l.ledgerIndex++
	hash := l.hash(p)

	if err := l.faults[p.To]; err != nil {
		return Failed("", err)
	}
	if p.Amount <= 0 {
		return Failed("", fmt.Errorf("%w: temBAD_AMOUNT", ErrRejected))
	}

	batch := ledger.NewBatch(hash, l.ledgerIndex)
	batch.Add(ledger.JournalTypePayment, ledger.WalletAccount(p.From), ledger.WalletAccount(p.To), p.Amount)

	h, hooked := l.hooks[p.To]
	var toInvestor, toShipowner fp.Drops
	if hooked {
		toInvestor, toShipowner = h.split(p.Amount)
		if toInvestor > 0 {
			batch.Add(ledger.JournalTypeHookEmit, ledger.WalletAccount(p.To), ledger.WalletAccount(h.investor), toInvestor)
		}
		if toShipowner > 0 {
			batch.Add(ledger.JournalTypeHookEmit, ledger.WalletAccount(p.To), ledger.WalletAccount(h.shipowner), toShipowner)
		}
	}

	if err := l.book.Post(batch); err != nil {
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			return Failed(hash, fmt.Errorf("%w: tecUNFUNDED_PAYMENT", ErrRejected))
		}
		return Failed(hash, fmt.Errorf("%w: temMALFORMED: %v", ErrRejected, err))
	}

	if hooked {
		h.recovered += toInvestor
		l.executions[hash] = []HookExecution{{
			HookAccount:  p.To,
			HookHash:     strings.ToUpper(hex.EncodeToString([]byte(HookNamespace))),
			ReturnCode:   "0",
			ReturnString: "Waterfall: Success",
			EmitCount:    len(batch.Journals) - 1,
		}}
	}
	return Confirmed(hash, l.ledgerIndex)
}

// split mirrors the on-ledger program: fee stays on the platform, the
// investor is paid up to the target, the shipowner gets the rest.
func (h *simHook) split(amount fp.Drops) (toInvestor, toShipowner fp.Drops) {
	remainder := amount - fp.ApplyRate(amount, h.feeRate, fp.RoundHalfEven)
	if h.recovered < h.target {
		toInvestor = h.target - h.recovered
		if remainder < toInvestor {
			toInvestor = remainder
		}
	}
	return toInvestor, remainder - toInvestor
}

func (l *SimulatedLedger) hash(p Payment) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d|%s|%s|%d|%s", l.ledgerIndex, p.From, p.To, p.Amount, p.Memo)))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

func (l *SimulatedLedger) GetHookExecutions(ctx context.Context, txHash string) ([]HookExecution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	execs := l.executions[txHash]
	out := make([]HookExecution, len(execs))
	copy(out, execs)
	return out, nil
}

func (l *SimulatedLedger) GetBalance(ctx context.Context, address string) (fp.Drops, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.book.Balance(address), nil
}

func (l *SimulatedLedger) GetHookCounter(ctx context.Context, platformAddress string) (fp.Drops, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.hooks[platformAddress]
	if !ok {
		return 0, false, nil
	}
	return h.recovered, true, nil
}

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"WaterfallLedger/internal/agreement"
	"WaterfallLedger/internal/gateway"
	fp "WaterfallLedger/internal/math"
	"WaterfallLedger/internal/observability"
	"WaterfallLedger/internal/waterfall"
)

var (
	// ErrLedgerSubmissionFailed means no money moved for the event and the
	// agreement is unchanged.
	ErrLedgerSubmissionFailed = errors.New("orchestrator: ledger submission failed")
	// ErrLegPartialFailure means some legs confirmed and others did not. The
	// agreement reflects the confirmed legs only.
	ErrLegPartialFailure = errors.New("orchestrator: distribution partially failed")
	// ErrSubmissionAmbiguous means a leg failed without a definite ledger
	// answer and may still have moved funds. The leg is recorded on the
	// agreement and the event must not be retried automatically.
	ErrSubmissionAmbiguous = errors.New("orchestrator: ledger outcome unknown")
	// ErrDistributionNotPermitted means the agreement status forbids the event.
	ErrDistributionNotPermitted = errors.New("orchestrator: event not permitted in current status")
)

// Path is the execution strategy used for an event.
type Path string

const (
	PathHook     Path = "hook"
	PathFallback Path = "fallback"
	PathDirect   Path = "direct"
)

// Outcome is returned for every processed event, including failed ones.
// Legs lists this event's legs with their individual status.
type Outcome struct {
	EventID        string                           `json:"event_id"`
	Agreement      *agreement.FinancingAgreement    `json:"agreement"`
	Legs           []agreement.WaterfallTransaction `json:"legs"`
	Distribution   *waterfall.Distribution          `json:"distribution,omitempty"`
	EarlyRepayment *waterfall.EarlyRepayment        `json:"early_repayment,omitempty"`
	Path           Path                             `json:"path"`
	HookExecuted   bool                             `json:"hook_executed"`
}

// Confirmed returns the sum of confirmed legs of typ.
func (o *Outcome) Confirmed(typ agreement.TxType) fp.Drops {
	var total fp.Drops
	for _, l := range o.Legs {
		if l.Type == typ && l.Status == agreement.TxConfirmed {
			total += l.Amount
		}
	}
	return total
}

// MovedFunds reports whether any leg of the event confirmed on the ledger.
// Such an event must not be retried.
func (o *Outcome) MovedFunds() bool {
	if o == nil {
		return false
	}
	for _, l := range o.Legs {
		if l.Status == agreement.TxConfirmed {
			return true
		}
	}
	return false
}

// Ambiguous reports whether a failed leg of the event may still have reached
// the ledger. Such an event must not be retried either.
func (o *Outcome) Ambiguous() bool {
	if o == nil {
		return false
	}
	for _, l := range o.Legs {
		if l.Status == agreement.TxFailed && l.Ambiguous {
			return true
		}
	}
	return false
}

// Orchestrator turns business events into ledger legs and agreement
// updates. One event per agreement runs at a time.
type Orchestrator struct {
	repo    agreement.Repository
	ledger  gateway.LedgerGateway
	locks   *keyedMutex
	logger  zerolog.Logger
	metrics *observability.Metrics
	now     func() time.Time

	hookAttempts int
	hookInterval time.Duration
}

// Option customises the orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithMetrics attaches metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithHookPolling sets how many times, and how far apart, hook execution
// evidence is requested after the charterer leg confirms.
func WithHookPolling(attempts int, interval time.Duration) Option {
	return func(o *Orchestrator) {
		if attempts > 0 {
			o.hookAttempts = attempts
		}
		if interval >= 0 {
			o.hookInterval = interval
		}
	}
}

// New constructs an orchestrator.
func New(repo agreement.Repository, ledger gateway.LedgerGateway, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		repo:         repo,
		ledger:       ledger,
		locks:        newKeyedMutex(),
		logger:       observability.NewLogger("orchestrator"),
		now:          time.Now,
		hookAttempts: 3,
		hookInterval: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Open validates and stores a new agreement.
func (o *Orchestrator) Open(ctx context.Context, terms waterfall.Terms, wallets agreement.Wallets, hook agreement.Hook) (*agreement.FinancingAgreement, error) {
	a, err := agreement.Open(terms, wallets, hook, o.now())
	if err != nil {
		return nil, err
	}
	if err := o.repo.Create(ctx, a); err != nil {
		return nil, fmt.Errorf("create agreement: %w", err)
	}
	o.logger.Info().
		Str("agreement_id", a.ID.String()).
		Int64("principal", int64(terms.Principal)).
		Str("interest_rate", terms.InterestRate.String()).
		Msg("agreement opened")
	return a, nil
}

// PreviewPayment computes the split a payment would produce now. The
// agreement is not touched.
func (o *Orchestrator) PreviewPayment(ctx context.Context, id uuid.UUID, amount fp.Drops) (waterfall.Distribution, error) {
	a, err := o.repo.Get(ctx, id)
	if err != nil {
		return waterfall.Distribution{}, err
	}
	return waterfall.SplitPayment(amount, a.Recovery, a.Terms.PlatformFeeRate)
}

// QuoteEarlyRepayment returns the current early settlement figures.
func (o *Orchestrator) QuoteEarlyRepayment(ctx context.Context, id uuid.UUID) (waterfall.EarlyRepayment, error) {
	a, err := o.repo.Get(ctx, id)
	if err != nil {
		return waterfall.EarlyRepayment{}, err
	}
	return earlyRepaymentQuote(a), nil
}

// SetHook records the deployment state of the platform hook.
func (o *Orchestrator) SetHook(ctx context.Context, id uuid.UUID, hook agreement.Hook) (*agreement.FinancingAgreement, error) {
	return o.mutate(ctx, id, func(a *agreement.FinancingAgreement) error {
		hook, err := hook.Normalize(o.now())
		if err != nil {
			return err
		}
		a.Hook = hook
		a.UpdatedAt = o.now().UTC()
		return nil
	})
}

// DeclareDefault marks the charterer as defaulted.
func (o *Orchestrator) DeclareDefault(ctx context.Context, id uuid.UUID) (*agreement.FinancingAgreement, error) {
	return o.mutate(ctx, id, func(a *agreement.FinancingAgreement) error {
		return a.Apply(agreement.TriggerDefault, o.now())
	})
}

// Close completes an agreement whose investor has been fully recovered.
func (o *Orchestrator) Close(ctx context.Context, id uuid.UUID) (*agreement.FinancingAgreement, error) {
	return o.mutate(ctx, id, func(a *agreement.FinancingAgreement) error {
		return a.Apply(agreement.TriggerClose, o.now())
	})
}

func (o *Orchestrator) mutate(ctx context.Context, id uuid.UUID, fn func(*agreement.FinancingAgreement) error) (*agreement.FinancingAgreement, error) {
	unlock := o.locks.Lock(id)
	defer unlock()

	a, err := o.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(a); err != nil {
		return nil, err
	}
	if err := o.repo.Save(ctx, a); err != nil {
		return nil, fmt.Errorf("save agreement: %w", err)
	}
	return a, nil
}

// --- Leg submission ---

func (o *Orchestrator) newLeg(eventID string, typ agreement.TxType, from, to string, amount fp.Drops) agreement.WaterfallTransaction {
	return agreement.NewTransaction(eventID, typ, from, to, amount, o.now())
}

// submit sends one leg and finalizes it. The leg runs on a context detached
// from cancellation; the gateway bounds it by the ledger validity window.
func (o *Orchestrator) submit(ctx context.Context, a *agreement.FinancingAgreement, leg *agreement.WaterfallTransaction) {
	_ = leg.MarkSubmitted()

	start := time.Now()
	res := o.ledger.SubmitPayment(context.WithoutCancel(ctx), gateway.Payment{
		From:   leg.From,
		To:     leg.To,
		Amount: leg.Amount,
		Memo:   fmt.Sprintf("%s %s %s XRP", a.ID, leg.Type, leg.Amount),
	})
	elapsed := time.Since(start)

	if res.Confirmed() {
		_ = leg.Confirm(res.Hash, res.LedgerIndex)
	} else {
		_ = leg.Fail(res.Hash, res.Err)
		leg.Ambiguous = errors.Is(res.Err, gateway.ErrAmbiguousResult)
	}
	o.metrics.ObserveLeg(string(leg.Type), string(leg.Status), elapsed)

	ev := o.logger.Info()
	if !res.Confirmed() {
		ev = o.logger.Warn().Err(res.Err)
	}
	ev.Str("agreement_id", a.ID.String()).
		Str("event_id", leg.EventID).
		Str("leg_type", string(leg.Type)).
		Int64("amount_drops", int64(leg.Amount)).
		Str("hash", leg.Hash).
		Str("status", string(leg.Status)).
		Dur("elapsed", elapsed).
		Msg("leg finalized")
}

// submitIndependent sends legs concurrently; they touch disjoint accounts
// and do not depend on each other. If ctx is already cancelled nothing is
// submitted and every leg fails.
func (o *Orchestrator) submitIndependent(ctx context.Context, a *agreement.FinancingAgreement, legs []agreement.WaterfallTransaction) {
	if err := ctx.Err(); err != nil {
		for i := range legs {
			_ = legs[i].Fail("", fmt.Errorf("not submitted: %w", err))
			o.metrics.ObserveLeg(string(legs[i].Type), string(legs[i].Status), 0)
		}
		return
	}

	var wg sync.WaitGroup
	for i := range legs {
		wg.Add(1)
		go func(leg *agreement.WaterfallTransaction) {
			defer wg.Done()
			o.submit(ctx, a, leg)
		}(&legs[i])
	}
	wg.Wait()
}

// persist records legs and saves. Ledger money has already moved when this
// runs, so a failure here is logged loudly.
func (o *Orchestrator) persist(ctx context.Context, a *agreement.FinancingAgreement, legs []agreement.WaterfallTransaction) error {
	if err := a.Record(legs...); err != nil {
		return err
	}
	if err := o.repo.Save(context.WithoutCancel(ctx), a); err != nil {
		o.logger.Error().
			Err(err).
			Str("agreement_id", a.ID.String()).
			Int("legs", len(legs)).
			Msg("ledger legs finalized but agreement save failed")
		return fmt.Errorf("save agreement: %w", err)
	}
	return nil
}

// submissionFailed builds the error for an event none of whose legs
// confirmed. Ambiguous legs are recorded so reconciliation reports them.
func (o *Orchestrator) submissionFailed(ctx context.Context, a *agreement.FinancingAgreement, out *Outcome, detail string) error {
	if !out.Ambiguous() {
		return fmt.Errorf("%w: %s", ErrLedgerSubmissionFailed, detail)
	}
	o.logger.Error().
		Str("agreement_id", a.ID.String()).
		Str("event_id", out.EventID).
		Msg("ledger outcome unknown, event held for review")
	if err := o.persist(ctx, a, out.Legs); err != nil {
		return err
	}
	return fmt.Errorf("%w: %w: %s", ErrLedgerSubmissionFailed, ErrSubmissionAmbiguous, detail)
}

func newEventID(id string) string {
	if id != "" {
		return id
	}
	return uuid.NewString()
}

func failedLegs(legs []agreement.WaterfallTransaction) int {
	n := 0
	for _, l := range legs {
		if l.Status == agreement.TxFailed {
			n++
		}
	}
	return n
}

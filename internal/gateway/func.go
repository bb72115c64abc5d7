package gateway

import (
	"context"
	"errors"

	fp "WaterfallLedger/internal/math"
)

var errSubmitNotConfigured = errors.New("gateway: submit callback not configured")

// FuncGateway adapts callback functions to the LedgerGateway interface.
type FuncGateway struct {
	SubmitFunc      func(ctx context.Context, p Payment) LegResult
	HookExecFunc    func(ctx context.Context, txHash string) ([]HookExecution, error)
	BalanceFunc     func(ctx context.Context, address string) (fp.Drops, error)
	HookCounterFunc func(ctx context.Context, platformAddress string) (fp.Drops, bool, error)
}

// SubmitPayment delegates to the configured callback.
func (g FuncGateway) SubmitPayment(ctx context.Context, p Payment) LegResult {
	if g.SubmitFunc == nil {
		return Failed("", errSubmitNotConfigured)
	}
	return g.SubmitFunc(ctx, p)
}

// GetHookExecutions delegates to the configured callback.
func (g FuncGateway) GetHookExecutions(ctx context.Context, txHash string) ([]HookExecution, error) {
	if g.HookExecFunc == nil {
		return nil, nil
	}
	return g.HookExecFunc(ctx, txHash)
}

// GetBalance delegates to the configured callback.
func (g FuncGateway) GetBalance(ctx context.Context, address string) (fp.Drops, error) {
	if g.BalanceFunc == nil {
		return 0, nil
	}
	return g.BalanceFunc(ctx, address)
}

// GetHookCounter delegates to the configured callback.
func (g FuncGateway) GetHookCounter(ctx context.Context, platformAddress string) (fp.Drops, bool, error) {
	if g.HookCounterFunc == nil {
		return 0, false, nil
	}
	return g.HookCounterFunc(ctx, platformAddress)
}

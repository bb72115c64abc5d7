package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var ErrUnknownWallet = errors.New("gateway: no signing secret for wallet")

// WalletProvider yields the signing capability for an address.
type WalletProvider interface {
	Secret(ctx context.Context, address string) (string, error)
}

// StaticWallets maps addresses to secrets loaded from configuration.
type StaticWallets map[string]string

func (w StaticWallets) Secret(_ context.Context, address string) (string, error) {
	secret, ok := w[address]
	if !ok || strings.TrimSpace(secret) == "" {
		return "", fmt.Errorf("%w: %s", ErrUnknownWallet, address)
	}
	return secret, nil
}

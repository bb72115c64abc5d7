package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"WaterfallLedger/internal/config"
	fp "WaterfallLedger/internal/math"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "waterfall.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

// ============================================================================
// Test: Layering
// ============================================================================

func TestLoadFrom_Defaults(t *testing.T) {
	cfg, err := config.LoadFrom("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Ledger.Mode != config.LedgerModeSimulated {
		t.Errorf("mode: got %s", cfg.Ledger.Mode)
	}
	if cfg.Ledger.ValidityWindow != 20 {
		t.Errorf("validity window: got %d, want 20", cfg.Ledger.ValidityWindow)
	}
	if cfg.Ledger.CloseTime.Duration != 4*time.Second {
		t.Errorf("close time: got %s, want 4s", cfg.Ledger.CloseTime.Duration)
	}
	if cfg.Hook.PollAttempts != 3 || cfg.Hook.PollInterval.Duration != 2*time.Second {
		t.Errorf("hook polling: got %d x %s", cfg.Hook.PollAttempts, cfg.Hook.PollInterval.Duration)
	}
	if cfg.FeeRate != 0 || cfg.PostgresURL != "" || cfg.NATSURL != "" {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadFrom_FileThenEnv(t *testing.T) {
	path := writeFile(t, `
postgres_dsn: postgres://file
platform_fee_rate: "1.5"
ledger:
  mode: rpc
  rpc_url: https://node.example
  poll_interval: 500ms
hook:
  poll_attempts: 5
reconcile:
  interval: 1m
  tolerance: "0.000010"
wallet_secrets:
  rPlatform: sPlatformSecret
`)
	t.Setenv("WATERFALL_POSTGRES_DSN", "postgres://env")
	t.Setenv("WATERFALL_HOOK_POLL_INTERVAL", "250ms")
	t.Setenv("WATERFALL_LEDGER_CLOSE_TIME", "3s")
	t.Setenv("WATERFALL_WALLET_SECRETS", "rInvestor=sInvestorSecret, rShipowner=sOwnerSecret")

	cfg, err := config.LoadFrom(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.PostgresURL != "postgres://env" {
		t.Errorf("env should override file, got %s", cfg.PostgresURL)
	}
	if cfg.FeeRate != fp.MustRate("1.5") {
		t.Errorf("fee rate: got %s, want 1.5", cfg.FeeRate)
	}
	if cfg.Ledger.Mode != config.LedgerModeRPC || cfg.Ledger.PollInterval.Duration != 500*time.Millisecond {
		t.Errorf("ledger: got %+v", cfg.Ledger)
	}
	if cfg.Ledger.ValidityWindow != 20 {
		t.Errorf("unset file keys keep defaults, got window %d", cfg.Ledger.ValidityWindow)
	}
	if cfg.Ledger.CloseTime.Duration != 3*time.Second {
		t.Errorf("close time: got %s, want 3s", cfg.Ledger.CloseTime.Duration)
	}
	if cfg.Hook.PollAttempts != 5 || cfg.Hook.PollInterval.Duration != 250*time.Millisecond {
		t.Errorf("hook: got %d x %s", cfg.Hook.PollAttempts, cfg.Hook.PollInterval.Duration)
	}
	if cfg.Reconcile.Interval.Duration != time.Minute || cfg.Reconcile.ToleranceDrops != 10 {
		t.Errorf("reconcile: got %s tolerance=%d", cfg.Reconcile.Interval.Duration, cfg.Reconcile.ToleranceDrops)
	}
	if len(cfg.WalletSecrets) != 3 || cfg.WalletSecrets["rShipowner"] != "sOwnerSecret" {
		t.Errorf("wallet secrets: got %v", cfg.WalletSecrets)
	}
}

// ============================================================================
// Test: Validation
// ============================================================================

func TestLoadFrom_ReportsEveryProblem(t *testing.T) {
	path := writeFile(t, `
platform_fee_rate: "150"
ledger:
  mode: websocket
`)
	_, err := config.LoadFrom(path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	msg := err.Error()
	for _, want := range []string{"platform_fee_rate", "ledger mode"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q does not mention %q", msg, want)
		}
	}
}

func TestLoadFrom_RejectsUnknownKeys(t *testing.T) {
	path := writeFile(t, "postgres_url: postgres://typo\n")
	if _, err := config.LoadFrom(path); err == nil {
		t.Error("unknown key accepted")
	}
}

func TestLoadFrom_BadDuration(t *testing.T) {
	path := writeFile(t, "hook:\n  poll_interval: soon\n")
	if _, err := config.LoadFrom(path); err == nil {
		t.Error("malformed duration accepted")
	}
}

func TestLoadFrom_MissingFile(t *testing.T) {
	if _, err := config.LoadFrom(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("missing file accepted")
	}
}

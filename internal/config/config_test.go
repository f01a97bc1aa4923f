package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("RPC_URL", "https://rpc.example")
	t.Setenv("RPC_WS_URL", "wss://rpc.example")
}

func TestNewManagerEnvOnly(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("FAST_CLAIM_THRESHOLD_SOL", "0.25")
	t.Setenv("PLATFORM_FEE_PCT", "12.5")

	m, err := NewManager("")
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	cfg := m.Get()

	if cfg.RPC.URL != "https://rpc.example" {
		t.Errorf("expected RPC URL from env, got %s", cfg.RPC.URL)
	}
	if cfg.FastClaim.ThresholdSol != 0.25 {
		t.Errorf("expected threshold 0.25, got %v", cfg.FastClaim.ThresholdSol)
	}
	if cfg.Platform.FeePct != 12.5 {
		t.Errorf("expected fee pct 12.5, got %v", cfg.Platform.FeePct)
	}
}

func TestDefaults(t *testing.T) {
	setRequiredEnv(t)

	m, err := NewManager("")
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	cfg := m.Get()

	if cfg.FastClaim.IntervalSeconds != 30 {
		t.Errorf("expected fast claim interval 30, got %d", cfg.FastClaim.IntervalSeconds)
	}
	if cfg.FastClaim.ThresholdSol != 0.15 {
		t.Errorf("expected claim threshold 0.15, got %v", cfg.FastClaim.ThresholdSol)
	}
	if cfg.Flywheel.IntervalSeconds != 60 {
		t.Errorf("expected flywheel interval 60, got %d", cfg.Flywheel.IntervalSeconds)
	}
	if cfg.Turbo.RateLimitPerMin != 60 {
		t.Errorf("expected turbo rate limit 60, got %d", cfg.Turbo.RateLimitPerMin)
	}
	if cfg.Platform.FeePct != 10 {
		t.Errorf("expected platform fee 10, got %v", cfg.Platform.FeePct)
	}
	if cfg.Platform.ClaimTransferReserveSol != 0.1 {
		t.Errorf("expected claim transfer reserve 0.1, got %v", cfg.Platform.ClaimTransferReserveSol)
	}
	if cfg.Reactive.DedupMaxSignatures != 2000 {
		t.Errorf("expected dedup cap 2000, got %d", cfg.Reactive.DedupMaxSignatures)
	}
	if !cfg.Jobs.FlywheelEnabled {
		t.Error("expected flywheel job enabled by default")
	}

	if m.FlywheelInterval() != 60*time.Second {
		t.Errorf("expected 60s flywheel interval, got %v", m.FlywheelInterval())
	}
	if m.BalanceInterval() != 300*time.Second {
		t.Errorf("expected 300s balance interval, got %v", m.BalanceInterval())
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			RPC:       RPCConfig{URL: "https://rpc.example", WSURL: "wss://rpc.example"},
			Platform:  PlatformConfig{FeePct: 10},
			FastClaim: FastClaimConfig{ThresholdSol: 0.15},
		}
	}

	if err := base().Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}

	c := base()
	c.RPC.URL = ""
	if err := c.Validate(); err == nil {
		t.Error("expected missing RPC_URL to fail validation")
	}

	c = base()
	c.RPC.WSURL = ""
	if err := c.Validate(); err == nil {
		t.Error("expected missing RPC_WS_URL to fail validation")
	}

	c = base()
	c.Platform.FeePct = 101
	if err := c.Validate(); err == nil {
		t.Error("expected fee pct over 100 to fail validation")
	}

	c = base()
	c.Platform.TokenMint = "tooshort"
	if err := c.Validate(); err == nil {
		t.Error("expected short platform mint to fail validation")
	}

	c = base()
	c.FastClaim.ThresholdSol = 0
	if err := c.Validate(); err == nil {
		t.Error("expected zero claim threshold to fail validation")
	}
}

func TestNewManagerRejectsInvalid(t *testing.T) {
	t.Setenv("RPC_URL", "https://rpc.example")
	t.Setenv("RPC_WS_URL", "")

	if _, err := NewManager(""); err == nil {
		t.Error("expected missing ws url to fail startup")
	}
}

func TestNewManagerFromFile(t *testing.T) {
	setRequiredEnv(t)
	path := filepath.Join(t.TempDir(), "engine.yaml")
	yaml := "fast_claim:\n  threshold_sol: 0.4\nflywheel:\n  interval_seconds: 90\n"
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	cfg := m.Get()
	if cfg.FastClaim.ThresholdSol != 0.4 || cfg.Flywheel.IntervalSeconds != 90 {
		t.Errorf("file values not applied: %+v", cfg.FastClaim)
	}
}

func TestNewManagerRejectsUnknownKeys(t *testing.T) {
	setRequiredEnv(t)
	path := filepath.Join(t.TempDir(), "engine.yaml")
	yaml := "fast_claim:\n  treshold_sol: 0.4\n"
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	// A misspelled key must fail startup, not silently run on the default.
	if _, err := NewManager(path); err == nil {
		t.Error("expected unknown config key to fail startup")
	}
}

func TestReloadRequestedClearsFlag(t *testing.T) {
	setRequiredEnv(t)
	m, err := NewManager("")
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	if m.ReloadRequested() {
		t.Error("fresh manager must not report a pending reload")
	}
	m.reloaded.Store(true)
	if !m.ReloadRequested() {
		t.Error("expected reload flag to be reported")
	}
	if m.ReloadRequested() {
		t.Error("reload flag must clear after one read")
	}
}

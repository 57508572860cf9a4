package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		EnvRedisURL, EnvDefaultModel, EnvDailyBudget,
		EnvMaxTurns, EnvTimeoutSeconds, EnvCostLimit, EnvAgentsDir,
	} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestLoadMissingEnvListsAllNames(t *testing.T) {
	clearEnv(t)

	_, err := Load("")
	if err == nil {
		t.Fatal("expected error for missing required variables")
	}
	var missing *MissingEnvError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingEnvError, got %T: %v", err, err)
	}
	want := []string{EnvAgentsDir, EnvDailyBudget, EnvDefaultModel, EnvRedisURL}
	if len(missing.Names) != len(want) {
		t.Fatalf("missing = %v, want %v", missing.Names, want)
	}
	for i, name := range want {
		if missing.Names[i] != name {
			t.Errorf("missing[%d] = %q, want %q", i, missing.Names[i], name)
		}
	}
	if !strings.Contains(err.Error(), EnvRedisURL) {
		t.Errorf("error message should name %s: %s", EnvRedisURL, err)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	clearEnv(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "orch.yaml")
	content := `
redis:
  url: redis://file-host:6379/0
orchestrator:
  default_model: gpt-4o-mini
budget:
  daily_limit_usd: "25.00"
agents:
  dir: /etc/orch/agents
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv(EnvRedisURL, "redis://env-host:6379/1")
	t.Setenv(EnvMaxTurns, "7")
	t.Setenv(EnvTimeoutSeconds, "45")
	t.Setenv(EnvCostLimit, "2.50")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Redis.URL != "redis://env-host:6379/1" {
		t.Errorf("Redis.URL = %q, env should win over file", cfg.Redis.URL)
	}
	if cfg.Orchestrator.DefaultModel != "gpt-4o-mini" {
		t.Errorf("DefaultModel = %q", cfg.Orchestrator.DefaultModel)
	}
	if cfg.Orchestrator.MaxTurns != 7 {
		t.Errorf("MaxTurns = %d, want 7", cfg.Orchestrator.MaxTurns)
	}
	if cfg.Orchestrator.TurnTimeout != 45*time.Second {
		t.Errorf("TurnTimeout = %v, want 45s", cfg.Orchestrator.TurnTimeout)
	}
	if got := cfg.Budget.ConversationLimitUSD.String(); got != "2.5" {
		t.Errorf("ConversationLimitUSD = %s, want 2.5", got)
	}
	if got := cfg.Budget.DailyLimitUSD.String(); got != "25" {
		t.Errorf("DailyLimitUSD = %s, want 25", got)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvRedisURL, "redis://localhost:6379/0")
	t.Setenv(EnvDefaultModel, "gpt-4o-mini")
	t.Setenv(EnvDailyBudget, "10.00")
	t.Setenv(EnvAgentsDir, "./agents")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Redis.ConversationTTL != time.Hour {
		t.Errorf("ConversationTTL = %v, want 1h", cfg.Redis.ConversationTTL)
	}
	if cfg.Redis.DailyAggregateTTL != 7*24*time.Hour {
		t.Errorf("DailyAggregateTTL = %v, want 168h", cfg.Redis.DailyAggregateTTL)
	}
	if cfg.Redis.TurnDetailTTL != 30*24*time.Hour {
		t.Errorf("TurnDetailTTL = %v, want 720h", cfg.Redis.TurnDetailTTL)
	}
	if cfg.Budget.WarningRatio != 0.75 || cfg.Budget.CriticalRatio != 0.90 {
		t.Errorf("thresholds = %v/%v, want 0.75/0.90", cfg.Budget.WarningRatio, cfg.Budget.CriticalRatio)
	}
	if cfg.RAG.TopK != 5 {
		t.Errorf("RAG.TopK = %d, want 5", cfg.RAG.TopK)
	}
	if cfg.Streaming.HeartbeatInterval > 30*time.Second {
		t.Errorf("HeartbeatInterval = %v, must not exceed 30s", cfg.Streaming.HeartbeatInterval)
	}
	if cfg.Orchestrator.MaxTurns != 12 {
		t.Errorf("MaxTurns default = %d, want 12", cfg.Orchestrator.MaxTurns)
	}
}

func TestLoadRejectsBadNumbers(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvRedisURL, "redis://localhost:6379/0")
	t.Setenv(EnvDefaultModel, "gpt-4o-mini")
	t.Setenv(EnvDailyBudget, "10.00")
	t.Setenv(EnvAgentsDir, "./agents")
	t.Setenv(EnvMaxTurns, "zero")

	if _, err := Load(""); err == nil {
		t.Fatal("expected error for non-numeric AUTOGEN_MAX_TURNS")
	}
}

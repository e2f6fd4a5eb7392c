package config

import (
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := defaults()

	if cfg.Server.Port != 4600 {
		t.Errorf("Server.Port = %d, want 4600", cfg.Server.Port)
	}
	if cfg.Limits.StageCallBudget != 6 {
		t.Errorf("StageCallBudget = %d, want 6", cfg.Limits.StageCallBudget)
	}
	if cfg.Limits.BurstWindow != 10*time.Second {
		t.Errorf("BurstWindow = %v, want 10s", cfg.Limits.BurstWindow)
	}
	if cfg.LLM.CallTimeout != 120*time.Second {
		t.Errorf("CallTimeout = %v, want 120s", cfg.LLM.CallTimeout)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("VIBEFLOW_SERVER_PORT", "9999")
	t.Setenv("VIBEFLOW_LLM_MODEL", "test/model")
	t.Setenv("VIBEFLOW_STAGE_CALL_BUDGET", "2")
	t.Setenv("VIBEFLOW_BURST_WINDOW", "30s")

	cfg := defaults()
	if err := applyEnv(&cfg); err != nil {
		t.Fatalf("applyEnv: %v", err)
	}

	if cfg.Server.Port != 9999 {
		t.Errorf("Server.Port = %d, want 9999", cfg.Server.Port)
	}
	if cfg.LLM.Model != "test/model" {
		t.Errorf("LLM.Model = %q, want test/model", cfg.LLM.Model)
	}
	if cfg.Limits.StageCallBudget != 2 {
		t.Errorf("StageCallBudget = %d, want 2", cfg.Limits.StageCallBudget)
	}
	if cfg.Limits.BurstWindow != 30*time.Second {
		t.Errorf("BurstWindow = %v, want 30s", cfg.Limits.BurstWindow)
	}
}

func TestApplyEnvRejectsMalformedValues(t *testing.T) {
	t.Setenv("VIBEFLOW_SERVER_PORT", "not-a-number")

	cfg := defaults()
	if err := applyEnv(&cfg); err == nil {
		t.Fatal("expected error for malformed port, got nil")
	}
}

func TestLoadRequiresAPIKey(t *testing.T) {
	t.Setenv("VIBEFLOW_LLM_API_KEY", "")
	t.Setenv("VIBEFLOW_API_TOKEN", "tok")

	if _, err := Load(); err == nil {
		t.Fatal("expected error when API key is missing")
	}
}

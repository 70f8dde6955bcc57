package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.json5"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Thresholds.CriticalRuleLevel != 8 {
		t.Errorf("CriticalRuleLevel = %d, want 8", cfg.Thresholds.CriticalRuleLevel)
	}
	if cfg.Database.SessionBackend != "sqlite" {
		t.Errorf("SessionBackend = %q, want sqlite", cfg.Database.SessionBackend)
	}
}

func TestLoadEnvOverridesSecrets(t *testing.T) {
	t.Setenv("SENTRYWATCH_MODEL_API_KEY", "env-key")
	t.Setenv("SENTRYWATCH_TELEGRAM_TOKEN", "tg-token")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json5"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Model.APIKey != "env-key" {
		t.Errorf("Model.APIKey = %q, want env-key", cfg.Model.APIKey)
	}
	if !cfg.Telegram.Enabled {
		t.Error("Telegram.Enabled should be true once a token is present")
	}
}

func TestLoadParsesJSON5File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")
	body := `{
		// trailing comments are valid JSON5
		thresholds: { critical_rule_level: 9 },
		retrieval: { default_k: 25 },
	}`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Thresholds.CriticalRuleLevel != 9 {
		t.Errorf("CriticalRuleLevel = %d, want 9", cfg.Thresholds.CriticalRuleLevel)
	}
	if cfg.Retrieval.DefaultK != 25 {
		t.Errorf("DefaultK = %d, want 25", cfg.Retrieval.DefaultK)
	}
}

func TestHashIsDeterministicAndChangesOnEdit(t *testing.T) {
	cfg := Default()
	h1 := cfg.Hash()
	h2 := cfg.Hash()
	if h1 != h2 {
		t.Fatalf("Hash not deterministic: %q vs %q", h1, h2)
	}

	other := Default()
	other.Thresholds.CriticalRuleLevel = 10
	cfg.ReplaceFrom(other)
	if cfg.Hash() == h1 {
		t.Fatal("Hash should change after ReplaceFrom with different data")
	}
}

func TestReplaceFromIsAtomicSnapshot(t *testing.T) {
	cfg := Default()
	updated := Default()
	updated.Alerts.PollIntervalSeconds = 30
	cfg.ReplaceFrom(updated)

	snap := cfg.Snapshot()
	if snap.Alerts.PollIntervalSeconds != 30 {
		t.Errorf("PollIntervalSeconds = %d, want 30", snap.Alerts.PollIntervalSeconds)
	}
}

package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults for a fresh install.
func Default() *Config {
	return &Config{
		Security: SecurityConfig{
			SessionTTLMinutes: 60 * 12,
			BcryptCost:        11,
		},
		Network: NetworkConfig{
			ContainerName:  "wazuh.manager",
			ArchivesPath:   "/var/ossec/logs/archives/archives.json",
			ExecTimeoutSec: 10,
		},
		Database: DatabaseConfig{
			ArchivePath:    "~/.sentrywatch/archive.db",
			SessionBackend: "sqlite",
			SessionPath:    "~/.sentrywatch/sessions.db",
			LogDirectory:   "~/.sentrywatch/logs",
		},
		Model: ModelConfig{
			BaseURL:           "http://localhost:8000/v1",
			Name:              "local-chat-model",
			MaxTokens:         4096,
			Temperature:       0.2,
			MaxToolIterations: 4,
		},
		Retrieval: RetrievalConfig{
			EmbeddingModelID: "local-embed-384",
			VectorDimension:  384,
			DefaultK:         10,
			DefaultDaysRange: 7,
			IndexWindowSize:  50000,
			CAGWindowEvents:  200,
			CAGTokenBudget:   24000,
		},
		Thresholds: ThresholdsConfig{
			CriticalRuleLevel:    8,
			HighRuleLevel:        7,
			MediumRuleLevel:      5,
			SubscriberCap:        1000,
			DeliveredIDRetention: 500,
			DeliveredIDEvictCap:  1000,
		},
		Alerts: AlertsConfig{
			PollIntervalSeconds:    10,
			MaxPerHourPerRecipient: 30,
			CooldownSeconds:        0,
		},
		Reports: ReportsConfig{
			WindowHours: 24,
		},
	}
}

// Load reads config from a JSON5 file, then overlays env-var secrets.
// A missing file is not an error: defaults plus env overrides are used.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays secret/override env vars onto the config.
// Env vars always take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("SENTRYWATCH_MODEL_API_KEY", &c.Model.APIKey)
	envStr("SENTRYWATCH_MODEL_BASE_URL", &c.Model.BaseURL)
	envStr("SENTRYWATCH_TELEGRAM_TOKEN", &c.Telegram.Token)
	envStr("SENTRYWATCH_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("SENTRYWATCH_ADMIN_TOKEN", &c.Security.AdminAPIToken)

	if c.Telegram.Token != "" {
		c.Telegram.Enabled = true
	}
	if c.Database.PostgresDSN != "" && c.Database.SessionBackend == "" {
		c.Database.SessionBackend = "postgres"
	}
}

// ApplyEnvOverrides re-applies environment overrides, used after an admin
// API write replaces the in-memory config so secrets aren't clobbered by a
// partial document that omitted them.
func (c *Config) ApplyEnvOverrides() {
	c.applyEnvOverrides()
}

// Save writes the config to a JSON file (secrets are never marshaled since
// their fields carry `json:"-"`).
func Save(path string, cfg *Config) error {
	snap := cfg.Snapshot()
	data, err := json.MarshalIndent(&snap, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Hash returns a short SHA-256 digest of the config, used by the admin API
// for optimistic-concurrency writes (a PUT must quote the Hash it read).
func (c *Config) Hash() string {
	snap := c.Snapshot()
	data, _ := json.Marshal(&snap)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}

// Package config holds the atomically-swappable configuration handle shared
// by every component. Config is read by value at component boundaries;
// updates go through ReplaceFrom so in-flight readers never observe a
// half-written struct.
package config

import (
	"sync"
)

// Config is the root configuration document, matching the nested JSON
// categories exposed through the admin API: security, network, database,
// model, performance, thresholds, alerts, reports, retrieval.
type Config struct {
	Security  SecurityConfig  `json:"security"`
	Network   NetworkConfig   `json:"network"`
	Database  DatabaseConfig  `json:"database"`
	Model     ModelConfig     `json:"model"`
	Telegram  TelegramConfig  `json:"telegram"`
	Retrieval RetrievalConfig `json:"retrieval"`
	Thresholds ThresholdsConfig `json:"thresholds"`
	Alerts    AlertsConfig    `json:"alerts"`
	Reports   ReportsConfig   `json:"reports"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	MCPServers []MCPServerConfig `json:"mcp_servers,omitempty"`

	mu sync.RWMutex
}

// SecurityConfig holds web-surface authentication settings.
type SecurityConfig struct {
	SessionTTLMinutes int    `json:"session_ttl_minutes,omitempty"`
	BcryptCost        int    `json:"bcrypt_cost,omitempty"`
	AdminAPIToken     string `json:"-"` // from env SENTRYWATCH_ADMIN_TOKEN only, never persisted
}

// NetworkConfig describes how the ingest pipeline reaches the Wazuh
// container and (informationally) the manager's REST API.
type NetworkConfig struct {
	ContainerName   string `json:"container_name,omitempty"`
	ArchivesPath    string `json:"archives_path,omitempty"`
	ManagerAPIURL   string `json:"manager_api_url,omitempty"`
	ExecTimeoutSec  int    `json:"exec_timeout_sec,omitempty"`
}

// DatabaseConfig configures the archive and session stores.
// PostgresDSN is a secret: never read from the config file, only from env.
type DatabaseConfig struct {
	ArchivePath     string `json:"archive_path,omitempty"`
	SessionBackend  string `json:"session_backend,omitempty"` // "sqlite" (default) or "postgres"
	SessionPath     string `json:"session_path,omitempty"`
	LogDirectory    string `json:"log_directory,omitempty"`
	PostgresDSN     string `json:"-"` // from env SENTRYWATCH_POSTGRES_DSN only
}

// ModelConfig configures the chat-completion endpoint.
type ModelConfig struct {
	BaseURL     string  `json:"base_url,omitempty"`
	APIKey      string  `json:"-"` // from env SENTRYWATCH_MODEL_API_KEY only
	Name        string  `json:"name,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxToolIterations int `json:"max_tool_iterations,omitempty"`
}

// TelegramConfig configures the Telegram bot surface.
type TelegramConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Token   string `json:"-"` // from env SENTRYWATCH_TELEGRAM_TOKEN only
}

// RetrievalConfig configures the semantic index and hybrid retriever.
type RetrievalConfig struct {
	EmbeddingModelID string `json:"embedding_model_id,omitempty"`
	VectorDimension  int    `json:"vector_dimension,omitempty"`
	DefaultK         int    `json:"default_k,omitempty"`
	DefaultDaysRange int    `json:"default_days_range,omitempty"`
	IndexWindowSize  int    `json:"index_window_size,omitempty"` // L, the bounded build window
	CAGWindowEvents  int    `json:"cag_window_events,omitempty"`
	CAGTokenBudget   int    `json:"cag_token_budget,omitempty"`
}

// ThresholdsConfig configures severity bands used by the alert monitor.
type ThresholdsConfig struct {
	CriticalRuleLevel     int `json:"critical_rule_level,omitempty"`
	HighRuleLevel         int `json:"high_rule_level,omitempty"`
	MediumRuleLevel       int `json:"medium_rule_level,omitempty"`
	SubscriberCap         int `json:"subscriber_cap,omitempty"`
	DeliveredIDRetention  int `json:"delivered_id_retention,omitempty"`
	DeliveredIDEvictCap   int `json:"delivered_id_evict_cap,omitempty"`
}

// AlertsConfig configures the alert monitor's poll cadence and rate limits.
type AlertsConfig struct {
	PollIntervalSeconds  int `json:"poll_interval_seconds,omitempty"`
	MaxPerHourPerRecipient int `json:"max_per_hour_per_recipient,omitempty"`
	CooldownSeconds      int `json:"cooldown_seconds,omitempty"`
}

// ReportsConfig configures the scheduled-report generator's trigger.
// The renderer itself (PDF/HTML) is an external collaborator; this
// config only drives when a ReportRequest is gathered and handed off.
type ReportsConfig struct {
	Enabled        bool   `json:"enabled,omitempty"`
	CronExpression string `json:"cron_expression,omitempty"` // e.g. "0 8 * * *"
	WindowHours    int    `json:"window_hours,omitempty"`
}

// MCPServerConfig names one external MCP tool server to attach to the
// dispatch loop's catalog alongside the native tools.
type MCPServerConfig struct {
	Name    string            `json:"name"`
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// TelemetryConfig optionally enables OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`
	Protocol    string `json:"protocol,omitempty"` // "grpc" (default) or "http"
	Insecure    bool   `json:"insecure,omitempty"`
	ServiceName string `json:"service_name,omitempty"`
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
// Callers hold a single long-lived *Config and swap its contents atomically
// so readers never observe a half-written struct.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Security = src.Security
	c.Network = src.Network
	c.Database = src.Database
	c.Model = src.Model
	c.Telegram = src.Telegram
	c.Retrieval = src.Retrieval
	c.Thresholds = src.Thresholds
	c.Alerts = src.Alerts
	c.Reports = src.Reports
	c.Telemetry = src.Telemetry
	c.MCPServers = src.MCPServers
}

// Snapshot returns a copy of the config data (excluding the mutex) safe to
// read without holding the lock afterward.
func (c *Config) Snapshot() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Config{
		Security:   c.Security,
		Network:    c.Network,
		Database:   c.Database,
		Model:      c.Model,
		Telegram:   c.Telegram,
		Retrieval:  c.Retrieval,
		Thresholds: c.Thresholds,
		Alerts:     c.Alerts,
		Reports:    c.Reports,
		Telemetry:  c.Telemetry,
		MCPServers: c.MCPServers,
	}
}

// Package config loads the parley configuration: JSON5 file over defaults,
// then PARLEY_* env overlays. API keys come from the environment only and
// are never written back to disk.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/titanous/json5"

	"github.com/parleylabs/parley/internal/cron"
)

// Config is the full configuration tree.
type Config struct {
	mu sync.RWMutex

	Engine    EngineConfig    `json:"engine"`
	HUD       HUDConfig       `json:"hud"`
	Budget    BudgetConfig    `json:"budget"`
	Providers ProvidersConfig `json:"providers"`
	Models    ModelsConfig    `json:"models"`
	Database  DatabaseConfig  `json:"database"`
	Cron      CronConfig      `json:"cron"`
	Telemetry TelemetryConfig `json:"telemetry"`
	HTTP      HTTPConfig      `json:"http"`
}

// EngineConfig tunes the scheduler loop.
type EngineConfig struct {
	Mode           string   `json:"mode"` // individual | batched
	TickMS         int      `json:"tick_ms"`
	PullForwardMS  int      `json:"pull_forward_ms"`
	StopTimeoutSec int      `json:"stop_timeout_sec"`
	CallTimeoutSec int      `json:"call_timeout_sec"`
	DecayStep      float64  `json:"decay_step"`
	HistoryDepth   int      `json:"history_depth"`
	Temperature    *float64 `json:"temperature,omitempty"`
}

// HUDConfig tunes HUD assembly.
type HUDConfig struct {
	Format        string `json:"format"` // verbose | abbrev | toon
	Directives    string `json:"directives"`
	WarnPct       int    `json:"warn_pct"`
	CriticalPct   int    `json:"critical_pct"`
	ReserveTokens int    `json:"reserve_tokens"`
}

// BudgetConfig sets the defaults new agents start with.
type BudgetConfig struct {
	DefaultTokenBudget int `json:"default_token_budget"`
	KnowledgePct       int `json:"knowledge_pct"`
	RecentActionsPct   int `json:"recent_actions_pct"`
	RoomsPct           int `json:"rooms_pct"`
	MinPct             int `json:"min_pct"`
}

// ProviderConfig is one LLM backend. APIKey is env-only.
type ProviderConfig struct {
	APIKey  string `json:"api_key,omitempty"`
	BaseURL string `json:"base_url,omitempty"`
}

type ProvidersConfig struct {
	Anthropic        ProviderConfig `json:"anthropic"`
	OpenAI           ProviderConfig `json:"openai"`
	TimeoutSec       int            `json:"timeout_sec"`
	RetryMaxAttempts int            `json:"retry_max_attempts"`
	RateLimitRPS     float64        `json:"rate_limit_rps"`
	RateLimitBurst   int            `json:"rate_limit_burst"`
}

// ModelsConfig controls which models agents may be assigned. An empty
// allow-list allows everything.
type ModelsConfig struct {
	Default   string   `json:"default"`
	AllowList []string `json:"allow_list,omitempty"`
}

type DatabaseConfig struct {
	SQLitePath  string `json:"sqlite_path"`
	PostgresDSN string `json:"postgres_dsn,omitempty"`
}

type CronConfig struct {
	Jobs []cron.Job `json:"jobs,omitempty"`
}

type TelemetryConfig struct {
	Enabled     bool    `json:"enabled"`
	Endpoint    string  `json:"endpoint,omitempty"`
	Protocol    string  `json:"protocol,omitempty"`
	ServiceName string  `json:"service_name,omitempty"`
	Insecure    bool    `json:"insecure,omitempty"`
	SampleRatio float64 `json:"sample_ratio,omitempty"`
}

type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			Mode:           "individual",
			TickMS:         100,
			StopTimeoutSec: 5,
			CallTimeoutSec: 120,
			DecayStep:      0.1,
			HistoryDepth:   10,
		},
		HUD: HUDConfig{
			Format:        "verbose",
			WarnPct:       75,
			CriticalPct:   90,
			ReserveTokens: 200,
		},
		Budget: BudgetConfig{
			DefaultTokenBudget: 8000,
			KnowledgePct:       30,
			RecentActionsPct:   10,
			RoomsPct:           60,
			MinPct:             5,
		},
		Providers: ProvidersConfig{
			TimeoutSec:       120,
			RetryMaxAttempts: 5,
			RateLimitRPS:     2,
			RateLimitBurst:   4,
		},
		Models: ModelsConfig{
			Default: "claude-sonnet-4-5",
		},
		Database: DatabaseConfig{
			SQLitePath: "~/.parley/parley.db",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "parley",
		},
		HTTP: HTTPConfig{
			Addr: "127.0.0.1:7477",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(ExpandHome(path))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read: %w", err)
	}
	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config. Env wins over file.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("PARLEY_ANTHROPIC_API_KEY", &c.Providers.Anthropic.APIKey)
	envStr("PARLEY_OPENAI_API_KEY", &c.Providers.OpenAI.APIKey)
	envStr("PARLEY_ANTHROPIC_BASE_URL", &c.Providers.Anthropic.BaseURL)
	envStr("PARLEY_OPENAI_BASE_URL", &c.Providers.OpenAI.BaseURL)

	envStr("PARLEY_MODEL", &c.Models.Default)
	envStr("PARLEY_ENGINE_MODE", &c.Engine.Mode)
	envStr("PARLEY_HUD_FORMAT", &c.HUD.Format)

	envStr("PARLEY_SQLITE_PATH", &c.Database.SQLitePath)
	envStr("PARLEY_POSTGRES_DSN", &c.Database.PostgresDSN)

	envStr("PARLEY_HTTP_ADDR", &c.HTTP.Addr)
	if v := os.Getenv("PARLEY_HTTP_ENABLED"); v != "" {
		c.HTTP.Enabled = v == "true" || v == "1"
	}

	envStr("PARLEY_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("PARLEY_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("PARLEY_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("PARLEY_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("PARLEY_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}

	if v := os.Getenv("PARLEY_TOKEN_BUDGET"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Budget.DefaultTokenBudget = n
		}
	}
}

// Save writes the config as plain JSON, 0600, with secrets stripped.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	raw, err := json.Marshal(cfg)
	cfg.mu.RUnlock()
	if err != nil {
		return err
	}
	cp := Default()
	if err := json.Unmarshal(raw, cp); err != nil {
		return err
	}
	cp.StripSecrets()

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return err
	}
	path = ExpandHome(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// StripSecrets zeroes the env-only fields so they never persist on disk.
func (c *Config) StripSecrets() {
	c.Providers.Anthropic.APIKey = ""
	c.Providers.OpenAI.APIKey = ""
	c.Database.PostgresDSN = ""
}

// ModelAllowed reports whether agents may be assigned the model. An empty
// allow-list allows everything.
func (c *Config) ModelAllowed(model string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.Models.AllowList) == 0 {
		return true
	}
	for _, m := range c.Models.AllowList {
		if m == model {
			return true
		}
	}
	return false
}

// SetAllowList swaps the model allow-list (hot reload path).
func (c *Config) SetAllowList(models []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Models.AllowList = models
}

// ExpandHome replaces a leading ~ with the user home directory.
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

package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Engine.Mode != "individual" {
		t.Errorf("Engine.Mode = %q", cfg.Engine.Mode)
	}
	if cfg.Budget.DefaultTokenBudget != 8000 {
		t.Errorf("DefaultTokenBudget = %d", cfg.Budget.DefaultTokenBudget)
	}
	if cfg.HUD.WarnPct != 75 || cfg.HUD.CriticalPct != 90 {
		t.Errorf("thresholds = %d/%d", cfg.HUD.WarnPct, cfg.HUD.CriticalPct)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Models.Default != "claude-sonnet-4-5" {
		t.Errorf("Models.Default = %q", cfg.Models.Default)
	}
}

func TestLoadJSON5WithComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
		// per-room starter schedules
		engine: { mode: "batched", tick_ms: 50 },
		models: { default: "gpt-5-mini", allow_list: ["gpt-5-mini", "claude-sonnet-4-5"] },
		cron: { jobs: [{ schedule: "0 9 * * *", room_id: 3, content: "daily prompt" }] },
	}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine.Mode != "batched" || cfg.Engine.TickMS != 50 {
		t.Errorf("engine = %+v", cfg.Engine)
	}
	// untouched sections keep their defaults
	if cfg.Engine.CallTimeoutSec != 120 {
		t.Errorf("CallTimeoutSec = %d, want default 120", cfg.Engine.CallTimeoutSec)
	}
	if len(cfg.Cron.Jobs) != 1 || cfg.Cron.Jobs[0].RoomID != 3 {
		t.Errorf("cron jobs = %+v", cfg.Cron.Jobs)
	}
	if !cfg.ModelAllowed("gpt-5-mini") || cfg.ModelAllowed("mystery") {
		t.Error("allow-list not applied")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PARLEY_ANTHROPIC_API_KEY", "sk-test")
	t.Setenv("PARLEY_MODEL", "claude-opus-4-1")
	t.Setenv("PARLEY_HTTP_ENABLED", "1")
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Providers.Anthropic.APIKey != "sk-test" {
		t.Errorf("APIKey = %q", cfg.Providers.Anthropic.APIKey)
	}
	if cfg.Models.Default != "claude-opus-4-1" {
		t.Errorf("Models.Default = %q", cfg.Models.Default)
	}
	if !cfg.HTTP.Enabled {
		t.Error("HTTP.Enabled not set from env")
	}
}

func TestSaveStripsSecrets(t *testing.T) {
	t.Setenv("PARLEY_OPENAI_API_KEY", "sk-secret")
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "sk-secret") {
		t.Error("saved config contains an API key")
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("mode = %o, want 0600", info.Mode().Perm())
	}
	// the in-memory config keeps its key
	if cfg.Providers.OpenAI.APIKey != "sk-secret" {
		t.Error("Save mutated the live config")
	}
}

func TestModelAllowedEmptyListAllowsAll(t *testing.T) {
	cfg := Default()
	if !cfg.ModelAllowed("anything-at-all") {
		t.Error("empty allow-list should allow any model")
	}
	cfg.SetAllowList([]string{"a"})
	if cfg.ModelAllowed("b") {
		t.Error("allow-list not enforced after SetAllowList")
	}
}

func TestWatchReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{models: {default: "first"}}`), 0o600); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan *Config, 1)
	if err := Watch(ctx, path, func(c *Config) {
		select {
		case got <- c:
		default:
		}
	}); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(path, []byte(`{models: {default: "second"}}`), 0o600); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-got:
		if cfg.Models.Default != "second" {
			t.Errorf("reloaded default = %q", cfg.Models.Default)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload within 3s")
	}
}

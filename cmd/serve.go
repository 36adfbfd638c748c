package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/parleylabs/parley/internal/actions"
	"github.com/parleylabs/parley/internal/bus"
	"github.com/parleylabs/parley/internal/config"
	"github.com/parleylabs/parley/internal/cron"
	"github.com/parleylabs/parley/internal/httpapi"
	"github.com/parleylabs/parley/internal/hud"
	"github.com/parleylabs/parley/internal/providers"
	"github.com/parleylabs/parley/internal/rooms"
	"github.com/parleylabs/parley/internal/scheduler"
	"github.com/parleylabs/parley/internal/store"
	"github.com/parleylabs/parley/internal/store/pg"
	"github.com/parleylabs/parley/internal/store/sqlite"
	"github.com/parleylabs/parley/internal/tracing"
	"github.com/parleylabs/parley/internal/wire"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine (and REST adapter when enabled)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

// openStore picks Postgres when a DSN is configured, sqlite otherwise.
func openStore(cfg *config.Config) (store.Store, error) {
	if cfg.Database.PostgresDSN != "" {
		return pg.Open(cfg.Database.PostgresDSN)
	}
	path := config.ExpandHome(cfg.Database.SQLitePath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return sqlite.Open(path)
}

// buildProviders assembles the configured LLM backends, each behind the
// shared rate limiter.
func buildProviders(cfg *config.Config) []providers.Provider {
	timeout := time.Duration(cfg.Providers.TimeoutSec) * time.Second
	retry := providers.DefaultRetryConfig()
	if cfg.Providers.RetryMaxAttempts > 0 {
		retry.MaxAttempts = cfg.Providers.RetryMaxAttempts
	}

	var provs []providers.Provider
	if key := cfg.Providers.Anthropic.APIKey; key != "" {
		provs = append(provs, providers.NewAnthropicProvider(key,
			providers.WithAnthropicBaseURL(cfg.Providers.Anthropic.BaseURL),
			providers.WithAnthropicTimeout(timeout),
			providers.WithAnthropicRetry(retry)))
	}
	if key := cfg.Providers.OpenAI.APIKey; key != "" {
		provs = append(provs, providers.NewOpenAIProvider(key,
			providers.WithOpenAIBaseURL(cfg.Providers.OpenAI.BaseURL),
			providers.WithOpenAITimeout(timeout),
			providers.WithOpenAIRetry(retry)))
	}
	if cfg.Providers.RateLimitRPS > 0 {
		for i, p := range provs {
			provs[i] = providers.NewRateLimited(p, cfg.Providers.RateLimitRPS, cfg.Providers.RateLimitBurst)
		}
	}
	return provs
}

func runServe() error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Enabled {
		shutdown, err := tracing.Init(ctx, tracing.Config{
			Endpoint:    cfg.Telemetry.Endpoint,
			Protocol:    cfg.Telemetry.Protocol,
			ServiceName: cfg.Telemetry.ServiceName,
			Insecure:    cfg.Telemetry.Insecure,
			SampleRatio: cfg.Telemetry.SampleRatio,
		})
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				slog.Warn("tracing shutdown", "error", err)
			}
		}()
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	provs := buildProviders(cfg)
	if len(provs) == 0 {
		return fmt.Errorf("no provider configured: set PARLEY_ANTHROPIC_API_KEY or PARLEY_OPENAI_API_KEY")
	}

	b := bus.New()
	svc := rooms.New(st, b)
	rings := actions.NewRings(20)
	exec := actions.NewExecutor(svc, rings, actions.Config{
		DefaultModel:   cfg.Models.Default,
		ModelAllowList: cfg.Models.AllowList,
	})
	builder := hud.NewBuilder(hud.Config{
		Directives:    cfg.HUD.Directives,
		Format:        wire.ParseFormat(cfg.HUD.Format),
		WarnPct:       cfg.HUD.WarnPct,
		CriticalPct:   cfg.HUD.CriticalPct,
		ReserveTokens: cfg.HUD.ReserveTokens,
	})
	engine := scheduler.New(scheduler.Config{
		Mode:         scheduler.Mode(cfg.Engine.Mode),
		Tick:         time.Duration(cfg.Engine.TickMS) * time.Millisecond,
		PullForward:  time.Duration(cfg.Engine.PullForwardMS) * time.Millisecond,
		StopTimeout:  time.Duration(cfg.Engine.StopTimeoutSec) * time.Second,
		CallTimeout:  time.Duration(cfg.Engine.CallTimeoutSec) * time.Second,
		DecayStep:    cfg.Engine.DecayStep,
		HistoryDepth: cfg.Engine.HistoryDepth,
		Temperature:  cfg.Engine.Temperature,
		Format:       wire.ParseFormat(cfg.HUD.Format),
	}, svc, builder, exec, rings, provs, b)
	exec.SetNudger(engine)

	if _, err := st.GetArchitect(); err != nil {
		slog.Warn("no architect on the roster; run `parley onboard` first")
	}

	if err := config.Watch(ctx, cfgPath, func(next *config.Config) {
		exec.SetModelAllowList(next.Models.AllowList)
		cfg.SetAllowList(next.Models.AllowList)
	}); err != nil {
		slog.Warn("config watch disabled", "error", err)
	}

	var starter *cron.Runner
	if len(cfg.Cron.Jobs) > 0 {
		starter, err = cron.New(svc, cfg.Cron.Jobs)
		if err != nil {
			return err
		}
		starter.Start()
		defer starter.Stop()
	}

	if cfg.HTTP.Enabled {
		api := httpapi.NewServer(svc, engine)
		go func() {
			if err := api.ListenAndServe(cfg.HTTP.Addr); err != nil {
				slog.Error("rest adapter stopped", "error", err)
			}
		}()
	}

	if err := engine.Start(); err != nil {
		return err
	}
	slog.Info("parley engine running", "mode", cfg.Engine.Mode, "providers", len(provs))

	<-ctx.Done()
	slog.Info("shutting down")
	engine.Stop()
	return nil
}

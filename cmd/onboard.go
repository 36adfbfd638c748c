package cmd

import (
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/parleylabs/parley/internal/bus"
	"github.com/parleylabs/parley/internal/config"
	"github.com/parleylabs/parley/internal/rooms"
	"github.com/parleylabs/parley/internal/store"
)

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactive setup: create the Architect and an optional first persona",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnboard()
		},
	}
}

func runOnboard() error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	if arch, err := st.GetArchitect(); err == nil {
		return fmt.Errorf("already onboarded: architect %q exists (id %d)", arch.Name, arch.ID)
	}

	var (
		architectName = "Architect"
		model         = cfg.Models.Default
		createPersona = true
		personaName   string
		personaSeed   string
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Your name").
				Description("You join rooms as the Architect — the one human on the roster.").
				Value(&architectName).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("name is required")
					}
					return nil
				}),
			huh.NewSelect[string]().
				Title("Default model for new agents").
				Options(
					huh.NewOption("Claude Sonnet 4.5", "claude-sonnet-4-5"),
					huh.NewOption("Claude Opus 4.1", "claude-opus-4-1"),
					huh.NewOption("GPT-5 mini", "gpt-5-mini"),
					huh.NewOption("GPT-4.1", "gpt-4.1"),
				).
				Value(&model),
			huh.NewConfirm().
				Title("Create a first persona now?").
				Value(&createPersona),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Persona name").
				Value(&personaName).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("name is required")
					}
					return nil
				}),
			huh.NewText().
				Title("Persona background prompt").
				Description("Who is this agent? Tone, interests, quirks.").
				Value(&personaSeed),
		).WithHideFunc(func() bool { return !createPersona }),
	)
	if err := form.Run(); err != nil {
		return err
	}

	svc := rooms.New(st, bus.New())
	arch, err := svc.EnsureArchitect(architectName)
	if err != nil {
		return err
	}
	fmt.Printf("architect %q created (id %d)\n", arch.Name, arch.ID)

	if createPersona {
		persona, err := svc.CreateAgent(rooms.CreateParams{
			Name:        personaName,
			SeedPrompt:  personaSeed,
			Kind:        store.KindPersona,
			Model:       model,
			InRoomID:    &arch.ID,
			TokenBudget: cfg.Budget.DefaultTokenBudget,
		})
		if err != nil {
			return err
		}
		fmt.Printf("persona %q created (id %d), joined your room\n", persona.Name, persona.ID)
	}

	cfg.Models.Default = model
	if err := config.Save(cfgPath, cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	fmt.Printf("config written to %s — start with `parley serve`\n", cfgPath)

	if cfg.Providers.Anthropic.APIKey == "" && cfg.Providers.OpenAI.APIKey == "" {
		fmt.Println("no provider key found: export PARLEY_ANTHROPIC_API_KEY or PARLEY_OPENAI_API_KEY before serving")
	}
	return nil
}

package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/parleylabs/parley/internal/bus"
	"github.com/parleylabs/parley/internal/config"
	"github.com/parleylabs/parley/internal/rooms"
	"github.com/parleylabs/parley/internal/store"
)

func agentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Manage the agent roster",
	}
	cmd.AddCommand(agentListCmd())
	cmd.AddCommand(agentCreateCmd())
	cmd.AddCommand(agentRetireCmd())
	return cmd
}

func openService() (*rooms.Service, *config.Config, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, nil, err
	}
	st, err := openStore(cfg)
	if err != nil {
		return nil, nil, err
	}
	return rooms.New(st, bus.New()), cfg, nil
}

func agentListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := openService()
			if err != nil {
				return err
			}
			defer svc.Store().Close()

			agents, err := svc.Store().ListAgents()
			if err != nil {
				return err
			}
			if len(agents) == 0 {
				fmt.Println("no agents — run `parley onboard`")
				return nil
			}
			fmt.Printf("%-5s %-20s %-8s %-10s %-24s %s\n", "ID", "NAME", "KIND", "STATUS", "MODEL", "FLAGS")
			for _, a := range agents {
				flags := ""
				if a.IsArchitect {
					flags += "architect "
				}
				if a.MayCreateAgents {
					flags += "creator"
				}
				fmt.Printf("%-5d %-20s %-8s %-10s %-24s %s\n", a.ID, a.Name, a.Kind, a.Status, a.Model, flags)
			}
			return nil
		},
	}
}

func agentCreateCmd() *cobra.Command {
	var (
		seed        string
		kind        string
		model       string
		inRoom      int64
		tokenBudget int
		mayCreate   bool
	)
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cfg, err := openService()
			if err != nil {
				return err
			}
			defer svc.Store().Close()

			if model == "" {
				model = cfg.Models.Default
			}
			if !cfg.ModelAllowed(model) {
				return fmt.Errorf("model %q is not on the allow-list", model)
			}
			k := store.KindBot
			if kind == string(store.KindPersona) {
				k = store.KindPersona
			}
			var inRoomID *int64
			if inRoom > 0 {
				inRoomID = &inRoom
			}
			ag, err := svc.CreateAgent(rooms.CreateParams{
				Name:        args[0],
				SeedPrompt:  seed,
				Kind:        k,
				Model:       model,
				InRoomID:    inRoomID,
				TokenBudget: tokenBudget,
				MayCreate:   mayCreate,
			})
			if err != nil {
				return err
			}
			fmt.Printf("agent %q created (id %d)\n", ag.Name, ag.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&seed, "seed", "", "background prompt")
	cmd.Flags().StringVar(&kind, "kind", "persona", "persona or bot")
	cmd.Flags().StringVar(&model, "model", "", "model (default from config)")
	cmd.Flags().Int64Var(&inRoom, "in-room", 0, "room to join on creation")
	cmd.Flags().IntVar(&tokenBudget, "token-budget", 0, "HUD token budget (default from config)")
	cmd.Flags().BoolVar(&mayCreate, "may-create", false, "allow this agent to create/retire agents")
	return cmd
}

func agentRetireCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retire <id>",
		Short: "Retire an agent (cascades its room and memberships)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id: %w", err)
			}
			svc, _, err := openService()
			if err != nil {
				return err
			}
			defer svc.Store().Close()

			ag, err := svc.Store().GetAgent(id)
			if err != nil {
				return err
			}
			if err := svc.DeleteAgent(id); err != nil {
				return err
			}
			fmt.Printf("agent %q retired\n", ag.Name)
			return nil
		},
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"wavecrew/internal/config"
	"wavecrew/internal/domain"
	"wavecrew/internal/graph"
	"wavecrew/internal/notify"
	"wavecrew/internal/orchestrator"
	"wavecrew/internal/plan"
	sqlitestore "wavecrew/internal/store/sqlite"
)

var version = "0.1.0"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "orchestrator",
		Short: "Run multi-agent projects wave by wave",
		Long: `orchestrator turns an approved task plan into dependency-ordered waves,
dispatches each task to a specialised agent, scores the results, runs bounded
fix rounds and escalates to a human when the bar is not met.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.toml (default: ~/.wavecrew/config.toml)")

	loadConfig := func() (config.Config, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return config.Config{}, fmt.Errorf("load config: %w", err)
		}
		return cfg, nil
	}

	rootCmd.AddCommand(
		serveCmd(loadConfig),
		planCmd(),
		resumeCmd(loadConfig),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd(loadConfig func() (config.Config, error)) *cobra.Command {
	var addr, dbPath, workspace string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, dispatch relay and agent pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cfg.Server.Addr = firstNonEmpty(addr, cfg.Server.Addr, ":8080")
			cfg.Server.DBPath = filepath.Clean(firstNonEmpty(dbPath, cfg.Server.DBPath))
			cfg.Server.WorkspaceRoot = filepath.Clean(firstNonEmpty(workspace, cfg.Server.WorkspaceRoot))

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return serve(ctx, cfg, log.Default())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "http listen address override")
	cmd.Flags().StringVar(&dbPath, "db", "", "sqlite database path override")
	cmd.Flags().StringVar(&workspace, "workspace", "", "workspace root for agent output override")
	return cmd
}

func planCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Work with plan files",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate <file>",
		Short: "Check a YAML or JSON plan and print its execution order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := plan.LoadFile(args[0])
			if err != nil {
				return err
			}
			order, err := graph.TopologicalOrder(p)
			if err != nil {
				var verr *graph.ValidationError
				if errors.As(err, &verr) {
					return fmt.Errorf("plan %s is invalid: %w", args[0], verr)
				}
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "plan ok: %d tasks\n", len(p.Tasks))
			byID := make(map[string]domain.PlanTask, len(p.Tasks))
			for _, t := range p.Tasks {
				byID[t.ID] = t
			}
			for i, id := range order {
				t := byID[id]
				fmt.Fprintf(out, "%3d. %-20s %-12s p%d %s\n", i+1, t.ID, t.AgentType, t.Priority, t.Title)
			}
			return nil
		},
	})
	return cmd
}

func resumeCmd(loadConfig func() (config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <project>",
		Short: "Re-derive and run the next step of a project from stored state",
		Long: `resume rebuilds the next step of one project from the database: it opens
the next wave, requeues exhausted dispatches, re-evaluates a resolved wave or
retries a deployment hand-off. Dispatches it queues are delivered by the next
running serve process.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			store, err := sqlitestore.Open(cfg.Server.DBPath)
			if err != nil {
				return fmt.Errorf("open sqlite store: %w", err)
			}
			defer func() {
				_ = store.Close()
			}()
			if err := store.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate sqlite: %w", err)
			}

			logger := log.Default()
			notifier, closeNotify, err := buildNotifier(cfg, nil, logger)
			if err != nil {
				return err
			}
			defer closeNotify()

			svc := orchestrator.New(store, outboxOnly{}, notifier, notifier, orchestratorConfig(cfg), logger)
			report, err := svc.Resume(ctx, args[0])
			if err != nil {
				return fmt.Errorf("resume %s: %w", args[0], err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "project %s phase=%s\n", report.ProjectID, report.Phase)
			if len(report.Actions) == 0 {
				fmt.Fprintln(out, "nothing to do")
			}
			for _, a := range report.Actions {
				fmt.Fprintf(out, "  - %s\n", a)
			}
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "orchestrator %s\n", version)
		},
	}
}

// outboxOnly is the transport of one-shot commands: dispatches stay in the
// outbox for a running server to relay.
type outboxOnly struct{}

func (outboxOnly) Publish(context.Context, domain.Message) error {
	return errors.New("relay is not running in this process")
}

var _ orchestrator.Transport = outboxOnly{}
var _ orchestrator.Notifier = (*notify.Dispatcher)(nil)

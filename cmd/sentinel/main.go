package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/haloapp/sentinel"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command and attaches the subcommands.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags),
		createCheckCommand(globalFlags),
		createStatusCommand(globalFlags),
		createEventsCommand(globalFlags),
		createCleanupCommand(globalFlags),
		versionCmd(),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags.
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "sentinel",
		Short: "System health monitor for the Halo desktop app",
		Long: `Sentinel watches a local Halo installation: it keeps a durable process
registry, cleans up orphaned child processes, probes configuration and
service health, and escalates recovery when errors repeat.

Examples:
  sentinel serve                    # Run the monitor with the diagnostics endpoint
  sentinel check                    # One-shot health check, prints JSON
  sentinel status                   # Query a running monitor
  sentinel cleanup                  # Sweep orphaned processes`,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")

	return root
}

// createServeCommand creates the serve subcommand.
func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}

	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Run the health monitor",
		Long: `Run the monitor in the foreground: startup checks, orphan cleanup,
fallback polling, the settings watcher and the local diagnostics endpoint.

Examples:
  sentinel serve                    # Defaults under ~/.halo
  sentinel serve config.toml        # Start with specific config file
  sentinel serve --daemonize        # Run in the background`,
		RunE: func(cmd *cobra.Command, args []string) error {
			serveFlags.ConfigPath = globalFlags.ConfigPath
			return runServeCommand(serveFlags, args)
		},
	}

	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run in the background")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon output to file")

	return cmd
}

func runServeCommand(flags *ServeFlags, args []string) error {
	configPath := flags.ConfigPath
	if len(args) > 0 {
		configPath = args[0]
	}

	cfg, err := sentinel.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	if flags.Daemonize {
		return daemonize(flags.LogFile)
	}

	// The serve command exists to expose the monitor.
	cfg.Server.Enabled = true
	gin.SetMode(gin.ReleaseMode)

	s, err := sentinel.New(sentinel.Options{Config: cfg})
	if err != nil {
		return err
	}
	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		return err
	}

	fmt.Printf("Monitoring %s (instance %s)\n", cfg.DataDir, s.State().InstanceID)
	fmt.Printf("Serving diagnostics on http://%s%s\n", cfg.Server.Listen, cfg.Server.BasePath)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("Shutting down...")
	s.Stop(ctx)
	return nil
}

// createCheckCommand creates the check subcommand.
func createCheckCommand(globalFlags *GlobalFlags) *cobra.Command {
	checkFlags := &CheckFlags{}

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run the health checks once and print the results",
		Long: `Run every probe once against the local installation and print the
results as JSON. Exits non-zero when the aggregated status is unhealthy.

Examples:
  sentinel check
  sentinel check --config=sentinel.toml
  sentinel check --remote           # Ask a running monitor instead`,
		RunE: func(cmd *cobra.Command, args []string) error {
			checkFlags.ConfigPath = globalFlags.ConfigPath
			return runCheckCommand(checkFlags)
		},
	}

	cmd.Flags().BoolVar(&checkFlags.Remote, "remote", false, "ask a running monitor for an immediate check")
	addAPIFlags(cmd, &checkFlags.APIUrl, &checkFlags.APITimeout)

	return cmd
}

func runCheckCommand(flags *CheckFlags) error {
	if flags.Remote {
		client, err := clientFromFlags(flags.ConfigPath, flags.APIUrl, flags.APITimeout)
		if err != nil {
			return err
		}
		rep, err := client.TriggerCheck()
		if err != nil {
			return fmt.Errorf("monitor unreachable: %w", err)
		}
		printJSON(rep)
		return nil
	}

	cfg, err := sentinel.LoadConfig(flags.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	s, err := sentinel.New(sentinel.Options{Config: cfg})
	if err != nil {
		return err
	}
	results := s.RunStartupChecks(context.Background())
	status := s.Status()
	printJSON(struct {
		Status  sentinel.HealthStatus  `json:"status"`
		Results []sentinel.ProbeResult `json:"results"`
	}{Status: status, Results: results})
	if status == sentinel.StatusUnhealthy {
		return fmt.Errorf("aggregated status is unhealthy")
	}
	return nil
}

// createStatusCommand creates the status subcommand.
func createStatusCommand(globalFlags *GlobalFlags) *cobra.Command {
	statusFlags := &StatusFlags{}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of a running monitor",
		Long: `Query the diagnostics endpoint of a running monitor and print the
aggregated health state as JSON.

Examples:
  sentinel status
  sentinel status --api-url=http://127.0.0.1:8799`,
		RunE: func(cmd *cobra.Command, args []string) error {
			statusFlags.ConfigPath = globalFlags.ConfigPath
			return runStatusCommand(statusFlags)
		},
	}

	addAPIFlags(cmd, &statusFlags.APIUrl, &statusFlags.APITimeout)

	return cmd
}

func runStatusCommand(flags *StatusFlags) error {
	client, err := clientFromFlags(flags.ConfigPath, flags.APIUrl, flags.APITimeout)
	if err != nil {
		return err
	}
	st, err := client.GetStatus()
	if err != nil {
		return fmt.Errorf("monitor unreachable: %w", err)
	}
	printJSON(st)
	return nil
}

// createEventsCommand creates the events subcommand.
func createEventsCommand(globalFlags *GlobalFlags) *cobra.Command {
	eventsFlags := &EventsFlags{}

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent health events from a running monitor",
		Long: `Query the diagnostics endpoint of a running monitor and print the
recent events as JSON, oldest first.

Examples:
  sentinel events`,
		RunE: func(cmd *cobra.Command, args []string) error {
			eventsFlags.ConfigPath = globalFlags.ConfigPath
			return runEventsCommand(eventsFlags)
		},
	}

	addAPIFlags(cmd, &eventsFlags.APIUrl, &eventsFlags.APITimeout)

	return cmd
}

func runEventsCommand(flags *EventsFlags) error {
	client, err := clientFromFlags(flags.ConfigPath, flags.APIUrl, flags.APITimeout)
	if err != nil {
		return err
	}
	evs, err := client.GetEvents()
	if err != nil {
		return fmt.Errorf("monitor unreachable: %w", err)
	}
	printJSON(evs)
	return nil
}

// createCleanupCommand creates the cleanup subcommand.
func createCleanupCommand(globalFlags *GlobalFlags) *cobra.Command {
	cleanupFlags := &CleanupFlags{}

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Sweep orphaned processes",
		Long: `Sweep processes left behind by previous instances. When a monitor is
running the sweep goes through its diagnostics endpoint, because the
registry file has a single writer; otherwise the sweep runs locally.

Examples:
  sentinel cleanup`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cleanupFlags.ConfigPath = globalFlags.ConfigPath
			return runCleanupCommand(cleanupFlags)
		},
	}

	addAPIFlags(cmd, &cleanupFlags.APIUrl, &cleanupFlags.APITimeout)

	return cmd
}

func runCleanupCommand(flags *CleanupFlags) error {
	client, err := clientFromFlags(flags.ConfigPath, flags.APIUrl, flags.APITimeout)
	if err != nil {
		return err
	}
	if client.IsReachable() {
		rep, err := client.TriggerCleanup()
		if err != nil {
			return err
		}
		printJSON(rep)
		return nil
	}

	fmt.Println("Monitor not running; sweeping locally")
	cfg, err := sentinel.LoadConfig(flags.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	s, err := sentinel.New(sentinel.Options{Config: cfg})
	if err != nil {
		return err
	}
	printJSON(s.SweepOrphans(context.Background()))
	return nil
}

func addAPIFlags(cmd *cobra.Command, url *string, timeout *time.Duration) {
	cmd.Flags().StringVar(url, "api-url", "", "diagnostics endpoint URL (default derived from config)")
	cmd.Flags().DurationVar(timeout, "api-timeout", 0, "request timeout")
}

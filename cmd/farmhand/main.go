package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/cuemby/farmhand/pkg/api"
	"github.com/cuemby/farmhand/pkg/config"
	"github.com/cuemby/farmhand/pkg/events"
	"github.com/cuemby/farmhand/pkg/log"
	"github.com/cuemby/farmhand/pkg/metrics"
	"github.com/cuemby/farmhand/pkg/runner"
	"github.com/cuemby/farmhand/pkg/scheduler"
	"github.com/cuemby/farmhand/pkg/worker"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "farmhand",
	Short: "Farmhand - render farm worker agent",
	Long: `Farmhand is a worker agent daemon for render farms. It registers
itself with the job dispatch service, polls for assigned sessions, runs
their actions as child processes under controlled OS users, synchronizes
job file attachments, and streams structured logs back to the service.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Farmhand version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	// Global flags
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "", "Path to the agent config file")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the worker agent daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := rootCmd.PersistentFlags().GetString("config")
		cfg, err := config.Load(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		applyRunFlags(cmd, &cfg)
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
			os.Exit(1)
		}
		os.Exit(runAgent(cfg))
		return nil
	},
}

func init() {
	runCmd.Flags().String("farm-id", "", "Farm to register the worker in")
	runCmd.Flags().String("fleet-id", "", "Fleet to register the worker in")
	runCmd.Flags().String("endpoint", "", "Dispatch service endpoint URL")
	runCmd.Flags().String("persistence-dir", "", "Directory for worker state and credential caches")
	runCmd.Flags().String("logs-dir", "", "Directory for local session logs")
	runCmd.Flags().Bool("run-jobs-as-agent-user", false, "Run all session actions as the agent user")
	runCmd.Flags().Bool("retain-session-dirs", false, "Keep session working directories after cleanup")
	runCmd.Flags().String("metrics-addr", "", "Address to serve Prometheus metrics on (empty disables)")
}

func applyRunFlags(cmd *cobra.Command, cfg *config.Config) {
	if v, _ := cmd.Flags().GetString("farm-id"); v != "" {
		cfg.FarmID = v
	}
	if v, _ := cmd.Flags().GetString("fleet-id"); v != "" {
		cfg.FleetID = v
	}
	if v, _ := cmd.Flags().GetString("endpoint"); v != "" {
		cfg.Endpoint = v
	}
	if v, _ := cmd.Flags().GetString("persistence-dir"); v != "" {
		cfg.PersistenceDir = v
	}
	if v, _ := cmd.Flags().GetString("logs-dir"); v != "" {
		cfg.LogsDir = v
	}
	if v, _ := cmd.Flags().GetBool("run-jobs-as-agent-user"); v {
		cfg.RunJobsAsAgentUser = true
	}
	if v, _ := cmd.Flags().GetBool("retain-session-dirs"); v {
		cfg.RetainSessionDirs = true
	}
	if v, _ := cmd.Flags().GetString("metrics-addr"); v != "" {
		cfg.MetricsAddr = v
	}
}

// runAgent runs the worker until it drains, returning the process exit
// code: 0 for a normal shutdown, 1 for bootstrap failure, 2 for an
// unrecoverable fatal error.
func runAgent(cfg config.Config) int {
	ctx := context.Background()
	logger := log.WithComponent("main")

	client := api.NewHTTPClient(api.HTTPClientConfig{
		Endpoint: cfg.Endpoint,
		Timeout:  cfg.RequestTimeout,
	})

	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.Error().Err(err).Msg("Metrics listener failed")
			}
		}()
	}

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	// The worker identity persists across restarts; it is discarded and
	// recreated only when the service reports the worker unknown.
	for {
		identity, err := worker.Bootstrap(ctx, client, cfg.FarmID, cfg.FleetID, cfg.PersistenceDir)
		if err != nil {
			logger.Error().Err(err).Msg("Worker bootstrap failed")
			return 1
		}

		agent, err := worker.New(client, identity, scheduler.Config{
			RunnerFactory:  runner.NewProcessRunner,
			LogClient:      nil, // remote log transport is deployment-provided
			WorkerLogsDir:  cfg.LogsDir,
			PersistenceDir: cfg.PersistenceDir,
			SessionRootDir: cfg.SessionRootDir,
			JobRunAsUserOverride: scheduler.JobRunAsUserOverride{
				RunAsAgent: cfg.RunJobsAsAgentUser,
				JobUser:    cfg.JobUser,
			},
			CleanupSessionUserProcesses: cfg.CleanupSessionUserProcesses,
			RetainSessionDirs:           cfg.RetainSessionDirs,
			Events:                      broker,
		}, cfg.Capabilities, cfg.HostMetadataEndpoint, nil)
		if err != nil {
			logger.Error().Err(err).Msg("Worker initialization failed")
			return 1
		}

		err = agent.Run(ctx)
		switch {
		case err == nil:
			return 0
		case errors.Is(err, scheduler.ErrServiceShutdown):
			logger.Info().Msg("Worker stopped at the service's request")
			return 0
		default:
			var offline *api.WorkerOfflineError
			if errors.As(err, &offline) {
				logger.Warn().Msg("Service reports the worker offline; transitioning back through STARTED")
				continue
			}
			var notFound *api.WorkerNotFoundError
			if errors.As(err, &notFound) {
				logger.Warn().Msg("Worker is not known to the service; discarding identity and re-registering")
				if err := worker.DiscardWorkerID(cfg.PersistenceDir); err != nil {
					logger.Error().Err(err).Msg("Failed to discard worker identity")
					return 2
				}
				continue
			}
			logger.Error().Err(err).Msg("Worker exited with a fatal error")
			return 2
		}
	}
}

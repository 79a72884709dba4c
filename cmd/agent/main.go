// Package main is the entry point for the iperf-agent binary.
//
// Startup sequence:
//  1. Load .env (optional) and parse CLI flags / environment variables
//  2. Build logger (stdout plus a per-agent log file)
//  3. Terminate iperf3 processes left behind by a previous run
//  4. Register with the manager
//  5. Heartbeat/claim loop until SIGINT/SIGTERM or a fatal manager response
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jbhoorasingh/iperf-orchestrator/internal/agent"
	"github.com/jbhoorasingh/iperf-orchestrator/internal/agent/executor"
	"github.com/jbhoorasingh/iperf-orchestrator/internal/agent/transport"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	managerURL string
	agentName  string
	agentKey   string
	apiVersion int
	iperfPath  string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	// Flags read the environment for defaults, so the .env file has to be
	// loaded before the flag set is built.
	_ = godotenv.Load()

	cfg := &config{}

	root := &cobra.Command{
		Use:   "iperf-agent",
		Short: "iperf-orchestrator agent — runs iperf3 tests on behalf of the manager",
		Long: `The agent registers with the manager, heartbeats every few seconds,
claims pending tasks and runs them as local iperf3 subprocesses. It exits
when the manager reports the agent record gone or disabled.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.managerURL, "manager-url", envOrDefault("IPERF_ORCH_MANAGER_URL", "http://localhost:8000"), "Manager base URL")
	root.PersistentFlags().StringVar(&cfg.agentName, "agent-name", envOrDefault("IPERF_ORCH_AGENT_NAME", ""), "Agent name registered on the manager (required)")
	root.PersistentFlags().StringVar(&cfg.agentKey, "agent-key", envOrDefault("IPERF_ORCH_AGENT_KEY", ""), "Registration key issued when the agent was created (required)")
	root.PersistentFlags().IntVar(&cfg.apiVersion, "api-version", envIntOrDefault("IPERF_ORCH_API_VERSION", 1), "Protocol version sent in X-API-Version")
	root.PersistentFlags().StringVar(&cfg.iperfPath, "iperf-path", envOrDefault("IPERF_ORCH_IPERF_PATH", "iperf3"), "Path to the iperf3 binary")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("IPERF_ORCH_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("iperf-agent %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	if cfg.agentName == "" || cfg.agentKey == "" {
		return fmt.Errorf("agent-name and agent-key are required — set the flags or IPERF_ORCH_AGENT_NAME / IPERF_ORCH_AGENT_KEY")
	}

	logger, err := buildLogger(cfg.logLevel, cfg.agentName)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting iperf-orchestrator agent",
		zap.String("version", version),
		zap.String("manager_url", cfg.managerURL),
		zap.String("agent_name", cfg.agentName),
		zap.Int("api_version", cfg.apiVersion),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	client := transport.New(transport.Config{
		ManagerURL: cfg.managerURL,
		AgentName:  cfg.agentName,
		AgentKey:   cfg.agentKey,
		APIVersion: cfg.apiVersion,
	}, logger)
	defer client.Close()

	exec, err := executor.New(executor.Config{
		AgentName: cfg.agentName,
		IperfPath: cfg.iperfPath,
	}, client, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize executor: %w", err)
	}

	runner := agent.New(client, exec, logger)
	if err := runner.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}

	logger.Info("agent stopped")
	return nil
}

// buildLogger writes to stdout and to logs/<agent_name>.log.
func buildLogger(level, agentName string) (*zap.Logger, error) {
	if err := os.MkdirAll("logs", 0750); err != nil {
		return nil, fmt.Errorf("create logs directory: %w", err)
	}

	var cfg zap.Config
	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	cfg.OutputPaths = []string{"stdout", filepath.Join("logs", agentName+".log")}
	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/jbhoorasingh/iperf-orchestrator/internal/api"
	"github.com/jbhoorasingh/iperf-orchestrator/internal/auth"
	"github.com/jbhoorasingh/iperf-orchestrator/internal/db"
	"github.com/jbhoorasingh/iperf-orchestrator/internal/repositories"
	"github.com/jbhoorasingh/iperf-orchestrator/internal/sweeper"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	httpAddr      string
	dbDriver      string
	dbDSN         string
	adminUsername string
	adminPassword string
	apiVersion    int
	logLevel      string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "iperf-manager",
		Short: "iperf-orchestrator manager — central test coordination server",
		Long: `The manager is the central component of the iperf-orchestrator system.
It exposes the admin REST API for composing and running exercises, the
agent protocol for the worker fleet, and the background sweepers that
enforce liveness, timeouts and port reservation hygiene.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("IPERF_ORCH_HTTP_ADDR", ":8000"), "HTTP listen address")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("IPERF_ORCH_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("IPERF_ORCH_DB_DSN", "./orchestrator.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.adminUsername, "admin-username", envOrDefault("IPERF_ORCH_ADMIN_USERNAME", "admin"), "Operator username")
	root.PersistentFlags().StringVar(&cfg.adminPassword, "admin-password", envOrDefault("IPERF_ORCH_ADMIN_PASSWORD", ""), "Operator password, plain or bcrypt hash (required)")
	root.PersistentFlags().IntVar(&cfg.apiVersion, "api-version", envIntOrDefault("IPERF_ORCH_API_VERSION", 1), "Protocol version the X-API-Version header must equal")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("IPERF_ORCH_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("iperf-manager %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.adminPassword == "" {
		return fmt.Errorf("operator password is required — set --admin-password or IPERF_ORCH_ADMIN_PASSWORD")
	}

	logger.Info("starting iperf-orchestrator manager",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.Int("api_version", cfg.apiVersion),
		zap.String("log_level", cfg.logLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	gormLevel := gormlogger.Warn
	if cfg.logLevel == "debug" {
		gormLevel = gormlogger.Info
	}
	database, err := db.New(db.Config{
		Driver:   cfg.dbDriver,
		DSN:      cfg.dbDSN,
		Logger:   logger.Named("db"),
		LogLevel: gormLevel,
	})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	authMgr, err := auth.NewManager("iperf-orchestrator", cfg.adminUsername, cfg.adminPassword)
	if err != nil {
		return fmt.Errorf("failed to initialize auth: %w", err)
	}

	agents := repositories.NewAgentRepository(database)
	exercises := repositories.NewExerciseRepository(database)
	tasks := repositories.NewTaskRepository(database)
	reservations := repositories.NewReservationRepository(database)
	idempotency := repositories.NewIdempotencyRepository(database)

	sweepers, err := sweeper.New(agents, tasks, exercises, reservations, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize sweepers: %w", err)
	}
	if err := sweepers.Start(); err != nil {
		return fmt.Errorf("failed to start sweepers: %w", err)
	}

	router := api.NewRouter(api.RouterConfig{
		Auth:         authMgr,
		Logger:       logger,
		APIVersion:   cfg.apiVersion,
		Agents:       agents,
		Exercises:    exercises,
		Tasks:        tasks,
		Reservations: reservations,
		Idempotency:  idempotency,
	})

	server := &http.Server{
		Addr:              cfg.httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		_ = sweepers.Stop()
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down manager")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", zap.Error(err))
	}
	if err := sweepers.Stop(); err != nil {
		logger.Warn("sweeper shutdown error", zap.Error(err))
	}
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
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

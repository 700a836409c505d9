// Command cohortd recomputes dynamic cohort membership on a schedule.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"

	"cohort-engine/internal/api"
	"cohort-engine/internal/auth"
	"cohort-engine/internal/config"
	"cohort-engine/internal/logging"
	"cohort-engine/internal/mcp"
	"cohort-engine/internal/repository"
	"cohort-engine/internal/telemetry"
)

var version = "dev"

var (
	configPath string
	cfg        *config.Config
	logger     *logging.Logger

	rootCmd = &cobra.Command{
		Use:           "cohortd",
		Short:         "Cohort membership computation engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("configuration loading failed: %w", err)
			}
			logger = logging.New(os.Stdout, cfg.Log.Level, cfg.Log.Format).With("service", "cohortd")
			return nil
		},
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and the ops HTTP server",
		RunE:  runServe,
	}

	runOnceCmd = &cobra.Command{
		Use:   "run-once",
		Short: "Run a single cycle and print its report",
		RunE:  runOnce,
	}

	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Create the tracking and warehouse schemas",
		RunE:  runMigrate,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config.yaml")
	rootCmd.AddCommand(serveCmd, runOnceCmd, migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("cohortd: %v", err)
	}
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext(cmd)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    "cohortd",
		ServiceVersion: version,
		Environment:    cfg.Environment,
		MetricExporter: cfg.Telemetry.MetricExporter,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	authz, err := auth.New(ctx, cfg.Auth.Issuer, cfg.Auth.ClientID, logger.With("component", "auth"))
	if err != nil {
		return fmt.Errorf("auth initialization failed: %w", err)
	}
	if !authz.Enabled() {
		logger.Warn("auth.issuer is not set; POST /api/v1/cycles is unauthenticated")
	}

	e := api.NewEcho("cohortd", logger.With("component", "http"))
	apiServer := api.NewServer(a.store, a.scheduler, cfg.Scheduler.BackoffPolicy(), map[string]api.Pinger{
		"tracking":  a.store,
		"warehouse": a.warehouse,
	})
	apiServer.Version = version
	apiServer.Register(e, authz.RequireBearer(auth.ScopeCohortsWrite))

	mcpServer := mcp.NewServer(a.store, a.scheduler)
	mcpHandlers := http.NewServeMux()
	mcp.MountHTTPHandlers(mcpHandlers, mcpServer.GetMCPServer())
	mcpRoute := echo.WrapHandler(mcpHandlers)
	e.Any("/mcp", mcpRoute, echo.WrapMiddleware(authz.RequireBearer(auth.ScopeCohortsWrite)))
	e.Any("/mcp/*", mcpRoute, echo.WrapMiddleware(authz.RequireBearer(auth.ScopeCohortsWrite)))

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      e,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Scheduler.JobTimeout + time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	// Cycles outlive the signal until Stop gives up on them.
	runCtx, cancelRun := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRun()
	a.scheduler.Start(runCtx)
	logger.Info("Scheduler started", "interval", cfg.Scheduler.Interval, "concurrency", cfg.Scheduler.Concurrency)

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Server starting", "address", server.Addr)
		serverErrors <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server error", "error", err)
		}
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", "error", err)
		_ = server.Close()
	}
	if err := a.scheduler.Stop(shutdownCtx); err != nil {
		logger.Warn("in-flight cycle did not finish, cancelling", "error", err)
		cancelRun()
	}
	logger.Info("Server stopped gracefully")
	return nil
}

func runOnce(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext(cmd)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	report := a.scheduler.RunCycle(ctx)
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return err
	}
	if report.Error != "" {
		return errors.New(report.Error)
	}
	if !report.LockAcquired {
		return errors.New("cycle lock is held by another worker")
	}
	return nil
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext(cmd)
	defer stop()

	db, err := initDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := repository.NewPostgresCohortStore(db).Migrate(ctx); err != nil {
		return fmt.Errorf("migrate tracking store: %w", err)
	}
	logger.Info("Tracking schema ready")

	wh, err := initWarehouse(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer wh.Close()
	if err := wh.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate warehouse: %w", err)
	}
	logger.Info("Warehouse schema ready", "driver", cfg.Warehouse.Driver)
	return nil
}

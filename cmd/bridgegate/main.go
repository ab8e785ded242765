// Command bridgegate runs the municipal mediation core: the approval
// gate engine, the legacy bridge layer, and the HTTP surface over both.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/civicmesh/bridgegate/pkg/audit"
	"github.com/civicmesh/bridgegate/pkg/bridge"
	"github.com/civicmesh/bridgegate/pkg/bridge/adapters"
	"github.com/civicmesh/bridgegate/pkg/classification"
	"github.com/civicmesh/bridgegate/pkg/config"
	"github.com/civicmesh/bridgegate/pkg/gate"
	"github.com/civicmesh/bridgegate/pkg/observability"
	"github.com/civicmesh/bridgegate/pkg/policy"
	"github.com/civicmesh/bridgegate/pkg/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "bridgegate: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return err
	}
	setupLogging(cfg.LogLevel)
	logger := slog.Default()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	trail, closeAudit, err := openTrail(cfg)
	if err != nil {
		return err
	}
	defer closeAudit()
	logger.Info("audit trail ready", "backend", cfg.AuditBackend, "sequence", trail.Sequence())

	approvals, err := openApprovals(cfg)
	if err != nil {
		return err
	}
	defer approvals.Close()

	table, err := policy.Load(cfg.GatesPath)
	if err != nil {
		return fmt.Errorf("load gate table: %w", err)
	}
	policies, err := policy.NewStore(table)
	if err != nil {
		return fmt.Errorf("build gate table: %w", err)
	}
	logger.Info("gate table loaded", "path", cfg.GatesPath, "gates", len(table.Gates))

	resolver, err := loadResolver(cfg, logger)
	if err != nil {
		return err
	}

	registry := bridge.NewRegistry(nil)
	if err := registry.Register(adapters.NewPermitStatus()); err != nil {
		return err
	}
	if err := registry.Register(adapters.NewService311(nil)); err != nil {
		return err
	}
	go registry.Run(ctx, cfg.HealthPollInterval)

	executor := bridge.NewExecutor(registry, trail, nil, bridge.Config{
		DefaultTimeout:  cfg.AdapterTimeout,
		HealthStaleness: cfg.HealthStaleness,
	})

	gateCfg := gate.Config{}
	if cfg.RedisAddr != "" {
		lease := gate.NewRedisLease(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, uuid.NewString())
		if err := lease.Ping(ctx); err != nil {
			return fmt.Errorf("redis lease: %w", err)
		}
		gateCfg.Lease = lease
		logger.Info("cross-instance idempotency lease enabled", "addr", cfg.RedisAddr)
	}

	engine := gate.NewEngine(approvals, policies, resolver, executor, trail, nil, gateCfg)
	if err := engine.Recover(); err != nil {
		return err
	}
	go engine.Run(ctx, cfg.DeadlineSweepInterval)
	go reloadOnSIGHUP(ctx, cfg.GatesPath, policies, logger)

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "bridgegate",
		ServiceVersion: "1.0.0",
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		Enabled:        cfg.OTLPEnabled,
		Insecure:       cfg.OTLPInsecure,
	})
	if err != nil {
		return fmt.Errorf("telemetry init: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := obs.Shutdown(sctx); err != nil {
			logger.Error("telemetry shutdown failed", "error", err)
		}
	}()
	if err := obs.ObservePending(func() int64 {
		pending, perr := engine.Pending()
		if perr != nil {
			return 0
		}
		return int64(len(pending))
	}); err != nil {
		logger.Warn("pending gauge registration failed", "error", err)
	}

	limiter := server.NewGlobalRateLimiter(50, 100)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.New(engine, trail, registry, policies, obs).Handler(limiter),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("bridgegate listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(sctx)
}

// reloadOnSIGHUP swaps in a fresh gate table on SIGHUP. A file that
// fails to load or validate leaves the running table untouched.
func reloadOnSIGHUP(ctx context.Context, path string, policies *policy.Store, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			table, err := policy.Load(path)
			if err != nil {
				logger.Error("gate table reload failed", "path", path, "error", err)
				continue
			}
			if err := policies.Replace(table); err != nil {
				logger.Error("gate table reload rejected", "path", path, "error", err)
				continue
			}
			logger.Info("gate table reloaded", "path", path, "gates", len(table.Gates))
		}
	}
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}

func openTrail(cfg *config.Config) (*audit.Trail, func(), error) {
	var (
		store audit.Store
		cls   = func() {}
	)
	switch cfg.AuditBackend {
	case "memory":
		store = audit.NewMemoryStore()
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.AuditPath), 0o755); err != nil {
			return nil, nil, fmt.Errorf("audit dir: %w", err)
		}
		s, err := audit.OpenSQLiteStore(cfg.AuditPath)
		if err != nil {
			return nil, nil, fmt.Errorf("open audit store: %w", err)
		}
		store, cls = s, func() { _ = s.Close() }
	case "postgres":
		s, err := audit.OpenPostgresStore(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open audit store: %w", err)
		}
		store, cls = s, func() { _ = s.Close() }
	}
	trail, err := audit.NewTrail(store, nil)
	if err != nil {
		cls()
		return nil, nil, err
	}
	return trail, cls, nil
}

func openApprovals(cfg *config.Config) (gate.ApprovalStore, error) {
	if cfg.ApprovalsPath == "" {
		return gate.NewMemoryApprovalStore(), nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.ApprovalsPath), 0o755); err != nil {
		return nil, fmt.Errorf("approvals dir: %w", err)
	}
	store, err := gate.OpenSQLiteApprovalStore(cfg.ApprovalsPath)
	if err != nil {
		return nil, fmt.Errorf("open approval store: %w", err)
	}
	return store, nil
}

// loadResolver falls back to the built-in defaults when no
// classification file is present.
func loadResolver(cfg *config.Config, logger *slog.Logger) (*classification.Resolver, error) {
	ccfg, err := classification.LoadConfig(cfg.ClassificationPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn("classification file absent, using defaults", "path", cfg.ClassificationPath)
			return classification.NewResolver(classification.Config{})
		}
		return nil, fmt.Errorf("load classification rules: %w", err)
	}
	return classification.NewResolver(ccfg)
}

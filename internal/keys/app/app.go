package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tanglewood/keywarden/internal/keys/health"
	"github.com/tanglewood/keywarden/internal/keys/service"
	"github.com/tanglewood/keywarden/internal/keys/store"
	"github.com/tanglewood/keywarden/internal/keys/store/drivers/sqlite"
	"github.com/tanglewood/keywarden/pkg/cryptox"
	"github.com/tanglewood/keywarden/pkg/ratex"
	"github.com/tanglewood/keywarden/pkg/slogx"
)

const (
	// BuildVersion should be set at build time via ldflags. Later problem
	BuildVersion = "v0.1.0"
)

// Application wires the credential lifecycle engine together: storage,
// secret derivation, rate gate, audit trail, usage recorder and metrics.
type Application struct {
	cfg    Config
	logger *slog.Logger

	db store.Store

	credentialService *service.CredentialService
	auditLog          *service.AuditLog
	usageRecorder     *service.UsageRecorder

	metrics *health.Server
}

// New creates an Application with all dependencies initialized.
func New(cfg Config) (*Application, error) {
	app := &Application{
		cfg: cfg,
		logger: slogx.New(slogx.Config{
			Service: "keywarden",
			Version: BuildVersion,
			Env:     cfg.Env,
			Level:   cfg.LogLevel,
			Format:  cfg.LogFormat,
		}),
	}

	if err := app.initDatabase(); err != nil {
		return nil, err
	}

	codec, err := app.initCodec()
	if err != nil {
		_ = app.db.Close()
		return nil, err
	}

	app.initServices(codec)
	app.initMetrics()

	return app, nil
}

// Credentials exposes the lifecycle service to embedding callers (the API
// gateway process, admin tooling).
func (app *Application) Credentials() *service.CredentialService {
	return app.credentialService
}

// Audit exposes the audit query surface.
func (app *Application) Audit() *service.AuditLog {
	return app.auditLog
}

// Run starts the background workers and blocks until a shutdown signal
// arrives.
func (app *Application) Run() error {
	app.usageRecorder.Start()

	if err := app.metrics.Start(); err != nil {
		return fmt.Errorf("start metrics server: %w", err)
	}

	app.logger.Info("keywarden starting",
		"version", BuildVersion,
		"database", app.cfg.DatabaseFile,
		"metrics_enabled", app.cfg.MetricsEnabled)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	sig := <-shutdown
	app.logger.Info("shutdown signal received", "signal", sig)

	return app.Shutdown()
}

// Shutdown stops the workers, drains pending usage increments and closes
// the store.
func (app *Application) Shutdown() error {
	app.logger.Info("shutting down keywarden...")

	ctx, cancel := context.WithTimeout(context.Background(), app.cfg.ShutdownGrace)
	defer cancel()

	if err := app.metrics.Stop(ctx); err != nil {
		app.logger.Error("metrics server shutdown failed", "error", err)
	}

	// Stop drains the queue, so counted verifications survive restarts.
	app.usageRecorder.Stop()

	if err := app.db.Close(); err != nil {
		app.logger.Error("error closing database", "error", err)
		return err
	}

	app.logger.Info("keywarden stopped")
	return nil
}

func (app *Application) initDatabase() error {
	host := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", app.cfg.DatabaseFile)
	db, err := sqlite.NewStore(host)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	app.db = db

	if err := db.ApplyMigrations(); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to apply database migrations: %w", err)
	}

	app.logger.Info("database migrations applied successfully")
	return nil
}

// initCodec loads (or creates, on first boot) the derivation key and
// builds the secret codec around it. Losing this file invalidates every
// stored hash, so it lives next to the database, not in env.
func (app *Application) initCodec() (*cryptox.Codec, error) {
	key, err := cryptox.LoadOrGenerateKey(app.cfg.DerivationKeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load derivation key: %w", err)
	}

	codec, err := cryptox.NewCodec(key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize secret codec: %w", err)
	}
	return codec, nil
}

func (app *Application) initServices(codec *cryptox.Codec) {
	app.auditLog = &service.AuditLog{Store: app.db}
	app.usageRecorder = service.NewUsageRecorder(app.db, app.logger, app.cfg.UsageQueueSize)

	gate := ratex.NewGate(map[string]ratex.Config{
		service.OpCreate: ratex.CreateLimit,
		service.OpRotate: ratex.RotateLimit,
	})

	app.credentialService = &service.CredentialService{
		Store:   app.db,
		Secrets: codec,
		Audit:   app.auditLog,
		Gate:    gate,
		Usage:   app.usageRecorder,
	}
}

func (app *Application) initMetrics() {
	cfg := health.DefaultServerConfig()
	cfg.Enabled = app.cfg.MetricsEnabled
	cfg.Port = app.cfg.MetricsPort
	cfg.ReadTimeout = 3 * time.Second
	app.metrics = health.NewServer(cfg)
}

// Crewdeck Core - Project Collaboration Platform
//
// This is the main entry point for the Crewdeck Core application: the
// authenticated REST API, the security event trail, and the real-time
// collaboration channel that project rooms run on.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/crewdeck/crewdeck-core/migrations"

	"github.com/crewdeck/crewdeck-core/internal/api"
	"github.com/crewdeck/crewdeck-core/internal/auth"
	"github.com/crewdeck/crewdeck-core/internal/infrastructure/config"
	"github.com/crewdeck/crewdeck-core/internal/infrastructure/database"
	"github.com/crewdeck/crewdeck-core/internal/infrastructure/logging"
	"github.com/crewdeck/crewdeck-core/internal/project"
	"github.com/crewdeck/crewdeck-core/internal/security"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	migrateCmd := flag.String("migrate", "", "run a schema command (up, down, status) and exit")
	flag.Parse()

	// Cancel on interrupt signals (Ctrl+C, SIGTERM) for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *migrateCmd != "" {
		if err := runMigration(ctx, *migrateCmd); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// runMigration executes one schema command against the configured database
// without starting the server.
func runMigration(ctx context.Context, command string) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close() //nolint:errcheck // process exits right after

	switch command {
	case "up":
		if err := db.Migrate(ctx); err != nil {
			return err
		}
		fmt.Println("migrations applied")
	case "down":
		if err := db.MigrateDown(ctx); err != nil {
			return err
		}
		fmt.Println("rolled back one migration")
	case "status":
		status, err := db.Status(ctx)
		if err != nil {
			return err
		}
		for _, m := range status.Applied {
			fmt.Printf("applied  %s  %s\n", m.Version, m.AppliedAt.Format(time.RFC3339))
		}
		for _, m := range status.Pending {
			fmt.Printf("pending  %s  %s\n", m.Version, m.Name)
		}
	default:
		return fmt.Errorf("unknown migrate command %q (want up, down, or status)", command)
	}
	return nil
}

// run is the actual application logic, separated from main for testability.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Crewdeck Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	// Run migrations
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Repositories
	userRepo := auth.NewUserRepository(db.DB)
	projectRepo := project.NewSQLiteRepository(db.DB)
	eventRepo := security.NewSQLiteRepository(db.DB)

	// Security event recorder. Recording never blocks or fails the
	// operation that produced the event.
	recorder := security.NewRecorder(eventRepo, log)

	// Credential authenticator
	authService := auth.NewService(userRepo, recorder, log, auth.ServiceConfig{
		Secret:              cfg.Security.JWT.Secret,
		TokenTTL:            cfg.Security.TokenTTL(),
		LockoutThreshold:    cfg.Security.Lockout.Threshold,
		LockoutDuration:     cfg.Security.LockoutDuration(),
		BcryptCost:          cfg.Security.Password.BcryptCost,
		MaxConcurrentHashes: cfg.Security.Password.MaxConcurrentHashes,
	})
	log.Info("authenticator initialised",
		"lockout_threshold", cfg.Security.Lockout.Threshold,
		"lockout_duration_minutes", cfg.Security.Lockout.DurationMinutes,
	)

	// Seed the first admin account on an empty database. The generated
	// password is logged once; change it after first login.
	if _, seedErr := auth.SeedAdmin(ctx, userRepo, log); seedErr != nil {
		return fmt.Errorf("seeding admin account: %w", seedErr)
	}

	// API server (REST + real-time hub)
	server, err := api.New(api.Deps{
		Config:   cfg.Server,
		WS:       cfg.WebSocket,
		Logger:   log,
		Auth:     authService,
		Users:    userRepo,
		Projects: projectRepo,
		Events:   eventRepo,
		Recorder: recorder,
		DB:       db,
		Version:  version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	if startErr := server.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		log.Info("stopping API server")
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()
	log.Info("API server started",
		"address", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		"tls", cfg.Server.TLS.Enabled,
	)

	// Verify infrastructure is healthy before declaring readiness
	if err := healthCheck(ctx, db, server); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order:
	// 1. API server (drains in-flight requests, closes the hub)
	// 2. Database

	log.Info("Crewdeck Core stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses CREWDECK_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("CREWDECK_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies infrastructure connections are healthy.
func healthCheck(ctx context.Context, db *database.DB, server *api.Server) error {
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.HealthCheck(checkCtx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := server.HealthCheck(checkCtx); err != nil {
		return fmt.Errorf("api: %w", err)
	}
	return nil
}

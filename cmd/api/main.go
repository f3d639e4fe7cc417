package main

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"leadflow/internal/agentbridge"
	"leadflow/internal/audit"
	"leadflow/internal/conversation"
	"leadflow/internal/gateway"
	"leadflow/internal/httpapi"
	"leadflow/internal/intake"
	"leadflow/internal/reporting"
	"leadflow/internal/scheduler"
	"leadflow/internal/store"
	"leadflow/platform/config"
	"leadflow/platform/db"
	"leadflow/platform/logger"
	"leadflow/platform/validator"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log := logger.New(cfg.Env)
	log.Info("starting engine", "env", cfg.Env, "addr", cfg.HTTPAddr, "db", cfg.DatabasePath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ========================================================================
	// Infrastructure layer
	// ========================================================================

	conn, err := db.Open(ctx, cfg)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		panic("failed to connect to database: " + err.Error())
	}
	defer conn.Close()
	log.Info("database connection established")

	if err := withRetry(ctx, log, "database migrations", 5, 2*time.Second, func() error {
		return db.Migrate(conn.DB)
	}); err != nil {
		log.Error("failed to run database migrations", "error", err)
		panic("failed to run database migrations: " + err.Error())
	}
	log.Info("database migrations complete")

	dataStore := store.New(conn, log)
	if err := seedLocation(ctx, dataStore); err != nil {
		log.Error("failed to seed location", "error", err)
		panic("failed to seed location: " + err.Error())
	}

	// ========================================================================
	// Engine layer (composition root)
	// ========================================================================

	val := validator.New()
	auditRecorder := audit.New(dataStore)
	gw := gateway.New(dataStore, auditRecorder, log)
	convEngine := conversation.New(dataStore, gw, log)
	intakeEngine := intake.New(dataStore, gw, log)
	reportingEngine := reporting.New(dataStore)
	schedulerEngine := scheduler.New(dataStore, gw, log)
	agentBridge := agentbridge.New(dataStore, gw, log)

	handlers := httpapi.NewHandlers(dataStore, gw, intakeEngine, convEngine, reportingEngine, schedulerEngine, agentBridge, val, log, cfg.DatabasePath)
	engine := httpapi.NewRouter(handlers, cfg, log)

	// A convenience background ticker keeps jobs draining even when no UI
	// is polling /api/v1/jobs/run-due, mirroring the ~15s cadence spec.md
	// names for the desktop shell's own poll loop. Correctness never
	// depends on this ticker firing; it only makes forward progress under
	// test or headless operation.
	stopDrain := startDrainLoop(ctx, schedulerEngine, cfg.DrainInterval, log)
	defer stopDrain()

	srvErr := make(chan error, 1)
	go func() {
		log.Info("server listening", "addr", cfg.HTTPAddr)
		srvErr <- engine.Run(cfg.HTTPAddr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, stopping")
	case err := <-srvErr:
		if err != nil {
			log.Error("server error", "error", err)
			panic("server error: " + err.Error())
		}
	}
}

// seedLocation inserts the singleton location row on first boot, since
// store.GetLocation assumes exactly one row always exists.
func seedLocation(ctx context.Context, s *store.Store) error {
	_, err := s.GetLocation(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	defaultHours := `{"1":[{"open":540,"close":1080}],"2":[{"open":540,"close":1080}],"3":[{"open":540,"close":1080}],"4":[{"open":540,"close":1080}],"5":[{"open":540,"close":1080}]}`
	return s.InsertLocation(ctx, &store.Location{
		ID:                uuid.NewString(),
		GymName:           "Default Location",
		Timezone:          "America/New_York",
		BusinessHoursJSON: defaultHours,
		CreatedAt:         store.FormatTime(time.Now()),
	})
}

func startDrainLoop(ctx context.Context, sched *scheduler.Scheduler, interval time.Duration, log *logger.Logger) func() {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				result, err := sched.RunDueJobs(ctx, time.Now())
				if err != nil {
					log.Error("background drain failed", "error", err)
					continue
				}
				if result.Processed > 0 || result.Errors > 0 {
					log.DrainResult(result.Processed, result.Skipped, result.Errors)
				}
			}
		}
	}()

	return ticker.Stop
}

func withRetry(ctx context.Context, log *logger.Logger, name string, attempts int, baseDelay time.Duration, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
			log.Warn("retryable operation failed", "operation", name, "attempt", attempt, "error", err)
		}

		if attempt < attempts {
			delay := time.Duration(attempt*attempt) * baseDelay
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return errors.New(name + ": " + lastErr.Error())
}

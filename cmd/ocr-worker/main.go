// Command ocr-worker is the background OCR worker for one-minute-menu.
//
// Subcommands:
//
//	run      — claim queued ocr_jobs rows and process them (default deployment)
//	migrate  — run pending database migrations and exit
//	enqueue  — insert a queued job row (operator tool; the web app is the
//	           production enqueuer)
//	recover  — requeue jobs stuck in 'processing' (externally-triggered recovery)
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	// Embeds the IANA timezone database in the binary so that time.LoadLocation
	// works inside distroless containers that have no /usr/share/zoneinfo.
	_ "time/tzdata"

	// Automatically sets GOMEMLIMIT from the cgroup memory limit so that the
	// Go GC triggers before the OOM killer fires in containers.
	_ "github.com/KimMachineGun/automemlimit"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/leonclem/one-minute-menu/internal/config"
	"github.com/leonclem/one-minute-menu/internal/fetch"
	"github.com/leonclem/one-minute-menu/internal/store"
	"github.com/leonclem/one-minute-menu/internal/vision"
	"github.com/leonclem/one-minute-menu/internal/wake"
	"github.com/leonclem/one-minute-menu/internal/worker"
	"github.com/leonclem/one-minute-menu/migrations"
)

// wakeChannel is the pg_notify channel fed by the ocr_jobs insert trigger.
const wakeChannel = "ocr_jobs"

func main() {
	root := &cobra.Command{
		Use:   "ocr-worker",
		Short: "one-minute-menu — menu image OCR worker",
		// Silence default error printing; we print it ourselves with slog.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(
		runCmd(),
		migrateCmd(),
		enqueueCmd(),
		recoverCmd(),
	)

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// ── run ───────────────────────────────────────────────────────────────────────

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the OCR worker loop",
		RunE:  runWorker,
	}
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	db, err := newPool(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	st := store.New(db)

	var waiter wake.Waiter = wake.Poller{}
	if cfg.UseNotify {
		listener := wake.NewListener(db, wakeChannel)
		defer listener.Close()
		waiter = listener
	}

	w := worker.New(
		st,
		fetch.New(&http.Client{}),
		vision.New(&http.Client{}, cfg.VisionAPIKey, cfg.VisionEndpoint),
		waiter,
		worker.Config{
			PollInterval:      cfg.PollInterval(),
			ProcessingTimeout: cfg.ProcessingTimeout(),
			MaxRetries:        cfg.MaxRetries,
		},
	)

	return w.Run(ctx) // blocks until SIGTERM/SIGINT; returns nil on cancellation
}

// ── migrate ───────────────────────────────────────────────────────────────────

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run pending database migrations and exit",
		RunE:  runMigrate,
	}
}

func runMigrate(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	slog.Info("running migrations")

	// Source: embedded SQL files from the migrations package.
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	// golang-migrate requires a *sql.DB. Use pgx's stdlib adapter so the same
	// driver is used project-wide. No pooling needed here — this is a one-shot
	// migration run. Simple protocol keeps the $$-quoted trigger function in
	// the migration file intact.
	connCfg, err := pgx.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("parse db url: %w", err)
	}
	connCfg.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	db := stdlib.OpenDB(*connCfg)
	defer db.Close() //nolint:errcheck

	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate init: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}

	version, _, _ := m.Version() //nolint:errcheck
	slog.Info("migrations complete", "version", version)
	return nil
}

// ── enqueue ───────────────────────────────────────────────────────────────────

func enqueueCmd() *cobra.Command {
	var (
		owner     string
		imageURL  string
		imageHash string
	)
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Insert a queued OCR job (operator tool)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			slog.SetDefault(newLogger(cfg))

			userID, err := uuid.Parse(owner)
			if err != nil {
				return fmt.Errorf("parse --owner: %w", err)
			}
			if imageHash == "" {
				// Placeholder fingerprint; the web app hashes the image content.
				sum := sha256.Sum256([]byte(imageURL))
				imageHash = hex.EncodeToString(sum[:])
			}

			db, err := newPool(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("database: %w", err)
			}
			defer db.Close()

			id, err := store.New(db).Enqueue(cmd.Context(), userID, imageURL, imageHash)
			if err != nil {
				return err
			}
			slog.Info("job enqueued", "job_id", id, "user_id", userID)
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner user ID (uuid)")
	cmd.Flags().StringVar(&imageURL, "url", "", "image URL to extract text from")
	cmd.Flags().StringVar(&imageHash, "hash", "", "content fingerprint (default: sha256 of the URL)")
	_ = cmd.MarkFlagRequired("owner") //nolint:errcheck
	_ = cmd.MarkFlagRequired("url")   //nolint:errcheck
	return cmd
}

// ── recover ───────────────────────────────────────────────────────────────────

func recoverCmd() *cobra.Command {
	var staleAfter time.Duration
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Requeue jobs stuck in 'processing' longer than --stale-after",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			slog.SetDefault(newLogger(cfg))

			db, err := newPool(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("database: %w", err)
			}
			defer db.Close()

			n, err := store.New(db).RecoverStaleJobs(cmd.Context(), staleAfter)
			if err != nil {
				return err
			}
			slog.Info("stale jobs requeued", "count", n, "stale_after", staleAfter)
			return nil
		},
	}
	cmd.Flags().DurationVar(&staleAfter, "stale-after", 5*time.Minute,
		"age at which a 'processing' job is considered stuck")
	return cmd
}

// ── helpers ───────────────────────────────────────────────────────────────────

// newPool creates and validates a pgxpool with PgBouncer compatibility,
// statement timeout, and pool sizing from cfg.
//
// Retries up to 10 times with linear backoff to handle the Docker Compose
// startup race where Postgres is not immediately ready.
func newPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.DBQueryExecMode == "simple_protocol" {
		poolCfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}

	// Global per-query statement timeout prevents runaway queries from holding
	// connections indefinitely. The claim transaction outlives this during
	// OCR, which is fine: no statement runs while the worker waits on Vision.
	poolCfg.ConnConfig.RuntimeParams["statement_timeout"] = strconv.Itoa(cfg.DBStatementTimeoutMS)

	poolCfg.MaxConns = cfg.DBMaxConns
	poolCfg.MaxConnIdleTime = cfg.DBMaxConnIdleTime

	var (
		db      *pgxpool.Pool
		connErr error
	)
	for attempt := 1; attempt <= 10; attempt++ {
		db, connErr = pgxpool.NewWithConfig(ctx, poolCfg)
		if connErr == nil {
			if connErr = db.Ping(ctx); connErr == nil {
				break
			}
			db.Close()
		}
		slog.Warn("database not ready, retrying",
			"attempt", attempt,
			"error", connErr,
		)
		// time.NewTimer (not time.After) to avoid leaking the timer if ctx is
		// cancelled before the timer fires.
		timer := time.NewTimer(time.Duration(attempt) * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if connErr != nil {
		return nil, fmt.Errorf("database unavailable after retries: %w", connErr)
	}

	// Advisory schema version check: warn if the applied schema version does
	// not match the version the binary was compiled for. Catches deployments
	// where `ocr-worker migrate` hasn't run yet.
	var schemaVersion int
	err = db.QueryRow(ctx,
		"SELECT version FROM schema_migrations ORDER BY version DESC LIMIT 1",
	).Scan(&schemaVersion)
	if err == nil && schemaVersion != expectedSchemaVersion {
		slog.Warn("schema version mismatch — run `ocr-worker migrate`",
			"applied_version", schemaVersion,
			"expected_version", expectedSchemaVersion,
		)
	}

	return db, nil
}

// expectedSchemaVersion is the database migration version this binary requires.
// Update this constant when new migrations are added.
const expectedSchemaVersion = 1

// newLogger creates a slog.Logger based on the configured log level and format.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

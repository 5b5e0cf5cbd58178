// Command migrate manages the Postgres feature-store schema (the
// recent_aggregates table and its TTL index) with goose.
//
// Usage:
//
//	go run ./cmd/migrate up            # create or upgrade recent_aggregates
//	go run ./cmd/migrate status        # list applied and pending migrations
//	go run ./cmd/migrate down          # roll back the last migration
//	go run ./cmd/migrate up-to 1       # stop before the TTL index
//
// DATABASE_URL is required. MIGRATIONS_DIR overrides the default
// migrations/ directory. A .env file is read when present.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/mbd888/auroraguard/internal/logging"
)

const defaultMigrationsDir = "migrations"

var commands = []string{"up", "up-by-one", "up-to", "down", "down-to", "redo", "reset", "status", "version"}

var errUsage = errors.New("usage: migrate <" + strings.Join(commands, "|") + "> [version]")

func main() {
	_ = godotenv.Load()
	logger := logging.New(envOr("LOG_LEVEL", "info"), envOr("LOG_FORMAT", "text"))

	if err := run(context.Background(), logger, os.Args[1:], os.Getenv); err != nil {
		logger.Error("migration failed", "error", err)
		os.Exit(1)
	}
}

// run checks args and settings before touching the database.
func run(ctx context.Context, logger *slog.Logger, args []string, getenv func(string) string) error {
	if len(args) == 0 || !slices.Contains(commands, args[0]) {
		return errUsage
	}
	command, rest := args[0], args[1:]

	dbURL := getenv("DATABASE_URL")
	if dbURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	dir := getenv("MIGRATIONS_DIR")
	if dir == "" {
		dir = defaultMigrationsDir
	}
	if _, err := goose.CollectMigrations(dir, 0, goose.MaxVersion); err != nil {
		return fmt.Errorf("read migrations in %s: %w", dir, err)
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("connect database: %w", err)
	}

	goose.SetLogger(gooseLogger{logger})
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	logger.Info("running migration", "command", command, "dir", dir)
	if err := goose.RunContext(ctx, command, db, dir, rest...); err != nil {
		return fmt.Errorf("%s: %w", command, err)
	}
	return nil
}

// gooseLogger routes goose output through slog.
type gooseLogger struct{ l *slog.Logger }

func (g gooseLogger) Printf(format string, v ...interface{}) {
	g.l.Info(fmt.Sprintf(format, v...))
}

func (g gooseLogger) Fatalf(format string, v ...interface{}) {
	g.l.Error(fmt.Sprintf(format, v...))
	os.Exit(1)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

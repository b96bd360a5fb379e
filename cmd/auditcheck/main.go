// Command auditcheck runs the offline ledger consistency sweep and prints
// every finding as JSON, one per line. It exits non-zero when a hard
// integrity violation is found, so it can gate a cron job or CI check.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	_ "github.com/mattn/go-sqlite3"

	"github.com/Sharoon166/Newon-sub002/internal/config"
	"github.com/Sharoon166/Newon-sub002/internal/documents"
	"github.com/Sharoon166/Newon-sub002/internal/ledger"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	var store ledger.Store
	var docs documents.Source

	switch cfg.Driver {
	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to create postgres pool", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		store = ledger.NewPostgresStore(pool)
		docs = documents.NewPostgresSource(pool)

	case config.DriverSQLite:
		db, err := sql.Open("sqlite3", cfg.SQLitePath)
		if err != nil {
			logger.Error("failed to open sqlite database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		store = ledger.NewSQLiteStore(db)
		docs = documents.NewSQLiteSource(db)

	default:
		logger.Error("sweep needs a persistent store", "driver", cfg.Driver)
		os.Exit(1)
	}

	results, err := ledger.NewValidator(store, docs).Sweep(ctx)
	if err != nil {
		logger.Error("sweep failed", "error", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	violations := 0
	for _, r := range results {
		if !r.IsValid {
			violations++
		}
		_ = enc.Encode(r)
	}

	logger.Info("sweep finished", "findings", len(results), "violations", violations)
	if violations > 0 {
		os.Exit(1)
	}
}

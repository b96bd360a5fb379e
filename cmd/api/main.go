package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	_ "github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"

	"github.com/Sharoon166/Newon-sub002/internal/api"
	"github.com/Sharoon166/Newon-sub002/internal/config"
	"github.com/Sharoon166/Newon-sub002/internal/documents"
	"github.com/Sharoon166/Newon-sub002/internal/events"
	"github.com/Sharoon166/Newon-sub002/internal/ledger"
	"github.com/Sharoon166/Newon-sub002/pkg/audit"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
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

		pgStore := ledger.NewPostgresStore(pool)
		if err := pgStore.Migrate(ctx); err != nil {
			logger.Error("failed to migrate ledger schema", "error", err)
			os.Exit(1)
		}
		pgDocs := documents.NewPostgresSource(pool)
		if err := pgDocs.Migrate(ctx); err != nil {
			logger.Error("failed to migrate document schema", "error", err)
			os.Exit(1)
		}
		store, docs = pgStore, pgDocs

	case config.DriverSQLite:
		db, err := sql.Open("sqlite3", cfg.SQLitePath)
		if err != nil {
			logger.Error("failed to open sqlite database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		sqStore := ledger.NewSQLiteStore(db)
		if err := sqStore.Migrate(ctx); err != nil {
			logger.Error("failed to migrate ledger schema", "error", err)
			os.Exit(1)
		}
		sqDocs := documents.NewSQLiteSource(db)
		if err := sqDocs.Migrate(ctx); err != nil {
			logger.Error("failed to migrate document schema", "error", err)
			os.Exit(1)
		}
		store, docs = sqStore, sqDocs

	case config.DriverMemory:
		store = ledger.NewMemoryStore()
		docs = documents.NewStaticSource()
	}

	var publisher events.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers)
		defer kp.Close()
		publisher = kp
	}

	trail := audit.NewChainLogger()
	svc := ledger.NewService(store, docs, publisher, trail, logger)

	var rateLimiter *api.RedisTokenBucket
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		rateLimiter = &api.RedisTokenBucket{
			Redis:      rdb,
			Prefix:     "ledger_api",
			Capacity:   cfg.RateLimitCapacity,
			RefillRate: cfg.RateLimitRefill,
		}
	}

	allowlist, err := api.ParseCIDRAllowlist(cfg.IPAllowlist)
	if err != nil {
		logger.Error("invalid IP_ALLOWLIST", "error", err)
		os.Exit(1)
	}

	router, err := api.NewRouter(api.Dependencies{
		Logger:       logger,
		Ledger:       svc,
		Auditor:      trail,
		RateLimiter:  rateLimiter,
		IPAllowlist:  allowlist,
		MaxBodyBytes: cfg.MaxBodyBytes,
	})
	if err != nil {
		logger.Error("failed to build router", "error", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("customer ledger api listening", "addr", cfg.ListenAddr, "driver", cfg.Driver)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

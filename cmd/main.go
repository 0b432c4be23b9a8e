package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"botfleet/internal/config"
	"botfleet/internal/db"
	"botfleet/internal/exchange"
	"botfleet/internal/notifier"
	"botfleet/internal/strategy"
	"botfleet/internal/supervisor"
)

func main() {
	cfg := config.MustLoadConfig()

	zerolog.TimeFieldFormat = time.RFC3339
	if cfg.Mode == "sim" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	log.Info().Str("mode", cfg.Mode).Str("exchange", cfg.Exchange).Msg("Starting bot fleet")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
		cancel()
	}()

	if cfg.RunMigration {
		if err := runMigrations(ctx, cfg.DBConnStr); err != nil {
			log.Fatal().Err(err).Msg("Migrations failed")
		}
	}

	storage, cleanup, err := openStorage(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Storage initialization failed")
	}
	defer cleanup()

	var sink notifier.Sink = notifier.Nop{}
	if cfg.TelegramToken != "" && cfg.TelegramChatID != "" {
		sink = notifier.NewTelegramSink(cfg.TelegramToken, cfg.TelegramChatID,
			cfg.NotificationRetries, cfg.NotificationDelay)
	}

	gateway, err := openGateway(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Gateway initialization failed")
	}

	sup := supervisor.New(storage, gateway, strategy.NewMomentum(), sink, cfg.ShutdownGrace)

	userID := envOr("BOT_USER_ID", "local-user")
	portfolioID := envOr("BOT_PORTFOLIO_ID", "local-portfolio")
	inst, err := sup.Start(ctx, userID, portfolioID, cfg.Bot)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start bot")
	}
	log.Info().Str("bot", inst.ID).Str("user", userID).Msg("Bot launched")

	<-ctx.Done()
	log.Info().Msg("Graceful shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace+10*time.Second)
	defer shutdownCancel()
	sup.StopAll(shutdownCtx)
	log.Info().Msg("Shutdown complete")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// openStorage picks Postgres when a connection string is configured and the
// in-memory store otherwise (sim/dev runs).
func openStorage(ctx context.Context, cfg config.Config) (db.Storage, func(), error) {
	if cfg.DBConnStr == "" {
		log.Warn().Msg("No DB_CONN_STR set, using in-memory storage")
		return db.NewMemory(), func() {}, nil
	}

	sqlDB, err := sql.Open("postgres", cfg.DBConnStr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.DBMaxOpen)
	sqlDB.SetMaxIdleConns(cfg.DBMaxIdle)
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	storage, err := db.NewPostgres(sqlDB)
	if err != nil {
		sqlDB.Close()
		return nil, nil, err
	}
	log.Info().Msg("Connected to Postgres")
	return storage, func() { sqlDB.Close() }, nil
}

func openGateway(cfg config.Config) (exchange.Gateway, error) {
	switch cfg.Exchange {
	case "wallex":
		if cfg.WallexAPIKey == "" {
			return nil, fmt.Errorf("WALLEX_API_KEY is required for the wallex gateway")
		}
		return exchange.NewWallexGateway(cfg.WallexAPIKey, cfg.Bot.FeeRate), nil
	case "binance":
		if cfg.BinanceAPIKey == "" || cfg.BinanceSecretKey == "" {
			return nil, fmt.Errorf("BINANCE_API_KEY and BINANCE_SECRET_KEY are required for the binance gateway")
		}
		return exchange.NewBinanceGateway(cfg.BinanceAPIKey, cfg.BinanceSecretKey, cfg.Bot.FeeRate), nil
	case "sim":
		gw := exchange.NewSimGateway(cfg.Bot.FeeRate)
		for _, symbol := range cfg.Bot.Symbols {
			gw.SetPrice(symbol, 100)
		}
		return gw, nil
	default:
		return nil, fmt.Errorf("unsupported exchange %q", cfg.Exchange)
	}
}

// runMigrations creates the database if it doesn't exist and runs the schema.sql script
func runMigrations(ctx context.Context, connStr string) error {
	log.Info().Msg("Running database migrations")

	u, err := url.Parse(connStr)
	if err != nil {
		return fmt.Errorf("failed to parse connection string: %w", err)
	}
	dbName := strings.TrimPrefix(u.Path, "/")
	if dbName == "" {
		return fmt.Errorf("database name not found in connection string")
	}

	// Connect to the postgres database first so ours can be created.
	baseURL := *u
	baseURL.Path = "/postgres"
	baseDB, err := sql.Open("postgres", baseURL.String())
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer baseDB.Close()

	var exists bool
	err = baseDB.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = $1)", dbName).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check if database exists: %w", err)
	}
	if !exists {
		log.Info().Str("database", dbName).Msg("Creating database")
		if _, err := baseDB.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE %s", pq.QuoteIdentifier(dbName))); err != nil {
			return fmt.Errorf("failed to create database: %w", err)
		}
	}

	appDB, err := sql.Open("postgres", connStr)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer appDB.Close()

	schemaSQL, err := os.ReadFile("scripts/schema.sql")
	if err != nil {
		return fmt.Errorf("failed to read schema.sql: %w", err)
	}
	if _, err := appDB.ExecContext(ctx, string(schemaSQL)); err != nil {
		return fmt.Errorf("failed to execute schema.sql: %w", err)
	}

	log.Info().Msg("Database migrations completed")
	return nil
}

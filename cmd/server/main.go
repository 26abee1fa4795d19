package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"p2pramp/internal/app"
	"p2pramp/internal/config"
	"p2pramp/internal/events"
	"p2pramp/internal/idempotency"
	"p2pramp/internal/ledger"
	"p2pramp/internal/server"
	"p2pramp/internal/token"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("config error", zap.Error(err))
	}

	log := newLogger(cfg.Service.LogLevel)
	if err := run(cfg, log); err != nil {
		_ = log.Sync()
		log.Fatal("server exited", zap.Error(err))
	}
	_ = log.Sync()
}

func run(cfg *config.AppConfig, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps := server.Deps{Metrics: server.NewMetrics()}

	var tokens token.Provider
	if len(cfg.Chain.PrivateKeys) > 0 {
		provider, err := token.NewEthProvider(ctx, token.EthProviderConfig{
			RPCURL:         cfg.Chain.RPCURL,
			PrivateKeysHex: cfg.Chain.PrivateKeys,
		}, log.Named("token"))
		if err != nil {
			return fmt.Errorf("token provider: %w", err)
		}
		if provider.ChainID().Cmp(cfg.Params.ChainID) != 0 {
			return fmt.Errorf("rpc chain id %s does not match configured %s", provider.ChainID(), cfg.Params.ChainID)
		}
		tokens = provider
		deps.RPCHealth = provider.Ping
	} else {
		bank, err := app.NewDevBank(cfg.Params)
		if err != nil {
			return fmt.Errorf("dev bank: %w", err)
		}
		tokens = bank
		log.Warn("no custody keys configured, using in-memory token balances",
			zap.Int("funded_accounts", len(cfg.Params.DevAccounts)))
	}

	var store ledger.Store = ledger.NewMemoryStore()
	if cfg.Service.PostgresDSN != "" {
		pgLedger, err := ledger.NewPostgresStore(ctx, cfg.Service.PostgresDSN)
		if err != nil {
			return fmt.Errorf("ledger store: %w", err)
		}
		defer pgLedger.Close()

		pgIdem, err := idempotency.NewPostgresStore(ctx, cfg.Service.PostgresDSN)
		if err != nil {
			return fmt.Errorf("idempotency store: %w", err)
		}
		defer pgIdem.Close()
		go purgeIdempotency(ctx, pgIdem, cfg.Service.IdempotencyWindow, log)

		store, deps.Idempotency = pgLedger, pgIdem
		deps.DBHealth = pgLedger.Ping
	} else {
		fileIdem, err := idempotency.NewFileStore(cfg.Service.IdempotencyStorePath)
		if err != nil {
			return fmt.Errorf("idempotency store: %w", err)
		}
		deps.Idempotency = fileIdem
		log.Warn("POSTGRES_DSN not set, ledger state is kept in memory")
	}

	publisher := events.Multi{events.LogPublisher{Log: log.Named("events")}, deps.Metrics}
	if cfg.Service.RedisURL != "" {
		client, err := events.NewRedisClient(ctx, cfg.Service.RedisURL, log)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer client.Close()
		publisher = append(publisher, events.NewRedisPublisher(client, cfg.Service.EventsChannel, log.Named("redis")))
	}

	engines, err := app.Build(cfg, store, tokens, publisher, log)
	if err != nil {
		return fmt.Errorf("engine setup: %w", err)
	}
	deps.Escrow = engines.Escrow
	deps.Orchestrator = engines.Orchestrator

	apiServer := server.NewServer(cfg, deps, log.Named("http"))

	serveErr := make(chan error, 1)
	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-serveErr:
		return fmt.Errorf("server stopped: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func newLogger(level string) *zap.Logger {
	cfg := zap.NewProductionConfig()
	if lvl, err := zapcore.ParseLevel(level); err == nil {
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	log, err := cfg.Build()
	if err != nil {
		return zap.NewExample()
	}
	return log
}

// purgeIdempotency drops expired idempotency records once per window.
func purgeIdempotency(ctx context.Context, store *idempotency.PostgresStore, every time.Duration, log *zap.Logger) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.Purge(ctx)
			if err != nil {
				log.Warn("idempotency purge failed", zap.Error(err))
				continue
			}
			log.Debug("idempotency records purged", zap.Int64("count", n))
		}
	}
}

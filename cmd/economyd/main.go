// Command economyd serves the guild economy API.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	app "github.com/guildworks/economy/internal/app"
	"github.com/guildworks/economy/internal/app/httpapi"
	"github.com/guildworks/economy/internal/app/storage"
	"github.com/guildworks/economy/internal/app/storage/postgres"
	"github.com/guildworks/economy/internal/app/storage/remote"
	"github.com/guildworks/economy/internal/cache"
	"github.com/guildworks/economy/internal/config"
	"github.com/guildworks/economy/internal/middleware"
	"github.com/guildworks/economy/pkg/logger"
)

func main() {
	configPath := flag.String("config", os.Getenv("ECONOMY_CONFIG"), "path to YAML config file")
	flag.Parse()

	// Local development convenience, ignored when the file is absent.
	_ = godotenv.Load()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "economyd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log := logger.New("economyd", logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

	stores, closeStores, err := buildStores(cfg.Store, log)
	if err != nil {
		return err
	}
	defer closeStores()

	var redisClient *redis.Client
	var publisher cache.Publisher
	if cfg.Cache.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Cache.RedisAddr,
			Password: cfg.Cache.RedisPassword,
			DB:       cfg.Cache.RedisDB,
		})
		defer redisClient.Close()
		publisher = cache.NewRedisPublisher(redisClient, cfg.Cache.Channel)
	}

	origin, _ := os.Hostname()
	application, err := app.New(stores, app.Options{
		CacheTTL:          cfg.Cache.TTL,
		CacheOrigin:       origin,
		CachePublisher:    publisher,
		SweepInterval:     cfg.Jobs.SweepInterval,
		JobPollInterval:   cfg.Jobs.PollInterval,
		ReconcileSchedule: cfg.Jobs.ReconcileSchedule,
	}, log)
	if err != nil {
		return err
	}

	if redisClient != nil {
		sub := cache.NewRedisSubscriber(redisClient, cfg.Cache.Channel, application.Cache, log.WithField("component", "cache-subscriber"))
		if err := application.Attach(sub); err != nil {
			return err
		}
	}

	auth := middleware.NewAuth(cfg.Auth.JWTSecret, log.WithField("component", "auth"), "/health", "/metrics")
	limiter := middleware.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst, log.WithField("component", "ratelimit"))

	handler := auth.Handler(limiter.Handler(httpapi.NewHandler(application)))

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("start services: %w", err)
	}

	serverErr := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.Server.Addr).Info("listening")
		serverErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown incomplete")
	}
	if err := application.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("service shutdown incomplete")
	}
	log.Info("stopped")
	return nil
}

// buildStores wires the persistence backend the config names.
func buildStores(cfg config.StoreConfig, log *logger.Logger) (app.Stores, func(), error) {
	noop := func() {}

	switch cfg.Backend {
	case "memory", "":
		return app.Stores{}, noop, nil

	case "remote":
		client, err := remote.NewClient(remote.ClientConfig{
			URL:        cfg.URL,
			ServiceKey: cfg.ServiceKey,
			Timeout:    cfg.Timeout,
		})
		if err != nil {
			return app.Stores{}, noop, err
		}
		store := remote.NewStore(client, remote.StoreConfig{
			MaxAttempts:      cfg.MaxAttempts,
			BreakerThreshold: cfg.BreakerThreshold,
			BreakerCooldown:  cfg.BreakerCooldown,
			Log:              log.WithField("component", "remote-store"),
		})
		return storesFrom(store), noop, nil

	case "postgres":
		db, err := sql.Open("postgres", cfg.PostgresDSN)
		if err != nil {
			return app.Stores{}, noop, fmt.Errorf("open postgres: %w", err)
		}
		if err := db.Ping(); err != nil {
			db.Close()
			return app.Stores{}, noop, fmt.Errorf("ping postgres: %w", err)
		}
		store := postgres.New(db)
		return storesFrom(store), func() { db.Close() }, nil

	default:
		return app.Stores{}, noop, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// fullStore is satisfied by the remote and postgres implementations, which
// back every persistence concern with one store.
type fullStore interface {
	storage.AccountStore
	storage.LedgerStore
	storage.TaskStore
	storage.ClaimStore
	storage.ItemStore
	storage.InventoryStore
	storage.JobStore
}

func storesFrom(s fullStore) app.Stores {
	return app.Stores{
		Accounts:  s,
		Ledger:    s,
		Tasks:     s,
		Claims:    s,
		Items:     s,
		Inventory: s,
		Jobs:      s,
	}
}

package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/arkheioncorp/didin-facil/internal/antibot"
	"github.com/arkheioncorp/didin-facil/internal/api"
	"github.com/arkheioncorp/didin-facil/internal/browser"
	"github.com/arkheioncorp/didin-facil/internal/config"
	"github.com/arkheioncorp/didin-facil/internal/database"
	"github.com/arkheioncorp/didin-facil/internal/logger"
	"github.com/arkheioncorp/didin-facil/internal/scraper"
	"github.com/arkheioncorp/didin-facil/internal/storage"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file; the environment overrides it")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	selectors, err := config.LoadSelectors(cfg.Paths.SelectorsFile)
	if err != nil {
		logger.Error("failed to load selectors", "error", err)
		os.Exit(1)
	}

	metrics := scraper.NewMetrics()
	opts := []scraper.Option{
		scraper.WithMetrics(metrics),
		scraper.WithInjector(antibot.NewInjector(cfg.Browser.ExtendedStealth, logger)),
	}

	var outbox api.OutboxCounter
	switch cfg.Storage.Driver {
	case "sqlite":
		store, err := storage.NewSQLiteStore(cfg.Storage.SQLitePath)
		if err != nil {
			logger.Error("failed to open product database", "error", err)
			os.Exit(1)
		}
		defer store.Close()
		opts = append(opts, scraper.WithStore(store))

	case "postgres":
		db, err := database.Connect(ctx, cfg.DSN(), cfg.DatabaseConfig())
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			logger.Error("failed to migrate database", "error", err)
			os.Exit(1)
		}
		opts = append(opts, scraper.WithStore(database.NewProductRepository(db, logger)))
		outbox = database.NewOutboxRepository(db)

		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Error("failed to connect to Redis", "error", err)
			os.Exit(1)
		}

		relay := database.NewRelay(db, redisClient, logger, database.RelayConfig{
			PollInterval: cfg.Redis.PollInterval,
			BatchSize:    cfg.Redis.BatchSize,
		})
		go func() {
			if err := relay.Start(ctx); err != nil && err != context.Canceled {
				logger.Error("relay stopped with error", "error", err)
			}
		}()
	}

	browserOpts := cfg.BrowserOptions()
	runner := api.NewRunner(cfg.ScraperConfig(selectors), func() scraper.Browser {
		return browser.NewManager(browserOpts, logger)
	}, logger, opts...)

	server := api.NewServer(api.Config{
		Addr:           net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		RateLimit:      cfg.Server.RateLimit,
		RateBurst:      cfg.Server.RateBurst,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, runner, metrics, outbox, logger)

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", "error", err)
		}
	}()

	if err := server.ListenAndServe(); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}

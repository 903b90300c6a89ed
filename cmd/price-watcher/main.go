package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/arkheioncorp/didin-facil/internal/config"
	"github.com/arkheioncorp/didin-facil/internal/events"
	"github.com/arkheioncorp/didin-facil/internal/logger"
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

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Error("failed to connect to Redis", "error", err, "addr", cfg.Redis.Addr)
		os.Exit(1)
	}
	logger.Info("connected to Redis", "addr", cfg.Redis.Addr)

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		logger.Info("shutting down...")
		cancel()
	}()

	watcher := events.NewPriceWatcher(rdb, events.WatcherConfig{
		AlertStream: cfg.Watcher.AlertStream,
		Group:       cfg.Watcher.Group,
		Consumer:    cfg.Watcher.Consumer,
		MinDrop:     cfg.Watcher.MinDrop,
	}, logger)

	if err := watcher.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("watcher stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("watcher stopped")
}

package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/arkheioncorp/didin-facil/internal/database"
	"github.com/arkheioncorp/didin-facil/internal/models"
	"github.com/arkheioncorp/didin-facil/internal/ratelimit"
)

const (
	EventPriceDropped = "PRICE_DROPPED"

	DefaultAlertStream = "stream:price_alerts"
	DefaultGroup       = "price-watcher"
	lastPriceKey       = "products:last_price"
)

// StreamClient is the subset of *redis.Client the watcher uses.
type StreamClient interface {
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
}

type WatcherConfig struct {
	Stream      string
	AlertStream string
	Group       string
	Consumer    string
	// MinDrop is the relative price drop that raises an alert, e.g. 0.1.
	MinDrop float64
	Block   time.Duration
}

// PriceWatcher consumes collected products and publishes an alert when a
// product's price falls by at least MinDrop since it was last seen.
type PriceWatcher struct {
	redis  StreamClient
	cfg    WatcherConfig
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// PriceDrop is the payload of a PRICE_DROPPED alert.
type PriceDrop struct {
	ProductID string  `json:"product_id"`
	SourceID  string  `json:"source_id"`
	Title     string  `json:"title"`
	URL       string  `json:"product_url"`
	OldPrice  float64 `json:"old_price"`
	NewPrice  float64 `json:"new_price"`
	Drop      float64 `json:"drop"`
}

type envelope struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	AggregateID string         `json:"aggregate_id"`
	Payload     models.Product `json:"payload"`
}

func NewPriceWatcher(client StreamClient, cfg WatcherConfig, logger *slog.Logger) *PriceWatcher {
	if cfg.Stream == "" {
		cfg.Stream = database.ProductsStream
	}
	if cfg.AlertStream == "" {
		cfg.AlertStream = DefaultAlertStream
	}
	if cfg.Group == "" {
		cfg.Group = DefaultGroup
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "watcher-1"
	}
	if cfg.MinDrop <= 0 {
		cfg.MinDrop = 0.1
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &PriceWatcher{
		redis:  client,
		cfg:    cfg,
		logger: logger.With("component", "price_watcher"),
		sleep:  ratelimit.Sleep,
	}
}

// Run reads the product stream until ctx is cancelled.
func (w *PriceWatcher) Run(ctx context.Context) error {
	err := w.redis.XGroupCreateMkStream(ctx, w.cfg.Stream, w.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	w.logger.Info("starting consumer", "stream", w.cfg.Stream, "group", w.cfg.Group)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		streams, err := w.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    w.cfg.Group,
			Consumer: w.cfg.Consumer,
			Streams:  []string{w.cfg.Stream, ">"},
			Count:    10,
			Block:    w.cfg.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("failed to read from stream", "error", err)
			if err := w.sleep(ctx, time.Second); err != nil {
				return err
			}
			continue
		}

		for _, stream := range streams {
			for _, message := range stream.Messages {
				if err := w.handleMessage(ctx, message); err != nil {
					w.logger.Error("failed to process message", "id", message.ID, "error", err)
					continue
				}
				if err := w.redis.XAck(ctx, w.cfg.Stream, w.cfg.Group, message.ID).Err(); err != nil {
					w.logger.Error("failed to acknowledge message", "id", message.ID, "error", err)
				}
			}
		}
	}
}

// handleMessage returns an error only when the message should be retried.
// Other event types and malformed payloads are acknowledged and skipped.
func (w *PriceWatcher) handleMessage(ctx context.Context, msg redis.XMessage) error {
	eventType, _ := msg.Values["event_type"].(string)
	if eventType != database.EventProductCollected {
		return nil
	}

	data, ok := msg.Values["data"].(string)
	if !ok {
		w.logger.Warn("skipping event without data", "id", msg.ID)
		return nil
	}

	var env envelope
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		w.logger.Warn("skipping malformed event", "id", msg.ID, "error", err)
		return nil
	}
	product := env.Payload
	if product.SourceID == "" {
		w.logger.Warn("skipping event without source id", "id", msg.ID)
		return nil
	}

	previous, seen, err := w.lastPrice(ctx, product.SourceID)
	if err != nil {
		return err
	}

	if seen {
		if drop, ok := priceDrop(previous, product.Price, w.cfg.MinDrop); ok {
			alert := PriceDrop{
				ProductID: env.AggregateID,
				SourceID:  product.SourceID,
				Title:     product.Title,
				URL:       product.ProductURL,
				OldPrice:  previous,
				NewPrice:  product.Price,
				Drop:      drop,
			}
			if err := w.publish(ctx, alert); err != nil {
				return err
			}
		}
	}

	price := strconv.FormatFloat(product.Price, 'f', -1, 64)
	if err := w.redis.HSet(ctx, lastPriceKey, product.SourceID, price).Err(); err != nil {
		return fmt.Errorf("failed to store last price: %w", err)
	}
	return nil
}

func (w *PriceWatcher) lastPrice(ctx context.Context, sourceID string) (float64, bool, error) {
	raw, err := w.redis.HGet(ctx, lastPriceKey, sourceID).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read last price: %w", err)
	}

	price, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		// overwritten below
		return 0, false, nil
	}
	return price, true, nil
}

func (w *PriceWatcher) publish(ctx context.Context, alert PriceDrop) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	err = w.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: w.cfg.AlertStream,
		Values: map[string]interface{}{
			"event_type": EventPriceDropped,
			"source_id":  alert.SourceID,
			"payload":    string(payload),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to publish alert: %w", err)
	}

	w.logger.Info("price drop",
		"source_id", alert.SourceID,
		"old_price", alert.OldPrice,
		"new_price", alert.NewPrice,
		"drop", fmt.Sprintf("%.1f%%", alert.Drop*100))
	return nil
}

// priceDrop reports the relative drop from old to current when it reaches min.
func priceDrop(old, current, min float64) (float64, bool) {
	if old <= 0 || current <= 0 || current >= old {
		return 0, false
	}
	drop := (old - current) / old
	return drop, drop >= min
}

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"

	"github.com/arkheioncorp/didin-facil/internal/antibot"
	"github.com/arkheioncorp/didin-facil/internal/browser"
	"github.com/arkheioncorp/didin-facil/internal/config"
	"github.com/arkheioncorp/didin-facil/internal/database"
	"github.com/arkheioncorp/didin-facil/internal/logger"
	"github.com/arkheioncorp/didin-facil/internal/models"
	"github.com/arkheioncorp/didin-facil/internal/scraper"
	"github.com/arkheioncorp/didin-facil/internal/storage"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to a YAML config file; the environment overrides it")
		categories = flag.String("categories", "", "Comma-separated categories or search keywords (default: config)")
		maxItems   = flag.Int("max", 0, "Maximum number of products to collect (default: config)")
		headless   = flag.Bool("headless", true, "Run browser in headless mode")
		storeKind  = flag.String("store", "", "Where to save products: sqlite, postgres or none (default: config)")
		output     = flag.String("output", "", "Also write collected products as JSON to this file")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *categories != "" {
		cfg.Scraper.Categories = splitList(*categories)
	}
	if *maxItems > 0 {
		cfg.Scraper.MaxProducts = *maxItems
	}
	if *storeKind != "" {
		cfg.Storage.Driver = *storeKind
	}
	cfg.Browser.Headless = *headless && cfg.Browser.Headless

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)
	logger.Info("starting storefront scraper", "store", cfg.Storage.Driver)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	selectors, err := config.LoadSelectors(cfg.Paths.SelectorsFile)
	if err != nil {
		logger.Error("failed to load selectors", "error", err)
		os.Exit(1)
	}

	opts := []scraper.Option{
		scraper.WithLogger(logger),
		scraper.WithInjector(antibot.NewInjector(cfg.Browser.ExtendedStealth, logger)),
	}

	var sqliteStore *storage.SQLiteStore
	switch cfg.Storage.Driver {
	case "sqlite":
		sqliteStore, err = storage.NewSQLiteStore(cfg.Storage.SQLitePath)
		if err != nil {
			logger.Error("failed to open product database", "error", err)
			os.Exit(1)
		}
		defer sqliteStore.Close()
		opts = append(opts, scraper.WithStore(sqliteStore))
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
	}

	manager := browser.NewManager(cfg.BrowserOptions(), logger)
	s := scraper.New(cfg.ScraperConfig(selectors), manager, opts...)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("shutdown signal received, stopping scraper")
		s.Stop()
		<-sigChan
		cancel()
	}()

	started := time.Now()
	products, runErr := s.Run(ctx)
	finished := time.Now()

	if sqliteStore != nil {
		if err := sqliteStore.RecordCollection(context.WithoutCancel(ctx), collectionLog(s.Status().Snapshot(), len(products), runErr, started, finished)); err != nil {
			logger.Warn("failed to record collection", "error", err)
		}
	}

	if *output != "" && len(products) > 0 {
		if err := writeJSON(*output, products); err != nil {
			logger.Error("failed to write output", "error", err)
		}
	}

	if err := printSummary(os.Stdout, products); err != nil {
		logger.Warn("failed to print summary", "error", err)
	}

	if runErr != nil {
		logger.Error("scrape failed", "error", runErr)
		os.Exit(1)
	}
	logger.Info("scraping completed", "products", len(products), "duration", finished.Sub(started))
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func collectionLog(status scraper.Status, found int, runErr error, started, finished time.Time) storage.CollectionLog {
	entry := storage.CollectionLog{
		Status:        "completed",
		ProductsFound: found,
		ProductsSaved: found,
		ErrorsCount:   len(status.Errors),
		Duration:      finished.Sub(started),
		StartedAt:     started,
		CompletedAt:   finished,
	}
	if runErr != nil {
		entry.Status = "failed"
		entry.ProductsSaved = 0
	}
	return entry
}

func writeJSON(path string, products []models.Product) error {
	data, err := json.MarshalIndent(products, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal products: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

type categoryStats struct {
	name     string
	products int
	sum      float64
	onSale   int
}

func printSummary(w io.Writer, products []models.Product) error {
	byCategory := make(map[string]*categoryStats)
	for _, p := range products {
		name := "uncategorized"
		if p.Category != nil && *p.Category != "" {
			name = *p.Category
		}
		st, ok := byCategory[name]
		if !ok {
			st = &categoryStats{name: name}
			byCategory[name] = st
		}
		st.products++
		st.sum += p.Price
		if p.IsOnSale {
			st.onSale++
		}
	}

	names := make([]string, 0, len(byCategory))
	for name := range byCategory {
		names = append(names, name)
	}
	sort.Strings(names)

	table := tablewriter.NewTable(w,
		tablewriter.WithAlignment(tw.Alignment{tw.AlignLeft, tw.AlignRight, tw.AlignRight, tw.AlignRight}),
		tablewriter.WithRendition(tw.Rendition{Borders: tw.BorderNone}),
	)
	table.Header("Category", "Products", "Avg Price", "On Sale")

	total := categoryStats{name: "total"}
	for _, name := range names {
		st := byCategory[name]
		if err := table.Append([]string{st.name, strconv.Itoa(st.products), formatPrice(st.sum, st.products), strconv.Itoa(st.onSale)}); err != nil {
			return err
		}
		total.products += st.products
		total.sum += st.sum
		total.onSale += st.onSale
	}
	table.Footer(total.name, strconv.Itoa(total.products), formatPrice(total.sum, total.products), strconv.Itoa(total.onSale))
	return table.Render()
}

func formatPrice(sum float64, n int) string {
	if n == 0 {
		return "-"
	}
	return fmt.Sprintf("%.2f", sum/float64(n))
}

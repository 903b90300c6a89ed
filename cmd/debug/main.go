package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"

	"github.com/arkheioncorp/didin-facil/internal/antibot"
	"github.com/arkheioncorp/didin-facil/internal/browser"
	"github.com/arkheioncorp/didin-facil/internal/config"
	"github.com/arkheioncorp/didin-facil/internal/logger"
	"github.com/arkheioncorp/didin-facil/internal/models"
	"github.com/arkheioncorp/didin-facil/internal/parser"
	"github.com/arkheioncorp/didin-facil/internal/scraper"
)

func main() {
	var (
		category = flag.String("category", "", "Category or search keyword to open in a live browser")
		file     = flag.String("file", "", "Parse a saved HTML page instead of opening a browser")
		htmlOut  = flag.String("html", "debug.html", "Where to save the live page HTML")
		wait     = flag.Duration("wait", 5*time.Second, "How long to let the live page settle")
	)
	flag.Parse()

	if *category == "" && *file == "" {
		fmt.Println("Please provide -category or -file")
		os.Exit(1)
	}

	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := logger.New(cfg.Logging.Level, "text")
	slog.SetDefault(logger)

	selectors, err := config.LoadSelectors(cfg.Paths.SelectorsFile)
	if err != nil {
		logger.Error("failed to load selectors", "error", err)
		os.Exit(1)
	}
	p := parser.New(selectors, logger)

	var (
		html     string
		products []models.Product
	)
	if *file != "" {
		data, err := os.ReadFile(*file)
		if err != nil {
			logger.Error("failed to read page", "error", err)
			os.Exit(1)
		}
		html = string(data)
		products, err = p.ParseHTML(html)
		if err != nil {
			logger.Error("failed to parse page", "error", err)
		}
	} else {
		html, products, err = inspectLive(cfg, p, *category, *wait, logger)
		if err != nil {
			logger.Error("live inspection failed", "error", err)
			os.Exit(1)
		}
		if err := os.WriteFile(*htmlOut, []byte(html), 0o644); err != nil {
			logger.Error("failed to save HTML", "error", err)
		} else {
			logger.Info("HTML saved", "file", *htmlOut)
		}
	}

	if marker := scraper.DetectMarker(html); marker != "" {
		logger.Warn("detection marker found", "marker", marker)
	}
	reportSelectors(html, p.Selectors(), logger)
	if err := printProducts(products); err != nil {
		logger.Warn("failed to print products", "error", err)
	}
}

func inspectLive(cfg *config.Config, p *parser.Parser, category string, wait time.Duration, logger *slog.Logger) (string, []models.Product, error) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Browser.PageLoadTimeout+wait+time.Minute)
	defer cancel()

	opts := cfg.BrowserOptions()
	opts.Headless = false

	m := browser.NewManager(opts, logger)
	if err := m.Start(ctx, nil); err != nil {
		return "", nil, err
	}
	defer m.Stop()

	page, err := m.NewPage(ctx)
	if err != nil {
		return "", nil, err
	}
	defer page.Close()

	fp := antibot.NewGenerator(nil).Generate()
	if err := antibot.NewInjector(cfg.Browser.ExtendedStealth, logger).Apply(ctx, page, fp); err != nil {
		return "", nil, err
	}

	url := scraper.ResolveURL(category)
	logger.Info("navigating", "url", url, "user_agent", fp.UserAgent)
	if err := page.Goto(ctx, url); err != nil {
		return "", nil, err
	}

	select {
	case <-time.After(wait):
	case <-ctx.Done():
		return "", nil, ctx.Err()
	}

	html, err := page.Content(ctx)
	if err != nil {
		return "", nil, err
	}
	products, err := p.ParseListing(ctx, page)
	if err != nil {
		return html, nil, err
	}
	return html, products, nil
}

func reportSelectors(html string, selectors []string, logger *slog.Logger) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		logger.Error("failed to load document", "error", err)
		return
	}

	logger.Info("page title", "title", strings.TrimSpace(doc.Find("title").First().Text()))
	for _, selector := range selectors {
		logger.Info("selector", "selector", selector, "count", doc.Find(selector).Length())
	}
}

func printProducts(products []models.Product) error {
	table := tablewriter.NewTable(os.Stdout,
		tablewriter.WithAlignment(tw.Alignment{tw.AlignLeft, tw.AlignLeft, tw.AlignRight, tw.AlignRight, tw.AlignLeft}),
		tablewriter.WithRendition(tw.Rendition{Borders: tw.BorderNone}),
	)
	table.Header("Source ID", "Title", "Price", "Sales", "URL")

	for _, p := range products {
		title := p.Title
		if r := []rune(title); len(r) > 40 {
			title = string(r[:40]) + "..."
		}
		if err := table.Append([]string{p.SourceID, title, fmt.Sprintf("%.2f", p.Price), strconv.Itoa(p.SalesCount), p.ProductURL}); err != nil {
			return err
		}
	}
	table.Footer("total", strconv.Itoa(len(products)), "", "", "")
	return table.Render()
}

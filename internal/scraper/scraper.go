package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/arkheioncorp/didin-facil/internal/antibot"
	"github.com/arkheioncorp/didin-facil/internal/browser"
	"github.com/arkheioncorp/didin-facil/internal/models"
	"github.com/arkheioncorp/didin-facil/internal/parser"
	"github.com/arkheioncorp/didin-facil/internal/proxy"
	"github.com/arkheioncorp/didin-facil/internal/ratelimit"
)

const (
	scrollScript = "window.scrollTo(0, document.body.scrollHeight)"
	heightScript = "document.body.scrollHeight"

	endOfPageChecks = 3
	saveTimeout     = 30 * time.Second
)

// DetectionMarkers are page fragments that indicate a block or verification page.
var DetectionMarkers = []string{"captcha", "verify", "Access Denied"}

// Store persists collected products and diagnostic pages.
type Store interface {
	SaveProducts(ctx context.Context, products []models.Product) error
	SaveErrorPage(ctx context.Context, url, html string) error
}

// Browser is the browser session a run drives. *browser.Manager satisfies it.
type Browser interface {
	Start(ctx context.Context, ep *proxy.Endpoint) error
	NewPage(ctx context.Context) (browser.Page, error)
	Stop() error
	SimulateHumanInteraction(ctx context.Context, page browser.Page) error
}

type Option func(*Scraper)

func WithStore(store Store) Option {
	return func(s *Scraper) { s.store = store }
}

func WithMetrics(m *Metrics) Option {
	return func(s *Scraper) { s.metrics = m }
}

// WithProxyPool shares a pool across runs. Without it a pool is built from
// Config.Proxies when Config.UseProxy is set.
func WithProxyPool(pool *proxy.Pool) Option {
	return func(s *Scraper) { s.proxies = pool }
}

func WithStatus(status *StatusTracker) Option {
	return func(s *Scraper) { s.status = status }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Scraper) { s.logger = logger }
}

func WithMemoryUsage(fn MemoryUsage) Option {
	return func(s *Scraper) { s.memory = fn }
}

func WithFingerprintGenerator(g *antibot.Generator) Option {
	return func(s *Scraper) { s.generator = g }
}

func WithInjector(i *antibot.Injector) Option {
	return func(s *Scraper) { s.injector = i }
}

// Scraper drives one browser page through the configured categories.
type Scraper struct {
	cfg       Config
	browser   Browser
	parser    *parser.Parser
	generator *antibot.Generator
	injector  *antibot.Injector
	proxies   *proxy.Pool
	store     Store
	metrics   *Metrics
	status    *StatusTracker
	logger    *slog.Logger
	memory    MemoryUsage

	delay       *ratelimit.JitterDelay
	sleep       func(ctx context.Context, d time.Duration) error
	backoffUnit time.Duration

	stopped atomic.Bool
}

func New(cfg Config, b Browser, opts ...Option) *Scraper {
	s := &Scraper{
		cfg:         cfg.withDefaults(),
		browser:     b,
		memory:      SystemMemoryUsage,
		sleep:       ratelimit.Sleep,
		backoffUnit: time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		s.logger = slog.Default()
	}
	base := s.logger
	s.logger = base.With("component", "scraper")

	if s.status == nil {
		s.status = NewStatusTracker()
	}
	if s.generator == nil {
		s.generator = antibot.NewGenerator(nil)
	}
	if s.injector == nil {
		s.injector = antibot.NewInjector(false, base)
	}
	if s.proxies == nil && s.cfg.UseProxy && len(s.cfg.Proxies) > 0 {
		s.proxies = proxy.New(s.cfg.Proxies, base)
	}
	if !s.cfg.UseProxy {
		s.proxies = nil
	}

	s.parser = parser.New(s.cfg.Selectors, base)
	s.delay = ratelimit.NewJitterDelay(s.cfg.MinDelay, s.cfg.MaxDelay)

	return s
}

func (s *Scraper) Config() Config {
	return s.cfg
}

func (s *Scraper) Status() *StatusTracker {
	return s.status
}

func (s *Scraper) ProxyPool() *proxy.Pool {
	return s.proxies
}

// Stop asks the running scrape to unwind at its next checkpoint.
func (s *Scraper) Stop() {
	s.stopped.Store(true)
}

func (s *Scraper) cancelled(ctx context.Context) bool {
	return s.stopped.Load() || ctx.Err() != nil
}

func (s *Scraper) checkpoint(ctx context.Context) error {
	if s.cancelled(ctx) {
		return errStopped
	}
	return nil
}

func (s *Scraper) addLog(message string) {
	s.status.AddLog(message)
}

// Run scrapes until every category is done, the product target is reached,
// or the run is stopped. A stopped run returns the products gathered so far
// and no error; hard failures return only the error.
func (s *Scraper) Run(ctx context.Context) ([]models.Product, error) {
	if err := s.status.Begin(); err != nil {
		return nil, err
	}
	s.stopped.Store(false)
	started := time.Now()

	s.logger.Info("starting scraper",
		"categories", s.cfg.categoryList(),
		"max_products", s.cfg.MaxProducts,
		"proxy", s.proxies != nil)
	s.addLog("starting scraper")
	if s.cfg.SafetySwitchEnabled {
		s.addLog("safety switch enabled")
	}

	products, err := s.scrape(ctx)

	outcome := "completed"
	if err != nil && isCancellation(err) && s.cancelled(ctx) {
		err = nil
		outcome = "cancelled"
		s.addLog("scraper stopped by user")
	}

	if err == nil && s.store != nil && len(products) > 0 {
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
		saveErr := s.store.SaveProducts(saveCtx, products)
		cancel()
		if saveErr != nil {
			err = fmt.Errorf("failed to save products: %w", saveErr)
		}
	}

	if err != nil {
		outcome = "failed"
		s.metrics.IncError(errorTypeLabel(err))
		s.logger.Error("scrape failed", "error", err)
		s.status.finish(len(products), fmt.Sprintf("scrape failed: %v", err))
	} else {
		s.logger.Info("scrape finished", "products", len(products), "outcome", outcome)
		s.status.finish(len(products), "")
	}
	s.metrics.ObserveRun(outcome, time.Since(started))
	if s.proxies != nil {
		s.metrics.SetProxyStats(s.proxies.Stats())
	}
	s.addLog("process finished")

	return products, err
}

// scrape returns the partial product list together with errStopped when
// cancelled, and nil products with any other error.
func (s *Scraper) scrape(ctx context.Context) (products []models.Product, err error) {
	if s.cfg.SafetySwitchEnabled {
		if until, active := s.status.SafetyUntil(); active {
			s.addLog("safety mode active, refusing to scrape")
			return nil, &ErrSafetyMode{Until: until}
		}
	}

	var ep *proxy.Endpoint
	if s.proxies != nil {
		if next, ok := s.proxies.Next(); ok {
			ep = &next
		} else {
			s.logger.Warn("no healthy proxy available, connecting directly")
			s.addLog("no healthy proxy available, connecting directly")
		}
	}

	navigated := false
	if ep != nil {
		defer func() {
			switch {
			case err == nil || errors.Is(err, errStopped):
				if navigated {
					s.proxies.ReportSuccess(*ep)
				}
			default:
				s.proxies.ReportFailure(*ep, 0)
			}
		}()
	}

	if err := s.checkpoint(ctx); err != nil {
		return nil, err
	}

	s.status.SetMessage("starting browser")
	if err := s.browser.Start(ctx, ep); err != nil {
		if s.cancelled(ctx) {
			return nil, errStopped
		}
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}
	defer func() {
		if stopErr := s.browser.Stop(); stopErr != nil {
			s.logger.Warn("failed to stop browser", "error", stopErr)
		}
	}()
	s.status.SetMessage("browser started")

	page, err := s.browser.NewPage(ctx)
	if err != nil {
		if s.cancelled(ctx) {
			return nil, errStopped
		}
		return nil, fmt.Errorf("failed to create page: %w", err)
	}
	defer page.Close()

	fp := s.generator.Generate()
	if err := s.injector.Apply(ctx, page, fp); err != nil {
		if s.cancelled(ctx) {
			return nil, errStopped
		}
		return nil, fmt.Errorf("failed to prepare page: %w", err)
	}

	run := &collection{
		items: make([]models.Product, 0, s.cfg.MaxProducts),
		seen:  make(map[string]struct{}),
	}

	for _, category := range s.cfg.categoryList() {
		if s.cancelled(ctx) {
			return run.items, errStopped
		}
		if len(run.items) >= s.cfg.MaxProducts {
			break
		}

		url := ResolveURL(category)
		s.status.SetMessage("scraping " + category)
		s.addLog("navigating to " + category)
		s.logger.Info("navigating", "category", category, "url", url)

		if err := s.guardMemory(ctx); err != nil {
			return run.items, err
		}

		if err := s.navigate(ctx, page, url); err != nil {
			if errors.Is(err, errStopped) {
				return run.items, err
			}
			return nil, err
		}
		navigated = true

		s.addLog("waiting for page load")
		if err := s.checkpoint(ctx); err != nil {
			return run.items, err
		}
		if err := s.sleep(ctx, s.delay.Next()); err != nil {
			return run.items, errStopped
		}
		if err := s.checkpoint(ctx); err != nil {
			return run.items, err
		}

		marker, err := s.safetyCheck(ctx, page, url)
		if err != nil {
			return run.items, err
		}
		if s.cfg.SafetySwitchEnabled {
			if until, tripped := s.status.recordSafetyCheck(marker != "", s.cfg); tripped {
				s.logger.Warn("safety mode activated", "until", until)
				s.addLog("safety mode activated until " + until.Format("15:04:05"))
			}
			if marker != "" {
				s.addLog("safety switch triggered, aborting")
				return nil, &ErrDetection{URL: url, Marker: marker}
			}
		} else if marker != "" {
			s.logger.Warn("safety switch disabled, continuing", "url", url)
			s.addLog("safety switch disabled, continuing")
		}

		if !s.cancelled(ctx) {
			if err := s.browser.SimulateHumanInteraction(ctx, page); err != nil {
				s.logger.Debug("human interaction failed", "error", err)
			}
		}

		if err := s.paginate(ctx, page, run); err != nil {
			if errors.Is(err, errStopped) {
				return run.items, err
			}
			return nil, err
		}
	}

	s.logger.Info("parsed products", "total", len(run.items))
	return run.items, nil
}

func (s *Scraper) navigate(ctx context.Context, page browser.Page, url string) error {
	retries := 0
	for {
		if err := s.checkpoint(ctx); err != nil {
			return err
		}

		err := page.Goto(ctx, url)
		if err == nil {
			s.metrics.IncNavigation("success")
			return nil
		}
		s.metrics.IncNavigation("failure")
		if s.cancelled(ctx) {
			return errStopped
		}

		retries++
		if retries > s.cfg.MaxRetries {
			return &ErrNavigation{URL: url, Attempts: retries, Err: err}
		}

		if err := s.checkpoint(ctx); err != nil {
			return err
		}

		delay := ratelimit.Backoff(retries, s.backoffUnit)
		s.metrics.IncRetries()
		s.logger.Warn("navigation failed, retrying", "url", url, "attempt", retries, "delay", delay, "error", err)
		s.addLog(fmt.Sprintf("failed to load page, retrying in %s", delay))

		if err := s.sleep(ctx, delay); err != nil {
			return errStopped
		}
	}
}

// DetectMarker returns the first detection marker found in html, or "".
func DetectMarker(html string) string {
	for _, marker := range DetectionMarkers {
		if strings.Contains(html, marker) {
			return marker
		}
	}
	return ""
}

// safetyCheck returns the detection marker on the current page, persisting
// the page when one is found. The only error is errStopped.
func (s *Scraper) safetyCheck(ctx context.Context, page browser.Page, url string) (string, error) {
	content, err := page.Content(ctx)
	if err != nil {
		if s.cancelled(ctx) {
			return "", errStopped
		}
		s.logger.Debug("failed to read page for safety check", "error", err)
		return "", nil
	}

	marker := DetectMarker(content)
	if marker == "" {
		return "", nil
	}

	s.metrics.IncDetection()
	s.addLog("bot detection identified on " + url)
	s.logger.Error("bot detection identified", "url", url, "marker", marker)

	if s.store != nil {
		if err := s.store.SaveErrorPage(context.WithoutCancel(ctx), url, content); err != nil {
			s.logger.Warn("failed to save error page", "url", url, "error", err)
		}
	}
	return marker, nil
}

type collection struct {
	items []models.Product
	seen  map[string]struct{}
}

// add keeps products whose source id was not seen yet, up to limit.
func (c *collection) add(products []models.Product, limit int) []models.Product {
	var added []models.Product
	for _, p := range products {
		if len(c.items) >= limit {
			break
		}
		if _, dup := c.seen[p.SourceID]; dup {
			continue
		}
		c.seen[p.SourceID] = struct{}{}
		c.items = append(c.items, p)
		added = append(added, p)
	}
	return added
}

func (s *Scraper) paginate(ctx context.Context, page browser.Page, run *collection) error {
	var previousHeight float64
	unchanged := 0

	for len(run.items) < s.cfg.MaxProducts {
		if err := s.checkpoint(ctx); err != nil {
			return err
		}

		s.addLog("parsing products on page")
		products, err := s.parser.ParseListing(ctx, page)
		if err != nil {
			if s.cancelled(ctx) {
				return errStopped
			}
			return fmt.Errorf("failed to parse listing: %w", err)
		}

		added := run.add(products, s.cfg.MaxProducts)
		for _, p := range added {
			s.addLog(fmt.Sprintf("found: %s (R$ %.2f)", truncate(p.Title, 30), p.Price))
			s.status.SetCurrent(p.Title)
		}
		if len(added) > 0 {
			s.addLog(fmt.Sprintf("+%d new products", len(added)))
			s.metrics.AddProducts(len(added))
		}
		s.status.SetProgress(len(run.items), s.cfg.MaxProducts)

		if len(run.items) >= s.cfg.MaxProducts {
			break
		}

		s.addLog("scrolling for more products")
		if _, err := page.Evaluate(ctx, scrollScript); err != nil {
			if s.cancelled(ctx) {
				return errStopped
			}
			return fmt.Errorf("failed to scroll: %w", err)
		}

		if err := s.checkpoint(ctx); err != nil {
			return err
		}
		if err := s.sleep(ctx, s.cfg.ScrollWait); err != nil {
			return errStopped
		}

		height := previousHeight
		v, err := page.Evaluate(ctx, heightScript)
		if err != nil {
			if s.cancelled(ctx) {
				return errStopped
			}
			return fmt.Errorf("failed to read page height: %w", err)
		}
		if h, ok := toFloat(v); ok {
			height = h
		}

		if height == previousHeight {
			unchanged++
			if unchanged >= endOfPageChecks {
				s.addLog("reached end of page")
				break
			}
		} else {
			unchanged = 0
		}
		previousHeight = height
	}

	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	}
	return 0, false
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

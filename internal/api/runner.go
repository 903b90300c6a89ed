package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/arkheioncorp/didin-facil/internal/proxy"
	"github.com/arkheioncorp/didin-facil/internal/scraper"
)

// RunRequest optionally overrides the base configuration for one run.
type RunRequest struct {
	Categories  []string `json:"categories,omitempty"`
	MaxProducts int      `json:"max_products,omitempty"`
}

// RunResult describes the last finished run.
type RunResult struct {
	Products   int       `json:"products"`
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// Runner owns at most one in-flight scrape. Status and the proxy pool are
// shared across runs.
type Runner struct {
	base       scraper.Config
	newBrowser func() scraper.Browser
	opts       []scraper.Option
	status     *scraper.StatusTracker
	proxies    *proxy.Pool
	baseLog    *slog.Logger
	logger     *slog.Logger

	mu      sync.Mutex
	current *scraper.Scraper
	cancel  context.CancelFunc
	done    chan struct{}
	last    *RunResult
}

// NewRunner builds a Runner. newBrowser is called once per run; opts are
// passed to every scraper (store, metrics, injector...).
func NewRunner(base scraper.Config, newBrowser func() scraper.Browser, logger *slog.Logger, opts ...scraper.Option) *Runner {
	if logger == nil {
		logger = slog.Default()
	}

	r := &Runner{
		base:       base,
		newBrowser: newBrowser,
		opts:       opts,
		status:     scraper.NewStatusTracker(),
		baseLog:    logger,
		logger:     logger.With("component", "runner"),
	}
	if base.UseProxy && len(base.Proxies) > 0 {
		r.proxies = proxy.New(base.Proxies, logger)
	}
	return r
}

// Start launches a run in the background. It returns
// scraper.ErrAlreadyRunning while another run is in flight.
func (r *Runner) Start(req RunRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current != nil || r.status.IsRunning() {
		return scraper.ErrAlreadyRunning
	}

	cfg := r.base
	if len(req.Categories) > 0 {
		cfg.Categories = req.Categories
	}
	if req.MaxProducts > 0 {
		cfg.MaxProducts = req.MaxProducts
	}

	opts := append([]scraper.Option{}, r.opts...)
	opts = append(opts, scraper.WithStatus(r.status), scraper.WithLogger(r.baseLog))
	if r.proxies != nil {
		opts = append(opts, scraper.WithProxyPool(r.proxies))
	}

	s := scraper.New(cfg, r.newBrowser(), opts...)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	r.current = s
	r.cancel = cancel
	r.done = done

	go r.run(ctx, s, done)
	return nil
}

func (r *Runner) run(ctx context.Context, s *scraper.Scraper, done chan struct{}) {
	defer close(done)

	products, err := s.Run(ctx)

	result := &RunResult{Products: len(products), FinishedAt: time.Now().UTC()}
	if err != nil {
		result.Error = err.Error()
		r.logger.Error("run failed", "error", err)
	} else {
		r.logger.Info("run finished", "products", len(products))
	}

	r.mu.Lock()
	r.current = nil
	r.cancel()
	r.last = result
	r.mu.Unlock()
}

// Stop asks the in-flight run to stop. It reports whether a run was active.
func (r *Runner) Stop() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current == nil {
		return false
	}
	r.current.Stop()
	r.cancel()
	return true
}

// Wait blocks until the in-flight run, if any, has finished or ctx is done.
func (r *Runner) Wait(ctx context.Context) error {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()

	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops the in-flight run and waits for it.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.Stop()
	return r.Wait(ctx)
}

func (r *Runner) Status() scraper.Status {
	return r.status.Snapshot()
}

func (r *Runner) LastResult() *RunResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.last == nil {
		return nil
	}
	last := *r.last
	return &last
}

// ProxyStats reports false when no proxy pool is configured.
func (r *Runner) ProxyStats() (proxy.Stats, bool) {
	if r.proxies == nil {
		return proxy.Stats{}, false
	}
	return r.proxies.Stats(), true
}

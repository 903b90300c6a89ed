package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/arkheioncorp/didin-facil/internal/antibot"
	"github.com/arkheioncorp/didin-facil/internal/proxy"
	"github.com/playwright-community/playwright-go"
)

var ErrNotStarted = errors.New("browser not started")

// ErrLaunch is returned when the browser process cannot be brought up.
type ErrLaunch struct {
	Err error
}

func (e *ErrLaunch) Error() string {
	return fmt.Sprintf("browser launch failed: %v", e.Err)
}

func (e *ErrLaunch) Unwrap() error {
	return e.Err
}

type Options struct {
	Headless        bool
	Timeout         time.Duration
	PageLoadTimeout time.Duration
	UserAgent       string
	ViewportWidth   int
	ViewportHeight  int
	TimezoneID      string
	Locale          string
	// UserDataDir keeps cookies and storage across runs when set.
	UserDataDir  string
	ExtraHeaders map[string]string
}

func DefaultOptions() *Options {
	return &Options{
		Headless:        true,
		Timeout:         30 * time.Second,
		PageLoadTimeout: 60 * time.Second,
		UserAgent:       antibot.UserAgent,
		ViewportWidth:   1920,
		ViewportHeight:  1080,
		TimezoneID:      "America/Sao_Paulo",
		Locale:          "pt-BR",
		ExtraHeaders: map[string]string{
			"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8",
			"Accept-Language": "pt-BR,pt;q=0.9,en-US;q=0.8,en;q=0.7",
			"DNT":             "1",
		},
	}
}

// LaunchArgs returns the Chromium flags for opts, routed through ep when given.
func LaunchArgs(opts *Options, ep *proxy.Endpoint) []string {
	args := []string{
		"--no-sandbox",
		"--disable-setuid-sandbox",
		"--disable-dev-shm-usage",
		"--disable-gpu",
		"--disable-blink-features=AutomationControlled",
		"--disable-accelerated-2d-canvas",
		fmt.Sprintf("--window-size=%d,%d", opts.ViewportWidth, opts.ViewportHeight),
	}
	if ep != nil {
		args = append(args, "--proxy-server="+ep.Server())
	}
	return args
}

func playwrightProxy(ep *proxy.Endpoint) *playwright.Proxy {
	if ep == nil {
		return nil
	}
	p := &playwright.Proxy{Server: ep.Server()}
	if ep.HasCredentials() {
		p.Username = playwright.String(ep.Username)
		p.Password = playwright.String(ep.Password)
	}
	return p
}

type browserEvent struct {
	kind   string
	detail string
}

// Manager owns at most one browser process at a time.
type Manager struct {
	opts   *Options
	logger *slog.Logger

	mu      sync.Mutex
	pw      *playwright.Playwright
	browser playwright.Browser
	context playwright.BrowserContext
	events  chan browserEvent
	done    chan struct{}
	wg      sync.WaitGroup

	rndMu sync.Mutex
	rnd   *rand.Rand
	sleep func(ctx context.Context, d time.Duration) error
}

func NewManager(opts *Options, logger *slog.Logger) *Manager {
	if opts == nil {
		opts = DefaultOptions()
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		opts:   opts,
		logger: logger.With("component", "browser"),
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:  sleepContext,
	}
}

func (m *Manager) Options() Options {
	return *m.opts
}

// Start launches Chromium, optionally through ep. Anything created before a
// failure is torn down again.
func (m *Manager) Start(ctx context.Context, ep *proxy.Endpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.context != nil {
		return errors.New("browser already started")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	pw, err := playwright.Run()
	if err != nil {
		return &ErrLaunch{Err: fmt.Errorf("failed to start playwright: %w", err)}
	}

	args := LaunchArgs(m.opts, ep)
	timeout := playwright.Float(float64(m.opts.Timeout.Milliseconds()))
	viewport := &playwright.Size{Width: m.opts.ViewportWidth, Height: m.opts.ViewportHeight}

	var (
		browser playwright.Browser
		bctx    playwright.BrowserContext
	)

	if m.opts.UserDataDir != "" {
		bctx, err = pw.Chromium.LaunchPersistentContext(m.opts.UserDataDir, playwright.BrowserTypeLaunchPersistentContextOptions{
			Headless:         playwright.Bool(m.opts.Headless),
			Args:             args,
			Proxy:            playwrightProxy(ep),
			Timeout:          timeout,
			UserAgent:        playwright.String(m.opts.UserAgent),
			Locale:           playwright.String(m.opts.Locale),
			TimezoneId:       playwright.String(m.opts.TimezoneID),
			Viewport:         viewport,
			ExtraHttpHeaders: m.opts.ExtraHeaders,
		})
		if err != nil {
			pw.Stop()
			return &ErrLaunch{Err: fmt.Errorf("failed to launch persistent context: %w", err)}
		}
	} else {
		browser, err = pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
			Headless: playwright.Bool(m.opts.Headless),
			Args:     args,
			Proxy:    playwrightProxy(ep),
			Timeout:  timeout,
		})
		if err != nil {
			pw.Stop()
			return &ErrLaunch{Err: fmt.Errorf("failed to launch browser: %w", err)}
		}

		bctx, err = browser.NewContext(playwright.BrowserNewContextOptions{
			UserAgent:         playwright.String(m.opts.UserAgent),
			AcceptDownloads:   playwright.Bool(false),
			JavaScriptEnabled: playwright.Bool(true),
			Locale:            playwright.String(m.opts.Locale),
			TimezoneId:        playwright.String(m.opts.TimezoneID),
			Viewport:          viewport,
			ExtraHttpHeaders:  m.opts.ExtraHeaders,
		})
		if err != nil {
			browser.Close()
			pw.Stop()
			return &ErrLaunch{Err: fmt.Errorf("failed to create browser context: %w", err)}
		}
	}

	m.pw = pw
	m.browser = browser
	m.context = bctx
	m.events = make(chan browserEvent, 64)
	m.done = make(chan struct{})

	m.subscribe()
	m.wg.Add(1)
	go m.drainEvents(m.events, m.done)

	server := ""
	if ep != nil {
		server = ep.Server()
	}
	m.logger.Info("browser started",
		"headless", m.opts.Headless,
		"persistent", m.opts.UserDataDir != "",
		"proxy", server)

	return nil
}

// subscribe forwards browser callbacks into the event channel. Events are
// dropped rather than blocking playwright when the buffer is full.
func (m *Manager) subscribe() {
	events := m.events
	emit := func(kind, detail string) {
		select {
		case events <- browserEvent{kind: kind, detail: detail}:
		default:
		}
	}

	m.context.OnPage(func(p playwright.Page) {
		emit("page", p.URL())
	})
	m.context.OnConsole(func(msg playwright.ConsoleMessage) {
		emit("console."+msg.Type(), msg.Text())
	})
	m.context.OnClose(func(playwright.BrowserContext) {
		emit("context_closed", "")
	})
	if m.browser != nil {
		m.browser.OnDisconnected(func(playwright.Browser) {
			emit("disconnected", "")
		})
	}
}

func (m *Manager) drainEvents(events <-chan browserEvent, done <-chan struct{}) {
	defer m.wg.Done()

	for {
		select {
		case ev := <-events:
			m.logger.Debug("browser event", "kind", ev.kind, "detail", ev.detail)
		case <-done:
			return
		}
	}
}

func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.context != nil
}

func (m *Manager) NewPage(ctx context.Context) (Page, error) {
	m.mu.Lock()
	bctx := m.context
	m.mu.Unlock()

	if bctx == nil {
		return nil, ErrNotStarted
	}

	var page playwright.Page
	err := withContext(ctx, func() error {
		var err error
		page, err = bctx.NewPage()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create new page: %w", err)
	}

	return newPlaywrightPage(page, m.opts), nil
}

// Stop tears the browser down. Calling it on a stopped manager is a no-op.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.context == nil && m.pw == nil {
		return nil
	}

	if m.done != nil {
		close(m.done)
		m.wg.Wait()
		m.done = nil
	}

	var errs []error

	if m.context != nil {
		if err := m.context.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close context: %w", err))
		}
	}

	if m.browser != nil {
		if err := m.browser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close browser: %w", err))
		}
	}

	if m.pw != nil {
		if err := m.pw.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop playwright: %w", err))
		}
	}

	m.context = nil
	m.browser = nil
	m.pw = nil

	if len(errs) > 0 {
		return fmt.Errorf("errors during close: %w", errors.Join(errs...))
	}

	m.logger.Info("browser stopped")
	return nil
}

// SimulateHumanInteraction moves the pointer to three random points inside
// the viewport, pausing 100-300ms between moves.
func (m *Manager) SimulateHumanInteraction(ctx context.Context, page Page) error {
	for i := 0; i < 3; i++ {
		m.rndMu.Lock()
		x := float64(m.rnd.Intn(m.opts.ViewportWidth))
		y := float64(m.rnd.Intn(m.opts.ViewportHeight))
		pause := time.Duration(100+m.rnd.Intn(201)) * time.Millisecond
		m.rndMu.Unlock()

		if err := page.MouseMove(ctx, x, y); err != nil {
			return fmt.Errorf("failed to move mouse: %w", err)
		}
		if err := m.sleep(ctx, pause); err != nil {
			return err
		}
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

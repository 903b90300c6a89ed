package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/playwright-community/playwright-go"
)

// Page is a single browser tab. All calls may block on browser I/O.
type Page interface {
	Goto(ctx context.Context, url string) error
	Evaluate(ctx context.Context, expression string) (any, error)
	Content(ctx context.Context) (string, error)
	MouseMove(ctx context.Context, x, y float64) error
	AddInitScript(ctx context.Context, script string) error
	URL() string
	Close() error
}

type playwrightPage struct {
	page        playwright.Page
	loadTimeout time.Duration
}

func newPlaywrightPage(page playwright.Page, opts *Options) *playwrightPage {
	page.SetDefaultTimeout(float64(opts.Timeout.Milliseconds()))
	page.SetDefaultNavigationTimeout(float64(opts.PageLoadTimeout.Milliseconds()))

	return &playwrightPage{
		page:        page,
		loadTimeout: opts.PageLoadTimeout,
	}
}

// withContext runs fn and returns early when ctx ends. playwright-go calls
// are not cancellable, so fn keeps running until its own timeout fires.
func withContext(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *playwrightPage) Goto(ctx context.Context, url string) error {
	return withContext(ctx, func() error {
		_, err := p.page.Goto(url, playwright.PageGotoOptions{
			WaitUntil: playwright.WaitUntilStateDomcontentloaded,
			Timeout:   playwright.Float(float64(p.loadTimeout.Milliseconds())),
		})
		if err != nil {
			return fmt.Errorf("failed to navigate to %s: %w", url, err)
		}
		return nil
	})
}

func (p *playwrightPage) Evaluate(ctx context.Context, expression string) (any, error) {
	var result any
	err := withContext(ctx, func() error {
		var err error
		result, err = p.page.Evaluate(expression)
		if err != nil {
			return fmt.Errorf("failed to evaluate script: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (p *playwrightPage) Content(ctx context.Context) (string, error) {
	var html string
	err := withContext(ctx, func() error {
		var err error
		html, err = p.page.Content()
		if err != nil {
			return fmt.Errorf("failed to get page content: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return html, nil
}

func (p *playwrightPage) MouseMove(ctx context.Context, x, y float64) error {
	return withContext(ctx, func() error {
		return p.page.Mouse().Move(x, y)
	})
}

func (p *playwrightPage) AddInitScript(ctx context.Context, script string) error {
	return withContext(ctx, func() error {
		return p.page.AddInitScript(playwright.Script{Content: playwright.String(script)})
	})
}

func (p *playwrightPage) URL() string {
	return p.page.URL()
}

func (p *playwrightPage) Close() error {
	if p.page.IsClosed() {
		return nil
	}
	return p.page.Close()
}

package parser

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/andybalholm/cascadia"
	"github.com/arkheioncorp/didin-facil/internal/models"
	lru "github.com/hashicorp/golang-lru/v2"
)

var DefaultSelectors = []string{
	"[data-e2e='product-card']",
	".product-card",
	".product-item",
}

const selectorCacheSize = 64

// Source is the part of a browser page the parser reads from.
type Source interface {
	Evaluate(ctx context.Context, expression string) (any, error)
	Content(ctx context.Context) (string, error)
}

type Parser struct {
	selectors []string
	cache     *lru.Cache[string, cascadia.Selector]
	logger    *slog.Logger
}

// New builds a parser for the given card selectors. An empty list falls back
// to DefaultSelectors; selectors that do not compile are dropped.
func New(selectors []string, logger *slog.Logger) *Parser {
	if logger == nil {
		logger = slog.Default()
	}

	cache, err := lru.New[string, cascadia.Selector](selectorCacheSize)
	if err != nil {
		panic(fmt.Sprintf("failed to create selector cache: %v", err))
	}

	p := &Parser{
		cache:  cache,
		logger: logger.With("component", "parser"),
	}

	if len(selectors) == 0 {
		selectors = DefaultSelectors
	}
	for _, s := range selectors {
		if _, err := p.compile(s); err != nil {
			p.logger.Warn("skipping invalid selector", "selector", s, "error", err)
			continue
		}
		p.selectors = append(p.selectors, s)
	}
	if len(p.selectors) == 0 {
		p.logger.Warn("no valid selector override, using defaults")
		p.selectors = append(p.selectors, DefaultSelectors...)
	}

	return p
}

func (p *Parser) Selectors() []string {
	out := make([]string, len(p.selectors))
	copy(out, p.selectors)
	return out
}

func (p *Parser) compile(selector string) (cascadia.Selector, error) {
	if sel, ok := p.cache.Get(selector); ok {
		return sel, nil
	}
	sel, err := cascadia.Compile(selector)
	if err != nil {
		return nil, fmt.Errorf("invalid selector %q: %w", selector, err)
	}
	p.cache.Add(selector, sel)
	return sel, nil
}

// ParseListing reads the products on the current page, preferring the
// embedded application state over the rendered DOM.
func (p *Parser) ParseListing(ctx context.Context, page Source) ([]models.Product, error) {
	result, err := page.Evaluate(ctx, stateScript)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.logger.Debug("state extraction failed", "error", err)
	} else if jsonText, ok := result.(string); ok {
		products, err := ParseState(jsonText)
		if err != nil {
			p.logger.Debug("invalid state json", "error", err)
		} else if len(products) > 0 {
			p.logger.Info("parsed products from page state", "count", len(products))
			return products, nil
		}
	}

	p.logger.Debug("falling back to DOM parsing")

	html, err := page.Content(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read page content: %w", err)
	}

	return p.ParseHTML(html)
}

package scraper

import (
	"net/url"
	"strings"
	"time"
)

const (
	TrendingCategory = "trending"

	trendingURL = "https://shop.tiktok.com/browse"
	searchURL   = "https://shop.tiktok.com/search?keyword="
)

// Config is the immutable configuration of one scrape run.
type Config struct {
	Headless        bool
	MaxConcurrent   int
	RequestTimeout  time.Duration
	PageLoadTimeout time.Duration
	// MinDelay and MaxDelay bound the courtesy wait after each navigation.
	MinDelay   time.Duration
	MaxDelay   time.Duration
	ScrollWait time.Duration
	MaxRetries int

	UseProxy   bool
	Proxies    []string
	Categories []string

	MaxProducts int

	SafetySwitchEnabled          bool
	MaxDetectionRate             float64
	SafetyCooldown               time.Duration
	ConsecutiveFailuresThreshold int

	// Research API credentials are carried for callers; the browser scraper
	// does not use them.
	APIKey    string
	APISecret string

	Selectors   []string
	UserDataDir string

	MemoryThreshold float64
	MemoryPause     time.Duration
}

func DefaultConfig() Config {
	return Config{
		Headless:                     true,
		MaxConcurrent:                3,
		RequestTimeout:               30 * time.Second,
		PageLoadTimeout:              60 * time.Second,
		MinDelay:                     5 * time.Second,
		MaxDelay:                     10 * time.Second,
		ScrollWait:                   2 * time.Second,
		MaxRetries:                   3,
		MaxProducts:                  100,
		SafetySwitchEnabled:          true,
		MaxDetectionRate:             0.2,
		SafetyCooldown:               time.Hour,
		ConsecutiveFailuresThreshold: 5,
		MemoryThreshold:              0.9,
		MemoryPause:                  10 * time.Second,
	}
}

// withDefaults fills zero values from DefaultConfig and copies the slices so
// the run never shares them with the caller.
func (c Config) withDefaults() Config {
	d := DefaultConfig()

	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = d.MaxConcurrent
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.PageLoadTimeout <= 0 {
		c.PageLoadTimeout = d.PageLoadTimeout
	}
	if c.MinDelay < 0 {
		c.MinDelay = 0
	}
	if c.MaxDelay < c.MinDelay {
		c.MaxDelay = c.MinDelay
	}
	if c.ScrollWait < 0 {
		c.ScrollWait = 0
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.MaxProducts <= 0 {
		c.MaxProducts = d.MaxProducts
	}
	if c.MaxDetectionRate <= 0 {
		c.MaxDetectionRate = d.MaxDetectionRate
	}
	if c.SafetyCooldown <= 0 {
		c.SafetyCooldown = d.SafetyCooldown
	}
	if c.ConsecutiveFailuresThreshold <= 0 {
		c.ConsecutiveFailuresThreshold = d.ConsecutiveFailuresThreshold
	}
	if c.MemoryThreshold <= 0 || c.MemoryThreshold > 1 {
		c.MemoryThreshold = d.MemoryThreshold
	}
	if c.MemoryPause < 0 {
		c.MemoryPause = 0
	}

	c.Proxies = append([]string(nil), c.Proxies...)
	c.Categories = append([]string(nil), c.Categories...)
	c.Selectors = append([]string(nil), c.Selectors...)

	return c
}

func (c Config) categoryList() []string {
	if len(c.Categories) == 0 {
		return []string{TrendingCategory}
	}
	return c.Categories
}

// ResolveURL maps a category to the page that lists it: literal URLs are
// kept, "trending" goes to the browse page and anything else is searched.
func ResolveURL(category string) string {
	switch {
	case category == TrendingCategory:
		return trendingURL
	case strings.HasPrefix(category, "http"), strings.HasPrefix(category, "file"):
		return category
	default:
		return searchURL + url.QueryEscape(category)
	}
}

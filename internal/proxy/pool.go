package proxy

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"sync"
	"time"
)

const (
	DefaultCooldown = 30 * time.Minute

	blockFailureRate = 0.5
	blockMinRequests = 5
)

var proxyURLPattern = regexp.MustCompile(`^(?:(?P<scheme>\w+)://)?(?:(?P<user>[^:@]+):(?P<pass>[^:@]+)@)?(?P<host>[^:@]+):(?P<port>\d+)$`)

// Endpoint is a single proxy server.
type Endpoint struct {
	Scheme   string
	Host     string
	Port     int
	Username string
	Password string
}

// Server identifies the endpoint without credentials, e.g. http://10.0.0.1:8080.
func (e Endpoint) Server() string {
	return fmt.Sprintf("%s://%s:%d", e.Scheme, e.Host, e.Port)
}

// URL includes the credentials when present.
func (e Endpoint) URL() string {
	if e.Username != "" && e.Password != "" {
		return fmt.Sprintf("%s://%s:%s@%s:%d", e.Scheme, e.Username, e.Password, e.Host, e.Port)
	}
	return e.Server()
}

func (e Endpoint) HasCredentials() bool {
	return e.Username != "" && e.Password != ""
}

// Parse reads [scheme://][user:pass@]host:port. The scheme defaults to http.
func Parse(raw string) (Endpoint, error) {
	m := proxyURLPattern.FindStringSubmatch(raw)
	if m == nil {
		return Endpoint{}, fmt.Errorf("invalid proxy url %q", raw)
	}

	port, err := strconv.Atoi(m[proxyURLPattern.SubexpIndex("port")])
	if err != nil || port <= 0 || port > 65535 {
		return Endpoint{}, fmt.Errorf("invalid proxy port in %q", raw)
	}

	scheme := m[proxyURLPattern.SubexpIndex("scheme")]
	if scheme == "" {
		scheme = "http"
	}

	return Endpoint{
		Scheme:   scheme,
		Host:     m[proxyURLPattern.SubexpIndex("host")],
		Port:     port,
		Username: m[proxyURLPattern.SubexpIndex("user")],
		Password: m[proxyURLPattern.SubexpIndex("pass")],
	}, nil
}

// Health holds the usage counters of one endpoint.
type Health struct {
	SuccessCount  int
	FailureCount  int
	TotalRequests int
	LastUsed      time.Time
	IsBlocked     bool
	BlockedUntil  time.Time
}

func (h *Health) FailureRate() float64 {
	total := h.TotalRequests
	if total < 1 {
		total = 1
	}
	return float64(h.FailureCount) / float64(total)
}

// Stats aggregates the pool state.
type Stats struct {
	Total     int `json:"total"`
	Available int `json:"available"`
	Blocked   int `json:"blocked"`
	Requests  int `json:"requests"`
	Successes int `json:"success"`
}

// Pool rotates over configured endpoints and temporarily blocks the ones
// that keep failing. Health records are keyed by Endpoint.Server().
type Pool struct {
	mu        sync.RWMutex
	endpoints []Endpoint
	health    map[string]*Health
	index     int
	now       func() time.Time
	logger    *slog.Logger
}

// New builds a pool from proxy URLs. Entries that fail to parse are dropped.
func New(urls []string, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pool{
		health: make(map[string]*Health),
		now:    time.Now,
		logger: logger.With("component", "proxy_pool"),
	}

	for _, raw := range urls {
		ep, err := Parse(raw)
		if err != nil {
			p.logger.Debug("dropping proxy entry", "error", err)
			continue
		}
		if _, exists := p.health[ep.Server()]; exists {
			continue
		}
		p.endpoints = append(p.endpoints, ep)
		p.health[ep.Server()] = &Health{}
	}

	return p
}

func (p *Pool) Len() int {
	return len(p.endpoints)
}

func (p *Pool) Empty() bool {
	return len(p.endpoints) == 0
}

// availableLocked must be called with p.mu held (read or write).
func (p *Pool) availableLocked(now time.Time) []Endpoint {
	available := make([]Endpoint, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		h, ok := p.health[ep.Server()]
		if !ok || !h.IsBlocked || now.After(h.BlockedUntil) {
			available = append(available, ep)
		}
	}
	return available
}

// Next returns the next healthy endpoint, or false when every endpoint is blocked.
func (p *Pool) Next() (Endpoint, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	available := p.availableLocked(now)
	if len(available) == 0 {
		return Endpoint{}, false
	}

	p.index = (p.index + 1) % len(available)
	ep := available[p.index]

	h := p.health[ep.Server()]
	if h.IsBlocked {
		// cooldown elapsed
		h.IsBlocked = false
		h.BlockedUntil = time.Time{}
	}
	h.LastUsed = now
	h.TotalRequests++

	return ep, true
}

func (p *Pool) ReportSuccess(ep Endpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()

	h, ok := p.health[ep.Server()]
	if !ok {
		return
	}
	h.SuccessCount++
	p.logger.Debug("proxy success",
		"server", ep.Server(),
		"success", h.SuccessCount,
		"total", h.TotalRequests)
}

// ReportFailure records a failed use. Once more than half of at least five
// requests failed, the endpoint is blocked for cooldown (DefaultCooldown when zero).
func (p *Pool) ReportFailure(ep Endpoint, cooldown time.Duration) {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	h, ok := p.health[ep.Server()]
	if !ok {
		return
	}
	h.FailureCount++

	rate := h.FailureRate()
	if rate > blockFailureRate && h.TotalRequests >= blockMinRequests {
		h.IsBlocked = true
		h.BlockedUntil = p.now().Add(cooldown)
		p.logger.Warn("proxy blocked",
			"server", ep.Server(),
			"cooldown", cooldown,
			"failure_rate", fmt.Sprintf("%.1f%%", rate*100))
	}
}

// Health returns a copy of the health record of ep.
func (p *Pool) Health(ep Endpoint) (Health, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	h, ok := p.health[ep.Server()]
	if !ok {
		return Health{}, false
	}
	return *h, true
}

func (p *Pool) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	available := len(p.availableLocked(p.now()))
	stats := Stats{
		Total:     len(p.endpoints),
		Available: available,
		Blocked:   len(p.endpoints) - available,
	}
	for _, h := range p.health {
		stats.Requests += h.TotalRequests
		stats.Successes += h.SuccessCount
	}
	return stats
}

package scraper

import (
	"time"

	"github.com/arkheioncorp/didin-facil/internal/proxy"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for scrape runs.
type Metrics struct {
	Registry               *prometheus.Registry
	RunsTotal              *prometheus.CounterVec
	RunDuration            prometheus.Histogram
	NavigationsTotal       *prometheus.CounterVec
	RetriesTotal           prometheus.Counter
	ProductsCollectedTotal prometheus.Counter
	DetectionsTotal        prometheus.Counter
	MemoryPausesTotal      prometheus.Counter
	ErrorsTotal            *prometheus.CounterVec
	ProxiesAvailable       prometheus.Gauge
	ProxiesBlocked         prometheus.Gauge
}

// NewMetrics registers all collectors on a dedicated registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	runs := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_runs_total",
			Help: "Scrape runs by outcome.",
		},
		[]string{"outcome"},
	)
	runDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scraper_run_duration_seconds",
			Help:    "Wall time of scrape runs.",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		},
	)
	navigations := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_navigations_total",
			Help: "Page navigations by result.",
		},
		[]string{"result"},
	)
	retries := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scraper_retries_total",
			Help: "Navigation retries scheduled.",
		},
	)
	products := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scraper_products_collected_total",
			Help: "Unique products collected.",
		},
	)
	detections := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scraper_detections_total",
			Help: "Pages that carried a bot detection marker.",
		},
	)
	memoryPauses := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scraper_memory_pauses_total",
			Help: "Pauses caused by high memory usage.",
		},
	)
	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_errors_total",
			Help: "Run-ending errors by type.",
		},
		[]string{"error_type"},
	)
	proxiesAvailable := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scraper_proxies_available",
			Help: "Proxy endpoints currently eligible.",
		},
	)
	proxiesBlocked := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scraper_proxies_blocked",
			Help: "Proxy endpoints in cooldown.",
		},
	)

	registry.MustRegister(runs, runDuration, navigations, retries, products, detections,
		memoryPauses, errorsTotal, proxiesAvailable, proxiesBlocked)

	return &Metrics{
		Registry:               registry,
		RunsTotal:              runs,
		RunDuration:            runDuration,
		NavigationsTotal:       navigations,
		RetriesTotal:           retries,
		ProductsCollectedTotal: products,
		DetectionsTotal:        detections,
		MemoryPausesTotal:      memoryPauses,
		ErrorsTotal:            errorsTotal,
		ProxiesAvailable:       proxiesAvailable,
		ProxiesBlocked:         proxiesBlocked,
	}
}

func (m *Metrics) ObserveRun(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(outcome).Inc()
	m.RunDuration.Observe(d.Seconds())
}

func (m *Metrics) IncNavigation(result string) {
	if m == nil {
		return
	}
	m.NavigationsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) IncRetries() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}

func (m *Metrics) AddProducts(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ProductsCollectedTotal.Add(float64(n))
}

func (m *Metrics) IncDetection() {
	if m == nil {
		return
	}
	m.DetectionsTotal.Inc()
}

func (m *Metrics) IncMemoryPause() {
	if m == nil {
		return
	}
	m.MemoryPausesTotal.Inc()
}

func (m *Metrics) IncError(errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}

// SetProxyStats mirrors the pool counters into the gauges.
func (m *Metrics) SetProxyStats(stats proxy.Stats) {
	if m == nil {
		return
	}
	m.ProxiesAvailable.Set(float64(stats.Available))
	m.ProxiesBlocked.Set(float64(stats.Blocked))
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arkheioncorp/didin-facil/internal/database"
	"github.com/arkheioncorp/didin-facil/internal/scraper"
)

const (
	pendingWarnThreshold     = 1000
	deadLetterErrorThreshold = 100
)

// OutboxCounter reports outbox events per status for the health check.
type OutboxCounter interface {
	CountByStatus(ctx context.Context) (map[string]int64, error)
}

type Config struct {
	Addr           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	RequestTimeout time.Duration
	RateLimit      float64
	RateBurst      int
	AllowedOrigins []string
}

type Server struct {
	cfg        Config
	runner     *Runner
	metrics    *scraper.Metrics
	outbox     OutboxCounter
	logger     *slog.Logger
	router     chi.Router
	httpServer *http.Server
}

// NewServer wires the HTTP surface around a Runner. metrics and outbox are
// optional.
func NewServer(cfg Config, runner *Runner, metrics *scraper.Metrics, outbox OutboxCounter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}

	s := &Server{
		cfg:     cfg,
		runner:  runner,
		metrics: metrics,
		outbox:  outbox,
		logger:  logger.With("component", "api"),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.cfg.RequestTimeout))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		if s.cfg.RateLimit > 0 {
			r.Use(NewRateLimiter(s.cfg.RateLimit, s.cfg.RateBurst).Middleware)
		}

		r.Route("/scraper", func(r chi.Router) {
			r.Post("/start", s.handleStart)
			r.Post("/stop", s.handleStop)
			r.Get("/status", s.handleStatus)
			r.Get("/last-run", s.handleLastRun)
		})

		r.Get("/proxies/stats", s.handleProxyStats)
	})

	s.router = r
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("server starting", "addr", s.cfg.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains HTTP connections, then stops any in-flight run.
func (s *Server) Shutdown(ctx context.Context) error {
	var httpErr error
	if s.httpServer != nil {
		httpErr = s.httpServer.Shutdown(ctx)
	}
	runErr := s.runner.Shutdown(ctx)
	return errors.Join(httpErr, runErr)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":  "ok",
		"running": s.runner.Status().IsRunning,
	}
	status := http.StatusOK

	if s.outbox != nil {
		counts, err := s.outbox.CountByStatus(r.Context())
		if err != nil {
			s.logger.Error("failed to count outbox events", "error", err)
			health["status"] = "error"
			health["message"] = "outbox unavailable"
			respondJSON(w, http.StatusServiceUnavailable, health)
			return
		}

		pending := counts[database.OutboxStatusPending]
		deadLetter := counts[database.OutboxStatusDeadLetter]
		health["outbox"] = map[string]interface{}{
			"pending":     pending,
			"dead_letter": deadLetter,
		}

		if pending > pendingWarnThreshold {
			health["status"] = "warning"
			health["message"] = "high number of pending outbox events"
		}
		if deadLetter > deadLetterErrorThreshold {
			health["status"] = "error"
			health["message"] = "high number of dead letter events"
			status = http.StatusServiceUnavailable
		}
	}

	respondJSON(w, status, health)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.MaxProducts < 0 {
		respondError(w, http.StatusBadRequest, "max_products must not be negative")
		return
	}

	if err := s.runner.Start(req); err != nil {
		if errors.Is(err, scraper.ErrAlreadyRunning) {
			respondError(w, http.StatusConflict, "scraper already running")
			return
		}
		s.logger.Error("failed to start scraper", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to start scraper")
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]string{"message": "scraper started"})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if !s.runner.Stop() {
		respondError(w, http.StatusConflict, "scraper not running")
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"message": "stop requested"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.runner.Status())
}

func (s *Server) handleLastRun(w http.ResponseWriter, r *http.Request) {
	last := s.runner.LastResult()
	if last == nil {
		respondError(w, http.StatusNotFound, "no finished run")
		return
	}
	respondJSON(w, http.StatusOK, last)
}

func (s *Server) handleProxyStats(w http.ResponseWriter, r *http.Request) {
	stats, ok := s.runner.ProxyStats()
	if !ok {
		respondJSON(w, http.StatusOK, map[string]interface{}{"enabled": false})
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"enabled": true,
		"stats":   stats,
	})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Default().Error("failed to encode response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"rolloutd/internal/engine"
	"rolloutd/internal/ledger"
	"rolloutd/internal/store"
	"rolloutd/internal/trigger"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	// HTTP server timeouts
	HTTPReadTimeout  = 10 * time.Second
	HTTPWriteTimeout = 10 * time.Second
	HTTPIdleTimeout  = 60 * time.Second

	// Request timeout for middleware
	RequestTimeout = 60 * time.Second

	// Rate limiting - requests per minute
	GlobalRateLimit  = 120
	TriggerRateLimit = 10
)

// Server exposes the execution engine over HTTP.
type Server struct {
	Engine     *engine.Engine
	Dispatcher *trigger.Dispatcher
	Store      *store.Store
	Ledger     *ledger.Ledger
	Logger     *slog.Logger
	TestMode   bool

	httpServer *http.Server
}

// NewServer creates a new server instance
func NewServer(eng *engine.Engine, disp *trigger.Dispatcher, st *store.Store, led *ledger.Ledger, logger *slog.Logger, testMode bool) *Server {
	return &Server{
		Engine:     eng,
		Dispatcher: disp,
		Store:      st,
		Ledger:     led,
		Logger:     logger,
		TestMode:   testMode,
	}
}

// Router creates and configures the HTTP router
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(RequestTimeout))

	// Logging middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				s.Logger.Info("http_request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"duration_ms", time.Since(start).Milliseconds())
			}()

			next.ServeHTTP(ww, r)
		})
	})

	// Rate limiting middleware (only if not in test mode)
	if !s.TestMode {
		r.Use(NewRateLimitMiddleware(GlobalRateLimit, s.Logger))
	}

	// Routes
	r.Get("/health", s.HandleHealth)

	r.Route("/services/{service}", func(r chi.Router) {
		r.Get("/executions", s.HandleListExecutions)
		// Manual triggers get a stricter limit
		if !s.TestMode {
			r.With(NewTriggerRateLimitMiddleware(TriggerRateLimit, s.Logger)).
				Post("/executions", s.HandleTrigger)
		} else {
			r.Post("/executions", s.HandleTrigger)
		}
	})

	r.Route("/executions/{executionID}", func(r chi.Router) {
		r.Get("/", s.HandleGetExecution)
		r.Post("/terminate", s.HandleTerminate)
		r.Get("/audit", s.HandleAudit)
	})

	r.Get("/judgments", s.HandleListJudgments)
	r.Post("/judgments/{executionID}", s.HandleDecide)

	return r
}

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	s.Logger.Info("Starting server", "addr", addr)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  HTTPReadTimeout,
		WriteTimeout: HTTPWriteTimeout,
		IdleTimeout:  HTTPIdleTimeout,
	}

	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting requests, then waits for in-flight pipeline
// executions to suspend or finish.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return err
		}
	}
	s.Engine.Wait()
	return nil
}

// Package server assembles the HTTP surface: routing, middleware, and the
// error envelope every response uses.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/tradeforge/oms/internal/auth"
	"github.com/tradeforge/oms/internal/config"
	"github.com/tradeforge/oms/internal/domain"
	"github.com/tradeforge/oms/internal/metrics"
	"github.com/tradeforge/oms/internal/modules/positions"
)

// RouteRegistrar lets each module mount its own routes.
type RouteRegistrar interface {
	RegisterRoutes(r chi.Router)
}

// HealthChecker is anything readiness should verify.
type HealthChecker interface {
	QuickCheck(ctx context.Context) error
}

// Refresher serves the internal hard-refresh endpoint.
type Refresher interface {
	HardRefresh(ctx context.Context, accountID int64) (bool, error)
}

// UsageReporter serves the internal rate-limit diagnostics endpoint.
type UsageReporter interface {
	Usage(accountID int64) map[string]int
}

// AccountReloader flushes cached account state after upstream changes.
type AccountReloader interface {
	ReloadAccounts(ctx context.Context) error
}

// OrderReconciler re-syncs a single order against the broker.
type OrderReconciler interface {
	ReconcileOrder(ctx context.Context, orderID int64) error
}

// PnLCalculator aggregates an account's book for the internal P&L endpoint.
type PnLCalculator interface {
	Summarize(ctx context.Context, caller domain.Caller, accountID int64) (*positions.Summary, error)
}

// Options bundles the server's collaborators.
type Options struct {
	Config     *config.Config
	Verifier   *auth.Verifier
	Metrics    *metrics.Metrics
	Modules    []RouteRegistrar
	Databases  []HealthChecker
	Refresher  Refresher
	Limiter    UsageReporter
	Reloader   AccountReloader
	Reconciler OrderReconciler
	PnL        PnLCalculator
	Log        zerolog.Logger
}

// Server wraps the HTTP listener.
type Server struct {
	httpServer *http.Server
	log        zerolog.Logger
}

// New builds the router and server.
func New(opts Options) *Server {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(Correlation)
	r.Use(RequestLogger(opts.Log))
	r.Use(Recoverer)
	r.Use(observe(opts.Metrics))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-Request-ID", "traceparent"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Unauthenticated surface.
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", readiness(opts.Databases))
	r.Handle("/metrics", opts.Metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Authenticated API surface.
		r.Group(func(r chi.Router) {
			r.Use(Authenticate(opts.Verifier))
			for _, m := range opts.Modules {
				m.RegisterRoutes(r)
			}
		})

		// Service-to-service surface.
		r.Route("/internal", func(r chi.Router) {
			r.Use(InternalOnly(opts.Config.InternalAPIKey))
			r.Post("/reload-accounts", reloadAccounts(opts.Reloader))
			r.Post("/reconcile/{orderID}", reconcileOrder(opts.Reconciler))
			r.Post("/pnl/calculate", calculatePnL(opts.PnL))
			r.Post("/accounts/{accountID}/refresh", hardRefresh(opts.Refresher))
			r.Get("/accounts/{accountID}/limits", limitUsage(opts.Limiter))
		})
	})

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		RespondError(w, req, &domain.Error{
			Code: domain.CodeNotFound, Status: http.StatusNotFound, Message: "route not found",
		})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		RespondError(w, req, &domain.Error{
			Code: domain.CodeMethodNotAllowed, Status: http.StatusMethodNotAllowed, Message: "method not allowed",
		})
	})

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", opts.Config.Port),
			Handler:      r,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second, // broker calls can take up to 30s
			IdleTimeout:  120 * time.Second,
		},
		log: opts.Log.With().Str("component", "server").Logger(),
	}
}

// Start blocks serving until shutdown.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.httpServer.Addr).Msg("http server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func readiness(dbs []HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		for _, db := range dbs {
			if err := db.QuickCheck(ctx); err != nil {
				RespondError(w, r, domain.UpstreamUnavailable("database", err))
				return
			}
		}
		RespondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func reloadAccounts(reloader AccountReloader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := reloader.ReloadAccounts(r.Context()); err != nil {
			RespondError(w, r, err)
			return
		}
		RespondJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
	}
}

func reconcileOrder(rec OrderReconciler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orderID, err := strconv.ParseInt(chi.URLParam(r, "orderID"), 10, 64)
		if err != nil || orderID <= 0 {
			RespondError(w, r, domain.ValidationError("invalid order id"))
			return
		}
		if err := rec.ReconcileOrder(r.Context(), orderID); err != nil {
			RespondError(w, r, err)
			return
		}
		RespondJSON(w, http.StatusOK, map[string]string{"status": "reconciled"})
	}
}

func calculatePnL(calc PnLCalculator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			TradingAccountID int64 `json:"trading_account_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TradingAccountID <= 0 {
			RespondError(w, r, domain.ValidationError("trading_account_id is required"))
			return
		}

		summary, err := calc.Summarize(r.Context(), domain.SystemCaller("internal_api"), req.TradingAccountID)
		if err != nil {
			RespondError(w, r, err)
			return
		}
		RespondJSON(w, http.StatusOK, summary)
	}
}

func hardRefresh(refresher Refresher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID, err := strconv.ParseInt(chi.URLParam(r, "accountID"), 10, 64)
		if err != nil || accountID <= 0 {
			RespondError(w, r, domain.ValidationError("invalid account id"))
			return
		}

		ran, err := refresher.HardRefresh(r.Context(), accountID)
		if err != nil {
			RespondError(w, r, err)
			return
		}
		if !ran {
			RespondError(w, r, domain.RateLimited("hard refresh", 30*time.Second))
			return
		}
		RespondJSON(w, http.StatusOK, map[string]string{"status": "refreshed"})
	}
}

func limitUsage(limiter UsageReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID, err := strconv.ParseInt(chi.URLParam(r, "accountID"), 10, 64)
		if err != nil || accountID <= 0 {
			RespondError(w, r, domain.ValidationError("invalid account id"))
			return
		}
		RespondJSON(w, http.StatusOK, limiter.Usage(accountID))
	}
}

// observe wires the metrics middleware around every request.
func observe(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := chi.RouteContext(r.Context()).RoutePattern()
			if route == "" {
				route = "unmatched"
			}
			m.ObserveHTTP(route, ww.Status(), time.Since(start))
		})
	}
}

package http

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sheikh-saqib/iolta-trust-ledger/internal/iolta"
	"github.com/sheikh-saqib/iolta-trust-ledger/internal/logger"
	"github.com/sheikh-saqib/iolta-trust-ledger/internal/reconciliation"
	"go.uber.org/zap"
)

// HealthChecker reports whether a backing dependency is reachable.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	service  *iolta.Service
	reporter *reconciliation.Reporter
	health   HealthChecker
	log      *zap.Logger
}

type Option func(*Handler)

func WithHealthChecker(c HealthChecker) Option {
	return func(h *Handler) { h.health = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(h *Handler) { h.log = logger.OrNop(l) }
}

func NewHandler(service *iolta.Service, reporter *reconciliation.Reporter, opts ...Option) *Handler {
	h := &Handler{service: service, reporter: reporter, log: zap.NewNop()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func NewRouter(handler *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(handler.log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", handler.healthCheck)

	r.Route("/trust-accounts", func(r chi.Router) {
		r.Post("/", handler.createTrustAccount)
		r.Get("/", handler.listTrustAccounts)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", handler.getTrustAccount)
			r.Post("/ledgers", handler.createClientLedger)
			r.Get("/ledgers", handler.listClientLedgers)
			r.Get("/clients/{clientID}/ledger", handler.getClientLedgerByClient)
			r.Get("/reconciliation", handler.reconcile)
			r.Post("/recompute", handler.recompute)
		})
	})

	r.Route("/ledgers/{id}", func(r chi.Router) {
		r.Get("/", handler.getClientLedger)
		r.Post("/close", handler.closeClientLedger)
		r.Post("/transactions", handler.recordTransaction)
		r.Get("/statement", handler.statement)
	})

	return r
}

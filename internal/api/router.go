package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Sharoon166/Newon-sub002/internal/ledger"
	"github.com/Sharoon166/Newon-sub002/pkg/audit"
)

// LedgerService is the slice of the ledger the HTTP layer needs.
type LedgerService interface {
	CreateEntry(ctx context.Context, req ledger.CreateEntryRequest) (*ledger.Entry, error)
	UpdateEntryForDocument(ctx context.Context, t ledger.TransactionType, transactionID string, upd ledger.EntryUpdate) (*ledger.Entry, error)
	DeleteEntryForDocument(ctx context.Context, t ledger.TransactionType, transactionID string) error
	ListCustomerEntries(ctx context.Context, customerID string) ([]ledger.Entry, error)
	GetCustomerSummary(ctx context.Context, customerID string) (*ledger.CustomerSummary, error)
	RankCustomersByBalance(ctx context.Context, positiveOnly bool) ([]ledger.CustomerSummary, error)
	GetGlobalSummary(ctx context.Context) (*ledger.Summary, error)
	RecalculateCustomer(ctx context.Context, customerID string) error
	AuditTrail() []*audit.Record
}

type Dependencies struct {
	Logger *slog.Logger
	Ledger LedgerService

	Auditor      Auditor
	RateLimiter  *RedisTokenBucket
	IPAllowlist  []*net.IPNet
	MaxBodyBytes int64
}

func NewRouter(deps Dependencies) (http.Handler, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	createV, err := NewJSONSchemaValidator(createEntrySchema)
	if err != nil {
		return nil, err
	}
	updateV, err := NewJSONSchemaValidator(updateEntrySchema)
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(CorrelationID)
	r.Use(RequestLogger(deps.Logger))
	r.Use(BodySizeLimit(deps.MaxBodyBytes))
	r.Use(IPAllowlist(deps.IPAllowlist))
	if deps.RateLimiter != nil {
		r.Use(RateLimit(deps.RateLimiter))
	}
	if deps.Auditor != nil {
		r.Use(AuditMiddleware(deps.Auditor))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Route("/ledger", func(r chi.Router) {
			r.With(createV.Middleware).Post("/entries", handleCreateEntry(deps))
			r.With(updateV.Middleware).Put("/entries/{transaction_type}/{transaction_id}", handleUpdateEntry(deps))
			r.Delete("/entries/{transaction_type}/{transaction_id}", handleDeleteEntry(deps))

			r.Get("/summary", handleGlobalSummary(deps))
			r.Get("/customers", handleRankCustomers(deps))
			r.Get("/audit", handleAuditTrail(deps))
		})

		r.Route("/customers/{customer_id}", func(r chi.Router) {
			r.Get("/ledger", handleListCustomerEntries(deps))
			r.Get("/summary", handleCustomerSummary(deps))
			r.Post("/recalculate", handleRecalculate(deps))
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not_found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed")
	})

	return r, nil
}

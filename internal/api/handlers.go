package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/Sharoon166/Newon-sub002/internal/documents"
	"github.com/Sharoon166/Newon-sub002/internal/ledger"
	"github.com/Sharoon166/Newon-sub002/pkg/audit"
)

const dateLayout = "2006-01-02"

type createEntryRequest struct {
	CustomerID        string          `json:"customer_id"`
	CustomerName      string          `json:"customer_name"`
	TransactionType   string          `json:"transaction_type"`
	TransactionID     string          `json:"transaction_id"`
	TransactionNumber string          `json:"transaction_number"`
	Date              string          `json:"date"`
	Description       string          `json:"description"`
	Debit             decimal.Decimal `json:"debit"`
	Credit            decimal.Decimal `json:"credit"`
	PaymentMethod     string          `json:"payment_method"`
	Reference         string          `json:"reference"`
	CreatedBy         string          `json:"created_by"`
}

type updateEntryRequest struct {
	Debit         *decimal.Decimal `json:"debit"`
	Credit        *decimal.Decimal `json:"credit"`
	Date          *string          `json:"date"`
	Description   *string          `json:"description"`
	PaymentMethod *string          `json:"payment_method"`
	Reference     *string          `json:"reference"`
}

type entryResponse struct {
	CorrelationID string        `json:"correlation_id"`
	Entry         *ledger.Entry `json:"entry"`
}

type entriesResponse struct {
	CorrelationID string         `json:"correlation_id"`
	CustomerID    string         `json:"customer_id"`
	Entries       []ledger.Entry `json:"entries"`
	Total         int            `json:"total"`
}

type customerSummaryResponse struct {
	CorrelationID string                  `json:"correlation_id"`
	Summary       *ledger.CustomerSummary `json:"summary"`
}

type customersResponse struct {
	CorrelationID string                   `json:"correlation_id"`
	Customers     []ledger.CustomerSummary `json:"customers"`
	Total         int                      `json:"total"`
}

type globalSummaryResponse struct {
	CorrelationID string          `json:"correlation_id"`
	Summary       *ledger.Summary `json:"summary"`
}

type auditTrailResponse struct {
	CorrelationID string          `json:"correlation_id"`
	Records       []*audit.Record `json:"records"`
	ChainValid    bool            `json:"chain_valid"`
}

type actionResponse struct {
	CorrelationID string `json:"correlation_id"`
	Success       bool   `json:"success"`
}

// writeServiceError maps service errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ledger.ErrNotFound), errors.Is(err, documents.ErrDocumentNotFound):
		writeError(w, r, http.StatusNotFound, "not_found")
	case errors.Is(err, ledger.ErrDuplicateTransactionNumber):
		writeError(w, r, http.StatusConflict, "duplicate_transaction_number")
	case errors.Is(err, ledger.ErrCustomerRequired), errors.Is(err, ledger.ErrInvalidAmount):
		writeError(w, r, http.StatusBadRequest, "invalid_request")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal_error")
	}
}

func handleCreateEntry(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createEntryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}

		date, err := time.Parse(dateLayout, req.Date)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "validation_error")
			return
		}

		entry, err := deps.Ledger.CreateEntry(r.Context(), ledger.CreateEntryRequest{
			CustomerID:        req.CustomerID,
			CustomerName:      req.CustomerName,
			TransactionType:   ledger.TransactionType(req.TransactionType),
			TransactionID:     req.TransactionID,
			TransactionNumber: req.TransactionNumber,
			Date:              date,
			Description:       req.Description,
			Debit:             req.Debit,
			Credit:            req.Credit,
			PaymentMethod:     req.PaymentMethod,
			Reference:         req.Reference,
			CreatedBy:         req.CreatedBy,
		})
		if err != nil {
			writeServiceError(w, r, err)
			return
		}

		writeJSON(w, r, http.StatusCreated, entryResponse{
			CorrelationID: CorrelationIDFromContext(r.Context()),
			Entry:         entry,
		})
	}
}

func entryLocator(r *http.Request) (ledger.TransactionType, string, bool) {
	t := ledger.TransactionType(chi.URLParam(r, "transaction_type"))
	id := chi.URLParam(r, "transaction_id")
	if !ledger.IsValidTransactionType(t) || id == "" {
		return "", "", false
	}
	return t, id, true
}

func handleUpdateEntry(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, id, ok := entryLocator(r)
		if !ok {
			writeError(w, r, http.StatusBadRequest, "validation_error")
			return
		}

		var req updateEntryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}

		upd := ledger.EntryUpdate{
			Debit:         req.Debit,
			Credit:        req.Credit,
			Description:   req.Description,
			PaymentMethod: req.PaymentMethod,
			Reference:     req.Reference,
		}
		if req.Date != nil {
			date, err := time.Parse(dateLayout, *req.Date)
			if err != nil {
				writeError(w, r, http.StatusBadRequest, "validation_error")
				return
			}
			upd.Date = &date
		}

		entry, err := deps.Ledger.UpdateEntryForDocument(r.Context(), t, id, upd)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}

		writeJSON(w, r, http.StatusOK, entryResponse{
			CorrelationID: CorrelationIDFromContext(r.Context()),
			Entry:         entry,
		})
	}
}

func handleDeleteEntry(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, id, ok := entryLocator(r)
		if !ok {
			writeError(w, r, http.StatusBadRequest, "validation_error")
			return
		}

		if err := deps.Ledger.DeleteEntryForDocument(r.Context(), t, id); err != nil {
			writeServiceError(w, r, err)
			return
		}

		writeJSON(w, r, http.StatusOK, actionResponse{
			CorrelationID: CorrelationIDFromContext(r.Context()),
			Success:       true,
		})
	}
}

func handleListCustomerEntries(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		customerID := chi.URLParam(r, "customer_id")
		if customerID == "" {
			writeError(w, r, http.StatusBadRequest, "validation_error")
			return
		}

		entries, err := deps.Ledger.ListCustomerEntries(r.Context(), customerID)
		if err != nil {
			deps.Logger.Error("failed to list customer entries", "customer_id", customerID, "error", err)
			entries = []ledger.Entry{}
		}

		writeJSON(w, r, http.StatusOK, entriesResponse{
			CorrelationID: CorrelationIDFromContext(r.Context()),
			CustomerID:    customerID,
			Entries:       entries,
			Total:         len(entries),
		})
	}
}

// Summary reads are advisory dashboard data. On aggregation failure they
// answer with zeroed figures instead of an error, because the caller has no
// compensating action.
func handleCustomerSummary(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		customerID := chi.URLParam(r, "customer_id")
		if customerID == "" {
			writeError(w, r, http.StatusBadRequest, "validation_error")
			return
		}

		summary, err := deps.Ledger.GetCustomerSummary(r.Context(), customerID)
		if err != nil {
			deps.Logger.Error("failed to compute customer summary", "customer_id", customerID, "error", err)
			summary = &ledger.CustomerSummary{
				CustomerID:     customerID,
				TotalDebit:     decimal.Zero,
				TotalCredit:    decimal.Zero,
				CurrentBalance: decimal.Zero,
			}
		}

		writeJSON(w, r, http.StatusOK, customerSummaryResponse{
			CorrelationID: CorrelationIDFromContext(r.Context()),
			Summary:       summary,
		})
	}
}

func handleRankCustomers(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		positiveOnly := false
		if v := r.URL.Query().Get("positive_only"); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				positiveOnly = b
			}
		}

		customers, err := deps.Ledger.RankCustomersByBalance(r.Context(), positiveOnly)
		if err != nil {
			deps.Logger.Error("failed to rank customers", "error", err)
			customers = []ledger.CustomerSummary{}
		}

		writeJSON(w, r, http.StatusOK, customersResponse{
			CorrelationID: CorrelationIDFromContext(r.Context()),
			Customers:     customers,
			Total:         len(customers),
		})
	}
}

func handleGlobalSummary(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		summary, err := deps.Ledger.GetGlobalSummary(r.Context())
		if err != nil {
			deps.Logger.Error("failed to compute global summary", "error", err)
			summary = &ledger.Summary{
				TotalDebit:        decimal.Zero,
				TotalCredit:       decimal.Zero,
				OutstandingTotal:  decimal.Zero,
				MonthInvoiced:     decimal.Zero,
				MonthReceived:     decimal.Zero,
				PrevMonthInvoiced: decimal.Zero,
				PrevMonthReceived: decimal.Zero,
				OverdueAmount:     decimal.Zero,
				GeneratedAt:       time.Now().UTC(),
			}
		}

		writeJSON(w, r, http.StatusOK, globalSummaryResponse{
			CorrelationID: CorrelationIDFromContext(r.Context()),
			Summary:       summary,
		})
	}
}

func handleRecalculate(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		customerID := chi.URLParam(r, "customer_id")
		if customerID == "" {
			writeError(w, r, http.StatusBadRequest, "validation_error")
			return
		}

		if err := deps.Ledger.RecalculateCustomer(r.Context(), customerID); err != nil {
			writeServiceError(w, r, err)
			return
		}

		writeJSON(w, r, http.StatusOK, actionResponse{
			CorrelationID: CorrelationIDFromContext(r.Context()),
			Success:       true,
		})
	}
}

func handleAuditTrail(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		records := deps.Ledger.AuditTrail()
		writeJSON(w, r, http.StatusOK, auditTrailResponse{
			CorrelationID: CorrelationIDFromContext(r.Context()),
			Records:       records,
			ChainValid:    audit.VerifyChain(records),
		})
	}
}

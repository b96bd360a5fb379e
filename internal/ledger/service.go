package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Sharoon166/Newon-sub002/internal/documents"
	"github.com/Sharoon166/Newon-sub002/internal/events"
	"github.com/Sharoon166/Newon-sub002/pkg/audit"
)

// Service is the high-level ledger API used by the invoice, payment and
// expense workflows. It owns validation, the per-operation cancellation
// lookup and same-customer write serialization; balance math lives in the
// Store.
type Service struct {
	store     Store
	docs      documents.Source
	publisher events.Publisher
	trail     *audit.ChainLogger
	logger    *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewService wires a Service. publisher and trail may be nil; logger falls
// back to slog.Default.
func NewService(store Store, docs documents.Source, publisher events.Publisher, trail *audit.ChainLogger, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     store,
		docs:      docs,
		publisher: publisher,
		trail:     trail,
		logger:    logger,
		locks:     make(map[string]*sync.Mutex),
	}
}

// customerLock returns the mutex serializing writes for one customer.
// Mutations read a before-balance and write a delta based on it; two
// concurrent writers for the same customer would both read stale state.
func (s *Service) customerLock(customerID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[customerID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[customerID] = l
	}
	return l
}

// exclusions loads the cancelled-document set. It is fetched fresh for every
// operation; a lookup failure aborts the operation rather than silently
// treating everything as eligible.
func (s *Service) exclusions(ctx context.Context) (Exclusions, error) {
	ids, err := s.docs.CancelledIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load cancelled documents: %w", err)
	}
	return NewExclusions(ids), nil
}

// CreateEntryRequest carries the fields for a new ledger entry.
type CreateEntryRequest struct {
	CustomerID        string          `json:"customer_id"`
	CustomerName      string          `json:"customer_name"`
	TransactionType   TransactionType `json:"transaction_type"`
	TransactionID     string          `json:"transaction_id"`
	TransactionNumber string          `json:"transaction_number"`
	Date              time.Time       `json:"date"`
	Description       string          `json:"description"`
	Debit             decimal.Decimal `json:"debit"`
	Credit            decimal.Decimal `json:"credit"`
	PaymentMethod     string          `json:"payment_method"`
	Reference         string          `json:"reference"`
	CreatedBy         string          `json:"created_by"`
}

func (r *CreateEntryRequest) validate() error {
	if r.CustomerID == "" {
		return ErrCustomerRequired
	}
	if !IsValidTransactionType(r.TransactionType) {
		return fmt.Errorf("%w: unknown transaction type %q", ErrInvalidAmount, r.TransactionType)
	}
	if r.Debit.IsNegative() || r.Credit.IsNegative() {
		return fmt.Errorf("%w: debit and credit must be non-negative", ErrInvalidAmount)
	}
	if r.Debit.IsPositive() == r.Credit.IsPositive() {
		return fmt.Errorf("%w: exactly one of debit or credit must be positive", ErrInvalidAmount)
	}
	if r.Date.IsZero() {
		return fmt.Errorf("%w: date is required", ErrInvalidAmount)
	}
	return nil
}

// CreateEntry validates and persists a new entry, assigning its id, creation
// instant and running balance. Payment entries without a transaction number
// get the next one from the payment sequence.
func (s *Service) CreateEntry(ctx context.Context, req CreateEntryRequest) (*Entry, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	if req.TransactionNumber == "" {
		if req.TransactionType != TransactionPayment {
			return nil, fmt.Errorf("%w: transaction number is required", ErrInvalidAmount)
		}
		// The sequence is scoped to the invoice being settled so a second
		// payment on the same invoice gets the next number, not a clash.
		docID := req.Reference
		if docID == "" {
			docID = req.TransactionID
		}
		if docID == "" {
			return nil, fmt.Errorf("%w: transaction number is required for unlinked payments", ErrInvalidAmount)
		}
		n, err := s.docs.NextPaymentSequence(ctx, docID)
		if err != nil {
			return nil, fmt.Errorf("failed to assign payment number: %w", err)
		}
		req.TransactionNumber = fmt.Sprintf("PAY-%s-%02d", docID, n)
	}

	e := &Entry{
		ID:                uuid.New().String(),
		CustomerID:        req.CustomerID,
		CustomerName:      req.CustomerName,
		TransactionType:   req.TransactionType,
		TransactionID:     req.TransactionID,
		TransactionNumber: req.TransactionNumber,
		Date:              req.Date,
		Description:       req.Description,
		Debit:             req.Debit,
		Credit:            req.Credit,
		PaymentMethod:     req.PaymentMethod,
		Reference:         req.Reference,
		CreatedBy:         req.CreatedBy,
		CreatedAt:         time.Now().UTC(),
	}

	lock := s.customerLock(e.CustomerID)
	lock.Lock()
	defer lock.Unlock()

	// Fetched under the lock so the set cannot predate a concurrent
	// same-customer mutation.
	excluded, err := s.exclusions(ctx)
	if err != nil {
		return nil, err
	}

	if err := s.store.CreateEntry(ctx, e, excluded); err != nil {
		return nil, err
	}

	s.record(events.ActionCreated, e)
	s.publish(ctx, events.ActionCreated, e)
	s.logger.InfoContext(ctx, "ledger entry created",
		"entry_id", e.ID,
		"customer_id", e.CustomerID,
		"transaction_type", e.TransactionType,
		"transaction_number", e.TransactionNumber,
	)
	return e, nil
}

// EntryUpdate carries the amendable fields of an entry. Nil fields keep the
// stored value.
type EntryUpdate struct {
	Debit         *decimal.Decimal `json:"debit"`
	Credit        *decimal.Decimal `json:"credit"`
	Date          *time.Time       `json:"date"`
	Description   *string          `json:"description"`
	PaymentMethod *string          `json:"payment_method"`
	Reference     *string          `json:"reference"`
}

// UpdateEntryForDocument amends the entry written for a source document.
// Callers address entries by document because internal ids never leave the
// ledger. A payment amendment that would push the source invoice past fully
// paid is rejected before any write.
func (s *Service) UpdateEntryForDocument(ctx context.Context, t TransactionType, transactionID string, upd EntryUpdate) (*Entry, error) {
	e, err := s.store.EntryByDocument(ctx, t, transactionID)
	if err != nil {
		return nil, err
	}

	lock := s.customerLock(e.CustomerID)
	lock.Lock()
	defer lock.Unlock()

	// Reload under the lock; a concurrent amendment may have landed first.
	e, err = s.store.EntryByID(ctx, e.ID)
	if err != nil {
		return nil, err
	}

	oldDelta := e.Delta()
	oldDate := e.Date

	if upd.Debit != nil {
		if upd.Debit.IsNegative() {
			return nil, fmt.Errorf("%w: debit must be non-negative", ErrInvalidAmount)
		}
		e.Debit = *upd.Debit
	}
	if upd.Credit != nil {
		if upd.Credit.IsNegative() {
			return nil, fmt.Errorf("%w: credit must be non-negative", ErrInvalidAmount)
		}
		e.Credit = *upd.Credit
	}
	if upd.Date != nil {
		e.Date = *upd.Date
	}
	if upd.Description != nil {
		e.Description = *upd.Description
	}
	if upd.PaymentMethod != nil {
		e.PaymentMethod = *upd.PaymentMethod
	}
	if upd.Reference != nil {
		e.Reference = *upd.Reference
	}

	if e.TransactionType == TransactionPayment && upd.Credit != nil {
		if err := s.guardOverpayment(ctx, e, oldDelta.Neg()); err != nil {
			return nil, err
		}
	}

	excluded, err := s.exclusions(ctx)
	if err != nil {
		return nil, err
	}

	dateChanged := !e.Date.Equal(oldDate)
	if err := s.store.UpdateEntry(ctx, e, oldDelta, dateChanged, excluded); err != nil {
		return nil, err
	}

	s.record(events.ActionUpdated, e)
	s.publish(ctx, events.ActionUpdated, e)
	s.logger.InfoContext(ctx, "ledger entry updated",
		"entry_id", e.ID,
		"customer_id", e.CustomerID,
		"date_changed", dateChanged,
	)
	return e, nil
}

// guardOverpayment rejects a payment amendment that would make the invoice's
// paid total exceed its amount. Payment entries carry the invoice id in
// Reference; entries without one have no invoice to check against.
func (s *Service) guardOverpayment(ctx context.Context, e *Entry, oldCredit decimal.Decimal) error {
	if e.Reference == "" {
		return nil
	}
	inv, err := s.docs.Document(ctx, documents.KindInvoice, e.Reference)
	if err != nil {
		return fmt.Errorf("failed to check invoice for payment update: %w", err)
	}
	newPaid := inv.PaidTotal.Sub(oldCredit).Add(e.Credit)
	if newPaid.GreaterThan(inv.Total) {
		return fmt.Errorf("%w: payment of %s would exceed invoice total %s",
			ErrInvalidAmount, e.Credit.String(), inv.Total.String())
	}
	return nil
}

// DeleteEntryForDocument removes the entry written for a source document and
// folds its delta out of every later balance.
func (s *Service) DeleteEntryForDocument(ctx context.Context, t TransactionType, transactionID string) error {
	e, err := s.store.EntryByDocument(ctx, t, transactionID)
	if err != nil {
		return err
	}

	lock := s.customerLock(e.CustomerID)
	lock.Lock()
	defer lock.Unlock()

	excluded, err := s.exclusions(ctx)
	if err != nil {
		return err
	}
	if err := s.store.DeleteEntry(ctx, e.ID, excluded); err != nil {
		return err
	}

	s.record(events.ActionDeleted, e)
	s.publish(ctx, events.ActionDeleted, e)
	s.logger.InfoContext(ctx, "ledger entry deleted",
		"entry_id", e.ID,
		"customer_id", e.CustomerID,
		"transaction_type", e.TransactionType,
	)
	return nil
}

// ListCustomerEntries returns the customer's eligible entries newest first,
// the display order of the ledger view.
func (s *Service) ListCustomerEntries(ctx context.Context, customerID string) ([]Entry, error) {
	if customerID == "" {
		return nil, ErrCustomerRequired
	}
	excluded, err := s.exclusions(ctx)
	if err != nil {
		return nil, err
	}
	entries, err := s.store.EntriesByCustomer(ctx, customerID, excluded)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// GetCustomerSummary aggregates one customer's eligible entries.
func (s *Service) GetCustomerSummary(ctx context.Context, customerID string) (*CustomerSummary, error) {
	if customerID == "" {
		return nil, ErrCustomerRequired
	}
	excluded, err := s.exclusions(ctx)
	if err != nil {
		return nil, err
	}
	return s.store.CustomerTotals(ctx, customerID, excluded)
}

// RankCustomersByBalance returns per-customer summaries ordered by current
// balance descending. With positiveOnly set, customers who owe nothing are
// dropped.
func (s *Service) RankCustomersByBalance(ctx context.Context, positiveOnly bool) ([]CustomerSummary, error) {
	excluded, err := s.exclusions(ctx)
	if err != nil {
		return nil, err
	}
	summaries, err := s.store.AllCustomerTotals(ctx, excluded)
	if err != nil {
		return nil, err
	}
	if !positiveOnly {
		return summaries, nil
	}
	out := summaries[:0]
	for _, cs := range summaries {
		if cs.CurrentBalance.IsPositive() {
			out = append(out, cs)
		}
	}
	return out, nil
}

// GetGlobalSummary aggregates across all customers with month-to-date and
// previous-month trend figures, plus the overdue amount sourced from unpaid
// past-due invoices.
func (s *Service) GetGlobalSummary(ctx context.Context) (*Summary, error) {
	excluded, err := s.exclusions(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	prevStart := monthStart.AddDate(0, -1, 0)

	totalDebit, totalCredit, err := s.store.TotalsBetween(ctx, time.Time{}, now.AddDate(100, 0, 0), excluded)
	if err != nil {
		return nil, err
	}
	monthDebit, monthCredit, err := s.store.TotalsBetween(ctx, monthStart, now.AddDate(0, 0, 1), excluded)
	if err != nil {
		return nil, err
	}
	prevDebit, prevCredit, err := s.store.TotalsBetween(ctx, prevStart, monthStart, excluded)
	if err != nil {
		return nil, err
	}
	overdue, err := s.docs.OverdueOutstanding(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("failed to load overdue amount: %w", err)
	}

	return &Summary{
		TotalDebit:        totalDebit,
		TotalCredit:       totalCredit,
		OutstandingTotal:  totalDebit.Sub(totalCredit),
		MonthInvoiced:     monthDebit,
		MonthReceived:     monthCredit,
		PrevMonthInvoiced: prevDebit,
		PrevMonthReceived: prevCredit,
		InvoicedTrend:     TrendPercent(monthDebit, prevDebit),
		ReceivedTrend:     TrendPercent(monthCredit, prevCredit),
		OverdueAmount:     overdue,
		GeneratedAt:       now,
	}, nil
}

// RecalculateCustomer rebuilds the customer's cached balances from scratch.
// This is the repair path after documents get cancelled outside the ledger,
// which leaves stored balances stale until the next rebuild.
func (s *Service) RecalculateCustomer(ctx context.Context, customerID string) error {
	if customerID == "" {
		return ErrCustomerRequired
	}
	excluded, err := s.exclusions(ctx)
	if err != nil {
		return err
	}

	lock := s.customerLock(customerID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.store.RebuildCustomerBalances(ctx, customerID, excluded); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "customer balances rebuilt", "customer_id", customerID)
	return nil
}

// AuditTrail returns the hash-chained mutation records, oldest first.
func (s *Service) AuditTrail() []*audit.Record {
	if s.trail == nil {
		return nil
	}
	return s.trail.Records()
}

func (s *Service) record(action string, e *Entry) {
	if s.trail == nil {
		return
	}
	s.trail.Append(fmt.Sprintf("%s entry=%s customer=%s type=%s number=%s debit=%s credit=%s",
		action, e.ID, e.CustomerID, e.TransactionType, e.TransactionNumber,
		e.Debit.String(), e.Credit.String()))
}

func (s *Service) publish(ctx context.Context, action string, e *Entry) {
	if s.publisher == nil {
		return
	}
	ev := events.EntryEvent{
		Action:          action,
		EntryID:         e.ID,
		CustomerID:      e.CustomerID,
		TransactionType: string(e.TransactionType),
		TransactionID:   e.TransactionID,
		OccurredAt:      time.Now().UTC(),
	}
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.WarnContext(ctx, "failed to publish entry event",
			"action", action, "entry_id", e.ID, "error", err)
	}
}

package ledger

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType classifies the business document behind a ledger entry.
type TransactionType string

const (
	TransactionInvoice    TransactionType = "invoice"
	TransactionPayment    TransactionType = "payment"
	TransactionAdjustment TransactionType = "adjustment"
	TransactionCreditNote TransactionType = "credit_note"
	TransactionDebitNote  TransactionType = "debit_note"
)

// IsValidTransactionType reports whether t is one of the known types.
func IsValidTransactionType(t TransactionType) bool {
	switch t {
	case TransactionInvoice, TransactionPayment, TransactionAdjustment,
		TransactionCreditNote, TransactionDebitNote:
		return true
	}
	return false
}

var (
	ErrNotFound                   = errors.New("ledger entry not found")
	ErrCustomerRequired           = errors.New("customer id is required")
	ErrInvalidAmount              = errors.New("invalid amount")
	ErrDuplicateTransactionNumber = errors.New("duplicate transaction number for customer")
)

// Entry is one row in a customer's ledger. Debit increases what the customer
// owes, credit decreases it. Balance is the cached running total up to and
// including this entry in (Date, CreatedAt) order and is maintained by the
// store, never by callers.
type Entry struct {
	ID                string          `json:"id"`
	CustomerID        string          `json:"customer_id"`
	CustomerName      string          `json:"customer_name"`
	TransactionType   TransactionType `json:"transaction_type"`
	TransactionID     string          `json:"transaction_id,omitempty"`
	TransactionNumber string          `json:"transaction_number"`
	Date              time.Time       `json:"date"`
	Description       string          `json:"description"`
	Debit             decimal.Decimal `json:"debit"`
	Credit            decimal.Decimal `json:"credit"`
	Balance           decimal.Decimal `json:"balance"`
	PaymentMethod     string          `json:"payment_method,omitempty"`
	Reference         string          `json:"reference,omitempty"`
	CreatedBy         string          `json:"created_by"`
	CreatedAt         time.Time       `json:"created_at"`
}

// Delta is the entry's contribution to the running balance.
func (e *Entry) Delta() decimal.Decimal {
	return e.Debit.Sub(e.Credit)
}

// Before reports whether e is strictly before (date, createdAt) in canonical
// order: Date ascending, CreatedAt ascending as the tie-break.
func (e *Entry) Before(date, createdAt time.Time) bool {
	if !e.Date.Equal(date) {
		return e.Date.Before(date)
	}
	return e.CreatedAt.Before(createdAt)
}

// After reports whether e is strictly after (date, createdAt) in canonical
// order.
func (e *Entry) After(date, createdAt time.Time) bool {
	if !e.Date.Equal(date) {
		return e.Date.After(date)
	}
	return e.CreatedAt.After(createdAt)
}

// Exclusions is the set of cancelled source-document ids for one balance
// calculation. It is computed fresh per operation; callers must never cache
// it across requests because cancellation is an external state change.
type Exclusions map[string]struct{}

// NewExclusions builds an exclusion set from cancelled document ids.
func NewExclusions(ids []string) Exclusions {
	x := make(Exclusions, len(ids))
	for _, id := range ids {
		x[id] = struct{}{}
	}
	return x
}

// Excludes reports whether the entry must be left out of balance math.
// Only invoice and payment entries can be excluded, and only when their
// source document is in the cancelled set. Excluded entries stay stored
// for the audit trail.
func (x Exclusions) Excludes(e *Entry) bool {
	if e.TransactionType != TransactionInvoice && e.TransactionType != TransactionPayment {
		return false
	}
	if e.TransactionID == "" {
		return false
	}
	_, cancelled := x[e.TransactionID]
	return cancelled
}

// IDs returns the cancelled document ids, for pushing the filter into SQL.
func (x Exclusions) IDs() []string {
	ids := make([]string, 0, len(x))
	for id := range x {
		ids = append(ids, id)
	}
	return ids
}

// CustomerSummary aggregates all eligible entries for one customer.
type CustomerSummary struct {
	CustomerID          string          `json:"customer_id"`
	CustomerName        string          `json:"customer_name"`
	TotalDebit          decimal.Decimal `json:"total_debit"`
	TotalCredit         decimal.Decimal `json:"total_credit"`
	CurrentBalance      decimal.Decimal `json:"current_balance"`
	LastTransactionDate *time.Time      `json:"last_transaction_date,omitempty"`
}

// Summary aggregates across all customers for period-over-period reporting.
// Overdue is sourced from unpaid past-due documents, not from ledger rows.
type Summary struct {
	TotalDebit        decimal.Decimal `json:"total_debit"`
	TotalCredit       decimal.Decimal `json:"total_credit"`
	OutstandingTotal  decimal.Decimal `json:"outstanding_total"`
	MonthInvoiced     decimal.Decimal `json:"month_invoiced"`
	MonthReceived     decimal.Decimal `json:"month_received"`
	PrevMonthInvoiced decimal.Decimal `json:"prev_month_invoiced"`
	PrevMonthReceived decimal.Decimal `json:"prev_month_received"`
	InvoicedTrend     float64         `json:"invoiced_trend"`
	ReceivedTrend     float64         `json:"received_trend"`
	OverdueAmount     decimal.Decimal `json:"overdue_amount"`
	GeneratedAt       time.Time       `json:"generated_at"`
}

// TrendPercent is the period-over-period change in percent. A zero previous
// period yields 100 when the current period is positive and 0 otherwise;
// the asymmetry at that boundary is intentional.
func TrendPercent(current, previous decimal.Decimal) float64 {
	if previous.IsZero() {
		if current.IsPositive() {
			return 100
		}
		return 0
	}
	ratio, _ := current.Sub(previous).Div(previous).Mul(decimal.NewFromInt(100)).Float64()
	return ratio
}

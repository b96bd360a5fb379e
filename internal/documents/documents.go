// Package documents reads the invoice and payment records the ledger entries
// are written for. The ledger never owns these tables; it asks this package
// for cancellation state, totals and sequence numbers at the moment it needs
// them.
package documents

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Document kinds mirrored from the business tables.
const (
	KindInvoice = "invoice"
	KindPayment = "payment"
)

// Statuses the ledger cares about. Anything cancelled drops out of balance
// math; everything else stays eligible.
const (
	StatusCancelled = "cancelled"
	StatusPaid      = "paid"
)

// ErrDocumentNotFound is returned when a referenced document does not exist.
var ErrDocumentNotFound = errors.New("document not found")

// Document is the slice of a business record the ledger consults before
// writing or amending an entry.
type Document struct {
	ID        string
	Kind      string
	Status    string
	Total     decimal.Decimal
	PaidTotal decimal.Decimal
	DueDate   *time.Time
}

// Cancelled reports whether the document has been voided.
func (d *Document) Cancelled() bool {
	return d.Status == StatusCancelled
}

// Source exposes the document state the ledger depends on. Every method hits
// the backing tables fresh; results must not be cached between ledger
// operations because cancellation happens outside the ledger's control.
type Source interface {
	// CancelledIDs returns the ids of all cancelled invoices and payments.
	CancelledIDs(ctx context.Context) ([]string, error)

	// Document loads one record by kind and id.
	Document(ctx context.Context, kind, id string) (*Document, error)

	// OverdueOutstanding sums the unpaid remainder of invoices whose due
	// date has passed as of the given instant.
	OverdueOutstanding(ctx context.Context, asOf time.Time) (decimal.Decimal, error)

	// NextPaymentSequence reserves the next sequence number for payments
	// recorded against one document, so several payments on the same
	// invoice get distinct transaction numbers.
	NextPaymentSequence(ctx context.Context, documentID string) (int64, error)
}

package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Sharoon166/Newon-sub002/internal/documents"
)

// Validator runs the offline consistency sweep over the whole ledger. It
// detects what the write path cannot reject up front: stored balances that
// drifted from recomputation, duplicate numbering that predates the unique
// constraint, and entries left behind by cancelled or deleted documents.
type Validator struct {
	store Store
	docs  documents.Source
}

// NewValidator creates a validator over the given store and document source.
func NewValidator(store Store, docs documents.Source) *Validator {
	return &Validator{store: store, docs: docs}
}

// ValidationResult is one finding of the sweep.
type ValidationResult struct {
	IsValid        bool           `json:"is_valid"`
	ValidationType string         `json:"validation_type"`
	Message        string         `json:"message"`
	CustomerID     string         `json:"customer_id,omitempty"`
	EntryID        string         `json:"entry_id,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
	Details        map[string]any `json:"details,omitempty"`
}

// Sweep checks every stored entry. Cancelled-document residue is reported as
// informational because those entries are retained on purpose; everything
// else flagged invalid is a real integrity violation.
func (v *Validator) Sweep(ctx context.Context) ([]*ValidationResult, error) {
	entries, err := v.store.AllEntries(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load entries for sweep: %w", err)
	}
	ids, err := v.docs.CancelledIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load cancelled documents: %w", err)
	}
	excluded := NewExclusions(ids)

	var results []*ValidationResult
	results = append(results, v.checkDuplicateNumbers(entries)...)
	results = append(results, v.checkBalanceDrift(entries, excluded)...)
	results = append(results, v.checkCancelledResidue(entries, excluded)...)
	results = append(results, v.checkOrphanedEntries(ctx, entries)...)
	results = append(results, v.checkPaymentTotals(ctx, entries, excluded)...)
	return results, nil
}

// HasViolations reports whether any finding is a hard integrity violation.
func HasViolations(results []*ValidationResult) bool {
	for _, r := range results {
		if !r.IsValid {
			return true
		}
	}
	return false
}

func (v *Validator) checkDuplicateNumbers(entries []Entry) []*ValidationResult {
	var results []*ValidationResult
	seen := make(map[string]string, len(entries))
	for i := range entries {
		e := &entries[i]
		key := e.CustomerID + "\x00" + e.TransactionNumber
		if firstID, ok := seen[key]; ok {
			results = append(results, &ValidationResult{
				IsValid:        false,
				ValidationType: "duplicate_transaction_number",
				Message:        fmt.Sprintf("transaction number %q appears more than once for customer", e.TransactionNumber),
				CustomerID:     e.CustomerID,
				EntryID:        e.ID,
				Timestamp:      time.Now().UTC(),
				Details:        map[string]any{"first_entry_id": firstID},
			})
			continue
		}
		seen[key] = e.ID
	}
	return results
}

func (v *Validator) checkBalanceDrift(entries []Entry, excluded Exclusions) []*ValidationResult {
	byCustomer := make(map[string][]Entry)
	for _, e := range entries {
		byCustomer[e.CustomerID] = append(byCustomer[e.CustomerID], e)
	}

	var results []*ValidationResult
	for customerID, partition := range byCustomer {
		expected := runningBalances(partition, excluded)
		for i := range partition {
			e := &partition[i]
			want, ok := expected[e.ID]
			if !ok {
				continue
			}
			if !e.Balance.Equal(want) {
				results = append(results, &ValidationResult{
					IsValid:        false,
					ValidationType: "balance_drift",
					Message:        fmt.Sprintf("stored balance %s does not match recomputed %s", e.Balance, want),
					CustomerID:     customerID,
					EntryID:        e.ID,
					Timestamp:      time.Now().UTC(),
					Details: map[string]any{
						"stored_balance":     e.Balance.String(),
						"recomputed_balance": want.String(),
					},
				})
			}
		}
	}
	return results
}

func (v *Validator) checkCancelledResidue(entries []Entry, excluded Exclusions) []*ValidationResult {
	var results []*ValidationResult
	for i := range entries {
		e := &entries[i]
		if !excluded.Excludes(e) {
			continue
		}
		results = append(results, &ValidationResult{
			IsValid:        true,
			ValidationType: "cancelled_document_residue",
			Message:        "entry references a cancelled document and is excluded from balances",
			CustomerID:     e.CustomerID,
			EntryID:        e.ID,
			Timestamp:      time.Now().UTC(),
			Details:        map[string]any{"transaction_id": e.TransactionID},
		})
	}
	return results
}

// checkOrphanedEntries flags invoice and payment entries whose source
// document no longer exists. Deleting a document is supposed to delete its
// entry in the same workflow; an orphan means that workflow half-applied.
func (v *Validator) checkOrphanedEntries(ctx context.Context, entries []Entry) []*ValidationResult {
	var results []*ValidationResult
	for i := range entries {
		e := &entries[i]
		if e.TransactionID == "" {
			continue
		}
		var kind string
		switch e.TransactionType {
		case TransactionInvoice:
			kind = documents.KindInvoice
		case TransactionPayment:
			kind = documents.KindPayment
		default:
			continue
		}
		_, err := v.docs.Document(ctx, kind, e.TransactionID)
		if errors.Is(err, documents.ErrDocumentNotFound) {
			results = append(results, &ValidationResult{
				IsValid:        false,
				ValidationType: "orphaned_entry",
				Message:        fmt.Sprintf("entry references missing %s %s", kind, e.TransactionID),
				CustomerID:     e.CustomerID,
				EntryID:        e.ID,
				Timestamp:      time.Now().UTC(),
			})
		}
	}
	return results
}

// checkPaymentTotals compares each invoice's recorded paid total against the
// credit sum of the eligible payment entries referencing it. A mismatch means
// a payment was recorded on one side but not the other.
func (v *Validator) checkPaymentTotals(ctx context.Context, entries []Entry, excluded Exclusions) []*ValidationResult {
	type invoiceAgg struct {
		customerID string
		credit     decimal.Decimal
	}
	byInvoice := make(map[string]*invoiceAgg)
	for i := range entries {
		e := &entries[i]
		if e.TransactionType != TransactionPayment || e.Reference == "" || excluded.Excludes(e) {
			continue
		}
		agg, ok := byInvoice[e.Reference]
		if !ok {
			agg = &invoiceAgg{customerID: e.CustomerID, credit: decimal.Zero}
			byInvoice[e.Reference] = agg
		}
		agg.credit = agg.credit.Add(e.Credit)
	}

	var results []*ValidationResult
	for invoiceID, agg := range byInvoice {
		inv, err := v.docs.Document(ctx, documents.KindInvoice, invoiceID)
		if err != nil {
			continue
		}
		if inv.Cancelled() || inv.PaidTotal.Equal(agg.credit) {
			continue
		}
		results = append(results, &ValidationResult{
			IsValid:        false,
			ValidationType: "payment_total_mismatch",
			Message:        fmt.Sprintf("invoice %s records paid total %s but ledger payments sum to %s", invoiceID, inv.PaidTotal, agg.credit),
			CustomerID:     agg.customerID,
			Timestamp:      time.Now().UTC(),
			Details: map[string]any{
				"invoice_id":         invoiceID,
				"invoice_paid_total": inv.PaidTotal.String(),
				"ledger_paid_total":  agg.credit.String(),
			},
		})
	}
	return results
}

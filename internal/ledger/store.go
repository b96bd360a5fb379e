package ledger

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Store is the system of record for ledger entries. Every mutating method is
// atomic: the balance lookup, the row change and the delta propagation to
// later entries either all commit or none do. Implementations scope all
// ordering and balance math to one customer partition.
type Store interface {
	// CreateEntry persists e with its balance computed from the eligible
	// entries strictly before (e.Date, e.CreatedAt) and adds e's delta to
	// the cached balance of every entry ordered after it.
	CreateEntry(ctx context.Context, e *Entry, excluded Exclusions) error

	// UpdateEntry applies e's current field values to the stored row.
	// oldDelta is the debit-credit contribution before the change. When
	// dateChanged is false the net delta is propagated to entries after
	// e's position; when true the entry may have moved in canonical order
	// and the customer's balances are rebuilt from scratch instead.
	UpdateEntry(ctx context.Context, e *Entry, oldDelta decimal.Decimal, dateChanged bool, excluded Exclusions) error

	// DeleteEntry removes the entry and subtracts its delta from every
	// entry ordered after its former position. Entries excluded at delete
	// time contribute nothing to later balances, so no propagation runs
	// for them.
	DeleteEntry(ctx context.Context, id string, excluded Exclusions) error

	// EntryByID returns the entry or ErrNotFound.
	EntryByID(ctx context.Context, id string) (*Entry, error)

	// EntryByDocument locates the entry written for a source document.
	// Collaborators address entries this way; they never see internal ids.
	EntryByDocument(ctx context.Context, t TransactionType, transactionID string) (*Entry, error)

	// EntriesByCustomer returns the customer's eligible entries oldest
	// first.
	EntriesByCustomer(ctx context.Context, customerID string, excluded Exclusions) ([]Entry, error)

	// BalanceBefore sums debit-credit over the customer's eligible entries
	// strictly before (date, createdAt). A nil createdAt compares on date
	// alone, which evaluates a hypothetical insertion point.
	BalanceBefore(ctx context.Context, customerID string, date time.Time, createdAt *time.Time, excluded Exclusions) (decimal.Decimal, error)

	// CustomerTotals aggregates the customer's eligible entries.
	CustomerTotals(ctx context.Context, customerID string, excluded Exclusions) (*CustomerSummary, error)

	// AllCustomerTotals aggregates eligible entries per customer, ordered
	// by current balance descending.
	AllCustomerTotals(ctx context.Context, excluded Exclusions) ([]CustomerSummary, error)

	// TotalsBetween sums eligible debits and credits with a business date
	// in [from, to).
	TotalsBetween(ctx context.Context, from, to time.Time, excluded Exclusions) (debit, credit decimal.Decimal, err error)

	// RebuildCustomerBalances recomputes every cached balance for the
	// customer from scratch in canonical order. Used after an entry moves
	// within the order and as the repair path once documents get cancelled.
	RebuildCustomerBalances(ctx context.Context, customerID string, excluded Exclusions) error

	// AllEntries returns every stored entry, cancelled documents included,
	// for the offline consistency sweep.
	AllEntries(ctx context.Context) ([]Entry, error)
}

// sortCanonical orders entries by (Date, CreatedAt) ascending, the canonical
// per-customer order.
func sortCanonical(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].Date.Equal(entries[j].Date) {
			return entries[i].Date.Before(entries[j].Date)
		}
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
}

// totalsOf aggregates eligible entries belonging to customerID. The reported
// customer name follows the most recently created entry, so renames show up
// without a backfill.
func totalsOf(customerID string, entries []Entry, excluded Exclusions) *CustomerSummary {
	s := &CustomerSummary{
		CustomerID:  customerID,
		TotalDebit:  decimal.Zero,
		TotalCredit: decimal.Zero,
	}
	var last, lastCreated time.Time
	for i := range entries {
		e := &entries[i]
		if e.CustomerID != customerID || excluded.Excludes(e) {
			continue
		}
		s.TotalDebit = s.TotalDebit.Add(e.Debit)
		s.TotalCredit = s.TotalCredit.Add(e.Credit)
		if e.Date.After(last) {
			last = e.Date
		}
		if s.CustomerName == "" || e.CreatedAt.After(lastCreated) {
			s.CustomerName = e.CustomerName
			lastCreated = e.CreatedAt
		}
	}
	s.CurrentBalance = s.TotalDebit.Sub(s.TotalCredit)
	if !last.IsZero() {
		s.LastTransactionDate = &last
	}
	return s
}

// groupTotals aggregates entries per customer, ordered by current balance
// descending.
func groupTotals(entries []Entry, excluded Exclusions) []CustomerSummary {
	seen := make(map[string]struct{})
	var out []CustomerSummary
	for i := range entries {
		id := entries[i].CustomerID
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, *totalsOf(id, entries, excluded))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CurrentBalance.GreaterThan(out[j].CurrentBalance)
	})
	return out
}

// runningBalances returns the expected cached balance per entry id for one
// customer's entries, recomputed from scratch. Excluded entries keep their
// stored value and contribute nothing to the sum.
func runningBalances(entries []Entry, excluded Exclusions) map[string]decimal.Decimal {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sortCanonical(sorted)

	expected := make(map[string]decimal.Decimal, len(sorted))
	running := decimal.Zero
	for i := range sorted {
		e := &sorted[i]
		if excluded.Excludes(e) {
			continue
		}
		running = running.Add(e.Delta())
		expected[e.ID] = running
	}
	return expected
}

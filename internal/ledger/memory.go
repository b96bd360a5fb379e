package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory Store. It backs tests and single-process dev
// setups; the mutex makes every operation atomic, which stands in for the
// SQL stores' transactions.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*Entry)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) CreateEntry(ctx context.Context, e *Entry, excluded Exclusions) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, other := range m.entries {
		if other.CustomerID == e.CustomerID && other.TransactionNumber == e.TransactionNumber {
			return fmt.Errorf("%w: %s", ErrDuplicateTransactionNumber, e.TransactionNumber)
		}
	}

	prev := m.balanceBeforeLocked(e.CustomerID, e.Date, &e.CreatedAt, excluded)
	e.Balance = prev.Add(e.Delta())

	stored := *e
	m.entries[e.ID] = &stored

	// An entry written for an already-cancelled document contributes
	// nothing to later balances.
	if excluded.Excludes(e) {
		return nil
	}
	if delta := e.Delta(); !delta.IsZero() {
		m.propagateLocked(e.CustomerID, e.Date, e.CreatedAt, delta, e.ID)
	}
	return nil
}

func (m *MemoryStore) UpdateEntry(ctx context.Context, e *Entry, oldDelta decimal.Decimal, dateChanged bool, excluded Exclusions) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.entries[e.ID]
	if !ok {
		return ErrNotFound
	}

	*stored = *e

	if dateChanged {
		m.rebuildLocked(e.CustomerID, excluded)
		if rebuilt, ok := m.entries[e.ID]; ok {
			e.Balance = rebuilt.Balance
		}
		return nil
	}

	prev := m.balanceBeforeLocked(e.CustomerID, e.Date, &e.CreatedAt, excluded)
	stored.Balance = prev.Add(e.Delta())
	e.Balance = stored.Balance

	if excluded.Excludes(e) {
		return nil
	}
	if netDelta := e.Delta().Sub(oldDelta); !netDelta.IsZero() {
		m.propagateLocked(e.CustomerID, e.Date, e.CreatedAt, netDelta, e.ID)
	}
	return nil
}

func (m *MemoryStore) DeleteEntry(ctx context.Context, id string, excluded Exclusions) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return ErrNotFound
	}
	delete(m.entries, id)

	if excluded.Excludes(e) {
		return nil
	}
	if delta := e.Delta(); !delta.IsZero() {
		m.propagateLocked(e.CustomerID, e.Date, e.CreatedAt, delta.Neg(), "")
	}
	return nil
}

func (m *MemoryStore) EntryByID(ctx context.Context, id string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) EntryByDocument(ctx context.Context, t TransactionType, transactionID string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.entries {
		if e.TransactionType == t && e.TransactionID == transactionID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) EntriesByCustomer(ctx context.Context, customerID string, excluded Exclusions) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Entry
	for _, e := range m.entries {
		if e.CustomerID == customerID && !excluded.Excludes(e) {
			out = append(out, *e)
		}
	}
	sortCanonical(out)
	return out, nil
}

func (m *MemoryStore) BalanceBefore(ctx context.Context, customerID string, date time.Time, createdAt *time.Time, excluded Exclusions) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balanceBeforeLocked(customerID, date, createdAt, excluded), nil
}

func (m *MemoryStore) CustomerTotals(ctx context.Context, customerID string, excluded Exclusions) (*CustomerSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var all []Entry
	for _, e := range m.entries {
		if e.CustomerID == customerID {
			all = append(all, *e)
		}
	}
	return totalsOf(customerID, all, excluded), nil
}

func (m *MemoryStore) AllCustomerTotals(ctx context.Context, excluded Exclusions) ([]CustomerSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	all := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		all = append(all, *e)
	}
	return groupTotals(all, excluded), nil
}

func (m *MemoryStore) TotalsBetween(ctx context.Context, from, to time.Time, excluded Exclusions) (decimal.Decimal, decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	debit, credit := decimal.Zero, decimal.Zero
	for _, e := range m.entries {
		if excluded.Excludes(e) {
			continue
		}
		if e.Date.Before(from) || !e.Date.Before(to) {
			continue
		}
		debit = debit.Add(e.Debit)
		credit = credit.Add(e.Credit)
	}
	return debit, credit, nil
}

func (m *MemoryStore) RebuildCustomerBalances(ctx context.Context, customerID string, excluded Exclusions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rebuildLocked(customerID, excluded)
	return nil
}

func (m *MemoryStore) AllEntries(ctx context.Context) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, *e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CustomerID != out[j].CustomerID {
			return out[i].CustomerID < out[j].CustomerID
		}
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) balanceBeforeLocked(customerID string, date time.Time, createdAt *time.Time, excluded Exclusions) decimal.Decimal {
	sum := decimal.Zero
	for _, e := range m.entries {
		if e.CustomerID != customerID || excluded.Excludes(e) {
			continue
		}
		if createdAt == nil {
			if e.Date.Before(date) {
				sum = sum.Add(e.Delta())
			}
			continue
		}
		if e.Before(date, *createdAt) {
			sum = sum.Add(e.Delta())
		}
	}
	return sum
}

// propagateLocked adds delta to the cached balance of every entry for the
// customer ordered strictly after (date, createdAt). skipID guards the entry
// being written, which already carries its final balance.
func (m *MemoryStore) propagateLocked(customerID string, date, createdAt time.Time, delta decimal.Decimal, skipID string) {
	for _, e := range m.entries {
		if e.CustomerID != customerID || e.ID == skipID {
			continue
		}
		if e.After(date, createdAt) {
			e.Balance = e.Balance.Add(delta)
		}
	}
}

func (m *MemoryStore) rebuildLocked(customerID string, excluded Exclusions) {
	var all []Entry
	for _, e := range m.entries {
		if e.CustomerID == customerID {
			all = append(all, *e)
		}
	}
	for id, balance := range runningBalances(all, excluded) {
		m.entries[id].Balance = balance
	}
}


package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

// SQLiteStore implements Store on an embedded SQLite database, for
// single-host installs that do not run PostgreSQL. Amounts are stored as
// exact decimal strings and all balance math happens in Go over the loaded
// customer partition; SQLite's single-writer locking makes each mutation
// atomic.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an opened sqlite3 database.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

var _ Store = (*SQLiteStore)(nil)

// Migrate creates the ledger schema.
func (ss *SQLiteStore) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS customer_ledger (
			id TEXT PRIMARY KEY,
			customer_id TEXT NOT NULL,
			customer_name TEXT NOT NULL,
			transaction_type TEXT NOT NULL,
			transaction_id TEXT NOT NULL DEFAULT '',
			transaction_number TEXT NOT NULL,
			date TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			debit TEXT NOT NULL,
			credit TEXT NOT NULL,
			balance TEXT NOT NULL,
			payment_method TEXT NOT NULL DEFAULT '',
			reference TEXT NOT NULL DEFAULT '',
			created_by TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS customer_ledger_customer_number ON customer_ledger (customer_id, transaction_number);`,
		`CREATE INDEX IF NOT EXISTS customer_ledger_customer ON customer_ledger (customer_id);`,
		`CREATE INDEX IF NOT EXISTS customer_ledger_document ON customer_ledger (transaction_type, transaction_id);`,
	}

	for _, stmt := range statements {
		if _, err := ss.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to run ledger migration: %w", err)
		}
	}
	return nil
}

func (ss *SQLiteStore) CreateEntry(ctx context.Context, e *Entry, excluded Exclusions) error {
	tx, err := ss.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	partition, err := ss.customerEntriesTx(ctx, tx, e.CustomerID)
	if err != nil {
		return err
	}

	prev := decimal.Zero
	for i := range partition {
		p := &partition[i]
		if !excluded.Excludes(p) && p.Before(e.Date, e.CreatedAt) {
			prev = prev.Add(p.Delta())
		}
	}
	e.Balance = prev.Add(e.Delta())

	_, err = tx.ExecContext(ctx, `
		INSERT INTO customer_ledger (
			id, customer_id, customer_name, transaction_type, transaction_id,
			transaction_number, date, description, debit, credit, balance,
			payment_method, reference, created_by, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.CustomerID, e.CustomerName, string(e.TransactionType), e.TransactionID,
		e.TransactionNumber, sqliteTime(e.Date), e.Description,
		e.Debit.String(), e.Credit.String(), e.Balance.String(),
		e.PaymentMethod, e.Reference, e.CreatedBy, sqliteTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert ledger entry: %w", sqliteConstraint(err))
	}

	// An entry written for an already-cancelled document contributes
	// nothing to later balances.
	if !excluded.Excludes(e) {
		if delta := e.Delta(); !delta.IsZero() {
			if err := propagateTx(ctx, tx, partition, e.Date, e.CreatedAt, delta); err != nil {
				return err
			}
		}
	}
	return commit(tx)
}

func (ss *SQLiteStore) UpdateEntry(ctx context.Context, e *Entry, oldDelta decimal.Decimal, dateChanged bool, excluded Exclusions) error {
	tx, err := ss.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	partition, err := ss.customerEntriesTx(ctx, tx, e.CustomerID)
	if err != nil {
		return err
	}

	prev := decimal.Zero
	found := false
	for i := range partition {
		p := &partition[i]
		if p.ID == e.ID {
			found = true
			continue
		}
		if !excluded.Excludes(p) && p.Before(e.Date, e.CreatedAt) {
			prev = prev.Add(p.Delta())
		}
	}
	if !found {
		return ErrNotFound
	}
	e.Balance = prev.Add(e.Delta())

	_, err = tx.ExecContext(ctx, `
		UPDATE customer_ledger
		SET date = ?, description = ?, debit = ?, credit = ?, balance = ?,
		    payment_method = ?, reference = ?
		WHERE id = ?
	`, sqliteTime(e.Date), e.Description, e.Debit.String(), e.Credit.String(),
		e.Balance.String(), e.PaymentMethod, e.Reference, e.ID)
	if err != nil {
		return fmt.Errorf("failed to update ledger entry: %w", sqliteConstraint(err))
	}

	if dateChanged {
		if err := ss.rebuildTx(ctx, tx, e, partition, excluded); err != nil {
			return err
		}
		return commit(tx)
	}
	if !excluded.Excludes(e) {
		if netDelta := e.Delta().Sub(oldDelta); !netDelta.IsZero() {
			others := partition[:0]
			for _, p := range partition {
				if p.ID != e.ID {
					others = append(others, p)
				}
			}
			if err := propagateTx(ctx, tx, others, e.Date, e.CreatedAt, netDelta); err != nil {
				return err
			}
		}
	}
	return commit(tx)
}

func (ss *SQLiteStore) DeleteEntry(ctx context.Context, id string, excluded Exclusions) error {
	tx, err := ss.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	e, err := scanSQLiteEntry(tx.QueryRowContext(ctx, sqliteSelectEntry+` WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to load ledger entry: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM customer_ledger WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete ledger entry: %w", err)
	}

	if !excluded.Excludes(e) {
		if delta := e.Delta(); !delta.IsZero() {
			partition, err := ss.customerEntriesTx(ctx, tx, e.CustomerID)
			if err != nil {
				return err
			}
			if err := propagateTx(ctx, tx, partition, e.Date, e.CreatedAt, delta.Neg()); err != nil {
				return err
			}
		}
	}
	return commit(tx)
}

func (ss *SQLiteStore) EntryByID(ctx context.Context, id string) (*Entry, error) {
	e, err := scanSQLiteEntry(ss.db.QueryRowContext(ctx, sqliteSelectEntry+` WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get ledger entry: %w", err)
	}
	return e, nil
}

func (ss *SQLiteStore) EntryByDocument(ctx context.Context, t TransactionType, transactionID string) (*Entry, error) {
	e, err := scanSQLiteEntry(ss.db.QueryRowContext(ctx,
		sqliteSelectEntry+` WHERE transaction_type = ? AND transaction_id = ? ORDER BY created_at DESC LIMIT 1`,
		string(t), transactionID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to locate entry for document: %w", err)
	}
	return e, nil
}

func (ss *SQLiteStore) EntriesByCustomer(ctx context.Context, customerID string, excluded Exclusions) ([]Entry, error) {
	all, err := ss.customerEntries(ctx, customerID)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, e := range all {
		if !excluded.Excludes(&e) {
			out = append(out, e)
		}
	}
	sortCanonical(out)
	return out, nil
}

func (ss *SQLiteStore) BalanceBefore(ctx context.Context, customerID string, date time.Time, createdAt *time.Time, excluded Exclusions) (decimal.Decimal, error) {
	all, err := ss.customerEntries(ctx, customerID)
	if err != nil {
		return decimal.Zero, err
	}
	sum := decimal.Zero
	for i := range all {
		e := &all[i]
		if excluded.Excludes(e) {
			continue
		}
		if createdAt == nil {
			if e.Date.Before(date) {
				sum = sum.Add(e.Delta())
			}
		} else if e.Before(date, *createdAt) {
			sum = sum.Add(e.Delta())
		}
	}
	return sum, nil
}

func (ss *SQLiteStore) CustomerTotals(ctx context.Context, customerID string, excluded Exclusions) (*CustomerSummary, error) {
	all, err := ss.customerEntries(ctx, customerID)
	if err != nil {
		return nil, err
	}
	return totalsOf(customerID, all, excluded), nil
}

func (ss *SQLiteStore) AllCustomerTotals(ctx context.Context, excluded Exclusions) ([]CustomerSummary, error) {
	all, err := ss.AllEntries(ctx)
	if err != nil {
		return nil, err
	}
	return groupTotals(all, excluded), nil
}

func (ss *SQLiteStore) TotalsBetween(ctx context.Context, from, to time.Time, excluded Exclusions) (decimal.Decimal, decimal.Decimal, error) {
	all, err := ss.AllEntries(ctx)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	debit, credit := decimal.Zero, decimal.Zero
	for i := range all {
		e := &all[i]
		if excluded.Excludes(e) || e.Date.Before(from) || !e.Date.Before(to) {
			continue
		}
		debit = debit.Add(e.Debit)
		credit = credit.Add(e.Credit)
	}
	return debit, credit, nil
}

func (ss *SQLiteStore) RebuildCustomerBalances(ctx context.Context, customerID string, excluded Exclusions) error {
	tx, err := ss.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	partition, err := ss.customerEntriesTx(ctx, tx, customerID)
	if err != nil {
		return err
	}
	if err := ss.rebuildTx(ctx, tx, nil, partition, excluded); err != nil {
		return err
	}
	return commit(tx)
}

func (ss *SQLiteStore) AllEntries(ctx context.Context) ([]Entry, error) {
	rows, err := ss.db.QueryContext(ctx, sqliteSelectEntry+` ORDER BY customer_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entries: %w", err)
	}
	defer rows.Close()
	return collectSQLiteEntries(rows)
}

// rebuildTx recomputes cached balances for one customer. updated, when not
// nil, carries field values newer than the loaded partition snapshot and is
// spliced in before the walk.
func (ss *SQLiteStore) rebuildTx(ctx context.Context, tx *sql.Tx, updated *Entry, partition []Entry, excluded Exclusions) error {
	entries := make([]Entry, 0, len(partition))
	for _, p := range partition {
		if updated != nil && p.ID == updated.ID {
			entries = append(entries, *updated)
			continue
		}
		entries = append(entries, p)
	}
	for id, balance := range runningBalances(entries, excluded) {
		if _, err := tx.ExecContext(ctx,
			`UPDATE customer_ledger SET balance = ? WHERE id = ?`, balance.String(), id); err != nil {
			return fmt.Errorf("failed to rebuild customer balances: %w", err)
		}
	}
	return nil
}

func (ss *SQLiteStore) customerEntries(ctx context.Context, customerID string) ([]Entry, error) {
	rows, err := ss.db.QueryContext(ctx, sqliteSelectEntry+` WHERE customer_id = ?`, customerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query customer entries: %w", err)
	}
	defer rows.Close()
	return collectSQLiteEntries(rows)
}

func (ss *SQLiteStore) customerEntriesTx(ctx context.Context, tx *sql.Tx, customerID string) ([]Entry, error) {
	rows, err := tx.QueryContext(ctx, sqliteSelectEntry+` WHERE customer_id = ?`, customerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query customer entries: %w", err)
	}
	defer rows.Close()
	return collectSQLiteEntries(rows)
}

// propagateTx adds delta to the stored balance of every partition entry
// strictly after (date, createdAt).
func propagateTx(ctx context.Context, tx *sql.Tx, partition []Entry, date, createdAt time.Time, delta decimal.Decimal) error {
	for i := range partition {
		p := &partition[i]
		if !p.After(date, createdAt) {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE customer_ledger SET balance = ? WHERE id = ?`,
			p.Balance.Add(delta).String(), p.ID); err != nil {
			return fmt.Errorf("failed to propagate balance delta: %w", err)
		}
	}
	return nil
}

func commit(tx *sql.Tx) error {
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func sqliteConstraint(err error) error {
	var serr sqlite3.Error
	if errors.As(err, &serr) && serr.ExtendedCode == sqlite3.ErrConstraintUnique {
		return fmt.Errorf("%w: %v", ErrDuplicateTransactionNumber, err)
	}
	return err
}

func sqliteTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

const sqliteSelectEntry = `
	SELECT id, customer_id, customer_name, transaction_type, transaction_id,
	       transaction_number, date, description, debit, credit, balance,
	       payment_method, reference, created_by, created_at
	FROM customer_ledger`

type sqliteRow interface {
	Scan(dest ...any) error
}

func scanSQLiteEntry(row sqliteRow) (*Entry, error) {
	var e Entry
	var date, createdAt, debit, credit, balance string
	err := row.Scan(
		&e.ID, &e.CustomerID, &e.CustomerName, &e.TransactionType, &e.TransactionID,
		&e.TransactionNumber, &date, &e.Description, &debit, &credit, &balance,
		&e.PaymentMethod, &e.Reference, &e.CreatedBy, &createdAt,
	)
	if err != nil {
		return nil, err
	}
	if e.Date, err = time.Parse(time.RFC3339Nano, date); err != nil {
		return nil, fmt.Errorf("failed to parse entry date: %w", err)
	}
	if e.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse entry created_at: %w", err)
	}
	if e.Debit, err = decimal.NewFromString(debit); err != nil {
		return nil, fmt.Errorf("failed to parse debit amount: %w", err)
	}
	if e.Credit, err = decimal.NewFromString(credit); err != nil {
		return nil, fmt.Errorf("failed to parse credit amount: %w", err)
	}
	if e.Balance, err = decimal.NewFromString(balance); err != nil {
		return nil, fmt.Errorf("failed to parse balance amount: %w", err)
	}
	return &e, nil
}

func collectSQLiteEntries(rows *sql.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		e, err := scanSQLiteEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

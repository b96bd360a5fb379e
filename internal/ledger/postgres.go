package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PostgresStore implements Store on PostgreSQL. Mutations run inside
// SERIALIZABLE transactions and retry on serialization failure, so the
// balance lookup, the row write and the bulk delta propagation commit as
// one unit.
type PostgresStore struct {
	Pool *pgxpool.Pool
}

// NewPostgresStore creates a Postgres-backed entry store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{Pool: pool}
}

var _ Store = (*PostgresStore)(nil)

// eligibleCond filters out entries whose source document is cancelled. The
// placeholder binds the cancelled id list; invoice and payment rows are the
// only exclusion-eligible types.
const eligibleCond = `NOT (transaction_type IN ('invoice', 'payment') AND transaction_id <> '' AND transaction_id = ANY(%s))`

// Migrate creates the ledger schema. The unique index on
// (customer_id, transaction_number) enforces at write time what used to be
// an after-the-fact audit finding.
func (ps *PostgresStore) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS customer_ledger (
			id UUID PRIMARY KEY,
			customer_id TEXT NOT NULL,
			customer_name TEXT NOT NULL,
			transaction_type TEXT NOT NULL CHECK (transaction_type IN ('invoice', 'payment', 'adjustment', 'credit_note', 'debit_note')),
			transaction_id TEXT NOT NULL DEFAULT '',
			transaction_number TEXT NOT NULL,
			date TIMESTAMPTZ NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			debit NUMERIC(20, 4) NOT NULL CHECK (debit >= 0),
			credit NUMERIC(20, 4) NOT NULL CHECK (credit >= 0),
			balance NUMERIC(20, 4) NOT NULL,
			payment_method TEXT NOT NULL DEFAULT '',
			reference TEXT NOT NULL DEFAULT '',
			created_by TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS customer_ledger_customer_number ON customer_ledger (customer_id, transaction_number);`,
		`CREATE INDEX IF NOT EXISTS customer_ledger_order ON customer_ledger (customer_id, date, created_at);`,
		`CREATE INDEX IF NOT EXISTS customer_ledger_document ON customer_ledger (transaction_type, transaction_id);`,
	}

	for _, stmt := range statements {
		if _, err := ps.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to run ledger migration: %w", err)
		}
	}
	return nil
}

func (ps *PostgresStore) CreateEntry(ctx context.Context, e *Entry, excluded Exclusions) error {
	return ps.withSerializableTx(ctx, func(txCtx context.Context, tx pgx.Tx) error {
		var prev decimal.Decimal
		err := tx.QueryRow(txCtx, `
			SELECT COALESCE(SUM(debit - credit), 0)
			FROM customer_ledger
			WHERE customer_id = $1
			AND (date < $2 OR (date = $2 AND created_at < $3))
			AND `+fmt.Sprintf(eligibleCond, "$4"),
			e.CustomerID, e.Date, e.CreatedAt, excluded.IDs()).Scan(&prev)
		if err != nil {
			return fmt.Errorf("failed to compute previous balance: %w", err)
		}

		e.Balance = prev.Add(e.Delta())

		_, err = tx.Exec(txCtx, `
			INSERT INTO customer_ledger (
				id, customer_id, customer_name, transaction_type, transaction_id,
				transaction_number, date, description, debit, credit, balance,
				payment_method, reference, created_by, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		`, e.ID, e.CustomerID, e.CustomerName, e.TransactionType, e.TransactionID,
			e.TransactionNumber, e.Date, e.Description, e.Debit, e.Credit, e.Balance,
			e.PaymentMethod, e.Reference, e.CreatedBy, e.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert ledger entry: %w", err)
		}

		// An entry written for an already-cancelled document contributes
		// nothing to later balances.
		if excluded.Excludes(e) {
			return nil
		}
		if delta := e.Delta(); !delta.IsZero() {
			return ps.propagate(txCtx, tx, e.CustomerID, e.Date, e.CreatedAt, delta)
		}
		return nil
	})
}

func (ps *PostgresStore) UpdateEntry(ctx context.Context, e *Entry, oldDelta decimal.Decimal, dateChanged bool, excluded Exclusions) error {
	return ps.withSerializableTx(ctx, func(txCtx context.Context, tx pgx.Tx) error {
		var prev decimal.Decimal
		err := tx.QueryRow(txCtx, `
			SELECT COALESCE(SUM(debit - credit), 0)
			FROM customer_ledger
			WHERE customer_id = $1 AND id <> $4
			AND (date < $2 OR (date = $2 AND created_at < $3))
			AND `+fmt.Sprintf(eligibleCond, "$5"),
			e.CustomerID, e.Date, e.CreatedAt, e.ID, excluded.IDs()).Scan(&prev)
		if err != nil {
			return fmt.Errorf("failed to compute previous balance: %w", err)
		}
		e.Balance = prev.Add(e.Delta())

		tag, err := tx.Exec(txCtx, `
			UPDATE customer_ledger
			SET date = $2, description = $3, debit = $4, credit = $5, balance = $6,
			    payment_method = $7, reference = $8
			WHERE id = $1
		`, e.ID, e.Date, e.Description, e.Debit, e.Credit, e.Balance, e.PaymentMethod, e.Reference)
		if err != nil {
			return fmt.Errorf("failed to update ledger entry: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}

		if dateChanged {
			return ps.rebuild(txCtx, tx, e.CustomerID, excluded)
		}
		if excluded.Excludes(e) {
			return nil
		}
		if netDelta := e.Delta().Sub(oldDelta); !netDelta.IsZero() {
			return ps.propagate(txCtx, tx, e.CustomerID, e.Date, e.CreatedAt, netDelta)
		}
		return nil
	})
}

func (ps *PostgresStore) DeleteEntry(ctx context.Context, id string, excluded Exclusions) error {
	return ps.withSerializableTx(ctx, func(txCtx context.Context, tx pgx.Tx) error {
		e, err := scanEntry(tx.QueryRow(txCtx, selectEntry+` WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("failed to load ledger entry: %w", err)
		}

		if _, err := tx.Exec(txCtx, `DELETE FROM customer_ledger WHERE id = $1`, id); err != nil {
			return fmt.Errorf("failed to delete ledger entry: %w", err)
		}

		if excluded.Excludes(e) {
			return nil
		}
		if delta := e.Delta(); !delta.IsZero() {
			return ps.propagate(txCtx, tx, e.CustomerID, e.Date, e.CreatedAt, delta.Neg())
		}
		return nil
	})
}

func (ps *PostgresStore) EntryByID(ctx context.Context, id string) (*Entry, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	e, err := scanEntry(ps.Pool.QueryRow(queryCtx, selectEntry+` WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get ledger entry: %w", err)
	}
	return e, nil
}

func (ps *PostgresStore) EntryByDocument(ctx context.Context, t TransactionType, transactionID string) (*Entry, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	e, err := scanEntry(ps.Pool.QueryRow(queryCtx,
		selectEntry+` WHERE transaction_type = $1 AND transaction_id = $2 ORDER BY created_at DESC LIMIT 1`,
		t, transactionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to locate entry for document: %w", err)
	}
	return e, nil
}

func (ps *PostgresStore) EntriesByCustomer(ctx context.Context, customerID string, excluded Exclusions) ([]Entry, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	rows, err := ps.Pool.Query(queryCtx,
		selectEntry+` WHERE customer_id = $1 AND `+fmt.Sprintf(eligibleCond, "$2")+` ORDER BY date ASC, created_at ASC`,
		customerID, excluded.IDs())
	if err != nil {
		return nil, fmt.Errorf("failed to query customer entries: %w", err)
	}
	defer rows.Close()

	return collectEntries(rows)
}

func (ps *PostgresStore) BalanceBefore(ctx context.Context, customerID string, date time.Time, createdAt *time.Time, excluded Exclusions) (decimal.Decimal, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var sum decimal.Decimal
	var err error
	if createdAt == nil {
		err = ps.Pool.QueryRow(queryCtx, `
			SELECT COALESCE(SUM(debit - credit), 0)
			FROM customer_ledger
			WHERE customer_id = $1 AND date < $2
			AND `+fmt.Sprintf(eligibleCond, "$3"),
			customerID, date, excluded.IDs()).Scan(&sum)
	} else {
		err = ps.Pool.QueryRow(queryCtx, `
			SELECT COALESCE(SUM(debit - credit), 0)
			FROM customer_ledger
			WHERE customer_id = $1
			AND (date < $2 OR (date = $2 AND created_at < $3))
			AND `+fmt.Sprintf(eligibleCond, "$4"),
			customerID, date, *createdAt, excluded.IDs()).Scan(&sum)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to compute balance before: %w", err)
	}
	return sum, nil
}

func (ps *PostgresStore) CustomerTotals(ctx context.Context, customerID string, excluded Exclusions) (*CustomerSummary, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	s := &CustomerSummary{CustomerID: customerID}
	var last *time.Time
	var name *string
	err := ps.Pool.QueryRow(queryCtx, `
		SELECT COALESCE(SUM(debit), 0), COALESCE(SUM(credit), 0), MAX(date),
		       (ARRAY_AGG(customer_name ORDER BY created_at DESC))[1]
		FROM customer_ledger
		WHERE customer_id = $1 AND `+fmt.Sprintf(eligibleCond, "$2"),
		customerID, excluded.IDs()).Scan(&s.TotalDebit, &s.TotalCredit, &last, &name)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate customer totals: %w", err)
	}
	s.CurrentBalance = s.TotalDebit.Sub(s.TotalCredit)
	s.LastTransactionDate = last
	if name != nil {
		s.CustomerName = *name
	}
	return s, nil
}

func (ps *PostgresStore) AllCustomerTotals(ctx context.Context, excluded Exclusions) ([]CustomerSummary, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	rows, err := ps.Pool.Query(queryCtx, `
		SELECT customer_id,
		       (ARRAY_AGG(customer_name ORDER BY created_at DESC))[1],
		       COALESCE(SUM(debit), 0), COALESCE(SUM(credit), 0), MAX(date)
		FROM customer_ledger
		WHERE `+fmt.Sprintf(eligibleCond, "$1")+`
		GROUP BY customer_id
		ORDER BY COALESCE(SUM(debit), 0) - COALESCE(SUM(credit), 0) DESC`,
		excluded.IDs())
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate customer totals: %w", err)
	}
	defer rows.Close()

	var out []CustomerSummary
	for rows.Next() {
		var s CustomerSummary
		var last *time.Time
		if err := rows.Scan(&s.CustomerID, &s.CustomerName, &s.TotalDebit, &s.TotalCredit, &last); err != nil {
			return nil, fmt.Errorf("failed to scan customer totals: %w", err)
		}
		s.CurrentBalance = s.TotalDebit.Sub(s.TotalCredit)
		s.LastTransactionDate = last
		out = append(out, s)
	}
	return out, rows.Err()
}

func (ps *PostgresStore) TotalsBetween(ctx context.Context, from, to time.Time, excluded Exclusions) (decimal.Decimal, decimal.Decimal, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var debit, credit decimal.Decimal
	err := ps.Pool.QueryRow(queryCtx, `
		SELECT COALESCE(SUM(debit), 0), COALESCE(SUM(credit), 0)
		FROM customer_ledger
		WHERE date >= $1 AND date < $2 AND `+fmt.Sprintf(eligibleCond, "$3"),
		from, to, excluded.IDs()).Scan(&debit, &credit)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("failed to aggregate period totals: %w", err)
	}
	return debit, credit, nil
}

func (ps *PostgresStore) RebuildCustomerBalances(ctx context.Context, customerID string, excluded Exclusions) error {
	return ps.withSerializableTx(ctx, func(txCtx context.Context, tx pgx.Tx) error {
		return ps.rebuild(txCtx, tx, customerID, excluded)
	})
}

func (ps *PostgresStore) AllEntries(ctx context.Context) ([]Entry, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	rows, err := ps.Pool.Query(queryCtx, selectEntry+` ORDER BY customer_id, date, created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entries: %w", err)
	}
	defer rows.Close()

	return collectEntries(rows)
}

// propagate bulk-adds delta to every entry strictly after (date, createdAt)
// within the customer partition. An additive shift of a prefix sum equals
// full recomputation, so later rows stay consistent without being re-read.
func (ps *PostgresStore) propagate(ctx context.Context, tx pgx.Tx, customerID string, date, createdAt time.Time, delta decimal.Decimal) error {
	_, err := tx.Exec(ctx, `
		UPDATE customer_ledger
		SET balance = balance + $4
		WHERE customer_id = $1
		AND (date > $2 OR (date = $2 AND created_at > $3))
	`, customerID, date, createdAt, delta)
	if err != nil {
		return fmt.Errorf("failed to propagate balance delta: %w", err)
	}
	return nil
}

// rebuild recomputes the customer's cached balances as a window prefix sum
// over eligible entries. Excluded rows keep their stored value.
func (ps *PostgresStore) rebuild(ctx context.Context, tx pgx.Tx, customerID string, excluded Exclusions) error {
	_, err := tx.Exec(ctx, `
		UPDATE customer_ledger cl
		SET balance = sub.running
		FROM (
			SELECT id, SUM(debit - credit) OVER (ORDER BY date, created_at, id) AS running
			FROM customer_ledger
			WHERE customer_id = $1 AND `+fmt.Sprintf(eligibleCond, "$2")+`
		) sub
		WHERE cl.id = sub.id
	`, customerID, excluded.IDs())
	if err != nil {
		return fmt.Errorf("failed to rebuild customer balances: %w", err)
	}
	return nil
}

// withSerializableTx runs fn inside a SERIALIZABLE read-write transaction,
// retrying on serialization failure.
func (ps *PostgresStore) withSerializableTx(ctx context.Context, fn func(context.Context, pgx.Tx) error) error {
	const maxRetries = 3

	for attempt := 0; attempt < maxRetries; attempt++ {
		err := ps.runTx(ctx, fn)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) {
				switch pgErr.Code {
				case "40001":
					if attempt == maxRetries-1 {
						return fmt.Errorf("ledger write failed after %d retries due to serialization failure: %w", maxRetries, err)
					}
					time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
					continue
				case "23505":
					return fmt.Errorf("%w: %v", ErrDuplicateTransactionNumber, err)
				}
			}
			return err
		}
		break
	}
	return nil
}

func (ps *PostgresStore) runTx(ctx context.Context, fn func(context.Context, pgx.Tx) error) error {
	txCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, err := ps.Pool.Acquire(txCtx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Release()

	tx, err := conn.BeginTx(txCtx, pgx.TxOptions{
		IsoLevel:   pgx.Serializable,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(txCtx)

	if err := fn(txCtx, tx); err != nil {
		return err
	}

	if err := tx.Commit(txCtx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

const selectEntry = `
	SELECT id, customer_id, customer_name, transaction_type, transaction_id,
	       transaction_number, date, description, debit, credit, balance,
	       payment_method, reference, created_by, created_at
	FROM customer_ledger`

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	err := row.Scan(
		&e.ID, &e.CustomerID, &e.CustomerName, &e.TransactionType, &e.TransactionID,
		&e.TransactionNumber, &e.Date, &e.Description, &e.Debit, &e.Credit, &e.Balance,
		&e.PaymentMethod, &e.Reference, &e.CreatedBy, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func collectEntries(rows pgx.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

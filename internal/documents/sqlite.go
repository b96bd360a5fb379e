package documents

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// SQLiteSource reads document state from the same embedded database the
// sqlite ledger store uses, so a single-host install keeps cancellation
// state and payment sequences across restarts. Amounts are stored as exact
// decimal strings and summed in Go.
type SQLiteSource struct {
	db *sql.DB
}

// NewSQLiteSource wraps an opened sqlite3 database.
func NewSQLiteSource(db *sql.DB) *SQLiteSource {
	return &SQLiteSource{db: db}
}

var _ Source = (*SQLiteSource)(nil)

// Migrate creates the document tables when they do not exist yet.
func (ss *SQLiteSource) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS invoices (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL DEFAULT 'open',
			total TEXT NOT NULL DEFAULT '0',
			paid_total TEXT NOT NULL DEFAULT '0',
			due_date TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS payments (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL DEFAULT 'completed',
			amount TEXT NOT NULL DEFAULT '0'
		);`,
		`CREATE TABLE IF NOT EXISTS payment_sequences (
			document_id TEXT PRIMARY KEY,
			n INTEGER NOT NULL DEFAULT 0
		);`,
	}
	for _, stmt := range statements {
		if _, err := ss.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to run documents migration: %w", err)
		}
	}
	return nil
}

func (ss *SQLiteSource) CancelledIDs(ctx context.Context) ([]string, error) {
	rows, err := ss.db.QueryContext(ctx, `
		SELECT id FROM invoices WHERE status = ?
		UNION ALL
		SELECT id FROM payments WHERE status = ?
	`, StatusCancelled, StatusCancelled)
	if err != nil {
		return nil, fmt.Errorf("failed to load cancelled documents: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan cancelled document id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (ss *SQLiteSource) Document(ctx context.Context, kind, id string) (*Document, error) {
	d := &Document{ID: id, Kind: kind}
	var total, paid string
	var due sql.NullString

	var err error
	switch kind {
	case KindInvoice:
		err = ss.db.QueryRowContext(ctx,
			`SELECT status, total, paid_total, due_date FROM invoices WHERE id = ?`, id).
			Scan(&d.Status, &total, &paid, &due)
	case KindPayment:
		err = ss.db.QueryRowContext(ctx,
			`SELECT status, amount, amount FROM payments WHERE id = ?`, id).
			Scan(&d.Status, &total, &paid)
	default:
		return nil, fmt.Errorf("unknown document kind %q", kind)
	}
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDocumentNotFound
		}
		return nil, fmt.Errorf("failed to load %s %s: %w", kind, id, err)
	}

	if d.Total, err = decimal.NewFromString(total); err != nil {
		return nil, fmt.Errorf("failed to parse %s total: %w", kind, err)
	}
	if d.PaidTotal, err = decimal.NewFromString(paid); err != nil {
		return nil, fmt.Errorf("failed to parse %s paid total: %w", kind, err)
	}
	if due.Valid {
		t, err := time.Parse(time.RFC3339Nano, due.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse due date: %w", err)
		}
		d.DueDate = &t
	}
	return d, nil
}

func (ss *SQLiteSource) OverdueOutstanding(ctx context.Context, asOf time.Time) (decimal.Decimal, error) {
	rows, err := ss.db.QueryContext(ctx, `
		SELECT total, paid_total, due_date FROM invoices
		WHERE status NOT IN (?, ?) AND due_date IS NOT NULL
	`, StatusCancelled, StatusPaid)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to query overdue invoices: %w", err)
	}
	defer rows.Close()

	sum := decimal.Zero
	for rows.Next() {
		var total, paid, due string
		if err := rows.Scan(&total, &paid, &due); err != nil {
			return decimal.Zero, fmt.Errorf("failed to scan overdue invoice: %w", err)
		}
		dueAt, err := time.Parse(time.RFC3339Nano, due)
		if err != nil {
			return decimal.Zero, fmt.Errorf("failed to parse due date: %w", err)
		}
		if !dueAt.Before(asOf) {
			continue
		}
		t, err := decimal.NewFromString(total)
		if err != nil {
			return decimal.Zero, fmt.Errorf("failed to parse invoice total: %w", err)
		}
		p, err := decimal.NewFromString(paid)
		if err != nil {
			return decimal.Zero, fmt.Errorf("failed to parse invoice paid total: %w", err)
		}
		if rest := t.Sub(p); rest.IsPositive() {
			sum = sum.Add(rest)
		}
	}
	return sum, rows.Err()
}

func (ss *SQLiteSource) NextPaymentSequence(ctx context.Context, documentID string) (int64, error) {
	var n int64
	err := ss.db.QueryRowContext(ctx, `
		INSERT INTO payment_sequences (document_id, n) VALUES (?, 1)
		ON CONFLICT (document_id) DO UPDATE SET n = payment_sequences.n + 1
		RETURNING n
	`, documentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to reserve payment sequence for %s: %w", documentID, err)
	}
	return n, nil
}

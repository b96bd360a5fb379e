package documents

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PostgresSource reads document state from the business tables in PostgreSQL.
type PostgresSource struct {
	Pool *pgxpool.Pool
}

// NewPostgresSource wraps an existing pool.
func NewPostgresSource(pool *pgxpool.Pool) *PostgresSource {
	return &PostgresSource{Pool: pool}
}

var _ Source = (*PostgresSource)(nil)

// Migrate creates the document tables when they do not exist yet. Production
// installs already carry them; this keeps dev setups and integration tests
// self-contained.
func (ps *PostgresSource) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS invoices (
			id UUID PRIMARY KEY,
			status TEXT NOT NULL DEFAULT 'open',
			total NUMERIC(20, 4) NOT NULL DEFAULT 0,
			paid_total NUMERIC(20, 4) NOT NULL DEFAULT 0,
			due_date TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS payments (
			id UUID PRIMARY KEY,
			status TEXT NOT NULL DEFAULT 'completed',
			amount NUMERIC(20, 4) NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS payment_sequences (
			document_id TEXT PRIMARY KEY,
			n BIGINT NOT NULL DEFAULT 0
		)`,
	}
	for _, stmt := range statements {
		if _, err := ps.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to run documents migration: %w", err)
		}
	}
	return nil
}

func (ps *PostgresSource) CancelledIDs(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := ps.Pool.Query(ctx, `
		SELECT id::text FROM invoices WHERE status = $1
		UNION ALL
		SELECT id::text FROM payments WHERE status = $1
	`, StatusCancelled)
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

func (ps *PostgresSource) Document(ctx context.Context, kind, id string) (*Document, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	d := &Document{ID: id, Kind: kind}
	var err error
	switch kind {
	case KindInvoice:
		err = ps.Pool.QueryRow(ctx,
			`SELECT status, total, paid_total, due_date FROM invoices WHERE id = $1`, id).
			Scan(&d.Status, &d.Total, &d.PaidTotal, &d.DueDate)
	case KindPayment:
		err = ps.Pool.QueryRow(ctx,
			`SELECT status, amount, amount, NULL::timestamptz FROM payments WHERE id = $1`, id).
			Scan(&d.Status, &d.Total, &d.PaidTotal, &d.DueDate)
	default:
		return nil, fmt.Errorf("unknown document kind %q", kind)
	}
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDocumentNotFound
		}
		return nil, fmt.Errorf("failed to load %s %s: %w", kind, id, err)
	}
	return d, nil
}

func (ps *PostgresSource) OverdueOutstanding(ctx context.Context, asOf time.Time) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var total decimal.Decimal
	err := ps.Pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(total - paid_total), 0)
		FROM invoices
		WHERE status NOT IN ($1, $2)
		  AND due_date IS NOT NULL
		  AND due_date < $3
		  AND total > paid_total
	`, StatusCancelled, StatusPaid, asOf).Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum overdue invoices: %w", err)
	}
	return total, nil
}

func (ps *PostgresSource) NextPaymentSequence(ctx context.Context, documentID string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var n int64
	err := ps.Pool.QueryRow(ctx, `
		INSERT INTO payment_sequences (document_id, n) VALUES ($1, 1)
		ON CONFLICT (document_id) DO UPDATE SET n = payment_sequences.n + 1
		RETURNING n
	`, documentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to reserve payment sequence for %s: %w", documentID, err)
	}
	return n, nil
}

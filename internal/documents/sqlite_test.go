package documents

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLiteSource(t *testing.T) (*SQLiteSource, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	// One connection so every query sees the same in-memory database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	src := NewSQLiteSource(db)
	require.NoError(t, src.Migrate(context.Background()))
	return src, db
}

func TestSQLiteSourceCancelledIDs(t *testing.T) {
	src, db := newSQLiteSource(t)
	ctx := context.Background()

	_, err := db.ExecContext(ctx, `INSERT INTO invoices (id, status, total) VALUES
		('inv-1', 'cancelled', '100'), ('inv-2', 'open', '200')`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `INSERT INTO payments (id, status, amount) VALUES
		('pay-1', 'cancelled', '50')`)
	require.NoError(t, err)

	ids, err := src.CancelledIDs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"inv-1", "pay-1"}, ids)
}

func TestSQLiteSourceDocumentRoundTrip(t *testing.T) {
	src, db := newSQLiteSource(t)
	ctx := context.Background()

	due := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	_, err := db.ExecContext(ctx,
		`INSERT INTO invoices (id, status, total, paid_total, due_date) VALUES (?, ?, ?, ?, ?)`,
		"inv-1", "open", "1000", "400", due.Format(time.RFC3339Nano))
	require.NoError(t, err)

	d, err := src.Document(ctx, KindInvoice, "inv-1")
	require.NoError(t, err)
	assert.True(t, d.Total.Equal(decimal.RequireFromString("1000")))
	assert.True(t, d.PaidTotal.Equal(decimal.RequireFromString("400")))
	require.NotNil(t, d.DueDate)
	assert.True(t, d.DueDate.Equal(due))
	assert.False(t, d.Cancelled())

	_, err = src.Document(ctx, KindInvoice, "inv-missing")
	assert.ErrorIs(t, err, ErrDocumentNotFound)

	overdue, err := src.OverdueOutstanding(ctx, due.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.True(t, overdue.Equal(decimal.RequireFromString("600")))
}

func TestSQLiteSourcePaymentSequencePersists(t *testing.T) {
	src, db := newSQLiteSource(t)
	ctx := context.Background()

	n, err := src.NextPaymentSequence(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = src.NextPaymentSequence(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = src.NextPaymentSequence(ctx, "inv-2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "sequence is scoped per document")

	// A second source over the same database continues where the first
	// left off instead of restarting.
	n, err = NewSQLiteSource(db).NextPaymentSequence(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

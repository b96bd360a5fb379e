package ledger

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sharoon166/Newon-sub002/internal/documents"
	"github.com/Sharoon166/Newon-sub002/pkg/audit"
)

// newIntegrationStore connects to the database named by TEST_DATABASE_URL.
// The suite is skipped when the variable is unset so unit runs stay fast.
func newIntegrationStore(t *testing.T) *PostgresStore {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping integration tests")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	require.NoError(t, pool.Ping(ctx))
	t.Cleanup(pool.Close)

	store := NewPostgresStore(pool)
	require.NoError(t, store.Migrate(ctx))

	_, err = pool.Exec(ctx, `TRUNCATE customer_ledger`)
	require.NoError(t, err)
	return store
}

func TestPostgresCreateAndPropagate(t *testing.T) {
	store := newIntegrationStore(t)
	ctx := context.Background()

	inv := &Entry{
		ID: "11111111-1111-1111-1111-111111111111", CustomerID: "cust-1",
		CustomerName: "Acme Traders", TransactionType: TransactionInvoice,
		TransactionID: "inv-1", TransactionNumber: "INV-001",
		Date: day("2024-01-01"), Debit: dec("1000"),
		CreatedBy: "tester", CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.CreateEntry(ctx, inv, nil))
	assert.True(t, inv.Balance.Equal(dec("1000")))

	pay := &Entry{
		ID: "22222222-2222-2222-2222-222222222222", CustomerID: "cust-1",
		CustomerName: "Acme Traders", TransactionType: TransactionPayment,
		TransactionID: "pay-1", TransactionNumber: "PAY-001",
		Date: day("2024-01-05"), Credit: dec("400"),
		CreatedBy: "tester", CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.CreateEntry(ctx, pay, nil))
	assert.True(t, pay.Balance.Equal(dec("600")))

	adj := &Entry{
		ID: "33333333-3333-3333-3333-333333333333", CustomerID: "cust-1",
		CustomerName: "Acme Traders", TransactionType: TransactionAdjustment,
		TransactionNumber: "ADJ-001", Date: day("2024-01-02"),
		Debit: dec("200"), CreatedBy: "tester", CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.CreateEntry(ctx, adj, nil))
	assert.True(t, adj.Balance.Equal(dec("1200")))

	reloaded, err := store.EntryByID(ctx, pay.ID)
	require.NoError(t, err)
	assert.True(t, reloaded.Balance.Equal(dec("800")), "backdated debit shifts the later payment")
}

func TestPostgresDuplicateNumberConstraint(t *testing.T) {
	store := newIntegrationStore(t)
	ctx := context.Background()

	first := &Entry{
		ID: "11111111-1111-1111-1111-111111111111", CustomerID: "cust-1",
		CustomerName: "Acme Traders", TransactionType: TransactionInvoice,
		TransactionID: "inv-1", TransactionNumber: "INV-001",
		Date: day("2024-01-01"), Debit: dec("100"),
		CreatedBy: "tester", CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.CreateEntry(ctx, first, nil))

	dup := &Entry{
		ID: "22222222-2222-2222-2222-222222222222", CustomerID: "cust-1",
		CustomerName: "Acme Traders", TransactionType: TransactionInvoice,
		TransactionID: "inv-2", TransactionNumber: "INV-001",
		Date: day("2024-02-01"), Debit: dec("100"),
		CreatedBy: "tester", CreatedAt: time.Now().UTC(),
	}
	err := store.CreateEntry(ctx, dup, nil)
	assert.ErrorIs(t, err, ErrDuplicateTransactionNumber)
}

func TestPostgresRebuildAfterDateChange(t *testing.T) {
	store := newIntegrationStore(t)
	ctx := context.Background()

	ids := []string{
		"11111111-1111-1111-1111-111111111111",
		"22222222-2222-2222-2222-222222222222",
		"33333333-3333-3333-3333-333333333333",
	}
	dates := []string{"2024-01-01", "2024-01-03", "2024-01-05"}
	amounts := []string{"1000", "200", "300"}
	for i := range ids {
		e := &Entry{
			ID: ids[i], CustomerID: "cust-1", CustomerName: "Acme Traders",
			TransactionType:   TransactionAdjustment,
			TransactionNumber: "ADJ-00" + string(rune('1'+i)),
			Date:              day(dates[i]), Debit: dec(amounts[i]),
			CreatedBy: "tester", CreatedAt: time.Now().UTC(),
		}
		require.NoError(t, store.CreateEntry(ctx, e, nil))
	}

	// Move the first entry past the second.
	moved, err := store.EntryByID(ctx, ids[0])
	require.NoError(t, err)
	oldDelta := moved.Delta()
	moved.Date = day("2024-01-04")
	require.NoError(t, store.UpdateEntry(ctx, moved, oldDelta, true, nil))

	entries, err := store.EntriesByCustomer(ctx, "cust-1", nil)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.True(t, entries[0].Balance.Equal(dec("200")))
	assert.True(t, entries[1].Balance.Equal(dec("1200")))
	assert.True(t, entries[2].Balance.Equal(dec("1500")))
}

func TestServiceAgainstPostgres(t *testing.T) {
	store := newIntegrationStore(t)
	ctx := context.Background()

	docs := documents.NewStaticSource()
	docs.Put(documents.Document{ID: "inv-1", Kind: documents.KindInvoice, Status: "open", Total: dec("1000")})
	svc := NewService(store, docs, nil, audit.NewChainLogger(), nil)

	_, err := svc.CreateEntry(ctx, CreateEntryRequest{
		CustomerID: "cust-1", CustomerName: "Acme Traders",
		TransactionType: TransactionInvoice, TransactionID: "inv-1",
		TransactionNumber: "INV-001", Date: day("2024-01-01"),
		Debit: dec("1000"), CreatedBy: "tester",
	})
	require.NoError(t, err)

	docs.Cancel("inv-1")

	summary, err := svc.GetCustomerSummary(ctx, "cust-1")
	require.NoError(t, err)
	assert.True(t, summary.CurrentBalance.IsZero(), "cancelled invoice drops out of the summary")

	trail := svc.AuditTrail()
	require.Len(t, trail, 1)
	assert.True(t, audit.VerifyChain(trail))
}

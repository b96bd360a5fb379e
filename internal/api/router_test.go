package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sharoon166/Newon-sub002/internal/documents"
	"github.com/Sharoon166/Newon-sub002/internal/ledger"
	"github.com/Sharoon166/Newon-sub002/pkg/audit"
)

type auditSpy struct{ calls int }

func (a *auditSpy) Append(payload string) *audit.Record {
	a.calls++
	return &audit.Record{Payload: payload}
}

func newTestDeps(t *testing.T) (Dependencies, *documents.StaticSource) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	store := ledger.NewMemoryStore()
	docs := documents.NewStaticSource()
	svc := ledger.NewService(store, docs, nil, audit.NewChainLogger(), nil)

	deps := Dependencies{
		Ledger:       svc,
		Auditor:      &auditSpy{},
		RateLimiter:  &RedisTokenBucket{Redis: rdb, Prefix: "test", Capacity: 100, RefillRate: 100},
		MaxBodyBytes: 1 << 20,
	}
	return deps, docs
}

func newTestServer(t *testing.T, deps Dependencies) *httptest.Server {
	t.Helper()
	h, err := NewRouter(deps)
	require.NoError(t, err)
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body map[string]any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestHealthz(t *testing.T) {
	deps, _ := newTestDeps(t)
	ts := newTestServer(t, deps)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCreateEntryFlow(t *testing.T) {
	deps, _ := newTestDeps(t)
	ts := newTestServer(t, deps)

	resp := postJSON(t, ts.URL+"/v1/ledger/entries", map[string]any{
		"customer_id":        "cust-1",
		"customer_name":      "Acme Traders",
		"transaction_type":   "invoice",
		"transaction_id":     "inv-1",
		"transaction_number": "INV-001",
		"date":               "2024-01-01",
		"debit":              1000,
		"created_by":         "tester",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get(CorrelationIDHeader))

	var created entryResponse
	decodeBody(t, resp, &created)
	require.NotNil(t, created.Entry)
	assert.Equal(t, "cust-1", created.Entry.CustomerID)
	assert.Equal(t, "1000", created.Entry.Balance.String())

	resp = postJSON(t, ts.URL+"/v1/ledger/entries", map[string]any{
		"customer_id":        "cust-1",
		"customer_name":      "Acme Traders",
		"transaction_type":   "payment",
		"transaction_id":     "pay-1",
		"transaction_number": "PAY-001",
		"date":               "2024-01-05",
		"credit":             400,
		"created_by":         "tester",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, err := http.Get(ts.URL + "/v1/customers/cust-1/summary")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var summary customerSummaryResponse
	decodeBody(t, resp, &summary)
	assert.Equal(t, "600", summary.Summary.CurrentBalance.String())

	resp, err = http.Get(ts.URL + "/v1/customers/cust-1/ledger")
	require.NoError(t, err)
	var entries entriesResponse
	decodeBody(t, resp, &entries)
	require.Equal(t, 2, entries.Total)
	assert.Equal(t, "PAY-001", entries.Entries[0].TransactionNumber, "newest first")
}

func TestCreateEntrySchemaValidation(t *testing.T) {
	deps, _ := newTestDeps(t)
	ts := newTestServer(t, deps)

	// transaction_type outside the enum is rejected before the handler.
	resp := postJSON(t, ts.URL+"/v1/ledger/entries", map[string]any{
		"customer_id":      "cust-1",
		"customer_name":    "Acme Traders",
		"transaction_type": "refund",
		"date":             "2024-01-01",
		"debit":            100,
		"created_by":       "tester",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body errorResponse
	decodeBody(t, resp, &body)
	assert.Equal(t, "validation_error", body.Error)
}

func TestDuplicateNumberConflict(t *testing.T) {
	deps, _ := newTestDeps(t)
	ts := newTestServer(t, deps)

	entry := map[string]any{
		"customer_id":        "cust-1",
		"customer_name":      "Acme Traders",
		"transaction_type":   "invoice",
		"transaction_id":     "inv-1",
		"transaction_number": "INV-001",
		"date":               "2024-01-01",
		"debit":              1000,
		"created_by":         "tester",
	}
	resp := postJSON(t, ts.URL+"/v1/ledger/entries", entry)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	entry["transaction_id"] = "inv-2"
	resp = postJSON(t, ts.URL+"/v1/ledger/entries", entry)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestUpdateAndDeleteByDocument(t *testing.T) {
	deps, _ := newTestDeps(t)
	ts := newTestServer(t, deps)

	resp := postJSON(t, ts.URL+"/v1/ledger/entries", map[string]any{
		"customer_id":        "cust-1",
		"customer_name":      "Acme Traders",
		"transaction_type":   "invoice",
		"transaction_id":     "inv-1",
		"transaction_number": "INV-001",
		"date":               "2024-01-01",
		"debit":              1000,
		"created_by":         "tester",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	b, _ := json.Marshal(map[string]any{"debit": 1300})
	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/v1/ledger/entries/invoice/inv-1", bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var updated entryResponse
	decodeBody(t, resp, &updated)
	assert.Equal(t, "1300", updated.Entry.Balance.String())

	req, _ = http.NewRequest(http.MethodDelete, ts.URL+"/v1/ledger/entries/invoice/inv-1", nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	req, _ = http.NewRequest(http.MethodDelete, ts.URL+"/v1/ledger/entries/invoice/inv-1", nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSummaryZeroedOnReadFailure(t *testing.T) {
	deps, docs := newTestDeps(t)
	ts := newTestServer(t, deps)

	docs.Err = assert.AnError

	resp, err := http.Get(ts.URL + "/v1/customers/cust-1/summary")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode, "summary reads degrade instead of failing")

	var summary customerSummaryResponse
	decodeBody(t, resp, &summary)
	assert.True(t, summary.Summary.CurrentBalance.IsZero())

	resp, err = http.Get(ts.URL + "/v1/ledger/summary")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var global globalSummaryResponse
	decodeBody(t, resp, &global)
	assert.True(t, global.Summary.TotalDebit.IsZero())
}

func TestRankCustomersPositiveOnly(t *testing.T) {
	deps, _ := newTestDeps(t)
	ts := newTestServer(t, deps)

	for _, e := range []map[string]any{
		{"customer_id": "cust-1", "customer_name": "Acme Traders", "transaction_type": "invoice",
			"transaction_id": "inv-1", "transaction_number": "INV-001", "date": "2024-01-01",
			"debit": 300, "created_by": "tester"},
		{"customer_id": "cust-2", "customer_name": "Borealis Goods", "transaction_type": "payment",
			"transaction_id": "pay-1", "transaction_number": "PAY-001", "date": "2024-01-02",
			"credit": 100, "created_by": "tester"},
	} {
		resp := postJSON(t, ts.URL+"/v1/ledger/entries", e)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp, err := http.Get(ts.URL + "/v1/ledger/customers?positive_only=true")
	require.NoError(t, err)

	var customers customersResponse
	decodeBody(t, resp, &customers)
	require.Equal(t, 1, customers.Total)
	assert.Equal(t, "cust-1", customers.Customers[0].CustomerID)
}

func TestRateLimitTrips(t *testing.T) {
	deps, _ := newTestDeps(t)
	deps.RateLimiter.Capacity = 1
	deps.RateLimiter.RefillRate = 0.0000001
	ts := newTestServer(t, deps)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestBodySizeLimit(t *testing.T) {
	deps, _ := newTestDeps(t)
	deps.MaxBodyBytes = 32
	ts := newTestServer(t, deps)

	resp := postJSON(t, ts.URL+"/v1/ledger/entries", map[string]any{
		"customer_id":        "cust-1",
		"customer_name":      "Acme Traders",
		"transaction_type":   "invoice",
		"transaction_id":     "inv-1",
		"transaction_number": "INV-001",
		"date":               "2024-01-01",
		"debit":              1000,
		"created_by":         "tester",
	})
	require.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestAuditEndpointAndMiddleware(t *testing.T) {
	deps, _ := newTestDeps(t)
	spy := deps.Auditor.(*auditSpy)
	ts := newTestServer(t, deps)

	resp := postJSON(t, ts.URL+"/v1/ledger/entries", map[string]any{
		"customer_id":        "cust-1",
		"customer_name":      "Acme Traders",
		"transaction_type":   "invoice",
		"transaction_id":     "inv-1",
		"transaction_number": "INV-001",
		"date":               "2024-01-01",
		"debit":              1000,
		"created_by":         "tester",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, 1, spy.calls, "mutating request is audited")

	resp, err := http.Get(ts.URL + "/v1/ledger/audit")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, spy.calls, "reads stay out of the middleware trail")

	var trail auditTrailResponse
	decodeBody(t, resp, &trail)
	require.Len(t, trail.Records, 1)
	assert.True(t, trail.ChainValid)
}

package audit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChainLogger(t *testing.T) {
	logger := NewChainLogger()

	logger.Append("created entry=e1 customer=cust-1 debit=1000")
	r2 := logger.Append("updated entry=e1 customer=cust-1 debit=1300")
	r3 := logger.Append("deleted entry=e1 customer=cust-1")

	records := logger.Records()
	require.Len(t, records, 3)
	assert.True(t, logger.Verify())

	// Tamper with a payload.
	original := r2.Payload
	r2.Payload = "updated entry=e1 customer=cust-1 debit=9999"
	assert.False(t, VerifyChain(records))

	// Restore payload, tamper with its hash.
	r2.Payload = original
	originalHash := r2.Hash
	r2.Hash = "deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef"
	assert.False(t, VerifyChain(records))

	// Restore hash, break the link to the predecessor.
	r2.Hash = originalHash
	r3.PreviousHash = "deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef"
	assert.False(t, VerifyChain(records))
}

func TestRecordsReturnsSnapshot(t *testing.T) {
	logger := NewChainLogger()
	logger.Append("first")

	snapshot := logger.Records()
	logger.Append("second")

	assert.Len(t, snapshot, 1)
	assert.Len(t, logger.Records(), 2)
}

func TestVerifyChainEmpty(t *testing.T) {
	assert.True(t, VerifyChain(nil))
}

// Package audit keeps a hash-chained trail of ledger mutations. Each record
// commits to its predecessor, so any edit or removal inside the trail breaks
// verification from that point on.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Record is one link in the audit chain.
type Record struct {
	Timestamp    string `json:"timestamp"`
	PreviousHash string `json:"previous_hash"`
	Payload      string `json:"payload"`
	Hash         string `json:"hash"`
}

// ChainLogger appends records to an in-process hash chain and retains them
// for inspection.
type ChainLogger struct {
	mu           sync.Mutex
	previousHash string
	records      []*Record
}

// NewChainLogger returns a logger seeded with a zero hash.
func NewChainLogger() *ChainLogger {
	return &ChainLogger{
		previousHash: strings.Repeat("0", 64),
	}
}

// Append adds a payload to the chain and returns the resulting record.
func (c *ChainLogger) Append(payload string) *Record {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := &Record{
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		PreviousHash: c.previousHash,
		Payload:      payload,
	}
	r.Hash = hashRecord(r.PreviousHash, r.Timestamp, r.Payload)

	c.previousHash = r.Hash
	c.records = append(c.records, r)
	return r
}

// Records returns a snapshot of the trail, oldest first.
func (c *ChainLogger) Records() []*Record {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*Record, len(c.records))
	copy(out, c.records)
	return out
}

// Verify reports whether the retained trail still forms a valid chain.
func (c *ChainLogger) Verify() bool {
	return VerifyChain(c.Records())
}

// VerifyChain checks that records form an unbroken hash chain.
func VerifyChain(records []*Record) bool {
	for i, r := range records {
		if i > 0 && r.PreviousHash != records[i-1].Hash {
			return false
		}
		if hashRecord(r.PreviousHash, r.Timestamp, r.Payload) != r.Hash {
			return false
		}
	}
	return true
}

func hashRecord(prevHash, timestamp, payload string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s", prevHash, timestamp, payload)))
	return hex.EncodeToString(sum[:])
}

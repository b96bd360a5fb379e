// Package events publishes ledger change notifications for downstream
// consumers (reporting, reminders). Publishing is best effort; a failed
// publish never rolls back the ledger write.
package events

import (
	"context"
	"time"
)

// Actions carried by EntryEvent.
const (
	ActionCreated = "created"
	ActionUpdated = "updated"
	ActionDeleted = "deleted"
)

// EntryEvent describes one ledger mutation.
type EntryEvent struct {
	Action          string    `json:"action"`
	EntryID         string    `json:"entry_id"`
	CustomerID      string    `json:"customer_id"`
	TransactionType string    `json:"transaction_type"`
	TransactionID   string    `json:"transaction_id,omitempty"`
	OccurredAt      time.Time `json:"occurred_at"`
}

// Publisher delivers entry events. Implementations must be safe for
// concurrent use.
type Publisher interface {
	Publish(ctx context.Context, ev EntryEvent) error
	Close() error
}

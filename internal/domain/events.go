package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventSource records how a sale signal reached the system.
type EventSource string

const (
	EventSourceWebhook        EventSource = "WEBHOOK"
	EventSourcePoll           EventSource = "POLL"
	EventSourceStream         EventSource = "STREAM"
	EventSourceReconciliation EventSource = "RECONCILIATION"
)

// SaleEvent is a normalized sale signal from one marketplace.
// Corresponds to event_inbox table in PostgreSQL.
type SaleEvent struct {
	IdempotencyKey    string // PRIMARY KEY, hash(platform, external id, price, time bucket)
	Platform          string
	ExternalListingID string
	ListingID         string // resolved ledger id, may be empty until resolved
	SoldPrice         decimal.Decimal
	SoldAt            time.Time
	Source            EventSource
	ReceivedAt        time.Time
	AppliedAt         time.Time // zero while pending
}

// StatusSnapshot is a platform's live view of one listing.
type StatusSnapshot struct {
	State        PlatformState
	CurrentPrice decimal.Decimal
	LastUpdated  time.Time
}

// Package marketplace contains one connector per external resale platform.
//
// Each connector implements Adapter directly; there is no shared base type.
// Connectors are looked up by platform name through a Registry.
package marketplace

import (
	"context"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"resale-sync/internal/domain"
)

// ListingDetails is what a platform needs to publish one ticket.
type ListingDetails struct {
	ListingID      string
	AssetID        string
	GameDate       time.Time
	Venue          string
	Section        string
	Row            string
	Seat           string
	Price          decimal.Decimal
	IdempotencyKey string // repeated List calls with the same key must not duplicate
}

// Adapter is the capability set every marketplace connector provides.
type Adapter interface {
	// Name returns the platform name used as the registry key.
	Name() string

	// List publishes a listing and returns the platform's listing id.
	// Fails with *AuthError, *RateLimitedError, *ValidationError or *TransientError.
	List(ctx context.Context, details ListingDetails) (string, error)

	// Delist removes a listing. Unknown or already removed ids succeed.
	Delist(ctx context.Context, externalListingID string) error

	// UpdatePrice changes the asking price of a live listing.
	UpdatePrice(ctx context.Context, externalListingID string, price decimal.Decimal) error

	// GetStatus returns the platform's current view of a listing.
	// A listing the platform no longer knows reports StateNotListed.
	GetStatus(ctx context.Context, externalListingID string) (*domain.StatusSnapshot, error)

	// ParseWebhookPayload verifies the signature and normalizes a sale
	// notification. The returned event has Platform, ExternalListingID,
	// SoldPrice and SoldAt set. Returns ErrInvalidSignature or ErrIgnorable.
	ParseWebhookPayload(header http.Header, body []byte) (*domain.SaleEvent, error)
}

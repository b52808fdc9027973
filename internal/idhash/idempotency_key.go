package idhash

import (
	"fmt"
	"time"

	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"
	"github.com/zeebo/blake3"
)

// DefaultTimeBucket groups redeliveries of the same sale that carry
// slightly different timestamps.
const DefaultTimeBucket = time.Minute

// ComputeSaleKey computes the idempotency key of a sale event.
// Formula: BLAKE3(platform|external_listing_id|sold_price|time_bucket)
// Returns base58-encoded hash. Prices are normalized so "120" and "120.00"
// hash identically.
func ComputeSaleKey(platform, externalListingID string, soldPrice decimal.Decimal, at time.Time, bucket time.Duration) string {
	if bucket <= 0 {
		bucket = DefaultTimeBucket
	}

	data := fmt.Sprintf("%s|%s|%s|%d",
		platform,
		externalListingID,
		soldPrice.StringFixed(2),
		at.UTC().Truncate(bucket).Unix(),
	)

	sum := blake3.Sum256([]byte(data))
	return base58.Encode(sum[:])
}

// ComputeJobKey computes the idempotency key sent with a marketplace call.
// Formula: BLAKE3(listing_id|platform|action|version)
// The ledger version pins the key to the transition that issued the job, so
// retries of one job reuse the key while a later re-list gets a fresh one.
func ComputeJobKey(listingID, platform, action string, version int64) string {
	data := fmt.Sprintf("%s|%s|%s|%d", listingID, platform, action, version)
	sum := blake3.Sum256([]byte(data))
	return base58.Encode(sum[:16])
}

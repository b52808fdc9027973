package idhash

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestComputeSaleKey(t *testing.T) {
	soldAt := time.Date(2026, 10, 2, 9, 0, 10, 0, time.UTC)
	price := decimal.RequireFromString("120")

	tests := []struct {
		name     string
		platform string
		extID    string
		price    decimal.Decimal
		at       time.Time
		same     bool
	}{
		{"identical", "alpha", "a-1", price, soldAt, true},
		{"same bucket", "alpha", "a-1", price, soldAt.Add(900 * time.Millisecond), true},
		{"price scale", "alpha", "a-1", decimal.RequireFromString("120.00"), soldAt, true},
		{"other platform", "beta", "a-1", price, soldAt, false},
		{"other listing", "alpha", "a-2", price, soldAt, false},
		{"other price", "alpha", "a-1", decimal.RequireFromString("121"), soldAt, false},
		{"next bucket", "alpha", "a-1", price, soldAt.Add(time.Minute), false},
	}

	base := ComputeSaleKey("alpha", "a-1", price, soldAt, DefaultTimeBucket)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeSaleKey(tt.platform, tt.extID, tt.price, tt.at, DefaultTimeBucket)
			if (got == base) != tt.same {
				t.Errorf("ComputeSaleKey() same=%v, want %v (base=%s got=%s)", got == base, tt.same, base, got)
			}
		})
	}
}

func TestComputeSaleKey_ZeroBucketUsesDefault(t *testing.T) {
	at := time.Unix(1790000000, 0)
	price := decimal.NewFromInt(50)

	if ComputeSaleKey("alpha", "x", price, at, 0) != ComputeSaleKey("alpha", "x", price, at, DefaultTimeBucket) {
		t.Error("zero bucket should fall back to DefaultTimeBucket")
	}
}

func TestComputeJobKey(t *testing.T) {
	k1 := ComputeJobKey("l-1", "alpha", "DELIST", 4)
	k2 := ComputeJobKey("l-1", "alpha", "DELIST", 4)
	k3 := ComputeJobKey("l-1", "alpha", "DELIST", 5)

	if k1 != k2 {
		t.Errorf("ComputeJobKey not deterministic: %s != %s", k1, k2)
	}
	if k1 == k3 {
		t.Error("different versions should produce different keys")
	}
	if k1 == "" {
		t.Error("empty key")
	}
}

package api

import (
	"time"

	"github.com/shopspring/decimal"

	"resale-sync/internal/domain"
)

// PlatformView is the JSON form of a PlatformListing.
type PlatformView struct {
	ExternalListingID string           `json:"external_listing_id,omitempty"`
	State             string           `json:"state"`
	Price             decimal.Decimal  `json:"price"`
	SoldPrice         *decimal.Decimal `json:"sold_price,omitempty"`
	LastSyncedAt      *time.Time       `json:"last_synced_at,omitempty"`
	LastError         string           `json:"last_error,omitempty"`
	ErrorKind         string           `json:"error_kind,omitempty"`
	Escalated         bool             `json:"escalated,omitempty"`
}

// ListingView is the JSON form of a Listing.
type ListingView struct {
	ID           string                  `json:"id"`
	AssetID      string                  `json:"asset_id"`
	GameDate     time.Time               `json:"game_date"`
	CurrentPrice decimal.Decimal         `json:"current_price"`
	GlobalState  string                  `json:"global_state"`
	Version      int64                   `json:"version"`
	Platforms    map[string]PlatformView `json:"platforms"`

	SalePlatform    string           `json:"sale_platform,omitempty"`
	SoldPrice       *decimal.Decimal `json:"sold_price,omitempty"`
	SoldAt          *time.Time       `json:"sold_at,omitempty"`
	NeedsReview     bool             `json:"needs_review"`
	ReviewReason    string           `json:"review_reason,omitempty"`
	Suspended       bool             `json:"suspended"`
	SuspendReason   string           `json:"suspend_reason,omitempty"`
	CancelRequested bool             `json:"cancel_requested"`
	ArchivedAt      *time.Time       `json:"archived_at,omitempty"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// NewListingView converts a listing for output.
func NewListingView(l *domain.Listing) ListingView {
	v := ListingView{
		ID:              l.ID,
		AssetID:         l.AssetID,
		GameDate:        l.GameDate,
		CurrentPrice:    l.CurrentPrice,
		GlobalState:     string(l.GlobalState()),
		Version:         l.Version,
		Platforms:       make(map[string]PlatformView, len(l.Platforms)),
		SalePlatform:    l.SalePlatform,
		SoldAt:          optTime(l.SoldAt),
		NeedsReview:     l.NeedsReview,
		ReviewReason:    l.ReviewReason,
		Suspended:       l.Suspended,
		SuspendReason:   l.SuspendReason,
		CancelRequested: l.CancelRequested,
		ArchivedAt:      optTime(l.ArchivedAt),
		UpdatedAt:       l.UpdatedAt,
	}
	if l.SalePlatform != "" {
		price := l.SoldPrice
		v.SoldPrice = &price
	}
	for name, p := range l.Platforms {
		pv := PlatformView{
			ExternalListingID: p.ExternalListingID,
			State:             string(p.State),
			Price:             p.Price,
			LastSyncedAt:      optTime(p.LastSyncedAt),
			LastError:         p.LastError,
			ErrorKind:         string(p.ErrorKind),
			Escalated:         p.Escalated,
		}
		if !p.SoldPrice.IsZero() {
			sold := p.SoldPrice
			pv.SoldPrice = &sold
		}
		v.Platforms[name] = pv
	}
	return v
}

// DeadLetterView is the JSON form of a DeadLetter.
type DeadLetterView struct {
	JobID        string    `json:"job_id"`
	ListingID    string    `json:"listing_id"`
	Platform     string    `json:"platform"`
	Action       string    `json:"action"`
	AttemptCount int       `json:"attempt_count"`
	ErrorKind    string    `json:"error_kind,omitempty"`
	LastError    string    `json:"last_error"`
	FailedAt     time.Time `json:"failed_at"`
}

func NewDeadLetterView(d *domain.DeadLetter) DeadLetterView {
	return DeadLetterView{
		JobID:        d.JobID,
		ListingID:    d.ListingID,
		Platform:     d.Platform,
		Action:       string(d.Action),
		AttemptCount: d.AttemptCount,
		ErrorKind:    string(d.ErrorKind),
		LastError:    d.LastError,
		FailedAt:     d.FailedAt,
	}
}

// RecordView is the JSON form of a ReconciliationRecord.
type RecordView struct {
	RunID       string          `json:"run_id"`
	ListingID   string          `json:"listing_id"`
	Platform    string          `json:"platform,omitempty"`
	Discrepancy string          `json:"discrepancy"`
	Resolution  string          `json:"resolution"`
	LedgerState string          `json:"ledger_state,omitempty"`
	RemoteState string          `json:"remote_state,omitempty"`
	LedgerPrice decimal.Decimal `json:"ledger_price"`
	RemotePrice decimal.Decimal `json:"remote_price"`
	Detail      string          `json:"detail,omitempty"`
	DetectedAt  time.Time       `json:"detected_at"`
}

func NewRecordView(r *domain.ReconciliationRecord) RecordView {
	return RecordView{
		RunID:       r.RunID,
		ListingID:   r.ListingID,
		Platform:    r.Platform,
		Discrepancy: string(r.Discrepancy),
		Resolution:  string(r.Resolution),
		LedgerState: string(r.LedgerState),
		RemoteState: string(r.RemoteState),
		LedgerPrice: r.LedgerPrice,
		RemotePrice: r.RemotePrice,
		Detail:      r.Detail,
		DetectedAt:  r.DetectedAt,
	}
}

func optTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

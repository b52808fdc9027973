package marketplace

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"resale-sync/internal/domain"
)

func newTestHTTPAdapter(t *testing.T, handler http.HandlerFunc) *HTTPAdapter {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	a, err := NewHTTPAdapter(HTTPAdapterOptions{
		Name:          "alpha",
		BaseURL:       server.URL,
		APIKey:        "key-123",
		WebhookSecret: "whsec",
		RateLimit:     1000,
		Burst:         100,
	})
	if err != nil {
		t.Fatalf("NewHTTPAdapter: %v", err)
	}
	return a
}

func TestHTTPAdapter_List(t *testing.T) {
	a := newTestHTTPAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/listings" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer key-123" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get(IdempotencyKeyHeader); got != "idem-1" {
			t.Errorf("Idempotency-Key = %q", got)
		}

		var req createListingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Price != "120.00" || req.Reference != "l-1" {
			t.Errorf("unexpected body: %+v", req)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(createListingResponse{ListingID: "ext-9"})
	})

	id, err := a.List(context.Background(), ListingDetails{
		ListingID:      "l-1",
		GameDate:       time.Date(2026, 11, 1, 19, 0, 0, 0, time.UTC),
		Price:          decimal.NewFromInt(120),
		IdempotencyKey: "idem-1",
	})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if id != "ext-9" {
		t.Errorf("expected ext-9, got %s", id)
	}
}

func TestHTTPAdapter_ErrorTaxonomy(t *testing.T) {
	tests := []struct {
		name   string
		status int
		header map[string]string
		want   domain.ErrorKind
	}{
		{"unauthorized", http.StatusUnauthorized, nil, domain.ErrorKindAuth},
		{"forbidden", http.StatusForbidden, nil, domain.ErrorKindAuth},
		{"bad request", http.StatusBadRequest, nil, domain.ErrorKindValidation},
		{"unprocessable", http.StatusUnprocessableEntity, nil, domain.ErrorKindValidation},
		{"rate limited", http.StatusTooManyRequests, map[string]string{"Retry-After": "7"}, domain.ErrorKindRateLimit},
		{"server error", http.StatusBadGateway, nil, domain.ErrorKindTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestHTTPAdapter(t, func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tt.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
			})

			_, err := a.List(context.Background(), ListingDetails{Price: decimal.NewFromInt(1)})
			if got := Classify(err); got != tt.want {
				t.Errorf("Classify() = %s, want %s (err=%v)", got, tt.want, err)
			}
			if tt.status == http.StatusTooManyRequests {
				if d, ok := RetryAfter(err); !ok || d != 7*time.Second {
					t.Errorf("RetryAfter = %v, %v", d, ok)
				}
			}
		})
	}
}

func TestHTTPAdapter_DelistNotFoundIsSuccess(t *testing.T) {
	calls := 0
	a := newTestHTTPAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.Method != http.MethodDelete || r.URL.Path != "/listings/ext-1" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if calls == 1 {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})

	for i := 0; i < 2; i++ {
		if err := a.Delist(context.Background(), "ext-1"); err != nil {
			t.Fatalf("Delist #%d: %v", i+1, err)
		}
	}
}

func TestHTTPAdapter_GetStatus(t *testing.T) {
	a := newTestHTTPAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/listings/ext-1":
			json.NewEncoder(w).Encode(statusResponse{Status: "sold", Price: "118.50", UpdatedAt: "2026-10-02T09:00:00Z"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	snap, err := a.GetStatus(context.Background(), "ext-1")
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if snap.State != domain.StateSold {
		t.Errorf("State = %s, want SOLD", snap.State)
	}
	if !snap.CurrentPrice.Equal(decimal.RequireFromString("118.50")) {
		t.Errorf("CurrentPrice = %s", snap.CurrentPrice)
	}

	gone, err := a.GetStatus(context.Background(), "ext-404")
	if err != nil {
		t.Fatalf("GetStatus missing: %v", err)
	}
	if gone.State != domain.StateNotListed {
		t.Errorf("State = %s, want NOT_LISTED", gone.State)
	}
}

func TestHTTPAdapter_ParseWebhookPayload(t *testing.T) {
	a := newTestHTTPAdapter(t, func(w http.ResponseWriter, r *http.Request) {})

	body := []byte(`{"type":"listing.sold","listing_id":"ext-1","price":"120.00","sold_at":"2026-10-02T09:00:00Z"}`)
	header := http.Header{}
	header.Set(SignatureHeader, hex.EncodeToString(SignHMAC([]byte("whsec"), body)))

	e, err := a.ParseWebhookPayload(header, body)
	if err != nil {
		t.Fatalf("ParseWebhookPayload: %v", err)
	}
	if e.Platform != "alpha" || e.ExternalListingID != "ext-1" || !e.SoldPrice.Equal(decimal.NewFromInt(120)) {
		t.Errorf("unexpected event: %+v", e)
	}

	header.Set(SignatureHeader, "deadbeef")
	if _, err := a.ParseWebhookPayload(header, body); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("expected ErrInvalidSignature, got %v", err)
	}

	other := []byte(`{"type":"listing.viewed","listing_id":"ext-1"}`)
	header.Set(SignatureHeader, hex.EncodeToString(SignHMAC([]byte("whsec"), other)))
	if _, err := a.ParseWebhookPayload(header, other); !errors.Is(err, ErrIgnorable) {
		t.Errorf("expected ErrIgnorable, got %v", err)
	}
}

func TestParseRetryAfter(t *testing.T) {
	if got := parseRetryAfter("3"); got != 3*time.Second {
		t.Errorf("parseRetryAfter(3) = %v", got)
	}
	if got := parseRetryAfter(""); got != DefaultRetryAfter {
		t.Errorf("parseRetryAfter(\"\") = %v", got)
	}
	if got := parseRetryAfter("garbage"); got != DefaultRetryAfter {
		t.Errorf("parseRetryAfter(garbage) = %v", got)
	}
}

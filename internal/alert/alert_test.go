package alert

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestRecorder(t *testing.T) {
	r := NewRecorder(2)
	ctx := context.Background()

	_ = r.Notify(ctx, SeverityInfo, "l1", "a")
	_ = r.Notify(ctx, SeverityCritical, "l1", "b")
	_ = r.Notify(ctx, SeverityCritical, "l2", "c")

	alerts := r.Alerts()
	if len(alerts) != 2 {
		t.Fatalf("expected 2 retained alerts, got %d", len(alerts))
	}
	if alerts[0].Message != "b" {
		t.Errorf("oldest retained = %q, want b", alerts[0].Message)
	}
	if r.Count(SeverityCritical) != 2 {
		t.Errorf("Count(CRITICAL) = %d", r.Count(SeverityCritical))
	}
}

type failingNotifier struct{}

func (failingNotifier) Notify(context.Context, Severity, string, string) error {
	return errors.New("down")
}

func TestMulti_DeliversToAll(t *testing.T) {
	r := NewRecorder(0)
	m := Multi{failingNotifier{}, r, NewLogNotifier(nil)}

	err := m.Notify(context.Background(), SeverityWarning, "l1", "dead letter")
	if err == nil {
		t.Error("expected joined error")
	}
	if len(r.Alerts()) != 1 {
		t.Error("recorder skipped after failing notifier")
	}
}

func TestWebhookNotifier_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		var a Alert
		if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
			t.Errorf("decode alert: %v", err)
		}
		if a.Severity != SeverityCritical || a.ListingID != "l1" {
			t.Errorf("unexpected alert %+v", a)
		}
		if n == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	n, err := NewWebhookNotifier(WebhookNotifierOptions{URL: server.URL})
	if err != nil {
		t.Fatalf("NewWebhookNotifier: %v", err)
	}
	if err := n.Notify(context.Background(), SeverityCritical, "l1", "DOUBLE_SALE_RISK"); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestWebhookNotifier_ClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	n, _ := NewWebhookNotifier(WebhookNotifierOptions{URL: server.URL})
	if err := n.Notify(context.Background(), SeverityInfo, "l1", "x"); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

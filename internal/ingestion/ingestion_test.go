package ingestion

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"resale-sync/internal/alert"
	"resale-sync/internal/clock"
	"resale-sync/internal/domain"
	"resale-sync/internal/marketplace"
	"resale-sync/internal/orchestrator"
	"resale-sync/internal/queue"
	"resale-sync/internal/storage/memory"
)

var testStart = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	ctx        context.Context
	clock      *clock.FakeClock
	queue      *queue.Queue
	listings   *memory.ListingStore
	inbox      *memory.EventInbox
	alerts     *alert.Recorder
	orch       *orchestrator.Orchestrator
	registry   *marketplace.Registry
	adapters   map[string]*marketplace.MockAdapter
	dispatcher *Dispatcher
	webhooks   *WebhookHandler
	server     *httptest.Server
}

func newHarness(t *testing.T, platforms ...string) *harness {
	t.Helper()
	clk := clock.Fake(testStart)
	h := &harness{
		ctx:      context.Background(),
		clock:    clk,
		queue:    queue.New(clk),
		listings: memory.NewListingStore(),
		inbox:    memory.NewEventInbox(),
		alerts:   alert.NewRecorder(0),
		adapters: make(map[string]*marketplace.MockAdapter),
	}

	registry, err := marketplace.NewRegistry()
	require.NoError(t, err)
	for _, name := range platforms {
		a := marketplace.NewMockAdapter(marketplace.MockAdapterOptions{Name: name, Now: clk.Now})
		h.adapters[name] = a
		require.NoError(t, registry.Register(a))
	}
	h.registry = registry

	h.orch = orchestrator.New(orchestrator.Options{
		Listings:  h.listings,
		Queue:     h.queue,
		Notifier:  h.alerts,
		Clock:     clk,
		Platforms: platforms,
	})
	h.dispatcher = NewDispatcher(DispatcherOptions{
		Inbox:   h.inbox,
		Applier: h.orch,
		Clock:   clk,
	})
	h.webhooks = NewWebhookHandler(WebhookOptions{
		Registry: registry,
		Inbox:    h.inbox,
		Waker:    h.dispatcher,
		Clock:    clk,
	})

	mux := http.NewServeMux()
	h.webhooks.Register(mux)
	h.server = httptest.NewServer(mux)
	t.Cleanup(h.server.Close)
	return h
}

// activeListing stores a listing live on every platform and seeds the
// mock marketplaces to match.
func (h *harness) activeListing(t *testing.T, id string, platforms ...string) *domain.Listing {
	t.Helper()
	price := decimal.NewFromInt(100)
	l := &domain.Listing{
		ID:           id,
		AssetID:      "asset-1",
		GameDate:     testStart.Add(30 * 24 * time.Hour),
		CurrentPrice: price,
		Platforms:    make(map[string]*domain.PlatformListing),
		Version:      1,
		CreatedAt:    testStart,
		UpdatedAt:    testStart,
	}
	for _, name := range platforms {
		ext := id + "-" + name
		l.Platforms[name] = &domain.PlatformListing{
			ExternalListingID: ext,
			State:             domain.StateActive,
			Price:             price,
			LastSyncedAt:      testStart,
		}
		h.adapters[name].Seed(ext, domain.StateActive, price)
	}
	require.NoError(t, h.listings.Insert(h.ctx, l))
	return l
}

func (h *harness) post(t *testing.T, platform string, header http.Header, body []byte) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, h.server.URL+"/webhooks/"+platform, bytes.NewReader(body))
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func (h *harness) listing(t *testing.T, id string) *domain.Listing {
	t.Helper()
	l, err := h.listings.Get(h.ctx, id)
	require.NoError(t, err)
	return l
}

func (h *harness) delistJobs(listingID, platform string) int {
	n := 0
	for _, j := range h.queue.Snapshot() {
		if j.ListingID == listingID && j.Platform == platform && j.Action == domain.ActionDelist {
			n++
		}
	}
	return n
}

func TestWebhook_DuplicateDeliveryFansOutOnce(t *testing.T) {
	h := newHarness(t, "x", "y")
	h.activeListing(t, "l1", "x", "y")

	header, body := h.adapters["x"].SellAndNotify("l1-x", decimal.NewFromInt(100), testStart)

	assert.Equal(t, http.StatusAccepted, h.post(t, "x", header, body))
	assert.Equal(t, http.StatusOK, h.post(t, "x", header, body))

	n, err := h.dispatcher.DrainOnce(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	l := h.listing(t, "l1")
	assert.Equal(t, domain.StateSaleDetected, l.Platforms["x"].State)
	assert.Equal(t, domain.StateDelisting, l.Platforms["y"].State)
	assert.Equal(t, int64(2), l.Version)
	assert.Equal(t, 1, h.delistJobs("l1", "y"))

	// A later redelivery after the event was applied is still a no-op.
	assert.Equal(t, http.StatusOK, h.post(t, "x", header, body))
	n, err = h.dispatcher.DrainOnce(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, int64(2), h.listing(t, "l1").Version)
}

func TestWebhook_ReplayedEventWithNewKeyIsNoop(t *testing.T) {
	h := newHarness(t, "x", "y")
	h.activeListing(t, "l1", "x", "y")

	header, body := h.adapters["x"].SellAndNotify("l1-x", decimal.NewFromInt(100), testStart)
	require.Equal(t, http.StatusAccepted, h.post(t, "x", header, body))
	_, err := h.dispatcher.DrainOnce(h.ctx)
	require.NoError(t, err)

	// Same sale reported an hour later lands in a different time bucket.
	header, body = h.adapters["x"].SaleWebhook("l1-x", decimal.NewFromInt(100), testStart.Add(time.Hour))
	require.Equal(t, http.StatusAccepted, h.post(t, "x", header, body))
	n, err := h.dispatcher.DrainOnce(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	l := h.listing(t, "l1")
	assert.Equal(t, int64(2), l.Version)
	assert.False(t, l.NeedsReview)
	assert.Equal(t, 1, h.delistJobs("l1", "y"))
}

func TestWebhook_StatusCodes(t *testing.T) {
	h := newHarness(t, "x")
	h.activeListing(t, "l1", "x")

	_, body := h.adapters["x"].SaleWebhook("l1-x", decimal.NewFromInt(100), testStart)
	bad := http.Header{}
	bad.Set(marketplace.SignatureHeader, strings.Repeat("0", 64))
	assert.Equal(t, http.StatusUnauthorized, h.post(t, "x", bad, body))

	header, body := h.adapters["x"].SaleWebhook("l1-x", decimal.NewFromInt(100), testStart)
	assert.Equal(t, http.StatusNotFound, h.post(t, "nope", header, body))

	pending, err := h.inbox.Pending(h.ctx, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, pending, "rejected deliveries must not reach the inbox")
}

func TestDispatcher_UnmatchedSaleIsRetired(t *testing.T) {
	h := newHarness(t, "x")
	header, body := h.adapters["x"].SaleWebhook("ghost-ext", decimal.NewFromInt(50), testStart)
	require.Equal(t, http.StatusAccepted, h.post(t, "x", header, body))

	n, err := h.dispatcher.DrainOnce(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, err := h.inbox.Pending(h.ctx, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestDispatcher_EarliestSaleWins(t *testing.T) {
	h := newHarness(t, "x", "y")
	h.activeListing(t, "l1", "x", "y")

	// y's webhook arrives first but x sold first.
	hy, by := h.adapters["y"].SellAndNotify("l1-y", decimal.NewFromInt(100), testStart.Add(time.Minute))
	hx, bx := h.adapters["x"].SellAndNotify("l1-x", decimal.NewFromInt(100), testStart)
	require.Equal(t, http.StatusAccepted, h.post(t, "y", hy, by))
	h.clock.Advance(time.Second)
	require.Equal(t, http.StatusAccepted, h.post(t, "x", hx, bx))

	n, err := h.dispatcher.DrainOnce(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	l := h.listing(t, "l1")
	assert.Equal(t, "x", l.SalePlatform)
	assert.True(t, l.NeedsReview)
	assert.Equal(t, domain.ErrorKindDoubleSale, l.Platforms["y"].ErrorKind)
	assert.Equal(t, 1, h.alerts.Count(alert.SeverityCritical))
}

func TestPoller_FindsSaleWithoutWebhook(t *testing.T) {
	h := newHarness(t, "x", "y")
	h.activeListing(t, "l1", "x", "y")
	h.adapters["x"].SetState("l1-x", domain.StateSold)

	poller := NewPoller(PollerOptions{
		Listings: h.listings,
		Registry: h.registry,
		Inbox:    h.inbox,
		Waker:    h.dispatcher,
		Clock:    h.clock,
	})

	added, err := poller.PollOnce(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	// Before the dispatcher runs, a second poll sees the same sale.
	added, err = poller.PollOnce(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, added)

	_, err = h.dispatcher.DrainOnce(h.ctx)
	require.NoError(t, err)

	l := h.listing(t, "l1")
	assert.Equal(t, domain.StateSaleDetected, l.Platforms["x"].State)
	assert.Equal(t, domain.StateDelisting, l.Platforms["y"].State)
}

func TestPoller_WebhookAndPollDedupe(t *testing.T) {
	h := newHarness(t, "x", "y")
	h.activeListing(t, "l1", "x", "y")

	header, body := h.adapters["x"].SellAndNotify("l1-x", decimal.NewFromInt(100), testStart)
	require.Equal(t, http.StatusAccepted, h.post(t, "x", header, body))

	poller := NewPoller(PollerOptions{
		Listings: h.listings,
		Registry: h.registry,
		Inbox:    h.inbox,
		Clock:    h.clock,
	})
	added, err := poller.PollOnce(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, added, "poll must reuse the webhook's idempotency key")
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func TestStreamSource_ReadsSignedFrames(t *testing.T) {
	h := newHarness(t, "x", "y")
	h.activeListing(t, "l1", "x", "y")

	header, body := h.adapters["x"].SellAndNotify("l1-x", decimal.NewFromInt(100), testStart)
	frame, err := json.Marshal(StreamFrame{
		Headers: map[string]string{marketplace.SignatureHeader: header.Get(marketplace.SignatureHeader)},
		Body:    string(body),
	})
	require.NoError(t, err)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"headers":{},"body":"not signed"}`))
		conn.WriteMessage(websocket.TextMessage, frame)
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	src, err := NewStreamSource(StreamOptions{
		Endpoint: "ws" + strings.TrimPrefix(server.URL, "http"),
		Adapter:  h.adapters["x"],
		Inbox:    h.inbox,
		Waker:    h.dispatcher,
		Clock:    h.clock,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(h.ctx)
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx) }()

	require.Eventually(t, func() bool {
		pending, _ := h.inbox.Pending(h.ctx, 10, 0)
		return len(pending) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not stop")
	}

	pending, err := h.inbox.Pending(h.ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, domain.EventSourceStream, pending[0].Source)
	assert.Equal(t, "l1-x", pending[0].ExternalListingID)
}

func TestDecodeFrame(t *testing.T) {
	want := StreamFrame{
		Headers: map[string]string{"X-Signature": "abc"},
		Body:    `{"event":"sale"}`,
	}

	text, err := json.Marshal(want)
	require.NoError(t, err)
	got, err := decodeFrame(websocket.TextMessage, text)
	require.NoError(t, err)
	assert.Equal(t, want, *got)

	binary, err := cbor.Marshal(map[string]any{
		"headers": want.Headers,
		"body":    want.Body,
		"seq":     42,
	})
	require.NoError(t, err)
	got, err = decodeFrame(websocket.BinaryMessage, binary)
	require.NoError(t, err)
	assert.Equal(t, want, *got)

	_, err = decodeFrame(websocket.BinaryMessage, []byte("{not cbor"))
	assert.Error(t, err)
	_, err = decodeFrame(websocket.PingMessage, nil)
	assert.Error(t, err)
}

func TestNewStreamSource_Validation(t *testing.T) {
	_, err := NewStreamSource(StreamOptions{Endpoint: "ws://localhost"})
	assert.Error(t, err)
}

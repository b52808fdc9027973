package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"resale-sync/internal/api"
	"resale-sync/internal/clock"
	"resale-sync/internal/config"
	"resale-sync/internal/domain"
	"resale-sync/internal/marketplace"
)

var testStart = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	ctx   context.Context
	clock *clock.FakeClock
	app   *App
	srv   *httptest.Server
	mocks map[string]*marketplace.MockAdapter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.Fake(testStart)
	f := &fixture{
		ctx:   context.Background(),
		clock: clk,
		mocks: make(map[string]*marketplace.MockAdapter),
	}

	cfg := config.Default()
	var adapters []marketplace.Adapter
	for _, name := range []string{"stubhub", "seatgeek"} {
		cfg.Platforms = append(cfg.Platforms, config.PlatformConfig{Name: name, Kind: config.KindMock})
		m := marketplace.NewMockAdapter(marketplace.MockAdapterOptions{Name: name, Now: clk.Now})
		f.mocks[name] = m
		adapters = append(adapters, m)
	}
	require.NoError(t, cfg.Validate())

	a, err := New(f.ctx, Options{Config: cfg, Clock: clk, Adapters: adapters})
	require.NoError(t, err)
	t.Cleanup(a.Close)
	f.app = a

	f.srv = httptest.NewServer(a.Handler())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) post(t *testing.T, path string, header http.Header, body []byte) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, f.srv.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func (f *fixture) postJSON(t *testing.T, path string, v any) int {
	t.Helper()
	body, err := json.Marshal(v)
	require.NoError(t, err)
	return f.post(t, path, http.Header{"Content-Type": {"application/json"}}, body)
}

func (f *fixture) listing(t *testing.T, id string) *domain.Listing {
	t.Helper()
	l, err := f.app.Orchestrator.Get(f.ctx, id)
	require.NoError(t, err)
	return l
}

func (f *fixture) createActive(t *testing.T, id string) *domain.Listing {
	t.Helper()
	require.Equal(t, http.StatusCreated, f.postJSON(t, "/assets", api.CreateAssetRequest{AssetID: "asset-" + id, Venue: "Wrigley"}))
	require.Equal(t, http.StatusCreated, f.postJSON(t, "/listings", api.CreateListingRequest{
		ID:        id,
		AssetID:   "asset-" + id,
		GameDate:  testStart.Add(10 * 24 * time.Hour),
		Price:     decimal.NewFromInt(150),
		Platforms: []string{"stubhub", "seatgeek"},
		ListNow:   true,
	}))
	require.Equal(t, 2, f.app.Pool.RunOnce(f.ctx))

	l := f.listing(t, id)
	require.Equal(t, domain.StateActive, l.Platforms["stubhub"].State)
	require.Equal(t, domain.StateActive, l.Platforms["seatgeek"].State)
	return l
}

func TestSaleWebhookDelistsSibling(t *testing.T) {
	f := newFixture(t)
	l := f.createActive(t, "l-1")

	extA := l.Platforms["stubhub"].ExternalListingID
	extB := l.Platforms["seatgeek"].ExternalListingID
	header, body := f.mocks["stubhub"].SellAndNotify(extA, decimal.NewFromInt(150), f.clock.Now())
	require.Equal(t, http.StatusAccepted, f.post(t, "/webhooks/stubhub", header, body))

	applied, err := f.app.Dispatcher.DrainOnce(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)

	l = f.listing(t, "l-1")
	assert.Equal(t, domain.StateSaleDetected, l.Platforms["stubhub"].State)
	assert.Equal(t, domain.StateDelisting, l.Platforms["seatgeek"].State)

	require.Equal(t, 1, f.app.Pool.RunOnce(f.ctx))
	l = f.listing(t, "l-1")
	assert.Equal(t, domain.StateSold, l.Platforms["stubhub"].State)
	assert.Equal(t, domain.StateNotListed, l.Platforms["seatgeek"].State)
	assert.Equal(t, 1, f.mocks["seatgeek"].Removals(extB))

	report, err := f.app.Reconciler.RunOnce(f.ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Records, "ledger and platforms agree")
}

func TestRedriveRequeuesLostJobs(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusCreated, f.postJSON(t, "/assets", api.CreateAssetRequest{AssetID: "asset-1"}))
	require.Equal(t, http.StatusCreated, f.postJSON(t, "/listings", api.CreateListingRequest{
		ID:        "l-1",
		AssetID:   "asset-1",
		GameDate:  testStart.Add(10 * 24 * time.Hour),
		Price:     decimal.NewFromInt(90),
		Platforms: []string{"stubhub", "seatgeek"},
		ListNow:   true,
	}))

	n, err := f.app.Redrive(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "jobs still queued")

	// Simulate a restart that lost the in-memory queue.
	for {
		job, ok := f.app.Queue.TryDequeue()
		if !ok {
			break
		}
		f.app.Queue.Done(job)
	}
	n, err = f.app.Redrive(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, f.app.Queue.Depth()[domain.ActionList])
}

func TestHandlerServesMetricsAndStatus(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{"/metrics", "/status", "/health"} {
		resp, err := http.Get(f.srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestNewRejectsBadPlatform(t *testing.T) {
	cfg := config.Default()
	cfg.Platforms = []config.PlatformConfig{{Name: "feed", Kind: config.KindSignedFeed, BaseURL: "https://feed.example", PublicKey: "not-base64"}}
	_, err := New(context.Background(), Options{Config: cfg})
	assert.ErrorContains(t, err, "platform feed")
}

func TestNewPricingNeedsPredictor(t *testing.T) {
	cfg := config.Default()
	cfg.Platforms = []config.PlatformConfig{{Name: "a", Kind: config.KindMock}}
	cfg.Pricing.Enabled = true
	cfg.Pricing.PredictorURL = "http://predictor.local/predict"
	a, err := New(context.Background(), Options{Config: cfg})
	require.NoError(t, err)
	defer a.Close()
	assert.NotNil(t, a.Pricing)
}

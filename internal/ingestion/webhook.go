package ingestion

import (
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"resale-sync/internal/clock"
	"resale-sync/internal/domain"
	"resale-sync/internal/marketplace"
	"resale-sync/internal/observability"
	"resale-sync/internal/storage"
)

// DefaultMaxBodyBytes caps a webhook request body.
const DefaultMaxBodyBytes = 1 << 20

// WebhookHandler receives sale notifications on POST /webhooks/{platform}.
// It verifies and persists the event, then returns; it never calls a
// marketplace, so marketplaces see a fast acknowledgement.
type WebhookHandler struct {
	registry *marketplace.Registry
	inbox    storage.EventInbox
	waker    Waker
	clock    clock.Clock
	logger   *zap.Logger
	maxBody  int64
}

// WebhookOptions for creating a WebhookHandler.
type WebhookOptions struct {
	Registry *marketplace.Registry
	Inbox    storage.EventInbox
	Waker    Waker // usually the Dispatcher
	Clock    clock.Clock
	Logger   *zap.Logger

	MaxBodyBytes int64
}

// NewWebhookHandler creates a WebhookHandler.
func NewWebhookHandler(opts WebhookOptions) *WebhookHandler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	return &WebhookHandler{
		registry: opts.Registry,
		inbox:    opts.Inbox,
		waker:    opts.Waker,
		clock:    clk,
		logger:   logger.Named("webhook"),
		maxBody:  maxBody,
	}
}

// Register mounts the handler on mux.
func (h *WebhookHandler) Register(mux *http.ServeMux) {
	mux.Handle("POST /webhooks/{platform}", h)
}

// ServeHTTP handles one webhook delivery.
//
//	202 accepted, 200 already received, 204 verified but not a sale,
//	401 bad signature, 400 malformed, 404 unknown platform, 503 inbox down.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	platform := r.PathValue("platform")
	log := h.logger.With(zap.String("platform", platform))

	adapter, err := h.registry.Get(platform)
	if err != nil {
		h.reply(w, platform, "unknown_platform", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		log.Warn("read webhook body failed", zap.Error(err))
		h.reply(w, platform, "bad_request", http.StatusBadRequest)
		return
	}

	ev, err := adapter.ParseWebhookPayload(r.Header, body)
	switch {
	case errors.Is(err, marketplace.ErrInvalidSignature):
		log.Warn("webhook signature rejected", zap.String("remote", r.RemoteAddr))
		h.reply(w, platform, "bad_signature", http.StatusUnauthorized)
		return
	case errors.Is(err, marketplace.ErrIgnorable):
		h.reply(w, platform, "ignored", http.StatusNoContent)
		return
	case err != nil:
		log.Warn("webhook payload rejected", zap.Error(err))
		h.reply(w, platform, "bad_request", http.StatusBadRequest)
		return
	}

	ev.Platform = platform
	normalize(ev, domain.EventSourceWebhook, h.clock.Now())

	duplicate, err := accept(r.Context(), h.inbox, ev)
	if err != nil {
		log.Error("inbox append failed", zap.Error(err))
		h.reply(w, platform, "inbox_unavailable", http.StatusServiceUnavailable)
		return
	}
	if duplicate {
		log.Debug("duplicate webhook", zap.String("key", ev.IdempotencyKey))
		h.reply(w, platform, "duplicate", http.StatusOK)
		return
	}

	log.Info("sale webhook accepted",
		zap.String("key", ev.IdempotencyKey),
		zap.String("external_id", ev.ExternalListingID),
		zap.String("sold_price", ev.SoldPrice.String()))
	wake(h.waker)
	h.reply(w, platform, "accepted", http.StatusAccepted)
}

func (h *WebhookHandler) reply(w http.ResponseWriter, platform, result string, status int) {
	observability.RecordWebhook(platform, result)
	w.WriteHeader(status)
}

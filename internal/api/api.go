// Package api serves the operator HTTP surface: listing management,
// manual review and the status page.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"resale-sync/internal/clock"
	"resale-sync/internal/domain"
	"resale-sync/internal/orchestrator"
	"resale-sync/internal/retry"
	"resale-sync/internal/storage"
)

// DefaultDeadLetterWindow is how far back GET /dead-letters looks when no
// since parameter is given.
const DefaultDeadLetterWindow = 24 * time.Hour

// Orchestrator is the set of listing transitions the API exposes.
type Orchestrator interface {
	CreateListing(ctx context.Context, req orchestrator.CreateListingRequest) (*domain.Listing, error)
	Get(ctx context.Context, listingID string) (*domain.Listing, error)
	RequestList(ctx context.Context, listingID string, platforms ...string) (*domain.Listing, error)
	RequestPriceUpdate(ctx context.Context, listingID string, price decimal.Decimal, source domain.JobSource) (*domain.Listing, error)
	CancelListing(ctx context.Context, listingID string) (*domain.Listing, error)
	ResolveReview(ctx context.Context, listingID, note string) (*domain.Listing, error)
	ClearSale(ctx context.Context, listingID, platform string) (*domain.Listing, error)
}

// QueueStats reports job queue depth.
type QueueStats interface {
	Len() int
	Depth() map[domain.Action]int
}

// BreakerStates reports circuit state per platform.
type BreakerStates interface {
	State(platform string) retry.BreakerState
}

// Options for creating Server.
type Options struct {
	// Required
	Orchestrator Orchestrator

	// Optional
	Assets      storage.AssetStore
	DeadLetters storage.DeadLetterStore
	Audit       storage.AuditStore
	Queue       QueueStats
	Breakers    BreakerStates
	Platforms   []string
	AdminToken  string // bearer token; empty disables auth
	Clock       clock.Clock
	Logger      *zap.Logger
}

// Server handles admin requests.
type Server struct {
	orch        Orchestrator
	assets      storage.AssetStore
	deadLetters storage.DeadLetterStore
	audit       storage.AuditStore
	queue       QueueStats
	breakers    BreakerStates
	platforms   []string
	token       string
	clock       clock.Clock
	logger      *zap.Logger
	started     time.Time
}

// New creates a new Server.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	return &Server{
		orch:        opts.Orchestrator,
		assets:      opts.Assets,
		deadLetters: opts.DeadLetters,
		audit:       opts.Audit,
		queue:       opts.Queue,
		breakers:    opts.Breakers,
		platforms:   opts.Platforms,
		token:       opts.AdminToken,
		clock:       clk,
		logger:      logger.Named("api"),
		started:     clk.Now(),
	}
}

// Register adds the admin routes to mux. /health and /status are public.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)

	mux.Handle("POST /assets", s.auth(s.handleCreateAsset))
	mux.Handle("POST /listings", s.auth(s.handleCreateListing))
	mux.Handle("GET /listings/{id}", s.auth(s.handleGetListing))
	mux.Handle("POST /listings/{id}/list", s.auth(s.handleRequestList))
	mux.Handle("POST /listings/{id}/price", s.auth(s.handleUpdatePrice))
	mux.Handle("POST /listings/{id}/cancel", s.auth(s.handleCancel))
	mux.Handle("POST /listings/{id}/review/resolve", s.auth(s.handleResolveReview))
	mux.Handle("POST /listings/{id}/platforms/{platform}/clear-sale", s.auth(s.handleClearSale))
	mux.Handle("GET /listings/{id}/audit", s.auth(s.handleAudit))
	mux.Handle("GET /dead-letters", s.auth(s.handleDeadLetters))
}

func (s *Server) auth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		next(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Status     string            `json:"status"`
	Uptime     string            `json:"uptime"`
	QueueLen   int               `json:"queue_len"`
	QueueDepth map[string]int    `json:"queue_depth,omitempty"`
	Breakers   map[string]string `json:"breakers,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Status: "running",
		Uptime: s.clock.Now().Sub(s.started).Round(time.Second).String(),
	}
	if s.queue != nil {
		resp.QueueLen = s.queue.Len()
		resp.QueueDepth = make(map[string]int)
		for action, n := range s.queue.Depth() {
			resp.QueueDepth[string(action)] = n
		}
	}
	if s.breakers != nil {
		resp.Breakers = make(map[string]string, len(s.platforms))
		for _, p := range s.platforms {
			resp.Breakers[p] = string(s.breakers.State(p))
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// CreateAssetRequest is the body of POST /assets.
type CreateAssetRequest struct {
	AssetID   string          `json:"asset_id"`
	Owner     string          `json:"owner"`
	Venue     string          `json:"venue"`
	Section   string          `json:"section"`
	Row       string          `json:"row"`
	Seat      string          `json:"seat"`
	Season    string          `json:"season"`
	CostBasis decimal.Decimal `json:"cost_basis"`
}

func (s *Server) handleCreateAsset(w http.ResponseWriter, r *http.Request) {
	if s.assets == nil {
		writeError(w, http.StatusNotImplemented, "asset store not configured")
		return
	}
	var req CreateAssetRequest
	if !decode(w, r, &req) {
		return
	}
	if req.AssetID == "" {
		writeError(w, http.StatusBadRequest, "asset_id is required")
		return
	}
	a := &domain.SeasonTicketAsset{
		AssetID:   req.AssetID,
		Owner:     req.Owner,
		Venue:     req.Venue,
		Section:   req.Section,
		Row:       req.Row,
		Seat:      req.Seat,
		Season:    req.Season,
		CostBasis: req.CostBasis,
		CreatedAt: s.clock.Now(),
	}
	if err := s.assets.Insert(r.Context(), a); err != nil {
		s.fail(w, "create asset", err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// CreateListingRequest is the body of POST /listings.
type CreateListingRequest struct {
	ID        string          `json:"id,omitempty"`
	AssetID   string          `json:"asset_id"`
	GameDate  time.Time       `json:"game_date"`
	Price     decimal.Decimal `json:"price"`
	Platforms []string        `json:"platforms"`
	ListNow   bool            `json:"list_now"`
}

func (s *Server) handleCreateListing(w http.ResponseWriter, r *http.Request) {
	var req CreateListingRequest
	if !decode(w, r, &req) {
		return
	}
	l, err := s.orch.CreateListing(r.Context(), orchestrator.CreateListingRequest{
		ID:        req.ID,
		AssetID:   req.AssetID,
		GameDate:  req.GameDate,
		Price:     req.Price,
		Platforms: req.Platforms,
		ListNow:   req.ListNow,
	})
	if err != nil {
		s.fail(w, "create listing", err)
		return
	}
	writeJSON(w, http.StatusCreated, NewListingView(l))
}

func (s *Server) handleGetListing(w http.ResponseWriter, r *http.Request) {
	l, err := s.orch.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, "get listing", err)
		return
	}
	writeJSON(w, http.StatusOK, NewListingView(l))
}

type requestListBody struct {
	Platforms []string `json:"platforms"`
}

func (s *Server) handleRequestList(w http.ResponseWriter, r *http.Request) {
	var body requestListBody
	if r.ContentLength != 0 && !decode(w, r, &body) {
		return
	}
	l, err := s.orch.RequestList(r.Context(), r.PathValue("id"), body.Platforms...)
	s.reply(w, "request list", l, err)
}

type updatePriceBody struct {
	Price decimal.Decimal `json:"price"`
}

func (s *Server) handleUpdatePrice(w http.ResponseWriter, r *http.Request) {
	var body updatePriceBody
	if !decode(w, r, &body) {
		return
	}
	if !body.Price.IsPositive() {
		writeError(w, http.StatusBadRequest, "price must be positive")
		return
	}
	l, err := s.orch.RequestPriceUpdate(r.Context(), r.PathValue("id"), body.Price, domain.SourceUser)
	s.reply(w, "update price", l, err)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	l, err := s.orch.CancelListing(r.Context(), r.PathValue("id"))
	s.reply(w, "cancel listing", l, err)
}

type resolveReviewBody struct {
	Note string `json:"note"`
}

func (s *Server) handleResolveReview(w http.ResponseWriter, r *http.Request) {
	var body resolveReviewBody
	if r.ContentLength != 0 && !decode(w, r, &body) {
		return
	}
	l, err := s.orch.ResolveReview(r.Context(), r.PathValue("id"), body.Note)
	s.reply(w, "resolve review", l, err)
}

func (s *Server) handleClearSale(w http.ResponseWriter, r *http.Request) {
	l, err := s.orch.ClearSale(r.Context(), r.PathValue("id"), r.PathValue("platform"))
	s.reply(w, "clear sale", l, err)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusNotImplemented, "audit store not configured")
		return
	}
	records, err := s.audit.GetByListing(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, "audit", err)
		return
	}
	views := make([]RecordView, 0, len(records))
	for _, rec := range records {
		views = append(views, NewRecordView(rec))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if s.deadLetters == nil {
		writeError(w, http.StatusNotImplemented, "dead letter store not configured")
		return
	}

	var (
		letters []*domain.DeadLetter
		err     error
	)
	if id := r.URL.Query().Get("listing_id"); id != "" {
		letters, err = s.deadLetters.GetByListing(r.Context(), id)
	} else {
		window := DefaultDeadLetterWindow
		if raw := r.URL.Query().Get("since"); raw != "" {
			window, err = time.ParseDuration(raw)
			if err != nil || window <= 0 {
				writeError(w, http.StatusBadRequest, "since must be a positive duration")
				return
			}
		}
		letters, err = s.deadLetters.List(r.Context(), s.clock.Now().Add(-window))
	}
	if err != nil {
		s.fail(w, "dead letters", err)
		return
	}

	views := make([]DeadLetterView, 0, len(letters))
	for _, d := range letters {
		views = append(views, NewDeadLetterView(d))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) reply(w http.ResponseWriter, op string, l *domain.Listing, err error) {
	if err != nil {
		s.fail(w, op, err)
		return
	}
	writeJSON(w, http.StatusOK, NewListingView(l))
}

// fail maps domain errors to status codes. Unexpected errors are logged and
// returned without detail.
func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error(op+" failed", zap.Error(err))
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrInvalidInput),
		errors.Is(err, orchestrator.ErrUnknownPlatform):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrDuplicateKey),
		errors.Is(err, orchestrator.ErrSaleInProgress),
		errors.Is(err, orchestrator.ErrListingArchived),
		errors.Is(err, orchestrator.ErrListingSuspended),
		errors.Is(err, orchestrator.ErrUnderReview),
		errors.Is(err, orchestrator.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrTooManyConflicts):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

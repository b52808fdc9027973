package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"resale-sync/internal/clock"
	"resale-sync/internal/domain"
	"resale-sync/internal/marketplace"
	"resale-sync/internal/observability"
	"resale-sync/internal/storage"
)

// StreamFrame is one message on a marketplace sale feed. Headers and Body
// carry exactly what the platform would send as a webhook, so the adapter
// verifies the frame the same way. Text messages are JSON; binary
// messages are CBOR with the same field names.
type StreamFrame struct {
	Headers map[string]string `json:"headers" cbor:"headers"`
	Body    string            `json:"body" cbor:"body"`
}

// frameDecMode caps map sizes. Unknown fields are ignored, so feeds may add
// their own metadata.
var frameDecMode cbor.DecMode

func init() {
	var err error
	frameDecMode, err = cbor.DecOptions{
		MaxMapPairs: 256,
	}.DecMode()
	if err != nil {
		panic("ingestion: CBOR decoder initialization failed: " + err.Error())
	}
}

// decodeFrame parses a feed message according to its websocket type.
func decodeFrame(messageType int, message []byte) (*StreamFrame, error) {
	var frame StreamFrame
	switch messageType {
	case websocket.TextMessage:
		if err := json.Unmarshal(message, &frame); err != nil {
			return nil, fmt.Errorf("json frame: %w", err)
		}
	case websocket.BinaryMessage:
		if err := frameDecMode.Unmarshal(message, &frame); err != nil {
			return nil, fmt.Errorf("cbor frame: %w", err)
		}
	default:
		return nil, fmt.Errorf("unexpected message type %d", messageType)
	}
	return &frame, nil
}

// StreamConfig contains websocket feed configuration.
type StreamConfig struct {
	// ReadTimeout is the maximum silence before the feed is considered dead.
	ReadTimeout time.Duration
	// PingInterval is the interval between ping messages.
	PingInterval time.Duration
	// ReconnectDelay is initial delay before reconnect attempt.
	ReconnectDelay time.Duration
	// MaxReconnectDelay is maximum delay between reconnect attempts.
	MaxReconnectDelay time.Duration
	// HandshakeTimeout bounds the websocket dial.
	HandshakeTimeout time.Duration
}

// DefaultStreamConfig returns default feed configuration.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		ReadTimeout:       60 * time.Second,
		PingInterval:      30 * time.Second,
		ReconnectDelay:    1 * time.Second,
		MaxReconnectDelay: 30 * time.Second,
		HandshakeTimeout:  10 * time.Second,
	}
}

// StreamSource consumes one platform's websocket sale feed into the inbox.
type StreamSource struct {
	endpoint string
	header   http.Header
	adapter  marketplace.Adapter
	inbox    storage.EventInbox
	waker    Waker
	clock    clock.Clock
	logger   *zap.Logger
	config   StreamConfig
}

// StreamOptions for creating a StreamSource.
type StreamOptions struct {
	Endpoint string      // ws:// or wss:// URL
	Header   http.Header // sent on dial, e.g. Authorization
	Adapter  marketplace.Adapter
	Inbox    storage.EventInbox
	Waker    Waker
	Clock    clock.Clock
	Logger   *zap.Logger
	Config   *StreamConfig
}

// NewStreamSource creates a StreamSource. It does not dial until Run.
func NewStreamSource(opts StreamOptions) (*StreamSource, error) {
	if opts.Endpoint == "" {
		return nil, errors.New("stream: endpoint required")
	}
	if opts.Adapter == nil {
		return nil, errors.New("stream: adapter required")
	}
	cfg := DefaultStreamConfig()
	if opts.Config != nil {
		cfg = *opts.Config
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	return &StreamSource{
		endpoint: opts.Endpoint,
		header:   opts.Header,
		adapter:  opts.Adapter,
		inbox:    opts.Inbox,
		waker:    opts.Waker,
		clock:    clk,
		logger:   logger.Named("stream").With(zap.String("platform", opts.Adapter.Name())),
		config:   cfg,
	}, nil
}

// Run reads the feed until ctx is cancelled, reconnecting with
// exponential backoff. The backoff resets after a frame is read.
func (s *StreamSource) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.config.ReconnectDelay
	bo.MaxInterval = s.config.MaxReconnectDelay
	bo.MaxElapsedTime = 0

	s.logger.Info("stream started", zap.String("endpoint", s.endpoint))
	for {
		received, err := s.session(ctx)
		if ctx.Err() != nil {
			s.logger.Info("stream stopped")
			return nil
		}
		if received {
			bo.Reset()
		}

		delay := bo.NextBackOff()
		s.logger.Warn("stream disconnected, reconnecting",
			zap.Error(err), zap.Duration("delay", delay))
		observability.RecordStreamReconnect(s.adapter.Name())

		select {
		case <-ctx.Done():
			s.logger.Info("stream stopped")
			return nil
		case <-time.After(delay):
		}
	}
}

// session runs one connection and reports whether any frame was read.
func (s *StreamSource) session(ctx context.Context) (bool, error) {
	dialer := websocket.Dialer{HandshakeTimeout: s.config.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, s.endpoint, s.header)
	if err != nil {
		return false, fmt.Errorf("websocket dial: %w", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go s.pingLoop(conn, done)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
		case <-done:
		}
	}()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	})

	received := false
	for {
		conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			return received, err
		}
		received = true
		s.handleMessage(ctx, messageType, message)
	}
}

func (s *StreamSource) handleMessage(ctx context.Context, messageType int, message []byte) {
	frame, err := decodeFrame(messageType, message)
	if err != nil {
		s.logger.Warn("malformed stream frame", zap.Error(err))
		return
	}
	header := make(http.Header, len(frame.Headers))
	for k, v := range frame.Headers {
		header.Set(k, v)
	}

	ev, err := s.adapter.ParseWebhookPayload(header, []byte(frame.Body))
	switch {
	case errors.Is(err, marketplace.ErrIgnorable):
		return
	case err != nil:
		s.logger.Warn("stream frame rejected", zap.Error(err))
		return
	}

	ev.Platform = s.adapter.Name()
	normalize(ev, domain.EventSourceStream, s.clock.Now())
	duplicate, err := accept(ctx, s.inbox, ev)
	if err != nil {
		s.logger.Error("inbox append failed", zap.Error(err))
		return
	}
	if duplicate {
		return
	}
	s.logger.Info("sale received on stream",
		zap.String("key", ev.IdempotencyKey),
		zap.String("external_id", ev.ExternalListingID))
	wake(s.waker)
}

// pingLoop keeps the connection alive until done is closed.
func (s *StreamSource) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(5 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				// Reader will notice the dead connection
				return
			}
		}
	}
}

package marketplace

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"filippo.io/edwards25519"
	"github.com/shopspring/decimal"

	"resale-sync/internal/domain"
)

// Signed feed headers.
const (
	FeedSignatureHeader = "X-Feed-Signature"
	FeedTimestampHeader = "X-Feed-Timestamp"

	DefaultFeedTolerance = 5 * time.Minute
)

// SignedFeedAdapterOptions configures a SignedFeedAdapter.
type SignedFeedAdapterOptions struct {
	HTTPAdapterOptions

	// PublicKey is the platform's base64 Ed25519 verification key.
	PublicKey string

	// Tolerance bounds the accepted clock skew of X-Feed-Timestamp.
	Tolerance time.Duration

	// Now is used for timestamp checks; defaults to time.Now.
	Now func() time.Time
}

// SignedFeedAdapter serves platforms that sign their sale feed with
// Ed25519 over "timestamp.body" instead of a shared HMAC secret.
// Listing management uses the same REST surface as HTTPAdapter.
type SignedFeedAdapter struct {
	*HTTPAdapter
	publicKey ed25519.PublicKey
	tolerance time.Duration
	now       func() time.Time
}

// NewSignedFeedAdapter creates a SignedFeedAdapter. The public key must
// decode to a valid point on the Ed25519 curve.
func NewSignedFeedAdapter(opts SignedFeedAdapterOptions) (*SignedFeedAdapter, error) {
	key, err := ParseFeedPublicKey(opts.PublicKey)
	if err != nil {
		return nil, err
	}

	rest, err := NewHTTPAdapter(opts.HTTPAdapterOptions)
	if err != nil {
		return nil, err
	}

	tolerance := opts.Tolerance
	if tolerance <= 0 {
		tolerance = DefaultFeedTolerance
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &SignedFeedAdapter{
		HTTPAdapter: rest,
		publicKey:   key,
		tolerance:   tolerance,
		now:         now,
	}, nil
}

// ParseFeedPublicKey decodes a base64 Ed25519 public key and rejects
// encodings that are not points on the curve.
func ParseFeedPublicKey(encoded string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("decode feed public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("feed public key has wrong length: got %d bytes, want %d", len(raw), ed25519.PublicKeySize)
	}
	if _, err := new(edwards25519.Point).SetBytes(raw); err != nil {
		return nil, fmt.Errorf("feed public key is not a valid curve point: %w", err)
	}
	return ed25519.PublicKey(raw), nil
}

type feedPayload struct {
	Event string `json:"event"`
	Data  struct {
		Ref         string `json:"ref"`
		AmountCents int64  `json:"amount_cents"`
		OccurredAt  int64  `json:"occurred_at"` // unix seconds
	} `json:"data"`
}

// ParseWebhookPayload verifies the Ed25519 signature and normalizes a sale.
func (a *SignedFeedAdapter) ParseWebhookPayload(header http.Header, body []byte) (*domain.SaleEvent, error) {
	if err := a.verify(header, body); err != nil {
		return nil, err
	}

	var p feedPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("feed payload parse: %w", err)
	}
	if p.Event != "sale" {
		return nil, ErrIgnorable
	}
	if strings.TrimSpace(p.Data.Ref) == "" {
		return nil, errors.New("feed payload missing ref")
	}

	e := &domain.SaleEvent{
		Platform:          a.Name(),
		ExternalListingID: strings.TrimSpace(p.Data.Ref),
		SoldPrice:         decimal.New(p.Data.AmountCents, -2),
	}
	if p.Data.OccurredAt > 0 {
		e.SoldAt = time.Unix(p.Data.OccurredAt, 0).UTC()
	}
	return e, nil
}

func (a *SignedFeedAdapter) verify(header http.Header, body []byte) error {
	tsRaw := header.Get(FeedTimestampHeader)
	sigRaw := header.Get(FeedSignatureHeader)
	if tsRaw == "" || sigRaw == "" {
		return ErrInvalidSignature
	}

	ts, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}
	skew := a.now().Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > a.tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
	}

	sig, err := base64.StdEncoding.DecodeString(sigRaw)
	if err != nil {
		return ErrInvalidSignature
	}
	if !ed25519.Verify(a.publicKey, FeedMessage(tsRaw, body), sig) {
		return ErrInvalidSignature
	}
	return nil
}

// FeedMessage builds the signed message "timestamp.body".
func FeedMessage(timestamp string, body []byte) []byte {
	msg := make([]byte, 0, len(timestamp)+1+len(body))
	msg = append(msg, timestamp...)
	msg = append(msg, '.')
	return append(msg, body...)
}

// Package alert delivers operator and user notifications.
package alert

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Severity of a notification.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Notifier is the alerting collaborator.
type Notifier interface {
	Notify(ctx context.Context, severity Severity, listingID, message string) error
}

// Alert is one delivered notification.
type Alert struct {
	Severity  Severity  `json:"severity"`
	ListingID string    `json:"listing_id"`
	Message   string    `json:"message"`
	At        time.Time `json:"at"`
}

// LogNotifier writes notifications to a zap logger.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a LogNotifier. A nil logger discards output.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger.Named("alert")}
}

// Notify logs the alert at a level matching its severity.
func (n *LogNotifier) Notify(_ context.Context, severity Severity, listingID, message string) error {
	fields := []zap.Field{
		zap.String("severity", string(severity)),
		zap.String("listing_id", listingID),
	}
	switch severity {
	case SeverityCritical:
		n.logger.Error(message, fields...)
	case SeverityWarning:
		n.logger.Warn(message, fields...)
	default:
		n.logger.Info(message, fields...)
	}
	return nil
}

// Multi fans a notification out to every notifier and joins their errors.
type Multi []Notifier

// Notify delivers to all notifiers, even if some fail.
func (m Multi) Notify(ctx context.Context, severity Severity, listingID, message string) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, severity, listingID, message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps notifications in memory. Used by tests and the admin API.
type Recorder struct {
	mu     sync.Mutex
	alerts []Alert
	limit  int
}

// NewRecorder creates a Recorder retaining at most limit alerts (0 = unbounded).
func NewRecorder(limit int) *Recorder {
	return &Recorder{limit: limit}
}

// Notify records the alert.
func (r *Recorder) Notify(_ context.Context, severity Severity, listingID, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.alerts = append(r.alerts, Alert{Severity: severity, ListingID: listingID, Message: message, At: time.Now().UTC()})
	if r.limit > 0 && len(r.alerts) > r.limit {
		r.alerts = r.alerts[len(r.alerts)-r.limit:]
	}
	return nil
}

// Alerts returns a copy of recorded alerts, oldest first.
func (r *Recorder) Alerts() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Alert, len(r.alerts))
	copy(out, r.alerts)
	return out
}

// Count returns the number of recorded alerts with the given severity.
func (r *Recorder) Count(severity Severity) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, a := range r.alerts {
		if a.Severity == severity {
			n++
		}
	}
	return n
}

// Verify interface compliance at compile time.
var (
	_ Notifier = (*LogNotifier)(nil)
	_ Notifier = Multi(nil)
	_ Notifier = (*Recorder)(nil)
	_ Notifier = (*WebhookNotifier)(nil)
)

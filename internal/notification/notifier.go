// Package notification delivers trade and alert messages to external
// channels (Telegram, webhooks, the log). Delivery is fire-and-forget:
// callers go through Async and never wait on a slow channel.
package notification

import (
	"context"
	"errors"
	"log"
)

// AlertLevel represents the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Kind classifies what produced the alert.
type Kind string

const (
	KindPriceUp   Kind = "alert_up"
	KindPriceDown Kind = "alert_down"
	KindIndicator Kind = "indicator"
	KindEntry     Kind = "entry"
	KindClose     Kind = "close"
)

// Alert represents a notification to be sent.
type Alert struct {
	Level   AlertLevel `json:"level"`
	Kind    Kind       `json:"kind"`
	Symbol  string     `json:"symbol"`
	UserID  string     `json:"user_id"`
	Title   string     `json:"title"`
	Message string     `json:"message"`
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Send delivers an alert. Returns error if delivery fails.
	Send(ctx context.Context, alert Alert) error
}

// LogNotifier is a simple notifier that logs alerts (useful for development).
type LogNotifier struct{}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) Send(ctx context.Context, alert Alert) error {
	log.Printf("[notify] [%s] %s %s/%s: %s", alert.Level, alert.Title, alert.Symbol, alert.UserID, alert.Message)
	return nil
}

// Multi sends to every backend and joins their errors.
type Multi []Notifier

func (m Multi) Send(ctx context.Context, alert Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Send(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

package notification

import (
	"context"
	"log"
	"time"
)

// WebhookNotifier POSTs every alert as JSON to a fixed URL.
type WebhookNotifier struct {
	url  string
	http poster
}

// NewWebhookNotifier creates a webhook notifier for url.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{url: url, http: newPoster("webhook")}
}

type webhookPayload struct {
	Alert
	TS time.Time `json:"ts"`
}

func (w *WebhookNotifier) Send(ctx context.Context, alert Alert) error {
	if err := w.http.post(ctx, w.url, webhookPayload{Alert: alert, TS: time.Now().UTC()}); err != nil {
		return err
	}
	log.Printf("[webhook] delivered %s alert for %s/%s", alert.Kind, alert.Symbol, alert.UserID)
	return nil
}

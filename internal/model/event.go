package model

import "time"

// Event types pushed to a user's observers.
const (
	EventOperationExecuted = "operation_executed"
	EventAlertUp           = "alert_up_triggered"
	EventAlertDown         = "alert_down_triggered"
	EventIndicatorAlert    = "indicator_alert"
	EventKline             = "kline"
)

// Event is a state-changed or alert notification addressed to one user.
type Event struct {
	Type    string    `json:"type"`
	UserID  string    `json:"user_id"`
	Symbol  string    `json:"symbol"`
	Time    time.Time `json:"ts"`
	Payload any       `json:"data,omitempty"`
}

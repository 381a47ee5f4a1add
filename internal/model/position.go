package model

import (
	"errors"
	"time"
)

// ActivationState is the lifecycle stage of a PositionConfig.
type ActivationState string

const (
	StateDormant ActivationState = "DORMANT"
	StateOpen    ActivationState = "OPEN"
	StateClosed  ActivationState = "CLOSED"
)

// ErrMalformedRecord is returned when a stored record cannot be decoded or
// fails validation. The record is left as-is.
var ErrMalformedRecord = errors.New("malformed record")

// PositionConfig is the per (symbol, user) record driving alerts and the
// trade lifecycle.
type PositionConfig struct {
	Symbol string `json:"symbol" validate:"required,uppercase,alphanum,min=5,max=20"`
	UserID string `json:"user_id" validate:"required,max=64"`

	AlertUp   Price `json:"alert_up"`
	AlertDown Price `json:"alert_down"`
	// Status enables price alerts.
	Status  bool `json:"status"`
	Operate bool `json:"operate"`

	State ActivationState `json:"activation_state" validate:"required,oneof=DORMANT OPEN CLOSED"`

	EntryPoint     Price  `json:"entry_point"`
	TakeProfit     Price  `json:"take_profit"`
	StopLoss       Price  `json:"stop_loss"`
	TakeBenefit    *Price `json:"take_benefit"`
	ProfitProgress Price  `json:"profit_progress"`

	ActivatedAt *time.Time `json:"activated_at,omitempty"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`

	// RunningExtreme is the lowest RSI seen since RSI reached the oversold
	// floor; nil when no oversold phase is in progress.
	RunningExtreme *float64 `json:"running_extreme"`

	Binance *OrderMeta `json:"binance,omitempty"`
}

// OrderMeta records the entry order that opened the position.
type OrderMeta struct {
	OrderID             int64  `json:"orderId"`
	Side                string `json:"side"`
	ExecutedQty         string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	TransactTime        int64  `json:"transactTime"`
	Commission          string `json:"commission"`
}

// NewPositionConfig returns a dormant config with alert thresholds set.
func NewPositionConfig(symbol, userID string, up, down Price) PositionConfig {
	return PositionConfig{
		Symbol:    symbol,
		UserID:    userID,
		AlertUp:   up,
		AlertDown: down,
		Status:    true,
		State:     StateDormant,
	}
}

// IsOpen reports whether an entry order has been filled and not yet closed.
func (p *PositionConfig) IsOpen() bool {
	return p.State == StateOpen && p.EntryPoint.IsPositive()
}

// ResetDormant returns the baseline a closed position goes back to. Alert
// thresholds and the alert switch survive; auto-trading is switched off.
func (p PositionConfig) ResetDormant(closedAt time.Time) PositionConfig {
	t := closedAt.UTC()
	return PositionConfig{
		Symbol:    p.Symbol,
		UserID:    p.UserID,
		AlertUp:   p.AlertUp,
		AlertDown: p.AlertDown,
		Status:    p.Status,
		Operate:   false,
		State:     StateDormant,
		ClosedAt:  &t,
	}
}

// Key returns "SYMBOL:user" for in-process maps and locks.
func (p *PositionConfig) Key() string {
	return PositionKey(p.Symbol, p.UserID)
}

// PositionKey builds the in-process key for a (symbol, user) pair.
func PositionKey(symbol, userID string) string {
	return symbol + ":" + userID
}

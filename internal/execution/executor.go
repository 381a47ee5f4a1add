// Package execution places the market orders that open and close positions.
//
// BinanceExecutor talks to the spot exchange; PaperExecutor fills locally at
// the last close for development. Order failures are never retried: the
// caller leaves the position untouched and tries again on a later cycle.
package execution

import (
	"context"
	"errors"
	"fmt"

	"cryptoops/internal/model"
)

// ErrOrderNotFilled is returned when the exchange accepted the request but
// the order did not fill, or produced no fill records.
var ErrOrderNotFilled = errors.New("order not filled")

// Executor is the order-execution collaborator of the lifecycle engines.
type Executor interface {
	// PlaceEntry buys symbol at market.
	PlaceEntry(ctx context.Context, symbol string) (model.OrderResult, error)
	// ClosePosition sells the held quantity of symbol at market.
	ClosePosition(ctx context.Context, symbol string) (model.OrderResult, error)
}

// checkFilled turns a non-filled result into ErrOrderNotFilled.
func checkFilled(r model.OrderResult) (model.OrderResult, error) {
	if !r.Filled() {
		return r, fmt.Errorf("%s order %d status=%q fills=%d: %w",
			r.Symbol, r.OrderID, r.Status, len(r.Fills), ErrOrderNotFilled)
	}
	return r, nil
}

package redis

import (
	"context"
	"fmt"

	goredis "github.com/go-redis/redis/v8"
	json "github.com/goccy/go-json"

	"cryptoops/internal/model"
)

// Ledger appends trade results to {SYMBOL}_results, a sorted set scored by
// execution time in Unix seconds.
type Ledger struct {
	client *goredis.Client
}

// NewLedger wraps an existing client.
func NewLedger(client *goredis.Client) *Ledger {
	return &Ledger{client: client}
}

// Append adds r to the symbol's ledger.
func (l *Ledger) Append(ctx context.Context, r model.TradeResult) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode trade result: %w", err)
	}
	err = l.client.ZAdd(ctx, ledgerKey(r.Symbol), &goredis.Z{
		Score:  float64(r.ExecutedAt.Unix()),
		Member: raw,
	}).Err()
	if err != nil {
		return transient("append ledger", err)
	}
	return nil
}

// List returns up to limit of the most recent entries, oldest first.
// limit <= 0 returns the whole ledger.
func (l *Ledger) List(ctx context.Context, symbol string, limit int64) ([]model.TradeResult, error) {
	start := int64(0)
	if limit > 0 {
		start = -limit
	}
	members, err := l.client.ZRange(ctx, ledgerKey(symbol), start, -1).Result()
	if err != nil {
		return nil, transient("zrange ledger", err)
	}
	out := make([]model.TradeResult, 0, len(members))
	for _, m := range members {
		var r model.TradeResult
		if err := json.Unmarshal([]byte(m), &r); err != nil {
			return nil, fmt.Errorf("decode %s ledger: %w: %v", symbol, model.ErrMalformedRecord, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// ledgerPage is how many entries ListForUser reads per round trip.
const ledgerPage = 200

// ListForUser returns up to limit of userID's most recent entries, oldest
// first. The ledger is walked from the newest end in pages.
func (l *Ledger) ListForUser(ctx context.Context, symbol, userID string, limit int64) ([]model.TradeResult, error) {
	var newest []model.TradeResult
	for start := int64(0); limit <= 0 || int64(len(newest)) < limit; start += ledgerPage {
		members, err := l.client.ZRevRange(ctx, ledgerKey(symbol), start, start+ledgerPage-1).Result()
		if err != nil {
			return nil, transient("zrevrange ledger", err)
		}
		for _, m := range members {
			var r model.TradeResult
			if err := json.Unmarshal([]byte(m), &r); err != nil {
				return nil, fmt.Errorf("decode %s ledger: %w: %v", symbol, model.ErrMalformedRecord, err)
			}
			if r.UserID != userID {
				continue
			}
			newest = append(newest, r)
			if limit > 0 && int64(len(newest)) == limit {
				break
			}
		}
		if len(members) < ledgerPage {
			break
		}
	}
	out := make([]model.TradeResult, len(newest))
	for i, r := range newest {
		out[len(newest)-1-i] = r
	}
	return out, nil
}

package redis

import (
	"context"
	"errors"
	"strconv"

	goredis "github.com/go-redis/redis/v8"

	"cryptoops/internal/model"
)

// PriceCache stores the latest close of every symbol as a plain string.
type PriceCache struct {
	client *goredis.Client
}

// NewPriceCache wraps an existing client.
func NewPriceCache(client *goredis.Client) *PriceCache {
	return &PriceCache{client: client}
}

func (p *PriceCache) SetLastClose(ctx context.Context, symbol string, price float64) error {
	v := strconv.FormatFloat(price, 'f', -1, 64)
	if err := p.client.Set(ctx, lastCloseKey(symbol), v, 0).Err(); err != nil {
		return transient("set last close", err)
	}
	return nil
}

// LastClose returns model.ErrNotFound until the first tick was seen.
func (p *PriceCache) LastClose(ctx context.Context, symbol string) (float64, error) {
	f, err := p.client.Get(ctx, lastCloseKey(symbol)).Float64()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return 0, model.ErrNotFound
		}
		return 0, transient("get last close", err)
	}
	return f, nil
}

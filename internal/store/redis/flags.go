package redis

import (
	"context"
	"errors"

	goredis "github.com/go-redis/redis/v8"
)

// Flags keeps the edge-trigger state of indicator alerts under
// {SYMBOL}_{flag}_{user}.
type Flags struct {
	client *goredis.Client
}

// NewFlags wraps an existing client.
func NewFlags(client *goredis.Client) *Flags {
	return &Flags{client: client}
}

// Get returns the stored value, or "" when the flag is unset.
func (f *Flags) Get(ctx context.Context, symbol, userID, flag string) (string, error) {
	v, err := f.client.Get(ctx, flagKey(symbol, flag, userID)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return "", nil
		}
		return "", transient("get flag", err)
	}
	return v, nil
}

func (f *Flags) Set(ctx context.Context, symbol, userID, flag, value string) error {
	if err := f.client.Set(ctx, flagKey(symbol, flag, userID), value, 0).Err(); err != nil {
		return transient("set flag", err)
	}
	return nil
}

func (f *Flags) Clear(ctx context.Context, symbol, userID, flag string) error {
	if err := f.client.Del(ctx, flagKey(symbol, flag, userID)).Err(); err != nil {
		return transient("clear flag", err)
	}
	return nil
}

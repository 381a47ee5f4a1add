package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/go-redis/redis/v8"
	json "github.com/goccy/go-json"
	"github.com/jpillora/backoff"

	"cryptoops/internal/model"
)

const positionUpdateAttempts = 5

// PositionStore keeps one JSON document per (symbol, user) under
// {SYMBOL}_operation_{user}. Every write is validated first; a stored
// document that fails to decode or validate is reported and left alone.
type PositionStore struct {
	client     *goredis.Client
	retryDelay time.Duration
}

// NewPositionStore wraps an existing client. Update retries connection and
// server errors with exponential backoff starting at 50ms.
func NewPositionStore(client *goredis.Client) *PositionStore {
	return &PositionStore{client: client, retryDelay: 50 * time.Millisecond}
}

// Get returns the config or model.ErrNotFound.
func (s *PositionStore) Get(ctx context.Context, symbol, userID string) (model.PositionConfig, error) {
	raw, err := s.client.Get(ctx, positionKey(symbol, userID)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return model.PositionConfig{}, model.ErrNotFound
		}
		return model.PositionConfig{}, transient("get position", err)
	}
	return decodePosition(raw)
}

// Put validates and stores cfg unconditionally.
func (s *PositionStore) Put(ctx context.Context, cfg model.PositionConfig) error {
	raw, err := encodePosition(cfg)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, positionKey(cfg.Symbol, cfg.UserID), raw, 0).Err(); err != nil {
		return transient("set position", err)
	}
	return nil
}

// Update reads the config under WATCH, applies fn and writes the result in
// a MULTI block. A concurrent writer makes the transaction fail and the
// whole read-modify-write is retried. Nothing is written if fn errors.
func (s *PositionStore) Update(ctx context.Context, symbol, userID string, fn func(*model.PositionConfig) error) (model.PositionConfig, error) {
	key := positionKey(symbol, userID)
	var out model.PositionConfig

	txf := func(tx *goredis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, goredis.Nil) {
				return model.ErrNotFound
			}
			return err
		}
		cfg, err := decodePosition(raw)
		if err != nil {
			return err
		}
		if err := fn(&cfg); err != nil {
			return err
		}
		next, err := encodePosition(cfg)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, next, 0)
			return nil
		})
		if err == nil {
			out = cfg
		}
		return err
	}

	b := &backoff.Backoff{Min: s.retryDelay, Max: 8 * s.retryDelay, Factor: 2}
	var lastErr error = goredis.TxFailedErr
	for i := 0; i < positionUpdateAttempts; i++ {
		err := s.client.Watch(ctx, txf, key)
		switch {
		case err == nil:
			return out, nil
		case errors.Is(err, goredis.TxFailedErr):
			lastErr = err
			continue
		case isRedisError(err):
			lastErr = err
			select {
			case <-ctx.Done():
				return model.PositionConfig{}, transient("update position", err)
			case <-time.After(b.Duration()):
			}
		default:
			return model.PositionConfig{}, err
		}
	}
	return model.PositionConfig{}, transient("update position", lastErr)
}

// ListOpen scans every position key and returns the OPEN ones. Malformed
// documents are skipped.
func (s *PositionStore) ListOpen(ctx context.Context) ([]model.PositionConfig, error) {
	var (
		cursor uint64
		out    []model.PositionConfig
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, positionKeyPattern, 200).Result()
		if err != nil {
			return nil, transient("scan positions", err)
		}
		for _, k := range keys {
			raw, err := s.client.Get(ctx, k).Bytes()
			if err != nil {
				if errors.Is(err, goredis.Nil) {
					continue
				}
				return nil, transient("get position", err)
			}
			cfg, err := decodePosition(raw)
			if err != nil {
				continue
			}
			if cfg.State == model.StateOpen {
				out = append(out, cfg)
			}
		}
		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
}

// ListByUser returns every config owned by userID.
func (s *PositionStore) ListByUser(ctx context.Context, userID string) ([]model.PositionConfig, error) {
	var (
		cursor uint64
		out    []model.PositionConfig
	)
	suffix := "_operation_" + userID
	for {
		keys, next, err := s.client.Scan(ctx, cursor, "*"+suffix, 200).Result()
		if err != nil {
			return nil, transient("scan positions", err)
		}
		for _, k := range keys {
			if !strings.HasSuffix(k, suffix) {
				continue
			}
			cfg, err := s.Get(ctx, strings.TrimSuffix(k, suffix), userID)
			if err != nil {
				continue
			}
			out = append(out, cfg)
		}
		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
}

func decodePosition(raw []byte) (model.PositionConfig, error) {
	var cfg model.PositionConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return model.PositionConfig{}, fmt.Errorf("%w: %v", model.ErrMalformedRecord, err)
	}
	if err := model.ValidatePosition(cfg); err != nil {
		return model.PositionConfig{}, err
	}
	return cfg, nil
}

func encodePosition(cfg model.PositionConfig) ([]byte, error) {
	if err := model.ValidatePosition(cfg); err != nil {
		return nil, err
	}
	return json.Marshal(cfg)
}

// isRedisError separates connection and server errors from domain errors
// returned out of a transaction callback.
func isRedisError(err error) bool {
	if errors.Is(err, model.ErrNotFound) || errors.Is(err, model.ErrMalformedRecord) {
		return false
	}
	var rerr goredis.Error
	if errors.As(err, &rerr) {
		return true
	}
	var nerr interface{ Timeout() bool }
	return errors.As(err, &nerr)
}

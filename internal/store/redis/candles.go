package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	goredis "github.com/go-redis/redis/v8"

	"cryptoops/internal/model"
)

// ErrStaleLatest is returned by UpdateLatest when the newest stored candle
// is no longer the one the indicators were computed for.
var ErrStaleLatest = errors.New("latest candle moved on")

const updateLatestAttempts = 3

// appendScript adds a member only if no member already carries the score.
var appendScript = goredis.NewScript(`
local existing = redis.call('ZRANGEBYSCORE', KEYS[1], ARGV[1], ARGV[1], 'LIMIT', 0, 1)
if #existing > 0 then
	return 0
end
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[2])
return 1
`)

// CandleStore keeps each symbol's closed candles in a sorted set scored by
// open time (ms).
type CandleStore struct {
	client *goredis.Client
}

// NewCandleStore wraps an existing client.
func NewCandleStore(client *goredis.Client) *CandleStore {
	return &CandleStore{client: client}
}

// Client returns the underlying Redis client for health checks.
func (s *CandleStore) Client() *goredis.Client { return s.client }

// Append stores c. A candle with the same timestamp is never overwritten:
// the call fails with model.ErrDuplicateTimestamp instead.
func (s *CandleStore) Append(ctx context.Context, c model.Candle) error {
	added, err := appendScript.Run(ctx, s.client,
		[]string{candleKey(c.Symbol)},
		c.Timestamp, c.JSON(),
	).Int()
	if err != nil {
		return transient("append", err)
	}
	if added == 0 {
		return fmt.Errorf("%s@%d: %w", c.Symbol, c.Timestamp, model.ErrDuplicateTimestamp)
	}
	return nil
}

// Range returns candles by rank, oldest first. Negative indexes count from
// the newest, as in ZRANGE.
func (s *CandleStore) Range(ctx context.Context, symbol string, start, stop int64) ([]model.Candle, error) {
	members, err := s.client.ZRange(ctx, candleKey(symbol), start, stop).Result()
	if err != nil {
		return nil, transient("zrange", err)
	}
	return decodeCandles(symbol, members)
}

// RangeByScore returns candles with fromTS <= timestamp <= toTS.
func (s *CandleStore) RangeByScore(ctx context.Context, symbol string, fromTS, toTS int64) ([]model.Candle, error) {
	members, err := s.client.ZRangeByScore(ctx, candleKey(symbol), &goredis.ZRangeBy{
		Min: strconv.FormatInt(fromTS, 10),
		Max: strconv.FormatInt(toTS, 10),
	}).Result()
	if err != nil {
		return nil, transient("zrangebyscore", err)
	}
	return decodeCandles(symbol, members)
}

// OlderThan returns up to limit candles with timestamp < ts, oldest first.
func (s *CandleStore) OlderThan(ctx context.Context, symbol string, ts int64, limit int64) ([]model.Candle, error) {
	members, err := s.client.ZRangeByScore(ctx, candleKey(symbol), &goredis.ZRangeBy{
		Min:   "-inf",
		Max:   "(" + strconv.FormatInt(ts, 10),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, transient("zrangebyscore", err)
	}
	return decodeCandles(symbol, members)
}

// Latest returns the newest candle or model.ErrNotFound.
func (s *CandleStore) Latest(ctx context.Context, symbol string) (model.Candle, error) {
	members, err := s.client.ZRange(ctx, candleKey(symbol), -1, -1).Result()
	if err != nil {
		return model.Candle{}, transient("zrange", err)
	}
	if len(members) == 0 {
		return model.Candle{}, model.ErrNotFound
	}
	return model.DecodeCandle(symbol, []byte(members[0]))
}

// UpdateLatest attaches indicators to the newest candle, which must have
// open time ts. The old member is swapped for the new one inside a
// WATCH/MULTI transaction, so a concurrent append makes the swap fail and
// retry rather than touch a historical member.
func (s *CandleStore) UpdateLatest(ctx context.Context, symbol string, ts int64, ind *model.Indicators) error {
	key := candleKey(symbol)
	txf := func(tx *goredis.Tx) error {
		latest, err := tx.ZRevRangeWithScores(ctx, key, 0, 0).Result()
		if err != nil {
			return err
		}
		if len(latest) == 0 {
			return model.ErrNotFound
		}
		if int64(latest[0].Score) != ts {
			return ErrStaleLatest
		}
		oldMember, _ := latest[0].Member.(string)
		c, err := model.DecodeCandle(symbol, []byte(oldMember))
		if err != nil {
			return fmt.Errorf("%w: %v", model.ErrMalformedRecord, err)
		}
		c.Indicators = ind.Rounded()

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.ZRem(ctx, key, oldMember)
			pipe.ZAdd(ctx, key, &goredis.Z{Score: float64(ts), Member: c.JSON()})
			return nil
		})
		return err
	}

	for i := 0; i < updateLatestAttempts; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		if errors.Is(err, model.ErrNotFound) || errors.Is(err, ErrStaleLatest) || errors.Is(err, model.ErrMalformedRecord) {
			return err
		}
		return transient("update latest", err)
	}
	return transient("update latest", goredis.TxFailedErr)
}

// Count returns the number of stored candles.
func (s *CandleStore) Count(ctx context.Context, symbol string) (int64, error) {
	n, err := s.client.ZCard(ctx, candleKey(symbol)).Result()
	if err != nil {
		return 0, transient("zcard", err)
	}
	return n, nil
}

// TrimBefore removes candles with timestamp < ts and returns how many.
func (s *CandleStore) TrimBefore(ctx context.Context, symbol string, ts int64) (int64, error) {
	n, err := s.client.ZRemRangeByScore(ctx, candleKey(symbol), "-inf", "("+strconv.FormatInt(ts, 10)).Result()
	if err != nil {
		return 0, transient("zremrangebyscore", err)
	}
	return n, nil
}

// Symbols lists the candle timelines present in Redis.
func (s *CandleStore) Symbols(ctx context.Context) ([]string, error) {
	var (
		cursor uint64
		out    []string
	)
	for {
		keys, next, err := s.client.ScanType(ctx, cursor, "*", 200, "zset").Result()
		if err != nil {
			return nil, transient("scan", err)
		}
		for _, k := range keys {
			// Timelines are bare upper-case symbols; ledgers carry a suffix.
			if !strings.ContainsAny(k, "_:") && k == strings.ToUpper(k) {
				out = append(out, k)
			}
		}
		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
}

func decodeCandles(symbol string, members []string) ([]model.Candle, error) {
	out := make([]model.Candle, 0, len(members))
	for _, m := range members {
		c, err := model.DecodeCandle(symbol, []byte(m))
		if err != nil {
			return nil, fmt.Errorf("decode %s candle: %w: %v", symbol, model.ErrMalformedRecord, err)
		}
		out = append(out, c)
	}
	return out, nil
}

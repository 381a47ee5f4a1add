package redis

import (
	"context"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

// limitScript implements a fixed window plus cooldown. The cooldown is
// checked before the window so a suppressed call does not use up the window.
//
// KEYS[1] window counter, KEYS[2] cooldown marker
// ARGV[1] window ms, ARGV[2] max per window, ARGV[3] cooldown ms
var limitScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
	return 0
end
local n = redis.call('INCR', KEYS[1])
if n == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
if n > tonumber(ARGV[2]) then
	return 0
end
redis.call('SET', KEYS[2], '1', 'PX', ARGV[3])
return 1
`)

// Limiter rate-limits price alerts per (symbol, user, direction) with
// Redis-side TTLs, so limits hold across restarts and processes.
type Limiter struct {
	client   *goredis.Client
	window   time.Duration
	max      int
	cooldown time.Duration
}

// NewLimiter returns a limiter allowing max alerts per window, with at least
// cooldown between two of them.
func NewLimiter(client *goredis.Client, window time.Duration, max int, cooldown time.Duration) *Limiter {
	return &Limiter{client: client, window: window, max: max, cooldown: cooldown}
}

// Allow reports whether an alert may fire now and records it if so.
func (l *Limiter) Allow(ctx context.Context, symbol, userID, direction string) (bool, error) {
	n, err := limitScript.Run(ctx, l.client,
		[]string{alertWindowKey(symbol, userID, direction), alertCooldownKey(symbol, userID, direction)},
		l.window.Milliseconds(), l.max, l.cooldown.Milliseconds(),
	).Int()
	if err != nil {
		return false, transient("alert limiter", err)
	}
	return n == 1, nil
}

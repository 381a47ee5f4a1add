// Package redis is the hot store: candle timelines, position configs, the
// trade ledger, last prices and alert bookkeeping, all in one Redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"cryptoops/internal/model"
)

// Config configures the Redis connection.
type Config struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int
}

// Connect creates a client and pings the server.
func Connect(cfg Config) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Printf("[redis] connected to %s", cfg.Addr)
	return client, nil
}

// transient marks err as retryable unless it is a context or domain error.
func transient(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("redis %s: %w", op, err)
	}
	return fmt.Errorf("redis %s: %w: %w", op, model.ErrTransientStore, err)
}

// Key layout shared with the archiver and any external reader.

func candleKey(symbol string) string         { return symbol }
func lastCloseKey(symbol string) string      { return symbol + "_last_close" }
func failedKlineKey(symbol string) string    { return symbol + "_last_failed_kline" }
func ledgerKey(symbol string) string         { return symbol + "_results" }
func positionKey(symbol, user string) string { return symbol + "_operation_" + user }

const positionKeyPattern = "*_operation_*"

// alertWindowKey and alertCooldownKey hold the limiter state per
// (symbol, user, direction).
func alertWindowKey(symbol, user, dir string) string {
	return "alert_window:" + symbol + ":" + user + ":" + dir
}

func alertCooldownKey(symbol, user, dir string) string {
	return "alert_cooldown:" + symbol + ":" + user + ":" + dir
}

func flagKey(symbol, flag, user string) string {
	return symbol + "_" + flag + "_" + user
}

func eventChannel(user string) string { return "events:operation:" + user }

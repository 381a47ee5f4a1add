// Package archive is the cold SQL store: candles evicted from Redis and the
// trade journal. SQLite is the default; a postgres:// DSN selects Postgres.
package archive

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Archive wraps the SQL connection shared by the candle archive and the
// trade journal.
type Archive struct {
	db     *sqlx.DB
	driver string
}

// Open connects to dsn and creates the schema if needed.
func Open(dsn string) (*Archive, error) {
	driver, source := resolve(dsn)
	db, err := sqlx.Connect(driver, source)
	if err != nil {
		return nil, fmt.Errorf("archive open: %w", err)
	}
	if driver == "sqlite3" {
		// Single writer; also keeps an in-memory database alive.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	a := &Archive{db: db, driver: driver}
	if err := a.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("archive schema: %w", err)
	}
	log.Printf("[archive] opened %s database", driver)
	return a, nil
}

func resolve(dsn string) (driver, source string) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return "sqlite3", dsn + sep + "_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
}

func (a *Archive) createSchema() error {
	id := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if a.driver == "postgres" {
		id = "BIGSERIAL PRIMARY KEY"
	}
	_, err := a.db.Exec(`
		CREATE TABLE IF NOT EXISTS candlesticks (
			symbol                       TEXT             NOT NULL,
			timestamp                    BIGINT           NOT NULL,
			open                         DOUBLE PRECISION NOT NULL,
			high                         DOUBLE PRECISION NOT NULL,
			low                          DOUBLE PRECISION NOT NULL,
			close                        DOUBLE PRECISION NOT NULL,
			volume                       DOUBLE PRECISION,
			number_of_trades             BIGINT,
			taker_buy_quote_asset_volume DOUBLE PRECISION,
			PRIMARY KEY (symbol, timestamp)
		)`)
	if err != nil {
		return err
	}
	_, err = a.db.Exec(`
		CREATE TABLE IF NOT EXISTS trade_results (
			id               ` + id + `,
			symbol           TEXT   NOT NULL,
			user_id          TEXT   NOT NULL,
			operation        TEXT   NOT NULL,
			side             TEXT,
			price_avg        TEXT   NOT NULL,
			amount           TEXT   NOT NULL,
			total_usdt       TEXT   NOT NULL,
			commission       TEXT,
			commission_asset TEXT,
			order_id         BIGINT,
			executed_at      BIGINT NOT NULL,
			fills            TEXT
		)`)
	if err != nil {
		return err
	}
	_, err = a.db.Exec(`CREATE INDEX IF NOT EXISTS idx_trade_results_symbol ON trade_results(symbol, executed_at)`)
	return err
}

// DB exposes the connection for health checks.
func (a *Archive) DB() *sqlx.DB { return a.db }

// Ping checks the connection.
func (a *Archive) Ping(ctx context.Context) error { return a.db.PingContext(ctx) }

// Close closes the database.
func (a *Archive) Close() error { return a.db.Close() }

// Package postgres provides the PostgreSQL-backed Store implementation.
// It uses pgx/v5 (pure Go, no CGO) and runs embedded migrations at startup.
// The schema keeps every price and size column NUMERIC so venue-provided
// decimal precision survives persistence.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/openquant/helix/pkg/store"
	"github.com/openquant/helix/pkg/types"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB implements store.Store using PostgreSQL via pgx/v5.
type DB struct {
	pool *pgxpool.Pool
}

// Open creates a connection pool, runs migrations, and returns a ready DB.
func Open(ctx context.Context, dsn string) (*DB, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	if err := runMigrations(dsn); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	return &DB{pool: pool}, nil
}

// RunMigrations applies all pending up-migrations against dsn.
// Safe to call multiple times — ErrNoChange is treated as success.
func RunMigrations(dsn string) error { return runMigrations(dsn) }

func runMigrations(dsn string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("iofs source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, toMigrateURL(dsn))
	if err != nil {
		return fmt.Errorf("migrate.New: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

// toMigrateURL converts a postgres:// or postgresql:// DSN to the pgx5://
// scheme expected by golang-migrate's pgx/v5 driver.
func toMigrateURL(dsn string) string {
	for _, prefix := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(dsn, prefix) {
			return "pgx5://" + dsn[len(prefix):]
		}
	}
	return "pgx5://" + dsn
}

func (d *DB) Close() error {
	d.pool.Close()
	return nil
}

// HealthCheck verifies the pool is reachable
func (d *DB) HealthCheck(ctx context.Context) error {
	return d.pool.Ping(ctx)
}

// ---- candles ----

const upsertCandleSQL = `
	INSERT INTO candles (venue, symbol, timeframe, open_time, close_time,
		open, high, low, close, volume, quote_volume, trade_count,
		taker_buy_base, taker_buy_quote)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	ON CONFLICT (venue, symbol, timeframe, open_time) DO UPDATE SET
		close_time      = EXCLUDED.close_time,
		open            = EXCLUDED.open,
		high            = EXCLUDED.high,
		low             = EXCLUDED.low,
		close           = EXCLUDED.close,
		volume          = EXCLUDED.volume,
		quote_volume    = EXCLUDED.quote_volume,
		trade_count     = EXCLUDED.trade_count,
		taker_buy_base  = EXCLUDED.taker_buy_base,
		taker_buy_quote = EXCLUDED.taker_buy_quote
`

// candleArgs renders the candle into upsert arguments. Decimals are passed
// as strings so NUMERIC columns keep the venue precision.
func candleArgs(c *types.Candle) []any {
	return []any{
		c.Venue.String(), c.Symbol, c.Timeframe.String(),
		c.OpenTime.UTC(), c.CloseTime.UTC(),
		c.Open.String(), c.High.String(), c.Low.String(), c.Close.String(),
		c.Volume.String(), c.QuoteVolume.String(), c.TradeCount,
		c.TakerBuyBase.String(), c.TakerBuyQuote.String(),
	}
}

func (d *DB) UpsertCandle(ctx context.Context, candle *types.Candle) error {
	if err := candle.Validate(); err != nil {
		return fmt.Errorf("invalid candle: %w", err)
	}
	_, err := d.pool.Exec(ctx, upsertCandleSQL, candleArgs(candle)...)
	if err != nil {
		return fmt.Errorf("upsert candle: %w", err)
	}
	return nil
}

func (d *DB) UpsertCandles(ctx context.Context, candles []*types.Candle) (int, error) {
	batch := &pgx.Batch{}
	for _, c := range candles {
		if err := c.Validate(); err != nil {
			return 0, fmt.Errorf("invalid candle: %w", err)
		}
		batch.Queue(upsertCandleSQL, candleArgs(c)...)
	}

	results := d.pool.SendBatch(ctx, batch)
	defer results.Close()

	written := 0
	for range candles {
		if _, err := results.Exec(); err != nil {
			return written, fmt.Errorf("batch upsert candle: %w", err)
		}
		written++
	}
	return written, nil
}

func (d *DB) CandleExists(ctx context.Context, key types.CandleKey) (bool, error) {
	var exists bool
	err := d.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM candles
			WHERE venue = $1 AND symbol = $2 AND timeframe = $3 AND open_time = $4
		)
	`, string(key.Venue), key.Symbol, string(key.Timeframe),
		time.UnixMilli(key.OpenTime).UTC()).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("candle exists: %w", err)
	}
	return exists, nil
}

const selectCandleColumns = `
	venue, symbol, timeframe, open_time, close_time,
	open::text, high::text, low::text, close::text,
	volume::text, quote_volume::text, trade_count,
	taker_buy_base::text, taker_buy_quote::text
`

func scanCandle(row pgx.Row) (*types.Candle, error) {
	var (
		c                              types.Candle
		venue, timeframe               string
		open, high, low, closePx       string
		volume, quoteVol, tbBase, tbQt string
	)
	err := row.Scan(&venue, &c.Symbol, &timeframe, &c.OpenTime, &c.CloseTime,
		&open, &high, &low, &closePx, &volume, &quoteVol, &c.TradeCount,
		&tbBase, &tbQt)
	if err != nil {
		return nil, err
	}

	c.Venue = types.Venue(venue)
	c.Timeframe = types.Timeframe(timeframe)
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&c.Open, open}, {&c.High, high}, {&c.Low, low}, {&c.Close, closePx},
		{&c.Volume, volume}, {&c.QuoteVolume, quoteVol},
		{&c.TakerBuyBase, tbBase}, {&c.TakerBuyQuote, tbQt},
	} {
		d, err := decimal.NewFromString(f.src)
		if err != nil {
			return nil, fmt.Errorf("parse decimal %q: %w", f.src, err)
		}
		*f.dst = d
	}
	return &c, nil
}

func (d *DB) GetCandles(ctx context.Context, q store.Query) ([]*types.Candle, error) {
	sql := `SELECT ` + selectCandleColumns + `
		FROM candles
		WHERE venue = $1 AND symbol = $2 AND timeframe = $3`
	args := []any{q.Venue.String(), q.Symbol, q.Timeframe.String()}

	if q.Start != nil {
		args = append(args, q.Start.UTC())
		sql += fmt.Sprintf(" AND open_time >= $%d", len(args))
	}
	if q.End != nil {
		args = append(args, q.End.UTC())
		sql += fmt.Sprintf(" AND open_time <= $%d", len(args))
	}
	sql += " ORDER BY open_time ASC"
	if q.Limit > 0 {
		args = append(args, q.Limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := d.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("get candles: %w", err)
	}
	defer rows.Close()

	var out []*types.Candle
	for rows.Next() {
		c, err := scanCandle(rows)
		if err != nil {
			return nil, fmt.Errorf("scan candle: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (d *DB) GetLatestCandle(ctx context.Context, venue types.Venue, symbol string, timeframe types.Timeframe) (*types.Candle, error) {
	row := d.pool.QueryRow(ctx, `SELECT `+selectCandleColumns+`
		FROM candles
		WHERE venue = $1 AND symbol = $2 AND timeframe = $3
		ORDER BY open_time DESC
		LIMIT 1
	`, venue.String(), symbol, timeframe.String())

	c, err := scanCandle(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get latest candle: %w", err)
	}
	return c, nil
}

// ---- auxiliary records ----

func (d *DB) UpsertIndicator(ctx context.Context, ind *types.Indicator) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO indicators (venue, symbol, timeframe, open_time, name, value)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (venue, symbol, timeframe, open_time, name)
		DO UPDATE SET value = EXCLUDED.value
	`, ind.Venue.String(), ind.Symbol, ind.Timeframe.String(),
		ind.OpenTime.UTC(), ind.Name, ind.Value.String())
	if err != nil {
		return fmt.Errorf("upsert indicator: %w", err)
	}
	return nil
}

func (d *DB) UpsertZone(ctx context.Context, zone *types.Zone) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO zones (id, venue, symbol, timeframe, kind, price_low, price_high, detected_at, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			price_low  = EXCLUDED.price_low,
			price_high = EXCLUDED.price_high,
			active     = EXCLUDED.active
	`, zone.ID, zone.Venue.String(), zone.Symbol, zone.Timeframe.String(),
		string(zone.Kind), zone.PriceLow.String(), zone.PriceHigh.String(),
		zone.DetectedAt.UTC(), zone.Active)
	if err != nil {
		return fmt.Errorf("upsert zone: %w", err)
	}
	return nil
}

func (d *DB) UpsertOrder(ctx context.Context, order *types.Order) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO orders (id, venue, symbol, side, status, price, quantity, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			status     = EXCLUDED.status,
			price      = EXCLUDED.price,
			quantity   = EXCLUDED.quantity,
			updated_at = EXCLUDED.updated_at
	`, order.ID, order.Venue.String(), order.Symbol, string(order.Side),
		string(order.Status), order.Price.String(), order.Quantity.String(),
		order.CreatedAt.UTC(), order.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert order: %w", err)
	}
	return nil
}

func (d *DB) GetActivePositions(ctx context.Context) ([]*types.Position, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT id, venue, symbol, side, entry_price::text, quantity::text, opened_at, active
		FROM positions
		WHERE active
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("get active positions: %w", err)
	}
	defer rows.Close()

	var out []*types.Position
	for rows.Next() {
		var (
			p                 types.Position
			venue, side       string
			entryPx, quantity string
		)
		if err := rows.Scan(&p.ID, &venue, &p.Symbol, &side, &entryPx, &quantity, &p.OpenedAt, &p.Active); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		p.Venue = types.Venue(venue)
		p.Side = types.OrderSide(side)
		if p.EntryPrice, err = decimal.NewFromString(entryPx); err != nil {
			return nil, fmt.Errorf("parse entry price: %w", err)
		}
		if p.Quantity, err = decimal.NewFromString(quantity); err != nil {
			return nil, fmt.Errorf("parse quantity: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

package store

import (
	"context"
	"time"

	"github.com/openquant/helix/pkg/types"
)

// Query bounds a candle range lookup. Nil Start/End leave that side open.
type Query struct {
	Venue     types.Venue
	Symbol    string
	Timeframe types.Timeframe
	Start     *time.Time
	End       *time.Time
	Limit     int
}

// Store is the persistence port the engine core depends on. Implementations
// must make UpsertCandle idempotent on (venue, symbol, timeframe,
// open_time) and atomic per row; the core relies on retried upserts being
// harmless.
type Store interface {
	// UpsertCandle inserts or replaces one candle
	UpsertCandle(ctx context.Context, candle *types.Candle) error

	// UpsertCandles batch-upserts candles and returns the count written
	UpsertCandles(ctx context.Context, candles []*types.Candle) (int, error)

	// CandleExists reports whether the candle's dedup key is already persisted
	CandleExists(ctx context.Context, key types.CandleKey) (bool, error)

	// GetCandles returns candles in chronological order
	GetCandles(ctx context.Context, q Query) ([]*types.Candle, error)

	// GetLatestCandle returns the most recent candle, or nil when none exists
	GetLatestCandle(ctx context.Context, venue types.Venue, symbol string, timeframe types.Timeframe) (*types.Candle, error)

	// UpsertIndicator stores a computed indicator value
	UpsertIndicator(ctx context.Context, ind *types.Indicator) error

	// UpsertZone stores a detected supply/demand zone
	UpsertZone(ctx context.Context, zone *types.Zone) error

	// UpsertOrder stores an order record
	UpsertOrder(ctx context.Context, order *types.Order) error

	// GetActivePositions returns all open positions
	GetActivePositions(ctx context.Context) ([]*types.Position, error)

	// HealthCheck verifies the backend is reachable
	HealthCheck(ctx context.Context) error

	// Close releases backend resources
	Close() error
}

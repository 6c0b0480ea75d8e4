package postgres

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openquant/helix/pkg/types"
)

func TestToMigrateURL(t *testing.T) {
	cases := map[string]string{
		"postgres://u:p@localhost:5432/helix":   "pgx5://u:p@localhost:5432/helix",
		"postgresql://u:p@localhost:5432/helix": "pgx5://u:p@localhost:5432/helix",
		"u:p@localhost:5432/helix":              "pgx5://u:p@localhost:5432/helix",
	}
	for in, want := range cases {
		assert.Equal(t, want, toMigrateURL(in))
	}
}

func TestCandleArgsPreservePrecision(t *testing.T) {
	open, err := decimal.NewFromString("50000.12345678")
	require.NoError(t, err)

	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	c := &types.Candle{
		Venue:     types.VenueSpot,
		Symbol:    "BTCUSDT",
		Timeframe: types.Timeframe5m,
		OpenTime:  ts,
		CloseTime: ts.Add(5*time.Minute - time.Millisecond),
		Open:      open,
		High:      open,
		Low:       open,
		Close:     open,
	}

	args := candleArgs(c)
	require.Len(t, args, 14)
	assert.Equal(t, "spot", args[0])
	assert.Equal(t, "5m", args[2])
	// Decimals travel as strings so NUMERIC keeps the venue precision
	assert.Equal(t, "50000.12345678", args[5])
}

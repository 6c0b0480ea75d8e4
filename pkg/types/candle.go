package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Candle represents an immutable OHLCV bar keyed by
// (venue, symbol, timeframe, open_time). All prices and volumes are
// fixed-point decimals; venue-provided string precision is preserved
// end-to-end.
type Candle struct {
	Venue         Venue
	Symbol        string
	Timeframe     Timeframe
	OpenTime      time.Time
	CloseTime     time.Time
	Open          decimal.Decimal
	High          decimal.Decimal
	Low           decimal.Decimal
	Close         decimal.Decimal
	Volume        decimal.Decimal
	QuoteVolume   decimal.Decimal
	TradeCount    int64
	TakerBuyBase  decimal.Decimal
	TakerBuyQuote decimal.Decimal
}

// CandleKey uniquely identifies a candle across all venues
type CandleKey struct {
	Venue     Venue
	Symbol    string
	Timeframe Timeframe
	OpenTime  int64 // unix milliseconds
}

// Key returns the dedup key for the candle
func (c *Candle) Key() CandleKey {
	return CandleKey{
		Venue:     c.Venue,
		Symbol:    c.Symbol,
		Timeframe: c.Timeframe,
		OpenTime:  c.OpenTime.UnixMilli(),
	}
}

// Validate checks candle invariants: low <= open,close <= high,
// open_time < close_time, trade_count >= 0.
func (c *Candle) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("candle has empty symbol")
	}
	if !c.Venue.Valid() {
		return fmt.Errorf("invalid venue %q", c.Venue)
	}
	if !c.Timeframe.Valid() {
		return fmt.Errorf("invalid timeframe %q", c.Timeframe)
	}
	if !c.OpenTime.Before(c.CloseTime) {
		return fmt.Errorf("open_time %s not before close_time %s", c.OpenTime, c.CloseTime)
	}
	if c.TradeCount < 0 {
		return fmt.Errorf("negative trade_count %d", c.TradeCount)
	}
	if c.Low.GreaterThan(c.High) {
		return fmt.Errorf("low %s above high %s", c.Low, c.High)
	}
	if c.Open.LessThan(c.Low) || c.Open.GreaterThan(c.High) {
		return fmt.Errorf("open %s outside [%s, %s]", c.Open, c.Low, c.High)
	}
	if c.Close.LessThan(c.Low) || c.Close.GreaterThan(c.High) {
		return fmt.Errorf("close %s outside [%s, %s]", c.Close, c.Low, c.High)
	}
	return nil
}

// CandlePayload is the wire form of a closed candle published on the
// candles.v1 topic. Prices and volumes are decimal strings.
type CandlePayload struct {
	Venue       string `json:"venue"`
	Symbol      string `json:"symbol"`
	Timeframe   string `json:"timeframe"`
	OpenTime    string `json:"open_time"`
	CloseTime   string `json:"close_time"`
	Open        string `json:"open"`
	High        string `json:"high"`
	Low         string `json:"low"`
	Close       string `json:"close"`
	Volume      string `json:"volume"`
	QuoteVolume string `json:"quote_volume"`
	Trades      int64  `json:"trades"`
}

// Payload converts the candle into its candles.v1 wire form
func (c *Candle) Payload() CandlePayload {
	return CandlePayload{
		Venue:       c.Venue.String(),
		Symbol:      c.Symbol,
		Timeframe:   c.Timeframe.String(),
		OpenTime:    c.OpenTime.UTC().Format(time.RFC3339Nano),
		CloseTime:   c.CloseTime.UTC().Format(time.RFC3339Nano),
		Open:        c.Open.String(),
		High:        c.High.String(),
		Low:         c.Low.String(),
		Close:       c.Close.String(),
		Volume:      c.Volume.String(),
		QuoteVolume: c.QuoteVolume.String(),
		Trades:      c.TradeCount,
	}
}

package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/openquant/helix/pkg/types"
)

// WSKline is the nested "k" object of a kline stream frame. Prices and
// volumes arrive as strings and stay strings until parsed into decimals.
type WSKline struct {
	OpenTime      int64  `json:"t"`
	CloseTime     int64  `json:"T"`
	Symbol        string `json:"s"`
	Interval      string `json:"i"`
	Open          string `json:"o"`
	Close         string `json:"c"`
	High          string `json:"h"`
	Low           string `json:"l"`
	Volume        string `json:"v"`
	TradeCount    int64  `json:"n"`
	Closed        bool   `json:"x"`
	QuoteVolume   string `json:"q"`
	TakerBuyBase  string `json:"V"`
	TakerBuyQuote string `json:"Q"`
}

// WSKlineEvent is a kline stream frame
type WSKlineEvent struct {
	Type      string  `json:"e"`
	EventTime int64   `json:"E"`
	Symbol    string  `json:"s"`
	Kline     WSKline `json:"k"`
}

// combinedFrame wraps stream data on combined-stream connections
type combinedFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// CandleFromWSKline builds a candle from a websocket kline, preserving the
// venue's decimal string precision exactly.
func CandleFromWSKline(k *WSKline, venue types.Venue) (*types.Candle, error) {
	c := &types.Candle{
		Venue:      venue,
		Symbol:     k.Symbol,
		Timeframe:  types.Timeframe(k.Interval),
		OpenTime:   time.UnixMilli(k.OpenTime).UTC(),
		CloseTime:  time.UnixMilli(k.CloseTime).UTC(),
		TradeCount: k.TradeCount,
	}

	var err error
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&c.Open, k.Open}, {&c.High, k.High}, {&c.Low, k.Low}, {&c.Close, k.Close},
		{&c.Volume, k.Volume}, {&c.QuoteVolume, k.QuoteVolume},
		{&c.TakerBuyBase, k.TakerBuyBase}, {&c.TakerBuyQuote, k.TakerBuyQuote},
	} {
		if *f.dst, err = decimal.NewFromString(f.src); err != nil {
			return nil, fmt.Errorf("parse kline decimal %q: %w", f.src, err)
		}
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid kline candle: %w", err)
	}
	return c, nil
}

// REST kline array positions
const (
	restOpenTime = iota
	restOpen
	restHigh
	restLow
	restClose
	restVolume
	restCloseTime
	restQuoteVolume
	restTradeCount
	restTakerBuyBase
	restTakerBuyQuote
	restFieldCount // trailing "ignore" field not counted
)

// ParseRESTKlines decodes a REST klines response body into raw rows without
// losing numeric precision (numbers decode as json.Number, not float64).
func ParseRESTKlines(body []byte) ([][]any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var rows [][]any
	if err := dec.Decode(&rows); err != nil {
		return nil, fmt.Errorf("decode klines response: %w", err)
	}
	return rows, nil
}

// CandleFromRESTKline builds a candle from one positional REST kline row.
func CandleFromRESTKline(row []any, symbol string, timeframe types.Timeframe, venue types.Venue) (*types.Candle, error) {
	if len(row) < restFieldCount {
		return nil, fmt.Errorf("kline row has %d fields, want at least %d", len(row), restFieldCount)
	}

	openTime, err := klineInt(row[restOpenTime])
	if err != nil {
		return nil, fmt.Errorf("open_time: %w", err)
	}
	closeTime, err := klineInt(row[restCloseTime])
	if err != nil {
		return nil, fmt.Errorf("close_time: %w", err)
	}
	trades, err := klineInt(row[restTradeCount])
	if err != nil {
		return nil, fmt.Errorf("trade_count: %w", err)
	}

	c := &types.Candle{
		Venue:      venue,
		Symbol:     symbol,
		Timeframe:  timeframe,
		OpenTime:   time.UnixMilli(openTime).UTC(),
		CloseTime:  time.UnixMilli(closeTime).UTC(),
		TradeCount: trades,
	}

	for _, f := range []struct {
		dst *decimal.Decimal
		idx int
	}{
		{&c.Open, restOpen}, {&c.High, restHigh}, {&c.Low, restLow},
		{&c.Close, restClose}, {&c.Volume, restVolume},
		{&c.QuoteVolume, restQuoteVolume},
		{&c.TakerBuyBase, restTakerBuyBase}, {&c.TakerBuyQuote, restTakerBuyQuote},
	} {
		if *f.dst, err = klineDecimal(row[f.idx]); err != nil {
			return nil, fmt.Errorf("field %d: %w", f.idx, err)
		}
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid kline candle: %w", err)
	}
	return c, nil
}

// klineInt reads an integer field that may arrive as json.Number or string
func klineInt(v any) (int64, error) {
	switch n := v.(type) {
	case json.Number:
		return n.Int64()
	case string:
		var num json.Number = json.Number(n)
		return num.Int64()
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}

// klineDecimal reads a decimal field without passing through binary floats
func klineDecimal(v any) (decimal.Decimal, error) {
	switch n := v.(type) {
	case string:
		return decimal.NewFromString(n)
	case json.Number:
		return decimal.NewFromString(n.String())
	default:
		return decimal.Decimal{}, fmt.Errorf("unexpected type %T", v)
	}
}

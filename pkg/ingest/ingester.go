package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/clock"
	"github.com/rs/zerolog"

	"github.com/openquant/helix/pkg/errdefs"
	"github.com/openquant/helix/pkg/log"
	"github.com/openquant/helix/pkg/metrics"
	"github.com/openquant/helix/pkg/store"
	"github.com/openquant/helix/pkg/types"
)

// Config configures one venue ingester
type Config struct {
	Venue                types.Venue
	Symbols              []string
	Timeframes           []types.Timeframe
	WSBaseURL            string
	RESTBaseURL          string
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
}

// Validate checks ingester configuration invariants
func (c Config) Validate() error {
	if !c.Venue.Valid() {
		return errdefs.NewConfigurationError(
			fmt.Sprintf("invalid venue %q", c.Venue), "ingest", "validate")
	}
	if len(c.Symbols) == 0 {
		return errdefs.NewConfigurationError("no symbols configured", "ingest", "validate")
	}
	for _, tf := range c.Timeframes {
		if !tf.Valid() {
			return errdefs.NewConfigurationError(
				fmt.Sprintf("invalid timeframe %q", tf), "ingest", "validate")
		}
	}
	if len(c.Timeframes) == 0 {
		return errdefs.NewConfigurationError("no timeframes configured", "ingest", "validate")
	}
	if c.WSBaseURL == "" || c.RESTBaseURL == "" {
		return errdefs.NewConfigurationError("ws_base_url and rest_base_url are required", "ingest", "validate")
	}
	if c.MaxReconnectAttempts <= 0 {
		return errdefs.NewConfigurationError("max_reconnect_attempts must be positive", "ingest", "validate")
	}
	if c.ReconnectDelay <= 0 {
		return errdefs.NewConfigurationError("reconnect_delay must be positive", "ingest", "validate")
	}
	return nil
}

// Ingester maintains a combined-stream WebSocket subscription for one venue
// and emits each closed candle exactly once: dedup against the store, then
// upsert, then publish on candles.v1. On disconnect it reconnects with a
// bounded budget and backfills the gap over REST before resuming.
type Ingester struct {
	cfg        Config
	store      store.Store
	publisher  Publisher
	rest       *RESTClient
	backfiller *Backfiller
	clk        clock.Clock
	logger     zerolog.Logger

	running atomic.Bool

	connMu sync.Mutex
	conn   *websocket.Conn

	lastMu     sync.Mutex
	lastCandle map[string]time.Time // "SYMBOL|timeframe" -> close time
}

// NewIngester creates a venue ingester
func NewIngester(cfg Config, st store.Store, pub Publisher, clk clock.Clock) (*Ingester, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.WallClock
	}

	i := &Ingester{
		cfg:        cfg,
		store:      st,
		publisher:  pub,
		rest:       NewRESTClient(cfg.Venue, cfg.RESTBaseURL),
		clk:        clk,
		logger:     log.WithComponent("ingester").With().Str("venue", cfg.Venue.String()).Logger(),
		lastCandle: make(map[string]time.Time),
	}
	i.backfiller = NewBackfiller(cfg.Venue, cfg.Symbols, cfg.Timeframes,
		i.rest, st, pub, i.lastCandleTime, clk)
	return i, nil
}

func lastCandleKey(symbol string, tf types.Timeframe) string {
	return symbol + "|" + tf.String()
}

// lastCandleTime reports the last observed close time for a pair
func (i *Ingester) lastCandleTime(symbol string, tf types.Timeframe) (time.Time, bool) {
	i.lastMu.Lock()
	defer i.lastMu.Unlock()
	t, ok := i.lastCandle[lastCandleKey(symbol, tf)]
	return t, ok
}

// streamURL builds the combined-stream subscription URL
func (i *Ingester) streamURL() string {
	streams := make([]string, 0, len(i.cfg.Symbols)*len(i.cfg.Timeframes))
	for _, symbol := range i.cfg.Symbols {
		for _, tf := range i.cfg.Timeframes {
			streams = append(streams, strings.ToLower(symbol)+"@kline_"+tf.String())
		}
	}
	return i.cfg.WSBaseURL + "/stream?streams=" + strings.Join(streams, "/")
}

// Start runs the connect-read-reconnect loop until Stop is called, the
// context is cancelled, or the reconnect budget is exhausted.
func (i *Ingester) Start(ctx context.Context) error {
	if !i.running.CompareAndSwap(false, true) {
		i.logger.Warn().Msg("Ingester is already running")
		return nil
	}

	reconnects := 0
	connected := false

	for i.running.Load() && ctx.Err() == nil {
		if err := i.connect(ctx); err != nil {
			reconnects++
			metrics.WSReconnects.WithLabelValues(i.cfg.Venue.String()).Inc()
			if reconnects >= i.cfg.MaxReconnectAttempts {
				i.running.Store(false)
				return fmt.Errorf("reconnect budget exhausted after %d attempts: %w", reconnects, err)
			}
			i.logger.Warn().Err(err).
				Int("attempt", reconnects).
				Dur("delay", i.cfg.ReconnectDelay).
				Msg("Connect failed, retrying")
			if err := i.sleep(ctx, i.cfg.ReconnectDelay); err != nil {
				return nil
			}
			continue
		}
		reconnects = 0

		// A reconnection may have missed candles; catch up before resuming
		if connected {
			i.backfiller.Run(ctx)
		}
		connected = true

		err := i.readLoop(ctx)
		if !i.running.Load() || ctx.Err() != nil {
			return nil
		}
		i.logger.Warn().Err(err).
			Dur("delay", i.cfg.ReconnectDelay).
			Msg("WebSocket connection closed, reconnecting")
		metrics.WSReconnects.WithLabelValues(i.cfg.Venue.String()).Inc()
		reconnects++
		if reconnects >= i.cfg.MaxReconnectAttempts {
			i.running.Store(false)
			return fmt.Errorf("reconnect budget exhausted after %d attempts: %w", reconnects, err)
		}
		if err := i.sleep(ctx, i.cfg.ReconnectDelay); err != nil {
			return nil
		}
	}
	return nil
}

// Stop closes the socket and exits the loop
func (i *Ingester) Stop() {
	if !i.running.CompareAndSwap(true, false) {
		return
	}

	i.connMu.Lock()
	if i.conn != nil {
		i.conn.Close()
	}
	i.connMu.Unlock()

	i.logger.Info().Msg("Ingester stopped")
}

// Running reports whether the ingest loop is live
func (i *Ingester) Running() bool {
	return i.running.Load()
}

// Backfill runs a one-off catch-up pass outside the reconnect path
func (i *Ingester) Backfill(ctx context.Context) {
	i.backfiller.Run(ctx)
}

func (i *Ingester) connect(ctx context.Context) error {
	url := i.streamURL()
	i.logger.Info().Str("url", url).Msg("Connecting to venue WebSocket")

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}

	i.connMu.Lock()
	i.conn = conn
	i.connMu.Unlock()

	i.logger.Info().
		Int("streams", len(i.cfg.Symbols)*len(i.cfg.Timeframes)).
		Msg("Connected and subscribed")
	return nil
}

// readLoop processes inbound frames until the connection drops
func (i *Ingester) readLoop(ctx context.Context) error {
	i.connMu.Lock()
	conn := i.conn
	i.connMu.Unlock()

	for i.running.Load() && ctx.Err() == nil {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if err := i.handleMessage(ctx, message); err != nil {
			i.logger.Error().Err(err).Msg("Error processing message")
		}
	}
	return nil
}

// handleMessage unwraps a combined-stream frame and routes kline events
func (i *Ingester) handleMessage(ctx context.Context, message []byte) error {
	payload := message

	var frame combinedFrame
	if err := json.Unmarshal(message, &frame); err == nil && len(frame.Data) > 0 {
		payload = frame.Data
	}

	var ev WSKlineEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	if ev.Type != "kline" {
		return nil
	}
	return i.handleKline(ctx, &ev.Kline)
}

// handleKline runs the closed-filter, dedup, upsert, publish pipeline for
// one kline frame.
func (i *Ingester) handleKline(ctx context.Context, k *WSKline) error {
	// Only closed candles are emitted; partial updates are dropped silently
	if !k.Closed {
		return nil
	}

	candle, err := CandleFromWSKline(k, i.cfg.Venue)
	if err != nil {
		return err
	}

	i.lastMu.Lock()
	i.lastCandle[lastCandleKey(candle.Symbol, candle.Timeframe)] = candle.CloseTime
	i.lastMu.Unlock()

	exists, err := i.store.CandleExists(ctx, candle.Key())
	if err != nil {
		return fmt.Errorf("dedup lookup: %w", err)
	}
	if exists {
		metrics.CandlesDeduplicated.WithLabelValues(i.cfg.Venue.String()).Inc()
		i.logger.Debug().
			Str("symbol", candle.Symbol).
			Str("timeframe", candle.Timeframe.String()).
			Time("open_time", candle.OpenTime).
			Msg("Skipping duplicate candle")
		return nil
	}

	if err := i.store.UpsertCandle(ctx, candle); err != nil {
		return fmt.Errorf("upsert candle: %w", err)
	}

	if !i.publisher.Publish(types.NewCandleEvent(candle), 0) {
		// Persisted row is the source of truth; a dropped publish is not fatal
		i.logger.Warn().
			Str("symbol", candle.Symbol).
			Str("timeframe", candle.Timeframe.String()).
			Msg("Publish dropped, queue full")
	}

	metrics.CandlesIngested.WithLabelValues(i.cfg.Venue.String(), candle.Timeframe.String()).Inc()
	i.logger.Info().
		Str("symbol", candle.Symbol).
		Str("timeframe", candle.Timeframe.String()).
		Str("open", candle.Open.String()).
		Str("high", candle.High.String()).
		Str("low", candle.Low.String()).
		Str("close", candle.Close.String()).
		Str("volume", candle.Volume.String()).
		Msg("Closed candle ingested")
	return nil
}

func (i *Ingester) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-i.clk.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

package ingest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/rs/zerolog"

	"github.com/openquant/helix/pkg/log"
	"github.com/openquant/helix/pkg/metrics"
	"github.com/openquant/helix/pkg/store"
	"github.com/openquant/helix/pkg/types"
)

const (
	// defaultBackfillWindow is how far back a cold backfill reaches when
	// nothing is persisted yet.
	defaultBackfillWindow = 24 * time.Hour

	// interBatchDelay keeps paginated catch-up under the venue rate limit
	interBatchDelay = 100 * time.Millisecond

	// maxRateLimitRetries bounds 429 retries before a task aborts
	maxRateLimitRetries = 3

	// maxRateLimitDelay caps the exponential rate-limit backoff
	maxRateLimitDelay = 5 * time.Minute

	// maxDriftRetries bounds time-drift retries from the same start point
	maxDriftRetries = 3
)

// Publisher accepts events for dispatch. The event bus implements it.
type Publisher interface {
	Publish(ev *types.Event, priority int) bool
}

// LastCandleFunc reports the last closed-candle close time the ingester has
// observed in memory for a (symbol, timeframe) pair.
type LastCandleFunc func(symbol string, timeframe types.Timeframe) (time.Time, bool)

// Backfiller recovers candles missed during a WebSocket outage by paging
// through the venue REST API. Recovered candles flow through the same
// dedup-upsert-publish pipeline as streamed ones, tagged as gap fills.
type Backfiller struct {
	venue      types.Venue
	symbols    []string
	timeframes []types.Timeframe
	rest       *RESTClient
	store      store.Store
	publisher  Publisher
	lastCandle LastCandleFunc
	clk        clock.Clock
	batchDelay time.Duration
	logger     zerolog.Logger
}

// NewBackfiller creates a backfill engine for one venue
func NewBackfiller(venue types.Venue, symbols []string, timeframes []types.Timeframe,
	rest *RESTClient, st store.Store, pub Publisher, lastCandle LastCandleFunc,
	clk clock.Clock) *Backfiller {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Backfiller{
		venue:      venue,
		symbols:    symbols,
		timeframes: timeframes,
		rest:       rest,
		store:      st,
		publisher:  pub,
		lastCandle: lastCandle,
		clk:        clk,
		batchDelay: interBatchDelay,
		logger:     log.WithComponent("backfill").With().Str("venue", venue.String()).Logger(),
	}
}

// Run backfills every configured (symbol, timeframe) pair. Pairs run
// concurrently; Run returns when all tasks finish. Task failures are
// logged, never fatal.
func (b *Backfiller) Run(ctx context.Context) {
	b.logger.Info().Msg("Starting backfill")

	var wg sync.WaitGroup
	for _, symbol := range b.symbols {
		for _, tf := range b.timeframes {
			wg.Add(1)
			go func(symbol string, tf types.Timeframe) {
				defer wg.Done()
				if err := b.backfillPair(ctx, symbol, tf); err != nil {
					b.logger.Error().Err(err).
						Str("symbol", symbol).
						Str("timeframe", tf.String()).
						Msg("Backfill task aborted")
				}
			}(symbol, tf)
		}
	}
	wg.Wait()

	b.logger.Info().Msg("Backfill completed")
}

// startPoint determines where catch-up begins: the in-memory last candle
// time, else the latest persisted candle, else now minus the default
// window.
func (b *Backfiller) startPoint(ctx context.Context, symbol string, tf types.Timeframe) (time.Time, error) {
	if b.lastCandle != nil {
		if last, ok := b.lastCandle(symbol, tf); ok {
			return last, nil
		}
	}

	latest, err := b.store.GetLatestCandle(ctx, b.venue, symbol, tf)
	if err != nil {
		return time.Time{}, fmt.Errorf("latest candle lookup: %w", err)
	}
	if latest != nil {
		return latest.CloseTime, nil
	}
	return b.clk.Now().Add(-defaultBackfillWindow), nil
}

// backfillPair pages one (symbol, timeframe) pair forward until it reaches
// the current time.
func (b *Backfiller) backfillPair(ctx context.Context, symbol string, tf types.Timeframe) error {
	start, err := b.startPoint(ctx, symbol, tf)
	if err != nil {
		return err
	}

	rateLimitAttempt := 0
	driftAttempt := 0

	for start.Before(b.clk.Now()) {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		candles, err := b.rest.Klines(ctx, symbol, tf, start, time.Time{}, klineBatchLimit)

		var rateLimited *RateLimitError
		if errors.As(err, &rateLimited) {
			metrics.RESTRateLimited.WithLabelValues(b.venue.String()).Inc()
			if rateLimitAttempt >= maxRateLimitRetries {
				return fmt.Errorf("rate limit retries exhausted: %w", err)
			}
			delay := rateLimited.RetryAfter << rateLimitAttempt
			if delay > maxRateLimitDelay {
				delay = maxRateLimitDelay
			}
			b.logger.Warn().
				Str("symbol", symbol).
				Str("timeframe", tf.String()).
				Dur("delay", delay).
				Msg("Rate limited, backing off")
			if err := b.sleep(ctx, delay); err != nil {
				return err
			}
			rateLimitAttempt++
			continue
		}

		var drift *TimeDriftError
		if errors.As(err, &drift) {
			if driftAttempt >= maxDriftRetries {
				return fmt.Errorf("time drift retries exhausted: %w", err)
			}
			driftAttempt++
			continue
		}

		if err != nil {
			return fmt.Errorf("klines fetch: %w", err)
		}

		rateLimitAttempt = 0
		driftAttempt = 0

		if len(candles) == 0 {
			break
		}

		for _, candle := range candles {
			if err := b.emit(ctx, candle); err != nil {
				return err
			}
		}

		// Advance past the batch; the next page begins 1ms after the last
		// candle closed.
		start = candles[len(candles)-1].CloseTime.Add(time.Millisecond)

		if b.batchDelay > 0 {
			if err := b.sleep(ctx, b.batchDelay); err != nil {
				return err
			}
		}
	}
	return nil
}

// emit runs one recovered candle through dedup, upsert, and publish
func (b *Backfiller) emit(ctx context.Context, candle *types.Candle) error {
	exists, err := b.store.CandleExists(ctx, candle.Key())
	if err != nil {
		return fmt.Errorf("dedup lookup: %w", err)
	}
	if exists {
		metrics.CandlesDeduplicated.WithLabelValues(b.venue.String()).Inc()
		return nil
	}

	if err := b.store.UpsertCandle(ctx, candle); err != nil {
		return fmt.Errorf("upsert candle: %w", err)
	}

	ev := types.NewCandleEvent(candle)
	ev.Metadata[types.MetaIsGapFill] = strconv.FormatBool(true)
	ev.Metadata[types.MetaIsHistorical] = strconv.FormatBool(true)
	if !b.publisher.Publish(ev, 0) {
		// Persisted row is the source of truth; a dropped publish is not fatal
		b.logger.Warn().
			Str("symbol", candle.Symbol).
			Str("timeframe", candle.Timeframe.String()).
			Msg("Backfill publish dropped")
	}
	metrics.BackfillCandles.WithLabelValues(b.venue.String()).Inc()
	return nil
}

func (b *Backfiller) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-b.clk.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

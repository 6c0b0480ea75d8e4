package ingest

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openquant/helix/pkg/store"
	"github.com/openquant/helix/pkg/types"
)

// capturingPublisher records published events
type capturingPublisher struct {
	mu     sync.Mutex
	events []*types.Event
	reject bool
}

func (p *capturingPublisher) Publish(ev *types.Event, priority int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reject {
		return false
	}
	p.events = append(p.events, ev)
	return true
}

func (p *capturingPublisher) published() []*types.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*types.Event(nil), p.events...)
}

// restRowAt renders a REST kline row for a 5m bar opening at open
func restRowAt(open time.Time) string {
	openMs := open.UnixMilli()
	closeMs := open.Add(5*time.Minute - time.Millisecond).UnixMilli()
	return fmt.Sprintf(`[%d, "50000.0", "50200.0", "49900.0", "50150.0", "120.5", %d, "6037500.0", 150, "60.5", "3037500.0", "0"]`,
		openMs, closeMs)
}

func newTestBackfiller(t *testing.T, srvURL string, st store.Store, pub Publisher,
	lastCandle LastCandleFunc, clk *testclock.Clock) *Backfiller {
	t.Helper()
	rest := NewRESTClient(types.VenueSpot, srvURL)
	b := NewBackfiller(types.VenueSpot, []string{"BTCUSDT"}, []types.Timeframe{types.Timeframe5m},
		rest, st, pub, lastCandle, clk)
	b.batchDelay = 0
	return b
}

func TestBackfillRecoversGapAndTagsEvents(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := testclock.NewClock(t0)

	gapOpen := t0.Add(-10 * time.Minute)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Write([]byte("[" + restRowAt(gapOpen) + "]"))
			return
		}
		w.Write([]byte("[]"))
	}))
	defer srv.Close()

	st := store.NewMemoryStore()
	pub := &capturingPublisher{}
	lastCandle := func(symbol string, tf types.Timeframe) (time.Time, bool) {
		return gapOpen, true
	}

	b := newTestBackfiller(t, srv.URL, st, pub, lastCandle, clk)
	b.Run(context.Background())

	// Candle persisted
	exists, err := st.CandleExists(context.Background(), types.CandleKey{
		Venue: types.VenueSpot, Symbol: "BTCUSDT",
		Timeframe: types.Timeframe5m, OpenTime: gapOpen.UnixMilli(),
	})
	require.NoError(t, err)
	assert.True(t, exists)

	// Published once, tagged as gap fill
	events := pub.published()
	require.Len(t, events, 1)
	assert.Equal(t, types.EventCandleUpdate, events[0].Type)
	assert.Equal(t, "true", events[0].Metadata[types.MetaIsGapFill])
	assert.Equal(t, "true", events[0].Metadata[types.MetaIsHistorical])
}

// Scenario: persistence already holds (spot,BTCUSDT,5m,T); a backfill batch
// returns that row again plus a new one at T+5m. Only the new row is
// upserted and published.
func TestBackfillDeduplicatesAgainstStore(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := testclock.NewClock(t0)

	seenOpen := t0.Add(-15 * time.Minute)
	newOpen := t0.Add(-10 * time.Minute)

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Write([]byte("[" + restRowAt(seenOpen) + "," + restRowAt(newOpen) + "]"))
			return
		}
		w.Write([]byte("[]"))
	}))
	defer srv.Close()

	st := store.NewMemoryStore()
	pub := &capturingPublisher{}

	// Pre-seed the already-persisted candle
	rows, err := ParseRESTKlines([]byte("[" + restRowAt(seenOpen) + "]"))
	require.NoError(t, err)
	seen, err := CandleFromRESTKline(rows[0], "BTCUSDT", types.Timeframe5m, types.VenueSpot)
	require.NoError(t, err)
	require.NoError(t, st.UpsertCandle(context.Background(), seen))

	lastCandle := func(symbol string, tf types.Timeframe) (time.Time, bool) {
		return seenOpen, true
	}

	b := newTestBackfiller(t, srv.URL, st, pub, lastCandle, clk)
	b.Run(context.Background())

	events := pub.published()
	require.Len(t, events, 1)
	payload := events[0].Payload.(types.CandlePayload)
	assert.Equal(t, newOpen.Format(time.RFC3339Nano), payload.OpenTime)

	candles, err := st.GetCandles(context.Background(), store.Query{
		Venue: types.VenueSpot, Symbol: "BTCUSDT", Timeframe: types.Timeframe5m,
	})
	require.NoError(t, err)
	assert.Len(t, candles, 2)
}

// Scenario: the first request is answered 429 with Retry-After: 1. The
// retry goes out only after the backoff elapses, then the batch completes.
func TestBackfillHonorsRetryAfter(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := testclock.NewClock(t0)

	gapOpen := t0.Add(-10 * time.Minute)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
		case 2:
			w.Write([]byte("[" + restRowAt(gapOpen) + "]"))
		default:
			w.Write([]byte("[]"))
		}
	}))
	defer srv.Close()

	st := store.NewMemoryStore()
	pub := &capturingPublisher{}
	lastCandle := func(symbol string, tf types.Timeframe) (time.Time, bool) {
		return gapOpen, true
	}

	b := newTestBackfiller(t, srv.URL, st, pub, lastCandle, clk)

	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Run(context.Background())
	}()

	// The retry must wait on the virtual clock for the full Retry-After
	require.NoError(t, clk.WaitAdvance(time.Second, 5*time.Second, 1))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("backfill did not finish")
	}

	assert.GreaterOrEqual(t, calls.Load(), int32(2))
	assert.Len(t, pub.published(), 1)
}

func TestBackfillAbortsAfterRateLimitRetriesExhausted(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := testclock.NewClock(t0)

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	st := store.NewMemoryStore()
	pub := &capturingPublisher{}
	lastCandle := func(symbol string, tf types.Timeframe) (time.Time, bool) {
		return t0.Add(-10 * time.Minute), true
	}

	b := newTestBackfiller(t, srv.URL, st, pub, lastCandle, clk)

	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Run(context.Background())
	}()

	// Exponential backoff: 1s, 2s, 4s
	for _, d := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
		require.NoError(t, clk.WaitAdvance(d, 5*time.Second, 1))
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("backfill did not abort")
	}

	// Initial call plus three retries, then the task aborts
	assert.Equal(t, int32(4), calls.Load())
	assert.Empty(t, pub.published())
}

func TestBackfillDriftRetriesExhausted(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := testclock.NewClock(t0)

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code": -1021, "msg": "timestamp outside recvWindow"}`))
	}))
	defer srv.Close()

	st := store.NewMemoryStore()
	pub := &capturingPublisher{}
	lastCandle := func(symbol string, tf types.Timeframe) (time.Time, bool) {
		return t0.Add(-10 * time.Minute), true
	}

	b := newTestBackfiller(t, srv.URL, st, pub, lastCandle, clk)
	b.Run(context.Background())

	// Spot surfaces the drift; the task retries the same start bounded times
	assert.Equal(t, int32(maxDriftRetries+1), calls.Load())
}

func TestBackfillStartPointFallsBackToDefaultWindow(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := testclock.NewClock(t0)

	var firstStart atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if firstStart.Load() == 0 {
			var v int64
			fmt.Sscanf(r.URL.Query().Get("startTime"), "%d", &v)
			firstStart.Store(v)
		}
		w.Write([]byte("[]"))
	}))
	defer srv.Close()

	st := store.NewMemoryStore()
	pub := &capturingPublisher{}

	b := newTestBackfiller(t, srv.URL, st, pub, nil, clk)
	b.Run(context.Background())

	// No memory, no persisted candle: start is now - 24h
	assert.Equal(t, t0.Add(-defaultBackfillWindow).UnixMilli(), firstStart.Load())
}

func TestBackfillStartPointUsesLatestPersisted(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := testclock.NewClock(t0)

	latestOpen := t0.Add(-30 * time.Minute)
	st := store.NewMemoryStore()
	rows, err := ParseRESTKlines([]byte("[" + restRowAt(latestOpen) + "]"))
	require.NoError(t, err)
	latest, err := CandleFromRESTKline(rows[0], "BTCUSDT", types.Timeframe5m, types.VenueSpot)
	require.NoError(t, err)
	require.NoError(t, st.UpsertCandle(context.Background(), latest))

	var firstStart atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if firstStart.Load() == 0 {
			var v int64
			fmt.Sscanf(r.URL.Query().Get("startTime"), "%d", &v)
			firstStart.Store(v)
		}
		w.Write([]byte("[]"))
	}))
	defer srv.Close()

	pub := &capturingPublisher{}
	b := newTestBackfiller(t, srv.URL, st, pub, nil, clk)
	b.Run(context.Background())

	assert.Equal(t, latest.CloseTime.UnixMilli(), firstStart.Load())
}

func TestBackfillDroppedPublishIsNonFatal(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := testclock.NewClock(t0)

	gapOpen := t0.Add(-10 * time.Minute)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Write([]byte("[" + restRowAt(gapOpen) + "]"))
			return
		}
		w.Write([]byte("[]"))
	}))
	defer srv.Close()

	st := store.NewMemoryStore()
	pub := &capturingPublisher{reject: true}
	lastCandle := func(symbol string, tf types.Timeframe) (time.Time, bool) {
		return gapOpen, true
	}

	b := newTestBackfiller(t, srv.URL, st, pub, lastCandle, clk)
	b.Run(context.Background())

	// The candle is still persisted even though the publish was dropped
	exists, err := st.CandleExists(context.Background(), types.CandleKey{
		Venue: types.VenueSpot, Symbol: "BTCUSDT",
		Timeframe: types.Timeframe5m, OpenTime: gapOpen.UnixMilli(),
	})
	require.NoError(t, err)
	assert.True(t, exists)
}

package ingest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openquant/helix/pkg/types"
)

func klinesBody() string {
	return `[[
		1638360000000, "50000.0", "50200.0", "49900.0", "50150.0", "120.5",
		1638360299999, "6037500.0", 150, "60.5", "3037500.0", "0"
	]]`
}

func TestRESTClientKlines(t *testing.T) {
	var gotPath string
	var gotQuery map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.Query()
		w.Write([]byte(klinesBody()))
	}))
	defer srv.Close()

	c := NewRESTClient(types.VenueSpot, srv.URL)
	start := time.UnixMilli(1638360000000)

	candles, err := c.Klines(context.Background(), "BTCUSDT", types.Timeframe5m, start, time.Time{}, 500)
	require.NoError(t, err)
	require.Len(t, candles, 1)

	assert.Equal(t, "/api/v3/klines", gotPath)
	assert.Equal(t, []string{"BTCUSDT"}, gotQuery["symbol"])
	assert.Equal(t, []string{"5m"}, gotQuery["interval"])
	assert.Equal(t, []string{"1638360000000"}, gotQuery["startTime"])
	assert.Equal(t, []string{"500"}, gotQuery["limit"])
	assert.NotContains(t, gotQuery, "endTime")
	assert.Equal(t, "50150", candles[0].Close.String())
}

func TestRESTClientUSDMPath(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := NewRESTClient(types.VenueUSDM, srv.URL)
	_, err := c.Klines(context.Background(), "BTCUSDT", types.Timeframe5m, time.Now().Add(-time.Hour), time.Time{}, 0)
	require.NoError(t, err)
	assert.Equal(t, "/fapi/v1/klines", gotPath)
}

func TestRESTClientLimitClamped(t *testing.T) {
	var gotLimit string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotLimit = r.URL.Query().Get("limit")
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := NewRESTClient(types.VenueSpot, srv.URL)
	_, err := c.Klines(context.Background(), "BTCUSDT", types.Timeframe5m, time.Now(), time.Time{}, 5000)
	require.NoError(t, err)
	assert.Equal(t, "1000", gotLimit)
}

func TestRESTClientRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewRESTClient(types.VenueSpot, srv.URL)
	_, err := c.Klines(context.Background(), "BTCUSDT", types.Timeframe5m, time.Now(), time.Time{}, 0)

	var rateLimited *RateLimitError
	require.ErrorAs(t, err, &rateLimited)
	assert.Equal(t, 7*time.Second, rateLimited.RetryAfter)
}

func TestRESTClientRateLimitedDefaultRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewRESTClient(types.VenueSpot, srv.URL)
	_, err := c.Klines(context.Background(), "BTCUSDT", types.Timeframe5m, time.Now(), time.Time{}, 0)

	var rateLimited *RateLimitError
	require.ErrorAs(t, err, &rateLimited)
	assert.Equal(t, 60*time.Second, rateLimited.RetryAfter)
}

func TestRESTClientSpotTimeDriftSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code": -1021, "msg": "Timestamp for this request is outside of the recvWindow."}`))
	}))
	defer srv.Close()

	c := NewRESTClient(types.VenueSpot, srv.URL)
	_, err := c.Klines(context.Background(), "BTCUSDT", types.Timeframe5m, time.Now(), time.Time{}, 0)

	var drift *TimeDriftError
	require.ErrorAs(t, err, &drift)
	assert.Equal(t, -1021, drift.Code)
}

func TestRESTClientUSDMTimeDriftWidensRecvWindow(t *testing.T) {
	var calls atomic.Int32
	var secondRecvWindow string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"code": -1021, "msg": "timestamp outside recvWindow"}`))
			return
		}
		secondRecvWindow = r.URL.Query().Get("recvWindow")
		w.Write([]byte(klinesBody()))
	}))
	defer srv.Close()

	c := NewRESTClient(types.VenueUSDM, srv.URL)
	candles, err := c.Klines(context.Background(), "BTCUSDT", types.Timeframe5m,
		time.UnixMilli(1638360000000), time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, candles, 1)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, "60000", secondRecvWindow)
	assert.Equal(t, types.VenueUSDM, candles[0].Venue)
}

func TestRESTClientOtherBadRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code": -1100, "msg": "Illegal characters found in parameter"}`))
	}))
	defer srv.Close()

	c := NewRESTClient(types.VenueSpot, srv.URL)
	_, err := c.Klines(context.Background(), "BTCUSDT", types.Timeframe5m, time.Now(), time.Time{}, 0)
	require.Error(t, err)

	var drift *TimeDriftError
	assert.False(t, errors.As(err, &drift))
}

package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/openquant/helix/pkg/log"
	"github.com/openquant/helix/pkg/types"
)

// klineBatchLimit is the venue's maximum klines per request
const klineBatchLimit = 1000

// timeDriftCode is the venue error code for request timestamps outside the
// server's receive window.
const timeDriftCode = -1021

// widenedRecvWindow is the receive window retried with after a time drift
// error on the linear-futures venue.
const widenedRecvWindow = 60000

// RateLimitError reports an HTTP 429 with the venue's requested pause
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// TimeDriftError reports venue error -1021 (client clock outside the
// server's receive window).
type TimeDriftError struct {
	Code    int
	Message string
}

func (e *TimeDriftError) Error() string {
	return fmt.Sprintf("venue time drift (code %d): %s", e.Code, e.Message)
}

// venueErrorBody is the venue's JSON error envelope
type venueErrorBody struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// RESTClient fetches historical klines from the venue REST API
type RESTClient struct {
	venue      types.Venue
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewRESTClient creates a klines client for one venue
func NewRESTClient(venue types.Venue, baseURL string) *RESTClient {
	return &RESTClient{
		venue:   venue,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: log.WithComponent("rest-client").With().Str("venue", venue.String()).Logger(),
	}
}

// klinesPath returns the venue-specific klines endpoint
func (c *RESTClient) klinesPath() string {
	if c.venue == types.VenueUSDM {
		return "/fapi/v1/klines"
	}
	return "/api/v3/klines"
}

// Klines fetches up to limit candles starting at start. A zero end leaves
// the range open. On the linear-futures venue a time-drift rejection is
// retried once with a widened receive window before surfacing.
func (c *RESTClient) Klines(ctx context.Context, symbol string, timeframe types.Timeframe, start, end time.Time, limit int) ([]*types.Candle, error) {
	candles, err := c.fetch(ctx, symbol, timeframe, start, end, limit, 0)

	var drift *TimeDriftError
	if errors.As(err, &drift) && c.venue == types.VenueUSDM {
		c.logger.Warn().
			Int("code", drift.Code).
			Str("msg", drift.Message).
			Int("recv_window", widenedRecvWindow).
			Msg("Venue clock drift detected, retrying with widened receive window")
		candles, err = c.fetch(ctx, symbol, timeframe, start, end, limit, widenedRecvWindow)
	}
	return candles, err
}

func (c *RESTClient) fetch(ctx context.Context, symbol string, timeframe types.Timeframe, start, end time.Time, limit, recvWindow int) ([]*types.Candle, error) {
	if limit <= 0 || limit > klineBatchLimit {
		limit = klineBatchLimit
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", timeframe.String())
	params.Set("startTime", strconv.FormatInt(start.UnixMilli(), 10))
	if !end.IsZero() {
		params.Set("endTime", strconv.FormatInt(end.UnixMilli(), 10))
	}
	params.Set("limit", strconv.Itoa(limit))
	if recvWindow > 0 {
		params.Set("recvWindow", strconv.Itoa(recvWindow))
	}

	reqURL := c.baseURL + c.klinesPath() + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build klines request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("klines request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read klines response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		// fall through to decode
	case http.StatusTooManyRequests:
		return nil, &RateLimitError{RetryAfter: parseRetryAfter(resp.Header)}
	case http.StatusBadRequest:
		var venueErr venueErrorBody
		if json.Unmarshal(body, &venueErr) == nil && venueErr.Code == timeDriftCode {
			return nil, &TimeDriftError{Code: venueErr.Code, Message: venueErr.Msg}
		}
		return nil, fmt.Errorf("klines request rejected: %s", string(body))
	default:
		return nil, fmt.Errorf("klines request failed with status %d", resp.StatusCode)
	}

	rows, err := ParseRESTKlines(body)
	if err != nil {
		return nil, err
	}

	candles := make([]*types.Candle, 0, len(rows))
	for _, row := range rows {
		candle, err := CandleFromRESTKline(row, symbol, timeframe, c.venue)
		if err != nil {
			return nil, err
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

// parseRetryAfter reads the Retry-After header, defaulting to 60s
func parseRetryAfter(h http.Header) time.Duration {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 60 * time.Second
}

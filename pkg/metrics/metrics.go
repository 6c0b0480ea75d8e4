package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Event bus metrics
	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helix_events_published_total",
			Help: "Total number of events accepted by the bus, by event type",
		},
		[]string{"type"},
	)

	EventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "helix_events_dropped_total",
			Help: "Total number of events rejected because the queue was full",
		},
	)

	EventsProcessed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "helix_events_processed_total",
			Help: "Total number of events dispatched to subscribers",
		},
	)

	EventsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "helix_events_failed_total",
			Help: "Total number of events with at least one failed handler",
		},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "helix_event_queue_depth",
			Help: "Current number of events waiting in the bus queue",
		},
	)

	DeadLetterEvents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "helix_dead_letter_events_total",
			Help: "Total number of events diverted to the dead letter queue",
		},
	)

	HandlerDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "helix_handler_duration_seconds",
			Help:    "Event dispatch duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	SubscriptionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "helix_subscriptions_active",
			Help: "Current number of active subscriptions",
		},
	)

	// Ingestion metrics
	CandlesIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helix_candles_ingested_total",
			Help: "Total number of closed candles ingested, by venue and timeframe",
		},
		[]string{"venue", "timeframe"},
	)

	CandlesDeduplicated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helix_candles_deduplicated_total",
			Help: "Total number of already-persisted candles skipped, by venue",
		},
		[]string{"venue"},
	)

	BackfillCandles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helix_backfill_candles_total",
			Help: "Total number of candles recovered via REST backfill, by venue",
		},
		[]string{"venue"},
	)

	WSReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helix_ws_reconnects_total",
			Help: "Total number of WebSocket reconnect attempts, by venue",
		},
		[]string{"venue"},
	)

	RESTRateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helix_rest_rate_limited_total",
			Help: "Total number of HTTP 429 responses seen during backfill, by venue",
		},
		[]string{"venue"},
	)

	// Error manager metrics
	ErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helix_errors_total",
			Help: "Total number of structured errors by category and severity",
		},
		[]string{"category", "severity"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(EventsPublished)
	prometheus.MustRegister(EventsDropped)
	prometheus.MustRegister(EventsProcessed)
	prometheus.MustRegister(EventsFailed)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(DeadLetterEvents)
	prometheus.MustRegister(HandlerDuration)
	prometheus.MustRegister(SubscriptionsActive)

	// Register ingestion metrics
	prometheus.MustRegister(CandlesIngested)
	prometheus.MustRegister(CandlesDeduplicated)
	prometheus.MustRegister(BackfillCandles)
	prometheus.MustRegister(WSReconnects)
	prometheus.MustRegister(RESTRateLimited)

	prometheus.MustRegister(ErrorsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

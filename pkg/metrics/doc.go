/*
Package metrics provides the Prometheus collectors for Helix.

The package holds package-level collectors for the event bus, the ingestion
pipeline, and the error manager, registered once at init. The HTTP surface
that serves them (together with health, readiness, and dead-letter
readback computed from the live components) lives in pkg/api.

# Collectors

	┌──────────────── PROMETHEUS COLLECTORS ───────────────────┐
	│                                                            │
	│  Event Bus:                                                │
	│    - helix_events_published_total{type}                    │
	│    - helix_events_dropped_total                            │
	│    - helix_events_processed_total                          │
	│    - helix_events_failed_total                             │
	│    - helix_event_queue_depth                               │
	│    - helix_dead_letter_events_total                        │
	│    - helix_handler_duration_seconds                        │
	│    - helix_subscriptions_active                            │
	│                                                            │
	│  Ingestion:                                                │
	│    - helix_candles_ingested_total{venue,timeframe}         │
	│    - helix_candles_deduplicated_total{venue}               │
	│    - helix_backfill_candles_total{venue}                   │
	│    - helix_ws_reconnects_total{venue}                      │
	│    - helix_rest_rate_limited_total{venue}                  │
	│                                                            │
	│  Errors:                                                   │
	│    - helix_errors_total{category,severity}                 │
	└────────────────────────────────────────────────────────┘

# Usage

Incrementing from a component:

	metrics.CandlesIngested.WithLabelValues("spot", "5m").Inc()

Timing an operation:

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.HandlerDuration)

Serving the exposition endpoint (done by pkg/api):

	mux.Handle("/metrics", metrics.Handler())
*/
package metrics

/*
Package ingest provides the market-data ingestion pipeline: per-venue
WebSocket stream ingesters, the REST klines client, the wire codecs, and
the gap backfill engine.

# Architecture

	┌─────────────────── INGESTION PIPELINE ───────────────────┐
	│                                                            │
	│  Venue WS (combined kline streams)                         │
	│       │                                                    │
	│  ┌────▼───────────────────────────────────────┐          │
	│  │              Ingester (per venue)           │          │
	│  │                                              │          │
	│  │  frame → closed? ──no──► drop silently       │          │
	│  │            │yes                               │          │
	│  │  WS codec → Candle (decimal strings kept)    │          │
	│  │            │                                  │          │
	│  │  dedup (store lookup) ──exists──► skip       │          │
	│  │            │new                               │          │
	│  │  idempotent upsert → publish candles.v1      │          │
	│  └────────────────────┬────────────────────────┘          │
	│                       │ on disconnect                      │
	│  ┌────────────────────▼────────────────────────┐          │
	│  │           Reconnect + Backfill               │          │
	│  │  - bounded reconnect budget, fixed delay     │          │
	│  │  - REST catch-up from last seen close time   │          │
	│  │  - 1000-candle pages, close_time+1ms cursor  │          │
	│  │  - 429: Retry-After honored, exp backoff     │          │
	│  │  - usdm drift: widened recv window retry     │          │
	│  │  - recovered candles tagged is_gap_fill      │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Exactly-once emission

Two mechanisms combine to keep the candles.v1 stream duplicate-free: the
closed-flag filter (a candle is only considered once its interval has fully
elapsed) and the dedup check against the persistence port keyed by
(venue, symbol, timeframe, open_time). Because the dedup check runs before
the upsert and the upsert itself is idempotent, a reconnect replaying the
same candles produces no extra rows and no extra publications.

# Failure semantics

A publish rejected by a full bus queue is logged and dropped; the persisted
row remains the source of truth and downstream consumers recover it from
the store. Network errors trigger the reconnect path; rate limiting and
venue clock drift are retried with bounded budgets, after which the
affected backfill task aborts without touching the others.
*/
package ingest

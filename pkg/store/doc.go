/*
Package store defines the persistence port the engine core depends on.

The Store interface is the only durable-state boundary in Helix: candles,
indicators, zones, orders, and positions all live behind it. The core
requires exactly two properties of an implementation: per-row atomicity and
idempotent upserts keyed by (venue, symbol, timeframe, open_time). Those
two properties are what make the ingester's dedup-then-upsert pipeline and
the backfill engine's replay safe under retries and reconnects.

Two implementations ship with the engine:

  - MemoryStore: mutex-guarded maps, used by tests and development runs.
  - postgres.DB: pgx/v5 connection pool with embedded golang-migrate
    migrations; all monetary columns are NUMERIC so venue decimal
    precision survives the round trip.

Lookup operations return candles in chronological order; GetLatestCandle
returns nil (not an error) when no row exists, which the backfill engine
uses to fall back to its default window.
*/
package store

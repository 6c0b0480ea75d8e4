/*
Package types defines the core data model shared across Helix components.

The types package contains the candle record, the bus event envelope, the
timeframe and venue enumerations, and the auxiliary records stored through
the persistence port. Nothing here performs I/O; the package exists so that
every other component agrees on one representation of market data.

# Data Model

	┌──────────────────── DATA MODEL ──────────────────────────┐
	│                                                            │
	│  Candle (immutable, persistent)                            │
	│    key: (venue, symbol, timeframe, open_time)              │
	│    OHLCV as fixed-point decimals (shopspring/decimal)      │
	│    invariants: low <= open,close <= high                   │
	│                open_time < close_time, trades >= 0         │
	│                                                            │
	│  Event (ephemeral, bus-owned)                              │
	│    EventID (uuid), Type, Timestamp, Symbol?, Timeframe?    │
	│    Payload (tagged by Type), Metadata (publish-path only)  │
	│                                                            │
	│  EventType <-> topic mapping                               │
	│    CANDLE_UPDATE <-> "candles.v1"                          │
	│    FEATURES_CALCULATED <-> "features.v1"                   │
	│    ... (full bidirectional table, unknown topics rejected) │
	│                                                            │
	│  Auxiliary records: Indicator, Zone, Order, Position       │
	└────────────────────────────────────────────────────────┘

Prices and volumes never pass through binary floats: the websocket and REST
codecs parse the venue's decimal strings directly into decimal.Decimal, and
the payload emitted on candles.v1 renders them back as strings.
*/
package types

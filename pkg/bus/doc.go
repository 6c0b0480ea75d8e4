/*
Package bus provides the priority-ordered, fault-isolated event dispatch
fabric at the center of Helix.

The bus accepts events from publishers (primarily the market-data
ingesters), orders them in a bounded priority queue, and dispatches them
through a fixed worker pool to registered subscribers. Handler failures are
isolated per subscription: retries, circuit breaking, terminal
deactivation, and dead-letter capture all happen without affecting other
subscribers or the publishers.

# Architecture

	┌───────────────────── EVENT BUS ──────────────────────────┐
	│                                                            │
	│  Publish(event, priority)                                  │
	│       │  stamps metadata, optional persistence             │
	│       ▼                                                    │
	│  ┌────────────────────────────────────────────┐          │
	│  │        Bounded Priority Queue               │          │
	│  │  - keyed by (priority desc, enqueue seq)    │          │
	│  │  - FIFO within a priority band              │          │
	│  │  - full queue: drop-newest + QueueError     │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │ pop (bounded 1s wait)                │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │            Worker Pool (N)                  │          │
	│  │  pop → registry lookup → processor →        │          │
	│  │  record outcomes → loop; exit on cancel     │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          Event Processor                    │          │
	│  │  - priority-descending handler order        │          │
	│  │  - per-subscriber circuit breaker           │          │
	│  │  - global concurrency semaphore             │          │
	│  │  - per-handler timeout                      │          │
	│  │  - bounded retry helper                     │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │       Subscription Registry                 │          │
	│  │  - by-type index, priority sorted           │          │
	│  │  - "all events" list                        │          │
	│  │  - retry accounting, terminal deactivation  │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │ retry exhausted                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │        Dead Letter Queue                    │          │
	│  │  - bounded FIFO, reason + timestamp stamped │          │
	│  │  - non-mutating readback                    │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Ordering Guarantees

Across events, dispatch order is priority-then-FIFO. Within one event,
handlers run in priority-descending order; registrations with equal
priority keep registration order, except that at equal priority
type-specific subscribers run before "all events" subscribers. No cross-event ordering is guaranteed
across symbols or between workers.

# Failure Isolation

A handler error never reaches the publisher. Each failed attempt counts
against the subscription's retry budget; exhausting the budget deactivates
the subscription terminally and diverts the event to the dead-letter
queue. Independently, a per-subscriber circuit breaker sheds calls to
subscribers whose recent failure density is too high.

# Usage

	registry := bus.NewRegistry(bus.DefaultSubscriptionConfig())
	processor := bus.NewProcessor(bus.DefaultProcessingConfig(), nil)
	b, err := bus.New(bus.DefaultConfig(), registry, processor)
	if err != nil {
		return err
	}
	b.Start()
	defer b.Stop()

	id, err := b.Subscribe("feature-service", onCandle,
		[]types.EventType{types.EventCandleUpdate}, 10, 3)

	b.Publish(types.NewCandleEvent(candle), 0)
*/
package bus

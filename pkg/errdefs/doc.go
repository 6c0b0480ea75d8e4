/*
Package errdefs provides the structured error taxonomy and the process-wide
error manager for Helix.

Every failure in the engine is classified along two axes: a category
(subscription, processing, queue, configuration, network, timeout, resource,
validation, circuit_breaker) and a severity (low, medium, high, critical).
Each error carries a Context with a unique ID, timestamp, originating
component and operation, free-form metadata, and retry bookkeeping.

# Error Flow

	┌──────────────────── ERROR MANAGER ───────────────────────┐
	│                                                            │
	│  component ──► Manager.Handle(err)                         │
	│                    │                                       │
	│        ┌───────────┼───────────────┐                      │
	│        ▼           ▼               ▼                      │
	│   LogHandler   StatsHandler   RetryHandler (opt-in)       │
	│   zerolog,     totals per     exponential backoff,        │
	│   level by     category and   never for configuration,    │
	│   severity     severity,      validation, or critical     │
	│                ring of last                                │
	│                100 contexts,                               │
	│                rate/minute                                 │
	└────────────────────────────────────────────────────────┘

The retry handler is deliberately not registered on the default manager;
components that want backoff-and-retry semantics attach it explicitly or
call it directly, since blanket retry of every error is rarely correct.
*/
package errdefs

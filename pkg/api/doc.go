/*
Package api exposes the engine's operational HTTP surface.

Unlike a generic component registry, every endpoint here is computed from
the live components at request time: health and readiness consult the event
bus's own snapshot and ping the persistence port, and the dead-letter
endpoint reads straight from the bus's DLQ.

# Endpoints

	GET /metrics      Prometheus exposition
	GET /health       engine health: bus snapshot (running flag, queue
	                  usage, subscription counts, DLQ depth), store ping,
	                  ingest state; 503 when any component is down
	GET /ready        readiness gate: bus workers running, store reachable,
	                  configured ingest streaming; 503 with a reason when
	                  not ready
	GET /live         process liveness
	GET /deadletters  up to ?limit dead-lettered events with their failure
	                  reason and divert timestamp; readback never mutates
	                  the queue

# Health semantics

/health answers "is the engine working right now" and carries the full bus
snapshot so an operator can see queue pressure and terminal subscription
loss at a glance. /ready answers "should traffic depend on this process
yet" and is what orchestration probes should poll. A nil ingest service
(no venues configured) reports "disabled" and never blocks readiness.
*/
package api

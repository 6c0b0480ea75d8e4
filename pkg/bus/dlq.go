package bus

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openquant/helix/pkg/types"
)

// deadLetterQueue is a bounded FIFO of terminally-failed events. Overflow
// drops the newest entry with a log record.
type deadLetterQueue struct {
	mu      sync.Mutex
	events  []*types.Event
	maxSize int
	logger  zerolog.Logger
}

func newDeadLetterQueue(maxSize int, logger zerolog.Logger) *deadLetterQueue {
	return &deadLetterQueue{
		maxSize: maxSize,
		logger:  logger,
	}
}

// add stamps the failure metadata and enqueues the event. Returns false
// when the queue is full and the event was dropped.
func (d *deadLetterQueue) add(ev *types.Event, reason string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.events) >= d.maxSize {
		d.logger.Error().
			Str("event_id", ev.EventID.String()).
			Str("reason", reason).
			Msg("Dead letter queue full, dropping event")
		return false
	}

	ev.Metadata[types.MetaDeadLetterReason] = reason
	ev.Metadata[types.MetaDeadLetterTimestamp] = now.UTC().Format(time.RFC3339Nano)
	d.events = append(d.events, ev)
	return true
}

// list returns up to limit entries without mutating the queue
func (d *deadLetterQueue) list(limit int) []*types.Event {
	d.mu.Lock()
	defer d.mu.Unlock()

	if limit <= 0 || limit > len(d.events) {
		limit = len(d.events)
	}
	out := make([]*types.Event, limit)
	copy(out, d.events[:limit])
	return out
}

// size returns the number of dead-lettered events
func (d *deadLetterQueue) size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.events)
}

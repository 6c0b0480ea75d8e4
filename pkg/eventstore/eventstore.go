// Package eventstore provides optional pre-dispatch event persistence for
// the bus. When the bus is configured with EnablePersistence, every
// accepted event is written to a backend before it is enqueued, giving an
// audit trail that survives process restarts (bolt) or at least the
// process lifetime (memory).
package eventstore

import (
	"time"

	"github.com/google/uuid"

	"github.com/openquant/helix/pkg/types"
)

// StoredEvent is the persisted form of a bus event
type StoredEvent struct {
	EventID   uuid.UUID         `json:"event_id"`
	Type      types.EventType   `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Symbol    string            `json:"symbol,omitempty"`
	Timeframe types.Timeframe   `json:"timeframe,omitempty"`
	Payload   any               `json:"payload,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// FromEvent converts a bus event into its persisted form
func FromEvent(ev *types.Event) StoredEvent {
	meta := make(map[string]string, len(ev.Metadata))
	for k, v := range ev.Metadata {
		meta[k] = v
	}
	return StoredEvent{
		EventID:   ev.EventID,
		Type:      ev.Type,
		Timestamp: ev.Timestamp,
		Symbol:    ev.Symbol,
		Timeframe: ev.Timeframe,
		Payload:   ev.Payload,
		Metadata:  meta,
	}
}

// Backend persists events ahead of dispatch
type Backend interface {
	PersistEvent(ev *types.Event) error
	Events(limit int) ([]StoredEvent, error)
	Close() error
}

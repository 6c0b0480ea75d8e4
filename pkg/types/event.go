package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event carried on the bus
type EventType string

const (
	EventCandleUpdate       EventType = "CANDLE_UPDATE"
	EventFeaturesCalculated EventType = "FEATURES_CALCULATED"
	EventSMCSignal          EventType = "SMC_SIGNAL"
	EventRetestSignal       EventType = "RETEST_SIGNAL"
	EventTradingDecision    EventType = "TRADING_DECISION"
	EventOrderFilled        EventType = "ORDER_FILLED"
	EventPositionUpdate     EventType = "POSITION_UPDATE"
	EventSystemStatus       EventType = "SYSTEM_STATUS"
	EventError              EventType = "ERROR"
)

// TopicCandles is the canonical publication topic for closed candles.
// It is the serialized form of EventCandleUpdate.
const TopicCandles = "candles.v1"

// eventTopics maps event types to their serialized topic names
var eventTopics = map[EventType]string{
	EventCandleUpdate:       TopicCandles,
	EventFeaturesCalculated: "features.v1",
	EventSMCSignal:          "signals.smc.v1",
	EventRetestSignal:       "signals.retest.v1",
	EventTradingDecision:    "decisions.v1",
	EventOrderFilled:        "orders.filled.v1",
	EventPositionUpdate:     "positions.v1",
	EventSystemStatus:       "system.status.v1",
	EventError:              "errors.v1",
}

// TopicForType returns the serialized topic name for an event type
func TopicForType(t EventType) (string, bool) {
	topic, ok := eventTopics[t]
	return topic, ok
}

// TypeForTopic returns the event type for a serialized topic name.
// Unknown topics are an error, never coerced.
func TypeForTopic(topic string) (EventType, error) {
	for t, name := range eventTopics {
		if name == topic {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown topic %q", topic)
}

// Metadata keys stamped on the publish and failure paths
const (
	MetaPriority            = "priority"
	MetaPublishedAt         = "published_at"
	MetaIsHistorical        = "is_historical"
	MetaIsGapFill           = "is_gap_fill"
	MetaDeadLetterReason    = "dead_letter_reason"
	MetaDeadLetterTimestamp = "dead_letter_timestamp"
)

// Event represents a single occurrence flowing through the bus. Events are
// ephemeral: created on publish, released after dispatch or diverted to the
// dead-letter queue. Metadata is mutable during the publish path only.
type Event struct {
	EventID   uuid.UUID
	Type      EventType
	Timestamp time.Time
	Symbol    string
	Timeframe Timeframe
	Payload   any
	Metadata  map[string]string
}

// NewEvent creates an event with a fresh ID and UTC timestamp
func NewEvent(eventType EventType, payload any) *Event {
	return &Event{
		EventID:   uuid.New(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
		Metadata:  make(map[string]string),
	}
}

// NewCandleEvent creates a CANDLE_UPDATE event carrying the candle's wire
// payload, tagged with the candle's symbol and timeframe.
func NewCandleEvent(candle *Candle) *Event {
	ev := NewEvent(EventCandleUpdate, candle.Payload())
	ev.Symbol = candle.Symbol
	ev.Timeframe = candle.Timeframe
	return ev
}

package ingestion

import (
	"fmt"

	"BatchAuction/internal/event"
)

// ParseRawEvent converts a RawEvent (JSON bytes + event type name) into
// a typed event.Event. The ingestion shell validates and converts raw
// events before anything reaches the deterministic core; the core never
// sees bytes it did not ask for.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	et, ok := EventTypeByName(eventType)
	if !ok {
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
	return event.UnmarshalPayload(et, raw.Data)
}

// EventTypeByName resolves the wire name used on NATS subjects and in
// the event log's event_type column.
func EventTypeByName(name string) (event.EventType, bool) {
	switch name {
	case "CreatePool":
		return event.EventTypeCreatePool, true
	case "FundAccount":
		return event.EventTypeFundAccount, true
	case "OpenBatch":
		return event.EventTypeOpenBatch, true
	case "CommitOrder":
		return event.EventTypeCommitOrder, true
	case "RevealOrder":
		return event.EventTypeRevealOrder, true
	case "ClockTick":
		return event.EventTypeClockTick, true
	case "DistributeGame":
		return event.EventTypeDistributeGame, true
	default:
		return event.EventTypeUnknown, false
	}
}

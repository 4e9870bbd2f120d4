package event

import (
	"fmt"
	"time"
)

// ClockTick carries an authoritative timestamp into the core. Phase
// transitions fire when a tick reaches a batch's commit or reveal
// deadline. Ticks are global and tolerate gaps: a missed tick only
// delays transitions, it never skips them.
type ClockTick struct {
	Timestamp time.Time
	Sequence  int64
}

func (t *ClockTick) IdempotencyKey() string {
	return fmt.Sprintf("tick:%d", t.Timestamp.UnixMicro())
}

func (t *ClockTick) EventType() EventType {
	return EventTypeClockTick
}

func (t *ClockTick) PoolID() *string {
	return nil // Ticks drive every pool
}

func (t *ClockTick) SourceSequence() int64 {
	return t.Sequence
}

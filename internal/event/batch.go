package event

import (
	"time"

	"github.com/google/uuid"
)

// OpenBatch starts a new auction round on a pool. The commit and reveal
// windows are derived from the event timestamp and the deployment's
// phase durations; the core never consults a wall clock.
type OpenBatch struct {
	BatchUUID uuid.UUID
	PoolUUID  uuid.UUID
	Timestamp time.Time
	Sequence  int64
}

func (o *OpenBatch) IdempotencyKey() string {
	return o.BatchUUID.String()
}

func (o *OpenBatch) EventType() EventType {
	return EventTypeOpenBatch
}

func (o *OpenBatch) PoolID() *string {
	s := o.PoolUUID.String()
	return &s
}

func (o *OpenBatch) SourceSequence() int64 {
	return o.Sequence
}

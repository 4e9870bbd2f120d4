package event

import (
	"time"

	"github.com/google/uuid"
)

// CommitOrder places a sealed order commitment during a batch's commit
// window. The hash binds the order, the reveal secret and the deposit;
// the deposit is locked as a bond in the pool's quote asset.
type CommitOrder struct {
	CommitID      uuid.UUID
	PoolUUID      uuid.UUID
	BatchUUID     uuid.UUID
	TraderID      uuid.UUID
	CommitHash    [32]byte
	Deposit       int64 // Fixed-point, quote asset
	ExecutionStep uint64
	Timestamp     time.Time
	Sequence      int64
}

func (c *CommitOrder) IdempotencyKey() string {
	return c.CommitID.String()
}

func (c *CommitOrder) EventType() EventType {
	return EventTypeCommitOrder
}

func (c *CommitOrder) PoolID() *string {
	s := c.PoolUUID.String()
	return &s
}

func (c *CommitOrder) SourceSequence() int64 {
	return c.Sequence
}

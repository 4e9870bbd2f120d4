package event

import (
	"time"

	"github.com/google/uuid"
)

// RevealOrder opens a commitment during the reveal window. The order
// fields and secret must hash to the committed value; the order's input
// amount plus priority bid move to trade escrow on success.
type RevealOrder struct {
	RevealID      uuid.UUID
	PoolUUID      uuid.UUID
	BatchUUID     uuid.UUID
	TraderID      uuid.UUID
	TokenIn       string
	TokenOut      string
	AmountIn      int64 // Fixed-point
	MinAmountOut  int64 // Fixed-point
	PriorityBid   int64 // Fixed-point, token_in
	Secret        [32]byte
	ExecutionStep uint64
	Timestamp     time.Time
	Sequence      int64
}

func (r *RevealOrder) IdempotencyKey() string {
	return r.RevealID.String()
}

func (r *RevealOrder) EventType() EventType {
	return EventTypeRevealOrder
}

func (r *RevealOrder) PoolID() *string {
	s := r.PoolUUID.String()
	return &s
}

func (r *RevealOrder) SourceSequence() int64 {
	return r.Sequence
}

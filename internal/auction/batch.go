package auction

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Batch is one auction round on a pool. Orders accumulate in reveal
// sequence; ShuffleSeed and ClearingPrice are filled in at settlement.
type Batch struct {
	BatchID       uuid.UUID
	PoolID        uuid.UUID
	Phase         Phase
	CommitEnd     time.Time
	RevealEnd     time.Time
	Orders        []*Order
	ShuffleSeed   [32]byte
	ClearingPrice int64 // Fixed-point; zero when the batch aborted
	Version       int64 // Bumped on every mutation
}

// TransitionTo advances the phase, enforcing the forward-only ladder
func (b *Batch) TransitionTo(next Phase) error {
	if !b.Phase.CanTransitionTo(next) {
		return fmt.Errorf("%w: batch %s cannot move %s -> %s",
			ErrPhaseViolation, b.BatchID, b.Phase, next)
	}
	b.Phase = next
	b.Version++
	return nil
}

// AppendOrder records a revealed order and assigns its reveal index
func (b *Batch) AppendOrder(o *Order) int {
	o.OrderIndex = len(b.Orders)
	b.Orders = append(b.Orders, o)
	b.Version++
	return o.OrderIndex
}

// CanonicalBytes returns deterministic serialization for state hashing
func (b *Batch) CanonicalBytes() []byte {
	buf := make([]byte, 0, 128+96*len(b.Orders))

	buf = append(buf, b.BatchID[:]...)
	buf = append(buf, b.PoolID[:]...)
	buf = append(buf, byte(b.Phase))
	buf = appendInt64LE(buf, b.CommitEnd.UnixMicro())
	buf = appendInt64LE(buf, b.RevealEnd.UnixMicro())

	buf = appendInt64LE(buf, int64(len(b.Orders)))
	for _, o := range b.Orders {
		buf = append(buf, o.CanonicalBytes()...)
		buf = appendInt64LE(buf, int64(o.OrderIndex))
	}

	buf = append(buf, b.ShuffleSeed[:]...)
	buf = appendInt64LE(buf, b.ClearingPrice)

	return buf
}

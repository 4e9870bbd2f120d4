package event

import (
	"time"

	"github.com/google/uuid"
)

// FundAccount credits a trader's available balance. It is the settlement
// confirmation of an external custody deposit; the custody flow itself
// lives outside the engine.
type FundAccount struct {
	FundID    uuid.UUID
	TraderID  uuid.UUID
	Asset     string
	Amount    int64 // Fixed-point
	Timestamp time.Time
	Sequence  int64
}

func (f *FundAccount) IdempotencyKey() string {
	return f.FundID.String()
}

func (f *FundAccount) EventType() EventType {
	return EventTypeFundAccount
}

func (f *FundAccount) PoolID() *string {
	return nil // Global event
}

func (f *FundAccount) SourceSequence() int64 {
	return f.Sequence
}

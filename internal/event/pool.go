package event

import (
	"time"

	"github.com/google/uuid"
)

// CreatePool registers a trading pool and seeds its reserves from the
// external boundary. Reserves are fixed-point amounts.
type CreatePool struct {
	PoolCreationID uuid.UUID
	PoolUUID       uuid.UUID
	BaseAsset      string
	QuoteAsset     string
	FeeRateBps     int64
	ReserveBase    int64
	ReserveQuote   int64
	Timestamp      time.Time
	Sequence       int64
}

func (p *CreatePool) IdempotencyKey() string {
	return p.PoolCreationID.String()
}

func (p *CreatePool) EventType() EventType {
	return EventTypeCreatePool
}

func (p *CreatePool) PoolID() *string {
	s := p.PoolUUID.String()
	return &s
}

func (p *CreatePool) SourceSequence() int64 {
	return p.Sequence
}

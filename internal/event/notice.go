package event

import (
	"github.com/google/uuid"
)

// NoticeType discriminator for outbound notices
type NoticeType int32

const (
	NoticeTypeUnknown NoticeType = iota
	NoticeTypeOrderCommitted
	NoticeTypeOrderRevealed
	NoticeTypeInvalidReveal
	NoticeTypeBatchSettled
	NoticeTypeClearingAborted
	NoticeTypeSlashed
	NoticeTypeSharesDistributed
)

func (nt NoticeType) String() string {
	switch nt {
	case NoticeTypeOrderCommitted:
		return "OrderCommitted"
	case NoticeTypeOrderRevealed:
		return "OrderRevealed"
	case NoticeTypeInvalidReveal:
		return "InvalidReveal"
	case NoticeTypeBatchSettled:
		return "BatchSettled"
	case NoticeTypeClearingAborted:
		return "ClearingAborted"
	case NoticeTypeSlashed:
		return "Slashed"
	case NoticeTypeSharesDistributed:
		return "SharesDistributed"
	default:
		return "Unknown"
	}
}

// Notice is an observable state-change record emitted by the core
// alongside the event envelope. Notices feed the outbound stream and
// the projection tables; they never feed back into the core.
type Notice interface {
	NoticeType() NoticeType
}

type OrderCommitted struct {
	Pool    uuid.UUID `json:"pool"`
	Batch   uuid.UUID `json:"batch"`
	Trader  uuid.UUID `json:"trader"`
	Deposit int64     `json:"deposit"`
}

func (n *OrderCommitted) NoticeType() NoticeType { return NoticeTypeOrderCommitted }

type OrderRevealed struct {
	Pool       uuid.UUID `json:"pool"`
	Batch      uuid.UUID `json:"batch"`
	Trader     uuid.UUID `json:"trader"`
	OrderIndex int       `json:"order_index"`
}

func (n *OrderRevealed) NoticeType() NoticeType { return NoticeTypeOrderRevealed }

type InvalidReveal struct {
	Pool   uuid.UUID `json:"pool"`
	Batch  uuid.UUID `json:"batch"`
	Trader uuid.UUID `json:"trader"`
	Reason string    `json:"reason"`
}

func (n *InvalidReveal) NoticeType() NoticeType { return NoticeTypeInvalidReveal }

type BatchSettled struct {
	Pool          uuid.UUID `json:"pool"`
	Batch         uuid.UUID `json:"batch"`
	ClearingPrice int64     `json:"clearing_price"`
	ShuffleSeed   [32]byte  `json:"shuffle_seed"`
	FilledCount   int       `json:"filled_count"`
}

func (n *BatchSettled) NoticeType() NoticeType { return NoticeTypeBatchSettled }

// ClearingAborted reports a batch that failed as a unit: no fills, all
// escrows refunded.
type ClearingAborted struct {
	Pool   uuid.UUID `json:"pool"`
	Batch  uuid.UUID `json:"batch"`
	Reason string    `json:"reason"`
}

func (n *ClearingAborted) NoticeType() NoticeType { return NoticeTypeClearingAborted }

type Slashed struct {
	Pool   uuid.UUID `json:"pool"`
	Batch  uuid.UUID `json:"batch"`
	Trader uuid.UUID `json:"trader"`
	Amount int64     `json:"amount"`
}

func (n *Slashed) NoticeType() NoticeType { return NoticeTypeSlashed }

type ParticipantShare struct {
	Participant uuid.UUID `json:"participant"`
	Amount      int64     `json:"amount"`
}

type SharesDistributed struct {
	Game   uuid.UUID          `json:"game"`
	Asset  string             `json:"asset"`
	Shares []ParticipantShare `json:"shares"`
}

func (n *SharesDistributed) NoticeType() NoticeType { return NoticeTypeSharesDistributed }

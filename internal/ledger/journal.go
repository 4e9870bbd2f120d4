package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// JournalType classifies the economic purpose of a journal
type JournalType int32

const (
	JournalTypeFund        JournalType = iota // external deposits -> trader available
	JournalTypePoolSeed                       // external deposits -> pool reserves
	JournalTypeBondLock                       // trader available -> bond (commit deposit)
	JournalTypeBondRefund                     // bond -> trader available
	JournalTypeTradeLock                      // trader available -> trade escrow (reveal)
	JournalTypeTradeRefund                    // trade escrow -> trader available
	JournalTypeFillPay                        // trade escrow -> settlement escrow
	JournalTypeFillReceive                    // settlement escrow -> trader available
	JournalTypeSwap                           // settlement escrow <-> pool reserves
	JournalTypeFeeLP                          // trade escrow -> pool reserves
	JournalTypeFeeProtocol                    // trade escrow -> protocol fees
	JournalTypePriorityBid                    // trade escrow -> LP rewards
	JournalTypeSlash                          // bond -> treasury
	JournalTypeSlashRefund                    // bond -> trader available (post-slash remainder)
	JournalTypeRewardShare                    // external emission -> trader available
)

func (jt JournalType) String() string {
	switch jt {
	case JournalTypeFund:
		return "fund"
	case JournalTypePoolSeed:
		return "pool_seed"
	case JournalTypeBondLock:
		return "bond_lock"
	case JournalTypeBondRefund:
		return "bond_refund"
	case JournalTypeTradeLock:
		return "trade_lock"
	case JournalTypeTradeRefund:
		return "trade_refund"
	case JournalTypeFillPay:
		return "fill_pay"
	case JournalTypeFillReceive:
		return "fill_receive"
	case JournalTypeSwap:
		return "swap"
	case JournalTypeFeeLP:
		return "fee_lp"
	case JournalTypeFeeProtocol:
		return "fee_protocol"
	case JournalTypePriorityBid:
		return "priority_bid"
	case JournalTypeSlash:
		return "slash"
	case JournalTypeSlashRefund:
		return "slash_refund"
	case JournalTypeRewardShare:
		return "reward_share"
	default:
		return "unknown"
	}
}

// Journal is a single double-entry movement. Amount is always positive;
// direction is carried by the debit/credit pair.
type Journal struct {
	JournalID     uuid.UUID
	BatchID       uuid.UUID
	EventRef      string
	Sequence      int64
	DebitAccount  AccountKey
	CreditAccount AccountKey
	AssetID       AssetID
	Amount        int64
	JournalType   JournalType
	Timestamp     int64 // Epoch micros, from the source event
}

// Batch groups the journals produced by one settlement action. A batch
// applies atomically or not at all.
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate checks batch-level integrity before apply
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s has no journals", b.BatchID)
	}

	for i, j := range b.Journals {
		if j.Amount <= 0 {
			return fmt.Errorf("journal %d in batch %s has non-positive amount %d", i, b.BatchID, j.Amount)
		}
		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %d has batch ID %s, want %s", i, j.BatchID, b.BatchID)
		}
		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %d in batch %s is a self-transfer on %s", i, b.BatchID, j.DebitAccount.AccountPath())
		}
		if j.DebitAccount.AssetID != j.AssetID || j.CreditAccount.AssetID != j.AssetID {
			return fmt.Errorf("journal %d in batch %s crosses assets", i, b.BatchID)
		}
	}

	return nil
}

package ledger

import (
	"fmt"

	"github.com/google/uuid"

	"BatchAuction/internal/auction"
	"BatchAuction/internal/clearing"
	"BatchAuction/internal/commitment"
	"BatchAuction/internal/reward"
)

// JournalGenerator creates balanced journal batches from settlement
// actions. Every batch it emits passes Validate and leaves the global
// asset sums untouched.
type JournalGenerator struct {
	sequence       int64
	balanceTracker *BalanceTracker // for pre-checks against overdrafts
}

func NewJournalGenerator(startSequence int64, tracker *BalanceTracker) *JournalGenerator {
	return &JournalGenerator{
		sequence:       startSequence,
		balanceTracker: tracker,
	}
}

// Sequence returns the next batch sequence, for snapshots
func (jg *JournalGenerator) Sequence() int64 {
	return jg.sequence
}

// SetSequence restores the batch sequence from a snapshot
func (jg *JournalGenerator) SetSequence(seq int64) {
	jg.sequence = seq
}

func (jg *JournalGenerator) newBatch(eventRef string, timestamp int64, capacity int) *Batch {
	return &Batch{
		BatchID:   uuid.New(),
		EventRef:  eventRef,
		Sequence:  jg.sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, capacity),
	}
}

func (jg *JournalGenerator) appendJournal(b *Batch, debit, credit AccountKey, assetID AssetID, amount int64, jt JournalType) {
	b.Journals = append(b.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       b.BatchID,
		EventRef:      b.EventRef,
		Sequence:      b.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		AssetID:       assetID,
		Amount:        amount,
		JournalType:   jt,
		Timestamp:     b.Timestamp,
	})
}

// GenerateFundBatch credits a trader from the external deposit boundary.
// Moves funds: external:deposits -> user:available
func (jg *JournalGenerator) GenerateFundBatch(
	traderID uuid.UUID,
	eventRef string,
	assetID AssetID,
	amount int64,
	timestamp int64,
) (*Batch, error) {
	batch := jg.newBatch(eventRef, timestamp, 1)
	jg.appendJournal(batch,
		NewUserAccountKey(traderID, SubTypeAvailable, assetID),
		NewExternalAccountKey(SubTypeExternalDeposits, assetID),
		assetID, amount, JournalTypeFund)

	jg.sequence++
	return batch, nil
}

// GeneratePoolSeedBatch funds a new pool's reserves from the external
// boundary, both assets in one atomic batch.
func (jg *JournalGenerator) GeneratePoolSeedBatch(
	poolID uuid.UUID,
	eventRef string,
	baseAssetID, quoteAssetID AssetID,
	baseAmount, quoteAmount int64,
	timestamp int64,
) (*Batch, error) {
	batch := jg.newBatch(eventRef, timestamp, 2)
	jg.appendJournal(batch,
		NewPoolAccountKey(poolID, SubTypePoolBase, baseAssetID),
		NewExternalAccountKey(SubTypeExternalDeposits, baseAssetID),
		baseAssetID, baseAmount, JournalTypePoolSeed)
	jg.appendJournal(batch,
		NewPoolAccountKey(poolID, SubTypePoolQuote, quoteAssetID),
		NewExternalAccountKey(SubTypeExternalDeposits, quoteAssetID),
		quoteAssetID, quoteAmount, JournalTypePoolSeed)

	jg.sequence++
	return batch, nil
}

// GenerateBondLockBatch locks a commit deposit.
// Pre-check: trader must hold the deposit as available balance.
// Moves funds: user:available -> user:bond
func (jg *JournalGenerator) GenerateBondLockBatch(
	traderID uuid.UUID,
	commitRef string,
	quoteAssetID AssetID,
	deposit int64,
	timestamp int64,
) (*Batch, error) {
	if err := jg.balanceTracker.ValidateSufficientAvailable(traderID, quoteAssetID, deposit); err != nil {
		return nil, fmt.Errorf("bond lock pre-check failed: %w", err)
	}

	batch := jg.newBatch(commitRef, timestamp, 1)
	jg.appendJournal(batch,
		NewUserAccountKey(traderID, SubTypeBond, quoteAssetID),
		NewUserAccountKey(traderID, SubTypeAvailable, quoteAssetID),
		quoteAssetID, deposit, JournalTypeBondLock)

	jg.sequence++
	return batch, nil
}

// GenerateTradeLockBatch escrows a revealed order's input amount plus
// its priority bid.
// Pre-check: trader must hold the full amount as available balance.
// Moves funds: user:available -> user:trade_escrow
func (jg *JournalGenerator) GenerateTradeLockBatch(
	traderID uuid.UUID,
	revealRef string,
	inAssetID AssetID,
	amount int64,
	timestamp int64,
) (*Batch, error) {
	if err := jg.balanceTracker.ValidateSufficientAvailable(traderID, inAssetID, amount); err != nil {
		return nil, fmt.Errorf("trade lock pre-check failed: %w", err)
	}

	batch := jg.newBatch(revealRef, timestamp, 1)
	jg.appendJournal(batch,
		NewUserAccountKey(traderID, SubTypeTradeEscrow, inAssetID),
		NewUserAccountKey(traderID, SubTypeAvailable, inAssetID),
		inAssetID, amount, JournalTypeTradeLock)

	jg.sequence++
	return batch, nil
}

// GenerateSlashBatch splits unrevealed deposits between the treasury
// and the trader. Outcomes arrive already adjusted for treasury
// transfer failures (cut zeroed, refund covering the whole deposit).
func (jg *JournalGenerator) GenerateSlashBatch(
	batchRef string,
	outcomes []commitment.SlashOutcome,
	quoteAssetID AssetID,
	timestamp int64,
) (*Batch, error) {
	if len(outcomes) == 0 {
		return nil, nil
	}

	batch := jg.newBatch(batchRef+":slash", timestamp, 2*len(outcomes))
	for _, o := range outcomes {
		if err := jg.balanceTracker.ValidateSufficientBond(o.Trader, quoteAssetID, o.TreasuryCut+o.Refund); err != nil {
			return nil, fmt.Errorf("slash pre-check failed: %w", err)
		}
		if o.TreasuryCut > 0 {
			jg.appendJournal(batch,
				NewSystemAccountKey(SubTypeTreasury, quoteAssetID),
				NewUserAccountKey(o.Trader, SubTypeBond, quoteAssetID),
				quoteAssetID, o.TreasuryCut, JournalTypeSlash)
		}
		if o.Refund > 0 {
			jg.appendJournal(batch,
				NewUserAccountKey(o.Trader, SubTypeAvailable, quoteAssetID),
				NewUserAccountKey(o.Trader, SubTypeBond, quoteAssetID),
				quoteAssetID, o.Refund, JournalTypeSlashRefund)
		}
	}

	jg.sequence++
	return batch, nil
}

// GenerateBondRefundBatch returns the deposits of every revealed
// commitment at settlement.
// Moves funds: user:bond -> user:available
func (jg *JournalGenerator) GenerateBondRefundBatch(
	batchRef string,
	revealed []*commitment.Commitment,
	quoteAssetID AssetID,
	timestamp int64,
) (*Batch, error) {
	if len(revealed) == 0 {
		return nil, nil
	}

	batch := jg.newBatch(batchRef+":bonds", timestamp, len(revealed))
	for _, c := range revealed {
		if err := jg.balanceTracker.ValidateSufficientBond(c.Trader, quoteAssetID, c.Deposit); err != nil {
			return nil, fmt.Errorf("bond refund pre-check failed: %w", err)
		}
		jg.appendJournal(batch,
			NewUserAccountKey(c.Trader, SubTypeAvailable, quoteAssetID),
			NewUserAccountKey(c.Trader, SubTypeBond, quoteAssetID),
			quoteAssetID, c.Deposit, JournalTypeBondRefund)
	}

	jg.sequence++
	return batch, nil
}

// sideAssets resolves a fill side to its escrowed input asset, output
// asset, and the reserve sub-types fees and swap legs touch.
func sideAssets(side auction.Side, baseAssetID, quoteAssetID AssetID) (inAsset, outAsset AssetID, inReserve AccountSubType) {
	if side == auction.SideBuy {
		return quoteAssetID, baseAssetID, SubTypePoolQuote
	}
	return baseAssetID, quoteAssetID, SubTypePoolBase
}

// GenerateFillBatch settles one filled order: the net input enters the
// settlement escrow, fees split to the pool reserve and protocol, the
// priority bid (charged only because the order filled) moves to LP
// rewards, and the output pays from the settlement escrow.
func (jg *JournalGenerator) GenerateFillBatch(
	poolID uuid.UUID,
	batchRef string,
	fill clearing.Fill,
	baseAssetID, quoteAssetID AssetID,
	timestamp int64,
) (*Batch, error) {
	total := fill.AmountIn + fill.PriorityBid
	inAsset, outAsset, inReserve := sideAssets(fill.Side, baseAssetID, quoteAssetID)

	if err := jg.balanceTracker.ValidateSufficientEscrow(fill.Trader, inAsset, total); err != nil {
		return nil, fmt.Errorf("fill pre-check failed: %w", err)
	}

	eventRef := fmt.Sprintf("%s:fill:%d", batchRef, fill.OrderIndex)
	batch := jg.newBatch(eventRef, timestamp, 5)

	jg.appendJournal(batch,
		NewPoolAccountKey(poolID, SubTypeSettlement, inAsset),
		NewUserAccountKey(fill.Trader, SubTypeTradeEscrow, inAsset),
		inAsset, fill.NetIn, JournalTypeFillPay)

	if fill.LPFee > 0 {
		jg.appendJournal(batch,
			NewPoolAccountKey(poolID, inReserve, inAsset),
			NewUserAccountKey(fill.Trader, SubTypeTradeEscrow, inAsset),
			inAsset, fill.LPFee, JournalTypeFeeLP)
	}
	if fill.ProtocolFee > 0 {
		jg.appendJournal(batch,
			NewSystemAccountKey(SubTypeProtocolFees, inAsset),
			NewUserAccountKey(fill.Trader, SubTypeTradeEscrow, inAsset),
			inAsset, fill.ProtocolFee, JournalTypeFeeProtocol)
	}
	if fill.PriorityBid > 0 {
		jg.appendJournal(batch,
			NewPoolAccountKey(poolID, SubTypeLPRewards, inAsset),
			NewUserAccountKey(fill.Trader, SubTypeTradeEscrow, inAsset),
			inAsset, fill.PriorityBid, JournalTypePriorityBid)
	}

	jg.appendJournal(batch,
		NewUserAccountKey(fill.Trader, SubTypeAvailable, outAsset),
		NewPoolAccountKey(poolID, SubTypeSettlement, outAsset),
		outAsset, fill.AmountOut, JournalTypeFillReceive)

	jg.sequence++
	return batch, nil
}

// GenerateTradeRefundBatch releases escrows for unfilled or aborted
// orders, trade amount and priority bid together.
// Moves funds: user:trade_escrow -> user:available
func (jg *JournalGenerator) GenerateTradeRefundBatch(
	batchRef string,
	refunds []clearing.Refund,
	baseAssetID, quoteAssetID AssetID,
	timestamp int64,
) (*Batch, error) {
	if len(refunds) == 0 {
		return nil, nil
	}

	batch := jg.newBatch(batchRef+":refunds", timestamp, len(refunds))
	for _, r := range refunds {
		inAsset, _, _ := sideAssets(r.Side, baseAssetID, quoteAssetID)
		if err := jg.balanceTracker.ValidateSufficientEscrow(r.Trader, inAsset, r.Amount); err != nil {
			return nil, fmt.Errorf("refund pre-check failed: %w", err)
		}
		jg.appendJournal(batch,
			NewUserAccountKey(r.Trader, SubTypeAvailable, inAsset),
			NewUserAccountKey(r.Trader, SubTypeTradeEscrow, inAsset),
			inAsset, r.Amount, JournalTypeTradeRefund)
	}

	jg.sequence++
	return batch, nil
}

// GenerateResidualSwapBatch mirrors the curve legs in the ledger. A
// buy-side residual pays quote from the settlement escrow into the pool
// and draws base out; the sell side is symmetric. A zero output leg is
// a pure donation of settlement surplus to the reserves.
func (jg *JournalGenerator) GenerateResidualSwapBatch(
	poolID uuid.UUID,
	batchRef string,
	residuals []clearing.ResidualSwap,
	baseAssetID, quoteAssetID AssetID,
	timestamp int64,
) (*Batch, error) {
	if len(residuals) == 0 {
		return nil, nil
	}

	batch := jg.newBatch(batchRef+":residual", timestamp, 2*len(residuals))
	for _, r := range residuals {
		if r.Side == auction.SideBuy {
			if r.AmountIn > 0 {
				jg.appendJournal(batch,
					NewPoolAccountKey(poolID, SubTypePoolQuote, quoteAssetID),
					NewPoolAccountKey(poolID, SubTypeSettlement, quoteAssetID),
					quoteAssetID, r.AmountIn, JournalTypeSwap)
			}
			if r.AmountOut > 0 {
				jg.appendJournal(batch,
					NewPoolAccountKey(poolID, SubTypeSettlement, baseAssetID),
					NewPoolAccountKey(poolID, SubTypePoolBase, baseAssetID),
					baseAssetID, r.AmountOut, JournalTypeSwap)
			}
		} else {
			if r.AmountIn > 0 {
				jg.appendJournal(batch,
					NewPoolAccountKey(poolID, SubTypePoolBase, baseAssetID),
					NewPoolAccountKey(poolID, SubTypeSettlement, baseAssetID),
					baseAssetID, r.AmountIn, JournalTypeSwap)
			}
			if r.AmountOut > 0 {
				jg.appendJournal(batch,
					NewPoolAccountKey(poolID, SubTypeSettlement, quoteAssetID),
					NewPoolAccountKey(poolID, SubTypePoolQuote, quoteAssetID),
					quoteAssetID, r.AmountOut, JournalTypeSwap)
			}
		}
	}

	jg.sequence++
	return batch, nil
}

// GenerateRewardBatch pays a game's shares from the emission boundary.
// Zero shares are skipped; the distribution already guarantees the
// positive ones sum to the adjusted total.
// Moves funds: external:emission -> user:available
func (jg *JournalGenerator) GenerateRewardBatch(
	dist *reward.Distribution,
	assetID AssetID,
	timestamp int64,
) (*Batch, error) {
	batch := jg.newBatch(dist.GameID.String(), timestamp, len(dist.Shares))
	for _, share := range dist.Shares {
		if share.Amount == 0 {
			continue
		}
		jg.appendJournal(batch,
			NewUserAccountKey(share.Participant, SubTypeAvailable, assetID),
			NewExternalAccountKey(SubTypeExternalEmission, assetID),
			assetID, share.Amount, JournalTypeRewardShare)
	}
	if len(batch.Journals) == 0 {
		return nil, nil
	}

	jg.sequence++
	return batch, nil
}

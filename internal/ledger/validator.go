package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies a journal batch is well-formed before apply
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateSettlementCleared verifies a pool's settlement escrow is empty.
// Every settlement routes all order flow through the escrow account; a
// non-zero remainder means value was created or destroyed.
func (v *InvariantValidator) ValidateSettlementCleared(poolID uuid.UUID, baseAsset, quoteAsset AssetID) error {
	for _, assetID := range [2]AssetID{baseAsset, quoteAsset} {
		key := NewPoolAccountKey(poolID, SubTypeSettlement, assetID)
		balance := v.tracker.GetBalance(key)
		if balance != 0 {
			assetName, _ := GetAssetName(assetID)
			return fmt.Errorf("settlement escrow for pool %s holds %d %s after settle", poolID, balance, assetName)
		}
	}
	return nil
}

// ValidateUserNonNegative checks every trader sub-account stays >= 0
func (v *InvariantValidator) ValidateUserNonNegative(traderID uuid.UUID, assetID AssetID) error {
	for _, subType := range [3]AccountSubType{SubTypeAvailable, SubTypeBond, SubTypeTradeEscrow} {
		if err := v.tracker.ValidateNonNegative(NewUserAccountKey(traderID, subType, assetID)); err != nil {
			return err
		}
	}
	return nil
}

// ValidatePoolReservesMatch verifies the ledger's pool accounts mirror the
// swap curve's own reserve state exactly.
func (v *InvariantValidator) ValidatePoolReservesMatch(poolID uuid.UUID, baseAsset, quoteAsset AssetID, wantBase, wantQuote int64) error {
	gotBase := v.tracker.GetPoolReserve(poolID, SubTypePoolBase, baseAsset)
	gotQuote := v.tracker.GetPoolReserve(poolID, SubTypePoolQuote, quoteAsset)

	if gotBase != wantBase {
		return fmt.Errorf("pool %s base reserve mismatch: ledger=%d curve=%d", poolID, gotBase, wantBase)
	}
	if gotQuote != wantQuote {
		return fmt.Errorf("pool %s quote reserve mismatch: ledger=%d curve=%d", poolID, gotQuote, wantQuote)
	}
	return nil
}

// ValidateGlobalBalance verifies the system is zero-sum
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.tracker.ComputeGlobalBalance()

	for assetID, total := range totals {
		if total != 0 {
			assetName, _ := GetAssetName(assetID)
			return fmt.Errorf("global balance for %s is non-zero: %d", assetName, total)
		}
	}

	return nil
}

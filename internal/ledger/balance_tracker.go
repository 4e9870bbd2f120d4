package ledger

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrInsufficientFunds rejects any lock or release that would overdraw
// a trader sub-account.
var ErrInsufficientFunds = errors.New("insufficient funds")

// BalanceTracker maintains in-memory account balances
type BalanceTracker struct {
	balances map[AccountKey]int64
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]int64),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.balances[j.DebitAccount] += j.Amount
	bt.balances[j.CreditAccount] -= j.Amount
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) int64 {
	return bt.balances[key]
}

// === Trader balance queries ===

// GetUserAvailableBalance returns the spendable balance
func (bt *BalanceTracker) GetUserAvailableBalance(traderID uuid.UUID, assetID AssetID) int64 {
	return bt.GetBalance(NewUserAccountKey(traderID, SubTypeAvailable, assetID))
}

// GetUserBondBalance returns commit deposits currently locked
func (bt *BalanceTracker) GetUserBondBalance(traderID uuid.UUID, assetID AssetID) int64 {
	return bt.GetBalance(NewUserAccountKey(traderID, SubTypeBond, assetID))
}

// GetUserTradeEscrow returns revealed order amounts held for settlement
func (bt *BalanceTracker) GetUserTradeEscrow(traderID uuid.UUID, assetID AssetID) int64 {
	return bt.GetBalance(NewUserAccountKey(traderID, SubTypeTradeEscrow, assetID))
}

// GetUserTotalBalance returns available + bond + trade escrow
func (bt *BalanceTracker) GetUserTotalBalance(traderID uuid.UUID, assetID AssetID) int64 {
	return bt.GetUserAvailableBalance(traderID, assetID) +
		bt.GetUserBondBalance(traderID, assetID) +
		bt.GetUserTradeEscrow(traderID, assetID)
}

// === Pool balance queries ===

// GetPoolReserve returns one side of a pool's ledger reserves
func (bt *BalanceTracker) GetPoolReserve(poolID uuid.UUID, subType AccountSubType, assetID AssetID) int64 {
	return bt.GetBalance(NewPoolAccountKey(poolID, subType, assetID))
}

// === Invariant Checks ===

// ValidateSufficientAvailable checks if a trader has enough available balance
func (bt *BalanceTracker) ValidateSufficientAvailable(traderID uuid.UUID, assetID AssetID, required int64) error {
	available := bt.GetUserAvailableBalance(traderID, assetID)
	if available < required {
		return fmt.Errorf("%w: available, have=%d, need=%d", ErrInsufficientFunds, available, required)
	}
	return nil
}

// ValidateSufficientBond checks if a trader has enough locked bond to release
func (bt *BalanceTracker) ValidateSufficientBond(traderID uuid.UUID, assetID AssetID, required int64) error {
	bond := bt.GetUserBondBalance(traderID, assetID)
	if bond < required {
		return fmt.Errorf("%w: bond, have=%d, need=%d", ErrInsufficientFunds, bond, required)
	}
	return nil
}

// ValidateSufficientEscrow checks if a trader has enough trade escrow to release
func (bt *BalanceTracker) ValidateSufficientEscrow(traderID uuid.UUID, assetID AssetID, required int64) error {
	escrow := bt.GetUserTradeEscrow(traderID, assetID)
	if escrow < required {
		return fmt.Errorf("%w: trade escrow, have=%d, need=%d", ErrInsufficientFunds, escrow, required)
	}
	return nil
}

// ComputeGlobalBalance sums all account balances (should be 0 per asset for
// a zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() map[AssetID]int64 {
	totals := make(map[AssetID]int64)

	for key, balance := range bt.balances {
		totals[key.AssetID] += balance
	}

	return totals
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance < 0 {
		return fmt.Errorf("account %s has negative balance: %d", key.AccountPath(), balance)
	}
	return nil
}

// SetBalance directly installs a balance (used for snapshot restore)
func (bt *BalanceTracker) SetBalance(key AccountKey, balance int64) {
	bt.balances[key] = balance
}

// Snapshot returns a copy of all balances (for state hashing)
func (bt *BalanceTracker) Snapshot() map[AccountKey]int64 {
	snapshot := make(map[AccountKey]int64, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}

package query

import "github.com/google/uuid"

// PoolResponse is a trading pool with its current reserves. Reserves
// come from the balance projection, so they share its freshness.
type PoolResponse struct {
	PoolID       uuid.UUID `json:"pool_id"`
	BaseAsset    string    `json:"base_asset"`
	QuoteAsset   string    `json:"quote_asset"`
	FeeRateBps   int64     `json:"fee_rate_bps"`
	ReserveBase  int64     `json:"reserve_base"`
	ReserveQuote int64     `json:"reserve_quote"`
	AsOfSequence int64     `json:"as_of_sequence"`
}

// BatchResponse is one auction round. Settlement fields stay nil while
// the round is open.
type BatchResponse struct {
	BatchID        uuid.UUID `json:"batch_id"`
	PoolID         uuid.UUID `json:"pool_id"`
	Status         string    `json:"status"`
	CommittedCount int       `json:"committed_count"`
	RevealedCount  int       `json:"revealed_count"`
	ClearingPrice  *int64    `json:"clearing_price,omitempty"`
	ShuffleSeed    *string   `json:"shuffle_seed,omitempty"` // hex
	FilledCount    *int      `json:"filled_count,omitempty"`
	AbortReason    *string   `json:"abort_reason,omitempty"`
	OpenedAt       int64     `json:"opened_at"`
	SettledAt      *int64    `json:"settled_at,omitempty"`
	AsOfSequence   int64     `json:"as_of_sequence"`
}

// FillResponse is one trader's executed trade in a settled round.
type FillResponse struct {
	BatchID      *uuid.UUID `json:"batch_id,omitempty"`
	PoolID       uuid.UUID  `json:"pool_id"`
	Trader       uuid.UUID  `json:"trader"`
	AssetIn      string     `json:"asset_in"`
	AmountIn     int64      `json:"amount_in"`
	AssetOut     string     `json:"asset_out"`
	AmountOut    int64      `json:"amount_out"`
	Sequence     int64      `json:"sequence"`
	FilledAt     int64      `json:"filled_at"`
	AsOfSequence int64      `json:"as_of_sequence"`
}

// AccountBalance is one ledger account's projected balance.
type AccountBalance struct {
	AccountPath string `json:"account_path"`
	Account     string `json:"account"` // available, bond or trade_escrow
	Asset       string `json:"asset"`
	AssetID     uint16 `json:"asset_id"`
	Balance     int64  `json:"balance"`
}

// BalancesResponse lists every account a trader holds.
type BalancesResponse struct {
	Trader       uuid.UUID        `json:"trader"`
	Accounts     []AccountBalance `json:"accounts"`
	AsOfSequence int64            `json:"as_of_sequence"`
}

// DistributionShare is one participant's payout in a reward game.
type DistributionShare struct {
	Participant uuid.UUID `json:"participant"`
	Amount      int64     `json:"amount"`
}

// GameResponse is a settled reward game with its payouts.
type GameResponse struct {
	GameID       uuid.UUID           `json:"game_id"`
	Asset        string              `json:"asset"`
	TotalPaid    int64               `json:"total_paid"`
	Shares       []DistributionShare `json:"shares"`
	AsOfSequence int64               `json:"as_of_sequence"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	AssetID       uint16 `json:"asset_id"`
	Amount        int64  `json:"amount"`
	JournalType   int32  `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
}

// UnbalancedAsset represents an asset with non-zero global balance sum.
type UnbalancedAsset struct {
	AssetID   uint16 `json:"asset_id"`
	Imbalance int64  `json:"imbalance"`
}

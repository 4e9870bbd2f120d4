package query

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"BatchAuction/internal/ledger"
)

// ErrNotFound marks a lookup that matched nothing; the HTTP layer maps
// it to 404.
var ErrNotFound = errors.New("not found")

// QueryService provides read-only access to the projection tables.
// Queries never touch the core's in-memory state; every response carries
// as_of_sequence, the projection watermark at read time, so callers can
// reason about freshness against the event stream.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// GetPool returns a pool with its live reserves. Reserves read from the
// balance projection of the pool's reserve accounts.
func (qs *QueryService) GetPool(ctx context.Context, poolID uuid.UUID) (*PoolResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	resp := &PoolResponse{PoolID: poolID, AsOfSequence: asOfSeq}
	err = qs.db.QueryRowContext(ctx, `
		SELECT base_asset, quote_asset, fee_rate_bps
		FROM projections.pools
		WHERE pool_id = $1
	`, poolID).Scan(&resp.BaseAsset, &resp.QuoteAsset, &resp.FeeRateBps)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: pool %s", ErrNotFound, poolID)
	}
	if err != nil {
		return nil, err
	}

	baseID, _ := ledger.GetAssetID(resp.BaseAsset)
	quoteID, _ := ledger.GetAssetID(resp.QuoteAsset)
	basePath := ledger.NewPoolAccountKey(poolID, ledger.SubTypePoolBase, baseID).AccountPath()
	quotePath := ledger.NewPoolAccountKey(poolID, ledger.SubTypePoolQuote, quoteID).AccountPath()

	if resp.ReserveBase, err = qs.getProjectedBalance(ctx, basePath); err != nil {
		return nil, err
	}
	if resp.ReserveQuote, err = qs.getProjectedBalance(ctx, quotePath); err != nil {
		return nil, err
	}
	return resp, nil
}

// GetPoolBatch returns a pool's most recent auction round, open or not.
func (qs *QueryService) GetPoolBatch(ctx context.Context, poolID uuid.UUID) (*BatchResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	row := qs.db.QueryRowContext(ctx, `
		SELECT batch_id, pool_id, status, committed_count, revealed_count,
		       clearing_price, shuffle_seed, filled_count, abort_reason,
		       opened_at, settled_at
		FROM projections.batches
		WHERE pool_id = $1
		ORDER BY opened_at DESC
		LIMIT 1
	`, poolID)

	resp, err := scanBatch(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: no batch for pool %s", ErrNotFound, poolID)
	}
	if err != nil {
		return nil, err
	}
	resp.AsOfSequence = asOfSeq
	return resp, nil
}

// GetBatch returns one auction round by ID.
func (qs *QueryService) GetBatch(ctx context.Context, batchID uuid.UUID) (*BatchResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	row := qs.db.QueryRowContext(ctx, `
		SELECT batch_id, pool_id, status, committed_count, revealed_count,
		       clearing_price, shuffle_seed, filled_count, abort_reason,
		       opened_at, settled_at
		FROM projections.batches
		WHERE batch_id = $1
	`, batchID)

	resp, err := scanBatch(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: batch %s", ErrNotFound, batchID)
	}
	if err != nil {
		return nil, err
	}
	resp.AsOfSequence = asOfSeq
	return resp, nil
}

// GetBatchFills returns the executed trades of a settled round.
func (qs *QueryService) GetBatchFills(ctx context.Context, batchID uuid.UUID) ([]FillResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT sequence, batch_id, pool_id, trader, asset_in, amount_in,
		       asset_out, amount_out, filled_at
		FROM projections.fills
		WHERE batch_id = $1
		ORDER BY trader
	`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fills []FillResponse
	for rows.Next() {
		f, err := scanFill(rows)
		if err != nil {
			return nil, err
		}
		f.AsOfSequence = asOfSeq
		fills = append(fills, *f)
	}
	return fills, rows.Err()
}

// GetTraderFills returns a trader's fills, newest first, with cursor
// pagination on sequence.
func (qs *QueryService) GetTraderFills(ctx context.Context, trader uuid.UUID, limit int, afterSequence *int64) ([]FillResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT sequence, batch_id, pool_id, trader, asset_in, amount_in,
		       asset_out, amount_out, filled_at
		FROM projections.fills
		WHERE trader = $1
	`
	args := []interface{}{trader}
	argIdx := 2

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fills []FillResponse
	for rows.Next() {
		f, err := scanFill(rows)
		if err != nil {
			return nil, err
		}
		f.AsOfSequence = asOfSeq
		fills = append(fills, *f)
	}
	return fills, rows.Err()
}

// GetBalances returns every account a trader holds across assets.
func (qs *QueryService) GetBalances(ctx context.Context, trader uuid.UUID) (*BalancesResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	prefix := fmt.Sprintf("user:%s:%%", trader)
	rows, err := qs.db.QueryContext(ctx, `
		SELECT account_path, asset_id, balance
		FROM projections.balances
		WHERE account_path LIKE $1
		ORDER BY account_path
	`, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	resp := &BalancesResponse{Trader: trader, AsOfSequence: asOfSeq}
	for rows.Next() {
		var ab AccountBalance
		if err := rows.Scan(&ab.AccountPath, &ab.AssetID, &ab.Balance); err != nil {
			return nil, err
		}
		// user:<uuid>:<subtype>:<asset>
		if parts := strings.Split(ab.AccountPath, ":"); len(parts) == 4 {
			ab.Account = parts[2]
			ab.Asset = parts[3]
		}
		resp.Accounts = append(resp.Accounts, ab)
	}
	return resp, rows.Err()
}

// GetGame returns a settled reward game with its per-participant shares.
func (qs *QueryService) GetGame(ctx context.Context, gameID uuid.UUID) (*GameResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT participant, asset, amount
		FROM projections.distributions
		WHERE game_id = $1
		ORDER BY amount DESC, participant
	`, gameID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	resp := &GameResponse{GameID: gameID, AsOfSequence: asOfSeq}
	for rows.Next() {
		var share DistributionShare
		if err := rows.Scan(&share.Participant, &resp.Asset, &share.Amount); err != nil {
			return nil, err
		}
		resp.TotalPaid += share.Amount
		resp.Shares = append(resp.Shares, share)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(resp.Shares) == 0 {
		return nil, fmt.Errorf("%w: game %s", ErrNotFound, gameID)
	}
	return resp, nil
}

// GetJournalHistory returns a trader's journal entries with cursor
// pagination on sequence.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	trader uuid.UUID,
	limit int,
	afterSequence *int64,
) ([]JournalHistoryEntry, error) {
	accountPrefix := fmt.Sprintf("user:%s:%%", trader)

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset_id, amount, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{accountPrefix}
	argIdx := 2

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.AssetID, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain continuity in the event log and the
// per-asset zero-sum invariant over the balance projection.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence, e1.prev_hash, e2.state_hash
		FROM event_log.events e1
		LEFT JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.sequence > 0 AND e1.prev_hash != COALESCE(e2.state_hash, e1.prev_hash)
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		var prevHash, expectedHash []byte
		if err := rows.Scan(&seq, &prevHash, &expectedHash); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Double-entry means every asset sums to zero across all accounts,
	// external boundary accounts included.
	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT asset_id, SUM(balance) as total
		FROM projections.balances
		GROUP BY asset_id
		HAVING SUM(balance) != 0
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var assetID uint16
		var total int64
		if err := balanceRows.Scan(&assetID, &total); err != nil {
			return nil, err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, UnbalancedAsset{
			AssetID:   assetID,
			Imbalance: total,
		})
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedAssets) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(last_sequence, 0) FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}

func (qs *QueryService) getProjectedBalance(ctx context.Context, accountPath string) (int64, error) {
	var balance int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(balance, 0) FROM projections.balances
		WHERE account_path = $1
	`, accountPath).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return balance, err
}

// rowScanner covers *sql.Row and *sql.Rows for the shared scan helpers.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBatch(row rowScanner) (*BatchResponse, error) {
	var resp BatchResponse
	var clearingPrice, settledAt, filledCount sql.NullInt64
	var abortReason sql.NullString
	var shuffleSeed []byte

	if err := row.Scan(
		&resp.BatchID, &resp.PoolID, &resp.Status,
		&resp.CommittedCount, &resp.RevealedCount,
		&clearingPrice, &shuffleSeed, &filledCount, &abortReason,
		&resp.OpenedAt, &settledAt,
	); err != nil {
		return nil, err
	}

	if clearingPrice.Valid {
		resp.ClearingPrice = &clearingPrice.Int64
	}
	if len(shuffleSeed) > 0 {
		seed := hex.EncodeToString(shuffleSeed)
		resp.ShuffleSeed = &seed
	}
	if filledCount.Valid {
		fc := int(filledCount.Int64)
		resp.FilledCount = &fc
	}
	if abortReason.Valid {
		resp.AbortReason = &abortReason.String
	}
	if settledAt.Valid {
		resp.SettledAt = &settledAt.Int64
	}
	return &resp, nil
}

func scanFill(row rowScanner) (*FillResponse, error) {
	var f FillResponse
	var batchID uuid.NullUUID
	var assetIn, assetOut uint16

	if err := row.Scan(
		&f.Sequence, &batchID, &f.PoolID, &f.Trader,
		&assetIn, &f.AmountIn, &assetOut, &f.AmountOut, &f.FilledAt,
	); err != nil {
		return nil, err
	}

	if batchID.Valid {
		f.BatchID = &batchID.UUID
	}
	f.AssetIn, _ = ledger.GetAssetName(ledger.AssetID(assetIn))
	f.AssetOut, _ = ledger.GetAssetName(ledger.AssetID(assetOut))
	return &f, nil
}

package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"BatchAuction/internal/commitment"
)

// SnapshotManager handles creating and loading state snapshots for recovery.
// A snapshot captures balances, pools, live batches, curve reserves, sealed
// commitments, sequence counters and the state hash chain tip, so a warm
// restart replays only the events after it.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData is the stored form of the core's in-memory state. The
// field layout is the storage format: in-memory types get local mirrors
// here so refactors cannot silently change what old snapshots decode to.
// Commitments reuse commitment.State because that package owns its own
// snapshot form.
type SnapshotData struct {
	Sequence        int64             `json:"sequence"`
	StateHash       []byte            `json:"state_hash"`
	Balances        []BalanceSnap     `json:"balances"`
	Pools           []PoolSnap        `json:"pools"`
	Batches         []BatchSnap       `json:"batches"`
	Curves          []CurveSnap       `json:"curves"`
	Commitments     *commitment.State `json:"commitments"`
	JournalSequence int64             `json:"journal_sequence"`
	SequenceState   map[string]int64  `json:"sequence_state"`
	IdempotencyKeys []string          `json:"idempotency_keys"`
	CreatedAt       time.Time         `json:"created_at"`
}

// BalanceSnap is one account balance with the key in structured form.
// EntityID is empty for singleton system and external accounts.
type BalanceSnap struct {
	Scope    uint8  `json:"scope"`
	EntityID string `json:"entity_id,omitempty"`
	SubType  uint8  `json:"sub_type"`
	AssetID  uint16 `json:"asset_id"`
	Balance  int64  `json:"balance"`
}

// PoolSnap is a serializable trading pool.
type PoolSnap struct {
	PoolID     string `json:"pool_id"`
	BaseAsset  string `json:"base_asset"`
	QuoteAsset string `json:"quote_asset"`
	FeeRateBps int64  `json:"fee_rate_bps"`
}

// BatchSnap is a serializable live auction round.
type BatchSnap struct {
	BatchID       string      `json:"batch_id"`
	PoolID        string      `json:"pool_id"`
	Phase         int32       `json:"phase"`
	CommitEndUs   int64       `json:"commit_end_us"`
	RevealEndUs   int64       `json:"reveal_end_us"`
	Orders        []OrderSnap `json:"orders"`
	ShuffleSeed   []byte      `json:"shuffle_seed"`
	ClearingPrice int64       `json:"clearing_price"`
	Version       int64       `json:"version"`
}

// OrderSnap is a serializable revealed order.
type OrderSnap struct {
	Trader       string `json:"trader"`
	TokenIn      string `json:"token_in"`
	TokenOut     string `json:"token_out"`
	AmountIn     int64  `json:"amount_in"`
	MinAmountOut int64  `json:"min_amount_out"`
	PriorityBid  int64  `json:"priority_bid"`
	OrderIndex   int    `json:"order_index"`
}

// CurveSnap is a serializable pool curve (reserves and fee).
type CurveSnap struct {
	PoolID       string `json:"pool_id"`
	ReserveBase  int64  `json:"reserve_base"`
	ReserveQuote int64  `json:"reserve_quote"`
	FeeRateBps   int64  `json:"fee_rate_bps"`
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot to Postgres and returns the encoded
// size in bytes. Snapshots are written unverified; the caller marks
// them verified once the state hash checks out against the event log.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	snapshotID := uuid.New()
	sizeBytes := len(data)
	formatVersion := int32(1) // v1: JSON-encoded SnapshotData

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, snapshotID, snap.Sequence, data, snap.StateHash, formatVersion, sizeBytes, snap.CreatedAt)

	return sizeBytes, err
}

// LoadLatestSnapshot loads the most recent verified snapshot. Returns
// nil on an empty table, which means cold start: replay from sequence 0.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	return &snap, nil
}

// MarkVerified marks a snapshot as verified after the integrity check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadEventsFrom loads events from a given sequence for replay, in
// sequence order. Used for both warm restart (replay from snapshot) and
// cold restart (replay all).
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, pool_id, payload,
		       state_hash, prev_hash, timestamp, source_sequence
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.PoolID,
			&e.Payload, &e.StateHash, &e.PrevHash, &e.Timestamp, &e.SourceSequence,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.events
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil // Empty event log
	}
	return seq.Int64, nil
}

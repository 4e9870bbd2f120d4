package projection

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"BatchAuction/internal/event"
	"BatchAuction/internal/ledger"
	"BatchAuction/internal/observability"
)

// Update mirrors the slice of core output the projection tables need.
// The orchestrator bridges between core.CoreOutput and this. Payload is
// the event's wire-form JSON, the same bytes the event log stores.
type Update struct {
	Sequence    int64
	EventType   string
	PoolID      *string
	TimestampUs int64
	Payload     []byte
	Journals    []ledger.Journal
	Notices     []event.Notice
}

// Worker updates projection tables from processed events. The projection
// channel is non-blocking with drop: if projections fall behind, the
// balance table can be rebuilt from the event log and the history tables
// refill from the live stream.
type Worker struct {
	db        *sql.DB
	inputChan <-chan Update
	metrics   *observability.Metrics

	// pool -> open auction round, for attributing fill journals to a
	// batch. Loaded from projections.batches on startup, maintained from
	// OpenBatch and settlement notices afterwards.
	openBatches map[uuid.UUID]uuid.UUID
}

func NewWorker(db *sql.DB, inputChan <-chan Update, metrics *observability.Metrics) *Worker {
	return &Worker{
		db:          db,
		inputChan:   inputChan,
		metrics:     metrics,
		openBatches: make(map[uuid.UUID]uuid.UUID),
	}
}

// Run starts the projection worker loop. Blocks until ctx is cancelled
// or the input channel closes.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.loadOpenBatches(ctx); err != nil {
		log.Printf("WARN: load open batches: %v", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case update, ok := <-w.inputChan:
			if !ok {
				return nil
			}

			if err := w.processUpdate(ctx, update); err != nil {
				// Projections are eventually consistent; a failed update
				// is recovered by rebuild, not by stalling the stream.
				log.Printf("WARN: projection update failed at seq=%d: %v", update.Sequence, err)
			}
		}
	}
}

func (w *Worker) loadOpenBatches(ctx context.Context) error {
	rows, err := w.db.QueryContext(ctx, `
		SELECT batch_id, pool_id FROM projections.batches WHERE status = 'open'
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var batchID, poolID uuid.UUID
		if err := rows.Scan(&batchID, &poolID); err != nil {
			return err
		}
		w.openBatches[poolID] = batchID
	}
	return rows.Err()
}

func (w *Worker) processUpdate(ctx context.Context, u Update) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	start := time.Now()
	for _, j := range u.Journals {
		if err := w.updateBalances(ctx, tx, j, u.Sequence); err != nil {
			return fmt.Errorf("balance projection: %w", err)
		}
	}
	if w.metrics != nil {
		w.metrics.ProjectionUpdateDur.WithLabelValues("balances").Observe(time.Since(start).Seconds())
	}

	start = time.Now()
	if err := w.updateHistory(ctx, tx, u); err != nil {
		return fmt.Errorf("history projection: %w", err)
	}
	if w.metrics != nil {
		w.metrics.ProjectionUpdateDur.WithLabelValues("history").Observe(time.Since(start).Seconds())
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, u.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

// updateBalances applies one journal to the balance table: debit side
// decreases, credit side increases. Upserts keep it idempotent per row
// but not per replayed journal; authoritative recovery is the rebuild.
func (w *Worker) updateBalances(ctx context.Context, tx *sql.Tx, j ledger.Journal, seq int64) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		VALUES ($1, $2, -$3, $4)
		ON CONFLICT (account_path, asset_id)
		DO UPDATE SET balance = projections.balances.balance - $3, last_sequence = $4
	`, j.DebitAccount.AccountPath(), j.AssetID, j.Amount, seq); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_path, asset_id)
		DO UPDATE SET balance = projections.balances.balance + $3, last_sequence = $4
	`, j.CreditAccount.AccountPath(), j.AssetID, j.Amount, seq); err != nil {
		return err
	}

	return nil
}

// updateHistory maintains the pools, batches, fills and distributions
// tables from the event payload, the journals and the notices.
func (w *Worker) updateHistory(ctx context.Context, tx *sql.Tx, u Update) error {
	switch u.EventType {
	case "CreatePool":
		if err := w.insertPool(ctx, tx, u); err != nil {
			return err
		}
	case "OpenBatch":
		if err := w.insertBatch(ctx, tx, u); err != nil {
			return err
		}
	}

	if err := w.insertFills(ctx, tx, u); err != nil {
		return err
	}

	for _, n := range u.Notices {
		if err := w.applyNotice(ctx, tx, n, u); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) insertPool(ctx context.Context, tx *sql.Tx, u Update) error {
	evt, err := event.UnmarshalPayload(event.EventTypeCreatePool, u.Payload)
	if err != nil {
		return fmt.Errorf("decode CreatePool payload: %w", err)
	}
	cp := evt.(*event.CreatePool)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO projections.pools (pool_id, base_asset, quote_asset, fee_rate_bps, created_sequence)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (pool_id) DO NOTHING
	`, cp.PoolUUID, cp.BaseAsset, cp.QuoteAsset, cp.FeeRateBps, u.Sequence)
	return err
}

func (w *Worker) insertBatch(ctx context.Context, tx *sql.Tx, u Update) error {
	evt, err := event.UnmarshalPayload(event.EventTypeOpenBatch, u.Payload)
	if err != nil {
		return fmt.Errorf("decode OpenBatch payload: %w", err)
	}
	ob := evt.(*event.OpenBatch)

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.batches (batch_id, pool_id, status, opened_at, last_sequence)
		VALUES ($1, $2, 'open', $3, $4)
		ON CONFLICT (batch_id) DO NOTHING
	`, ob.BatchUUID, ob.PoolUUID, u.TimestampUs, u.Sequence); err != nil {
		return err
	}

	w.openBatches[ob.PoolUUID] = ob.BatchUUID
	return nil
}

// fillAgg accumulates one trader's settlement legs in one pool.
type fillAgg struct {
	assetIn   ledger.AssetID
	amountIn  int64
	assetOut  ledger.AssetID
	amountOut int64
}

type fillKey struct {
	pool   uuid.UUID
	trader uuid.UUID
}

// insertFills derives per-trader fill rows from the fill journals. The
// pool comes from the settlement escrow account on the opposite leg;
// the auction round from the open-batch map.
func (w *Worker) insertFills(ctx context.Context, tx *sql.Tx, u Update) error {
	fills := make(map[fillKey]*fillAgg)

	for _, j := range u.Journals {
		switch j.JournalType {
		case ledger.JournalTypeFillPay:
			// trader trade_escrow -> pool settlement escrow
			key := fillKey{pool: uuid.UUID(j.CreditAccount.EntityID), trader: uuid.UUID(j.DebitAccount.EntityID)}
			agg := fills[key]
			if agg == nil {
				agg = &fillAgg{}
				fills[key] = agg
			}
			agg.assetIn = j.AssetID
			agg.amountIn += j.Amount

		case ledger.JournalTypeFillReceive:
			// pool settlement escrow -> trader available
			key := fillKey{pool: uuid.UUID(j.DebitAccount.EntityID), trader: uuid.UUID(j.CreditAccount.EntityID)}
			agg := fills[key]
			if agg == nil {
				agg = &fillAgg{}
				fills[key] = agg
			}
			agg.assetOut = j.AssetID
			agg.amountOut += j.Amount
		}
	}

	for key, agg := range fills {
		var batchID interface{}
		if id, ok := w.openBatches[key.pool]; ok {
			batchID = id
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.fills
				(sequence, batch_id, pool_id, trader, asset_in, amount_in, asset_out, amount_out, filled_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (sequence, pool_id, trader) DO NOTHING
		`, u.Sequence, batchID, key.pool, key.trader,
			agg.assetIn, agg.amountIn, agg.assetOut, agg.amountOut, u.TimestampUs); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) applyNotice(ctx context.Context, tx *sql.Tx, n event.Notice, u Update) error {
	switch notice := n.(type) {
	case *event.OrderCommitted:
		_, err := tx.ExecContext(ctx, `
			UPDATE projections.batches
			SET committed_count = committed_count + 1, last_sequence = $2
			WHERE batch_id = $1
		`, notice.Batch, u.Sequence)
		return err

	case *event.OrderRevealed:
		_, err := tx.ExecContext(ctx, `
			UPDATE projections.batches
			SET revealed_count = revealed_count + 1, last_sequence = $2
			WHERE batch_id = $1
		`, notice.Batch, u.Sequence)
		return err

	case *event.BatchSettled:
		delete(w.openBatches, notice.Pool)
		_, err := tx.ExecContext(ctx, `
			UPDATE projections.batches
			SET status = 'settled', clearing_price = $2, shuffle_seed = $3,
			    filled_count = $4, settled_at = $5, last_sequence = $6
			WHERE batch_id = $1
		`, notice.Batch, notice.ClearingPrice, notice.ShuffleSeed[:],
			notice.FilledCount, u.TimestampUs, u.Sequence)
		return err

	case *event.ClearingAborted:
		delete(w.openBatches, notice.Pool)
		_, err := tx.ExecContext(ctx, `
			UPDATE projections.batches
			SET status = 'aborted', abort_reason = $2, settled_at = $3, last_sequence = $4
			WHERE batch_id = $1
		`, notice.Batch, notice.Reason, u.TimestampUs, u.Sequence)
		return err

	case *event.SharesDistributed:
		for _, share := range notice.Shares {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO projections.distributions (game_id, participant, asset, amount, sequence, distributed_at)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT (game_id, participant) DO NOTHING
			`, notice.Game, share.Participant, notice.Asset, share.Amount, u.Sequence, u.TimestampUs); err != nil {
				return err
			}
		}
		return nil
	}

	// InvalidReveal and Slashed only feed the outbound stream; their
	// balance effects arrive through the journals.
	return nil
}

// RebuildProjections rebuilds the balance and pool tables from the event
// log and truncates the rest. Balances aggregate from the journal table;
// pools decode from stored CreatePool payloads. The round history tables
// (batches, fills, distributions) carry derived notice data that is not
// persisted outside projections, so they refill from the live stream.
func RebuildProjections(ctx context.Context, db *sql.DB) error {
	truncateStatements := []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.pools`,
		`TRUNCATE projections.batches`,
		`TRUNCATE projections.fills`,
		`TRUNCATE projections.distributions`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	}

	for _, stmt := range truncateStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	// Credit side adds
	_, err := db.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		SELECT
			credit_account AS account_path,
			asset_id,
			SUM(amount) AS balance,
			MAX(sequence) AS last_sequence
		FROM event_log.journal
		GROUP BY credit_account, asset_id
		ON CONFLICT (account_path, asset_id) DO UPDATE
			SET balance = EXCLUDED.balance, last_sequence = EXCLUDED.last_sequence
	`)
	if err != nil {
		return fmt.Errorf("rebuild credit balances: %w", err)
	}

	// Debit side subtracts
	_, err = db.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		SELECT
			debit_account AS account_path,
			asset_id,
			-SUM(amount) AS balance,
			MAX(sequence) AS last_sequence
		FROM event_log.journal
		GROUP BY debit_account, asset_id
		ON CONFLICT (account_path, asset_id) DO UPDATE
			SET balance = projections.balances.balance + EXCLUDED.balance,
			    last_sequence = GREATEST(projections.balances.last_sequence, EXCLUDED.last_sequence)
	`)
	if err != nil {
		return fmt.Errorf("rebuild debit balances: %w", err)
	}

	if err := rebuildPools(ctx, db); err != nil {
		return fmt.Errorf("rebuild pools: %w", err)
	}

	log.Println("INFO: projection rebuild complete")
	return nil
}

func rebuildPools(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, `
		SELECT sequence, payload FROM event_log.events
		WHERE event_type = 'CreatePool'
		ORDER BY sequence ASC
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	type poolRow struct {
		seq     int64
		payload []byte
	}
	var pools []poolRow
	for rows.Next() {
		var p poolRow
		if err := rows.Scan(&p.seq, &p.payload); err != nil {
			return err
		}
		pools = append(pools, p)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, p := range pools {
		evt, err := event.UnmarshalPayload(event.EventTypeCreatePool, p.payload)
		if err != nil {
			return fmt.Errorf("decode CreatePool at seq %d: %w", p.seq, err)
		}
		cp := evt.(*event.CreatePool)
		if _, err := db.ExecContext(ctx, `
			INSERT INTO projections.pools (pool_id, base_asset, quote_asset, fee_rate_bps, created_sequence)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (pool_id) DO NOTHING
		`, cp.PoolUUID, cp.BaseAsset, cp.QuoteAsset, cp.FeeRateBps, p.seq); err != nil {
			return err
		}
	}
	return nil
}

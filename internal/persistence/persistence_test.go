package persistence_test

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"BatchAuction/internal/ledger"
	"BatchAuction/internal/persistence"
	"BatchAuction/internal/testutil"
)

var logTestStart = time.UnixMicro(1_755_000_000_000_000).UTC()

// setupEventLog returns a migrated, empty test database. Skips unless
// the integration stack from docker-compose.test.yml is up.
func setupEventLog(t *testing.T) *sql.DB {
	t.Helper()
	testutil.RequireIntegration(t)

	db, cleanup := testutil.SetupTestDB(t)
	t.Cleanup(cleanup)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := persistence.NewMigrator(db, "../../migrations").Up(ctx); err != nil {
		t.Fatalf("migrate up: %v", err)
	}
	for _, table := range []string{"event_log.events", "event_log.journal", "event_log.snapshots"} {
		if _, err := db.ExecContext(ctx, "TRUNCATE "+table); err != nil {
			t.Fatalf("truncate %s: %v", table, err)
		}
	}
	return db
}

func testEventRow(seq int64, eventType string, poolID *string) persistence.EventRow {
	payload, err := json.Marshal(map[string]int64{"sequence": seq})
	if err != nil {
		panic(err)
	}
	return persistence.EventRow{
		Sequence:       seq,
		EventType:      eventType,
		IdempotencyKey: uuid.New().String(),
		PoolID:         poolID,
		Payload:        payload,
		StateHash:      bytes.Repeat([]byte{byte(seq)}, 32),
		PrevHash:       bytes.Repeat([]byte{byte(seq - 1)}, 32),
		Timestamp:      logTestStart.Add(time.Duration(seq) * time.Second),
		SourceSequence: seq,
	}
}

func testJournalRow(seq, amount int64, trader uuid.UUID) persistence.JournalRow {
	return persistence.JournalRow{
		JournalID:     uuid.New().String(),
		BatchID:       uuid.New().String(),
		EventRef:      fmt.Sprintf("fund:%d", seq),
		Sequence:      seq,
		DebitAccount:  "external:deposits:USDC",
		CreditAccount: fmt.Sprintf("user:%s:available:USDC", trader),
		AssetID:       1,
		Amount:        amount,
		JournalType:   int32(ledger.JournalTypeFund),
		Timestamp:     logTestStart.UnixMicro(),
	}
}

func countRows(t *testing.T, db *sql.DB, table string) int {
	t.Helper()
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

// ============================================================================
// Event log write and replay read-back
// ============================================================================

func TestEventLogWriteReadBack(t *testing.T) {
	db := setupEventLog(t)
	ctx := context.Background()

	poolID := uuid.New().String()
	trader := uuid.New()
	events := []persistence.EventRow{
		testEventRow(1, "CreatePool", &poolID),
		testEventRow(2, "FundAccount", nil),
		testEventRow(3, "FundAccount", nil),
	}
	journals := []persistence.JournalRow{
		testJournalRow(2, 1_000_000, trader),
		testJournalRow(3, 250_000, trader),
	}

	writer := persistence.NewEventLogWriter(db, 100, time.Second)
	if err := writer.WriteEventBatch(ctx, events, db); err != nil {
		t.Fatalf("write events: %v", err)
	}
	if err := writer.WriteJournalBatch(ctx, journals, db); err != nil {
		t.Fatalf("write journals: %v", err)
	}

	sm := persistence.NewSnapshotManager(db)
	got, err := sm.LoadEventsFrom(ctx, 1, 100)
	if err != nil {
		t.Fatalf("load events: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("loaded %d events, want 3", len(got))
	}
	for i, e := range got {
		want := events[i]
		if e.Sequence != want.Sequence {
			t.Errorf("event %d: sequence = %d, want %d", i, e.Sequence, want.Sequence)
		}
		if e.EventType != want.EventType {
			t.Errorf("event %d: type = %q, want %q", i, e.EventType, want.EventType)
		}
		if e.IdempotencyKey != want.IdempotencyKey {
			t.Errorf("event %d: idem key = %q, want %q", i, e.IdempotencyKey, want.IdempotencyKey)
		}
		if !bytes.Equal(e.Payload, want.Payload) {
			t.Errorf("event %d: payload = %s, want %s", i, e.Payload, want.Payload)
		}
		if !bytes.Equal(e.StateHash, want.StateHash) {
			t.Errorf("event %d: state hash mismatch", i)
		}
		if e.Timestamp.UnixMicro() != want.Timestamp.UnixMicro() {
			t.Errorf("event %d: timestamp = %d, want %d", i, e.Timestamp.UnixMicro(), want.Timestamp.UnixMicro())
		}
	}
	if got[0].PoolID == nil || *got[0].PoolID != poolID {
		t.Errorf("event 0: pool id = %v, want %s", got[0].PoolID, poolID)
	}
	if got[1].PoolID != nil {
		t.Errorf("event 1: pool id = %v, want nil", got[1].PoolID)
	}

	seq, err := sm.GetLatestSequence(ctx)
	if err != nil {
		t.Fatalf("latest sequence: %v", err)
	}
	if seq != 3 {
		t.Errorf("latest sequence = %d, want 3", seq)
	}
}

func TestEventLogReplayWindow(t *testing.T) {
	db := setupEventLog(t)
	ctx := context.Background()

	writer := persistence.NewEventLogWriter(db, 100, time.Second)
	var events []persistence.EventRow
	for seq := int64(1); seq <= 5; seq++ {
		events = append(events, testEventRow(seq, "ClockTick", nil))
	}
	if err := writer.WriteEventBatch(ctx, events, db); err != nil {
		t.Fatalf("write events: %v", err)
	}

	sm := persistence.NewSnapshotManager(db)

	// Warm restart reads from the snapshot sequence, inclusive.
	got, err := sm.LoadEventsFrom(ctx, 3, 100)
	if err != nil {
		t.Fatalf("load from 3: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("load from 3: got %d events, want 3", len(got))
	}
	if got[0].Sequence != 3 || got[2].Sequence != 5 {
		t.Fatalf("load from 3: sequences [%d..%d], want [3..5]", got[0].Sequence, got[2].Sequence)
	}

	// Batched replay honors the limit.
	got, err = sm.LoadEventsFrom(ctx, 1, 2)
	if err != nil {
		t.Fatalf("load limit 2: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("load limit 2: got %d events, want 2", len(got))
	}
	if got[1].Sequence != 2 {
		t.Fatalf("load limit 2: last sequence = %d, want 2", got[1].Sequence)
	}
}

func TestEventLogRewriteIsNoOp(t *testing.T) {
	db := setupEventLog(t)
	ctx := context.Background()

	writer := persistence.NewEventLogWriter(db, 100, time.Second)
	trader := uuid.New()
	events := []persistence.EventRow{testEventRow(1, "FundAccount", nil)}
	journals := []persistence.JournalRow{testJournalRow(1, 500_000, trader)}

	for attempt := 0; attempt < 2; attempt++ {
		if err := writer.WriteEventBatch(ctx, events, db); err != nil {
			t.Fatalf("attempt %d: write events: %v", attempt, err)
		}
		if err := writer.WriteJournalBatch(ctx, journals, db); err != nil {
			t.Fatalf("attempt %d: write journals: %v", attempt, err)
		}
	}

	if n := countRows(t, db, "event_log.events"); n != 1 {
		t.Errorf("events after rewrite = %d, want 1", n)
	}
	if n := countRows(t, db, "event_log.journal"); n != 1 {
		t.Errorf("journals after rewrite = %d, want 1", n)
	}
}

// ============================================================================
// Snapshot save, verify gate, load
// ============================================================================

func TestSnapshotVerifiedGate(t *testing.T) {
	db := setupEventLog(t)
	ctx := context.Background()
	sm := persistence.NewSnapshotManager(db)

	trader := uuid.New()
	snap := &persistence.SnapshotData{
		Sequence:  42,
		StateHash: bytes.Repeat([]byte{0xAA}, 32),
		Balances: []persistence.BalanceSnap{
			{Scope: 0, EntityID: trader.String(), SubType: 0, AssetID: 1, Balance: 1_000_000},
		},
		Pools: []persistence.PoolSnap{
			{PoolID: uuid.New().String(), BaseAsset: "WETH", QuoteAsset: "USDC", FeeRateBps: 30},
		},
		JournalSequence: 7,
		SequenceState:   map[string]int64{"ops": 42},
		IdempotencyKeys: []string{"FundAccount:" + uuid.New().String()},
		CreatedAt:       logTestStart,
	}

	size, err := sm.SaveSnapshot(ctx, snap)
	if err != nil {
		t.Fatalf("save snapshot: %v", err)
	}
	if size <= 0 {
		t.Errorf("snapshot size = %d, want > 0", size)
	}

	// Unverified snapshots never feed a restart.
	loaded, err := sm.LoadLatestSnapshot(ctx)
	if err != nil {
		t.Fatalf("load before verify: %v", err)
	}
	if loaded != nil {
		t.Fatalf("loaded unverified snapshot at sequence %d", loaded.Sequence)
	}

	if err := sm.MarkVerified(ctx, snap.Sequence); err != nil {
		t.Fatalf("mark verified: %v", err)
	}

	loaded, err = sm.LoadLatestSnapshot(ctx)
	if err != nil {
		t.Fatalf("load after verify: %v", err)
	}
	if loaded == nil {
		t.Fatal("no snapshot after verify")
	}
	if loaded.Sequence != snap.Sequence {
		t.Errorf("sequence = %d, want %d", loaded.Sequence, snap.Sequence)
	}
	if !bytes.Equal(loaded.StateHash, snap.StateHash) {
		t.Errorf("state hash mismatch after round trip")
	}
	if len(loaded.Balances) != 1 || loaded.Balances[0].Balance != 1_000_000 {
		t.Errorf("balances = %+v, want one entry of 1000000", loaded.Balances)
	}
	if loaded.SequenceState["ops"] != 42 {
		t.Errorf("sequence state ops = %d, want 42", loaded.SequenceState["ops"])
	}

	// A newer unverified snapshot must not shadow the verified one.
	newer := &persistence.SnapshotData{
		Sequence:  99,
		StateHash: bytes.Repeat([]byte{0xBB}, 32),
		CreatedAt: logTestStart.Add(time.Minute),
	}
	if _, err := sm.SaveSnapshot(ctx, newer); err != nil {
		t.Fatalf("save newer snapshot: %v", err)
	}
	loaded, err = sm.LoadLatestSnapshot(ctx)
	if err != nil {
		t.Fatalf("load with newer unverified: %v", err)
	}
	if loaded == nil || loaded.Sequence != 42 {
		t.Fatalf("loaded sequence = %v, want verified 42", loaded)
	}
}

// ============================================================================
// Worker drain and shutdown flush
// ============================================================================

func TestWorkerFlushesOnChannelClose(t *testing.T) {
	db := setupEventLog(t)
	ctx := context.Background()

	trader := uuid.New()
	inputChan := make(chan persistence.CoreOutput, 8)
	// Batch size larger than the input so only the close-path flush
	// can land these rows.
	worker := persistence.NewPersistenceWorker(db, inputChan, 100, time.Minute, nil)

	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()

	for seq := int64(1); seq <= 3; seq++ {
		inputChan <- persistence.CoreOutput{
			EventRow:    testEventRow(seq, "FundAccount", nil),
			JournalRows: []persistence.JournalRow{testJournalRow(seq, 100_000*seq, trader)},
		}
	}
	close(inputChan)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("worker run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not exit after channel close")
	}

	if n := countRows(t, db, "event_log.events"); n != 3 {
		t.Errorf("events = %d, want 3", n)
	}
	if n := countRows(t, db, "event_log.journal"); n != 3 {
		t.Errorf("journals = %d, want 3", n)
	}
	sm := persistence.NewSnapshotManager(db)
	seq, err := sm.GetLatestSequence(ctx)
	if err != nil {
		t.Fatalf("latest sequence: %v", err)
	}
	if seq != 3 {
		t.Errorf("latest sequence = %d, want 3", seq)
	}
}

package ledger_test

import (
	"testing"

	"github.com/google/uuid"

	"BatchAuction/internal/auction"
	"BatchAuction/internal/clearing"
	"BatchAuction/internal/commitment"
	"BatchAuction/internal/ledger"
	"BatchAuction/internal/reward"
)

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_UserPath(t *testing.T) {
	traderID := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	assetID, _ := ledger.GetAssetID("USDC")
	key := ledger.NewUserAccountKey(traderID, ledger.SubTypeAvailable, assetID)

	path := key.AccountPath()
	expected := "user:550e8400-e29b-41d4-a716-446655440000:available:USDC"
	if path != expected {
		t.Errorf("got %q, want %q", path, expected)
	}
}

func TestAccountKey_SystemSingletonPath(t *testing.T) {
	assetID, _ := ledger.GetAssetID("USDC")
	key := ledger.NewSystemAccountKey(ledger.SubTypeTreasury, assetID)

	path := key.AccountPath()
	if path != "system:treasury:USDC" {
		t.Errorf("got %q, want %q", path, "system:treasury:USDC")
	}
}

func TestAccountKey_PoolPath(t *testing.T) {
	poolID := uuid.MustParse("0f0f0f0f-1111-2222-3333-444444444444")
	assetID, _ := ledger.GetAssetID("WETH")
	key := ledger.NewPoolAccountKey(poolID, ledger.SubTypePoolBase, assetID)

	path := key.AccountPath()
	expected := "system:pool_base:0f0f0f0f-1111-2222-3333-444444444444:WETH"
	if path != expected {
		t.Errorf("got %q, want %q", path, expected)
	}
}

func TestAccountKey_ExternalPath(t *testing.T) {
	assetID, _ := ledger.GetAssetID("AUCT")
	key := ledger.NewExternalAccountKey(ledger.SubTypeExternalEmission, assetID)

	path := key.AccountPath()
	if path != "external:emission:AUCT" {
		t.Errorf("got %q, want %q", path, "external:emission:AUCT")
	}
}

func TestGetAssetID_Known(t *testing.T) {
	id, ok := ledger.GetAssetID("USDC")
	if !ok {
		t.Fatal("USDC should be a known asset")
	}
	if id == 0 {
		t.Error("USDC asset ID should be non-zero")
	}
}

func TestGetAssetID_Unknown(t *testing.T) {
	_, ok := ledger.GetAssetID("DOGE")
	if ok {
		t.Error("DOGE should not be a known asset")
	}
}

// ============================================================================
// Test: BalanceTracker
// ============================================================================

func fundJournal(traderID uuid.UUID, assetID ledger.AssetID, amount int64) ledger.Journal {
	return ledger.Journal{
		JournalID:     uuid.New(),
		BatchID:       uuid.New(),
		DebitAccount:  ledger.NewUserAccountKey(traderID, ledger.SubTypeAvailable, assetID),
		CreditAccount: ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, assetID),
		AssetID:       assetID,
		Amount:        amount,
	}
}

func TestBalanceTracker_InitialBalanceZero(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	traderID := uuid.New()
	assetID, _ := ledger.GetAssetID("USDC")

	if balance := bt.GetUserTotalBalance(traderID, assetID); balance != 0 {
		t.Errorf("initial balance should be 0, got %d", balance)
	}
}

func TestBalanceTracker_ApplyJournal(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	traderID := uuid.New()
	assetID, _ := ledger.GetAssetID("USDC")

	bt.ApplyJournal(fundJournal(traderID, assetID, 1_000_000))

	if got := bt.GetUserAvailableBalance(traderID, assetID); got != 1_000_000 {
		t.Errorf("available: got %d, want 1_000_000", got)
	}
}

func TestBalanceTracker_GlobalBalanceZeroSum(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	traderID := uuid.New()
	assetID, _ := ledger.GetAssetID("USDC")

	bt.ApplyJournal(fundJournal(traderID, assetID, 1_000_000))

	// Move part into the bond sub-account.
	bt.ApplyJournal(ledger.Journal{
		JournalID:     uuid.New(),
		BatchID:       uuid.New(),
		DebitAccount:  ledger.NewUserAccountKey(traderID, ledger.SubTypeBond, assetID),
		CreditAccount: ledger.NewUserAccountKey(traderID, ledger.SubTypeAvailable, assetID),
		AssetID:       assetID,
		Amount:        300_000,
	})

	totals := bt.ComputeGlobalBalance()
	for aid, total := range totals {
		if total != 0 {
			t.Errorf("asset %d has non-zero global balance: %d", aid, total)
		}
	}
	if bt.GetUserBondBalance(traderID, assetID) != 300_000 {
		t.Error("bond sub-account should hold 300_000")
	}
	if bt.GetUserTotalBalance(traderID, assetID) != 1_000_000 {
		t.Error("total across sub-accounts should be unchanged")
	}
}

func TestBalanceTracker_ValidateSufficientAvailable(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	traderID := uuid.New()
	assetID, _ := ledger.GetAssetID("USDC")

	if err := bt.ValidateSufficientAvailable(traderID, assetID, 100); err == nil {
		t.Error("expected error for insufficient balance")
	}

	bt.ApplyJournal(fundJournal(traderID, assetID, 1_000))

	if err := bt.ValidateSufficientAvailable(traderID, assetID, 1_000); err != nil {
		t.Errorf("should have sufficient balance: %v", err)
	}
	if err := bt.ValidateSufficientAvailable(traderID, assetID, 1_001); err == nil {
		t.Error("expected error for 1_001 > 1_000")
	}
}

func TestBalanceTracker_Snapshot(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	traderID := uuid.New()
	assetID, _ := ledger.GetAssetID("USDC")

	bt.ApplyJournal(fundJournal(traderID, assetID, 999))

	snap := bt.Snapshot()
	if len(snap) == 0 {
		t.Fatal("snapshot should not be empty")
	}

	// Mutating the snapshot must not affect the tracker.
	for k := range snap {
		snap[k] = 0
	}
	if bt.GetUserAvailableBalance(traderID, assetID) != 999 {
		t.Error("tracker balance should not be affected by snapshot mutation")
	}
}

// ============================================================================
// Test: Batch validation
// ============================================================================

func TestBatchValidate_EmptyBatch_Fails(t *testing.T) {
	batch := &ledger.Batch{BatchID: uuid.New()}
	if err := batch.Validate(); err == nil {
		t.Error("empty batch should fail validation")
	}
}

func TestBatchValidate_NonPositiveAmount_Fails(t *testing.T) {
	batchID := uuid.New()
	assetID, _ := ledger.GetAssetID("USDC")

	for _, amount := range []int64{0, -100} {
		j := fundJournal(uuid.New(), assetID, amount)
		j.BatchID = batchID
		batch := &ledger.Batch{BatchID: batchID, Journals: []ledger.Journal{j}}
		if err := batch.Validate(); err == nil {
			t.Errorf("amount %d should fail validation", amount)
		}
	}
}

func TestBatchValidate_SelfTransfer_Fails(t *testing.T) {
	batchID := uuid.New()
	assetID, _ := ledger.GetAssetID("USDC")
	same := ledger.NewUserAccountKey(uuid.New(), ledger.SubTypeAvailable, assetID)

	batch := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			DebitAccount:  same,
			CreditAccount: same,
			AssetID:       assetID,
			Amount:        100,
		}},
	}
	if err := batch.Validate(); err == nil {
		t.Error("self-transfer should fail validation")
	}
}

func TestBatchValidate_CrossAsset_Fails(t *testing.T) {
	batchID := uuid.New()
	usdc, _ := ledger.GetAssetID("USDC")
	weth, _ := ledger.GetAssetID("WETH")

	batch := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			DebitAccount:  ledger.NewUserAccountKey(uuid.New(), ledger.SubTypeAvailable, weth),
			CreditAccount: ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, usdc),
			AssetID:       usdc,
			Amount:        100,
		}},
	}
	if err := batch.Validate(); err == nil {
		t.Error("cross-asset journal should fail validation")
	}
}

func TestBatchValidate_MismatchedBatchID_Fails(t *testing.T) {
	batchID := uuid.New()
	assetID, _ := ledger.GetAssetID("USDC")

	j := fundJournal(uuid.New(), assetID, 100) // carries its own batch ID
	batch := &ledger.Batch{BatchID: batchID, Journals: []ledger.Journal{j}}
	if err := batch.Validate(); err == nil {
		t.Error("mismatched batch ID should fail validation")
	}
}

// ============================================================================
// Test: JournalGenerator
// ============================================================================

func apply(t *testing.T, bt *ledger.BalanceTracker, batch *ledger.Batch) {
	t.Helper()
	if batch == nil {
		return
	}
	if err := batch.Validate(); err != nil {
		t.Fatalf("generated batch invalid: %v", err)
	}
	if err := bt.ApplyBatch(batch); err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}
}

func TestGenerator_BondLockRequiresFunds(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewJournalGenerator(1, bt)
	usdc, _ := ledger.GetAssetID("USDC")

	_, err := jg.GenerateBondLockBatch(uuid.New(), "commit-1", usdc, 1_000_000, 1700000000000000)
	if err == nil {
		t.Fatal("bond lock without funds should fail the pre-check")
	}
}

func TestGenerator_FullSettlementFlowClears(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewJournalGenerator(1, bt)
	v := ledger.NewInvariantValidator(bt)
	usdc, _ := ledger.GetAssetID("USDC")
	weth, _ := ledger.GetAssetID("WETH")

	poolID := uuid.New()
	alice := uuid.New()
	ts := int64(1700000000000000)

	// Seed the pool and fund the trader.
	batch, err := jg.GeneratePoolSeedBatch(poolID, "create-pool", weth, usdc, 10_000_000_000, 975_000_000_000, ts)
	if err != nil {
		t.Fatalf("GeneratePoolSeedBatch failed: %v", err)
	}
	apply(t, bt, batch)

	batch, err = jg.GenerateFundBatch(alice, "fund-alice", usdc, 100_000_000, ts)
	if err != nil {
		t.Fatalf("GenerateFundBatch failed: %v", err)
	}
	apply(t, bt, batch)

	// Commit: bond 10, reveal: escrow 50.
	batch, err = jg.GenerateBondLockBatch(alice, "commit-1", usdc, 10_000_000, ts)
	if err != nil {
		t.Fatalf("GenerateBondLockBatch failed: %v", err)
	}
	apply(t, bt, batch)

	batch, err = jg.GenerateTradeLockBatch(alice, "reveal-1", usdc, 50_000_000, ts)
	if err != nil {
		t.Fatalf("GenerateTradeLockBatch failed: %v", err)
	}
	apply(t, bt, batch)

	// Settle: one buy fill, residual swap carries the full net quote to
	// the pool and draws the base entitlement out.
	fill := clearing.Fill{
		Trader:      alice,
		OrderIndex:  0,
		Side:        auction.SideBuy,
		AmountIn:    50_000_000,
		NetIn:       49_850_000,
		LPFee:       135_000,
		ProtocolFee: 15_000,
		PriorityBid: 0,
		AmountOut:   500_000,
	}
	batch, err = jg.GenerateFillBatch(poolID, "batch-1", fill, weth, usdc, ts)
	if err != nil {
		t.Fatalf("GenerateFillBatch failed: %v", err)
	}
	apply(t, bt, batch)

	residuals := []clearing.ResidualSwap{{Side: auction.SideBuy, AmountIn: 49_850_000, AmountOut: 500_000}}
	batch, err = jg.GenerateResidualSwapBatch(poolID, "batch-1", residuals, weth, usdc, ts)
	if err != nil {
		t.Fatalf("GenerateResidualSwapBatch failed: %v", err)
	}
	apply(t, bt, batch)

	// Bond back on reveal.
	revealed := []*commitment.Commitment{{Trader: alice, Deposit: 10_000_000}}
	batch, err = jg.GenerateBondRefundBatch("batch-1", revealed, usdc, ts)
	if err != nil {
		t.Fatalf("GenerateBondRefundBatch failed: %v", err)
	}
	apply(t, bt, batch)

	// The settlement escrow must end the batch at exactly zero.
	if err := v.ValidateSettlementCleared(poolID, weth, usdc); err != nil {
		t.Errorf("settlement escrow not cleared: %v", err)
	}
	if err := v.ValidateGlobalBalance(); err != nil {
		t.Errorf("global balance broken: %v", err)
	}
	if err := v.ValidateUserNonNegative(alice, usdc); err != nil {
		t.Errorf("trader accounts negative: %v", err)
	}

	// Trader ends with 50 available quote, the base entitlement, and no
	// bond or escrow.
	if got := bt.GetUserAvailableBalance(alice, usdc); got != 50_000_000 {
		t.Errorf("available USDC = %d, want 50_000_000", got)
	}
	if got := bt.GetUserAvailableBalance(alice, weth); got != 500_000 {
		t.Errorf("available WETH = %d, want 500_000", got)
	}
	if got := bt.GetUserBondBalance(alice, usdc); got != 0 {
		t.Errorf("bond = %d, want 0", got)
	}
	if got := bt.GetUserTradeEscrow(alice, usdc); got != 0 {
		t.Errorf("escrow = %d, want 0", got)
	}

	// Pool reserves mirror the curve: quote grew by net + lp fee, base
	// shrank by the residual output.
	if err := v.ValidatePoolReservesMatch(poolID, weth, usdc,
		10_000_000_000-500_000, 975_000_000_000+49_850_000+135_000); err != nil {
		t.Errorf("pool reserves mismatch: %v", err)
	}

	// Protocol fee singleton collected its share.
	protocolKey := ledger.NewSystemAccountKey(ledger.SubTypeProtocolFees, usdc)
	if got := bt.GetBalance(protocolKey); got != 15_000 {
		t.Errorf("protocol fees = %d, want 15_000", got)
	}
}

func TestGenerator_SlashSplitsBond(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewJournalGenerator(1, bt)
	usdc, _ := ledger.GetAssetID("USDC")
	bob := uuid.New()
	ts := int64(1700000000000000)

	batch, err := jg.GenerateFundBatch(bob, "fund-bob", usdc, 5_000_000, ts)
	apply(t, bt, mustBatch(t, batch, err))
	batch, err = jg.GenerateBondLockBatch(bob, "commit-2", usdc, 2_000_001, ts)
	apply(t, bt, mustBatch(t, batch, err))

	outcomes := []commitment.SlashOutcome{{
		Trader:      bob,
		CommitID:    uuid.New(),
		Deposit:     2_000_001,
		TreasuryCut: 1_000_000,
		Refund:      1_000_001,
	}}
	batch, err = jg.GenerateSlashBatch("batch-2", outcomes, usdc, ts)
	apply(t, bt, mustBatch(t, batch, err))

	if got := bt.GetUserBondBalance(bob, usdc); got != 0 {
		t.Errorf("bond after slash = %d, want 0", got)
	}
	if got := bt.GetUserAvailableBalance(bob, usdc); got != 4_000_000 {
		t.Errorf("available after slash = %d, want 4_000_000", got)
	}
	treasury := ledger.NewSystemAccountKey(ledger.SubTypeTreasury, usdc)
	if got := bt.GetBalance(treasury); got != 1_000_000 {
		t.Errorf("treasury = %d, want 1_000_000", got)
	}
}

func TestGenerator_TradeRefundReleasesEscrow(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewJournalGenerator(1, bt)
	usdc, _ := ledger.GetAssetID("USDC")
	weth, _ := ledger.GetAssetID("WETH")
	carol := uuid.New()
	ts := int64(1700000000000000)

	batch, err := jg.GenerateFundBatch(carol, "fund-carol", usdc, 1_000_000, ts)
	apply(t, bt, mustBatch(t, batch, err))
	batch, err = jg.GenerateTradeLockBatch(carol, "reveal-2", usdc, 600_000, ts)
	apply(t, bt, mustBatch(t, batch, err))

	refunds := []clearing.Refund{{
		Trader:     carol,
		OrderIndex: 0,
		Side:       auction.SideBuy,
		Amount:     600_000,
		Reason:     clearing.RefundPriceLimit,
	}}
	batch, err = jg.GenerateTradeRefundBatch("batch-3", refunds, weth, usdc, ts)
	apply(t, bt, mustBatch(t, batch, err))

	if got := bt.GetUserTradeEscrow(carol, usdc); got != 0 {
		t.Errorf("escrow after refund = %d, want 0", got)
	}
	if got := bt.GetUserAvailableBalance(carol, usdc); got != 1_000_000 {
		t.Errorf("available after refund = %d, want 1_000_000", got)
	}
}

func TestGenerator_RewardBatchPaysShares(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewJournalGenerator(1, bt)
	auct, _ := ledger.GetAssetID("AUCT")
	ts := int64(1700000000000000)

	p1, p2, idle := uuid.New(), uuid.New(), uuid.New()
	dist := &reward.Distribution{
		GameID:        uuid.New(),
		TotalValue:    1_000,
		AdjustedTotal: 1_000,
		Era:           0,
		Shares: []reward.Share{
			{Participant: p1, Amount: 400},
			{Participant: idle, Amount: 0},
			{Participant: p2, Amount: 600},
		},
	}
	batch, err := jg.GenerateRewardBatch(dist, auct, ts)
	apply(t, bt, mustBatch(t, batch, err))

	if got := bt.GetUserAvailableBalance(p1, auct); got != 400 {
		t.Errorf("p1 share = %d, want 400", got)
	}
	if got := bt.GetUserAvailableBalance(p2, auct); got != 600 {
		t.Errorf("p2 share = %d, want 600", got)
	}
	if got := bt.GetUserAvailableBalance(idle, auct); got != 0 {
		t.Errorf("idle share = %d, want 0", got)
	}
}

func mustBatch(t *testing.T, batch *ledger.Batch, err error) *ledger.Batch {
	t.Helper()
	if err != nil {
		t.Fatalf("generator failed: %v", err)
	}
	return batch
}

// ============================================================================
// Test: InvariantValidator
// ============================================================================

func TestInvariantValidator_GlobalBalanceZero(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	v := ledger.NewInvariantValidator(bt)

	if err := v.ValidateGlobalBalance(); err != nil {
		t.Errorf("empty ledger should have zero global balance: %v", err)
	}

	assetID, _ := ledger.GetAssetID("USDC")
	bt.ApplyJournal(fundJournal(uuid.New(), assetID, 1_000_000))

	if err := v.ValidateGlobalBalance(); err != nil {
		t.Errorf("balanced ledger should have zero global balance: %v", err)
	}
}

func TestInvariantValidator_SettlementResidueDetected(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	v := ledger.NewInvariantValidator(bt)
	usdc, _ := ledger.GetAssetID("USDC")
	weth, _ := ledger.GetAssetID("WETH")
	poolID := uuid.New()

	// Orphan a unit in the settlement escrow.
	bt.ApplyJournal(ledger.Journal{
		JournalID:     uuid.New(),
		BatchID:       uuid.New(),
		DebitAccount:  ledger.NewPoolAccountKey(poolID, ledger.SubTypeSettlement, usdc),
		CreditAccount: ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, usdc),
		AssetID:       usdc,
		Amount:        1,
	})

	if err := v.ValidateSettlementCleared(poolID, weth, usdc); err == nil {
		t.Error("expected settlement residue to be detected")
	}
}

package auction_test

import (
	"errors"
	"testing"
	"time"

	"BatchAuction/internal/auction"

	"github.com/google/uuid"
)

// ============================================================================
// Test: Phase state machine
// ============================================================================

func TestPhase_ForwardTransitions(t *testing.T) {
	cases := []struct {
		from, to auction.Phase
		want     bool
	}{
		{auction.PhaseUninitialized, auction.PhaseCommit, true},
		{auction.PhaseCommit, auction.PhaseReveal, true},
		{auction.PhaseReveal, auction.PhaseSettled, true},
		{auction.PhaseUninitialized, auction.PhaseReveal, false}, // no skipping
		{auction.PhaseCommit, auction.PhaseSettled, false},
		{auction.PhaseReveal, auction.PhaseCommit, false}, // no reversing
		{auction.PhaseSettled, auction.PhaseCommit, false},
		{auction.PhaseSettled, auction.PhaseReveal, false},
		{auction.PhaseCommit, auction.PhaseCommit, false}, // no self-loops
	}

	for _, c := range cases {
		if got := c.from.CanTransitionTo(c.to); got != c.want {
			t.Errorf("CanTransitionTo(%s -> %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestBatch_TransitionTo_RejectsBackward(t *testing.T) {
	b := &auction.Batch{Phase: auction.PhaseReveal}

	err := b.TransitionTo(auction.PhaseCommit)
	if !errors.Is(err, auction.ErrPhaseViolation) {
		t.Errorf("backward transition error = %v, want ErrPhaseViolation", err)
	}
	if b.Phase != auction.PhaseReveal {
		t.Errorf("failed transition mutated phase to %s", b.Phase)
	}
}

// ============================================================================
// Test: Pool / order shape
// ============================================================================

func newTestPool() *auction.Pool {
	return &auction.Pool{
		PoolID:     uuid.New(),
		BaseAsset:  "WETH",
		QuoteAsset: "USDC",
		FeeRateBps: 30,
	}
}

func TestPool_SideOf(t *testing.T) {
	p := newTestPool()

	side, err := p.SideOf("USDC", "WETH")
	if err != nil || side != auction.SideBuy {
		t.Errorf("SideOf(USDC, WETH) = %v, %v; want buy", side, err)
	}

	side, err = p.SideOf("WETH", "USDC")
	if err != nil || side != auction.SideSell {
		t.Errorf("SideOf(WETH, USDC) = %v, %v; want sell", side, err)
	}

	_, err = p.SideOf("WBTC", "USDC")
	if !errors.Is(err, auction.ErrInvalidOrder) {
		t.Errorf("mismatched pair error = %v, want ErrInvalidOrder", err)
	}
}

func TestPool_ValidateOrder(t *testing.T) {
	p := newTestPool()

	good := &auction.Order{
		Trader:       uuid.New(),
		TokenIn:      "USDC",
		TokenOut:     "WETH",
		AmountIn:     1_000_000,
		MinAmountOut: 500,
	}
	if err := p.ValidateOrder(good); err != nil {
		t.Errorf("valid order rejected: %v", err)
	}

	bad := *good
	bad.AmountIn = 0
	if err := p.ValidateOrder(&bad); !errors.Is(err, auction.ErrInvalidOrder) {
		t.Errorf("zero amount_in error = %v, want ErrInvalidOrder", err)
	}

	bad = *good
	bad.MinAmountOut = 0
	if err := p.ValidateOrder(&bad); !errors.Is(err, auction.ErrInvalidOrder) {
		t.Errorf("zero min_amount_out error = %v, want ErrInvalidOrder", err)
	}

	bad = *good
	bad.PriorityBid = -1
	if err := p.ValidateOrder(&bad); !errors.Is(err, auction.ErrInvalidOrder) {
		t.Errorf("negative priority_bid error = %v, want ErrInvalidOrder", err)
	}
}

func TestOrder_CanonicalBytes_ExcludesIndex(t *testing.T) {
	o := &auction.Order{
		Trader:       uuid.MustParse("550e8400-e29b-41d4-a716-446655440000"),
		TokenIn:      "USDC",
		TokenOut:     "WETH",
		AmountIn:     1_000_000,
		MinAmountOut: 500,
		PriorityBid:  10,
	}

	before := o.CanonicalBytes()
	o.OrderIndex = 7
	after := o.CanonicalBytes()

	if string(before) != string(after) {
		t.Error("canonical bytes must not depend on the reveal index")
	}
}

// ============================================================================
// Test: Manager batch lifecycle
// ============================================================================

func testParams() auction.Params {
	p := auction.DefaultParams()
	p.CommitDuration = 60 * time.Second
	p.RevealDuration = 30 * time.Second
	return p
}

func TestManager_OpenBatch_SetsWindows(t *testing.T) {
	m := auction.NewManager()
	pool := newTestPool()
	if err := m.CreatePool(pool); err != nil {
		t.Fatalf("CreatePool failed: %v", err)
	}

	t0 := time.Unix(1_700_000_000, 0).UTC()
	b, err := m.OpenBatch(pool.PoolID, uuid.New(), t0, testParams())
	if err != nil {
		t.Fatalf("OpenBatch failed: %v", err)
	}

	if b.Phase != auction.PhaseCommit {
		t.Errorf("new batch phase = %s, want Commit", b.Phase)
	}
	if got, want := b.CommitEnd, t0.Add(60*time.Second); !got.Equal(want) {
		t.Errorf("commitEnd = %s, want %s", got, want)
	}
	if got, want := b.RevealEnd, t0.Add(90*time.Second); !got.Equal(want) {
		t.Errorf("revealEnd = %s, want %s", got, want)
	}
}

func TestManager_OpenBatch_RejectsWhileUnsettled(t *testing.T) {
	m := auction.NewManager()
	pool := newTestPool()
	if err := m.CreatePool(pool); err != nil {
		t.Fatalf("CreatePool failed: %v", err)
	}

	t0 := time.Unix(1_700_000_000, 0).UTC()
	if _, err := m.OpenBatch(pool.PoolID, uuid.New(), t0, testParams()); err != nil {
		t.Fatalf("first OpenBatch failed: %v", err)
	}

	_, err := m.OpenBatch(pool.PoolID, uuid.New(), t0.Add(time.Second), testParams())
	if !errors.Is(err, auction.ErrPhaseViolation) {
		t.Errorf("second OpenBatch error = %v, want ErrPhaseViolation", err)
	}
}

func TestManager_OpenBatch_UnknownPool(t *testing.T) {
	m := auction.NewManager()
	_, err := m.OpenBatch(uuid.New(), uuid.New(), time.Now(), testParams())
	if !errors.Is(err, auction.ErrUnknownPool) {
		t.Errorf("error = %v, want ErrUnknownPool", err)
	}
}

func TestManager_Tick_AdvancesCommitToReveal(t *testing.T) {
	m := auction.NewManager()
	pool := newTestPool()
	if err := m.CreatePool(pool); err != nil {
		t.Fatalf("CreatePool failed: %v", err)
	}

	t0 := time.Unix(1_700_000_000, 0).UTC()
	b, _ := m.OpenBatch(pool.PoolID, uuid.New(), t0, testParams())

	// Before commitEnd: nothing moves.
	toSettle, moved, err := m.Tick(t0.Add(59 * time.Second))
	if err != nil || len(toSettle) != 0 {
		t.Fatalf("early tick: toSettle=%d err=%v, want none", len(toSettle), err)
	}
	if moved {
		t.Error("early tick should not report a transition")
	}
	if b.Phase != auction.PhaseCommit {
		t.Errorf("phase after early tick = %s, want Commit", b.Phase)
	}

	// At commitEnd exactly: commit window closes.
	_, moved, err = m.Tick(t0.Add(60 * time.Second))
	if err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if !moved {
		t.Error("commitEnd tick should report a transition")
	}
	if b.Phase != auction.PhaseReveal {
		t.Errorf("phase after commitEnd tick = %s, want Reveal", b.Phase)
	}
}

func TestManager_Tick_ReturnsDueBatchesStillInReveal(t *testing.T) {
	m := auction.NewManager()
	pool := newTestPool()
	if err := m.CreatePool(pool); err != nil {
		t.Fatalf("CreatePool failed: %v", err)
	}

	t0 := time.Unix(1_700_000_000, 0).UTC()
	b, _ := m.OpenBatch(pool.PoolID, uuid.New(), t0, testParams())

	// One late tick past both deadlines: the batch passes through Reveal
	// and comes back due for settlement, not yet Settled.
	toSettle, moved, err := m.Tick(t0.Add(5 * time.Minute))
	if err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if !moved {
		t.Error("late tick should report the commit->reveal transition")
	}
	if len(toSettle) != 1 || toSettle[0] != b {
		t.Fatalf("toSettle = %v, want the live batch", toSettle)
	}
	if b.Phase != auction.PhaseReveal {
		t.Errorf("due batch phase = %s, want Reveal (settlement marks Settled)", b.Phase)
	}
}

func TestManager_OpenBatch_AllowedAfterSettled(t *testing.T) {
	m := auction.NewManager()
	pool := newTestPool()
	if err := m.CreatePool(pool); err != nil {
		t.Fatalf("CreatePool failed: %v", err)
	}

	t0 := time.Unix(1_700_000_000, 0).UTC()
	b, _ := m.OpenBatch(pool.PoolID, uuid.New(), t0, testParams())

	// Walk to Settled.
	if _, _, err := m.Tick(t0.Add(2 * time.Minute)); err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if err := b.TransitionTo(auction.PhaseSettled); err != nil {
		t.Fatalf("settle transition failed: %v", err)
	}

	if _, err := m.OpenBatch(pool.PoolID, uuid.New(), t0.Add(3*time.Minute), testParams()); err != nil {
		t.Errorf("OpenBatch after settle failed: %v", err)
	}
}

func TestManager_CreatePool_Duplicate(t *testing.T) {
	m := auction.NewManager()
	pool := newTestPool()
	if err := m.CreatePool(pool); err != nil {
		t.Fatalf("CreatePool failed: %v", err)
	}
	if err := m.CreatePool(pool); !errors.Is(err, auction.ErrPoolExists) {
		t.Errorf("duplicate CreatePool error = %v, want ErrPoolExists", err)
	}
}

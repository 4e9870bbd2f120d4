package clearing_test

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"pgregory.net/rapid"

	"BatchAuction/internal/amm"
	"BatchAuction/internal/auction"
	"BatchAuction/internal/clearing"
)

var _ clearing.ReserveProvider = (*amm.Pool)(nil)

func testPool() *auction.Pool {
	return &auction.Pool{
		PoolID:     uuid.MustParse("11111111-2222-3333-4444-555555555555"),
		BaseAsset:  "WETH",
		QuoteAsset: "USDC",
		FeeRateBps: 30,
	}
}

func buyOrder(idx int, amountIn, minOut, bid int64) *auction.Order {
	return &auction.Order{
		Trader:       uuid.New(),
		TokenIn:      "USDC",
		TokenOut:     "WETH",
		AmountIn:     amountIn,
		MinAmountOut: minOut,
		PriorityBid:  bid,
		OrderIndex:   idx,
	}
}

func sellOrder(idx int, amountIn, minOut, bid int64) *auction.Order {
	return &auction.Order{
		Trader:       uuid.New(),
		TokenIn:      "WETH",
		TokenOut:     "USDC",
		AmountIn:     amountIn,
		MinAmountOut: minOut,
		PriorityBid:  bid,
		OrderIndex:   idx,
	}
}

// ============================================================================
// Uniform price
// ============================================================================

func TestClearUniformPriceCrossedBook(t *testing.T) {
	// Spot 97.5: buy limits sit near 100, sell limits near 90, so the
	// whole book crosses and everyone trades at one price in between.
	curve, err := amm.NewPool(10_000_000_000, 975_000_000_000, 30)
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	engine := clearing.NewEngine(auction.DefaultParams())

	orders := []*auction.Order{
		buyOrder(0, 1_000_000_000, 9_900_000, 0),
		buyOrder(1, 2_000_000_000, 19_800_000, 500),
		buyOrder(2, 500_000_000, 4_950_000, 0),
		sellOrder(3, 10_000_000, 900_000_000, 0),
		sellOrder(4, 5_000_000, 450_000_000, 200),
	}

	result, err := engine.Clear(testPool(), orders, curve)
	if err != nil {
		t.Fatalf("Clear failed: %v", err)
	}

	if len(result.Fills) != 5 {
		t.Fatalf("fills = %d, want 5 (unfilled: %+v)", len(result.Fills), result.Unfilled)
	}
	if result.ClearingPrice < 95_000_000 || result.ClearingPrice > 100_000_000 {
		t.Errorf("clearing price = %d, want within [95e6, 100e6]", result.ClearingPrice)
	}
	if result.Iterations == 0 || result.Iterations > 100 {
		t.Errorf("iterations = %d, want within (0, 100]", result.Iterations)
	}

	// Net buy pressure: the curve must supply the shortfall.
	if len(result.Residuals) != 1 || result.Residuals[0].Side != auction.SideBuy {
		t.Fatalf("residuals = %+v, want single buy-side swap", result.Residuals)
	}
	if result.Residuals[0].AmountOut <= 0 {
		t.Errorf("residual output = %d, want positive", result.Residuals[0].AmountOut)
	}

	for _, f := range result.Fills {
		if f.NetIn+f.LPFee+f.ProtocolFee != f.AmountIn {
			t.Errorf("order %d: legs %d+%d+%d != amount_in %d",
				f.OrderIndex, f.NetIn, f.LPFee, f.ProtocolFee, f.AmountIn)
		}
	}
}

func TestClearFeeSplit(t *testing.T) {
	curve, err := amm.NewPool(1_000_000_000_000, 1_000_000_000_000, 30)
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	engine := clearing.NewEngine(auction.DefaultParams()) // protocol share 10%

	result, err := engine.Clear(testPool(), []*auction.Order{
		buyOrder(0, 1_000_000, 1, 700),
	}, curve)
	if err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if len(result.Fills) != 1 {
		t.Fatalf("fills = %d, want 1", len(result.Fills))
	}

	f := result.Fills[0]
	if f.LPFee != 2_700 {
		t.Errorf("lp fee = %d, want 2700", f.LPFee)
	}
	if f.ProtocolFee != 300 {
		t.Errorf("protocol fee = %d, want 300", f.ProtocolFee)
	}
	if f.NetIn != 997_000 {
		t.Errorf("net in = %d, want 997000", f.NetIn)
	}
	if f.PriorityBid != 700 {
		t.Errorf("priority bid = %d, want 700", f.PriorityBid)
	}
}

// ============================================================================
// Refund paths
// ============================================================================

func TestClearOversizedOrderRefunds(t *testing.T) {
	// Cap is 5% of the input reserve: 50_000 quote here.
	curve, err := amm.NewPool(1_000_000, 1_000_000, 0)
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	engine := clearing.NewEngine(auction.DefaultParams())

	result, err := engine.Clear(testPool(), []*auction.Order{
		buyOrder(0, 60_000, 1, 123),
		buyOrder(1, 10_000, 1, 0),
	}, curve)
	if err != nil {
		t.Fatalf("Clear failed: %v", err)
	}

	if len(result.Unfilled) != 1 {
		t.Fatalf("unfilled = %d, want 1", len(result.Unfilled))
	}
	r := result.Unfilled[0]
	if r.OrderIndex != 0 || r.Reason != clearing.RefundOversized {
		t.Errorf("refund = %+v, want order 0 oversized", r)
	}
	if r.Amount != 60_123 {
		t.Errorf("refund amount = %d, want amount_in + bid = 60123", r.Amount)
	}
	if len(result.Fills) != 1 || result.Fills[0].OrderIndex != 1 {
		t.Errorf("fills = %+v, want only order 1", result.Fills)
	}
}

func TestClearPriceLimitRefund(t *testing.T) {
	curve, err := amm.NewPool(1_000_000_000, 1_000_000_000, 0)
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	engine := clearing.NewEngine(auction.DefaultParams())

	// The buy demands double its money back at spot 1.0; no price both
	// clears and satisfies it.
	result, err := engine.Clear(testPool(), []*auction.Order{
		buyOrder(0, 100_000, 200_000, 50),
	}, curve)
	if err != nil {
		t.Fatalf("Clear failed: %v", err)
	}

	if len(result.Fills) != 0 {
		t.Fatalf("fills = %+v, want none", result.Fills)
	}
	if len(result.Unfilled) != 1 {
		t.Fatalf("unfilled = %d, want 1", len(result.Unfilled))
	}
	r := result.Unfilled[0]
	if r.Reason != clearing.RefundPriceLimit {
		t.Errorf("reason = %v, want price_limit", r.Reason)
	}
	if r.Amount != 100_050 {
		t.Errorf("refund amount = %d, want 100050", r.Amount)
	}
}

// ============================================================================
// Empty batch
// ============================================================================

func TestClearEmptyBatchSettlesAtSpot(t *testing.T) {
	curve, err := amm.NewPool(10_000_000_000, 975_000_000_000, 30)
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	engine := clearing.NewEngine(auction.DefaultParams())

	result, err := engine.Clear(testPool(), nil, curve)
	if err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if result.ClearingPrice != 97_500_000 {
		t.Errorf("clearing price = %d, want spot 97500000", result.ClearingPrice)
	}
	if len(result.Fills) != 0 || len(result.Residuals) != 0 {
		t.Errorf("empty batch produced fills %v residuals %v", result.Fills, result.Residuals)
	}
}

// ============================================================================
// Non-convergence
// ============================================================================

func TestClearNonConvergenceAbortsBatch(t *testing.T) {
	curve, err := amm.NewPool(1_000_000_000, 1_000_000_000, 0)
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	params := auction.DefaultParams()
	params.ClearingMaxIterations = 1
	engine := clearing.NewEngine(params)

	_, err = engine.Clear(testPool(), []*auction.Order{
		buyOrder(0, 100_000, 1, 0),
	}, curve)
	if !errors.Is(err, clearing.ErrClearingNonConvergence) {
		t.Fatalf("expected ErrClearingNonConvergence, got %v", err)
	}
}

// ============================================================================
// Conservation
// ============================================================================

// TestPropSettlementConserves drives random books through the engine
// and checks that the plan's legs sum to zero in both assets and that
// the curve genuinely accepts the residual swaps it was planned around.
func TestPropSettlementConserves(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		reserveBase := rapid.Int64Range(1_000_000, 1_000_000_000_000).Draw(t, "reserveBase")
		reserveQuote := rapid.Int64Range(1_000_000, 1_000_000_000_000).Draw(t, "reserveQuote")
		feeBps := rapid.Int64Range(0, 100).Draw(t, "feeBps")

		curve, err := amm.NewPool(reserveBase, reserveQuote, feeBps)
		if err != nil {
			t.Fatalf("NewPool failed: %v", err)
		}
		pool := testPool()
		pool.FeeRateBps = feeBps

		n := rapid.IntRange(0, 12).Draw(t, "n")
		orders := make([]*auction.Order, 0, n)
		for i := 0; i < n; i++ {
			amountIn := rapid.Int64Range(1_000, 10_000_000).Draw(t, "amountIn")
			minOut := rapid.Int64Range(1, 10_000_000).Draw(t, "minOut")
			bid := rapid.Int64Range(0, 10_000).Draw(t, "bid")
			if rapid.Bool().Draw(t, "isBuy") {
				orders = append(orders, buyOrder(i, amountIn, minOut, bid))
			} else {
				orders = append(orders, sellOrder(i, amountIn, minOut, bid))
			}
		}

		result, err := engineClear(t, pool, orders, curve)
		if err != nil {
			// A pathological random book may legitimately fail to
			// converge; the property only constrains produced plans.
			if errors.Is(err, clearing.ErrClearingNonConvergence) {
				return
			}
			t.Fatalf("Clear failed: %v", err)
		}

		if len(result.Fills)+len(result.Unfilled) != n {
			t.Fatalf("fills %d + unfilled %d != orders %d",
				len(result.Fills), len(result.Unfilled), n)
		}

		var quoteNet, baseNet int64
		for _, f := range result.Fills {
			if f.AmountOut < minOutOf(orders, f.OrderIndex) {
				t.Fatalf("order %d filled below min_amount_out: %d", f.OrderIndex, f.AmountOut)
			}
			if f.NetIn+f.LPFee+f.ProtocolFee != f.AmountIn {
				t.Fatalf("order %d fee legs do not rebuild amount_in", f.OrderIndex)
			}
			if f.Side == auction.SideBuy {
				quoteNet += f.NetIn
				baseNet -= f.AmountOut
			} else {
				baseNet += f.NetIn
				quoteNet -= f.AmountOut
			}
		}
		for _, r := range result.Residuals {
			if r.Side == auction.SideBuy {
				quoteNet -= r.AmountIn
				baseNet += r.AmountOut
			} else {
				baseNet -= r.AmountIn
				quoteNet += r.AmountOut
			}
		}
		if quoteNet != 0 || baseNet != 0 {
			t.Fatalf("settlement does not balance: quote=%d base=%d", quoteNet, baseNet)
		}

		// The curve must honor the planned residuals exactly.
		for _, r := range result.Residuals {
			if err := curve.ApplySwap(r.Side, r.AmountIn, r.AmountOut); err != nil {
				t.Fatalf("planned residual rejected by curve: %v", err)
			}
		}
	})
}

func engineClear(t *rapid.T, pool *auction.Pool, orders []*auction.Order, curve clearing.ReserveProvider) (*clearing.Result, error) {
	t.Helper()
	return clearing.NewEngine(auction.DefaultParams()).Clear(pool, orders, curve)
}

func minOutOf(orders []*auction.Order, idx int) int64 {
	for _, o := range orders {
		if o.OrderIndex == idx {
			return o.MinAmountOut
		}
	}
	return 0
}

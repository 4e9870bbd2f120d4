// Package clearing computes the uniform price that settles a revealed
// batch against the pool curve and builds the fill plan the ledger
// executes.
//
// The price search walks a net-imbalance curve: demand from buys whose
// limits tolerate the candidate price, supply from sells, and the
// curve's own willingness to trade toward that price. The imbalance is
// strictly decreasing in price, so bisection brackets the crossing and
// stops once the interval shrinks below one part per million of the
// price. Exceeding the iteration budget aborts the whole batch.
package clearing

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/google/uuid"

	"BatchAuction/internal/auction"
	fpmath "BatchAuction/internal/math"
)

// ErrClearingNonConvergence aborts a batch whose price search failed.
// Every order in the batch refunds in full when this comes back.
var ErrClearingNonConvergence = errors.New("clearing price search did not converge")

// relToleranceDenom sets the stopping width: the bracket must shrink to
// one millionth of the upper bound (or one price unit, whichever is
// larger).
const relToleranceDenom = 1_000_000

// maxPriceBumps bounds the integer-feasibility retries after the
// bisection lands. Each retry raises the price by one tolerance step to
// cover rounding shortfalls in the curve leg.
const maxPriceBumps = 8

// ReserveProvider is the pool curve the settlement reads while pricing
// and mutates when the plan is applied. QuoteSwap must be pure;
// ApplySwap must refuse any output the curve cannot fund.
type ReserveProvider interface {
	Reserves() (reserveBase, reserveQuote, feeRateBps int64)
	QuoteSwap(side auction.Side, amountIn int64) (int64, error)
	ApplySwap(side auction.Side, amountIn, requiredOut int64) error
	AccrueBaseFee(amount int64)
	AccrueQuoteFee(amount int64)
}

// Fill is one order's settlement at the clearing price. AmountIn splits
// into the net leg entering settlement and the two fee legs; the
// priority bid is charged separately and only because the order filled.
type Fill struct {
	Trader      uuid.UUID
	OrderIndex  int
	Side        auction.Side
	AmountIn    int64
	NetIn       int64
	LPFee       int64
	ProtocolFee int64
	PriorityBid int64
	AmountOut   int64
}

type RefundReason int32

const (
	// RefundOversized marks orders above the per-order size cap
	// relative to the pool reserve at settlement start.
	RefundOversized RefundReason = iota
	// RefundPriceLimit marks orders whose min_amount_out the clearing
	// price cannot satisfy.
	RefundPriceLimit
	// RefundClearingAborted marks orders returned because the whole
	// batch failed to clear.
	RefundClearingAborted
)

func (r RefundReason) String() string {
	switch r {
	case RefundOversized:
		return "oversized"
	case RefundPriceLimit:
		return "price_limit"
	case RefundClearingAborted:
		return "clearing_aborted"
	}
	return "unknown"
}

// Refund is an unfilled order. Amount covers the full escrow: the trade
// amount plus the priority bid, neither of which is charged.
type Refund struct {
	Trader     uuid.UUID
	OrderIndex int
	Side       auction.Side
	Amount     int64
	Reason     RefundReason
}

// ResidualSwap is a curve leg balancing what the matched book could not
// internalize. AmountOut may sit below the curve output; the difference
// stays in the reserves. A zero AmountOut is a pure donation of
// settlement rounding surplus.
type ResidualSwap struct {
	Side      auction.Side
	AmountIn  int64
	AmountOut int64
}

// Result is the complete settlement plan for one batch at one price.
type Result struct {
	ClearingPrice int64
	Iterations    int
	Fills         []Fill
	Unfilled      []Refund
	Residuals     []ResidualSwap
}

type Engine struct {
	params auction.Params
}

func NewEngine(params auction.Params) *Engine {
	return &Engine{params: params}
}

// candidate caches per-order fee math for the price search. An excluded
// candidate failed the size cap and never touches the curve.
type candidate struct {
	order    *auction.Order
	side     auction.Side
	netIn    int64
	lpFee    int64
	protoFee int64
	totalFee int64
	excluded bool
}

// Clear prices the batch and returns the fill plan. Orders must arrive
// in execution sequence; the plan preserves that sequence in its fill
// and refund lists. Clear never mutates the curve.
func (e *Engine) Clear(pool *auction.Pool, orders []*auction.Order, curve ReserveProvider) (*Result, error) {
	reserveBase, reserveQuote, feeRateBps := curve.Reserves()
	if reserveBase <= 0 || reserveQuote <= 0 {
		return nil, fmt.Errorf("pool %s has empty reserves: base=%d quote=%d", pool.PoolID, reserveBase, reserveQuote)
	}
	spot := fpmath.MulDiv(reserveQuote, fpmath.PriceConfig.Scale, reserveBase, fpmath.RoundHalfEven)

	if len(orders) == 0 {
		return &Result{ClearingPrice: spot}, nil
	}

	cands, err := e.buildCandidates(pool, orders, reserveBase, reserveQuote, feeRateBps)
	if err != nil {
		return nil, err
	}

	pStar, iterations, err := e.bisect(cands, reserveBase, reserveQuote, spot)
	if err != nil {
		return nil, err
	}

	// The bisection works in real arithmetic; integer flooring and limit
	// steps at the crossing can leave the curve leg short. Nudging the
	// price one tolerance step toward the shortfall side restores
	// feasibility: up when buy entitlements outrun the curve, down when
	// a marginal sell cannot actually be absorbed at its own limit.
	for bumps := 0; ; bumps++ {
		result, feasible, dir := e.buildPlan(pStar, cands, curve)
		if feasible {
			result.Iterations = iterations
			return result, nil
		}
		if bumps == maxPriceBumps || dir == 0 {
			return nil, fmt.Errorf("%w: no feasible integer price near %d", ErrClearingNonConvergence, pStar)
		}
		step := pStar / relToleranceDenom
		if step < 1 {
			step = 1
		}
		if dir > 0 {
			pStar += step
		} else {
			if pStar <= 1 {
				return nil, fmt.Errorf("%w: no feasible integer price above the floor", ErrClearingNonConvergence)
			}
			pStar -= step
			if pStar < 1 {
				pStar = 1
			}
		}
	}
}

func (e *Engine) buildCandidates(pool *auction.Pool, orders []*auction.Order, reserveBase, reserveQuote, feeRateBps int64) ([]candidate, error) {
	maxQuoteIn := fpmath.BpsOf(reserveQuote, e.params.MaxTradeSizeBps)
	maxBaseIn := fpmath.BpsOf(reserveBase, e.params.MaxTradeSizeBps)

	cands := make([]candidate, 0, len(orders))
	for _, o := range orders {
		side, err := pool.SideOf(o.TokenIn, o.TokenOut)
		if err != nil {
			return nil, fmt.Errorf("order %d in settled batch: %w", o.OrderIndex, err)
		}

		totalFee := fpmath.BpsOf(o.AmountIn, feeRateBps)
		protoFee := fpmath.BpsOf(totalFee, e.params.ProtocolFeeShareBps)

		c := candidate{
			order:    o,
			side:     side,
			netIn:    o.AmountIn - totalFee,
			lpFee:    totalFee - protoFee,
			protoFee: protoFee,
			totalFee: totalFee,
		}
		if side == auction.SideBuy {
			c.excluded = o.AmountIn > maxQuoteIn
		} else {
			c.excluded = o.AmountIn > maxBaseIn
		}
		cands = append(cands, c)
	}
	return cands, nil
}

// bisect finds the crossing of the net base imbalance. Every imbalance
// evaluation counts against the iteration budget, bracketing probes
// included.
func (e *Engine) bisect(cands []candidate, reserveBase, reserveQuote, spot int64) (int64, int, error) {
	evals := 0
	sign := func(p int64) (int, error) {
		if evals >= e.params.ClearingMaxIterations {
			return 0, fmt.Errorf("%w: budget of %d evaluations exhausted", ErrClearingNonConvergence, evals)
		}
		evals++
		return imbalance(p, cands, reserveBase, reserveQuote).Sign(), nil
	}

	s, err := sign(1)
	if err != nil {
		return 0, evals, err
	}
	if s <= 0 {
		return 1, evals, nil
	}

	lo := int64(1)
	hi := 2*spot + 1
	if hi < 2 {
		hi = 2
	}
	for {
		s, err := sign(hi)
		if err != nil {
			return 0, evals, err
		}
		if s <= 0 {
			break
		}
		lo = hi
		if hi > (1<<62)/2 {
			return 0, evals, fmt.Errorf("%w: no upper price bracket", ErrClearingNonConvergence)
		}
		hi *= 2
	}

	for {
		tol := hi / relToleranceDenom
		if tol < 1 {
			tol = 1
		}
		if hi-lo <= tol {
			break
		}
		mid := lo + (hi-lo)/2
		s, err := sign(mid)
		if err != nil {
			return 0, evals, err
		}
		if s > 0 {
			lo = mid
		} else {
			hi = mid
		}
	}
	return hi, evals, nil
}

// imbalance returns demand minus supply minus curve willingness at
// price p, all in base units. Positive means the price must rise.
// Arithmetic stays in big.Int: at the bracket floor p=1 the base
// entitlement of a large buy overflows int64.
func imbalance(p int64, cands []candidate, reserveBase, reserveQuote int64) *big.Int {
	net := new(big.Int)
	scale := big.NewInt(fpmath.PriceConfig.Scale)
	pBig := big.NewInt(p)
	lhs := new(big.Int)
	rhs := new(big.Int)

	for i := range cands {
		c := &cands[i]
		if c.excluded {
			continue
		}
		netIn := big.NewInt(c.netIn)
		minOut := big.NewInt(c.order.MinAmountOut)

		if c.side == auction.SideBuy {
			// Fills iff floor(netIn*scale/p) >= minOut, i.e.
			// netIn*scale >= minOut*p.
			lhs.Mul(netIn, scale)
			rhs.Mul(minOut, pBig)
			if lhs.Cmp(rhs) < 0 {
				continue
			}
			lhs.Quo(lhs, pBig)
			net.Add(net, lhs)
		} else {
			// Fills iff floor(netIn*p/scale) >= minOut, i.e.
			// netIn*p >= minOut*scale.
			lhs.Mul(netIn, pBig)
			rhs.Mul(minOut, scale)
			if lhs.Cmp(rhs) < 0 {
				continue
			}
			net.Sub(net, netIn)
		}
	}

	return net.Sub(net, curveWillingness(p, reserveBase, reserveQuote))
}

// curveWillingness is the signed base amount a constant-product curve
// trades to move its spot to p: positive above spot (curve sells base),
// negative below (curve buys). The target reserve rounds up so the
// willingness never overstates what the curve can actually fund.
func curveWillingness(p, reserveBase, reserveQuote int64) *big.Int {
	target := new(big.Int).Mul(big.NewInt(reserveBase), big.NewInt(reserveQuote))
	target.Mul(target, big.NewInt(fpmath.PriceConfig.Scale))
	target.Quo(target, big.NewInt(p))

	root := new(big.Int).Sqrt(target)
	check := new(big.Int).Mul(root, root)
	if check.Cmp(target) < 0 {
		root.Add(root, big.NewInt(1))
	}
	return check.Sub(big.NewInt(reserveBase), root)
}

// buildPlan materializes fills at price p and checks that the curve can
// fund the residual leg in integer arithmetic. The third return is the
// direction a retry should move the price: positive when buy demand
// overran the curve, negative when sell supply did.
func (e *Engine) buildPlan(p int64, cands []candidate, curve ReserveProvider) (*Result, bool, int) {
	result := &Result{ClearingPrice: p}

	var sumNetQuote, sumQuoteOut int64 // buys pay, sells receive
	var sumNetBase, sumBaseOut int64   // sells pay, buys receive

	for i := range cands {
		c := &cands[i]
		o := c.order

		if c.excluded {
			result.Unfilled = append(result.Unfilled, Refund{
				Trader:     o.Trader,
				OrderIndex: o.OrderIndex,
				Side:       c.side,
				Amount:     o.AmountIn + o.PriorityBid,
				Reason:     RefundOversized,
			})
			continue
		}

		var amountOut int64
		var ok bool
		if c.side == auction.SideBuy {
			amountOut, ok = mulDivFloor(c.netIn, fpmath.PriceConfig.Scale, p)
		} else {
			amountOut, ok = mulDivFloor(c.netIn, p, fpmath.PriceConfig.Scale)
		}
		if !ok || amountOut < o.MinAmountOut {
			result.Unfilled = append(result.Unfilled, Refund{
				Trader:     o.Trader,
				OrderIndex: o.OrderIndex,
				Side:       c.side,
				Amount:     o.AmountIn + o.PriorityBid,
				Reason:     RefundPriceLimit,
			})
			continue
		}

		result.Fills = append(result.Fills, Fill{
			Trader:      o.Trader,
			OrderIndex:  o.OrderIndex,
			Side:        c.side,
			AmountIn:    o.AmountIn,
			NetIn:       c.netIn,
			LPFee:       c.lpFee,
			ProtocolFee: c.protoFee,
			PriorityBid: o.PriorityBid,
			AmountOut:   amountOut,
		})

		if c.side == auction.SideBuy {
			sumNetQuote += c.netIn
			sumBaseOut += amountOut
		} else {
			sumNetBase += c.netIn
			sumQuoteOut += amountOut
		}
	}

	baseShort := sumBaseOut - sumNetBase
	quoteSpare := sumNetQuote - sumQuoteOut

	switch {
	case baseShort > 0:
		// Matched sells cover part of the buy entitlements; the curve
		// funds the rest from every spare quote unit.
		if quoteSpare < 0 {
			return result, false, 0
		}
		maxOut, err := curve.QuoteSwap(auction.SideBuy, quoteSpare)
		if err != nil || maxOut < baseShort {
			return result, false, 1
		}
		result.Residuals = append(result.Residuals, ResidualSwap{
			Side:      auction.SideBuy,
			AmountIn:  quoteSpare,
			AmountOut: baseShort,
		})

	case baseShort < 0:
		baseSpare := -baseShort
		quoteShort := -quoteSpare
		if quoteShort < 0 {
			quoteShort = 0
		}
		maxOut, err := curve.QuoteSwap(auction.SideSell, baseSpare)
		if err != nil || maxOut < quoteShort {
			return result, false, -1
		}
		result.Residuals = append(result.Residuals, ResidualSwap{
			Side:      auction.SideSell,
			AmountIn:  baseSpare,
			AmountOut: quoteShort,
		})
		if quoteSpare > 0 {
			result.Residuals = append(result.Residuals, ResidualSwap{
				Side:      auction.SideBuy,
				AmountIn:  quoteSpare,
				AmountOut: 0,
			})
		}

	default:
		if quoteSpare < 0 {
			return result, false, 0
		}
		if quoteSpare > 0 {
			result.Residuals = append(result.Residuals, ResidualSwap{
				Side:      auction.SideBuy,
				AmountIn:  quoteSpare,
				AmountOut: 0,
			})
		}
	}

	return result, true, 0
}

// mulDivFloor is floor(a*b/den) with an explicit int64 range check. A
// result outside int64 marks the plan infeasible rather than wrapping.
func mulDivFloor(a, b, den int64) (int64, bool) {
	q := fpmath.MultiplyInt128(a, b)
	q.Quo(q, big.NewInt(den))
	if !q.IsInt64() {
		return 0, false
	}
	return q.Int64(), true
}

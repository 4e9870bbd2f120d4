// Package amm holds the constant-product curve that absorbs the net
// order imbalance each batch cannot internalize.
package amm

import (
	"errors"
	"fmt"
	"math"

	"BatchAuction/internal/auction"
	fpmath "BatchAuction/internal/math"
)

var ErrInsufficientLiquidity = errors.New("insufficient pool liquidity")

// Pool tracks one pair's reserves. Every mutation keeps the reserve
// product from decreasing: swap surplus and accrued fees only ever grow
// it. Not thread-safe; the core is the single writer.
type Pool struct {
	reserveBase  int64
	reserveQuote int64
	feeRateBps   int64
}

func NewPool(reserveBase, reserveQuote, feeRateBps int64) (*Pool, error) {
	if reserveBase <= 0 || reserveQuote <= 0 {
		return nil, fmt.Errorf("reserves must be positive: base=%d quote=%d", reserveBase, reserveQuote)
	}
	if feeRateBps < 0 || feeRateBps >= 10_000 {
		return nil, fmt.Errorf("fee rate out of range [0,10000): %d", feeRateBps)
	}
	return &Pool{
		reserveBase:  reserveBase,
		reserveQuote: reserveQuote,
		feeRateBps:   feeRateBps,
	}, nil
}

// Reserves returns the current state for curve math and mirroring checks
func (p *Pool) Reserves() (reserveBase, reserveQuote, feeRateBps int64) {
	return p.reserveBase, p.reserveQuote, p.feeRateBps
}

// SpotPrice returns the marginal price in quote per base, fixed-point
func (p *Pool) SpotPrice() int64 {
	return fpmath.MulDiv(p.reserveQuote, fpmath.PriceConfig.Scale, p.reserveBase, fpmath.RoundHalfEven)
}

// curveOut is the raw constant-product output for amountIn. Order-level
// fees are charged upstream by settlement, so no fee applies here; the
// ceiling on the post-swap reserve keeps the product from shrinking.
func (p *Pool) curveOut(side auction.Side, amountIn int64) int64 {
	var reserveIn, reserveOut int64
	switch side {
	case auction.SideBuy:
		reserveIn, reserveOut = p.reserveQuote, p.reserveBase
	case auction.SideSell:
		reserveIn, reserveOut = p.reserveBase, p.reserveQuote
	default:
		return 0
	}

	k := fpmath.MultiplyInt128(reserveIn, reserveOut)
	newReserveOut := fpmath.DivideInt128(k, reserveIn+amountIn, fpmath.RoundUp)

	out := reserveOut - newReserveOut
	if out < 0 {
		out = 0
	}
	return out
}

// QuoteSwap prices amountIn through the curve without mutating it
func (p *Pool) QuoteSwap(side auction.Side, amountIn int64) (int64, error) {
	if amountIn < 0 {
		return 0, fmt.Errorf("amount_in must be non-negative: %d", amountIn)
	}
	if err := p.checkHeadroom(side, amountIn); err != nil {
		return 0, err
	}
	return p.curveOut(side, amountIn), nil
}

// ApplySwap commits a swap: amountIn joins the input reserve and
// requiredOut leaves the output reserve. requiredOut may sit below the
// curve output; the difference stays in the reserves as donated
// surplus. Asking for more than the curve allows fails without
// mutating.
func (p *Pool) ApplySwap(side auction.Side, amountIn, requiredOut int64) error {
	if amountIn < 0 || requiredOut < 0 {
		return fmt.Errorf("negative swap legs: in=%d out=%d", amountIn, requiredOut)
	}
	if amountIn == 0 && requiredOut > 0 {
		return fmt.Errorf("%w: output %d requested for zero input", ErrInsufficientLiquidity, requiredOut)
	}
	if err := p.checkHeadroom(side, amountIn); err != nil {
		return err
	}

	maxOut := p.curveOut(side, amountIn)
	if requiredOut > maxOut {
		return fmt.Errorf("%w: required %d exceeds curve output %d", ErrInsufficientLiquidity, requiredOut, maxOut)
	}

	switch side {
	case auction.SideBuy:
		p.reserveQuote += amountIn
		p.reserveBase -= requiredOut
	case auction.SideSell:
		p.reserveBase += amountIn
		p.reserveQuote -= requiredOut
	}
	return nil
}

// AccrueBaseFee adds captured LP fees to the base reserve
func (p *Pool) AccrueBaseFee(amount int64) {
	if amount > 0 {
		p.reserveBase += amount
	}
}

// AccrueQuoteFee adds captured LP fees to the quote reserve
func (p *Pool) AccrueQuoteFee(amount int64) {
	if amount > 0 {
		p.reserveQuote += amount
	}
}

func (p *Pool) checkHeadroom(side auction.Side, amountIn int64) error {
	var reserveIn int64
	if side == auction.SideBuy {
		reserveIn = p.reserveQuote
	} else {
		reserveIn = p.reserveBase
	}
	if amountIn > math.MaxInt64-reserveIn {
		return fmt.Errorf("swap input %d overflows reserve %d", amountIn, reserveIn)
	}
	return nil
}

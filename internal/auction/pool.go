package auction

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrPhaseViolation covers every action attempted outside its phase
	// window: commits after commitEnd, reveals outside the reveal window,
	// opening a batch while the prior one is unsettled.
	ErrPhaseViolation = errors.New("phase violation")

	ErrUnknownPool = errors.New("unknown pool")
	ErrPoolExists  = errors.New("pool already exists")

	// ErrInvalidOrder marks a structurally bad order: asset pair not
	// matching the pool, or non-positive amounts.
	ErrInvalidOrder = errors.New("invalid order")
)

// Pool is a registered trading pair. Reserves live in the ledger and the
// swap curve; the Pool record itself is static after creation.
type Pool struct {
	PoolID     uuid.UUID
	BaseAsset  string
	QuoteAsset string
	FeeRateBps int64
}

// SideOf classifies an order's direction against this pool, rejecting
// pairs that do not match.
func (p *Pool) SideOf(tokenIn, tokenOut string) (Side, error) {
	switch {
	case tokenIn == p.QuoteAsset && tokenOut == p.BaseAsset:
		return SideBuy, nil
	case tokenIn == p.BaseAsset && tokenOut == p.QuoteAsset:
		return SideSell, nil
	}
	return 0, fmt.Errorf("%w: pair %s/%s does not match pool %s/%s",
		ErrInvalidOrder, tokenIn, tokenOut, p.BaseAsset, p.QuoteAsset)
}

// ValidateOrder checks order shape before it can join a batch
func (p *Pool) ValidateOrder(o *Order) error {
	if _, err := p.SideOf(o.TokenIn, o.TokenOut); err != nil {
		return err
	}
	if o.AmountIn <= 0 {
		return fmt.Errorf("%w: amount_in must be positive, got %d", ErrInvalidOrder, o.AmountIn)
	}
	if o.MinAmountOut <= 0 {
		return fmt.Errorf("%w: min_amount_out must be positive, got %d", ErrInvalidOrder, o.MinAmountOut)
	}
	if o.PriorityBid < 0 {
		return fmt.Errorf("%w: priority_bid must be non-negative, got %d", ErrInvalidOrder, o.PriorityBid)
	}
	return nil
}

package auction

import (
	"fmt"
	"time"
)

// Params carries the protocol constants. They are uniform across pools
// and immutable for the life of a deployment; changing them is a
// redeploy, not an operation.
type Params struct {
	CommitDuration        time.Duration
	RevealDuration        time.Duration
	MinDeposit            int64 // Fixed-point, quote asset
	CollateralBps         int64 // deposit*10000 must cover amount_in*CollateralBps
	SlashRateBps          int64 // share of an unrevealed deposit sent to treasury
	MaxTradeSizeBps       int64 // per-order cap relative to pool input reserve
	ProtocolFeeShareBps   int64 // protocol's cut of the swap fee; zero is valid
	ClearingMaxIterations int
	MaxEra                int64 // emission floors to zero beyond this era
}

func DefaultParams() Params {
	return Params{
		CommitDuration:        60 * time.Second,
		RevealDuration:        30 * time.Second,
		MinDeposit:            1_000_000,
		CollateralBps:         1_000,
		SlashRateBps:          5_000,
		MaxTradeSizeBps:       500,
		ProtocolFeeShareBps:   1_000,
		ClearingMaxIterations: 100,
		MaxEra:                32,
	}
}

func (p Params) Validate() error {
	if p.CommitDuration <= 0 || p.RevealDuration <= 0 {
		return fmt.Errorf("phase durations must be positive: commit=%s reveal=%s", p.CommitDuration, p.RevealDuration)
	}
	if p.MinDeposit <= 0 {
		return fmt.Errorf("min deposit must be positive: %d", p.MinDeposit)
	}
	for name, bps := range map[string]int64{
		"collateral_bps":         p.CollateralBps,
		"slash_rate_bps":         p.SlashRateBps,
		"max_trade_size_bps":     p.MaxTradeSizeBps,
		"protocol_fee_share_bps": p.ProtocolFeeShareBps,
	} {
		if bps < 0 || bps > 10_000 {
			return fmt.Errorf("%s out of range [0,10000]: %d", name, bps)
		}
	}
	if p.ClearingMaxIterations < 1 {
		return fmt.Errorf("clearing max iterations must be >= 1: %d", p.ClearingMaxIterations)
	}
	if p.MaxEra < 0 {
		return fmt.Errorf("max era must be non-negative: %d", p.MaxEra)
	}
	return nil
}

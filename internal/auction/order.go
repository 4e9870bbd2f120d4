package auction

import (
	"github.com/google/uuid"
)

// Side is the order direction relative to the pool's base asset
type Side int32

const (
	SideBuy  Side = iota // token_in = quote, token_out = base
	SideSell             // token_in = base, token_out = quote
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "buy"
	case SideSell:
		return "sell"
	}
	return "unknown"
}

// Order is a revealed auction order. OrderIndex is the reveal position
// within the batch; it is assigned on reveal and excluded from the
// commitment digest.
type Order struct {
	Trader       uuid.UUID
	TokenIn      string
	TokenOut     string
	AmountIn     int64 // Fixed-point
	MinAmountOut int64 // Fixed-point
	PriorityBid  int64 // Fixed-point, token_in
	OrderIndex   int
}

// CanonicalBytes returns the deterministic serialization covered by the
// commitment hash. Field order is part of the wire contract.
func (o *Order) CanonicalBytes() []byte {
	buf := make([]byte, 0, 80)

	// trader (16 bytes UUID binary)
	buf = append(buf, o.Trader[:]...)

	// token_in, token_out (length-prefixed)
	buf = append(buf, byte(len(o.TokenIn)))
	buf = append(buf, []byte(o.TokenIn)...)
	buf = append(buf, byte(len(o.TokenOut)))
	buf = append(buf, []byte(o.TokenOut)...)

	// amount_in, min_amount_out, priority_bid (8 bytes LE each)
	buf = appendInt64LE(buf, o.AmountIn)
	buf = appendInt64LE(buf, o.MinAmountOut)
	buf = appendInt64LE(buf, o.PriorityBid)

	return buf
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

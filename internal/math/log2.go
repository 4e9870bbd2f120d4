package math

import (
	"math/big"
	"math/bits"
)

// Log2Fixed returns log2(x) at the given fixed-point scale for integer
// x >= 1. The integer part comes from the bit length; 30 binary
// fractional digits are extracted by repeated squaring of the mantissa
// held at 64 fractional bits, then rescaled. Error is at most one scale
// unit for scales up to 10^9.
//
// Inputs below 1 clamp to zero: log2 here feeds a non-negative weight
// term and must never push a score negative.
func Log2Fixed(x int64, scale int64) int64 {
	if x <= 1 {
		return 0
	}
	ip := int64(bits.Len64(uint64(x)) - 1)

	// Mantissa x / 2^ip in [1, 2) as a Q.64 fixed-point value.
	y := new(big.Int).Lsh(big.NewInt(x), uint(64)-uint(ip))
	two := new(big.Int).Lsh(big.NewInt(1), 65)

	var fracBits int64
	for i := 0; i < 30; i++ {
		fracBits <<= 1
		y.Mul(y, y)
		y.Rsh(y, 64)
		if y.Cmp(two) >= 0 {
			y.Rsh(y, 1)
			fracBits |= 1
		}
	}

	frac := MulDiv(fracBits, scale, 1<<30, RoundHalfEven)
	return ip*scale + frac
}

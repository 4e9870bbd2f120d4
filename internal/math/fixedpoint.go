package math

import (
	"math/big"
	"sync"
)

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int   // Number of decimal places
	Scale            int64 // 10^DecimalPrecision
}

var (
	// Standard configs
	AmountConfig = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000} // 0.000001 token units
	PriceConfig  = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000} // 0.000001 quote per base
	WeightConfig = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000} // 0.000001 score units
)

// BpsScale is the basis-point denominator shared by every rate-style
// protocol constant (fees, collateral ratio, slash rate, size caps).
const BpsScale = 10_000

// Int128 is a pooled big.Int for intermediate calculations
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	int128Pool.Put(v)
}

// MultiplyInt128 performs a * b using int128 to prevent overflow
func MultiplyInt128(a, b int64) *big.Int {
	result := getInt128()
	result.Mul(big.NewInt(a), big.NewInt(b))
	return result
}

// DivideInt128 performs numerator / denominator with rounding
func DivideInt128(numerator *big.Int, denominator int64, roundingMode RoundingMode) int64 {
	denom := big.NewInt(denominator)
	quotient := getInt128()
	remainder := getInt128()

	quotient.DivMod(numerator, denom, remainder)

	result := quotient.Int64()

	switch roundingMode {
	case RoundHalfEven:
		// Banker's rounding: if remainder == denominator/2, round to even
		half := big.NewInt(denominator / 2)
		cmp := remainder.Cmp(half)

		if cmp > 0 {
			result++
		} else if cmp == 0 && denominator%2 == 0 {
			if result%2 != 0 {
				result++
			}
		}
	case RoundUp:
		if remainder.Sign() != 0 {
			result++
		}
	case RoundDown:
		// DivMod already truncates toward negative infinity for
		// positive denominators; nothing to do.
	}

	putInt128(quotient)
	putInt128(remainder)

	return result
}

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding (default)
	RoundDown
	RoundUp
)

// MulDiv computes a * b / denominator through int128 with the given
// rounding, releasing the intermediate back to the pool.
func MulDiv(a, b, denominator int64, mode RoundingMode) int64 {
	num := MultiplyInt128(a, b)
	result := DivideInt128(num, denominator, mode)
	putInt128(num)
	return result
}

// BpsOf applies a basis-point rate to an amount, rounding down.
// All protocol fee math floors so escrows can never be over-charged.
func BpsOf(amount, bps int64) int64 {
	return MulDiv(amount, bps, BpsScale, RoundDown)
}

// CeilDiv returns ceil(a / b) for a >= 0, b > 0. Used where the engine
// must charge at least enough input to produce a required output.
func CeilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}

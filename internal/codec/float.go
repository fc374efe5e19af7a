package codec

import "math"

// Float64ToBits returns the IEEE-754 bit pattern of v, canonicalizing
// negative zero to positive zero so that encoded FactValue doubles hash
// identically regardless of sign-of-zero (spec.md FactValue invariant).
func Float64ToBits(v float64) uint64 {
	if v == 0 {
		v = 0 // normalizes -0.0 to +0.0
	}
	return math.Float64bits(v)
}

// BitsToFloat64 decodes an IEEE-754 bit pattern back into a float64.
func BitsToFloat64(bits uint64) float64 {
	return math.Float64frombits(bits)
}

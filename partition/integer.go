package partition

import (
	"fmt"
	"math/big"

	"golang.org/x/exp/constraints"
)

// Range is a partition of an integer domain: (Lower, Upper].
type Range[T constraints.Integer] struct {
	Lower T
	Upper T
}

func (r Range[T]) Contains(key T) bool {
	return key > r.Lower && key <= r.Upper
}

func (r Range[T]) LowerBoundExclusive() T {
	return r.Lower
}

func (r Range[T]) UpperBoundInclusive() T {
	return r.Upper
}

func (r Range[T]) String() string {
	return fmt.Sprintf("(%d,%d]", r.Lower, r.Upper)
}

// ByRange splits (lower, upper] into n contiguous ranges.
//
// The arithmetic is done on big integers, so extreme bounds of any integer width do not overflow.
func ByRange[T constraints.Integer](lower, upper T, n int) ([]Range[T], error) {
	bounds, err := splitBig(integerToBig(lower), integerToBig(upper), n)
	if err != nil {
		return nil, err
	}
	out := make([]Range[T], len(bounds))
	for i, b := range bounds {
		out[i] = Range[T]{Lower: bigToInteger[T](b[0]), Upper: bigToInteger[T](b[1])}
	}
	return out, nil
}

// MustByRange is ByRange that panics on invalid arguments.
func MustByRange[T constraints.Integer](lower, upper T, n int) []Range[T] {
	out, err := ByRange(lower, upper, n)
	if err != nil {
		panic(err)
	}
	return out
}

func integerToBig[T constraints.Integer](v T) *big.Int {
	if v < 0 {
		return big.NewInt(int64(v))
	}
	return new(big.Int).SetUint64(uint64(v))
}

// bigToInteger is only called with values between two valid T bounds.
func bigToInteger[T constraints.Integer](v *big.Int) T {
	if v.Sign() < 0 {
		return T(v.Int64())
	}
	return T(v.Uint64())
}

package partition

import (
	"fmt"
	"math/big"
)

// BigRange is a partition of the arbitrary precision integer domain: (Lower, Upper].
type BigRange struct {
	Lower *big.Int
	Upper *big.Int
}

func (r BigRange) Contains(key *big.Int) bool {
	if key == nil {
		return false
	}
	return key.Cmp(r.Lower) > 0 && key.Cmp(r.Upper) <= 0
}

func (r BigRange) LowerBoundExclusive() *big.Int {
	return r.Lower
}

func (r BigRange) UpperBoundInclusive() *big.Int {
	return r.Upper
}

func (r BigRange) String() string {
	return fmt.Sprintf("(%s,%s]", r.Lower.String(), r.Upper.String())
}

// ByBigRange splits (lower, upper] into n contiguous ranges.
func ByBigRange(lower, upper *big.Int, n int) ([]BigRange, error) {
	bounds, err := splitBig(lower, upper, n)
	if err != nil {
		return nil, err
	}
	out := make([]BigRange, len(bounds))
	for i, b := range bounds {
		out[i] = BigRange{Lower: b[0], Upper: b[1]}
	}
	return out, nil
}

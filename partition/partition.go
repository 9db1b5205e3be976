// Package partition divides ordered key domains into contiguous, non-overlapping partitions.
//
// A full range (lower, upper] split into n partitions yields exactly n partitions whose union is
// the full range. The first partition starts at lower, the last one ends at upper and absorbs the
// integer division remainder.
package partition

import (
	"errors"
	"fmt"
	"math/big"
)

var (
	// ErrInvalidCount is returned when fewer than one partition is requested.
	ErrInvalidCount = errors.New("partition count must be at least 1")
	// ErrInvalidBounds is returned when the upper bound is below the lower bound.
	ErrInvalidBounds = errors.New("upper bound must not be less than lower bound")
)

// Partition is a bounded sub-range of a key domain.
type Partition[K any] interface {
	// Contains reports whether the key falls into the partition.
	Contains(key K) bool
	// String is the stable partition name, usable as a lease resource name.
	String() string
}

// Bounded is a Partition with explicit bounds.
type Bounded[K any] interface {
	Partition[K]
	LowerBoundExclusive() K
	UpperBoundInclusive() K
}

// OverflowError reports a bound that cannot be represented in the target domain.
type OverflowError struct {
	Domain string
	Value  string
}

func (e *OverflowError) Error() string {
	return fmt.Sprintf("value %s cannot be represented as %s", e.Value, e.Domain)
}

// splitBig is the single partitioning algorithm; other domains map onto it.
func splitBig(lower, upper *big.Int, n int) ([][2]*big.Int, error) {
	if n < 1 {
		return nil, ErrInvalidCount
	}
	if lower == nil || upper == nil {
		return nil, errors.New("bounds are required")
	}
	if upper.Cmp(lower) < 0 {
		return nil, ErrInvalidBounds
	}

	space := new(big.Int).Sub(upper, lower)
	step := new(big.Int).Quo(space, big.NewInt(int64(n)))

	out := make([][2]*big.Int, n)
	for i := 0; i < n; i++ {
		lo := new(big.Int).Mul(step, big.NewInt(int64(i)))
		lo.Add(lo, lower)
		var hi *big.Int
		if i == n-1 {
			hi = new(big.Int).Set(upper)
		} else {
			hi = new(big.Int).Add(lo, step)
		}
		out[i] = [2]*big.Int{lo, hi}
	}
	return out, nil
}

package partition

import (
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

// sqlGUIDOrder lists, from most to least significant, the byte positions of a GUID in its canonical
// string order as SQL Server compares uniqueidentifier values: the last six bytes, then the fourth
// group, then the third, second and first groups with their bytes reversed.
var sqlGUIDOrder = [16]int{10, 11, 12, 13, 14, 15, 8, 9, 7, 6, 5, 4, 3, 2, 1, 0}

var maxGUIDValue = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))

// MaxGUID is the greatest GUID in SQL Server order.
var MaxGUID = uuid.UUID{
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
}

// GUIDToBigInt maps a GUID onto [0, 2^128) so that integer order equals SQL Server order.
func GUIDToBigInt(g uuid.UUID) *big.Int {
	var key [16]byte
	for i, pos := range sqlGUIDOrder {
		key[i] = g[pos]
	}
	return new(big.Int).SetBytes(key[:])
}

// BigIntToGUID is the inverse of GUIDToBigInt. Values outside [0, 2^128) are an *OverflowError.
func BigIntToGUID(v *big.Int) (uuid.UUID, error) {
	if v == nil || v.Sign() < 0 || v.Cmp(maxGUIDValue) > 0 {
		value := "<nil>"
		if v != nil {
			value = v.String()
		}
		return uuid.Nil, &OverflowError{Domain: "uniqueidentifier", Value: value}
	}
	var key [16]byte
	v.FillBytes(key[:])

	var g uuid.UUID
	for i, pos := range sqlGUIDOrder {
		g[pos] = key[i]
	}
	return g, nil
}

// CompareGUID compares two GUIDs the way SQL Server orders uniqueidentifier values.
func CompareGUID(a, b uuid.UUID) int {
	for _, pos := range sqlGUIDOrder {
		if a[pos] != b[pos] {
			if a[pos] < b[pos] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// GUIDRange is a partition of the uniqueidentifier domain in SQL Server order: (Lower, Upper].
type GUIDRange struct {
	Lower uuid.UUID
	Upper uuid.UUID
}

func (r GUIDRange) Contains(key uuid.UUID) bool {
	return CompareGUID(key, r.Lower) > 0 && CompareGUID(key, r.Upper) <= 0
}

func (r GUIDRange) LowerBoundExclusive() uuid.UUID {
	return r.Lower
}

func (r GUIDRange) UpperBoundInclusive() uuid.UUID {
	return r.Upper
}

func (r GUIDRange) String() string {
	return fmt.Sprintf("(%s,%s]", r.Lower, r.Upper)
}

// ByGUIDRange splits (lower, upper] into n contiguous ranges under SQL Server ordering.
func ByGUIDRange(lower, upper uuid.UUID, n int) ([]GUIDRange, error) {
	bounds, err := splitBig(GUIDToBigInt(lower), GUIDToBigInt(upper), n)
	if err != nil {
		return nil, err
	}
	out := make([]GUIDRange, len(bounds))
	for i, b := range bounds {
		lo, err := BigIntToGUID(b[0])
		if err != nil {
			return nil, err
		}
		hi, err := BigIntToGUID(b[1])
		if err != nil {
			return nil, err
		}
		out[i] = GUIDRange{Lower: lo, Upper: hi}
	}
	return out, nil
}

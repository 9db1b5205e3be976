package partition

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/samber/lo"
)

// CompareFold compares strings ordinally after upper-casing both, which is a case-insensitive
// ordinal comparison.
func CompareFold(a, b string) int {
	return strings.Compare(strings.ToUpper(a), strings.ToUpper(b))
}

// StringRange is a partition of the string domain between two adjacent bound values: (Lower, Upper].
type StringRange struct {
	Lower string
	Upper string
}

func (r StringRange) Contains(key string) bool {
	return CompareFold(key, r.Lower) > 0 && CompareFold(key, r.Upper) <= 0
}

func (r StringRange) LowerBoundExclusive() string {
	return r.Lower
}

func (r StringRange) UpperBoundInclusive() string {
	return r.Upper
}

func (r StringRange) String() string {
	return fmt.Sprintf("(%q,%q]", r.Lower, r.Upper)
}

// ByStringBounds builds len(bounds)-1 adjacent ranges from ascending bound values.
func ByStringBounds(bounds ...string) ([]StringRange, error) {
	if len(bounds) < 2 {
		return nil, ErrInvalidCount
	}
	out := make([]StringRange, 0, len(bounds)-1)
	for i := 1; i < len(bounds); i++ {
		if CompareFold(bounds[i], bounds[i-1]) <= 0 {
			return nil, fmt.Errorf("bound %q is not after %q: %w", bounds[i], bounds[i-1], ErrInvalidBounds)
		}
		out = append(out, StringRange{Lower: bounds[i-1], Upper: bounds[i]})
	}
	return out, nil
}

// LeadingCharacter is a discrete partition holding every string starting with Char, ignoring case.
type LeadingCharacter struct {
	Char rune
}

func (p LeadingCharacter) Contains(key string) bool {
	first, size := utf8.DecodeRuneInString(key)
	if size == 0 {
		return false
	}
	return unicode.ToUpper(first) == unicode.ToUpper(p.Char)
}

func (p LeadingCharacter) String() string {
	return string(unicode.ToUpper(p.Char))
}

// ByLeadingCharacter returns one partition per distinct character of the alphabet, ignoring case.
func ByLeadingCharacter(alphabet string) ([]LeadingCharacter, error) {
	chars := lo.Uniq(lo.Map([]rune(alphabet), func(r rune, _ int) rune {
		return unicode.ToUpper(r)
	}))
	if len(chars) == 0 {
		return nil, errors.New("alphabet must not be empty")
	}
	return lo.Map(chars, func(r rune, _ int) LeadingCharacter {
		return LeadingCharacter{Char: r}
	}), nil
}

// Value is a discrete partition holding exactly one key.
type Value[T comparable] struct {
	Key T
}

// ByValue returns the partition holding exactly the given key.
func ByValue[T comparable](key T) Value[T] {
	return Value[T]{Key: key}
}

func (p Value[T]) Contains(key T) bool {
	return key == p.Key
}

func (p Value[T]) String() string {
	return fmt.Sprintf("%v", p.Key)
}

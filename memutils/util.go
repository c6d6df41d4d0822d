package memutils

import (
	cerrors "github.com/cockroachdb/errors"
	"golang.org/x/exp/constraints"
)

type Number interface {
	constraints.Integer
}

func CheckPow2[T Number](number T, name string) error {
	if number <= 0 || number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

func AlignUp[T Number](value T, alignment T) T {
	return (value + alignment - 1) &^ (alignment - 1)
}

func AlignDown[T Number](value T, alignment T) T {
	return value &^ (alignment - 1)
}

// DivideRoundUp returns the ceiling of value / divisor for a non-negative value. It does not overflow for
// values close to the maximum of T.
func DivideRoundUp[T Number](value T, divisor T) T {
	quotient := value / divisor
	if value%divisor != 0 {
		quotient++
	}
	return quotient
}

package mathutil

import (
	"golang.org/x/exp/constraints"
)

func CeilInts[T constraints.Integer](a, b T) T {
	if (a < 0) == (b < 0) {
		if a > 0 {
			return (a + b - 1) / b
		}
		return (a + b + 1) / b
	}
	return a / b
}

// Percent returns part/whole as an integer percentage clamped to [0, 100]. A zero whole yields 0.
func Percent[T constraints.Integer](part, whole T) int {
	if whole <= 0 || part <= 0 {
		return 0
	}
	if part >= whole {
		return 100
	}
	return int(int64(part) * 100 / int64(whole))
}

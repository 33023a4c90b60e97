// Package numeric holds small generic math helpers shared across packages.
package numeric

import (
	"math"

	"golang.org/x/exp/constraints"
)

func Abs[T constraints.Signed | constraints.Float](value T) T {
	if value < 0 {
		return -value
	}
	return value
}

// DeviationFraction returns the relative deviation of candidate from baseline,
// |candidate - baseline| / |baseline|. A zero baseline yields +Inf so that any
// threshold comparison treats the candidate as maximally deviant.
func DeviationFraction[T constraints.Signed](baseline, candidate T) float64 {
	if baseline == 0 {
		return math.Inf(1)
	}
	return float64(Abs(candidate-baseline)) / float64(Abs(baseline))
}

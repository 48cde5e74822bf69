package sample

import "math"

// Depth resolves a sample's representative depth from its top and base.
// A base of 0 below a positive top marks a top-only record. The result is
// NaN when the top is unknown.
func Depth(top, base *float64) float64 {
	switch {
	case top == nil:
		return math.NaN()
	case base == nil:
		return *top
	case *top > *base && *base == 0:
		return *top
	case *top == *base:
		return *top
	}
	return (*top + *base) / 2
}

// Package utils implements small numeric helpers shared by the packages of heselect.
package utils

import (
	"math"

	"golang.org/x/exp/constraints"
)

// IsInteger returns true if x is a finite integral value.
func IsInteger[T constraints.Float](x T) bool {
	f := float64(x)
	return !math.IsInf(f, 0) && !math.IsNaN(f) && f == math.Trunc(f)
}

// IsFinite returns true if x is neither infinite nor NaN.
func IsFinite[T constraints.Float](x T) bool {
	f := float64(x)
	return !math.IsInf(f, 0) && !math.IsNaN(f)
}

// MaxAbs returns max |x_i|, or 0 for an empty slice.
func MaxAbs[T constraints.Float | constraints.Signed](x []T) (m T) {
	for _, xi := range x {
		if xi < 0 {
			xi = -xi
		}
		if xi > m {
			m = xi
		}
	}
	return
}

// MaxAbsDiff returns max |a_i - b_i| over the common prefix of a and b.
func MaxAbsDiff[T constraints.Float](a, b []T) (m T) {
	for i := range a {
		if i >= len(b) {
			break
		}
		d := a[i] - b[i]
		if d < 0 {
			d = -d
		}
		if d > m {
			m = d
		}
	}
	return
}

// Pad returns a copy of values extended with zeros to length n.
func Pad[T constraints.Integer | constraints.Float](values []T, n int) []T {
	out := make([]T, max(n, len(values)))
	copy(out, values)
	return out
}

// RotateSlice returns a copy of values cyclically rotated k positions to the left.
func RotateSlice[T any](values []T, k int) []T {
	n := len(values)
	out := make([]T, n)
	if n == 0 {
		return out
	}
	k = ((k % n) + n) % n
	for i := range values {
		out[i] = values[(i+k)%n]
	}
	return out
}

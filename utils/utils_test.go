package utils

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNumeric(t *testing.T) {
	require.True(t, IsInteger(3.0))
	require.True(t, IsInteger(-7.0))
	require.False(t, IsInteger(0.5))
	require.False(t, IsInteger(math.Inf(1)))
	require.False(t, IsFinite(math.NaN()))

	require.Equal(t, 4.0, MaxAbs([]float64{1, -4, 3}))
	require.Equal(t, int64(9), MaxAbs([]int64{-9, 2}))
	require.Equal(t, 0.5, MaxAbsDiff([]float64{1, 2, 3}, []float64{1, 2.5}))

	require.Equal(t, []float64{1, 2, 0, 0}, Pad([]float64{1, 2}, 4))
	require.Equal(t, []int{3, 1, 2}, RotateSlice([]int{1, 2, 3}, -1))
	require.Equal(t, []int{2, 3, 1}, RotateSlice([]int{1, 2, 3}, 4))
}

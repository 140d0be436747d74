package polynomial

import (
	"fmt"
	"math"
	"math/big"

	"github.com/montanaflynn/stats"

	"github.com/tuneinsight/heselect/core/he"
)

// ErrorStats summarizes the absolute error of an approximation against its target.
type ErrorStats struct {
	Max    float64
	Mean   float64
	StdDev float64
	// P99 is the 99th percentile of the absolute error.
	P99     float64
	Samples int
}

func (e ErrorStats) String() string {
	return fmt.Sprintf("max=%.3e (2^%.2f), mean=%.3e, stddev=%.3e, p99=%.3e over %d samples",
		e.Max, math.Log2(e.Max), e.Mean, e.StdDev, e.P99, e.Samples)
}

// ErrorStats returns the statistics of |p(x) - f(x)| over samples evenly spaced
// points of the domain, excluding the points x with |x| < gap.
func (s *ApproximationSpec) ErrorStats(gap float64, samples int) (es ErrorStats, err error) {

	if samples < 2 {
		return es, fmt.Errorf("cannot ErrorStats: %w: %d samples", he.ErrInvalidParameters, samples)
	}

	poly := Polynomial{Coeffs: memo.get(s)}

	errs := make([]float64, 0, samples)
	step := (s.b - s.a) / float64(samples-1)

	for i := 0; i < samples; i++ {

		x := s.a + float64(i)*step
		if math.Abs(x) < gap {
			continue
		}

		want, _ := s.target.F(newFloat(x)).Float64()
		errs = append(errs, math.Abs(poly.Evaluate(s.Normalize(x))-want))
	}

	return NewErrorStats(errs)
}

// NewErrorStats returns the statistics of the given absolute errors.
func NewErrorStats(errs []float64) (es ErrorStats, err error) {

	if len(errs) == 0 {
		return es, fmt.Errorf("cannot NewErrorStats: %w: no sample", he.ErrInvalidParameters)
	}

	es.Samples = len(errs)

	if es.Max, err = stats.Max(errs); err != nil {
		return es, fmt.Errorf("cannot NewErrorStats: %w", err)
	}

	if es.Mean, err = stats.Mean(errs); err != nil {
		return es, fmt.Errorf("cannot NewErrorStats: %w", err)
	}

	if es.StdDev, err = stats.StandardDeviation(errs); err != nil {
		return es, fmt.Errorf("cannot NewErrorStats: %w", err)
	}

	// The percentile is undefined below two samples.
	if len(errs) < 2 {
		es.P99 = es.Max
		return
	}

	if es.P99, err = stats.Percentile(errs, 99); err != nil {
		return es, fmt.Errorf("cannot NewErrorStats: %w", err)
	}

	return
}

// FloatToBig is a convenience wrapper for functions defined on float64.
func FloatToBig(f func(float64) float64) func(*big.Float) *big.Float {
	return func(x *big.Float) *big.Float {
		xf, _ := x.Float64()
		return newFloat(f(xf))
	}
}

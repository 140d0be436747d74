// Package comparison implements homomorphic comparisons by compositional
// iteration of a low-degree odd polynomial approximating the sign function.
package comparison

import (
	"fmt"
	"math"
	"math/big"

	"github.com/tuneinsight/heselect/circuits/polynomial"
	"github.com/tuneinsight/heselect/core/he"
	"github.com/tuneinsight/heselect/core/tracker"
)

// CompositeSign returns the odd polynomial of degree 2n+1
//
//	f_n(x) = sum_{i=0}^{n} (1/4^i) * binom(2i, i) * x * (1-x^2)^i,
//
// which maps [-1, 1] onto itself, is increasing on it, and whose iterates
// converge to sign(x) for x in [-1, 1].
// f_1(x) = (3x - x^3)/2.
func CompositeSign(n int) polynomial.Polynomial {

	coeffs := make([]*big.Float, 2*n+2)
	for i := range coeffs {
		coeffs[i] = new(big.Float)
	}

	quarter := big.NewFloat(0.25)
	tmp := new(big.Float)

	// w = binom(2i, i) / 4^i
	w := big.NewFloat(1)
	for i := 0; i <= n; i++ {

		if i > 0 {
			w.Mul(w, big.NewFloat(float64((2*i)*(2*i-1))))
			w.Quo(w, big.NewFloat(float64(i*i)))
			w.Mul(w, quarter)
		}

		// x * (1-x^2)^i = sum_k binom(i, k) (-1)^k x^{2k+1}
		binom := new(big.Int)
		for k := 0; k <= i; k++ {
			tmp.SetInt(binom.Binomial(int64(i), int64(k)))
			tmp.Mul(tmp, w)
			if k&1 == 1 {
				tmp.Neg(tmp)
			}
			coeffs[2*k+1].Add(coeffs[2*k+1], tmp)
		}
	}

	p := polynomial.Polynomial{Coeffs: make([]float64, len(coeffs))}
	for i, c := range coeffs {
		p.Coeffs[i], _ = c.Float64()
	}

	return p
}

// Config parametrizes the comparison Evaluator.
type Config struct {
	// Base is the odd polynomial iterated to approximate sign on [-1, 1].
	Base polynomial.Polynomial
	// Iterations is the number of compositions of Base.
	Iterations int
	// Bound is the magnitude bound B of the compared values: inputs are
	// divided by B before the iterations.
	Bound float64
}

// DefaultConfig returns the composition of 8 iterations of f_1 over [-1, 1],
// whose error is below 2^-9 for |x| >= 0.1.
//
// Its Bound of 1 only suits inputs already in [-1, 1]: callers comparing
// values of larger magnitude must set Bound to the magnitude of their data, as
// the selection.Selector does for every predicate from the bound of its column.
// The 0.1 gap is relative to Bound, and Iterations must grow with the ratio
// between Bound and the smallest difference that has to be resolved.
func DefaultConfig() Config {
	return Config{
		Base:       CompositeSign(1),
		Iterations: 8,
		Bound:      1,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.Base.Degree() < 1 || !c.Base.Odd():
		return fmt.Errorf("%w: base polynomial must be odd and of degree at least 1", he.ErrInvalidParameters)
	case c.Iterations < 1:
		return fmt.Errorf("%w: %d iterations", he.ErrInvalidParameters, c.Iterations)
	case c.Bound <= 0 || math.IsInf(c.Bound, 0) || math.IsNaN(c.Bound):
		return fmt.Errorf("%w: bound %v", he.ErrInvalidParameters, c.Bound)
	}
	return nil
}

// Evaluator is an evaluator providing an API for homomorphic comparisons.
// Backends advertising he.Capabilities.NativeSign evaluate sign exactly and
// the polynomial iterations are skipped.
type Evaluator struct {
	*polynomial.Evaluator
	Config Config
	native bool
}

// NewEvaluator instantiates a new comparison Evaluator.
func NewEvaluator(tr *tracker.Tracker, config Config) (*Evaluator, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("cannot NewEvaluator: %w", err)
	}
	return &Evaluator{
		Evaluator: polynomial.NewEvaluator(tr),
		Config:    config,
		native:    tr.Capabilities().NativeSign,
	}, nil
}

// Native reports whether sign is evaluated natively by the backend.
func (eval Evaluator) Native() bool {
	return eval.native
}

// normalizationDepth returns the levels consumed by the division by the bound.
func (eval Evaluator) normalizationDepth() int {
	if inv := 1 / eval.Config.Bound; inv != math.Trunc(inv) {
		return 1
	}
	return 0
}

// Depth returns the number of levels consumed by Sign and Step.
func (eval Evaluator) Depth() int {
	if eval.native {
		// Step rescales (sign+1)/2.
		return 1
	}
	return eval.normalizationDepth() + eval.Config.Iterations*eval.Config.Base.Depth()
}

// ErrorBound returns the worst-case distance between the approximation of
// sign and sign(x), for |x| >= gap. Since the base polynomial is increasing
// on [0, 1], it is 1 - f^k(gap/B).
func (eval Evaluator) ErrorBound(gap float64) float64 {

	if eval.native {
		return 0
	}

	v := math.Min(math.Abs(gap)/eval.Config.Bound, 1)
	for i := 0; i < eval.Config.Iterations; i++ {
		v = eval.Config.Base.Evaluate(v)
	}

	return math.Max(0, 1-v)
}

// StepErrorBound returns the worst-case distance between the approximation of
// step and step(x), for |x| >= gap.
func (eval Evaluator) StepErrorBound(gap float64) float64 {
	return eval.ErrorBound(gap) / 2
}

func (eval Evaluator) checkDepth(op0 *he.Ciphertext, depth int) error {
	if eval.Capabilities().Rescale && op0.Level < depth {
		return fmt.Errorf("%w: comparison requires %d levels but the input is at level %d", he.ErrLevelExhausted, depth, op0.Level)
	}
	return nil
}

// normalize returns op0/B.
func (eval Evaluator) normalize(op0 *he.Ciphertext) (*he.Ciphertext, error) {
	return eval.MulConst(op0, 1/eval.Config.Bound)
}

// iterate applies the base polynomial iterations-1 times, then last.
func (eval Evaluator) iterate(op0 *he.Ciphertext, last polynomial.Polynomial) (out *he.Ciphertext, err error) {

	if err = eval.checkDepth(op0, eval.Depth()); err != nil {
		return nil, err
	}

	if out, err = eval.normalize(op0); err != nil {
		return nil, err
	}

	for i := 0; i < eval.Config.Iterations-1; i++ {
		if out, err = eval.Evaluate(out, eval.Config.Base); err != nil {
			return nil, fmt.Errorf("iteration %d: %w", i, err)
		}
	}

	if out, err = eval.Evaluate(out, last); err != nil {
		return nil, fmt.Errorf("iteration %d: %w", eval.Config.Iterations-1, err)
	}

	return
}

// Sign evaluates f(x) = 1 if x > 0, -1 if x < 0, else 0.
func (eval Evaluator) Sign(op0 *he.Ciphertext) (sign *he.Ciphertext, err error) {

	if eval.native {
		if sign, err = eval.Tracker.Sign(op0); err != nil {
			return nil, fmt.Errorf("cannot Sign: %w", err)
		}
		return
	}

	if sign, err = eval.iterate(op0, eval.Config.Base); err != nil {
		return nil, fmt.Errorf("cannot Sign: %w", err)
	}

	return
}

// Step evaluates f(x) = 1 if x > 0, 0 if x < 0, else 0.5 (i.e. (sign+1)/2).
// The affine map is folded into the last iteration.
func (eval Evaluator) Step(op0 *he.Ciphertext) (step *he.Ciphertext, err error) {

	if eval.native {
		if step, err = eval.Tracker.Sign(op0); err != nil {
			return nil, fmt.Errorf("cannot Step: %w", err)
		}
		if step, err = eval.MulConst(step, 0.5); err != nil {
			return nil, fmt.Errorf("cannot Step: %w", err)
		}
		if step, err = eval.AddConst(step, 0.5); err != nil {
			return nil, fmt.Errorf("cannot Step: %w", err)
		}
		return
	}

	// (p(x)+1)/2
	last := eval.Config.Base.Clone()
	for i := range last.Coeffs {
		last.Coeffs[i] *= 0.5
	}
	last.Coeffs[0] += 0.5

	if step, err = eval.iterate(op0, last); err != nil {
		return nil, fmt.Errorf("cannot Step: %w", err)
	}

	return
}

// GreaterThan returns an encryption of ~1 if op0 > t and ~0 if op0 < t.
// |op0 - t| must not exceed the bound of the configuration.
func (eval Evaluator) GreaterThan(op0 *he.Ciphertext, t float64) (*he.Ciphertext, error) {

	diff, err := eval.AddConst(op0, -t)
	if err != nil {
		return nil, fmt.Errorf("cannot GreaterThan: %w", err)
	}

	out, err := eval.Step(diff)
	if err != nil {
		return nil, fmt.Errorf("cannot GreaterThan: %w", err)
	}

	return out, nil
}

// LessThan returns an encryption of ~1 if op0 < t and ~0 if op0 > t.
func (eval Evaluator) LessThan(op0 *he.Ciphertext, t float64) (*he.Ciphertext, error) {

	diff, err := eval.Neg(op0)
	if err != nil {
		return nil, fmt.Errorf("cannot LessThan: %w", err)
	}

	if diff, err = eval.AddConst(diff, t); err != nil {
		return nil, fmt.Errorf("cannot LessThan: %w", err)
	}

	out, err := eval.Step(diff)
	if err != nil {
		return nil, fmt.Errorf("cannot LessThan: %w", err)
	}

	return out, nil
}

// Between returns an encryption of ~1 if lo < op0 < hi and ~0 otherwise, as
// the product of GreaterThan(op0, lo) and LessThan(op0, hi).
func (eval Evaluator) Between(op0 *he.Ciphertext, lo, hi float64) (*he.Ciphertext, error) {

	if lo >= hi {
		return nil, fmt.Errorf("cannot Between: %w: empty interval (%v, %v)", he.ErrInvalidParameters, lo, hi)
	}

	gt, err := eval.GreaterThan(op0, lo)
	if err != nil {
		return nil, fmt.Errorf("cannot Between: %w", err)
	}

	lt, err := eval.LessThan(op0, hi)
	if err != nil {
		return nil, fmt.Errorf("cannot Between: %w", err)
	}

	out, err := eval.Mul(gt, lt)
	if err != nil {
		return nil, fmt.Errorf("cannot Between: %w", err)
	}

	return out, nil
}

// BetweenDepth returns the number of levels consumed by Between.
func (eval Evaluator) BetweenDepth() int {
	return eval.Depth() + 1
}

// Max returns the smooth maximum of op0 and op1, defined as
// op0 * s + op1 * (1-s) = s * (op0 - op1) + op1 where s = step(op0 - op1).
// |op0 - op1| must not exceed the bound of the configuration.
func (eval Evaluator) Max(op0, op1 *he.Ciphertext) (max *he.Ciphertext, err error) {

	var stepdiff *he.Ciphertext
	if stepdiff, err = eval.stepdiff(op0, op1); err != nil {
		return nil, fmt.Errorf("cannot Max: %w", err)
	}

	if max, err = eval.Add(stepdiff, op1); err != nil {
		return nil, fmt.Errorf("cannot Max: %w", err)
	}

	return
}

// Min returns the smooth minimum of op0 and op1, defined as
// op0 * (1-s) + op1 * s = op0 - s * (op0 - op1) where s = step(op0 - op1).
func (eval Evaluator) Min(op0, op1 *he.Ciphertext) (min *he.Ciphertext, err error) {

	var stepdiff *he.Ciphertext
	if stepdiff, err = eval.stepdiff(op0, op1); err != nil {
		return nil, fmt.Errorf("cannot Min: %w", err)
	}

	if min, err = eval.Sub(op0, stepdiff); err != nil {
		return nil, fmt.Errorf("cannot Min: %w", err)
	}

	return
}

// stepdiff returns step(op0 - op1) * (op0 - op1).
func (eval Evaluator) stepdiff(op0, op1 *he.Ciphertext) (*he.Ciphertext, error) {

	diff, err := eval.Sub(op0, op1)
	if err != nil {
		return nil, err
	}

	step, err := eval.Step(diff)
	if err != nil {
		return nil, err
	}

	return eval.Mul(diff, step)
}

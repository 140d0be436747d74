package polynomial

import (
	"fmt"
	"math/bits"
	"sort"

	"github.com/tuneinsight/heselect/core/he"
	"github.com/tuneinsight/heselect/core/tracker"
	"github.com/tuneinsight/heselect/utils"
)

// Evaluator evaluates polynomials on ciphertexts through a Tracker, which
// applies the rescale policy after every product and aligns the terms before
// they are summed.
type Evaluator struct {
	*tracker.Tracker
}

// NewEvaluator returns an Evaluator using tr.
func NewEvaluator(tr *tracker.Tracker) *Evaluator {
	return &Evaluator{Tracker: tr}
}

// checkDepth fails with he.ErrLevelExhausted if ct has less than depth levels
// left on a backend consuming levels.
func (eval Evaluator) checkDepth(ct *he.Ciphertext, depth int) error {
	if eval.Capabilities().Rescale && ct.Level < depth {
		return fmt.Errorf("%w: evaluation requires %d levels but the input is at level %d", he.ErrLevelExhausted, depth, ct.Level)
	}
	return nil
}

// EvaluateSpec evaluates the approximation described by spec on x.
func (eval Evaluator) EvaluateSpec(x *he.Ciphertext, spec *ApproximationSpec) (*he.Ciphertext, error) {

	if err := eval.checkDepth(x, spec.Depth()); err != nil {
		return nil, fmt.Errorf("cannot EvaluateSpec: %s: %w", spec, err)
	}

	scale, offset := spec.Affine()

	y, err := eval.MulConst(x, scale)
	if err != nil {
		return nil, fmt.Errorf("cannot EvaluateSpec: normalization: %w", err)
	}

	if y, err = eval.AddConst(y, offset); err != nil {
		return nil, fmt.Errorf("cannot EvaluateSpec: normalization: %w", err)
	}

	out, err := eval.Evaluate(y, spec.Polynomial())
	if err != nil {
		return nil, fmt.Errorf("cannot EvaluateSpec: %s: %w", spec, err)
	}

	return out, nil
}

// factor is a ciphertext entering the product of a term.
type factor struct {
	ct    *he.Ciphertext
	power int
}

// Evaluate evaluates sum_i poly.Coeffs[i] * x^i.
//
// The powers x^(2^j) are generated by repeated squaring. Each term c_i * x^i
// is the product of the powers x^(2^j) for the set bits j of i, the
// coefficient being multiplied into the lowest power, and the factors are
// multiplied highest level first so that the term consumes ceil(log2(i+1))
// levels. The terms are aligned to the lowest level among them and summed,
// and the constant coefficient is added last.
func (eval Evaluator) Evaluate(x *he.Ciphertext, poly Polynomial) (out *he.Ciphertext, err error) {

	degree := poly.Degree()

	if err = eval.checkDepth(x, poly.Depth()); err != nil {
		return nil, fmt.Errorf("cannot Evaluate: %w", err)
	}

	var c0 float64
	if len(poly.Coeffs) > 0 {
		c0 = poly.Coeffs[0]
	}

	if degree == 0 {
		if out, err = eval.MulConst(x, 0); err != nil {
			return nil, fmt.Errorf("cannot Evaluate: %w", err)
		}
		return eval.AddConst(out, c0)
	}

	pb := NewPowerBasis(x)
	for j := 1; j <= degree; j <<= 1 {
		if err = pb.GenPower(j, eval.Tracker); err != nil {
			return nil, fmt.Errorf("cannot Evaluate: %w", err)
		}
	}

	terms := make([]*he.Ciphertext, 0, degree)

	for i := 1; i <= degree; i++ {

		if poly.Coeffs[i] == 0 {
			continue
		}

		var term *he.Ciphertext
		if term, err = eval.term(pb, i, poly.Coeffs[i]); err != nil {
			return nil, fmt.Errorf("cannot Evaluate: term %d: %w", i, err)
		}

		terms = append(terms, term)
	}

	if out, err = eval.Sum(terms...); err != nil {
		return nil, fmt.Errorf("cannot Evaluate: %w", err)
	}

	if out, err = eval.AddConst(out, c0); err != nil {
		return nil, fmt.Errorf("cannot Evaluate: %w", err)
	}

	return
}

// term returns c * X^i.
//
// On approximate backends managing levels, the coefficient is multiplied into
// the lowest power at the scale that makes the term land on the default scale,
// so that terms rescaled by different primes can still be summed.
func (eval Evaluator) term(pb PowerBasis, i int, c float64) (*he.Ciphertext, error) {

	factors := make([]factor, 0, bits.OnesCount(uint(i)))
	for j := 0; i>>j != 0; j++ {
		if (i>>j)&1 == 1 {
			factors = append(factors, factor{ct: pb.Value[1<<j], power: 1 << j})
		}
	}

	var lowest *he.Ciphertext
	var err error

	if scale, ok := eval.coefficientScale(factors, c); ok {
		lowest, err = eval.MulConstTo(factors[0].ct, c, scale)
	} else {
		lowest, err = eval.MulConst(factors[0].ct, c)
	}

	if err != nil {
		return nil, err
	}
	factors[0].ct = lowest

	return multiply(factors, eval.Mul)
}

// coefficientScale returns the scale at which factors[0] * c must be rescaled
// for the product of the factors to be within tolerance of the default scale.
// It returns false if MulConst already achieves it.
func (eval Evaluator) coefficientScale(factors []factor, c float64) (he.Scale, bool) {

	caps := eval.Capabilities()
	if !caps.Approximate || !caps.Rescale {
		return 0, false
	}

	target := eval.Parameters().DefaultScale()
	tolerance := eval.Policy().Tolerance

	settled := eval.Settled(factors[0].ct.MetaData)
	if settled.Level == 0 {
		return 0, false
	}

	// Non-integer constants are encoded at the scale of the dropped prime.
	lowest := settled
	if !utils.IsInteger(c) {
		lowest = eval.MulMetaData(lowest, he.MetaData{Scale: he.Scale(eval.Parameters().QiFloat64(lowest.Level)), Level: lowest.Level})
	}

	if eval.predict(factors, lowest).Scale.RelativeDistance(target) < tolerance {
		return 0, false
	}

	lowest = settled
	lowest.Level--

	// The product scale is proportional to the scale of the lowest factor
	// unless an intermediate rescale normalizes it.
	for k := 0; k < 3; k++ {
		got := eval.predict(factors, lowest).Scale
		if got.RelativeDistance(target) < tolerance {
			break
		}
		lowest.Scale *= target / got
	}

	return lowest.Scale, true
}

// predict returns the metadata of the product of the factors once settled,
// factors[0] being replaced by lowest.
func (eval Evaluator) predict(factors []factor, lowest he.MetaData) he.MetaData {

	shadow := make([]factor, len(factors))
	for i := range factors {
		shadow[i] = factor{ct: &he.Ciphertext{MetaData: factors[i].ct.MetaData}, power: factors[i].power}
	}
	shadow[0].ct.MetaData = lowest

	out, _ := multiply(shadow, func(op0, op1 *he.Ciphertext) (*he.Ciphertext, error) {
		return &he.Ciphertext{MetaData: eval.MulMetaData(op0.MetaData, op1.MetaData)}, nil
	})

	return eval.Settled(out.MetaData)
}

// multiply returns the product of the factors, the two factors with the
// highest levels being multiplied first.
func multiply(factors []factor, mul func(op0, op1 *he.Ciphertext) (*he.Ciphertext, error)) (*he.Ciphertext, error) {

	for len(factors) > 1 {

		sort.SliceStable(factors, func(a, b int) bool {
			return factors[a].ct.Level > factors[b].ct.Level
		})

		prod, err := mul(factors[0].ct, factors[1].ct)
		if err != nil {
			return nil, err
		}

		factors = append([]factor{{ct: prod, power: factors[0].power + factors[1].power}}, factors[2:]...)
	}

	return factors[0].ct, nil
}

package polynomial

import (
	"fmt"
	"math"
	"math/big"
	"sync"

	"github.com/ALTree/bigfloat"
	"github.com/tuneinsight/lattigo/v6/utils/bignum"

	"github.com/tuneinsight/heselect/core/he"
)

// Precision is the number of bits of precision of the coefficient derivation.
const Precision = 256

// MaxDegree is the largest degree accepted by NewApproximationSpec.
const MaxDegree = 127

// Target is a real function to approximate.
type Target struct {
	// Name identifies the function in the coefficient cache.
	Name string
	// F evaluates the function in arbitrary precision.
	F func(x *big.Float) (y *big.Float)
	// Odd is true if F(-x) = -F(x). The even coefficients of the approximation
	// over a symmetric domain are then exactly zero.
	Odd bool
	// Positive is true if F is only defined for x > 0.
	Positive bool
}

func newFloat(x float64) *big.Float {
	return bignum.NewFloat(x, Precision)
}

var (
	// Identity is f(x) = x.
	Identity = Target{
		Name: "identity",
		F:    func(x *big.Float) *big.Float { return new(big.Float).Set(x) },
		Odd:  true,
	}

	// Sign is f(x) = 1 if x > 0, -1 if x < 0, else 0.
	Sign = Target{
		Name: "sign",
		F:    func(x *big.Float) *big.Float { return newFloat(float64(x.Sign())) },
		Odd:  true,
	}

	// Step is f(x) = 1 if x > 0, 0 if x < 0, else 0.5.
	Step = Target{
		Name: "step",
		F:    func(x *big.Float) *big.Float { return newFloat((float64(x.Sign()) + 1) / 2) },
	}

	// Sigmoid is f(x) = 1/(1+exp(-x)).
	Sigmoid = Target{
		Name: "sigmoid",
		F: func(x *big.Float) *big.Float {
			y := bigfloat.Exp(new(big.Float).SetPrec(Precision).Neg(x))
			y.Add(y, newFloat(1))
			return y.Quo(newFloat(1), y)
		},
	}

	// Exp is f(x) = exp(x).
	Exp = Target{
		Name: "exp",
		F:    func(x *big.Float) *big.Float { return bigfloat.Exp(x) },
	}

	// Log is f(x) = ln(x).
	Log = Target{
		Name:     "log",
		F:        func(x *big.Float) *big.Float { return bigfloat.Log(x) },
		Positive: true,
	}
)

// Targets indexes the builtin targets by name.
var Targets = map[string]Target{
	Identity.Name: Identity,
	Sign.Name:     Sign,
	Step.Name:     Step,
	Sigmoid.Name:  Sigmoid,
	Exp.Name:      Exp,
	Log.Name:      Log,
}

// ApproximationSpec is an immutable description of a polynomial approximation
// of a Target over the domain [A, B].
//
// The coefficients are those of the polynomial in the normalized variable
// y = (2x - A - B)/(B - A), which maps the domain onto [-1, 1]. They are
// derived on first use and memoized by (target name, domain, degree, basis).
type ApproximationSpec struct {
	target Target
	a, b   float64
	degree int
	basis  Basis
}

// NewApproximationSpec returns a new ApproximationSpec of the given degree.
func NewApproximationSpec(target Target, a, b float64, degree int, basis Basis) (*ApproximationSpec, error) {

	switch {
	case target.Name == "" || target.F == nil:
		return nil, fmt.Errorf("cannot NewApproximationSpec: %w: target must have a name and a function", he.ErrInvalidParameters)
	case math.IsNaN(a) || math.IsNaN(b) || math.IsInf(a, 0) || math.IsInf(b, 0) || a >= b:
		return nil, fmt.Errorf("cannot NewApproximationSpec: %w: invalid domain [%v, %v]", he.ErrInvalidParameters, a, b)
	case target.Positive && a <= 0:
		return nil, fmt.Errorf("cannot NewApproximationSpec: %w: %s is not defined on [%v, %v]", he.ErrInvalidParameters, target.Name, a, b)
	case degree < 1 || degree > MaxDegree:
		return nil, fmt.Errorf("cannot NewApproximationSpec: %w: degree %d not in [1, %d]", he.ErrInvalidParameters, degree, MaxDegree)
	case basis != Chebyshev && basis != Lagrange:
		return nil, fmt.Errorf("cannot NewApproximationSpec: %w: %v", he.ErrInvalidParameters, basis)
	}

	return &ApproximationSpec{target: target, a: a, b: b, degree: degree, basis: basis}, nil
}

// Target returns the approximated function.
func (s *ApproximationSpec) Target() Target {
	return s.target
}

// Interval returns the domain of the approximation.
func (s *ApproximationSpec) Interval() (a, b float64) {
	return s.a, s.b
}

// Degree returns the degree of the approximation.
func (s *ApproximationSpec) Degree() int {
	return s.degree
}

// Basis returns the interpolation basis.
func (s *ApproximationSpec) Basis() Basis {
	return s.basis
}

func (s *ApproximationSpec) String() string {
	return fmt.Sprintf("%s[%v, %v]/deg=%d/%s", s.target.Name, s.a, s.b, s.degree, s.basis)
}

// Affine returns the scale and offset of the map x -> y = x*scale + offset
// from the domain to [-1, 1].
func (s *ApproximationSpec) Affine() (scale, offset float64) {
	scale = 2 / (s.b - s.a)
	offset = -(s.a + s.b) / (s.b - s.a)
	return
}

// Normalize maps x from the domain to [-1, 1].
func (s *ApproximationSpec) Normalize(x float64) float64 {
	scale, offset := s.Affine()
	return x*scale + offset
}

// Coefficients returns a copy of the degree+1 coefficients of the
// approximation in the normalized variable.
func (s *ApproximationSpec) Coefficients() []float64 {
	return append([]float64{}, memo.get(s)...)
}

// Polynomial returns the approximation as a Polynomial in the normalized variable.
func (s *ApproximationSpec) Polynomial() Polynomial {
	return Polynomial{Coeffs: s.Coefficients()}
}

// Depth returns the number of levels consumed by the homomorphic evaluation
// of the approximation, including the normalization of the input.
func (s *ApproximationSpec) Depth() int {
	depth := Polynomial{Coeffs: memo.get(s)}.Depth()
	if scale, _ := s.Affine(); scale != math.Trunc(scale) {
		depth++
	}
	return depth
}

// Evaluate evaluates the approximation in plaintext.
func (s *ApproximationSpec) Evaluate(x float64) float64 {
	return Polynomial{Coeffs: memo.get(s)}.Evaluate(s.Normalize(x))
}

type memoKey struct {
	name   string
	a, b   float64
	degree int
	basis  Basis
}

type coefficientCache struct {
	sync.Mutex
	m map[memoKey][]float64
}

var memo = &coefficientCache{m: map[memoKey][]float64{}}

// get returns the memoized coefficients of s, deriving them if needed.
// The returned slice must not be modified.
func (c *coefficientCache) get(s *ApproximationSpec) []float64 {

	key := memoKey{name: s.target.Name, a: s.a, b: s.b, degree: s.degree, basis: s.basis}

	c.Lock()
	coeffs, ok := c.m[key]
	c.Unlock()

	if ok {
		return coeffs
	}

	coeffs = derive(s)

	c.Lock()
	if cached, ok := c.m[key]; ok {
		coeffs = cached
	} else {
		c.m[key] = coeffs
	}
	c.Unlock()

	return coeffs
}

func (c *coefficientCache) len() int {
	c.Lock()
	defer c.Unlock()
	return len(c.m)
}

// derive computes the monomial coefficients of the interpolant of the target
// at the degree+1 Chebyshev nodes.
func derive(s *ApproximationSpec) []float64 {

	nodes := chebyshevNodes(s.degree + 1)

	half := newFloat(0.5)
	center := new(big.Float).Add(newFloat(s.a), newFloat(s.b))
	center.Mul(center, half)
	radius := new(big.Float).Sub(newFloat(s.b), newFloat(s.a))
	radius.Mul(radius, half)

	fi := make([]*big.Float, len(nodes))
	for k, y := range nodes {
		x := new(big.Float).Mul(y, radius)
		x.Add(x, center)
		fi[k] = s.target.F(x)
	}

	var coeffs []*big.Float
	switch s.basis {
	case Lagrange:
		coeffs = lagrangeToMonomial(nodes, fi)
	default:
		coeffs = chebyshevToMonomial(chebyshevCoefficients(nodes, fi))
	}

	symmetric := s.a == -s.b

	out := make([]float64, len(coeffs))
	for i, c := range coeffs {
		if s.target.Odd && symmetric && i&1 == 0 {
			continue
		}
		out[i], _ = c.Float64()
	}

	return out
}

// chebyshevNodes returns y_k = cos((2k+1)pi/(2n)) for k = 0, ..., n-1.
func chebyshevNodes(n int) (nodes []*big.Float) {

	piOver2N := bignum.Pi(Precision)
	piOver2N.Quo(piOver2N, newFloat(float64(2*n)))

	nodes = make([]*big.Float, n)
	for k := range nodes {
		angle := newFloat(float64(2*k + 1))
		angle.Mul(angle, piOver2N)
		nodes[k] = bignum.Cos(angle)
	}

	// The middle node of an odd count is exactly zero.
	if n&1 == 1 {
		nodes[n>>1] = newFloat(0)
	}

	return
}

// chebyshevCoefficients returns the coefficients of the interpolant in the
// Chebyshev basis of the first kind.
func chebyshevCoefficients(nodes, fi []*big.Float) (coeffs []*big.Float) {

	n := len(nodes)

	coeffs = make([]*big.Float, n)
	for j := range coeffs {
		coeffs[j] = newFloat(0)
	}

	two := newFloat(2)
	tmp := new(big.Float).SetPrec(Precision)

	for k := 0; k < n; k++ {

		Tprev := newFloat(1)
		T := new(big.Float).Set(nodes[k])

		for j := 0; j < n; j++ {

			coeffs[j].Add(coeffs[j], tmp.Mul(fi[k], Tprev))

			// T_{j+2} = 2*y*T_{j+1} - T_j
			Tnext := new(big.Float).Mul(two, nodes[k])
			Tnext.Mul(Tnext, T)
			Tnext.Sub(Tnext, Tprev)

			Tprev, T = T, Tnext
		}
	}

	nf := newFloat(float64(n))
	coeffs[0].Quo(coeffs[0], nf)

	nf.Quo(nf, two)
	for j := 1; j < n; j++ {
		coeffs[j].Quo(coeffs[j], nf)
	}

	return
}

// chebyshevToMonomial converts coefficients in the Chebyshev basis to the monomial basis.
func chebyshevToMonomial(cheby []*big.Float) (coeffs []*big.Float) {

	n := len(cheby)

	coeffs = make([]*big.Float, n)
	for i := range coeffs {
		coeffs[i] = newFloat(0)
	}

	two := newFloat(2)
	tmp := new(big.Float).SetPrec(Precision)

	// Monomial coefficients of T_{j-1} and T_j.
	Tprev := []*big.Float{newFloat(1)}
	T := []*big.Float{newFloat(0), newFloat(1)}

	for j := 0; j < n; j++ {

		var Tj []*big.Float
		if j == 0 {
			Tj = Tprev
		} else {
			Tj = T
		}

		for i, c := range Tj {
			coeffs[i].Add(coeffs[i], tmp.Mul(cheby[j], c))
		}

		if j == 0 {
			continue
		}

		Tnext := make([]*big.Float, len(T)+1)
		for i := range Tnext {
			Tnext[i] = newFloat(0)
		}
		for i, c := range T {
			Tnext[i+1].Add(Tnext[i+1], tmp.Mul(two, c))
		}
		for i, c := range Tprev {
			Tnext[i].Sub(Tnext[i], c)
		}

		Tprev, T = T, Tnext
	}

	return
}

// lagrangeToMonomial expands sum_k fi[k] * l_k(y) in the monomial basis,
// l_k being the Lagrange basis polynomial of the k-th node.
func lagrangeToMonomial(nodes, fi []*big.Float) (coeffs []*big.Float) {

	n := len(nodes)

	coeffs = make([]*big.Float, n)
	for i := range coeffs {
		coeffs[i] = newFloat(0)
	}

	tmp := new(big.Float).SetPrec(Precision)

	for k := 0; k < n; k++ {

		// prod_{j != k} (y - y_j)
		basis := []*big.Float{newFloat(1)}
		denom := newFloat(1)

		for j := 0; j < n; j++ {

			if j == k {
				continue
			}

			next := make([]*big.Float, len(basis)+1)
			for i := range next {
				next[i] = newFloat(0)
			}
			for i, c := range basis {
				next[i+1].Add(next[i+1], c)
				next[i].Sub(next[i], tmp.Mul(nodes[j], c))
			}
			basis = next

			denom.Mul(denom, tmp.Sub(nodes[k], nodes[j]))
		}

		scale := new(big.Float).Quo(fi[k], denom)
		for i, c := range basis {
			coeffs[i].Add(coeffs[i], tmp.Mul(scale, c))
		}
	}

	return
}

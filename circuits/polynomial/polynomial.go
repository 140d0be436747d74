// Package polynomial implements the derivation of polynomial approximations of
// real functions over a bounded domain and their homomorphic evaluation with
// a depth-minimizing evaluation order.
package polynomial

import (
	"fmt"
	"math/bits"
)

// Basis is the interpolation basis used to derive the coefficients of an
// approximation. Both bases interpolate the target at the same Chebyshev nodes.
type Basis int

const (
	// Chebyshev derives the coefficients with the discrete Chebyshev transform.
	Chebyshev = Basis(iota)
	// Lagrange expands the Lagrange basis polynomials of the nodes.
	Lagrange
)

func (b Basis) String() string {
	switch b {
	case Chebyshev:
		return "chebyshev"
	case Lagrange:
		return "lagrange"
	default:
		return fmt.Sprintf("basis(%d)", int(b))
	}
}

// Polynomial is a polynomial in the monomial basis, Coeffs[i] being the
// coefficient of x^i.
type Polynomial struct {
	Coeffs []float64
}

// NewPolynomial returns a Polynomial with a copy of the given coefficients.
func NewPolynomial(coeffs ...float64) Polynomial {
	return Polynomial{Coeffs: append([]float64{}, coeffs...)}
}

// Degree returns the index of the highest non-zero coefficient, 0 for constants.
func (p Polynomial) Degree() int {
	for i := len(p.Coeffs) - 1; i > 0; i-- {
		if p.Coeffs[i] != 0 {
			return i
		}
	}
	return 0
}

// Depth returns the number of levels consumed by the homomorphic evaluation
// of p, that is ceil(log2(degree+1)).
func (p Polynomial) Depth() int {
	return bits.Len(uint(p.Degree()))
}

// Odd returns true if all the even coefficients of p are zero.
func (p Polynomial) Odd() bool {
	for i := 0; i < len(p.Coeffs); i += 2 {
		if p.Coeffs[i] != 0 {
			return false
		}
	}
	return true
}

// Evaluate evaluates p on x with the Horner scheme.
func (p Polynomial) Evaluate(x float64) (y float64) {
	for i := p.Degree(); i >= 0 && i < len(p.Coeffs); i-- {
		y = y*x + p.Coeffs[i]
	}
	return
}

// Clone returns a deep copy of p.
func (p Polynomial) Clone() Polynomial {
	return NewPolynomial(p.Coeffs...)
}

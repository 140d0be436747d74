package polynomial

import (
	"fmt"
	"math/bits"

	"github.com/tuneinsight/heselect/core/he"
	"github.com/tuneinsight/heselect/core/tracker"
)

// PowerBasis stores the powers of a ciphertext generated so far.
type PowerBasis struct {
	Value map[int]*he.Ciphertext
}

// NewPowerBasis creates a new PowerBasis treating ct as the monomial X.
func NewPowerBasis(ct *he.Ciphertext) PowerBasis {
	return PowerBasis{Value: map[int]*he.Ciphertext{1: ct}}
}

// SplitDegree returns a + b = n such that X^n = X^a * X^b is computed at
// minimal depth: powers of two are split in halves, other degrees into the
// largest power of two below n and the remainder.
func SplitDegree(n int) (a, b int) {
	if n&(n-1) == 0 {
		return n / 2, n / 2
	}
	a = 1 << (bits.Len64(uint64(n)) - 1)
	return a, n - a
}

// PowerDepth returns the depth of X^n, ceil(log2(n)).
func PowerDepth(n int) int {
	return bits.Len64(uint64(n - 1))
}

// GenPower recursively computes X^n.
func (p *PowerBasis) GenPower(n int, tr *tracker.Tracker) (err error) {

	if n < 1 {
		return fmt.Errorf("cannot GenPower: invalid power %d", n)
	}

	if p.Value[n] != nil {
		return nil
	}

	a, b := SplitDegree(n)

	if err = p.GenPower(a, tr); err != nil {
		return fmt.Errorf("genpower: p.Value[%d]: %w", a, err)
	}

	if err = p.GenPower(b, tr); err != nil {
		return fmt.Errorf("genpower: p.Value[%d]: %w", b, err)
	}

	if p.Value[n], err = tr.Mul(p.Value[a], p.Value[b]); err != nil {
		return fmt.Errorf("genpower: Mul(p.Value[%d], p.Value[%d]): %w", a, b, err)
	}

	return nil
}

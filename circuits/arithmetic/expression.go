// Package arithmetic implements arithmetic expressions over the columns of a
// record: constants, column references, sums, differences, products, and
// polynomial approximations of real functions, together with their static
// multiplicative depth and their homomorphic evaluation.
package arithmetic

import (
	"fmt"
	"math"
	"sort"

	"github.com/tuneinsight/lattigo/v6/utils/bignum"

	"github.com/tuneinsight/heselect/circuits/polynomial"
	"github.com/tuneinsight/heselect/utils"
)

// Node is a node of an expression tree.
type Node interface {
	fmt.Stringer

	// Depth returns the number of levels consumed by the evaluation of the node.
	Depth() int

	// constant reports whether the node does not depend on any column.
	constant() bool

	// value evaluates the node in plaintext. If approximate is true, functions
	// are replaced by their polynomial approximation.
	value(env map[string]float64, approximate bool) (float64, error)
}

// Column is a reference to a column of the record.
type Column struct {
	Name string
}

// Const is a real constant.
type Const struct {
	Value float64
}

// Neg is the negation of X.
type Neg struct {
	X Node
}

// Op is a binary arithmetic operator.
type Op byte

const (
	Add = Op('+')
	Sub = Op('-')
	Mul = Op('*')
)

// Binary is X Op Y.
type Binary struct {
	Op   Op
	X, Y Node
}

// Call is the application of a polynomial approximation to X.
type Call struct {
	Name string
	Spec *polynomial.ApproximationSpec
	X    Node
}

func (n Column) Depth() int { return 0 }
func (n Const) Depth() int  { return 0 }
func (n Neg) Depth() int    { return n.X.Depth() }

func (n Binary) Depth() int {

	dx, dy := n.X.Depth(), n.Y.Depth()

	if n.Op != Mul {
		return max(dx, dy)
	}

	// Products by constants are MulConst: free for integers, one rescale otherwise.
	if c, ok := n.X.(Const); ok {
		return dy + constDepth(c.Value)
	}

	if c, ok := n.Y.(Const); ok {
		return dx + constDepth(c.Value)
	}

	return max(dx, dy) + 1
}

func (n Call) Depth() int {
	return n.X.Depth() + n.Spec.Depth()
}

func constDepth(c float64) int {
	if utils.IsInteger(c) {
		return 0
	}
	return 1
}

func (n Column) constant() bool { return false }
func (n Const) constant() bool  { return true }
func (n Neg) constant() bool    { return n.X.constant() }
func (n Binary) constant() bool { return n.X.constant() && n.Y.constant() }
func (n Call) constant() bool   { return n.X.constant() }

func (n Column) value(env map[string]float64, _ bool) (float64, error) {
	v, ok := env[n.Name]
	if !ok {
		return 0, fmt.Errorf("unbound column %q", n.Name)
	}
	return v, nil
}

func (n Const) value(map[string]float64, bool) (float64, error) {
	return n.Value, nil
}

func (n Neg) value(env map[string]float64, approximate bool) (float64, error) {
	v, err := n.X.value(env, approximate)
	return -v, err
}

func (n Binary) value(env map[string]float64, approximate bool) (float64, error) {

	x, err := n.X.value(env, approximate)
	if err != nil {
		return 0, err
	}

	y, err := n.Y.value(env, approximate)
	if err != nil {
		return 0, err
	}

	switch n.Op {
	case Add:
		return x + y, nil
	case Sub:
		return x - y, nil
	default:
		return x * y, nil
	}
}

func (n Call) value(env map[string]float64, approximate bool) (float64, error) {

	x, err := n.X.value(env, approximate)
	if err != nil {
		return 0, err
	}

	if approximate {
		return n.Spec.Evaluate(x), nil
	}

	y, _ := n.Spec.Target().F(bignum.NewFloat(x, polynomial.Precision)).Float64()
	return y, nil
}

func (n Column) String() string { return n.Name }
func (n Const) String() string  { return fmt.Sprintf("%v", n.Value) }
func (n Neg) String() string    { return fmt.Sprintf("-(%s)", n.X) }

func (n Binary) String() string {
	return fmt.Sprintf("(%s %c %s)", n.X, n.Op, n.Y)
}

func (n Call) String() string {
	return fmt.Sprintf("%s(%s)", n.Name, n.X)
}

// Expression is a parsed arithmetic expression.
type Expression struct {
	Root   Node
	source string
}

// Source returns the text the expression was parsed from.
func (e *Expression) Source() string {
	return e.source
}

func (e *Expression) String() string {
	return e.Root.String()
}

// Depth returns the number of levels consumed by the homomorphic evaluation of the expression.
func (e *Expression) Depth() int {
	return e.Root.Depth()
}

// Columns returns the sorted names of the columns referenced by the expression.
func (e *Expression) Columns() []string {
	seen := map[string]bool{}
	walk(e.Root, func(n Node) {
		if c, ok := n.(Column); ok {
			seen[c.Name] = true
		}
	})
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Value evaluates the expression in plaintext with the exact functions.
func (e *Expression) Value(env map[string]float64) (float64, error) {
	v, err := e.Root.value(env, false)
	if err != nil {
		return 0, fmt.Errorf("cannot Value: %w", err)
	}
	return v, nil
}

// Approximate evaluates the expression in plaintext with the polynomial
// approximations in place of the functions, which is what the homomorphic
// evaluation computes up to the scheme error.
func (e *Expression) Approximate(env map[string]float64) (float64, error) {
	v, err := e.Root.value(env, true)
	if err != nil {
		return 0, fmt.Errorf("cannot Approximate: %w", err)
	}
	return v, nil
}

func walk(n Node, f func(Node)) {
	f(n)
	switch n := n.(type) {
	case Neg:
		walk(n.X, f)
	case Binary:
		walk(n.X, f)
		walk(n.Y, f)
	case Call:
		walk(n.X, f)
	}
}

// Analysis is a static bound on the magnitude of an expression and on the
// error of its approximate evaluation.
type Analysis struct {
	Depth     int
	Magnitude float64
	// Error bounds |Approximate - Value| for inputs within the column bounds.
	Error float64
}

// analysisSamples is the number of points on which the error and the Lipschitz
// constant of an approximation are sampled.
const analysisSamples = 1024

// Analyze propagates the magnitude bounds of the columns through the expression.
func (e *Expression) Analyze(bounds map[string]float64) (a Analysis, err error) {
	if a, err = analyze(e.Root, bounds); err != nil {
		return a, fmt.Errorf("cannot Analyze: %w", err)
	}
	a.Depth = e.Depth()
	return
}

func analyze(n Node, bounds map[string]float64) (a Analysis, err error) {

	switch n := n.(type) {
	case Column:
		b, ok := bounds[n.Name]
		if !ok {
			return a, fmt.Errorf("no bound for column %q", n.Name)
		}
		return Analysis{Magnitude: b}, nil

	case Const:
		return Analysis{Magnitude: math.Abs(n.Value)}, nil

	case Neg:
		return analyze(n.X, bounds)

	case Binary:
		var x, y Analysis
		if x, err = analyze(n.X, bounds); err != nil {
			return
		}
		if y, err = analyze(n.Y, bounds); err != nil {
			return
		}
		if n.Op != Mul {
			return Analysis{Magnitude: x.Magnitude + y.Magnitude, Error: x.Error + y.Error}, nil
		}
		return Analysis{
			Magnitude: x.Magnitude * y.Magnitude,
			Error:     x.Magnitude*y.Error + y.Magnitude*x.Error + x.Error*y.Error,
		}, nil

	case Call:
		var x Analysis
		if x, err = analyze(n.X, bounds); err != nil {
			return
		}

		stats, err := n.Spec.ErrorStats(0, analysisSamples)
		if err != nil {
			return a, err
		}

		magnitude, lipschitz := sample(n.Spec)

		return Analysis{Magnitude: magnitude + stats.Max, Error: stats.Max + lipschitz*x.Error}, nil
	}

	return a, fmt.Errorf("unknown node %T", n)
}

// sample returns the largest magnitude and the largest slope of the
// approximation over its domain.
func sample(spec *polynomial.ApproximationSpec) (magnitude, lipschitz float64) {

	a, b := spec.Interval()
	step := (b - a) / analysisSamples

	prev := spec.Evaluate(a)
	magnitude = math.Abs(prev)

	for i := 1; i <= analysisSamples; i++ {
		y := spec.Evaluate(a + float64(i)*step)
		magnitude = max(magnitude, math.Abs(y))
		lipschitz = max(lipschitz, math.Abs(y-prev)/step)
		prev = y
	}

	return
}

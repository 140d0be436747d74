package arithmetic

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"strconv"

	"github.com/tuneinsight/heselect/circuits/polynomial"
	"github.com/tuneinsight/heselect/circuits/selection"
	"github.com/tuneinsight/heselect/core/he"
)

// Functions binds function names to the approximations evaluated in their place.
type Functions map[string]*polynomial.ApproximationSpec

// DefaultFunctions returns the builtin targets other than the identity,
// approximated over [a, b] with the given degree in the Chebyshev basis.
// Functions whose target is not defined on [a, b] are left out.
func DefaultFunctions(a, b float64, degree int) (Functions, error) {
	funcs := Functions{}
	for name, target := range polynomial.Targets {
		if target.Name == polynomial.Identity.Name || (target.Positive && a <= 0) {
			continue
		}
		spec, err := polynomial.NewApproximationSpec(target, a, b, degree, polynomial.Chebyshev)
		if err != nil {
			return nil, fmt.Errorf("cannot DefaultFunctions: %w", err)
		}
		funcs[name] = spec
	}
	return funcs, nil
}

// Parse parses an expression written in the Go expression syntax, such as
// "a*b + 3*c - 1" or "sigmoid(x/4)". Identifiers are columns, calls are looked
// up in funcs, and division is only allowed by a constant. Constant
// subexpressions are folded.
func Parse(src string, funcs Functions) (*Expression, error) {

	x, err := parser.ParseExpr(src)
	if err != nil {
		return nil, fmt.Errorf("cannot Parse: %w: %w", he.ErrInvalidParameters, err)
	}

	root, err := convert(x, funcs)
	if err != nil {
		return nil, fmt.Errorf("cannot Parse %q: %w: %w", src, he.ErrInvalidParameters, err)
	}

	return &Expression{Root: root, source: src}, nil
}

func convert(x ast.Expr, funcs Functions) (n Node, err error) {

	switch x := x.(type) {
	case *ast.ParenExpr:
		return convert(x.X, funcs)

	case *ast.BasicLit:
		if x.Kind != token.INT && x.Kind != token.FLOAT {
			return nil, fmt.Errorf("invalid literal %s", x.Value)
		}
		v, err := strconv.ParseFloat(x.Value, 64)
		if err != nil {
			return nil, err
		}
		return Const{Value: v}, nil

	case *ast.Ident:
		return Column{Name: x.Name}, nil

	case *ast.UnaryExpr:
		if n, err = convert(x.X, funcs); err != nil {
			return
		}
		switch x.Op {
		case token.ADD:
			return n, nil
		case token.SUB:
			return fold(Neg{X: n})
		}
		return nil, fmt.Errorf("unsupported operator %s", x.Op)

	case *ast.BinaryExpr:
		var lhs, rhs Node
		if lhs, err = convert(x.X, funcs); err != nil {
			return
		}
		if rhs, err = convert(x.Y, funcs); err != nil {
			return
		}
		switch x.Op {
		case token.ADD:
			return fold(Binary{Op: Add, X: lhs, Y: rhs})
		case token.SUB:
			return fold(Binary{Op: Sub, X: lhs, Y: rhs})
		case token.MUL:
			return fold(Binary{Op: Mul, X: lhs, Y: rhs})
		case token.QUO:
			c, ok := rhs.(Const)
			if !ok || c.Value == 0 {
				return nil, fmt.Errorf("division by non-constant or zero %s", rhs)
			}
			return fold(Binary{Op: Mul, X: lhs, Y: Const{Value: 1 / c.Value}})
		}
		return nil, fmt.Errorf("unsupported operator %s", x.Op)

	case *ast.CallExpr:
		fun, ok := x.Fun.(*ast.Ident)
		if !ok {
			return nil, fmt.Errorf("unsupported call")
		}
		spec, ok := funcs[fun.Name]
		if !ok {
			return nil, fmt.Errorf("unknown function %q", fun.Name)
		}
		if len(x.Args) != 1 {
			return nil, fmt.Errorf("%s takes one argument, got %d", fun.Name, len(x.Args))
		}
		if n, err = convert(x.Args[0], funcs); err != nil {
			return
		}
		return fold(Call{Name: fun.Name, Spec: spec, X: n})
	}

	return nil, fmt.Errorf("unsupported expression %T", x)
}

// fold replaces a constant node by its value.
func fold(n Node) (Node, error) {
	if !n.constant() {
		return n, nil
	}
	v, err := n.value(nil, false)
	if err != nil {
		return nil, err
	}
	return Const{Value: v}, nil
}

// ParsePredicate parses a predicate on one column:
//
//	age > 40
//	3 < x
//	lo < x && x < hi
//	active
//	true
//
// Non-strict comparisons are accepted and treated as strict ones, the
// approximated indicators not distinguishing them.
func ParsePredicate(src string) (p selection.Predicate, err error) {

	x, err := parser.ParseExpr(src)
	if err != nil {
		return p, fmt.Errorf("cannot ParsePredicate: %w: %w", he.ErrInvalidParameters, err)
	}

	if p, err = predicate(x); err != nil {
		return p, fmt.Errorf("cannot ParsePredicate %q: %w: %w", src, he.ErrInvalidParameters, err)
	}

	return
}

func predicate(x ast.Expr) (p selection.Predicate, err error) {

	switch x := x.(type) {
	case *ast.ParenExpr:
		return predicate(x.X)

	case *ast.Ident:
		if x.Name == "true" {
			return selection.All(), nil
		}
		return selection.Flag(x.Name), nil

	case *ast.BinaryExpr:

		if x.Op == token.LAND {
			var lhs, rhs selection.Predicate
			if lhs, err = predicate(x.X); err != nil {
				return
			}
			if rhs, err = predicate(x.Y); err != nil {
				return
			}
			if lhs.Kind == selection.KindLess && rhs.Kind == selection.KindGreater {
				lhs, rhs = rhs, lhs
			}
			if lhs.Kind != selection.KindGreater || rhs.Kind != selection.KindLess || lhs.Column != rhs.Column {
				return p, fmt.Errorf("only interval conjunctions on one column are supported")
			}
			if lhs.Lo >= rhs.Hi {
				return p, fmt.Errorf("empty interval (%v, %v)", lhs.Lo, rhs.Hi)
			}
			return selection.Between(lhs.Column, lhs.Lo, rhs.Hi), nil
		}

		var greater bool
		switch x.Op {
		case token.GTR, token.GEQ:
			greater = true
		case token.LSS, token.LEQ:
		default:
			return p, fmt.Errorf("unsupported operator %s", x.Op)
		}

		column, t, flipped, err := comparison(x.X, x.Y)
		if err != nil {
			return p, err
		}

		// t < x is x > t.
		if greater != flipped {
			return selection.Greater(column, t), nil
		}
		return selection.Less(column, t), nil
	}

	return p, fmt.Errorf("unsupported predicate %T", x)
}

// comparison returns the column and the threshold of a comparison, and whether
// the threshold is on the left-hand side.
func comparison(lhs, rhs ast.Expr) (column string, t float64, flipped bool, err error) {

	if id, ok := unparen(rhs).(*ast.Ident); ok {
		column, rhs, flipped = id.Name, lhs, true
	} else if id, ok := unparen(lhs).(*ast.Ident); ok {
		column = id.Name
	} else {
		return "", 0, false, fmt.Errorf("comparison must involve a column")
	}

	n, err := convert(rhs, nil)
	if err != nil {
		return "", 0, false, err
	}

	c, ok := n.(Const)
	if !ok {
		return "", 0, false, fmt.Errorf("threshold %s is not a constant", n)
	}

	return column, c.Value, flipped, nil
}

func unparen(x ast.Expr) ast.Expr {
	for {
		p, ok := x.(*ast.ParenExpr)
		if !ok {
			return x
		}
		x = p.X
	}
}

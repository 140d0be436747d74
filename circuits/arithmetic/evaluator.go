package arithmetic

import (
	"fmt"

	"github.com/tuneinsight/heselect/circuits/polynomial"
	"github.com/tuneinsight/heselect/core/he"
	"github.com/tuneinsight/heselect/core/tracker"
)

// Evaluator evaluates expressions on ciphertexts.
type Evaluator struct {
	*polynomial.Evaluator
}

// NewEvaluator returns an Evaluator using tr.
func NewEvaluator(tr *tracker.Tracker) *Evaluator {
	return &Evaluator{Evaluator: polynomial.NewEvaluator(tr)}
}

// Evaluate evaluates the expression with the columns bound to the given ciphertexts.
// It fails with he.ErrLevelExhausted before any operation if the bound
// ciphertexts do not have enough levels for the depth of the expression.
func (eval Evaluator) Evaluate(expr *Expression, bindings map[string]*he.Ciphertext) (*he.Ciphertext, error) {

	if _, ok := expr.Root.(Const); ok {
		return nil, fmt.Errorf("cannot Evaluate: %w: constant expression %s", he.ErrInvalidParameters, expr)
	}

	level := -1
	for _, name := range expr.Columns() {
		ct, ok := bindings[name]
		if !ok {
			return nil, fmt.Errorf("cannot Evaluate: %w: unbound column %q", he.ErrInvalidParameters, name)
		}
		if level < 0 || ct.Level < level {
			level = ct.Level
		}
	}

	if depth := expr.Depth(); eval.Capabilities().Rescale && level < depth {
		return nil, fmt.Errorf("cannot Evaluate: %w: %s requires %d levels but the inputs are at level %d", he.ErrLevelExhausted, expr, depth, level)
	}

	out, err := eval.evaluate(expr.Root, bindings)
	if err != nil {
		return nil, fmt.Errorf("cannot Evaluate: %s: %w", expr, err)
	}

	return out, nil
}

func (eval Evaluator) evaluate(n Node, bindings map[string]*he.Ciphertext) (*he.Ciphertext, error) {

	switch n := n.(type) {
	case Column:
		return bindings[n.Name], nil

	case Neg:
		x, err := eval.evaluate(n.X, bindings)
		if err != nil {
			return nil, err
		}
		return eval.Neg(x)

	case Binary:
		return eval.binary(n, bindings)

	case Call:
		x, err := eval.evaluate(n.X, bindings)
		if err != nil {
			return nil, err
		}
		return eval.EvaluateSpec(x, n.Spec)
	}

	return nil, fmt.Errorf("%w: cannot evaluate %T", he.ErrInvalidParameters, n)
}

func (eval Evaluator) binary(n Binary, bindings map[string]*he.Ciphertext) (*he.Ciphertext, error) {

	// Constants were folded by the parser, so at most one side is constant.
	if c, ok := n.Y.(Const); ok {
		x, err := eval.evaluate(n.X, bindings)
		if err != nil {
			return nil, err
		}
		switch n.Op {
		case Add:
			return eval.AddConst(x, c.Value)
		case Sub:
			return eval.AddConst(x, -c.Value)
		default:
			return eval.MulConst(x, c.Value)
		}
	}

	if c, ok := n.X.(Const); ok {
		y, err := eval.evaluate(n.Y, bindings)
		if err != nil {
			return nil, err
		}
		switch n.Op {
		case Add:
			return eval.AddConst(y, c.Value)
		case Sub:
			if y, err = eval.Neg(y); err != nil {
				return nil, err
			}
			return eval.AddConst(y, c.Value)
		default:
			return eval.MulConst(y, c.Value)
		}
	}

	x, err := eval.evaluate(n.X, bindings)
	if err != nil {
		return nil, err
	}

	y, err := eval.evaluate(n.Y, bindings)
	if err != nil {
		return nil, err
	}

	switch n.Op {
	case Add:
		return eval.Add(x, y)
	case Sub:
		return eval.Sub(x, y)
	default:
		return eval.Mul(x, y)
	}
}

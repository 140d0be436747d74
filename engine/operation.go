package engine

import (
	"context"
	"fmt"

	"github.com/tuneinsight/heselect/core/he"
	"github.com/tuneinsight/heselect/core/tracker"
	"github.com/tuneinsight/heselect/utils"
)

// Operation is an elementary homomorphic operation of a Request.
type Operation int

const (
	// Addition computes LHS + RHS.
	Addition Operation = iota
	// Multiplication computes LHS * RHS.
	Multiplication
	// AdditionPlain computes LHS + Constant.
	AdditionPlain
	// MultiplicationPlain computes LHS * Constant.
	MultiplicationPlain
)

var operationNames = [...]string{"Addition", "Multiplication", "AdditionPlain", "MultiplicationPlain"}

func (op Operation) String() string {
	if op < 0 || int(op) >= len(operationNames) {
		return fmt.Sprintf("Operation(%d)", int(op))
	}
	return operationNames[op]
}

// Request is an operation on one or two ciphertexts. RHS is only read by
// Addition and Multiplication, Constant only by the plain variants.
type Request struct {
	LHS      *he.Ciphertext
	RHS      *he.Ciphertext
	Op       Operation
	Constant float64
}

// Validate checks that the request carries the operands of its operation.
func (r Request) Validate() error {
	switch r.Op {
	case Addition, Multiplication:
		if r.LHS == nil || r.RHS == nil {
			return fmt.Errorf("%w: %s requires two ciphertexts", he.ErrInvalidParameters, r.Op)
		}
	case AdditionPlain, MultiplicationPlain:
		if r.LHS == nil {
			return fmt.Errorf("%w: %s requires a ciphertext", he.ErrInvalidParameters, r.Op)
		}
	default:
		return fmt.Errorf("%w: %s", he.ErrInvalidParameters, r.Op)
	}
	return nil
}

func (r Request) evaluate(tr *tracker.Tracker) (*he.Ciphertext, error) {
	switch r.Op {
	case Addition:
		return tr.Add(r.LHS, r.RHS)
	case Multiplication:
		return tr.Mul(r.LHS, r.RHS)
	case AdditionPlain:
		return tr.AddConst(r.LHS, r.Constant)
	default:
		return tr.MulConst(r.LHS, r.Constant)
	}
}

// Operate evaluates the requests in parallel and returns the decrypted result
// of each, in order. Bound is the scheme error of a single operation relative
// to the largest result.
func (e *Engine) Operate(ctx context.Context, requests []Request, workers int) (res Result, err error) {

	for i, r := range requests {
		if err = r.Validate(); err != nil {
			return res, fmt.Errorf("cannot Operate: request %d: %w", i, err)
		}
	}

	e.logger.Info("operate", "requests", len(requests))

	cts, err := e.Executor(workers).Map(ctx, e.tracker, len(requests), func(tr *tracker.Tracker, i int) (*he.Ciphertext, error) {
		return requests[i].evaluate(tr)
	})
	if err != nil {
		return res, fmt.Errorf("cannot Operate: %w", err)
	}

	if res.Values, err = e.decrypt(cts); err != nil {
		return res, fmt.Errorf("cannot Operate: %w", err)
	}

	res.Depth = 1
	res.Bound = e.schemeError(res.Depth) * max(1, utils.MaxAbs(res.Values))

	return
}

package he

import (
	"fmt"
	"sync"
)

// Operation names a traced step.
type Operation int

const (
	OpEncrypt = Operation(iota + 1)
	OpDecrypt
	OpAdd
	OpAddConst
	OpMul
	OpMulConst
	OpRescale
	OpDropLevel
	OpSetScale
	OpRotate
	OpSign
)

var operationNames = map[Operation]string{
	OpEncrypt:   "Encrypt",
	OpDecrypt:   "Decrypt",
	OpAdd:       "Add",
	OpAddConst:  "AddConst",
	OpMul:       "Mul",
	OpMulConst:  "MulConst",
	OpRescale:   "Rescale",
	OpDropLevel: "DropLevel",
	OpSetScale:  "SetScale",
	OpRotate:    "Rotate",
	OpSign:      "Sign",
}

func (op Operation) String() string {
	if name, ok := operationNames[op]; ok {
		return name
	}
	return fmt.Sprintf("Operation(%d)", int(op))
}

// Step is the instrumentation record of one operation: the operation and the
// metadata of the ciphertext it produced.
type Step struct {
	Op    Operation
	Level int
	Scale Scale
}

func (s Step) String() string {
	return fmt.Sprintf("%s(level=%d, scale=%g)", s.Op, s.Level, float64(s.Scale))
}

// Observer receives the steps of an evaluation.
type Observer interface {
	Observe(step Step)
}

// ObserverFunc is an Observer backed by a function.
type ObserverFunc func(step Step)

// Observe calls f(step).
func (f ObserverFunc) Observe(step Step) {
	f(step)
}

type discard struct{}

func (discard) Observe(Step) {}

// Discard is an Observer dropping every step.
var Discard Observer = discard{}

// Recorder is an Observer storing the steps it receives in order.
// It is safe for concurrent use, but steps of concurrent evaluations interleave.
type Recorder struct {
	mu    sync.Mutex
	steps []Step
}

// Observe appends step to the record.
func (r *Recorder) Observe(step Step) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, step)
}

// Steps returns a copy of the recorded steps.
func (r *Recorder) Steps() []Step {
	r.mu.Lock()
	defer r.mu.Unlock()
	steps := make([]Step, len(r.steps))
	copy(steps, r.steps)
	return steps
}

// Reset clears the record.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = r.steps[:0]
}

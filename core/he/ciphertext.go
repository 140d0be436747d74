package he

import (
	"fmt"
)

// MetaData is the bookkeeping attached to every ciphertext.
type MetaData struct {
	// Scale is the fixed-point denominator of the encoded values.
	Scale Scale
	// Level is the index of the last prime of the modulus chain still in use.
	Level int
	// Context identifies the context the ciphertext was created under.
	Context ContextID
}

// Ciphertext is a backend ciphertext together with its tracked MetaData.
// Value is opaque to everything but the backend that created it and is never
// mutated once the Ciphertext has been returned by a backend.
type Ciphertext struct {
	MetaData
	Value interface{}
}

// CopyNew returns a copy of the ciphertext sharing the same backend value.
func (ct *Ciphertext) CopyNew() *Ciphertext {
	return &Ciphertext{MetaData: ct.MetaData, Value: ct.Value}
}

func (ct *Ciphertext) String() string {
	return fmt.Sprintf("Ciphertext{Level: %d, Scale: %g, Context: %s}", ct.Level, float64(ct.Scale), ct.Context)
}

// CheckAddOperands returns an error wrapping ErrKeyMismatch if the operands were
// created under different contexts, and an error wrapping ErrScaleMismatch if
// their scales are not bit-identical or their levels differ.
func CheckAddOperands(op0, op1 *Ciphertext) (err error) {

	if op0.Context != op1.Context {
		return fmt.Errorf("%w: op0 under %s, op1 under %s", ErrKeyMismatch, op0.Context, op1.Context)
	}

	if op0.Level != op1.Level {
		return fmt.Errorf("%w: op0.Level=%d != op1.Level=%d", ErrScaleMismatch, op0.Level, op1.Level)
	}

	if op0.Scale != op1.Scale {
		return fmt.Errorf("%w: op0.Scale=%v != op1.Scale=%v", ErrScaleMismatch, float64(op0.Scale), float64(op1.Scale))
	}

	return nil
}

// CheckContext returns an error wrapping ErrKeyMismatch if ct was not created under ctx.
func CheckContext(ctx *Context, ct *Ciphertext) (err error) {
	if ct.Context != ctx.ID() {
		return fmt.Errorf("%w: ciphertext under %s, key under %s", ErrKeyMismatch, ct.Context, ctx.ID())
	}
	return nil
}

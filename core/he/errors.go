package he

import (
	"errors"
)

var (
	// ErrEncoding is returned when a value cannot be represented by the scheme
	// at the requested scale, or is not a valid plaintext for the scheme.
	ErrEncoding = errors.New("value out of representable range")

	// ErrScaleMismatch is returned when two operands of an addition do not
	// share the same scale and level.
	ErrScaleMismatch = errors.New("operand scales or levels do not match")

	// ErrScaleDivergence is returned when two scales are too far apart to be
	// normalized by metadata overwrite.
	ErrScaleDivergence = errors.New("operand scales diverge beyond tolerance")

	// ErrLevelExhausted is returned when the modulus chain has no level left
	// for the requested operation.
	ErrLevelExhausted = errors.New("multiplicative depth exhausted")

	// ErrKeyMismatch is returned when a ciphertext is used with a key or
	// context it was not created under.
	ErrKeyMismatch = errors.New("ciphertext and key context disagree")

	// ErrCancelled is returned when a computation observed a cancellation.
	ErrCancelled = errors.New("computation cancelled")

	// ErrUnsupported is returned when an operation is outside of the
	// capabilities of a backend.
	ErrUnsupported = errors.New("operation not supported by backend")

	// ErrInvalidParameters is returned when parameters are not internally consistent.
	ErrInvalidParameters = errors.New("invalid parameters")
)

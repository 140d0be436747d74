package he

import (
	"fmt"
	"io"
)

// Capabilities advertises what a backend supports natively.
type Capabilities struct {
	// Approximate is true for schemes whose values carry a scale and approximation noise.
	Approximate bool
	// Multiplication is true if ciphertext-ciphertext multiplication is available.
	Multiplication bool
	// Rescale is true if the level must be managed by rescaling after multiplications.
	Rescale bool
	// Rotation is true if slots can be cyclically rotated.
	Rotation bool
	// NativeSign is true if the backend evaluates the sign function exactly,
	// in which case comparisons do not go through polynomial approximation.
	NativeSign bool
	// Slots is the number of values packed in one ciphertext.
	Slots int
}

// CryptoSystem is the contract every backend implements.
// Operations never mutate their inputs and return a new Ciphertext.
// A CryptoSystem is not safe for concurrent use: each worker must use its own
// copy obtained with ShallowCopy, which shares the Context and the KeySet.
type CryptoSystem interface {
	// Context returns the context shared by all copies of the CryptoSystem.
	Context() *Context

	// Capabilities returns the capabilities of the backend.
	Capabilities() Capabilities

	// Encrypt encodes values at the default scale and encrypts them. A single
	// value is the scalar case; at most Capabilities().Slots values are accepted.
	Encrypt(values ...float64) (*Ciphertext, error)

	// Decrypt decrypts and decodes the ciphertext. It fails with ErrKeyMismatch
	// if the ciphertext was created under another context or the secret key is not held.
	Decrypt(ct *Ciphertext) ([]float64, error)

	// Add returns op0 + op1. Operands must share scale and level (see CheckAddOperands).
	Add(op0, op1 *Ciphertext) (*Ciphertext, error)

	// AddConst returns op0 + c.
	AddConst(op0 *Ciphertext, c float64) (*Ciphertext, error)

	// Mul returns the relinearized product op0 * op1, at the minimum level of both
	// and with the product of their scales.
	Mul(op0, op1 *Ciphertext) (*Ciphertext, error)

	// MulConst returns op0 * c. Non-integer constants are encoded at the scale of
	// the current prime, integer constants do not change the scale.
	MulConst(op0 *Ciphertext, c float64) (*Ciphertext, error)

	// Rescale divides op0 by its last prime, dividing its scale accordingly and
	// consuming one level. It fails with ErrLevelExhausted at level zero.
	Rescale(op0 *Ciphertext) (*Ciphertext, error)

	// DropLevel reduces the level of op0 by levels without changing its scale.
	DropLevel(op0 *Ciphertext, levels int) (*Ciphertext, error)

	// SetScale overwrites the scale metadata of op0 without touching its value.
	SetScale(op0 *Ciphertext, scale Scale) (*Ciphertext, error)

	// Rotate cyclically rotates the slots of op0 by k positions to the left.
	Rotate(op0 *Ciphertext, k int) (*Ciphertext, error)

	// ShallowCopy returns a CryptoSystem sharing the Context and KeySet of the
	// receiver but owning its own working buffers. If prng is not nil, it is the
	// only randomness source of the fresh encryptions created by the copy, so
	// that copies given identical sources produce identical ciphertexts.
	ShallowCopy(prng io.Reader) CryptoSystem
}

// Sign is implemented by backends advertising Capabilities.NativeSign.
type Sign interface {
	// Sign returns an encryption of sign(op0), with sign(0) = 0.
	Sign(op0 *Ciphertext) (*Ciphertext, error)
}

// DecryptScalar decrypts ct and returns its first slot.
func DecryptScalar(cs CryptoSystem, ct *Ciphertext) (float64, error) {
	values, err := cs.Decrypt(ct)
	if err != nil {
		return 0, err
	}
	if len(values) == 0 {
		return 0, fmt.Errorf("cannot DecryptScalar: empty plaintext")
	}
	return values[0], nil
}

// Unsupported returns an error wrapping ErrUnsupported for the named operation.
func Unsupported(backend, op string) error {
	return fmt.Errorf("cannot %s: %w: %s", op, ErrUnsupported, backend)
}

// Package hesim implements a deterministic simulation of an approximate homomorphic
// scheme. Values are kept in the clear as their fixed-point encodings, and every
// operation follows the scale and level rules of the CKKS scheme of lattigo: products
// multiply scales, rescaling divides by the prime of the current level, non-integer
// constants are encoded at the scale of the current prime. Fresh encryptions receive
// Gaussian noise drawn from the randomness source of the instance, so that two
// instances seeded identically produce bit-identical encodings.
//
// The package offers no security whatsoever and is meant for tests and for planning
// circuits before running them on a real backend.
package hesim

import (
	"fmt"
	"io"
	"math"

	"github.com/tuneinsight/heselect/core/he"
	"github.com/tuneinsight/heselect/utils"
	"github.com/tuneinsight/heselect/utils/prng"
	"github.com/tuneinsight/lattigo/v6/utils/sampling"
)

const backend = "hesim"

// ParametersLiteral is the literal representation of the simulated scheme.
type ParametersLiteral struct {
	LogN            int
	Q               []uint64
	LogDefaultScale int
	// Sigma is the standard deviation of the noise added to fresh encodings.
	Sigma float64
	// Slots defaults to 1.
	Slots int
	// NativeSign makes the backend evaluate sign exactly, as a boolean-circuit scheme would.
	NativeSign bool
}

// Parameters are the parameters of the simulated scheme.
type Parameters struct {
	he.Parameters
	sigma      float64
	nativeSign bool
}

// NewParametersFromLiteral validates the literal and returns the corresponding Parameters.
func NewParametersFromLiteral(pl ParametersLiteral) (params Parameters, err error) {

	if pl.LogDefaultScale < 1 || pl.LogDefaultScale > 60 {
		return params, fmt.Errorf("cannot NewParametersFromLiteral: %w: LogDefaultScale=%d", he.ErrInvalidParameters, pl.LogDefaultScale)
	}

	if pl.Sigma < 0 {
		return params, fmt.Errorf("cannot NewParametersFromLiteral: %w: Sigma=%v", he.ErrInvalidParameters, pl.Sigma)
	}

	if params.Parameters, err = he.NewParametersFromLiteral(he.ParametersLiteral{
		Scheme:       he.ApproximateReal,
		LogN:         pl.LogN,
		Q:            pl.Q,
		DefaultScale: math.Exp2(float64(pl.LogDefaultScale)),
		Slots:        pl.Slots,
	}); err != nil {
		return params, fmt.Errorf("cannot NewParametersFromLiteral: %w", err)
	}

	params.sigma = pl.Sigma
	params.nativeSign = pl.NativeSign

	return
}

// KeySet is the key material of the simulated scheme: a seed standing for the public key.
type KeySet struct {
	seed   []byte
	secret bool
}

// NewKeySet returns a KeySet able to decrypt.
func NewKeySet(seed []byte) *KeySet {
	s := make([]byte, len(seed))
	copy(s, seed)
	return &KeySet{seed: s, secret: true}
}

// Public returns a copy of the KeySet without decryption capability.
func (k *KeySet) Public() *KeySet {
	return &KeySet{seed: k.seed, secret: false}
}

// Digest returns the seed of the KeySet.
func (k *KeySet) Digest() []byte {
	return k.seed
}

// CanDecrypt reports whether the KeySet can decrypt.
func (k *KeySet) CanDecrypt() bool {
	return k.secret
}

// element is the backend value of a simulated ciphertext: the fixed-point encodings of its slots.
type element []float64

// CryptoSystem is the simulated backend.
type CryptoSystem struct {
	params Parameters
	ctx    *he.Context
	keys   *KeySet
	source io.Reader
}

// NewCryptoSystem returns a CryptoSystem whose noise is drawn from a source keyed by the KeySet seed.
func NewCryptoSystem(params Parameters, keys *KeySet) (*CryptoSystem, error) {
	source, err := sampling.NewKeyedPRNG(keys.Digest())
	if err != nil {
		return nil, fmt.Errorf("cannot NewCryptoSystem: %w", err)
	}
	return &CryptoSystem{
		params: params,
		ctx:    he.NewContext(params.Parameters, keys.Digest()),
		keys:   keys,
		source: source,
	}, nil
}

// Raw returns a copy of the fixed-point encodings carried by a simulated ciphertext.
func Raw(ct *he.Ciphertext) []float64 {
	el := ct.Value.(element)
	out := make([]float64, len(el))
	copy(out, el)
	return out
}

// Context implements he.CryptoSystem.
func (cs *CryptoSystem) Context() *he.Context {
	return cs.ctx
}

// Capabilities implements he.CryptoSystem.
func (cs *CryptoSystem) Capabilities() he.Capabilities {
	return he.Capabilities{
		Approximate:    true,
		Multiplication: true,
		Rescale:        true,
		Rotation:       true,
		NativeSign:     cs.params.nativeSign,
		Slots:          cs.params.Slots(),
	}
}

// ShallowCopy implements he.CryptoSystem.
func (cs *CryptoSystem) ShallowCopy(source io.Reader) he.CryptoSystem {
	cpy := *cs
	if source != nil {
		cpy.source = source
	}
	return &cpy
}

func (cs *CryptoSystem) newCiphertext(el element, level int, scale he.Scale) *he.Ciphertext {
	return &he.Ciphertext{
		MetaData: he.MetaData{Scale: scale, Level: level, Context: cs.ctx.ID()},
		Value:    el,
	}
}

func (cs *CryptoSystem) element(ct *he.Ciphertext) (element, error) {
	if err := he.CheckContext(cs.ctx, ct); err != nil {
		return nil, err
	}
	el, ok := ct.Value.(element)
	if !ok {
		return nil, fmt.Errorf("%w: %T is not a %s ciphertext", he.ErrKeyMismatch, ct.Value, backend)
	}
	return el, nil
}

// Encrypt implements he.CryptoSystem.
func (cs *CryptoSystem) Encrypt(values ...float64) (*he.Ciphertext, error) {

	slots := cs.params.Slots()

	if len(values) > slots {
		return nil, fmt.Errorf("cannot Encrypt: %w: %d values for %d slots", he.ErrEncoding, len(values), slots)
	}

	scale := cs.params.DefaultScale()
	bound := cs.params.MaxMagnitude(scale)

	el := make(element, slots)
	for i, v := range values {
		if !utils.IsFinite(v) || math.Abs(v) >= bound {
			return nil, fmt.Errorf("cannot Encrypt: %w: |%v| >= %v", he.ErrEncoding, v, bound)
		}
		el[i] = math.Round(v * float64(scale))
	}

	if cs.params.sigma > 0 {
		for i := range el {
			e, err := prng.NormFloat64(cs.source)
			if err != nil {
				return nil, fmt.Errorf("cannot Encrypt: %w", err)
			}
			el[i] += math.Round(e * cs.params.sigma)
		}
	}

	return cs.newCiphertext(el, cs.params.MaxLevel(), scale), nil
}

// Decrypt implements he.CryptoSystem.
func (cs *CryptoSystem) Decrypt(ct *he.Ciphertext) ([]float64, error) {

	if !cs.keys.CanDecrypt() {
		return nil, fmt.Errorf("cannot Decrypt: %w: no secret key", he.ErrKeyMismatch)
	}

	el, err := cs.element(ct)
	if err != nil {
		return nil, fmt.Errorf("cannot Decrypt: %w", err)
	}

	// An encoding wrapping around the modulus would decrypt to garbage.
	logQ := cs.params.LogQLevel(ct.Level)

	values := make([]float64, len(el))
	for i, m := range el {
		if m != 0 && math.Log2(math.Abs(m)) >= logQ-1 {
			return nil, fmt.Errorf("cannot Decrypt: %w: encoding overflows the modulus at level %d", he.ErrEncoding, ct.Level)
		}
		values[i] = m / float64(ct.Scale)
	}

	return values, nil
}

// Add implements he.CryptoSystem.
func (cs *CryptoSystem) Add(op0, op1 *he.Ciphertext) (*he.Ciphertext, error) {

	if err := he.CheckAddOperands(op0, op1); err != nil {
		return nil, fmt.Errorf("cannot Add: %w", err)
	}

	el0, err := cs.element(op0)
	if err != nil {
		return nil, fmt.Errorf("cannot Add: %w", err)
	}

	el1, err := cs.element(op1)
	if err != nil {
		return nil, fmt.Errorf("cannot Add: %w", err)
	}

	out := make(element, len(el0))
	for i := range out {
		out[i] = el0[i] + el1[i]
	}

	return cs.newCiphertext(out, op0.Level, op0.Scale), nil
}

// AddConst implements he.CryptoSystem.
func (cs *CryptoSystem) AddConst(op0 *he.Ciphertext, c float64) (*he.Ciphertext, error) {

	el, err := cs.element(op0)
	if err != nil {
		return nil, fmt.Errorf("cannot AddConst: %w", err)
	}

	if !utils.IsFinite(c) {
		return nil, fmt.Errorf("cannot AddConst: %w: %v", he.ErrEncoding, c)
	}

	cEnc := math.Round(c * float64(op0.Scale))

	out := make(element, len(el))
	for i := range out {
		out[i] = el[i] + cEnc
	}

	return cs.newCiphertext(out, op0.Level, op0.Scale), nil
}

// Mul implements he.CryptoSystem.
func (cs *CryptoSystem) Mul(op0, op1 *he.Ciphertext) (*he.Ciphertext, error) {

	el0, err := cs.element(op0)
	if err != nil {
		return nil, fmt.Errorf("cannot Mul: %w", err)
	}

	el1, err := cs.element(op1)
	if err != nil {
		return nil, fmt.Errorf("cannot Mul: %w", err)
	}

	out := make(element, len(el0))
	for i := range out {
		out[i] = el0[i] * el1[i]
	}

	return cs.newCiphertext(out, min(op0.Level, op1.Level), op0.Scale*op1.Scale), nil
}

// MulConst implements he.CryptoSystem.
func (cs *CryptoSystem) MulConst(op0 *he.Ciphertext, c float64) (*he.Ciphertext, error) {

	el, err := cs.element(op0)
	if err != nil {
		return nil, fmt.Errorf("cannot MulConst: %w", err)
	}

	if !utils.IsFinite(c) {
		return nil, fmt.Errorf("cannot MulConst: %w: %v", he.ErrEncoding, c)
	}

	scale := he.Scale(1)
	if !utils.IsInteger(c) {
		scale = he.Scale(cs.params.QiFloat64(op0.Level))
	}

	cEnc := math.Round(c * float64(scale))

	out := make(element, len(el))
	for i := range out {
		out[i] = el[i] * cEnc
	}

	return cs.newCiphertext(out, op0.Level, op0.Scale*scale), nil
}

// Rescale implements he.CryptoSystem.
func (cs *CryptoSystem) Rescale(op0 *he.Ciphertext) (*he.Ciphertext, error) {

	el, err := cs.element(op0)
	if err != nil {
		return nil, fmt.Errorf("cannot Rescale: %w", err)
	}

	if op0.Level < 1 {
		return nil, fmt.Errorf("cannot Rescale: %w: input ciphertext level is too low", he.ErrLevelExhausted)
	}

	qi := cs.params.QiFloat64(op0.Level)

	out := make(element, len(el))
	for i := range out {
		out[i] = math.Round(el[i] / qi)
	}

	return cs.newCiphertext(out, op0.Level-1, op0.Scale/he.Scale(qi)), nil
}

// DropLevel implements he.CryptoSystem.
func (cs *CryptoSystem) DropLevel(op0 *he.Ciphertext, levels int) (*he.Ciphertext, error) {

	el, err := cs.element(op0)
	if err != nil {
		return nil, fmt.Errorf("cannot DropLevel: %w", err)
	}

	if levels < 0 || levels > op0.Level {
		return nil, fmt.Errorf("cannot DropLevel: %w: cannot drop %d levels from level %d", he.ErrLevelExhausted, levels, op0.Level)
	}

	return cs.newCiphertext(el, op0.Level-levels, op0.Scale), nil
}

// SetScale implements he.CryptoSystem.
func (cs *CryptoSystem) SetScale(op0 *he.Ciphertext, scale he.Scale) (*he.Ciphertext, error) {

	el, err := cs.element(op0)
	if err != nil {
		return nil, fmt.Errorf("cannot SetScale: %w", err)
	}

	return cs.newCiphertext(el, op0.Level, scale), nil
}

// Rotate implements he.CryptoSystem.
func (cs *CryptoSystem) Rotate(op0 *he.Ciphertext, k int) (*he.Ciphertext, error) {

	el, err := cs.element(op0)
	if err != nil {
		return nil, fmt.Errorf("cannot Rotate: %w", err)
	}

	return cs.newCiphertext(element(utils.RotateSlice(el, k)), op0.Level, op0.Scale), nil
}

// Sign implements he.Sign when the parameters enable NativeSign.
func (cs *CryptoSystem) Sign(op0 *he.Ciphertext) (*he.Ciphertext, error) {

	if !cs.params.nativeSign {
		return nil, he.Unsupported(backend, "Sign")
	}

	el, err := cs.element(op0)
	if err != nil {
		return nil, fmt.Errorf("cannot Sign: %w", err)
	}

	one := math.Round(float64(op0.Scale))

	out := make(element, len(el))
	for i, m := range el {
		switch {
		case m > 0:
			out[i] = one
		case m < 0:
			out[i] = -one
		}
	}

	return cs.newCiphertext(out, op0.Level, op0.Scale), nil
}

// Package heint implements the exact-integer backend of heselect: modular
// arithmetic over the integers with the BGV scheme of lattigo.
//
// Values are signed integers of magnitude below PlaintextModulus/2. The BGV
// scaling factor lives in Z_T and is managed by lattigo; tracked ciphertexts
// always report a scale of 1. Levels are consumed by rescaling after every
// ciphertext-ciphertext multiplication, which keeps the noise bounded.
package heint

import (
	"fmt"
	"io"
	"math"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/schemes/bgv"

	"github.com/tuneinsight/heselect/core/encryptor"
	"github.com/tuneinsight/heselect/core/he"
	"github.com/tuneinsight/heselect/utils"
)

const backend = "heint"

// ParametersLiteral is a literal representation of the BGV parameters.
type ParametersLiteral bgv.ParametersLiteral

// Parameters wraps bgv.Parameters.
type Parameters struct {
	bgv.Parameters
}

// NewParametersFromLiteral instantiates a set of BGV parameters from a literal.
func NewParametersFromLiteral(pl ParametersLiteral) (params Parameters, err error) {
	if params.Parameters, err = bgv.NewParametersFromLiteral(bgv.ParametersLiteral(pl)); err != nil {
		return params, fmt.Errorf("cannot NewParametersFromLiteral: %w: %w", he.ErrInvalidParameters, err)
	}
	return
}

// HEParameters returns the scheme-agnostic view of the parameters.
func (p Parameters) HEParameters() he.Parameters {
	params, err := he.NewParametersFromLiteral(he.ParametersLiteral{
		Scheme:           he.ExactInteger,
		LogN:             p.LogN(),
		Q:                p.Q(),
		DefaultScale:     1,
		Slots:            p.MaxSlots(),
		PlaintextModulus: float64(p.PlaintextModulus()),
	})

	// Valid bgv.Parameters always map to valid he.Parameters.
	if err != nil {
		panic(err)
	}

	return params
}

// KeySet is the BGV key material. Sk is nil on the evaluating side.
type KeySet struct {
	Sk  *rlwe.SecretKey
	Pk  *rlwe.PublicKey
	Rlk *rlwe.RelinearizationKey
	Gks []*rlwe.GaloisKey

	digest []byte
}

// GenKeySet generates a fresh KeySet, with Galois keys for the given column rotations.
func GenKeySet(params Parameters, rotations ...int) (keys *KeySet, err error) {

	kgen := rlwe.NewKeyGenerator(params)

	keys = new(KeySet)
	keys.Sk, keys.Pk = kgen.GenKeyPairNew()
	keys.Rlk = kgen.GenRelinearizationKeyNew(keys.Sk)

	if len(rotations) > 0 {
		galEls := make([]uint64, len(rotations))
		for i, k := range rotations {
			galEls[i] = params.GaloisElement(k)
		}
		keys.Gks = kgen.GenGaloisKeysNew(galEls, keys.Sk)
	}

	if keys.digest, err = keys.Pk.MarshalBinary(); err != nil {
		return nil, fmt.Errorf("cannot GenKeySet: %w", err)
	}

	return
}

// Public returns a copy of the KeySet without the secret key.
func (k *KeySet) Public() *KeySet {
	return &KeySet{Pk: k.Pk, Rlk: k.Rlk, Gks: k.Gks, digest: k.digest}
}

// Digest returns the serialized public key.
func (k *KeySet) Digest() []byte {
	return k.digest
}

// CanDecrypt reports whether the secret key is held.
func (k *KeySet) CanDecrypt() bool {
	return k.Sk != nil
}

// pkEncryptor is implemented by *rlwe.Encryptor and by the seeded
// *encryptor.Encryptor of the copies given a randomness source.
type pkEncryptor interface {
	EncryptNew(pt *rlwe.Plaintext) (*rlwe.Ciphertext, error)
}

// CryptoSystem is the BGV backend.
type CryptoSystem struct {
	params Parameters
	hep    he.Parameters
	ctx    *he.Context
	keys   *KeySet
	half   float64

	ecd  *bgv.Encoder
	enc  pkEncryptor
	dec  *rlwe.Decryptor
	eval *bgv.Evaluator
}

// NewCryptoSystem returns a CryptoSystem over the given parameters and keys.
func NewCryptoSystem(params Parameters, keys *KeySet) (cs *CryptoSystem, err error) {

	if keys.Pk == nil || keys.Rlk == nil {
		return nil, fmt.Errorf("cannot NewCryptoSystem: %w: public and relinearization keys are required", he.ErrInvalidParameters)
	}

	cs = &CryptoSystem{
		params: params,
		hep:    params.HEParameters(),
		keys:   keys,
		half:   float64(params.PlaintextModulus() >> 1),
		ecd:    bgv.NewEncoder(params.Parameters),
		enc:    rlwe.NewEncryptor(params, keys.Pk),
		eval:   bgv.NewEvaluator(params.Parameters, rlwe.NewMemEvaluationKeySet(keys.Rlk, keys.Gks...)),
	}

	if keys.Sk != nil {
		cs.dec = rlwe.NewDecryptor(params, keys.Sk)
	}

	cs.ctx = he.NewContext(cs.hep, keys.Digest())

	return
}

// Context implements he.CryptoSystem.
func (cs *CryptoSystem) Context() *he.Context {
	return cs.ctx
}

// Capabilities implements he.CryptoSystem.
func (cs *CryptoSystem) Capabilities() he.Capabilities {
	return he.Capabilities{
		Multiplication: true,
		Rescale:        true,
		Rotation:       len(cs.keys.Gks) > 0,
		Slots:          cs.params.MaxSlots(),
	}
}

// ShallowCopy implements he.CryptoSystem.
func (cs *CryptoSystem) ShallowCopy(source io.Reader) he.CryptoSystem {
	cpy := *cs
	cpy.ecd = cs.ecd.ShallowCopy()
	cpy.enc = rlwe.NewEncryptor(cs.params, cs.keys.Pk)
	if source != nil {
		enc, err := encryptor.New(cs.params, cs.keys.Pk, source)
		// The samplers were already instantiated from the same parameters.
		if err != nil {
			panic(err)
		}
		cpy.enc = enc
	}
	if cs.dec != nil {
		cpy.dec = cs.dec.ShallowCopy()
	}
	cpy.eval = cs.eval.ShallowCopy()
	return &cpy
}

func (cs *CryptoSystem) wrap(ct *rlwe.Ciphertext) *he.Ciphertext {
	return &he.Ciphertext{
		MetaData: he.MetaData{Scale: 1, Level: ct.Level(), Context: cs.ctx.ID()},
		Value:    ct,
	}
}

func (cs *CryptoSystem) unwrap(ct *he.Ciphertext) (*rlwe.Ciphertext, error) {
	if err := he.CheckContext(cs.ctx, ct); err != nil {
		return nil, err
	}
	el, ok := ct.Value.(*rlwe.Ciphertext)
	if !ok {
		return nil, fmt.Errorf("%w: %T is not a %s ciphertext", he.ErrKeyMismatch, ct.Value, backend)
	}
	return el, nil
}

// integer checks that v is an integer representable modulo the plaintext modulus.
func (cs *CryptoSystem) integer(v float64) (int64, error) {
	if !utils.IsInteger(v) || math.Abs(v) >= cs.half {
		return 0, fmt.Errorf("%w: %v is not an integer of magnitude below %v", he.ErrEncoding, v, cs.half)
	}
	return int64(v), nil
}

// Encrypt implements he.CryptoSystem.
func (cs *CryptoSystem) Encrypt(values ...float64) (*he.Ciphertext, error) {

	if len(values) > cs.params.MaxSlots() {
		return nil, fmt.Errorf("cannot Encrypt: %w: %d values for %d slots", he.ErrEncoding, len(values), cs.params.MaxSlots())
	}

	coeffs := make([]int64, cs.params.MaxSlots())
	for i, v := range values {
		c, err := cs.integer(v)
		if err != nil {
			return nil, fmt.Errorf("cannot Encrypt: %w", err)
		}
		coeffs[i] = c
	}

	pt := bgv.NewPlaintext(cs.params.Parameters, cs.params.MaxLevel())
	if err := cs.ecd.Encode(coeffs, pt); err != nil {
		return nil, fmt.Errorf("cannot Encrypt: %w: %w", he.ErrEncoding, err)
	}

	ct, err := cs.enc.EncryptNew(pt)
	if err != nil {
		return nil, fmt.Errorf("cannot Encrypt: %w", err)
	}

	return cs.wrap(ct), nil
}

// Decrypt implements he.CryptoSystem.
func (cs *CryptoSystem) Decrypt(ct *he.Ciphertext) ([]float64, error) {

	if cs.dec == nil {
		return nil, fmt.Errorf("cannot Decrypt: %w: no secret key", he.ErrKeyMismatch)
	}

	el, err := cs.unwrap(ct)
	if err != nil {
		return nil, fmt.Errorf("cannot Decrypt: %w", err)
	}

	coeffs := make([]int64, cs.params.MaxSlots())
	if err = cs.ecd.Decode(cs.dec.DecryptNew(el), coeffs); err != nil {
		return nil, fmt.Errorf("cannot Decrypt: %w", err)
	}

	values := make([]float64, len(coeffs))
	for i, c := range coeffs {
		values[i] = float64(c)
	}

	return values, nil
}

// Add implements he.CryptoSystem.
func (cs *CryptoSystem) Add(op0, op1 *he.Ciphertext) (*he.Ciphertext, error) {

	if err := he.CheckAddOperands(op0, op1); err != nil {
		return nil, fmt.Errorf("cannot Add: %w", err)
	}

	el0, err := cs.unwrap(op0)
	if err != nil {
		return nil, fmt.Errorf("cannot Add: %w", err)
	}

	el1, err := cs.unwrap(op1)
	if err != nil {
		return nil, fmt.Errorf("cannot Add: %w", err)
	}

	out, err := cs.eval.AddNew(el0, el1)
	if err != nil {
		return nil, fmt.Errorf("cannot Add: %w", err)
	}

	return cs.wrap(out), nil
}

// AddConst implements he.CryptoSystem.
func (cs *CryptoSystem) AddConst(op0 *he.Ciphertext, c float64) (*he.Ciphertext, error) {

	el, err := cs.unwrap(op0)
	if err != nil {
		return nil, fmt.Errorf("cannot AddConst: %w", err)
	}

	ci, err := cs.integer(c)
	if err != nil {
		return nil, fmt.Errorf("cannot AddConst: %w", err)
	}

	out, err := cs.eval.AddNew(el, ci)
	if err != nil {
		return nil, fmt.Errorf("cannot AddConst: %w", err)
	}

	return cs.wrap(out), nil
}

// Mul implements he.CryptoSystem.
func (cs *CryptoSystem) Mul(op0, op1 *he.Ciphertext) (*he.Ciphertext, error) {

	el0, err := cs.unwrap(op0)
	if err != nil {
		return nil, fmt.Errorf("cannot Mul: %w", err)
	}

	el1, err := cs.unwrap(op1)
	if err != nil {
		return nil, fmt.Errorf("cannot Mul: %w", err)
	}

	out, err := cs.eval.MulRelinNew(el0, el1)
	if err != nil {
		return nil, fmt.Errorf("cannot Mul: %w", err)
	}

	return cs.wrap(out), nil
}

// MulConst implements he.CryptoSystem. Only integer constants are accepted.
func (cs *CryptoSystem) MulConst(op0 *he.Ciphertext, c float64) (*he.Ciphertext, error) {

	el, err := cs.unwrap(op0)
	if err != nil {
		return nil, fmt.Errorf("cannot MulConst: %w", err)
	}

	ci, err := cs.integer(c)
	if err != nil {
		return nil, fmt.Errorf("cannot MulConst: %w", err)
	}

	out, err := cs.eval.MulNew(el, ci)
	if err != nil {
		return nil, fmt.Errorf("cannot MulConst: %w", err)
	}

	return cs.wrap(out), nil
}

// Rescale implements he.CryptoSystem.
func (cs *CryptoSystem) Rescale(op0 *he.Ciphertext) (*he.Ciphertext, error) {

	el, err := cs.unwrap(op0)
	if err != nil {
		return nil, fmt.Errorf("cannot Rescale: %w", err)
	}

	if el.Level() < 1 {
		return nil, fmt.Errorf("cannot Rescale: %w: input ciphertext level is too low", he.ErrLevelExhausted)
	}

	out := bgv.NewCiphertext(cs.params.Parameters, el.Degree(), el.Level())
	if err = cs.eval.Rescale(el, out); err != nil {
		return nil, fmt.Errorf("cannot Rescale: %w", err)
	}

	return cs.wrap(out), nil
}

// DropLevel implements he.CryptoSystem.
func (cs *CryptoSystem) DropLevel(op0 *he.Ciphertext, levels int) (*he.Ciphertext, error) {

	el, err := cs.unwrap(op0)
	if err != nil {
		return nil, fmt.Errorf("cannot DropLevel: %w", err)
	}

	if levels < 0 || levels > el.Level() {
		return nil, fmt.Errorf("cannot DropLevel: %w: cannot drop %d levels from level %d", he.ErrLevelExhausted, levels, el.Level())
	}

	out := el.CopyNew()
	cs.eval.DropLevel(out, levels)

	return cs.wrap(out), nil
}

// SetScale implements he.CryptoSystem. Exact ciphertexts only carry the unit scale.
func (cs *CryptoSystem) SetScale(op0 *he.Ciphertext, scale he.Scale) (*he.Ciphertext, error) {
	if scale != 1 {
		return nil, fmt.Errorf("cannot SetScale: %w: exact scheme scale must be 1, not %v", he.ErrScaleMismatch, float64(scale))
	}
	return op0.CopyNew(), nil
}

// Rotate implements he.CryptoSystem. Slots are rotated within each of the two rows.
func (cs *CryptoSystem) Rotate(op0 *he.Ciphertext, k int) (*he.Ciphertext, error) {

	if len(cs.keys.Gks) == 0 {
		return nil, he.Unsupported(backend, "Rotate")
	}

	el, err := cs.unwrap(op0)
	if err != nil {
		return nil, fmt.Errorf("cannot Rotate: %w", err)
	}

	out, err := cs.eval.RotateColumnsNew(el, k)
	if err != nil {
		return nil, fmt.Errorf("cannot Rotate: %w", err)
	}

	return cs.wrap(out), nil
}

// Package hefloat implements the approximate-real backend of heselect: fixed-point
// approximate arithmetic over the reals with the CKKS scheme of lattigo.
//
// The lattigo ciphertext carries its own arbitrary-precision scale; the backend
// mirrors it into the float64 scale of the tracked ciphertext after every
// operation and writes the float64 value back, so that both representations
// are always identical and the scale checks of the tracker are exact.
package hefloat

import (
	"fmt"
	"io"
	"math"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/ring"
	"github.com/tuneinsight/lattigo/v6/schemes/ckks"

	"github.com/tuneinsight/heselect/core/encryptor"
	"github.com/tuneinsight/heselect/core/he"
	"github.com/tuneinsight/heselect/utils"
)

const backend = "hefloat"

// ParametersLiteral is a literal representation of the CKKS parameters.
type ParametersLiteral ckks.ParametersLiteral

// Parameters wraps ckks.Parameters.
type Parameters struct {
	ckks.Parameters
}

// NewParametersFromLiteral instantiates a set of CKKS parameters from a literal.
// Parameters consuming more than one prime per rescale are rejected.
func NewParametersFromLiteral(pl ParametersLiteral) (params Parameters, err error) {

	if params.Parameters, err = ckks.NewParametersFromLiteral(ckks.ParametersLiteral(pl)); err != nil {
		return params, fmt.Errorf("cannot NewParametersFromLiteral: %w: %w", he.ErrInvalidParameters, err)
	}

	if params.LevelsConsumedPerRescaling() != 1 {
		return params, fmt.Errorf("cannot NewParametersFromLiteral: %w: LogDefaultScale=%d requires %d primes per rescale",
			he.ErrInvalidParameters, params.LogDefaultScale(), params.LevelsConsumedPerRescaling())
	}

	return
}

// HEParameters returns the scheme-agnostic view of the parameters.
func (p Parameters) HEParameters() he.Parameters {
	params, err := he.NewParametersFromLiteral(he.ParametersLiteral{
		Scheme:       he.ApproximateReal,
		LogN:         p.LogN(),
		Q:            p.Q(),
		DefaultScale: p.DefaultScale().Float64(),
		Slots:        p.MaxSlots(),
	})

	// Valid ckks.Parameters always map to valid he.Parameters.
	if err != nil {
		panic(err)
	}

	return params
}

// KeySet is the CKKS key material. Sk is nil on the evaluating side.
type KeySet struct {
	Sk  *rlwe.SecretKey
	Pk  *rlwe.PublicKey
	Rlk *rlwe.RelinearizationKey
	Gks []*rlwe.GaloisKey

	digest []byte
}

// GenKeySet generates a fresh KeySet, with Galois keys for the given rotations.
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

// CryptoSystem is the CKKS backend.
type CryptoSystem struct {
	params Parameters
	hep    he.Parameters
	ctx    *he.Context
	keys   *KeySet

	ecd  *ckks.Encoder
	enc  pkEncryptor
	dec  *rlwe.Decryptor
	eval *ckks.Evaluator
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
		ecd:    ckks.NewEncoder(params.Parameters),
		enc:    rlwe.NewEncryptor(params, keys.Pk),
		eval:   ckks.NewEvaluator(params.Parameters, rlwe.NewMemEvaluationKeySet(keys.Rlk, keys.Gks...)),
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
		Approximate:    true,
		Multiplication: true,
		Rescale:        true,
		Rotation:       len(cs.keys.Gks) > 0,
		Slots:          cs.params.MaxSlots(),
	}
}

// ShallowCopy implements he.CryptoSystem. A non-nil source feeds every sampler
// of the public-key encryption of the copy.
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

// wrap mirrors the metadata of ct into a tracked ciphertext.
func (cs *CryptoSystem) wrap(ct *rlwe.Ciphertext) *he.Ciphertext {
	scale := ct.Scale.Float64()
	ct.Scale = rlwe.NewScale(scale)
	return &he.Ciphertext{
		MetaData: he.MetaData{Scale: he.Scale(scale), Level: ct.Level(), Context: cs.ctx.ID()},
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

// Encrypt implements he.CryptoSystem.
func (cs *CryptoSystem) Encrypt(values ...float64) (*he.Ciphertext, error) {

	if len(values) > cs.params.MaxSlots() {
		return nil, fmt.Errorf("cannot Encrypt: %w: %d values for %d slots", he.ErrEncoding, len(values), cs.params.MaxSlots())
	}

	bound := cs.hep.MaxMagnitude(cs.hep.DefaultScale())
	for _, v := range values {
		if !utils.IsFinite(v) || math.Abs(v) >= bound {
			return nil, fmt.Errorf("cannot Encrypt: %w: |%v| >= %v", he.ErrEncoding, v, bound)
		}
	}

	pt := ckks.NewPlaintext(cs.params.Parameters, cs.params.MaxLevel())
	if err := cs.ecd.Encode(values, pt); err != nil {
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

	values := make([]float64, cs.params.MaxSlots())
	if err = cs.ecd.Decode(cs.dec.DecryptNew(el), values); err != nil {
		return nil, fmt.Errorf("cannot Decrypt: %w", err)
	}

	return values, nil
}

// Add implements he.CryptoSystem.
func (cs *CryptoSystem) Add(op0, op1 *he.Ciphertext) (*he.Ciphertext, error) {

	// lattigo aligns scales silently by an integer factor: the check must come first.
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

	if !utils.IsFinite(c) {
		return nil, fmt.Errorf("cannot AddConst: %w: %v", he.ErrEncoding, c)
	}

	out, err := cs.eval.AddNew(el, c)
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

// MulConst implements he.CryptoSystem.
func (cs *CryptoSystem) MulConst(op0 *he.Ciphertext, c float64) (*he.Ciphertext, error) {

	el, err := cs.unwrap(op0)
	if err != nil {
		return nil, fmt.Errorf("cannot MulConst: %w", err)
	}

	if !utils.IsFinite(c) {
		return nil, fmt.Errorf("cannot MulConst: %w: %v", he.ErrEncoding, c)
	}

	out, err := cs.eval.MulNew(el, c)
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

	out := ckks.NewCiphertext(cs.params.Parameters, el.Degree(), el.Level())
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

	return cs.wrap(cs.eval.DropLevelNew(el, levels)), nil
}

// SetScale implements he.CryptoSystem. The ciphertext polynomials are shared
// with op0, only the metadata is new.
func (cs *CryptoSystem) SetScale(op0 *he.Ciphertext, scale he.Scale) (*he.Ciphertext, error) {

	el, err := cs.unwrap(op0)
	if err != nil {
		return nil, fmt.Errorf("cannot SetScale: %w", err)
	}

	out := &rlwe.Ciphertext{Element: rlwe.Element[ring.Poly]{Value: el.Value, MetaData: el.MetaData.CopyNew()}}
	out.Scale = rlwe.NewScale(float64(scale))

	return cs.wrap(out), nil
}

// Rotate implements he.CryptoSystem.
func (cs *CryptoSystem) Rotate(op0 *he.Ciphertext, k int) (*he.Ciphertext, error) {

	if len(cs.keys.Gks) == 0 {
		return nil, he.Unsupported(backend, "Rotate")
	}

	el, err := cs.unwrap(op0)
	if err != nil {
		return nil, fmt.Errorf("cannot Rotate: %w", err)
	}

	out, err := cs.eval.RotateNew(el, k)
	if err != nil {
		return nil, fmt.Errorf("cannot Rotate: %w", err)
	}

	return cs.wrap(out), nil
}

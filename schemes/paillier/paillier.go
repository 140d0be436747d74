// Package paillier implements an additive-only exact backend on top of the
// threshold Paillier cryptosystem of niclabs/tcpaillier.
//
// A ciphertext holds a single signed integer, encoded modulo N. Decryption
// combines the partial decryptions of a threshold of key shares. The backend
// supports additions and multiplications by integer constants only; ciphertext
// multiplications are reported as unsupported, which restricts it to the
// affine part of the query language.
package paillier

import (
	"crypto/rand"
	"fmt"
	"io"
	"math"
	"math/big"

	"github.com/niclabs/tcpaillier"

	"github.com/tuneinsight/heselect/core/he"
	"github.com/tuneinsight/heselect/utils"
)

const backend = "paillier"

// maxExact is the largest magnitude exactly represented by a float64 integer.
const maxExact = 1 << 53

// Parameters describes a Paillier key.
type Parameters struct {
	// Bits is the bit size of the modulus N.
	Bits int
	// Shares is the number of key shares.
	Shares uint8
	// Threshold is the number of shares needed to decrypt.
	Threshold uint8
}

// TestParameters are insecure parameters for fast testing.
var TestParameters = Parameters{Bits: 512, Shares: 2, Threshold: 2}

// Validate checks the parameters.
func (p Parameters) Validate() error {
	if p.Bits < 64 {
		return fmt.Errorf("%w: modulus of %d bits", he.ErrInvalidParameters, p.Bits)
	}
	if p.Threshold < 1 || p.Threshold > p.Shares {
		return fmt.Errorf("%w: threshold %d of %d shares", he.ErrInvalidParameters, p.Threshold, p.Shares)
	}
	return nil
}

// KeySet holds the public key and, on the decrypting side, the key shares.
type KeySet struct {
	Pk     *tcpaillier.PubKey
	Shares []*tcpaillier.KeyShare
}

// GenKeySet generates a fresh threshold key.
func GenKeySet(params Parameters) (*KeySet, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("cannot GenKeySet: %w", err)
	}
	shares, pk, err := tcpaillier.NewKey(params.Bits, 1, params.Shares, params.Threshold)
	if err != nil {
		return nil, fmt.Errorf("cannot GenKeySet: %w", err)
	}
	return &KeySet{Pk: pk, Shares: shares}, nil
}

// Public returns a copy of the KeySet without the key shares.
func (k *KeySet) Public() *KeySet {
	return &KeySet{Pk: k.Pk}
}

// Digest returns the big-endian encoding of N.
func (k *KeySet) Digest() []byte {
	return k.Pk.N.Bytes()
}

// CanDecrypt reports whether a threshold of key shares is held.
func (k *KeySet) CanDecrypt() bool {
	return len(k.Shares) > 0 && len(k.Shares) >= int(k.Pk.K)
}

// CryptoSystem is the Paillier backend. It is stateless apart from its
// randomness source, so copies only differ by the source.
type CryptoSystem struct {
	keys   *KeySet
	ctx    *he.Context
	n      *big.Int
	half   *big.Int
	bound  float64
	source io.Reader
}

// NewCryptoSystem returns a CryptoSystem over the given keys. Encryption
// randomness is drawn from crypto/rand.
func NewCryptoSystem(keys *KeySet) (*CryptoSystem, error) {

	if keys == nil || keys.Pk == nil {
		return nil, fmt.Errorf("cannot NewCryptoSystem: %w: a public key is required", he.ErrInvalidParameters)
	}

	n := new(big.Int).Set(keys.Pk.N)
	nf, _ := new(big.Float).SetInt(n).Float64()

	params, err := he.NewParametersFromLiteral(he.ParametersLiteral{
		Scheme:           he.ExactInteger,
		PlaintextModulus: nf,
		Slots:            1,
	})

	if err != nil {
		return nil, fmt.Errorf("cannot NewCryptoSystem: %w", err)
	}

	return &CryptoSystem{
		keys:   keys,
		ctx:    he.NewContext(params, keys.Digest()),
		n:      n,
		half:   new(big.Int).Rsh(n, 1),
		bound:  math.Min(maxExact, nf/2),
		source: rand.Reader,
	}, nil
}

// Context implements he.CryptoSystem.
func (cs *CryptoSystem) Context() *he.Context {
	return cs.ctx
}

// Capabilities implements he.CryptoSystem.
func (cs *CryptoSystem) Capabilities() he.Capabilities {
	return he.Capabilities{Slots: 1}
}

// ShallowCopy implements he.CryptoSystem.
func (cs *CryptoSystem) ShallowCopy(source io.Reader) he.CryptoSystem {
	cpy := *cs
	if source != nil {
		cpy.source = source
	}
	return &cpy
}

func (cs *CryptoSystem) wrap(c *big.Int) *he.Ciphertext {
	return &he.Ciphertext{
		MetaData: he.MetaData{Scale: 1, Context: cs.ctx.ID()},
		Value:    c,
	}
}

func (cs *CryptoSystem) unwrap(ct *he.Ciphertext) (*big.Int, error) {
	if err := he.CheckContext(cs.ctx, ct); err != nil {
		return nil, err
	}
	c, ok := ct.Value.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%w: %T is not a %s ciphertext", he.ErrKeyMismatch, ct.Value, backend)
	}
	return c, nil
}

// encode maps a signed integer to Z_N.
func (cs *CryptoSystem) encode(v float64) (*big.Int, error) {
	if !utils.IsInteger(v) || math.Abs(v) >= cs.bound {
		return nil, fmt.Errorf("%w: %v is not an integer of magnitude below %v", he.ErrEncoding, v, cs.bound)
	}
	m := big.NewInt(int64(v))
	return m.Mod(m, cs.n), nil
}

// decode maps an element of Z_N to the centered representative.
func (cs *CryptoSystem) decode(m *big.Int) (float64, error) {
	m = new(big.Int).Mod(m, cs.n)
	if m.Cmp(cs.half) > 0 {
		m.Sub(m, cs.n)
	}
	v, _ := new(big.Float).SetInt(m).Float64()
	if math.Abs(v) >= maxExact {
		return 0, fmt.Errorf("%w: decrypted value overflows", he.ErrEncoding)
	}
	return v, nil
}

// randomizer samples a unit of Z_N from the randomness source.
func (cs *CryptoSystem) randomizer() (r *big.Int, err error) {
	gcd := new(big.Int)
	for {
		if r, err = rand.Int(cs.source, cs.n); err != nil {
			return nil, err
		}
		if r.Sign() != 0 && gcd.GCD(nil, nil, r, cs.n).Cmp(big.NewInt(1)) == 0 {
			return r, nil
		}
	}
}

func (cs *CryptoSystem) encrypt(m *big.Int) (*big.Int, error) {
	r, err := cs.randomizer()
	if err != nil {
		return nil, err
	}
	return cs.keys.Pk.EncryptFixed(m, r)
}

// Encrypt implements he.CryptoSystem.
func (cs *CryptoSystem) Encrypt(values ...float64) (*he.Ciphertext, error) {

	if len(values) > 1 {
		return nil, fmt.Errorf("cannot Encrypt: %w: %d values for a single slot", he.ErrEncoding, len(values))
	}

	var v float64
	if len(values) == 1 {
		v = values[0]
	}

	m, err := cs.encode(v)
	if err != nil {
		return nil, fmt.Errorf("cannot Encrypt: %w", err)
	}

	c, err := cs.encrypt(m)
	if err != nil {
		return nil, fmt.Errorf("cannot Encrypt: %w", err)
	}

	return cs.wrap(c), nil
}

// Decrypt implements he.CryptoSystem.
func (cs *CryptoSystem) Decrypt(ct *he.Ciphertext) ([]float64, error) {

	if !cs.keys.CanDecrypt() {
		return nil, fmt.Errorf("cannot Decrypt: %w: key shares below threshold", he.ErrKeyMismatch)
	}

	c, err := cs.unwrap(ct)
	if err != nil {
		return nil, fmt.Errorf("cannot Decrypt: %w", err)
	}

	shares := make([]*tcpaillier.DecryptionShare, cs.keys.Pk.K)
	for i := range shares {
		if shares[i], err = cs.keys.Shares[i].PartialDecrypt(c); err != nil {
			return nil, fmt.Errorf("cannot Decrypt: %w", err)
		}
	}

	m, err := cs.keys.Pk.CombineShares(shares...)
	if err != nil {
		return nil, fmt.Errorf("cannot Decrypt: %w", err)
	}

	v, err := cs.decode(m)
	if err != nil {
		return nil, fmt.Errorf("cannot Decrypt: %w", err)
	}

	return []float64{v}, nil
}

// Add implements he.CryptoSystem.
func (cs *CryptoSystem) Add(op0, op1 *he.Ciphertext) (*he.Ciphertext, error) {

	if err := he.CheckAddOperands(op0, op1); err != nil {
		return nil, fmt.Errorf("cannot Add: %w", err)
	}

	c0, err := cs.unwrap(op0)
	if err != nil {
		return nil, fmt.Errorf("cannot Add: %w", err)
	}

	c1, err := cs.unwrap(op1)
	if err != nil {
		return nil, fmt.Errorf("cannot Add: %w", err)
	}

	c, err := cs.keys.Pk.Add(c0, c1)
	if err != nil {
		return nil, fmt.Errorf("cannot Add: %w", err)
	}

	return cs.wrap(c), nil
}

// AddConst implements he.CryptoSystem.
func (cs *CryptoSystem) AddConst(op0 *he.Ciphertext, c float64) (*he.Ciphertext, error) {

	c0, err := cs.unwrap(op0)
	if err != nil {
		return nil, fmt.Errorf("cannot AddConst: %w", err)
	}

	m, err := cs.encode(c)
	if err != nil {
		return nil, fmt.Errorf("cannot AddConst: %w", err)
	}

	c1, err := cs.encrypt(m)
	if err != nil {
		return nil, fmt.Errorf("cannot AddConst: %w", err)
	}

	out, err := cs.keys.Pk.Add(c0, c1)
	if err != nil {
		return nil, fmt.Errorf("cannot AddConst: %w", err)
	}

	return cs.wrap(out), nil
}

// Mul is not supported.
func (cs *CryptoSystem) Mul(op0, op1 *he.Ciphertext) (*he.Ciphertext, error) {
	return nil, he.Unsupported(backend, "Mul")
}

// MulConst implements he.CryptoSystem. Only integer constants are accepted.
func (cs *CryptoSystem) MulConst(op0 *he.Ciphertext, c float64) (*he.Ciphertext, error) {

	c0, err := cs.unwrap(op0)
	if err != nil {
		return nil, fmt.Errorf("cannot MulConst: %w", err)
	}

	alpha, err := cs.encode(c)
	if err != nil {
		return nil, fmt.Errorf("cannot MulConst: %w", err)
	}

	r, err := cs.randomizer()
	if err != nil {
		return nil, fmt.Errorf("cannot MulConst: %w", err)
	}

	out, err := cs.keys.Pk.MultiplyFixed(c0, alpha, r)
	if err != nil {
		return nil, fmt.Errorf("cannot MulConst: %w", err)
	}

	return cs.wrap(out), nil
}

// Rescale is not supported.
func (cs *CryptoSystem) Rescale(op0 *he.Ciphertext) (*he.Ciphertext, error) {
	return nil, he.Unsupported(backend, "Rescale")
}

// DropLevel implements he.CryptoSystem. Paillier ciphertexts have a single level.
func (cs *CryptoSystem) DropLevel(op0 *he.Ciphertext, levels int) (*he.Ciphertext, error) {
	if levels != 0 {
		return nil, fmt.Errorf("cannot DropLevel: %w: cannot drop %d levels from level 0", he.ErrLevelExhausted, levels)
	}
	return op0.CopyNew(), nil
}

// SetScale implements he.CryptoSystem. Paillier ciphertexts only carry the unit scale.
func (cs *CryptoSystem) SetScale(op0 *he.Ciphertext, scale he.Scale) (*he.Ciphertext, error) {
	if scale != 1 {
		return nil, fmt.Errorf("cannot SetScale: %w: exact scheme scale must be 1, not %v", he.ErrScaleMismatch, float64(scale))
	}
	return op0.CopyNew(), nil
}

// Rotate is not supported.
func (cs *CryptoSystem) Rotate(op0 *he.Ciphertext, k int) (*he.Ciphertext, error) {
	return nil, he.Unsupported(backend, "Rotate")
}

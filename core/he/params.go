package he

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/google/go-cmp/cmp"
)

// Scheme is the family of a backend.
type Scheme int

const (
	// ApproximateReal designates fixed-point schemes over the reals (CKKS-like),
	// whose ciphertexts carry a scale and approximation noise.
	ApproximateReal = Scheme(iota + 1)
	// ExactInteger designates schemes over the integers modulo a plaintext modulus.
	ExactInteger
)

func (s Scheme) String() string {
	switch s {
	case ApproximateReal:
		return "approximate-real"
	case ExactInteger:
		return "exact-integer"
	default:
		return fmt.Sprintf("scheme(%d)", int(s))
	}
}

// Scale is the fixed-point denominator of an encoded value.
type Scale float64

// Float64 returns the scale as a float64.
func (s Scale) Float64() float64 {
	return float64(s)
}

// RelativeDistance returns |s-other|/max(s, other).
func (s Scale) RelativeDistance(other Scale) float64 {
	a, b := float64(s), float64(other)
	if a == b {
		return 0
	}
	return math.Abs(a-b) / math.Max(math.Abs(a), math.Abs(b))
}

// ParametersLiteral is a literal representation of Parameters.
// Q is the modulus chain, Q[0] being the last prime left after every rescale.
// PlaintextModulus is only used by exact schemes.
type ParametersLiteral struct {
	Scheme           Scheme
	LogN             int
	Q                []uint64
	DefaultScale     float64
	Slots            int
	PlaintextModulus float64
}

// Parameters is the immutable description of a backend instance.
type Parameters struct {
	scheme           Scheme
	logN             int
	q                []uint64
	defaultScale     Scale
	slots            int
	plaintextModulus float64
}

// NewParametersFromLiteral validates the literal and returns the corresponding Parameters.
func NewParametersFromLiteral(pl ParametersLiteral) (params Parameters, err error) {

	switch pl.Scheme {
	case ApproximateReal:
		if len(pl.Q) == 0 {
			return params, fmt.Errorf("cannot NewParametersFromLiteral: %w: empty modulus chain", ErrInvalidParameters)
		}
		if pl.DefaultScale <= 1 || math.IsInf(pl.DefaultScale, 0) || math.IsNaN(pl.DefaultScale) {
			return params, fmt.Errorf("cannot NewParametersFromLiteral: %w: default scale %v", ErrInvalidParameters, pl.DefaultScale)
		}
	case ExactInteger:
		if pl.PlaintextModulus < 2 {
			return params, fmt.Errorf("cannot NewParametersFromLiteral: %w: plaintext modulus %v", ErrInvalidParameters, pl.PlaintextModulus)
		}
		if pl.DefaultScale == 0 {
			pl.DefaultScale = 1
		}
	default:
		return params, fmt.Errorf("cannot NewParametersFromLiteral: %w: unknown scheme %v", ErrInvalidParameters, pl.Scheme)
	}

	for i, qi := range pl.Q {
		if qi < 2 {
			return params, fmt.Errorf("cannot NewParametersFromLiteral: %w: Q[%d]=%d", ErrInvalidParameters, i, qi)
		}
	}

	if pl.LogN < 0 {
		return params, fmt.Errorf("cannot NewParametersFromLiteral: %w: LogN=%d", ErrInvalidParameters, pl.LogN)
	}

	if pl.Slots < 1 {
		pl.Slots = 1
	}

	q := make([]uint64, len(pl.Q))
	copy(q, pl.Q)

	return Parameters{
		scheme:           pl.Scheme,
		logN:             pl.LogN,
		q:                q,
		defaultScale:     Scale(pl.DefaultScale),
		slots:            pl.Slots,
		plaintextModulus: pl.PlaintextModulus,
	}, nil
}

// ParametersLiteral returns the literal representation of the parameters.
func (p Parameters) ParametersLiteral() ParametersLiteral {
	return ParametersLiteral{
		Scheme:           p.scheme,
		LogN:             p.logN,
		Q:                p.Q(),
		DefaultScale:     float64(p.defaultScale),
		Slots:            p.slots,
		PlaintextModulus: p.plaintextModulus,
	}
}

// Scheme returns the scheme family.
func (p Parameters) Scheme() Scheme {
	return p.scheme
}

// Approximate is true if ciphertexts carry a meaningful scale.
func (p Parameters) Approximate() bool {
	return p.scheme == ApproximateReal
}

// LogN returns the log2 of the ring degree, 0 for schemes without a ring.
func (p Parameters) LogN() int {
	return p.logN
}

// Q returns a copy of the modulus chain.
func (p Parameters) Q() []uint64 {
	q := make([]uint64, len(p.q))
	copy(q, p.q)
	return q
}

// QiFloat64 returns the i-th prime of the chain as a float64.
func (p Parameters) QiFloat64(level int) float64 {
	return float64(p.q[level])
}

// MaxLevel returns the level of a fresh ciphertext.
func (p Parameters) MaxLevel() int {
	if len(p.q) == 0 {
		return 0
	}
	return len(p.q) - 1
}

// DefaultScale returns the scale at which fresh values are encoded.
func (p Parameters) DefaultScale() Scale {
	return p.defaultScale
}

// Slots returns the number of values a ciphertext packs.
func (p Parameters) Slots() int {
	return p.slots
}

// PlaintextModulus returns the plaintext modulus of exact schemes.
func (p Parameters) PlaintextModulus() float64 {
	return p.plaintextModulus
}

// MaxMagnitude returns the largest absolute value that can be encoded at the given scale
// and still be decoded once the ciphertext reached level zero.
func (p Parameters) MaxMagnitude(scale Scale) float64 {
	if p.Approximate() {
		return float64(p.q[0]) / (2 * float64(scale))
	}
	return p.plaintextModulus / 2
}

// LogQLevel returns log2 of the product of the moduli up to level.
func (p Parameters) LogQLevel(level int) (logQ float64) {
	for i := 0; i <= level && i < len(p.q); i++ {
		logQ += math.Log2(float64(p.q[i]))
	}
	return
}

// NoiseBound returns a heuristic bound on the absolute error of a fresh
// ciphertext decoded at the default scale.
func (p Parameters) NoiseBound() float64 {
	if !p.Approximate() {
		return 0
	}
	// 6 sigma of a fresh RLWE encryption error summed over the canonical embedding.
	return 6 * 3.2 * math.Sqrt(float64(uint64(1)<<p.logN)) / float64(p.defaultScale)
}

// Equal returns true if both parameter sets are identical.
func (p Parameters) Equal(other *Parameters) bool {
	res := p.scheme == other.scheme
	res = res && p.logN == other.logN
	res = res && cmp.Equal(p.q, other.q)
	res = res && p.defaultScale == other.defaultScale
	res = res && p.slots == other.slots
	res = res && p.plaintextModulus == other.plaintextModulus
	return res
}

// MarshalBinary encodes the parameters on a slice of bytes.
func (p Parameters) MarshalBinary() (data []byte, err error) {
	buf := new(bytes.Buffer)

	fields := []interface{}{
		int64(p.scheme),
		int64(p.logN),
		int64(len(p.q)),
		p.q,
		math.Float64bits(float64(p.defaultScale)),
		int64(p.slots),
		math.Float64bits(p.plaintextModulus),
	}

	for _, f := range fields {
		if err = binary.Write(buf, binary.LittleEndian, f); err != nil {
			return nil, fmt.Errorf("cannot MarshalBinary: %w", err)
		}
	}

	return buf.Bytes(), nil
}

// Package config implements the YAML configuration of heselect: the scheme and
// its parameters, the comparison approximation, the executor and the tracker
// policy. Documents are validated before any backend is instantiated.
package config

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"runtime"

	"gopkg.in/yaml.v3"

	"github.com/tuneinsight/lattigo/v6/schemes/ckks"

	"github.com/tuneinsight/heselect/circuits/arithmetic"
	"github.com/tuneinsight/heselect/circuits/comparison"
	"github.com/tuneinsight/heselect/core/he"
	"github.com/tuneinsight/heselect/core/tracker"
	"github.com/tuneinsight/heselect/schemes/hefloat"
	"github.com/tuneinsight/heselect/schemes/heint"
	"github.com/tuneinsight/heselect/schemes/hesim"
	"github.com/tuneinsight/heselect/schemes/paillier"
)

// Scheme names accepted in the configuration.
const (
	CKKS     = "ckks"
	BGV      = "bgv"
	Paillier = "paillier"
	Sim      = "sim"
)

// Ring are the parameters of a ring-based scheme. The modulus chain is given
// either by explicit primes or by their bit-sizes, explicit primes taking
// precedence.
type Ring struct {
	LogN            int      `yaml:"logN"`
	Q               []uint64 `yaml:"q,omitempty"`
	P               []uint64 `yaml:"p,omitempty"`
	LogQ            []int    `yaml:"logQ,omitempty"`
	LogP            []int    `yaml:"logP,omitempty"`
	LogDefaultScale int      `yaml:"logDefaultScale,omitempty"`
}

// CKKSConfig are the parameters of the approximate-real scheme.
type CKKSConfig struct {
	Ring `yaml:",inline"`
}

// BGVConfig are the parameters of the exact-integer scheme.
type BGVConfig struct {
	Ring             `yaml:",inline"`
	PlaintextModulus uint64 `yaml:"plaintextModulus"`
}

// SimConfig are the parameters of the simulated scheme.
type SimConfig struct {
	Ring       `yaml:",inline"`
	Sigma      float64 `yaml:"sigma"`
	NativeSign bool    `yaml:"nativeSign"`
}

// PaillierConfig are the parameters of the additive scheme.
type PaillierConfig struct {
	Bits      int   `yaml:"bits"`
	Shares    uint8 `yaml:"shares"`
	Threshold uint8 `yaml:"threshold"`
}

// FunctionsConfig parametrizes the approximations bound to the functions of expressions.
type FunctionsConfig struct {
	Domain [2]float64 `yaml:"domain"`
	Degree int        `yaml:"degree"`
}

// ApproximationConfig parametrizes the comparisons.
type ApproximationConfig struct {
	// Degree is the odd degree of the composite sign polynomial iterated by comparisons.
	Degree     int     `yaml:"degree"`
	Iterations int     `yaml:"iterations"`
	Bound      float64 `yaml:"bound"`
	// Gap is the smallest distance to a threshold, as a fraction of Bound,
	// for which the reported error bounds hold.
	Gap       float64         `yaml:"gap"`
	Functions FunctionsConfig `yaml:"functions"`
}

// ExecutorConfig parametrizes the batch executor.
type ExecutorConfig struct {
	Workers int `yaml:"workers"`
	// Seed is hex encoded. If empty, every batch draws a fresh seed.
	Seed string `yaml:"seed,omitempty"`
}

// Config is the root of the configuration document.
type Config struct {
	Scheme        string              `yaml:"scheme"`
	CKKS          CKKSConfig          `yaml:"ckks"`
	BGV           BGVConfig           `yaml:"bgv"`
	Sim           SimConfig           `yaml:"sim"`
	Paillier      PaillierConfig      `yaml:"paillier"`
	Approximation ApproximationConfig `yaml:"approximation"`
	Executor      ExecutorConfig      `yaml:"executor"`
	Tolerance     float64             `yaml:"tolerance"`
	LazyRescale   bool                `yaml:"lazyRescale"`
}

// Default returns the default configuration: the simulated scheme over a
// 40-bit scale chain of 31 levels, and the default comparison.
func Default() Config {
	return Config{
		Scheme: Sim,
		CKKS: CKKSConfig{Ring{
			LogN:            16,
			LogQ:            []int{55, 40, 40, 40, 40, 40, 40, 40, 40, 40, 40, 40, 40, 40, 40, 40, 40, 40, 40, 40, 40, 40, 40, 40, 40, 40},
			LogP:            []int{61, 61},
			LogDefaultScale: 40,
		}},
		BGV: BGVConfig{
			Ring: Ring{
				LogN: 14,
				LogQ: []int{55, 45, 45, 45, 45, 45, 45},
				LogP: []int{61},
			},
			PlaintextModulus: 0x10001,
		},
		Sim: SimConfig{
			Ring: Ring{
				LogN:            10,
				LogQ:            append([]int{55}, repeat(40, 30)...),
				LogDefaultScale: 40,
			},
			Sigma: 3.2,
		},
		Paillier: PaillierConfig{Bits: 1024, Shares: 2, Threshold: 2},
		Approximation: ApproximationConfig{
			Degree:     3,
			Iterations: 8,
			Bound:      1,
			Gap:        0.1,
			Functions:  FunctionsConfig{Domain: [2]float64{-4, 4}, Degree: 7},
		},
		Executor:  ExecutorConfig{Workers: runtime.NumCPU()},
		Tolerance: tracker.DefaultTolerance,
	}
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot Load: %w", err)
	}
	defer f.Close()
	return Read(f)
}

// Parse decodes and validates a configuration document.
func Parse(data []byte) (*Config, error) {
	return Read(bytes.NewReader(data))
}

// Read decodes and validates a configuration document. Missing fields keep
// their default value and unknown fields are rejected.
func Read(r io.Reader) (*Config, error) {

	c := Default()

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("cannot Read: %w: %w", he.ErrInvalidParameters, err)
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("cannot Read: %w", err)
	}

	return &c, nil
}

// Marshal encodes the configuration as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", he.ErrInvalidParameters, fmt.Sprintf(format, args...))
}

func repeat(v, n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = v
	}
	return out
}

// chain returns the modulus chain, the bit-sizes being dropped when explicit
// primes are given.
func (r Ring) chain() (q, p []uint64, logQ, logP []int) {
	q, p, logQ, logP = r.Q, r.P, r.LogQ, r.LogP
	if len(q) != 0 {
		logQ = nil
	}
	if len(p) != 0 {
		logP = nil
	}
	return
}

func (r Ring) validate(scheme string, scaled bool) error {

	if r.LogN < 1 {
		return invalid("%s.logN=%d", scheme, r.LogN)
	}

	if len(r.Q) == 0 && len(r.LogQ) == 0 {
		return invalid("%s: missing modulus chain", scheme)
	}

	// Scales above 60 bits would require more than one prime per rescale.
	if scaled && (r.LogDefaultScale < 1 || r.LogDefaultScale > 60) {
		return invalid("%s.logDefaultScale=%d not in [1, 60]", scheme, r.LogDefaultScale)
	}

	return nil
}

// Validate checks the consistency of the configuration.
func (c Config) Validate() error {

	switch c.Scheme {
	case CKKS:
		if err := c.CKKS.validate(CKKS, true); err != nil {
			return err
		}
	case BGV:
		if err := c.BGV.validate(BGV, false); err != nil {
			return err
		}
		if c.BGV.PlaintextModulus < 2 {
			return invalid("bgv.plaintextModulus=%d", c.BGV.PlaintextModulus)
		}
	case Sim:
		if err := c.Sim.validate(Sim, true); err != nil {
			return err
		}
		if c.Sim.Sigma < 0 {
			return invalid("sim.sigma=%v", c.Sim.Sigma)
		}
	case Paillier:
		if err := c.PaillierParameters().Validate(); err != nil {
			return err
		}
	default:
		return invalid("unknown scheme %q", c.Scheme)
	}

	a := c.Approximation

	if a.Degree < 3 || a.Degree%2 == 0 {
		return invalid("approximation.degree=%d must be odd and at least 3", a.Degree)
	}

	if a.Iterations < 1 {
		return invalid("approximation.iterations=%d", a.Iterations)
	}

	if !(a.Bound > 0) || math.IsInf(a.Bound, 0) {
		return invalid("approximation.bound=%v", a.Bound)
	}

	if !(a.Gap > 0 && a.Gap < 1) {
		return invalid("approximation.gap=%v not in (0, 1)", a.Gap)
	}

	if !(a.Functions.Domain[0] < a.Functions.Domain[1]) {
		return invalid("approximation.functions.domain=%v", a.Functions.Domain)
	}

	if a.Functions.Degree < 1 {
		return invalid("approximation.functions.degree=%d", a.Functions.Degree)
	}

	if c.Executor.Workers < 1 {
		return invalid("executor.workers=%d", c.Executor.Workers)
	}

	if _, err := c.Seed(); err != nil {
		return err
	}

	if !(c.Tolerance > 0 && c.Tolerance < 1) {
		return invalid("tolerance=%v not in (0, 1)", c.Tolerance)
	}

	return nil
}

// CKKSParameters returns the literal of the approximate-real scheme.
func (c Config) CKKSParameters() hefloat.ParametersLiteral {
	q, p, logQ, logP := c.CKKS.chain()
	return hefloat.ParametersLiteral{
		LogN:            c.CKKS.LogN,
		Q:               q,
		P:               p,
		LogQ:            logQ,
		LogP:            logP,
		LogDefaultScale: c.CKKS.LogDefaultScale,
	}
}

// BGVParameters returns the literal of the exact-integer scheme.
func (c Config) BGVParameters() heint.ParametersLiteral {
	q, p, logQ, logP := c.BGV.chain()
	return heint.ParametersLiteral{
		LogN:             c.BGV.LogN,
		Q:                q,
		P:                p,
		LogQ:             logQ,
		LogP:             logP,
		PlaintextModulus: c.BGV.PlaintextModulus,
	}
}

// SimParameters returns the literal of the simulated scheme. A chain given by
// bit-sizes is generated as the CKKS parameters would generate it.
func (c Config) SimParameters() (pl hesim.ParametersLiteral, err error) {

	r := c.Sim.Ring
	q, _, logQ, logP := r.chain()

	pl = hesim.ParametersLiteral{
		LogN:            r.LogN,
		Q:               q,
		LogDefaultScale: r.LogDefaultScale,
		Sigma:           c.Sim.Sigma,
		NativeSign:      c.Sim.NativeSign,
	}

	if len(pl.Q) != 0 {
		return
	}

	// The simulation has no key-switching modulus, one special prime is enough
	// for the generator.
	if len(logP) == 0 {
		logP = []int{61}
	}

	params, err := ckks.NewParametersFromLiteral(ckks.ParametersLiteral{
		LogN:            r.LogN,
		LogQ:            logQ,
		LogP:            logP,
		LogDefaultScale: r.LogDefaultScale,
	})
	if err != nil {
		return pl, fmt.Errorf("cannot SimParameters: %w: %w", he.ErrInvalidParameters, err)
	}

	pl.Q = params.Q()

	return
}

// PaillierParameters returns the parameters of the additive scheme.
func (c Config) PaillierParameters() paillier.Parameters {
	return paillier.Parameters{
		Bits:      c.Paillier.Bits,
		Shares:    c.Paillier.Shares,
		Threshold: c.Paillier.Threshold,
	}
}

// Comparison returns the comparison configuration.
func (c Config) Comparison() comparison.Config {
	return comparison.Config{
		Base:       comparison.CompositeSign((c.Approximation.Degree - 1) / 2),
		Iterations: c.Approximation.Iterations,
		Bound:      c.Approximation.Bound,
	}
}

// Gap returns the absolute gap of the comparisons.
func (c Config) Gap() float64 {
	return c.Approximation.Gap * c.Approximation.Bound
}

// Functions returns the approximations bound to the functions of expressions.
func (c Config) Functions() (arithmetic.Functions, error) {
	f := c.Approximation.Functions
	return arithmetic.DefaultFunctions(f.Domain[0], f.Domain[1], f.Degree)
}

// Policy returns the tracker policy.
func (c Config) Policy() tracker.Policy {
	policy := tracker.DefaultPolicy()
	policy.RescaleOnProduce = !c.LazyRescale
	policy.Tolerance = c.Tolerance
	return policy
}

// Seed returns the decoded executor seed, nil if none is set.
func (c Config) Seed() ([]byte, error) {
	if c.Executor.Seed == "" {
		return nil, nil
	}
	seed, err := hex.DecodeString(c.Executor.Seed)
	if err != nil {
		return nil, invalid("executor.seed: %v", err)
	}
	return seed, nil
}

// Package tracker implements the scale and level bookkeeping that sits between
// the circuits and a he.CryptoSystem. Every addition goes through operand
// alignment (level matching by modulus dropping, scale normalization by metadata
// overwrite within a tolerance, or by an exact rescale for operands that have a
// level to spare) and every multiplication goes through the rescale policy, so
// that circuits written against the Tracker never hand mismatched operands to
// the backend.
package tracker

import (
	"fmt"
	"io"
	"math"

	"github.com/tuneinsight/heselect/core/he"
	"github.com/tuneinsight/heselect/utils"
)

// DefaultTolerance is the default bound on the relative distance between two
// scales that may be normalized to a common value.
const DefaultTolerance = 1.0 / (1 << 20)

// Policy parametrizes the Tracker.
type Policy struct {
	// RescaleOnProduce rescales the output of every multiplication that inflated
	// the scale. If false, inflated operands are rescaled lazily: an inflated
	// operand is rescaled right before it enters a multiplication, a
	// multiplication by a non-integer constant, or an alignment, whatever the
	// other operands are.
	RescaleOnProduce bool

	// NormalizeOnRescale overwrites the scale of a rescaled ciphertext with the
	// default scale when both are within Tolerance, which keeps the drift caused
	// by primes not being exact powers of two from compounding along deep circuits.
	NormalizeOnRescale bool

	// Tolerance is the largest relative distance between two scales that may be
	// normalized by metadata overwrite. Values <= 0 select DefaultTolerance.
	Tolerance float64
}

// DefaultPolicy returns the rescale-on-produce policy with DefaultTolerance.
func DefaultPolicy() Policy {
	return Policy{
		RescaleOnProduce:   true,
		NormalizeOnRescale: true,
		Tolerance:          DefaultTolerance,
	}
}

// Tracker wraps a he.CryptoSystem and enforces the scale and level policy on
// every operation. Like the CryptoSystem it wraps, a Tracker is not safe for
// concurrent use; use ShallowCopy to obtain one per goroutine.
type Tracker struct {
	cs       he.CryptoSystem
	params   he.Parameters
	caps     he.Capabilities
	policy   Policy
	observer he.Observer
}

// NewTracker returns a Tracker applying policy to cs.
func NewTracker(cs he.CryptoSystem, policy Policy) *Tracker {
	if policy.Tolerance <= 0 {
		policy.Tolerance = DefaultTolerance
	}
	return &Tracker{
		cs:       cs,
		params:   cs.Context().Parameters(),
		caps:     cs.Capabilities(),
		policy:   policy,
		observer: he.Discard,
	}
}

// WithObserver returns a shallow copy of the Tracker reporting its steps to observer.
func (t Tracker) WithObserver(observer he.Observer) *Tracker {
	if observer == nil {
		observer = he.Discard
	}
	t.observer = observer
	return &t
}

// ShallowCopy returns a Tracker sharing the policy and observer of the receiver
// over a shallow copy of its CryptoSystem using source for fresh encryptions.
func (t Tracker) ShallowCopy(source io.Reader) *Tracker {
	t.cs = t.cs.ShallowCopy(source)
	return &t
}

// CryptoSystem returns the wrapped CryptoSystem.
func (t *Tracker) CryptoSystem() he.CryptoSystem {
	return t.cs
}

// Parameters returns the parameters of the wrapped CryptoSystem.
func (t *Tracker) Parameters() he.Parameters {
	return t.params
}

// Capabilities returns the capabilities of the wrapped CryptoSystem.
func (t *Tracker) Capabilities() he.Capabilities {
	return t.caps
}

// Policy returns the policy of the Tracker.
func (t *Tracker) Policy() Policy {
	return t.policy
}

// Observer returns the observer the Tracker reports its steps to.
func (t *Tracker) Observer() he.Observer {
	return t.observer
}

func (t *Tracker) observe(op he.Operation, ct *he.Ciphertext) {
	t.observer.Observe(he.Step{Op: op, Level: ct.Level, Scale: ct.Scale})
}

// Encrypt encrypts values at the default scale and maximum level.
func (t *Tracker) Encrypt(values ...float64) (ct *he.Ciphertext, err error) {
	if ct, err = t.cs.Encrypt(values...); err != nil {
		return nil, err
	}
	t.observe(he.OpEncrypt, ct)
	return
}

// Decrypt decrypts ct.
func (t *Tracker) Decrypt(ct *he.Ciphertext) ([]float64, error) {
	t.observe(he.OpDecrypt, ct)
	return t.cs.Decrypt(ct)
}

// DecryptScalar decrypts ct and returns its first slot.
func (t *Tracker) DecryptScalar(ct *he.Ciphertext) (float64, error) {
	t.observe(he.OpDecrypt, ct)
	return he.DecryptScalar(t.cs, ct)
}

// Inflated reports whether ct carries the scale of an unrescaled product.
func (t *Tracker) Inflated(ct *he.Ciphertext) bool {
	return t.inflated(ct.MetaData)
}

func (t *Tracker) inflated(md he.MetaData) bool {
	if !t.caps.Approximate || !t.caps.Rescale || md.Level < 0 || md.Level > t.params.MaxLevel() {
		return false
	}
	// Between a fresh scale and the product of two fresh scales.
	threshold := float64(t.params.DefaultScale()) * math.Sqrt(t.params.QiFloat64(md.Level))
	return float64(md.Scale) >= threshold
}

// rescaled returns the metadata Rescale produces from md.
func (t *Tracker) rescaled(md he.MetaData) he.MetaData {
	if !t.caps.Rescale {
		return md
	}
	md.Scale /= he.Scale(t.params.QiFloat64(md.Level))
	md.Level--
	if t.policy.NormalizeOnRescale && t.caps.Approximate {
		if def := t.params.DefaultScale(); md.Scale.RelativeDistance(def) < t.policy.Tolerance {
			md.Scale = def
		}
	}
	return md
}

// Settled returns the metadata a ciphertext carrying md has once the policy
// has rescaled it, as it enters a multiplication or an addition.
func (t *Tracker) Settled(md he.MetaData) he.MetaData {
	if !t.policy.RescaleOnProduce && t.inflated(md) {
		return t.rescaled(md)
	}
	return md
}

// MulMetaData returns the metadata of Mul(op0, op1) without evaluating it.
func (t *Tracker) MulMetaData(op0, op1 he.MetaData) he.MetaData {

	if !t.policy.RescaleOnProduce {
		op0, op1 = t.Settled(op0), t.Settled(op1)
	}

	out := he.MetaData{Scale: op0.Scale * op1.Scale, Level: min(op0.Level, op1.Level), Context: op0.Context}

	if (t.policy.RescaleOnProduce && t.inflated(out)) || (t.caps.Rescale && !t.caps.Approximate) {
		return t.rescaled(out)
	}

	return out
}

// Rescale rescales ct and, if the policy asks for it, normalizes its scale to
// the default scale.
func (t *Tracker) Rescale(ct *he.Ciphertext) (out *he.Ciphertext, err error) {

	if !t.caps.Rescale {
		return ct, nil
	}

	if out, err = t.cs.Rescale(ct); err != nil {
		return nil, err
	}
	t.observe(he.OpRescale, out)

	if t.policy.NormalizeOnRescale && t.caps.Approximate {
		def := t.params.DefaultScale()
		if out.Scale != def && out.Scale.RelativeDistance(def) < t.policy.Tolerance {
			if out, err = t.setScale(out, def); err != nil {
				return nil, err
			}
		}
	}

	return
}

func (t *Tracker) setScale(ct *he.Ciphertext, scale he.Scale) (out *he.Ciphertext, err error) {
	if out, err = t.cs.SetScale(ct, scale); err != nil {
		return nil, err
	}
	t.observe(he.OpSetScale, out)
	return
}

// rescaleIfInflated implements the lazy side of the policy.
func (t *Tracker) rescaleIfInflated(ct *he.Ciphertext) (*he.Ciphertext, error) {
	if t.Inflated(ct) {
		return t.Rescale(ct)
	}
	return ct, nil
}

// DropLevel reduces the level of ct by levels, leaving its scale unchanged.
func (t *Tracker) DropLevel(ct *he.Ciphertext, levels int) (out *he.Ciphertext, err error) {
	if levels == 0 {
		return ct, nil
	}
	if out, err = t.cs.DropLevel(ct, levels); err != nil {
		return nil, err
	}
	t.observe(he.OpDropLevel, out)
	return
}

// DropLevelTo reduces the level of ct to level.
func (t *Tracker) DropLevelTo(ct *he.Ciphertext, level int) (*he.Ciphertext, error) {
	if level > ct.Level {
		return nil, fmt.Errorf("cannot DropLevelTo: target level %d above ciphertext level %d", level, ct.Level)
	}
	return t.DropLevel(ct, ct.Level-level)
}

// canonical returns the scale to which scales within tolerance of each other
// are normalized: the default scale if it is close to all of them, else the
// first one.
func (t *Tracker) canonical(scales ...he.Scale) he.Scale {
	def := t.params.DefaultScale()
	for _, s := range scales {
		if s.RelativeDistance(def) >= t.policy.Tolerance {
			return scales[0]
		}
	}
	return def
}

// Align returns op0 and op1 brought to a common level and scale: the operand
// with the higher level is dropped to the lower level, and scales within the
// tolerance are overwritten with their canonical value. On approximate
// backends, an operand above the lower level whose scale is too far from the
// canonical one is brought to it with RescaleTo. Align fails with an error
// wrapping he.ErrScaleDivergence if operands at the lower level have scales
// too far apart.
func (t *Tracker) Align(op0, op1 *he.Ciphertext) (*he.Ciphertext, *he.Ciphertext, error) {
	cts, err := t.AlignAll(op0, op1)
	if err != nil {
		return nil, nil, err
	}
	return cts[0], cts[1], nil
}

// AlignAll brings every ciphertext to the minimum level present among them and
// to a common scale, see Align. The input slice is not modified.
func (t *Tracker) AlignAll(cts ...*he.Ciphertext) (out []*he.Ciphertext, err error) {

	if len(cts) == 0 {
		return nil, nil
	}

	out = make([]*he.Ciphertext, len(cts))
	copy(out, cts)

	for i := range out[1:] {
		if out[i+1].Context != out[0].Context {
			return nil, fmt.Errorf("cannot AlignAll: %w: ciphertexts %d and 0 under different contexts", he.ErrKeyMismatch, i+1)
		}
	}

	if !t.policy.RescaleOnProduce {
		for i := range out {
			if out[i], err = t.rescaleIfInflated(out[i]); err != nil {
				return nil, fmt.Errorf("cannot AlignAll: %w", err)
			}
		}
	}

	level := out[0].Level
	for _, ct := range out[1:] {
		level = min(level, ct.Level)
	}

	bottom := make([]he.Scale, 0, len(out))
	for _, ct := range out {
		if ct.Level == level {
			bottom = append(bottom, ct.Scale)
		}
	}

	target := t.canonical(bottom...)

	for i := range out {
		// An operand above the common level spends one of the levels it would
		// drop anyway to land exactly on the target scale.
		if t.caps.Approximate && out[i].Level > level && out[i].Scale.RelativeDistance(target) >= t.policy.Tolerance {
			if out[i], err = t.RescaleTo(out[i], target); err != nil {
				return nil, fmt.Errorf("cannot AlignAll: %w", err)
			}
		}
		if out[i], err = t.DropLevelTo(out[i], level); err != nil {
			return nil, fmt.Errorf("cannot AlignAll: %w", err)
		}
	}

	scales := make([]he.Scale, len(out))
	uniform := true
	for i := range out {
		scales[i] = out[i].Scale
		uniform = uniform && scales[i] == scales[0]
	}

	if uniform {
		return
	}

	if !t.caps.Approximate {
		return nil, fmt.Errorf("cannot AlignAll: %w: exact scheme with scales %v", he.ErrScaleMismatch, scales)
	}

	for i := range out {
		if out[i].Scale == target {
			continue
		}

		if d := out[i].Scale.RelativeDistance(target); d >= t.policy.Tolerance {
			return nil, fmt.Errorf("cannot AlignAll: %w: scale %v differs from %v by 2^%.2f (tolerance 2^%.2f)",
				he.ErrScaleDivergence, float64(out[i].Scale), float64(target), math.Log2(d), math.Log2(t.policy.Tolerance))
		}

		if out[i], err = t.setScale(out[i], target); err != nil {
			return nil, fmt.Errorf("cannot AlignAll: %w", err)
		}
	}

	return
}

// Add returns op0 + op1 after aligning the operands.
func (t *Tracker) Add(op0, op1 *he.Ciphertext) (out *he.Ciphertext, err error) {

	if op0, op1, err = t.Align(op0, op1); err != nil {
		return nil, fmt.Errorf("cannot Add: %w", err)
	}

	if out, err = t.cs.Add(op0, op1); err != nil {
		return nil, err
	}

	t.observe(he.OpAdd, out)
	return
}

// Sub returns op0 - op1 after aligning the operands.
func (t *Tracker) Sub(op0, op1 *he.Ciphertext) (out *he.Ciphertext, err error) {
	if op1, err = t.Neg(op1); err != nil {
		return nil, fmt.Errorf("cannot Sub: %w", err)
	}
	return t.Add(op0, op1)
}

// Neg returns -op0.
func (t *Tracker) Neg(op0 *he.Ciphertext) (*he.Ciphertext, error) {
	return t.MulConst(op0, -1)
}

// Sum returns the sum of the ciphertexts, all of them being aligned first and
// then added from left to right.
func (t *Tracker) Sum(cts ...*he.Ciphertext) (acc *he.Ciphertext, err error) {

	if len(cts) == 0 {
		return nil, fmt.Errorf("cannot Sum: no operand")
	}

	aligned, err := t.AlignAll(cts...)
	if err != nil {
		return nil, fmt.Errorf("cannot Sum: %w", err)
	}

	acc = aligned[0]
	for _, ct := range aligned[1:] {
		if acc, err = t.cs.Add(acc, ct); err != nil {
			return nil, fmt.Errorf("cannot Sum: %w", err)
		}
		t.observe(he.OpAdd, acc)
	}

	return
}

// AddConst returns op0 + c.
func (t *Tracker) AddConst(op0 *he.Ciphertext, c float64) (out *he.Ciphertext, err error) {
	if c == 0 {
		return op0, nil
	}
	if out, err = t.cs.AddConst(op0, c); err != nil {
		return nil, err
	}
	t.observe(he.OpAddConst, out)
	return
}

// Mul returns op0 * op1, rescaled according to the policy.
// It fails with an error wrapping he.ErrLevelExhausted if the backend manages
// levels and one of the operands is at level zero.
func (t *Tracker) Mul(op0, op1 *he.Ciphertext) (out *he.Ciphertext, err error) {

	if !t.caps.Multiplication {
		return nil, he.Unsupported(fmt.Sprintf("%T", t.cs), "Mul")
	}

	if !t.policy.RescaleOnProduce {
		if op0, err = t.rescaleIfInflated(op0); err != nil {
			return nil, fmt.Errorf("cannot Mul: %w", err)
		}
		if op1, err = t.rescaleIfInflated(op1); err != nil {
			return nil, fmt.Errorf("cannot Mul: %w", err)
		}
	}

	if t.caps.Rescale && min(op0.Level, op1.Level) == 0 {
		return nil, fmt.Errorf("cannot Mul: %w: operand at level 0", he.ErrLevelExhausted)
	}

	if out, err = t.cs.Mul(op0, op1); err != nil {
		return nil, err
	}
	t.observe(he.OpMul, out)

	// Exact schemes rescale after every product to keep the noise bounded.
	if (t.policy.RescaleOnProduce && t.Inflated(out)) || (t.caps.Rescale && !t.caps.Approximate) {
		return t.Rescale(out)
	}

	return
}

// Square returns op0 * op0.
func (t *Tracker) Square(op0 *he.Ciphertext) (*he.Ciphertext, error) {
	return t.Mul(op0, op0)
}

// MulConst returns op0 * c, rescaled according to the policy when c is not an integer.
func (t *Tracker) MulConst(op0 *he.Ciphertext, c float64) (out *he.Ciphertext, err error) {

	if c == 1 {
		return op0, nil
	}

	if !t.policy.RescaleOnProduce && !utils.IsInteger(c) {
		if op0, err = t.rescaleIfInflated(op0); err != nil {
			return nil, fmt.Errorf("cannot MulConst: %w", err)
		}
	}

	if out, err = t.cs.MulConst(op0, c); err != nil {
		return nil, err
	}
	t.observe(he.OpMulConst, out)

	if t.policy.RescaleOnProduce && t.Inflated(out) {
		return t.Rescale(out)
	}

	return
}

// MulConstTo returns op0 * c rescaled once, with a scale of exactly target.
// The constant is multiplied in as c * target * q / op0.Scale, q being the
// prime dropped by the rescale, so that no metadata overwrite is needed to
// reach target. Backends without approximate rescaling fall back to MulConst.
func (t *Tracker) MulConstTo(op0 *he.Ciphertext, c float64, target he.Scale) (out *he.Ciphertext, err error) {

	if !t.caps.Approximate || !t.caps.Rescale {
		return t.MulConst(op0, c)
	}

	if !t.policy.RescaleOnProduce {
		if op0, err = t.rescaleIfInflated(op0); err != nil {
			return nil, fmt.Errorf("cannot MulConstTo: %w", err)
		}
	}

	if op0.Level == 0 {
		return nil, fmt.Errorf("cannot MulConstTo: %w: operand at level 0", he.ErrLevelExhausted)
	}

	// Integers are multiplied in unscaled and the prime is dropped instead.
	k := c * float64(target) / float64(op0.Scale)

	if out, err = t.cs.MulConst(op0, k); err != nil {
		return nil, fmt.Errorf("cannot MulConstTo: %w", err)
	}
	t.observe(he.OpMulConst, out)

	if utils.IsInteger(k) {
		out, err = t.DropLevel(out, 1)
	} else if out, err = t.cs.Rescale(out); err == nil {
		t.observe(he.OpRescale, out)
	}

	if err != nil {
		return nil, fmt.Errorf("cannot MulConstTo: %w", err)
	}

	return t.setScale(out, target)
}

// RescaleTo consumes one level of ct to bring its scale to exactly target.
func (t *Tracker) RescaleTo(ct *he.Ciphertext, target he.Scale) (*he.Ciphertext, error) {
	if ct.Scale == target {
		return t.DropLevel(ct, 1)
	}
	return t.MulConstTo(ct, 1, target)
}

// Rotate rotates the slots of op0 by k positions to the left.
func (t *Tracker) Rotate(op0 *he.Ciphertext, k int) (out *he.Ciphertext, err error) {
	if !t.caps.Rotation {
		return nil, he.Unsupported(fmt.Sprintf("%T", t.cs), "Rotate")
	}
	if out, err = t.cs.Rotate(op0, k); err != nil {
		return nil, err
	}
	t.observe(he.OpRotate, out)
	return
}

// Sign returns the native sign of op0 on backends advertising it.
func (t *Tracker) Sign(op0 *he.Ciphertext) (out *he.Ciphertext, err error) {
	signer, ok := t.cs.(he.Sign)
	if !t.caps.NativeSign || !ok {
		return nil, he.Unsupported(fmt.Sprintf("%T", t.cs), "Sign")
	}
	if out, err = signer.Sign(op0); err != nil {
		return nil, err
	}
	t.observe(he.OpSign, out)
	return
}

package heint

import (
	"bytes"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tuneinsight/lattigo/v6/core/rlwe"

	"github.com/tuneinsight/heselect/core/he"
	"github.com/tuneinsight/heselect/core/tracker"
	"github.com/tuneinsight/heselect/utils/prng"
)

func name(opname string, params Parameters) string {
	return fmt.Sprintf("%s/LogN=%d/logQ=%d/logT=%d", opname, params.LogN(), int(math.Round(params.LogQ())), int(math.Round(params.LogT())))
}

func newTestCryptoSystem(t *testing.T, rotations ...int) (Parameters, *KeySet, *CryptoSystem) {
	params, err := NewParametersFromLiteral(TestParametersLiteral)
	require.NoError(t, err)
	keys, err := GenKeySet(params, rotations...)
	require.NoError(t, err)
	cs, err := NewCryptoSystem(params, keys)
	require.NoError(t, err)
	return params, keys, cs
}

func TestHEInt(t *testing.T) {

	params, keys, cs := newTestCryptoSystem(t, 1)

	t.Run(name("Parameters", params), func(t *testing.T) {
		hep := params.HEParameters()
		require.Equal(t, he.ExactInteger, hep.Scheme())
		require.False(t, hep.Approximate())
		require.Equal(t, he.Scale(1), hep.DefaultScale())
		require.Equal(t, float64(0xffc001), hep.PlaintextModulus())
		require.Equal(t, params.MaxLevel(), hep.MaxLevel())

		caps := cs.Capabilities()
		require.False(t, caps.Approximate)
		require.True(t, caps.Multiplication)
		require.True(t, caps.Rescale)
		require.True(t, caps.Rotation)
	})

	t.Run(name("Encrypt/Decrypt", params), func(t *testing.T) {
		values := []float64{0, 1, -1, 42, -4096, 8000000}
		ct, err := cs.Encrypt(values...)
		require.NoError(t, err)
		require.Equal(t, he.Scale(1), ct.Scale)

		have, err := cs.Decrypt(ct)
		require.NoError(t, err)
		require.Equal(t, values, have[:len(values)])

		_, err = cs.Encrypt(0.5)
		require.ErrorIs(t, err, he.ErrEncoding)

		_, err = cs.Encrypt(float64(0xffc001))
		require.ErrorIs(t, err, he.ErrEncoding)
	})

	t.Run(name("Add/Mul", params), func(t *testing.T) {
		a, err := cs.Encrypt(17, -3)
		require.NoError(t, err)
		b, err := cs.Encrypt(-5, 11)
		require.NoError(t, err)

		sum, err := cs.Add(a, b)
		require.NoError(t, err)
		have, err := cs.Decrypt(sum)
		require.NoError(t, err)
		require.Equal(t, []float64{12, 8}, have[:2])

		prod, err := cs.Mul(a, b)
		require.NoError(t, err)
		prod, err = cs.Rescale(prod)
		require.NoError(t, err)
		require.Equal(t, params.MaxLevel()-1, prod.Level)
		have, err = cs.Decrypt(prod)
		require.NoError(t, err)
		require.Equal(t, []float64{-85, -33}, have[:2])
	})

	t.Run(name("Constants", params), func(t *testing.T) {
		a, err := cs.Encrypt(7)
		require.NoError(t, err)

		c, err := cs.AddConst(a, -10)
		require.NoError(t, err)
		v, err := he.DecryptScalar(cs, c)
		require.NoError(t, err)
		require.Equal(t, -3.0, v)

		c, err = cs.MulConst(a, 6)
		require.NoError(t, err)
		require.Equal(t, a.Level, c.Level)
		v, err = he.DecryptScalar(cs, c)
		require.NoError(t, err)
		require.Equal(t, 42.0, v)

		_, err = cs.MulConst(a, 0.5)
		require.ErrorIs(t, err, he.ErrEncoding)
	})

	t.Run(name("LevelExhausted", params), func(t *testing.T) {
		tr := tracker.NewTracker(cs, tracker.DefaultPolicy())

		ct, err := tr.Encrypt(2)
		require.NoError(t, err)

		for i := 0; i < params.MaxLevel(); i++ {
			ct, err = tr.Mul(ct, ct)
			require.NoError(t, err)
		}

		require.Equal(t, 0, ct.Level)
		v, err := tr.DecryptScalar(ct)
		require.NoError(t, err)
		require.Equal(t, math.Exp2(math.Exp2(float64(params.MaxLevel()))), v)

		_, err = tr.Mul(ct, ct)
		require.ErrorIs(t, err, he.ErrLevelExhausted)
	})

	t.Run(name("SetScale", params), func(t *testing.T) {
		a, err := cs.Encrypt(1)
		require.NoError(t, err)
		_, err = cs.SetScale(a, 2)
		require.ErrorIs(t, err, he.ErrScaleMismatch)
		b, err := cs.SetScale(a, 1)
		require.NoError(t, err)
		require.Equal(t, a.MetaData, b.MetaData)
	})

	t.Run(name("DropLevel", params), func(t *testing.T) {
		a, err := cs.Encrypt(9)
		require.NoError(t, err)
		b, err := cs.DropLevel(a, 2)
		require.NoError(t, err)
		require.Equal(t, a.Level-2, b.Level)
		v, err := he.DecryptScalar(cs, b)
		require.NoError(t, err)
		require.Equal(t, 9.0, v)
	})

	t.Run(name("Rotate", params), func(t *testing.T) {
		a, err := cs.Encrypt(1, 2, 3, 4)
		require.NoError(t, err)
		b, err := cs.Rotate(a, 1)
		require.NoError(t, err)
		have, err := cs.Decrypt(b)
		require.NoError(t, err)
		require.Equal(t, []float64{2, 3, 4}, have[:3])
	})

	t.Run(name("ShallowCopy/Seeded", params), func(t *testing.T) {
		seed := []byte("heint seeded copies")

		encrypt := func(shard int) (*he.Ciphertext, []byte) {
			source, err := prng.NewShardSource(seed, shard)
			require.NoError(t, err)
			ct, err := cs.ShallowCopy(source).Encrypt(7, -12, 1000)
			require.NoError(t, err)
			b, err := ct.Value.(*rlwe.Ciphertext).MarshalBinary()
			require.NoError(t, err)
			return ct, b
		}

		ct, b0 := encrypt(0)
		_, b1 := encrypt(0)
		_, b2 := encrypt(1)
		require.True(t, bytes.Equal(b0, b1))
		require.False(t, bytes.Equal(b0, b2))

		have, err := cs.Decrypt(ct)
		require.NoError(t, err)
		require.Equal(t, []float64{7, -12, 1000}, have[:3])

		prod, err := cs.Mul(ct, ct)
		require.NoError(t, err)
		have, err = cs.Decrypt(prod)
		require.NoError(t, err)
		require.Equal(t, []float64{49, 144, 1000000}, have[:3])

		cpy := cs.ShallowCopy(nil)
		_, err = cpy.Encrypt(1)
		require.NoError(t, err)
	})

	t.Run(name("KeyMismatch", params), func(t *testing.T) {
		_, _, other := newTestCryptoSystem(t)

		a, err := other.Encrypt(1)
		require.NoError(t, err)
		b, err := cs.Encrypt(1)
		require.NoError(t, err)

		_, err = cs.Add(a, b)
		require.ErrorIs(t, err, he.ErrKeyMismatch)

		_, err = cs.Decrypt(a)
		require.ErrorIs(t, err, he.ErrKeyMismatch)

		public, err := NewCryptoSystem(params, keys.Public())
		require.NoError(t, err)
		require.Equal(t, cs.Context().ID(), public.Context().ID())
		_, err = public.Decrypt(b)
		require.ErrorIs(t, err, he.ErrKeyMismatch)
	})
}

package hesim

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tuneinsight/heselect/core/he"
)

func newTestCryptoSystem(t *testing.T, pl ParametersLiteral) (*CryptoSystem, Parameters) {
	params, err := NewParametersFromLiteral(pl)
	require.NoError(t, err)
	cs, err := NewCryptoSystem(params, NewKeySet([]byte("hesim test keys")))
	require.NoError(t, err)
	return cs, params
}

func TestSimulation(t *testing.T) {

	cs, params := newTestCryptoSystem(t, TestParametersLiteral)

	t.Run("Parameters", func(t *testing.T) {
		require.Equal(t, 31, params.MaxLevel())
		require.Equal(t, he.Scale(1<<40), params.DefaultScale())

		_, err := NewParametersFromLiteral(ParametersLiteral{LogN: 10, Q: TestPrimes[:2], LogDefaultScale: 61})
		require.ErrorIs(t, err, he.ErrInvalidParameters)

		_, err = NewParametersFromLiteral(ParametersLiteral{LogN: 10, LogDefaultScale: 40})
		require.ErrorIs(t, err, he.ErrInvalidParameters)
	})

	t.Run("Encrypt/Decrypt", func(t *testing.T) {
		ct, err := cs.Encrypt(1.25)
		require.NoError(t, err)
		require.Equal(t, params.MaxLevel(), ct.Level)
		require.Equal(t, params.DefaultScale(), ct.Scale)

		v, err := he.DecryptScalar(cs, ct)
		require.NoError(t, err)
		require.InDelta(t, 1.25, v, 1e-9)

		_, err = cs.Encrypt(math.Exp2(20))
		require.ErrorIs(t, err, he.ErrEncoding)

		_, err = cs.Encrypt(math.NaN())
		require.ErrorIs(t, err, he.ErrEncoding)
	})

	t.Run("Mul/Rescale", func(t *testing.T) {
		a, err := cs.Encrypt(1.5)
		require.NoError(t, err)
		b, err := cs.Encrypt(-2)
		require.NoError(t, err)

		c, err := cs.Mul(a, b)
		require.NoError(t, err)
		require.Equal(t, a.Scale*b.Scale, c.Scale)
		require.Equal(t, a.Level, c.Level)

		c, err = cs.Rescale(c)
		require.NoError(t, err)
		require.Equal(t, a.Level-1, c.Level)
		require.Equal(t, a.Scale*b.Scale/he.Scale(params.QiFloat64(a.Level)), c.Scale)

		v, err := he.DecryptScalar(cs, c)
		require.NoError(t, err)
		require.InDelta(t, -3, v, 1e-9)
	})

	t.Run("MulConst", func(t *testing.T) {
		a, err := cs.Encrypt(0.5)
		require.NoError(t, err)

		integer, err := cs.MulConst(a, 3)
		require.NoError(t, err)
		require.Equal(t, a.Scale, integer.Scale)

		frac, err := cs.MulConst(a, 0.25)
		require.NoError(t, err)
		require.Equal(t, a.Scale*he.Scale(params.QiFloat64(a.Level)), frac.Scale)

		frac, err = cs.Rescale(frac)
		require.NoError(t, err)
		require.Equal(t, a.Scale, frac.Scale)

		v, err := he.DecryptScalar(cs, frac)
		require.NoError(t, err)
		require.InDelta(t, 0.125, v, 1e-9)
	})

	t.Run("Add/ScaleMismatch", func(t *testing.T) {
		a, err := cs.Encrypt(1)
		require.NoError(t, err)
		b, err := cs.Encrypt(2)
		require.NoError(t, err)

		ab, err := cs.Mul(a, b)
		require.NoError(t, err)
		ab, err = cs.Rescale(ab)
		require.NoError(t, err)

		_, err = cs.Add(a, ab)
		require.ErrorIs(t, err, he.ErrScaleMismatch)

		dropped, err := cs.DropLevel(a, 1)
		require.NoError(t, err)
		_, err = cs.Add(dropped, ab)
		require.ErrorIs(t, err, he.ErrScaleMismatch)

		ab, err = cs.SetScale(ab, dropped.Scale)
		require.NoError(t, err)
		sum, err := cs.Add(dropped, ab)
		require.NoError(t, err)

		v, err := he.DecryptScalar(cs, sum)
		require.NoError(t, err)
		require.InDelta(t, 3, v, 1e-5)
	})

	t.Run("LevelExhausted", func(t *testing.T) {
		a, err := cs.Encrypt(1)
		require.NoError(t, err)
		a, err = cs.DropLevel(a, a.Level)
		require.NoError(t, err)
		_, err = cs.Rescale(a)
		require.ErrorIs(t, err, he.ErrLevelExhausted)
		_, err = cs.DropLevel(a, 1)
		require.ErrorIs(t, err, he.ErrLevelExhausted)
	})

	t.Run("KeyMismatch", func(t *testing.T) {
		other, _ := newTestCryptoSystem(t, ParametersLiteral{LogN: 10, Q: TestPrimes[:3], LogDefaultScale: 40})
		ct, err := other.Encrypt(1)
		require.NoError(t, err)
		_, err = cs.Decrypt(ct)
		require.ErrorIs(t, err, he.ErrKeyMismatch)

		public := &CryptoSystem{params: cs.params, ctx: cs.ctx, keys: cs.keys.Public(), source: cs.source}
		mine, err := public.Encrypt(1)
		require.NoError(t, err)
		_, err = public.Decrypt(mine)
		require.ErrorIs(t, err, he.ErrKeyMismatch)
	})

	t.Run("Determinism", func(t *testing.T) {
		seed := []byte("shard")
		c0 := cs.ShallowCopy(newSource(t, seed))
		c1 := cs.ShallowCopy(newSource(t, seed))

		a, err := c0.Encrypt(0.75)
		require.NoError(t, err)
		b, err := c1.Encrypt(0.75)
		require.NoError(t, err)
		require.Equal(t, Raw(a), Raw(b))
	})

	t.Run("Rotate", func(t *testing.T) {
		pl := TestParametersLiteral
		pl.Slots = 4
		vcs, _ := newTestCryptoSystem(t, pl)

		ct, err := vcs.Encrypt(1, 2, 3, 4)
		require.NoError(t, err)
		ct, err = vcs.Rotate(ct, 1)
		require.NoError(t, err)

		have, err := vcs.Decrypt(ct)
		require.NoError(t, err)
		for i, want := range []float64{2, 3, 4, 1} {
			require.InDelta(t, want, have[i], 1e-9)
		}
	})

	t.Run("NativeSign", func(t *testing.T) {
		ct, err := cs.Encrypt(-0.5)
		require.NoError(t, err)
		_, err = cs.Sign(ct)
		require.True(t, errors.Is(err, he.ErrUnsupported))

		pl := TestParametersLiteral
		pl.NativeSign = true
		scs, _ := newTestCryptoSystem(t, pl)
		require.True(t, scs.Capabilities().NativeSign)

		ct, err = scs.Encrypt(-0.5)
		require.NoError(t, err)
		s, err := scs.Sign(ct)
		require.NoError(t, err)
		v, err := he.DecryptScalar(scs, s)
		require.NoError(t, err)
		require.InDelta(t, -1, v, 1e-12)
	})
}

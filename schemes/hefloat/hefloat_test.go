package hefloat

import (
	"bytes"
	"flag"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tuneinsight/lattigo/v6/core/rlwe"

	"github.com/tuneinsight/heselect/core/he"
	"github.com/tuneinsight/heselect/core/tracker"
	"github.com/tuneinsight/heselect/utils/prng"
)

var flagLongTest = flag.Bool("long", false, "run the long test suite (all operations at every level).")

func name(opname string, params Parameters) string {
	return fmt.Sprintf("%s/LogN=%d/logQ=%d/levels=%d", opname, params.LogN(), int(math.Round(params.LogQ())), params.MaxLevel()+1)
}

type testContext struct {
	params Parameters
	keys   *KeySet
	cs     *CryptoSystem
}

func newTestContext(t *testing.T, pl ParametersLiteral, rotations ...int) *testContext {
	params, err := NewParametersFromLiteral(pl)
	require.NoError(t, err)
	keys, err := GenKeySet(params, rotations...)
	require.NoError(t, err)
	cs, err := NewCryptoSystem(params, keys)
	require.NoError(t, err)
	return &testContext{params: params, keys: keys, cs: cs}
}

func TestHEFloat(t *testing.T) {

	tc := newTestContext(t, TestParametersLiteral, 1)
	cs := tc.cs

	// Per-operation bounds: fresh encryptions at 2^40 decode with ~2^-30 error,
	// a multiplication compounds the errors of both operands plus the rescale rounding.
	addBound := 1e-7
	mulBound := 1e-6

	t.Run(name("Encrypt/Decrypt", tc.params), func(t *testing.T) {
		ct, err := cs.Encrypt(3.25)
		require.NoError(t, err)
		require.Equal(t, tc.params.MaxLevel(), ct.Level)
		require.Equal(t, he.Scale(math.Exp2(40)), ct.Scale)

		v, err := he.DecryptScalar(cs, ct)
		require.NoError(t, err)
		require.InDelta(t, 3.25, v, addBound)

		_, err = cs.Encrypt(math.Exp2(15))
		require.ErrorIs(t, err, he.ErrEncoding)
	})

	t.Run(name("Add", tc.params), func(t *testing.T) {
		for _, ab := range [][2]float64{{1.5, -0.25}, {-7, 3.125}, {1e-3, 2e-3}} {
			a, err := cs.Encrypt(ab[0])
			require.NoError(t, err)
			b, err := cs.Encrypt(ab[1])
			require.NoError(t, err)

			c, err := cs.Add(a, b)
			require.NoError(t, err)

			v, err := he.DecryptScalar(cs, c)
			require.NoError(t, err)
			require.InDelta(t, ab[0]+ab[1], v, addBound)
		}
	})

	t.Run(name("Mul", tc.params), func(t *testing.T) {
		for _, ab := range [][2]float64{{1.5, -0.25}, {-7, 3.125}, {0.9, 0.9}} {
			a, err := cs.Encrypt(ab[0])
			require.NoError(t, err)
			b, err := cs.Encrypt(ab[1])
			require.NoError(t, err)

			c, err := cs.Mul(a, b)
			require.NoError(t, err)
			require.Equal(t, a.Scale*b.Scale, c.Scale)

			c, err = cs.Rescale(c)
			require.NoError(t, err)
			require.Equal(t, a.Level-1, c.Level)

			v, err := he.DecryptScalar(cs, c)
			require.NoError(t, err)
			require.InDelta(t, ab[0]*ab[1], v, mulBound)
		}
	})

	t.Run(name("ScaleMismatch", tc.params), func(t *testing.T) {
		a, err := cs.Encrypt(0.5)
		require.NoError(t, err)
		ab, err := cs.Mul(a, a)
		require.NoError(t, err)
		ab, err = cs.Rescale(ab)
		require.NoError(t, err)

		_, err = cs.Add(a, ab)
		require.ErrorIs(t, err, he.ErrScaleMismatch)

		tr := tracker.NewTracker(cs, tracker.DefaultPolicy())
		sum, err := tr.Add(a, ab)
		require.NoError(t, err)

		v, err := he.DecryptScalar(cs, sum)
		require.NoError(t, err)
		require.InDelta(t, 0.75, v, mulBound)
	})

	t.Run(name("LevelExhausted", tc.params), func(t *testing.T) {
		tr := tracker.NewTracker(cs, tracker.DefaultPolicy())

		ct, err := tr.Encrypt(1.001)
		require.NoError(t, err)

		var k int
		for k = 0; k <= tc.params.MaxLevel()+1; k++ {
			if ct, err = tr.Mul(ct, ct); err != nil {
				break
			}
		}

		require.ErrorIs(t, err, he.ErrLevelExhausted)
		require.Equal(t, tc.params.MaxLevel(), k)

		ct, err = cs.Encrypt(1)
		require.NoError(t, err)
		ct, err = cs.DropLevel(ct, ct.Level)
		require.NoError(t, err)
		_, err = cs.Rescale(ct)
		require.ErrorIs(t, err, he.ErrLevelExhausted)
	})

	t.Run(name("Constants", tc.params), func(t *testing.T) {
		a, err := cs.Encrypt(0.5)
		require.NoError(t, err)

		b, err := cs.MulConst(a, 3)
		require.NoError(t, err)
		require.Equal(t, a.Scale, b.Scale)

		c, err := cs.MulConst(a, 0.3)
		require.NoError(t, err)
		c, err = cs.Rescale(c)
		require.NoError(t, err)

		d, err := cs.AddConst(c, -1)
		require.NoError(t, err)

		v, err := he.DecryptScalar(cs, b)
		require.NoError(t, err)
		require.InDelta(t, 1.5, v, addBound)

		v, err = he.DecryptScalar(cs, d)
		require.NoError(t, err)
		require.InDelta(t, -0.85, v, mulBound)
	})

	t.Run(name("Rotate", tc.params), func(t *testing.T) {
		ct, err := cs.Encrypt(1, 2, 3, 4)
		require.NoError(t, err)
		ct, err = cs.Rotate(ct, 1)
		require.NoError(t, err)

		have, err := cs.Decrypt(ct)
		require.NoError(t, err)
		for i, want := range []float64{2, 3, 4} {
			require.InDelta(t, want, have[i], addBound)
		}
	})

	t.Run(name("KeyMismatch", tc.params), func(t *testing.T) {
		other := newTestContext(t, TestParametersLiteral)
		ct, err := other.cs.Encrypt(1)
		require.NoError(t, err)

		_, err = cs.Decrypt(ct)
		require.ErrorIs(t, err, he.ErrKeyMismatch)

		public, err := NewCryptoSystem(tc.params, tc.keys.Public())
		require.NoError(t, err)
		require.Equal(t, cs.Context().ID(), public.Context().ID())

		mine, err := public.Encrypt(1)
		require.NoError(t, err)
		_, err = public.Decrypt(mine)
		require.ErrorIs(t, err, he.ErrKeyMismatch)

		v, err := he.DecryptScalar(cs, mine)
		require.NoError(t, err)
		require.InDelta(t, 1, v, addBound)
	})

	t.Run(name("ShallowCopy", tc.params), func(t *testing.T) {
		cpy := cs.ShallowCopy(nil)
		ct, err := cpy.Encrypt(0.125)
		require.NoError(t, err)
		v, err := he.DecryptScalar(cs, ct)
		require.NoError(t, err)
		require.InDelta(t, 0.125, v, addBound)
	})

	t.Run(name("ShallowCopy/Seeded", tc.params), func(t *testing.T) {
		seed := []byte("hefloat seeded copies")

		encrypt := func(shard int) []byte {
			source, err := prng.NewShardSource(seed, shard)
			require.NoError(t, err)
			cpy := cs.ShallowCopy(source)
			var out []byte
			for _, v := range []float64{0.125, -3} {
				ct, err := cpy.Encrypt(v)
				require.NoError(t, err)
				b, err := ct.Value.(*rlwe.Ciphertext).MarshalBinary()
				require.NoError(t, err)
				out = append(out, b...)
			}
			return out
		}

		require.True(t, bytes.Equal(encrypt(0), encrypt(0)))
		require.False(t, bytes.Equal(encrypt(0), encrypt(1)))

		// Seeded encryptions decrypt like the default ones.
		source, err := prng.NewShardSource(seed, 0)
		require.NoError(t, err)
		ct, err := cs.ShallowCopy(source).Encrypt(0.125)
		require.NoError(t, err)
		v, err := he.DecryptScalar(cs, ct)
		require.NoError(t, err)
		require.InDelta(t, 0.125, v, addBound)

		tr := tracker.NewTracker(cs, tracker.DefaultPolicy()).ShallowCopy(source)
		sq, err := tr.Square(ct)
		require.NoError(t, err)
		v, err = tr.DecryptScalar(sq)
		require.NoError(t, err)
		require.InDelta(t, 0.125*0.125, v, mulBound)
	})

	if *flagLongTest {
		t.Run(name("MulEveryLevel", tc.params), func(t *testing.T) {
			tr := tracker.NewTracker(cs, tracker.DefaultPolicy())
			ct, err := tr.Encrypt(0.99)
			require.NoError(t, err)
			want := 0.99
			for ct.Level > 0 {
				x, err := tr.Encrypt(0.99)
				require.NoError(t, err)
				ct, err = tr.Mul(ct, x)
				require.NoError(t, err)
				want *= 0.99
				v, err := tr.DecryptScalar(ct)
				require.NoError(t, err)
				require.InDelta(t, want, v, mulBound)
			}
		})
	}
}

package executor

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tuneinsight/heselect/core/he"
	"github.com/tuneinsight/heselect/core/tracker"
	"github.com/tuneinsight/heselect/schemes/hesim"
)

var testSeed = []byte("executor test seed")

func name(opname string, n, workers int) string {
	return fmt.Sprintf("%s/n=%d/workers=%d", opname, n, workers)
}

func newTestTracker(t *testing.T) *tracker.Tracker {
	params, err := hesim.NewParametersFromLiteral(hesim.TestParametersLiteral)
	require.NoError(t, err)
	cs, err := hesim.NewCryptoSystem(params, hesim.NewKeySet([]byte("executor test keys")))
	require.NoError(t, err)
	return tracker.NewTracker(cs, tracker.DefaultPolicy())
}

// encryptRange returns encryptions of 0.5*i for i in [0, n).
func encryptRange(t *testing.T, tr *tracker.Tracker, n int) []*he.Ciphertext {
	cts := make([]*he.Ciphertext, n)
	for i := range cts {
		var err error
		cts[i], err = tr.Encrypt(0.5 * float64(i))
		require.NoError(t, err)
	}
	return cts
}

// square is an item function consuming one level.
func square(cts []*he.Ciphertext) ItemFunc {
	return func(tr *tracker.Tracker, i int) (*he.Ciphertext, error) {
		return tr.Square(cts[i])
	}
}

func TestPartition(t *testing.T) {
	require.Equal(t, []Shard{{0, 0, 4}, {1, 4, 7}, {2, 7, 10}}, Partition(10, 3))
	require.Equal(t, []Shard{{0, 0, 1}, {1, 1, 2}}, Partition(2, 5))
	require.Equal(t, []Shard{{0, 0, 7}}, Partition(7, 0))
	require.Nil(t, Partition(0, 4))

	for n := 1; n < 40; n++ {
		for workers := 1; workers < 9; workers++ {
			shards := Partition(n, workers)
			require.Len(t, shards, min(n, workers))
			start := 0
			for i, s := range shards {
				require.Equal(t, i, s.Index)
				require.Equal(t, start, s.Start)
				require.LessOrEqual(t, shards[0].Len()-s.Len(), 1)
				start = s.End
			}
			require.Equal(t, n, start)
		}
	}
}

func TestReduce(t *testing.T) {

	tr := newTestTracker(t)

	n := 13
	cts := encryptRange(t, tr, n)

	want := 0.0
	for i := 0; i < n; i++ {
		want += 0.25 * float64(i*i)
	}

	results := map[int]*he.Ciphertext{}

	for _, workers := range []int{1, 2, 4, 13, 32} {
		t.Run(name("Reduce", n, workers), func(t *testing.T) {

			var states []State
			exec := Executor{Workers: workers, Seed: testSeed, OnState: func(b *Batch) {
				states = append(states, b.State())
				require.Equal(t, n, b.Size())
			}}

			sum, err := exec.Reduce(context.Background(), tr, n, square(cts))
			require.NoError(t, err)
			require.Equal(t, []State{Pending, Partitioned, WorkerRunning, Merging, Done}, states)
			require.Equal(t, tr.Parameters().MaxLevel()-1, sum.Level)

			have, err := tr.DecryptScalar(sum)
			require.NoError(t, err)
			require.InDelta(t, want, have, 1e-6*float64(n))

			// Same seed and partition: bit-identical.
			again, err := exec.Reduce(context.Background(), tr, n, square(cts))
			require.NoError(t, err)
			require.Equal(t, hesim.Raw(sum), hesim.Raw(again))

			results[workers] = sum
		})
	}

	t.Run("Workers", func(t *testing.T) {
		// Different partitions: close but not bit-identical.
		one, err := tr.DecryptScalar(results[1])
		require.NoError(t, err)
		for _, workers := range []int{2, 4, 13, 32} {
			have, err := tr.DecryptScalar(results[workers])
			require.NoError(t, err)
			require.InDelta(t, one, have, 2e-6*float64(n))
		}
	})

	t.Run("Seeds", func(t *testing.T) {
		a, err := Executor{Workers: 2, Seed: []byte("a")}.Reduce(context.Background(), tr, n, square(cts))
		require.NoError(t, err)
		b, err := Executor{Workers: 2, Seed: []byte("b")}.Reduce(context.Background(), tr, n, square(cts))
		require.NoError(t, err)
		require.NotEqual(t, hesim.Raw(a), hesim.Raw(b))

		// Fresh seeds.
		_, err = Executor{Workers: 2}.Reduce(context.Background(), tr, n, square(cts))
		require.NoError(t, err)
	})

	t.Run("ReduceN", func(t *testing.T) {
		sums, err := Executor{Workers: 3, Seed: testSeed}.ReduceN(context.Background(), tr, n, 2, func(tr *tracker.Tracker, i int) ([]*he.Ciphertext, error) {
			sq, err := tr.Square(cts[i])
			if err != nil {
				return nil, err
			}
			return []*he.Ciphertext{cts[i], sq}, nil
		})
		require.NoError(t, err)
		require.Len(t, sums, 2)

		have, err := tr.DecryptScalar(sums[0])
		require.NoError(t, err)
		require.InDelta(t, 0.5*float64(n*(n-1)/2), have, 1e-6*float64(n))

		have, err = tr.DecryptScalar(sums[1])
		require.NoError(t, err)
		require.InDelta(t, want, have, 1e-6*float64(n))

		_, err = Executor{Workers: 3}.ReduceN(context.Background(), tr, n, 2, func(tr *tracker.Tracker, i int) ([]*he.Ciphertext, error) {
			return cts[i : i+1], nil
		})
		require.ErrorIs(t, err, he.ErrInvalidParameters)

		_, err = Executor{}.ReduceN(context.Background(), tr, n, 0, nil)
		require.ErrorIs(t, err, he.ErrInvalidParameters)
	})

	t.Run("Empty", func(t *testing.T) {
		var last *Batch
		_, err := Executor{OnState: func(b *Batch) { last = b }}.Reduce(context.Background(), tr, 0, square(cts))
		require.ErrorIs(t, err, he.ErrInvalidParameters)
		require.Equal(t, Failed, last.State())
		require.ErrorIs(t, last.Err(), he.ErrInvalidParameters)
	})
}

func TestFailure(t *testing.T) {

	tr := newTestTracker(t)
	n := 20
	cts := encryptRange(t, tr, n)

	t.Run("ShardFailure", func(t *testing.T) {

		low, err := tr.DropLevelTo(cts[7], 0)
		require.NoError(t, err)

		var last *Batch
		exec := Executor{Workers: 4, Seed: testSeed, OnState: func(b *Batch) { last = b }}

		sum, err := exec.Reduce(context.Background(), tr, n, func(tr *tracker.Tracker, i int) (*he.Ciphertext, error) {
			if i == 7 {
				return tr.Square(low)
			}
			return tr.Square(cts[i])
		})

		require.ErrorIs(t, err, he.ErrLevelExhausted)
		require.Nil(t, sum)
		require.Equal(t, Failed, last.State())
		require.Len(t, last.Shards(), 4)
	})

	t.Run("CancelledBefore", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		var last *Batch
		_, err := Executor{Workers: 2, OnState: func(b *Batch) { last = b }}.Map(ctx, tr, n, square(cts))
		require.ErrorIs(t, err, he.ErrCancelled)
		require.Equal(t, Failed, last.State())
	})

	t.Run("CancelledDuring", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		var mu sync.Mutex
		processed := 0

		_, err := Executor{Workers: 1, Seed: testSeed}.Reduce(ctx, tr, n, func(tr *tracker.Tracker, i int) (*he.Ciphertext, error) {
			mu.Lock()
			processed++
			mu.Unlock()
			if i == 3 {
				cancel()
			}
			return tr.Square(cts[i])
		})

		require.ErrorIs(t, err, he.ErrCancelled)
		require.Equal(t, 4, processed)
	})
}

func TestMap(t *testing.T) {

	tr := newTestTracker(t)
	n := 11
	cts := encryptRange(t, tr, n)

	for _, workers := range []int{1, 3, 16} {
		t.Run(name("Map", n, workers), func(t *testing.T) {

			var states []State
			exec := Executor{Workers: workers, Seed: testSeed, OnState: func(b *Batch) { states = append(states, b.State()) }}

			out, err := exec.Map(context.Background(), tr, n, square(cts))
			require.NoError(t, err)
			require.Len(t, out, n)
			require.Equal(t, []State{Pending, Partitioned, WorkerRunning, Merging, Done}, states)

			for i, ct := range out {
				have, err := tr.DecryptScalar(ct)
				require.NoError(t, err)
				require.InDelta(t, 0.25*float64(i*i), have, 1e-6)
				require.False(t, math.IsNaN(have))
			}
		})
	}
}

func TestState(t *testing.T) {
	require.Equal(t, "WorkerRunning", WorkerRunning.String())
	require.Equal(t, "State(9)", State(9).String())
}

// Package executor runs the per-record work of a batch on parallel workers.
//
// A batch of n items is partitioned into contiguous shards, one per worker.
// Each worker owns a shallow copy of the Tracker whose fresh encryptions draw
// from a randomness source derived from the batch seed and the shard index,
// so that a batch run twice with the same seed and the same number of workers
// performs the same sequence of operations. The shard results are merged from
// left to right once every worker returned.
package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/tuneinsight/heselect/core/he"
	"github.com/tuneinsight/heselect/core/tracker"
	"github.com/tuneinsight/heselect/utils/prng"
)

// State is the state of a Batch.
type State int

const (
	Pending = State(iota)
	Partitioned
	WorkerRunning
	Merging
	Done
	Failed
)

var stateNames = [...]string{"Pending", "Partitioned", "WorkerRunning", "Merging", "Done", "Failed"}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Shard is the contiguous range [Start, End) of items processed by one worker.
type Shard struct {
	Index, Start, End int
}

// Len returns the number of items of the shard.
func (s Shard) Len() int {
	return s.End - s.Start
}

// Partition splits n items into min(n, workers) contiguous shards whose sizes
// differ by at most one, the larger shards first.
func Partition(n, workers int) (shards []Shard) {

	if n <= 0 {
		return nil
	}

	workers = max(1, min(n, workers))
	size, rem := n/workers, n%workers

	start := 0
	for i := 0; i < workers; i++ {
		end := start + size
		if i < rem {
			end++
		}
		shards = append(shards, Shard{Index: i, Start: start, End: end})
		start = end
	}

	return
}

// Batch is the observable state of one run of the Executor.
type Batch struct {
	mu     sync.Mutex
	size   int
	state  State
	shards []Shard
	err    error
}

// Size returns the number of items of the batch.
func (b *Batch) Size() int {
	return b.size
}

// State returns the current state of the batch.
func (b *Batch) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Shards returns the partition of the batch, empty while Pending.
func (b *Batch) Shards() []Shard {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Shard{}, b.shards...)
}

// Err returns the error of a Failed batch.
func (b *Batch) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// StateFunc is called on every state transition of a batch, from the
// goroutine that called the Executor.
type StateFunc func(b *Batch)

// ItemFunc computes the ciphertext of item i with the Tracker of the worker
// owning the item.
type ItemFunc func(tr *tracker.Tracker, i int) (*he.Ciphertext, error)

// ItemsFunc computes several ciphertexts for item i, reduced independently.
type ItemsFunc func(tr *tracker.Tracker, i int) ([]*he.Ciphertext, error)

// Executor runs batches over Workers goroutines.
type Executor struct {
	// Workers is the number of workers; values < 1 select runtime.NumCPU().
	Workers int
	// Seed derives the randomness sources of the shards. If nil, a fresh seed
	// is drawn for every batch.
	Seed []byte
	// OnState, if not nil, observes the state transitions.
	OnState StateFunc
}

// NewExecutor returns an Executor with the given number of workers and seed.
func NewExecutor(workers int, seed []byte) *Executor {
	return &Executor{Workers: workers, Seed: seed}
}

func (e Executor) workers() int {
	if e.Workers < 1 {
		return runtime.NumCPU()
	}
	return e.Workers
}

func (e Executor) transition(b *Batch, state State, err error) {
	b.mu.Lock()
	b.state = state
	if err != nil {
		b.err = err
	}
	b.mu.Unlock()
	if e.OnState != nil {
		e.OnState(b)
	}
}

// fail moves the batch to Failed and returns err.
func (e Executor) fail(b *Batch, err error) error {
	e.transition(b, Failed, err)
	return err
}

// result is the output of one shard.
type result struct {
	values []*he.Ciphertext
	err    error
}

// run partitions n items and calls work for each shard with the worker
// Tracker of the shard, then returns the shard outputs in shard order.
func (e Executor) run(ctx context.Context, tr *tracker.Tracker, b *Batch, work func(ctx context.Context, tr *tracker.Tracker, s Shard) ([]*he.Ciphertext, error)) ([][]*he.Ciphertext, error) {

	if b.size <= 0 {
		return nil, e.fail(b, fmt.Errorf("%w: empty batch", he.ErrInvalidParameters))
	}

	seed := e.Seed
	if seed == nil {
		var err error
		if seed, err = prng.NewSeed(); err != nil {
			return nil, e.fail(b, err)
		}
	}

	shards := Partition(b.size, e.workers())

	// Sources are created before any worker starts, so that a failure leaves
	// no goroutine behind.
	trackers := make([]*tracker.Tracker, len(shards))
	for i := range shards {
		source, err := prng.NewShardSource(seed, i)
		if err != nil {
			return nil, e.fail(b, err)
		}
		trackers[i] = tr.ShallowCopy(source)
	}

	b.mu.Lock()
	b.shards = shards
	b.mu.Unlock()
	e.transition(b, Partitioned, nil)

	if err := ctx.Err(); err != nil {
		return nil, e.fail(b, fmt.Errorf("%w: %w", he.ErrCancelled, err))
	}

	e.transition(b, WorkerRunning, nil)

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]result, len(shards))

	var wg sync.WaitGroup
	for i, s := range shards {
		wg.Add(1)
		go func(i int, s Shard) {
			defer wg.Done()
			values, err := work(wctx, trackers[i], s)
			if err != nil {
				// Other workers stop at their next item.
				cancel()
			}
			results[i] = result{values: values, err: err}
		}(i, s)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, e.fail(b, fmt.Errorf("%w: %w", he.ErrCancelled, err))
	}

	// The first failing shard that was not stopped by another one.
	var cancelled error
	for i, r := range results {
		if r.err == nil {
			continue
		}
		err := fmt.Errorf("shard %d: %w", i, r.err)
		if !errors.Is(r.err, he.ErrCancelled) {
			return nil, e.fail(b, err)
		}
		if cancelled == nil {
			cancelled = err
		}
	}

	if cancelled != nil {
		return nil, e.fail(b, cancelled)
	}

	out := make([][]*he.Ciphertext, len(results))
	for i, r := range results {
		out[i] = r.values
	}

	return out, nil
}

func checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", he.ErrCancelled, err)
	}
	return nil
}

// Reduce returns the sum of fn(i) for i in [0, n).
func (e Executor) Reduce(ctx context.Context, tr *tracker.Tracker, n int, fn ItemFunc) (*he.Ciphertext, error) {
	sums, err := e.ReduceN(ctx, tr, n, 1, func(tr *tracker.Tracker, i int) ([]*he.Ciphertext, error) {
		ct, err := fn(tr, i)
		if err != nil {
			return nil, err
		}
		return []*he.Ciphertext{ct}, nil
	})
	if err != nil {
		return nil, err
	}
	return sums[0], nil
}

// ReduceN returns the width sums of the ciphertexts returned by fn(i) for i in [0, n).
// Each worker starts from encryptions of zero, adds its items in order, and the
// shard sums are merged from left to right with tr.
func (e Executor) ReduceN(ctx context.Context, tr *tracker.Tracker, n, width int, fn ItemsFunc) (sums []*he.Ciphertext, err error) {

	b := &Batch{size: n}
	e.transition(b, Pending, nil)

	if width < 1 {
		return nil, e.fail(b, fmt.Errorf("cannot Reduce: %w: width %d", he.ErrInvalidParameters, width))
	}

	partial, err := e.run(ctx, tr, b, func(ctx context.Context, tr *tracker.Tracker, s Shard) (acc []*he.Ciphertext, err error) {

		acc = make([]*he.Ciphertext, width)
		for k := range acc {
			if acc[k], err = tr.Encrypt(0); err != nil {
				return nil, err
			}
		}

		for i := s.Start; i < s.End; i++ {

			if err = checkpoint(ctx); err != nil {
				return nil, err
			}

			values, err := fn(tr, i)
			if err != nil {
				return nil, fmt.Errorf("item %d: %w", i, err)
			}

			if len(values) != width {
				return nil, fmt.Errorf("item %d: %w: %d values for width %d", i, he.ErrInvalidParameters, len(values), width)
			}

			for k := range acc {
				if acc[k], err = tr.Add(acc[k], values[k]); err != nil {
					return nil, fmt.Errorf("item %d: %w", i, err)
				}
			}
		}

		return
	})

	if err != nil {
		return nil, fmt.Errorf("cannot Reduce: %w", err)
	}

	e.transition(b, Merging, nil)

	sums = partial[0]
	for _, shard := range partial[1:] {
		for k := range sums {
			if sums[k], err = tr.Add(sums[k], shard[k]); err != nil {
				return nil, e.fail(b, fmt.Errorf("cannot Reduce: merge: %w", err))
			}
		}
	}

	e.transition(b, Done, nil)

	return
}

// Map returns fn(i) for i in [0, n), in order.
func (e Executor) Map(ctx context.Context, tr *tracker.Tracker, n int, fn ItemFunc) (out []*he.Ciphertext, err error) {

	b := &Batch{size: n}
	e.transition(b, Pending, nil)

	partial, err := e.run(ctx, tr, b, func(ctx context.Context, tr *tracker.Tracker, s Shard) (values []*he.Ciphertext, err error) {

		values = make([]*he.Ciphertext, 0, s.Len())

		for i := s.Start; i < s.End; i++ {

			if err = checkpoint(ctx); err != nil {
				return nil, err
			}

			ct, err := fn(tr, i)
			if err != nil {
				return nil, fmt.Errorf("item %d: %w", i, err)
			}

			values = append(values, ct)
		}

		return
	})

	if err != nil {
		return nil, fmt.Errorf("cannot Map: %w", err)
	}

	e.transition(b, Merging, nil)

	out = make([]*he.Ciphertext, 0, n)
	for _, values := range partial {
		out = append(out, values...)
	}

	e.transition(b, Done, nil)

	return
}

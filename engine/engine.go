// Package engine implements the batch submission API of heselect: polynomial
// approximations, arithmetic expressions, filter-and-aggregate queries and raw
// operation requests evaluated over encrypted record batches, each returning
// the decrypted result together with an estimated error bound.
package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"

	"github.com/tuneinsight/heselect/circuits/arithmetic"
	"github.com/tuneinsight/heselect/circuits/comparison"
	"github.com/tuneinsight/heselect/circuits/polynomial"
	"github.com/tuneinsight/heselect/circuits/selection"
	"github.com/tuneinsight/heselect/config"
	"github.com/tuneinsight/heselect/core/he"
	"github.com/tuneinsight/heselect/core/tracker"
	"github.com/tuneinsight/heselect/executor"
	"github.com/tuneinsight/heselect/utils"
)

// errorSamples is the number of points on which approximation errors are sampled.
const errorSamples = 1024

// Result is the decrypted output of a batch.
type Result struct {
	Values []float64
	// Bound is the estimated bound on the absolute error of every value.
	Bound float64
	// Detail splits Bound for queries.
	Detail selection.ErrorBound
	// Depth is the number of levels consumed per record.
	Depth int
}

// Engine evaluates batches with a CryptoSystem.
type Engine struct {
	cs         he.CryptoSystem
	tracker    *tracker.Tracker
	policy     tracker.Policy
	observer   he.Observer
	comparison comparison.Config
	funcs      arithmetic.Functions
	gap        float64
	workers    int
	seed       []byte
	logger     *slog.Logger
}

// Option configures an Engine.
type Option func(e *Engine)

// WithLogger sets the logger of the Engine. The default logger discards everything.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithPolicy sets the tracker policy.
func WithPolicy(policy tracker.Policy) Option {
	return func(e *Engine) { e.policy = policy }
}

// WithObserver reports the steps of every evaluation to observer.
func WithObserver(observer he.Observer) Option {
	return func(e *Engine) { e.observer = observer }
}

// WithComparison sets the configuration of the comparisons of queries.
func WithComparison(config comparison.Config) Option {
	return func(e *Engine) { e.comparison = config }
}

// WithFunctions sets the functions available to expressions.
func WithFunctions(funcs arithmetic.Functions) Option {
	return func(e *Engine) { e.funcs = funcs }
}

// WithGap sets the gap used by queries that do not set one.
func WithGap(gap float64) Option {
	return func(e *Engine) { e.gap = gap }
}

// WithWorkers sets the number of workers used when a call passes workers < 1.
func WithWorkers(workers int) Option {
	return func(e *Engine) { e.workers = workers }
}

// WithSeed makes the batches deterministic.
func WithSeed(seed []byte) Option {
	return func(e *Engine) { e.seed = seed }
}

// New returns an Engine evaluating with cs.
func New(cs he.CryptoSystem, opts ...Option) (*Engine, error) {

	e := &Engine{
		cs:         cs,
		policy:     tracker.DefaultPolicy(),
		observer:   he.Discard,
		comparison: comparison.DefaultConfig(),
		gap:        0.1,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, opt := range opts {
		opt(e)
	}

	if err := e.comparison.Validate(); err != nil {
		return nil, fmt.Errorf("cannot New: %w", err)
	}

	if !(e.gap > 0) {
		return nil, fmt.Errorf("cannot New: %w: gap %v", he.ErrInvalidParameters, e.gap)
	}

	e.tracker = tracker.NewTracker(cs, e.policy).WithObserver(e.observer)

	return e, nil
}

// NewFromConfig instantiates the backend of the configuration and returns an
// Engine using it. Options are applied after the configuration.
func NewFromConfig(c *config.Config, opts ...Option) (*Engine, error) {

	cs, err := NewCryptoSystem(c)
	if err != nil {
		return nil, fmt.Errorf("cannot NewFromConfig: %w", err)
	}

	funcs, err := c.Functions()
	if err != nil {
		return nil, fmt.Errorf("cannot NewFromConfig: %w", err)
	}

	seed, err := c.Seed()
	if err != nil {
		return nil, fmt.Errorf("cannot NewFromConfig: %w", err)
	}

	return New(cs, append([]Option{
		WithPolicy(c.Policy()),
		WithComparison(c.Comparison()),
		WithFunctions(funcs),
		WithGap(c.Gap()),
		WithWorkers(c.Executor.Workers),
		WithSeed(seed),
	}, opts...)...)
}

// Tracker returns the Tracker of the Engine.
func (e *Engine) Tracker() *tracker.Tracker {
	return e.tracker
}

// Functions returns the functions available to expressions.
func (e *Engine) Functions() arithmetic.Functions {
	return e.funcs
}

// Executor returns an executor with the given number of workers, logging the
// state transitions of its batches.
func (e *Engine) Executor(workers int) *executor.Executor {
	if workers < 1 {
		workers = e.workers
	}
	exec := executor.NewExecutor(workers, e.seed)
	exec.OnState = func(b *executor.Batch) {
		e.logger.Debug("batch", "state", b.State(), "size", b.Size(), "shards", len(b.Shards()))
	}
	return exec
}

// schemeError estimates the relative error added by the scheme along a circuit of the given depth.
func (e *Engine) schemeError(depth int) float64 {
	if !e.tracker.Capabilities().Approximate {
		return 0
	}
	return e.tracker.Parameters().NoiseBound() + float64(depth+1)*e.tracker.Policy().Tolerance
}

func (e *Engine) decrypt(cts []*he.Ciphertext) (values []float64, err error) {
	values = make([]float64, len(cts))
	for i, ct := range cts {
		if values[i], err = e.tracker.DecryptScalar(ct); err != nil {
			return nil, err
		}
	}
	return
}

// EvaluatePolynomial evaluates the approximation on the given column of every record.
func (e *Engine) EvaluatePolynomial(ctx context.Context, spec *polynomial.ApproximationSpec, batch selection.RecordBatch, column string, workers int) (res Result, err error) {

	j, err := batch.Schema.Index(column)
	if err != nil {
		return res, fmt.Errorf("cannot EvaluatePolynomial: %w: %w", he.ErrInvalidParameters, err)
	}

	e.logger.Info("evaluate polynomial", "spec", spec, "column", column, "rows", batch.Len(), "depth", spec.Depth())

	cts, err := e.Executor(workers).Map(ctx, e.tracker, batch.Len(), func(tr *tracker.Tracker, i int) (*he.Ciphertext, error) {
		return polynomial.NewEvaluator(tr).EvaluateSpec(batch.Records[i].Values[j], spec)
	})
	if err != nil {
		return res, fmt.Errorf("cannot EvaluatePolynomial: %w", err)
	}

	if res.Values, err = e.decrypt(cts); err != nil {
		return res, fmt.Errorf("cannot EvaluatePolynomial: %w", err)
	}

	stats, err := spec.ErrorStats(0, errorSamples)
	if err != nil {
		return res, fmt.Errorf("cannot EvaluatePolynomial: %w", err)
	}

	res.Depth = spec.Depth()
	res.Bound = stats.Max + e.schemeError(res.Depth)*max(1, utils.MaxAbs(res.Values))

	e.logger.Info("result", "bound", res.Bound, "approximation", stats)

	return
}

// EvaluateExpression evaluates the expression on every record.
func (e *Engine) EvaluateExpression(ctx context.Context, expr *arithmetic.Expression, batch selection.RecordBatch, workers int) (res Result, err error) {

	bounds := map[string]float64{}
	for _, c := range batch.Schema.Columns {
		bounds[c.Name] = c.Bound
	}

	analysis, err := expr.Analyze(bounds)
	if err != nil {
		return res, fmt.Errorf("cannot EvaluateExpression: %w: %w", he.ErrInvalidParameters, err)
	}

	e.logger.Info("evaluate expression", "expression", expr, "rows", batch.Len(), "depth", analysis.Depth, "magnitude", analysis.Magnitude)

	columns := expr.Columns()

	cts, err := e.Executor(workers).Map(ctx, e.tracker, batch.Len(), func(tr *tracker.Tracker, i int) (*he.Ciphertext, error) {
		bindings := make(map[string]*he.Ciphertext, len(columns))
		for _, name := range columns {
			ct, err := batch.Value(i, name)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", he.ErrInvalidParameters, err)
			}
			bindings[name] = ct
		}
		return arithmetic.NewEvaluator(tr).Evaluate(expr, bindings)
	})
	if err != nil {
		return res, fmt.Errorf("cannot EvaluateExpression: %w", err)
	}

	if res.Values, err = e.decrypt(cts); err != nil {
		return res, fmt.Errorf("cannot EvaluateExpression: %w", err)
	}

	res.Depth = analysis.Depth
	res.Bound = analysis.Error + e.schemeError(res.Depth)*math.Max(1, analysis.Magnitude)

	e.logger.Info("result", "bound", res.Bound)

	return
}

// Query evaluates a filter-and-aggregate query over the batch. Records are
// reduced in parallel and the aggregate is decrypted once.
func (e *Engine) Query(ctx context.Context, q selection.Query, batch selection.RecordBatch, workers int) (res Result, err error) {

	if q.Gap <= 0 {
		q.Gap = e.gap
	}

	if err = batch.Validate(); err != nil {
		return res, fmt.Errorf("cannot Query: %w", err)
	}

	sel, err := selection.NewSelector(e.tracker, e.comparison)
	if err != nil {
		return res, fmt.Errorf("cannot Query: %w", err)
	}

	if res.Depth, err = sel.Depth(batch.Schema, q); err != nil {
		return res, fmt.Errorf("cannot Query: %w: %w", he.ErrInvalidParameters, err)
	}

	e.logger.Info("query", "query", q, "rows", batch.Len(), "depth", res.Depth, "gap", q.Gap)

	reduced, err := e.Executor(workers).ReduceN(ctx, e.tracker, batch.Len(), q.Aggregate.Width(), func(tr *tracker.Tracker, i int) ([]*he.Ciphertext, error) {
		return sel.WithTracker(tr).Contribution(batch.Schema, batch.Records[i], q)
	})
	if err != nil {
		return res, fmt.Errorf("cannot Query: %w", err)
	}

	agg, err := sel.NewAggregation(batch.Schema, q, batch.Len(), reduced)
	if err != nil {
		return res, fmt.Errorf("cannot Query: %w", err)
	}

	value, bound, err := agg.Decrypt(e.tracker)
	if err != nil {
		return res, fmt.Errorf("cannot Query: %w", err)
	}

	res.Values = []float64{value}
	res.Bound = bound.Total()
	res.Detail = bound

	e.logger.Info("result", "query", q, "bound", bound)

	return
}

// Compare returns the statistics of the absolute differences between the
// values of the result and plaintext reference values.
func Compare(res Result, reference []float64) (polynomial.ErrorStats, error) {
	if len(reference) != len(res.Values) {
		return polynomial.ErrorStats{}, fmt.Errorf("cannot Compare: %w: %d values for %d references", he.ErrInvalidParameters, len(res.Values), len(reference))
	}
	errs := make([]float64, len(reference))
	for i := range errs {
		errs[i] = math.Abs(res.Values[i] - reference[i])
	}
	return polynomial.NewErrorStats(errs)
}

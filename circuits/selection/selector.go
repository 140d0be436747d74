package selection

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/tuneinsight/heselect/circuits/comparison"
	"github.com/tuneinsight/heselect/core/he"
	"github.com/tuneinsight/heselect/core/tracker"
)

// ErrEmptySelection is returned when the mean of a selection is requested but
// the decrypted count cannot be distinguished from zero.
var ErrEmptySelection = errors.New("empty selection")

// Aggregate is the reduction applied to the selected records.
type Aggregate int

const (
	// Sum is the sum of the target column over the selected records.
	Sum = Aggregate(iota)
	// Count is the number of selected records.
	Count
	// Mean is Sum/Count, the division being done after decryption.
	Mean
)

var aggregateNames = []string{"sum", "count", "mean"}

func (a Aggregate) String() string {
	if int(a) < len(aggregateNames) && a >= 0 {
		return aggregateNames[a]
	}
	return fmt.Sprintf("aggregate(%d)", int(a))
}

// ParseAggregate returns the Aggregate of the given name.
func ParseAggregate(name string) (Aggregate, error) {
	for i, n := range aggregateNames {
		if strings.EqualFold(n, name) {
			return Aggregate(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown aggregate %q", he.ErrInvalidParameters, name)
}

// Width returns the number of ciphertexts each record contributes to the aggregate.
func (a Aggregate) Width() int {
	if a == Mean {
		return 2
	}
	return 1
}

// Query is a filter-and-aggregate query.
type Query struct {
	Where     Predicate
	Target    string
	Aggregate Aggregate
	// Gap is the smallest distance between a compared value and a threshold
	// for which the error bound of the indicator holds.
	Gap float64
}

func (q Query) String() string {
	if q.Aggregate == Count {
		return fmt.Sprintf("count where %s", q.Where)
	}
	return fmt.Sprintf("%s(%s) where %s", q.Aggregate, q.Target, q.Where)
}

// ErrorBound is an estimated bound on the absolute error of a decrypted result,
// split between the error of the approximated indicators and the error of the scheme.
type ErrorBound struct {
	Approximation float64
	Scheme        float64
}

// Total returns the sum of both bounds.
func (e ErrorBound) Total() float64 {
	return e.Approximation + e.Scheme
}

// Scale returns the bound multiplied by f.
func (e ErrorBound) Scale(f float64) ErrorBound {
	return ErrorBound{Approximation: e.Approximation * f, Scheme: e.Scheme * f}
}

// Add returns the sum of two bounds.
func (e ErrorBound) Add(other ErrorBound) ErrorBound {
	return ErrorBound{Approximation: e.Approximation + other.Approximation, Scheme: e.Scheme + other.Scheme}
}

func (e ErrorBound) String() string {
	return fmt.Sprintf("%.3e (approximation %.3e, scheme %.3e)", e.Total(), e.Approximation, e.Scheme)
}

// Selector evaluates predicates and queries on records through a Tracker.
// Like the Tracker, it is not safe for concurrent use; see WithTracker.
type Selector struct {
	tr     *tracker.Tracker
	config comparison.Config
}

// NewSelector returns a Selector whose comparisons iterate the base polynomial
// of config. The bound of config is replaced, per predicate, by the bound of
// the compared column shifted by the threshold.
func NewSelector(tr *tracker.Tracker, config comparison.Config) (*Selector, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("cannot NewSelector: %w", err)
	}
	return &Selector{tr: tr, config: config}, nil
}

// WithTracker returns a copy of the Selector using tr.
func (s Selector) WithTracker(tr *tracker.Tracker) *Selector {
	s.tr = tr
	return &s
}

// Tracker returns the Tracker of the Selector.
func (s *Selector) Tracker() *tracker.Tracker {
	return s.tr
}

func (s *Selector) comparator(schema Schema, p Predicate) (*comparison.Evaluator, Column, error) {

	column, err := schema.Column(p.Column)
	if err != nil {
		return nil, column, err
	}

	config := s.config
	config.Bound = p.span(column.Bound)

	eval, err := comparison.NewEvaluator(s.tr, config)
	return eval, column, err
}

// IndicatorDepth returns the number of levels consumed by the indicator of p.
func (s *Selector) IndicatorDepth(schema Schema, p Predicate) (int, error) {

	if p.Exact() {
		return 0, nil
	}

	eval, _, err := s.comparator(schema, p)
	if err != nil {
		return 0, err
	}

	if p.Kind == KindBetween {
		return eval.BetweenDepth(), nil
	}

	return eval.Depth(), nil
}

// Depth returns the number of levels consumed by the contribution of a record to q.
func (s *Selector) Depth(schema Schema, q Query) (int, error) {

	depth, err := s.IndicatorDepth(schema, q.Where)
	if err != nil {
		return 0, err
	}

	if q.Aggregate != Count && q.Where.Kind != KindAll {
		depth++
	}

	return depth, nil
}

// IndicatorBound returns the error bound of the indicator of p for values at
// least gap away from the thresholds.
func (s *Selector) IndicatorBound(schema Schema, p Predicate, gap float64) (ErrorBound, error) {

	depth, err := s.IndicatorDepth(schema, p)
	if err != nil {
		return ErrorBound{}, err
	}

	bound := ErrorBound{Scheme: s.schemeError(depth)}

	if p.Exact() {
		return bound, nil
	}

	eval, _, err := s.comparator(schema, p)
	if err != nil {
		return ErrorBound{}, err
	}

	e := eval.StepErrorBound(gap)
	if p.Kind == KindBetween {
		e = 2*e + e*e
	}

	bound.Approximation = e

	return bound, nil
}

// schemeError estimates the relative error added by the scheme along a
// circuit of the given depth: the fresh encryption noise and one scale
// normalization per level.
func (s *Selector) schemeError(depth int) float64 {
	if !s.tr.Capabilities().Approximate {
		return 0
	}
	return s.tr.Parameters().NoiseBound() + float64(depth+1)*s.tr.Policy().Tolerance
}

// RowBounds returns the error bounds of the contribution of a single record to
// the sum and to the count of q.
func (s *Selector) RowBounds(schema Schema, q Query) (sum, count ErrorBound, err error) {

	if count, err = s.IndicatorBound(schema, q.Where, q.Gap); err != nil {
		return
	}

	if q.Aggregate == Count {
		return
	}

	target, err := schema.Column(q.Target)
	if err != nil {
		return
	}

	depth, err := s.Depth(schema, q)
	if err != nil {
		return
	}

	sum = ErrorBound{
		Approximation: count.Approximation * target.Bound,
		Scheme:        s.schemeError(depth) * target.Bound,
	}

	return
}

// Indicator returns an encryption of ~1 if the record matches p and ~0 otherwise.
func (s *Selector) Indicator(schema Schema, record Record, p Predicate) (*he.Ciphertext, error) {

	if p.Kind == KindAll {
		if len(record.Values) == 0 {
			return nil, fmt.Errorf("cannot Indicator: %w: empty record", he.ErrInvalidParameters)
		}
		one, err := s.tr.MulConst(record.Values[0], 0)
		if err != nil {
			return nil, fmt.Errorf("cannot Indicator: %w", err)
		}
		return s.tr.AddConst(one, 1)
	}

	i, err := schema.Index(p.Column)
	if err != nil {
		return nil, fmt.Errorf("cannot Indicator: %w: %w", he.ErrInvalidParameters, err)
	}
	ct := record.Values[i]

	if p.Kind == KindFlag {
		return ct, nil
	}

	eval, _, err := s.comparator(schema, p)
	if err != nil {
		return nil, fmt.Errorf("cannot Indicator: %w", err)
	}

	var out *he.Ciphertext
	switch p.Kind {
	case KindGreater:
		out, err = eval.GreaterThan(ct, p.Lo)
	case KindLess:
		out, err = eval.LessThan(ct, p.Hi)
	case KindBetween:
		out, err = eval.Between(ct, p.Lo, p.Hi)
	default:
		err = fmt.Errorf("%w: unknown predicate kind %d", he.ErrInvalidParameters, p.Kind)
	}

	if err != nil {
		return nil, fmt.Errorf("cannot Indicator: %s: %w", p, err)
	}

	return out, nil
}

// Mask returns the target column of the record multiplied by the indicator of p:
// ~value if the record matches and ~0 otherwise.
func (s *Selector) Mask(schema Schema, record Record, p Predicate, target string) (*he.Ciphertext, error) {
	values, err := s.Contribution(schema, record, Query{Where: p, Target: target, Aggregate: Sum})
	if err != nil {
		return nil, err
	}
	return values[0], nil
}

// Contribution returns the ciphertexts a record contributes to q: the masked
// target for Sum, the indicator for Count, and both for Mean.
func (s *Selector) Contribution(schema Schema, record Record, q Query) ([]*he.Ciphertext, error) {

	indicator, err := s.Indicator(schema, record, q.Where)
	if err != nil {
		return nil, err
	}

	if q.Aggregate == Count {
		return []*he.Ciphertext{indicator}, nil
	}

	j, err := schema.Index(q.Target)
	if err != nil {
		return nil, fmt.Errorf("cannot Mask: %w: %w", he.ErrInvalidParameters, err)
	}

	value := record.Values[j]

	masked := value
	if q.Where.Kind != KindAll {
		if masked, err = s.tr.Mul(indicator, value); err != nil {
			return nil, fmt.Errorf("cannot Mask: %w", err)
		}
	}

	if q.Aggregate == Mean {
		return []*he.Ciphertext{masked, indicator}, nil
	}

	return []*he.Ciphertext{masked}, nil
}

// Aggregation is the encrypted result of a Query.
type Aggregation struct {
	Query Query
	Rows  int
	// Sum is nil for Count queries, Count is nil for Sum queries.
	Sum, Count           *he.Ciphertext
	SumBound, CountBound ErrorBound
}

// NewAggregation assembles the reduced contributions of rows records to q.
func (s *Selector) NewAggregation(schema Schema, q Query, rows int, reduced []*he.Ciphertext) (agg Aggregation, err error) {

	if len(reduced) != q.Aggregate.Width() {
		return agg, fmt.Errorf("cannot NewAggregation: %w: %d ciphertexts for %s", he.ErrInvalidParameters, len(reduced), q.Aggregate)
	}

	sum, count, err := s.RowBounds(schema, q)
	if err != nil {
		return agg, fmt.Errorf("cannot NewAggregation: %w", err)
	}

	agg = Aggregation{Query: q, Rows: rows}

	switch q.Aggregate {
	case Count:
		agg.Count, agg.CountBound = reduced[0], count.Scale(float64(rows))
	case Sum:
		agg.Sum, agg.SumBound = reduced[0], sum.Scale(float64(rows))
	default:
		agg.Sum, agg.SumBound = reduced[0], sum.Scale(float64(rows))
		agg.Count, agg.CountBound = reduced[1], count.Scale(float64(rows))
	}

	return
}

// Aggregate evaluates q over the batch sequentially.
func (s *Selector) Aggregate(batch RecordBatch, q Query) (agg Aggregation, err error) {

	if err = batch.Validate(); err != nil {
		return agg, fmt.Errorf("cannot Aggregate: %w", err)
	}

	if batch.Len() == 0 {
		return agg, fmt.Errorf("cannot Aggregate: %w: empty batch", he.ErrInvalidParameters)
	}

	width := q.Aggregate.Width()
	parts := make([][]*he.Ciphertext, width)

	for i, record := range batch.Records {
		values, err := s.Contribution(batch.Schema, record, q)
		if err != nil {
			return agg, fmt.Errorf("cannot Aggregate: record %d: %w", i, err)
		}
		for k := range values {
			parts[k] = append(parts[k], values[k])
		}
	}

	reduced := make([]*he.Ciphertext, width)
	for k := range parts {
		if reduced[k], err = s.tr.Sum(parts[k]...); err != nil {
			return agg, fmt.Errorf("cannot Aggregate: %w", err)
		}
	}

	return s.NewAggregation(batch.Schema, q, batch.Len(), reduced)
}

// Decrypt returns the decrypted value of the aggregation and its error bound.
func (a Aggregation) Decrypt(tr *tracker.Tracker) (value float64, bound ErrorBound, err error) {

	var sum, count float64

	if a.Sum != nil {
		if sum, err = tr.DecryptScalar(a.Sum); err != nil {
			return 0, bound, fmt.Errorf("cannot Decrypt: %w", err)
		}
	}

	if a.Count != nil {
		if count, err = tr.DecryptScalar(a.Count); err != nil {
			return 0, bound, fmt.Errorf("cannot Decrypt: %w", err)
		}
	}

	switch a.Query.Aggregate {
	case Count:
		return count, a.CountBound, nil
	case Sum:
		return sum, a.SumBound, nil
	default:
		value, bound, err = MeanBound(sum, a.SumBound, count, a.CountBound)
		return
	}
}

// MeanBound returns sum/count and a bound on its error given the bounds of
// sum and count: |S/C - s/c| <= (eS + |s/c| eC) / (c - eC).
func MeanBound(sum float64, sumBound ErrorBound, count float64, countBound ErrorBound) (mean float64, bound ErrorBound, err error) {

	if count <= countBound.Total() || count < 0.5 {
		return 0, bound, fmt.Errorf("cannot MeanBound: %w: count %v with error bound %v", ErrEmptySelection, count, countBound.Total())
	}

	mean = sum / count
	denom := count - countBound.Total()

	bound = ErrorBound{
		Approximation: (sumBound.Approximation + math.Abs(mean)*countBound.Approximation) / denom,
		Scheme:        (sumBound.Scheme + math.Abs(mean)*countBound.Scheme) / denom,
	}

	return
}

package selection

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tuneinsight/heselect/circuits/comparison"
	"github.com/tuneinsight/heselect/core/he"
	"github.com/tuneinsight/heselect/core/tracker"
	"github.com/tuneinsight/heselect/schemes/hesim"
)

// noiseBound covers the scheme error of one record on the test parameters.
const noiseBound = 1e-4

// gap is the distance between the test data and the test thresholds.
const gap = 0.5

func name(opname string, q Query) string {
	return fmt.Sprintf("%s/%s", opname, q)
}

func testConfig() comparison.Config {
	config := comparison.DefaultConfig()
	config.Iterations = 13
	return config
}

func newTestSelector(t *testing.T, nativeSign bool) *Selector {
	pl := hesim.TestParametersLiteral
	pl.NativeSign = nativeSign
	params, err := hesim.NewParametersFromLiteral(pl)
	require.NoError(t, err)
	cs, err := hesim.NewCryptoSystem(params, hesim.NewKeySet([]byte("selection test keys")))
	require.NoError(t, err)
	s, err := NewSelector(tracker.NewTracker(cs, tracker.DefaultPolicy()), testConfig())
	require.NoError(t, err)
	return s
}

// testData returns the plaintext rows (x, v, flag) for x = 0..9.
func testData() (schema Schema, rows [][]float64) {
	schema, err := NewSchema(Column{"x", 10}, Column{"v", 11}, Column{"flag", 1})
	if err != nil {
		panic(err)
	}
	for x := 0; x < 10; x++ {
		flag := 0.0
		if x%3 == 0 {
			flag = 1
		}
		rows = append(rows, []float64{float64(x), 1.5*float64(x) - 3, flag})
	}
	return
}

func encryptBatch(t *testing.T, tr *tracker.Tracker, schema Schema, rows [][]float64) RecordBatch {
	batch := RecordBatch{Schema: schema}
	for _, row := range rows {
		var record Record
		for _, v := range row {
			ct, err := tr.Encrypt(v)
			require.NoError(t, err)
			record.Values = append(record.Values, ct)
		}
		batch.Records = append(batch.Records, record)
	}
	require.NoError(t, batch.Validate())
	return batch
}

// expected evaluates q in plaintext.
func expected(schema Schema, rows [][]float64, q Query) (sum, count float64) {
	i, _ := schema.Index(q.Where.Column)
	j, _ := schema.Index(q.Target)
	for _, row := range rows {
		if q.Where.Kind == KindAll || q.Where.Matches(row[i]) {
			count++
			if j >= 0 {
				sum += row[j]
			}
		}
	}
	return
}

func TestSchema(t *testing.T) {

	schema, _ := testData()
	require.Len(t, schema.Columns, 3)

	i, err := schema.Index("v")
	require.NoError(t, err)
	require.Equal(t, 1, i)

	_, err = schema.Column("y")
	require.Error(t, err)

	_, err = NewSchema(Column{"a", 1}, Column{"a", 2})
	require.ErrorIs(t, err, he.ErrInvalidParameters)
	_, err = NewSchema(Column{"a", 0})
	require.ErrorIs(t, err, he.ErrInvalidParameters)
	_, err = NewSchema(Column{"", 1})
	require.ErrorIs(t, err, he.ErrInvalidParameters)

	batch := RecordBatch{Schema: schema, Records: []Record{{Values: make([]*he.Ciphertext, 2)}}}
	require.ErrorIs(t, batch.Validate(), he.ErrInvalidParameters)
}

func TestPredicate(t *testing.T) {

	require.True(t, Greater("x", 3).Matches(4))
	require.False(t, Greater("x", 3).Matches(3))
	require.True(t, Less("x", 3).Matches(-1))
	require.False(t, Less("x", 3).Matches(5))
	require.True(t, Between("x", 1, 3).Matches(2))
	require.False(t, Between("x", 1, 3).Matches(3))
	require.True(t, Flag("f").Matches(1))
	require.False(t, Flag("f").Matches(0))
	require.True(t, All().Matches(math.Inf(-1)))

	require.True(t, Flag("f").Exact())
	require.True(t, All().Exact())
	require.False(t, Between("x", 1, 3).Exact())

	require.Equal(t, 13.0, Greater("x", -3).span(10))
	require.Equal(t, 14.0, Between("x", -4, 2).span(10))

	require.Equal(t, "x > 3", Greater("x", 3).String())
	require.Equal(t, "1 < x < 3", Between("x", 1, 3).String())

	for _, a := range []Aggregate{Sum, Count, Mean} {
		parsed, err := ParseAggregate(a.String())
		require.NoError(t, err)
		require.Equal(t, a, parsed)
	}
	_, err := ParseAggregate("median")
	require.ErrorIs(t, err, he.ErrInvalidParameters)
}

func TestIndicator(t *testing.T) {

	s := newTestSelector(t, false)
	schema, rows := testData()
	batch := encryptBatch(t, s.Tracker(), schema, rows)

	for _, p := range []Predicate{Greater("x", 4.5), Less("x", 6.5), Between("x", 2.5, 6.5), Flag("flag"), All()} {
		t.Run(fmt.Sprintf("Indicator/%s", p), func(t *testing.T) {

			bound, err := s.IndicatorBound(schema, p, gap)
			require.NoError(t, err)
			if p.Exact() {
				require.Zero(t, bound.Approximation)
			}

			depth, err := s.IndicatorDepth(schema, p)
			require.NoError(t, err)

			i, _ := schema.Index(p.Column)

			for k, record := range batch.Records {
				ind, err := s.Indicator(schema, record, p)
				require.NoError(t, err)
				require.Equal(t, s.Tracker().Parameters().MaxLevel()-depth, ind.Level)

				want := 0.0
				if p.Kind == KindAll || p.Matches(rows[k][i]) {
					want = 1
				}

				got, err := s.Tracker().DecryptScalar(ind)
				require.NoError(t, err)
				require.LessOrEqual(t, math.Abs(got-want), bound.Total()+noiseBound, "x=%v", rows[k][0])
			}
		})
	}

	t.Run("UnknownColumn", func(t *testing.T) {
		_, err := s.Indicator(schema, batch.Records[0], Greater("y", 1))
		require.ErrorIs(t, err, he.ErrInvalidParameters)
	})

	t.Run("LevelExhausted", func(t *testing.T) {
		record := Record{Values: make([]*he.Ciphertext, 3)}
		for i, ct := range batch.Records[0].Values {
			var err error
			record.Values[i], err = s.Tracker().DropLevelTo(ct, 3)
			require.NoError(t, err)
		}
		_, err := s.Indicator(schema, record, Greater("x", 4.5))
		require.ErrorIs(t, err, he.ErrLevelExhausted)
	})
}

func TestComparatorBound(t *testing.T) {

	s := newTestSelector(t, false)
	schema, _ := testData()
	require.Equal(t, 1.0, s.config.Bound)

	// The comparison bound follows the column, not the shared configuration.
	for _, p := range []Predicate{Greater("x", 4.5), Less("x", -3), Between("x", -4, 2)} {
		eval, column, err := s.comparator(schema, p)
		require.NoError(t, err)
		require.Equal(t, 10.0, column.Bound)
		require.Equal(t, p.span(column.Bound), eval.Config.Bound)
		require.Greater(t, eval.Config.Bound, column.Bound)
	}
}

func TestAggregate(t *testing.T) {

	s := newTestSelector(t, false)
	schema, rows := testData()
	batch := encryptBatch(t, s.Tracker(), schema, rows)

	for _, q := range []Query{
		{Where: Greater("x", 4.5), Target: "v", Aggregate: Sum, Gap: gap},
		{Where: Less("x", 6.5), Aggregate: Count, Gap: gap},
		{Where: Between("x", 2.5, 6.5), Target: "v", Aggregate: Mean, Gap: gap},
		{Where: Flag("flag"), Target: "v", Aggregate: Sum, Gap: gap},
		{Where: All(), Target: "x", Aggregate: Mean, Gap: gap},
	} {
		t.Run(name("Aggregate", q), func(t *testing.T) {

			agg, err := s.Aggregate(batch, q)
			require.NoError(t, err)
			require.Equal(t, batch.Len(), agg.Rows)

			value, bound, err := agg.Decrypt(s.Tracker())
			require.NoError(t, err)

			sum, count := expected(schema, rows, q)

			var want float64
			switch q.Aggregate {
			case Sum:
				want = sum
				require.Nil(t, agg.Count)
			case Count:
				want = count
				require.Nil(t, agg.Sum)
			default:
				want = sum / count
			}

			slack := float64(batch.Len()) * noiseBound * 11
			require.LessOrEqual(t, math.Abs(value-want), bound.Total()+slack, "bound=%s", bound)
			require.Less(t, bound.Total(), 0.5)

			depth, err := s.Depth(schema, q)
			require.NoError(t, err)
			if q.Where.Exact() && q.Aggregate != Count {
				require.LessOrEqual(t, depth, 1)
			}
		})
	}

	t.Run("Depth", func(t *testing.T) {
		eval, err := comparison.NewEvaluator(s.Tracker(), comparison.Config{Base: testConfig().Base, Iterations: 13, Bound: 14.5})
		require.NoError(t, err)

		depth, err := s.Depth(schema, Query{Where: Greater("x", 4.5), Aggregate: Count})
		require.NoError(t, err)
		require.Equal(t, eval.Depth(), depth)

		depth, err = s.Depth(schema, Query{Where: Greater("x", 4.5), Target: "v", Aggregate: Sum})
		require.NoError(t, err)
		require.Equal(t, eval.Depth()+1, depth)

		depth, err = s.Depth(schema, Query{Where: Flag("flag"), Target: "v", Aggregate: Sum})
		require.NoError(t, err)
		require.Equal(t, 1, depth)

		depth, err = s.Depth(schema, Query{Where: All(), Target: "v", Aggregate: Sum})
		require.NoError(t, err)
		require.Zero(t, depth)
	})

	t.Run("Mask", func(t *testing.T) {
		for k, record := range batch.Records {
			masked, err := s.Mask(schema, record, Flag("flag"), "v")
			require.NoError(t, err)
			got, err := s.Tracker().DecryptScalar(masked)
			require.NoError(t, err)
			require.InDelta(t, rows[k][1]*rows[k][2], got, noiseBound)
		}
	})

	t.Run("EmptySelection", func(t *testing.T) {
		agg, err := s.Aggregate(batch, Query{Where: Greater("x", 20), Target: "v", Aggregate: Mean, Gap: 10})
		require.NoError(t, err)
		_, _, err = agg.Decrypt(s.Tracker())
		require.ErrorIs(t, err, ErrEmptySelection)
	})

	t.Run("EmptyBatch", func(t *testing.T) {
		_, err := s.Aggregate(RecordBatch{Schema: schema}, Query{Where: All(), Aggregate: Count})
		require.ErrorIs(t, err, he.ErrInvalidParameters)
	})

	t.Run("NewAggregation", func(t *testing.T) {
		_, err := s.NewAggregation(schema, Query{Where: All(), Target: "v", Aggregate: Mean}, 1, batch.Records[0].Values[:1])
		require.ErrorIs(t, err, he.ErrInvalidParameters)
	})
}

func TestNativeSign(t *testing.T) {

	s := newTestSelector(t, true)
	schema, rows := testData()
	batch := encryptBatch(t, s.Tracker(), schema, rows)

	q := Query{Where: Between("x", 2.5, 6.5), Target: "v", Aggregate: Sum, Gap: gap}

	depth, err := s.Depth(schema, q)
	require.NoError(t, err)
	require.Equal(t, 3, depth)

	agg, err := s.Aggregate(batch, q)
	require.NoError(t, err)
	require.Zero(t, agg.SumBound.Approximation)

	value, _, err := agg.Decrypt(s.Tracker())
	require.NoError(t, err)

	sum, _ := expected(schema, rows, q)
	require.InDelta(t, sum, value, float64(batch.Len())*noiseBound*11)
}

func TestMeanBound(t *testing.T) {

	mean, bound, err := MeanBound(10, ErrorBound{Approximation: 0.1}, 4, ErrorBound{Scheme: 0.1})
	require.NoError(t, err)
	require.Equal(t, 2.5, mean)
	require.InDelta(t, 0.1/3.9, bound.Approximation, 1e-15)
	require.InDelta(t, 0.25/3.9, bound.Scheme, 1e-15)

	_, _, err = MeanBound(1, ErrorBound{}, 0.3, ErrorBound{})
	require.ErrorIs(t, err, ErrEmptySelection)

	_, _, err = MeanBound(1, ErrorBound{}, 2, ErrorBound{Approximation: 3})
	require.ErrorIs(t, err, ErrEmptySelection)

	e := ErrorBound{Approximation: 1, Scheme: 2}
	require.Equal(t, 3.0, e.Total())
	require.Equal(t, ErrorBound{2, 4}, e.Scale(2))
	require.Equal(t, ErrorBound{2, 4}, e.Add(e))
}

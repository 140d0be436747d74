// Package dataset loads numeric tables from CSV files and encrypts them into
// record batches.
package dataset

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/montanaflynn/stats"

	"github.com/tuneinsight/heselect/circuits/selection"
	"github.com/tuneinsight/heselect/core/he"
	"github.com/tuneinsight/heselect/core/tracker"
	"github.com/tuneinsight/heselect/executor"
)

// Table is a plaintext table of real values, stored row by row.
type Table struct {
	Names []string
	Rows  [][]float64
}

// LoadCSV reads a CSV document whose first line is a header. If columns are
// given, only those are kept, in that order; otherwise every column is kept
// and must be numeric.
func LoadCSV(r io.Reader, columns ...string) (*Table, error) {

	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("cannot LoadCSV: %w: missing header", he.ErrInvalidParameters)
		}
		return nil, fmt.Errorf("cannot LoadCSV: %w", err)
	}

	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	if len(columns) == 0 {
		columns = header
	}

	index := make([]int, len(columns))
	for i, name := range columns {
		index[i] = -1
		for j, h := range header {
			if h == name {
				index[i] = j
				break
			}
		}
		if index[i] < 0 {
			return nil, fmt.Errorf("cannot LoadCSV: %w: unknown column %q", he.ErrInvalidParameters, name)
		}
	}

	t := &Table{Names: append([]string{}, columns...)}

	for line := 2; ; line++ {

		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("cannot LoadCSV: %w", err)
		}

		row := make([]float64, len(index))
		for i, j := range index {
			if row[i], err = strconv.ParseFloat(strings.TrimSpace(record[j]), 64); err != nil {
				return nil, fmt.Errorf("cannot LoadCSV: %w: line %d, column %q: %w", he.ErrEncoding, line, columns[i], err)
			}
		}

		t.Rows = append(t.Rows, row)
	}

	return t, nil
}

// LoadCSVFile reads the CSV file at path.
func LoadCSVFile(path string, columns ...string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot LoadCSVFile: %w", err)
	}
	defer f.Close()
	return LoadCSV(f, columns...)
}

// Len returns the number of rows.
func (t *Table) Len() int {
	return len(t.Rows)
}

// Index returns the position of the named column.
func (t *Table) Index(name string) (int, error) {
	for i, n := range t.Names {
		if n == name {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: unknown column %q", he.ErrInvalidParameters, name)
}

// Column returns a copy of the values of the named column.
func (t *Table) Column(name string) ([]float64, error) {
	j, err := t.Index(name)
	if err != nil {
		return nil, err
	}
	values := make([]float64, len(t.Rows))
	for i, row := range t.Rows {
		values[i] = row[j]
	}
	return values, nil
}

// Env returns row i as a map from column name to value.
func (t *Table) Env(i int) map[string]float64 {
	env := make(map[string]float64, len(t.Names))
	for j, name := range t.Names {
		env[name] = t.Rows[i][j]
	}
	return env
}

// Schema returns the schema of the table, the bound of each column being the
// smallest power of two greater or equal to its largest magnitude, and at least 1.
func (t *Table) Schema() (selection.Schema, error) {
	columns := make([]selection.Column, len(t.Names))
	for j, name := range t.Names {
		m := 0.0
		for _, row := range t.Rows {
			m = math.Max(m, math.Abs(row[j]))
		}
		columns[j] = selection.Column{Name: name, Bound: math.Max(1, math.Exp2(math.Ceil(math.Log2(m))))}
	}
	return selection.NewSchema(columns...)
}

// Encrypt encrypts the table into a record batch, the encryptions being
// distributed over the workers of exec.
func (t *Table) Encrypt(ctx context.Context, exec *executor.Executor, tr *tracker.Tracker, schema selection.Schema) (batch selection.RecordBatch, err error) {

	index := make([]int, len(schema.Columns))
	for k, c := range schema.Columns {
		if index[k], err = t.Index(c.Name); err != nil {
			return batch, fmt.Errorf("cannot Encrypt: %w", err)
		}
	}

	width := len(index)
	if width == 0 {
		return batch, fmt.Errorf("cannot Encrypt: %w: empty schema", he.ErrInvalidParameters)
	}

	cts, err := exec.Map(ctx, tr, t.Len()*width, func(tr *tracker.Tracker, i int) (*he.Ciphertext, error) {
		return tr.Encrypt(t.Rows[i/width][index[i%width]])
	})
	if err != nil {
		return batch, fmt.Errorf("cannot Encrypt: %w", err)
	}

	batch.Schema = schema
	batch.Records = make([]selection.Record, t.Len())
	for i := range batch.Records {
		batch.Records[i] = selection.Record{Values: cts[i*width : (i+1)*width]}
	}

	return
}

// Reference evaluates a query in plaintext.
func (t *Table) Reference(q selection.Query) (float64, error) {

	var sum, count float64

	var where, target []float64
	var err error

	if q.Where.Kind != selection.KindAll {
		if where, err = t.Column(q.Where.Column); err != nil {
			return 0, fmt.Errorf("cannot Reference: %w", err)
		}
	}

	if q.Aggregate != selection.Count {
		if target, err = t.Column(q.Target); err != nil {
			return 0, fmt.Errorf("cannot Reference: %w", err)
		}
	}

	for i := 0; i < t.Len(); i++ {
		if where != nil && !q.Where.Matches(where[i]) {
			continue
		}
		count++
		if target != nil {
			sum += target[i]
		}
	}

	switch q.Aggregate {
	case selection.Count:
		return count, nil
	case selection.Sum:
		return sum, nil
	default:
		if count == 0 {
			return 0, fmt.Errorf("cannot Reference: %w", selection.ErrEmptySelection)
		}
		return sum / count, nil
	}
}

// ColumnSummary are the descriptive statistics of a column.
type ColumnSummary struct {
	Name                        string
	Min, Max, Mean, Median, Std float64
	Sum                         float64
}

func (s ColumnSummary) String() string {
	return fmt.Sprintf("%s: min=%g max=%g mean=%g median=%g std=%g sum=%g", s.Name, s.Min, s.Max, s.Mean, s.Median, s.Std, s.Sum)
}

// Summary returns the statistics of every column.
func (t *Table) Summary() (summaries []ColumnSummary, err error) {

	if t.Len() == 0 {
		return nil, fmt.Errorf("cannot Summary: %w: empty table", he.ErrInvalidParameters)
	}

	for _, name := range t.Names {

		values, _ := t.Column(name)
		data := stats.Float64Data(values)
		s := ColumnSummary{Name: name}

		if s.Min, err = data.Min(); err != nil {
			return nil, fmt.Errorf("cannot Summary: %w", err)
		}
		if s.Max, err = data.Max(); err != nil {
			return nil, fmt.Errorf("cannot Summary: %w", err)
		}
		if s.Mean, err = data.Mean(); err != nil {
			return nil, fmt.Errorf("cannot Summary: %w", err)
		}
		if s.Median, err = data.Median(); err != nil {
			return nil, fmt.Errorf("cannot Summary: %w", err)
		}
		if s.Std, err = data.StandardDeviation(); err != nil {
			return nil, fmt.Errorf("cannot Summary: %w", err)
		}
		if s.Sum, err = data.Sum(); err != nil {
			return nil, fmt.Errorf("cannot Summary: %w", err)
		}

		summaries = append(summaries, s)
	}

	return
}

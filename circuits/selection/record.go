// Package selection implements oblivious filter-and-aggregate queries over
// encrypted record batches: each record is multiplied by an encrypted indicator
// of the predicate, close to 1 for matching records and close to 0 otherwise,
// and the masked values are summed.
package selection

import (
	"fmt"

	"github.com/tuneinsight/heselect/core/he"
)

// Column describes a column of a RecordBatch.
type Column struct {
	Name string
	// Bound is the magnitude bound of the values of the column.
	Bound float64
}

// Schema is the ordered list of the columns of a RecordBatch.
type Schema struct {
	Columns []Column
}

// NewSchema returns a Schema after checking that column names are unique and
// bounds are positive.
func NewSchema(columns ...Column) (Schema, error) {
	seen := map[string]bool{}
	for _, c := range columns {
		if c.Name == "" || seen[c.Name] {
			return Schema{}, fmt.Errorf("cannot NewSchema: %w: empty or duplicate column name %q", he.ErrInvalidParameters, c.Name)
		}
		if !(c.Bound > 0) {
			return Schema{}, fmt.Errorf("cannot NewSchema: %w: column %q has bound %v", he.ErrInvalidParameters, c.Name, c.Bound)
		}
		seen[c.Name] = true
	}
	return Schema{Columns: append([]Column{}, columns...)}, nil
}

// Index returns the position of the named column.
func (s Schema) Index(name string) (int, error) {
	for i, c := range s.Columns {
		if c.Name == name {
			return i, nil
		}
	}
	return -1, fmt.Errorf("unknown column %q", name)
}

// Column returns the named column.
func (s Schema) Column(name string) (Column, error) {
	i, err := s.Index(name)
	if err != nil {
		return Column{}, err
	}
	return s.Columns[i], nil
}

// Record is one encrypted row, one ciphertext per column of the schema.
type Record struct {
	Values []*he.Ciphertext
}

// RecordBatch is the set of encrypted rows of a query. It is read-only once built.
type RecordBatch struct {
	Schema  Schema
	Records []Record
}

// Len returns the number of records.
func (b RecordBatch) Len() int {
	return len(b.Records)
}

// Validate checks that every record has one value per column.
func (b RecordBatch) Validate() error {
	for i, r := range b.Records {
		if len(r.Values) != len(b.Schema.Columns) {
			return fmt.Errorf("%w: record %d has %d values for %d columns", he.ErrInvalidParameters, i, len(r.Values), len(b.Schema.Columns))
		}
	}
	return nil
}

// Value returns the ciphertext of the named column of record i.
func (b RecordBatch) Value(i int, column string) (*he.Ciphertext, error) {
	j, err := b.Schema.Index(column)
	if err != nil {
		return nil, err
	}
	return b.Records[i].Values[j], nil
}

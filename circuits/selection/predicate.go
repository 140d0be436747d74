package selection

import (
	"fmt"
	"math"
)

// PredicateKind enumerates the supported predicates.
type PredicateKind int

const (
	// KindAll matches every record.
	KindAll = PredicateKind(iota)
	// KindGreater matches records with column > Lo.
	KindGreater
	// KindLess matches records with column < Hi.
	KindLess
	// KindBetween matches records with Lo < column < Hi.
	KindBetween
	// KindFlag matches records whose column, an encrypted 0/1 flag, is 1.
	KindFlag
)

// Predicate is a condition on one column of a record.
type Predicate struct {
	Kind   PredicateKind
	Column string
	Lo, Hi float64
}

// All returns the predicate matching every record.
func All() Predicate {
	return Predicate{Kind: KindAll}
}

// Greater returns the predicate column > t.
func Greater(column string, t float64) Predicate {
	return Predicate{Kind: KindGreater, Column: column, Lo: t}
}

// Less returns the predicate column < t.
func Less(column string, t float64) Predicate {
	return Predicate{Kind: KindLess, Column: column, Hi: t}
}

// Between returns the predicate lo < column < hi.
func Between(column string, lo, hi float64) Predicate {
	return Predicate{Kind: KindBetween, Column: column, Lo: lo, Hi: hi}
}

// Flag returns the predicate matching the records whose flag column is 1.
// The indicator is the flag itself and carries no approximation error.
func Flag(column string) Predicate {
	return Predicate{Kind: KindFlag, Column: column}
}

// Exact reports whether the indicator of the predicate is exact.
func (p Predicate) Exact() bool {
	return p.Kind == KindAll || p.Kind == KindFlag
}

// Matches evaluates the predicate in plaintext.
func (p Predicate) Matches(v float64) bool {
	switch p.Kind {
	case KindGreater:
		return v > p.Lo
	case KindLess:
		return v < p.Hi
	case KindBetween:
		return v > p.Lo && v < p.Hi
	case KindFlag:
		return v == 1
	default:
		return true
	}
}

// span returns the magnitude bound of the differences compared against zero.
func (p Predicate) span(bound float64) float64 {
	switch p.Kind {
	case KindGreater:
		return bound + math.Abs(p.Lo)
	case KindLess:
		return bound + math.Abs(p.Hi)
	case KindBetween:
		return bound + math.Max(math.Abs(p.Lo), math.Abs(p.Hi))
	default:
		return bound
	}
}

func (p Predicate) String() string {
	switch p.Kind {
	case KindGreater:
		return fmt.Sprintf("%s > %v", p.Column, p.Lo)
	case KindLess:
		return fmt.Sprintf("%s < %v", p.Column, p.Hi)
	case KindBetween:
		return fmt.Sprintf("%v < %s < %v", p.Lo, p.Column, p.Hi)
	case KindFlag:
		return p.Column
	default:
		return "true"
	}
}

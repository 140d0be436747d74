package hefloat

import (
	"github.com/tuneinsight/heselect/schemes/hesim"
)

var (
	// TestParametersLiteral is an insecure parameter set with eight levels and
	// scale 2^40, used for the sole purpose of fast testing.
	TestParametersLiteral = ParametersLiteral{
		LogN:            10,
		Q:               append([]uint64{hesim.TestQ0}, hesim.TestPrimes[:8]...),
		P:               []uint64{0x1fffffffffffd801},
		LogDefaultScale: 40,
	}
)

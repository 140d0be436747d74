package heint

var (
	// TestParametersLiteral is an insecure parameter set with four levels and
	// a 24-bit plaintext modulus, used for the sole purpose of fast testing.
	TestParametersLiteral = ParametersLiteral{
		LogN:             10,
		Q:                []uint64{0x3fffffa8001, 0x1000090001, 0x10000c8001, 0x10000f0001, 0xffff00001},
		P:                []uint64{0x7fffffd8001},
		PlaintextModulus: 0xffc001,
	}
)

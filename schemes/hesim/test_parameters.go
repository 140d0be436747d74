package hesim

var (
	// TestPrimes are 40-bit NTT-friendly primes for ring degrees up to 2^10,
	// sorted by increasing distance to 2^40.
	TestPrimes = []uint64{
		0xffffff7801, 0xffffff7001, 0x1000000c801, 0x1000000d801, 0xfffffef801, 0xfffffee801, 0xfffffed001, 0xfffffe7001,
		0xfffffdf001, 0xfffffdc001, 0x10000029001, 0x1000002a001, 0xfffffd1801, 0x10000033001, 0xfffffc6001, 0xfffffc1001,
		0x10000045801, 0x10000048001, 0xfffffb6801, 0x10000058801, 0xfffffa6001, 0x1000005c001, 0xfffff9b801, 0x10000065001,
		0x1000006f001, 0x10000072001, 0xfffff8c801, 0xfffff8b801, 0xfffff82001, 0xfffff77801, 0xfffff76801,
	}

	// TestQ0 is a 56-bit NTT-friendly prime for ring degrees up to 2^10, used as the
	// first prime of test modulus chains.
	TestQ0 = uint64(0x80000000002001)

	// TestParametersLiteral is a simulated parameter set with 31 levels and scale 2^40.
	TestParametersLiteral = ParametersLiteral{
		LogN:            10,
		Q:               append([]uint64{TestQ0}, TestPrimes...),
		LogDefaultScale: 40,
		Sigma:           3.2,
	}
)

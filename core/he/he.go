// Package he defines the scheme-agnostic layer of heselect: the parameters and context shared by every
// backend, the tracked ciphertext with its scale and level metadata, the CryptoSystem capability
// interface implemented by the backends in the schemes package, and the error taxonomy.
package he

package he

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// ContextID identifies a Context: two ciphertexts can only interact if they
// were created under the same ContextID.
type ContextID [32]byte

func (id ContextID) String() string {
	return hex.EncodeToString(id[:8])
}

// KeySet is implemented by the key material of a backend.
// The secret part is optional: a KeySet without it can encrypt and evaluate but not decrypt.
type KeySet interface {
	// Digest returns a fingerprint of the public key material.
	Digest() []byte
	// CanDecrypt reports whether the secret key is held.
	CanDecrypt() bool
}

// Context binds a set of Parameters to the key material it is used with.
// It is created once and shared by reference; it is never mutated.
type Context struct {
	params Parameters
	id     ContextID
}

// NewContext creates a new Context from the parameters and the digest of the public key material.
func NewContext(params Parameters, keyDigest []byte) *Context {

	// MarshalBinary only fails on write errors of a bytes.Buffer.
	data, err := params.MarshalBinary()
	if err != nil {
		panic(err)
	}

	h, err := blake2b.New256(nil)
	if err != nil {
		panic(err)
	}

	h.Write(data)
	h.Write(keyDigest)

	ctx := &Context{params: params}
	copy(ctx.id[:], h.Sum(nil))
	return ctx
}

// Parameters returns the parameters of the context.
func (c *Context) Parameters() Parameters {
	return c.params
}

// ID returns the identifier of the context.
func (c *Context) ID() ContextID {
	return c.id
}

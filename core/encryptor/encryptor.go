// Package encryptor implements RLWE public-key encryption drawing all of its
// randomness, the ephemeral key u and both error terms, from a source given by
// the caller. Two encryptors reading identical sources produce identical
// ciphertexts, which lets the workers of a seeded batch reproduce a run.
package encryptor

import (
	"fmt"
	"io"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/ring"
)

// Encryptor encrypts plaintexts under a public key. It is not safe for
// concurrent use.
type Encryptor struct {
	params rlwe.Parameters
	pk     *rlwe.PublicKey
	xs, xe ring.Sampler
	buff   ring.Poly
}

// New returns an Encryptor for pk sampling from source.
func New(params rlwe.ParameterProvider, pk *rlwe.PublicKey, source io.Reader) (*Encryptor, error) {

	p := *params.GetRLWEParameters()

	xs, err := ring.NewSampler(source, p.RingQ(), p.Xs(), false)
	if err != nil {
		return nil, fmt.Errorf("cannot New: %w", err)
	}

	xe, err := ring.NewSampler(source, p.RingQ(), p.Xe(), false)
	if err != nil {
		return nil, fmt.Errorf("cannot New: %w", err)
	}

	return &Encryptor{
		params: p,
		pk:     pk,
		xs:     xs,
		xe:     xe,
		buff:   p.RingQ().NewPoly(),
	}, nil
}

// EncryptNew returns (u*pk[0] + e0 + pt, u*pk[1] + e1) at the level and with
// the metadata of pt. The encryption of zero is sampled directly modulo Q.
func (enc *Encryptor) EncryptNew(pt *rlwe.Plaintext) (*rlwe.Ciphertext, error) {

	if pt == nil {
		return nil, fmt.Errorf("cannot EncryptNew: nil plaintext")
	}

	level := pt.Level()
	ringQ := enc.params.RingQ().AtLevel(level)

	ct := rlwe.NewCiphertext(enc.params, 1, level)
	*ct.MetaData = *pt.MetaData

	c0, c1 := ct.Value[0], ct.Value[1]

	u := enc.buff
	enc.xs.AtLevel(level).Read(u)
	ringQ.NTT(u, u)

	ringQ.MulCoeffsMontgomery(u, enc.pk.Value[0].Q, c0)
	ringQ.MulCoeffsMontgomery(u, enc.pk.Value[1].Q, c1)

	e := u
	for _, c := range []ring.Poly{c0, c1} {
		enc.xe.AtLevel(level).Read(e)
		ringQ.NTT(e, e)
		ringQ.Add(c, e, c)
	}

	if !ct.IsNTT {
		ringQ.INTT(c0, c0)
		ringQ.INTT(c1, c1)
	}

	ringQ.Add(c0, pt.Value, c0)

	return ct, nil
}

package engine

import (
	"fmt"

	"github.com/tuneinsight/heselect/config"
	"github.com/tuneinsight/heselect/core/he"
	"github.com/tuneinsight/heselect/schemes/hefloat"
	"github.com/tuneinsight/heselect/schemes/heint"
	"github.com/tuneinsight/heselect/schemes/hesim"
	"github.com/tuneinsight/heselect/schemes/paillier"
	"github.com/tuneinsight/heselect/utils/prng"
)

// NewCryptoSystem instantiates the backend selected by the configuration and
// generates its keys.
func NewCryptoSystem(c *config.Config) (cs he.CryptoSystem, err error) {

	switch c.Scheme {
	case config.CKKS:

		var params hefloat.Parameters
		if params, err = hefloat.NewParametersFromLiteral(c.CKKSParameters()); err != nil {
			return nil, fmt.Errorf("cannot NewCryptoSystem: %w", err)
		}

		var keys *hefloat.KeySet
		if keys, err = hefloat.GenKeySet(params); err != nil {
			return nil, fmt.Errorf("cannot NewCryptoSystem: %w", err)
		}

		var out *hefloat.CryptoSystem
		if out, err = hefloat.NewCryptoSystem(params, keys); err != nil {
			return nil, fmt.Errorf("cannot NewCryptoSystem: %w", err)
		}

		return out, nil

	case config.BGV:

		var params heint.Parameters
		if params, err = heint.NewParametersFromLiteral(c.BGVParameters()); err != nil {
			return nil, fmt.Errorf("cannot NewCryptoSystem: %w", err)
		}

		var keys *heint.KeySet
		if keys, err = heint.GenKeySet(params); err != nil {
			return nil, fmt.Errorf("cannot NewCryptoSystem: %w", err)
		}

		var out *heint.CryptoSystem
		if out, err = heint.NewCryptoSystem(params, keys); err != nil {
			return nil, fmt.Errorf("cannot NewCryptoSystem: %w", err)
		}

		return out, nil

	case config.Paillier:

		var keys *paillier.KeySet
		if keys, err = paillier.GenKeySet(c.PaillierParameters()); err != nil {
			return nil, fmt.Errorf("cannot NewCryptoSystem: %w", err)
		}

		var out *paillier.CryptoSystem
		if out, err = paillier.NewCryptoSystem(keys); err != nil {
			return nil, fmt.Errorf("cannot NewCryptoSystem: %w", err)
		}

		return out, nil

	case config.Sim:

		var pl hesim.ParametersLiteral
		if pl, err = c.SimParameters(); err != nil {
			return nil, fmt.Errorf("cannot NewCryptoSystem: %w", err)
		}

		var params hesim.Parameters
		if params, err = hesim.NewParametersFromLiteral(pl); err != nil {
			return nil, fmt.Errorf("cannot NewCryptoSystem: %w", err)
		}

		var seed []byte
		if seed, err = c.Seed(); err != nil {
			return nil, fmt.Errorf("cannot NewCryptoSystem: %w", err)
		}

		if seed == nil {
			if seed, err = prng.NewSeed(); err != nil {
				return nil, fmt.Errorf("cannot NewCryptoSystem: %w", err)
			}
		}

		var out *hesim.CryptoSystem
		if out, err = hesim.NewCryptoSystem(params, hesim.NewKeySet(seed)); err != nil {
			return nil, fmt.Errorf("cannot NewCryptoSystem: %w", err)
		}

		return out, nil
	}

	return nil, fmt.Errorf("cannot NewCryptoSystem: %w: unknown scheme %q", he.ErrInvalidParameters, c.Scheme)
}

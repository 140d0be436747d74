// Package prng provides the randomness sources owned by the workers of a batch:
// per-shard keyed generators derived from a batch seed, and helpers to draw
// real-valued samples from any byte stream.
package prng

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/tuneinsight/lattigo/v6/utils/sampling"
	"github.com/zeebo/blake3"
)

// KeySize is the size in bytes of the keys derived by ShardKey.
const KeySize = 32

// NewSeed returns a fresh uniformly random seed of KeySize bytes.
func NewSeed() (seed []byte, err error) {
	seed = make([]byte, KeySize)
	if _, err = rand.Read(seed); err != nil {
		return nil, fmt.Errorf("cannot NewSeed: %w", err)
	}
	return
}

// ShardKey derives the key of the randomness source of the given shard from
// the seed of a batch. Distinct shards of the same batch obtain unrelated keys.
func ShardKey(seed []byte, shard int) []byte {
	hasher := blake3.New()
	hasher.Write(binary.BigEndian.AppendUint64(append([]byte{}, seed...), uint64(shard)))
	key := hasher.Sum(nil)
	return key[:KeySize]
}

// NewShardSource returns the deterministic randomness source of the given
// shard. It must not be shared between goroutines.
func NewShardSource(seed []byte, shard int) (*sampling.KeyedPRNG, error) {
	source, err := sampling.NewKeyedPRNG(ShardKey(seed, shard))
	if err != nil {
		return nil, fmt.Errorf("cannot NewShardSource: %w", err)
	}
	return source, nil
}

// Float64 reads a uniform sample in [0, 1) from r.
func Float64(r io.Reader) (float64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, fmt.Errorf("cannot Float64: %w", err)
	}
	return float64(binary.BigEndian.Uint64(buf[:])>>11) / (1 << 53), nil
}

// NormFloat64 reads a sample of the standard normal distribution from r.
func NormFloat64(r io.Reader) (float64, error) {

	u1, err := Float64(r)
	if err != nil {
		return 0, err
	}

	u2, err := Float64(r)
	if err != nil {
		return 0, err
	}

	// Box-Muller, 1-u1 is in (0, 1].
	return math.Sqrt(-2*math.Log(1-u1)) * math.Cos(2*math.Pi*u2), nil
}

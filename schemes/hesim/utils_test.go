package hesim

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tuneinsight/lattigo/v6/utils/sampling"
)

func newSource(t *testing.T, key []byte) io.Reader {
	source, err := sampling.NewKeyedPRNG(key)
	require.NoError(t, err)
	return source
}

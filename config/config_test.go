package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/tuneinsight/heselect/circuits/comparison"
	"github.com/tuneinsight/heselect/core/he"
	"github.com/tuneinsight/heselect/schemes/hesim"
)

const testDocument = `
scheme: ckks
ckks:
  logN: 12
  logQ: [55, 40, 40, 40]
  logP: [61]
  logDefaultScale: 40
approximation:
  degree: 5
  iterations: 4
  bound: 8
  gap: 0.05
executor:
  workers: 3
  seed: 00ff10
lazyRescale: true
`

func TestDefault(t *testing.T) {

	c := Default()
	require.NoError(t, c.Validate())

	pl, err := c.SimParameters()
	require.NoError(t, err)
	require.Len(t, pl.Q, 31)

	params, err := hesim.NewParametersFromLiteral(pl)
	require.NoError(t, err)
	require.Equal(t, 30, params.MaxLevel())

	require.Equal(t, comparison.DefaultConfig(), c.Comparison())
	require.True(t, c.Policy().RescaleOnProduce)

	seed, err := c.Seed()
	require.NoError(t, err)
	require.Nil(t, seed)

	funcs, err := c.Functions()
	require.NoError(t, err)
	require.Contains(t, funcs, "sigmoid")

	// An empty document is the default configuration.
	parsed, err := Parse(nil)
	require.NoError(t, err)
	require.Empty(t, cmp.Diff(c, *parsed))
}

func TestParse(t *testing.T) {

	c, err := Parse([]byte(testDocument))
	require.NoError(t, err)

	require.Equal(t, CKKS, c.Scheme)
	require.Equal(t, 3, c.Executor.Workers)
	require.Equal(t, 0.4, c.Gap())

	pl := c.CKKSParameters()
	require.Equal(t, 12, pl.LogN)
	require.Equal(t, []int{55, 40, 40, 40}, pl.LogQ)
	require.Nil(t, pl.Q)

	seed, err := c.Seed()
	require.NoError(t, err)
	require.Equal(t, []byte{0x00, 0xff, 0x10}, seed)

	cmpConfig := c.Comparison()
	require.Equal(t, 5, cmpConfig.Base.Degree())
	require.Equal(t, 4, cmpConfig.Iterations)
	require.Equal(t, 8.0, cmpConfig.Bound)
	require.NoError(t, cmpConfig.Validate())

	policy := c.Policy()
	require.False(t, policy.RescaleOnProduce)
	require.Equal(t, c.Tolerance, policy.Tolerance)

	// Untouched sections keep their defaults.
	require.Equal(t, Default().BGV, c.BGV)

	data, err := c.Marshal()
	require.NoError(t, err)
	again, err := Parse(data)
	require.NoError(t, err)
	require.Empty(t, cmp.Diff(c, again))
}

func TestChain(t *testing.T) {

	c, err := Parse([]byte(`
scheme: sim
sim:
  q: [0x80000000002001, 0xffffff7801, 0xffffff7001]
  logDefaultScale: 40
`))
	require.NoError(t, err)

	pl, err := c.SimParameters()
	require.NoError(t, err)
	require.Equal(t, []uint64{0x80000000002001, 0xffffff7801, 0xffffff7001}, pl.Q)

	c, err = Parse([]byte(`
scheme: bgv
bgv:
  logN: 10
  q: [0x3fffffa8001, 0x1000090001]
  p: [0x7fffffd8001]
  plaintextModulus: 0xffc001
`))
	require.NoError(t, err)

	bgv := c.BGVParameters()
	require.Nil(t, bgv.LogQ)
	require.Nil(t, bgv.LogP)
	require.Equal(t, uint64(0xffc001), bgv.PlaintextModulus)
	require.Len(t, bgv.Q, 2)

	c, err = Parse([]byte("scheme: paillier\npaillier: {bits: 512, shares: 3, threshold: 2}\n"))
	require.NoError(t, err)
	require.NoError(t, c.PaillierParameters().Validate())
	require.Equal(t, uint8(3), c.PaillierParameters().Shares)
}

func TestValidate(t *testing.T) {

	for _, doc := range []string{
		"scheme: tfhe",
		"unknown: 1",
		"scheme: [",
		"sim: {logN: 0}",
		"sim: {q: [], logQ: []}",
		"sim: {logDefaultScale: 61}",
		"sim: {sigma: -1}",
		"scheme: ckks\nckks: {logDefaultScale: 0}",
		"scheme: bgv\nbgv: {plaintextModulus: 1}",
		"scheme: paillier\npaillier: {bits: 8}",
		"approximation: {degree: 4}",
		"approximation: {degree: 1}",
		"approximation: {iterations: 0}",
		"approximation: {bound: 0}",
		"approximation: {gap: 1}",
		"approximation: {gap: 0}",
		"approximation: {functions: {domain: [1, -1]}}",
		"approximation: {functions: {degree: 0}}",
		"executor: {workers: 0}",
		"executor: {seed: xyz}",
		"tolerance: 0",
		"tolerance: 2",
	} {
		t.Run(doc, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			require.ErrorIs(t, err, he.ErrInvalidParameters)
		})
	}
}

func TestLoad(t *testing.T) {

	path := filepath.Join(t.TempDir(), "heselect.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testDocument), 0o600))

	c, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, CKKS, c.Scheme)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

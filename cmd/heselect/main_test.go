package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const testCSV = `name,age,amount,active
alice,34,12.5,1
bob,51,3,0
carol,45,-7.25,1
dave,29,100,0
`

const testConfig = `scheme: sim
sim:
  logN: 10
  logQ: [55, 40, 40, 40, 40, 40, 40, 40, 40, 40, 40, 40, 40, 40, 40, 40, 40, 40, 40, 40, 40, 40, 40, 40, 40, 40, 40, 40, 40, 40, 40]
  logDefaultScale: 40
  sigma: 3.2
approximation:
  degree: 3
  iterations: 12
  bound: 1
  gap: 0.1
executor:
  workers: 2
  seed: 000102030405060708090a0b0c0d0e0f
`

func writeTestFiles(t *testing.T) (cfg, data string) {
	dir := t.TempDir()
	cfg = filepath.Join(dir, "config.yaml")
	data = filepath.Join(dir, "data.csv")
	require.NoError(t, os.WriteFile(cfg, []byte(testConfig), 0o600))
	require.NoError(t, os.WriteFile(data, []byte(testCSV), 0o600))
	return
}

func TestRun(t *testing.T) {

	cfg, data := writeTestFiles(t)

	for _, args := range [][]string{
		{"-flag", "active", "-target", "amount", "-agg", "sum"},
		{"-flag", "active", "-agg", "count"},
		{"-where", "age > 40", "-target", "amount", "-agg", "mean", "-gap", "4"},
		{"-expr", "amount*active - 1"},
	} {
		t.Run(args[1], func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			err := run(context.Background(), append([]string{"-config", cfg, "-data", data}, args...), &stdout, &stderr)
			require.NoError(t, err, stderr.String())
			require.Contains(t, stdout.String(), "bound")
			require.Contains(t, stderr.String(), "keys generated")
		})
	}

	var stdout bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"-config", cfg, "-data", data, "-flag", "active", "-target", "amount"}, &stdout, &bytes.Buffer{}))
	require.Contains(t, stdout.String(), "reference: 5.250000")
}

func TestRunErrors(t *testing.T) {

	cfg, data := writeTestFiles(t)

	for _, args := range [][]string{
		{},
		{"-data", data, "-where", "age > 40", "-flag", "active"},
		{"-config", cfg, "-data", data, "-agg", "median", "-target", "amount"},
		{"-config", cfg, "-data", data, "-agg", "sum"},
		{"-config", cfg, "-data", data, "-where", "age >", "-agg", "count"},
		{"-config", cfg, "-data", data, "-flag", "missing", "-agg", "count"},
		{"-config", filepath.Join(t.TempDir(), "missing.yaml"), "-data", data, "-flag", "active", "-agg", "count"},
	} {
		require.Error(t, run(context.Background(), args, &bytes.Buffer{}, &bytes.Buffer{}), "%v", args)
	}
}

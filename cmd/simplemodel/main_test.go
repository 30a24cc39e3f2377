package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/simplemodel/internal/compile"
	"github.com/born-ml/simplemodel/internal/format"
)

func TestEdgeDelegateScenario(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "out", "m.pte")

	var out bytes.Buffer
	require.NoError(t, run(ctx, []string{"export", "--format", "edge-delegate", "--output-path", path}, &out))
	assert.Contains(t, out.String(), "Exporting model to "+path+" in edge-delegate format.")
	_, err := os.Stat(path)
	require.NoError(t, err)

	out.Reset()
	require.NoError(t, run(ctx, []string{"run", "--format", "edge-delegate", "--input-path", path}, &out))
	assert.Contains(t, out.String(), "Loading model from "+path+" in edge-delegate format.")
	assert.Contains(t, out.String(), "shape=[1 10])")
}

func TestExportThenExecute(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	for _, f := range []format.ExportFormat{format.ExportGraph, format.Interchange} {
		path := filepath.Join(dir, "model"+f.Extension())
		var out bytes.Buffer
		require.NoError(t, run(ctx, []string{"export", "--format", f.String(), "--output-path", path, "--seed", "3"}, &out))
		require.NoError(t, run(ctx, []string{"execute", "--format", f.String(), "--input-path", path, "--seed", "3"}, &out))
		assert.Contains(t, out.String(), "Model output: tensor(", f.String())
	}
}

func TestScriptSerializedScenario(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "out", "m.pt")

	var out bytes.Buffer
	require.NoError(t, run(ctx, []string{"export", "--output-path", path}, &out))
	assert.Contains(t, out.String(), "in script-serialized format.")

	err := run(ctx, []string{"run", "--format", "script-serialized", "--input-path", path}, &out)
	require.Error(t, err)
	assert.True(t, errors.Is(err, format.ErrUnsupportedFormat))
	assert.Contains(t, err.Error(), "script-serialized")
}

func TestUnknownFormat(t *testing.T) {
	var out bytes.Buffer
	for _, cmd := range []string{"export", "run"} {
		err := run(context.Background(), []string{cmd, "--format", "torchscript"}, &out)
		require.Error(t, err, cmd)
		assert.Contains(t, err.Error(), "torchscript")
	}
}

func TestConfigFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("backend: tpu\nseed: 5\n"), 0o600))

	var out bytes.Buffer
	path := filepath.Join(dir, "m.pte")
	err := run(ctx, []string{"export", "--format", "edge-delegate", "--output-path", path, "--config", cfgPath}, &out)
	assert.True(t, errors.Is(err, compile.ErrUnknownBackend))

	// Flags override the file.
	require.NoError(t, run(ctx, []string{"export", "--format", "edge-delegate", "--output-path", path, "--config", cfgPath, "--backend", "cpu"}, &out))

	err = run(ctx, []string{"export", "--config", filepath.Join(dir, "missing.yaml")}, &out)
	assert.ErrorContains(t, err, "reading config")
}

func TestCommands(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"version"}, &out))
	assert.Equal(t, "simplemodel "+version+"\n", out.String())

	out.Reset()
	assert.Error(t, run(context.Background(), nil, &out))
	assert.Contains(t, out.String(), "Usage:")

	assert.ErrorContains(t, run(context.Background(), []string{"train"}, &out), `unknown command "train"`)

	out.Reset()
	require.NoError(t, run(context.Background(), []string{"--help"}, &out))
	for _, cmd := range []string{"export", "run", "package", "version"} {
		assert.Contains(t, out.String(), cmd)
	}
}

func TestPackageScenario(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "out", "model.aotpkg")

	var out bytes.Buffer
	require.NoError(t, run(ctx, []string{"package", "export", "--output-path", dir, "--seed", "8"}, &out))
	assert.Contains(t, out.String(), "Packaging model to "+dir+".")
	for _, name := range []string{compile.ManifestFile, compile.ProgramFile} {
		_, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err, name)
	}

	out.Reset()
	require.NoError(t, run(ctx, []string{"package", "run", "--input-path", dir, "--seed", "8"}, &out))
	assert.Contains(t, out.String(), "Model output: tensor([[")
}

func TestTraceGoesToStderr(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "m.pte")

	var stdout, stderr bytes.Buffer
	require.NoError(t, execute(ctx, []string{"export", "--format", "edge-delegate", "--output-path", path, "--trace"}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "Exporting model to")
	assert.NotContains(t, stdout.String(), "export.edge_delegate")
	assert.Contains(t, stderr.String(), "export.edge_delegate")
}

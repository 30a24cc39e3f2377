package runner

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/simplemodel/internal/artifact"
	"github.com/born-ml/simplemodel/internal/compile"
	"github.com/born-ml/simplemodel/internal/config"
	"github.com/born-ml/simplemodel/internal/edge"
	"github.com/born-ml/simplemodel/internal/exporter"
	"github.com/born-ml/simplemodel/internal/format"
	"github.com/born-ml/simplemodel/internal/graph"
	"github.com/born-ml/simplemodel/internal/model"
)

var runnable = []format.ExportFormat{format.ExportGraph, format.Interchange, format.EdgeDelegate}

func location(t *testing.T, name string) string {
	return "mem://localhost/runner/" + t.Name() + "/" + name
}

func seeded(seed int64) *config.Config {
	cfg := config.Default()
	cfg.Seed = seed
	return cfg
}

func export(t *testing.T, store *artifact.Store, cfg *config.Config, f format.ExportFormat, path string) {
	t.Helper()
	e, err := exporter.New(store, cfg, nil)
	require.NoError(t, err)
	require.NoError(t, e.Export(context.Background(), f, path))
}

func TestExportThenRun(t *testing.T) {
	ctx := context.Background()
	store := artifact.New()
	cfg := seeded(21)

	for _, f := range runnable {
		t.Run(f.String(), func(t *testing.T) {
			path := location(t, "model"+f.Extension())
			export(t, store, cfg, f, path)

			var out bytes.Buffer
			got, err := New(store, cfg, &out).Run(ctx, f, path)
			require.NoError(t, err)
			assert.Equal(t, tensor.Shape{1, model.Features}, got.Shape())
			assert.Contains(t, out.String(), "Loading model from "+path+" in "+f.String()+" format.")
			assert.Contains(t, out.String(), "Model output: tensor([[")
		})
	}
}

// With pinned weights and input every runnable format computes the same
// result as the eager model.
func TestFormatsAgree(t *testing.T) {
	ctx := context.Background()
	store := artifact.New()
	cfg := seeded(4)

	m := exporter.NewModel(format.EdgeDelegate, cfg.Seed)
	want, err := graph.NewEager(cpu.New()).Run(m, model.ExampleInput(cfg.Seed))
	require.NoError(t, err)

	for _, f := range runnable {
		for _, name := range []string{"first", "second"} {
			path := location(t, name+f.Extension())
			export(t, store, cfg, f, path)
			got, err := New(store, cfg, nil).Run(ctx, f, path)
			require.NoError(t, err, f.String())
			assert.InDeltaSlice(t, want.AsFloat32(), got.AsFloat32(), 1e-5, "%s %s", f, name)
		}
	}
}

func TestRunScriptSerializedIsUnsupported(t *testing.T) {
	ctx := context.Background()
	store := artifact.New()
	path := location(t, "model.pt")
	export(t, store, nil, format.ScriptSerialized, path)

	_, err := New(store, nil, nil).Run(ctx, format.ScriptSerialized, path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, format.ErrUnsupportedFormat))
	assert.Contains(t, err.Error(), "script-serialized")
}

func TestRunMissingArtifact(t *testing.T) {
	r := New(artifact.New(), nil, nil)
	for _, f := range runnable {
		_, err := r.Run(context.Background(), f, location(t, "missing"))
		assert.True(t, errors.Is(err, artifact.ErrNotFound), f.String())
	}
}

func TestRunWrongFormat(t *testing.T) {
	ctx := context.Background()
	store := artifact.New()
	path := location(t, "model.pte")
	export(t, store, seeded(1), format.EdgeDelegate, path)

	r := New(store, nil, nil)
	_, err := r.Run(ctx, format.Interchange, path)
	assert.Error(t, err)
	_, err = r.Run(ctx, format.ExportGraph, path)
	assert.Error(t, err)
}

func TestRunEdgeDelegateWithoutForward(t *testing.T) {
	ctx := context.Background()
	store := artifact.New()

	m := model.NewConditionalModel(cpu.New())
	p, err := compile.Capture(m, model.ExampleInput(1), nil)
	require.NoError(t, err)
	p, err = compile.Decompose(p)
	require.NoError(t, err)
	part, err := compile.NewPartitioner(compile.DefaultBackend)
	require.NoError(t, err)
	p, err = compile.Partition(p, part)
	require.NoError(t, err)
	prog, err := compile.ToEdge(p, part)
	require.NoError(t, err)
	prog.Methods[0].Name = "predict"
	data, err := edge.Encode(prog)
	require.NoError(t, err)

	path := location(t, "model.pte")
	require.NoError(t, store.Write(ctx, path, data))

	_, err = New(store, nil, nil).RunEdgeDelegate(ctx, path, model.ExampleInput(1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, edge.ErrMethodNotFound))
	assert.True(t, errors.Is(err, graph.ErrMethodNotFound))
	assert.Contains(t, err.Error(), `"forward"`)
	assert.Contains(t, err.Error(), "with methods [predict]")
}

func TestRunExportGraphWithoutForward(t *testing.T) {
	ctx := context.Background()
	store := artifact.New()

	p, err := compile.Capture(model.NewConditionalModel(cpu.New()), model.ExampleInput(1), nil)
	require.NoError(t, err)
	p.Method = "predict"
	data, err := compile.SaveProgram(p)
	require.NoError(t, err)

	path := location(t, "model.pt2")
	require.NoError(t, store.Write(ctx, path, data))

	_, err = New(store, nil, nil).RunExportGraph(ctx, path, model.ExampleInput(1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, graph.ErrMethodNotFound))
	assert.False(t, errors.Is(err, edge.ErrMethodNotFound))
	assert.Contains(t, err.Error(), `"forward"`)
}

func TestRunRejectsWrongInputShape(t *testing.T) {
	ctx := context.Background()
	store := artifact.New()
	path := location(t, "model.pte")
	export(t, store, seeded(1), format.EdgeDelegate, path)

	x, err := model.FromSlice(tensor.Shape{1, 5}, []float32{1, 2, 3, 4, 5})
	require.NoError(t, err)
	_, err = New(store, nil, nil).RunEdgeDelegate(ctx, path, x)
	assert.ErrorContains(t, err, "dimension 1 must be 10")
}

func TestFormat(t *testing.T) {
	x, err := model.FromSlice(tensor.Shape{2, 2}, []float32{1, 2.5, -3, 0})
	require.NoError(t, err)
	assert.Equal(t, "tensor([[1.0000, 2.5000], [-3.0000, 0.0000]], shape=[2 2])", Format(x))
	assert.Equal(t, "<nil>", Format(nil))
}

func TestRunPackage(t *testing.T) {
	ctx := context.Background()
	store := artifact.New()
	cfg := seeded(6)
	dir := location(t, "model.pkg")

	m := exporter.NewModel(format.EdgeDelegate, cfg.Seed)
	x := model.ExampleInput(cfg.Seed)
	want, err := graph.NewEager(cpu.New()).Run(m, x)
	require.NoError(t, err)

	e, err := exporter.New(store, cfg, nil)
	require.NoError(t, err)
	_, err = e.ExportPackage(ctx, m, x, dir)
	require.NoError(t, err)

	var out bytes.Buffer
	got, err := New(store, cfg, &out).RunPackage(ctx, dir, x)
	require.NoError(t, err)
	assert.InDeltaSlice(t, want.AsFloat32(), got.AsFloat32(), 1e-5)
	assert.Contains(t, out.String(), "Loading package from "+dir+".")
	assert.Contains(t, out.String(), "Model output: tensor([[")

	// A program that no longer matches the manifest is refused.
	require.NoError(t, store.Write(ctx, compile.PackagePath(dir, compile.ProgramFile), []byte("SMPE")))
	_, err = New(store, cfg, nil).RunPackage(ctx, dir, x)
	assert.True(t, errors.Is(err, compile.ErrPackageChecksum))

	_, err = New(store, cfg, nil).RunPackage(ctx, location(t, "missing.pkg"), x)
	assert.True(t, errors.Is(err, artifact.ErrNotFound))
}

// Package exporter turns a model and an example input into a stored artifact
// in one of the export formats.
package exporter

import (
	"context"
	"fmt"
	"io"

	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/tensor"
	"k8s.io/klog/v2"

	"github.com/born-ml/simplemodel/internal/artifact"
	"github.com/born-ml/simplemodel/internal/compile"
	"github.com/born-ml/simplemodel/internal/config"
	"github.com/born-ml/simplemodel/internal/edge"
	"github.com/born-ml/simplemodel/internal/format"
	"github.com/born-ml/simplemodel/internal/graph"
	"github.com/born-ml/simplemodel/internal/model"
	"github.com/born-ml/simplemodel/internal/tracing"
)

// Exporter writes artifacts to a store and prints progress lines to out.
type Exporter struct {
	store  *artifact.Store
	cfg    *config.Config
	shapes graph.DynamicShapes
	out    io.Writer
}

// New returns an Exporter writing through store. A nil cfg uses
// config.Default and a nil out discards console output.
func New(store *artifact.Store, cfg *config.Config, out io.Writer) (*Exporter, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	shapes, err := cfg.Shapes()
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = io.Discard
	}
	return &Exporter{store: store, cfg: cfg, shapes: shapes, out: out}, nil
}

// NewModel builds the model variant used for f: SimpleModel for
// script-serialized, ConditionalModel for every captured format. A non-zero
// seed pins the weights.
func NewModel(f format.ExportFormat, seed int64) model.Model {
	var m interface {
		model.Model
		Seed(int64)
	}
	if f == format.ScriptSerialized {
		m = model.NewSimpleModel(cpu.New())
	} else {
		m = model.NewConditionalModel(cpu.New())
	}
	if seed != 0 {
		m.Seed(seed)
	}
	return m
}

// Export builds the model and example input for f and writes the artifact to
// path.
func (e *Exporter) Export(ctx context.Context, f format.ExportFormat, path string) error {
	fmt.Fprintf(e.out, "Exporting model to %s in %s format.\n", path, f)

	m := NewModel(f, e.cfg.Seed)
	input := model.ExampleInput(e.cfg.Seed)
	switch f {
	case format.ScriptSerialized:
		return e.ExportScript(ctx, m, path)
	case format.ExportGraph:
		return e.ExportGraph(ctx, m, input, path)
	case format.Interchange:
		_, err := e.ExportInterchange(ctx, m, input, path)
		return err
	case format.EdgeDelegate:
		return e.ExportEdgeDelegate(ctx, m, input, path)
	default:
		return format.Unsupported("export", f)
	}
}

// ExportScript writes the scripted form of m. No example input is needed.
func (e *Exporter) ExportScript(ctx context.Context, m model.Model, path string) (err error) {
	ctx, span := tracing.StartSpan(ctx, "export.script", "model", m.Name(), "path", path)
	defer func() { tracing.EndSpan(span, err) }()

	data, err := compile.Script(m)
	if err != nil {
		return fmt.Errorf("export %s: %w", format.ScriptSerialized, err)
	}
	typ, state, err := compile.ScriptedType(data)
	if err != nil {
		return fmt.Errorf("export %s: %w", format.ScriptSerialized, err)
	}
	klog.FromContext(ctx).Info("scripted module", "type", typ, "tensors", len(state))
	return e.write(ctx, format.ScriptSerialized, path, data)
}

// ExportGraph captures m on input and writes the program.
func (e *Exporter) ExportGraph(ctx context.Context, m model.Model, input *tensor.RawTensor, path string) (err error) {
	ctx, span := tracing.StartSpan(ctx, "export.graph", "model", m.Name(), "path", path)
	defer func() { tracing.EndSpan(span, err) }()

	p, err := e.capture(ctx, m, input)
	if err != nil {
		return fmt.Errorf("export %s: %w", format.ExportGraph, err)
	}
	data, err := compile.SaveProgram(p)
	if err != nil {
		return fmt.Errorf("export %s: %w", format.ExportGraph, err)
	}
	return e.write(ctx, format.ExportGraph, path, data)
}

// ExportInterchange captures m, converts it to ONNX, writes it and verifies it
// against eager execution on input. A mismatch is printed and returned; it is
// an error only with strict verification.
func (e *Exporter) ExportInterchange(ctx context.Context, m model.Model, input *tensor.RawTensor, path string) (v *compile.Verification, err error) {
	log := klog.FromContext(ctx)
	ctx, span := tracing.StartSpan(ctx, "export.interchange", "model", m.Name(), "path", path)
	defer func() { tracing.EndSpan(span, err) }()

	p, err := e.capture(ctx, m, input)
	if err != nil {
		return nil, fmt.Errorf("export %s: %w", format.Interchange, err)
	}
	om, err := compile.ToInterchange(p)
	if err != nil {
		return nil, fmt.Errorf("export %s: %w", format.Interchange, err)
	}
	if removed := compile.Optimize(om); removed > 0 {
		log.V(2).Info("optimized interchange graph", "removedNodes", removed)
	}
	data := om.Marshal()
	if err := e.write(ctx, format.Interchange, path, data); err != nil {
		return nil, err
	}

	_, vspan := tracing.StartSpan(ctx, "export.interchange.verify")
	v, err = compile.Verify(data, m, input, cpu.New())
	tracing.EndSpan(vspan, err)
	if err != nil {
		return nil, fmt.Errorf("export %s: %w", format.Interchange, err)
	}
	fmt.Fprintln(e.out, "ONNX verification results:")
	fmt.Fprintf(e.out, "  %s\n", v)
	log.Info("verified interchange artifact", "passed", v.Passed, "maxAbsDiff", v.MaxAbsDiff, "mismatched", v.Mismatched)
	if !v.Passed && e.cfg.StrictVerify {
		return v, fmt.Errorf("export %s: %w: %s", format.Interchange, compile.ErrVerification, v)
	}
	return v, nil
}

// ExportEdgeDelegate captures m in eval mode, decomposes it into canonical
// operators, partitions it for the configured backend and writes the lowered
// edge program.
func (e *Exporter) ExportEdgeDelegate(ctx context.Context, m model.Model, input *tensor.RawTensor, path string) (err error) {
	ctx, span := tracing.StartSpan(ctx, "export.edge_delegate", "model", m.Name(), "path", path, "backend", e.cfg.Backend)
	defer func() { tracing.EndSpan(span, err) }()

	_, _, data, err := e.lower(ctx, m, input)
	if err != nil {
		return fmt.Errorf("export %s: %w", format.EdgeDelegate, err)
	}
	return e.write(ctx, format.EdgeDelegate, path, data)
}

// ExportPackage compiles m ahead of time into a self-contained package at
// dir: the lowered edge program next to a manifest recording its signature,
// the backend and the host CPU features it was built for.
func (e *Exporter) ExportPackage(ctx context.Context, m model.Model, input *tensor.RawTensor, dir string) (man *compile.Manifest, err error) {
	ctx, span := tracing.StartSpan(ctx, "export.package", "model", m.Name(), "path", dir, "backend", e.cfg.Backend)
	defer func() { tracing.EndSpan(span, err) }()

	fmt.Fprintf(e.out, "Packaging model to %s.\n", dir)
	p, prog, data, err := e.lower(ctx, m, input)
	if err != nil {
		return nil, fmt.Errorf("export package: %w", err)
	}
	man = compile.NewManifest(p, prog, data)
	doc, err := man.Marshal()
	if err != nil {
		return nil, fmt.Errorf("export package: %w", err)
	}
	if err := e.store.Write(ctx, compile.PackagePath(dir, man.Program), data); err != nil {
		return nil, fmt.Errorf("export package: %w", err)
	}
	if err := e.store.Write(ctx, compile.PackagePath(dir, compile.ManifestFile), doc); err != nil {
		return nil, fmt.Errorf("export package: %w", err)
	}
	klog.FromContext(ctx).Info("wrote package", "path", dir, "program", man.ProgramID, "sha256", man.SHA256)
	return man, nil
}

// lower runs the edge pipeline on m and returns the captured program, the
// lowered edge program and its encoding. The decomposed graph is printed.
func (e *Exporter) lower(ctx context.Context, m model.Model, input *tensor.RawTensor) (*graph.Program, *edge.Program, []byte, error) {
	log := klog.FromContext(ctx)

	part, err := compile.NewPartitioner(e.cfg.Backend)
	if err != nil {
		return nil, nil, nil, err
	}

	m.Eval()
	captured, err := e.capture(ctx, m, input)
	if err != nil {
		return nil, nil, nil, err
	}
	p, err := compile.Decompose(captured)
	if err != nil {
		return nil, nil, nil, err
	}
	fmt.Fprint(e.out, p.Graph.String())

	p, err = compile.Partition(p, part)
	if err != nil {
		return nil, nil, nil, err
	}
	log.V(2).Info("partitioned program", "backend", part.Name(), "delegatedNodes", compile.Delegated(p.Graph))

	prog, err := compile.ToEdge(p, part)
	if err != nil {
		return nil, nil, nil, err
	}
	data, err := edge.Encode(prog)
	if err != nil {
		return nil, nil, nil, err
	}
	log.Info("lowered edge program", "id", prog.ID, "backend", prog.Backend, "features", prog.Features)
	return captured, prog, data, nil
}

func (e *Exporter) capture(ctx context.Context, m model.Model, input *tensor.RawTensor) (*graph.Program, error) {
	_, span := tracing.StartSpan(ctx, "capture", "model", m.Name())
	p, err := compile.Capture(m, input, e.shapes)
	tracing.EndSpan(span, err)
	if err != nil {
		return nil, err
	}
	klog.FromContext(ctx).V(2).Info("captured graph", "model", m.Name(), "inputs", len(p.Inputs), "params", len(p.Params))
	return p, nil
}

func (e *Exporter) write(ctx context.Context, f format.ExportFormat, path string, data []byte) error {
	if err := e.store.Write(ctx, path, data); err != nil {
		return fmt.Errorf("export %s: %w", f, err)
	}
	klog.FromContext(ctx).Info("exported model", "format", f.String(), "path", path, "bytes", len(data))
	return nil
}

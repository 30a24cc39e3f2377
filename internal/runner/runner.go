// Package runner loads an exported artifact and executes it once on a fresh
// example input.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

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
	"github.com/born-ml/simplemodel/internal/session"
	"github.com/born-ml/simplemodel/internal/tracing"
)

// ErrNoModule is returned when a loaded export object has no executable module.
var ErrNoModule = errors.New("export object has no executable module")

// Runner reads artifacts from a store and prints results to out.
type Runner struct {
	store *artifact.Store
	cfg   *config.Config
	out   io.Writer
}

// New returns a Runner reading through store. A nil cfg uses config.Default
// and a nil out discards console output.
func New(store *artifact.Store, cfg *config.Config, out io.Writer) *Runner {
	if cfg == nil {
		cfg = config.Default()
	}
	if out == nil {
		out = io.Discard
	}
	return &Runner{store: store, cfg: cfg, out: out}
}

// Run executes the artifact at path, declared to be in format f, and prints
// the output. script-serialized artifacts cannot be run.
func (r *Runner) Run(ctx context.Context, f format.ExportFormat, path string) (*tensor.RawTensor, error) {
	fmt.Fprintf(r.out, "Loading model from %s in %s format.\n", path, f)

	input := model.ExampleInput(r.cfg.Seed)
	var (
		out *tensor.RawTensor
		err error
	)
	switch f {
	case format.EdgeDelegate:
		out, err = r.RunEdgeDelegate(ctx, path, input)
	case format.Interchange:
		out, err = r.RunInterchange(ctx, path, input)
	case format.ExportGraph:
		out, err = r.RunExportGraph(ctx, path, input)
	default:
		return nil, format.Unsupported("run", f)
	}
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(r.out, "Model output: %s\n", Format(out))
	return out, nil
}

// RunEdgeDelegate loads the edge program at path into the process-wide
// runtime and executes its forward method.
func (r *Runner) RunEdgeDelegate(ctx context.Context, path string, input *tensor.RawTensor) (out *tensor.RawTensor, err error) {
	ctx, span := tracing.StartSpan(ctx, "run.edge_delegate", "path", path)
	defer func() { tracing.EndSpan(span, err) }()

	data, err := r.store.Read(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", format.EdgeDelegate, err)
	}
	out, err = execute(ctx, data, graph.MethodForward, input)
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", format.EdgeDelegate, err)
	}
	return out, nil
}

// RunPackage reads the manifest of the ahead-of-time package at dir, checks
// the program against it and executes the method it names.
func (r *Runner) RunPackage(ctx context.Context, dir string, input *tensor.RawTensor) (out *tensor.RawTensor, err error) {
	ctx, span := tracing.StartSpan(ctx, "run.package", "path", dir)
	defer func() { tracing.EndSpan(span, err) }()

	fmt.Fprintf(r.out, "Loading package from %s.\n", dir)
	doc, err := r.store.Read(ctx, compile.PackagePath(dir, compile.ManifestFile))
	if err != nil {
		return nil, fmt.Errorf("run package: %w", err)
	}
	man, err := compile.ParseManifest(doc)
	if err != nil {
		return nil, fmt.Errorf("run package: %w", err)
	}
	data, err := r.store.Read(ctx, compile.PackagePath(dir, man.Program))
	if err != nil {
		return nil, fmt.Errorf("run package: %w", err)
	}
	if err := man.Check(data); err != nil {
		return nil, fmt.Errorf("run package: %w", err)
	}
	klog.FromContext(ctx).V(2).Info("opened package", "model", man.Name, "inputs", man.Inputs, "backend", man.Backend)
	out, err = execute(ctx, data, man.Method, input)
	if err != nil {
		return nil, fmt.Errorf("run package: %w", err)
	}
	fmt.Fprintf(r.out, "Model output: %s\n", Format(out))
	return out, nil
}

func execute(ctx context.Context, data []byte, method string, input *tensor.RawTensor) (*tensor.RawTensor, error) {
	program, err := edge.Get().LoadProgram(ctx, data)
	if err != nil {
		return nil, err
	}
	m, err := program.LoadMethod(method)
	if err != nil {
		return nil, fmt.Errorf("failed to load %q method from program with methods %v: %w",
			method, program.MethodNames(), err)
	}
	outs, err := m.Execute(ctx, []*tensor.RawTensor{input})
	if err != nil {
		return nil, err
	}
	klog.FromContext(ctx).V(2).Info("executed edge program", "program", program.ID(), "backend", program.Backend())
	if len(outs) == 0 || outs[0] == nil {
		return nil, fmt.Errorf("no output")
	}
	return outs[0], nil
}

// RunInterchange opens an ONNX session on the artifact at path and feeds
// input to its first declared input.
func (r *Runner) RunInterchange(ctx context.Context, path string, input *tensor.RawTensor) (out *tensor.RawTensor, err error) {
	ctx, span := tracing.StartSpan(ctx, "run.interchange", "path", path)
	defer func() { tracing.EndSpan(span, err) }()

	data, err := r.store.Read(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", format.Interchange, err)
	}
	sess, err := session.New(data, cpu.New())
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", format.Interchange, err)
	}
	names := sess.InputNames()
	if len(names) == 0 {
		return nil, fmt.Errorf("run %s: model declares no inputs", format.Interchange)
	}
	klog.FromContext(ctx).V(2).Info("opened inference session", "input", names[0], "opset", sess.Opset(), "metadata", sess.Metadata())
	outs, err := sess.Run(map[string]*tensor.RawTensor{names[0]: input})
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", format.Interchange, err)
	}
	return first(format.Interchange, outs)
}

// RunExportGraph deserializes the program at path and calls its forward
// method through the graph interpreter.
func (r *Runner) RunExportGraph(ctx context.Context, path string, input *tensor.RawTensor) (out *tensor.RawTensor, err error) {
	ctx, span := tracing.StartSpan(ctx, "run.export_graph", "path", path)
	defer func() { tracing.EndSpan(span, err) }()

	data, err := r.store.Read(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", format.ExportGraph, err)
	}
	p, err := compile.LoadProgram(data)
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", format.ExportGraph, err)
	}
	module := p.Module(cpu.New())
	if module == nil {
		return nil, fmt.Errorf("run %s: %w", format.ExportGraph, ErrNoModule)
	}
	forward, ok := module.Method(graph.MethodForward)
	if !ok || forward == nil {
		return nil, fmt.Errorf("run %s: %w: %q", format.ExportGraph, graph.ErrMethodNotFound, graph.MethodForward)
	}
	outs, err := forward(input)
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", format.ExportGraph, err)
	}
	klog.FromContext(ctx).V(2).Info("executed export object", "model", p.Name)
	return first(format.ExportGraph, outs)
}

func first(f format.ExportFormat, outs []*tensor.RawTensor) (*tensor.RawTensor, error) {
	if len(outs) == 0 || outs[0] == nil {
		return nil, fmt.Errorf("run %s: no output", f)
	}
	return outs[0], nil
}

// Format renders a float32 tensor as nested rows followed by its shape.
func Format(t *tensor.RawTensor) string {
	if t == nil {
		return "<nil>"
	}
	shape := t.Shape()
	if t.DType() != tensor.Float32 {
		return fmt.Sprintf("tensor(%s, shape=%v)", t.DType(), shape)
	}
	var sb strings.Builder
	sb.WriteString("tensor(")
	writeNested(&sb, t.AsFloat32(), shape)
	fmt.Fprintf(&sb, ", shape=%v)", shape)
	return sb.String()
}

func writeNested(sb *strings.Builder, data []float32, shape tensor.Shape) {
	if len(shape) == 0 {
		if len(data) > 0 {
			fmt.Fprintf(sb, "%.4f", data[0])
		}
		return
	}
	stride := 1
	for _, d := range shape[1:] {
		stride *= d
	}
	sb.WriteByte('[')
	for i := 0; i < shape[0]; i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		writeNested(sb, data[i*stride:(i+1)*stride], shape[1:])
	}
	sb.WriteByte(']')
}

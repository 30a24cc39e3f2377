package compile

import (
	"context"
	"errors"
	"testing"

	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/simplemodel/internal/edge"
	"github.com/born-ml/simplemodel/internal/graph"
	"github.com/born-ml/simplemodel/internal/model"
	"github.com/born-ml/simplemodel/internal/session"
)

func newConditional(t *testing.T) *model.ConditionalModel {
	t.Helper()
	m := model.NewConditionalModel(cpu.New())
	m.Seed(1)
	// A non-zero bias makes a wrong branch visible even for zero inputs.
	bias, err := model.FromSlice(tensor.Shape{model.Features}, []float32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10})
	require.NoError(t, err)
	sd := m.StateDict()
	sd["fc.bias"] = bias
	require.NoError(t, m.LoadStateDict(sd))
	return m
}

func filled(t *testing.T, v float32) *tensor.RawTensor {
	t.Helper()
	data := make([]float32, model.Features)
	for i := range data {
		data[i] = v + float32(i)*0.01
	}
	x, err := model.FromSlice(tensor.Shape{1, model.Features}, data)
	require.NoError(t, err)
	return x
}

// inputs covers both arms: the first sums positive, the second negative.
func inputs(t *testing.T) map[string]*tensor.RawTensor {
	return map[string]*tensor.RawTensor{
		"positive": filled(t, 0.5),
		"negative": filled(t, -0.5),
	}
}

func eager(t *testing.T, m graph.Module, x *tensor.RawTensor) *tensor.RawTensor {
	t.Helper()
	out, err := graph.NewEager(cpu.New()).Run(m, x)
	require.NoError(t, err)
	return out
}

func capture(t *testing.T, m model.Model) *graph.Program {
	t.Helper()
	p, err := Capture(m, model.ExampleInput(3), nil)
	require.NoError(t, err)
	return p
}

func TestCapture(t *testing.T) {
	m := newConditional(t)
	require.True(t, m.Training())

	p := capture(t, m)
	assert.False(t, m.Training(), "capture must switch to eval mode")
	assert.Equal(t, "ConditionalModel", p.Name)
	assert.Equal(t, graph.MethodForward, p.Method)
	require.Len(t, p.Inputs, 1)
	assert.Equal(t, []int{1, model.Features}, p.Inputs[0].Shape)
	assert.ElementsMatch(t, []string{"fc.weight", "fc.bias"}, p.Graph.ParamNames())
}

func TestCaptureRejectsNativeBranch(t *testing.T) {
	_, err := Capture(model.NewSimpleModel(cpu.New()), model.ExampleInput(3), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCapture))
	assert.True(t, errors.Is(err, graph.ErrDataDependentControlFlow))
	assert.Contains(t, err.Error(), "SimpleModel")
}

func TestCaptureDynamicShapes(t *testing.T) {
	m := newConditional(t)
	p, err := Capture(m, model.ExampleInput(3), graph.DynamicShapes{
		InputName: {graph.Auto("batch"), graph.Static},
	})
	require.NoError(t, err)
	assert.Equal(t, []int{graph.Dynamic, model.Features}, p.Inputs[0].Shape)
	assert.Equal(t, "x[batch, 10]", p.Inputs[0].String())

	_, err = Capture(m, model.ExampleInput(3), graph.DynamicShapes{"y": {graph.Static}})
	assert.True(t, errors.Is(err, ErrCapture))
	assert.ErrorContains(t, err, `unknown input "y"`)
}

func TestDecompose(t *testing.T) {
	m := newConditional(t)
	p := capture(t, m)
	before := p.Graph.String()

	d, err := Decompose(p)
	require.NoError(t, err)
	assert.Equal(t, before, p.Graph.String(), "input program must not change")

	ops := map[graph.Op]int{}
	d.Graph.Walk(func(n *graph.Node) { ops[n.Op]++ })
	assert.Zero(t, ops[graph.OpLinear])
	assert.Equal(t, 1, ops[graph.OpTranspose])
	assert.Equal(t, 1, ops[graph.OpMatMul])
	assert.Equal(t, 1, ops[graph.OpAdd])
	require.NoError(t, d.Validate())

	again, err := Decompose(d)
	require.NoError(t, err)
	assert.Equal(t, d.Graph, again.Graph)

	forward, ok := d.Module(cpu.New()).Method(graph.MethodForward)
	require.True(t, ok)
	for name, x := range inputs(t) {
		t.Run(name, func(t *testing.T) {
			outs, err := forward(x)
			require.NoError(t, err)
			assert.InDeltaSlice(t, eager(t, m, x).AsFloat32(), outs[0].AsFloat32(), 1e-5)
		})
	}
}

func TestPartition(t *testing.T) {
	d, err := Decompose(capture(t, newConditional(t)))
	require.NoError(t, err)

	for _, name := range []string{"cpu", "webgpu", " CPU "} {
		part, err := NewPartitioner(name)
		require.NoError(t, err)
		pp, err := Partition(d, part)
		require.NoError(t, err)
		assert.Equal(t, 3, Delegated(pp.Graph), name)
		assert.Zero(t, Delegated(d.Graph), "input program must not change")
	}

	_, err = NewPartitioner("tpu")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownBackend))
	assert.ErrorContains(t, err, "cpu, webgpu")

	part, err := NewPartitioner(DefaultBackend)
	require.NoError(t, err)
	_, err = Partition(capture(t, newConditional(t)), part)
	assert.ErrorContains(t, err, "decompose first")
}

func TestWebGPUPartitionerSkipsDynamicShapes(t *testing.T) {
	part, err := NewPartitioner("webgpu")
	require.NoError(t, err)
	assert.True(t, part.Supports(&graph.Node{Op: graph.OpMatMul, DType: graph.DTypeFloat32, Shape: []int{1, 10}}))
	assert.False(t, part.Supports(&graph.Node{Op: graph.OpMatMul, DType: graph.DTypeFloat32, Shape: []int{graph.Dynamic, 10}}))
	assert.False(t, part.Supports(&graph.Node{Op: graph.OpSum, DType: graph.DTypeFloat32}))
}

func TestToEdge(t *testing.T) {
	ctx := context.Background()
	m := newConditional(t)
	d, err := Decompose(capture(t, m))
	require.NoError(t, err)
	part, err := NewPartitioner(DefaultBackend)
	require.NoError(t, err)
	pp, err := Partition(d, part)
	require.NoError(t, err)

	prog, err := ToEdge(pp, part)
	require.NoError(t, err)
	assert.Equal(t, "cpu", prog.Backend)
	assert.Len(t, prog.Constants, 2)

	var kinds []edge.Kind
	for _, ins := range prog.Methods[0].Chain {
		kinds = append(kinds, ins.Kind)
	}
	assert.Equal(t, []edge.Kind{edge.KindKernel, edge.KindKernel, edge.KindCond}, kinds)
	cond := prog.Methods[0].Chain[2]
	require.Len(t, cond.Branches, 2)
	assert.Contains(t, kindsOf(cond.Branches[0].Chain), edge.KindDelegate)

	data, err := edge.Encode(prog)
	require.NoError(t, err)
	loaded, err := edge.New().LoadProgram(ctx, data)
	require.NoError(t, err)
	forward, err := loaded.LoadMethod(graph.MethodForward)
	require.NoError(t, err)

	for name, x := range inputs(t) {
		t.Run(name, func(t *testing.T) {
			outs, err := forward.Execute(ctx, []*tensor.RawTensor{x})
			require.NoError(t, err)
			assert.InDeltaSlice(t, eager(t, m, x).AsFloat32(), outs[0].AsFloat32(), 1e-5)
		})
	}
}

func kindsOf(chain []*edge.Instruction) []edge.Kind {
	out := make([]edge.Kind, len(chain))
	for i, ins := range chain {
		out[i] = ins.Kind
	}
	return out
}

func TestToEdgeRejectsHighLevelOps(t *testing.T) {
	part, err := NewPartitioner(DefaultBackend)
	require.NoError(t, err)
	_, err = ToEdge(capture(t, newConditional(t)), part)
	assert.ErrorContains(t, err, "non-canonical op linear")
}

func TestToInterchange(t *testing.T) {
	m := newConditional(t)
	om, err := ToInterchange(capture(t, m))
	require.NoError(t, err)
	assert.Zero(t, Optimize(om))

	assert.Equal(t, []string{"ConstantOfShape", "Flatten", "Gemm", "MatMul", "Relu", "Shape", "Where"}, om.Graph.OpTypes())
	assert.Equal(t, "input", om.Graph.Inputs[0].Name)
	assert.Equal(t, "output", om.Graph.Outputs[0].Name)

	sess, err := session.New(om.Marshal(), cpu.New())
	require.NoError(t, err)
	assert.Equal(t, []string{"input"}, sess.InputNames())
	assert.Equal(t, int64(OnnxOpset), sess.Opset())
	assert.Equal(t, "ConditionalModel", sess.Metadata()["source_model"])
	assert.Equal(t, onnxProducer, sess.Metadata()["producer_name"])

	for name, x := range inputs(t) {
		t.Run(name, func(t *testing.T) {
			outs, err := sess.Run(map[string]*tensor.RawTensor{"input": x})
			require.NoError(t, err)
			assert.Equal(t, tensor.Shape{1, model.Features}, outs[0].Shape())
			assert.InDeltaSlice(t, eager(t, m, x).AsFloat32(), outs[0].AsFloat32(), 1e-5)
		})
	}
}

func TestToInterchangeDecomposedGraph(t *testing.T) {
	m := newConditional(t)
	d, err := Decompose(capture(t, m))
	require.NoError(t, err)
	om, err := ToInterchange(d)
	require.NoError(t, err)
	assert.Contains(t, om.Graph.OpTypes(), "Transpose")

	x := filled(t, 0.5)
	v, err := Verify(om.Marshal(), m, x, cpu.New())
	require.NoError(t, err)
	assert.True(t, v.Passed, v.String())
}

func TestToInterchangeRejectsDynamicSum(t *testing.T) {
	p, err := Capture(newConditional(t), model.ExampleInput(3), graph.DynamicShapes{
		InputName: {graph.Auto("batch"), graph.Static},
	})
	require.NoError(t, err)
	_, err = ToInterchange(p)
	assert.ErrorContains(t, err, "dynamic dimension")
}

func TestOptimizeDropsDeadCode(t *testing.T) {
	om, err := ToInterchange(capture(t, newConditional(t)))
	require.NoError(t, err)
	om.Graph.Initializers = append(om.Graph.Initializers, &OnnxTensor{Name: "unused", Dims: []int64{1}, Data: []float32{1}})
	om.Graph.Nodes = append(om.Graph.Nodes, &OnnxNode{Name: "dead", OpType: "Relu", Inputs: []string{"unused"}, Outputs: []string{"dead_out"}})
	nodes := len(om.Graph.Nodes)

	assert.Equal(t, 1, Optimize(om))
	assert.Len(t, om.Graph.Nodes, nodes-1)
	_, ok := om.Graph.Initializer("unused")
	assert.False(t, ok)
	_, ok = om.Graph.Initializer("fc.weight")
	assert.True(t, ok)
}

func TestVerify(t *testing.T) {
	m := newConditional(t)
	om, err := ToInterchange(capture(t, m))
	require.NoError(t, err)

	for name, x := range inputs(t) {
		v, err := Verify(om.Marshal(), m, x, cpu.New())
		require.NoError(t, err, name)
		assert.True(t, v.Passed, v.String())
		assert.True(t, v.ShapeMatch)
		assert.Contains(t, v.String(), "verification passed")
	}

	// A model with different weights must fail verification.
	other := newConditional(t)
	other.Seed(2)
	v, err := Verify(om.Marshal(), other, filled(t, 0.5), cpu.New())
	require.NoError(t, err)
	assert.False(t, v.Passed)
	assert.Positive(t, v.Mismatched)
	assert.Contains(t, v.String(), "FAILED")

	_, err = Verify([]byte("not onnx"), m, filled(t, 0.5), cpu.New())
	assert.Error(t, err)
}

func TestScript(t *testing.T) {
	m := model.NewSimpleModel(cpu.New())
	m.Seed(5)
	data, err := Script(m)
	require.NoError(t, err)
	assert.False(t, m.Training())

	name, state, err := ScriptedType(data)
	require.NoError(t, err)
	assert.Equal(t, m.ScriptName(), name)
	assert.Equal(t, m.StateDict()["fc.weight"].AsFloat32(), state["fc.weight"].AsFloat32())

	_, err = Script(newConditional(t))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotScriptable))
	assert.Contains(t, err.Error(), "ConditionalModel")
}

func TestSaveLoadProgram(t *testing.T) {
	m := newConditional(t)
	p := capture(t, m)

	data, err := SaveProgram(p)
	require.NoError(t, err)

	loaded, err := LoadProgram(data)
	require.NoError(t, err)
	assert.Equal(t, p.Graph.String(), loaded.Graph.String())
	assert.Equal(t, p.Inputs, loaded.Inputs)

	forward, ok := loaded.Module(cpu.New()).Method(graph.MethodForward)
	require.True(t, ok)
	for name, x := range inputs(t) {
		t.Run(name, func(t *testing.T) {
			outs, err := forward(x)
			require.NoError(t, err)
			assert.InDeltaSlice(t, eager(t, m, x).AsFloat32(), outs[0].AsFloat32(), 1e-5)
		})
	}

	scripted, err := Script(model.NewSimpleModel(cpu.New()))
	require.NoError(t, err)
	_, err = LoadProgram(scripted)
	assert.ErrorContains(t, err, "not \"ExportedProgram\"")
}

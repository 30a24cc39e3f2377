package model

import (
	"errors"
	"math"
	"testing"

	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/simplemodel/internal/graph"
)

// identityState pins fc to the identity matrix with bias 0.5.
func identityState(t *testing.T) map[string]*tensor.RawTensor {
	t.Helper()
	w := make([]float32, Features*Features)
	for i := 0; i < Features; i++ {
		w[i*Features+i] = 1
	}
	b := make([]float32, Features)
	for i := range b {
		b[i] = 0.5
	}
	weight, err := FromSlice(tensor.Shape{Features, Features}, w)
	require.NoError(t, err)
	bias, err := FromSlice(tensor.Shape{Features}, b)
	require.NoError(t, err)
	return map[string]*tensor.RawTensor{"fc.weight": weight, "fc.bias": bias}
}

func input(t *testing.T, v float32) *tensor.RawTensor {
	t.Helper()
	data := make([]float32, Features)
	for i := range data {
		data[i] = v
	}
	x, err := FromSlice(tensor.Shape{1, Features}, data)
	require.NoError(t, err)
	return x
}

func TestModelsAgreeEagerly(t *testing.T) {
	b := cpu.New()
	models := []Model{NewSimpleModel(b), NewConditionalModel(b)}

	tests := []struct {
		name string
		x    float32
		want float32
	}{
		{"positive", 1, 1.5},
		{"negative", -1, 0},
		{"zero", 0, 0},
	}
	for _, m := range models {
		require.NoError(t, m.LoadStateDict(identityState(t)))
		for _, tt := range tests {
			t.Run(m.Name()+"/"+tt.name, func(t *testing.T) {
				out, err := graph.NewEager(b).Run(m, input(t, tt.x))
				require.NoError(t, err)
				assert.Equal(t, tensor.Shape{1, Features}, out.Shape())
				for _, v := range out.AsFloat32() {
					assert.InDelta(t, tt.want, v, 1e-6)
				}
			})
		}
	}
}

func TestCapture(t *testing.T) {
	b := cpu.New()
	spec := graph.NewInputSpec("x", tensor.Shape{1, Features}, nil)

	tr := graph.NewTracer()
	_, err := NewSimpleModel(b).Forward(tr, tr.Input(spec))
	require.Error(t, err)
	assert.True(t, errors.Is(err, graph.ErrDataDependentControlFlow))

	tr = graph.NewTracer()
	out, err := NewConditionalModel(b).Forward(tr, tr.Input(spec))
	require.NoError(t, err)
	g, params, err := tr.Finish(out)
	require.NoError(t, err)
	assert.Contains(t, params, "fc.weight")
	assert.Contains(t, params, "fc.bias")
	assert.Equal(t, graph.OpCond, g.Nodes[len(g.Nodes)-1].Op)
}

func TestStateDict(t *testing.T) {
	m := NewConditionalModel(cpu.New())
	sd := m.StateDict()
	require.Len(t, sd, 2)
	assert.Equal(t, tensor.Shape{Features, Features}, sd["fc.weight"].Shape())
	assert.Equal(t, tensor.Shape{Features}, sd["fc.bias"].Shape())
	for _, v := range sd["fc.bias"].AsFloat32() {
		assert.Zero(t, v)
	}

	require.NoError(t, m.LoadStateDict(identityState(t)))
	assert.Equal(t, float32(1), m.FC().Weight().AsFloat32()[0])
	assert.Equal(t, float32(0.5), m.FC().Bias().AsFloat32()[3])

	bad, err := FromSlice(tensor.Shape{2}, []float32{1, 2})
	require.NoError(t, err)
	err = m.LoadStateDict(map[string]*tensor.RawTensor{"fc.weight": bad})
	assert.ErrorContains(t, err, "fc: weight shape mismatch")
}

func TestEvalAndScriptable(t *testing.T) {
	b := cpu.New()
	simple := NewSimpleModel(b)
	assert.True(t, simple.Training())
	simple.Eval()
	assert.False(t, simple.Training())

	var m Model = simple
	_, ok := m.(Scriptable)
	assert.True(t, ok)

	m = NewConditionalModel(b)
	_, ok = m.(Scriptable)
	assert.False(t, ok)
}

func TestSeedIsDeterministic(t *testing.T) {
	b := cpu.New()
	m1, m2 := NewSimpleModel(b), NewSimpleModel(b)
	m1.Seed(7)
	m2.Seed(7)
	assert.Equal(t, m1.FC().Weight().AsFloat32(), m2.FC().Weight().AsFloat32())

	bound := float32(math.Sqrt(6.0 / (2 * Features)))
	for _, v := range m1.FC().Weight().AsFloat32() {
		assert.LessOrEqual(t, v, bound)
		assert.GreaterOrEqual(t, v, -bound)
	}
}

func TestExampleInput(t *testing.T) {
	x := ExampleInput(0)
	assert.Equal(t, tensor.Shape{1, Features}, x.Shape())
	assert.Equal(t, tensor.Float32, x.DType())

	assert.Equal(t, ExampleInput(42).AsFloat32(), ExampleInput(42).AsFloat32())
	assert.NotEqual(t, ExampleInput(42).AsFloat32(), ExampleInput(43).AsFloat32())
}

func TestFromSliceRejectsWrongLength(t *testing.T) {
	_, err := FromSlice(tensor.Shape{2, 2}, []float32{1})
	assert.ErrorContains(t, err, "needs 4 values")
}

package session_test

import (
	"testing"

	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/simplemodel/internal/compile"
	"github.com/born-ml/simplemodel/internal/model"
	"github.com/born-ml/simplemodel/internal/session"
)

// leakyScale builds y = LeakyRelu(x, 0.1) * w with w = [2, 2, 2].
func leakyScale() *compile.OnnxModel {
	return &compile.OnnxModel{
		IRVersion:       compile.OnnxIRVersion,
		Opset:           compile.OnnxOpset,
		ProducerName:    "session-test",
		ProducerVersion: "1",
		Metadata:        map[string]string{"purpose": "test"},
		Graph: &compile.OnnxGraph{
			Name: "g",
			Nodes: []*compile.OnnxNode{
				{Name: "act", OpType: "LeakyRelu", Inputs: []string{"x"}, Outputs: []string{"a"}, Attrs: []compile.OnnxAttr{{Name: "alpha", Float: 0.1}}},
				{Name: "scale", OpType: "Mul", Inputs: []string{"a", "w"}, Outputs: []string{"y"}},
			},
			Initializers: []*compile.OnnxTensor{{Name: "w", Dims: []int64{3}, Data: []float32{2, 2, 2}}},
			Inputs:       []*compile.OnnxValue{{Name: "x", Dims: []int64{1, 3}}},
			Outputs:      []*compile.OnnxValue{{Name: "y", Dims: []int64{1, 3}}},
		},
	}
}

func TestSession(t *testing.T) {
	s, err := session.New(leakyScale().Marshal(), cpu.New())
	require.NoError(t, err)

	assert.Equal(t, []string{"x"}, s.InputNames())
	assert.Equal(t, []string{"y"}, s.OutputNames())
	assert.Equal(t, int64(compile.OnnxOpset), s.Opset())
	assert.Equal(t, "test", s.Metadata()["purpose"])
	assert.Equal(t, "session-test", s.Metadata()["producer_name"])

	x, err := model.FromSlice(tensor.Shape{1, 3}, []float32{-10, 0, 3})
	require.NoError(t, err)
	outs, err := s.Run(map[string]*tensor.RawTensor{"x": x})
	require.NoError(t, err)
	require.Len(t, outs, 1)
	assert.InDeltaSlice(t, []float32{-2, 0, 6}, outs[0].AsFloat32(), 1e-6)
}

func TestSessionMissingInput(t *testing.T) {
	s, err := session.New(leakyScale().Marshal(), cpu.New())
	require.NoError(t, err)

	_, err = s.Run(map[string]*tensor.RawTensor{"input": nil})
	assert.EqualError(t, err, `missing input "x"`)
}

func TestSessionRejectsUnknownOperator(t *testing.T) {
	m := leakyScale()
	m.Graph.Nodes[1].OpType = "If"
	_, err := session.New(m.Marshal(), cpu.New())
	assert.Error(t, err)

	_, err = session.New([]byte{0xff, 0xff}, cpu.New())
	assert.Error(t, err)
}

func TestSessionRecoversKernelPanics(t *testing.T) {
	m := leakyScale()
	m.Graph.Nodes[1].OpType = "MatMul"
	m.Graph.Initializers[0].Dims = []int64{3, 1}
	s, err := session.New(m.Marshal(), cpu.New())
	require.NoError(t, err)

	x, err := model.FromSlice(tensor.Shape{1, 4}, []float32{1, 2, 3, 4})
	require.NoError(t, err)
	_, err = s.Run(map[string]*tensor.RawTensor{"x": x})
	assert.Error(t, err)
}

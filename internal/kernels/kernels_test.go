package kernels

import (
	"testing"

	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func raw(t *testing.T, shape tensor.Shape, data ...float32) *tensor.RawTensor {
	t.Helper()
	r, err := tensor.NewRaw(shape, tensor.Float32, tensor.CPU)
	require.NoError(t, err)
	copy(r.AsFloat32(), data)
	return r
}

func TestLinearMatchesManual(t *testing.T) {
	b := cpu.New()
	x := raw(t, tensor.Shape{1, 2}, 1, 2)
	w := raw(t, tensor.Shape{3, 2}, 1, 0, 0, 1, 1, 1)
	bias := raw(t, tensor.Shape{3}, 0.5, -0.5, 0)

	out, err := Call(b, "linear", Attrs{}, []*tensor.RawTensor{x, w, bias})
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{1, 3}, out.Shape())
	assert.InDeltaSlice(t, []float32{1.5, 1.5, 3}, out.AsFloat32(), 1e-6)

	// Parameters must not be modified by the in-place add fast path.
	assert.Equal(t, []float32{0.5, -0.5, 0}, bias.AsFloat32())
	assert.Equal(t, []float32{1, 2}, x.AsFloat32())
}

func TestAddDoesNotClobberLHS(t *testing.T) {
	b := cpu.New()
	a := raw(t, tensor.Shape{2}, 1, 2)
	c := raw(t, tensor.Shape{2}, 10, 20)

	out, err := Call(b, "add", Attrs{}, []*tensor.RawTensor{a, c})
	require.NoError(t, err)
	assert.Equal(t, []float32{11, 22}, out.AsFloat32())
	assert.Equal(t, []float32{1, 2}, a.AsFloat32())
}

func TestSumAndGreater(t *testing.T) {
	b := cpu.New()
	x := raw(t, tensor.Shape{1, 3}, 1, -3, 1)

	s, err := Call(b, "sum", Attrs{}, []*tensor.RawTensor{x})
	require.NoError(t, err)
	assert.Equal(t, 1, s.NumElements())
	assert.InDelta(t, -1.0, s.AsFloat32()[0], 1e-6)

	pred, err := Call(b, "gt_scalar", Attrs{Scalar: 0}, []*tensor.RawTensor{s})
	require.NoError(t, err)
	ok, err := Truth(pred)
	require.NoError(t, err)
	assert.False(t, ok)

	pred, err = Call(b, "gt_scalar", Attrs{Scalar: -2}, []*tensor.RawTensor{s})
	require.NoError(t, err)
	ok, err = Truth(pred)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestZerosLike(t *testing.T) {
	x := raw(t, tensor.Shape{1, 4}, 1, 2, 3, 4)
	out, err := Call(cpu.New(), "zeros_like", Attrs{}, []*tensor.RawTensor{x})
	require.NoError(t, err)
	assert.Equal(t, x.Shape(), out.Shape())
	assert.Equal(t, []float32{0, 0, 0, 0}, out.AsFloat32())
}

func TestCallErrors(t *testing.T) {
	b := cpu.New()

	_, err := Call(b, "conv3d", Attrs{}, nil)
	assert.ErrorContains(t, err, `no kernel for operator "conv3d"`)

	_, err = Call(b, "matmul", Attrs{}, []*tensor.RawTensor{raw(t, tensor.Shape{1, 2}, 1, 2)})
	assert.ErrorContains(t, err, "matmul requires 2 inputs")

	_, err = Call(b, "add", Attrs{}, []*tensor.RawTensor{nil, nil})
	assert.ErrorContains(t, err, "input 0 is nil")

	// Shape mismatch panics inside the backend and comes back as an error.
	_, err = Call(b, "matmul", Attrs{}, []*tensor.RawTensor{
		raw(t, tensor.Shape{1, 2}, 1, 2),
		raw(t, tensor.Shape{3, 1}, 1, 2, 3),
	})
	assert.ErrorContains(t, err, "matmul")
}

func TestTruthRejectsVectors(t *testing.T) {
	_, err := Truth(raw(t, tensor.Shape{2}, 1, 1))
	assert.Error(t, err)
	_, err = Truth(nil)
	assert.Error(t, err)
}

func TestNames(t *testing.T) {
	names := Names()
	assert.Contains(t, names, "linear")
	assert.Contains(t, names, "matmul")
	assert.IsIncreasing(t, names)
}

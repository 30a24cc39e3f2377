// Package kernels holds the portable operator kernels shared by the graph
// interpreter and the edge runtime. Every kernel delegates the arithmetic to a
// born tensor.Backend; kernels only validate arguments and allocate results.
package kernels

import (
	"fmt"
	"sort"

	"github.com/born-ml/born/tensor"
)

// Attrs carries the scalar attributes an instruction may need.
type Attrs struct {
	Scalar float32
}

// Func computes one output tensor from its inputs on the given backend.
type Func func(b tensor.Backend, attrs Attrs, in []*tensor.RawTensor) (*tensor.RawTensor, error)

var registry = map[string]Func{
	"transpose":  transpose,
	"matmul":     matmul,
	"add":        add,
	"sum":        sum,
	"gt_scalar":  gtScalar,
	"zeros_like": zerosLike,
	"linear":     linear,
}

// Names lists the registered kernels in sorted order.
func Names() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Call runs the kernel registered for op. Backends panic on shape errors; the
// panic is converted into an error naming the operator.
func Call(b tensor.Backend, op string, attrs Attrs, in []*tensor.RawTensor) (out *tensor.RawTensor, err error) {
	f, ok := registry[op]
	if !ok {
		return nil, fmt.Errorf("no kernel for operator %q", op)
	}
	for i, t := range in {
		if t == nil {
			return nil, fmt.Errorf("%s: input %d is nil", op, i)
		}
	}
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("%s: %v", op, r)
		}
	}()
	return f(b, attrs, in)
}

// Truth reads a single-element predicate tensor.
func Truth(pred *tensor.RawTensor) (bool, error) {
	if pred == nil {
		return false, fmt.Errorf("predicate is nil")
	}
	if pred.NumElements() != 1 {
		return false, fmt.Errorf("predicate must have exactly one element, got shape %v", pred.Shape())
	}
	switch pred.DType() {
	case tensor.Bool:
		return pred.AsBool()[0], nil
	case tensor.Float32:
		return pred.AsFloat32()[0] != 0, nil
	default:
		return false, fmt.Errorf("predicate dtype %s not supported", pred.DType())
	}
}

func arity(op string, in []*tensor.RawTensor, n int) error {
	if len(in) != n {
		return fmt.Errorf("%s requires %d inputs, got %d", op, n, len(in))
	}
	return nil
}

func transpose(b tensor.Backend, _ Attrs, in []*tensor.RawTensor) (*tensor.RawTensor, error) {
	if err := arity("transpose", in, 1); err != nil {
		return nil, err
	}
	return b.Transpose(in[0]), nil
}

func matmul(b tensor.Backend, _ Attrs, in []*tensor.RawTensor) (*tensor.RawTensor, error) {
	if err := arity("matmul", in, 2); err != nil {
		return nil, err
	}
	return b.MatMul(in[0], in[1]), nil
}

func add(b tensor.Backend, _ Attrs, in []*tensor.RawTensor) (*tensor.RawTensor, error) {
	if err := arity("add", in, 2); err != nil {
		return nil, err
	}
	// Backends add in place into a uniquely owned lhs; inputs may be parameters.
	defer in[0].ForceNonUnique()()
	return b.Add(in[0], in[1]), nil
}

func sum(b tensor.Backend, _ Attrs, in []*tensor.RawTensor) (*tensor.RawTensor, error) {
	if err := arity("sum", in, 1); err != nil {
		return nil, err
	}
	return b.Sum(in[0]), nil
}

func gtScalar(_ tensor.Backend, attrs Attrs, in []*tensor.RawTensor) (*tensor.RawTensor, error) {
	if err := arity("gt_scalar", in, 1); err != nil {
		return nil, err
	}
	x := in[0]
	if x.DType() != tensor.Float32 {
		return nil, fmt.Errorf("gt_scalar: expected float32 input, got %s", x.DType())
	}
	out, err := tensor.NewRaw(x.Shape(), tensor.Bool, x.Device())
	if err != nil {
		return nil, fmt.Errorf("gt_scalar: %w", err)
	}
	dst := out.AsBool()
	for i, v := range x.AsFloat32() {
		dst[i] = v > attrs.Scalar
	}
	return out, nil
}

func zerosLike(_ tensor.Backend, _ Attrs, in []*tensor.RawTensor) (*tensor.RawTensor, error) {
	if err := arity("zeros_like", in, 1); err != nil {
		return nil, err
	}
	out, err := tensor.NewRaw(in[0].Shape(), in[0].DType(), in[0].Device())
	if err != nil {
		return nil, fmt.Errorf("zeros_like: %w", err)
	}
	return out, nil
}

// linear computes x @ W.T + b the same way born's nn.Linear does.
func linear(b tensor.Backend, attrs Attrs, in []*tensor.RawTensor) (*tensor.RawTensor, error) {
	if len(in) != 2 && len(in) != 3 {
		return nil, fmt.Errorf("linear requires 2 or 3 inputs, got %d", len(in))
	}
	x, w := in[0], in[1]
	if len(x.Shape()) != 2 || len(w.Shape()) != 2 {
		return nil, fmt.Errorf("linear: expected 2D input and weight, got %v and %v", x.Shape(), w.Shape())
	}
	if x.Shape()[1] != w.Shape()[1] {
		return nil, fmt.Errorf("linear: input has %d features, weight expects %d", x.Shape()[1], w.Shape()[1])
	}
	out := b.MatMul(x, b.Transpose(w))
	if len(in) == 3 {
		return add(b, attrs, []*tensor.RawTensor{out, in[2]})
	}
	return out, nil
}

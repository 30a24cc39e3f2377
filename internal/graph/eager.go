package graph

import (
	"fmt"

	"github.com/born-ml/born/tensor"

	"github.com/born-ml/simplemodel/internal/kernels"
)

// Tensor is a concrete Value.
type Tensor struct {
	Raw *tensor.RawTensor
}

// Shape returns the shape of the wrapped tensor.
func (t Tensor) Shape() tensor.Shape { return t.Raw.Shape() }

// Eager executes Ops immediately on a born backend.
type Eager struct {
	backend tensor.Backend
}

var _ Ops = (*Eager)(nil)

// NewEager returns an eager executor bound to b.
func NewEager(b tensor.Backend) *Eager {
	return &Eager{backend: b}
}

// Run executes m on x and returns the concrete output.
func (e *Eager) Run(m Module, x *tensor.RawTensor) (*tensor.RawTensor, error) {
	out, err := m.Forward(e, Tensor{Raw: x})
	if err != nil {
		return nil, fmt.Errorf("%s: forward: %w", m.Name(), err)
	}
	raw, err := e.raw(out)
	if err != nil {
		return nil, fmt.Errorf("%s: forward: %w", m.Name(), err)
	}
	return raw, nil
}

func (e *Eager) raw(v Value) (*tensor.RawTensor, error) {
	t, ok := v.(Tensor)
	if !ok || t.Raw == nil {
		return nil, fmt.Errorf("eager execution got non-concrete value %T", v)
	}
	return t.Raw, nil
}

func (e *Eager) call(op string, attrs kernels.Attrs, vals ...Value) (Value, error) {
	in := make([]*tensor.RawTensor, len(vals))
	for i, v := range vals {
		r, err := e.raw(v)
		if err != nil {
			return nil, err
		}
		in[i] = r
	}
	out, err := kernels.Call(e.backend, op, attrs, in)
	if err != nil {
		return nil, err
	}
	return Tensor{Raw: out}, nil
}

// Linear applies l to x.
func (e *Eager) Linear(l Layer, x Value) (Value, error) {
	vals := []Value{x, Tensor{Raw: l.Weight()}}
	if b := l.Bias(); b != nil {
		vals = append(vals, Tensor{Raw: b})
	}
	return e.call("linear", kernels.Attrs{}, vals...)
}

// Sum reduces x to a scalar.
func (e *Eager) Sum(x Value) (Value, error) {
	return e.call("sum", kernels.Attrs{}, x)
}

// GreaterScalar compares x element-wise against c.
func (e *Eager) GreaterScalar(x Value, c float32) (Value, error) {
	return e.call("gt_scalar", kernels.Attrs{Scalar: c}, x)
}

// ZerosLike returns zeros shaped like x.
func (e *Eager) ZerosLike(x Value) (Value, error) {
	return e.call("zeros_like", kernels.Attrs{}, x)
}

// Bool reads pred.
func (e *Eager) Bool(pred Value) (bool, error) {
	r, err := e.raw(pred)
	if err != nil {
		return false, err
	}
	return kernels.Truth(r)
}

// Cond evaluates only the selected arm.
func (e *Eager) Cond(pred Value, onTrue, onFalse Branch, operands ...Value) (Value, error) {
	ok, err := e.Bool(pred)
	if err != nil {
		return nil, fmt.Errorf("cond: %w", err)
	}
	if ok {
		return onTrue(e, operands)
	}
	return onFalse(e, operands)
}

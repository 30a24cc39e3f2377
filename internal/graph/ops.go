package graph

import (
	"errors"

	"github.com/born-ml/born/tensor"
)

// ErrDataDependentControlFlow is returned by a capturing Ops when the forward
// pass needs the concrete value of a tensor to choose a code path.
var ErrDataDependentControlFlow = errors.New("data-dependent control flow cannot be captured")

// Value is a tensor handle flowing through Ops. It is concrete under eager
// execution and symbolic under capture.
type Value interface {
	Shape() tensor.Shape
}

// Branch is one arm of a Cond. It receives the Cond operands and must return a
// value with the same shape as the other arm.
type Branch func(ops Ops, operands []Value) (Value, error)

// Layer is an affine transform owned by a module.
type Layer interface {
	// Name is the parameter prefix, e.g. "fc".
	Name() string
	// Weight has shape [out_features, in_features].
	Weight() *tensor.RawTensor
	// Bias has shape [out_features], or is nil.
	Bias() *tensor.RawTensor
}

// Ops is the capability a module's forward pass is written against.
type Ops interface {
	Linear(l Layer, x Value) (Value, error)
	Sum(x Value) (Value, error)
	GreaterScalar(x Value, c float32) (Value, error)
	ZerosLike(x Value) (Value, error)

	// Bool reads a single-element predicate so ordinary Go control flow can
	// branch on it. Capturing implementations fail with
	// ErrDataDependentControlFlow.
	Bool(pred Value) (bool, error)

	// Cond selects onTrue or onFalse by pred and applies it to operands.
	// Capturing implementations record both arms without evaluating either.
	Cond(pred Value, onTrue, onFalse Branch, operands ...Value) (Value, error)
}

// Module is anything with a forward pass over one tensor.
type Module interface {
	Name() string
	Forward(ops Ops, x Value) (Value, error)
}

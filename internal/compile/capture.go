// Package compile turns models into deployable programs: graph capture,
// decomposition into canonical operators, backend partitioning, lowering to
// edge programs and ONNX, and scripted serialization.
package compile

import (
	"errors"
	"fmt"

	"github.com/born-ml/born/tensor"

	"github.com/born-ml/simplemodel/internal/graph"
	"github.com/born-ml/simplemodel/internal/model"
)

var (
	// ErrCapture is returned when a model's forward pass cannot be captured.
	ErrCapture = errors.New("graph capture failed")
	// ErrNotScriptable is returned for models without a scripted form.
	ErrNotScriptable = errors.New("model cannot be scripted")
	// ErrUnknownBackend is returned for partitioner names with no registration.
	ErrUnknownBackend = errors.New("unknown backend")
	// ErrVerification is returned when an exported artifact disagrees with the
	// eager model and verification is strict.
	ErrVerification = errors.New("verification failed")
)

// InputName is the name capture gives the single forward input.
const InputName = "x"

// Capture switches m to eval mode, runs its forward pass on a tracer and
// returns the captured program. The example input fixes the static shape;
// dims named in shapes are recorded as dynamic.
func Capture(m model.Model, input *tensor.RawTensor, shapes graph.DynamicShapes) (*graph.Program, error) {
	m.Eval()

	if err := shapes.Validate(map[string]tensor.Shape{InputName: input.Shape()}); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCapture, m.Name(), err)
	}
	spec := graph.NewInputSpec(InputName, input.Shape(), shapes.For(InputName))

	tr := graph.NewTracer()
	out, err := m.Forward(tr, tr.Input(spec))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCapture, m.Name(), err)
	}
	g, params, err := tr.Finish(out)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCapture, m.Name(), err)
	}

	p := &graph.Program{
		Name:   m.Name(),
		Method: graph.MethodForward,
		Inputs: []graph.InputSpec{spec},
		Graph:  g,
		Params: params,
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCapture, err)
	}
	return p, nil
}

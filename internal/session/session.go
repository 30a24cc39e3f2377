// Package session runs ONNX models through born's ONNX runtime.
package session

import (
	"fmt"

	"github.com/born-ml/born/onnx"
	"github.com/born-ml/born/tensor"
)

// Session is a loaded ONNX model bound to a backend.
type Session struct {
	model onnx.Model
}

// New parses data and prepares it for inference on b. Unsupported operators
// are reported at load time.
func New(data []byte, b tensor.Backend) (*Session, error) {
	opts := onnx.DefaultLoadOptions()
	opts.StrictMode = true
	m, err := onnx.LoadFromBytes(data, b, opts)
	if err != nil {
		return nil, fmt.Errorf("load onnx model: %w", err)
	}
	return &Session{model: m}, nil
}

// InputNames returns the graph inputs that are not initializers, in
// declaration order.
func (s *Session) InputNames() []string { return s.model.InputNames() }

// OutputNames returns the graph outputs in declaration order.
func (s *Session) OutputNames() []string { return s.model.OutputNames() }

// Metadata returns the producer fields and metadata_props of the model.
func (s *Session) Metadata() map[string]string { return s.model.Metadata() }

// Opset returns the default-domain opset version.
func (s *Session) Opset() int64 { return s.model.OpsetVersion() }

// Run feeds named inputs and returns outputs in OutputNames order.
func (s *Session) Run(inputs map[string]*tensor.RawTensor) (outs []*tensor.RawTensor, err error) {
	for _, name := range s.InputNames() {
		if inputs[name] == nil {
			return nil, fmt.Errorf("missing input %q", name)
		}
	}
	// Operator kernels panic on shape errors.
	defer func() {
		if r := recover(); r != nil {
			outs = nil
			err = fmt.Errorf("onnx inference: %v", r)
		}
	}()
	named, err := s.model.ForwardNamed(inputs)
	if err != nil {
		return nil, fmt.Errorf("onnx inference: %w", err)
	}
	outs = make([]*tensor.RawTensor, len(s.OutputNames()))
	for i, name := range s.OutputNames() {
		outs[i] = named[name]
	}
	return outs, nil
}

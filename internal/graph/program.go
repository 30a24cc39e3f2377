package graph

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/born-ml/born/tensor"
)

// MethodForward is the entry point every captured program exposes.
const MethodForward = "forward"

// ErrMethodNotFound is returned when a program has no method with the
// requested name.
var ErrMethodNotFound = errors.New("method not found")

// Dim describes one dimension of an input in a dynamic shape spec. The zero
// value is a static dimension; a named dimension may vary at run time.
type Dim struct {
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
}

// Static is a dimension pinned to the size seen at capture time.
var Static = Dim{}

// Auto returns a dynamic dimension with the given symbolic name.
func Auto(name string) Dim { return Dim{Name: name} }

// IsDynamic reports whether d may vary at run time.
func (d Dim) IsDynamic() bool { return d.Name != "" }

// DynamicShapes maps an input name to a per-dimension spec.
type DynamicShapes map[string][]Dim

// For returns the dims declared for input, or nil when the input is fully static.
func (s DynamicShapes) For(input string) []Dim {
	if s == nil {
		return nil
	}
	return s[input]
}

// Validate checks that every spec names a known input of the given rank.
func (s DynamicShapes) Validate(inputs map[string]tensor.Shape) error {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		shape, ok := inputs[name]
		if !ok {
			return fmt.Errorf("dynamic shapes: unknown input %q", name)
		}
		if dims := s[name]; len(dims) != len(shape) {
			return fmt.Errorf("dynamic shapes: input %q has rank %d, spec has %d dims", name, len(shape), len(dims))
		}
	}
	return nil
}

// InputSpec is the signature of one program input.
type InputSpec struct {
	Name  string `json:"name"`
	Shape []int  `json:"shape"`
	Dims  []Dim  `json:"dims,omitempty"`
}

// NewInputSpec records the capture-time shape of an input together with its
// dynamic dims. Dynamic dims are stored as Dynamic in Shape.
func NewInputSpec(name string, shape tensor.Shape, dims []Dim) InputSpec {
	s := InputSpec{Name: name, Shape: append([]int(nil), shape...)}
	if len(dims) == len(shape) {
		s.Dims = append([]Dim(nil), dims...)
		for i, d := range dims {
			if d.IsDynamic() {
				s.Shape[i] = Dynamic
			}
		}
	}
	return s
}

// Check verifies that shape is accepted by the spec.
func (s InputSpec) Check(shape tensor.Shape) error {
	if len(shape) != len(s.Shape) {
		return fmt.Errorf("input %q: expected rank %d, got shape %v", s.Name, len(s.Shape), shape)
	}
	for i, want := range s.Shape {
		if want != Dynamic && shape[i] != want {
			return fmt.Errorf("input %q: dimension %d must be %d, got %d", s.Name, i, want, shape[i])
		}
	}
	return nil
}

// HasDynamic reports whether any dimension of the input may vary.
func (s InputSpec) HasDynamic() bool {
	for _, d := range s.Shape {
		if d == Dynamic {
			return true
		}
	}
	return false
}

// String renders the spec as name[d0, d1] with symbolic names for dynamic dims.
func (s InputSpec) String() string {
	parts := make([]string, len(s.Shape))
	for i, d := range s.Shape {
		if d == Dynamic {
			parts[i] = s.Dims[i].Name
			continue
		}
		parts[i] = fmt.Sprint(d)
	}
	return fmt.Sprintf("%s[%s]", s.Name, strings.Join(parts, ", "))
}

// Program is a captured model: its graph, the parameters the graph refers to
// and the signature of the exposed method.
type Program struct {
	Name   string                       `json:"name"`
	Method string                       `json:"method"`
	Inputs []InputSpec                  `json:"inputs"`
	Graph  *Graph                       `json:"graph"`
	Params map[string]*tensor.RawTensor `json:"-"`
}

// Validate checks the graph and that every referenced parameter is present.
func (p *Program) Validate() error {
	if p.Graph == nil {
		return fmt.Errorf("program %q has no graph", p.Name)
	}
	if err := p.Graph.Validate(); err != nil {
		return fmt.Errorf("program %q: %w", p.Name, err)
	}
	if len(p.Inputs) != len(p.Graph.Inputs) {
		return fmt.Errorf("program %q: %d input specs for %d graph inputs", p.Name, len(p.Inputs), len(p.Graph.Inputs))
	}
	for _, name := range p.Graph.ParamNames() {
		if _, ok := p.Params[name]; !ok {
			return fmt.Errorf("program %q: missing parameter %q", p.Name, name)
		}
	}
	return nil
}

// CheckInputs verifies positional inputs against the signature.
func (p *Program) CheckInputs(inputs []*tensor.RawTensor) error {
	if len(inputs) != len(p.Inputs) {
		return fmt.Errorf("%s: expected %d inputs, got %d", p.Method, len(p.Inputs), len(inputs))
	}
	for i, spec := range p.Inputs {
		if inputs[i] == nil {
			return fmt.Errorf("%s: input %q is nil", p.Method, spec.Name)
		}
		if err := spec.Check(inputs[i].Shape()); err != nil {
			return fmt.Errorf("%s: %w", p.Method, err)
		}
	}
	return nil
}

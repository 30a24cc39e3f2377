package graph

import (
	"fmt"

	"github.com/born-ml/born/tensor"

	"github.com/born-ml/simplemodel/internal/kernels"
)

// Interpreter evaluates a Graph node by node on a born backend. It accepts both
// high-level and canonical operators.
type Interpreter struct {
	Backend tensor.Backend
	Params  map[string]*tensor.RawTensor
}

// Run evaluates g on positional inputs and returns its outputs.
func (it *Interpreter) Run(g *Graph, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if len(inputs) != len(g.Inputs) {
		return nil, fmt.Errorf("graph takes %d inputs, got %d", len(g.Inputs), len(inputs))
	}
	env := make(map[string]*tensor.RawTensor, len(g.Nodes))
	for i, name := range g.Inputs {
		env[name] = inputs[i]
	}

	for _, n := range g.Nodes {
		args := make([]*tensor.RawTensor, len(n.Inputs))
		for i, in := range n.Inputs {
			t, ok := env[in]
			if !ok {
				return nil, fmt.Errorf("node %s: input %s not computed", n.Name, in)
			}
			args[i] = t
		}

		switch n.Op {
		case OpInput:
			if _, ok := env[n.Name]; !ok {
				return nil, fmt.Errorf("input %s not bound", n.Name)
			}
		case OpParam:
			p, ok := it.Params[n.Param]
			if !ok {
				return nil, fmt.Errorf("node %s: unknown parameter %s", n.Name, n.Param)
			}
			env[n.Name] = p
		case OpCond:
			taken, err := kernels.Truth(args[0])
			if err != nil {
				return nil, fmt.Errorf("node %s: %w", n.Name, err)
			}
			arm := n.Branches[1]
			if taken {
				arm = n.Branches[0]
			}
			outs, err := it.Run(arm, args[1:])
			if err != nil {
				return nil, fmt.Errorf("node %s: %w", n.Name, err)
			}
			env[n.Name] = outs[0]
		default:
			out, err := kernels.Call(it.Backend, string(n.Op), kernels.Attrs{Scalar: n.Scalar}, args)
			if err != nil {
				return nil, fmt.Errorf("node %s: %w", n.Name, err)
			}
			env[n.Name] = out
		}
	}

	outs := make([]*tensor.RawTensor, len(g.Outputs))
	for i, name := range g.Outputs {
		t, ok := env[name]
		if !ok {
			return nil, fmt.Errorf("output %s not computed", name)
		}
		outs[i] = t
	}
	return outs, nil
}

// Method is a callable entry point of an Executable.
type Method func(inputs ...*tensor.RawTensor) ([]*tensor.RawTensor, error)

// Executable is the runnable form of a Program.
type Executable struct {
	program *Program
	interp  *Interpreter
}

// Module returns an executable bound to b, or nil when the program carries no
// graph.
func (p *Program) Module(b tensor.Backend) *Executable {
	if p == nil || p.Graph == nil {
		return nil
	}
	return &Executable{
		program: p,
		interp:  &Interpreter{Backend: b, Params: p.Params},
	}
}

// Method returns the entry point called name.
func (e *Executable) Method(name string) (Method, bool) {
	if e == nil || name != e.program.Method {
		return nil, false
	}
	return e.forward, true
}

func (e *Executable) forward(inputs ...*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if err := e.program.CheckInputs(inputs); err != nil {
		return nil, err
	}
	return e.interp.Run(e.program.Graph, inputs)
}

package compile

import (
	"fmt"

	"github.com/born-ml/born/tensor"
	"github.com/google/uuid"

	"github.com/born-ml/simplemodel/internal/edge"
	"github.com/born-ml/simplemodel/internal/graph"
)

// ToEdge lowers a decomposed, partitioned program into an edge program.
// Consecutive nodes tagged with the same backend become one delegate
// instruction; cond nodes become structured cond instructions.
func ToEdge(p *graph.Program, part Partitioner) (*edge.Program, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("to edge: %w", err)
	}
	l := &lowerer{
		params: p.Params,
		consts: make(map[string]int),
		slots:  make(map[string]int),
	}

	m := &edge.Method{Name: p.Method}
	for i, spec := range p.Inputs {
		m.Inputs = append(m.Inputs, edge.Slot{
			Name:  spec.Name,
			Shape: append([]int(nil), spec.Shape...),
			Index: l.slot(p.Graph.Inputs[i]),
		})
	}
	chain, err := l.chain(p.Graph)
	if err != nil {
		return nil, fmt.Errorf("to edge %s: %w", p.Name, err)
	}
	m.Chain = chain
	for _, out := range p.Graph.Outputs {
		m.Outputs = append(m.Outputs, l.slot(out))
	}
	m.NumSlots = len(l.slots)

	prog := &edge.Program{
		ID:        uuid.New(),
		Version:   edge.FormatVersion,
		Backend:   part.Name(),
		Features:  part.Features(),
		Constants: l.constants,
		Methods:   []*edge.Method{m},
	}
	if err := prog.Validate(); err != nil {
		return nil, fmt.Errorf("to edge %s: %w", p.Name, err)
	}
	return prog, nil
}

type lowerer struct {
	params    map[string]*tensor.RawTensor
	constants []*edge.Constant
	consts    map[string]int
	slots     map[string]int
}

func (l *lowerer) slot(name string) int {
	if s, ok := l.slots[name]; ok {
		return s
	}
	s := len(l.slots)
	l.slots[name] = s
	return s
}

func (l *lowerer) constant(name string) (int, error) {
	if c, ok := l.consts[name]; ok {
		return c, nil
	}
	raw, ok := l.params[name]
	if !ok {
		return 0, fmt.Errorf("missing parameter %s", name)
	}
	if raw.DType() != tensor.Float32 {
		return 0, fmt.Errorf("parameter %s: expected float32, got %s", name, raw.DType())
	}
	c := len(l.constants)
	l.constants = append(l.constants, &edge.Constant{
		Name:  name,
		Shape: append([]int(nil), raw.Shape()...),
		Data:  append([]float32(nil), raw.AsFloat32()...),
	})
	l.consts[name] = c
	return c, nil
}

func (l *lowerer) args(names []string) []int {
	out := make([]int, len(names))
	for i, name := range names {
		out[i] = l.slot(name)
	}
	return out
}

func (l *lowerer) chain(g *graph.Graph) ([]*edge.Instruction, error) {
	var (
		chain []*edge.Instruction
		run   *edge.Instruction
	)
	flush := func() {
		if run != nil {
			chain = append(chain, run)
			run = nil
		}
	}

	for _, n := range g.Nodes {
		if !n.Op.Canonical() {
			return nil, fmt.Errorf("node %s: non-canonical op %s", n.Name, n.Op)
		}
		switch n.Op {
		case graph.OpInput:
			l.slot(n.Name)
		case graph.OpParam:
			c, err := l.constant(n.Param)
			if err != nil {
				return nil, fmt.Errorf("node %s: %w", n.Name, err)
			}
			chain = append(chain, &edge.Instruction{Kind: edge.KindConst, Const: c, Out: l.slot(n.Name)})
		case graph.OpCond:
			flush()
			ins, err := l.cond(n)
			if err != nil {
				return nil, err
			}
			chain = append(chain, ins)
		default:
			ins := &edge.Instruction{
				Kind:   edge.KindKernel,
				Op:     string(n.Op),
				Args:   l.args(n.Inputs),
				Out:    l.slot(n.Name),
				Scalar: n.Scalar,
			}
			if n.Backend == "" {
				flush()
				chain = append(chain, ins)
				continue
			}
			if run == nil || run.Backend != n.Backend {
				flush()
				run = &edge.Instruction{Kind: edge.KindDelegate, Backend: n.Backend}
			}
			run.Steps = append(run.Steps, ins)
		}
	}
	flush()
	return chain, nil
}

func (l *lowerer) cond(n *graph.Node) (*edge.Instruction, error) {
	ins := &edge.Instruction{
		Kind: edge.KindCond,
		Args: l.args(n.Inputs),
	}
	for i, b := range n.Branches {
		br := &edge.Branch{Params: l.args(b.Inputs)}
		chain, err := l.chain(b)
		if err != nil {
			return nil, fmt.Errorf("node %s branch %d: %w", n.Name, i, err)
		}
		br.Chain = chain
		br.Output = l.slot(b.Outputs[0])
		ins.Branches = append(ins.Branches, br)
	}
	ins.Out = l.slot(n.Name)
	return ins, nil
}

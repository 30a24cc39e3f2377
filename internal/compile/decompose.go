package compile

import (
	"fmt"

	"github.com/born-ml/simplemodel/internal/graph"
)

// Decompose rewrites every high-level operator into canonical ones, including
// inside cond branches. The input program is left untouched; decomposing an
// already canonical program returns an equal copy.
func Decompose(p *graph.Program) (*graph.Program, error) {
	g, err := decomposeGraph(p.Graph.Clone())
	if err != nil {
		return nil, fmt.Errorf("decompose %s: %w", p.Name, err)
	}
	out := *p
	out.Graph = g
	out.Inputs = append([]graph.InputSpec(nil), p.Inputs...)
	return &out, nil
}

func decomposeGraph(g *graph.Graph) (*graph.Graph, error) {
	nodes := make([]*graph.Node, 0, len(g.Nodes))
	shapes := make(map[string][]int, len(g.Nodes))
	for _, n := range g.Nodes {
		shapes[n.Name] = n.Shape
		switch n.Op {
		case graph.OpLinear:
			nodes = append(nodes, decomposeLinear(n, shapes[n.Inputs[1]])...)
		case graph.OpCond:
			for i, b := range n.Branches {
				d, err := decomposeGraph(b)
				if err != nil {
					return nil, err
				}
				n.Branches[i] = d
			}
			nodes = append(nodes, n)
		default:
			if !n.Op.Canonical() {
				return nil, fmt.Errorf("node %s: no decomposition for %s", n.Name, n.Op)
			}
			nodes = append(nodes, n)
		}
	}
	g.Nodes = nodes
	return g, nil
}

// decomposeLinear expands y = linear(x, w[, b]) into
// wt = transpose(w); y = matmul(x, wt) [; y = add(y, b)]. The last node keeps
// the original name so consumers need no rewiring.
func decomposeLinear(n *graph.Node, wShape []int) []*graph.Node {
	x, w := n.Inputs[0], n.Inputs[1]
	wt := &graph.Node{
		Name:   n.Name + "_wt",
		Op:     graph.OpTranspose,
		Inputs: []string{w},
		DType:  graph.DTypeFloat32,
	}
	for i := len(wShape) - 1; i >= 0; i-- {
		wt.Shape = append(wt.Shape, wShape[i])
	}
	mmName := n.Name
	if len(n.Inputs) == 3 {
		mmName = n.Name + "_mm"
	}
	mm := &graph.Node{
		Name:   mmName,
		Op:     graph.OpMatMul,
		Inputs: []string{x, wt.Name},
		Shape:  append([]int(nil), n.Shape...),
		DType:  graph.DTypeFloat32,
	}
	if len(n.Inputs) == 2 {
		return []*graph.Node{wt, mm}
	}
	add := &graph.Node{
		Name:   n.Name,
		Op:     graph.OpAdd,
		Inputs: []string{mm.Name, n.Inputs[2]},
		Shape:  append([]int(nil), n.Shape...),
		DType:  graph.DTypeFloat32,
	}
	return []*graph.Node{wt, mm, add}
}

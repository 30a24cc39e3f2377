// Package graph is the intermediate representation produced by graph capture.
//
// A Graph is a topologically ordered list of single-output nodes. Control flow
// is structured: a cond node carries its two arms as nested graphs, so a graph
// never contains jumps. Parameters are referenced by name through param nodes
// and stored once per Program.
package graph

import (
	"fmt"
	"strings"
)

// Op identifies a node's operator.
type Op string

// High-level operators emitted by capture.
const (
	OpInput     Op = "input"
	OpParam     Op = "param"
	OpLinear    Op = "linear"
	OpSum       Op = "sum"
	OpGtScalar  Op = "gt_scalar"
	OpZerosLike Op = "zeros_like"
	OpCond      Op = "cond"
)

// Canonical operators emitted by decomposition.
const (
	OpTranspose Op = "transpose"
	OpMatMul    Op = "matmul"
	OpAdd       Op = "add"
)

// Canonical reports whether o belongs to the low-level operator set that
// partitioners and program lowering accept.
func (o Op) Canonical() bool {
	switch o {
	case OpInput, OpParam, OpSum, OpGtScalar, OpZerosLike, OpCond, OpTranspose, OpMatMul, OpAdd:
		return true
	default:
		return false
	}
}

// Element types carried by node outputs.
const (
	DTypeFloat32 = "float32"
	DTypeBool    = "bool"
)

// Dynamic marks a dimension whose size is only known at run time.
const Dynamic = -1

// Node is a single operation producing one named value.
type Node struct {
	Name   string   `json:"name"`
	Op     Op       `json:"op"`
	Inputs []string `json:"inputs,omitempty"`
	Shape  []int    `json:"shape"`
	DType  string   `json:"dtype"`

	// Param is the parameter name referenced by an OpParam node.
	Param string `json:"param,omitempty"`
	// Scalar is the comparison constant of OpGtScalar.
	Scalar float32 `json:"scalar,omitempty"`
	// Branches holds the true and false arms of OpCond, in that order.
	Branches []*Graph `json:"branches,omitempty"`
	// Backend is set by a partitioner when the node is delegated.
	Backend string `json:"backend,omitempty"`
}

// Graph is an ordered computation. Inputs and Outputs name nodes in Nodes.
type Graph struct {
	Inputs  []string `json:"inputs"`
	Outputs []string `json:"outputs"`
	Nodes   []*Node  `json:"nodes"`
}

// Node returns the node producing name.
func (g *Graph) Node(name string) (*Node, bool) {
	for _, n := range g.Nodes {
		if n.Name == name {
			return n, true
		}
	}
	return nil, false
}

// Clone returns a deep copy of g.
func (g *Graph) Clone() *Graph {
	if g == nil {
		return nil
	}
	out := &Graph{
		Inputs:  append([]string(nil), g.Inputs...),
		Outputs: append([]string(nil), g.Outputs...),
		Nodes:   make([]*Node, len(g.Nodes)),
	}
	for i, n := range g.Nodes {
		c := *n
		c.Inputs = append([]string(nil), n.Inputs...)
		c.Shape = append([]int(nil), n.Shape...)
		if n.Branches != nil {
			c.Branches = make([]*Graph, len(n.Branches))
			for j, b := range n.Branches {
				c.Branches[j] = b.Clone()
			}
		}
		out.Nodes[i] = &c
	}
	return out
}

// Walk calls fn for every node of g, descending into cond branches after
// visiting the cond node itself.
func (g *Graph) Walk(fn func(n *Node)) {
	for _, n := range g.Nodes {
		fn(n)
		for _, b := range n.Branches {
			b.Walk(fn)
		}
	}
}

// ParamNames returns the distinct parameter names referenced anywhere in g.
func (g *Graph) ParamNames() []string {
	seen := make(map[string]bool)
	var out []string
	g.Walk(func(n *Node) {
		if n.Op == OpParam && !seen[n.Param] {
			seen[n.Param] = true
			out = append(out, n.Param)
		}
	})
	return out
}

// Validate checks that g is well formed: unique names, every input defined
// before use, declared inputs and outputs present, and cond nodes carrying two
// arms whose signatures match the operands.
//
//nolint:gocognit // One pass over nodes with per-operator checks.
func (g *Graph) Validate() error {
	defined := make(map[string]*Node, len(g.Nodes))
	for _, n := range g.Nodes {
		if n.Name == "" {
			return fmt.Errorf("node with op %q has no name", n.Op)
		}
		if _, dup := defined[n.Name]; dup {
			return fmt.Errorf("duplicate node name %q", n.Name)
		}
		for _, in := range n.Inputs {
			if _, ok := defined[in]; !ok {
				return fmt.Errorf("node %q: input %q is not defined before use", n.Name, in)
			}
		}
		switch n.Op {
		case OpParam:
			if n.Param == "" {
				return fmt.Errorf("param node %q has no parameter name", n.Name)
			}
		case OpCond:
			if len(n.Branches) != 2 {
				return fmt.Errorf("cond node %q must have 2 branches, got %d", n.Name, len(n.Branches))
			}
			if len(n.Inputs) < 1 {
				return fmt.Errorf("cond node %q has no predicate", n.Name)
			}
			for i, b := range n.Branches {
				if len(b.Inputs) != len(n.Inputs)-1 {
					return fmt.Errorf("cond node %q branch %d takes %d operands, got %d",
						n.Name, i, len(b.Inputs), len(n.Inputs)-1)
				}
				if len(b.Outputs) != 1 {
					return fmt.Errorf("cond node %q branch %d must have one output", n.Name, i)
				}
				if err := b.Validate(); err != nil {
					return fmt.Errorf("cond node %q branch %d: %w", n.Name, i, err)
				}
			}
		}
		defined[n.Name] = n
	}
	for _, in := range g.Inputs {
		n, ok := defined[in]
		if !ok || n.Op != OpInput {
			return fmt.Errorf("graph input %q is not an input node", in)
		}
	}
	for _, out := range g.Outputs {
		if _, ok := defined[out]; !ok {
			return fmt.Errorf("graph output %q is not defined", out)
		}
	}
	return nil
}

// String renders g one node per line, indenting cond branches.
func (g *Graph) String() string {
	var sb strings.Builder
	g.format(&sb, "")
	return sb.String()
}

func (g *Graph) format(sb *strings.Builder, indent string) {
	fmt.Fprintf(sb, "%sgraph(%s):\n", indent, strings.Join(g.Inputs, ", "))
	for _, n := range g.Nodes {
		fmt.Fprintf(sb, "%s  %%%s: %s%v = %s", indent, n.Name, n.DType, n.Shape, n.Op)
		switch n.Op {
		case OpParam:
			fmt.Fprintf(sb, "[%s]", n.Param)
		case OpGtScalar:
			fmt.Fprintf(sb, "[%g]", n.Scalar)
		}
		if len(n.Inputs) > 0 {
			fmt.Fprintf(sb, "(%%%s)", strings.Join(n.Inputs, ", %"))
		}
		if n.Backend != "" {
			fmt.Fprintf(sb, " @%s", n.Backend)
		}
		sb.WriteByte('\n')
		for i, b := range n.Branches {
			fmt.Fprintf(sb, "%s    %s_branch:\n", indent, armName(i))
			b.format(sb, indent+"      ")
		}
	}
	fmt.Fprintf(sb, "%s  return %%%s\n", indent, strings.Join(g.Outputs, ", %"))
}

package graph

import (
	"fmt"

	"github.com/born-ml/born/tensor"
)

// Symbol is a symbolic Value recorded by a Tracer.
type Symbol struct {
	name  string
	shape tensor.Shape
	dtype string
	owner *Tracer
}

// Shape returns the capture-time shape; dynamic dims are Dynamic.
func (s *Symbol) Shape() tensor.Shape { return s.shape }

// Name returns the name of the node producing s.
func (s *Symbol) Name() string { return s.name }

// Tracer records Ops calls into a Graph instead of executing them.
//
// Each cond arm is traced by a child tracer with its own graph; children share
// the parameter table and the name counter with the root so node names are
// unique across the whole program.
type Tracer struct {
	graph      *Graph
	params     map[string]*tensor.RawTensor
	paramNodes map[string]string
	seq        *int
}

var _ Ops = (*Tracer)(nil)

// NewTracer returns an empty root tracer.
func NewTracer() *Tracer {
	return &Tracer{
		graph:      &Graph{},
		params:     make(map[string]*tensor.RawTensor),
		paramNodes: make(map[string]string),
		seq:        new(int),
	}
}

func (t *Tracer) child() *Tracer {
	return &Tracer{
		graph:      &Graph{},
		params:     t.params,
		paramNodes: make(map[string]string),
		seq:        t.seq,
	}
}

func (t *Tracer) fresh(prefix string) string {
	*t.seq++
	return fmt.Sprintf("%s_%d", prefix, *t.seq)
}

func (t *Tracer) emit(n *Node) *Symbol {
	t.graph.Nodes = append(t.graph.Nodes, n)
	return &Symbol{name: n.Name, shape: tensor.Shape(n.Shape), dtype: n.DType, owner: t}
}

// Input declares a graph input described by spec.
func (t *Tracer) Input(spec InputSpec) Value {
	t.graph.Inputs = append(t.graph.Inputs, spec.Name)
	return t.emit(&Node{
		Name:  spec.Name,
		Op:    OpInput,
		Shape: append([]int(nil), spec.Shape...),
		DType: DTypeFloat32,
	})
}

func (t *Tracer) sym(v Value) (*Symbol, error) {
	s, ok := v.(*Symbol)
	if !ok {
		return nil, fmt.Errorf("capture got concrete value %T; tensors must flow through ops", v)
	}
	if s.owner != t {
		return nil, fmt.Errorf("value %%%s belongs to another graph; cond arms may only use their operands", s.name)
	}
	return s, nil
}

func (t *Tracer) param(name string, raw *tensor.RawTensor) string {
	if node, ok := t.paramNodes[name]; ok {
		return node
	}
	t.params[name] = raw
	node := t.fresh("p")
	t.paramNodes[name] = node
	t.emit(&Node{
		Name:  node,
		Op:    OpParam,
		Param: name,
		Shape: append([]int(nil), raw.Shape()...),
		DType: DTypeFloat32,
	})
	return node
}

// Linear records an affine transform and the parameters it reads.
func (t *Tracer) Linear(l Layer, x Value) (Value, error) {
	xs, err := t.sym(x)
	if err != nil {
		return nil, err
	}
	w := l.Weight()
	if len(xs.shape) != 2 || len(w.Shape()) != 2 {
		return nil, fmt.Errorf("linear %s: expected 2D input, got %v", l.Name(), xs.shape)
	}
	if in := xs.shape[1]; in != Dynamic && in != w.Shape()[1] {
		return nil, fmt.Errorf("linear %s: input has %d features, weight expects %d", l.Name(), in, w.Shape()[1])
	}
	inputs := []string{xs.name, t.param(l.Name()+".weight", w)}
	if b := l.Bias(); b != nil {
		inputs = append(inputs, t.param(l.Name()+".bias", b))
	}
	return t.emit(&Node{
		Name:   t.fresh("linear"),
		Op:     OpLinear,
		Inputs: inputs,
		Shape:  []int{xs.shape[0], w.Shape()[0]},
		DType:  DTypeFloat32,
	}), nil
}

// Sum records a full reduction to a scalar.
func (t *Tracer) Sum(x Value) (Value, error) {
	xs, err := t.sym(x)
	if err != nil {
		return nil, err
	}
	return t.emit(&Node{
		Name:   t.fresh("sum"),
		Op:     OpSum,
		Inputs: []string{xs.name},
		Shape:  []int{},
		DType:  xs.dtype,
	}), nil
}

// GreaterScalar records an element-wise comparison against c.
func (t *Tracer) GreaterScalar(x Value, c float32) (Value, error) {
	xs, err := t.sym(x)
	if err != nil {
		return nil, err
	}
	return t.emit(&Node{
		Name:   t.fresh("gt"),
		Op:     OpGtScalar,
		Inputs: []string{xs.name},
		Shape:  append([]int(nil), xs.shape...),
		DType:  DTypeBool,
		Scalar: c,
	}), nil
}

// ZerosLike records a zero tensor shaped like x.
func (t *Tracer) ZerosLike(x Value) (Value, error) {
	xs, err := t.sym(x)
	if err != nil {
		return nil, err
	}
	return t.emit(&Node{
		Name:   t.fresh("zeros_like"),
		Op:     OpZerosLike,
		Inputs: []string{xs.name},
		Shape:  append([]int(nil), xs.shape...),
		DType:  xs.dtype,
	}), nil
}

// Bool always fails: a symbolic predicate has no value at capture time.
func (t *Tracer) Bool(pred Value) (bool, error) {
	name := "?"
	if s, ok := pred.(*Symbol); ok {
		name = s.name
	}
	return false, fmt.Errorf("%w: forward reads the value of %%%s to choose a branch; use Cond", ErrDataDependentControlFlow, name)
}

// Cond traces both arms into nested graphs.
func (t *Tracer) Cond(pred Value, onTrue, onFalse Branch, operands ...Value) (Value, error) {
	ps, err := t.sym(pred)
	if err != nil {
		return nil, fmt.Errorf("cond: %w", err)
	}
	for _, d := range ps.shape {
		if d != 1 {
			return nil, fmt.Errorf("cond: predicate must have exactly one element, got shape %v", ps.shape)
		}
	}
	inputs := []string{ps.name}
	ops := make([]*Symbol, len(operands))
	for i, v := range operands {
		s, err := t.sym(v)
		if err != nil {
			return nil, fmt.Errorf("cond: operand %d: %w", i, err)
		}
		ops[i] = s
		inputs = append(inputs, s.name)
	}

	arms := [2]Branch{onTrue, onFalse}
	graphs := make([]*Graph, 2)
	outs := make([]*Symbol, 2)
	for i, arm := range arms {
		g, out, err := t.traceArm(arm, ops)
		if err != nil {
			return nil, fmt.Errorf("cond: %s branch: %w", armName(i), err)
		}
		graphs[i], outs[i] = g, out
	}
	if !tensor.Shape(outs[0].shape).Equal(outs[1].shape) || outs[0].dtype != outs[1].dtype {
		return nil, fmt.Errorf("cond: branches must agree, true returns %s%v, false returns %s%v",
			outs[0].dtype, outs[0].shape, outs[1].dtype, outs[1].shape)
	}

	return t.emit(&Node{
		Name:     t.fresh("cond"),
		Op:       OpCond,
		Inputs:   inputs,
		Shape:    append([]int(nil), outs[0].shape...),
		DType:    outs[0].dtype,
		Branches: graphs,
	}), nil
}

func (t *Tracer) traceArm(arm Branch, operands []*Symbol) (*Graph, *Symbol, error) {
	sub := t.child()
	args := make([]Value, len(operands))
	for i, op := range operands {
		name := sub.fresh("arg")
		sub.graph.Inputs = append(sub.graph.Inputs, name)
		args[i] = sub.emit(&Node{
			Name:  name,
			Op:    OpInput,
			Shape: append([]int(nil), op.shape...),
			DType: op.dtype,
		})
	}
	out, err := arm(sub, args)
	if err != nil {
		return nil, nil, err
	}
	res, err := sub.sym(out)
	if err != nil {
		return nil, nil, err
	}
	sub.graph.Outputs = []string{res.name}
	return sub.graph, res, nil
}

// Finish closes the root graph with outputs and returns it together with the
// parameters it references.
func (t *Tracer) Finish(outputs ...Value) (*Graph, map[string]*tensor.RawTensor, error) {
	for _, v := range outputs {
		s, err := t.sym(v)
		if err != nil {
			return nil, nil, fmt.Errorf("output: %w", err)
		}
		t.graph.Outputs = append(t.graph.Outputs, s.name)
	}
	if err := t.graph.Validate(); err != nil {
		return nil, nil, err
	}
	return t.graph, t.params, nil
}

func armName(i int) string {
	if i == 0 {
		return "true"
	}
	return "false"
}

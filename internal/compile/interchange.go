package compile

import (
	"fmt"

	"github.com/born-ml/born/tensor"

	"github.com/born-ml/simplemodel/internal/graph"
)

// ProducerVersion is written into every exported artifact.
const ProducerVersion = "0.1.0"

// ToInterchange converts a captured program into an ONNX model.
//
// The ONNX runtime the artifacts target has no If, ReduceSum or Greater, so
// the lowering is:
//
//	sum(x)          Flatten(x, axis=0) then MatMul with a ones column
//	gt_scalar(x, c) Relu(x - c), a float mask that is non-zero where x > c
//	zeros_like(x)   ConstantOfShape(Shape(x))
//	cond(p, t, f)   both arms inlined, then Where(p, t, f)
//	linear(x, w, b) Gemm(x, w, b, transB=1)
//
// Sums need static input shapes.
func ToInterchange(p *graph.Program) (*OnnxModel, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("to interchange: %w", err)
	}
	c := &converter{
		params: p.Params,
		g:      &OnnxGraph{Name: onnxGraphName},
		env:    make(map[string]string),
		shapes: make(map[string][]int),
		rename: make(map[string]string),
	}

	for i, name := range p.Graph.Inputs {
		value := indexed(onnxInputName, i)
		c.env[name] = value
		spec := p.Inputs[i]
		v := &OnnxValue{Name: value}
		for j, d := range spec.Shape {
			v.Dims = append(v.Dims, int64(d))
			param := ""
			if j < len(spec.Dims) {
				param = spec.Dims[j].Name
			}
			v.DimParams = append(v.DimParams, param)
		}
		c.g.Inputs = append(c.g.Inputs, v)
	}
	for i, name := range p.Graph.Outputs {
		c.rename[name] = indexed(onnxOutputName, i)
	}

	if err := c.convert(p.Graph); err != nil {
		return nil, fmt.Errorf("to interchange %s: %w", p.Name, err)
	}

	for _, name := range p.Graph.Outputs {
		v := &OnnxValue{Name: c.env[name]}
		for _, d := range c.shapes[name] {
			v.Dims = append(v.Dims, int64(d))
		}
		c.g.Outputs = append(c.g.Outputs, v)
	}

	meta := map[string]string{
		"source_model": p.Name,
		"method":       p.Method,
	}
	for _, spec := range p.Inputs {
		meta["input."+spec.Name] = spec.String()
	}
	return &OnnxModel{
		IRVersion:       OnnxIRVersion,
		Opset:           OnnxOpset,
		ProducerName:    onnxProducer,
		ProducerVersion: ProducerVersion,
		Metadata:        meta,
		Graph:           c.g,
	}, nil
}

func indexed(base string, i int) string {
	if i == 0 {
		return base
	}
	return fmt.Sprintf("%s_%d", base, i)
}

type converter struct {
	params map[string]*tensor.RawTensor
	g      *OnnxGraph
	// env maps a graph value to the ONNX value holding it.
	env    map[string]string
	shapes map[string][]int
	rename map[string]string
}

func (c *converter) value(name string) string {
	if v, ok := c.rename[name]; ok {
		return v
	}
	return name
}

func (c *converter) emit(op string, inputs []string, output string, attrs ...OnnxAttr) {
	c.g.Nodes = append(c.g.Nodes, &OnnxNode{
		Name:    output + "_" + op,
		OpType:  op,
		Inputs:  inputs,
		Outputs: []string{output},
		Attrs:   attrs,
	})
}

func (c *converter) initializer(name string, dims []int64, data []float32) {
	if _, ok := c.g.Initializer(name); ok {
		return
	}
	c.g.Initializers = append(c.g.Initializers, &OnnxTensor{Name: name, Dims: dims, Data: data})
}

func (c *converter) inputs(n *graph.Node) ([]string, error) {
	out := make([]string, len(n.Inputs))
	for i, in := range n.Inputs {
		v, ok := c.env[in]
		if !ok {
			return nil, fmt.Errorf("node %s: input %s has no value", n.Name, in)
		}
		out[i] = v
	}
	return out, nil
}

//nolint:gocognit,gocyclo // One case per operator.
func (c *converter) convert(g *graph.Graph) error {
	for _, n := range g.Nodes {
		c.shapes[n.Name] = n.Shape
		if n.Op == graph.OpInput {
			if _, ok := c.env[n.Name]; !ok {
				return fmt.Errorf("input %s is not bound", n.Name)
			}
			continue
		}
		in, err := c.inputs(n)
		if err != nil {
			return err
		}
		out := c.value(n.Name)

		switch n.Op {
		case graph.OpParam:
			raw, ok := c.params[n.Param]
			if !ok {
				return fmt.Errorf("node %s: missing parameter %s", n.Name, n.Param)
			}
			dims := make([]int64, len(raw.Shape()))
			for i, d := range raw.Shape() {
				dims[i] = int64(d)
			}
			c.initializer(n.Param, dims, append([]float32(nil), raw.AsFloat32()...))
			c.env[n.Name] = n.Param
			continue
		case graph.OpLinear:
			c.emit("Gemm", in, out, IntAttr("transB", 1))
		case graph.OpTranspose:
			c.emit("Transpose", in, out)
		case graph.OpMatMul:
			c.emit("MatMul", in, out)
		case graph.OpAdd:
			c.emit("Add", in, out)
		case graph.OpSum:
			numel := int64(1)
			for _, d := range c.shapes[n.Inputs[0]] {
				if d == graph.Dynamic {
					return fmt.Errorf("node %s: sum over a dynamic dimension has no interchange form", n.Name)
				}
				numel *= int64(d)
			}
			ones := make([]float32, numel)
			for i := range ones {
				ones[i] = 1
			}
			c.initializer(n.Name+"_ones", []int64{numel, 1}, ones)
			c.emit("Flatten", in, n.Name+"_flat", IntAttr("axis", 0))
			c.emit("MatMul", []string{n.Name + "_flat", n.Name + "_ones"}, out)
		case graph.OpGtScalar:
			x := in[0]
			if n.Scalar != 0 {
				c.initializer(n.Name+"_c", []int64{1}, []float32{n.Scalar})
				c.emit("Sub", []string{x, n.Name + "_c"}, n.Name+"_shift")
				x = n.Name + "_shift"
			}
			c.emit("Relu", []string{x}, out)
		case graph.OpZerosLike:
			c.emit("Shape", in, n.Name+"_shape")
			c.emit("ConstantOfShape", []string{n.Name + "_shape"}, out)
		case graph.OpCond:
			arms := make([]string, 2)
			for i, b := range n.Branches {
				for j, param := range b.Inputs {
					c.env[param] = in[j+1]
				}
				if err := c.convert(b); err != nil {
					return fmt.Errorf("node %s %s branch: %w", n.Name, armName(i), err)
				}
				arms[i] = c.env[b.Outputs[0]]
			}
			c.emit("Where", []string{in[0], arms[0], arms[1]}, out)
		default:
			return fmt.Errorf("node %s: no interchange form for %s", n.Name, n.Op)
		}
		c.env[n.Name] = out
	}
	return nil
}

func armName(i int) string {
	if i == 0 {
		return "true"
	}
	return "false"
}

// Optimize removes nodes that do not contribute to a graph output and
// initializers nothing reads. It returns the number of nodes removed.
func Optimize(m *OnnxModel) int {
	g := m.Graph
	live := make(map[string]bool)
	for _, v := range g.Outputs {
		live[v.Name] = true
	}
	keep := make([]bool, len(g.Nodes))
	for i := len(g.Nodes) - 1; i >= 0; i-- {
		n := g.Nodes[i]
		for _, out := range n.Outputs {
			if live[out] {
				keep[i] = true
				break
			}
		}
		if keep[i] {
			for _, in := range n.Inputs {
				live[in] = true
			}
		}
	}

	nodes := g.Nodes[:0]
	removed := 0
	for i, n := range g.Nodes {
		if keep[i] {
			nodes = append(nodes, n)
		} else {
			removed++
		}
	}
	g.Nodes = nodes

	inits := g.Initializers[:0]
	for _, t := range g.Initializers {
		if live[t.Name] {
			inits = append(inits, t)
		}
	}
	g.Initializers = inits
	return removed
}

package compile

import (
	"encoding/binary"
	"math"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"
)

// ONNX constants written by the interchange converter.
const (
	OnnxIRVersion = 8
	OnnxOpset     = 17

	onnxFloat      = 1
	onnxAttrFloat  = 1
	onnxAttrInt    = 2
	onnxProducer   = "simplemodel"
	onnxGraphName  = "main_graph"
	onnxInputName  = "input"
	onnxOutputName = "output"
)

// OnnxModel is the subset of onnx.ModelProto the converter emits.
type OnnxModel struct {
	IRVersion       int64
	Opset           int64
	ProducerName    string
	ProducerVersion string
	DocString       string
	Metadata        map[string]string
	Graph           *OnnxGraph
}

// OnnxGraph is onnx.GraphProto.
type OnnxGraph struct {
	Name         string
	Nodes        []*OnnxNode
	Initializers []*OnnxTensor
	Inputs       []*OnnxValue
	Outputs      []*OnnxValue
}

// OnnxNode is onnx.NodeProto.
type OnnxNode struct {
	Name    string
	OpType  string
	Inputs  []string
	Outputs []string
	Attrs   []OnnxAttr
}

// OnnxAttr is a scalar onnx.AttributeProto. Only INT and FLOAT are emitted.
type OnnxAttr struct {
	Name  string
	Int   int64
	Float float32
	IsInt bool
}

// IntAttr returns an INT attribute.
func IntAttr(name string, v int64) OnnxAttr { return OnnxAttr{Name: name, Int: v, IsInt: true} }

// OnnxTensor is a float32 onnx.TensorProto stored as raw_data.
type OnnxTensor struct {
	Name string
	Dims []int64
	Data []float32
}

// OnnxValue is onnx.ValueInfoProto for a float32 tensor. Dims of -1 are
// written as symbolic dims named by DimParams.
type OnnxValue struct {
	Name      string
	Dims      []int64
	DimParams []string
}

// Initializer returns the initializer called name.
func (g *OnnxGraph) Initializer(name string) (*OnnxTensor, bool) {
	for _, t := range g.Initializers {
		if t.Name == name {
			return t, true
		}
	}
	return nil, false
}

// OpTypes returns the distinct operator types used by g, sorted.
func (g *OnnxGraph) OpTypes() []string {
	seen := make(map[string]bool)
	for _, n := range g.Nodes {
		seen[n.OpType] = true
	}
	out := make([]string, 0, len(seen))
	for op := range seen {
		out = append(out, op)
	}
	sort.Strings(out)
	return out
}

// Marshal encodes m in the ONNX protobuf wire format.
func (m *OnnxModel) Marshal() []byte {
	var b []byte
	b = appendVarintField(b, 1, uint64(m.IRVersion))
	b = appendStringField(b, 2, m.ProducerName)
	b = appendStringField(b, 3, m.ProducerVersion)
	if m.DocString != "" {
		b = appendStringField(b, 6, m.DocString)
	}
	if m.Graph != nil {
		b = appendBytesField(b, 7, m.Graph.marshal())
	}
	var opset []byte
	opset = appendStringField(opset, 1, "")
	opset = appendVarintField(opset, 2, uint64(m.Opset))
	b = appendBytesField(b, 8, opset)

	keys := make([]string, 0, len(m.Metadata))
	for k := range m.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var e []byte
		e = appendStringField(e, 1, k)
		e = appendStringField(e, 2, m.Metadata[k])
		b = appendBytesField(b, 14, e)
	}
	return b
}

func (g *OnnxGraph) marshal() []byte {
	var b []byte
	for _, n := range g.Nodes {
		b = appendBytesField(b, 1, n.marshal())
	}
	b = appendStringField(b, 2, g.Name)
	for _, t := range g.Initializers {
		b = appendBytesField(b, 5, t.marshal())
	}
	for _, v := range g.Inputs {
		b = appendBytesField(b, 11, v.marshal())
	}
	for _, v := range g.Outputs {
		b = appendBytesField(b, 12, v.marshal())
	}
	return b
}

func (n *OnnxNode) marshal() []byte {
	var b []byte
	for _, in := range n.Inputs {
		b = appendStringField(b, 1, in)
	}
	for _, out := range n.Outputs {
		b = appendStringField(b, 2, out)
	}
	b = appendStringField(b, 3, n.Name)
	b = appendStringField(b, 4, n.OpType)
	for _, a := range n.Attrs {
		var e []byte
		e = appendStringField(e, 1, a.Name)
		if a.IsInt {
			e = appendVarintField(e, 3, uint64(a.Int))
			e = appendVarintField(e, 20, onnxAttrInt)
		} else {
			e = protowire.AppendTag(e, 2, protowire.Fixed32Type)
			e = protowire.AppendFixed32(e, math.Float32bits(a.Float))
			e = appendVarintField(e, 20, onnxAttrFloat)
		}
		b = appendBytesField(b, 5, e)
	}
	return b
}

func (t *OnnxTensor) marshal() []byte {
	var b []byte
	for _, d := range t.Dims {
		b = appendVarintField(b, 1, uint64(d))
	}
	b = appendVarintField(b, 2, onnxFloat)
	b = appendStringField(b, 8, t.Name)
	raw := make([]byte, 4*len(t.Data))
	for i, v := range t.Data {
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
	}
	return appendBytesField(b, 9, raw)
}

func (v *OnnxValue) marshal() []byte {
	var shape []byte
	for i, d := range v.Dims {
		var dim []byte
		if d < 0 {
			name := "dynamic"
			if i < len(v.DimParams) && v.DimParams[i] != "" {
				name = v.DimParams[i]
			}
			dim = appendStringField(dim, 2, name)
		} else {
			dim = appendVarintField(dim, 1, uint64(d))
		}
		shape = appendBytesField(shape, 1, dim)
	}
	var tensorType []byte
	tensorType = appendVarintField(tensorType, 1, onnxFloat)
	tensorType = appendBytesField(tensorType, 2, shape)
	var typ []byte
	typ = appendBytesField(typ, 1, tensorType)

	var b []byte
	b = appendStringField(b, 1, v.Name)
	return appendBytesField(b, 2, typ)
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendStringField(b []byte, num protowire.Number, v string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

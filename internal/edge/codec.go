package edge

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the program wire format. Each message is a protobuf
// message without a schema file; the encoded program is Magic followed by a
// Program message.
const (
	programVersion   protowire.Number = 1
	programID        protowire.Number = 2
	programBackend   protowire.Number = 3
	programFeature   protowire.Number = 4
	programConstant  protowire.Number = 5
	programMethod    protowire.Number = 6
	constantName     protowire.Number = 1
	constantDim      protowire.Number = 2
	constantData     protowire.Number = 3
	methodName       protowire.Number = 1
	methodInput      protowire.Number = 2
	methodNumSlots   protowire.Number = 3
	methodInstr      protowire.Number = 4
	methodOutput     protowire.Number = 5
	slotName         protowire.Number = 1
	slotDim          protowire.Number = 2
	slotIndex        protowire.Number = 3
	instrKind        protowire.Number = 1
	instrOp          protowire.Number = 2
	instrArg         protowire.Number = 3
	instrOut         protowire.Number = 4
	instrScalar      protowire.Number = 5
	instrConst       protowire.Number = 6
	instrBackend     protowire.Number = 7
	instrStep        protowire.Number = 8
	instrBranch      protowire.Number = 9
	branchParam      protowire.Number = 1
	branchInstr      protowire.Number = 2
	branchOutput     protowire.Number = 3
	maxDecodeDepth                    = 64
	float32ByteWidth                  = 4
)

// Encode serializes p.
func Encode(p *Program) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("encode program: %w", err)
	}
	if p.ID == uuid.Nil {
		return nil, fmt.Errorf("encode program: missing id")
	}
	return encode(p)
}

func encode(p *Program) ([]byte, error) {
	b := append([]byte(nil), Magic...)
	b = appendVarint(b, programVersion, uint64(p.Version))
	id, err := p.ID.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode program id: %w", err)
	}
	b = appendBytes(b, programID, id)
	b = appendString(b, programBackend, p.Backend)
	for _, f := range p.Features {
		b = appendString(b, programFeature, f)
	}
	for _, c := range p.Constants {
		b = appendBytes(b, programConstant, encodeConstant(c))
	}
	for _, m := range p.Methods {
		b = appendBytes(b, programMethod, encodeMethod(m))
	}
	return b, nil
}

func encodeConstant(c *Constant) []byte {
	var b []byte
	b = appendString(b, constantName, c.Name)
	for _, d := range c.Shape {
		b = appendVarint(b, constantDim, protowire.EncodeZigZag(int64(d)))
	}
	data := make([]byte, float32ByteWidth*len(c.Data))
	for i, v := range c.Data {
		binary.LittleEndian.PutUint32(data[i*float32ByteWidth:], math.Float32bits(v))
	}
	return appendBytes(b, constantData, data)
}

func encodeMethod(m *Method) []byte {
	var b []byte
	b = appendString(b, methodName, m.Name)
	for _, in := range m.Inputs {
		var s []byte
		s = appendString(s, slotName, in.Name)
		for _, d := range in.Shape {
			s = appendVarint(s, slotDim, protowire.EncodeZigZag(int64(d)))
		}
		s = appendVarint(s, slotIndex, uint64(in.Index))
		b = appendBytes(b, methodInput, s)
	}
	b = appendVarint(b, methodNumSlots, uint64(m.NumSlots))
	for _, ins := range m.Chain {
		b = appendBytes(b, methodInstr, encodeInstruction(ins))
	}
	for _, out := range m.Outputs {
		b = appendVarint(b, methodOutput, uint64(out))
	}
	return b
}

func encodeInstruction(ins *Instruction) []byte {
	var b []byte
	b = appendVarint(b, instrKind, uint64(ins.Kind))
	if ins.Op != "" {
		b = appendString(b, instrOp, ins.Op)
	}
	for _, a := range ins.Args {
		b = appendVarint(b, instrArg, uint64(a))
	}
	b = appendVarint(b, instrOut, uint64(ins.Out))
	if ins.Scalar != 0 {
		b = protowire.AppendTag(b, instrScalar, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(ins.Scalar))
	}
	if ins.Kind == KindConst {
		b = appendVarint(b, instrConst, uint64(ins.Const))
	}
	if ins.Backend != "" {
		b = appendString(b, instrBackend, ins.Backend)
	}
	for _, s := range ins.Steps {
		b = appendBytes(b, instrStep, encodeInstruction(s))
	}
	for _, br := range ins.Branches {
		var e []byte
		for _, p := range br.Params {
			e = appendVarint(e, branchParam, uint64(p))
		}
		for _, s := range br.Chain {
			e = appendBytes(e, branchInstr, encodeInstruction(s))
		}
		e = appendVarint(e, branchOutput, uint64(br.Output))
		b = appendBytes(b, instrBranch, e)
	}
	return b
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

// Decode parses an encoded program and validates it.
func Decode(data []byte) (*Program, error) {
	if !bytes.HasPrefix(data, Magic) {
		return nil, fmt.Errorf("decode program: missing %q header", Magic)
	}
	p := &Program{}
	err := walk(data[len(Magic):], func(num protowire.Number, f field) error {
		switch num {
		case programVersion:
			v, err := f.varint()
			p.Version = uint32(v)
			return err
		case programID:
			v, err := f.bytes()
			if err != nil {
				return err
			}
			return p.ID.UnmarshalBinary(v)
		case programBackend:
			v, err := f.bytes()
			p.Backend = string(v)
			return err
		case programFeature:
			v, err := f.bytes()
			p.Features = append(p.Features, string(v))
			return err
		case programConstant:
			v, err := f.bytes()
			if err != nil {
				return err
			}
			c, err := decodeConstant(v)
			if err != nil {
				return err
			}
			p.Constants = append(p.Constants, c)
		case programMethod:
			v, err := f.bytes()
			if err != nil {
				return err
			}
			m, err := decodeMethod(v)
			if err != nil {
				return err
			}
			p.Methods = append(p.Methods, m)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("decode program: %w", err)
	}
	if p.ID == uuid.Nil {
		return nil, fmt.Errorf("decode program: missing id")
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("decode program: %w", err)
	}
	return p, nil
}

func decodeConstant(b []byte) (*Constant, error) {
	c := &Constant{}
	err := walk(b, func(num protowire.Number, f field) error {
		switch num {
		case constantName:
			v, err := f.bytes()
			c.Name = string(v)
			return err
		case constantDim:
			v, err := f.varint()
			c.Shape = append(c.Shape, int(protowire.DecodeZigZag(v)))
			return err
		case constantData:
			v, err := f.bytes()
			if err != nil {
				return err
			}
			if len(v)%float32ByteWidth != 0 {
				return fmt.Errorf("constant data length %d is not a multiple of %d", len(v), float32ByteWidth)
			}
			c.Data = make([]float32, len(v)/float32ByteWidth)
			for i := range c.Data {
				c.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(v[i*float32ByteWidth:]))
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("constant: %w", err)
	}
	return c, nil
}

func decodeMethod(b []byte) (*Method, error) {
	m := &Method{}
	err := walk(b, func(num protowire.Number, f field) error {
		switch num {
		case methodName:
			v, err := f.bytes()
			m.Name = string(v)
			return err
		case methodInput:
			v, err := f.bytes()
			if err != nil {
				return err
			}
			s, err := decodeSlot(v)
			if err != nil {
				return err
			}
			m.Inputs = append(m.Inputs, s)
		case methodNumSlots:
			v, err := f.varint()
			m.NumSlots = int(v)
			return err
		case methodInstr:
			v, err := f.bytes()
			if err != nil {
				return err
			}
			ins, err := decodeInstruction(v, 0)
			if err != nil {
				return err
			}
			m.Chain = append(m.Chain, ins)
		case methodOutput:
			v, err := f.varint()
			m.Outputs = append(m.Outputs, int(v))
			return err
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("method: %w", err)
	}
	return m, nil
}

func decodeSlot(b []byte) (Slot, error) {
	var s Slot
	err := walk(b, func(num protowire.Number, f field) error {
		switch num {
		case slotName:
			v, err := f.bytes()
			s.Name = string(v)
			return err
		case slotDim:
			v, err := f.varint()
			s.Shape = append(s.Shape, int(protowire.DecodeZigZag(v)))
			return err
		case slotIndex:
			v, err := f.varint()
			s.Index = int(v)
			return err
		}
		return nil
	})
	return s, err
}

//nolint:gocognit,gocyclo // One case per instruction field.
func decodeInstruction(b []byte, depth int) (*Instruction, error) {
	if depth > maxDecodeDepth {
		return nil, fmt.Errorf("instructions nested deeper than %d", maxDecodeDepth)
	}
	ins := &Instruction{}
	err := walk(b, func(num protowire.Number, f field) error {
		switch num {
		case instrKind:
			v, err := f.varint()
			ins.Kind = Kind(v)
			return err
		case instrOp:
			v, err := f.bytes()
			ins.Op = string(v)
			return err
		case instrArg:
			v, err := f.varint()
			ins.Args = append(ins.Args, int(v))
			return err
		case instrOut:
			v, err := f.varint()
			ins.Out = int(v)
			return err
		case instrScalar:
			v, err := f.fixed32()
			ins.Scalar = math.Float32frombits(v)
			return err
		case instrConst:
			v, err := f.varint()
			ins.Const = int(v)
			return err
		case instrBackend:
			v, err := f.bytes()
			ins.Backend = string(v)
			return err
		case instrStep:
			v, err := f.bytes()
			if err != nil {
				return err
			}
			s, err := decodeInstruction(v, depth+1)
			if err != nil {
				return err
			}
			ins.Steps = append(ins.Steps, s)
		case instrBranch:
			v, err := f.bytes()
			if err != nil {
				return err
			}
			br, err := decodeBranch(v, depth+1)
			if err != nil {
				return err
			}
			ins.Branches = append(ins.Branches, br)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("instruction: %w", err)
	}
	return ins, nil
}

func decodeBranch(b []byte, depth int) (*Branch, error) {
	br := &Branch{}
	err := walk(b, func(num protowire.Number, f field) error {
		switch num {
		case branchParam:
			v, err := f.varint()
			br.Params = append(br.Params, int(v))
			return err
		case branchInstr:
			v, err := f.bytes()
			if err != nil {
				return err
			}
			ins, err := decodeInstruction(v, depth)
			if err != nil {
				return err
			}
			br.Chain = append(br.Chain, ins)
		case branchOutput:
			v, err := f.varint()
			br.Output = int(v)
			return err
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("branch: %w", err)
	}
	return br, nil
}

// field is the undecoded value of one protobuf field.
type field struct {
	num protowire.Number
	typ protowire.Type
	raw []byte
}

func (f field) varint() (uint64, error) {
	if f.typ != protowire.VarintType {
		return 0, fmt.Errorf("field %d: expected varint, got wire type %d", f.num, f.typ)
	}
	v, n := protowire.ConsumeVarint(f.raw)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	return v, nil
}

func (f field) fixed32() (uint32, error) {
	if f.typ != protowire.Fixed32Type {
		return 0, fmt.Errorf("field %d: expected fixed32, got wire type %d", f.num, f.typ)
	}
	v, n := protowire.ConsumeFixed32(f.raw)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	return v, nil
}

func (f field) bytes() ([]byte, error) {
	if f.typ != protowire.BytesType {
		return nil, fmt.Errorf("field %d: expected bytes, got wire type %d", f.num, f.typ)
	}
	v, n := protowire.ConsumeBytes(f.raw)
	if n < 0 {
		return nil, protowire.ParseError(n)
	}
	return v, nil
}

// walk calls fn for every field of the message in b. Unknown fields are
// skipped.
func walk(b []byte, fn func(num protowire.Number, f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m := protowire.ConsumeFieldValue(num, typ, b)
		if m < 0 {
			return protowire.ParseError(m)
		}
		if err := fn(num, field{num: num, typ: typ, raw: b[:m]}); err != nil {
			return err
		}
		b = b[m:]
	}
	return nil
}

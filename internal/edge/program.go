// Package edge is the on-device runtime: a compact program format produced by
// compile.ToEdge and an executor that runs it on born backends.
//
// A program holds constants and methods. A method is a chain of instructions
// over numbered value slots. Delegate instructions carry a run of kernels that
// execute on a named hardware backend; cond instructions carry two branch
// chains of which only the taken one runs.
package edge

import (
	"fmt"
	"math"

	"github.com/born-ml/born/tensor"
	"github.com/google/uuid"

	"github.com/born-ml/simplemodel/internal/graph"
)

// FormatVersion is the program format this package reads and writes.
const FormatVersion = 1

// Magic prefixes every encoded program.
var Magic = []byte("SMPE")

// ErrMethodNotFound is returned when a program has no method with the
// requested name. It wraps graph.ErrMethodNotFound.
var ErrMethodNotFound = fmt.Errorf("edge program: %w", graph.ErrMethodNotFound)

// Kind is the instruction type.
type Kind int

// Instruction kinds.
const (
	KindConst Kind = iota + 1
	KindKernel
	KindDelegate
	KindCond
)

func (k Kind) String() string {
	switch k {
	case KindConst:
		return "const"
	case KindKernel:
		return "kernel"
	case KindDelegate:
		return "delegate"
	case KindCond:
		return "cond"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Program is a lowered model ready for the runtime.
type Program struct {
	ID        uuid.UUID
	Version   uint32
	Backend   string
	Features  []string
	Constants []*Constant
	Methods   []*Method
}

// Constant is a float32 tensor baked into the program.
type Constant struct {
	Name  string
	Shape []int
	Data  []float32
}

// numElements returns the element count of c's shape. Every dim must be
// positive and the product must fit in an int.
func (c *Constant) numElements() (int, error) {
	n := 1
	for _, d := range c.Shape {
		if d <= 0 {
			return 0, fmt.Errorf("constant %s: invalid dim %d in shape %v", c.Name, d, c.Shape)
		}
		if n > math.MaxInt/d {
			return 0, fmt.Errorf("constant %s: shape %v overflows", c.Name, c.Shape)
		}
		n *= d
	}
	return n, nil
}

func (c *Constant) validate() error {
	n, err := c.numElements()
	if err != nil {
		return err
	}
	if n != len(c.Data) {
		return fmt.Errorf("constant %s: shape %v needs %d values, got %d", c.Name, c.Shape, n, len(c.Data))
	}
	return nil
}

// Raw copies c into a new tensor.
func (c *Constant) Raw() (*tensor.RawTensor, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	raw, err := tensor.NewRaw(tensor.Shape(c.Shape), tensor.Float32, tensor.CPU)
	if err != nil {
		return nil, fmt.Errorf("constant %s: %w", c.Name, err)
	}
	copy(raw.AsFloat32(), c.Data)
	return raw, nil
}

// Slot binds a method input to a value slot.
type Slot struct {
	Name  string
	Shape []int // -1 for dynamic dims
	Index int
}

// Method is an entry point: inputs are written to slots, the chain runs, and
// outputs are read from slots.
type Method struct {
	Name     string
	Inputs   []Slot
	NumSlots int
	Chain    []*Instruction
	Outputs  []int
}

// Instruction is one step of a chain.
//
// Const loads Constants[Const] into Out. Kernel runs Op on Args into Out on
// the portable backend. Delegate runs Steps on Backend. Cond reads the
// predicate in Args[0], copies Args[1:] into the params of the taken branch
// and moves the branch output into Out.
type Instruction struct {
	Kind     Kind
	Op       string
	Args     []int
	Out      int
	Scalar   float32
	Const    int
	Backend  string
	Steps    []*Instruction
	Branches []*Branch
}

// Branch is one arm of a cond instruction.
type Branch struct {
	Params []int
	Chain  []*Instruction
	Output int
}

// Method returns the method called name.
func (p *Program) Method(name string) (*Method, error) {
	for _, m := range p.Methods {
		if m.Name == name {
			return m, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrMethodNotFound, name)
}

// Validate checks slot and constant references, constant sizes and that no
// method reserves more slots than it references.
func (p *Program) Validate() error {
	if p.Version != FormatVersion {
		return fmt.Errorf("unsupported program version %d", p.Version)
	}
	for _, c := range p.Constants {
		if err := c.validate(); err != nil {
			return err
		}
	}
	for _, m := range p.Methods {
		if err := p.validateMethod(m); err != nil {
			return fmt.Errorf("method %s: %w", m.Name, err)
		}
	}
	return nil
}

func (p *Program) validateMethod(m *Method) error {
	if m.NumSlots < 0 {
		return fmt.Errorf("negative slot count %d", m.NumSlots)
	}
	highest := -1
	slot := func(i int) error {
		if i < 0 || i >= m.NumSlots {
			return fmt.Errorf("slot %d out of range [0, %d)", i, m.NumSlots)
		}
		highest = max(highest, i)
		return nil
	}
	for _, in := range m.Inputs {
		if err := slot(in.Index); err != nil {
			return fmt.Errorf("input %s: %w", in.Name, err)
		}
	}
	for _, out := range m.Outputs {
		if err := slot(out); err != nil {
			return fmt.Errorf("output: %w", err)
		}
	}
	var check func(chain []*Instruction) error
	check = func(chain []*Instruction) error {
		for i, ins := range chain {
			for _, a := range ins.Args {
				if err := slot(a); err != nil {
					return fmt.Errorf("instruction %d (%s): %w", i, ins.Kind, err)
				}
			}
			switch ins.Kind {
			case KindConst:
				if ins.Const < 0 || ins.Const >= len(p.Constants) {
					return fmt.Errorf("instruction %d: constant %d out of range", i, ins.Const)
				}
			case KindKernel:
				if ins.Op == "" {
					return fmt.Errorf("instruction %d: kernel without op", i)
				}
			case KindDelegate:
				if ins.Backend == "" || len(ins.Steps) == 0 {
					return fmt.Errorf("instruction %d: delegate needs a backend and steps", i)
				}
				if err := check(ins.Steps); err != nil {
					return fmt.Errorf("delegate %s: %w", ins.Backend, err)
				}
				continue
			case KindCond:
				if len(ins.Branches) != 2 || len(ins.Args) < 1 {
					return fmt.Errorf("instruction %d: cond needs a predicate and 2 branches", i)
				}
				for j, b := range ins.Branches {
					if len(b.Params) != len(ins.Args)-1 {
						return fmt.Errorf("instruction %d: branch %d takes %d params, got %d operands",
							i, j, len(b.Params), len(ins.Args)-1)
					}
					for _, s := range append(append([]int(nil), b.Params...), b.Output) {
						if err := slot(s); err != nil {
							return fmt.Errorf("instruction %d branch %d: %w", i, j, err)
						}
					}
					if err := check(b.Chain); err != nil {
						return fmt.Errorf("instruction %d branch %d: %w", i, j, err)
					}
				}
			default:
				return fmt.Errorf("instruction %d: unknown kind %s", i, ins.Kind)
			}
			if err := slot(ins.Out); err != nil {
				return fmt.Errorf("instruction %d (%s) out: %w", i, ins.Kind, err)
			}
		}
		return nil
	}
	if err := check(m.Chain); err != nil {
		return err
	}
	if m.NumSlots > highest+1 {
		return fmt.Errorf("%d slots reserved but only %d referenced", m.NumSlots, highest+1)
	}
	return nil
}

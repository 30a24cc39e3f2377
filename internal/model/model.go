// Package model defines the two variants of the demo network. Both own a
// single 10x10 affine layer and return fc(x) when the elements of x sum to a
// positive number and zeros shaped like x otherwise. They differ only in how
// the branch is expressed: SimpleModel uses a Go if statement on a concrete
// value, ConditionalModel uses the Cond primitive and can therefore be
// captured into a graph.
package model

import (
	"fmt"
	"math"
	"math/rand"
	"strings"

	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"

	"github.com/born-ml/simplemodel/internal/graph"
)

// Features is the width of the input and of the affine layer.
const Features = 10

// Affine exposes a born Linear layer as a graph.Layer under a parameter prefix.
type Affine struct {
	prefix string
	linear *nn.Linear[*cpu.Backend]
}

var _ graph.Layer = (*Affine)(nil)

// NewAffine creates an in x out layer with Xavier weights and zero bias.
func NewAffine(prefix string, in, out int, b *cpu.Backend) *Affine {
	return &Affine{prefix: prefix, linear: nn.NewLinear(in, out, b)}
}

// Name returns the parameter prefix.
func (a *Affine) Name() string { return a.prefix }

// Weight returns the [out, in] weight matrix.
func (a *Affine) Weight() *tensor.RawTensor { return a.linear.Weight().Tensor().Raw() }

// Bias returns the [out] bias vector.
func (a *Affine) Bias() *tensor.RawTensor {
	if a.linear.Bias() == nil {
		return nil
	}
	return a.linear.Bias().Tensor().Raw()
}

// StateDict returns the layer parameters keyed "<prefix>.weight" and "<prefix>.bias".
func (a *Affine) StateDict() map[string]*tensor.RawTensor {
	out := make(map[string]*tensor.RawTensor)
	for k, v := range a.linear.StateDict() {
		out[a.prefix+"."+k] = v
	}
	return out
}

// LoadStateDict copies prefixed parameters into the layer. Keys without the
// prefix are ignored.
func (a *Affine) LoadStateDict(sd map[string]*tensor.RawTensor) error {
	local := make(map[string]*tensor.RawTensor)
	for k, v := range sd {
		if name, ok := strings.CutPrefix(k, a.prefix+"."); ok {
			local[name] = v
		}
	}
	if err := a.linear.LoadStateDict(local); err != nil {
		return fmt.Errorf("%s: %w", a.prefix, err)
	}
	return nil
}

// reseed redraws the weights from src with the same Xavier bound born uses
// and zeroes the bias.
func (a *Affine) reseed(src *rand.Rand) {
	w := a.Weight()
	shape := w.Shape()
	bound := math.Sqrt(6.0 / float64(shape[0]+shape[1]))
	data := w.AsFloat32()
	for i := range data {
		data[i] = float32((src.Float64()*2.0 - 1.0) * bound) //nolint:gosec // weight init
	}
	if b := a.Bias(); b != nil {
		clear(b.AsFloat32())
	}
}

// Model is a network the harness can export and run.
type Model interface {
	graph.Module

	// Eval switches the model to inference mode.
	Eval()
	// Training reports whether the model is in training mode.
	Training() bool

	StateDict() map[string]*tensor.RawTensor
	LoadStateDict(sd map[string]*tensor.RawTensor) error
}

// Scriptable is implemented by models whose forward pass has a scripted form.
type Scriptable interface {
	Model
	// ScriptName identifies the scripted type inside a serialized artifact.
	ScriptName() string
}

type common struct {
	fc       *Affine
	training bool
}

func newCommon(b *cpu.Backend) common {
	return common{fc: NewAffine("fc", Features, Features, b), training: true}
}

func (c *common) Eval()          { c.training = false }
func (c *common) Training() bool { return c.training }

func (c *common) StateDict() map[string]*tensor.RawTensor { return c.fc.StateDict() }

func (c *common) LoadStateDict(sd map[string]*tensor.RawTensor) error {
	return c.fc.LoadStateDict(sd)
}

// Seed redraws all parameters from a deterministic source.
func (c *common) Seed(seed int64) {
	c.fc.reseed(rand.New(rand.NewSource(seed))) //nolint:gosec // weight init
}

// FC returns the affine layer.
func (c *common) FC() *Affine { return c.fc }

func (c *common) positive(ops graph.Ops, x graph.Value) (graph.Value, error) {
	s, err := ops.Sum(x)
	if err != nil {
		return nil, err
	}
	return ops.GreaterScalar(s, 0)
}

// SimpleModel branches with a Go if statement. It runs eagerly but cannot be
// captured, since capture has no concrete value to branch on.
type SimpleModel struct {
	common
}

var _ Scriptable = (*SimpleModel)(nil)

// NewSimpleModel builds a SimpleModel with fresh weights on b.
func NewSimpleModel(b *cpu.Backend) *SimpleModel {
	return &SimpleModel{common: newCommon(b)}
}

// Name implements graph.Module.
func (m *SimpleModel) Name() string { return "SimpleModel" }

// ScriptName implements Scriptable.
func (m *SimpleModel) ScriptName() string { return "simplemodel.SimpleModel" }

// Forward implements graph.Module.
func (m *SimpleModel) Forward(ops graph.Ops, x graph.Value) (graph.Value, error) {
	pred, err := m.positive(ops, x)
	if err != nil {
		return nil, err
	}
	ok, err := ops.Bool(pred)
	if err != nil {
		return nil, err
	}
	if ok {
		return ops.Linear(m.fc, x)
	}
	return ops.ZerosLike(x)
}

// ConditionalModel expresses the branch with Cond so both arms are captured.
type ConditionalModel struct {
	common
}

var _ Model = (*ConditionalModel)(nil)

// NewConditionalModel builds a ConditionalModel with fresh weights on b.
func NewConditionalModel(b *cpu.Backend) *ConditionalModel {
	return &ConditionalModel{common: newCommon(b)}
}

// Name implements graph.Module.
func (m *ConditionalModel) Name() string { return "ConditionalModel" }

// Forward implements graph.Module.
func (m *ConditionalModel) Forward(ops graph.Ops, x graph.Value) (graph.Value, error) {
	pred, err := m.positive(ops, x)
	if err != nil {
		return nil, err
	}
	return ops.Cond(pred, m.gtZero, m.leZero, x)
}

func (m *ConditionalModel) gtZero(ops graph.Ops, args []graph.Value) (graph.Value, error) {
	return ops.Linear(m.fc, args[0])
}

func (m *ConditionalModel) leZero(ops graph.Ops, args []graph.Value) (graph.Value, error) {
	return ops.ZerosLike(args[0])
}

// ExampleInput returns a 1x10 tensor drawn from N(0, 1). A zero seed draws
// from the process-wide source, so each call differs.
func ExampleInput(seed int64) *tensor.RawTensor {
	shape := tensor.Shape{1, Features}
	if seed == 0 {
		return tensor.Randn[float32](shape, cpu.New()).Raw()
	}
	raw, err := tensor.NewRaw(shape, tensor.Float32, tensor.CPU)
	if err != nil {
		panic(err)
	}
	src := rand.New(rand.NewSource(seed)) //nolint:gosec // sample data
	data := raw.AsFloat32()
	for i := range data {
		data[i] = float32(src.NormFloat64())
	}
	return raw
}

// FromSlice wraps data as a float32 tensor with the given shape.
func FromSlice(shape tensor.Shape, data []float32) (*tensor.RawTensor, error) {
	if shape.NumElements() != len(data) {
		return nil, fmt.Errorf("shape %v needs %d values, got %d", shape, shape.NumElements(), len(data))
	}
	raw, err := tensor.NewRaw(shape, tensor.Float32, tensor.CPU)
	if err != nil {
		return nil, err
	}
	copy(raw.AsFloat32(), data)
	return raw, nil
}

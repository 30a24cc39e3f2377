package edge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/tensor"
	"github.com/klauspost/cpuid/v2"
	"k8s.io/klog/v2"

	"github.com/born-ml/simplemodel/internal/kernels"
)

// ErrBackendUnavailable is returned when a program delegates to a backend
// this host cannot provide.
var ErrBackendUnavailable = errors.New("backend unavailable")

// BackendFactory opens a delegate backend.
type BackendFactory func() (tensor.Backend, error)

var factories = map[string]BackendFactory{
	"cpu": func() (tensor.Backend, error) { return cpu.New(), nil },
}

// Backends lists the delegate backends this build can open.
func Backends() []string {
	out := make([]string, 0, len(factories))
	for name := range factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Runtime executes programs. Backends are opened on first use and shared by
// every program loaded through the same Runtime.
type Runtime struct {
	portable tensor.Backend

	mu       sync.Mutex
	backends map[string]tensor.Backend
}

var (
	once    sync.Once
	runtime *Runtime
)

// Get returns the process-wide runtime, creating it on first call.
func Get() *Runtime {
	once.Do(func() {
		runtime = New()
	})
	return runtime
}

// New returns a runtime independent of the process-wide one.
func New() *Runtime {
	return &Runtime{
		portable: cpu.New(),
		backends: make(map[string]tensor.Backend),
	}
}

func (r *Runtime) backend(name string) (tensor.Backend, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.backends[name]; ok {
		return b, nil
	}
	open, ok := factories[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q is not built into this binary (have %v)", ErrBackendUnavailable, name, Backends())
	}
	b, err := open()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBackendUnavailable, name, err)
	}
	r.backends[name] = b
	return b, nil
}

// LoadedProgram is a decoded program whose delegate backends are open.
type LoadedProgram struct {
	runtime   *Runtime
	program   *Program
	constants []*tensor.RawTensor
	delegates map[string]tensor.Backend
}

// LoadProgram decodes data and opens the backends it delegates to.
func (r *Runtime) LoadProgram(ctx context.Context, data []byte) (*LoadedProgram, error) {
	log := klog.FromContext(ctx)

	p, err := Decode(data)
	if err != nil {
		return nil, err
	}
	lp := &LoadedProgram{
		runtime:   r,
		program:   p,
		delegates: make(map[string]tensor.Backend),
	}
	for _, c := range p.Constants {
		raw, err := c.Raw()
		if err != nil {
			return nil, err
		}
		lp.constants = append(lp.constants, raw)
	}
	for _, name := range delegateBackends(p) {
		b, err := r.backend(name)
		if err != nil {
			return nil, err
		}
		lp.delegates[name] = b
	}
	if missing := missingFeatures(p.Features); len(missing) > 0 {
		log.Info("host CPU lacks features recorded at export", "missing", missing)
	}

	log.V(2).Info("loaded program", "id", p.ID, "backend", p.Backend, "methods", len(p.Methods), "constants", len(p.Constants))
	return lp, nil
}

// ID returns the program identifier assigned at lowering time.
func (lp *LoadedProgram) ID() string { return lp.program.ID.String() }

// Backend names the partitioner the program was lowered for.
func (lp *LoadedProgram) Backend() string { return lp.program.Backend }

// MethodNames lists the methods of the program.
func (lp *LoadedProgram) MethodNames() []string {
	out := make([]string, len(lp.program.Methods))
	for i, m := range lp.program.Methods {
		out[i] = m.Name
	}
	return out
}

// LoadedMethod is a runnable entry point.
type LoadedMethod struct {
	program *LoadedProgram
	method  *Method
}

// LoadMethod returns the method called name; the error wraps ErrMethodNotFound
// when it does not exist.
func (lp *LoadedProgram) LoadMethod(name string) (*LoadedMethod, error) {
	m, err := lp.program.Method(name)
	if err != nil {
		return nil, err
	}
	return &LoadedMethod{program: lp, method: m}, nil
}

// Name returns the method name.
func (lm *LoadedMethod) Name() string { return lm.method.Name }

// Execute runs the method on positional inputs.
func (lm *LoadedMethod) Execute(ctx context.Context, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	log := klog.FromContext(ctx)
	m := lm.method

	if len(inputs) != len(m.Inputs) {
		return nil, fmt.Errorf("%s: expected %d inputs, got %d", m.Name, len(m.Inputs), len(inputs))
	}
	slots := make([]*tensor.RawTensor, m.NumSlots)
	for i, in := range m.Inputs {
		if inputs[i] == nil {
			return nil, fmt.Errorf("%s: input %s is nil", m.Name, in.Name)
		}
		if err := checkShape(in, inputs[i].Shape()); err != nil {
			return nil, fmt.Errorf("%s: %w", m.Name, err)
		}
		slots[in.Index] = inputs[i]
	}

	startedAt := time.Now()
	if err := lm.program.run(m.Chain, slots); err != nil {
		return nil, fmt.Errorf("%s: %w", m.Name, err)
	}
	outs := make([]*tensor.RawTensor, len(m.Outputs))
	for i, s := range m.Outputs {
		if slots[s] == nil {
			return nil, fmt.Errorf("%s: output slot %d was never written", m.Name, s)
		}
		outs[i] = slots[s]
	}
	log.V(2).Info("executed method", "method", m.Name, "duration", time.Since(startedAt))
	return outs, nil
}

func (lp *LoadedProgram) run(chain []*Instruction, slots []*tensor.RawTensor) error {
	for i, ins := range chain {
		if err := lp.step(ins, lp.runtime.portable, slots); err != nil {
			return fmt.Errorf("instruction %d (%s): %w", i, ins.Kind, err)
		}
	}
	return nil
}

func (lp *LoadedProgram) step(ins *Instruction, b tensor.Backend, slots []*tensor.RawTensor) error {
	switch ins.Kind {
	case KindConst:
		slots[ins.Out] = lp.constants[ins.Const]
	case KindKernel:
		args, err := gather(slots, ins.Args)
		if err != nil {
			return err
		}
		out, err := kernels.Call(b, ins.Op, kernels.Attrs{Scalar: ins.Scalar}, args)
		if err != nil {
			return err
		}
		slots[ins.Out] = out
	case KindDelegate:
		db := lp.delegates[ins.Backend]
		for j, s := range ins.Steps {
			if err := lp.step(s, db, slots); err != nil {
				return fmt.Errorf("%s step %d: %w", ins.Backend, j, err)
			}
		}
	case KindCond:
		args, err := gather(slots, ins.Args)
		if err != nil {
			return err
		}
		taken, err := kernels.Truth(args[0])
		if err != nil {
			return err
		}
		br := ins.Branches[1]
		if taken {
			br = ins.Branches[0]
		}
		for j, p := range br.Params {
			slots[p] = args[j+1]
		}
		if err := lp.run(br.Chain, slots); err != nil {
			return err
		}
		slots[ins.Out] = slots[br.Output]
	default:
		return fmt.Errorf("unknown instruction kind %s", ins.Kind)
	}
	return nil
}

func gather(slots []*tensor.RawTensor, idx []int) ([]*tensor.RawTensor, error) {
	out := make([]*tensor.RawTensor, len(idx))
	for i, s := range idx {
		if slots[s] == nil {
			return nil, fmt.Errorf("slot %d read before write", s)
		}
		out[i] = slots[s]
	}
	return out, nil
}

func checkShape(in Slot, shape tensor.Shape) error {
	if len(shape) != len(in.Shape) {
		return fmt.Errorf("input %s: expected rank %d, got shape %v", in.Name, len(in.Shape), shape)
	}
	for i, want := range in.Shape {
		if want >= 0 && shape[i] != want {
			return fmt.Errorf("input %s: dimension %d must be %d, got %d", in.Name, i, want, shape[i])
		}
	}
	return nil
}

func delegateBackends(p *Program) []string {
	seen := make(map[string]bool)
	var visit func(chain []*Instruction)
	visit = func(chain []*Instruction) {
		for _, ins := range chain {
			if ins.Kind == KindDelegate {
				seen[ins.Backend] = true
			}
			for _, br := range ins.Branches {
				visit(br.Chain)
			}
		}
	}
	for _, m := range p.Methods {
		visit(m.Chain)
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func missingFeatures(features []string) []string {
	var missing []string
	for _, name := range features {
		id := cpuid.ParseFeature(name)
		if id == cpuid.UNKNOWN || !cpuid.CPU.Supports(id) {
			missing = append(missing, name)
		}
	}
	return missing
}

package compile

import (
	"fmt"
	"sort"
	"strings"

	"github.com/klauspost/cpuid/v2"

	"github.com/born-ml/simplemodel/internal/graph"
)

// DefaultBackend is the partitioner used when none is configured.
const DefaultBackend = "cpu"

// Partitioner decides which nodes run on a hardware backend. Nodes it does
// not claim run on the runtime's portable kernels.
type Partitioner interface {
	// Name is also the runtime backend the delegated nodes execute on.
	Name() string
	// Supports reports whether the backend can take n.
	Supports(n *graph.Node) bool
	// Features lists host capabilities the lowered program was tuned for.
	Features() []string
}

var partitioners = map[string]func() Partitioner{
	"cpu":    func() Partitioner { return &cpuPartitioner{} },
	"webgpu": func() Partitioner { return &webgpuPartitioner{} },
}

// Backends lists the registered partitioner names.
func Backends() []string {
	out := make([]string, 0, len(partitioners))
	for name := range partitioners {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// NewPartitioner returns the partitioner registered as name.
func NewPartitioner(name string) (Partitioner, error) {
	f, ok := partitioners[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w %q (valid: %s)", ErrUnknownBackend, name, strings.Join(Backends(), ", "))
	}
	return f(), nil
}

// denseOps are the operators both partitioners delegate.
var denseOps = map[graph.Op]bool{
	graph.OpTranspose: true,
	graph.OpMatMul:    true,
	graph.OpAdd:       true,
}

type cpuPartitioner struct{}

func (*cpuPartitioner) Name() string { return "cpu" }

func (*cpuPartitioner) Supports(n *graph.Node) bool {
	return denseOps[n.Op] && n.DType == graph.DTypeFloat32
}

// Features records the SIMD extensions of the exporting host that matter for
// dense float32 kernels.
func (*cpuPartitioner) Features() []string {
	var out []string
	for _, id := range []cpuid.FeatureID{cpuid.SSE2, cpuid.AVX, cpuid.AVX2, cpuid.FMA3, cpuid.AVX512F, cpuid.ASIMD} {
		if cpuid.CPU.Supports(id) {
			out = append(out, id.String())
		}
	}
	return out
}

type webgpuPartitioner struct{}

func (*webgpuPartitioner) Name() string { return "webgpu" }

// Supports takes dense float32 nodes with fully static shapes; GPU buffers are
// sized at load time.
func (*webgpuPartitioner) Supports(n *graph.Node) bool {
	if !denseOps[n.Op] || n.DType != graph.DTypeFloat32 {
		return false
	}
	for _, d := range n.Shape {
		if d == graph.Dynamic {
			return false
		}
	}
	return true
}

func (*webgpuPartitioner) Features() []string { return nil }

// Partition tags the nodes part supports with its backend name. The program
// must be canonical.
func Partition(p *graph.Program, part Partitioner) (*graph.Program, error) {
	g := p.Graph.Clone()
	var err error
	g.Walk(func(n *graph.Node) {
		if err != nil {
			return
		}
		if !n.Op.Canonical() {
			err = fmt.Errorf("partition %s: node %s has non-canonical op %s; decompose first", p.Name, n.Name, n.Op)
			return
		}
		n.Backend = ""
		if part.Supports(n) {
			n.Backend = part.Name()
		}
	})
	if err != nil {
		return nil, err
	}
	out := *p
	out.Graph = g
	return &out, nil
}

// Delegated counts the nodes of g assigned to a backend.
func Delegated(g *graph.Graph) int {
	count := 0
	g.Walk(func(n *graph.Node) {
		if n.Backend != "" {
			count++
		}
	})
	return count
}

package compile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"

	"github.com/born-ml/simplemodel/internal/graph"
	"github.com/born-ml/simplemodel/internal/model"
)

// Model types recorded in .born headers.
const (
	programModelType = "ExportedProgram"

	metaFormat    = "format"
	metaModel     = "model"
	metaProgram   = "program"
	metaSignature = "signature"
	metaProducer  = "producer"
)

// stateModule carries a bare state dict through born's module serialization.
type stateModule struct {
	state map[string]*tensor.RawTensor
}

var _ nn.Module[*cpu.Backend] = (*stateModule)(nil)

func (s *stateModule) Forward(x *tensor.Tensor[float32, *cpu.Backend]) *tensor.Tensor[float32, *cpu.Backend] {
	return x
}

func (s *stateModule) Parameters() []*nn.Parameter[*cpu.Backend] { return nil }

func (s *stateModule) StateDict() map[string]*tensor.RawTensor { return s.state }

func (s *stateModule) LoadStateDict(sd map[string]*tensor.RawTensor) error {
	s.state = sd
	return nil
}

// bornFile is the decoded content of a .born container.
type bornFile struct {
	ModelType string
	Metadata  map[string]string
	State     map[string]*tensor.RawTensor
}

// writeBorn encodes state as a .born container. born writes to paths only,
// so the container goes through a temporary file.
func writeBorn(state map[string]*tensor.RawTensor, modelType string, meta map[string]string) ([]byte, error) {
	dir, err := os.MkdirTemp("", "simplemodel-born")
	if err != nil {
		return nil, fmt.Errorf("creating temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "artifact.born")
	if err := nn.Save[*cpu.Backend](&stateModule{state: state}, path, modelType, meta); err != nil {
		return nil, fmt.Errorf("writing %s container: %w", modelType, err)
	}
	return os.ReadFile(path)
}

func readBorn(data []byte) (*bornFile, error) {
	dir, err := os.MkdirTemp("", "simplemodel-born")
	if err != nil {
		return nil, fmt.Errorf("creating temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "artifact.born")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, fmt.Errorf("staging container: %w", err)
	}
	mod := &stateModule{}
	header, err := nn.Load(path, cpu.New(), mod)
	if err != nil {
		return nil, fmt.Errorf("reading .born container: %w", err)
	}
	return &bornFile{ModelType: header.ModelType, Metadata: header.Metadata, State: mod.state}, nil
}

// Script serializes a scriptable model: its scripted type name and its
// parameters. No example input is involved. Models without a scripted form
// fail with ErrNotScriptable.
func Script(m model.Model) ([]byte, error) {
	s, ok := m.(model.Scriptable)
	if !ok {
		return nil, fmt.Errorf("%w: %s has no scripted form (Cond has no script equivalent)", ErrNotScriptable, m.Name())
	}
	s.Eval()
	return writeBorn(s.StateDict(), s.ScriptName(), map[string]string{
		metaFormat:    "script-serialized",
		metaModel:     s.Name(),
		metaSignature: fmt.Sprintf("forward(x: float32[*, %d]) -> float32[*, %d]", model.Features, model.Features),
		metaProducer:  onnxProducer + " " + ProducerVersion,
	})
}

// SaveProgram serializes a captured program: the graph and signature as JSON
// metadata, the parameters as tensors.
func SaveProgram(p *graph.Program) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("save program: %w", err)
	}
	doc, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("save program: encoding graph: %w", err)
	}
	return writeBorn(p.Params, programModelType, map[string]string{
		metaFormat:   "export-graph",
		metaModel:    p.Name,
		metaProgram:  string(doc),
		metaProducer: onnxProducer + " " + ProducerVersion,
	})
}

// LoadProgram decodes a program written by SaveProgram. A container without
// a graph yields a program whose Module is nil.
func LoadProgram(data []byte) (*graph.Program, error) {
	f, err := readBorn(data)
	if err != nil {
		return nil, fmt.Errorf("load program: %w", err)
	}
	if f.ModelType != programModelType {
		return nil, fmt.Errorf("load program: container holds %q, not %q", f.ModelType, programModelType)
	}
	p := &graph.Program{}
	if doc, ok := f.Metadata[metaProgram]; ok {
		if err := json.Unmarshal([]byte(doc), p); err != nil {
			return nil, fmt.Errorf("load program: decoding graph: %w", err)
		}
	}
	p.Params = f.State
	if p.Graph == nil {
		return p, nil
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("load program: %w", err)
	}
	return p, nil
}

// ScriptedType returns the scripted type name stored in a Script artifact.
func ScriptedType(data []byte) (string, map[string]*tensor.RawTensor, error) {
	f, err := readBorn(data)
	if err != nil {
		return "", nil, err
	}
	if f.Metadata[metaFormat] != "script-serialized" {
		return "", nil, fmt.Errorf("not a scripted module (format %q)", f.Metadata[metaFormat])
	}
	return f.ModelType, f.State, nil
}

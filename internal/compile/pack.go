package compile

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/born-ml/simplemodel/internal/edge"
	"github.com/born-ml/simplemodel/internal/graph"
)

// Files inside an ahead-of-time package.
const (
	ManifestFile = "manifest.yaml"
	ProgramFile  = "program.pte"
)

// ErrPackageChecksum is returned when a package's program does not match its
// manifest.
var ErrPackageChecksum = errors.New("package program checksum mismatch")

// Manifest describes an ahead-of-time package: a lowered edge program plus the
// signature and host features it was compiled for.
type Manifest struct {
	Name      string   `yaml:"name"`
	Method    string   `yaml:"method"`
	Inputs    []string `yaml:"inputs"`
	Program   string   `yaml:"program"`
	ProgramID string   `yaml:"programId"`
	Backend   string   `yaml:"backend"`
	Features  []string `yaml:"features,omitempty"`
	Producer  string   `yaml:"producer"`
	SHA256    string   `yaml:"sha256"`
}

// NewManifest describes prog, encoded as data, lowered from p.
func NewManifest(p *graph.Program, prog *edge.Program, data []byte) *Manifest {
	inputs := make([]string, len(p.Inputs))
	for i, spec := range p.Inputs {
		inputs[i] = spec.String()
	}
	sum := sha256.Sum256(data)
	return &Manifest{
		Name:      p.Name,
		Method:    p.Method,
		Inputs:    inputs,
		Program:   ProgramFile,
		ProgramID: prog.ID.String(),
		Backend:   prog.Backend,
		Features:  prog.Features,
		Producer:  onnxProducer + " " + ProducerVersion,
		SHA256:    hex.EncodeToString(sum[:]),
	}
}

// Marshal encodes m as YAML.
func (m *Manifest) Marshal() ([]byte, error) {
	return yaml.Marshal(m)
}

// ParseManifest decodes a manifest, rejecting unknown fields.
func ParseManifest(data []byte) (*Manifest, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	m := &Manifest{}
	if err := dec.Decode(m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if m.Method == "" || m.Program == "" {
		return nil, fmt.Errorf("parse manifest: method and program are required")
	}
	if strings.ContainsAny(m.Program, `/\`) {
		return nil, fmt.Errorf("parse manifest: program %q must name a file inside the package", m.Program)
	}
	return m, nil
}

// Check verifies that data is the program m describes.
func (m *Manifest) Check(data []byte) error {
	sum := sha256.Sum256(data)
	if got := hex.EncodeToString(sum[:]); got != m.SHA256 {
		return fmt.Errorf("%w: %s has %s, manifest records %s", ErrPackageChecksum, m.Program, got, m.SHA256)
	}
	return nil
}

// PackagePath joins a package location and a file inside it. Locations may
// be local paths or URLs.
func PackagePath(dir, file string) string {
	return strings.TrimRight(dir, "/") + "/" + file
}

// Package config holds the settings shared by the export and run commands.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/born-ml/simplemodel/internal/graph"
)

// StaticDim marks a dimension as fixed in a dynamic shape spec.
const StaticDim = "static"

// Defaults shared with the CLI.
const (
	DefaultBackend    = "cpu"
	DefaultOutputPath = "output/model.pt"
	DefaultInputPath  = "output/simple_model.pte"
)

// Config is the harness configuration. Flags override values loaded from
// YAML, which override Default.
type Config struct {
	// Backend names the partitioner used for edge-delegate exports.
	Backend string `yaml:"backend"`
	// StrictVerify makes an interchange verification mismatch fatal.
	StrictVerify bool `yaml:"strictVerify"`
	// Seed fixes the example input and model weights; 0 means unseeded.
	Seed int64 `yaml:"seed"`
	// Trace prints OpenTelemetry spans to stdout.
	Trace bool `yaml:"trace"`
	// DynamicShapes maps an input name to one entry per dimension, either
	// "static" or a symbolic dimension name.
	DynamicShapes map[string][]string `yaml:"dynamicShapes,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{Backend: DefaultBackend}
}

// Parse reads YAML on top of Default. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	c := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks field values.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Backend) == "" {
		return errors.New("config: backend must not be empty")
	}
	_, err := c.Shapes()
	return err
}

// Shapes converts the dynamic shape spec into its graph form. A nil spec
// yields nil.
func (c *Config) Shapes() (graph.DynamicShapes, error) {
	if len(c.DynamicShapes) == 0 {
		return nil, nil
	}
	names := make([]string, 0, len(c.DynamicShapes))
	for name := range c.DynamicShapes {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(graph.DynamicShapes, len(names))
	for _, name := range names {
		dims := make([]graph.Dim, len(c.DynamicShapes[name]))
		for i, d := range c.DynamicShapes[name] {
			switch d = strings.TrimSpace(d); d {
			case "":
				return nil, fmt.Errorf("config: dynamic shape %q: dimension %d is empty", name, i)
			case StaticDim:
				dims[i] = graph.Static
			default:
				dims[i] = graph.Auto(d)
			}
		}
		out[name] = dims
	}
	return out, nil
}

// Marshal renders c as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

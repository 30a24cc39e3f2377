// Package format defines the closed set of artifact formats the harness can
// produce and consume.
package format

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupportedFormat is returned when a format value is unknown, or when a
// command has no case for an otherwise valid format.
var ErrUnsupportedFormat = errors.New("unsupported export format")

// ExportFormat selects one artifact format per invocation.
type ExportFormat int

// Supported formats.
const (
	ScriptSerialized ExportFormat = iota + 1 // whole-module script container
	ExportGraph                              // captured graph container
	Interchange                              // ONNX protobuf
	EdgeDelegate                             // backend-lowered edge program
)

var names = map[ExportFormat]string{
	ScriptSerialized: "script-serialized",
	ExportGraph:      "export-graph",
	Interchange:      "interchange",
	EdgeDelegate:     "edge-delegate",
}

var extensions = map[ExportFormat]string{
	ScriptSerialized: ".pt",
	ExportGraph:      ".pt2",
	Interchange:      ".onnx",
	EdgeDelegate:     ".pte",
}

// All returns every format in declaration order.
func All() []ExportFormat {
	return []ExportFormat{ScriptSerialized, ExportGraph, Interchange, EdgeDelegate}
}

// Parse converts a CLI value into an ExportFormat.
func Parse(s string) (ExportFormat, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	for _, f := range All() {
		if names[f] == v {
			return f, nil
		}
	}
	return 0, fmt.Errorf("%w: %q (want one of %s)", ErrUnsupportedFormat, s, strings.Join(Names(), ", "))
}

// Names returns the CLI values of all formats.
func Names() []string {
	out := make([]string, 0, len(names))
	for _, f := range All() {
		out = append(out, names[f])
	}
	return out
}

// String returns the CLI value of the format.
func (f ExportFormat) String() string {
	if n, ok := names[f]; ok {
		return n
	}
	return fmt.Sprintf("ExportFormat(%d)", int(f))
}

// Extension returns the conventional file extension for artifacts of this format.
func (f ExportFormat) Extension() string {
	return extensions[f]
}

// Valid reports whether f is one of the declared formats.
func (f ExportFormat) Valid() bool {
	_, ok := names[f]
	return ok
}

// Set implements flag.Value.
func (f *ExportFormat) Set(s string) error {
	v, err := Parse(s)
	if err != nil {
		return err
	}
	*f = v
	return nil
}

// Type implements pflag.Value.
func (f *ExportFormat) Type() string { return "format" }

// UnmarshalText implements encoding.TextUnmarshaler so formats can be read from config files.
func (f *ExportFormat) UnmarshalText(text []byte) error {
	return f.Set(string(text))
}

// MarshalText implements encoding.TextMarshaler.
func (f ExportFormat) MarshalText() ([]byte, error) {
	if !f.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedFormat, int(f))
	}
	return []byte(f.String()), nil
}

// Unsupported builds the error returned when a command has no case for f.
func Unsupported(command string, f ExportFormat) error {
	return fmt.Errorf("%w: %s does not handle %q", ErrUnsupportedFormat, command, f)
}

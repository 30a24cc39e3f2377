package compile

import (
	"fmt"
	"math"

	"github.com/born-ml/born/tensor"

	"github.com/born-ml/simplemodel/internal/graph"
	"github.com/born-ml/simplemodel/internal/session"
)

// Tolerances used by Verify: |actual - expected| <= Atol + Rtol*|expected|.
const (
	Rtol = 1e-4
	Atol = 1e-5
)

// Verification compares an exported ONNX model against eager execution.
type Verification struct {
	Expected   tensor.Shape
	Actual     tensor.Shape
	ShapeMatch bool
	MaxAbsDiff float64
	MaxRelDiff float64
	Mismatched int
	Passed     bool
}

func (v *Verification) String() string {
	status := "passed"
	if !v.Passed {
		status = "FAILED"
	}
	return fmt.Sprintf("verification %s: shape expected=%v actual=%v, max_abs_diff=%.3g, max_rel_diff=%.3g, mismatched=%d (rtol=%g, atol=%g)",
		status, v.Expected, v.Actual, v.MaxAbsDiff, v.MaxRelDiff, v.Mismatched, Rtol, Atol)
}

// Verify runs the ONNX model in data and m eagerly on input and compares the
// results. A mismatch is reported in the returned Verification; an error means
// one side could not run at all.
func Verify(data []byte, m graph.Module, input *tensor.RawTensor, b tensor.Backend) (*Verification, error) {
	want, err := graph.NewEager(b).Run(m, input.Clone())
	if err != nil {
		return nil, fmt.Errorf("verify: eager: %w", err)
	}

	sess, err := session.New(data, b)
	if err != nil {
		return nil, fmt.Errorf("verify: %w", err)
	}
	names := sess.InputNames()
	if len(names) != 1 {
		return nil, fmt.Errorf("verify: model has %d inputs, want 1", len(names))
	}
	outs, err := sess.Run(map[string]*tensor.RawTensor{names[0]: input.Clone()})
	if err != nil {
		return nil, fmt.Errorf("verify: %w", err)
	}
	if len(outs) == 0 || outs[0] == nil {
		return nil, fmt.Errorf("verify: model produced no output")
	}
	return compare(want, outs[0]), nil
}

func compare(want, got *tensor.RawTensor) *Verification {
	v := &Verification{
		Expected:   want.Shape(),
		Actual:     got.Shape(),
		ShapeMatch: want.Shape().Equal(got.Shape()),
	}
	if !v.ShapeMatch || want.DType() != tensor.Float32 || got.DType() != tensor.Float32 {
		return v
	}
	w, g := want.AsFloat32(), got.AsFloat32()
	for i := range w {
		e, a := float64(w[i]), float64(g[i])
		diff := math.Abs(a - e)
		v.MaxAbsDiff = math.Max(v.MaxAbsDiff, diff)
		if e != 0 {
			v.MaxRelDiff = math.Max(v.MaxRelDiff, diff/math.Abs(e))
		}
		if diff > Atol+Rtol*math.Abs(e) || math.IsNaN(a) != math.IsNaN(e) {
			v.Mismatched++
		}
	}
	v.Passed = v.Mismatched == 0
	return v
}

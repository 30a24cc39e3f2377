//go:build !windows

package edge

import (
	"fmt"

	"github.com/born-ml/born/tensor"
)

func init() {
	factories["webgpu"] = func() (tensor.Backend, error) {
		return nil, fmt.Errorf("WebGPU is only built on windows")
	}
}

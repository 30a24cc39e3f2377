//go:build windows

package edge

import (
	"fmt"

	"github.com/born-ml/born/backend/webgpu"
	"github.com/born-ml/born/tensor"
)

func init() {
	factories["webgpu"] = openWebGPU
}

func openWebGPU() (tensor.Backend, error) {
	if !webgpu.IsAvailable() {
		return nil, fmt.Errorf("no WebGPU adapter found")
	}
	return webgpu.New()
}

package conv

import (
	"fmt"

	"github.com/strata-ml/strata/internal/tensor"
)

// Patch describes the geometry of one convolution's input: the 4-D input
// shape, its data format (which fixes the batch and channel axis
// positions) and the receptive-field parameters. It is immutable and
// shared read-only between the im2col extractor and the GEMM core.
type Patch struct {
	inputShape tensor.Shape
	format     DataFormat
	kernel     [2]int // Spatial kernel size (h, w)
	stride     [2]int
	dilation   [2]int
	pad        [2]int // Symmetric zero padding per spatial axis
	outSpatial [2]int
}

// NewPatch validates the geometry and precomputes the output spatial
// dimensions.
func NewPatch(inputShape tensor.Shape, format DataFormat, kernel, stride, dilation, pad [2]int) (*Patch, error) {
	if !format.Valid() {
		return nil, fmt.Errorf("patch: unsupported data format %d", int(format))
	}
	if len(inputShape) != 4 {
		return nil, fmt.Errorf("patch: input must be 4D, got %dD", len(inputShape))
	}
	if err := inputShape.Validate(); err != nil {
		return nil, fmt.Errorf("patch: %w", err)
	}
	for axis := 0; axis < 2; axis++ {
		if kernel[axis] <= 0 {
			return nil, fmt.Errorf("patch: invalid kernel size %d on axis %d", kernel[axis], axis)
		}
		if stride[axis] <= 0 {
			return nil, fmt.Errorf("patch: invalid stride %d on axis %d", stride[axis], axis)
		}
		if dilation[axis] <= 0 {
			return nil, fmt.Errorf("patch: invalid dilation %d on axis %d", dilation[axis], axis)
		}
		if pad[axis] < 0 {
			return nil, fmt.Errorf("patch: invalid padding %d on axis %d", pad[axis], axis)
		}
	}

	ndim := len(inputShape)
	inH := inputShape[format.HAxis(ndim)]
	inW := inputShape[format.WAxis(ndim)]

	// Effective kernel extent accounts for dilation.
	outH := (inH+2*pad[0]-dilation[0]*(kernel[0]-1)-1)/stride[0] + 1
	outW := (inW+2*pad[1]-dilation[1]*(kernel[1]-1)-1)/stride[1] + 1
	if outH <= 0 || outW <= 0 {
		return nil, fmt.Errorf("patch: invalid output dimensions %dx%d (check kernel/stride/padding)", outH, outW)
	}

	return &Patch{
		inputShape: inputShape.Clone(),
		format:     format,
		kernel:     kernel,
		stride:     stride,
		dilation:   dilation,
		pad:        pad,
		outSpatial: [2]int{outH, outW},
	}, nil
}

// InputShape returns the full input shape.
func (p *Patch) InputShape() tensor.Shape {
	return p.inputShape
}

// Format returns the input data format.
func (p *Patch) Format() DataFormat {
	return p.format
}

// NAxis returns the batch axis position.
func (p *Patch) NAxis() int {
	return p.format.NAxis()
}

// CAxis returns the channel axis position.
func (p *Patch) CAxis() int {
	return p.format.CAxis(len(p.inputShape))
}

// BatchCount returns the number of batch elements.
func (p *Patch) BatchCount() int {
	return p.inputShape[p.NAxis()]
}

// InChannels returns the total input channel count.
func (p *Patch) InChannels() int {
	return p.inputShape[p.CAxis()]
}

// InSpatial returns the input spatial dimensions (h, w).
func (p *Patch) InSpatial() [2]int {
	ndim := len(p.inputShape)
	return [2]int{p.inputShape[p.format.HAxis(ndim)], p.inputShape[p.format.WAxis(ndim)]}
}

// Kernel returns the spatial kernel size (h, w).
func (p *Patch) Kernel() [2]int {
	return p.kernel
}

// Stride returns the stride per spatial axis.
func (p *Patch) Stride() [2]int {
	return p.stride
}

// Dilation returns the dilation per spatial axis.
func (p *Patch) Dilation() [2]int {
	return p.dilation
}

// Pad returns the symmetric zero padding per spatial axis.
func (p *Patch) Pad() [2]int {
	return p.pad
}

// OutSpatial returns the output spatial dimensions (h, w).
func (p *Patch) OutSpatial() [2]int {
	return p.outSpatial
}

// OutSpatialSize returns the flattened output spatial extent, the n of
// one GEMM tile.
func (p *Patch) OutSpatialSize() int {
	return p.outSpatial[0] * p.outSpatial[1]
}

// KernelSpatialSize returns the flattened kernel spatial extent.
func (p *Patch) KernelSpatialSize() int {
	return p.kernel[0] * p.kernel[1]
}

// OutputShape returns the full output shape for the given output channel
// count, laid out in the patch's data format.
func (p *Patch) OutputShape(outChannels int) tensor.Shape {
	if p.format == NHWC {
		return tensor.Shape{p.BatchCount(), p.outSpatial[0], p.outSpatial[1], outChannels}
	}
	return tensor.Shape{p.BatchCount(), outChannels, p.outSpatial[0], p.outSpatial[1]}
}

// String returns a human-readable description.
func (p *Patch) String() string {
	return fmt.Sprintf("Patch(%s input=%v kernel=%v stride=%v dilation=%v pad=%v out=%v)",
		p.format, p.inputShape, p.kernel, p.stride, p.dilation, p.pad, p.outSpatial)
}

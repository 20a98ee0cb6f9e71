package conv

import (
	"fmt"

	"github.com/strata-ml/strata/internal/tensor"
)

// Conv2D is the user-facing convolution operator: it binds 4-D
// channel-major weights and an optional bias to a fixed input geometry,
// building the Patch and ConvGemm specialization once, and evaluates by
// extracting the mega-matrix and running the GEMM core.
//
// Weight shape: [out_channels, in_channels/group, kernel_h, kernel_w].
type Conv2D struct {
	patch *Patch
	gemm  *ConvGemm
	group int
}

// NewConv2D validates weights against the input geometry and
// specializes the GEMM core.
func NewConv2D(
	inputShape tensor.Shape,
	format DataFormat,
	weight, bias *tensor.RawTensor,
	stride, dilation, pad [2]int,
	group int,
	opts ...Option,
) (*Conv2D, error) {
	if weight == nil {
		return nil, fmt.Errorf("conv2d: nil weight")
	}
	wShape := weight.Shape()
	if len(wShape) != 4 {
		return nil, fmt.Errorf("conv2d: weight must be 4D [O,I,Kh,Kw], got %dD", len(wShape))
	}
	if group < 1 {
		return nil, fmt.Errorf("conv2d: invalid group count %d", group)
	}

	outChannels := wShape[0]
	if outChannels%group != 0 {
		return nil, fmt.Errorf("conv2d: output channels %d not divisible by group %d", outChannels, group)
	}

	patch, err := NewPatch(inputShape, format, [2]int{wShape[2], wShape[3]}, stride, dilation, pad)
	if err != nil {
		return nil, fmt.Errorf("conv2d: %w", err)
	}

	inChannels := patch.InChannels()
	if inChannels%group != 0 {
		return nil, fmt.Errorf("conv2d: input channels %d not divisible by group %d", inChannels, group)
	}
	if wShape[1] != inChannels/group {
		return nil, fmt.Errorf("conv2d: weight input depth %d does not match input channels per group %d",
			wShape[1], inChannels/group)
	}

	m := outChannels / group
	k := wShape[1] * wShape[2] * wShape[3]
	n := patch.OutSpatialSize()

	// Channel-major weights flatten to the 2-D kernel matrix in place.
	kernel2d, err := weight.Reshape(tensor.Shape{outChannels, k})
	if err != nil {
		return nil, fmt.Errorf("conv2d: %w", err)
	}

	// A per-channel bias vector aligns with the last axis under
	// broadcasting, which is the channel axis only for NHWC. For NCHW it
	// has to carry explicit spatial axes.
	if bias != nil && format == NCHW && bias.Shape().Equal(tensor.Shape{outChannels}) {
		bias, err = bias.Reshape(tensor.Shape{outChannels, 1, 1})
		if err != nil {
			return nil, fmt.Errorf("conv2d: %w", err)
		}
	}

	gemm, err := NewConvGemm(patch, patch.OutputShape(outChannels), m, k, n, OIHW, kernel2d, bias, group, opts...)
	if err != nil {
		return nil, fmt.Errorf("conv2d: %w", err)
	}

	return &Conv2D{
		patch: patch,
		gemm:  gemm,
		group: group,
	}, nil
}

// Forward convolves one input tensor, returning a freshly allocated
// output in the patch's data format.
func (c *Conv2D) Forward(input *tensor.RawTensor) (*tensor.RawTensor, error) {
	mega, err := c.patch.Im2col(input, c.group)
	if err != nil {
		return nil, fmt.Errorf("conv2d: %w", err)
	}
	return c.gemm.Eval(mega)
}

// Patch returns the input geometry descriptor.
func (c *Conv2D) Patch() *Patch {
	return c.patch
}

// Gemm returns the underlying GEMM core specialization.
func (c *Conv2D) Gemm() *ConvGemm {
	return c.gemm
}

// OutputShape returns the full output shape.
func (c *Conv2D) OutputShape() tensor.Shape {
	return c.gemm.OutputShape()
}

// String returns a human-readable description.
func (c *Conv2D) String() string {
	return fmt.Sprintf("Conv2D(%s, m=%d, k=%d, n=%d, group=%d)",
		c.patch, c.gemm.m, c.gemm.k, c.gemm.n, c.group)
}

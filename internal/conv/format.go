// Package conv implements the GEMM-based grouped convolution operator
// core: the im2col mega-matrix contract, the per-tile matrix multiply
// over batch and group, and the scatter into channel-first or
// channel-last output tensors.
package conv

// DataFormat describes how a tensor orders its channel axis relative to
// the spatial axes.
type DataFormat int

// Supported data formats.
const (
	// NCHW is channel-first: [batch, channels, height, width].
	NCHW DataFormat = iota
	// NHWC is channel-last: [batch, height, width, channels].
	NHWC
)

// String returns the format name.
func (f DataFormat) String() string {
	switch f {
	case NCHW:
		return "NCHW"
	case NHWC:
		return "NHWC"
	default:
		return "unknown"
	}
}

// Valid reports whether f is one of the two supported layouts.
func (f DataFormat) Valid() bool {
	return f == NCHW || f == NHWC
}

// NAxis returns the position of the batch axis.
func (f DataFormat) NAxis() int {
	return 0
}

// CAxis returns the position of the channel axis for an ndim-rank tensor.
func (f DataFormat) CAxis(ndim int) int {
	if f == NHWC {
		return ndim - 1
	}
	return 1
}

// HAxis returns the position of the height axis for an ndim-rank tensor.
func (f DataFormat) HAxis(ndim int) int {
	if f == NHWC {
		return 1
	}
	return 2
}

// WAxis returns the position of the width axis for an ndim-rank tensor.
func (f DataFormat) WAxis(ndim int) int {
	if f == NHWC {
		return 2
	}
	return 3
}

// KernelFormat describes the axis order of a convolution kernel tensor.
type KernelFormat int

// Supported kernel formats.
const (
	// OIHW is channel-major: [out_channels, in_channels, kernel_h, kernel_w].
	// The GEMM core assumes this layout; the kernel is reshaped to a 2-D
	// (out_channels, in_channels_per_group * kernel_h * kernel_w) matrix
	// before reaching it.
	OIHW KernelFormat = iota
	// HWIO is spatial-major: [kernel_h, kernel_w, in_channels, out_channels].
	// Recognized as a tag but rejected by the GEMM core.
	HWIO
)

// String returns the format name.
func (f KernelFormat) String() string {
	switch f {
	case OIHW:
		return "OIHW"
	case HWIO:
		return "HWIO"
	default:
		return "unknown"
	}
}

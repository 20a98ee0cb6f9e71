// Copyright 2025 Strata ML. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package conv provides the public API for the GEMM-based grouped
// convolution operator: layout descriptors, the Patch geometry, the
// im2col mega-matrix extractor, the ConvGemm core, and the Conv2D
// convenience operator.
package conv

import (
	"github.com/strata-ml/strata/internal/conv"
	"github.com/strata-ml/strata/internal/parallel"
	"github.com/strata-ml/strata/internal/tensor"
)

// DataFormat describes how a tensor orders its channel axis.
type DataFormat = conv.DataFormat

// Supported data formats.
const (
	NCHW = conv.NCHW
	NHWC = conv.NHWC
)

// KernelFormat describes the axis order of a convolution kernel tensor.
type KernelFormat = conv.KernelFormat

// Supported kernel formats. Only OIHW is accepted by the GEMM core.
const (
	OIHW = conv.OIHW
	HWIO = conv.HWIO
)

// Patch describes the geometry of one convolution's input.
type Patch = conv.Patch

// NewPatch validates the geometry and precomputes output dimensions.
func NewPatch(inputShape tensor.Shape, format DataFormat, kernel, stride, dilation, pad [2]int) (*Patch, error) {
	return conv.NewPatch(inputShape, format, kernel, stride, dilation, pad)
}

// ConvGemm is the grouped convolution operator core.
type ConvGemm = conv.ConvGemm

// Option configures a ConvGemm.
type Option = conv.Option

// ParallelConfig controls parallel tile execution.
type ParallelConfig = parallel.Config

// DefaultParallelConfig returns sensible defaults based on CPU count.
func DefaultParallelConfig() ParallelConfig {
	return parallel.DefaultConfig()
}

// WithParallel enables parallel execution of the batch×group tile loop.
func WithParallel(cfg ParallelConfig) Option {
	return conv.WithParallel(cfg)
}

// NewConvGemm validates shape consistency and returns the immutable
// operator specialization.
func NewConvGemm(
	patch *Patch,
	fullOutputShape tensor.Shape,
	m, k, n int,
	kernelFmt KernelFormat,
	kernel, bias *tensor.RawTensor,
	group int,
	opts ...Option,
) (*ConvGemm, error) {
	return conv.NewConvGemm(patch, fullOutputShape, m, k, n, kernelFmt, kernel, bias, group, opts...)
}

// Conv2D is the user-facing convolution operator.
type Conv2D = conv.Conv2D

// NewConv2D validates weights against the input geometry and specializes
// the GEMM core.
func NewConv2D(
	inputShape tensor.Shape,
	format DataFormat,
	weight, bias *tensor.RawTensor,
	stride, dilation, pad [2]int,
	group int,
	opts ...Option,
) (*Conv2D, error) {
	return conv.NewConv2D(inputShape, format, weight, bias, stride, dilation, pad, group, opts...)
}

// Copyright 2025 Strata ML. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package tensor provides the public API for tensor storage in the
// Strata engine: shapes, element types, and the strided RawTensor with
// its axis-slicing views.
package tensor

import (
	"github.com/strata-ml/strata/internal/tensor"
)

// Shape represents the dimensions of a tensor.
type Shape = tensor.Shape

// DataType represents runtime type information for tensors.
type DataType = tensor.DataType

// Supported data types.
const (
	Float32 = tensor.Float32
	Float64 = tensor.Float64
	Int32   = tensor.Int32
	Int64   = tensor.Int64
)

// Numeric is the constraint for supported tensor element types.
type Numeric = tensor.Numeric

// RawTensor is the low-level strided tensor representation.
type RawTensor = tensor.RawTensor

// NewRaw creates a zero-filled tensor with the given shape and type.
func NewRaw(shape Shape, dtype DataType) (*RawTensor, error) {
	return tensor.NewRaw(shape, dtype)
}

// FromSlice creates a tensor from a Go slice. The slice is copied.
func FromSlice[T Numeric](data []T, shape Shape) (*RawTensor, error) {
	return tensor.FromSlice(data, shape)
}

// Data returns a typed slice over the tensor's buffer.
func Data[T Numeric](r *RawTensor) []T {
	return tensor.Data[T](r)
}

// At returns the element at the given logical indices.
func At[T Numeric](r *RawTensor, indices ...int) T {
	return tensor.At[T](r, indices...)
}

// BroadcastShapes implements NumPy-style broadcasting rules.
func BroadcastShapes(a, b Shape) (Shape, bool, error) {
	return tensor.BroadcastShapes(a, b)
}

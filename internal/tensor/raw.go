package tensor

import (
	"fmt"
	"unsafe"
)

// RawTensor is the low-level tensor representation: a flat buffer plus
// shape, strides and an element offset. Axis slicing produces views that
// share the buffer, so operator kernels can address sub-regions without
// copying.
type RawTensor struct {
	data   []byte
	shape  Shape
	stride []int // Memory strides in elements (row-major for owned tensors)
	dtype  DataType
	offset int // Element offset into data (non-zero for views)
}

// NewRaw creates a new RawTensor with the given shape and type.
// The buffer is zero-filled, so every element has a defined value even
// before the first write.
func NewRaw(shape Shape, dtype DataType) (*RawTensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, fmt.Errorf("invalid shape: %w", err)
	}
	if !dtype.Valid() {
		return nil, fmt.Errorf("invalid dtype %d", int(dtype))
	}

	numElements := shape.NumElements()

	return &RawTensor{
		data:   make([]byte, numElements*dtype.Size()),
		shape:  shape.Clone(),
		stride: shape.ComputeStrides(),
		dtype:  dtype,
		offset: 0,
	}, nil
}

// FromSlice creates a RawTensor from a Go slice. The slice is copied.
func FromSlice[T Numeric](data []T, shape Shape) (*RawTensor, error) {
	if shape.NumElements() != len(data) {
		return nil, fmt.Errorf("shape %v requires %d elements, but got %d", shape, shape.NumElements(), len(data))
	}

	raw, err := NewRaw(shape, DTypeOf[T]())
	if err != nil {
		return nil, err
	}
	copy(Data[T](raw), data)
	return raw, nil
}

// Shape returns the tensor's shape.
func (r *RawTensor) Shape() Shape {
	return r.shape
}

// Strides returns the tensor's memory strides in elements.
func (r *RawTensor) Strides() []int {
	return r.stride
}

// DType returns the tensor's data type.
func (r *RawTensor) DType() DataType {
	return r.dtype
}

// NumElements returns the total number of elements addressed by the shape.
func (r *RawTensor) NumElements() int {
	return r.shape.NumElements()
}

// Offset returns the view's element offset into the shared buffer.
func (r *RawTensor) Offset() int {
	return r.offset
}

// IsContiguous reports whether the view's elements are laid out densely
// in row-major order (true for all owned tensors, false for most views).
func (r *RawTensor) IsContiguous() bool {
	expected := r.shape.ComputeStrides()
	for i := range r.stride {
		if r.shape[i] != 1 && r.stride[i] != expected[i] {
			return false
		}
	}
	return true
}

// Data returns a typed slice over the tensor's buffer starting at the
// view offset. The slice runs to the end of the underlying buffer so
// strided views can be indexed through it; use Index to compute element
// positions.
//
// WARNING: Modifications to the returned slice modify the tensor.
func Data[T Numeric](r *RawTensor) []T {
	if want := DTypeOf[T](); r.dtype != want {
		panic(fmt.Sprintf("tensor dtype is %s, not %s", r.dtype, want))
	}
	size := r.dtype.Size()
	data := r.data[r.offset*size:]
	if len(data) == 0 {
		return nil
	}
	//nolint:gosec // unsafe.Slice for zero-copy access, length bounded by the buffer
	return unsafe.Slice((*T)(unsafe.Pointer(&data[0])), len(data)/size)
}

// Index computes the flat element index (relative to the view offset)
// for the given logical indices.
func (r *RawTensor) Index(indices ...int) int {
	if len(indices) != len(r.shape) {
		panic(fmt.Sprintf("expected %d indices, got %d", len(r.shape), len(indices)))
	}
	flat := 0
	for i, idx := range indices {
		if idx < 0 || idx >= r.shape[i] {
			panic(fmt.Sprintf("index %d out of bounds for dimension %d (size %d)", idx, i, r.shape[i]))
		}
		flat += idx * r.stride[i]
	}
	return flat
}

// At returns the element at the given logical indices.
func At[T Numeric](r *RawTensor, indices ...int) T {
	return Data[T](r)[r.Index(indices...)]
}

// SliceAxis returns a view restricted to [start, end) along the given
// axis. The view shares the underlying buffer; strides are unchanged.
func (r *RawTensor) SliceAxis(axis, start, end int) (*RawTensor, error) {
	if axis < 0 || axis >= len(r.shape) {
		return nil, fmt.Errorf("slice: invalid axis %d for %dD tensor", axis, len(r.shape))
	}
	if start < 0 || end > r.shape[axis] || start >= end {
		return nil, fmt.Errorf("slice: invalid range [%d, %d) for axis %d (size %d)", start, end, axis, r.shape[axis])
	}

	shape := r.shape.Clone()
	shape[axis] = end - start

	return &RawTensor{
		data:   r.data,
		shape:  shape,
		stride: append([]int(nil), r.stride...),
		dtype:  r.dtype,
		offset: r.offset + start*r.stride[axis],
	}, nil
}

// Reshape returns a view with a different shape over the same buffer.
// The element counts must match and the tensor must be contiguous.
func (r *RawTensor) Reshape(newShape Shape) (*RawTensor, error) {
	if err := newShape.Validate(); err != nil {
		return nil, fmt.Errorf("reshape: invalid shape: %w", err)
	}
	if r.NumElements() != newShape.NumElements() {
		return nil, fmt.Errorf("reshape: incompatible shapes: %v -> %v (different number of elements)",
			r.shape, newShape)
	}
	if !r.IsContiguous() {
		return nil, fmt.Errorf("reshape: tensor with strides %v is not contiguous", r.stride)
	}

	return &RawTensor{
		data:   r.data,
		shape:  newShape.Clone(),
		stride: newShape.ComputeStrides(),
		dtype:  r.dtype,
		offset: r.offset,
	}, nil
}

// Clone creates a deep copy. Views are materialized into contiguous
// tensors element by element.
func (r *RawTensor) Clone() *RawTensor {
	out, err := NewRaw(r.shape, r.dtype)
	if err != nil {
		panic(fmt.Sprintf("clone: %v", err))
	}
	if r.IsContiguous() {
		size := r.dtype.Size()
		copy(out.data, r.data[r.offset*size:r.offset*size+r.NumElements()*size])
		return out
	}
	copyStrided(out, r)
	return out
}

// copyStrided copies src into the contiguous dst element by element,
// walking src's logical row-major order through its strides.
func copyStrided(dst, src *RawTensor) {
	size := src.dtype.Size()
	n := src.NumElements()
	outStrides := src.shape.ComputeStrides()
	for i := 0; i < n; i++ {
		srcIdx := 0
		rem := i
		for d := range outStrides {
			if outStrides[d] > 0 {
				srcIdx += (rem / outStrides[d]) * src.stride[d]
				rem %= outStrides[d]
			}
		}
		copy(dst.data[i*size:(i+1)*size], src.data[(src.offset+srcIdx)*size:(src.offset+srcIdx+1)*size])
	}
}

// String returns a human-readable representation of the tensor.
func (r *RawTensor) String() string {
	return fmt.Sprintf("Tensor[%s]%v", r.dtype, r.shape)
}

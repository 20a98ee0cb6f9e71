package conv

import (
	"fmt"
	"sync"

	"github.com/strata-ml/strata/internal/linalg"
	"github.com/strata-ml/strata/internal/parallel"
	"github.com/strata-ml/strata/internal/tensor"
)

// ConvGemm is the grouped convolution operator core, specialized for one
// convolution shape. It owns the 2-D kernel matrix and optional bias for
// its lifetime and is evaluated, possibly many times, against
// mega-matrices sharing that shape. It holds no cross-call mutable
// state.
//
// Per-tile GEMM dimensions:
//
//	m = output channels per group
//	k = input channels per group * kernel_h * kernel_w
//	n = output spatial extent (out_h * out_w)
//
// The kernel matrix stacks the per-group A operands row-wise:
//
//	            +------------+
//	            | B mega     |
//	            +------------+
//	+---------+ +------------+
//	| A  g=0  | | C out  g=0 |
//	+---------+ +------------+
//	| A  g=1  | | C out  g=1 |
//	+---------+ +------------+
type ConvGemm struct {
	patch           *Patch
	fullOutputShape tensor.Shape
	m, k, n         int
	kernelFmt       KernelFormat
	kernel          *tensor.RawTensor // 2-D [group*m, k], exclusively owned
	bias            *tensor.RawTensor // Optional, broadcastable onto the output
	group           int
	par             parallel.Config
}

// Option configures a ConvGemm.
type Option func(*ConvGemm)

// WithParallel enables parallel execution of the batch×group tile loop.
// Each worker chunk gets its own scratch panel; tiles write disjoint
// output regions, so no locking is involved. Bias addition only happens
// after all tiles complete.
func WithParallel(cfg parallel.Config) Option {
	return func(op *ConvGemm) {
		op.par = cfg
	}
}

// NewConvGemm validates the mutual consistency of the patch geometry,
// output shape, GEMM dimensions, kernel matrix and bias, and returns the
// immutable operator. Inconsistent shapes are rejected here so that
// evaluation never has to truncate or guess.
func NewConvGemm(
	patch *Patch,
	fullOutputShape tensor.Shape,
	m, k, n int,
	kernelFmt KernelFormat,
	kernel, bias *tensor.RawTensor,
	group int,
	opts ...Option,
) (*ConvGemm, error) {
	if patch == nil {
		return nil, fmt.Errorf("conv_gemm: nil patch")
	}
	if kernelFmt != OIHW {
		return nil, fmt.Errorf("conv_gemm: unsupported kernel format %s", kernelFmt)
	}
	if group < 1 {
		return nil, fmt.Errorf("conv_gemm: invalid group count %d", group)
	}
	if kernel == nil {
		return nil, fmt.Errorf("conv_gemm: nil kernel")
	}
	if !kernel.DType().Valid() {
		return nil, fmt.Errorf("conv_gemm: unsupported kernel dtype")
	}

	if len(fullOutputShape) != len(patch.InputShape()) {
		return nil, fmt.Errorf("conv_gemm: output rank %d does not match input rank %d",
			len(fullOutputShape), len(patch.InputShape()))
	}
	if err := fullOutputShape.Validate(); err != nil {
		return nil, fmt.Errorf("conv_gemm: invalid output shape: %w", err)
	}
	if got := fullOutputShape[patch.NAxis()]; got != patch.BatchCount() {
		return nil, fmt.Errorf("conv_gemm: output batch %d does not match patch batch %d", got, patch.BatchCount())
	}
	ndim := len(fullOutputShape)
	outSpatial := patch.OutSpatial()
	if fullOutputShape[patch.Format().HAxis(ndim)] != outSpatial[0] ||
		fullOutputShape[patch.Format().WAxis(ndim)] != outSpatial[1] {
		return nil, fmt.Errorf("conv_gemm: output spatial dims of %v do not match patch %v", fullOutputShape, outSpatial)
	}

	co := fullOutputShape[patch.CAxis()]
	if co%group != 0 {
		return nil, fmt.Errorf("conv_gemm: output channels %d not divisible by group %d", co, group)
	}
	if co/group != m {
		return nil, fmt.Errorf("conv_gemm: m=%d but output channels per group is %d/%d=%d", m, co, group, co/group)
	}

	ci := patch.InChannels()
	if ci%group != 0 {
		return nil, fmt.Errorf("conv_gemm: input channels %d not divisible by group %d", ci, group)
	}
	if want := (ci / group) * patch.KernelSpatialSize(); k != want {
		return nil, fmt.Errorf("conv_gemm: k=%d but per-group input depth times kernel extent is %d", k, want)
	}
	if want := patch.OutSpatialSize(); n != want {
		return nil, fmt.Errorf("conv_gemm: n=%d but output spatial extent is %d", n, want)
	}

	kShape := kernel.Shape()
	if len(kShape) != 2 {
		return nil, fmt.Errorf("conv_gemm: kernel must be 2D, got %dD", len(kShape))
	}
	if kShape[0] != group*m || kShape[1] != k {
		return nil, fmt.Errorf("conv_gemm: kernel shape %v does not match [%d, %d]", kShape, group*m, k)
	}
	// Tiles address the kernel by flat row ranges.
	if !kernel.IsContiguous() {
		return nil, fmt.Errorf("conv_gemm: kernel matrix must be contiguous")
	}

	if bias != nil {
		if !bias.IsContiguous() {
			return nil, fmt.Errorf("conv_gemm: bias must be contiguous")
		}
		if bias.DType() != kernel.DType() {
			return nil, fmt.Errorf("conv_gemm: bias dtype %s does not match kernel dtype %s", bias.DType(), kernel.DType())
		}
		bcast, _, err := tensor.BroadcastShapes(bias.Shape(), fullOutputShape)
		if err != nil {
			return nil, fmt.Errorf("conv_gemm: bias not broadcastable onto output: %w", err)
		}
		if !bcast.Equal(fullOutputShape) {
			return nil, fmt.Errorf("conv_gemm: bias shape %v broadcasts to %v, not output shape %v",
				bias.Shape(), bcast, fullOutputShape)
		}
	}

	op := &ConvGemm{
		patch:           patch,
		fullOutputShape: fullOutputShape.Clone(),
		m:               m,
		k:               k,
		n:               n,
		kernelFmt:       kernelFmt,
		kernel:          kernel,
		bias:            bias,
		group:           group,
	}
	for _, o := range opts {
		o(op)
	}
	return op, nil
}

// M returns the per-tile GEMM row count (output channels per group).
func (op *ConvGemm) M() int { return op.m }

// K returns the per-tile GEMM depth.
func (op *ConvGemm) K() int { return op.k }

// N returns the per-tile GEMM column count (output spatial extent).
func (op *ConvGemm) N() int { return op.n }

// Group returns the group count.
func (op *ConvGemm) Group() int { return op.group }

// OutputShape returns the full output shape.
func (op *ConvGemm) OutputShape() tensor.Shape { return op.fullOutputShape }

// Eval multiplies each batch×group tile of the mega-matrix against the
// corresponding kernel row range and scatters the results into a freshly
// allocated output tensor, then adds the bias once. The mega-matrix must
// have n*group*batch columns (tiles ordered batch-major, group-minor as
// produced by Im2col) and at least k rows; extra rows are ignored.
func (op *ConvGemm) Eval(mega *tensor.RawTensor) (*tensor.RawTensor, error) {
	if mega == nil {
		return nil, fmt.Errorf("conv_gemm: nil mega-matrix")
	}
	mShape := mega.Shape()
	if len(mShape) != 2 {
		return nil, fmt.Errorf("conv_gemm: mega-matrix must be 2D, got %dD", len(mShape))
	}
	if mega.DType() != op.kernel.DType() {
		return nil, fmt.Errorf("conv_gemm: mega-matrix dtype %s does not match kernel dtype %s",
			mega.DType(), op.kernel.DType())
	}
	wantCols := op.n * op.group * op.patch.BatchCount()
	if mShape[1] != wantCols {
		return nil, fmt.Errorf("conv_gemm: mega-matrix has %d columns, want n*group*batch=%d", mShape[1], wantCols)
	}
	if mShape[0] < op.k {
		return nil, fmt.Errorf("conv_gemm: mega-matrix has %d rows, want at least k=%d", mShape[0], op.k)
	}

	output, err := tensor.NewRaw(op.fullOutputShape, op.kernel.DType())
	if err != nil {
		return nil, fmt.Errorf("conv_gemm: %w", err)
	}

	switch op.kernel.DType() {
	case tensor.Float32:
		err = evalTiles[float32](op, mega, output)
	case tensor.Float64:
		err = evalTiles[float64](op, mega, output)
	case tensor.Int32:
		err = evalTiles[int32](op, mega, output)
	case tensor.Int64:
		err = evalTiles[int64](op, mega, output)
	default:
		err = fmt.Errorf("conv_gemm: unsupported dtype %s", op.kernel.DType())
	}
	if err != nil {
		return nil, err
	}

	return output, nil
}

// evalTiles runs the batch-outer, group-inner tile loop. In the default
// single-threaded mode one scratch panel is reused across every tile; in
// parallel mode each worker chunk allocates its own, since the panel is
// the only state a tile mutates besides its disjoint output region.
func evalTiles[T tensor.Numeric](op *ConvGemm, mega, output *tensor.RawTensor) error {
	tiles := op.patch.BatchCount() * op.group

	run := func(start, end int) error {
		panel := make([]T, op.m*op.n) // Scratch panel, fully overwritten per tile
		for t := start; t < end; t++ {
			if err := convTile[T](op, mega, output, panel, t); err != nil {
				return err
			}
		}
		return nil
	}

	if op.par.Enabled && tiles > 1 {
		var mu sync.Mutex
		var firstErr error
		parallel.ForChunks(tiles, func(start, end int) {
			if err := run(start, end); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}, op.par)
		if firstErr != nil {
			return firstErr
		}
	} else if err := run(0, tiles); err != nil {
		return err
	}

	// Bias is added exactly once, after every tile has been written, so
	// its cost is O(output size) rather than O(output size * group).
	if op.bias != nil {
		addBias[T](output, op.bias)
	}
	return nil
}

// convTile multiplies one (batch, group) tile into the scratch panel and
// scatters the panel into the output region the tile owns. Tile index t
// decomposes as t = i*group + g, preserving the batch-outer ordering
// that the mega-matrix producer committed to.
func convTile[T tensor.Numeric](op *ConvGemm, mega, output *tensor.RawTensor, panel []T, t int) error {
	i := t / op.group
	g := t % op.group

	mmOffset := op.n * (g + i*op.group)
	b, err := mega.SliceAxis(1, mmOffset, mmOffset+op.n)
	if err != nil {
		return fmt.Errorf("conv_gemm: mega-matrix slice: %w", err)
	}

	// A is the kernel's row range for this group; the kernel matrix is
	// contiguous so the range is a plain sub-slice.
	kernelData := tensor.Data[T](op.kernel)
	a := kernelData[g*op.m*op.k:]

	bData := tensor.Data[T](b)
	linalg.Gemm(op.m, op.k, op.n,
		a, op.k, 1,
		bData, b.Strides()[0], b.Strides()[1],
		panel, op.n, 1)

	view, err := output.SliceAxis(op.patch.NAxis(), i, i+1)
	if err != nil {
		return fmt.Errorf("conv_gemm: output batch slice: %w", err)
	}
	view, err = view.SliceAxis(op.patch.CAxis(), g*op.m, (g+1)*op.m)
	if err != nil {
		return fmt.Errorf("conv_gemm: output channel slice: %w", err)
	}
	if view.NumElements() != len(panel) {
		return fmt.Errorf("conv_gemm: output region %v does not hold %d panel elements", view.Shape(), len(panel))
	}

	scatterPanel(op.patch.Format(), view, panel, op.m, op.n)
	return nil
}

// scatterPanel reconciles the panel's row-major (channel, position)
// layout with the destination view's data format.
//
// Channel-first: the view's logical order is already (channel, position),
// and the sliced channel range is contiguous in memory, so the panel
// copies straight in. Channel-last: the destination runs
// position-then-channel, the transpose of the panel, so the copy walks
// the panel column-major. A plain reshape would be wrong there.
func scatterPanel[T tensor.Numeric](format DataFormat, view *tensor.RawTensor, panel []T, m, n int) {
	dst := tensor.Data[T](view)
	if format == NCHW {
		copy(dst[:m*n], panel)
		return
	}

	// NHWC: dst index for (position, channel) is position*cStride + channel,
	// where cStride is the full channel count of the output tensor.
	cStride := view.Strides()[2] // W axis stride == total channels
	for pos := 0; pos < n; pos++ {
		row := pos * cStride
		for c := 0; c < m; c++ {
			dst[row+c] = panel[c*n+pos]
		}
	}
}

// addBias adds the bias tensor element-wise onto the output with
// broadcast semantics.
func addBias[T tensor.Numeric](output, bias *tensor.RawTensor) {
	out := tensor.Data[T](output)
	bd := tensor.Data[T](bias)

	outShape := output.Shape()
	outStrides := outShape.ComputeStrides()
	biasStrides := tensor.BroadcastStrides(bias.Shape(), outShape)

	total := output.NumElements()
	for idx := 0; idx < total; idx++ {
		src := 0
		rem := idx
		for d := range outStrides {
			src += (rem / outStrides[d]) * biasStrides[d]
			rem %= outStrides[d]
		}
		out[idx] += bd[src]
	}
}

package conv

import (
	"fmt"

	"github.com/strata-ml/strata/internal/tensor"
)

// Im2col extracts every receptive-field window of the input into the
// flattened mega-matrix consumed by the GEMM core.
//
// The result has shape [k, n*group*batch] where k is the per-group input
// depth times the kernel spatial extent and n the output spatial extent.
// Tiles are ordered batch-major, group-minor: the k×n block for batch i
// and group g starts at column n*(g + i*group). Rows within a tile run
// (channel-within-group, kernel_h, kernel_w), matching the row order of
// a channel-major kernel reshaped to 2-D. Positions outside the input
// bounds contribute zeros.
//
// This ordering is the tie-break contract with ConvGemm.Eval: both sides
// must address tiles identically.
func (p *Patch) Im2col(input *tensor.RawTensor, group int) (*tensor.RawTensor, error) {
	if group < 1 {
		return nil, fmt.Errorf("im2col: invalid group count %d", group)
	}
	if !input.Shape().Equal(p.inputShape) {
		return nil, fmt.Errorf("im2col: input shape %v does not match patch %v", input.Shape(), p.inputShape)
	}
	ci := p.InChannels()
	if ci%group != 0 {
		return nil, fmt.Errorf("im2col: input channels %d not divisible by group %d", ci, group)
	}

	k := (ci / group) * p.KernelSpatialSize()
	cols := p.OutSpatialSize() * group * p.BatchCount()
	mega, err := tensor.NewRaw(tensor.Shape{k, cols}, input.DType())
	if err != nil {
		return nil, fmt.Errorf("im2col: %w", err)
	}

	switch input.DType() {
	case tensor.Float32:
		im2colKernel[float32](p, group, input, mega)
	case tensor.Float64:
		im2colKernel[float64](p, group, input, mega)
	case tensor.Int32:
		im2colKernel[int32](p, group, input, mega)
	case tensor.Int64:
		im2colKernel[int64](p, group, input, mega)
	default:
		return nil, fmt.Errorf("im2col: unsupported dtype %s", input.DType())
	}

	return mega, nil
}

func im2colKernel[T tensor.Numeric](p *Patch, group int, input, mega *tensor.RawTensor) {
	in := tensor.Data[T](input)
	out := tensor.Data[T](mega)

	batch := p.BatchCount()
	ciPerGroup := p.InChannels() / group
	inH, inW := p.InSpatial()[0], p.InSpatial()[1]
	kh, kw := p.kernel[0], p.kernel[1]
	outH, outW := p.outSpatial[0], p.outSpatial[1]
	n := outH * outW
	cols := n * group * batch

	// Element strides of the input in its own layout. Views are
	// addressed through their actual strides, so non-contiguous inputs
	// work too.
	ndim := len(p.inputShape)
	strides := input.Strides()
	sN := strides[p.format.NAxis()]
	sC := strides[p.format.CAxis(ndim)]
	sH := strides[p.format.HAxis(ndim)]
	sW := strides[p.format.WAxis(ndim)]

	for i := 0; i < batch; i++ {
		for g := 0; g < group; g++ {
			colBase := n * (g + i*group)
			row := 0
			for c := 0; c < ciPerGroup; c++ {
				cIn := g*ciPerGroup + c
				for khi := 0; khi < kh; khi++ {
					for kwi := 0; kwi < kw; kwi++ {
						rowBase := row * cols
						for oh := 0; oh < outH; oh++ {
							h := oh*p.stride[0] - p.pad[0] + khi*p.dilation[0]
							for ow := 0; ow < outW; ow++ {
								w := ow*p.stride[1] - p.pad[1] + kwi*p.dilation[1]
								col := colBase + oh*outW + ow
								if h >= 0 && h < inH && w >= 0 && w < inW {
									out[rowBase+col] = in[i*sN+cIn*sC+h*sH+w*sW]
								} else {
									out[rowBase+col] = 0 // Zero padding
								}
							}
						}
						row++
					}
				}
			}
		}
	}
}

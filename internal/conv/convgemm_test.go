package conv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strata-ml/strata/internal/parallel"
	"github.com/strata-ml/strata/internal/tensor"
)

// naiveConv2D is the direct triple-loop reference: NCHW input, OIHW
// weights, grouped, symmetric padding. The GEMM path must reproduce it.
func naiveConv2D(in []float32, batch, ci, h, w int, weight []float32, co, kh, kw int,
	stride, pad [2]int, group int) ([]float32, [2]int) {
	outH := (h+2*pad[0]-kh)/stride[0] + 1
	outW := (w+2*pad[1]-kw)/stride[1] + 1
	ciPerGroup := ci / group
	coPerGroup := co / group

	out := make([]float32, batch*co*outH*outW)
	for n := 0; n < batch; n++ {
		for oc := 0; oc < co; oc++ {
			g := oc / coPerGroup
			for oy := 0; oy < outH; oy++ {
				for ox := 0; ox < outW; ox++ {
					var sum float32
					for c := 0; c < ciPerGroup; c++ {
						ic := g*ciPerGroup + c
						for ky := 0; ky < kh; ky++ {
							for kx := 0; kx < kw; kx++ {
								y := oy*stride[0] - pad[0] + ky
								x := ox*stride[1] - pad[1] + kx
								if y < 0 || y >= h || x < 0 || x >= w {
									continue
								}
								sum += in[((n*ci+ic)*h+y)*w+x] *
									weight[((oc*ciPerGroup+c)*kh+ky)*kw+kx]
							}
						}
					}
					out[((n*co+oc)*outH+oy)*outW+ox] = sum
				}
			}
		}
	}
	return out, [2]int{outH, outW}
}

// buildConvGemm wires a Patch, a reshaped 2-D kernel and a ConvGemm for
// NCHW float32 weights, the way Conv2D does, but exposed for direct
// core-level tests.
func buildConvGemm(t *testing.T, inputShape tensor.Shape, format DataFormat,
	weight *tensor.RawTensor, bias *tensor.RawTensor, stride, pad [2]int,
	group int, opts ...Option) (*Patch, *ConvGemm) {
	t.Helper()

	wShape := weight.Shape()
	co := wShape[0]
	p, err := NewPatch(inputShape, format, [2]int{wShape[2], wShape[3]}, stride, [2]int{1, 1}, pad)
	require.NoError(t, err)

	k := wShape[1] * wShape[2] * wShape[3]
	kernel2d, err := weight.Reshape(tensor.Shape{co, k})
	require.NoError(t, err)

	op, err := NewConvGemm(p, p.OutputShape(co), co/group, k, p.OutSpatialSize(), OIHW, kernel2d, bias, group, opts...)
	require.NoError(t, err)
	return p, op
}

func TestConvGemm_HandComputed(t *testing.T) {
	// Known 4x4 input, all-ones 3x3 kernel, stride 1, no padding.
	//  1  2  3  4
	//  5  6  7  8        window sums:  54  63
	//  9 10 11 12                      90  99
	// 13 14 15 16
	inData := make([]float32, 16)
	for i := range inData {
		inData[i] = float32(i + 1)
	}
	input, err := tensor.FromSlice(inData, tensor.Shape{1, 1, 4, 4})
	require.NoError(t, err)

	wData := make([]float32, 9)
	for i := range wData {
		wData[i] = 1
	}
	weight, err := tensor.FromSlice(wData, tensor.Shape{1, 1, 3, 3})
	require.NoError(t, err)

	p, op := buildConvGemm(t, input.Shape(), NCHW, weight, nil, [2]int{1, 1}, [2]int{0, 0}, 1)

	mega, err := p.Im2col(input, 1)
	require.NoError(t, err)

	out, err := op.Eval(mega)
	require.NoError(t, err)
	require.True(t, out.Shape().Equal(tensor.Shape{1, 1, 2, 2}))
	assert.Equal(t, []float32{54, 63, 90, 99}, tensor.Data[float32](out)[:4])
}

func TestConvGemm_CenterOneKernelExtractsInterior(t *testing.T) {
	// A 3x3 kernel with a single 1 at the center reproduces the input's
	// interior 2x2 region.
	inData := make([]float32, 16)
	for i := range inData {
		inData[i] = float32(i + 1)
	}
	input, err := tensor.FromSlice(inData, tensor.Shape{1, 1, 4, 4})
	require.NoError(t, err)

	wData := make([]float32, 9)
	wData[4] = 1 // center
	weight, err := tensor.FromSlice(wData, tensor.Shape{1, 1, 3, 3})
	require.NoError(t, err)

	p, op := buildConvGemm(t, input.Shape(), NCHW, weight, nil, [2]int{1, 1}, [2]int{0, 0}, 1)

	mega, err := p.Im2col(input, 1)
	require.NoError(t, err)
	out, err := op.Eval(mega)
	require.NoError(t, err)

	// Interior of the 4x4: rows 1-2, cols 1-2.
	assert.Equal(t, []float32{6, 7, 10, 11}, tensor.Data[float32](out)[:4])
}

func TestConvGemm_MatchesNaiveReference(t *testing.T) {
	configs := []struct {
		name          string
		batch, ci, co int
		h, w          int
		kh, kw        int
		stride, pad   [2]int
		group         int
	}{
		{"basic", 1, 2, 3, 5, 5, 3, 3, [2]int{1, 1}, [2]int{0, 0}, 1},
		{"padded", 2, 3, 4, 6, 5, 3, 3, [2]int{1, 1}, [2]int{1, 1}, 1},
		{"strided", 1, 2, 2, 8, 8, 2, 2, [2]int{2, 2}, [2]int{0, 0}, 1},
		{"grouped", 1, 4, 6, 5, 5, 3, 3, [2]int{1, 1}, [2]int{0, 0}, 2},
		{"grouped batched", 3, 4, 4, 6, 6, 3, 3, [2]int{1, 1}, [2]int{1, 1}, 4},
	}

	for _, cfg := range configs {
		t.Run(cfg.name, func(t *testing.T) {
			inData := make([]float32, cfg.batch*cfg.ci*cfg.h*cfg.w)
			for i := range inData {
				inData[i] = float32(i%7) - 3
			}
			wData := make([]float32, cfg.co*(cfg.ci/cfg.group)*cfg.kh*cfg.kw)
			for i := range wData {
				wData[i] = float32(i%5)*0.5 - 1
			}

			input, err := tensor.FromSlice(inData, tensor.Shape{cfg.batch, cfg.ci, cfg.h, cfg.w})
			require.NoError(t, err)
			weight, err := tensor.FromSlice(wData, tensor.Shape{cfg.co, cfg.ci / cfg.group, cfg.kh, cfg.kw})
			require.NoError(t, err)

			p, op := buildConvGemm(t, input.Shape(), NCHW, weight, nil, cfg.stride, cfg.pad, cfg.group)

			mega, err := p.Im2col(input, cfg.group)
			require.NoError(t, err)
			out, err := op.Eval(mega)
			require.NoError(t, err)

			want, _ := naiveConv2D(inData, cfg.batch, cfg.ci, cfg.h, cfg.w,
				wData, cfg.co, cfg.kh, cfg.kw, cfg.stride, cfg.pad, cfg.group)

			got := tensor.Data[float32](out)
			for i := range want {
				assert.InDelta(t, want[i], got[i], 1e-4, "output mismatch at %d", i)
			}
		})
	}
}

func TestConvGemm_GroupIsolation(t *testing.T) {
	// Changing input values and kernel rows outside group g must not
	// change group g's output partition.
	const (
		batch, ci, co, h, w = 1, 4, 4, 4, 4
		group               = 2
	)
	inData := make([]float32, batch*ci*h*w)
	for i := range inData {
		inData[i] = float32(i % 9)
	}
	wData := make([]float32, co*(ci/group)*9)
	for i := range wData {
		wData[i] = float32(i%4) - 1
	}

	run := func(in, wt []float32) []float32 {
		input, err := tensor.FromSlice(in, tensor.Shape{batch, ci, h, w})
		require.NoError(t, err)
		weight, err := tensor.FromSlice(wt, tensor.Shape{co, ci / group, 3, 3})
		require.NoError(t, err)
		p, op := buildConvGemm(t, input.Shape(), NCHW, weight, nil, [2]int{1, 1}, [2]int{0, 0}, group)
		mega, err := p.Im2col(input, group)
		require.NoError(t, err)
		out, err := op.Eval(mega)
		require.NoError(t, err)
		return append([]float32(nil), tensor.Data[float32](out)[:out.NumElements()]...)
	}

	base := run(inData, wData)

	// Perturb group 1's input channels and kernel rows.
	inMut := append([]float32(nil), inData...)
	for i := (ci / group) * h * w; i < len(inMut); i++ {
		inMut[i] += 100
	}
	wMut := append([]float32(nil), wData...)
	for i := len(wMut) / 2; i < len(wMut); i++ {
		wMut[i] -= 50
	}
	mut := run(inMut, wMut)

	// Group 0's output partition (channels [0, co/group)) is untouched.
	outSpatial := 2 * 2 // 4x4 input, 3x3 kernel
	g0 := (co / group) * outSpatial
	assert.Equal(t, base[:g0], mut[:g0], "group 0 output changed with group 1 inputs")

	// Sanity: group 1 did change.
	assert.NotEqual(t, base[g0:], mut[g0:], "perturbation had no effect at all")
}

func TestConvGemm_BatchIsolation(t *testing.T) {
	const (
		batch, ci, co, h, w = 2, 2, 3, 4, 4
	)
	inData := make([]float32, batch*ci*h*w)
	for i := range inData {
		inData[i] = float32(i%11) * 0.25
	}
	wData := make([]float32, co*ci*4)
	for i := range wData {
		wData[i] = float32(i%3) - 1
	}

	run := func(in []float32) []float32 {
		input, err := tensor.FromSlice(in, tensor.Shape{batch, ci, h, w})
		require.NoError(t, err)
		weight, err := tensor.FromSlice(wData, tensor.Shape{co, ci, 2, 2})
		require.NoError(t, err)
		p, op := buildConvGemm(t, input.Shape(), NCHW, weight, nil, [2]int{1, 1}, [2]int{0, 0}, 1)
		mega, err := p.Im2col(input, 1)
		require.NoError(t, err)
		out, err := op.Eval(mega)
		require.NoError(t, err)
		return append([]float32(nil), tensor.Data[float32](out)[:out.NumElements()]...)
	}

	base := run(inData)

	inMut := append([]float32(nil), inData...)
	for i := ci * h * w; i < len(inMut); i++ { // batch 1 only
		inMut[i] = -inMut[i] + 7
	}
	mut := run(inMut)

	perBatch := co * 3 * 3 // 4x4 input, 2x2 kernel -> 3x3 out
	assert.Equal(t, base[:perBatch], mut[:perBatch], "batch 0 output changed with batch 1 inputs")
	assert.NotEqual(t, base[perBatch:], mut[perBatch:])
}

func TestConvGemm_LayoutEquivalence(t *testing.T) {
	// The same logical convolution evaluated channel-first and
	// channel-last must agree element for element after reordering —
	// bit-for-bit, since both paths multiply identical tiles.
	const (
		batch, ci, co, h, w = 2, 3, 4, 5, 5
	)
	wData := make([]float32, co*ci*9)
	for i := range wData {
		wData[i] = float32(i%6)*0.125 - 0.25
	}
	val := func(n, c, y, x int) float32 {
		return float32(n)*2.5 + float32(c)*1.25 - float32(y)*0.5 + float32(x)*0.75
	}

	nchw := make([]float32, batch*ci*h*w)
	nhwc := make([]float32, batch*ci*h*w)
	for n := 0; n < batch; n++ {
		for c := 0; c < ci; c++ {
			for y := 0; y < h; y++ {
				for x := 0; x < w; x++ {
					nchw[((n*ci+c)*h+y)*w+x] = val(n, c, y, x)
					nhwc[((n*h+y)*w+x)*ci+c] = val(n, c, y, x)
				}
			}
		}
	}

	run := func(in []float32, shape tensor.Shape, format DataFormat) *tensor.RawTensor {
		input, err := tensor.FromSlice(in, shape)
		require.NoError(t, err)
		weight, err := tensor.FromSlice(wData, tensor.Shape{co, ci, 3, 3})
		require.NoError(t, err)
		p, op := buildConvGemm(t, input.Shape(), format, weight, nil, [2]int{1, 1}, [2]int{0, 0}, 1)
		mega, err := p.Im2col(input, 1)
		require.NoError(t, err)
		out, err := op.Eval(mega)
		require.NoError(t, err)
		return out
	}

	outCF := run(nchw, tensor.Shape{batch, ci, h, w}, NCHW)
	outCL := run(nhwc, tensor.Shape{batch, h, w, ci}, NHWC)

	require.True(t, outCF.Shape().Equal(tensor.Shape{batch, co, 3, 3}))
	require.True(t, outCL.Shape().Equal(tensor.Shape{batch, 3, 3, co}))

	for n := 0; n < batch; n++ {
		for c := 0; c < co; c++ {
			for y := 0; y < 3; y++ {
				for x := 0; x < 3; x++ {
					cf := tensor.At[float32](outCF, n, c, y, x)
					cl := tensor.At[float32](outCL, n, y, x, c)
					assert.Equal(t, cf, cl, "mismatch at n=%d c=%d y=%d x=%d", n, c, y, x)
				}
			}
		}
	}
}

func TestConvGemm_Bias(t *testing.T) {
	const (
		batch, ci, co, h, w = 1, 2, 3, 4, 4
	)
	inData := make([]float32, batch*ci*h*w)
	for i := range inData {
		inData[i] = float32(i%8) * 0.5
	}
	wData := make([]float32, co*ci*4)
	for i := range wData {
		wData[i] = float32(i%5) - 2
	}

	run := func(bias *tensor.RawTensor) []float32 {
		input, err := tensor.FromSlice(inData, tensor.Shape{batch, ci, h, w})
		require.NoError(t, err)
		weight, err := tensor.FromSlice(wData, tensor.Shape{co, ci, 2, 2})
		require.NoError(t, err)
		p, op := buildConvGemm(t, input.Shape(), NCHW, weight, bias, [2]int{1, 1}, [2]int{0, 0}, 1)
		mega, err := p.Im2col(input, 1)
		require.NoError(t, err)
		out, err := op.Eval(mega)
		require.NoError(t, err)
		return append([]float32(nil), tensor.Data[float32](out)[:out.NumElements()]...)
	}

	noBias := run(nil)

	// Zero bias leaves the output bit-identical.
	zeroBias, err := tensor.NewRaw(tensor.Shape{co, 1, 1}, tensor.Float32)
	require.NoError(t, err)
	assert.Equal(t, noBias, run(zeroBias))

	// Adding bias then subtracting it reproduces the no-bias output.
	bias, err := tensor.FromSlice([]float32{1.5, -2.25, 3}, tensor.Shape{co, 1, 1})
	require.NoError(t, err)
	withBias := run(bias)

	outSpatial := 3 * 3
	biasData := tensor.Data[float32](bias)
	for i := range withBias {
		c := (i / outSpatial) % co
		assert.InDelta(t, noBias[i], withBias[i]-biasData[c], 1e-6, "bias round trip at %d", i)
	}
}

func TestConvGemm_ParallelMatchesSerial(t *testing.T) {
	const (
		batch, ci, co, h, w = 4, 4, 8, 8, 8
		group               = 2
	)
	inData := make([]float32, batch*ci*h*w)
	for i := range inData {
		inData[i] = float32(i%13)*0.3 - 1
	}
	wData := make([]float32, co*(ci/group)*9)
	for i := range wData {
		wData[i] = float32(i%7)*0.2 - 0.5
	}

	input, err := tensor.FromSlice(inData, tensor.Shape{batch, ci, h, w})
	require.NoError(t, err)
	weight, err := tensor.FromSlice(wData, tensor.Shape{co, ci / group, 3, 3})
	require.NoError(t, err)

	pSerial, serial := buildConvGemm(t, input.Shape(), NCHW, weight, nil, [2]int{1, 1}, [2]int{1, 1}, group)
	_, par := buildConvGemm(t, input.Shape(), NCHW, weight, nil, [2]int{1, 1}, [2]int{1, 1}, group,
		WithParallel(parallel.Config{Enabled: true, NumWorkers: 4, MinChunkSize: 1}))

	mega, err := pSerial.Im2col(input, group)
	require.NoError(t, err)

	outSerial, err := serial.Eval(mega)
	require.NoError(t, err)
	outPar, err := par.Eval(mega)
	require.NoError(t, err)

	// Tiles write disjoint regions, so parallel execution is bit-exact.
	assert.Equal(t,
		tensor.Data[float32](outSerial)[:outSerial.NumElements()],
		tensor.Data[float32](outPar)[:outPar.NumElements()])
}

func TestConvGemm_Int32Exact(t *testing.T) {
	input, err := tensor.FromSlice([]int32{
		1, 2, 3,
		4, 5, 6,
		7, 8, 9,
	}, tensor.Shape{1, 1, 3, 3})
	require.NoError(t, err)

	weight, err := tensor.FromSlice([]int32{1, 0, 0, 1}, tensor.Shape{1, 1, 2, 2})
	require.NoError(t, err)

	p, op := buildConvGemm(t, input.Shape(), NCHW, weight, nil, [2]int{1, 1}, [2]int{0, 0}, 1)

	mega, err := p.Im2col(input, 1)
	require.NoError(t, err)
	out, err := op.Eval(mega)
	require.NoError(t, err)

	// Diagonal sums, exactly.
	assert.Equal(t, []int32{6, 8, 12, 14}, tensor.Data[int32](out)[:4])
}

func TestConvGemm_ExtraMegaRowsIgnored(t *testing.T) {
	input, err := tensor.FromSlice([]float32{1, 2, 3, 4, 5, 6, 7, 8, 9}, tensor.Shape{1, 1, 3, 3})
	require.NoError(t, err)
	weight, err := tensor.FromSlice([]float32{1, 2, 3, 4}, tensor.Shape{1, 1, 2, 2})
	require.NoError(t, err)

	p, op := buildConvGemm(t, input.Shape(), NCHW, weight, nil, [2]int{1, 1}, [2]int{0, 0}, 1)

	mega, err := p.Im2col(input, 1)
	require.NoError(t, err)
	k, cols := mega.Shape()[0], mega.Shape()[1]

	// Embed the mega-matrix in a taller one; extra rows carry garbage
	// that must never be read.
	tall, err := tensor.NewRaw(tensor.Shape{k + 2, cols}, tensor.Float32)
	require.NoError(t, err)
	copy(tensor.Data[float32](tall), tensor.Data[float32](mega)[:k*cols])
	junk := tensor.Data[float32](tall)[k*cols:]
	for i := range junk {
		junk[i] = 1e30
	}

	outExact, err := op.Eval(mega)
	require.NoError(t, err)
	outTall, err := op.Eval(tall)
	require.NoError(t, err)

	assert.Equal(t,
		tensor.Data[float32](outExact)[:outExact.NumElements()],
		tensor.Data[float32](outTall)[:outTall.NumElements()])
}

func TestConvGemm_ShapeContractViolations(t *testing.T) {
	p, err := NewPatch(tensor.Shape{1, 2, 4, 4}, NCHW, [2]int{3, 3}, [2]int{1, 1}, [2]int{1, 1}, [2]int{0, 0})
	require.NoError(t, err)

	kernel, err := tensor.NewRaw(tensor.Shape{4, 18}, tensor.Float32)
	require.NoError(t, err)
	outShape := tensor.Shape{1, 4, 2, 2}
	m, k, n := 4, 18, 4

	// Well-formed baseline.
	_, err = NewConvGemm(p, outShape, m, k, n, OIHW, kernel, nil, 1)
	require.NoError(t, err)

	// m*group inconsistent with output channels.
	_, err = NewConvGemm(p, outShape, m, k, n, OIHW, kernel, nil, 2)
	assert.Error(t, err, "m times group exceeds output channels")

	_, err = NewConvGemm(p, tensor.Shape{1, 6, 2, 2}, m, k, n, OIHW, kernel, nil, 2)
	assert.Error(t, err, "co per group != m")

	// Kernel matrix shape disagreeing with (group*m, k).
	badKernel, err := tensor.NewRaw(tensor.Shape{4, 17}, tensor.Float32)
	require.NoError(t, err)
	_, err = NewConvGemm(p, outShape, m, k, n, OIHW, badKernel, nil, 1)
	assert.Error(t, err, "kernel k mismatch")

	// Declared k inconsistent with patch geometry.
	_, err = NewConvGemm(p, outShape, m, 17, n, OIHW, badKernel, nil, 1)
	assert.Error(t, err, "declared k mismatch")

	// Declared n inconsistent with output spatial extent.
	_, err = NewConvGemm(p, outShape, m, k, 5, OIHW, kernel, nil, 1)
	assert.Error(t, err, "declared n mismatch")

	// Spatial-major kernels are not accepted by the GEMM core.
	_, err = NewConvGemm(p, outShape, m, k, n, HWIO, kernel, nil, 1)
	assert.Error(t, err, "HWIO rejected")

	// Bias that cannot broadcast onto the output.
	badBias, err := tensor.NewRaw(tensor.Shape{3}, tensor.Float32)
	require.NoError(t, err)
	_, err = NewConvGemm(p, outShape, m, k, n, OIHW, kernel, badBias, 1)
	assert.Error(t, err, "non-broadcastable bias")

	// Bias dtype mismatch.
	f64Bias, err := tensor.NewRaw(tensor.Shape{4, 1, 1}, tensor.Float64)
	require.NoError(t, err)
	_, err = NewConvGemm(p, outShape, m, k, n, OIHW, kernel, f64Bias, 1)
	assert.Error(t, err, "bias dtype mismatch")
}

func TestConvGemm_EvalRejections(t *testing.T) {
	p, err := NewPatch(tensor.Shape{1, 2, 4, 4}, NCHW, [2]int{3, 3}, [2]int{1, 1}, [2]int{1, 1}, [2]int{0, 0})
	require.NoError(t, err)
	kernel, err := tensor.NewRaw(tensor.Shape{4, 18}, tensor.Float32)
	require.NoError(t, err)
	op, err := NewConvGemm(p, tensor.Shape{1, 4, 2, 2}, 4, 18, 4, OIHW, kernel, nil, 1)
	require.NoError(t, err)

	// Wrong column count.
	narrow, err := tensor.NewRaw(tensor.Shape{18, 3}, tensor.Float32)
	require.NoError(t, err)
	_, err = op.Eval(narrow)
	assert.Error(t, err, "wrong column count")

	// Too few rows.
	short, err := tensor.NewRaw(tensor.Shape{17, 4}, tensor.Float32)
	require.NoError(t, err)
	_, err = op.Eval(short)
	assert.Error(t, err, "too few rows")

	// Dtype mismatch.
	f64, err := tensor.NewRaw(tensor.Shape{18, 4}, tensor.Float64)
	require.NoError(t, err)
	_, err = op.Eval(f64)
	assert.Error(t, err, "dtype mismatch")

	// Not 2-D.
	cube, err := tensor.NewRaw(tensor.Shape{18, 4, 1}, tensor.Float32)
	require.NoError(t, err)
	_, err = op.Eval(cube)
	assert.Error(t, err, "3D mega-matrix")
}

// Package linalg is the narrow boundary to the dense matrix-multiply
// primitive. Callers describe operands by base slice, row stride and
// column stride; the callee must not read or write outside the bounds
// implied by (m, k, n) and those strides.
package linalg

import (
	"gonum.org/v1/gonum/blas"
	blasgonum "gonum.org/v1/gonum/blas/gonum"
)

// Elem is the element-type constraint for the multiply primitive.
type Elem interface {
	~float32 | ~float64 | ~int32 | ~int64
}

// Gemm computes C = A × B for an (m, k) matrix A and a (k, n) matrix B
// into the (m, n) matrix C, fully overwriting C.
//
// Each operand is described by its base slice plus explicit row and
// column strides, so non-contiguous views (a row range of a kernel
// matrix, a column range of a mega-matrix) can be multiplied in place.
// For float32 and float64 with unit column strides the multiply is
// delegated to gonum's BLAS implementation; other cases fall back to a
// strided reference kernel.
func Gemm[T Elem](
	m, k, n int,
	a []T, rsA, csA int,
	b []T, rsB, csB int,
	c []T, rsC, csC int,
) {
	if csA == 1 && csB == 1 && csC == 1 {
		switch av := any(a).(type) {
		case []float32:
			impl := blasgonum.Implementation{}
			impl.Sgemm(blas.NoTrans, blas.NoTrans, m, n, k,
				1, av, rsA, any(b).([]float32), rsB,
				0, any(c).([]float32), rsC)
			return
		case []float64:
			impl := blasgonum.Implementation{}
			impl.Dgemm(blas.NoTrans, blas.NoTrans, m, n, k,
				1, av, rsA, any(b).([]float64), rsB,
				0, any(c).([]float64), rsC)
			return
		}
	}

	gemmStrided(m, k, n, a, rsA, csA, b, rsB, csB, c, rsC, csC)
}

// gemmStrided is the reference kernel: correct for any strides and any
// supported element type, O(m*k*n).
func gemmStrided[T Elem](
	m, k, n int,
	a []T, rsA, csA int,
	b []T, rsB, csB int,
	c []T, rsC, csC int,
) {
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			var sum T
			for p := 0; p < k; p++ {
				sum += a[i*rsA+p*csA] * b[p*rsB+j*csB]
			}
			c[i*rsC+j*csC] = sum
		}
	}
}

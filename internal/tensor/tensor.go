// Package tensor holds the small dense tensor type passed between wrapper
// programs, graph runtimes and the video pipeline.
package tensor

import (
	"errors"
	"fmt"
	"math"
	"slices"
)

// DType is the element type of a Tensor.
type DType uint8

const (
	Float32 DType = 1
	Int64   DType = 2
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "float32"
	case Int64:
		return "int64"
	default:
		return fmt.Sprintf("dtype(%d)", d)
	}
}

// Dynamic marks a dimension whose size is only known at run time.
const Dynamic int64 = -1

var ErrShape = errors.New("tensor shape mismatch")

// Tensor is a row-major dense tensor. Exactly one of F32 and I64 is used,
// selected by DType.
type Tensor struct {
	DType DType
	Shape []int64
	F32   []float32
	I64   []int64
}

// NumElements returns the product of shape.
func NumElements(shape []int64) int {
	n := 1
	for _, d := range shape {
		n *= int(d)
	}
	return n
}

// NewFloat32 wraps data with the given shape.
func NewFloat32(shape []int64, data []float32) (*Tensor, error) {
	if NumElements(shape) != len(data) {
		return nil, fmt.Errorf("%w: shape %v holds %d elements, got %d", ErrShape, shape, NumElements(shape), len(data))
	}
	return &Tensor{DType: Float32, Shape: slices.Clone(shape), F32: data}, nil
}

// NewInt64 wraps data with the given shape.
func NewInt64(shape []int64, data []int64) (*Tensor, error) {
	if NumElements(shape) != len(data) {
		return nil, fmt.Errorf("%w: shape %v holds %d elements, got %d", ErrShape, shape, NumElements(shape), len(data))
	}
	return &Tensor{DType: Int64, Shape: slices.Clone(shape), I64: data}, nil
}

// Scalar returns a 0-d int64 tensor.
func Scalar(v int64) *Tensor {
	return &Tensor{DType: Int64, Shape: []int64{}, I64: []int64{v}}
}

// Len is the number of elements held.
func (t *Tensor) Len() int {
	if t.DType == Float32 {
		return len(t.F32)
	}
	return len(t.I64)
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		DType: t.DType,
		Shape: slices.Clone(t.Shape),
		F32:   slices.Clone(t.F32),
		I64:   slices.Clone(t.I64),
	}
}

// Row returns a copy of row i of a 2-D float tensor.
func (t *Tensor) Row(i int) ([]float32, error) {
	if t.DType != Float32 || len(t.Shape) != 2 {
		return nil, fmt.Errorf("%w: Row needs a 2-D float32 tensor, got %s%v", ErrShape, t.DType, t.Shape)
	}
	if i < 0 || int64(i) >= t.Shape[0] {
		return nil, fmt.Errorf("row %d out of range [0,%d)", i, t.Shape[0])
	}
	w := int(t.Shape[1])
	return slices.Clone(t.F32[i*w : (i+1)*w]), nil
}

// ShapeMatches reports whether shape satisfies pattern, where Dynamic in
// pattern matches any size.
func ShapeMatches(pattern, shape []int64) bool {
	if len(pattern) != len(shape) {
		return false
	}
	for i, d := range pattern {
		if d != Dynamic && d != shape[i] {
			return false
		}
	}
	return true
}

// MaxAbsDiff returns the largest element-wise difference between two tensors
// of the same dtype and shape.
func MaxAbsDiff(a, b *Tensor) (float64, error) {
	if a.DType != b.DType || !slices.Equal(a.Shape, b.Shape) {
		return 0, fmt.Errorf("%w: %s%v vs %s%v", ErrShape, a.DType, a.Shape, b.DType, b.Shape)
	}
	var maxDiff float64
	switch a.DType {
	case Float32:
		for i := range a.F32 {
			maxDiff = math.Max(maxDiff, math.Abs(float64(a.F32[i])-float64(b.F32[i])))
		}
	case Int64:
		for i := range a.I64 {
			maxDiff = math.Max(maxDiff, math.Abs(float64(a.I64[i]-b.I64[i])))
		}
	}
	return maxDiff, nil
}

func (t *Tensor) String() string {
	return fmt.Sprintf("%s%v", t.DType, t.Shape)
}

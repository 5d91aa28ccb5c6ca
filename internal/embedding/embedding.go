// Package embedding implements the vector arithmetic shared by the wrapper
// runtime, validators, retrieval and the video pipeline.
package embedding

import (
	"errors"
	"fmt"
	"math"

	"github.com/kennethnrk/edgeclip/internal/common/constants"
)

var ErrEmpty = errors.New("empty vector")

// DimensionMismatchError is returned when two vectors that must share a
// dimensionality do not.
type DimensionMismatchError struct {
	Expected int
	Actual   int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// SumSquares accumulates in float64 to keep 512-wide sums stable.
func SumSquares(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return s
}

// Norm returns the Euclidean norm of v.
func Norm(v []float32) float64 {
	return math.Sqrt(SumSquares(v))
}

// Normalize scales v in place by 1/sqrt(sum(v^2) + NormEpsilon). A zero
// vector stays zero instead of producing NaNs.
func Normalize(v []float32) {
	inv := 1 / math.Sqrt(SumSquares(v)+constants.NormEpsilon)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
}

// Normalized returns a normalized copy of v.
func Normalized(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	Normalize(out)
	return out
}

// Dot returns the inner product of equal-length vectors.
func Dot(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, &DimensionMismatchError{Expected: len(a), Actual: len(b)}
	}
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s, nil
}

// Cosine returns the cosine similarity of a and b. Dimension mismatch is an
// error, never a truncation.
func Cosine(a, b []float32) (float64, error) {
	dot, err := Dot(a, b)
	if err != nil {
		return 0, err
	}
	return dot / (math.Sqrt(SumSquares(a)+constants.NormEpsilon) * math.Sqrt(SumSquares(b)+constants.NormEpsilon)), nil
}

// Mean averages vectors element-wise.
func Mean(vs [][]float32) ([]float32, error) {
	if len(vs) == 0 {
		return nil, ErrEmpty
	}
	dim := len(vs[0])
	acc := make([]float64, dim)
	for _, v := range vs {
		if len(v) != dim {
			return nil, &DimensionMismatchError{Expected: dim, Actual: len(v)}
		}
		for i, x := range v {
			acc[i] += float64(x)
		}
	}
	out := make([]float32, dim)
	for i := range acc {
		out[i] = float32(acc[i] / float64(len(vs)))
	}
	return out, nil
}

// Stats summarizes a vector for validation reports.
type Stats struct {
	Count      int     `json:"count"`
	Norm       float64 `json:"norm"`
	Min        float32 `json:"min"`
	Max        float32 `json:"max"`
	Mean       float64 `json:"mean"`
	Normalized bool    `json:"normalized"`
}

// Describe computes Stats for v.
func Describe(v []float32) (Stats, error) {
	if len(v) == 0 {
		return Stats{}, ErrEmpty
	}
	st := Stats{Count: len(v), Min: v[0], Max: v[0]}
	var sum float64
	for _, x := range v {
		st.Min = min(st.Min, x)
		st.Max = max(st.Max, x)
		sum += float64(x)
	}
	st.Mean = sum / float64(len(v))
	st.Norm = Norm(v)
	st.Normalized = math.Abs(st.Norm-1) <= constants.NormalizedTolerance
	return st, nil
}

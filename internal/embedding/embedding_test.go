package embedding

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeYieldsUnitNorm(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	for trial := 0; trial < 50; trial++ {
		v := make([]float32, 512)
		for i := range v {
			v[i] = float32(r.NormFloat64() * 3)
		}
		Normalize(v)
		assert.InDelta(t, 1.0, Norm(v), 1e-5)
	}
}

func TestNormalizeZeroVectorStaysFinite(t *testing.T) {
	v := make([]float32, 8)
	Normalize(v)
	for _, x := range v {
		assert.False(t, math.IsNaN(float64(x)))
		assert.Equal(t, float32(0), x)
	}
}

func TestCosineRejectsMismatch(t *testing.T) {
	_, err := Cosine([]float32{1, 0}, []float32{1, 0, 0})
	require.Error(t, err)
	var dm *DimensionMismatchError
	require.True(t, errors.As(err, &dm))
	assert.Equal(t, 2, dm.Expected)
	assert.Equal(t, 3, dm.Actual)
}

func TestCosine(t *testing.T) {
	c, err := Cosine([]float32{1, 0}, []float32{0.7071, 0.7071})
	require.NoError(t, err)
	assert.InDelta(t, 0.7071, c, 1e-3)
}

func TestMean(t *testing.T) {
	m, err := Mean([][]float32{{1, 0}, {0, 1}})
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.5}, m)

	_, err = Mean(nil)
	assert.ErrorIs(t, err, ErrEmpty)

	_, err = Mean([][]float32{{1, 0}, {1}})
	assert.Error(t, err)
}

func TestDescribe(t *testing.T) {
	st, err := Describe([]float32{0.6, -0.8, 0})
	require.NoError(t, err)
	assert.Equal(t, 3, st.Count)
	assert.InDelta(t, 1.0, st.Norm, 1e-6)
	assert.Equal(t, float32(-0.8), st.Min)
	assert.Equal(t, float32(0.6), st.Max)
	assert.InDelta(t, -0.0666666, st.Mean, 1e-6)
	assert.True(t, st.Normalized)

	st, err = Describe([]float32{2, 0})
	require.NoError(t, err)
	assert.False(t, st.Normalized)
}

package tensor

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFloat32RejectsWrongLength(t *testing.T) {
	_, err := NewFloat32([]int64{2, 3}, make([]float32, 5))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrShape))
}

func TestShapeMatches(t *testing.T) {
	assert.True(t, ShapeMatches([]int64{Dynamic, 3, 224, 224}, []int64{1, 3, 224, 224}))
	assert.True(t, ShapeMatches([]int64{1, 77}, []int64{1, 77}))
	assert.False(t, ShapeMatches([]int64{1, 77}, []int64{1, 76}))
	assert.False(t, ShapeMatches([]int64{1, 77}, []int64{1, 77, 1}))
}

func TestRowCopies(t *testing.T) {
	x, err := NewFloat32([]int64{2, 2}, []float32{1, 2, 3, 4})
	require.NoError(t, err)

	row, err := x.Row(1)
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 4}, row)

	row[0] = 99
	assert.Equal(t, float32(3), x.F32[2])

	_, err = x.Row(2)
	assert.Error(t, err)
}

func TestMaxAbsDiff(t *testing.T) {
	a, _ := NewFloat32([]int64{3}, []float32{1, 2, 3})
	b, _ := NewFloat32([]int64{3}, []float32{1, 2.5, 3})
	d, err := MaxAbsDiff(a, b)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, d, 1e-9)

	c, _ := NewFloat32([]int64{1, 3}, []float32{1, 2, 3})
	_, err = MaxAbsDiff(a, c)
	assert.Error(t, err)
}

package retrieval

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kennethnrk/edgeclip/internal/embedding"
	"github.com/kennethnrk/edgeclip/internal/validate"
)

func writeStore(t *testing.T, vectors [][]float32) string {
	t.Helper()
	var flat []float32
	for _, v := range vectors {
		flat = append(flat, v...)
	}
	p := filepath.Join(t.TempDir(), "store.f32")
	require.NoError(t, validate.WriteFloat32File(p, flat))
	return p
}

func TestTopKRanksByCosine(t *testing.T) {
	p := writeStore(t, [][]float32{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
		{0.7071, 0.7071, 0, 0},
	})
	s, err := LoadFlat(p, 4)
	require.NoError(t, err)
	require.Equal(t, 3, s.Len())

	hits, err := s.TopK([]float32{1, 0, 0, 0}, DefaultK)
	require.NoError(t, err)
	require.Len(t, hits, 3)

	assert.Equal(t, Hit{Rank: 1, Index: 0, ID: "item_0", Score: hits[0].Score}, hits[0])
	assert.InDelta(t, 1.0, hits[0].Score, 1e-6)
	assert.Equal(t, 2, hits[1].Index)
	assert.InDelta(t, 0.7071, hits[1].Score, 1e-4)
	assert.Equal(t, 1, hits[2].Index)
	assert.InDelta(t, 0.0, hits[2].Score, 1e-9)
}

func TestTopKNormalizesQueryAndLimits(t *testing.T) {
	vectors := make([][]float32, 15)
	for i := range vectors {
		vectors[i] = []float32{float32(i), 1}
	}
	s, err := NewStore(2, vectors, nil)
	require.NoError(t, err)

	hits, err := s.TopK([]float32{50, 0}, DefaultK)
	require.NoError(t, err)
	require.Len(t, hits, 10)
	assert.Equal(t, 14, hits[0].Index)
	for i := 1; i < len(hits); i++ {
		assert.GreaterOrEqual(t, hits[i-1].Score, hits[i].Score)
		assert.Equal(t, i+1, hits[i].Rank)
	}
}

func TestTopKKeepsStoreOrderOnTies(t *testing.T) {
	s, err := NewStore(2, [][]float32{{1, 0}, {0, 1}, {1, 0}, {1, 0}}, []string{"a", "b", "c", "d"})
	require.NoError(t, err)

	hits, err := s.TopK([]float32{1, 0}, 0)
	require.NoError(t, err)
	ids := []string{hits[0].ID, hits[1].ID, hits[2].ID, hits[3].ID}
	assert.Equal(t, []string{"a", "c", "d", "b"}, ids)
}

func TestTopKRejectsQueryDimension(t *testing.T) {
	s, err := NewStore(4, [][]float32{{1, 0, 0, 0}}, nil)
	require.NoError(t, err)

	_, err = s.TopK([]float32{1, 0, 0}, DefaultK)
	var dm *embedding.DimensionMismatchError
	require.True(t, errors.As(err, &dm))
	assert.Equal(t, 4, dm.Expected)
	assert.Equal(t, 3, dm.Actual)
}

func TestLoadFlatRejectsPartialRows(t *testing.T) {
	p := writeStore(t, [][]float32{{1, 2, 3, 4, 5}})

	_, err := LoadFlat(p, 4)
	assert.ErrorIs(t, err, ErrStoreSize)
}

func TestLoadFlatReadsIDs(t *testing.T) {
	p := writeStore(t, [][]float32{{1, 0}, {0, 1}})
	require.NoError(t, os.WriteFile(p+IDsSuffix, []byte("beach.mp4\r\ncity.mp4\n"), 0o644))

	s, err := LoadFlat(p, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"beach.mp4", "city.mp4"}, s.IDs)

	require.NoError(t, os.WriteFile(p+IDsSuffix, []byte("only-one\n"), 0o644))
	_, err = LoadFlat(p, 2)
	assert.Error(t, err)
}

func TestIndexRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "videos.db")

	ix, err := OpenIndex(ctx, path)
	require.NoError(t, err)
	id1, err := ix.Add(ctx, "beach.mp4", 8, []float32{1, 0, 0})
	require.NoError(t, err)
	_, err = ix.Add(ctx, "city.mp4", 8, []float32{0, 1, 0})
	require.NoError(t, err)
	require.NoError(t, ix.Close())

	ix, err = OpenIndex(ctx, path)
	require.NoError(t, err)
	defer ix.Close()

	entries, err := ix.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, id1, entries[0].ID)
	assert.Equal(t, "beach.mp4", entries[0].Video)
	assert.Equal(t, 8, entries[0].Frames)
	assert.Equal(t, []float32{1, 0, 0}, entries[0].Vector)
	assert.False(t, entries[0].CreatedAt.IsZero())

	s, err := ix.Store(ctx)
	require.NoError(t, err)
	hits, err := s.TopK([]float32{0, 2, 0}, DefaultK)
	require.NoError(t, err)
	assert.Equal(t, "city.mp4", hits[0].ID)
}

func TestIndexStoreRejectsMixedWidths(t *testing.T) {
	ctx := context.Background()
	ix, err := OpenIndex(ctx, filepath.Join(t.TempDir(), "videos.db"))
	require.NoError(t, err)
	defer ix.Close()

	_, err = ix.Store(ctx)
	assert.Error(t, err)

	_, err = ix.Add(ctx, "a.mp4", 1, []float32{1, 0})
	require.NoError(t, err)
	_, err = ix.Add(ctx, "b.mp4", 1, []float32{1, 0, 0})
	require.NoError(t, err)
	_, err = ix.Store(ctx)
	var dm *embedding.DimensionMismatchError
	assert.True(t, errors.As(err, &dm))
}

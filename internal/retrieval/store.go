// Package retrieval ranks stored embeddings against a query by full-scan
// cosine similarity. Corpora are small, so there is no index structure.
package retrieval

import (
	"bufio"
	"cmp"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/kennethnrk/edgeclip/internal/embedding"
	"github.com/kennethnrk/edgeclip/internal/validate"
)

// DefaultK is the number of hits returned by search.
const DefaultK = 10

// IDsSuffix names the optional sidecar holding one identifier per vector.
const IDsSuffix = ".ids"

var ErrStoreSize = errors.New("store size is not a whole number of vectors")

// Store is a set of equal-width vectors with identifiers.
type Store struct {
	Dim     int
	IDs     []string
	Vectors [][]float32
}

// Hit is one ranked result.
type Hit struct {
	Rank  int     `json:"rank"`
	Index int     `json:"index"`
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

// NewStore builds a store from vectors; ids may be nil.
func NewStore(dim int, vectors [][]float32, ids []string) (*Store, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("dimension must be positive, got %d", dim)
	}
	for i, v := range vectors {
		if len(v) != dim {
			return nil, fmt.Errorf("vector %d: %w", i, &embedding.DimensionMismatchError{Expected: dim, Actual: len(v)})
		}
	}
	if ids == nil {
		ids = defaultIDs(len(vectors))
	}
	if len(ids) != len(vectors) {
		return nil, fmt.Errorf("%d ids for %d vectors", len(ids), len(vectors))
	}
	return &Store{Dim: dim, IDs: ids, Vectors: vectors}, nil
}

func defaultIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("item_%d", i)
	}
	return ids
}

// LoadFlat reads a raw little-endian float32 file of dim-wide rows. If
// path+".ids" exists, line i names vector i.
func LoadFlat(path string, dim int) (*Store, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("dimension must be positive, got %d", dim)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read store: %w", err)
	}
	if len(raw)%(4*dim) != 0 {
		return nil, fmt.Errorf("%w: %d bytes, dim %d", ErrStoreSize, len(raw), dim)
	}
	flat, err := validate.DecodeFloat32(raw)
	if err != nil {
		return nil, err
	}
	vectors := make([][]float32, len(flat)/dim)
	for i := range vectors {
		vectors[i] = flat[i*dim : (i+1)*dim : (i+1)*dim]
	}

	ids, err := readIDs(path + IDsSuffix)
	if err != nil {
		return nil, err
	}
	return NewStore(dim, vectors, ids)
}

func readIDs(path string) ([]string, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read ids: %w", err)
	}
	defer f.Close()

	var ids []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		ids = append(ids, strings.TrimRight(sc.Text(), "\r"))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read ids: %w", err)
	}
	return ids, nil
}

// Len is the number of stored vectors.
func (s *Store) Len() int { return len(s.Vectors) }

// TopK returns the k vectors most similar to query, best first. Ties keep
// store order. The query is normalized; a query of the wrong width is an
// error, never truncated.
func (s *Store) TopK(query []float32, k int) ([]Hit, error) {
	if len(query) != s.Dim {
		return nil, &embedding.DimensionMismatchError{Expected: s.Dim, Actual: len(query)}
	}
	q := embedding.Normalized(query)

	hits := make([]Hit, len(s.Vectors))
	for i, v := range s.Vectors {
		score, err := embedding.Cosine(q, v)
		if err != nil {
			return nil, err
		}
		hits[i] = Hit{Index: i, ID: s.IDs[i], Score: score}
	}
	slices.SortStableFunc(hits, func(a, b Hit) int { return cmp.Compare(b.Score, a.Score) })

	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	for i := range hits {
		hits[i].Rank = i + 1
	}
	return hits, nil
}

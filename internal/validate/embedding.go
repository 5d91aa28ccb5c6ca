// Package validate checks embedding files and transcript JSON produced by
// the pipelines.
package validate

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/goccy/go-json"

	"github.com/kennethnrk/edgeclip/internal/embedding"
)

var (
	ErrTruncatedFile = errors.New("file size is not a multiple of 4 bytes")
	ErrVectorFormat  = errors.New(`expected a JSON array or an object with a "vector" array`)
)

// DimensionMismatchError is returned when a vector has the wrong length.
type DimensionMismatchError = embedding.DimensionMismatchError

// DecodeFloat32 interprets b as little-endian float32 values.
func DecodeFloat32(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrTruncatedFile, len(b))
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out, nil
}

// ReadFloat32File reads a raw little-endian float32 file.
func ReadFloat32File(path string) ([]float32, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read embedding: %w", err)
	}
	v, err := DecodeFloat32(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return v, nil
}

// EncodeFloat32 is the inverse of DecodeFloat32.
func EncodeFloat32(v []float32) []byte {
	b := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(f))
	}
	return b
}

// WriteFloat32File writes v as raw little-endian float32.
func WriteFloat32File(path string, v []float32) error {
	if err := os.WriteFile(path, EncodeFloat32(v), 0o644); err != nil {
		return fmt.Errorf("write embedding: %w", err)
	}
	return nil
}

// CheckDim fails unless v has exactly dim values. dim <= 0 accepts any length.
func CheckDim(v []float32, dim int) error {
	if dim > 0 && len(v) != dim {
		return &DimensionMismatchError{Expected: dim, Actual: len(v)}
	}
	return nil
}

// ParseJSONVector accepts a bare array or {"vector": [...]}. A null
// document is not a vector.
func ParseJSONVector(data []byte) ([]float32, error) {
	var bare []float32
	if err := json.Unmarshal(data, &bare); err == nil {
		if bare == nil {
			return nil, ErrVectorFormat
		}
		return bare, nil
	}
	var wrapped struct {
		Vector []float32 `json:"vector"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil || wrapped.Vector == nil {
		return nil, ErrVectorFormat
	}
	return wrapped.Vector, nil
}

// ReadJSONVector reads a query vector file.
func ReadJSONVector(path string) ([]float32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read vector: %w", err)
	}
	v, err := ParseJSONVector(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return v, nil
}

// Report is the result of validating one embedding file.
type Report struct {
	Path string `json:"path"`
	embedding.Stats
	Cosine *float64 `json:"cosine,omitempty"`
}

// Embedding validates the file at path. dim <= 0 skips the length check;
// a non-nil compare vector adds its cosine similarity to the report.
func Embedding(path string, dim int, compare []float32) (*Report, error) {
	v, err := ReadFloat32File(path)
	if err != nil {
		return nil, err
	}
	if err := CheckDim(v, dim); err != nil {
		return nil, err
	}
	st, err := embedding.Describe(v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	r := &Report{Path: path, Stats: st}
	if compare != nil {
		c, err := embedding.Cosine(v, compare)
		if err != nil {
			return nil, fmt.Errorf("compare: %w", err)
		}
		r.Cosine = &c
	}
	return r, nil
}

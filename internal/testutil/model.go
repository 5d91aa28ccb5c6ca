package testutil

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/kennethnrk/edgeclip/internal/common/constants"
	"github.com/kennethnrk/edgeclip/internal/registry"
)

// TinyModel describes a synthetic model small enough for unit tests.
type TinyModel struct {
	EmbedDim      int
	Width         int
	ImageSize     int
	ContextLength int
	Flavor        constants.Flavor
	// InitializerProjection stores the projection inside the text tower
	// as a linear-layer weight instead of a separate file.
	InitializerProjection bool
}

// DefaultTinyModel is a 4-wide open_clip style model.
func DefaultTinyModel() TinyModel {
	return TinyModel{EmbedDim: 4, Width: 6, ImageSize: 8, ContextLength: 5, Flavor: constants.FlavorOpenCLIP}
}

// Projection returns the [Width, EmbedDim] matrix written by Write.
func (m TinyModel) Projection() []float32 {
	out := make([]float32, m.Width*m.EmbedDim)
	for i := range out {
		out[i] = float32((i*7)%11)/10 - 0.4
	}
	return out
}

// Entry is the registry entry matching the files Write produces.
func (m TinyModel) Entry() registry.Entry {
	e := registry.Entry{
		Architecture:   "tiny",
		Pretrained:     "test",
		Flavor:         m.Flavor,
		EmbedDim:       m.EmbedDim,
		ImageSize:      m.ImageSize,
		ContextLength:  m.ContextLength,
		ImageTower:     "visual.onnx",
		TextTower:      "text.onnx",
		TextProjection: "text_projection.f32",
		ImageInput:     registry.DefaultImageInput,
		ImageOutput:    registry.DefaultImageOutput,
		TextInput:      registry.DefaultTextInput,
		TextOutput:     registry.DefaultTextOutput,
	}
	if m.InitializerProjection {
		e.TextProjection = registry.ProjectionInitializerPrefix + "text_projection.weight"
	}
	return e
}

// Write creates the tower and projection files in dir and returns their
// resolved paths.
func (m TinyModel) Write(t testing.TB, dir string) *registry.Resolved {
	t.Helper()
	e := m.Entry()
	res := &registry.Resolved{
		Entry:      e,
		ImageTower: filepath.Join(dir, e.ImageTower),
		TextTower:  filepath.Join(dir, e.TextTower),
	}

	image := ONNXModel{
		Producer: "tiny",
		Inputs:   []ONNXValue{{Name: e.ImageInput, ElemType: 1, Shape: []int64{-1, 3, int64(m.ImageSize), int64(m.ImageSize)}}},
		Outputs:  []ONNXValue{{Name: e.ImageOutput, ElemType: 1, Shape: []int64{-1, int64(m.EmbedDim)}}},
	}
	text := ONNXModel{
		Producer: "tiny",
		Inputs:   []ONNXValue{{Name: e.TextInput, ElemType: 7, Shape: []int64{-1, int64(m.ContextLength)}}},
		Outputs:  []ONNXValue{{Name: e.TextOutput, ElemType: 1, Shape: []int64{-1, int64(m.ContextLength), int64(m.Width)}}},
	}

	proj := m.Projection()
	if m.InitializerProjection {
		// Stored [EmbedDim, Width] like a linear layer.
		weight := make([]float32, len(proj))
		for i := 0; i < m.Width; i++ {
			for j := 0; j < m.EmbedDim; j++ {
				weight[j*m.Width+i] = proj[i*m.EmbedDim+j]
			}
		}
		text.Initializers = map[string]ONNXInitializer{
			"text_projection.weight": {Dims: []int64{int64(m.EmbedDim), int64(m.Width)}, Data: weight, Raw: true},
		}
		res.ProjectionInitializer = "text_projection.weight"
	} else {
		res.TextProjection = filepath.Join(dir, e.TextProjection)
		writeFile(t, res.TextProjection, float32Bytes(proj))
	}

	writeFile(t, res.ImageTower, image.Bytes())
	writeFile(t, res.TextTower, text.Bytes())
	return res
}

func float32Bytes(v []float32) []byte {
	b := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(f))
	}
	return b
}

func writeFile(t testing.TB, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// WriteFloat32File writes v as raw little-endian float32.
func WriteFloat32File(t testing.TB, path string, v []float32) {
	t.Helper()
	writeFile(t, path, float32Bytes(v))
}

// Package model loads a registry entry into an inference-ready handle: the
// two tower graphs, the text projection and the dimensions that tie them
// together.
package model

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/kennethnrk/edgeclip/internal/common/constants"
	"github.com/kennethnrk/edgeclip/internal/host"
	"github.com/kennethnrk/edgeclip/internal/jit"
	"github.com/kennethnrk/edgeclip/internal/onnx"
	"github.com/kennethnrk/edgeclip/internal/registry"
	"github.com/kennethnrk/edgeclip/internal/tensor"
)

// Graph IDs used inside wrapper programs.
const (
	ImageGraphID = "visual"
	TextGraphID  = "text"
)

// ErrAttributeNotFound means a tower does not expose the input, output or
// initializer the exporter relies on, usually because it was exported by a
// different upstream library version.
var ErrAttributeNotFound = errors.New("attribute not found")

// Handle is a loaded model. ONNX sessions are inference-only, so a handle
// is always in evaluation mode.
type Handle struct {
	Entry registry.Entry

	Image *jit.Graph
	Text  *jit.Graph

	// Projection is [TextWidth, EmbedDim].
	Projection *tensor.Tensor
	TextWidth  int

	TokenizerPath string
}

// EmbedDim is the shared output width of both encoders.
func (h *Handle) EmbedDim() int { return h.Entry.EmbedDim }

// ImageShape is the example input shape for the image encoder.
func (h *Handle) ImageShape() []int64 {
	s := int64(h.Entry.ImageSize)
	return []int64{1, 3, s, s}
}

// TextShape is the example input shape for the text encoder.
func (h *Handle) TextShape() []int64 {
	return []int64{1, int64(h.Entry.ContextLength)}
}

// Loader turns resolved registry files into handles.
type Loader struct {
	log zerolog.Logger
	// SkipMemoryCheck disables the free-memory precheck.
	SkipMemoryCheck bool
}

func NewLoader(log zerolog.Logger) *Loader {
	return &Loader{log: log}
}

// Load reads both towers and the projection, checking that their
// signatures agree with the entry.
func (l *Loader) Load(ctx context.Context, res *registry.Resolved) (*Handle, error) {
	e := res.Entry
	imageData, err := os.ReadFile(res.ImageTower)
	if err != nil {
		return nil, fmt.Errorf("read image tower: %w", err)
	}
	textData, err := os.ReadFile(res.TextTower)
	if err != nil {
		return nil, fmt.Errorf("read text tower: %w", err)
	}

	if !l.SkipMemoryCheck {
		need := 2 * uint64(len(imageData)+len(textData))
		if floor := e.MinMemoryMB << 20; floor > need {
			need = floor
		}
		if err := host.EnsureMemory(ctx, need); err != nil {
			return nil, err
		}
	}

	imageInfo, err := onnx.Inspect(imageData)
	if err != nil {
		return nil, fmt.Errorf("inspect image tower: %w", err)
	}
	textInfo, err := onnx.Inspect(textData)
	if err != nil {
		return nil, fmt.Errorf("inspect text tower: %w", err)
	}

	if err := checkImageTower(e, imageInfo); err != nil {
		return nil, err
	}
	width, err := checkTextTower(e, textInfo)
	if err != nil {
		return nil, err
	}

	var proj *tensor.Tensor
	if res.ProjectionInitializer != "" {
		proj, err = projectionFromInitializer(textInfo, res.ProjectionInitializer)
	} else {
		proj, err = projectionFromFile(res.TextProjection, e.EmbedDim)
	}
	if err != nil {
		return nil, err
	}
	rows, cols := int(proj.Shape[0]), int(proj.Shape[1])
	if cols != e.EmbedDim {
		return nil, fmt.Errorf("text projection has %d columns, registry says embed_dim %d", cols, e.EmbedDim)
	}
	if width > 0 && rows != width {
		return nil, fmt.Errorf("text projection has %d rows, text tower width is %d", rows, width)
	}

	h := &Handle{
		Entry: e,
		Image: &jit.Graph{
			ID:      ImageGraphID,
			Data:    imageData,
			Inputs:  []string{e.ImageInput},
			Outputs: imageInfo.OutputNames(),
		},
		Text: &jit.Graph{
			ID:      TextGraphID,
			Data:    textData,
			Inputs:  []string{e.TextInput},
			Outputs: textInfo.OutputNames(),
		},
		Projection:    proj,
		TextWidth:     rows,
		TokenizerPath: res.Tokenizer,
	}
	l.log.Info().
		Str("model", e.Key()).
		Str("flavor", string(e.Flavor)).
		Int("embed_dim", e.EmbedDim).
		Int("text_width", rows).
		Msg("model loaded")
	return h, nil
}

func checkImageTower(e registry.Entry, info *onnx.ModelInfo) error {
	in, ok := info.Input(e.ImageInput)
	if !ok {
		return fmt.Errorf("%w: image tower has no input %q", ErrAttributeNotFound, e.ImageInput)
	}
	if in.ElemType != onnx.ElemFloat {
		return fmt.Errorf("image tower input %q has element type %d, want float", in.Name, in.ElemType)
	}
	want := []int64{tensor.Dynamic, 3, int64(e.ImageSize), int64(e.ImageSize)}
	if !tensor.ShapeMatches(in.Shape, want) && !tensor.ShapeMatches(want, in.Shape) {
		return fmt.Errorf("image tower input shape %v does not accept %v", in.Shape, want)
	}
	out, ok := info.Output(e.ImageOutput)
	if !ok {
		return fmt.Errorf("%w: image tower has no output %q", ErrAttributeNotFound, e.ImageOutput)
	}
	if n := len(out.Shape); n > 0 && out.Shape[n-1] != tensor.Dynamic && out.Shape[n-1] != int64(e.EmbedDim) {
		return fmt.Errorf("image tower output width %d, registry says embed_dim %d", out.Shape[n-1], e.EmbedDim)
	}
	if outputIndex(info, e.ImageOutput) != 0 {
		return fmt.Errorf("image tower output %q must be the first output", e.ImageOutput)
	}
	return nil
}

// checkTextTower returns the per-token feature width, or 0 when the
// tower leaves it symbolic.
func checkTextTower(e registry.Entry, info *onnx.ModelInfo) (int, error) {
	in, ok := info.Input(e.TextInput)
	if !ok {
		return 0, fmt.Errorf("%w: text tower has no input %q", ErrAttributeNotFound, e.TextInput)
	}
	if in.ElemType != onnx.ElemInt64 {
		return 0, fmt.Errorf("text tower input %q has element type %d, want int64", in.Name, in.ElemType)
	}
	out, ok := info.Output(e.TextOutput)
	if !ok {
		return 0, fmt.Errorf("%w: text tower has no output %q", ErrAttributeNotFound, e.TextOutput)
	}
	if len(out.Shape) != 3 {
		return 0, fmt.Errorf("text tower output %q has rank %d, want [batch, seq, width]", out.Name, len(out.Shape))
	}
	if outputIndex(info, e.TextOutput) != 0 {
		return 0, fmt.Errorf("text tower output %q must be the first output", e.TextOutput)
	}
	if w := out.Shape[2]; w != tensor.Dynamic {
		return int(w), nil
	}
	return 0, nil
}

func outputIndex(info *onnx.ModelInfo, name string) int {
	for i, n := range info.OutputNames() {
		if n == name {
			return i
		}
	}
	return -1
}

// projectionFromInitializer reads the matrix from the text tower. Names
// ending in ".weight" are linear-layer weights stored [out, in] and are
// transposed.
func projectionFromInitializer(info *onnx.ModelInfo, name string) (*tensor.Tensor, error) {
	if !info.HasInitializer(name) {
		return nil, fmt.Errorf("%w: text tower has no initializer %q", ErrAttributeNotFound, name)
	}
	t, err := info.Initializer(name)
	if err != nil {
		return nil, err
	}
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("initializer %q has rank %d, want 2", name, len(t.Shape))
	}
	if strings.HasSuffix(name, ".weight") {
		t = transpose(t)
	}
	return t, nil
}

// projectionFromFile reads a headerless little-endian float32 matrix with
// embedDim columns.
func projectionFromFile(path string, embedDim int) (*tensor.Tensor, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read text projection: %w", err)
	}
	rowBytes := 4 * embedDim
	if len(b) == 0 || len(b)%rowBytes != 0 {
		return nil, fmt.Errorf("text projection %s: %d bytes is not a whole number of %d-wide float32 rows", path, len(b), embedDim)
	}
	data := make([]float32, len(b)/4)
	for i := range data {
		data[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return tensor.NewFloat32([]int64{int64(len(b) / rowBytes), int64(embedDim)}, data)
}

func transpose(t *tensor.Tensor) *tensor.Tensor {
	r, c := int(t.Shape[0]), int(t.Shape[1])
	out := make([]float32, len(t.F32))
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out[j*r+i] = t.F32[i*c+j]
		}
	}
	return &tensor.Tensor{DType: tensor.Float32, Shape: []int64{int64(c), int64(r)}, F32: out}
}

// CheckFlavor reports whether h was published for the given library.
func (h *Handle) CheckFlavor(f constants.Flavor) error {
	if h.Entry.Flavor != f {
		return fmt.Errorf("%s is a %s model, not %s", h.Entry.Key(), h.Entry.Flavor, f)
	}
	return nil
}

// Package wrapper builds the mobile forward programs around a loaded
// model: one tensor in, one L2-normalized embedding out.
package wrapper

import (
	"fmt"

	"github.com/kennethnrk/edgeclip/internal/common/constants"
	"github.com/kennethnrk/edgeclip/internal/jit"
	"github.com/kennethnrk/edgeclip/internal/model"
	"github.com/kennethnrk/edgeclip/internal/tensor"
)

// Names visible in artifacts.
const (
	ImageInput          = "image"
	TextInput           = "text"
	NormalizeFunc       = "l2_normalize"
	ProjectionConst     = "text_projection"
	ImageProgramName    = "encode_image"
	TextProgramName     = "encode_text"
	CombinedProgramName = "encode"
)

// defineNormalize adds l2_normalize(x) = x / sqrt(sum(x^2, -1) + eps).
func defineNormalize(b *jit.Builder) {
	b.Func(NormalizeFunc, []string{"x"}, func(fb *jit.Builder, params []string) string {
		x := params[0]
		ss := fb.SumSquares(x)
		n := fb.Sqrt(fb.AddScalar(ss, constants.NormEpsilon))
		return fb.Div(x, n)
	})
}

// firstOutput unwraps towers that return several outputs.
func firstOutput(b *jit.Builder, v string) string {
	return b.If(b.IsTuple(v),
		func(tb *jit.Builder) string { return tb.TupleGet(v, 0) },
		func(eb *jit.Builder) string { return eb.Identity(v) })
}

func imageEmbeds(b *jit.Builder, h *model.Handle) string {
	s := int64(h.Entry.ImageSize)
	x := b.Input(ImageInput, tensor.Float32, tensor.Dynamic, 3, s, s)
	feat := firstOutput(b, b.Graph(model.ImageGraphID, x))
	return b.Call(NormalizeFunc, feat)
}

// textEmbeds picks the feature at the highest token id of each row. The
// end-of-text token has the largest id in the CLIP vocabulary.
func textEmbeds(b *jit.Builder, h *model.Handle) string {
	ids := b.Input(TextInput, tensor.Int64, tensor.Dynamic, int64(h.Entry.ContextLength))
	hidden := firstOutput(b, b.Graph(model.TextGraphID, ids))
	pooled := b.GatherRows(hidden, b.ArgMax(ids))
	projected := b.MatMul(pooled, b.Const(ProjectionConst))
	return b.Call(NormalizeFunc, projected)
}

func check(h *model.Handle) error {
	if h.Projection == nil || len(h.Projection.Shape) != 2 {
		return fmt.Errorf("model %s has no text projection", h.Entry.Key())
	}
	if got := int(h.Projection.Shape[1]); got != h.EmbedDim() {
		return fmt.Errorf("text projection width %d does not match embed_dim %d", got, h.EmbedDim())
	}
	return nil
}

// Image wraps the image tower: [B,3,S,S] float32 -> [B,D].
func Image(h *model.Handle) *jit.Program {
	b := jit.NewBuilder(ImageProgramName)
	defineNormalize(b)
	b.AddGraph(h.Image)
	return b.Return(imageEmbeds(b, h))
}

// Text wraps the text tower and projection: [B,L] int64 -> [B,D].
func Text(h *model.Handle) (*jit.Program, error) {
	if err := check(h); err != nil {
		return nil, err
	}
	b := jit.NewBuilder(TextProgramName)
	defineNormalize(b)
	b.AddGraph(h.Text)
	b.AddConst(ProjectionConst, h.Projection)
	return b.Return(textEmbeds(b, h)), nil
}

// Combined takes (image, text) and returns the tuple (image_embeds, text_embeds).
func Combined(h *model.Handle) (*jit.Program, error) {
	if err := check(h); err != nil {
		return nil, err
	}
	b := jit.NewBuilder(CombinedProgramName)
	defineNormalize(b)
	b.AddGraph(h.Image)
	b.AddGraph(h.Text)
	b.AddConst(ProjectionConst, h.Projection)
	img := imageEmbeds(b, h)
	txt := textEmbeds(b, h)
	return b.Return(img, txt), nil
}

// Build returns the program for kind.
func Build(h *model.Handle, kind constants.EncoderKind) (*jit.Program, error) {
	switch kind {
	case constants.EncoderImage:
		return Image(h), nil
	case constants.EncoderText:
		return Text(h)
	case constants.EncoderCombined:
		return Combined(h)
	}
	return nil, fmt.Errorf("unknown encoder kind %q", kind)
}

package export

import (
	"fmt"
	"math/rand/v2"

	"github.com/kennethnrk/edgeclip/internal/common/constants"
	"github.com/kennethnrk/edgeclip/internal/model"
	"github.com/kennethnrk/edgeclip/internal/tensor"
)

// ImageExample is standard normal noise of the image encoder input shape.
// The same seed always yields the same tensor.
func ImageExample(h *model.Handle, seed uint64) *tensor.Tensor {
	shape := h.ImageShape()
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	data := make([]float32, tensor.NumElements(shape))
	for i := range data {
		data[i] = float32(r.NormFloat64())
	}
	t, _ := tensor.NewFloat32(shape, data)
	return t
}

// TextExample is a full row of identical token ids: ones, or the end token.
func TextExample(h *model.Handle, kind constants.TextExample, eotID int) (*tensor.Tensor, error) {
	var id int64
	switch kind {
	case constants.TextExampleOnes, "":
		id = 1
	case constants.TextExampleEOT:
		id = int64(eotID)
	default:
		return nil, fmt.Errorf("unknown text example %q", kind)
	}
	shape := h.TextShape()
	data := make([]int64, tensor.NumElements(shape))
	for i := range data {
		data[i] = id
	}
	return tensor.NewInt64(shape, data)
}

// examplesFor returns the inputs of the wrapper program for kind, in
// program input order.
func examplesFor(kind constants.EncoderKind, img, txt *tensor.Tensor) []*tensor.Tensor {
	switch kind {
	case constants.EncoderImage:
		return []*tensor.Tensor{img}
	case constants.EncoderText:
		return []*tensor.Tensor{txt}
	default:
		return []*tensor.Tensor{img, txt}
	}
}

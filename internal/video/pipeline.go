package video

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/kennethnrk/edgeclip/internal/common/constants"
	"github.com/kennethnrk/edgeclip/internal/embedding"
	"github.com/kennethnrk/edgeclip/internal/jit"
	"github.com/kennethnrk/edgeclip/internal/tensor"
)

// DefaultFrames is how many frames are sampled per video.
const DefaultFrames = 8

// Result is the pooled embedding of one video.
type Result struct {
	Dim    int       `json:"dim"`
	Vector []float32 `json:"vector"`
	Frames int       `json:"frames"`
	Video  string    `json:"video"`
}

// Encoder runs an image encoder program on one frame tensor.
type Encoder interface {
	Run(ctx context.Context, inputs ...*tensor.Tensor) (jit.Value, error)
	Program() *jit.Program
}

// Pipeline embeds videos.
type Pipeline struct {
	src FrameSource
	enc Encoder
	log zerolog.Logger

	Frames    int
	FrameSize int
	CropSize  int
	// TempDir is the parent of the per-run frame directory; "" uses the
	// system default.
	TempDir string
}

func NewPipeline(src FrameSource, enc Encoder, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		src:       src,
		enc:       enc,
		log:       log,
		Frames:    DefaultFrames,
		FrameSize: constants.FrameSize,
		CropSize:  constants.CropSize,
	}
}

// Embed samples the video, encodes each frame, normalizes every frame
// embedding, averages them and normalizes the mean.
func (p *Pipeline) Embed(ctx context.Context, video string) (*Result, error) {
	duration, err := p.src.Duration(ctx, video)
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", video, err)
	}
	stamps, err := SampleTimestamps(duration, p.Frames)
	if err != nil {
		return nil, err
	}

	// Left behind on failure for inspection.
	dir, err := os.MkdirTemp(p.TempDir, "edgeclip-frames-*")
	if err != nil {
		return nil, fmt.Errorf("create frame dir: %w", err)
	}

	paths := make([]string, len(stamps))
	for i, t := range stamps {
		paths[i] = filepath.Join(dir, fmt.Sprintf("f%02d.rgb", i))
		if err := p.src.ExtractFrame(ctx, video, t, p.FrameSize, paths[i]); err != nil {
			return nil, err
		}
	}
	p.log.Debug().Str("video", video).Float64("duration", duration).Int("frames", len(paths)).Msg("Frames extracted")

	perFrame := make([][]float32, 0, len(paths))
	for _, path := range paths {
		v, err := p.embedFrame(ctx, path)
		if err != nil {
			return nil, err
		}
		perFrame = append(perFrame, embedding.Normalized(v))
	}

	mean, err := embedding.Mean(perFrame)
	if err != nil {
		return nil, err
	}
	embedding.Normalize(mean)

	if err := os.RemoveAll(dir); err != nil {
		p.log.Warn().Err(err).Str("dir", dir).Msg("Could not remove frame dir")
	}
	return &Result{Dim: len(mean), Vector: mean, Frames: len(perFrame), Video: video}, nil
}

func (p *Pipeline) embedFrame(ctx context.Context, path string) ([]float32, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read frame: %w", err)
	}
	x, err := FrameTensor(raw, p.FrameSize, p.CropSize)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	inputs, err := p.inputs(x)
	if err != nil {
		return nil, err
	}
	out, err := p.enc.Run(ctx, inputs...)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	t, err := out.First()
	if err != nil {
		return nil, err
	}
	if t.DType != tensor.Float32 || t.Len() == 0 {
		return nil, fmt.Errorf("encoder returned %s, want a float32 embedding", t)
	}
	return t.F32, nil
}

// inputs feeds frame as the first program input. A combined encoder also
// takes text; it gets zeros of the declared shape and only the image half
// of its output is used.
func (p *Pipeline) inputs(frame *tensor.Tensor) ([]*tensor.Tensor, error) {
	params := p.enc.Program().Inputs
	if len(params) == 0 {
		return nil, fmt.Errorf("encoder program %s takes no inputs", p.enc.Program().Name)
	}
	out := []*tensor.Tensor{frame}
	for _, param := range params[1:] {
		shape := make([]int64, len(param.Shape))
		for i, d := range param.Shape {
			shape[i] = d
			if d == tensor.Dynamic {
				shape[i] = 1
			}
		}
		var (
			z   *tensor.Tensor
			err error
		)
		n := tensor.NumElements(shape)
		if param.DType == tensor.Int64 {
			z, err = tensor.NewInt64(shape, make([]int64, n))
		} else {
			z, err = tensor.NewFloat32(shape, make([]float32, n))
		}
		if err != nil {
			return nil, err
		}
		out = append(out, z)
	}
	return out, nil
}

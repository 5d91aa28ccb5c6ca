package video

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kennethnrk/edgeclip/internal/common/constants"
	"github.com/kennethnrk/edgeclip/internal/embedding"
	"github.com/kennethnrk/edgeclip/internal/host"
	"github.com/kennethnrk/edgeclip/internal/jit"
	"github.com/kennethnrk/edgeclip/internal/model"
	"github.com/kennethnrk/edgeclip/internal/testutil"
	"github.com/kennethnrk/edgeclip/internal/wrapper"
)

type fakeSource struct {
	duration float64
	short    bool
	stamps   []float64
}

func frameBytes(size int, t float64) []byte {
	b := make([]byte, size*size*3)
	for i := range b {
		b[i] = byte((i*31 + int(t*40)) % 256)
	}
	return b
}

func (f *fakeSource) Duration(context.Context, string) (float64, error) { return f.duration, nil }

func (f *fakeSource) ExtractFrame(_ context.Context, _ string, t float64, size int, dst string) error {
	f.stamps = append(f.stamps, t)
	b := frameBytes(size, t)
	if f.short {
		b = b[:len(b)-1]
	}
	return os.WriteFile(dst, b, 0o644)
}

func tinyEncoder(t *testing.T, combined bool) *jit.Module {
	t.Helper()
	m := testutil.DefaultTinyModel()
	l := model.NewLoader(zerolog.Nop())
	l.SkipMemoryCheck = true
	h, err := l.Load(context.Background(), m.Write(t, t.TempDir()))
	require.NoError(t, err)

	rt := testutil.NewFakeRunner()
	rt.Graphs[model.ImageGraphID] = testutil.LinearImageTower(m.EmbedDim)
	rt.Graphs[model.TextGraphID] = testutil.TokenTower(m.Width)

	p := wrapper.Image(h)
	if combined {
		p, err = wrapper.Combined(h)
		require.NoError(t, err)
	}
	return jit.NewModule(p, rt)
}

func tinyPipeline(t *testing.T, src FrameSource, enc Encoder) *Pipeline {
	p := NewPipeline(src, enc, zerolog.Nop())
	p.Frames = 4
	p.FrameSize = 12
	p.CropSize = 8
	p.TempDir = t.TempDir()
	return p
}

func TestSampleTimestamps(t *testing.T) {
	got, err := SampleTimestamps(10, 4)
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 4, 6, 8}, got)

	_, err = SampleTimestamps(10, 0)
	assert.Error(t, err)
	_, err = SampleTimestamps(0, 3)
	assert.Error(t, err)
}

func TestFrameTensorCropsAndNormalizes(t *testing.T) {
	size, crop := 4, 2
	rgb := make([]byte, size*size*3)
	// Pixel (1,1), the top-left of the crop, is pure white.
	for c := 0; c < 3; c++ {
		rgb[(1*size+1)*3+c] = 255
	}

	x, err := FrameTensor(rgb, size, crop)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3, 2, 2}, x.Shape)
	for c := 0; c < 3; c++ {
		white := (1 - constants.ClipMean[c]) / constants.ClipStd[c]
		black := -constants.ClipMean[c] / constants.ClipStd[c]
		assert.InDelta(t, white, x.F32[c*4], 1e-6)
		assert.InDelta(t, black, x.F32[c*4+3], 1e-6)
	}

	_, err = FrameTensor(rgb[:10], size, crop)
	assert.ErrorIs(t, err, ErrFrameSize)
}

func TestEmbedAveragesNormalizedFrames(t *testing.T) {
	enc := tinyEncoder(t, false)
	src := &fakeSource{duration: 10}
	p := tinyPipeline(t, src, enc)

	res, err := p.Embed(context.Background(), "clip.mp4")
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 4, 6, 8}, src.stamps)
	assert.Equal(t, 4, res.Frames)
	assert.Equal(t, 4, res.Dim)
	assert.Equal(t, "clip.mp4", res.Video)
	assert.InDelta(t, 1.0, embedding.Norm(res.Vector), 1e-5)

	var frames [][]float32
	for _, ts := range src.stamps {
		x, err := FrameTensor(frameBytes(12, ts), 12, 8)
		require.NoError(t, err)
		out, err := enc.Run(context.Background(), x)
		require.NoError(t, err)
		frames = append(frames, embedding.Normalized(out.Tensor.F32))
	}
	want, err := embedding.Mean(frames)
	require.NoError(t, err)
	embedding.Normalize(want)
	assert.InDeltaSlice(t, want, res.Vector, 1e-6)

	left, err := os.ReadDir(p.TempDir)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestEmbedAcceptsCombinedEncoder(t *testing.T) {
	single, err := tinyPipeline(t, &fakeSource{duration: 3}, tinyEncoder(t, false)).Embed(context.Background(), "v.mp4")
	require.NoError(t, err)
	combined, err := tinyPipeline(t, &fakeSource{duration: 3}, tinyEncoder(t, true)).Embed(context.Background(), "v.mp4")
	require.NoError(t, err)
	assert.InDeltaSlice(t, single.Vector, combined.Vector, 1e-6)
}

func TestEmbedRejectsShortFrames(t *testing.T) {
	p := tinyPipeline(t, &fakeSource{duration: 5, short: true}, tinyEncoder(t, false))

	_, err := p.Embed(context.Background(), "v.mp4")
	assert.ErrorIs(t, err, ErrFrameSize)

	// Frames stay on disk after a failure.
	dirs, err := filepath.Glob(filepath.Join(p.TempDir, "edgeclip-frames-*", "f00.rgb"))
	require.NoError(t, err)
	assert.Len(t, dirs, 1)
}

func TestCommandErrorCarriesStderr(t *testing.T) {
	_, err := runCommand(context.Background(), "sh", "-c", "echo 'moov atom not found' >&2; exit 3")
	var ce *CommandError
	require.True(t, errors.As(err, &ce))
	assert.Contains(t, ce.Stderr, "moov atom not found")
	assert.Contains(t, err.Error(), "moov atom not found")
}

func TestNewFFmpegFailsClosed(t *testing.T) {
	_, err := NewFFmpeg("edgeclip-no-such-ffmpeg", "")
	var missing *host.MissingDependencyError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, "edgeclip-no-such-ffmpeg", missing.Name)
	assert.Contains(t, err.Error(), "install ffmpeg")
}

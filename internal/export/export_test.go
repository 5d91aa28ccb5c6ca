package export

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kennethnrk/edgeclip/internal/artifact"
	"github.com/kennethnrk/edgeclip/internal/common/constants"
	"github.com/kennethnrk/edgeclip/internal/embedding"
	"github.com/kennethnrk/edgeclip/internal/host"
	"github.com/kennethnrk/edgeclip/internal/jit"
	"github.com/kennethnrk/edgeclip/internal/model"
	"github.com/kennethnrk/edgeclip/internal/tensor"
	"github.com/kennethnrk/edgeclip/internal/testutil"
	"github.com/kennethnrk/edgeclip/internal/tokenizer"
	"github.com/kennethnrk/edgeclip/internal/wrapper"
)

var fixedTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func load(t *testing.T) (*model.Handle, *testutil.FakeRunner) {
	t.Helper()
	m := testutil.DefaultTinyModel()
	l := model.NewLoader(zerolog.Nop())
	l.SkipMemoryCheck = true
	h, err := l.Load(context.Background(), m.Write(t, t.TempDir()))
	require.NoError(t, err)

	rt := testutil.NewFakeRunner()
	rt.Graphs[model.ImageGraphID] = testutil.LinearImageTower(m.EmbedDim)
	rt.Graphs[model.TextGraphID] = testutil.TokenTower(m.Width)
	return h, rt
}

func newTestExporter(rt jit.GraphRunner) *Exporter {
	e := NewExporter(rt, zerolog.Nop())
	e.now = func() time.Time { return fixedTime }
	e.hostInfo = func(context.Context) (host.Info, error) { return host.Info{Hostname: "builder", OS: "linux"}, nil }
	return e
}

func TestExportSeparateEncoders(t *testing.T) {
	h, rt := load(t)
	out := t.TempDir()

	meta, err := newTestExporter(rt).Export(context.Background(), h, Options{OutDir: out, Verify: true, Seed: 7})
	require.NoError(t, err)

	assert.Equal(t, DefaultImageName, meta.ImageEncoder)
	assert.Equal(t, DefaultTextName, meta.TextEncoder)
	assert.Empty(t, meta.CombinedEncoder)
	require.Len(t, meta.Artifacts, 2)
	for name, am := range meta.Artifacts {
		assert.Equal(t, constants.CaptureScript, am.Capture, name)
		assert.Contains(t, []string{"zstd", "none"}, am.Codec, name)
		assert.True(t, am.Verified, name)
	}

	onDisk, err := ReadMetadata(filepath.Join(out, MetadataFile))
	require.NoError(t, err)
	assert.Equal(t, "tiny", onDisk.ModelName)
	assert.Equal(t, "test", onDisk.Pretrained)
	assert.Equal(t, 4, onDisk.EmbeddingDim)
	assert.Equal(t, 8, onDisk.ImageSize)
	assert.Equal(t, 5, onDisk.MaxTextLength)
	assert.Equal(t, "builder", onDisk.Host.Hostname)
	assert.True(t, fixedTime.Equal(onDisk.CreatedAt))
	assert.Len(t, onDisk.ExportID, 36)

	m, err := artifact.Open(filepath.Join(out, DefaultImageName), rt)
	require.NoError(t, err)
	v, err := m.Run(context.Background(), ImageExample(h, 99))
	require.NoError(t, err)
	assert.InDelta(t, 1.0, embedding.Norm(v.Tensor.F32), 1e-5)
}

func TestExportCombined(t *testing.T) {
	h, rt := load(t)
	out := t.TempDir()

	meta, err := newTestExporter(rt).Export(context.Background(), h, Options{
		OutDir:       out,
		Combined:     true,
		Verify:       true,
		Compression:  constants.CompressionLZ4,
		CombinedName: "clip_tiny.ecl",
	})
	require.NoError(t, err)
	assert.Equal(t, "clip_tiny.ecl", meta.CombinedEncoder)
	assert.Empty(t, meta.ImageEncoder)
	assert.Empty(t, meta.TextEncoder)
	assert.Equal(t, constants.EncoderCombined, meta.Artifacts["clip_tiny.ecl"].Encoder)

	_, err = os.Stat(filepath.Join(out, DefaultImageName))
	assert.True(t, os.IsNotExist(err))

	txt, err := TextExample(h, constants.TextExampleOnes, tokenizer.DefaultEOTID)
	require.NoError(t, err)
	m, err := artifact.Open(filepath.Join(out, "clip_tiny.ecl"), rt)
	require.NoError(t, err)
	v, err := m.Run(context.Background(), ImageExample(h, 1), txt)
	require.NoError(t, err)
	require.Len(t, v.Tuple, 2)
	for _, emb := range v.Tuple {
		assert.Equal(t, []int64{1, 4}, emb.Shape)
		assert.InDelta(t, 1.0, embedding.Norm(emb.F32), 1e-5)
	}
}

const hfTokenizer = `{
  "added_tokens": [{"id": 49406, "content": "<|startoftext|>"}, {"id": 49407, "content": "<|endoftext|>"}],
  "model": {"type": "BPE", "vocab": {"a</w>": 4, "c": 2, "a": 1}, "merges": ["c a"]}
}`

func TestExportTransformersWritesSidecars(t *testing.T) {
	h, rt := load(t)
	h.Entry.Flavor = constants.FlavorTransformers
	h.TokenizerPath = filepath.Join(t.TempDir(), "tokenizer.json")
	require.NoError(t, os.WriteFile(h.TokenizerPath, []byte(hfTokenizer), 0o644))
	out := t.TempDir()

	meta, err := newTestExporter(rt).Export(context.Background(), h, Options{
		OutDir:      out,
		Combined:    true,
		Verify:      true,
		TextExample: constants.TextExampleEOT,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{tokenizer.VocabFile, tokenizer.MergesFile, tokenizer.ConfigFile}, meta.TokenizerFiles)

	v, cfg, err := tokenizer.LoadSidecars(out)
	require.NoError(t, err)
	assert.Equal(t, tokenizer.Config{ContextLength: 5, SOTID: 49406, EOTID: 49407}, cfg)
	assert.Equal(t, []tokenizer.Merge{{A: "c", B: "a"}}, v.Merges)
}

func TestExportOpenCLIPWritesSidecarsForTextQueries(t *testing.T) {
	h, rt := load(t)
	h.TokenizerPath = filepath.Join(t.TempDir(), "tokenizer.json")
	require.NoError(t, os.WriteFile(h.TokenizerPath, []byte(hfTokenizer), 0o644))
	out := t.TempDir()

	meta, err := newTestExporter(rt).Export(context.Background(), h, Options{OutDir: out, Verify: true})
	require.NoError(t, err)
	assert.Equal(t, constants.FlavorOpenCLIP, meta.Flavor)
	assert.Equal(t, DefaultTextName, meta.TextEncoder)
	assert.Len(t, meta.TokenizerFiles, 3)

	v, cfg, err := tokenizer.LoadSidecars(out)
	require.NoError(t, err)
	bpe, err := tokenizer.NewBPE(v)
	require.NoError(t, err)
	ids, err := bpe.Tokenize("a ca", cfg.ContextLength)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 5}, ids.Shape)

	m, err := artifact.Open(filepath.Join(out, DefaultTextName), rt)
	require.NoError(t, err)
	emb, err := m.Run(context.Background(), ids)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, embedding.Norm(emb.Tensor.F32), 1e-5)
}

func TestExportTransformersNeedsTokenizer(t *testing.T) {
	h, rt := load(t)
	h.Entry.Flavor = constants.FlavorTransformers

	_, err := newTestExporter(rt).Export(context.Background(), h, Options{OutDir: t.TempDir()})
	assert.ErrorIs(t, err, model.ErrAttributeNotFound)
}

func TestExportDetectsParityLoss(t *testing.T) {
	h, rt := load(t)
	base := rt.Graphs[model.ImageGraphID]
	calls := 0
	rt.Graphs[model.ImageGraphID] = func(in []*tensor.Tensor) ([]*tensor.Tensor, error) {
		outs, err := base(in)
		if err != nil {
			return nil, err
		}
		calls++
		outs[0].F32[0] += float32(calls)
		return outs, nil
	}

	_, err := newTestExporter(rt).Export(context.Background(), h, Options{OutDir: t.TempDir(), Verify: true})
	assert.ErrorIs(t, err, ErrParity)
}

func hostProgram() *jit.Program {
	b := jit.NewBuilder("with_host")
	x := b.Input("x", tensor.Float32, tensor.Dynamic, 2)
	b.AddHost("seven", func(context.Context, []jit.Value) (jit.Value, error) {
		return jit.TensorValue(tensor.Scalar(7)), nil
	})
	return b.Return(b.Identity(x), b.Host("seven"))
}

func TestCaptureFallsBackToTrace(t *testing.T) {
	x, err := tensor.NewFloat32([]int64{3, 2}, []float32{1, 2, 3, 4, 5, 6})
	require.NoError(t, err)

	c, err := Capture(context.Background(), hostProgram(), testutil.NewFakeRunner(), []*tensor.Tensor{x}, PolicyAuto, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, constants.CaptureTrace, c.Program.Capture)
	assert.Empty(t, c.Program.Hosts)
	assert.Equal(t, []int64{3, 2}, c.Program.Inputs[0].Shape)
	require.True(t, c.Reference.IsTuple())
	assert.Equal(t, []int64{7}, c.Reference.Tuple[1].I64)

	_, _, err = artifact.Marshal(c.Program, constants.CompressionNone)
	assert.NoError(t, err)
}

func TestCapturePolicies(t *testing.T) {
	x, err := tensor.NewFloat32([]int64{1, 2}, []float32{1, 2})
	require.NoError(t, err)
	ex := []*tensor.Tensor{x}

	_, err = Capture(context.Background(), hostProgram(), testutil.NewFakeRunner(), ex, PolicyScript, zerolog.Nop())
	assert.ErrorIs(t, err, jit.ErrNotScriptable)

	h, rt := load(t)
	img := ImageExample(h, 3)
	p, err := Capture(context.Background(), imageProgram(t, h), rt, []*tensor.Tensor{img}, PolicyTrace, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, constants.CaptureTrace, p.Program.Capture)
	assert.Equal(t, []int64{1, 3, 8, 8}, p.Program.Inputs[0].Shape)

	s, err := Capture(context.Background(), imageProgram(t, h), rt, []*tensor.Tensor{img}, PolicyScript, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, constants.CaptureScript, s.Program.Capture)
	assert.Equal(t, tensor.Dynamic, s.Program.Inputs[0].Shape[0])
	assert.Equal(t, p.Reference.Tensor.F32, s.Reference.Tensor.F32)

	_, err = ParsePolicy("jit")
	assert.Error(t, err)
}

func imageProgram(t *testing.T, h *model.Handle) *jit.Program {
	t.Helper()
	return wrapper.Image(h)
}

func TestExamples(t *testing.T) {
	h, _ := load(t)

	a, b, c := ImageExample(h, 5), ImageExample(h, 5), ImageExample(h, 6)
	assert.Equal(t, []int64{1, 3, 8, 8}, a.Shape)
	assert.Equal(t, a.F32, b.F32)
	assert.NotEqual(t, a.F32, c.F32)

	eot, err := TextExample(h, constants.TextExampleEOT, 49407)
	require.NoError(t, err)
	assert.Equal(t, []int64{49407, 49407, 49407, 49407, 49407}, eot.I64)

	ones, err := TextExample(h, constants.TextExampleOnes, 49407)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 1, 1, 1, 1}, ones.I64)

	_, err = TextExample(h, "zeros", 0)
	assert.Error(t, err)
}

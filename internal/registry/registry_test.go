package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kennethnrk/edgeclip/internal/common/constants"
)

type fakeFetcher struct {
	data  map[string][]byte
	calls int
}

func (f *fakeFetcher) Fetch(_ context.Context, source, dst string) (int64, error) {
	f.calls++
	b, ok := f.data[source]
	if !ok {
		return 0, errors.New("no such object")
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, err
	}
	return int64(len(b)), os.WriteFile(dst, b, 0o644)
}

const testManifest = `
models:
  - architecture: tiny
    pretrained: local
    flavor: open_clip
    embed_dim: 4
    image_size: 8
    context_length: 5
    image_tower: tiny/visual.onnx
    text_tower: tiny/text.onnx
    text_projection: tiny/proj.f32
  - architecture: tiny-hf
    pretrained: remote
    flavor: transformers
    embed_dim: 4
    image_size: 8
    context_length: 5
    image_tower: s3://weights/tiny-hf/vision.onnx
    text_tower: s3://weights/tiny-hf/text.onnx
    text_projection: onnx:text_projection.weight
    tokenizer: s3://weights/tiny-hf/tokenizer.json
    image_output: pooler_output
`

func TestDefaultManifest(t *testing.T) {
	m, err := LoadManifest("")
	require.NoError(t, err)

	r := New(m, t.TempDir())
	e, err := r.Lookup("ViT-B-32", "openai")
	require.NoError(t, err)
	assert.Equal(t, constants.FlavorOpenCLIP, e.Flavor)
	assert.Equal(t, constants.DefaultEmbedDim, e.EmbedDim)
	assert.Equal(t, DefaultImageInput, e.ImageInput)
	assert.Equal(t, DefaultTextOutput, e.TextOutput)

	hf, err := r.Lookup("openai/clip-vit-base-patch32", "main")
	require.NoError(t, err)
	assert.Equal(t, constants.FlavorTransformers, hf.Flavor)
}

func TestLookupMissing(t *testing.T) {
	m, err := ParseManifest([]byte(testManifest))
	require.NoError(t, err)

	_, err = New(m, "").Lookup("tiny", "nope")
	assert.ErrorIs(t, err, ErrModelNotFound)
}

func TestParseManifestRejects(t *testing.T) {
	cases := map[string]string{
		"bad flavor": `
models:
  - {architecture: a, pretrained: b, flavor: keras, embed_dim: 4, image_size: 8, context_length: 5, image_tower: i, text_tower: t, text_projection: p}`,
		"zero dim": `
models:
  - {architecture: a, pretrained: b, flavor: open_clip, embed_dim: 0, image_size: 8, context_length: 5, image_tower: i, text_tower: t, text_projection: p}`,
		"hf without tokenizer": `
models:
  - {architecture: a, pretrained: b, flavor: transformers, embed_dim: 4, image_size: 8, context_length: 5, image_tower: i, text_tower: t, text_projection: p}`,
		"duplicate": `
models:
  - {architecture: a, pretrained: b, flavor: open_clip, embed_dim: 4, image_size: 8, context_length: 5, image_tower: i, text_tower: t, text_projection: p}
  - {architecture: a, pretrained: b, flavor: open_clip, embed_dim: 4, image_size: 8, context_length: 5, image_tower: i, text_tower: t, text_projection: p}`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseManifest([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestResolveLocal(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"tiny/visual.onnx", "tiny/text.onnx", "tiny/proj.f32"} {
		writeFile(t, filepath.Join(dir, name), []byte("x"))
	}
	m, err := ParseManifest([]byte(testManifest))
	require.NoError(t, err)
	r := New(m, dir)

	e, err := r.Lookup("tiny", "local")
	require.NoError(t, err)
	res, err := r.Resolve(context.Background(), e)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "tiny/visual.onnx"), res.ImageTower)
	assert.Equal(t, filepath.Join(dir, "tiny/proj.f32"), res.TextProjection)
	assert.Empty(t, res.ProjectionInitializer)
	assert.Empty(t, res.Tokenizer)
}

func TestResolveLocalMissingFile(t *testing.T) {
	m, err := ParseManifest([]byte(testManifest))
	require.NoError(t, err)
	r := New(m, t.TempDir())

	e, err := r.Lookup("tiny", "local")
	require.NoError(t, err)
	_, err = r.Resolve(context.Background(), e)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestResolveRemoteUsesCache(t *testing.T) {
	m, err := ParseManifest([]byte(testManifest))
	require.NoError(t, err)

	cache, err := OpenCache(t.TempDir())
	require.NoError(t, err)
	defer cache.Close()

	f := &fakeFetcher{data: map[string][]byte{
		"s3://weights/tiny-hf/vision.onnx":    []byte("vision"),
		"s3://weights/tiny-hf/text.onnx":      []byte("text"),
		"s3://weights/tiny-hf/tokenizer.json": []byte("{}"),
	}}
	r := New(m, "", WithCache(cache), WithFetcher(f))

	e, err := r.Lookup("tiny-hf", "remote")
	require.NoError(t, err)
	assert.Equal(t, "pooler_output", e.ImageOutput)

	res, err := r.Resolve(context.Background(), e)
	require.NoError(t, err)
	assert.Equal(t, "text_projection.weight", res.ProjectionInitializer)
	assert.Empty(t, res.TextProjection)
	assert.Equal(t, 3, f.calls)

	b, err := os.ReadFile(res.ImageTower)
	require.NoError(t, err)
	assert.Equal(t, "vision", string(b))

	ce, ok := cache.Lookup("s3://weights/tiny-hf/vision.onnx")
	require.True(t, ok)
	assert.Len(t, ce.SHA256, 64)

	_, err = r.Resolve(context.Background(), e)
	require.NoError(t, err)
	assert.Equal(t, 3, f.calls, "second resolve should be served from the cache")
}

func TestResolveRemoteRefetchesStaleEntry(t *testing.T) {
	m, err := ParseManifest([]byte(testManifest))
	require.NoError(t, err)

	dir := t.TempDir()
	cache, err := OpenCache(dir)
	require.NoError(t, err)

	f := &fakeFetcher{data: map[string][]byte{
		"s3://weights/tiny-hf/vision.onnx":    []byte("vision"),
		"s3://weights/tiny-hf/text.onnx":      []byte("text"),
		"s3://weights/tiny-hf/tokenizer.json": []byte("{}"),
	}}
	r := New(m, "", WithCache(cache), WithFetcher(f))
	e, err := r.Lookup("tiny-hf", "remote")
	require.NoError(t, err)

	res, err := r.Resolve(context.Background(), e)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(res.ImageTower, []byte("vis"), 0o644))
	assert.True(t, cache.Recorded("s3://weights/tiny-hf/vision.onnx"))

	res, err = r.Resolve(context.Background(), e)
	require.NoError(t, err)
	assert.Equal(t, 4, f.calls, "only the truncated tower is fetched again")
	b, err := os.ReadFile(res.ImageTower)
	require.NoError(t, err)
	assert.Equal(t, "vision", string(b))

	require.NoError(t, cache.Close())
	reopened, err := OpenCache(dir)
	require.NoError(t, err)
	defer reopened.Close()
	ce, ok := reopened.Lookup("s3://weights/tiny-hf/vision.onnx")
	require.True(t, ok)
	assert.Equal(t, int64(6), ce.Size)
	assert.Len(t, reopened.Entries(), 3)
}

func TestRegistryList(t *testing.T) {
	m, err := ParseManifest([]byte(testManifest))
	require.NoError(t, err)
	got := New(m, "").List()
	require.Len(t, got, 2)
	assert.Equal(t, "tiny-hf/remote", got[0].Key())
	assert.Equal(t, "tiny/local", got[1].Key())
}

func TestResolveRemoteWithoutCache(t *testing.T) {
	m, err := ParseManifest([]byte(testManifest))
	require.NoError(t, err)
	e, err := New(m, "").Lookup("tiny-hf", "remote")
	require.NoError(t, err)

	_, err = New(m, "").Resolve(context.Background(), e)
	assert.ErrorIs(t, err, ErrBadSource)
}

func TestParseS3URI(t *testing.T) {
	b, k, err := ParseS3URI("s3://bucket/a/b.onnx")
	require.NoError(t, err)
	assert.Equal(t, "bucket", b)
	assert.Equal(t, "a/b.onnx", k)

	for _, bad := range []string{"s3://bucket", "s3:///key", "http://x/y"} {
		_, _, err := ParseS3URI(bad)
		assert.ErrorIs(t, err, ErrBadSource, bad)
	}
}

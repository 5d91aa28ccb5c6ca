package validate

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeVector(t *testing.T, v []float32) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "emb.f32")
	require.NoError(t, WriteFloat32File(p, v))
	return p
}

func TestEmbeddingReport(t *testing.T) {
	p := writeVector(t, []float32{0.6, 0, -0.8, 0})

	r, err := Embedding(p, 4, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, r.Count)
	assert.InDelta(t, 1.0, r.Norm, 1e-6)
	assert.InDelta(t, -0.8, r.Min, 1e-6)
	assert.InDelta(t, 0.6, r.Max, 1e-6)
	assert.InDelta(t, -0.05, r.Mean, 1e-6)
	assert.True(t, r.Normalized)
	assert.Nil(t, r.Cosine)
}

func TestEmbeddingReportIsIdempotent(t *testing.T) {
	p := writeVector(t, []float32{3, 4, 12})

	a, err := Embedding(p, 0, nil)
	require.NoError(t, err)
	b, err := Embedding(p, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.False(t, a.Normalized)
	assert.InDelta(t, 13.0, a.Norm, 1e-6)
}

func TestEmbeddingRejectsTruncatedFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "bad.f32")
	require.NoError(t, os.WriteFile(p, []byte{0, 0, 128, 63, 0, 0}, 0o644))

	_, err := Embedding(p, 0, nil)
	assert.ErrorIs(t, err, ErrTruncatedFile)
}

func TestEmbeddingDimensionChecks(t *testing.T) {
	p := writeVector(t, []float32{1, 0, 0})

	_, err := Embedding(p, 512, nil)
	var dm *DimensionMismatchError
	require.True(t, errors.As(err, &dm))
	assert.Equal(t, 512, dm.Expected)
	assert.Equal(t, 3, dm.Actual)

	_, err = Embedding(p, 0, []float32{1, 0})
	require.True(t, errors.As(err, &dm))

	r, err := Embedding(p, 3, []float32{1, 1, 0})
	require.NoError(t, err)
	require.NotNil(t, r.Cosine)
	assert.InDelta(t, 0.70710678, *r.Cosine, 1e-6)
}

func TestParseJSONVector(t *testing.T) {
	v, err := ParseJSONVector([]byte(`[1, 2.5, -3]`))
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2.5, -3}, v)

	v, err = ParseJSONVector([]byte(`{"dim": 2, "vector": [0.5, 0.5]}`))
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.5}, v)

	_, err = ParseJSONVector([]byte(`{"embedding": [1]}`))
	assert.ErrorIs(t, err, ErrVectorFormat)

	for _, doc := range []string{`null`, `{"vector": null}`} {
		v, err = ParseJSONVector([]byte(doc))
		assert.ErrorIs(t, err, ErrVectorFormat, doc)
		assert.Nil(t, v, doc)
	}
}

func TestCheckTranscript(t *testing.T) {
	sum, err := CheckTranscript([]byte(`{"segments": [{"t0Ms": 0, "t1Ms": 500, "text": "hi"}]}`), 0)
	require.NoError(t, err)
	assert.Equal(t, TranscriptSummary{Segments: 1, Chars: 2}, sum)

	_, err = CheckTranscript([]byte(`{"segments": [{"t0Ms": 0, "t1Ms": 500, "text": "hi"}, {"t0Ms": 900, "t1Ms": 600, "text": "there"}]}`), 0)
	assert.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "Segments[1].T1Ms")

	for name, doc := range map[string]string{
		"no segments": `{"segments": []}`,
		"missing":     `{}`,
		"blank text":  `{"segments": [{"t0Ms": 0, "t1Ms": 1, "text": "  "}]}`,
		"not json":    `segments`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := CheckTranscript([]byte(doc), 0)
			assert.Error(t, err)
		})
	}

	_, err = CheckTranscript([]byte(`{"segments": [{"t0Ms": 0, "t1Ms": 500, "text": "hi"}]}`), 5)
	assert.ErrorIs(t, err, ErrTranscriptText)
}

const sidecar = `{
  "version": "1.0",
  "audio": {"uri": "file:///a.wav", "sr_hz": 16000, "channels": 1, "duration_ms": 1000},
  "job": {"model": "tiny.en", "threads": 4, "beam": 0, "lang": "en", "translate": false, "rtf": 0.2, "infer_ms": 200},
  "segments": [{"t0_ms": 0, "t1_ms": 1000, "text": "hello"}]
}`

func TestCheckSidecar(t *testing.T) {
	s, err := CheckSidecar([]byte(sidecar))
	require.NoError(t, err)
	assert.Equal(t, "1.0", Raw(s.Version))
	assert.Equal(t, "16000", Raw(s.Audio.SampleRate))
	assert.Equal(t, "tiny.en", Raw(s.Job.Model))
	assert.Equal(t, "false", Raw(s.Job.Translate))
	assert.Len(t, s.Segments, 1)

	// Leaf types are not checked, only presence.
	numeric := strings.Replace(sidecar, `"version": "1.0"`, `"version": 1`, 1)
	_, err = CheckSidecar([]byte(numeric))
	require.NoError(t, err)

	noText := strings.Replace(sidecar, `, "text": "hello"`, "", 1)
	_, err = CheckSidecar([]byte(noText))
	assert.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "missing Sidecar.Segments[0].Text")

	_, err = CheckSidecar([]byte(`{"version": 1, "audio": {"uri": "x"}, "segments": []}`))
	assert.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "missing Sidecar.Audio.SampleRate")
	assert.Contains(t, err.Error(), "missing Sidecar.Job")
}

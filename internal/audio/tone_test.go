package audio

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultToneFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tone.wav")

	n, err := DefaultTone().WriteWAV(path)
	require.NoError(t, err)
	assert.Equal(t, 16000, n)

	info, err := ReadWAV(path)
	require.NoError(t, err)
	assert.Equal(t, 16000, info.SampleRate)
	assert.Equal(t, 1, info.Channels)
	assert.Equal(t, 16, info.BitDepth)
	require.Len(t, info.Samples, 16000)
	for _, s := range info.Samples {
		require.GreaterOrEqual(t, s, -32767)
		require.LessOrEqual(t, s, 32767)
	}
	assert.Equal(t, DefaultTone().Samples(), info.Samples)
}

func TestToneShape(t *testing.T) {
	s := DefaultTone().Samples()
	assert.Equal(t, 0, s[0])
	// A quarter period of 440 Hz at 16 kHz is ~9.09 samples; the peak is near full scale.
	assert.Greater(t, s[9], 32000)
}

func TestLoudToneClips(t *testing.T) {
	tone := DefaultTone()
	tone.Amplitude = 3
	s := tone.Samples()
	assert.Equal(t, 32767, maxOf(s))
	assert.Equal(t, -32767, minOf(s))
}

func maxOf(v []int) int {
	m := v[0]
	for _, x := range v {
		m = max(m, x)
	}
	return m
}

func minOf(v []int) int {
	m := v[0]
	for _, x := range v {
		m = min(m, x)
	}
	return m
}

// Package audio synthesizes test fixtures for the speech pipeline.
package audio

import (
	"fmt"
	"math"
	"os"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	DefaultSampleRate = 16000
	DefaultFrequency  = 440.0
	DefaultDuration   = time.Second

	maxSample = 32767
	bitDepth  = 16
	pcmFormat = 1
)

// Tone describes a mono sine wave.
type Tone struct {
	SampleRate int           `validate:"gt=0"`
	Frequency  float64       `validate:"gt=0"`
	Duration   time.Duration `validate:"gt=0"`
	// Amplitude scales full scale; values above 1 clip.
	Amplitude float64 `validate:"gt=0"`
}

func DefaultTone() Tone {
	return Tone{SampleRate: DefaultSampleRate, Frequency: DefaultFrequency, Duration: DefaultDuration, Amplitude: 1}
}

// Samples renders the tone as 16-bit values in [-32767, 32767].
func (t Tone) Samples() []int {
	n := int(t.Duration.Seconds() * float64(t.SampleRate))
	out := make([]int, n)
	for i := range out {
		s := t.Amplitude * math.Sin(2*math.Pi*t.Frequency*float64(i)/float64(t.SampleRate))
		out[i] = max(-maxSample, min(maxSample, int(s*maxSample)))
	}
	return out
}

// WriteWAV writes the tone as a 16-bit PCM mono WAV file.
func (t Tone) WriteWAV(path string) (int, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create wav: %w", err)
	}
	samples := t.Samples()
	enc := wav.NewEncoder(f, t.SampleRate, bitDepth, 1, pcmFormat)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: t.SampleRate},
		Data:           samples,
		SourceBitDepth: bitDepth,
	}
	if err := enc.Write(buf); err != nil {
		_ = f.Close()
		return 0, fmt.Errorf("encode wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		_ = f.Close()
		return 0, fmt.Errorf("finish wav: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("close wav: %w", err)
	}
	return len(samples), nil
}

// Info is what ReadWAV reports about a file.
type Info struct {
	SampleRate int
	Channels   int
	BitDepth   int
	Samples    []int
}

// ReadWAV decodes a PCM WAV file.
func ReadWAV(path string) (*Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()

	d := wav.NewDecoder(f)
	if !d.IsValidFile() {
		return nil, fmt.Errorf("%s is not a valid wav file", path)
	}
	buf, err := d.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode wav: %w", err)
	}
	return &Info{
		SampleRate: int(d.SampleRate),
		Channels:   int(d.NumChans),
		BitDepth:   int(d.BitDepth),
		Samples:    buf.Data,
	}, nil
}

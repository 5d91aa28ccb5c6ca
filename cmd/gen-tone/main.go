// Command gen-tone writes a 16-bit PCM mono sine tone, by default one
// second of 440 Hz at 16 kHz.
package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/kennethnrk/edgeclip/internal/audio"
	"github.com/kennethnrk/edgeclip/internal/cli"
)

type config struct {
	Out        string        `flag:"out" validate:"required"`
	SampleRate int           `flag:"rate" validate:"gt=0"`
	Frequency  float64       `flag:"freq" validate:"gt=0"`
	Duration   time.Duration `flag:"duration" validate:"gt=0"`
	Amplitude  float64       `flag:"amplitude" validate:"gt=0"`
}

func main() {
	var cfg config
	p := cli.New("gen-tone", "-out tone.wav [-rate 16000] [-freq 440] [-duration 1s]")
	fs := p.Flags
	fs.StringVar(&cfg.Out, "out", "", "output WAV file")
	fs.IntVar(&cfg.SampleRate, "rate", audio.DefaultSampleRate, "sample rate in Hz")
	fs.Float64Var(&cfg.Frequency, "freq", audio.DefaultFrequency, "tone frequency in Hz")
	fs.DurationVar(&cfg.Duration, "duration", audio.DefaultDuration, "tone length")
	fs.Float64Var(&cfg.Amplitude, "amplitude", 1, "fraction of full scale; above 1 clips")

	p.Main(&cfg, func(ctx context.Context, log zerolog.Logger) error {
		tone := audio.Tone{SampleRate: cfg.SampleRate, Frequency: cfg.Frequency, Duration: cfg.Duration, Amplitude: cfg.Amplitude}
		n, err := tone.WriteWAV(cfg.Out)
		if err != nil {
			return err
		}
		fmt.Printf("wrote %s: %d samples, %d Hz, %.0f Hz tone\n", cfg.Out, n, cfg.SampleRate, cfg.Frequency)
		return nil
	})
}

// Command check-transcript sanity-checks recognizer JSON output: segment
// times must be ordered and the joined text non-empty. With -sidecar it
// checks the full sidecar schema instead.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/kennethnrk/edgeclip/internal/cli"
	"github.com/kennethnrk/edgeclip/internal/validate"
)

type config struct {
	In       string `flag:"in" validate:"required"`
	MinChars int    `flag:"min-chars" validate:"gte=0"`
	Sidecar  bool
}

func main() {
	var cfg config
	p := cli.New("check-transcript", "-in transcript.json [-min-chars 1] [-sidecar]")
	fs := p.Flags
	fs.StringVar(&cfg.In, "in", "", "transcript JSON file")
	fs.IntVar(&cfg.MinChars, "min-chars", 1, "minimum length of the joined text")
	fs.BoolVar(&cfg.Sidecar, "sidecar", false, "validate the full recognizer sidecar schema (version, audio, job, segments)")

	p.Main(&cfg, func(ctx context.Context, log zerolog.Logger) error {
		if cfg.Sidecar {
			data, err := os.ReadFile(cfg.In)
			if err != nil {
				return fmt.Errorf("read sidecar: %w", err)
			}
			s, err := validate.CheckSidecar(data)
			if err != nil {
				return err
			}
			fmt.Printf("valid sidecar: %s\n", cfg.In)
			fmt.Printf("audio: %sms @ %sHz, %sch\n", validate.Raw(s.Audio.DurationMs), validate.Raw(s.Audio.SampleRate), validate.Raw(s.Audio.Channels))
			fmt.Printf("job: %s, rtf=%s, %sms\n", validate.Raw(s.Job.Model), validate.Raw(s.Job.RTF), validate.Raw(s.Job.InferMs))
			fmt.Printf("segments: %d\n", len(s.Segments))
			return nil
		}

		sum, err := validate.CheckTranscriptFile(cfg.In, cfg.MinChars)
		if err != nil {
			return err
		}
		fmt.Printf("segments=%d chars=%d\n", sum.Segments, sum.Chars)
		return nil
	})
}

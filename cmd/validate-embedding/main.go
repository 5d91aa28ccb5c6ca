// Command validate-embedding checks a raw float32 embedding file: length,
// norm, value range and, optionally, cosine similarity with a JSON vector.
package main

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/kennethnrk/edgeclip/internal/cli"
	"github.com/kennethnrk/edgeclip/internal/validate"
)

type config struct {
	In      string `flag:"in" validate:"required"`
	Dim     int    `flag:"dim" validate:"gte=0"`
	Compare string
}

func main() {
	var cfg config
	p := cli.New("validate-embedding", "-in embedding.f32 [-dim 512] [-compare query.json]")
	fs := p.Flags
	fs.StringVar(&cfg.In, "in", "", "raw little-endian float32 embedding file")
	fs.IntVar(&cfg.Dim, "dim", 0, "expected number of values (0 skips the check)")
	fs.StringVar(&cfg.Compare, "compare", "", "JSON vector to compare against: an array or {\"vector\": [...]}")

	p.Main(&cfg, func(ctx context.Context, log zerolog.Logger) error {
		var cmp []float32
		if cfg.Compare != "" {
			v, err := validate.ReadJSONVector(cfg.Compare)
			if err != nil {
				return err
			}
			cmp = v
		}

		r, err := validate.Embedding(cfg.In, cfg.Dim, cmp)
		if err != nil {
			return err
		}
		if !r.Normalized {
			log.Warn().Float64("norm", r.Norm).Msg("Embedding is not unit length")
		}
		return cli.PrintJSON(r)
	})
}

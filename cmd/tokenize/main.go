// Command tokenize encodes text into the CLIP id row a text encoder
// artifact takes.
package main

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/kennethnrk/edgeclip/internal/cli"
	"github.com/kennethnrk/edgeclip/internal/tokenizer"
)

type config struct {
	VocabDir      string `flag:"vocab-dir" validate:"required"`
	Text          string `flag:"text" validate:"required"`
	ContextLength int    `flag:"context-length" validate:"gte=0"`
}

func main() {
	var cfg config
	p := cli.New("tokenize", "-text \"a photo of a dog\" [-vocab-dir mobile_models]")
	fs := p.Flags
	fs.StringVar(&cfg.VocabDir, "vocab-dir", "mobile_models", "directory with vocab.json, merges.txt and tokenizer_config.json")
	fs.StringVar(&cfg.Text, "text", "", "text to encode")
	fs.IntVar(&cfg.ContextLength, "context-length", 0, "row length (0 uses tokenizer_config.json)")

	p.Main(&cfg, func(ctx context.Context, log zerolog.Logger) error {
		vocab, tcfg, err := tokenizer.LoadSidecars(cfg.VocabDir)
		if err != nil {
			return err
		}
		n := tcfg.ContextLength
		if cfg.ContextLength > 0 {
			n = cfg.ContextLength
		}
		bpe, err := tokenizer.NewBPE(vocab)
		if err != nil {
			return err
		}
		row, err := bpe.Tokenize(cfg.Text, n)
		if err != nil {
			return err
		}
		log.Debug().Int("context_length", n).Msg("Tokenized")
		return cli.PrintJSON(struct {
			Text string  `json:"text"`
			IDs  []int64 `json:"ids"`
		}{cfg.Text, row.I64})
	})
}

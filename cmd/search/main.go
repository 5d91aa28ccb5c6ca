// Command search ranks stored embeddings against a query vector, or against
// a text query encoded with a text encoder artifact.
package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/kennethnrk/edgeclip/internal/artifact"
	"github.com/kennethnrk/edgeclip/internal/cli"
	"github.com/kennethnrk/edgeclip/internal/retrieval"
	"github.com/kennethnrk/edgeclip/internal/tokenizer"
	"github.com/kennethnrk/edgeclip/internal/validate"
)

type config struct {
	cli.RuntimeFlags

	Store     string
	DB        string
	Dim       int `flag:"dim" validate:"gt=0"`
	Query     string
	Text      string
	TextModel string
	VocabDir  string
	K         int `flag:"k" validate:"gt=0"`
}

func main() {
	var cfg config
	p := cli.New("search", "(-store vectors.f32 | -db videos.db) (-query q.json | -text \"a dog\" -text-model clip_text_encoder.ecl)")
	fs := p.Flags
	cfg.RuntimeFlags.Register(fs)
	fs.StringVar(&cfg.Store, "store", "", "flat float32 store; vector names are read from <store>.ids when present")
	fs.StringVar(&cfg.DB, "db", "", "SQLite video index written by embed-video -index")
	fs.IntVar(&cfg.Dim, "dim", 512, "vector width of -store")
	fs.StringVar(&cfg.Query, "query", "", "query vector JSON: an array or {\"vector\": [...]}")
	fs.StringVar(&cfg.Text, "text", "", "text query")
	fs.StringVar(&cfg.TextModel, "text-model", "mobile_models/clip_text_encoder.ecl", "separate text encoder artifact for -text, as written by export-clip or export-hf -separate")
	fs.StringVar(&cfg.VocabDir, "vocab-dir", "mobile_models", "directory with the tokenizer sidecars the exporter wrote next to -text-model")
	fs.IntVar(&cfg.K, "k", retrieval.DefaultK, "number of results")

	p.Main(&cfg, func(ctx context.Context, log zerolog.Logger) error {
		if (cfg.Store == "") == (cfg.DB == "") {
			return cli.Usagef("give exactly one of -store and -db")
		}
		if (cfg.Query == "") == (cfg.Text == "") {
			return cli.Usagef("give exactly one of -query and -text")
		}

		var (
			store *retrieval.Store
			err   error
		)
		if cfg.Store != "" {
			store, err = retrieval.LoadFlat(cfg.Store, cfg.Dim)
		} else {
			ix, oerr := retrieval.OpenIndex(ctx, cfg.DB)
			if oerr != nil {
				return oerr
			}
			defer ix.Close()
			store, err = ix.Store(ctx)
		}
		if err != nil {
			return err
		}

		var query []float32
		if cfg.Query != "" {
			query, err = validate.ReadJSONVector(cfg.Query)
		} else {
			query, err = encodeText(ctx, log, cfg)
		}
		if err != nil {
			return err
		}

		hits, err := store.TopK(query, cfg.K)
		if err != nil {
			return err
		}
		log.Debug().Int("stored", store.Len()).Int("hits", len(hits)).Msg("Search complete")
		return cli.PrintJSON(hits)
	})
}

func encodeText(ctx context.Context, log zerolog.Logger, cfg config) ([]float32, error) {
	vocab, tcfg, err := tokenizer.LoadSidecars(cfg.VocabDir)
	if err != nil {
		return nil, err
	}
	bpe, err := tokenizer.NewBPE(vocab)
	if err != nil {
		return nil, err
	}
	ids, err := bpe.Tokenize(cfg.Text, tcfg.ContextLength)
	if err != nil {
		return nil, err
	}

	rt, shutdown, err := cfg.RuntimeFlags.Open(log)
	if err != nil {
		return nil, err
	}
	defer shutdown()
	m, err := artifact.Open(cfg.TextModel, rt)
	if err != nil {
		return nil, err
	}
	if n := len(m.Program().Inputs); n != 1 {
		return nil, fmt.Errorf("%s takes %d inputs; -text needs a text encoder artifact (export with export-clip, or export-hf -separate)", cfg.TextModel, n)
	}
	out, err := m.Run(ctx, ids)
	if err != nil {
		return nil, err
	}
	t, err := out.First()
	if err != nil {
		return nil, err
	}
	return t.F32, nil
}

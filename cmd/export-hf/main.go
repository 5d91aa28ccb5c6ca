// Command export-hf exports a transformers-flavor CLIP model into a single
// combined artifact and writes the tokenizer sidecars next to it.
package main

import (
	"context"
	"os"

	"github.com/rs/zerolog"

	"github.com/kennethnrk/edgeclip/internal/cli"
	"github.com/kennethnrk/edgeclip/internal/common/constants"
	"github.com/kennethnrk/edgeclip/internal/export"
)

const defaultName = "clip_vit_b32_mean_v1.ecl"

type config struct {
	cli.ModelFlags
	cli.RuntimeFlags

	OutDir      string `flag:"out-dir" validate:"required"`
	Name        string `flag:"name" validate:"required"`
	Separate    bool
	Capture     string `flag:"capture" validate:"oneof=auto script trace"`
	Compress    string `flag:"compress" validate:"oneof=zstd lz4 none"`
	TextExample string `flag:"text-example" validate:"oneof=ones eot"`
	Seed        uint64
	Verify      bool
}

func main() {
	var cfg config
	p := cli.New("export-hf", "[-model openai/clip-vit-base-patch32] [-out-dir .] [-name "+defaultName+"]")
	fs := p.Flags
	cfg.ModelFlags.Register(fs, "openai/clip-vit-base-patch32", "main")
	cfg.RuntimeFlags.Register(fs)
	fs.StringVar(&cfg.OutDir, "out-dir", ".", "directory for the artifact, model_info.json and tokenizer sidecars")
	fs.StringVar(&cfg.Name, "name", defaultName, "combined artifact file name")
	fs.BoolVar(&cfg.Separate, "separate", false, "write separate image and text artifacts instead of one combined artifact")
	fs.StringVar(&cfg.Capture, "capture", string(export.PolicyAuto), "capture policy: auto (script, falling back to trace), script or trace")
	fs.StringVar(&cfg.Compress, "compress", string(constants.CompressionZSTD), "artifact compression: zstd, lz4 or none")
	fs.StringVar(&cfg.TextExample, "text-example", string(constants.TextExampleEOT), "example token ids used when tracing: ones or eot")
	fs.Uint64Var(&cfg.Seed, "seed", 0, "seed of the example image noise")
	fs.BoolVar(&cfg.Verify, "verify", true, "reload each artifact and compare it with the in-process output")

	p.Main(&cfg, func(ctx context.Context, log zerolog.Logger) error {
		if cfg.ListModels {
			return cfg.ModelFlags.PrintModels(os.Stdout)
		}
		h, err := cfg.ModelFlags.Load(ctx, log)
		if err != nil {
			return err
		}
		if err := h.CheckFlavor(constants.FlavorTransformers); err != nil {
			return cli.Usagef("%v; use export-clip for open_clip models", err)
		}

		rt, shutdown, err := cfg.RuntimeFlags.Open(log)
		if err != nil {
			return err
		}
		defer shutdown()

		meta, err := export.NewExporter(rt, log).Export(ctx, h, export.Options{
			OutDir:       cfg.OutDir,
			Combined:     !cfg.Separate,
			Capture:      export.Policy(cfg.Capture),
			Compression:  constants.Compression(cfg.Compress),
			TextExample:  constants.TextExample(cfg.TextExample),
			Seed:         cfg.Seed,
			Verify:       cfg.Verify,
			CombinedName: cfg.Name,
		})
		if err != nil {
			return err
		}
		log.Info().Str("out", cfg.OutDir).Strs("tokenizer", meta.TokenizerFiles).Msg("Export complete")
		return cli.PrintJSON(meta)
	})
}

// Command export-clip exports an open_clip style model into image and text
// encoder artifacts plus model_info.json.
package main

import (
	"context"
	"os"

	"github.com/rs/zerolog"

	"github.com/kennethnrk/edgeclip/internal/cli"
	"github.com/kennethnrk/edgeclip/internal/common/constants"
	"github.com/kennethnrk/edgeclip/internal/export"
)

type config struct {
	cli.ModelFlags
	cli.RuntimeFlags

	OutDir       string `flag:"out" validate:"required"`
	Combined     bool
	Capture      string `flag:"capture" validate:"oneof=auto script trace"`
	Compress     string `flag:"compress" validate:"oneof=zstd lz4 none"`
	TextExample  string `flag:"text-example" validate:"oneof=ones eot"`
	Seed         uint64
	Verify       bool
	ImageName    string `flag:"image-name" validate:"required"`
	TextName     string `flag:"text-name" validate:"required"`
	CombinedName string `flag:"combined-name" validate:"required"`
}

func main() {
	var cfg config
	p := cli.New("export-clip", "[-model ViT-B-32] [-pretrained openai] [-out mobile_models]")
	fs := p.Flags
	cfg.ModelFlags.Register(fs, "ViT-B-32", "openai")
	cfg.RuntimeFlags.Register(fs)
	fs.StringVar(&cfg.OutDir, "out", "mobile_models", "output directory")
	fs.BoolVar(&cfg.Combined, "combined", false, "write one artifact taking (image, text) instead of two")
	fs.StringVar(&cfg.Capture, "capture", string(export.PolicyAuto), "capture policy: auto (script, falling back to trace), script or trace")
	fs.StringVar(&cfg.Compress, "compress", string(constants.CompressionZSTD), "artifact compression: zstd, lz4 or none")
	fs.StringVar(&cfg.TextExample, "text-example", string(constants.TextExampleOnes), "example token ids used when tracing: ones or eot")
	fs.Uint64Var(&cfg.Seed, "seed", 0, "seed of the example image noise")
	fs.BoolVar(&cfg.Verify, "verify", true, "reload each artifact and compare it with the in-process output")
	fs.StringVar(&cfg.ImageName, "image-name", export.DefaultImageName, "image encoder file name")
	fs.StringVar(&cfg.TextName, "text-name", export.DefaultTextName, "text encoder file name")
	fs.StringVar(&cfg.CombinedName, "combined-name", export.DefaultCombinedName, "combined encoder file name")

	p.Main(&cfg, func(ctx context.Context, log zerolog.Logger) error {
		return run(ctx, log, cfg, constants.FlavorOpenCLIP)
	})
}

func run(ctx context.Context, log zerolog.Logger, cfg config, flavor constants.Flavor) error {
	if cfg.ListModels {
		return cfg.ModelFlags.PrintModels(os.Stdout)
	}
	h, err := cfg.ModelFlags.Load(ctx, log)
	if err != nil {
		return err
	}
	if err := h.CheckFlavor(flavor); err != nil {
		return cli.Usagef("%v; use the exporter for that flavor", err)
	}

	rt, shutdown, err := cfg.RuntimeFlags.Open(log)
	if err != nil {
		return err
	}
	defer shutdown()

	meta, err := export.NewExporter(rt, log).Export(ctx, h, export.Options{
		OutDir:       cfg.OutDir,
		Combined:     cfg.Combined,
		Capture:      export.Policy(cfg.Capture),
		Compression:  constants.Compression(cfg.Compress),
		TextExample:  constants.TextExample(cfg.TextExample),
		Seed:         cfg.Seed,
		Verify:       cfg.Verify,
		ImageName:    cfg.ImageName,
		TextName:     cfg.TextName,
		CombinedName: cfg.CombinedName,
	})
	if err != nil {
		return err
	}
	log.Info().Str("out", cfg.OutDir).Str("export_id", meta.ExportID).Msg("Export complete")
	return cli.PrintJSON(meta)
}

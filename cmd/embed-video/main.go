// Command embed-video computes a mean-pooled CLIP embedding for a video
// with an image encoder artifact and prints {"dim", "vector"} JSON.
package main

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/kennethnrk/edgeclip/internal/artifact"
	"github.com/kennethnrk/edgeclip/internal/cli"
	"github.com/kennethnrk/edgeclip/internal/retrieval"
	"github.com/kennethnrk/edgeclip/internal/validate"
	"github.com/kennethnrk/edgeclip/internal/video"
)

type config struct {
	cli.RuntimeFlags

	Video   string `flag:"video" validate:"required"`
	Model   string `flag:"model" validate:"required"`
	Frames  int    `flag:"frames" validate:"gt=0"`
	FFmpeg  string
	FFprobe string
	TempDir string
	Out     string
	Index   string
}

func main() {
	var cfg config
	p := cli.New("embed-video", "-video FILE -model clip_image_encoder.ecl [-frames 8]")
	fs := p.Flags
	cfg.RuntimeFlags.Register(fs)
	fs.StringVar(&cfg.Video, "video", "", "video file")
	fs.StringVar(&cfg.Model, "model", "mobile_models/clip_image_encoder.ecl", "image or combined encoder artifact")
	fs.IntVar(&cfg.Frames, "frames", video.DefaultFrames, "frames sampled per video")
	fs.StringVar(&cfg.FFmpeg, "ffmpeg", "", "ffmpeg executable (default: looked up on PATH)")
	fs.StringVar(&cfg.FFprobe, "ffprobe", "", "ffprobe executable (default: looked up on PATH)")
	fs.StringVar(&cfg.TempDir, "tmp", "", "parent directory for extracted frames (default: system temp dir)")
	fs.StringVar(&cfg.Out, "out", "", "also write the vector as raw float32 to this file")
	fs.StringVar(&cfg.Index, "index", "", "append the vector to this SQLite video index")

	p.Main(&cfg, func(ctx context.Context, log zerolog.Logger) error {
		src, err := video.NewFFmpeg(cfg.FFmpeg, cfg.FFprobe)
		if err != nil {
			return err
		}
		rt, shutdown, err := cfg.RuntimeFlags.Open(log)
		if err != nil {
			return err
		}
		defer shutdown()

		enc, err := artifact.Open(cfg.Model, rt)
		if err != nil {
			return err
		}
		pl := video.NewPipeline(src, enc, log)
		pl.Frames = cfg.Frames
		pl.TempDir = cfg.TempDir

		res, err := pl.Embed(ctx, cfg.Video)
		if err != nil {
			return err
		}

		if cfg.Out != "" {
			if err := validate.WriteFloat32File(cfg.Out, res.Vector); err != nil {
				return err
			}
		}
		if cfg.Index != "" {
			ix, err := retrieval.OpenIndex(ctx, cfg.Index)
			if err != nil {
				return err
			}
			defer ix.Close()
			id, err := ix.Add(ctx, res.Video, res.Frames, res.Vector)
			if err != nil {
				return err
			}
			log.Info().Str("id", id).Str("index", cfg.Index).Msg("Indexed")
		}
		return cli.PrintJSON(res)
	})
}

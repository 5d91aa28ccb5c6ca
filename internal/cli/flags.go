package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"path/filepath"
	"reflect"
	"text/tabwriter"

	"github.com/rs/zerolog"

	"github.com/kennethnrk/edgeclip/internal/model"
	"github.com/kennethnrk/edgeclip/internal/onnx"
	"github.com/kennethnrk/edgeclip/internal/registry"
)

func fieldTag(cfg any, field string) (string, bool) {
	t := reflect.TypeOf(cfg)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return "", false
	}
	f, ok := t.FieldByName(field)
	if !ok {
		return "", false
	}
	name := f.Tag.Get("flag")
	return name, name != ""
}

// RuntimeFlags configure the ONNX Runtime graph runner.
type RuntimeFlags struct {
	Lib     string
	Threads int `flag:"threads" validate:"gte=0"`
}

func (r *RuntimeFlags) Register(fs *flag.FlagSet) {
	fs.StringVar(&r.Lib, "ort-lib", "", "path to the ONNX Runtime shared library (default: system loader lookup of "+onnx.DefaultLibraryPath()+")")
	fs.IntVar(&r.Threads, "threads", 0, "intra-op threads per session (0 lets ONNX Runtime decide)")
}

// Open initializes ONNX Runtime. The returned func releases every session
// and the environment.
func (r *RuntimeFlags) Open(log zerolog.Logger) (*onnx.Runtime, func(), error) {
	if err := onnx.Init(r.Lib); err != nil {
		return nil, nil, err
	}
	rt := onnx.NewRuntime(r.Threads, log)
	return rt, func() {
		if err := errors.Join(rt.Close(), onnx.Shutdown()); err != nil {
			log.Warn().Err(err).Msg("ONNX Runtime shutdown")
		}
	}, nil
}

// ModelFlags select and load a model from the registry.
type ModelFlags struct {
	Architecture string `flag:"model" validate:"required"`
	Pretrained   string `flag:"pretrained" validate:"required"`
	Manifest     string
	ModelsDir    string `flag:"models-dir" validate:"required"`
	CacheDir     string
	S3Region     string
	SkipMemCheck bool
	ListModels   bool
}

// Register binds the flags, with defaults for the given model.
func (m *ModelFlags) Register(fs *flag.FlagSet, arch, pretrained string) {
	fs.StringVar(&m.Architecture, "model", arch, "model architecture")
	fs.StringVar(&m.Pretrained, "pretrained", pretrained, "pretrained weights tag")
	fs.StringVar(&m.Manifest, "registry", "", "registry manifest YAML (default: built-in manifest)")
	fs.StringVar(&m.ModelsDir, "models-dir", "models", "directory holding local tower files")
	fs.StringVar(&m.CacheDir, "cache-dir", "", "download cache for s3:// sources (default: <models-dir>/.cache)")
	fs.StringVar(&m.S3Region, "s3-region", "", "AWS region for s3:// sources (default: SDK configuration)")
	fs.BoolVar(&m.SkipMemCheck, "skip-memory-check", false, "skip the free-memory check before loading towers")
	fs.BoolVar(&m.ListModels, "list-models", false, "print the registry entries and exit")
}

// PrintModels writes one line per registry entry.
func (m *ModelFlags) PrintModels(w io.Writer) error {
	man, err := registry.LoadManifest(m.Manifest)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MODEL\tPRETRAINED\tFLAVOR\tDIM\tIMAGE\tCONTEXT")
	for _, e := range registry.New(man, m.ModelsDir).List() {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\n", e.Architecture, e.Pretrained, e.Flavor, e.EmbedDim, e.ImageSize, e.ContextLength)
	}
	return tw.Flush()
}

// Load resolves the selected entry and loads it. The cache and S3 client
// are only opened when the entry has remote sources.
func (m *ModelFlags) Load(ctx context.Context, log zerolog.Logger) (*model.Handle, error) {
	man, err := registry.LoadManifest(m.Manifest)
	if err != nil {
		return nil, err
	}
	probe := registry.New(man, m.ModelsDir)
	e, err := probe.Lookup(m.Architecture, m.Pretrained)
	if err != nil {
		return nil, err
	}

	opts := []registry.Option{registry.WithLogger(log)}
	if hasRemote(e) {
		dir := m.CacheDir
		if dir == "" {
			dir = filepath.Join(m.ModelsDir, ".cache")
		}
		cache, err := registry.OpenCache(dir)
		if err != nil {
			return nil, err
		}
		defer func() {
			if err := cache.Close(); err != nil {
				log.Warn().Err(err).Msg("Closing download cache")
			}
		}()
		fetcher, err := registry.NewS3Fetcher(ctx, m.S3Region)
		if err != nil {
			return nil, err
		}
		opts = append(opts, registry.WithCache(cache), registry.WithFetcher(fetcher))
	}

	res, err := registry.New(man, m.ModelsDir, opts...).Resolve(ctx, e)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", e.Key(), err)
	}
	l := model.NewLoader(log)
	l.SkipMemoryCheck = m.SkipMemCheck
	return l.Load(ctx, res)
}

func hasRemote(e registry.Entry) bool {
	for _, s := range []string{e.ImageTower, e.TextTower, e.TextProjection, e.Tokenizer} {
		if registry.IsRemote(s) {
			return true
		}
	}
	return false
}

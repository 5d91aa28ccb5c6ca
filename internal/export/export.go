// Package export drives a full export: wrap the loaded model, capture each
// wrapper program, write the artifacts and their metadata, and verify that
// every artifact reproduces the in-process output.
package export

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kennethnrk/edgeclip/internal/artifact"
	"github.com/kennethnrk/edgeclip/internal/common/constants"
	"github.com/kennethnrk/edgeclip/internal/host"
	"github.com/kennethnrk/edgeclip/internal/jit"
	"github.com/kennethnrk/edgeclip/internal/model"
	"github.com/kennethnrk/edgeclip/internal/tensor"
	"github.com/kennethnrk/edgeclip/internal/tokenizer"
	"github.com/kennethnrk/edgeclip/internal/wrapper"
)

// Default output names.
const (
	MetadataFile        = "model_info.json"
	DefaultImageName    = "clip_image_encoder.ecl"
	DefaultTextName     = "clip_text_encoder.ecl"
	DefaultCombinedName = "clip_combined_encoder.ecl"
)

// ErrParity is returned when a written artifact does not reproduce the
// in-process output within constants.ParityTolerance.
var ErrParity = errors.New("artifact output differs from in-process output")

// Options controls one export.
type Options struct {
	OutDir      string
	Combined    bool
	Capture     Policy
	Compression constants.Compression
	TextExample constants.TextExample
	Seed        uint64
	Verify      bool

	ImageName    string
	TextName     string
	CombinedName string
}

func (o *Options) applyDefaults() {
	if o.ImageName == "" {
		o.ImageName = DefaultImageName
	}
	if o.TextName == "" {
		o.TextName = DefaultTextName
	}
	if o.CombinedName == "" {
		o.CombinedName = DefaultCombinedName
	}
	if o.Capture == "" {
		o.Capture = PolicyAuto
	}
	if o.Compression == "" {
		o.Compression = constants.CompressionZSTD
	}
}

// ArtifactMeta describes one written artifact.
type ArtifactMeta struct {
	Encoder      constants.EncoderKind `json:"encoder"`
	Capture      constants.CaptureMode `json:"capture"`
	Codec        string                `json:"codec"`
	Size         int                   `json:"size"`
	Instructions int                   `json:"instructions"`
	Verified     bool                  `json:"verified"`
}

// Metadata is written next to the artifacts as model_info.json.
type Metadata struct {
	ExportID        string                  `json:"export_id"`
	ModelName       string                  `json:"model_name"`
	Pretrained      string                  `json:"pretrained"`
	Flavor          constants.Flavor        `json:"flavor"`
	ImageEncoder    string                  `json:"image_encoder,omitempty"`
	TextEncoder     string                  `json:"text_encoder,omitempty"`
	CombinedEncoder string                  `json:"combined_encoder,omitempty"`
	EmbeddingDim    int                     `json:"embedding_dim"`
	ImageSize       int                     `json:"image_size"`
	MaxTextLength   int                     `json:"max_text_length"`
	Artifacts       map[string]ArtifactMeta `json:"artifacts"`
	TokenizerFiles  []string                `json:"tokenizer_files,omitempty"`
	Host            host.Info               `json:"host"`
	CreatedAt       time.Time               `json:"created_at"`
}

// ReadMetadata loads a model_info.json file.
func ReadMetadata(path string) (*Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &m, nil
}

// Exporter writes artifacts for loaded models.
type Exporter struct {
	rt  jit.GraphRunner
	log zerolog.Logger

	// now and hostInfo are replaced in tests.
	now      func() time.Time
	hostInfo func(context.Context) (host.Info, error)
}

func NewExporter(rt jit.GraphRunner, log zerolog.Logger) *Exporter {
	return &Exporter{rt: rt, log: log, now: time.Now, hostInfo: host.Collect}
}

// Export writes the artifacts for h into opts.OutDir and returns the
// metadata it wrote.
func (e *Exporter) Export(ctx context.Context, h *model.Handle, opts Options) (*Metadata, error) {
	opts.applyDefaults()
	if err := os.MkdirAll(opts.OutDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	var vocab *tokenizer.Vocab
	eot := tokenizer.DefaultEOTID
	if h.Entry.Flavor == constants.FlavorTransformers && h.TokenizerPath == "" {
		return nil, fmt.Errorf("%s has no tokenizer: %w", h.Entry.Key(), model.ErrAttributeNotFound)
	}
	// Sidecars are written for every flavor that names a tokenizer.
	if h.TokenizerPath != "" {
		v, err := tokenizer.LoadHF(h.TokenizerPath)
		if err != nil {
			return nil, err
		}
		vocab, eot = v, v.EOTID
	}

	img := ImageExample(h, opts.Seed)
	txt, err := TextExample(h, opts.TextExample, eot)
	if err != nil {
		return nil, err
	}

	meta := &Metadata{
		ExportID:      uuid.NewString(),
		ModelName:     h.Entry.Architecture,
		Pretrained:    h.Entry.Pretrained,
		Flavor:        h.Entry.Flavor,
		EmbeddingDim:  h.EmbedDim(),
		ImageSize:     h.Entry.ImageSize,
		MaxTextLength: h.Entry.ContextLength,
		Artifacts:     map[string]ArtifactMeta{},
	}

	type job struct {
		kind constants.EncoderKind
		name string
		slot *string
	}
	jobs := []job{
		{constants.EncoderImage, opts.ImageName, &meta.ImageEncoder},
		{constants.EncoderText, opts.TextName, &meta.TextEncoder},
	}
	if opts.Combined {
		jobs = []job{{constants.EncoderCombined, opts.CombinedName, &meta.CombinedEncoder}}
	}

	for _, j := range jobs {
		am, err := e.exportOne(ctx, h, j.kind, filepath.Join(opts.OutDir, j.name), examplesFor(j.kind, img, txt), opts)
		if err != nil {
			return nil, err
		}
		*j.slot = j.name
		meta.Artifacts[j.name] = am
	}

	if vocab != nil {
		files, err := tokenizer.WriteSidecars(opts.OutDir, vocab, h.Entry.ContextLength)
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			meta.TokenizerFiles = append(meta.TokenizerFiles, filepath.Base(f))
		}
		e.log.Info().Strs("files", meta.TokenizerFiles).Msg("Tokenizer sidecars written")
	}

	info, err := e.hostInfo(ctx)
	if err != nil {
		e.log.Warn().Err(err).Msg("Host facts are incomplete")
	}
	meta.Host = info
	meta.CreatedAt = e.now().UTC()

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(opts.OutDir, MetadataFile), data, 0o644); err != nil {
		return nil, fmt.Errorf("write metadata: %w", err)
	}
	return meta, nil
}

func (e *Exporter) exportOne(ctx context.Context, h *model.Handle, kind constants.EncoderKind, path string, examples []*tensor.Tensor, opts Options) (ArtifactMeta, error) {
	p, err := wrapper.Build(h, kind)
	if err != nil {
		return ArtifactMeta{}, err
	}
	c, err := Capture(ctx, p, e.rt, examples, opts.Capture, e.log)
	if err != nil {
		return ArtifactMeta{}, err
	}
	info, err := artifact.Save(path, c.Program, opts.Compression)
	if err != nil {
		return ArtifactMeta{}, fmt.Errorf("save %s: %w", filepath.Base(path), err)
	}
	am := ArtifactMeta{
		Encoder:      kind,
		Capture:      info.Capture,
		Codec:        info.Codec,
		Size:         info.StoredSize,
		Instructions: info.Instructions,
	}

	if opts.Verify {
		d, err := e.verify(ctx, path, examples, c.Reference)
		if err != nil {
			return ArtifactMeta{}, err
		}
		am.Verified = true
		e.log.Debug().Str("artifact", filepath.Base(path)).Float64("max_abs_diff", d).Msg("Round trip verified")
	}

	e.log.Info().
		Str("artifact", path).
		Str("encoder", string(kind)).
		Str("capture", string(info.Capture)).
		Str("codec", info.Codec).
		Str("size", humanize.Bytes(uint64(info.StoredSize))).
		Msg("Artifact written")
	return am, nil
}

// verify reloads the artifact at path and checks it against want.
func (e *Exporter) verify(ctx context.Context, path string, examples []*tensor.Tensor, want jit.Value) (float64, error) {
	m, err := artifact.Open(path, e.rt)
	if err != nil {
		return 0, err
	}
	got, err := m.Run(ctx, examples...)
	if err != nil {
		return 0, fmt.Errorf("run %s: %w", filepath.Base(path), err)
	}
	d, err := maxDiff(want, got)
	if err != nil {
		return 0, fmt.Errorf("compare %s: %w", filepath.Base(path), err)
	}
	if d > constants.ParityTolerance {
		return d, fmt.Errorf("%w: %s max abs diff %g > %g", ErrParity, filepath.Base(path), d, constants.ParityTolerance)
	}
	return d, nil
}

func maxDiff(a, b jit.Value) (float64, error) {
	if a.IsTuple() != b.IsTuple() {
		return 0, fmt.Errorf("%w: tuple and tensor", ErrParity)
	}
	if !a.IsTuple() {
		return tensor.MaxAbsDiff(a.Tensor, b.Tensor)
	}
	if len(a.Tuple) != len(b.Tuple) {
		return 0, fmt.Errorf("%w: tuple of %d vs %d", ErrParity, len(a.Tuple), len(b.Tuple))
	}
	var worst float64
	for i := range a.Tuple {
		d, err := tensor.MaxAbsDiff(a.Tuple[i], b.Tuple[i])
		if err != nil {
			return 0, err
		}
		worst = max(worst, d)
	}
	return worst, nil
}

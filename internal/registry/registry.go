package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ErrModelNotFound is returned when an (architecture, pretrained) pair
// is not in the manifest.
var ErrModelNotFound = errors.New("model not found in registry")

// ProjectionInitializerPrefix marks a text projection that lives inside
// the text tower as a named initializer.
const ProjectionInitializerPrefix = "onnx:"

// Resolved holds local paths for every file of an entry. When the text
// projection is an initializer, TextProjection is empty and
// ProjectionInitializer names it.
type Resolved struct {
	Entry                 Entry
	ImageTower            string
	TextTower             string
	TextProjection        string
	ProjectionInitializer string
	Tokenizer             string
}

// Registry maps model names to weights on disk or in object storage.
type Registry struct {
	manifest  *Manifest
	modelsDir string
	cache     *Cache
	fetcher   Fetcher
	log       zerolog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithCache sets the ledger used for remote sources.
func WithCache(c *Cache) Option { return func(r *Registry) { r.cache = c } }

// WithFetcher sets how remote sources are downloaded.
func WithFetcher(f Fetcher) Option { return func(r *Registry) { r.fetcher = f } }

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option { return func(r *Registry) { r.log = l } }

// New builds a registry over a manifest. Relative sources resolve
// against modelsDir.
func New(m *Manifest, modelsDir string, opts ...Option) *Registry {
	r := &Registry{manifest: m, modelsDir: modelsDir, log: zerolog.Nop()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Lookup finds an entry by architecture and pretrained tag.
func (r *Registry) Lookup(arch, pretrained string) (Entry, error) {
	for _, e := range r.manifest.Models {
		if e.Architecture == arch && e.Pretrained == pretrained {
			return e, nil
		}
	}
	return Entry{}, fmt.Errorf("%w: %s/%s", ErrModelNotFound, arch, pretrained)
}

// List returns all entries sorted by key.
func (r *Registry) List() []Entry {
	out := append([]Entry(nil), r.manifest.Models...)
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Resolve turns every source of e into a readable local path, fetching
// remote ones through the cache when needed.
func (r *Registry) Resolve(ctx context.Context, e Entry) (*Resolved, error) {
	res := &Resolved{Entry: e}
	var err error

	if res.ImageTower, err = r.local(ctx, e.ImageTower); err != nil {
		return nil, fmt.Errorf("image tower: %w", err)
	}
	if res.TextTower, err = r.local(ctx, e.TextTower); err != nil {
		return nil, fmt.Errorf("text tower: %w", err)
	}
	if name, ok := strings.CutPrefix(e.TextProjection, ProjectionInitializerPrefix); ok {
		res.ProjectionInitializer = name
	} else if res.TextProjection, err = r.local(ctx, e.TextProjection); err != nil {
		return nil, fmt.Errorf("text projection: %w", err)
	}
	if e.Tokenizer != "" {
		if res.Tokenizer, err = r.local(ctx, e.Tokenizer); err != nil {
			return nil, fmt.Errorf("tokenizer: %w", err)
		}
	}
	return res, nil
}

func (r *Registry) local(ctx context.Context, source string) (string, error) {
	if !IsRemote(source) {
		p := source
		if !filepath.IsAbs(p) {
			p = filepath.Join(r.modelsDir, p)
		}
		if _, err := os.Stat(p); err != nil {
			return "", err
		}
		return p, nil
	}

	if r.cache == nil || r.fetcher == nil {
		return "", fmt.Errorf("%w: %s needs a cache directory and fetcher", ErrBadSource, source)
	}
	if ce, ok := r.cache.Lookup(source); ok {
		r.log.Debug().Str("source", source).Str("path", ce.Path).Msg("weights cache hit")
		return ce.Path, nil
	}
	if r.cache.Recorded(source) {
		r.log.Warn().Str("source", source).Msg("cached weights changed on disk, refetching")
		if err := r.cache.Delete(source); err != nil {
			return "", err
		}
	}

	_, key, err := ParseS3URI(source)
	if err != nil {
		return "", err
	}
	dst := filepath.Join(r.cache.Dir(), "objects", filepath.FromSlash(key))

	start := time.Now()
	n, err := r.fetcher.Fetch(ctx, source, dst)
	if err != nil {
		return "", err
	}
	sum, err := fileSHA256(dst)
	if err != nil {
		return "", err
	}
	if err := r.cache.Put(CacheEntry{
		Source:    source,
		Path:      dst,
		Size:      n,
		SHA256:    sum,
		FetchedAt: time.Now().UTC(),
	}); err != nil {
		return "", err
	}
	r.log.Info().Str("source", source).Int64("bytes", n).Dur("took", time.Since(start)).Msg("fetched weights")
	return dst, nil
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

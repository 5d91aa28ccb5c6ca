package registry

import (
	_ "embed"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/kennethnrk/edgeclip/internal/common/constants"
)

//go:embed models.yaml
var defaultManifest []byte

// Default tower signature names; entries may override them.
const (
	DefaultImageInput  = "pixel_values"
	DefaultImageOutput = "image_embeds"
	DefaultTextInput   = "input_ids"
	DefaultTextOutput  = "last_hidden_state"
)

// Entry describes one pretrained model. Source fields are paths relative
// to the models directory, s3:// URIs, or for TextProjection
// "onnx:<initializer>" to read the matrix out of the text tower.
type Entry struct {
	Architecture   string           `yaml:"architecture" validate:"required"`
	Pretrained     string           `yaml:"pretrained" validate:"required"`
	Flavor         constants.Flavor `yaml:"flavor" validate:"required,oneof=open_clip transformers"`
	EmbedDim       int              `yaml:"embed_dim" validate:"required,gt=0"`
	ImageSize      int              `yaml:"image_size" validate:"required,gt=0"`
	ContextLength  int              `yaml:"context_length" validate:"required,gt=0"`
	ImageTower     string           `yaml:"image_tower" validate:"required"`
	TextTower      string           `yaml:"text_tower" validate:"required"`
	TextProjection string           `yaml:"text_projection" validate:"required"`
	Tokenizer      string           `yaml:"tokenizer"`
	MinMemoryMB    uint64           `yaml:"min_memory_mb"`

	ImageInput  string `yaml:"image_input"`
	ImageOutput string `yaml:"image_output"`
	TextInput   string `yaml:"text_input"`
	TextOutput  string `yaml:"text_output"`
}

// Key is the registry lookup key.
func (e Entry) Key() string {
	return e.Architecture + "/" + e.Pretrained
}

func (e *Entry) applyDefaults() {
	if e.ImageInput == "" {
		e.ImageInput = DefaultImageInput
	}
	if e.ImageOutput == "" {
		e.ImageOutput = DefaultImageOutput
	}
	if e.TextInput == "" {
		e.TextInput = DefaultTextInput
	}
	if e.TextOutput == "" {
		e.TextOutput = DefaultTextOutput
	}
}

// Manifest is the YAML registry document.
type Manifest struct {
	Models []Entry `yaml:"models" validate:"dive"`
}

var validate = validator.New()

// ParseManifest decodes and validates a manifest.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if err := validate.Struct(&m); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	seen := map[string]bool{}
	for i := range m.Models {
		e := &m.Models[i]
		if e.Flavor == constants.FlavorTransformers && e.Tokenizer == "" {
			return nil, fmt.Errorf("invalid manifest: %s needs a tokenizer for the transformers flavor", e.Key())
		}
		if seen[e.Key()] {
			return nil, fmt.Errorf("invalid manifest: duplicate entry %s", e.Key())
		}
		seen[e.Key()] = true
		e.applyDefaults()
	}
	return &m, nil
}

// LoadManifest reads a manifest file, or the built-in one when path is empty.
func LoadManifest(path string) (*Manifest, error) {
	if path == "" {
		return ParseManifest(defaultManifest)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return ParseManifest(data)
}

// Package tokenizer handles CLIP byte-level BPE vocabularies: reading them
// from a Hugging Face tokenizer.json, writing the mobile sidecar files and
// encoding text into fixed-length id rows.
package tokenizer

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"

	"github.com/kennethnrk/edgeclip/internal/common/constants"
)

// Sidecar file names.
const (
	VocabFile  = "vocab.json"
	MergesFile = "merges.txt"
	ConfigFile = "tokenizer_config.json"
)

// Default CLIP special token ids.
const (
	DefaultSOTID = 49406
	DefaultEOTID = 49407
)

var ErrNoMerges = errors.New("tokenizer has no merges")

// Merge is one BPE rule. Rules earlier in the list bind first.
type Merge struct {
	A, B string
}

// Vocab is a BPE vocabulary plus its special tokens.
type Vocab struct {
	Tokens map[string]int
	Merges []Merge
	SOTID  int
	EOTID  int
}

// Config is the tokenizer_config.json sidecar.
type Config struct {
	ContextLength int `json:"context_length"`
	SOTID         int `json:"sot_id"`
	EOTID         int `json:"eot_id"`
}

type hfTokenizer struct {
	Model struct {
		Type   string            `json:"type"`
		Vocab  map[string]int    `json:"vocab"`
		Merges []json.RawMessage `json:"merges"`
	} `json:"model"`
	AddedTokens []struct {
		ID      int    `json:"id"`
		Content string `json:"content"`
	} `json:"added_tokens"`
}

// ParseHF reads a Hugging Face tokenizer.json. Merges may be stored as
// "a b" strings or as ["a", "b"] pairs depending on the library version.
func ParseHF(data []byte) (*Vocab, error) {
	var hf hfTokenizer
	if err := json.Unmarshal(data, &hf); err != nil {
		return nil, fmt.Errorf("decode tokenizer.json: %w", err)
	}
	if hf.Model.Type != "" && hf.Model.Type != "BPE" {
		return nil, fmt.Errorf("tokenizer model is %s, want BPE", hf.Model.Type)
	}
	if len(hf.Model.Vocab) == 0 {
		return nil, errors.New("tokenizer.json has an empty vocabulary")
	}

	v := &Vocab{Tokens: hf.Model.Vocab, SOTID: -1, EOTID: -1}
	for _, t := range hf.AddedTokens {
		v.Tokens[t.Content] = t.ID
	}
	for i, raw := range hf.Model.Merges {
		m, err := parseMerge(raw)
		if err != nil {
			return nil, fmt.Errorf("merge %d: %w", i, err)
		}
		v.Merges = append(v.Merges, m)
	}
	if len(v.Merges) == 0 {
		return nil, ErrNoMerges
	}

	v.SOTID = lookupOr(v.Tokens, constants.SOTToken, DefaultSOTID)
	v.EOTID = lookupOr(v.Tokens, constants.EOTToken, DefaultEOTID)
	return v, nil
}

func parseMerge(raw json.RawMessage) (Merge, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		a, b, ok := strings.Cut(s, " ")
		if !ok || a == "" || b == "" {
			return Merge{}, fmt.Errorf("malformed merge %q", s)
		}
		return Merge{A: a, B: b}, nil
	}
	var pair []string
	if err := json.Unmarshal(raw, &pair); err != nil || len(pair) != 2 {
		return Merge{}, fmt.Errorf("malformed merge %s", raw)
	}
	return Merge{A: pair[0], B: pair[1]}, nil
}

func lookupOr(m map[string]int, key string, def int) int {
	if id, ok := m[key]; ok {
		return id
	}
	return def
}

// LoadHF reads a tokenizer.json file.
func LoadHF(path string) (*Vocab, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tokenizer: %w", err)
	}
	return ParseHF(data)
}

// WriteSidecars writes vocab.json, merges.txt and tokenizer_config.json
// into dir and returns their paths.
func WriteSidecars(dir string, v *Vocab, contextLength int) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sidecar dir: %w", err)
	}

	vocab, err := json.Marshal(v.Tokens)
	if err != nil {
		return nil, fmt.Errorf("marshal vocab: %w", err)
	}

	var merges bytes.Buffer
	for _, m := range v.Merges {
		merges.WriteString(m.A)
		merges.WriteByte(' ')
		merges.WriteString(m.B)
		merges.WriteByte('\n')
	}

	cfg, err := json.MarshalIndent(Config{ContextLength: contextLength, SOTID: v.SOTID, EOTID: v.EOTID}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal tokenizer config: %w", err)
	}

	files := []struct {
		name string
		data []byte
	}{
		{VocabFile, vocab},
		{MergesFile, merges.Bytes()},
		{ConfigFile, cfg},
	}
	paths := make([]string, 0, len(files))
	for _, f := range files {
		p := filepath.Join(dir, f.name)
		if err := os.WriteFile(p, f.data, 0o644); err != nil {
			return nil, fmt.Errorf("write %s: %w", f.name, err)
		}
		paths = append(paths, p)
	}
	return paths, nil
}

// LoadSidecars reads the files WriteSidecars produces. A missing config
// falls back to the CLIP defaults.
func LoadSidecars(dir string) (*Vocab, Config, error) {
	cfg := Config{ContextLength: constants.DefaultContextLength, SOTID: DefaultSOTID, EOTID: DefaultEOTID}

	raw, err := os.ReadFile(filepath.Join(dir, VocabFile))
	if err != nil {
		return nil, cfg, fmt.Errorf("read vocab: %w", err)
	}
	v := &Vocab{}
	if err := json.Unmarshal(raw, &v.Tokens); err != nil {
		return nil, cfg, fmt.Errorf("decode vocab: %w", err)
	}

	f, err := os.Open(filepath.Join(dir, MergesFile))
	if err != nil {
		return nil, cfg, fmt.Errorf("read merges: %w", err)
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for line := 1; sc.Scan(); line++ {
		text := strings.TrimRight(sc.Text(), "\r")
		if text == "" || strings.HasPrefix(text, "#version") {
			continue
		}
		a, b, ok := strings.Cut(text, " ")
		if !ok {
			return nil, cfg, fmt.Errorf("merges line %d: %q is not a pair", line, text)
		}
		v.Merges = append(v.Merges, Merge{A: a, B: b})
	}
	if err := sc.Err(); err != nil {
		return nil, cfg, fmt.Errorf("read merges: %w", err)
	}

	if raw, err := os.ReadFile(filepath.Join(dir, ConfigFile)); err == nil {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, cfg, fmt.Errorf("decode tokenizer config: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, cfg, fmt.Errorf("read tokenizer config: %w", err)
	}
	v.SOTID, v.EOTID = cfg.SOTID, cfg.EOTID
	return v, cfg, nil
}

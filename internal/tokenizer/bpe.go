package tokenizer

import (
	"errors"
	"fmt"
	"html"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/kennethnrk/edgeclip/internal/common/constants"
	"github.com/kennethnrk/edgeclip/internal/tensor"
)

const endOfWord = "</w>"

var (
	wordPattern = regexp.MustCompile(`(?i)<\|startoftext\|>|<\|endoftext\|>|'s|'t|'re|'ve|'m|'ll|'d|\p{L}+|\p{N}|[^\s\p{L}\p{N}]+`)
	spaces      = regexp.MustCompile(`\s+`)
)

// ErrUnknownToken is returned when a BPE piece is missing from the vocabulary.
var ErrUnknownToken = errors.New("token not in vocabulary")

// byteEncoder maps every byte to a printable rune, the way GPT-2 style
// byte-level BPE vocabularies are keyed.
var byteEncoder = func() [256]rune {
	var enc [256]rune
	printable := func(b int) bool {
		return (b >= '!' && b <= '~') || (b >= 0xA1 && b <= 0xAC) || (b >= 0xAE && b <= 0xFF)
	}
	n := 0
	for b := 0; b < 256; b++ {
		if printable(b) {
			enc[b] = rune(b)
		} else {
			enc[b] = rune(256 + n)
			n++
		}
	}
	return enc
}()

// BPE encodes text with a CLIP vocabulary.
type BPE struct {
	vocab map[string]int
	ranks map[Merge]int
	sot   int
	eot   int
	cache map[string][]int
}

// NewBPE prepares v for encoding.
func NewBPE(v *Vocab) (*BPE, error) {
	if len(v.Merges) == 0 {
		return nil, ErrNoMerges
	}
	ranks := make(map[Merge]int, len(v.Merges))
	for i, m := range v.Merges {
		if _, dup := ranks[m]; !dup {
			ranks[m] = i
		}
	}
	return &BPE{vocab: v.Tokens, ranks: ranks, sot: v.SOTID, eot: v.EOTID, cache: map[string][]int{}}, nil
}

func clean(text string) string {
	text = html.UnescapeString(html.UnescapeString(text))
	text = spaces.ReplaceAllString(strings.TrimSpace(text), " ")
	return strings.ToLower(text)
}

// Encode returns the token ids of text without special tokens.
func (t *BPE) Encode(text string) ([]int, error) {
	var ids []int
	for _, word := range wordPattern.FindAllString(clean(text), -1) {
		switch word {
		case constants.SOTToken:
			ids = append(ids, t.sot)
			continue
		case constants.EOTToken:
			ids = append(ids, t.eot)
			continue
		}
		var sb strings.Builder
		for i := 0; i < len(word); i++ {
			sb.WriteRune(byteEncoder[word[i]])
		}
		pieces, err := t.word(sb.String())
		if err != nil {
			return nil, err
		}
		ids = append(ids, pieces...)
	}
	return ids, nil
}

// word applies the merges to one pre-tokenized word.
func (t *BPE) word(w string) ([]int, error) {
	if ids, ok := t.cache[w]; ok {
		return ids, nil
	}

	parts := make([]string, 0, utf8.RuneCountInString(w))
	for _, r := range w {
		parts = append(parts, string(r))
	}
	parts[len(parts)-1] += endOfWord

	for len(parts) > 1 {
		best, bestRank := -1, int(^uint(0)>>1)
		for i := 0; i+1 < len(parts); i++ {
			if r, ok := t.ranks[Merge{A: parts[i], B: parts[i+1]}]; ok && r < bestRank {
				best, bestRank = i, r
			}
		}
		if best < 0 {
			break
		}
		pair := Merge{A: parts[best], B: parts[best+1]}
		merged := parts[:0:0]
		for i := 0; i < len(parts); {
			if i+1 < len(parts) && parts[i] == pair.A && parts[i+1] == pair.B {
				merged = append(merged, pair.A+pair.B)
				i += 2
				continue
			}
			merged = append(merged, parts[i])
			i++
		}
		parts = merged
	}

	ids := make([]int, len(parts))
	for i, p := range parts {
		id, ok := t.vocab[p]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownToken, p)
		}
		ids[i] = id
	}
	t.cache[w] = ids
	return ids, nil
}

// Tokenize returns a [1, contextLength] row: start token, text tokens, end
// token, zero padding. Long text is cut so the end token is always kept.
func (t *BPE) Tokenize(text string, contextLength int) (*tensor.Tensor, error) {
	if contextLength < 2 {
		return nil, fmt.Errorf("context length %d leaves no room for start and end tokens", contextLength)
	}
	ids, err := t.Encode(text)
	if err != nil {
		return nil, err
	}
	if len(ids) > contextLength-2 {
		ids = ids[:contextLength-2]
	}
	row := make([]int64, contextLength)
	row[0] = int64(t.sot)
	for i, id := range ids {
		row[i+1] = int64(id)
	}
	row[len(ids)+1] = int64(t.eot)
	return tensor.NewInt64([]int64{1, int64(contextLength)}, row)
}

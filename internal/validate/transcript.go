package validate

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
)

var (
	ErrInvalid        = errors.New("invalid document")
	ErrTranscriptText = errors.New("transcript text is too short")
)

// Segment is one timed piece of a transcript.
type Segment struct {
	T0Ms int64  `json:"t0Ms" validate:"gte=0"`
	T1Ms int64  `json:"t1Ms" validate:"gtefield=T0Ms"`
	Text string `json:"text"`
}

// Transcript is the speech recognizer's JSON output.
type Transcript struct {
	Segments []Segment `json:"segments" validate:"required,min=1,dive"`
}

// Text joins the segment texts with single spaces.
func (t *Transcript) Text() string {
	parts := make([]string, len(t.Segments))
	for i, s := range t.Segments {
		parts[i] = s.Text
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

// TranscriptSummary is printed on success.
type TranscriptSummary struct {
	Segments int `json:"segments"`
	Chars    int `json:"chars"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// CheckTranscript parses data and checks every segment has t0Ms <= t1Ms
// and that the joined text has at least minChars characters (minimum 1).
func CheckTranscript(data []byte, minChars int) (TranscriptSummary, error) {
	var t Transcript
	if err := json.Unmarshal(data, &t); err != nil {
		return TranscriptSummary{}, fmt.Errorf("decode transcript: %w", err)
	}
	if err := validate.Struct(&t); err != nil {
		return TranscriptSummary{}, describe(err)
	}
	minChars = max(minChars, 1)
	sum := TranscriptSummary{Segments: len(t.Segments), Chars: utf8.RuneCountInString(t.Text())}
	if sum.Chars < minChars {
		return sum, fmt.Errorf("%w: %d chars, want at least %d", ErrTranscriptText, sum.Chars, minChars)
	}
	return sum, nil
}

// CheckTranscriptFile is CheckTranscript on a file.
func CheckTranscriptFile(path string, minChars int) (TranscriptSummary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return TranscriptSummary{}, fmt.Errorf("read transcript: %w", err)
	}
	return CheckTranscript(data, minChars)
}

// Sidecar is the full JSON sidecar written next to an audio file by the
// on-device recognizer. Leaf fields are kept raw: only their presence is
// checked, and the recognizer writes version as a string.
type Sidecar struct {
	Version  json.RawMessage  `json:"version" validate:"required"`
	Audio    *SidecarAudio    `json:"audio" validate:"required"`
	Job      *SidecarJob      `json:"job" validate:"required"`
	Segments []SidecarSegment `json:"segments" validate:"required,dive"`
}

type SidecarAudio struct {
	URI        json.RawMessage `json:"uri" validate:"required"`
	SampleRate json.RawMessage `json:"sr_hz" validate:"required"`
	Channels   json.RawMessage `json:"channels" validate:"required"`
	DurationMs json.RawMessage `json:"duration_ms" validate:"required"`
}

type SidecarJob struct {
	Model     json.RawMessage `json:"model" validate:"required"`
	Threads   json.RawMessage `json:"threads" validate:"required"`
	Beam      json.RawMessage `json:"beam" validate:"required"`
	Lang      json.RawMessage `json:"lang" validate:"required"`
	Translate json.RawMessage `json:"translate" validate:"required"`
	RTF       json.RawMessage `json:"rtf" validate:"required"`
	InferMs   json.RawMessage `json:"infer_ms" validate:"required"`
}

type SidecarSegment struct {
	T0Ms json.RawMessage `json:"t0_ms" validate:"required"`
	T1Ms json.RawMessage `json:"t1_ms" validate:"required"`
	Text json.RawMessage `json:"text" validate:"required"`
}

// Raw renders a leaf as it appeared in the file, unquoting strings.
func Raw(m json.RawMessage) string {
	var s string
	if err := json.Unmarshal(m, &s); err == nil {
		return s
	}
	return string(m)
}

// CheckSidecar parses and validates a recognizer sidecar. Presence is what
// matters, so zero values and any JSON type are accepted.
func CheckSidecar(data []byte) (*Sidecar, error) {
	var s Sidecar
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode sidecar: %w", err)
	}
	if err := validate.Struct(&s); err != nil {
		return nil, describe(err)
	}
	return &s, nil
}

// describe flattens validator errors into one message naming each field.
func describe(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, len(verrs))
	for i, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs[i] = fmt.Sprintf("missing %s", fe.Namespace())
		case "gtefield":
			msgs[i] = fmt.Sprintf("%s is before %s", fe.Namespace(), fe.Param())
		default:
			msgs[i] = fmt.Sprintf("%s fails %s=%s", fe.Namespace(), fe.Tag(), fe.Param())
		}
	}
	return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
}

// Package cli holds what every edgeclip program shares: flag parsing with
// struct validation, logging, signal handling and exit codes.
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// Exit codes.
const (
	ExitOK    = 0
	ExitError = 1
	ExitUsage = 2
)

// UsageError reports invalid flags.
type UsageError struct {
	Msg string
}

func (e *UsageError) Error() string { return e.Msg }

// Usagef builds a UsageError.
func Usagef(format string, args ...any) error {
	return &UsageError{Msg: fmt.Sprintf(format, args...)}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks cfg's validate tags and reports failures by flag name,
// taken from each field's `flag` tag.
func Validate(cfg any) error {
	err := validate.Struct(cfg)
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, len(verrs))
	for i, fe := range verrs {
		name := fe.Field()
		if f, ok := fieldTag(cfg, fe.StructField()); ok {
			name = "-" + f
		}
		switch fe.Tag() {
		case "required":
			msgs[i] = name + " is required"
		case "oneof":
			msgs[i] = fmt.Sprintf("%s must be one of %s", name, fe.Param())
		default:
			msgs[i] = fmt.Sprintf("%s must satisfy %s %s", name, fe.Tag(), fe.Param())
		}
	}
	return &UsageError{Msg: strings.Join(msgs, "; ")}
}

// Program is one command-line tool.
type Program struct {
	Name  string
	Usage string
	Flags *flag.FlagSet

	debug bool
	log   zerolog.Logger
}

// New creates a program with a -debug flag already registered.
func New(name, usage string) *Program {
	p := &Program{Name: name, Usage: usage, Flags: flag.NewFlagSet(name, flag.ContinueOnError)}
	p.Flags.BoolVar(&p.debug, "debug", false, "enable debug logging")
	p.Flags.Usage = func() {
		out := p.Flags.Output()
		fmt.Fprintf(out, "usage: %s %s\n\nflags:\n", name, usage)
		p.Flags.PrintDefaults()
	}
	return p
}

// Logger writes human-readable logs to w. Results go to stdout, so logs
// never do.
func Logger(w io.Writer, debug bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: w, NoColor: true, TimeFormat: "15:04:05"}).
		Level(level).
		With().Timestamp().Logger()
}

// Run parses args, validates cfg (a pointer to the struct the flags were
// bound into, or nil), then calls fn with a context cancelled on SIGINT or
// SIGTERM. It returns the process exit code.
func (p *Program) Run(args []string, cfg any, fn func(ctx context.Context, log zerolog.Logger) error) int {
	if err := p.Flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return ExitOK
		}
		return ExitUsage
	}
	p.log = Logger(os.Stderr, p.debug).With().Str("cmd", p.Name).Logger()

	if cfg != nil {
		if err := Validate(cfg); err != nil {
			fmt.Fprintf(p.Flags.Output(), "%s: %v\n", p.Name, err)
			p.Flags.Usage()
			return ExitUsage
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := fn(ctx, p.log); err != nil {
		var ue *UsageError
		if errors.As(err, &ue) {
			fmt.Fprintf(p.Flags.Output(), "%s: %v\n", p.Name, err)
			p.Flags.Usage()
			return ExitUsage
		}
		p.log.Error().Err(err).Msg("Failed")
		return ExitError
	}
	return ExitOK
}

// Main runs the program on os.Args and exits.
func (p *Program) Main(cfg any, fn func(ctx context.Context, log zerolog.Logger) error) {
	os.Exit(p.Run(os.Args[1:], cfg, fn))
}

// PrintJSON writes v to stdout as indented JSON.
func PrintJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	_, err = fmt.Fprintln(os.Stdout, string(data))
	return err
}

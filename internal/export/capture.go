package export

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/kennethnrk/edgeclip/internal/jit"
	"github.com/kennethnrk/edgeclip/internal/tensor"
)

// Policy selects how a wrapper program is captured.
type Policy string

const (
	// PolicyAuto scripts and falls back to a trace when scripting fails.
	PolicyAuto   Policy = "auto"
	PolicyScript Policy = "script"
	PolicyTrace  Policy = "trace"
)

// ParsePolicy accepts the -capture flag values.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case PolicyAuto, PolicyScript, PolicyTrace:
		return p, nil
	}
	return "", fmt.Errorf("unknown capture policy %q (want auto, script or trace)", s)
}

// Captured is a compiled program plus the in-process output it must
// reproduce on the example inputs.
type Captured struct {
	Program   *jit.Program
	Reference jit.Value
}

// Capture turns p into a serializable program. Under PolicyAuto this is two
// separate attempts: Script first, and only when the program is not
// scriptable, Trace on the examples. Any other scripting error is returned
// as is. The captured program is then inlined and pruned.
func Capture(ctx context.Context, p *jit.Program, rt jit.GraphRunner, examples []*tensor.Tensor, policy Policy, log zerolog.Logger) (*Captured, error) {
	var (
		prog *jit.Program
		ref  jit.Value
		err  error
	)
	switch policy {
	case PolicyScript:
		prog, err = jit.Script(p)
	case PolicyTrace:
		prog, ref, err = jit.Trace(ctx, p, rt, examples)
	case PolicyAuto, "":
		prog, err = jit.Script(p)
		if errors.Is(err, jit.ErrNotScriptable) {
			log.Warn().Err(err).Str("program", p.Name).
				Msg("Scripting failed, falling back to trace; branches not taken by the example inputs are dropped")
			prog, ref, err = jit.Trace(ctx, p, rt, examples)
		}
	default:
		return nil, fmt.Errorf("unknown capture policy %q", policy)
	}
	if err != nil {
		return nil, fmt.Errorf("capture %s: %w", p.Name, err)
	}

	inlined, err := jit.Inline(prog)
	if err != nil {
		return nil, fmt.Errorf("inline %s: %w", p.Name, err)
	}
	prog = jit.EliminateDeadCode(inlined)

	if !ref.IsTuple() && ref.Tensor == nil {
		ref, err = jit.NewModule(prog, rt).Run(ctx, examples...)
		if err != nil {
			return nil, fmt.Errorf("run %s: %w", p.Name, err)
		}
	}
	log.Debug().Str("program", p.Name).Str("capture", string(prog.Capture)).
		Int("instructions", prog.InstructionCount()).Msg("Program captured")
	return &Captured{Program: prog, Reference: ref}, nil
}

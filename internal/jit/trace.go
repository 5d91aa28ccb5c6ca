package jit

import (
	"context"
	"fmt"
	"slices"

	"github.com/kennethnrk/edgeclip/internal/common/constants"
	"github.com/kennethnrk/edgeclip/internal/tensor"
)

// Trace runs p once on examples and returns a program holding only what
// that run executed:
//   - if-instructions are replaced by the branch that was taken,
//   - host callbacks, and calls into functions that use them, become
//     constants holding the value they produced,
//   - input shapes are pinned to the example shapes.
//
// Inputs that would take a different branch, or whose host results differ,
// are silently computed with the recorded path. Callers that need every
// branch must make Script succeed or pick examples that cover each branch.
func Trace(ctx context.Context, p *Program, rt GraphRunner, examples []*tensor.Tensor) (*Program, Value, error) {
	rec := &traceRecorder{prog: p, consts: map[string]*tensor.Tensor{}}
	out, err := run(ctx, p, rt, examples, rec)
	if err != nil {
		return nil, Value{}, fmt.Errorf("trace %s: %w", p.Name, err)
	}

	traced := p.Clone()
	traced.Body = rec.body
	traced.Hosts = nil
	traced.Capture = constants.CaptureTrace
	for i := range traced.Inputs {
		traced.Inputs[i].Shape = slices.Clone(examples[i].Shape)
	}
	for name, c := range rec.consts {
		traced.Consts[name] = c
	}
	for name, fn := range traced.Funcs {
		if usesHost(p, fn.Body) {
			delete(traced.Funcs, name)
		}
	}
	return traced, out, nil
}

type traceRecorder struct {
	prog   *Program
	body   []Instr
	consts map[string]*tensor.Tensor
}

func (r *traceRecorder) record(in Instr, args []Value, out []Value) error {
	bake := in.Op == OpHost
	if in.Op == OpCall {
		if fn, ok := r.prog.Funcs[in.Func]; ok && usesHost(r.prog, fn.Body) {
			bake = true
		}
	}
	if !bake {
		r.body = append(r.body, cloneInstr(in))
		return nil
	}

	for i, name := range in.Outs {
		v := out[i]
		if !v.IsTuple() {
			r.body = append(r.body, Instr{Op: OpConst, Const: r.bake(v.Tensor), Outs: []string{name}})
			continue
		}
		parts := make([]string, len(v.Tuple))
		for j, t := range v.Tuple {
			parts[j] = fmt.Sprintf("%s.%d", name, j)
			r.body = append(r.body, Instr{Op: OpConst, Const: r.bake(t), Outs: []string{parts[j]}})
		}
		r.body = append(r.body, Instr{Op: OpTuple, Args: parts, Outs: []string{name}})
	}
	return nil
}

func (r *traceRecorder) bake(t *tensor.Tensor) string {
	name := fmt.Sprintf("trace.%d", len(r.consts))
	r.consts[name] = t.Clone()
	return name
}

// usesHost reports whether body reaches an OpHost, directly, through an
// if-branch, or through a call.
func usesHost(p *Program, body []Instr) bool {
	return usesHostSeen(p, body, map[string]bool{})
}

func usesHostSeen(p *Program, body []Instr, seen map[string]bool) bool {
	for _, in := range body {
		switch in.Op {
		case OpHost:
			return true
		case OpIf:
			if (in.Then != nil && usesHostSeen(p, in.Then.Body, seen)) || (in.Else != nil && usesHostSeen(p, in.Else.Body, seen)) {
				return true
			}
		case OpCall:
			if seen[in.Func] {
				continue
			}
			seen[in.Func] = true
			if fn, ok := p.Funcs[in.Func]; ok && usesHostSeen(p, fn.Body, seen) {
				return true
			}
		}
	}
	return false
}

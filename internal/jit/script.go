package jit

import (
	"errors"
	"fmt"

	"github.com/kennethnrk/edgeclip/internal/common/constants"
)

var ErrNotScriptable = errors.New("program cannot be scripted")

// ScriptError points at the instruction that blocked compilation.
type ScriptError struct {
	Where  string
	Op     OpCode
	Reason string
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("script %s: %s: %s", e.Where, e.Op, e.Reason)
}

func (e *ScriptError) Unwrap() error { return ErrNotScriptable }

// Script compiles p as a whole: every instruction on every branch must be
// compilable and every value must be defined before use. The result keeps
// control flow and dynamic input dimensions intact.
func Script(p *Program) (*Program, error) {
	out := p.Clone()
	for name, fn := range out.Funcs {
		scope := newScope(nil)
		for _, param := range fn.Params {
			scope.define(param)
		}
		if err := checkBody(out, "func "+name, fn.Body, scope); err != nil {
			return nil, err
		}
		for _, r := range fn.Results {
			if !scope.has(r) {
				return nil, &ScriptError{Where: "func " + name, Op: OpCall, Reason: fmt.Sprintf("result %q is never defined", r)}
			}
		}
	}

	scope := newScope(nil)
	for _, in := range out.Inputs {
		scope.define(in.Name)
	}
	if err := checkBody(out, out.Name, out.Body, scope); err != nil {
		return nil, err
	}
	if len(out.Results) == 0 {
		return nil, &ScriptError{Where: out.Name, Op: "return", Reason: "program has no results"}
	}
	for _, r := range out.Results {
		if !scope.has(r) {
			return nil, &ScriptError{Where: out.Name, Op: "return", Reason: fmt.Sprintf("result %q is never defined", r)}
		}
	}

	// Host callbacks are not serializable; a scripted program never refers to them.
	out.Hosts = nil
	out.Capture = constants.CaptureScript
	return out, nil
}

type scope struct {
	parent *scope
	names  map[string]bool
}

func newScope(parent *scope) *scope {
	return &scope{parent: parent, names: map[string]bool{}}
}

func (s *scope) define(name string) { s.names[name] = true }

func (s *scope) has(name string) bool {
	for c := s; c != nil; c = c.parent {
		if c.names[name] {
			return true
		}
	}
	return false
}

func checkBody(p *Program, where string, body []Instr, sc *scope) error {
	for _, in := range body {
		fail := func(format string, args ...any) error {
			return &ScriptError{Where: where, Op: in.Op, Reason: fmt.Sprintf(format, args...)}
		}
		for _, a := range in.Args {
			if !sc.has(a) {
				return fail("value %q used before definition", a)
			}
		}

		switch in.Op {
		case OpHost:
			return fail("host function %q is opaque Go code", in.Func)
		case OpConst:
			if _, ok := p.Consts[in.Const]; !ok {
				return fail("unknown constant %q", in.Const)
			}
		case OpGraph:
			if _, ok := p.Graphs[in.Graph]; !ok {
				return fail("unknown graph %q", in.Graph)
			}
		case OpCall:
			fn, ok := p.Funcs[in.Func]
			if !ok {
				return fail("unknown function %q", in.Func)
			}
			if len(fn.Params) != len(in.Args) {
				return fail("%s takes %d arguments, got %d", fn.Name, len(fn.Params), len(in.Args))
			}
		case OpIf:
			if len(in.Args) != 1 || in.Then == nil || in.Else == nil {
				return fail("if needs one condition and two branches")
			}
			for _, block := range []*Block{in.Then, in.Else} {
				inner := newScope(sc)
				if err := checkBody(p, where, block.Body, inner); err != nil {
					return err
				}
				if len(block.Results) != len(in.Outs) {
					return fail("branch yields %d results, want %d", len(block.Results), len(in.Outs))
				}
				for _, r := range block.Results {
					if !inner.has(r) {
						return fail("branch result %q is never defined", r)
					}
				}
			}
		case OpTupleGet, OpTuple, OpIsTuple, OpIdentity, OpArgMax, OpGatherRows,
			OpMatMul, OpSumSquares, OpAddScalar, OpSqrt, OpDiv:
		default:
			return fail("unknown op")
		}

		if len(in.Outs) == 0 {
			return fail("instruction defines no values")
		}
		for _, o := range in.Outs {
			sc.define(o)
		}
	}
	return nil
}

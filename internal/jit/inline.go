package jit

import (
	"fmt"
	"maps"
	"slices"

	"github.com/kennethnrk/edgeclip/internal/tensor"
)

// maxInlineDepth bounds recursive expansion; a deeper chain means a cycle.
const maxInlineDepth = 32

// Inline replaces every call with the callee body so the runtime never
// builds call frames. Callee values are renamed with a per-call-site prefix.
// Functions are dropped from the result.
func Inline(p *Program) (*Program, error) {
	out := p.Clone()
	site := 0
	body, err := inlineBody(out, out.Body, map[string]string{}, &site, 0)
	if err != nil {
		return nil, err
	}
	out.Body = body
	out.Funcs = map[string]*Function{}
	return out, nil
}

func inlineBody(p *Program, body []Instr, rename map[string]string, site *int, depth int) ([]Instr, error) {
	if depth > maxInlineDepth {
		return nil, fmt.Errorf("inline: call depth exceeds %d", maxInlineDepth)
	}
	name := func(v string) string {
		if r, ok := rename[v]; ok {
			return r
		}
		return v
	}
	names := func(vs []string) []string {
		out := make([]string, len(vs))
		for i, v := range vs {
			out[i] = name(v)
		}
		return out
	}

	var out []Instr
	for _, in := range body {
		in = cloneInstr(in)
		in.Args = names(in.Args)

		switch in.Op {
		case OpCall:
			fn, ok := p.Funcs[in.Func]
			if !ok {
				return nil, fmt.Errorf("inline: unknown function %q", in.Func)
			}
			if len(fn.Params) != len(in.Args) {
				return nil, fmt.Errorf("inline: %s takes %d arguments, got %d", fn.Name, len(fn.Params), len(in.Args))
			}
			*site++
			prefix := fmt.Sprintf("inl%d.", *site)
			inner := make(map[string]string, len(fn.Params))
			for i, param := range fn.Params {
				inner[param] = in.Args[i]
			}
			for _, v := range definedIn(fn.Body) {
				inner[v] = prefix + v
			}
			expanded, err := inlineBody(p, fn.Body, inner, site, depth+1)
			if err != nil {
				return nil, err
			}
			out = append(out, expanded...)
			for i, o := range in.Outs {
				res := fn.Results[i]
				if r, ok := inner[res]; ok {
					res = r
				}
				out = append(out, Instr{Op: OpIdentity, Args: []string{res}, Outs: []string{name(o)}})
			}
			continue

		case OpIf:
			for _, block := range []*Block{in.Then, in.Else} {
				if block == nil {
					continue
				}
				expanded, err := inlineBody(p, block.Body, rename, site, depth)
				if err != nil {
					return nil, err
				}
				block.Body = expanded
				block.Results = names(block.Results)
			}
		}
		in.Outs = names(in.Outs)
		out = append(out, in)
	}
	return out, nil
}

// definedIn lists every value a body defines, including inside if-blocks.
func definedIn(body []Instr) []string {
	var out []string
	for _, in := range body {
		out = append(out, in.Outs...)
		if in.Then != nil {
			out = append(out, definedIn(in.Then.Body)...)
		}
		if in.Else != nil {
			out = append(out, definedIn(in.Else.Body)...)
		}
	}
	return out
}

// EliminateDeadCode drops instructions whose results are never used, then
// constants and graphs nothing refers to.
func EliminateDeadCode(p *Program) *Program {
	out := p.Clone()
	live := map[string]bool{}
	for _, r := range out.Results {
		live[r] = true
	}
	out.Body = pruneBody(out.Body, live)

	consts := map[string]bool{}
	graphs := map[string]bool{}
	var walk func([]Instr)
	walk = func(body []Instr) {
		for _, in := range body {
			switch in.Op {
			case OpConst:
				consts[in.Const] = true
			case OpGraph:
				graphs[in.Graph] = true
			case OpCall:
				if fn, ok := out.Funcs[in.Func]; ok {
					walk(fn.Body)
				}
			case OpIf:
				if in.Then != nil {
					walk(in.Then.Body)
				}
				if in.Else != nil {
					walk(in.Else.Body)
				}
			}
		}
	}
	walk(out.Body)
	maps.DeleteFunc(out.Consts, func(k string, _ *tensor.Tensor) bool { return !consts[k] })
	maps.DeleteFunc(out.Graphs, func(k string, _ *Graph) bool { return !graphs[k] })
	return out
}

func pruneBody(body []Instr, live map[string]bool) []Instr {
	kept := make([]Instr, 0, len(body))
	for i := len(body) - 1; i >= 0; i-- {
		in := body[i]
		used := false
		for _, o := range in.Outs {
			if live[o] {
				used = true
				break
			}
		}
		if !used {
			continue
		}
		if in.Op == OpIf {
			for _, block := range []*Block{in.Then, in.Else} {
				blockLive := maps.Clone(live)
				for _, r := range block.Results {
					blockLive[r] = true
				}
				block.Body = pruneBody(block.Body, blockLive)
				for _, b := range block.Body {
					for _, a := range b.Args {
						live[a] = true
					}
				}
				for _, r := range block.Results {
					live[r] = true
				}
			}
		}
		for _, a := range in.Args {
			live[a] = true
		}
		kept = append(kept, in)
	}
	slices.Reverse(kept)
	return kept
}

package jit

import (
	"fmt"

	"github.com/kennethnrk/edgeclip/internal/tensor"
)

// Builder assembles a Program. Value names are generated so that names in
// the main body, in if-blocks and in functions never collide.
type Builder struct {
	prog  *Program
	body  *[]Instr
	next  *int
	scope string
}

// NewBuilder starts an empty program.
func NewBuilder(name string) *Builder {
	p := &Program{
		Name:   name,
		Funcs:  map[string]*Function{},
		Graphs: map[string]*Graph{},
		Consts: map[string]*tensor.Tensor{},
		Hosts:  map[string]HostFunc{},
	}
	n := 0
	return &Builder{prog: p, body: &p.Body, next: &n}
}

func (b *Builder) fresh() string {
	name := fmt.Sprintf("%s%%%d", b.scope, *b.next)
	*b.next++
	return name
}

func (b *Builder) emit(in Instr) {
	*b.body = append(*b.body, in)
}

// Input declares a program input and returns its value name.
func (b *Builder) Input(name string, dtype tensor.DType, shape ...int64) string {
	b.prog.Inputs = append(b.prog.Inputs, Param{Name: name, DType: dtype, Shape: shape})
	return name
}

// AddGraph embeds g so OpGraph instructions can refer to it by ID.
func (b *Builder) AddGraph(g *Graph) {
	b.prog.Graphs[g.ID] = g
}

// AddConst stores t under name.
func (b *Builder) AddConst(name string, t *tensor.Tensor) {
	b.prog.Consts[name] = t
}

// AddHost registers a Go callback for OpHost.
func (b *Builder) AddHost(name string, fn HostFunc) {
	b.prog.Hosts[name] = fn
}

func (b *Builder) op1(op OpCode, args ...string) string {
	out := b.fresh()
	b.emit(Instr{Op: op, Args: args, Outs: []string{out}})
	return out
}

func (b *Builder) Const(name string) string {
	out := b.fresh()
	b.emit(Instr{Op: OpConst, Const: name, Outs: []string{out}})
	return out
}

func (b *Builder) Graph(id string, args ...string) string {
	out := b.fresh()
	b.emit(Instr{Op: OpGraph, Graph: id, Args: args, Outs: []string{out}})
	return out
}

func (b *Builder) TupleGet(v string, index int) string {
	out := b.fresh()
	b.emit(Instr{Op: OpTupleGet, Args: []string{v}, Index: index, Outs: []string{out}})
	return out
}

func (b *Builder) Tuple(vs ...string) string { return b.op1(OpTuple, vs...) }

func (b *Builder) IsTuple(v string) string { return b.op1(OpIsTuple, v) }

func (b *Builder) Identity(v string) string { return b.op1(OpIdentity, v) }

func (b *Builder) ArgMax(v string) string { return b.op1(OpArgMax, v) }

func (b *Builder) GatherRows(x, idx string) string { return b.op1(OpGatherRows, x, idx) }

func (b *Builder) MatMul(x, w string) string { return b.op1(OpMatMul, x, w) }

func (b *Builder) SumSquares(x string) string { return b.op1(OpSumSquares, x) }

func (b *Builder) Sqrt(x string) string { return b.op1(OpSqrt, x) }

func (b *Builder) Div(x, y string) string { return b.op1(OpDiv, x, y) }

func (b *Builder) AddScalar(x string, s float64) string {
	out := b.fresh()
	b.emit(Instr{Op: OpAddScalar, Args: []string{x}, Scalar: s, Outs: []string{out}})
	return out
}

func (b *Builder) Call(fn string, args ...string) string {
	out := b.fresh()
	b.emit(Instr{Op: OpCall, Func: fn, Args: args, Outs: []string{out}})
	return out
}

func (b *Builder) Host(fn string, args ...string) string {
	out := b.fresh()
	b.emit(Instr{Op: OpHost, Func: fn, Args: args, Outs: []string{out}})
	return out
}

// If emits a conditional. Each branch callback builds its block and returns
// the block's single result.
func (b *Builder) If(cond string, then, els func(*Builder) string) string {
	thenBlock := &Block{}
	elseBlock := &Block{}
	tb := &Builder{prog: b.prog, body: &thenBlock.Body, next: b.next, scope: b.scope}
	thenBlock.Results = []string{then(tb)}
	eb := &Builder{prog: b.prog, body: &elseBlock.Body, next: b.next, scope: b.scope}
	elseBlock.Results = []string{els(eb)}

	out := b.fresh()
	b.emit(Instr{Op: OpIf, Args: []string{cond}, Then: thenBlock, Else: elseBlock, Outs: []string{out}})
	return out
}

// Func defines a single-result function. The callback receives the
// parameter names.
func (b *Builder) Func(name string, params []string, body func(fb *Builder, params []string) string) {
	fn := &Function{Name: name, Params: params}
	n := 0
	fb := &Builder{prog: b.prog, body: &fn.Body, next: &n, scope: name + "."}
	fn.Results = []string{body(fb, params)}
	b.prog.Funcs[name] = fn
}

// Return sets the program results and hands back the finished program.
func (b *Builder) Return(results ...string) *Program {
	b.prog.Results = results
	return b.prog
}

// Package jit defines the instruction programs that wrap exported towers,
// and the two ways of capturing them for serialization: full compilation
// (Script) and execution tracing (Trace).
package jit

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/kennethnrk/edgeclip/internal/common/constants"
	"github.com/kennethnrk/edgeclip/internal/tensor"
)

// OpCode names a primitive instruction.
type OpCode string

const (
	OpConst      OpCode = "const"       // Outs[0] = Consts[Const]
	OpGraph      OpCode = "graph"       // Outs[0] = Graphs[Graph](Args...), a tuple when the graph has several outputs
	OpTupleGet   OpCode = "tuple_get"   // Outs[0] = Args[0][Index]
	OpTuple      OpCode = "tuple"       // Outs[0] = (Args...)
	OpIsTuple    OpCode = "is_tuple"    // Outs[0] = 1 if Args[0] is a tuple else 0
	OpIdentity   OpCode = "identity"    // Outs[0] = Args[0]
	OpIf         OpCode = "if"          // Outs = Then.Results or Else.Results depending on Args[0] != 0
	OpArgMax     OpCode = "argmax"      // [B,S] int64 -> [B] int64, first maximum along the last axis
	OpGatherRows OpCode = "gather_rows" // [B,S,W], [B] -> [B,W]
	OpMatMul     OpCode = "matmul"      // [B,K] x [K,N] -> [B,N]
	OpSumSquares OpCode = "sum_squares" // [..,D] -> [..,1]
	OpAddScalar  OpCode = "add_scalar"  // Args[0] + Scalar
	OpSqrt       OpCode = "sqrt"
	OpDiv        OpCode = "div" // [..,D] / [..,1] or same shape
	OpCall       OpCode = "call"
	OpHost       OpCode = "host" // Go callback; cannot be compiled
)

// Instr is one instruction. Which fields are meaningful depends on Op.
type Instr struct {
	Op     OpCode
	Args   []string
	Outs   []string
	Graph  string
	Func   string
	Const  string
	Index  int
	Scalar float64
	Then   *Block
	Else   *Block
}

// Block is a nested instruction list with named results, used by OpIf.
type Block struct {
	Body    []Instr
	Results []string
}

// Param declares a program input. Dimensions set to tensor.Dynamic accept
// any size.
type Param struct {
	Name  string
	DType tensor.DType
	Shape []int64
}

// Function is a callable sub-program. Functions see only their parameters.
type Function struct {
	Name    string
	Params  []string
	Body    []Instr
	Results []string
}

// Graph is an embedded model graph executed by a GraphRunner.
type Graph struct {
	ID      string
	Data    []byte
	Inputs  []string
	Outputs []string
}

// HostFunc is Go code invoked by OpHost. It exists only in memory; a
// program holding one cannot be scripted, and tracing bakes its result.
type HostFunc func(ctx context.Context, args []Value) (Value, error)

// GraphRunner executes embedded graphs.
type GraphRunner interface {
	RunGraph(ctx context.Context, g *Graph, inputs []*tensor.Tensor) ([]*tensor.Tensor, error)
}

// Program is a complete forward function plus everything it references.
type Program struct {
	Name    string
	Inputs  []Param
	Body    []Instr
	Results []string
	Funcs   map[string]*Function
	Graphs  map[string]*Graph
	Consts  map[string]*tensor.Tensor
	Hosts   map[string]HostFunc
	Capture constants.CaptureMode
}

// Clone copies the program structure. Graph bytes and constant tensors are
// shared; they are never mutated after construction.
func (p *Program) Clone() *Program {
	out := &Program{
		Name:    p.Name,
		Inputs:  slices.Clone(p.Inputs),
		Body:    cloneBody(p.Body),
		Results: slices.Clone(p.Results),
		Funcs:   make(map[string]*Function, len(p.Funcs)),
		Graphs:  maps.Clone(p.Graphs),
		Consts:  maps.Clone(p.Consts),
		Hosts:   maps.Clone(p.Hosts),
		Capture: p.Capture,
	}
	for i := range out.Inputs {
		out.Inputs[i].Shape = slices.Clone(out.Inputs[i].Shape)
	}
	for name, fn := range p.Funcs {
		out.Funcs[name] = &Function{
			Name:    fn.Name,
			Params:  slices.Clone(fn.Params),
			Body:    cloneBody(fn.Body),
			Results: slices.Clone(fn.Results),
		}
	}
	if out.Graphs == nil {
		out.Graphs = map[string]*Graph{}
	}
	if out.Consts == nil {
		out.Consts = map[string]*tensor.Tensor{}
	}
	return out
}

func cloneBody(body []Instr) []Instr {
	out := make([]Instr, len(body))
	for i, in := range body {
		out[i] = cloneInstr(in)
	}
	return out
}

func cloneInstr(in Instr) Instr {
	in.Args = slices.Clone(in.Args)
	in.Outs = slices.Clone(in.Outs)
	if in.Then != nil {
		in.Then = &Block{Body: cloneBody(in.Then.Body), Results: slices.Clone(in.Then.Results)}
	}
	if in.Else != nil {
		in.Else = &Block{Body: cloneBody(in.Else.Body), Results: slices.Clone(in.Else.Results)}
	}
	return in
}

// InstructionCount counts instructions including nested blocks, not
// including function bodies.
func (p *Program) InstructionCount() int {
	return countBody(p.Body)
}

func countBody(body []Instr) int {
	n := 0
	for _, in := range body {
		n++
		if in.Then != nil {
			n += countBody(in.Then.Body)
		}
		if in.Else != nil {
			n += countBody(in.Else.Body)
		}
	}
	return n
}

// Value is a program value: a tensor or a tuple of tensors.
type Value struct {
	Tensor *tensor.Tensor
	Tuple  []*tensor.Tensor
}

func TensorValue(t *tensor.Tensor) Value { return Value{Tensor: t} }

func TupleValue(ts ...*tensor.Tensor) Value { return Value{Tuple: ts} }

func (v Value) IsTuple() bool { return v.Tuple != nil }

// First returns the tensor, or the first tuple element.
func (v Value) First() (*tensor.Tensor, error) {
	if v.IsTuple() {
		if len(v.Tuple) == 0 {
			return nil, fmt.Errorf("empty tuple")
		}
		return v.Tuple[0], nil
	}
	if v.Tensor == nil {
		return nil, fmt.Errorf("undefined value")
	}
	return v.Tensor, nil
}

package artifact

import (
	"encoding/binary"
	"maps"
	"math"
	"slices"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/kennethnrk/edgeclip/internal/jit"
	"github.com/kennethnrk/edgeclip/internal/tensor"
)

// Field numbers of the payload messages.
const (
	// Program
	progName    protowire.Number = 1
	progInput   protowire.Number = 2
	progInstr   protowire.Number = 3
	progResult  protowire.Number = 4
	progFunc    protowire.Number = 5
	progGraph   protowire.Number = 6
	progConst   protowire.Number = 7
	progCapture protowire.Number = 8

	// Instr
	instrOp     protowire.Number = 1
	instrArg    protowire.Number = 2
	instrOut    protowire.Number = 3
	instrGraph  protowire.Number = 4
	instrFunc   protowire.Number = 5
	instrConst  protowire.Number = 6
	instrIndex  protowire.Number = 7
	instrScalar protowire.Number = 8
	instrThen   protowire.Number = 9
	instrElse   protowire.Number = 10

	// Block
	blockInstr  protowire.Number = 1
	blockResult protowire.Number = 2

	// Param
	paramName  protowire.Number = 1
	paramDType protowire.Number = 2
	paramShape protowire.Number = 3

	// Function
	funcName   protowire.Number = 1
	funcParam  protowire.Number = 2
	funcInstr  protowire.Number = 3
	funcResult protowire.Number = 4

	// Graph
	graphID     protowire.Number = 1
	graphData   protowire.Number = 2
	graphInput  protowire.Number = 3
	graphOutput protowire.Number = 4

	// Tensor
	tensorName  protowire.Number = 1
	tensorDType protowire.Number = 2
	tensorShape protowire.Number = 3
	tensorData  protowire.Number = 4
)

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// appendShape writes dims zigzag-encoded so tensor.Dynamic survives.
func appendShape(b []byte, num protowire.Number, shape []int64) []byte {
	var packed []byte
	for _, d := range shape {
		packed = protowire.AppendVarint(packed, protowire.EncodeZigZag(d))
	}
	return appendBytes(b, num, packed)
}

func encodeProgram(p *jit.Program) []byte {
	var b []byte
	b = appendString(b, progName, p.Name)
	for _, in := range p.Inputs {
		b = appendBytes(b, progInput, encodeParam(in))
	}
	for _, in := range p.Body {
		b = appendBytes(b, progInstr, encodeInstr(in))
	}
	for _, r := range p.Results {
		b = appendString(b, progResult, r)
	}
	// Map iteration order is random; sort for reproducible files.
	for _, name := range slices.Sorted(maps.Keys(p.Funcs)) {
		b = appendBytes(b, progFunc, encodeFunc(p.Funcs[name]))
	}
	for _, id := range slices.Sorted(maps.Keys(p.Graphs)) {
		b = appendBytes(b, progGraph, encodeGraph(p.Graphs[id]))
	}
	for _, name := range slices.Sorted(maps.Keys(p.Consts)) {
		b = appendBytes(b, progConst, encodeTensor(name, p.Consts[name]))
	}
	b = appendString(b, progCapture, string(p.Capture))
	return b
}

func encodeParam(p jit.Param) []byte {
	var b []byte
	b = appendString(b, paramName, p.Name)
	b = appendVarint(b, paramDType, uint64(p.DType))
	return appendShape(b, paramShape, p.Shape)
}

func encodeInstr(in jit.Instr) []byte {
	var b []byte
	b = appendString(b, instrOp, string(in.Op))
	for _, a := range in.Args {
		b = appendString(b, instrArg, a)
	}
	for _, o := range in.Outs {
		b = appendString(b, instrOut, o)
	}
	if in.Graph != "" {
		b = appendString(b, instrGraph, in.Graph)
	}
	if in.Func != "" {
		b = appendString(b, instrFunc, in.Func)
	}
	if in.Const != "" {
		b = appendString(b, instrConst, in.Const)
	}
	if in.Index != 0 {
		b = appendVarint(b, instrIndex, uint64(in.Index))
	}
	if in.Scalar != 0 {
		b = protowire.AppendTag(b, instrScalar, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(in.Scalar))
	}
	if in.Then != nil {
		b = appendBytes(b, instrThen, encodeBlock(in.Then))
	}
	if in.Else != nil {
		b = appendBytes(b, instrElse, encodeBlock(in.Else))
	}
	return b
}

func encodeBlock(blk *jit.Block) []byte {
	var b []byte
	for _, in := range blk.Body {
		b = appendBytes(b, blockInstr, encodeInstr(in))
	}
	for _, r := range blk.Results {
		b = appendString(b, blockResult, r)
	}
	return b
}

func encodeFunc(fn *jit.Function) []byte {
	var b []byte
	b = appendString(b, funcName, fn.Name)
	for _, p := range fn.Params {
		b = appendString(b, funcParam, p)
	}
	for _, in := range fn.Body {
		b = appendBytes(b, funcInstr, encodeInstr(in))
	}
	for _, r := range fn.Results {
		b = appendString(b, funcResult, r)
	}
	return b
}

func encodeGraph(g *jit.Graph) []byte {
	var b []byte
	b = appendString(b, graphID, g.ID)
	b = appendBytes(b, graphData, g.Data)
	for _, in := range g.Inputs {
		b = appendString(b, graphInput, in)
	}
	for _, out := range g.Outputs {
		b = appendString(b, graphOutput, out)
	}
	return b
}

func encodeTensor(name string, t *tensor.Tensor) []byte {
	var b []byte
	b = appendString(b, tensorName, name)
	b = appendVarint(b, tensorDType, uint64(t.DType))
	b = appendShape(b, tensorShape, t.Shape)

	var data []byte
	switch t.DType {
	case tensor.Float32:
		data = make([]byte, 4*len(t.F32))
		for i, v := range t.F32 {
			binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(v))
		}
	case tensor.Int64:
		data = make([]byte, 8*len(t.I64))
		for i, v := range t.I64 {
			binary.LittleEndian.PutUint64(data[i*8:], uint64(v))
		}
	}
	return appendBytes(b, tensorData, data)
}

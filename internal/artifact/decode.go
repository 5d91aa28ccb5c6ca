package artifact

import (
	"encoding/binary"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/kennethnrk/edgeclip/internal/common/constants"
	"github.com/kennethnrk/edgeclip/internal/jit"
	"github.com/kennethnrk/edgeclip/internal/tensor"
)

type field struct {
	num protowire.Number
	typ protowire.Type
	b   []byte
	n   uint64
}

// fields calls fn for every top-level field of a message.
func fields(b []byte, fn func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrCorrupt, protowire.ParseError(n))
		}
		b = b[n:]
		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.n, n = protowire.ConsumeVarint(b)
		case protowire.Fixed64Type:
			f.n, n = protowire.ConsumeFixed64(b)
		case protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(b)
			f.n = uint64(v)
		case protowire.BytesType:
			f.b, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrCorrupt, num, protowire.ParseError(n))
		}
		b = b[n:]
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func decodeShape(b []byte) ([]int64, error) {
	shape := []int64{}
	for len(b) > 0 {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: shape: %v", ErrCorrupt, protowire.ParseError(n))
		}
		shape = append(shape, protowire.DecodeZigZag(v))
		b = b[n:]
	}
	return shape, nil
}

func decodeProgram(b []byte) (*jit.Program, error) {
	p := &jit.Program{
		Funcs:  map[string]*jit.Function{},
		Graphs: map[string]*jit.Graph{},
		Consts: map[string]*tensor.Tensor{},
	}
	err := fields(b, func(f field) error {
		switch f.num {
		case progName:
			p.Name = string(f.b)
		case progInput:
			in, err := decodeParam(f.b)
			if err != nil {
				return err
			}
			p.Inputs = append(p.Inputs, in)
		case progInstr:
			in, err := decodeInstr(f.b)
			if err != nil {
				return err
			}
			p.Body = append(p.Body, in)
		case progResult:
			p.Results = append(p.Results, string(f.b))
		case progFunc:
			fn, err := decodeFunc(f.b)
			if err != nil {
				return err
			}
			p.Funcs[fn.Name] = fn
		case progGraph:
			g, err := decodeGraph(f.b)
			if err != nil {
				return err
			}
			p.Graphs[g.ID] = g
		case progConst:
			name, t, err := decodeTensor(f.b)
			if err != nil {
				return err
			}
			p.Consts[name] = t
		case progCapture:
			p.Capture = constants.CaptureMode(f.b)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func decodeParam(b []byte) (jit.Param, error) {
	var p jit.Param
	err := fields(b, func(f field) error {
		switch f.num {
		case paramName:
			p.Name = string(f.b)
		case paramDType:
			p.DType = tensor.DType(f.n)
		case paramShape:
			s, err := decodeShape(f.b)
			if err != nil {
				return err
			}
			p.Shape = s
		}
		return nil
	})
	return p, err
}

func decodeInstr(b []byte) (jit.Instr, error) {
	var in jit.Instr
	err := fields(b, func(f field) error {
		switch f.num {
		case instrOp:
			in.Op = jit.OpCode(f.b)
		case instrArg:
			in.Args = append(in.Args, string(f.b))
		case instrOut:
			in.Outs = append(in.Outs, string(f.b))
		case instrGraph:
			in.Graph = string(f.b)
		case instrFunc:
			in.Func = string(f.b)
		case instrConst:
			in.Const = string(f.b)
		case instrIndex:
			in.Index = int(f.n)
		case instrScalar:
			in.Scalar = math.Float64frombits(f.n)
		case instrThen, instrElse:
			blk, err := decodeBlock(f.b)
			if err != nil {
				return err
			}
			if f.num == instrThen {
				in.Then = blk
			} else {
				in.Else = blk
			}
		}
		return nil
	})
	return in, err
}

func decodeBlock(b []byte) (*jit.Block, error) {
	blk := &jit.Block{}
	err := fields(b, func(f field) error {
		switch f.num {
		case blockInstr:
			in, err := decodeInstr(f.b)
			if err != nil {
				return err
			}
			blk.Body = append(blk.Body, in)
		case blockResult:
			blk.Results = append(blk.Results, string(f.b))
		}
		return nil
	})
	return blk, err
}

func decodeFunc(b []byte) (*jit.Function, error) {
	fn := &jit.Function{}
	err := fields(b, func(f field) error {
		switch f.num {
		case funcName:
			fn.Name = string(f.b)
		case funcParam:
			fn.Params = append(fn.Params, string(f.b))
		case funcInstr:
			in, err := decodeInstr(f.b)
			if err != nil {
				return err
			}
			fn.Body = append(fn.Body, in)
		case funcResult:
			fn.Results = append(fn.Results, string(f.b))
		}
		return nil
	})
	return fn, err
}

func decodeGraph(b []byte) (*jit.Graph, error) {
	g := &jit.Graph{}
	err := fields(b, func(f field) error {
		switch f.num {
		case graphID:
			g.ID = string(f.b)
		case graphData:
			g.Data = f.b
		case graphInput:
			g.Inputs = append(g.Inputs, string(f.b))
		case graphOutput:
			g.Outputs = append(g.Outputs, string(f.b))
		}
		return nil
	})
	return g, err
}

func decodeTensor(b []byte) (string, *tensor.Tensor, error) {
	var (
		name  string
		dtype tensor.DType
		shape []int64
		data  []byte
	)
	err := fields(b, func(f field) error {
		var err error
		switch f.num {
		case tensorName:
			name = string(f.b)
		case tensorDType:
			dtype = tensor.DType(f.n)
		case tensorShape:
			shape, err = decodeShape(f.b)
		case tensorData:
			data = f.b
		}
		return err
	})
	if err != nil {
		return "", nil, err
	}

	for _, d := range shape {
		if d < 0 {
			return "", nil, fmt.Errorf("%w: constant %q has symbolic shape %v", ErrCorrupt, name, shape)
		}
	}
	n := tensor.NumElements(shape)
	switch dtype {
	case tensor.Float32:
		if len(data) != 4*n {
			return "", nil, fmt.Errorf("%w: constant %q has %d bytes for %d floats", ErrCorrupt, name, len(data), n)
		}
		v := make([]float32, n)
		for i := range v {
			v[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
		}
		t, err := tensor.NewFloat32(shape, v)
		return name, t, err
	case tensor.Int64:
		if len(data) != 8*n {
			return "", nil, fmt.Errorf("%w: constant %q has %d bytes for %d ints", ErrCorrupt, name, len(data), n)
		}
		v := make([]int64, n)
		for i := range v {
			v[i] = int64(binary.LittleEndian.Uint64(data[i*8:]))
		}
		t, err := tensor.NewInt64(shape, v)
		return name, t, err
	}
	return "", nil, fmt.Errorf("%w: constant %q has unknown dtype %d", ErrCorrupt, name, dtype)
}

package jit

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/kennethnrk/edgeclip/internal/tensor"
)

var (
	ErrUndefinedValue = errors.New("undefined value")
	ErrInputMismatch  = errors.New("program input mismatch")
)

// Module binds a program to a graph runtime so it can be called.
type Module struct {
	prog *Program
	rt   GraphRunner
}

func NewModule(p *Program, rt GraphRunner) *Module {
	return &Module{prog: p, rt: rt}
}

func (m *Module) Program() *Program { return m.prog }

// Run executes the program. Multiple results come back as a tuple.
func (m *Module) Run(ctx context.Context, inputs ...*tensor.Tensor) (Value, error) {
	return run(ctx, m.prog, m.rt, inputs, nil)
}

// recorder receives every instruction the interpreter executes at the top
// level (if-blocks are flattened). Trace uses it; plain runs pass nil.
type recorder interface {
	record(in Instr, args []Value, out []Value) error
}

type frame struct {
	prog *Program
	rt   GraphRunner
	env  map[string]Value
	rec  recorder
}

func run(ctx context.Context, p *Program, rt GraphRunner, inputs []*tensor.Tensor, rec recorder) (Value, error) {
	if len(inputs) != len(p.Inputs) {
		return Value{}, fmt.Errorf("%w: %s takes %d inputs, got %d", ErrInputMismatch, p.Name, len(p.Inputs), len(inputs))
	}
	f := &frame{prog: p, rt: rt, env: make(map[string]Value), rec: rec}
	for i, param := range p.Inputs {
		in := inputs[i]
		if in == nil {
			return Value{}, fmt.Errorf("%w: input %q is nil", ErrInputMismatch, param.Name)
		}
		if in.DType != param.DType || !tensor.ShapeMatches(param.Shape, in.Shape) {
			return Value{}, fmt.Errorf("%w: input %q wants %s%v, got %s", ErrInputMismatch, param.Name, param.DType, param.Shape, in)
		}
		f.env[param.Name] = TensorValue(in)
	}
	if err := f.exec(ctx, p.Body); err != nil {
		return Value{}, err
	}
	return f.results(p.Results)
}

func (f *frame) results(names []string) (Value, error) {
	if len(names) == 1 {
		return f.lookup(names[0])
	}
	out := make([]*tensor.Tensor, len(names))
	for i, name := range names {
		v, err := f.lookup(name)
		if err != nil {
			return Value{}, err
		}
		if out[i], err = v.First(); err != nil {
			return Value{}, err
		}
	}
	return TupleValue(out...), nil
}

func (f *frame) lookup(name string) (Value, error) {
	v, ok := f.env[name]
	if !ok {
		return Value{}, fmt.Errorf("%w: %q", ErrUndefinedValue, name)
	}
	return v, nil
}

func (f *frame) exec(ctx context.Context, body []Instr) error {
	for _, in := range body {
		if err := ctx.Err(); err != nil {
			return err
		}
		args := make([]Value, len(in.Args))
		for i, name := range in.Args {
			v, err := f.lookup(name)
			if err != nil {
				return fmt.Errorf("%s: %w", in.Op, err)
			}
			args[i] = v
		}

		if in.Op == OpIf {
			if err := f.execIf(ctx, in, args); err != nil {
				return err
			}
			continue
		}

		out, err := f.eval(ctx, in, args)
		if err != nil {
			return fmt.Errorf("%s %v: %w", in.Op, in.Outs, err)
		}
		if f.rec != nil {
			if err := f.rec.record(in, args, out); err != nil {
				return err
			}
		}
		for i, name := range in.Outs {
			f.env[name] = out[i]
		}
	}
	return nil
}

func (f *frame) execIf(ctx context.Context, in Instr, args []Value) error {
	cond, err := truthy(args[0])
	if err != nil {
		return fmt.Errorf("if: %w", err)
	}
	block := in.Else
	if cond {
		block = in.Then
	}
	if block == nil {
		return fmt.Errorf("if: missing branch")
	}
	if err := f.exec(ctx, block.Body); err != nil {
		return err
	}
	for i, name := range in.Outs {
		v, err := f.lookup(block.Results[i])
		if err != nil {
			return fmt.Errorf("if: %w", err)
		}
		f.env[name] = v
		if f.rec != nil {
			alias := Instr{Op: OpIdentity, Args: []string{block.Results[i]}, Outs: []string{name}}
			if err := f.rec.record(alias, []Value{v}, []Value{v}); err != nil {
				return err
			}
		}
	}
	return nil
}

func truthy(v Value) (bool, error) {
	t, err := v.First()
	if err != nil {
		return false, err
	}
	switch {
	case t.DType == tensor.Int64 && len(t.I64) == 1:
		return t.I64[0] != 0, nil
	case t.DType == tensor.Float32 && len(t.F32) == 1:
		return t.F32[0] != 0, nil
	}
	return false, fmt.Errorf("condition must be a scalar, got %s", t)
}

func (f *frame) eval(ctx context.Context, in Instr, args []Value) ([]Value, error) {
	one := func(t *tensor.Tensor, err error) ([]Value, error) {
		if err != nil {
			return nil, err
		}
		return []Value{TensorValue(t)}, nil
	}
	tensors := func() ([]*tensor.Tensor, error) {
		ts := make([]*tensor.Tensor, len(args))
		for i, a := range args {
			if a.IsTuple() {
				return nil, fmt.Errorf("argument %d is a tuple", i)
			}
			if a.Tensor == nil {
				return nil, ErrUndefinedValue
			}
			ts[i] = a.Tensor
		}
		return ts, nil
	}

	switch in.Op {
	case OpConst:
		c, ok := f.prog.Consts[in.Const]
		if !ok {
			return nil, fmt.Errorf("unknown constant %q", in.Const)
		}
		return []Value{TensorValue(c)}, nil

	case OpGraph:
		g, ok := f.prog.Graphs[in.Graph]
		if !ok {
			return nil, fmt.Errorf("unknown graph %q", in.Graph)
		}
		if f.rt == nil {
			return nil, errors.New("no graph runtime")
		}
		ts, err := tensors()
		if err != nil {
			return nil, err
		}
		outs, err := f.rt.RunGraph(ctx, g, ts)
		if err != nil {
			return nil, fmt.Errorf("run graph %q: %w", g.ID, err)
		}
		if len(outs) == 1 {
			return []Value{TensorValue(outs[0])}, nil
		}
		return []Value{TupleValue(outs...)}, nil

	case OpTupleGet:
		if !args[0].IsTuple() {
			return nil, errors.New("tuple_get on a tensor")
		}
		if in.Index < 0 || in.Index >= len(args[0].Tuple) {
			return nil, fmt.Errorf("tuple index %d out of range", in.Index)
		}
		return []Value{TensorValue(args[0].Tuple[in.Index])}, nil

	case OpTuple:
		ts, err := tensors()
		if err != nil {
			return nil, err
		}
		return []Value{TupleValue(ts...)}, nil

	case OpIsTuple:
		var flag int64
		if args[0].IsTuple() {
			flag = 1
		}
		return []Value{TensorValue(tensor.Scalar(flag))}, nil

	case OpIdentity:
		return []Value{args[0]}, nil

	case OpArgMax:
		ts, err := tensors()
		if err != nil {
			return nil, err
		}
		return one(argMax(ts[0]))

	case OpGatherRows:
		ts, err := tensors()
		if err != nil {
			return nil, err
		}
		return one(gatherRows(ts[0], ts[1]))

	case OpMatMul:
		ts, err := tensors()
		if err != nil {
			return nil, err
		}
		return one(matMul(ts[0], ts[1]))

	case OpSumSquares:
		ts, err := tensors()
		if err != nil {
			return nil, err
		}
		return one(sumSquares(ts[0]))

	case OpAddScalar:
		ts, err := tensors()
		if err != nil {
			return nil, err
		}
		return one(mapFloat(ts[0], func(x float64) float64 { return x + in.Scalar }))

	case OpSqrt:
		ts, err := tensors()
		if err != nil {
			return nil, err
		}
		return one(mapFloat(ts[0], math.Sqrt))

	case OpDiv:
		ts, err := tensors()
		if err != nil {
			return nil, err
		}
		return one(div(ts[0], ts[1]))

	case OpCall:
		fn, ok := f.prog.Funcs[in.Func]
		if !ok {
			return nil, fmt.Errorf("unknown function %q", in.Func)
		}
		if len(fn.Params) != len(args) {
			return nil, fmt.Errorf("%s takes %d arguments, got %d", fn.Name, len(fn.Params), len(args))
		}
		callee := &frame{prog: f.prog, rt: f.rt, env: make(map[string]Value, len(fn.Body)+len(args))}
		for i, p := range fn.Params {
			callee.env[p] = args[i]
		}
		if err := callee.exec(ctx, fn.Body); err != nil {
			return nil, fmt.Errorf("call %s: %w", fn.Name, err)
		}
		v, err := callee.results(fn.Results)
		if err != nil {
			return nil, err
		}
		return []Value{v}, nil

	case OpHost:
		fn, ok := f.prog.Hosts[in.Func]
		if !ok {
			return nil, fmt.Errorf("host function %q is not available", in.Func)
		}
		v, err := fn(ctx, args)
		if err != nil {
			return nil, err
		}
		return []Value{v}, nil
	}
	return nil, fmt.Errorf("unknown op %q", in.Op)
}

func argMax(ids *tensor.Tensor) (*tensor.Tensor, error) {
	if ids.DType != tensor.Int64 || len(ids.Shape) != 2 {
		return nil, fmt.Errorf("%w: argmax wants int64 [B,S], got %s", tensor.ErrShape, ids)
	}
	b, s := int(ids.Shape[0]), int(ids.Shape[1])
	if s == 0 {
		return nil, fmt.Errorf("%w: argmax over empty axis", tensor.ErrShape)
	}
	out := make([]int64, b)
	for i := 0; i < b; i++ {
		row := ids.I64[i*s : (i+1)*s]
		best := 0
		for j := 1; j < s; j++ {
			if row[j] > row[best] {
				best = j
			}
		}
		out[i] = int64(best)
	}
	return tensor.NewInt64([]int64{int64(b)}, out)
}

func gatherRows(x, idx *tensor.Tensor) (*tensor.Tensor, error) {
	if x.DType != tensor.Float32 || len(x.Shape) != 3 {
		return nil, fmt.Errorf("%w: gather_rows wants float32 [B,S,W], got %s", tensor.ErrShape, x)
	}
	if idx.DType != tensor.Int64 || len(idx.Shape) != 1 || idx.Shape[0] != x.Shape[0] {
		return nil, fmt.Errorf("%w: gather_rows index %s does not match %s", tensor.ErrShape, idx, x)
	}
	b, s, w := int(x.Shape[0]), int(x.Shape[1]), int(x.Shape[2])
	out := make([]float32, b*w)
	for i := 0; i < b; i++ {
		j := int(idx.I64[i])
		if j < 0 || j >= s {
			return nil, fmt.Errorf("gather_rows index %d out of range [0,%d)", j, s)
		}
		copy(out[i*w:(i+1)*w], x.F32[(i*s+j)*w:(i*s+j+1)*w])
	}
	return tensor.NewFloat32([]int64{int64(b), int64(w)}, out)
}

func matMul(x, w *tensor.Tensor) (*tensor.Tensor, error) {
	if x.DType != tensor.Float32 || w.DType != tensor.Float32 || len(x.Shape) != 2 || len(w.Shape) != 2 || x.Shape[1] != w.Shape[0] {
		return nil, fmt.Errorf("%w: matmul %s x %s", tensor.ErrShape, x, w)
	}
	b, k, n := int(x.Shape[0]), int(x.Shape[1]), int(w.Shape[1])
	out := make([]float32, b*n)
	for i := 0; i < b; i++ {
		for p := 0; p < k; p++ {
			xv := x.F32[i*k+p]
			if xv == 0 {
				continue
			}
			row := w.F32[p*n : (p+1)*n]
			dst := out[i*n : (i+1)*n]
			for j, wv := range row {
				dst[j] += xv * wv
			}
		}
	}
	return tensor.NewFloat32([]int64{int64(b), int64(n)}, out)
}

func sumSquares(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.DType != tensor.Float32 || len(x.Shape) == 0 {
		return nil, fmt.Errorf("%w: sum_squares wants float32 with at least one axis, got %s", tensor.ErrShape, x)
	}
	d := int(x.Shape[len(x.Shape)-1])
	if d == 0 {
		return nil, fmt.Errorf("%w: sum_squares over empty axis", tensor.ErrShape)
	}
	rows := len(x.F32) / d
	out := make([]float32, rows)
	for r := 0; r < rows; r++ {
		var s float64
		for _, v := range x.F32[r*d : (r+1)*d] {
			s += float64(v) * float64(v)
		}
		out[r] = float32(s)
	}
	shape := append(append([]int64{}, x.Shape[:len(x.Shape)-1]...), 1)
	return tensor.NewFloat32(shape, out)
}

func mapFloat(x *tensor.Tensor, fn func(float64) float64) (*tensor.Tensor, error) {
	if x.DType != tensor.Float32 {
		return nil, fmt.Errorf("%w: want float32, got %s", tensor.ErrShape, x)
	}
	out := make([]float32, len(x.F32))
	for i, v := range x.F32 {
		out[i] = float32(fn(float64(v)))
	}
	return tensor.NewFloat32(x.Shape, out)
}

func div(x, y *tensor.Tensor) (*tensor.Tensor, error) {
	if x.DType != tensor.Float32 || y.DType != tensor.Float32 || len(x.Shape) == 0 || len(x.Shape) != len(y.Shape) {
		return nil, fmt.Errorf("%w: div %s / %s", tensor.ErrShape, x, y)
	}
	d := int(x.Shape[len(x.Shape)-1])
	out := make([]float32, len(x.F32))
	switch {
	case len(y.F32) == len(x.F32):
		for i := range x.F32 {
			out[i] = x.F32[i] / y.F32[i]
		}
	case y.Shape[len(y.Shape)-1] == 1 && d > 0 && len(y.F32) == len(x.F32)/d:
		for i := range x.F32 {
			out[i] = x.F32[i] / y.F32[i/d]
		}
	default:
		return nil, fmt.Errorf("%w: cannot broadcast %s over %s", tensor.ErrShape, y, x)
	}
	return tensor.NewFloat32(x.Shape, out)
}

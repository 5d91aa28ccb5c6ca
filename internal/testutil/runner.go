// Package testutil provides in-process stand-ins for the native graph
// runtime and synthetic model files so packages can be tested without
// ONNX Runtime or ffmpeg installed.
package testutil

import (
	"context"
	"fmt"

	"github.com/kennethnrk/edgeclip/internal/jit"
	"github.com/kennethnrk/edgeclip/internal/tensor"
)

// GraphFunc computes a graph's outputs from its inputs.
type GraphFunc func(inputs []*tensor.Tensor) ([]*tensor.Tensor, error)

// FakeRunner dispatches graphs by ID to Go functions and counts calls.
type FakeRunner struct {
	Graphs map[string]GraphFunc
	Calls  map[string]int
}

func NewFakeRunner() *FakeRunner {
	return &FakeRunner{Graphs: map[string]GraphFunc{}, Calls: map[string]int{}}
}

func (r *FakeRunner) RunGraph(_ context.Context, g *jit.Graph, inputs []*tensor.Tensor) ([]*tensor.Tensor, error) {
	fn, ok := r.Graphs[g.ID]
	if !ok {
		return nil, fmt.Errorf("fake runner: no graph %q", g.ID)
	}
	r.Calls[g.ID]++
	return fn(inputs)
}

// LinearImageTower returns a graph mapping [B,C,H,W] pixels to [B,dim]
// features: feature j is the sum of pixels with flat index congruent to j.
// Deterministic and sensitive to every input value.
func LinearImageTower(dim int) GraphFunc {
	return func(inputs []*tensor.Tensor) ([]*tensor.Tensor, error) {
		x := inputs[0]
		b := int(x.Shape[0])
		per := len(x.F32) / b
		out := make([]float32, b*dim)
		for i := 0; i < b; i++ {
			for k, v := range x.F32[i*per : (i+1)*per] {
				out[i*dim+k%dim] += v * float32(1+k%7)
			}
		}
		t, err := tensor.NewFloat32([]int64{int64(b), int64(dim)}, out)
		if err != nil {
			return nil, err
		}
		return []*tensor.Tensor{t}, nil
	}
}

// TokenTower returns a graph mapping [B,S] ids to [B,S,width] features
// where position s of row b is filled with f(id) varying along the width.
func TokenTower(width int) GraphFunc {
	return func(inputs []*tensor.Tensor) ([]*tensor.Tensor, error) {
		ids := inputs[0]
		b, s := int(ids.Shape[0]), int(ids.Shape[1])
		out := make([]float32, b*s*width)
		for i := 0; i < b*s; i++ {
			for w := 0; w < width; w++ {
				out[i*width+w] = float32(ids.I64[i]%97+1) * float32(w+1) / float32(width)
			}
		}
		t, err := tensor.NewFloat32([]int64{int64(b), int64(s), int64(width)}, out)
		if err != nil {
			return nil, err
		}
		return []*tensor.Tensor{t}, nil
	}
}

// WithExtraOutput wraps fn so it also returns a second, unrelated output,
// as towers exported with pooled and per-token outputs do.
func WithExtraOutput(fn GraphFunc) GraphFunc {
	return func(inputs []*tensor.Tensor) ([]*tensor.Tensor, error) {
		outs, err := fn(inputs)
		if err != nil {
			return nil, err
		}
		return append(outs, tensor.Scalar(42)), nil
	}
}

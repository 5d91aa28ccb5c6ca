// Package onnx inspects ONNX model files and runs embedded graphs through
// ONNX Runtime.
package onnx

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/rs/zerolog"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/kennethnrk/edgeclip/internal/host"
	"github.com/kennethnrk/edgeclip/internal/jit"
	"github.com/kennethnrk/edgeclip/internal/tensor"
)

// DefaultLibraryPath is the ONNX Runtime shared library name for this OS,
// resolved by the system loader when no explicit path is given.
func DefaultLibraryPath() string {
	switch runtime.GOOS {
	case "windows":
		return "onnxruntime.dll"
	case "darwin":
		return "libonnxruntime.dylib"
	default:
		return "libonnxruntime.so"
	}
}

const ortRemedy = "install the ONNX Runtime shared library (https://onnxruntime.ai) and pass its path with -ort-lib"

// Init loads the ONNX Runtime shared library and creates the global
// environment. It never installs anything: a missing library is reported
// as a host.MissingDependencyError.
func Init(libPath string) error {
	if ort.IsInitialized() {
		return nil
	}
	if libPath == "" {
		libPath = DefaultLibraryPath()
	} else if _, err := os.Stat(libPath); err != nil {
		return &host.MissingDependencyError{Name: "onnxruntime", Remedy: ortRemedy, Err: err}
	}
	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return &host.MissingDependencyError{Name: "onnxruntime", Remedy: ortRemedy, Err: err}
	}
	return nil
}

// Shutdown releases the global environment.
func Shutdown() error {
	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

// Runtime executes jit graphs with ONNX Runtime, keeping one session per
// graph ID for the life of the process.
type Runtime struct {
	threads  int
	sessions map[string]*ort.DynamicAdvancedSession
	log      zerolog.Logger
}

// NewRuntime requires Init to have succeeded.
func NewRuntime(threads int, log zerolog.Logger) *Runtime {
	return &Runtime{threads: threads, sessions: map[string]*ort.DynamicAdvancedSession{}, log: log}
}

func (r *Runtime) session(g *jit.Graph) (*ort.DynamicAdvancedSession, error) {
	if s, ok := r.sessions[g.ID]; ok {
		return s, nil
	}
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("session options: %w", err)
	}
	defer opts.Destroy()
	if r.threads > 0 {
		if err := opts.SetIntraOpNumThreads(r.threads); err != nil {
			return nil, fmt.Errorf("set intra-op threads: %w", err)
		}
	}
	if err := opts.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableAll); err != nil {
		return nil, fmt.Errorf("set optimization level: %w", err)
	}

	s, err := ort.NewDynamicAdvancedSessionWithONNXData(g.Data, g.Inputs, g.Outputs, opts)
	if err != nil {
		return nil, fmt.Errorf("create session for graph %q: %w", g.ID, err)
	}
	r.log.Debug().Str("graph", g.ID).Int("bytes", len(g.Data)).Msg("created onnxruntime session")
	r.sessions[g.ID] = s
	return s, nil
}

// RunGraph implements jit.GraphRunner.
func (r *Runtime) RunGraph(ctx context.Context, g *jit.Graph, inputs []*tensor.Tensor) ([]*tensor.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(inputs) != len(g.Inputs) {
		return nil, fmt.Errorf("graph %q takes %d inputs, got %d", g.ID, len(g.Inputs), len(inputs))
	}
	s, err := r.session(g)
	if err != nil {
		return nil, err
	}

	ins := make([]ort.Value, len(inputs))
	defer destroyAll(ins)
	for i, t := range inputs {
		if ins[i], err = toOrt(t); err != nil {
			return nil, fmt.Errorf("graph %q input %q: %w", g.ID, g.Inputs[i], err)
		}
	}
	// nil outputs are allocated by onnxruntime with their computed shapes.
	outs := make([]ort.Value, len(g.Outputs))
	defer destroyAll(outs)
	if err := s.Run(ins, outs); err != nil {
		return nil, fmt.Errorf("run graph %q: %w", g.ID, err)
	}

	result := make([]*tensor.Tensor, len(outs))
	for i, v := range outs {
		if result[i], err = fromOrt(v); err != nil {
			return nil, fmt.Errorf("graph %q output %q: %w", g.ID, g.Outputs[i], err)
		}
	}
	return result, nil
}

// Close destroys every cached session.
func (r *Runtime) Close() error {
	var firstErr error
	for id, s := range r.sessions {
		if err := s.Destroy(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("destroy session %q: %w", id, err)
		}
		delete(r.sessions, id)
	}
	return firstErr
}

func toOrt(t *tensor.Tensor) (ort.Value, error) {
	shape := ort.NewShape(t.Shape...)
	switch t.DType {
	case tensor.Float32:
		v, err := ort.NewTensor(shape, t.F32)
		if err != nil {
			return nil, err
		}
		return v, nil
	case tensor.Int64:
		v, err := ort.NewTensor(shape, t.I64)
		if err != nil {
			return nil, err
		}
		return v, nil
	}
	return nil, fmt.Errorf("unsupported dtype %s", t.DType)
}

func fromOrt(v ort.Value) (*tensor.Tensor, error) {
	switch ot := v.(type) {
	case *ort.Tensor[float32]:
		data := ot.GetData()
		out := make([]float32, len(data))
		copy(out, data)
		return tensor.NewFloat32(ot.GetShape(), out)
	case *ort.Tensor[int64]:
		data := ot.GetData()
		out := make([]int64, len(data))
		copy(out, data)
		return tensor.NewInt64(ot.GetShape(), out)
	case nil:
		return nil, fmt.Errorf("output was not produced")
	}
	return nil, fmt.Errorf("unsupported output type %T", v)
}

func destroyAll(vs []ort.Value) {
	for _, v := range vs {
		if v != nil {
			_ = v.Destroy()
		}
	}
}

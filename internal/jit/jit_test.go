package jit_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kennethnrk/edgeclip/internal/common/constants"
	"github.com/kennethnrk/edgeclip/internal/embedding"
	"github.com/kennethnrk/edgeclip/internal/jit"
	"github.com/kennethnrk/edgeclip/internal/tensor"
	"github.com/kennethnrk/edgeclip/internal/testutil"
)

func defineL2(b *jit.Builder) {
	b.Func("l2_normalize", []string{"x"}, func(fb *jit.Builder, params []string) string {
		ss := fb.SumSquares(params[0])
		n := fb.Sqrt(fb.AddScalar(ss, constants.NormEpsilon))
		return fb.Div(params[0], n)
	})
}

// imageProgram mirrors the image wrapper: graph, unwrap tuple, normalize.
func imageProgram() *jit.Program {
	b := jit.NewBuilder("encode_image")
	defineL2(b)
	b.AddGraph(&jit.Graph{ID: "visual", Inputs: []string{"pixel_values"}, Outputs: []string{"image_embeds"}})
	x := b.Input("image", tensor.Float32, tensor.Dynamic, 3, 2, 2)
	raw := b.Graph("visual", x)
	feat := b.If(b.IsTuple(raw),
		func(tb *jit.Builder) string { return tb.TupleGet(raw, 0) },
		func(eb *jit.Builder) string { return eb.Identity(raw) })
	return b.Return(b.Call("l2_normalize", feat))
}

func image(t *testing.T, batch int64) *tensor.Tensor {
	t.Helper()
	data := make([]float32, batch*12)
	for i := range data {
		data[i] = float32(i%5) - 1.5
	}
	x, err := tensor.NewFloat32([]int64{batch, 3, 2, 2}, data)
	require.NoError(t, err)
	return x
}

func TestModuleRunNormalizes(t *testing.T) {
	rt := testutil.NewFakeRunner()
	rt.Graphs["visual"] = testutil.LinearImageTower(4)

	out, err := jit.NewModule(imageProgram(), rt).Run(context.Background(), image(t, 1))
	require.NoError(t, err)
	require.False(t, out.IsTuple())
	assert.Equal(t, []int64{1, 4}, out.Tensor.Shape)
	assert.InDelta(t, 1.0, embedding.Norm(out.Tensor.F32), 1e-5)
}

func TestModuleRunRejectsWrongInput(t *testing.T) {
	rt := testutil.NewFakeRunner()
	rt.Graphs["visual"] = testutil.LinearImageTower(4)
	m := jit.NewModule(imageProgram(), rt)

	bad, _ := tensor.NewFloat32([]int64{1, 3, 4, 4}, make([]float32, 48))
	_, err := m.Run(context.Background(), bad)
	assert.ErrorIs(t, err, jit.ErrInputMismatch)

	_, err = m.Run(context.Background())
	assert.ErrorIs(t, err, jit.ErrInputMismatch)
}

func TestScriptKeepsBranchesAndDynamicBatch(t *testing.T) {
	scripted, err := jit.Script(imageProgram())
	require.NoError(t, err)
	assert.Equal(t, constants.CaptureScript, scripted.Capture)
	assert.Equal(t, tensor.Dynamic, scripted.Inputs[0].Shape[0])

	rt := testutil.NewFakeRunner()
	rt.Graphs["visual"] = testutil.LinearImageTower(4)
	out, err := jit.NewModule(scripted, rt).Run(context.Background(), image(t, 3))
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 4}, out.Tensor.Shape)

	// The same scripted program handles a tower that returns a tuple.
	rt.Graphs["visual"] = testutil.WithExtraOutput(testutil.LinearImageTower(4))
	out, err = jit.NewModule(scripted, rt).Run(context.Background(), image(t, 1))
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 4}, out.Tensor.Shape)
}

func TestScriptRejectsHostFunctions(t *testing.T) {
	b := jit.NewBuilder("hooked")
	b.AddHost("double", func(_ context.Context, args []jit.Value) (jit.Value, error) {
		x := args[0].Tensor.Clone()
		for i := range x.F32 {
			x.F32[i] *= 2
		}
		return jit.TensorValue(x), nil
	})
	x := b.Input("x", tensor.Float32, tensor.Dynamic, 2)
	p := b.Return(b.Host("double", x))

	_, err := jit.Script(p)
	require.Error(t, err)
	assert.True(t, errors.Is(err, jit.ErrNotScriptable))
	var se *jit.ScriptError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, jit.OpHost, se.Op)
}

func TestScriptRejectsUndefinedValues(t *testing.T) {
	b := jit.NewBuilder("broken")
	b.Input("x", tensor.Float32, 2)
	p := b.Return(b.Sqrt("nope"))
	_, err := jit.Script(p)
	assert.ErrorIs(t, err, jit.ErrNotScriptable)
}

func TestTraceFreezesTakenBranch(t *testing.T) {
	rt := testutil.NewFakeRunner()
	rt.Graphs["visual"] = testutil.LinearImageTower(4)

	traced, want, err := jit.Trace(context.Background(), imageProgram(), rt, []*tensor.Tensor{image(t, 1)})
	require.NoError(t, err)
	assert.Equal(t, constants.CaptureTrace, traced.Capture)
	assert.Equal(t, []int64{1, 3, 2, 2}, traced.Inputs[0].Shape)
	for _, in := range traced.Body {
		assert.NotEqual(t, jit.OpIf, in.Op)
	}

	got, err := jit.NewModule(traced, rt).Run(context.Background(), image(t, 1))
	require.NoError(t, err)
	d, err := tensor.MaxAbsDiff(want.Tensor, got.Tensor)
	require.NoError(t, err)
	assert.Less(t, d, constants.ParityTolerance)

	// The untaken tuple branch is gone: a tower that now returns a tuple breaks the traced program.
	rt.Graphs["visual"] = testutil.WithExtraOutput(testutil.LinearImageTower(4))
	_, err = jit.NewModule(traced, rt).Run(context.Background(), image(t, 1))
	assert.Error(t, err)

	// Pinned shapes reject other batch sizes.
	_, err = jit.NewModule(traced, rt).Run(context.Background(), image(t, 2))
	assert.ErrorIs(t, err, jit.ErrInputMismatch)
}

func TestTraceBakesHostResults(t *testing.T) {
	calls := 0
	b := jit.NewBuilder("hooked")
	b.AddHost("offset", func(_ context.Context, args []jit.Value) (jit.Value, error) {
		calls++
		o, _ := tensor.NewFloat32([]int64{2}, []float32{float32(calls), 0})
		return jit.TensorValue(o), nil
	})
	x := b.Input("x", tensor.Float32, 2)
	off := b.Host("offset", x)
	p := b.Return(b.Div(x, b.AddScalar(off, 1)))

	in, _ := tensor.NewFloat32([]int64{2}, []float32{4, 4})
	traced, _, err := jit.Trace(context.Background(), p, nil, []*tensor.Tensor{in})
	require.NoError(t, err)
	assert.Nil(t, traced.Hosts)

	for i := 0; i < 3; i++ {
		out, err := jit.NewModule(traced, nil).Run(context.Background(), in)
		require.NoError(t, err)
		assert.Equal(t, []float32{2, 4}, out.Tensor.F32)
	}
	assert.Equal(t, 1, calls)
}

func TestInlineRemovesCalls(t *testing.T) {
	scripted, err := jit.Script(imageProgram())
	require.NoError(t, err)
	inlined, err := jit.Inline(scripted)
	require.NoError(t, err)
	assert.Empty(t, inlined.Funcs)
	for _, in := range inlined.Body {
		assert.NotEqual(t, jit.OpCall, in.Op)
	}

	rt := testutil.NewFakeRunner()
	rt.Graphs["visual"] = testutil.LinearImageTower(4)
	want, err := jit.NewModule(scripted, rt).Run(context.Background(), image(t, 1))
	require.NoError(t, err)
	got, err := jit.NewModule(inlined, rt).Run(context.Background(), image(t, 1))
	require.NoError(t, err)
	assert.Equal(t, want.Tensor.F32, got.Tensor.F32)

	// Inlined output is still a valid script.
	_, err = jit.Script(inlined)
	assert.NoError(t, err)
}

func TestInlineNestedCalls(t *testing.T) {
	b := jit.NewBuilder("nested")
	defineL2(b)
	b.Func("twice", []string{"v"}, func(fb *jit.Builder, params []string) string {
		return fb.Call("l2_normalize", fb.Call("l2_normalize", params[0]))
	})
	x := b.Input("x", tensor.Float32, 1, 2)
	p := b.Return(b.Call("twice", x))

	inlined, err := jit.Inline(p)
	require.NoError(t, err)
	in, _ := tensor.NewFloat32([]int64{1, 2}, []float32{3, 4})
	out, err := jit.NewModule(inlined, nil).Run(context.Background(), in)
	require.NoError(t, err)
	assert.InDelta(t, 0.6, out.Tensor.F32[0], 1e-6)
	assert.InDelta(t, 0.8, out.Tensor.F32[1], 1e-6)
}

func TestEliminateDeadCodeDropsUnusedWork(t *testing.T) {
	rt := testutil.NewFakeRunner()
	rt.Graphs["visual"] = testutil.LinearImageTower(4)
	traced, _, err := jit.Trace(context.Background(), imageProgram(), rt, []*tensor.Tensor{image(t, 1)})
	require.NoError(t, err)
	inlined, err := jit.Inline(traced)
	require.NoError(t, err)

	pruned := jit.EliminateDeadCode(inlined)
	assert.Less(t, pruned.InstructionCount(), inlined.InstructionCount())
	for _, in := range pruned.Body {
		assert.NotEqual(t, jit.OpIsTuple, in.Op)
	}
	_, err = jit.NewModule(pruned, rt).Run(context.Background(), image(t, 1))
	assert.NoError(t, err)
}

func TestTextOpsSelectHighestTokenPosition(t *testing.T) {
	b := jit.NewBuilder("encode_text")
	defineL2(b)
	b.AddGraph(&jit.Graph{ID: "text", Inputs: []string{"input_ids"}, Outputs: []string{"last_hidden_state"}})
	proj, _ := tensor.NewFloat32([]int64{3, 2}, []float32{1, 0, 0, 1, 1, 1})
	b.AddConst("text_projection", proj)
	ids := b.Input("text", tensor.Int64, tensor.Dynamic, 4)
	h := b.Graph("text", ids)
	feat := b.GatherRows(h, b.ArgMax(ids))
	p := b.Return(b.Call("l2_normalize", b.MatMul(feat, b.Const("text_projection"))))

	rt := testutil.NewFakeRunner()
	rt.Graphs["text"] = func(inputs []*tensor.Tensor) ([]*tensor.Tensor, error) {
		// Position s carries the feature (s, 0, 0).
		out := make([]float32, 4*3)
		for s := 0; s < 4; s++ {
			out[s*3] = float32(s + 1)
		}
		hidden, err := tensor.NewFloat32([]int64{1, 4, 3}, out)
		return []*tensor.Tensor{hidden}, err
	}
	in, _ := tensor.NewInt64([]int64{1, 4}, []int64{49406, 320, 49407, 0})
	out, err := jit.NewModule(p, rt).Run(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, out.Tensor.Shape)
	// Position 2 wins; its feature (3,0,0) projects to (3,0) and normalizes to (1,0).
	assert.InDelta(t, 1.0, out.Tensor.F32[0], 1e-6)
	assert.InDelta(t, 0.0, out.Tensor.F32[1], 1e-6)
}

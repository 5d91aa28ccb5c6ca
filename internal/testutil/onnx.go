package testutil

import (
	"encoding/binary"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// ONNXValue is a graph input or output for ONNXModel. A negative
// dimension is written as a symbolic dim_param.
type ONNXValue struct {
	Name     string
	ElemType uint64
	Shape    []int64
}

// ONNXModel is a minimal ModelProto: no nodes, only the signature and
// float initializers. Enough for inspection; not runnable.
type ONNXModel struct {
	Producer     string
	Inputs       []ONNXValue
	Outputs      []ONNXValue
	Initializers map[string]ONNXInitializer
}

type ONNXInitializer struct {
	Dims []int64
	Data []float32
	// Raw writes Data as raw_data instead of packed float_data.
	Raw bool
}

// Bytes encodes the model.
func (m ONNXModel) Bytes() []byte {
	var graph []byte
	graph = protowire.AppendTag(graph, 2, protowire.BytesType)
	graph = protowire.AppendString(graph, "test-graph")
	for name, init := range m.Initializers {
		graph = protowire.AppendTag(graph, 5, protowire.BytesType)
		graph = protowire.AppendBytes(graph, tensorProto(name, init))
	}
	for _, v := range m.Inputs {
		graph = protowire.AppendTag(graph, 11, protowire.BytesType)
		graph = protowire.AppendBytes(graph, valueInfo(v))
	}
	for _, v := range m.Outputs {
		graph = protowire.AppendTag(graph, 12, protowire.BytesType)
		graph = protowire.AppendBytes(graph, valueInfo(v))
	}

	var model []byte
	model = protowire.AppendTag(model, 1, protowire.VarintType)
	model = protowire.AppendVarint(model, 8)
	model = protowire.AppendTag(model, 2, protowire.BytesType)
	model = protowire.AppendString(model, m.Producer)
	model = protowire.AppendTag(model, 7, protowire.BytesType)
	model = protowire.AppendBytes(model, graph)
	return model
}

func valueInfo(v ONNXValue) []byte {
	var shape []byte
	for _, d := range v.Shape {
		var dim []byte
		if d < 0 {
			dim = protowire.AppendTag(dim, 2, protowire.BytesType)
			dim = protowire.AppendString(dim, "batch")
		} else {
			dim = protowire.AppendTag(dim, 1, protowire.VarintType)
			dim = protowire.AppendVarint(dim, uint64(d))
		}
		shape = protowire.AppendTag(shape, 1, protowire.BytesType)
		shape = protowire.AppendBytes(shape, dim)
	}
	var tt []byte
	tt = protowire.AppendTag(tt, 1, protowire.VarintType)
	tt = protowire.AppendVarint(tt, v.ElemType)
	tt = protowire.AppendTag(tt, 2, protowire.BytesType)
	tt = protowire.AppendBytes(tt, shape)

	var typ []byte
	typ = protowire.AppendTag(typ, 1, protowire.BytesType)
	typ = protowire.AppendBytes(typ, tt)

	var out []byte
	out = protowire.AppendTag(out, 1, protowire.BytesType)
	out = protowire.AppendString(out, v.Name)
	out = protowire.AppendTag(out, 2, protowire.BytesType)
	out = protowire.AppendBytes(out, typ)
	return out
}

func tensorProto(name string, init ONNXInitializer) []byte {
	var out []byte
	var dims []byte
	for _, d := range init.Dims {
		dims = protowire.AppendVarint(dims, uint64(d))
	}
	out = protowire.AppendTag(out, 1, protowire.BytesType)
	out = protowire.AppendBytes(out, dims)
	out = protowire.AppendTag(out, 2, protowire.VarintType)
	out = protowire.AppendVarint(out, 1)
	out = protowire.AppendTag(out, 8, protowire.BytesType)
	out = protowire.AppendString(out, name)

	data := make([]byte, 4*len(init.Data))
	for i, f := range init.Data {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(f))
	}
	field := protowire.Number(4)
	if init.Raw {
		field = 9
	}
	out = protowire.AppendTag(out, field, protowire.BytesType)
	out = protowire.AppendBytes(out, data)
	return out
}

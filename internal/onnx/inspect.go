package onnx

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/kennethnrk/edgeclip/internal/tensor"
)

// ONNX protobuf field numbers (onnx.proto3).
const (
	modelIRVersion    = 1
	modelProducerName = 2
	modelGraph        = 7

	graphInitializer = 5
	graphName        = 2
	graphInput       = 11
	graphOutput      = 12

	valueInfoName = 1
	valueInfoType = 2

	typeTensorType     = 1
	tensorTypeElem     = 1
	tensorTypeShape    = 2
	shapeDim           = 1
	dimValue           = 1
	dimParam           = 2
	tensorDims         = 1
	tensorDataType     = 2
	tensorFloatData    = 4
	tensorInt64Data    = 7
	tensorName         = 8
	tensorRawData      = 9
	tensorDataLocation = 14

	// TensorProto.DataType values.
	ElemFloat = 1
	ElemInt64 = 7
)

var ErrMalformed = errors.New("malformed onnx model")

// ValueInfo describes a graph input or output. Symbolic dimensions are
// reported as tensor.Dynamic.
type ValueInfo struct {
	Name     string
	ElemType int64
	Shape    []int64
}

// ModelInfo is the subset of an ONNX ModelProto the exporter needs.
type ModelInfo struct {
	IRVersion int64
	Producer  string
	GraphName string
	Inputs    []ValueInfo
	Outputs   []ValueInfo

	initializers map[string][]byte
}

// Inspect walks the wire encoding of an ONNX model without decoding node
// bodies or copying weights.
func Inspect(data []byte) (*ModelInfo, error) {
	info := &ModelInfo{initializers: map[string][]byte{}}
	var graph []byte
	err := walk(data, func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error {
		switch {
		case num == modelIRVersion && typ == protowire.VarintType:
			info.IRVersion = int64(n)
		case num == modelProducerName && typ == protowire.BytesType:
			info.Producer = string(v)
		case num == modelGraph && typ == protowire.BytesType:
			graph = v
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if graph == nil {
		return nil, fmt.Errorf("%w: no graph", ErrMalformed)
	}

	var inputs []ValueInfo
	err = walk(graph, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case graphName:
			info.GraphName = string(v)
		case graphInput, graphOutput:
			vi, err := parseValueInfo(v)
			if err != nil {
				return err
			}
			if num == graphInput {
				inputs = append(inputs, vi)
			} else {
				info.Outputs = append(info.Outputs, vi)
			}
		case graphInitializer:
			name, err := tensorProtoName(v)
			if err != nil {
				return err
			}
			info.initializers[name] = v
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	// Older exporters list initializers as graph inputs too.
	for _, in := range inputs {
		if _, isWeight := info.initializers[in.Name]; !isWeight {
			info.Inputs = append(info.Inputs, in)
		}
	}
	return info, nil
}

// Input returns the named graph input.
func (m *ModelInfo) Input(name string) (ValueInfo, bool) {
	for _, vi := range m.Inputs {
		if vi.Name == name {
			return vi, true
		}
	}
	return ValueInfo{}, false
}

// Output returns the named graph output.
func (m *ModelInfo) Output(name string) (ValueInfo, bool) {
	for _, vi := range m.Outputs {
		if vi.Name == name {
			return vi, true
		}
	}
	return ValueInfo{}, false
}

// OutputNames lists outputs in graph order.
func (m *ModelInfo) OutputNames() []string {
	names := make([]string, len(m.Outputs))
	for i, vi := range m.Outputs {
		names[i] = vi.Name
	}
	return names
}

// HasInitializer reports whether the graph stores a weight called name.
func (m *ModelInfo) HasInitializer(name string) bool {
	_, ok := m.initializers[name]
	return ok
}

// Initializer decodes a float32 weight stored inline in the model.
func (m *ModelInfo) Initializer(name string) (*tensor.Tensor, error) {
	raw, ok := m.initializers[name]
	if !ok {
		return nil, fmt.Errorf("initializer %q not found", name)
	}
	var (
		dims     []int64
		elemType int64
		rawData  []byte
		floats   []float32
		external bool
	)
	err := walk(raw, func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error {
		switch num {
		case tensorDims:
			if typ == protowire.VarintType {
				dims = append(dims, int64(n))
				return nil
			}
			return packedVarints(v, func(x uint64) { dims = append(dims, int64(x)) })
		case tensorDataType:
			elemType = int64(n)
		case tensorRawData:
			rawData = v
		case tensorFloatData:
			if typ == protowire.Fixed32Type {
				floats = append(floats, math.Float32frombits(uint32(n)))
				return nil
			}
			if len(v)%4 != 0 {
				return fmt.Errorf("%w: float_data length %d", ErrMalformed, len(v))
			}
			for i := 0; i < len(v); i += 4 {
				floats = append(floats, math.Float32frombits(binary.LittleEndian.Uint32(v[i:])))
			}
		case tensorDataLocation:
			external = n == 1
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("initializer %q: %w", name, err)
	}
	if external {
		return nil, fmt.Errorf("initializer %q is stored in external data, which is not supported", name)
	}
	if elemType != ElemFloat {
		return nil, fmt.Errorf("initializer %q has element type %d, want float", name, elemType)
	}
	if rawData != nil {
		if len(rawData)%4 != 0 {
			return nil, fmt.Errorf("%w: initializer %q raw_data length %d", ErrMalformed, name, len(rawData))
		}
		floats = make([]float32, len(rawData)/4)
		for i := range floats {
			floats[i] = math.Float32frombits(binary.LittleEndian.Uint32(rawData[i*4:]))
		}
	}
	return tensor.NewFloat32(dims, floats)
}

func parseValueInfo(b []byte) (ValueInfo, error) {
	var vi ValueInfo
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		switch {
		case num == valueInfoName && typ == protowire.BytesType:
			vi.Name = string(v)
		case num == valueInfoType && typ == protowire.BytesType:
			return walk(v, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
				if num != typeTensorType || typ != protowire.BytesType {
					return nil
				}
				return parseTensorType(v, &vi)
			})
		}
		return nil
	})
	return vi, err
}

func parseTensorType(b []byte, vi *ValueInfo) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error {
		switch {
		case num == tensorTypeElem && typ == protowire.VarintType:
			vi.ElemType = int64(n)
		case num == tensorTypeShape && typ == protowire.BytesType:
			vi.Shape = []int64{}
			return walk(v, func(num protowire.Number, typ protowire.Type, dim []byte, _ uint64) error {
				if num != shapeDim || typ != protowire.BytesType {
					return nil
				}
				size := tensor.Dynamic
				err := walk(dim, func(num protowire.Number, typ protowire.Type, _ []byte, n uint64) error {
					if num == dimValue && typ == protowire.VarintType {
						size = int64(n)
					}
					return nil
				})
				vi.Shape = append(vi.Shape, size)
				return err
			})
		}
		return nil
	})
}

func tensorProtoName(b []byte) (string, error) {
	var name string
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		if num == tensorName && typ == protowire.BytesType {
			name = string(v)
		}
		return nil
	})
	return name, err
}

// walk calls fn for every field of a message. For bytes fields v holds the
// payload; for varint and fixed fields n holds the value.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error) error {
	for len(b) > 0 {
		num, typ, tagLen := protowire.ConsumeTag(b)
		if tagLen < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(tagLen))
		}
		b = b[tagLen:]

		var (
			v   []byte
			n   uint64
			adv int
		)
		switch typ {
		case protowire.VarintType:
			n, adv = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var x uint32
			x, adv = protowire.ConsumeFixed32(b)
			n = uint64(x)
		case protowire.Fixed64Type:
			n, adv = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			v, adv = protowire.ConsumeBytes(b)
		default:
			adv = protowire.ConsumeFieldValue(num, typ, b)
		}
		if adv < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(adv))
		}
		b = b[adv:]
		if err := fn(num, typ, v, n); err != nil {
			return err
		}
	}
	return nil
}

func packedVarints(b []byte, fn func(uint64)) error {
	for len(b) > 0 {
		x, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		fn(x)
		b = b[n:]
	}
	return nil
}

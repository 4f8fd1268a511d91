package protos

import (
	"math"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Unmarshal decodes a serialized ONNX ModelProto.
//
// The decoder is built on protowire and tolerates fields it doesn't know
// about (they are skipped), so models produced by newer exporters still
// import as long as the graph structure itself is representable.
func Unmarshal(data []byte) (*ModelProto, error) {
	m := &ModelProto{}
	if err := decodeModel(data, m); err != nil {
		return nil, err
	}
	if m.Graph == nil {
		return nil, errors.New("ONNX model has no graph")
	}
	return m, nil
}

// fieldFn consumes the payload of one field. For BytesType fields it receives
// the unwrapped bytes; for scalar fields the decoded value comes through v.
type fieldFn func(num protowire.Number, typ protowire.Type, v uint64, b []byte) error

// walkMessage iterates the fields of one message, handing each to fn.
// Fields fn doesn't care about must be ignored by it (not an error).
func walkMessage(data []byte, fn fieldFn) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return errors.WithStack(protowire.ParseError(n))
		}
		data = data[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return errors.WithStack(protowire.ParseError(n))
			}
			data = data[n:]
			if err := fn(num, typ, v, nil); err != nil {
				return err
			}
		case protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(data)
			if n < 0 {
				return errors.WithStack(protowire.ParseError(n))
			}
			data = data[n:]
			if err := fn(num, typ, uint64(v), nil); err != nil {
				return err
			}
		case protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(data)
			if n < 0 {
				return errors.WithStack(protowire.ParseError(n))
			}
			data = data[n:]
			if err := fn(num, typ, v, nil); err != nil {
				return err
			}
		case protowire.BytesType:
			b, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return errors.WithStack(protowire.ParseError(n))
			}
			data = data[n:]
			if err := fn(num, typ, 0, b); err != nil {
				return err
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return errors.Errorf("unsupported wire type %d for field %d", typ, num)
			}
			data = data[n:]
		}
	}
	return nil
}

// packedVarints decodes a packed repeated varint payload, or a single
// unpacked element when the field arrived with VarintType.
func packedVarints(typ protowire.Type, v uint64, b []byte, out []int64) ([]int64, error) {
	if typ == protowire.VarintType {
		return append(out, int64(v)), nil
	}
	for len(b) > 0 {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, errors.WithStack(protowire.ParseError(n))
		}
		b = b[n:]
		out = append(out, int64(v))
	}
	return out, nil
}

// packedFloats decodes a packed repeated float payload, or a single unpacked
// fixed32 element.
func packedFloats(typ protowire.Type, v uint64, b []byte, out []float32) ([]float32, error) {
	if typ == protowire.Fixed32Type {
		return append(out, math.Float32frombits(uint32(v))), nil
	}
	for len(b) > 0 {
		v, n := protowire.ConsumeFixed32(b)
		if n < 0 {
			return nil, errors.WithStack(protowire.ParseError(n))
		}
		b = b[n:]
		out = append(out, math.Float32frombits(v))
	}
	return out, nil
}

// packedDoubles decodes a packed repeated double payload, or a single
// unpacked fixed64 element.
func packedDoubles(typ protowire.Type, v uint64, b []byte, out []float64) ([]float64, error) {
	if typ == protowire.Fixed64Type {
		return append(out, math.Float64frombits(v)), nil
	}
	for len(b) > 0 {
		v, n := protowire.ConsumeFixed64(b)
		if n < 0 {
			return nil, errors.WithStack(protowire.ParseError(n))
		}
		b = b[n:]
		out = append(out, math.Float64frombits(v))
	}
	return out, nil
}

func decodeModel(data []byte, m *ModelProto) error {
	return walkMessage(data, func(num protowire.Number, typ protowire.Type, v uint64, b []byte) error {
		var err error
		switch num {
		case 1: // ir_version
			m.IrVersion = int64(v)
		case 2: // producer_name
			m.ProducerName = string(b)
		case 3: // producer_version
			m.ProducerVersion = string(b)
		case 4: // domain
			m.Domain = string(b)
		case 5: // model_version
			m.ModelVersion = int64(v)
		case 6: // doc_string
			m.DocString = string(b)
		case 7: // graph
			m.Graph = &GraphProto{}
			err = decodeGraph(b, m.Graph)
		case 8: // opset_import
			opset := &OperatorSetIdProto{}
			if err = decodeOperatorSetId(b, opset); err == nil {
				m.OpsetImport = append(m.OpsetImport, opset)
			}
		case 14: // metadata_props
			entry := &StringStringEntryProto{}
			if err = decodeStringStringEntry(b, entry); err == nil {
				m.MetadataProps = append(m.MetadataProps, entry)
			}
		case 25: // functions
			fn := &FunctionProto{}
			if err = decodeFunction(b, fn); err == nil {
				m.Functions = append(m.Functions, fn)
			}
		}
		return err
	})
}

func decodeGraph(data []byte, g *GraphProto) error {
	return walkMessage(data, func(num protowire.Number, typ protowire.Type, v uint64, b []byte) error {
		var err error
		switch num {
		case 1: // node
			node := &NodeProto{}
			if err = decodeNode(b, node); err == nil {
				g.Node = append(g.Node, node)
			}
		case 2: // name
			g.Name = string(b)
		case 5: // initializer
			tensor := &TensorProto{}
			if err = decodeTensor(b, tensor); err == nil {
				g.Initializer = append(g.Initializer, tensor)
			}
		case 10: // doc_string
			g.DocString = string(b)
		case 11: // input
			vi := &ValueInfoProto{}
			if err = decodeValueInfo(b, vi); err == nil {
				g.Input = append(g.Input, vi)
			}
		case 12: // output
			vi := &ValueInfoProto{}
			if err = decodeValueInfo(b, vi); err == nil {
				g.Output = append(g.Output, vi)
			}
		case 13: // value_info
			vi := &ValueInfoProto{}
			if err = decodeValueInfo(b, vi); err == nil {
				g.ValueInfo = append(g.ValueInfo, vi)
			}
		case 15: // sparse_initializer
			sparse := &SparseTensorProto{}
			if err = decodeSparseTensor(b, sparse); err == nil {
				g.SparseInitializer = append(g.SparseInitializer, sparse)
			}
		}
		return err
	})
}

func decodeNode(data []byte, node *NodeProto) error {
	return walkMessage(data, func(num protowire.Number, typ protowire.Type, v uint64, b []byte) error {
		var err error
		switch num {
		case 1: // input
			node.Input = append(node.Input, string(b))
		case 2: // output
			node.Output = append(node.Output, string(b))
		case 3: // name
			node.Name = string(b)
		case 4: // op_type
			node.OpType = string(b)
		case 5: // attribute
			attr := &AttributeProto{}
			if err = decodeAttribute(b, attr); err == nil {
				node.Attribute = append(node.Attribute, attr)
			}
		case 6: // doc_string
			node.DocString = string(b)
		case 7: // domain
			node.Domain = string(b)
		case 8: // overload
			node.Overload = string(b)
		}
		return err
	})
}

func decodeAttribute(data []byte, attr *AttributeProto) error {
	return walkMessage(data, func(num protowire.Number, typ protowire.Type, v uint64, b []byte) error {
		var err error
		switch num {
		case 1: // name
			attr.Name = string(b)
		case 2: // f
			attr.F = math.Float32frombits(uint32(v))
		case 3: // i
			attr.I = int64(v)
		case 4: // s
			attr.S = b
		case 5: // t
			attr.T = &TensorProto{}
			err = decodeTensor(b, attr.T)
		case 7: // floats
			attr.Floats, err = packedFloats(typ, v, b, attr.Floats)
		case 8: // ints
			attr.Ints, err = packedVarints(typ, v, b, attr.Ints)
		case 9: // strings
			attr.Strings = append(attr.Strings, b)
		case 13: // doc_string
			attr.DocString = string(b)
		case 20: // type
			attr.Type = AttributeProto_AttributeType(v)
		}
		return err
	})
}

func decodeTensor(data []byte, t *TensorProto) error {
	return walkMessage(data, func(num protowire.Number, typ protowire.Type, v uint64, b []byte) error {
		var err error
		switch num {
		case 1: // dims
			t.Dims, err = packedVarints(typ, v, b, t.Dims)
		case 2: // data_type
			t.DataType = int32(v)
		case 3: // segment
			t.Segment = &TensorProto_Segment{}
			err = decodeTensorSegment(b, t.Segment)
		case 4: // float_data
			t.FloatData, err = packedFloats(typ, v, b, t.FloatData)
		case 5: // int32_data
			var ints []int64
			if ints, err = packedVarints(typ, v, b, nil); err == nil {
				for _, i := range ints {
					t.Int32Data = append(t.Int32Data, int32(i))
				}
			}
		case 6: // string_data
			t.StringData = append(t.StringData, b)
		case 7: // int64_data
			t.Int64Data, err = packedVarints(typ, v, b, t.Int64Data)
		case 8: // name
			t.Name = string(b)
		case 9: // raw_data
			t.RawData = b
		case 10: // double_data
			t.DoubleData, err = packedDoubles(typ, v, b, t.DoubleData)
		case 11: // uint64_data
			var ints []int64
			if ints, err = packedVarints(typ, v, b, nil); err == nil {
				for _, i := range ints {
					t.Uint64Data = append(t.Uint64Data, uint64(i))
				}
			}
		case 12: // doc_string
			t.DocString = string(b)
		case 13: // external_data
			entry := &StringStringEntryProto{}
			if err = decodeStringStringEntry(b, entry); err == nil {
				t.ExternalData = append(t.ExternalData, entry)
			}
		case 14: // data_location
			t.DataLocation = int64(v)
		}
		return err
	})
}

func decodeTensorSegment(data []byte, s *TensorProto_Segment) error {
	return walkMessage(data, func(num protowire.Number, typ protowire.Type, v uint64, b []byte) error {
		switch num {
		case 1:
			s.Begin = int64(v)
		case 2:
			s.End = int64(v)
		}
		return nil
	})
}

func decodeSparseTensor(data []byte, s *SparseTensorProto) error {
	return walkMessage(data, func(num protowire.Number, typ protowire.Type, v uint64, b []byte) error {
		var err error
		switch num {
		case 1: // values
			s.Values = &TensorProto{}
			err = decodeTensor(b, s.Values)
		case 2: // indices
			s.Indices = &TensorProto{}
			err = decodeTensor(b, s.Indices)
		case 3: // dims
			s.Dims, err = packedVarints(typ, v, b, s.Dims)
		}
		return err
	})
}

func decodeValueInfo(data []byte, vi *ValueInfoProto) error {
	return walkMessage(data, func(num protowire.Number, typ protowire.Type, v uint64, b []byte) error {
		var err error
		switch num {
		case 1: // name
			vi.Name = string(b)
		case 2: // type
			vi.Type = &TypeProto{}
			err = decodeType(b, vi.Type)
		case 3: // doc_string
			vi.DocString = string(b)
		}
		return err
	})
}

func decodeType(data []byte, t *TypeProto) error {
	return walkMessage(data, func(num protowire.Number, typ protowire.Type, v uint64, b []byte) error {
		var err error
		switch num {
		case 1: // tensor_type
			t.TensorType = &TypeProto_Tensor{}
			err = decodeTypeTensor(b, t.TensorType)
		}
		return err
	})
}

func decodeTypeTensor(data []byte, t *TypeProto_Tensor) error {
	return walkMessage(data, func(num protowire.Number, typ protowire.Type, v uint64, b []byte) error {
		var err error
		switch num {
		case 1: // elem_type
			t.ElemType = int32(v)
		case 2: // shape
			t.Shape = &TensorShapeProto{}
			err = decodeTensorShape(b, t.Shape)
		}
		return err
	})
}

func decodeTensorShape(data []byte, s *TensorShapeProto) error {
	return walkMessage(data, func(num protowire.Number, typ protowire.Type, v uint64, b []byte) error {
		var err error
		switch num {
		case 1: // dim
			dim := &TensorShapeProto_Dimension{}
			if err = decodeDimension(b, dim); err == nil {
				s.Dim = append(s.Dim, dim)
			}
		}
		return err
	})
}

func decodeDimension(data []byte, d *TensorShapeProto_Dimension) error {
	return walkMessage(data, func(num protowire.Number, typ protowire.Type, v uint64, b []byte) error {
		switch num {
		case 1: // dim_value
			d.DimValue = int64(v)
			d.HasValue = true
		case 2: // dim_param
			d.DimParam = string(b)
		}
		return nil
	})
}

func decodeOperatorSetId(data []byte, o *OperatorSetIdProto) error {
	return walkMessage(data, func(num protowire.Number, typ protowire.Type, v uint64, b []byte) error {
		switch num {
		case 1: // domain
			o.Domain = string(b)
		case 2: // version
			o.Version = int64(v)
		}
		return nil
	})
}

func decodeStringStringEntry(data []byte, e *StringStringEntryProto) error {
	return walkMessage(data, func(num protowire.Number, typ protowire.Type, v uint64, b []byte) error {
		switch num {
		case 1: // key
			e.Key = string(b)
		case 2: // value
			e.Value = string(b)
		}
		return nil
	})
}

func decodeFunction(data []byte, f *FunctionProto) error {
	return walkMessage(data, func(num protowire.Number, typ protowire.Type, v uint64, b []byte) error {
		switch num {
		case 1: // name
			f.Name = string(b)
		}
		return nil
	})
}

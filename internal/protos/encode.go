package protos

import (
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Marshal serializes a ModelProto back to the ONNX wire format. Only the
// fields this package models are written, which is enough to round-trip
// models built or decoded with it.
func Marshal(m *ModelProto) []byte {
	var b []byte
	if m.IrVersion != 0 {
		b = appendVarintField(b, 1, uint64(m.IrVersion))
	}
	b = appendStringField(b, 2, m.ProducerName)
	b = appendStringField(b, 3, m.ProducerVersion)
	b = appendStringField(b, 4, m.Domain)
	if m.ModelVersion != 0 {
		b = appendVarintField(b, 5, uint64(m.ModelVersion))
	}
	b = appendStringField(b, 6, m.DocString)
	if m.Graph != nil {
		b = appendMessageField(b, 7, appendGraph(nil, m.Graph))
	}
	for _, opset := range m.OpsetImport {
		b = appendMessageField(b, 8, appendOperatorSetId(nil, opset))
	}
	for _, prop := range m.MetadataProps {
		b = appendMessageField(b, 14, appendStringStringEntry(nil, prop))
	}
	for _, fn := range m.Functions {
		b = appendMessageField(b, 25, appendStringField(nil, 1, fn.Name))
	}
	return b
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytesField(b []byte, num protowire.Number, data []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, data)
}

func appendMessageField(b []byte, num protowire.Number, sub []byte) []byte {
	return appendBytesField(b, num, sub)
}

func appendGraph(b []byte, g *GraphProto) []byte {
	for _, node := range g.Node {
		b = appendMessageField(b, 1, appendNode(nil, node))
	}
	b = appendStringField(b, 2, g.Name)
	for _, tensor := range g.Initializer {
		b = appendMessageField(b, 5, appendTensor(nil, tensor))
	}
	b = appendStringField(b, 10, g.DocString)
	for _, vi := range g.Input {
		b = appendMessageField(b, 11, appendValueInfo(nil, vi))
	}
	for _, vi := range g.Output {
		b = appendMessageField(b, 12, appendValueInfo(nil, vi))
	}
	for _, vi := range g.ValueInfo {
		b = appendMessageField(b, 13, appendValueInfo(nil, vi))
	}
	return b
}

func appendNode(b []byte, node *NodeProto) []byte {
	for _, name := range node.Input {
		b = appendBytesField(b, 1, []byte(name))
	}
	for _, name := range node.Output {
		b = appendBytesField(b, 2, []byte(name))
	}
	b = appendStringField(b, 3, node.Name)
	b = appendStringField(b, 4, node.OpType)
	for _, attr := range node.Attribute {
		b = appendMessageField(b, 5, appendAttribute(nil, attr))
	}
	b = appendStringField(b, 6, node.DocString)
	b = appendStringField(b, 7, node.Domain)
	b = appendStringField(b, 8, node.Overload)
	return b
}

func appendAttribute(b []byte, attr *AttributeProto) []byte {
	b = appendStringField(b, 1, attr.Name)
	switch attr.Type {
	case AttributeProto_FLOAT:
		b = protowire.AppendTag(b, 2, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(attr.F))
	case AttributeProto_INT:
		b = appendVarintField(b, 3, uint64(attr.I))
	case AttributeProto_STRING:
		b = appendBytesField(b, 4, attr.S)
	case AttributeProto_TENSOR:
		b = appendMessageField(b, 5, appendTensor(nil, attr.T))
	case AttributeProto_FLOATS:
		var packed []byte
		for _, f := range attr.Floats {
			packed = protowire.AppendFixed32(packed, math.Float32bits(f))
		}
		b = appendBytesField(b, 7, packed)
	case AttributeProto_INTS:
		var packed []byte
		for _, i := range attr.Ints {
			packed = protowire.AppendVarint(packed, uint64(i))
		}
		b = appendBytesField(b, 8, packed)
	case AttributeProto_STRINGS:
		for _, s := range attr.Strings {
			b = appendBytesField(b, 9, s)
		}
	}
	b = appendVarintField(b, 20, uint64(attr.Type))
	return b
}

func appendTensor(b []byte, t *TensorProto) []byte {
	var packedDims []byte
	for _, dim := range t.Dims {
		packedDims = protowire.AppendVarint(packedDims, uint64(dim))
	}
	if len(packedDims) > 0 {
		b = appendBytesField(b, 1, packedDims)
	}
	b = appendVarintField(b, 2, uint64(t.DataType))
	if len(t.FloatData) > 0 {
		var packed []byte
		for _, f := range t.FloatData {
			packed = protowire.AppendFixed32(packed, math.Float32bits(f))
		}
		b = appendBytesField(b, 4, packed)
	}
	if len(t.Int32Data) > 0 {
		var packed []byte
		for _, i := range t.Int32Data {
			packed = protowire.AppendVarint(packed, uint64(i))
		}
		b = appendBytesField(b, 5, packed)
	}
	if len(t.Int64Data) > 0 {
		var packed []byte
		for _, i := range t.Int64Data {
			packed = protowire.AppendVarint(packed, uint64(i))
		}
		b = appendBytesField(b, 7, packed)
	}
	b = appendStringField(b, 8, t.Name)
	if t.RawData != nil {
		b = appendBytesField(b, 9, t.RawData)
	}
	if len(t.DoubleData) > 0 {
		var packed []byte
		for _, f := range t.DoubleData {
			packed = protowire.AppendFixed64(packed, math.Float64bits(f))
		}
		b = appendBytesField(b, 10, packed)
	}
	if len(t.Uint64Data) > 0 {
		var packed []byte
		for _, i := range t.Uint64Data {
			packed = protowire.AppendVarint(packed, i)
		}
		b = appendBytesField(b, 11, packed)
	}
	for _, entry := range t.ExternalData {
		b = appendMessageField(b, 13, appendStringStringEntry(nil, entry))
	}
	return b
}

func appendValueInfo(b []byte, vi *ValueInfoProto) []byte {
	b = appendStringField(b, 1, vi.Name)
	if vi.Type != nil && vi.Type.TensorType != nil {
		var tensorType []byte
		tensorType = appendVarintField(tensorType, 1, uint64(vi.Type.TensorType.ElemType))
		if vi.Type.TensorType.Shape != nil {
			var shape []byte
			for _, dim := range vi.Type.TensorType.Shape.Dim {
				var d []byte
				if dim.HasValue {
					d = appendVarintField(d, 1, uint64(dim.DimValue))
				} else {
					d = appendStringField(d, 2, dim.DimParam)
				}
				shape = appendMessageField(shape, 1, d)
			}
			tensorType = appendMessageField(tensorType, 2, shape)
		}
		b = appendMessageField(b, 2, appendMessageField(nil, 1, tensorType))
	}
	b = appendStringField(b, 3, vi.DocString)
	return b
}

func appendOperatorSetId(b []byte, o *OperatorSetIdProto) []byte {
	b = appendStringField(b, 1, o.Domain)
	return appendVarintField(b, 2, uint64(o.Version))
}

func appendStringStringEntry(b []byte, e *StringStringEntryProto) []byte {
	b = appendStringField(b, 1, e.Key)
	return appendStringField(b, 2, e.Value)
}

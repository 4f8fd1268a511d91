// Package protos holds in-memory representations of the ONNX protobuf
// messages needed to describe a computation graph: the model container, the
// graph with its nodes, the initializer tensors and the declared value
// metadata.
//
// Only the subset of the ONNX schema that the converter consumes is
// represented; unknown fields are skipped during decoding. The field numbers
// follow onnx/onnx.proto.
package protos

// TensorProto_DataType enumerates ONNX tensor element types.
type TensorProto_DataType int32

const (
	TensorProto_UNDEFINED  TensorProto_DataType = 0
	TensorProto_FLOAT      TensorProto_DataType = 1
	TensorProto_UINT8      TensorProto_DataType = 2
	TensorProto_INT8       TensorProto_DataType = 3
	TensorProto_UINT16     TensorProto_DataType = 4
	TensorProto_INT16      TensorProto_DataType = 5
	TensorProto_INT32      TensorProto_DataType = 6
	TensorProto_INT64      TensorProto_DataType = 7
	TensorProto_STRING     TensorProto_DataType = 8
	TensorProto_BOOL       TensorProto_DataType = 9
	TensorProto_FLOAT16    TensorProto_DataType = 10
	TensorProto_DOUBLE     TensorProto_DataType = 11
	TensorProto_UINT32     TensorProto_DataType = 12
	TensorProto_UINT64     TensorProto_DataType = 13
	TensorProto_COMPLEX64  TensorProto_DataType = 14
	TensorProto_COMPLEX128 TensorProto_DataType = 15
	TensorProto_BFLOAT16   TensorProto_DataType = 16
)

// String returns the ONNX name of the data type.
func (dt TensorProto_DataType) String() string {
	switch dt {
	case TensorProto_FLOAT:
		return "FLOAT"
	case TensorProto_UINT8:
		return "UINT8"
	case TensorProto_INT8:
		return "INT8"
	case TensorProto_UINT16:
		return "UINT16"
	case TensorProto_INT16:
		return "INT16"
	case TensorProto_INT32:
		return "INT32"
	case TensorProto_INT64:
		return "INT64"
	case TensorProto_STRING:
		return "STRING"
	case TensorProto_BOOL:
		return "BOOL"
	case TensorProto_FLOAT16:
		return "FLOAT16"
	case TensorProto_DOUBLE:
		return "DOUBLE"
	case TensorProto_UINT32:
		return "UINT32"
	case TensorProto_UINT64:
		return "UINT64"
	case TensorProto_COMPLEX64:
		return "COMPLEX64"
	case TensorProto_COMPLEX128:
		return "COMPLEX128"
	case TensorProto_BFLOAT16:
		return "BFLOAT16"
	default:
		return "UNDEFINED"
	}
}

// AttributeProto_AttributeType enumerates ONNX node attribute types.
type AttributeProto_AttributeType int32

const (
	AttributeProto_UNDEFINED AttributeProto_AttributeType = 0
	AttributeProto_FLOAT     AttributeProto_AttributeType = 1
	AttributeProto_INT       AttributeProto_AttributeType = 2
	AttributeProto_STRING    AttributeProto_AttributeType = 3
	AttributeProto_TENSOR    AttributeProto_AttributeType = 4
	AttributeProto_GRAPH     AttributeProto_AttributeType = 5
	AttributeProto_FLOATS    AttributeProto_AttributeType = 6
	AttributeProto_INTS      AttributeProto_AttributeType = 7
	AttributeProto_STRINGS   AttributeProto_AttributeType = 8
)

// String returns the ONNX name of the attribute type.
func (at AttributeProto_AttributeType) String() string {
	switch at {
	case AttributeProto_FLOAT:
		return "FLOAT"
	case AttributeProto_INT:
		return "INT"
	case AttributeProto_STRING:
		return "STRING"
	case AttributeProto_TENSOR:
		return "TENSOR"
	case AttributeProto_GRAPH:
		return "GRAPH"
	case AttributeProto_FLOATS:
		return "FLOATS"
	case AttributeProto_INTS:
		return "INTS"
	case AttributeProto_STRINGS:
		return "STRINGS"
	default:
		return "UNDEFINED"
	}
}

// ModelProto is the ONNX model container: versioning, producer metadata and
// the computation graph.
type ModelProto struct {
	IrVersion       int64
	OpsetImport     []*OperatorSetIdProto
	ProducerName    string
	ProducerVersion string
	Domain          string
	ModelVersion    int64
	DocString       string
	Graph           *GraphProto
	MetadataProps   []*StringStringEntryProto
	Functions       []*FunctionProto
}

// GraphProto is the computation graph: nodes in (nominally) topological
// order, initializer tensors, and the declared inputs/outputs/intermediates.
type GraphProto struct {
	Node              []*NodeProto
	Name              string
	Initializer       []*TensorProto
	SparseInitializer []*SparseTensorProto
	DocString         string
	Input             []*ValueInfoProto
	Output            []*ValueInfoProto
	ValueInfo         []*ValueInfoProto
}

// NodeProto is one operator application: named inputs, named outputs and
// static attributes. Immutable once imported.
type NodeProto struct {
	Input     []string
	Output    []string
	Name      string
	OpType    string
	Domain    string
	Overload  string
	Attribute []*AttributeProto
	DocString string
}

// AttributeProto is a single named attribute of a node. Exactly one of the
// value fields is meaningful, selected by Type.
type AttributeProto struct {
	Name      string
	DocString string
	Type      AttributeProto_AttributeType

	F       float32
	I       int64
	S       []byte
	T       *TensorProto
	Floats  []float32
	Ints    []int64
	Strings [][]byte
}

// TensorProto is a constant tensor payload: a trained weight or embedded
// constant. Data is carried either in RawData (little-endian) or in one of
// the typed fields, never both.
type TensorProto struct {
	Dims       []int64
	DataType   int32
	Segment    *TensorProto_Segment
	FloatData  []float32
	Int32Data  []int32
	StringData [][]byte
	Int64Data  []int64
	Name       string
	DocString  string
	RawData    []byte
	DoubleData []float64
	Uint64Data []uint64
	// ExternalData signals the payload lives outside the container; the
	// importer rejects it.
	ExternalData []*StringStringEntryProto
	DataLocation int64
}

// TensorProto_Segment marks a tensor stored in segments; unsupported.
type TensorProto_Segment struct {
	Begin int64
	End   int64
}

// SparseTensorProto is recognized only so its presence can be rejected.
type SparseTensorProto struct {
	Values  *TensorProto
	Indices *TensorProto
	Dims    []int64
}

// ValueInfoProto declares name, element type and (possibly symbolic) shape
// for a graph input, output or intermediate value.
type ValueInfoProto struct {
	Name      string
	Type      *TypeProto
	DocString string
}

// TypeProto wraps the tensor type; other ONNX type kinds (sequence, map,
// optional) are not represented.
type TypeProto struct {
	TensorType *TypeProto_Tensor
}

// TypeProto_Tensor carries element type and shape.
type TypeProto_Tensor struct {
	ElemType int32
	Shape    *TensorShapeProto
}

// TensorShapeProto is an ordered list of dimensions.
type TensorShapeProto struct {
	Dim []*TensorShapeProto_Dimension
}

// TensorShapeProto_Dimension is either a concrete size (DimValue set,
// HasValue true) or a named symbolic dimension (DimParam).
type TensorShapeProto_Dimension struct {
	DimValue int64
	DimParam string
	HasValue bool
}

// OperatorSetIdProto identifies an operator set the model was built against.
type OperatorSetIdProto struct {
	Domain  string
	Version int64
}

// StringStringEntryProto is a key/value metadata pair.
type StringStringEntryProto struct {
	Key   string
	Value string
}

// FunctionProto is recognized only so models using in-model functions can be
// rejected with a clear message; its body is not decoded.
type FunctionProto struct {
	Name string
}

// Package togomlx converts ONNX tensors, data types and shapes to their
// GoMLX counterparts.
package togomlx

import (
	"github.com/ArgoJ/onnx2gomlx/internal/protos"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// DType converts an ONNX element type to a GoMLX dtype.
func DType(onnxDType protos.TensorProto_DataType) (dtypes.DType, error) {
	switch onnxDType {
	case protos.TensorProto_FLOAT:
		return dtypes.Float32, nil
	case protos.TensorProto_FLOAT16:
		return dtypes.Float16, nil
	case protos.TensorProto_BFLOAT16:
		return dtypes.BFloat16, nil
	case protos.TensorProto_DOUBLE:
		return dtypes.Float64, nil
	case protos.TensorProto_INT8:
		return dtypes.Int8, nil
	case protos.TensorProto_INT16:
		return dtypes.Int16, nil
	case protos.TensorProto_INT32:
		return dtypes.Int32, nil
	case protos.TensorProto_INT64:
		return dtypes.Int64, nil
	case protos.TensorProto_UINT8:
		return dtypes.Uint8, nil
	case protos.TensorProto_UINT16:
		return dtypes.Uint16, nil
	case protos.TensorProto_UINT32:
		return dtypes.Uint32, nil
	case protos.TensorProto_UINT64:
		return dtypes.Uint64, nil
	case protos.TensorProto_BOOL:
		return dtypes.Bool, nil
	case protos.TensorProto_COMPLEX64:
		return dtypes.Complex64, nil
	case protos.TensorProto_COMPLEX128:
		return dtypes.Complex128, nil
	default:
		return dtypes.InvalidDType, errors.Errorf("unsupported/unknown ONNX data type %v", onnxDType)
	}
}

// Shape converts an ONNX tensor's dtype and dimensions to a GoMLX shapes.Shape.
func Shape(proto *protos.TensorProto) (shape shapes.Shape, err error) {
	if proto == nil {
		err = errors.New("ONNX TensorProto is nil")
		return
	}
	shape.DType, err = DType(protos.TensorProto_DataType(proto.DataType))
	if err != nil {
		return
	}
	shape.Dimensions = make([]int, len(proto.Dims))
	for axis, dim := range proto.Dims {
		shape.Dimensions[axis] = int(dim)
	}
	if proto.Segment != nil {
		err = errors.Errorf("segmented tensor %q not supported", proto.Name)
		return
	}
	return
}

// checkAndCreateTensor copies one of the ONNX typed data fields to a new
// tensor, after verifying it matches the declared shape.
func checkAndCreateTensor[T interface {
	float32 | float64 | int32 | int64 | uint64
}](proto *protos.TensorProto, onnxData []T, shape shapes.Shape) (*tensors.Tensor, error) {
	if onnxData == nil {
		// Not this type of data.
		return nil, nil
	}
	if shape.DType != dtypes.FromGenericsType[T]() {
		return nil, errors.Errorf("tensor %q shaped %s provided data as %T!?", proto.Name, shape, onnxData)
	}
	if len(onnxData) != shape.Size() {
		return nil, errors.Errorf("tensor %q shaped %s has size %d, but ONNX model provided a slice with %d values!?",
			proto.Name, shape, shape.Size(), len(onnxData))
	}
	return tensors.FromFlatDataAndDimensions[T](onnxData, shape.Dimensions...), nil
}

// float16Tensor builds a Float16 tensor from the ONNX legacy encoding: bit
// patterns stored one per int32_data element.
func float16Tensor(proto *protos.TensorProto, shape shapes.Shape) (*tensors.Tensor, error) {
	if len(proto.Int32Data) != shape.Size() {
		return nil, errors.Errorf("float16 tensor %q shaped %s has size %d, but ONNX model provided %d values!?",
			proto.Name, shape, shape.Size(), len(proto.Int32Data))
	}
	data := make([]float16.Float16, len(proto.Int32Data))
	for ii, bits := range proto.Int32Data {
		data[ii] = float16.Frombits(uint16(bits))
	}
	return tensors.FromFlatDataAndDimensions(data, shape.Dimensions...), nil
}

// Tensor converts an ONNX TensorProto to a GoMLX tensor.
//
// Tensors stored out of the container (external_data) are rejected: reading
// side files is container I/O and belongs to the caller, not to graph
// translation.
func Tensor(proto *protos.TensorProto) (t *tensors.Tensor, err error) {
	if len(proto.ExternalData) > 0 {
		return nil, errors.Errorf("tensor %q uses external data, which is not supported", proto.Name)
	}
	var shape shapes.Shape
	shape, err = Shape(proto)
	if err != nil {
		err = errors.WithMessagef(err, "while parsing tensor %q", proto.Name)
		return
	}

	// RawData holds the little-endian bytes of the tensor in the same layout
	// GoMLX uses, whatever the dtype, so a size check plus a copy suffices.
	if proto.RawData != nil {
		t = tensors.FromShape(shape)
		t.MutableBytes(func(data []byte) {
			if len(data) != len(proto.RawData) {
				err = errors.Errorf("tensor %q shaped %s uses %d bytes, but ONNX model provided %d bytes of raw-data!?",
					proto.Name, shape, len(data), len(proto.RawData))
			} else {
				copy(data, proto.RawData)
			}
		})
		if err != nil {
			t.FinalizeAll()
			t = nil
		}
		return
	}

	if shape.DType == dtypes.Float16 {
		return float16Tensor(proto, shape)
	}

	// Tries each typed legacy field in turn.
	t, err = checkAndCreateTensor(proto, proto.FloatData, shape)
	if t != nil || err != nil {
		return
	}
	t, err = checkAndCreateTensor(proto, proto.DoubleData, shape)
	if t != nil || err != nil {
		return
	}
	t, err = checkAndCreateTensor(proto, proto.Int32Data, shape)
	if t != nil || err != nil {
		return
	}
	t, err = checkAndCreateTensor(proto, proto.Int64Data, shape)
	if t != nil || err != nil {
		return
	}
	t, err = checkAndCreateTensor(proto, proto.Uint64Data, shape)
	if t != nil || err != nil {
		return
	}
	return nil, errors.Errorf("tensor %q shaped %s has no supported format of data in the ONNX model!?", proto.Name, shape)
}

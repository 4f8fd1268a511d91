package onnx

import (
	"fmt"
	"strings"
)

// The conversion of a model can fail in a small number of well-defined ways,
// and each way gets its own error type so callers can branch on errors.As.
// Internally the converters panic with these errors and the exported entry
// points recover them into ordinary returned errors.

// ImportError is returned when a model file cannot be read or its protobuf
// contents cannot be decoded.
type ImportError struct {
	Path string
	Err  error
}

func (e *ImportError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("failed to import ONNX model: %v", e.Err)
	}
	return fmt.Sprintf("failed to import ONNX model from %q: %v", e.Path, e.Err)
}

func (e *ImportError) Unwrap() error { return e.Err }

// UnsupportedOperatorError is returned when the model uses an operator with
// no registered converter. Supported lists the operators the registry knows,
// sorted, so the message doubles as documentation of the gap.
type UnsupportedOperatorError struct {
	OpType    string
	NodeName  string
	Supported []string
}

func (e *UnsupportedOperatorError) Error() string {
	return fmt.Sprintf("unsupported ONNX operator %q in node %q, supported operators are: %s",
		e.OpType, e.NodeName, strings.Join(e.Supported, ", "))
}

// ShapeMismatchError is returned when the declared or inferred shapes (or
// dtypes) of an operator's inputs cannot be combined: non-broadcastable
// element-wise inputs, MatMul contraction dimensions that disagree, Concat
// inputs differing off-axis, or operands with different dtypes.
type ShapeMismatchError struct {
	OpType   string
	NodeName string
	Detail   string
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("shape mismatch in %s node %q: %s", e.OpType, e.NodeName, e.Detail)
}

// ShapeInferenceError is returned when a shape cannot be determined at all:
// a graph input with no declared (or bound) dimensions, an attribute or
// static operand needed for inference that is not a compile-time constant,
// or a symbolic dimension left unbound.
type ShapeInferenceError struct {
	Value  string
	Detail string
}

func (e *ShapeInferenceError) Error() string {
	return fmt.Sprintf("cannot infer shape of %q: %s", e.Value, e.Detail)
}

// UndefinedValueError is returned when a node consumes a value name that no
// graph input, initializer or upstream node output defines.
type UndefinedValueError struct {
	Value    string
	NodeName string
}

func (e *UndefinedValueError) Error() string {
	return fmt.Sprintf("node %q consumes value %q, which is not a graph input, an initializer or any node's output",
		e.NodeName, e.Value)
}

// GraphCycleError is returned when the model's nodes cannot be topologically
// sorted. Remaining lists the nodes still blocked when the sort stalled.
type GraphCycleError struct {
	Remaining []string
}

func (e *GraphCycleError) Error() string {
	return fmt.Sprintf("ONNX graph contains a cycle involving nodes: %s", strings.Join(e.Remaining, ", "))
}

// NotLoadedError is returned by Converter accessors used before Load.
type NotLoadedError struct{}

func (e *NotLoadedError) Error() string {
	return "ONNX model not loaded yet: call Converter.Load first"
}

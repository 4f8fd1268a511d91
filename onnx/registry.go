package onnx

import (
	"fmt"
	"maps"
	"reflect"
	"slices"

	"github.com/ArgoJ/onnx2gomlx/internal/protos"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/types/tensors"
)

// ConvertFn builds the GoMLX node(s) for one ONNX node. The inputs are the
// already converted operands, in the order the ONNX node lists them, and the
// returned slice has one entry per ONNX node output.
//
// Converters are pure graph builders: everything they need comes from the
// OpContext and the inputs, and their only effect is the nodes they add to
// the graph being built.
type ConvertFn func(c *OpContext, inputs []*Node) []*Node

// opRegistry maps ONNX operator types to their converters. It is populated
// at init time and extensible with RegisterOp.
var opRegistry = map[string]ConvertFn{}

// RegisterOp registers the converter for one ONNX operator type ("Add",
// "MatMul", ...), replacing any previous registration. It can be used to
// extend the converter with custom operators or to override a built-in
// conversion.
//
// It is not safe for concurrent use with conversions.
func RegisterOp(opType string, fn ConvertFn) {
	opRegistry[opType] = fn
}

// SupportedOps returns the sorted list of ONNX operator types the converter
// knows how to translate.
func SupportedOps() []string {
	return slices.Sorted(maps.Keys(opRegistry))
}

// OpContext is handed to each ConvertFn: the graph being built, the ONNX
// node being converted (for its attributes and value names) and the model,
// for operands that must be resolved to compile-time constants.
type OpContext struct {
	G     *Graph
	Node  *protos.NodeProto
	model *Model
}

// staticInput resolves the node's inputIdx-th operand to a compile-time
// constant tensor. It works for operands that are graph constants (the
// output of a Constant node or a folded constant expression) or model
// initializers. Anything else panics with a *ShapeInferenceError: operators
// like Reshape need these values to fix their output shape, so a dynamic
// value here leaves the output shape undetermined.
func (c *OpContext) staticInput(input *Node, inputIdx int) *tensors.Tensor {
	if input.Type() == NodeTypeConstant {
		return input.ConstantValue()
	}
	name := c.Node.Input[inputIdx]
	if tensor := c.model.initializerTensor(name); tensor != nil {
		return tensor
	}
	panic(&ShapeInferenceError{
		Value: c.Node.Output[0],
		Detail: fmt.Sprintf("input %q of %s is not a compile-time constant",
			name, nodeToString(c.Node)),
	})
}

// staticIntsInput resolves the node's inputIdx-th operand to a slice of ints
// (shapes, axes, permutations). See staticInput for what resolves.
func (c *OpContext) staticIntsInput(input *Node, inputIdx int) []int {
	tensor := c.staticInput(input, inputIdx)
	if !tensor.DType().IsInt() {
		panic(&ShapeInferenceError{
			Value: c.Node.Output[0],
			Detail: fmt.Sprintf("input %q of %s must be an integer tensor, got %s",
				c.Node.Input[inputIdx], nodeToString(c.Node), tensor.DType()),
		})
	}
	return tensorToInts(tensor)
}

func tensorToInts(t *tensors.Tensor) []int {
	res := make([]int, t.Size())
	intType := reflect.TypeOf(int(0))
	t.ConstFlatData(func(flat any) {
		valueOf := reflect.ValueOf(flat)
		for ii := range valueOf.Len() {
			elemV := valueOf.Index(ii)
			res[ii] = elemV.Convert(intType).Interface().(int)
		}
	})
	return res
}

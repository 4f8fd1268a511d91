package onnx

import (
	"fmt"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/types/shapes"
)

// This file implements the converters for the supported ONNX operators.
// Each converter validates its operands' shapes first, so shape problems
// surface as typed errors naming the offending ONNX node rather than as a
// failure deep inside the graph builder.

func init() {
	// Binary operators, with ONNX implicit broadcasting.
	RegisterOp("Add", convertBinary(Add))
	RegisterOp("Sub", convertBinary(Sub))
	RegisterOp("Mul", convertBinary(Mul))
	RegisterOp("Div", convertBinary(Div))
	RegisterOp("Pow", convertBinary(Pow))

	// Unary operators.
	RegisterOp("Identity", convertUnary(Identity))
	RegisterOp("Relu", convertUnary(func(x *Node) *Node { return Max(x, ZerosLike(x)) }))
	RegisterOp("Sigmoid", convertUnary(func(x *Node) *Node {
		return Div(OnesLike(x), OnePlus(Exp(Neg(x))))
	}))
	RegisterOp("Tanh", convertUnary(Tanh))
	RegisterOp("Sqrt", convertUnary(Sqrt))
	RegisterOp("Exp", convertUnary(Exp))
	RegisterOp("Log", convertUnary(Log))
	RegisterOp("Neg", convertUnary(Neg))
	RegisterOp("Abs", convertUnary(Abs))

	RegisterOp("MatMul", convertMatMul)
	RegisterOp("Gemm", convertGemm)
	RegisterOp("Constant", convertConstant)
	RegisterOp("Reshape", convertReshape)
	RegisterOp("Transpose", convertTranspose)
	RegisterOp("Concat", convertConcat)
	RegisterOp("Clip", convertClip)
	RegisterOp("Softmax", convertSoftmax)
	RegisterOp("Flatten", convertFlatten)
	RegisterOp("Squeeze", convertSqueeze)
	RegisterOp("Unsqueeze", convertUnsqueeze)
}

// checkNumInputs panics if the node's operand count falls outside
// [minInputs, maxInputs]. A maxInputs of -1 means unbounded.
func (c *OpContext) checkNumInputs(inputs []*Node, minInputs, maxInputs int) {
	if len(inputs) < minInputs || (maxInputs >= 0 && len(inputs) > maxInputs) {
		exceptions.Panicf("ONNX %s takes from %d to %d inputs, got %d",
			nodeToString(c.Node), minInputs, maxInputs, len(inputs))
	}
}

// gomlxBinaryOp is a GoMLX binary op. Used by convertBinary.
type gomlxBinaryOp func(lhs, rhs *Node) *Node

// onnxImplicitBroadcast expands operands to the largest rank, expanding to
// the left. This is part of the ONNX implicit broadcasting rule, which
// differs from XLA in that 1-dimensional axes are prepended to the
// lower-rank operand. Scalars are left untouched, XLA broadcasts those.
//
// Returns the list of broadcast operands.
func onnxImplicitBroadcast(operands []*Node) []*Node {
	maxRank := 0
	for _, n := range operands {
		maxRank = max(maxRank, n.Rank())
	}
	return sliceMap(operands, func(n *Node) *Node {
		if n.IsScalar() || n.Rank() == maxRank {
			return n
		}
		return ExpandLeftToRank(n, maxRank)
	})
}

// convertBinary builds the converter for an element-wise binary operator,
// applying the ONNX broadcasting rule before calling fn.
func convertBinary(fn gomlxBinaryOp) ConvertFn {
	return func(c *OpContext, inputs []*Node) []*Node {
		c.checkNumInputs(inputs, 2, 2)
		lhs, rhs := inputs[0], inputs[1]
		inferBroadcast(c.Node.OpType, c.Node.Name, lhs.Shape(), rhs.Shape())
		operands := onnxImplicitBroadcast([]*Node{lhs, rhs})
		return []*Node{fn(operands[0], operands[1])}
	}
}

// convertUnary builds the converter for an element-wise unary operator.
func convertUnary(fn func(x *Node) *Node) ConvertFn {
	return func(c *OpContext, inputs []*Node) []*Node {
		c.checkNumInputs(inputs, 1, 1)
		return []*Node{fn(inputs[0])}
	}
}

// convertMatMul converts a ONNX node to a GoMLX node.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__MatMul.html
func convertMatMul(c *OpContext, inputs []*Node) []*Node {
	c.checkNumInputs(inputs, 2, 2)
	inferMatMul(c.Node.Name, inputs[0].Shape(), inputs[1].Shape())
	return []*Node{MatMul(inputs[0], inputs[1])}
}

// convertGemm converts a ONNX node to a GoMLX node.
// Gemm stands for general matrix multiplication.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__Gemm.html
func convertGemm(c *OpContext, inputs []*Node) []*Node {
	c.checkNumInputs(inputs, 2, 3)
	operandA := inputs[0]
	operandB := inputs[1]

	transposeA := getBoolAttrOr(c.Node, "transA", false)
	transposeB := getBoolAttrOr(c.Node, "transB", false)
	alpha := getFloatAttrOr(c.Node, "alpha", 1.0)
	beta := getFloatAttrOr(c.Node, "beta", 1.0)

	var operandCShape *shapes.Shape
	if len(inputs) > 2 {
		shape := inputs[2].Shape()
		operandCShape = &shape
	}
	inferGemm(c.Node.Name, operandA.Shape(), operandB.Shape(), transposeA, transposeB, operandCShape)

	aAxes, bAxes := "ij", "jk"
	if transposeA {
		aAxes = "ji"
	}
	if transposeB {
		bAxes = "kj"
	}
	equation := fmt.Sprintf("%s,%s->ik", aAxes, bAxes)
	result := Einsum(equation, operandA, operandB)
	if alpha != 1.0 {
		result = MulScalar(result, alpha)
	}

	// Include the C term if given.
	if len(inputs) > 2 {
		operandC := inputs[2]
		if beta != 1.0 {
			operandC = MulScalar(operandC, beta)
		}
		// Add with ONNX broadcast semantics.
		operands := onnxImplicitBroadcast([]*Node{result, operandC})
		result = Add(operands[0], operands[1])
	}
	return []*Node{result}
}

// convertConstant converts a ONNX node to a GoMLX node.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__Constant.html
func convertConstant(c *OpContext, inputs []*Node) []*Node {
	c.checkNumInputs(inputs, 0, 0)
	tensor := mustGetTensorAttr(c.Node, "value")
	return []*Node{Const(c.G, tensor)}
}

// convertReshape converts a ONNX node to a GoMLX node.
//
// The target shape is the second operand and must resolve to a compile-time
// constant, otherwise the output shape would be unknown.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__Reshape.html
func convertReshape(c *OpContext, inputs []*Node) []*Node {
	c.checkNumInputs(inputs, 2, 2)
	operand := inputs[0]
	allowZero := getBoolAttrOr(c.Node, "allowzero", false)
	target := c.staticIntsInput(inputs[1], 1)
	dims := inferReshape(c.Node.Name, operand.Shape(), target, allowZero)
	return []*Node{Reshape(operand, dims...)}
}

// convertTranspose converts a ONNX node to a GoMLX node.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__Transpose.html
func convertTranspose(c *OpContext, inputs []*Node) []*Node {
	c.checkNumInputs(inputs, 1, 1)
	operand := inputs[0]
	permutations := getIntsAttrOr(c.Node, "perm", nil)
	permutations = inferTranspose(c.Node.Name, operand.Shape(), permutations)
	return []*Node{TransposeAllDims(operand, permutations...)}
}

// convertConcat converts a ONNX node to a GoMLX node.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__Concat.html
func convertConcat(c *OpContext, inputs []*Node) []*Node {
	c.checkNumInputs(inputs, 1, -1)
	axis := adjustAxis("Concat", c.Node.Name, mustGetIntAttr(c.Node, "axis"), inputs[0].Rank())
	inferConcat(c.Node.Name, sliceMap(inputs, func(n *Node) shapes.Shape { return n.Shape() }), axis)
	return []*Node{Concatenate(inputs, axis)}
}

// convertClip converts a ONNX node to a GoMLX node.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__Clip.html
//
// Notice min/max are optional and either can be omitted independently (an
// empty input name arrives as a nil operand), in which case that side is
// left unclamped.
func convertClip(c *OpContext, inputs []*Node) []*Node {
	c.checkNumInputs(inputs, 1, 3)
	result := inputs[0]
	if len(inputs) > 1 && inputs[1] != nil {
		result = Max(result, inputs[1])
	}
	if len(inputs) > 2 && inputs[2] != nil {
		result = Min(result, inputs[2])
	}
	return []*Node{result}
}

// convertSoftmax converts a ONNX node to a GoMLX node.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__Softmax.html
func convertSoftmax(c *OpContext, inputs []*Node) []*Node {
	c.checkNumInputs(inputs, 1, 1)
	axis := adjustAxis("Softmax", c.Node.Name, getIntAttrOr(c.Node, "axis", -1), inputs[0].Rank())
	return []*Node{Softmax(inputs[0], axis)}
}

// convertFlatten converts a ONNX node to a GoMLX node.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__Flatten.html
func convertFlatten(c *OpContext, inputs []*Node) []*Node {
	c.checkNumInputs(inputs, 1, 1)
	operand := inputs[0]
	rank := operand.Rank()
	axis := getIntAttrOr(c.Node, "axis", 1)
	if axis < 0 {
		axis += rank
	}
	// Flatten allows axis == rank, yielding a trailing dimension of 1.
	if axis < 0 || axis > rank {
		panic(&ShapeMismatchError{
			OpType:   "Flatten",
			NodeName: c.Node.Name,
			Detail:   fmt.Sprintf("axis %d is out of range for rank %d", axis, rank),
		})
	}
	rows, cols := 1, 1
	for _, dim := range operand.Shape().Dimensions[:axis] {
		rows *= dim
	}
	for _, dim := range operand.Shape().Dimensions[axis:] {
		cols *= dim
	}
	return []*Node{Reshape(operand, rows, cols)}
}

// convertSqueeze converts a ONNX node to a GoMLX node.
//
// Version 11 and earlier take the axes from the attribute, later versions
// take them as a second operand, which must be a compile-time constant.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__Squeeze.html
func convertSqueeze(c *OpContext, inputs []*Node) []*Node {
	c.checkNumInputs(inputs, 1, 2)
	operand := inputs[0]
	axes := getIntsAttrOr(c.Node, "axes", nil)
	if len(axes) == 0 && len(inputs) >= 2 {
		axes = c.staticIntsInput(inputs[1], 1)
	}
	if len(axes) == 0 {
		// If axes is not given, pick all axes that have dimension == 1.
		for axis, dim := range operand.Shape().Dimensions {
			if dim == 1 {
				axes = append(axes, axis)
			}
		}
	}
	for ii, axis := range axes {
		axes[ii] = adjustAxis("Squeeze", c.Node.Name, axis, operand.Rank())
		if operand.Shape().Dim(axes[ii]) != 1 {
			panic(&ShapeMismatchError{
				OpType:   "Squeeze",
				NodeName: c.Node.Name,
				Detail:   fmt.Sprintf("axis %d of %s has dimension != 1", axis, operand.Shape()),
			})
		}
	}
	return []*Node{Squeeze(operand, axes...)}
}

// convertUnsqueeze converts a ONNX node to a GoMLX node.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__Unsqueeze.html
func convertUnsqueeze(c *OpContext, inputs []*Node) []*Node {
	c.checkNumInputs(inputs, 1, 2)
	axes := getIntsAttrOr(c.Node, "axes", nil)
	if len(axes) == 0 {
		if len(inputs) < 2 {
			exceptions.Panicf("ONNX %s requires an axes attribute or operand", nodeToString(c.Node))
		}
		axes = c.staticIntsInput(inputs[1], 1)
	}
	outputRank := inputs[0].Rank() + len(axes)
	for _, axis := range axes {
		if axis < -outputRank || axis >= outputRank {
			panic(&ShapeMismatchError{
				OpType:   "Unsqueeze",
				NodeName: c.Node.Name,
				Detail:   fmt.Sprintf("axis %d is out of range for output rank %d", axis, outputRank),
			})
		}
	}
	return []*Node{ExpandAxes(inputs[0], axes...)}
}

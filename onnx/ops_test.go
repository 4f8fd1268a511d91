package onnx

import (
	"fmt"
	"testing"

	"github.com/ArgoJ/onnx2gomlx/internal/protos"
	"github.com/chewxy/math32"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
)

// applyOp runs the registered converter for opType on the given inputs, as
// if converting an ONNX node with the given attributes.
func applyOp(g *Graph, opType string, inputs []*Node, attrs ...*protos.AttributeProto) *Node {
	node := &protos.NodeProto{
		Name:      fmt.Sprintf("%s_test", opType),
		OpType:    opType,
		Output:    []string{"out"},
		Attribute: attrs,
	}
	for ii, input := range inputs {
		if input == nil {
			// Omitted optional operand.
			node.Input = append(node.Input, "")
			continue
		}
		node.Input = append(node.Input, fmt.Sprintf("in%d", ii))
	}
	c := &OpContext{G: g, Node: node, model: &Model{}}
	return opRegistry[opType](c, inputs)[0]
}

func intAttr(name string, value int64) *protos.AttributeProto {
	return &protos.AttributeProto{Name: name, Type: protos.AttributeProto_INT, I: value}
}

func intsAttr(name string, values ...int64) *protos.AttributeProto {
	return &protos.AttributeProto{Name: name, Type: protos.AttributeProto_INTS, Ints: values}
}

func floatAttr(name string, value float32) *protos.AttributeProto {
	return &protos.AttributeProto{Name: name, Type: protos.AttributeProto_FLOAT, F: value}
}

func TestBinaryOps(t *testing.T) {
	graphtest.RunTestGraphFn(t, "Add: broadcast lower rank to the left", func(g *Graph) (inputs, outputs []*Node) {
		lhs := Const(g, [][]float32{{1, 2, 3}, {4, 5, 6}})
		rhs := Const(g, []float32{10, 20, 30})
		inputs = []*Node{lhs, rhs}
		outputs = []*Node{
			applyOp(g, "Add", []*Node{lhs, rhs}),
			applyOp(g, "Sub", []*Node{lhs, rhs}),
			applyOp(g, "Mul", []*Node{lhs, Const(g, float32(2))}),
			applyOp(g, "Div", []*Node{lhs, Const(g, [][]float32{{2}, {4}})}),
		}
		return
	}, []any{
		[][]float32{{11, 22, 33}, {14, 25, 36}},
		[][]float32{{-9, -18, -27}, {-6, -15, -24}},
		[][]float32{{2, 4, 6}, {8, 10, 12}},
		[][]float32{{0.5, 1, 1.5}, {1, 1.25, 1.5}},
	}, -1)

	graphtest.RunTestGraphFn(t, "Pow", func(g *Graph) (inputs, outputs []*Node) {
		base := Const(g, []float32{2, 3, 4})
		inputs = []*Node{base}
		outputs = []*Node{applyOp(g, "Pow", []*Node{base, Const(g, float32(2))})}
		return
	}, []any{
		[]float32{4, 9, 16},
	}, 1e-4)
}

func TestUnaryOps(t *testing.T) {
	xs := []float32{-2, -0.5, 0, 0.5, 2}
	graphtest.RunTestGraphFn(t, "Relu/Sigmoid/Tanh", func(g *Graph) (inputs, outputs []*Node) {
		x := Const(g, xs)
		inputs = []*Node{x}
		outputs = []*Node{
			applyOp(g, "Relu", []*Node{x}),
			applyOp(g, "Sigmoid", []*Node{x}),
			applyOp(g, "Tanh", []*Node{x}),
			applyOp(g, "Identity", []*Node{x}),
		}
		return
	}, []any{
		[]float32{0, 0, 0, 0.5, 2},
		sliceMap(xs, func(x float32) float32 { return 1 / (1 + math32.Exp(-x)) }),
		sliceMap(xs, func(x float32) float32 { return math32.Tanh(x) }),
		xs,
	}, 1e-5)

	graphtest.RunTestGraphFn(t, "Sqrt/Exp/Log/Neg/Abs", func(g *Graph) (inputs, outputs []*Node) {
		x := Const(g, []float32{0.25, 1, 4})
		y := Const(g, []float32{-1.5, 0, 2})
		inputs = []*Node{x, y}
		outputs = []*Node{
			applyOp(g, "Sqrt", []*Node{x}),
			applyOp(g, "Exp", []*Node{y}),
			applyOp(g, "Log", []*Node{x}),
			applyOp(g, "Neg", []*Node{y}),
			applyOp(g, "Abs", []*Node{y}),
		}
		return
	}, []any{
		[]float32{0.5, 1, 2},
		sliceMap([]float32{-1.5, 0, 2}, math32.Exp),
		sliceMap([]float32{0.25, 1, 4}, math32.Log),
		[]float32{1.5, 0, -2},
		[]float32{1.5, 0, 2},
	}, 1e-5)
}

func TestMatMulOp(t *testing.T) {
	graphtest.RunTestGraphFn(t, "MatMul", func(g *Graph) (inputs, outputs []*Node) {
		x := Const(g, [][]float32{{1, 2, 3}})
		w := Const(g, [][]float32{{1, 2}, {3, 4}, {5, 6}})
		inputs = []*Node{x, w}
		outputs = []*Node{applyOp(g, "MatMul", []*Node{x, w})}
		return
	}, []any{
		[][]float32{{22, 28}},
	}, -1)
}

func TestGemmOp(t *testing.T) {
	graphtest.RunTestGraphFn(t, "Gemm: transB with alpha and beta", func(g *Graph) (inputs, outputs []*Node) {
		a := Const(g, [][]float32{{1, 2}, {3, 4}})
		b := Const(g, [][]float32{{1, 1}, {2, 2}}) // Transposed before multiplying.
		c := Const(g, []float32{10, 100})
		inputs = []*Node{a, b, c}
		outputs = []*Node{
			applyOp(g, "Gemm", []*Node{a, b, c},
				intAttr("transB", 1), floatAttr("alpha", 2), floatAttr("beta", 0.5)),
			applyOp(g, "Gemm", []*Node{a, b}),
		}
		return
	}, []any{
		// 2*(A@Bᵀ) + 0.5*C: A@Bᵀ = {{3, 6}, {7, 14}}.
		[][]float32{{11, 62}, {19, 78}},
		// A@B = {{5, 5}, {11, 11}}.
		[][]float32{{5, 5}, {11, 11}},
	}, 1e-5)
}

func TestConstantOp(t *testing.T) {
	graphtest.RunTestGraphFn(t, "Constant", func(g *Graph) (inputs, outputs []*Node) {
		attr := &protos.AttributeProto{
			Name: "value",
			Type: protos.AttributeProto_TENSOR,
			T: &protos.TensorProto{
				Name:      "const",
				DataType:  int32(protos.TensorProto_FLOAT),
				Dims:      []int64{2, 2},
				FloatData: []float32{1, 2, 3, 4},
			},
		}
		outputs = []*Node{applyOp(g, "Constant", nil, attr)}
		return
	}, []any{
		[][]float32{{1, 2}, {3, 4}},
	}, -1)
}

func TestReshapeOp(t *testing.T) {
	graphtest.RunTestGraphFn(t, "Reshape", func(g *Graph) (inputs, outputs []*Node) {
		x := Const(g, [][]float32{{1, 2, 3}, {4, 5, 6}})
		inputs = []*Node{x}
		outputs = []*Node{
			// -1 is inferred from the remaining dimensions.
			applyOp(g, "Reshape", []*Node{x, Const(g, []int64{-1, 2})}),
			// 0 copies the input dimension in the same position.
			applyOp(g, "Reshape", []*Node{x, Const(g, []int64{0, 3, 1})}),
		}
		return
	}, []any{
		[][]float32{{1, 2}, {3, 4}, {5, 6}},
		[][][]float32{{{1}, {2}, {3}}, {{4}, {5}, {6}}},
	}, -1)
}

func TestTransposeOp(t *testing.T) {
	graphtest.RunTestGraphFn(t, "Transpose", func(g *Graph) (inputs, outputs []*Node) {
		x := Const(g, [][]float32{{1, 2, 3}, {4, 5, 6}})
		inputs = []*Node{x}
		outputs = []*Node{
			// No perm reverses the axes.
			applyOp(g, "Transpose", []*Node{x}),
			applyOp(g, "Transpose", []*Node{x}, intsAttr("perm", 1, 0)),
		}
		return
	}, []any{
		[][]float32{{1, 4}, {2, 5}, {3, 6}},
		[][]float32{{1, 4}, {2, 5}, {3, 6}},
	}, -1)
}

func TestConcatOp(t *testing.T) {
	graphtest.RunTestGraphFn(t, "Concat", func(g *Graph) (inputs, outputs []*Node) {
		a := Const(g, [][]float32{{1, 2}, {3, 4}})
		b := Const(g, [][]float32{{5}, {6}})
		inputs = []*Node{a, b}
		outputs = []*Node{
			applyOp(g, "Concat", []*Node{a, b}, intAttr("axis", 1)),
			applyOp(g, "Concat", []*Node{a, b}, intAttr("axis", -1)),
		}
		return
	}, []any{
		[][]float32{{1, 2, 5}, {3, 4, 6}},
		[][]float32{{1, 2, 5}, {3, 4, 6}},
	}, -1)
}

func TestClipOp(t *testing.T) {
	graphtest.RunTestGraphFn(t, "Clip", func(g *Graph) (inputs, outputs []*Node) {
		x := Const(g, []float32{-3, -1, 0, 1, 3})
		inputs = []*Node{x}
		outputs = []*Node{
			applyOp(g, "Clip", []*Node{x}),
			applyOp(g, "Clip", []*Node{x, Const(g, float32(-2))}),
			applyOp(g, "Clip", []*Node{x, Const(g, float32(-2)), Const(g, float32(2))}),
			applyOp(g, "Clip", []*Node{x, nil, Const(g, float32(2))}),
		}
		return
	}, []any{
		[]float32{-3, -1, 0, 1, 3},
		[]float32{-2, -1, 0, 1, 3},
		[]float32{-2, -1, 0, 1, 2},
		[]float32{-3, -1, 0, 1, 2},
	}, -1)
}

func TestSoftmaxOp(t *testing.T) {
	xs := []float32{1, 2, 3}
	var sum float32
	exps := sliceMap(xs, math32.Exp)
	for _, e := range exps {
		sum += e
	}
	graphtest.RunTestGraphFn(t, "Softmax", func(g *Graph) (inputs, outputs []*Node) {
		x := Const(g, xs)
		inputs = []*Node{x}
		outputs = []*Node{applyOp(g, "Softmax", []*Node{x})}
		return
	}, []any{
		sliceMap(exps, func(e float32) float32 { return e / sum }),
	}, 1e-5)
}

func TestFlattenOp(t *testing.T) {
	graphtest.RunTestGraphFn(t, "Flatten", func(g *Graph) (inputs, outputs []*Node) {
		x := IotaFull(g, shapes.Make(dtypes.Float32, 2, 3, 2))
		inputs = []*Node{x}
		outputs = []*Node{
			applyOp(g, "Flatten", []*Node{x}),
			applyOp(g, "Flatten", []*Node{x}, intAttr("axis", 0)),
			applyOp(g, "Flatten", []*Node{x}, intAttr("axis", -1)),
		}
		return
	}, []any{
		[][]float32{{0, 1, 2, 3, 4, 5}, {6, 7, 8, 9, 10, 11}},
		[][]float32{{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11}},
		[][]float32{{0, 1}, {2, 3}, {4, 5}, {6, 7}, {8, 9}, {10, 11}},
	}, -1)
}

func TestSqueezeUnsqueezeOps(t *testing.T) {
	graphtest.RunTestGraphFn(t, "Squeeze and Unsqueeze", func(g *Graph) (inputs, outputs []*Node) {
		x := Const(g, [][][]float32{{{1, 2, 3}}})
		inputs = []*Node{x}
		outputs = []*Node{
			applyOp(g, "Squeeze", []*Node{x}),
			applyOp(g, "Squeeze", []*Node{x}, intsAttr("axes", 1)),
			applyOp(g, "Squeeze", []*Node{x, Const(g, []int64{0, 1})}),
			applyOp(g, "Unsqueeze", []*Node{Const(g, []float32{1, 2}), Const(g, []int64{0})}),
			applyOp(g, "Unsqueeze", []*Node{Const(g, []float32{1, 2})}, intsAttr("axes", -1)),
		}
		return
	}, []any{
		[]float32{1, 2, 3},
		[][]float32{{1, 2, 3}},
		[]float32{1, 2, 3},
		[][]float32{{1, 2}},
		[][]float32{{1}, {2}},
	}, -1)
}

func TestSupportedOps(t *testing.T) {
	ops := SupportedOps()
	for _, opType := range []string{
		"Add", "Sub", "Mul", "Div", "MatMul", "Gemm", "Relu", "Sigmoid",
		"Tanh", "Identity", "Constant", "Reshape", "Transpose", "Concat",
	} {
		assert.Contains(t, ops, opType)
	}
	assert.IsIncreasing(t, ops)
}

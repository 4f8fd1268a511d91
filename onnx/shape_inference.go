package onnx

import (
	"fmt"
	"slices"
	"strings"

	"github.com/ArgoJ/onnx2gomlx/internal/protos"
	"github.com/ArgoJ/onnx2gomlx/internal/togomlx"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// DynamicShape represents a shape declared by an ONNX model, where some of
// the dimensions may be unknown until the actual input is given.
//
// Unknown dimensions are set to -1 in Dimensions, and if the model named the
// dimension (a "dim_param", like "batch_size") the name is stored in Names
// in the corresponding position.
type DynamicShape struct {
	DType      dtypes.DType
	Dimensions []int
	Names      []string
}

// Rank of the dynamic shape.
func (dshape DynamicShape) Rank() int { return len(dshape.Dimensions) }

// String implements fmt.Stringer. Dynamic axes print their name, or "?" if
// the model didn't name them.
func (dshape DynamicShape) String() string {
	parts := make([]string, dshape.Rank())
	for axis, dim := range dshape.Dimensions {
		if dim >= 0 {
			parts[axis] = fmt.Sprintf("%d", dim)
		} else if name := dshape.Names[axis]; name != "" {
			parts[axis] = fmt.Sprintf("%q", name)
		} else {
			parts[axis] = "?"
		}
	}
	return fmt.Sprintf("(%s) [%s]", dshape.DType, strings.Join(parts, ", "))
}

// dynamicShapeFromValueInfo extracts the DynamicShape declared by a graph
// input or output. Only tensor types are supported.
func dynamicShapeFromValueInfo(vi *protos.ValueInfoProto) (dshape DynamicShape, err error) {
	if vi.Type == nil || vi.Type.TensorType == nil {
		err = errors.Errorf("value %q has no tensor type declaration", vi.Name)
		return
	}
	tensorType := vi.Type.TensorType
	dshape.DType, err = togomlx.DType(protos.TensorProto_DataType(tensorType.ElemType))
	if err != nil {
		err = errors.WithMessagef(err, "while parsing type of value %q", vi.Name)
		return
	}
	if tensorType.Shape == nil {
		// A scalar declares an empty shape, not a nil one.
		err = errors.Errorf("value %q declares no shape", vi.Name)
		return
	}
	dims := tensorType.Shape.Dim
	dshape.Dimensions = make([]int, len(dims))
	dshape.Names = make([]string, len(dims))
	for axis, dim := range dims {
		if dim.HasValue {
			dshape.Dimensions[axis] = int(dim.DimValue)
		} else {
			dshape.Dimensions[axis] = -1
			dshape.Names[axis] = dim.DimParam
		}
	}
	return
}

// ValidateInputs checks that the given shapes are valid inputs for the model:
// matching count, dtypes, ranks and fixed dimensions, and that named dynamic
// dimensions (like "batch_size") resolve to the same value across all inputs.
func (m *Model) ValidateInputs(inputs ...shapes.Shape) error {
	if len(inputs) != len(m.InputsShapes) {
		return errors.Errorf("model takes %d inputs (%s), but %d shapes were given",
			len(m.InputsShapes), strings.Join(m.InputsNames, ", "), len(inputs))
	}
	dynamicDims := make(map[string]int)
	for inputIdx, input := range inputs {
		name := m.InputsNames[inputIdx]
		dshape := m.InputsShapes[inputIdx]
		if input.DType != dshape.DType {
			return errors.Errorf("input %q declared as %s, but it was given as dtype %s",
				name, dshape, input.DType)
		}
		if input.Rank() != dshape.Rank() {
			return errors.Errorf("input %q declared as %s (rank %d), but it was given with rank %d (%s)",
				name, dshape, dshape.Rank(), input.Rank(), input)
		}
		for axis, dim := range dshape.Dimensions {
			given := input.Dimensions[axis]
			if dim >= 0 {
				if given != dim {
					return errors.Errorf("input %q declared as %s, but axis %d was given as %d",
						name, dshape, axis, given)
				}
				continue
			}
			dimName := dshape.Names[axis]
			if dimName == "" {
				continue
			}
			if previous, found := dynamicDims[dimName]; found {
				if previous != given {
					return errors.Errorf("dynamic dimension %q resolved to %d earlier, but input %q axis %d was given as %d",
						dimName, previous, name, axis, given)
				}
			} else {
				dynamicDims[dimName] = given
			}
		}
	}
	return nil
}

// The infer* functions below validate operator input shapes before the
// corresponding computation node is created, panicking with a typed error
// when the shapes cannot be combined. They mirror the ONNX shape semantics
// of each operator.

// checkSameDType panics if the operands' dtypes differ.
func checkSameDType(opType, nodeName string, operands ...shapes.Shape) {
	for ii := 1; ii < len(operands); ii++ {
		if operands[ii].DType != operands[0].DType {
			panic(&ShapeMismatchError{
				OpType:   opType,
				NodeName: nodeName,
				Detail: fmt.Sprintf("operand 0 has dtype %s, but operand %d has dtype %s",
					operands[0].DType, ii, operands[ii].DType),
			})
		}
	}
}

// inferBroadcast returns the shape resulting from applying an implicitly
// broadcast element-wise binary operator to lhs and rhs: the lower-rank
// operand is prepended with 1-dimensions, then axes must match or one of
// them be 1.
func inferBroadcast(opType, nodeName string, lhs, rhs shapes.Shape) shapes.Shape {
	checkSameDType(opType, nodeName, lhs, rhs)
	rank := max(lhs.Rank(), rhs.Rank())
	dims := make([]int, rank)
	for axis := range dims {
		lhsDim, rhsDim := 1, 1
		if fromEnd := rank - axis; fromEnd <= lhs.Rank() {
			lhsDim = lhs.Dimensions[lhs.Rank()-fromEnd]
		}
		if fromEnd := rank - axis; fromEnd <= rhs.Rank() {
			rhsDim = rhs.Dimensions[rhs.Rank()-fromEnd]
		}
		switch {
		case lhsDim == rhsDim:
			dims[axis] = lhsDim
		case lhsDim == 1:
			dims[axis] = rhsDim
		case rhsDim == 1:
			dims[axis] = lhsDim
		default:
			panic(&ShapeMismatchError{
				OpType:   opType,
				NodeName: nodeName,
				Detail:   fmt.Sprintf("shapes %s and %s are not broadcastable", lhs, rhs),
			})
		}
	}
	return shapes.Make(lhs.DType, dims...)
}

// inferMatMul returns the shape of MatMul following the Numpy rules: 1D
// operands get a dimension temporarily prepended (lhs) or appended (rhs),
// batch dimensions broadcast, the contraction dimensions must match.
func inferMatMul(nodeName string, lhs, rhs shapes.Shape) shapes.Shape {
	checkSameDType("MatMul", nodeName, lhs, rhs)
	if lhs.IsScalar() || rhs.IsScalar() {
		panic(&ShapeMismatchError{
			OpType:   "MatMul",
			NodeName: nodeName,
			Detail:   fmt.Sprintf("scalar operands are not allowed, got %s and %s", lhs, rhs),
		})
	}
	lhsDims := slices.Clone(lhs.Dimensions)
	rhsDims := slices.Clone(rhs.Dimensions)
	lhsVector := len(lhsDims) == 1
	rhsVector := len(rhsDims) == 1
	if lhsVector {
		lhsDims = []int{1, lhsDims[0]}
	}
	if rhsVector {
		rhsDims = []int{rhsDims[0], 1}
	}
	contract := lhsDims[len(lhsDims)-1]
	if contract != rhsDims[len(rhsDims)-2] {
		panic(&ShapeMismatchError{
			OpType:   "MatMul",
			NodeName: nodeName,
			Detail: fmt.Sprintf("cannot contract dimension %d of %s with dimension %d of %s",
				contract, lhs, rhsDims[len(rhsDims)-2], rhs),
		})
	}
	lhsBatch := shapes.Make(lhs.DType, lhsDims[:len(lhsDims)-2]...)
	rhsBatch := shapes.Make(rhs.DType, rhsDims[:len(rhsDims)-2]...)
	batch := inferBroadcast("MatMul", nodeName, lhsBatch, rhsBatch)
	dims := slices.Clone(batch.Dimensions)
	if !lhsVector {
		dims = append(dims, lhsDims[len(lhsDims)-2])
	}
	if !rhsVector {
		dims = append(dims, rhsDims[len(rhsDims)-1])
	}
	return shapes.Make(lhs.DType, dims...)
}

// inferGemm returns the shape of Gemm: strictly 2D operands, with optional
// transposes, and an optional bias C that must broadcast to the result.
func inferGemm(nodeName string, a, b shapes.Shape, transA, transB bool, c *shapes.Shape) shapes.Shape {
	checkSameDType("Gemm", nodeName, a, b)
	if a.Rank() != 2 || b.Rank() != 2 {
		panic(&ShapeMismatchError{
			OpType:   "Gemm",
			NodeName: nodeName,
			Detail:   fmt.Sprintf("operands must be rank 2, got %s and %s", a, b),
		})
	}
	aRows, aCols := a.Dimensions[0], a.Dimensions[1]
	if transA {
		aRows, aCols = aCols, aRows
	}
	bRows, bCols := b.Dimensions[0], b.Dimensions[1]
	if transB {
		bRows, bCols = bCols, bRows
	}
	if aCols != bRows {
		panic(&ShapeMismatchError{
			OpType:   "Gemm",
			NodeName: nodeName,
			Detail: fmt.Sprintf("cannot multiply %s (transA=%v) by %s (transB=%v)",
				a, transA, b, transB),
		})
	}
	result := shapes.Make(a.DType, aRows, bCols)
	if c != nil {
		result = inferBroadcast("Gemm", nodeName, result, *c)
	}
	return result
}

// inferReshape resolves the target dimensions of a Reshape: a 0 entry copies
// the input dimension at the same position (unless allowZero, in which case
// it is taken literally), and a single -1 entry is inferred from the
// remaining ones. The total size must be preserved.
func inferReshape(nodeName string, input shapes.Shape, target []int, allowZero bool) []int {
	dims := make([]int, len(target))
	inferAxis := -1
	known := 1
	for axis, dim := range target {
		switch {
		case dim == -1:
			if inferAxis >= 0 {
				panic(&ShapeMismatchError{
					OpType:   "Reshape",
					NodeName: nodeName,
					Detail:   fmt.Sprintf("target shape %v has more than one -1 entry", target),
				})
			}
			inferAxis = axis
		case dim == 0 && allowZero:
			dims[axis] = 0
			known = 0
		case dim == 0:
			if axis >= input.Rank() {
				panic(&ShapeMismatchError{
					OpType:   "Reshape",
					NodeName: nodeName,
					Detail: fmt.Sprintf("target shape %v copies dimension %d of input %s, which doesn't exist",
						target, axis, input),
				})
			}
			dims[axis] = input.Dimensions[axis]
			known *= dims[axis]
		case dim > 0:
			dims[axis] = dim
			known *= dim
		default:
			panic(&ShapeMismatchError{
				OpType:   "Reshape",
				NodeName: nodeName,
				Detail:   fmt.Sprintf("target shape %v has invalid dimension %d", target, dim),
			})
		}
	}
	if inferAxis >= 0 {
		if known == 0 || input.Size()%known != 0 {
			panic(&ShapeMismatchError{
				OpType:   "Reshape",
				NodeName: nodeName,
				Detail:   fmt.Sprintf("cannot infer -1 in target shape %v from input %s", target, input),
			})
		}
		dims[inferAxis] = input.Size() / known
		known *= dims[inferAxis]
	}
	if known != input.Size() {
		panic(&ShapeMismatchError{
			OpType:   "Reshape",
			NodeName: nodeName,
			Detail: fmt.Sprintf("target shape %v has %d elements, but input %s has %d",
				target, known, input, input.Size()),
		})
	}
	return dims
}

// inferTranspose validates and resolves a Transpose permutation. An absent
// permutation (nil) defaults to reversing the axes.
func inferTranspose(nodeName string, input shapes.Shape, perm []int) []int {
	rank := input.Rank()
	if perm == nil {
		perm = make([]int, rank)
		for axis := range perm {
			perm[axis] = rank - 1 - axis
		}
		return perm
	}
	if len(perm) != rank {
		panic(&ShapeMismatchError{
			OpType:   "Transpose",
			NodeName: nodeName,
			Detail:   fmt.Sprintf("perm %v has %d entries for input %s of rank %d", perm, len(perm), input, rank),
		})
	}
	seen := make([]bool, rank)
	for _, axis := range perm {
		if axis < 0 || axis >= rank || seen[axis] {
			panic(&ShapeMismatchError{
				OpType:   "Transpose",
				NodeName: nodeName,
				Detail:   fmt.Sprintf("perm %v is not a permutation of the %d axes of %s", perm, rank, input),
			})
		}
		seen[axis] = true
	}
	return perm
}

// inferConcat validates the inputs of a Concat along the (already adjusted)
// axis: same dtype, same rank and matching dimensions except on the axis.
func inferConcat(nodeName string, operands []shapes.Shape, axis int) shapes.Shape {
	checkSameDType("Concat", nodeName, operands...)
	first := operands[0]
	concatDim := 0
	for ii, operand := range operands {
		if operand.Rank() != first.Rank() {
			panic(&ShapeMismatchError{
				OpType:   "Concat",
				NodeName: nodeName,
				Detail:   fmt.Sprintf("operand %d is %s, but operand 0 is %s (ranks differ)", ii, operand, first),
			})
		}
		for otherAxis, dim := range operand.Dimensions {
			if otherAxis == axis {
				continue
			}
			if dim != first.Dimensions[otherAxis] {
				panic(&ShapeMismatchError{
					OpType:   "Concat",
					NodeName: nodeName,
					Detail: fmt.Sprintf("operand %d is %s, but operand 0 is %s (axis %d differs, concatenating on axis %d)",
						ii, operand, first, otherAxis, axis),
				})
			}
		}
		concatDim += operand.Dimensions[axis]
	}
	dims := slices.Clone(first.Dimensions)
	dims[axis] = concatDim
	return shapes.Make(first.DType, dims...)
}

// adjustAxis normalizes a possibly negative ONNX axis attribute, panicking
// if it falls outside the operand's rank.
func adjustAxis(opType, nodeName string, axis, rank int) int {
	adjusted := axis
	if adjusted < 0 {
		adjusted += rank
	}
	if adjusted < 0 || adjusted >= rank {
		panic(&ShapeMismatchError{
			OpType:   opType,
			NodeName: nodeName,
			Detail:   fmt.Sprintf("axis %d is out of range for rank %d", axis, rank),
		})
	}
	return adjusted
}

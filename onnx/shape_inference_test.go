package onnx

import (
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateInputs(t *testing.T) {
	m := &Model{
		InputsNames: []string{"i0", "i1"},
		InputsShapes: []DynamicShape{
			DynamicShape{
				DType:      dtypes.Float32,
				Dimensions: []int{-1, -1},
				Names:      []string{"batch_size", "feature_dim"},
			},
			DynamicShape{
				DType:      dtypes.Int32,
				Dimensions: []int{-1, 3},
				Names:      []string{"batch_size", "other"},
			},
		},
	}

	// Example valid input, batch_size=5
	require.NoError(t, m.ValidateInputs(
		shapes.Make(dtypes.Float32, 5, 7),
		shapes.Make(dtypes.Int32, 5, 3)))

	// Wrong number of inputs:
	require.Error(t, m.ValidateInputs(
		shapes.Make(dtypes.Float32, 5, 7)))

	// Wrong dtype:
	require.Error(t, m.ValidateInputs(
		shapes.Make(dtypes.Float32, 5, 7),
		shapes.Make( /**/ dtypes.Int64, 5, 3)))

	// Wrong rank:
	require.Error(t, m.ValidateInputs(
		shapes.Make(dtypes.Float32, 5, 7 /**/, 1),
		shapes.Make(dtypes.Int32, 5, 3)))

	// Fixed dimension not matching:
	require.Error(t, m.ValidateInputs(
		shapes.Make(dtypes.Float32, 5, 7),
		shapes.Make(dtypes.Int32, 5 /**/, 4)))

	// Dynamic dimension not matching across inputs:
	require.Error(t, m.ValidateInputs(
		shapes.Make(dtypes.Float32, 5, 7),
		shapes.Make(dtypes.Int32 /**/, 6, 3)))
}

func TestDynamicShapeString(t *testing.T) {
	dshape := DynamicShape{
		DType:      dtypes.Float32,
		Dimensions: []int{-1, 3, -1},
		Names:      []string{"batch_size", "", ""},
	}
	assert.Equal(t, `(Float32) ["batch_size", 3, ?]`, dshape.String())
}

// catchShapeError runs fn, which is expected to panic with one of the typed
// shape errors, and returns the recovered error.
func catchShapeError(t *testing.T, fn func()) error {
	err := exceptions.TryCatch[error](fn)
	require.Error(t, err)
	return err
}

func TestInferBroadcast(t *testing.T) {
	f32 := func(dims ...int) shapes.Shape { return shapes.Make(dtypes.Float32, dims...) }

	got := inferBroadcast("Add", "n", f32(2, 3), f32(3))
	assert.Equal(t, []int{2, 3}, got.Dimensions)

	got = inferBroadcast("Add", "n", f32(4, 1, 3), f32(2, 1))
	assert.Equal(t, []int{4, 2, 3}, got.Dimensions)

	got = inferBroadcast("Add", "n", f32(), f32(2, 3))
	assert.Equal(t, []int{2, 3}, got.Dimensions)

	var mismatch *ShapeMismatchError
	err := catchShapeError(t, func() { inferBroadcast("Add", "n", f32(2, 3), f32(2)) })
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "Add", mismatch.OpType)

	// DTypes must agree.
	err = catchShapeError(t, func() {
		inferBroadcast("Add", "n", f32(2), shapes.Make(dtypes.Float64, 2))
	})
	require.ErrorAs(t, err, &mismatch)
}

func TestInferMatMul(t *testing.T) {
	f32 := func(dims ...int) shapes.Shape { return shapes.Make(dtypes.Float32, dims...) }

	got := inferMatMul("n", f32(1, 3), f32(3, 2))
	assert.Equal(t, []int{1, 2}, got.Dimensions)

	// Batched, with broadcast on the batch axes.
	got = inferMatMul("n", f32(5, 1, 4, 3), f32(2, 3, 6))
	assert.Equal(t, []int{5, 2, 4, 6}, got.Dimensions)

	// Vector operands drop the temporary axis.
	got = inferMatMul("n", f32(3), f32(3, 2))
	assert.Equal(t, []int{2}, got.Dimensions)
	got = inferMatMul("n", f32(2, 3), f32(3))
	assert.Equal(t, []int{2}, got.Dimensions)

	var mismatch *ShapeMismatchError
	err := catchShapeError(t, func() { inferMatMul("n", f32(1, 3), f32(2, 2)) })
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "MatMul", mismatch.OpType)

	err = catchShapeError(t, func() { inferMatMul("n", f32(), f32(3, 2)) })
	require.ErrorAs(t, err, &mismatch)
}

func TestInferGemm(t *testing.T) {
	f32 := func(dims ...int) shapes.Shape { return shapes.Make(dtypes.Float32, dims...) }

	got := inferGemm("n", f32(4, 3), f32(3, 2), false, false, nil)
	assert.Equal(t, []int{4, 2}, got.Dimensions)

	got = inferGemm("n", f32(3, 4), f32(2, 3), true, true, nil)
	assert.Equal(t, []int{4, 2}, got.Dimensions)

	c := f32(2)
	got = inferGemm("n", f32(4, 3), f32(3, 2), false, false, &c)
	assert.Equal(t, []int{4, 2}, got.Dimensions)

	var mismatch *ShapeMismatchError
	err := catchShapeError(t, func() { inferGemm("n", f32(4, 3), f32(2, 2), false, false, nil) })
	require.ErrorAs(t, err, &mismatch)

	// Rank != 2 is not a valid Gemm operand.
	err = catchShapeError(t, func() { inferGemm("n", f32(4, 3, 1), f32(3, 2), false, false, nil) })
	require.ErrorAs(t, err, &mismatch)

	// C that doesn't broadcast to the result.
	badC := f32(3)
	err = catchShapeError(t, func() { inferGemm("n", f32(4, 3), f32(3, 2), false, false, &badC) })
	require.ErrorAs(t, err, &mismatch)
}

func TestInferReshape(t *testing.T) {
	f32 := func(dims ...int) shapes.Shape { return shapes.Make(dtypes.Float32, dims...) }

	assert.Equal(t, []int{3, 4}, inferReshape("n", f32(2, 6), []int{3, 4}, false))
	assert.Equal(t, []int{2, 6}, inferReshape("n", f32(3, 4), []int{-1, 6}, false))
	// 0 copies the input dimension in the same position.
	assert.Equal(t, []int{3, 4}, inferReshape("n", f32(3, 2, 2), []int{0, -1}, false))

	var mismatch *ShapeMismatchError
	err := catchShapeError(t, func() { inferReshape("n", f32(2, 6), []int{-1, -1}, false) })
	require.ErrorAs(t, err, &mismatch)

	err = catchShapeError(t, func() { inferReshape("n", f32(2, 6), []int{5, 3}, false) })
	require.ErrorAs(t, err, &mismatch)

	err = catchShapeError(t, func() { inferReshape("n", f32(2, 6), []int{-1, 5}, false) })
	require.ErrorAs(t, err, &mismatch)

	// allowzero takes the 0 literally.
	assert.Equal(t, []int{0, 3}, inferReshape("n", f32(0, 3), []int{0, 3}, true))
	err = catchShapeError(t, func() { inferReshape("n", f32(2, 6), []int{0, -1}, true) })
	require.ErrorAs(t, err, &mismatch)
}

func TestInferTranspose(t *testing.T) {
	f32 := func(dims ...int) shapes.Shape { return shapes.Make(dtypes.Float32, dims...) }

	// Default is reversing the axes.
	assert.Equal(t, []int{2, 1, 0}, inferTranspose("n", f32(2, 3, 4), nil))
	assert.Equal(t, []int{0, 2, 1}, inferTranspose("n", f32(2, 3, 4), []int{0, 2, 1}))

	var mismatch *ShapeMismatchError
	err := catchShapeError(t, func() { inferTranspose("n", f32(2, 3, 4), []int{0, 1}) })
	require.ErrorAs(t, err, &mismatch)
	err = catchShapeError(t, func() { inferTranspose("n", f32(2, 3, 4), []int{0, 0, 1}) })
	require.ErrorAs(t, err, &mismatch)
}

func TestInferConcat(t *testing.T) {
	f32 := func(dims ...int) shapes.Shape { return shapes.Make(dtypes.Float32, dims...) }

	got := inferConcat("n", []shapes.Shape{f32(2, 3), f32(2, 5)}, 1)
	assert.Equal(t, []int{2, 8}, got.Dimensions)

	var mismatch *ShapeMismatchError
	err := catchShapeError(t, func() { inferConcat("n", []shapes.Shape{f32(2, 3), f32(4, 5)}, 1) })
	require.ErrorAs(t, err, &mismatch)
	err = catchShapeError(t, func() { inferConcat("n", []shapes.Shape{f32(2, 3), f32(2, 3, 1)}, 1) })
	require.ErrorAs(t, err, &mismatch)
}

func TestAdjustAxis(t *testing.T) {
	assert.Equal(t, 1, adjustAxis("Concat", "n", 1, 3))
	assert.Equal(t, 2, adjustAxis("Concat", "n", -1, 3))

	var mismatch *ShapeMismatchError
	err := catchShapeError(t, func() { adjustAxis("Concat", "n", 3, 3) })
	require.ErrorAs(t, err, &mismatch)
	err = catchShapeError(t, func() { adjustAxis("Concat", "n", -4, 3) })
	require.ErrorAs(t, err, &mismatch)
}

package onnx

import (
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/pkg/errors"
)

// This file defines importing the model weights from ONNX into a GoMLX
// context.

// ModelScope is the context scope used for the ONNX model variables when
// converting to GoMLX.
var ModelScope = "ONNX"

// VariablesToContext will create variables in the context (within scope
// ModelScope) from all variables present in the model initializer list.
//
// Call this once in your context, before building the model graph with
// Model.CallGraph or Converter.Convert. Alternatively, if you have already
// checkpoint-ed your model, load the variables from a checkpoint and don't
// call this.
func (m *Model) VariablesToContext(ctx *context.Context) error {
	if len(m.Proto.Graph.SparseInitializer) > 0 {
		return errors.New("onnx.VariablesToContext does not support ONNX SparseTensors")
	}
	ctx = ctx.In(ModelScope).Checked(false)
	return exceptions.TryCatch[error](func() {
		for _, tensorProto := range m.Proto.Graph.Initializer {
			tensor := m.initializerTensor(tensorProto.Name)
			ctx.VariableWithValue(SafeVarName(tensorProto.Name), tensor)
		}
	})
}

// SafeVarName converts an ONNX variable name to a GoMLX safe variable name
// by replacing the scope separator with a "|".
func SafeVarName(onnxName string) (gomlxName string) {
	return strings.ReplaceAll(onnxName, context.ScopeSeparator, "|")
}

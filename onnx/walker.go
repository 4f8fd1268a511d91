package onnx

import (
	"fmt"

	"github.com/ArgoJ/onnx2gomlx/internal/protos"
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"k8s.io/klog/v2"
)

// This file defines the methods that walk the ONNX graph and build the
// corresponding GoMLX computation graph.

// sortedGraph returns a topological sorting of the graph nodes, so they can
// be converted in dependency order. Ties are broken by the original node
// order in the model, which keeps the conversion deterministic.
//
// It returns a *GraphCycleError if some nodes can never become ready.
func (m *Model) sortedGraph() ([]*protos.NodeProto, error) {
	g := m.Proto.Graph
	sortedNodes := make([]*protos.NodeProto, 0, len(g.Node))

	// Values available before any node runs.
	defined := types.MakeSet[string]()
	defined.Insert("") // Omitted optional operands.
	for _, inputName := range m.InputsNames {
		defined.Insert(inputName)
	}
	for name := range m.variableNameToValue {
		defined.Insert(name)
	}

	// consumers maps a value name to the nodes waiting on it, once per
	// occurrence, so each definition decrements the counter the right
	// number of times.
	consumers := make(map[string][]*protos.NodeProto)
	remaining := make(map[*protos.NodeProto]int, len(g.Node))
	for _, node := range g.Node {
		for _, inputName := range node.Input {
			if defined.Has(inputName) {
				continue
			}
			consumers[inputName] = append(consumers[inputName], node)
			remaining[node]++
		}
	}

	var queue []*protos.NodeProto
	for _, node := range g.Node {
		if remaining[node] == 0 {
			queue = append(queue, node)
		}
	}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sortedNodes = append(sortedNodes, node)
		for _, outputName := range node.Output {
			if defined.Has(outputName) {
				continue
			}
			defined.Insert(outputName)
			for _, consumer := range consumers[outputName] {
				remaining[consumer]--
				if remaining[consumer] == 0 {
					queue = append(queue, consumer)
				}
			}
		}
	}

	if len(sortedNodes) != len(g.Node) {
		var blocked []string
		for _, node := range g.Node {
			if remaining[node] > 0 {
				blocked = append(blocked, nodeIdName(node))
			}
		}
		return nil, &GraphCycleError{Remaining: blocked}
	}
	return sortedNodes, nil
}

// sliceMap executes the given function sequentially for every element on in, and returns a mapped slice.
func sliceMap[In, Out any](in []In, fn func(e In) Out) (out []Out) {
	out = make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return
}

// nodeIdName returns the best identifier for a node in messages: its name if
// the model set one, its first output otherwise.
func nodeIdName(node *protos.NodeProto) string {
	if node.Name != "" {
		return node.Name
	}
	if len(node.Output) > 0 {
		return node.Output[0]
	}
	return fmt.Sprintf("(unnamed %s)", node.OpType)
}

// CallGraph walks the ONNX graph and builds it with GoMLX ops into g.
// This can be used for inference or training.
//
// The inputs (a map of input name to its graph.Node) can be given as normal
// input parameters to the graph or as static constants, see
// WithInputsAsConstants.
//
// If ctx is not nil, the model variables are taken from the context, and
// Model.VariablesToContext must have been called first (or the variables
// loaded from a checkpoint). If ctx is nil, the model variables are inlined
// as constants in the graph: cheap for small models and good enough for
// inference, but the values can't be trained or swapped afterwards.
//
// As in GoMLX graph functions, it panics (throws exceptions) in case of
// errors, always one of the typed errors of this package where the problem
// is attributable to the model.
func (m *Model) CallGraph(ctx *context.Context, g *Graph, inputs map[string]*Node) (outputs []*Node) {
	if ctx != nil {
		ctx = ctx.In(ModelScope).Checked(false)
	}

	// Sanity check of things we don't support.
	if len(m.Proto.Functions) > 0 {
		exceptions.Panicf("onnx.CallGraph does not support ONNX functions")
	}
	if len(m.Proto.Graph.SparseInitializer) > 0 {
		exceptions.Panicf("onnx.CallGraph does not support ONNX SparseTensors")
	}

	// Map the given inputs to the corresponding ONNX inputs, and report
	// (throw exception) if there are any discrepancies.
	// Also initialize convertedOutputs with the given inputs.
	convertedOutputs := make(map[string]*Node)
	missingInputs := types.MakeSet[string]()
	repeatedInputs := types.MakeSet[string]()
	unknownInputs := types.MakeSet[string]()
	for _, inputName := range m.InputsNames {
		inputN := inputs[inputName]
		if inputN == nil {
			staticValue := m.inputsAsConstants[inputName]
			if staticValue != nil {
				inputN = Const(g, tensors.FromAnyValue(staticValue))
			} else {
				missingInputs.Insert(inputName)
				continue
			}
		} else if _, found := m.inputsAsConstants[inputName]; found {
			repeatedInputs.Insert(inputName)
		}
		convertedOutputs[inputName] = inputN
	}
	for givenName := range inputs {
		if _, found := convertedOutputs[givenName]; !found {
			unknownInputs.Insert(givenName)
		}
	}
	for givenName := range m.inputsAsConstants {
		if _, found := convertedOutputs[givenName]; !found {
			unknownInputs.Insert(givenName)
		}
	}
	if len(missingInputs) > 0 || len(unknownInputs) > 0 || len(repeatedInputs) > 0 {
		exceptions.Panicf("onnx.CallGraph() called with wrong inputs: missing inputs=%q; unknown given inputs=%q; inputs given both normally and as constants=%q",
			missingInputs, unknownInputs, repeatedInputs)
	}

	// Validate the input shapes against the model declaration.
	err := m.ValidateInputs(sliceMap(m.InputsNames, func(inputName string) shapes.Shape { return convertedOutputs[inputName].Shape() })...)
	if err != nil {
		panic(err)
	}

	// Convert variables: create the GoMLX nodes corresponding to the ONNX
	// model initializers.
	for _, tensorProto := range m.Proto.Graph.Initializer {
		if ctx == nil {
			convertedOutputs[tensorProto.Name] = Const(g, m.initializerTensor(tensorProto.Name))
			continue
		}
		varName := SafeVarName(tensorProto.Name)
		v := ctx.InspectVariableInScope(varName)
		if v == nil {
			exceptions.Panicf("variable %q (from the ONNX model %q) has not been uploaded yet to context -- did you forget to call onnx.Model.VariablesToContext?",
				varName, tensorProto.Name)
			panic(nil) // for lint benefit.
		}
		convertedOutputs[tensorProto.Name] = v.ValueGraph(g)
	}

	// Convert all nodes in topological order.
	for ii, node := range m.sortedNodes {
		m.convertNode(g, node, convertedOutputs)
		if klog.V(2).Enabled() {
			// The first output name may be "" (omitted optional output).
			converted := "(no output)"
			for _, outputName := range node.Output {
				if outputName != "" {
					converted = convertedOutputs[outputName].Shape().String()
					break
				}
			}
			klog.Infof("onnx: converted node %d/%d %s -> %s",
				ii+1, len(m.sortedNodes), nodeToString(node), converted)
		}
	}

	// Pick the outputs and check them against the declared output shapes.
	outputs = make([]*Node, len(m.OutputsNames))
	for outputIdx, outputName := range m.OutputsNames {
		outputN, found := convertedOutputs[outputName]
		if !found {
			panic(&UndefinedValueError{Value: outputName, NodeName: "(graph output)"})
		}
		m.checkOutputShape(outputIdx, outputN.Shape())
		outputs[outputIdx] = outputN
	}
	return outputs
}

// convertNode converts a single ONNX node using the registered converter for
// its operator type, and records the converted output(s) in
// convertedOutputs.
//
// It panics (throws exceptions) in case of errors.
func (m *Model) convertNode(g *Graph, node *protos.NodeProto, convertedOutputs map[string]*Node) {
	if node.Overload != "" {
		exceptions.Panicf("overload %q to in-model function in ONNX model not implemented in node %q", node.Overload, node.Name)
	}
	convertFn, found := opRegistry[node.OpType]
	if !found {
		panic(&UnsupportedOperatorError{
			OpType:    node.OpType,
			NodeName:  nodeIdName(node),
			Supported: SupportedOps(),
		})
	}
	inputs := sliceMap(node.Input, func(n string) *Node { return convertedOutputs[n] })
	results := convertFn(&OpContext{G: g, Node: node, model: m}, inputs)
	if len(results) != len(node.Output) {
		exceptions.Panicf("converter for ONNX %s returned %d outputs, but the node declares %d",
			nodeToString(node), len(results), len(node.Output))
	}
	for ii, outputName := range node.Output {
		if outputName == "" {
			continue
		}
		convertedOutputs[outputName] = results[ii]
		if declared, found := m.valueInfoShapes[outputName]; found {
			checkDeclaredShape(node.OpType, outputName, declared, results[ii].Shape())
		}
	}
}

// checkOutputShape compares a converted graph output against the shape the
// model declares for it.
func (m *Model) checkOutputShape(outputIdx int, got shapes.Shape) {
	checkDeclaredShape("(graph output)", m.OutputsNames[outputIdx], m.OutputsShapes[outputIdx], got)
}

// checkDeclaredShape compares a converted value against the shape the model
// declares for it. Dynamic axes accept anything, fixed axes must match.
func checkDeclaredShape(opType, name string, declared DynamicShape, got shapes.Shape) {
	if got.DType != declared.DType {
		panic(&ShapeMismatchError{
			OpType:   opType,
			NodeName: name,
			Detail:   fmt.Sprintf("declared as %s, but converted graph produces dtype %s", declared, got.DType),
		})
	}
	if got.Rank() != declared.Rank() {
		panic(&ShapeMismatchError{
			OpType:   opType,
			NodeName: name,
			Detail:   fmt.Sprintf("declared as %s, but converted graph produces %s", declared, got),
		})
	}
	for axis, dim := range declared.Dimensions {
		if dim >= 0 && got.Dimensions[axis] != dim {
			panic(&ShapeMismatchError{
				OpType:   opType,
				NodeName: name,
				Detail:   fmt.Sprintf("declared as %s, but converted graph produces %s", declared, got),
			})
		}
	}
}

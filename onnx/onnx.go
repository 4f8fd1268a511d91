// Package onnx translates ONNX models to GoMLX computation graphs.
//
//   - Parse: converts a serialized ONNX ModelProto to a Model.
//   - ReadFile: reads a file and calls Parse. It returns a Model.
//   - Model: holds the parsed ONNX model. Its CallGraph method builds the
//     corresponding GoMLX graph, which can be executed for inference,
//     differentiated or used in a training loop for fine-tuning. It can also
//     be used to populate a context with the variables of the ONNX model.
//   - Converter: a self-contained facade over Model for the common case of
//     converting a whole model file to a GoMLX graph in one call.
//
// The set of supported operators is extensible, see RegisterOp.
package onnx

import (
	"os"

	"github.com/ArgoJ/onnx2gomlx/internal/protos"
	"github.com/ArgoJ/onnx2gomlx/internal/togomlx"
	"github.com/gomlx/gomlx/types"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Model represents a parsed ONNX file.
//
// The exported fields describe the graph's interface: the names and declared
// (possibly dynamic) shapes of its inputs and outputs. They are derived from
// the proto at parse time.
type Model struct {
	Proto *protos.ModelProto

	InputsNames   []string
	InputsShapes  []DynamicShape
	OutputsNames  []string
	OutputsShapes []DynamicShape

	inputsNameSet       types.Set[string]
	nodeOutputToNode    map[string]*protos.NodeProto
	variableNameToValue map[string]*protos.TensorProto

	// valueInfoShapes holds the shapes the model declares for intermediate
	// values (GraphProto.value_info); converted node outputs are checked
	// against them.
	valueInfoShapes map[string]DynamicShape

	// initializerCache holds initializers already converted to GoMLX
	// tensors, they are reused across conversions of the same model.
	initializerCache map[string]*tensors.Tensor

	// sortedNodes is the topological order of the graph nodes, fixed at
	// parse time.
	sortedNodes []*protos.NodeProto

	inputsAsConstants map[string]any
}

// Parse parses an ONNX model into an internal representation that can be used
// to build a GoMLX graph.
//
// It also validates the model's structure: every value consumed by a node
// must be produced somewhere (*UndefinedValueError otherwise) and the node
// graph must be acyclic (*GraphCycleError otherwise).
func Parse(contents []byte) (*Model, error) {
	proto, err := protos.Unmarshal(contents)
	if err != nil {
		return nil, &ImportError{Err: errors.WithMessage(err, "failed to parse ONNX model proto")}
	}
	m := &Model{Proto: proto}
	if err = m.buildIndexes(); err != nil {
		return nil, err
	}
	if err = m.checkValuesDefined(); err != nil {
		return nil, err
	}
	m.sortedNodes, err = m.sortedGraph()
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("onnx: parsed model %q with %d nodes, %d initializers, %d inputs and %d outputs",
		proto.Graph.Name, len(proto.Graph.Node), len(proto.Graph.Initializer),
		len(m.InputsNames), len(m.OutputsNames))
	return m, nil
}

// ReadFile parses an ONNX model file into an internal representation that can
// be used to build a GoMLX graph.
func ReadFile(filePath string) (*Model, error) {
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return nil, &ImportError{Path: filePath, Err: err}
	}
	m, err := Parse(contents)
	if err != nil {
		var importErr *ImportError
		if errors.As(err, &importErr) {
			importErr.Path = filePath
		}
		return nil, err
	}
	return m, nil
}

// buildIndexes extracts the model's interface (inputs and outputs with their
// declared shapes) and indexes nodes and initializers by the value names they
// produce.
func (m *Model) buildIndexes() error {
	g := m.Proto.Graph

	m.InputsNames = make([]string, 0, len(g.Input))
	m.InputsShapes = make([]DynamicShape, 0, len(g.Input))
	m.inputsNameSet = types.MakeSet[string]()
	m.variableNameToValue = make(map[string]*protos.TensorProto, len(g.Initializer))
	for _, tensorProto := range g.Initializer {
		m.variableNameToValue[tensorProto.Name] = tensorProto
	}
	for _, vi := range g.Input {
		if _, isVariable := m.variableNameToValue[vi.Name]; isVariable {
			// An "input" with an initializer default is a variable, not
			// something the caller feeds.
			continue
		}
		dshape, err := dynamicShapeFromValueInfo(vi)
		if err != nil {
			return &ImportError{Err: errors.WithMessagef(err, "while parsing input %q", vi.Name)}
		}
		m.InputsNames = append(m.InputsNames, vi.Name)
		m.InputsShapes = append(m.InputsShapes, dshape)
		m.inputsNameSet.Insert(vi.Name)
	}

	m.OutputsNames = make([]string, len(g.Output))
	m.OutputsShapes = make([]DynamicShape, len(g.Output))
	for outputIdx, vi := range g.Output {
		dshape, err := dynamicShapeFromValueInfo(vi)
		if err != nil {
			return &ImportError{Err: errors.WithMessagef(err, "while parsing output %q", vi.Name)}
		}
		m.OutputsNames[outputIdx] = vi.Name
		m.OutputsShapes[outputIdx] = dshape
	}

	m.valueInfoShapes = make(map[string]DynamicShape, len(g.ValueInfo))
	for _, vi := range g.ValueInfo {
		if vi.Type == nil || vi.Type.TensorType == nil || vi.Type.TensorType.Shape == nil {
			// Declaring intermediate values is optional, and exporters often
			// emit partial entries. Only fully declared shapes are checked.
			continue
		}
		dshape, err := dynamicShapeFromValueInfo(vi)
		if err != nil {
			return &ImportError{Err: errors.WithMessagef(err, "while parsing value_info %q", vi.Name)}
		}
		m.valueInfoShapes[vi.Name] = dshape
	}

	m.nodeOutputToNode = make(map[string]*protos.NodeProto)
	for _, node := range g.Node {
		for _, outputName := range node.Output {
			if outputName == "" {
				continue
			}
			if previous, found := m.nodeOutputToNode[outputName]; found {
				return &ImportError{Err: errors.Errorf("value %q is the output of both %s and %s",
					outputName, nodeToString(previous), nodeToString(node))}
			}
			m.nodeOutputToNode[outputName] = node
		}
	}
	return nil
}

// checkValuesDefined verifies every value consumed by a node is a graph
// input, an initializer or some node's output.
func (m *Model) checkValuesDefined() error {
	for _, node := range m.Proto.Graph.Node {
		for _, inputName := range node.Input {
			if inputName == "" {
				// Optional operand explicitly omitted.
				continue
			}
			if m.inputsNameSet.Has(inputName) {
				continue
			}
			if _, found := m.variableNameToValue[inputName]; found {
				continue
			}
			if _, found := m.nodeOutputToNode[inputName]; found {
				continue
			}
			return &UndefinedValueError{Value: inputName, NodeName: node.Name}
		}
	}
	return nil
}

// initializerTensor returns the given initializer already converted to a
// GoMLX tensor, or nil if the name is not an initializer. Conversions are
// cached.
func (m *Model) initializerTensor(name string) *tensors.Tensor {
	if tensor, found := m.initializerCache[name]; found {
		return tensor
	}
	tensorProto, found := m.variableNameToValue[name]
	if !found {
		return nil
	}
	tensor, err := togomlx.Tensor(tensorProto)
	if err != nil {
		panic(&ImportError{Err: errors.WithMessagef(err, "while converting initializer %q", name)})
	}
	if m.initializerCache == nil {
		m.initializerCache = make(map[string]*tensors.Tensor)
	}
	m.initializerCache[name] = tensor
	return tensor
}

// WithInputsAsConstants marks inputs to be considered as constants, and not
// as graph parameters, when building the graph. Use this for inputs that
// won't change in different inference or training steps, like configuration
// flags fed as tensors.
//
// The values given are converted to tensors (see tensors.FromAnyValue) at
// graph building time.
//
// It returns the model, so calls can be chained.
func (m *Model) WithInputsAsConstants(inputs map[string]any) *Model {
	m.inputsAsConstants = inputs
	return m
}

// NumInputs returns the number of inputs the model graph takes, not counting
// inputs with initializer defaults, which are treated as variables.
func (m *Model) NumInputs() int { return len(m.InputsNames) }

// NumOutputs returns the number of outputs of the model graph.
func (m *Model) NumOutputs() int { return len(m.OutputsNames) }

package onnx

import (
	"fmt"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"k8s.io/klog/v2"
)

// Converter is a facade over Model for the common case: point it at an ONNX
// file, Load it, and Convert it into a GoMLX graph, with the input
// parameters created for you from the shapes the model declares.
//
// Dynamic dimensions ("batch_size" and friends) must be bound to concrete
// sizes with WithDynamicDimension before Convert, since a GoMLX graph is
// compiled for concrete shapes.
//
// A Converter is not safe for concurrent use.
type Converter struct {
	path        string
	model       *Model
	dynamicDims map[string]int
}

// IO describes one input or output of a loaded model: its name and the shape
// the model declares for it.
type IO struct {
	Name  string
	Shape DynamicShape
}

// Result of a conversion: the graph nodes created for the model inputs (in
// the model's input order) and the nodes computing the model outputs.
type Result struct {
	Inputs        []*Node
	Outputs       []*Node
	OutputsByName map[string]*Node
}

// NewConverter creates a Converter for the ONNX model file in path. Nothing
// is read until Load is called.
func NewConverter(path string) *Converter {
	return &Converter{
		path:        path,
		dynamicDims: make(map[string]int),
	}
}

// WithDynamicDimension binds a named dynamic dimension of the model (a
// "dim_param" like "batch_size") to a concrete size, to be used when Convert
// creates the input parameters.
//
// It returns the Converter, so calls can be chained.
func (c *Converter) WithDynamicDimension(name string, size int) *Converter {
	c.dynamicDims[name] = size
	return c
}

// Load reads and parses the model file. Calling it again re-imports the file,
// replacing the previously loaded model.
func (c *Converter) Load() error {
	model, err := ReadFile(c.path)
	if err != nil {
		return err
	}
	c.model = model
	return nil
}

// Model returns the underlying parsed model, or a *NotLoadedError if Load
// hasn't succeeded yet.
func (c *Converter) Model() (*Model, error) {
	if c.model == nil {
		return nil, &NotLoadedError{}
	}
	return c.model, nil
}

// Inputs returns the loaded model's inputs with their declared shapes, or a
// *NotLoadedError if Load hasn't succeeded yet.
func (c *Converter) Inputs() ([]IO, error) {
	if c.model == nil {
		return nil, &NotLoadedError{}
	}
	ios := make([]IO, len(c.model.InputsNames))
	for ii, name := range c.model.InputsNames {
		ios[ii] = IO{Name: name, Shape: c.model.InputsShapes[ii]}
	}
	return ios, nil
}

// Outputs returns the loaded model's outputs with their declared shapes, or
// a *NotLoadedError if Load hasn't succeeded yet.
func (c *Converter) Outputs() ([]IO, error) {
	if c.model == nil {
		return nil, &NotLoadedError{}
	}
	ios := make([]IO, len(c.model.OutputsNames))
	for ii, name := range c.model.OutputsNames {
		ios[ii] = IO{Name: name, Shape: c.model.OutputsShapes[ii]}
	}
	return ios, nil
}

// inputShape resolves one declared input shape to a concrete shapes.Shape,
// using the WithDynamicDimension bindings. An unbound dynamic dimension
// panics with a *ShapeInferenceError.
func (c *Converter) inputShape(name string, dshape DynamicShape) shapes.Shape {
	dims := make([]int, dshape.Rank())
	for axis, dim := range dshape.Dimensions {
		if dim >= 0 {
			dims[axis] = dim
			continue
		}
		dimName := dshape.Names[axis]
		if size, found := c.dynamicDims[dimName]; dimName != "" && found {
			dims[axis] = size
			continue
		}
		panic(&ShapeInferenceError{
			Value: name,
			Detail: fmt.Sprintf("axis %d of declared shape %s is dynamic, bind it with WithDynamicDimension",
				axis, dshape),
		})
	}
	return shapes.Make(dshape.DType, dims...)
}

// Convert builds the model into g: it creates one graph parameter per model
// input, shaped from the model declaration and the WithDynamicDimension
// bindings, walks the ONNX graph converting every node, and returns the
// parameter and output nodes.
//
// If ctx is not nil the model weights are read from it as variables (see
// Model.VariablesToContext), which makes them trainable. With a nil ctx the
// weights are inlined as constants.
//
// Errors are the typed errors of this package. On error, g may hold a
// partially built graph and should be discarded.
func (c *Converter) Convert(ctx *context.Context, g *Graph) (*Result, error) {
	if c.model == nil {
		return nil, &NotLoadedError{}
	}
	var result *Result
	err := exceptions.TryCatch[error](func() {
		inputs := make(map[string]*Node, len(c.model.InputsNames))
		inputNodes := make([]*Node, len(c.model.InputsNames))
		for ii, name := range c.model.InputsNames {
			shape := c.inputShape(name, c.model.InputsShapes[ii])
			inputNodes[ii] = Parameter(g, name, shape)
			inputs[name] = inputNodes[ii]
		}
		result = c.convertWithInputs(ctx, g, inputs, inputNodes)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ConvertWithInputs is like Convert, but instead of creating parameters it
// uses the given nodes (one per model input, keyed by input name) as the
// model inputs. Use it to embed the model inside a larger graph.
func (c *Converter) ConvertWithInputs(ctx *context.Context, g *Graph, inputs map[string]*Node) (*Result, error) {
	if c.model == nil {
		return nil, &NotLoadedError{}
	}
	var result *Result
	err := exceptions.TryCatch[error](func() {
		inputNodes := sliceMap(c.model.InputsNames, func(name string) *Node { return inputs[name] })
		result = c.convertWithInputs(ctx, g, inputs, inputNodes)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Converter) convertWithInputs(ctx *context.Context, g *Graph, inputs map[string]*Node, inputNodes []*Node) *Result {
	outputs := c.model.CallGraph(ctx, g, inputs)
	byName := make(map[string]*Node, len(outputs))
	for ii, name := range c.model.OutputsNames {
		byName[name] = outputs[ii]
	}
	klog.V(1).Infof("onnx: converted model %q: %d inputs, %d outputs, %d nodes",
		c.path, len(inputNodes), len(outputs), len(c.model.sortedNodes))
	return &Result{
		Inputs:        inputNodes,
		Outputs:       outputs,
		OutputsByName: byName,
	}
}

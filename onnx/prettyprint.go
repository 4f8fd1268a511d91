package onnx

import (
	"bytes"
	"fmt"
	"maps"
	"slices"

	"github.com/ArgoJ/onnx2gomlx/internal/protos"
	"github.com/gomlx/gomlx/types"
)

// nodeToString returns a short description of an ONNX node, used in error
// messages.
func nodeToString(node *protos.NodeProto) string {
	return fmt.Sprintf("node %s[%q]", node.OpType, nodeIdName(node))
}

// String implements fmt.Stringer, and pretty prints model information.
func (m *Model) String() string {
	var buf bytes.Buffer
	w := func(format string, args ...any) {
		if len(args) == 0 {
			buf.WriteString(format)
		} else {
			buf.WriteString(fmt.Sprintf(format, args...))
		}
	}
	w("ONNX Model:\n")
	if m.Proto.DocString != "" {
		w("%s\n", m.Proto.DocString)
	}
	if m.Proto.ModelVersion != 0 {
		w("\tVersion:\t%d\n", m.Proto.ModelVersion)
	}
	if m.Proto.ProducerName != "" {
		w("\tProducer:\t%s / %s\n", m.Proto.ProducerName, m.Proto.ProducerVersion)
	}
	w("\tIR Version:\t%d\n", m.Proto.IrVersion)
	w("\tOperator Sets:\t[")
	for ii, opSetId := range m.Proto.OpsetImport {
		if ii > 0 {
			w(", ")
		}
		if opSetId.Domain != "" {
			w("v%d (%s)", opSetId.Version, opSetId.Domain)
		} else {
			w("v%d", opSetId.Version)
		}
	}
	w("]\n")

	w("\t# nodes:\t%d\n", len(m.Proto.Graph.Node))
	opTypesSet := types.MakeSet[string]()
	for _, n := range m.Proto.Graph.Node {
		opTypesSet.Insert(n.OpType)
	}
	w("\tOp types:\t%#v\n", slices.Sorted(maps.Keys(opTypesSet)))

	w("\tInputs:\n")
	for ii, name := range m.InputsNames {
		w("\t\t%s: %s\n", name, m.InputsShapes[ii])
	}
	w("\tOutputs:\n")
	for ii, name := range m.OutputsNames {
		w("\t\t%s: %s\n", name, m.OutputsShapes[ii])
	}
	w("\t# initializers:\t%d\n", len(m.Proto.Graph.Initializer))

	if len(m.Proto.Functions) > 0 {
		fnSet := types.MakeSet[string]()
		for _, f := range m.Proto.Functions {
			fnSet.Insert(f.Name)
		}
		w("\tFunctions:\t%#v\n", slices.Sorted(maps.Keys(fnSet)))
	}

	if len(m.Proto.MetadataProps) > 0 {
		w("\tMetadata: [")
		for ii, prop := range m.Proto.MetadataProps {
			if ii > 0 {
				w(", ")
			}
			w("%s=%s", prop.Key, prop.Value)
		}
		w("]\n")
	}
	return buf.String()
}

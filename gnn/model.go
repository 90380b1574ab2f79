package gnn

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/compute/dtypes"
)

const (
	// GraphVariablesScope is the absolute context scope holding the frozen
	// dataset variables (see UploadAdjacency).
	GraphVariablesScope = "/adni"

	// AdjacencyVariableName is the name of the shared co-expression
	// adjacency matrix variable, shaped [numNodes, numNodes], float32.
	AdjacencyVariableName = "adjacency"
)

// Context scopes of the model components, under the "model" scope. The two
// deeper embedding stacks share the embedSharedScope, and both pooling layers
// share the poolScope -- and with them their weights.
const (
	embedScope       = "embed"
	embedSharedScope = "embed_shared"
	poolScope        = "pool"
	readoutScope     = "readout"
)

// UploadAdjacency stores the shared protein co-expression adjacency matrix
// as a frozen (non-trainable) variable in the context, where
// HierarchicalGraphModel finds it. adjacency must be shaped
// [numNodes, numNodes], float32, symmetric with a zero diagonal.
func UploadAdjacency(ctx *context.Context, adjacency *tensors.Tensor) {
	v := ctx.InAbsPath(GraphVariablesScope).Checked(false).
		VariableWithValue(AdjacencyVariableName, adjacency)
	v.SetTrainable(false)
}

// adjacencyValue retrieves the uploaded adjacency matrix as a graph node.
func adjacencyValue(ctx *context.Context, g *Graph) *Node {
	v := ctx.GetVariableByScopeAndName(GraphVariablesScope, AdjacencyVariableName)
	if v == nil {
		exceptions.Panicf("missing %s/%s variable: call gnn.UploadAdjacency on the context first",
			GraphVariablesScope, AdjacencyVariableName)
	}
	return v.ValueGraph(g)
}

// HierarchicalGraphModel is the train.ModelFn of the AD predictor. It takes
// a mini-batch of patient graphs as a disjoint union:
//
//   - inputs[0]: node features shaped [batchSize*numNodes, featuresDim].
//   - inputs[1]: graph assignment shaped [batchSize*numNodes] -- nodes must
//     be grouped by graph, in order, numNodes per graph.
//
// and returns one logit per graph, shaped [batchSize, 1] (positive means AD).
//
// The architecture is three node embedding stacks interleaved with two
// adaptive pooling layers, a mean readout over the twice-coarsened graphs,
// and a final linear projection. The second and third embedding stacks share
// their weights, as do the two pooling layers.
func HierarchicalGraphModel(ctx *context.Context, spec any, inputs []*Node) []*Node {
	_ = spec
	g := inputs[0].Graph()
	// Scopes are deliberately revisited: the two deeper embedding stacks
	// share weights, and train/eval graphs reuse the same variables.
	ctx = ctx.In("model").Checked(false)

	adjacency := adjacencyValue(ctx, g) // [numNodes, numNodes]
	numNodes := adjacency.Shape().Dim(0)
	assignment := inputs[1]
	batchSize := assignment.Shape().Dim(0) / numNodes
	hiddenDim := context.GetParamOr(ctx, ParamHiddenDim, 256)

	// All graphs share the panel topology, so the disjoint union is packed
	// into dense batched form.
	x := Reshape(inputs[0], batchSize, numNodes, inputs[0].Shape().Dim(-1))
	adj := BroadcastToDims(ExpandAxes(adjacency, 0), batchSize, numNodes, numNodes)

	x = NodeEmbedding(ctx.In(embedScope), x, SymNormalizeAdjacency(adj), hiddenDim, true)
	x, adj = AdaptivePool(ctx.In(poolScope), x, adj)
	x = NodeEmbedding(ctx.In(embedSharedScope), x, SymNormalizeAdjacency(adj), hiddenDim, true)
	x, adj = AdaptivePool(ctx.In(poolScope), x, adj)
	x = NodeEmbedding(ctx.In(embedSharedScope), x, SymNormalizeAdjacency(adj), hiddenDim, true)

	pooled := globalMeanPool(x)
	logits := layers.DenseWithBias(ctx.In(readoutScope), pooled, 1)
	return []*Node{logits}
}

// globalMeanPool averages the node embeddings of each graph. The batch is
// flattened back to its disjoint-union form and segment-summed over the
// coarsened graph assignment.
//
// x is shaped [batchSize, numNodes, featuresDim]; the result is
// [batchSize, featuresDim].
func globalMeanPool(x *Node) *Node {
	g := x.Graph()
	batchSize := x.Shape().Dim(0)
	numNodes := x.Shape().Dim(1)
	featuresDim := x.Shape().Dim(2)

	flat := Reshape(x, batchSize*numNodes, featuresDim)
	assignment := Iota(g, shapes.Make(dtypes.Int32, batchSize*numNodes, 1), 0)
	assignment = Div(assignment, Const(g, int32(numNodes)))
	sum := ScatterSum(Zeros(g, shapes.Make(x.DType(), batchSize, featuresDim)),
		assignment, flat, true, false)
	return MulScalar(sum, 1.0/float64(numNodes))
}

// ResetModelVariables deletes the variables of the embedding stacks and of
// the final readout, so they get freshly initialized on the next execution.
//
// Note: the pooling layers' variables are deliberately left untouched and
// keep their learned values across resets, as in the reference experiment.
func ResetModelVariables(ctx *context.Context) error {
	for _, scope := range []string{embedScope, embedSharedScope, readoutScope} {
		if err := ctx.In("model").In(scope).DeleteVariablesInScope(); err != nil {
			return err
		}
	}
	return nil
}

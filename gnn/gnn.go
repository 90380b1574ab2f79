// Package gnn implements the hierarchical graph neural network used to
// predict AD status from protein co-expression graphs: stacks of graph
// convolutions (see NodeEmbedding) interleaved with learned soft-cluster
// pooling (see AdaptivePool), followed by a mean readout over the coarsened
// graph (see HierarchicalGraphModel).
//
// All layers operate on densely batched graphs: node features shaped
// [batchSize, numNodes, featuresDim] and adjacency matrices shaped
// [batchSize, numNodes, numNodes]. Since every patient graph shares the
// protein panel topology, the dense form wastes no padding.
package gnn

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/compute/dtypes"
)

// Hyperparameters of the node embedding stacks, read from the context
// parameters.
const (
	// ParamNumLayers is the number of graph convolutions per embedding stack.
	ParamNumLayers = "gnn_num_layers"

	// ParamHiddenDim is the width of hidden (and output) node embeddings.
	ParamHiddenDim = "gnn_hidden_dim"

	// ParamDropoutRate is the dropout rate applied between graph convolutions
	// during training.
	ParamDropoutRate = "gnn_dropout_rate"
)

// eye returns the [n, n] identity matrix.
func eye(g *Graph, n int, dtype dtypes.DType) *Node {
	rows := Iota(g, shapes.Make(dtypes.Int32, n, n), 0)
	cols := Iota(g, shapes.Make(dtypes.Int32, n, n), 1)
	return ConvertDType(Equal(rows, cols), dtype)
}

// SymNormalizeAdjacency adds self-edges to the given batch of adjacency
// matrices and symmetrically normalizes them by node degree:
//
//	Â = D^{-1/2} (A+I) D^{-1/2}
//
// adjacency must be shaped [batchSize, numNodes, numNodes]. Entries may be
// weighted (as produced by AdaptivePool) -- degrees are then weighted sums.
func SymNormalizeAdjacency(adjacency *Node) *Node {
	g := adjacency.Graph()
	numNodes := adjacency.Shape().Dim(-1)
	withSelfEdges := Add(adjacency, ExpandAxes(eye(g, numNodes, adjacency.DType()), 0))
	invSqrtDegree := Rsqrt(ReduceSum(withSelfEdges, -1)) // [batchSize, numNodes]
	scaled := Mul(withSelfEdges, ExpandAxes(invSqrtDegree, -1))
	return Mul(scaled, ExpandAxes(invSqrtDegree, 1))
}

// GraphConvolution is one GCN layer: it aggregates each node's neighborhood
// through the normalized adjacency and linearly projects the result to
// outputDim features (with bias).
//
//   - x: node features shaped [batchSize, numNodes, featuresDim].
//   - normAdjacency: output of SymNormalizeAdjacency, shaped
//     [batchSize, numNodes, numNodes].
//
// It returns features shaped [batchSize, numNodes, outputDim].
func GraphConvolution(ctx *context.Context, x, normAdjacency *Node, outputDim int) *Node {
	aggregated := Einsum("bij,bjf->bif", normAdjacency, x)
	return layers.DenseWithBias(ctx, aggregated, outputDim)
}

// NodeEmbedding applies a stack of ParamNumLayers graph convolutions, with
// batch normalization, ReLU and dropout between consecutive layers (none
// after the last one).
//
// If returnEmbeddings is true the raw last-layer features are returned;
// otherwise a log-softmax over the feature axis is applied, for direct node
// classification use.
//
// Calling it twice with the same context scope shares all weights between
// the calls (used by HierarchicalGraphModel for the deeper levels).
func NodeEmbedding(ctx *context.Context, x, normAdjacency *Node, outputDim int, returnEmbeddings bool) *Node {
	numLayers := context.GetParamOr(ctx, ParamNumLayers, 5)
	hiddenDim := context.GetParamOr(ctx, ParamHiddenDim, 256)
	dropoutRate := context.GetParamOr(ctx, ParamDropoutRate, 0.5)

	for layerIdx := range numLayers {
		layerCtx := ctx.Inf("conv_%d", layerIdx)
		lastLayer := layerIdx == numLayers-1
		dim := hiddenDim
		if lastLayer {
			dim = outputDim
		}
		x = GraphConvolution(layerCtx, x, normAdjacency, dim)
		if !lastLayer {
			x = batchnorm.New(layerCtx.In("batchnorm"), x, -1).Done()
			x = activations.Relu(x)
			x = layers.DropoutStatic(layerCtx, x, dropoutRate)
		}
	}
	if !returnEmbeddings {
		x = LogSoftmax(x, -1)
	}
	return x
}

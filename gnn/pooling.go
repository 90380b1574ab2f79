package gnn

import (
	"math"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// Hyperparameters of the adaptive pooling layers, read from the context
// parameters.
const (
	// ParamPoolRatio is the fraction of nodes kept by each pooling layer:
	// pooling n nodes keeps ceil(ratio*n) clusters.
	ParamPoolRatio = "pool_ratio"

	// ParamPoolDropout is the dropout rate applied to the soft-cluster
	// attention weights during training.
	ParamPoolDropout = "pool_dropout"

	// ParamPoolNegativeSlope is the LeakyReLU slope of the attention scores.
	ParamPoolNegativeSlope = "pool_negative_slope"

	// ParamPoolSelfLoops selects whether the coarsened adjacency gets unit
	// self-edges (true) or a zeroed diagonal (false).
	ParamPoolSelfLoops = "pool_self_loops"
)

// PooledNumNodes returns how many clusters pooling numNodes nodes keeps.
func PooledNumNodes(numNodes int, ratio float64) int {
	return int(math.Ceil(ratio * float64(numNodes)))
}

// AdaptivePool coarsens a batch of graphs by clustering each node's local
// neighborhood and keeping only the fittest clusters:
//
//  1. Each node i defines a candidate cluster over its neighborhood N(i)∪{i}.
//  2. A master query per cluster is the masked feature-wise max over the
//     neighborhood, passed through a linear layer.
//  3. Additive attention between the query and each member, with LeakyReLU
//     and a masked softmax over the neighborhood, gives soft memberships.
//  4. Cluster representations are the membership-weighted sums of member
//     features.
//  5. A local graph convolution (leConv) scores each cluster's fitness,
//     squashed by a sigmoid.
//  6. The top ceil(ratio*n) clusters per graph survive; their representations
//     are scaled by their fitness, and the self-looped adjacency is coarsened
//     through the soft memberships: A' = S Â Sᵀ.
//
// Inputs are node features shaped [batchSize, numNodes, featuresDim] and
// adjacency matrices shaped [batchSize, numNodes, numNodes] with non-negative
// entries. It returns the pooled features [batchSize, k, featuresDim] and the
// coarsened adjacency [batchSize, k, k], k=ceil(ratio*numNodes).
func AdaptivePool(ctx *context.Context, x, adjacency *Node) (pooledX, pooledAdjacency *Node) {
	g := x.Graph()
	batchSize := x.Shape().Dim(0)
	numNodes := x.Shape().Dim(1)
	featuresDim := x.Shape().Dim(2)
	ratio := context.GetParamOr(ctx, ParamPoolRatio, 0.5)
	dropoutRate := context.GetParamOr(ctx, ParamPoolDropout, 0.1)
	negativeSlope := context.GetParamOr(ctx, ParamPoolNegativeSlope, 0.2)
	selfLoops := context.GetParamOr(ctx, ParamPoolSelfLoops, false)

	// [batchSize, cluster, member]: true where member belongs to the
	// cluster's neighborhood (self included).
	withSelfEdges := Add(adjacency, ExpandAxes(eye(g, numNodes, x.DType()), 0))
	neighborMask := GreaterThan(withSelfEdges, ZerosLike(withSelfEdges))

	// Master query of each candidate cluster.
	memberFeatures := BroadcastToDims(ExpandAxes(x, 1), batchSize, numNodes, numNodes, featuresDim)
	memberMask := BroadcastToDims(ExpandAxes(neighborMask, -1), batchSize, numNodes, numNodes, featuresDim)
	query := MaskedReduceMax(memberFeatures, memberMask, 2)
	query = layers.DenseWithBias(ctx.In("query"), query, featuresDim)

	// Additive attention: score(i, j) = a₁ᵀquery_i + a₂ᵀx_j.
	queryScore := layers.DenseWithBias(ctx.In("attention_query"), query, 1) // [batchSize, numNodes, 1]
	memberScore := layers.Dense(ctx.In("attention_member"), x, false, 1)
	scores := Add(queryScore, Reshape(memberScore, batchSize, 1, numNodes))
	scores = activations.LeakyReluWith(scores, negativeSlope)
	memberships := MaskedSoftmax(scores, neighborMask, -1)
	memberships = layers.DropoutStatic(ctx.In("attention"), memberships, dropoutRate)

	// Soft-cluster representations and their fitness, scored over the
	// self-looped graph.
	clusters := Einsum("bij,bjf->bif", memberships, x)
	fitness := Sigmoid(leConv(ctx.In("fitness"), clusters, withSelfEdges, 1))
	fitness = Squeeze(fitness, -1) // [batchSize, numNodes]

	// Keep the fittest clusters of each graph.
	k := PooledNumNodes(numNodes, ratio)
	topFitness, perm := TopK(fitness, k, -1)
	selection := OneHot(perm, numNodes, x.DType()) // [batchSize, k, numNodes]

	pooledX = Einsum("bkn,bnf->bkf", selection, clusters)
	pooledX = Mul(pooledX, ExpandAxes(topFitness, -1))

	// Coarsen the adjacency through the surviving clusters' memberships.
	selected := Einsum("bkn,bnj->bkj", selection, memberships)
	pooledAdjacency = Einsum("bkj,bjm->bkm", selected, withSelfEdges)
	pooledAdjacency = Einsum("bkm,blm->bkl", pooledAdjacency, selected)
	pooledEye := ExpandAxes(eye(g, k, x.DType()), 0)
	pooledAdjacency = Mul(pooledAdjacency, OneMinus(pooledEye))
	if selfLoops {
		pooledAdjacency = Add(pooledAdjacency, pooledEye)
	}
	return
}

// leConv scores nodes with a locally-expressive graph convolution:
//
//	out_i = W₃·x_i + Σ_j A_ij (W₁·x_i − W₂·x_j)
//
// which, unlike a plain GCN layer, can express differences between a node and
// its neighborhood.
func leConv(ctx *context.Context, x, adjacency *Node, outputDim int) *Node {
	self := layers.DenseWithBias(ctx.In("w1"), x, outputDim)
	neighbors := layers.Dense(ctx.In("w2"), x, false, outputDim)
	root := layers.DenseWithBias(ctx.In("w3"), x, outputDim)
	degree := ReduceSum(adjacency, -1) // [batchSize, numNodes]
	aggregated := Sub(Mul(self, ExpandAxes(degree, -1)), Einsum("bij,bjf->bif", adjacency, neighbors))
	return Add(root, aggregated)
}

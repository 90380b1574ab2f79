package gnn

import (
	"math"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/stretchr/testify/require"
)

func TestSymNormalizeAdjacency(t *testing.T) {
	// Path graph 0-1-2: with self-edges the degrees are 2, 3, 2.
	invSqrt6 := float32(1.0 / math.Sqrt(6))
	graphtest.RunTestGraphFn(
		t, "SymNormalizeAdjacency()",
		func(g *Graph) (inputs, outputs []*Node) {
			adjacency := Const(g, [][][]float32{{
				{0, 1, 0},
				{1, 0, 1},
				{0, 1, 0},
			}})
			inputs = []*Node{adjacency}
			outputs = []*Node{SymNormalizeAdjacency(adjacency)}
			return
		}, []any{
			[][][]float32{{
				{0.5, invSqrt6, 0},
				{invSqrt6, 1.0 / 3.0, invSqrt6},
				{0, invSqrt6, 0.5},
			}},
		}, xslices.Epsilon)
}

// ringAdjacency returns a batch of identical ring graphs over numNodes nodes.
func ringAdjacency(batchSize, numNodes int) *tensors.Tensor {
	flat := make([]float32, batchSize*numNodes*numNodes)
	for b := 0; b < batchSize; b++ {
		for i := 0; i < numNodes; i++ {
			j := (i + 1) % numNodes
			flat[(b*numNodes+i)*numNodes+j] = 1
			flat[(b*numNodes+j)*numNodes+i] = 1
		}
	}
	return tensors.FromFlatDataAndDimensions(flat, batchSize, numNodes, numNodes)
}

// rampFeatures returns deterministic node features of the given dimensions.
func rampFeatures(dimensions ...int) *tensors.Tensor {
	size := 1
	for _, dim := range dimensions {
		size *= dim
	}
	flat := make([]float32, size)
	for ii := range flat {
		flat[ii] = float32(ii%7) * 0.25
	}
	return tensors.FromFlatDataAndDimensions(flat, dimensions...)
}

func TestNodeEmbedding(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.SetParams(map[string]any{
		ParamNumLayers:   3,
		ParamHiddenDim:   8,
		ParamDropoutRate: 0.0,
	})

	exec := context.MustNewExec(backend, ctx.Checked(false),
		func(ctx *context.Context, x, adjacency *Node) (embeddings, logProbs *Node) {
			normAdjacency := SymNormalizeAdjacency(adjacency)
			embeddings = NodeEmbedding(ctx.In("embed"), x, normAdjacency, 4, true)
			logProbs = NodeEmbedding(ctx.In("classify"), x, normAdjacency, 4, false)
			return
		})
	embeddings, logProbs := exec.MustExec2(rampFeatures(2, 5, 3), ringAdjacency(2, 5))
	require.Equal(t, []int{2, 5, 4}, embeddings.Shape().Dimensions)
	require.Equal(t, []int{2, 5, 4}, logProbs.Shape().Dimensions)

	// Classification mode returns log-probabilities: per node they must
	// exponentiate to a distribution.
	tensors.MustConstFlatData[float32](logProbs, func(flat []float32) {
		for node := 0; node < 2*5; node++ {
			var sum float64
			for _, v := range flat[node*4 : (node+1)*4] {
				sum += math.Exp(float64(v))
			}
			require.InDelta(t, 1.0, sum, 1e-4)
		}
	})
}

func TestNodeEmbeddingWeightSharing(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.SetParams(map[string]any{
		ParamNumLayers:   2,
		ParamHiddenDim:   8,
		ParamDropoutRate: 0.0,
	})

	// Two calls on the same scope must produce identical outputs; a call on
	// a fresh scope gets its own (differently initialized) weights.
	exec := context.MustNewExec(backend, ctx.Checked(false),
		func(ctx *context.Context, x, adjacency *Node) (sharedDiff, freshDiff *Node) {
			normAdjacency := SymNormalizeAdjacency(adjacency)
			first := NodeEmbedding(ctx.In("shared"), x, normAdjacency, 4, true)
			second := NodeEmbedding(ctx.In("shared"), x, normAdjacency, 4, true)
			fresh := NodeEmbedding(ctx.In("fresh"), x, normAdjacency, 4, true)
			sharedDiff = ReduceAllMax(Abs(Sub(first, second)))
			freshDiff = ReduceAllMax(Abs(Sub(first, fresh)))
			return
		})
	sharedDiff, freshDiff := exec.MustExec2(rampFeatures(2, 5, 3), ringAdjacency(2, 5))
	require.Equal(t, float32(0), tensors.ToScalar[float32](sharedDiff))
	require.Greater(t, tensors.ToScalar[float32](freshDiff), float32(0))
}

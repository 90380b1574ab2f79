package adnignn

import (
	"io"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syntheticRaw builds a deterministic RawData with the given number of
// patients: a ring co-expression topology and ramp expression levels.
func syntheticRaw(numPatients int) *RawData {
	raw := &RawData{
		NumPatients: numPatients,
		Adjacency:   make([]float32, NumProteins*NumProteins),
		Expression:  make([]float32, numPatients*NumProteins),
		Labels:      make([]float32, numPatients),
		LabelMask:   make([]bool, numPatients),
	}
	for i := 0; i < NumProteins; i++ {
		j := (i + 1) % NumProteins
		raw.Adjacency[i*NumProteins+j] = 1
		raw.Adjacency[j*NumProteins+i] = 1
	}
	for ii := range raw.Expression {
		raw.Expression[ii] = float32(ii%13) * 0.1
	}
	for patientIdx := range raw.Labels {
		raw.Labels[patientIdx] = float32(patientIdx % 2)
		raw.LabelMask[patientIdx] = patientIdx%5 != 3
	}
	return raw
}

func TestBuildSamples(t *testing.T) {
	raw := syntheticRaw(7)
	config := SampleConfig{PosEncodingDim: 3, PosEncodingSeed: 42}
	samples := BuildSamples(raw, config)
	require.Equal(t, 7, samples.NumSamples)
	require.Equal(t, 4, samples.NumNodeFeatures)
	require.Len(t, samples.Features, 7*NumProteins*4)

	// Expression level is the first feature of each node.
	for patientIdx := 0; patientIdx < samples.NumSamples; patientIdx++ {
		for nodeIdx := 0; nodeIdx < NumProteins; nodeIdx++ {
			assert.Equal(t, raw.ExpressionRow(patientIdx)[nodeIdx],
				samples.FeatureRow(patientIdx, nodeIdx)[0])
		}
	}

	// Positional encodings are per-protein and shared across patients.
	for nodeIdx := 0; nodeIdx < NumProteins; nodeIdx++ {
		want := samples.FeatureRow(0, nodeIdx)[1:]
		for patientIdx := 1; patientIdx < samples.NumSamples; patientIdx++ {
			assert.Equal(t, want, samples.FeatureRow(patientIdx, nodeIdx)[1:])
		}
	}

	// Different proteins get different encodings, and the same seed rebuilds
	// the same encodings.
	assert.NotEqual(t, samples.FeatureRow(0, 0)[1:], samples.FeatureRow(0, 1)[1:])
	again := BuildSamples(raw, config)
	assert.Equal(t, samples.Features, again.Features)
}

func TestSplits(t *testing.T) {
	raw := syntheticRaw(565)
	samples := BuildSamples(raw, DefaultSampleConfig())
	trainSamples, validSamples, testSamples := samples.Splits()
	assert.Equal(t, TrainRange[1]-TrainRange[0], trainSamples.NumSamples)
	assert.Equal(t, ValidRange[1]-ValidRange[0], validSamples.NumSamples)
	assert.Equal(t, TestRange[1]-TestRange[0], testSamples.NumSamples)

	// Slices share storage with the parent, offset by the range start.
	assert.Equal(t, samples.FeatureRow(ValidRange[0], 0), validSamples.FeatureRow(0, 0))
	assert.Equal(t, samples.Labels[TestRange[0]], testSamples.Labels[0])
}

func TestDatasetYield(t *testing.T) {
	raw := syntheticRaw(5)
	samples := BuildSamples(raw, DefaultSampleConfig())
	ds := NewDataset("synthetic", samples, 2)
	require.Equal(t, 3, ds.NumBatches())

	wantBatchSizes := []int{2, 2, 1}
	for epoch := 0; epoch < 2; epoch++ {
		patientIdx := 0
		for _, wantBatchSize := range wantBatchSizes {
			_, inputs, labels, err := ds.Yield()
			require.NoError(t, err)
			require.Len(t, inputs, 2)
			require.Len(t, labels, 2)
			numNodes := wantBatchSize * NumProteins
			require.Equal(t, []int{numNodes, samples.NumNodeFeatures}, inputs[0].Shape().Dimensions)
			require.Equal(t, []int{numNodes}, inputs[1].Shape().Dimensions)
			require.Equal(t, []int{wantBatchSize, 1}, labels[0].Shape().Dimensions)
			require.Equal(t, []int{wantBatchSize, 1}, labels[1].Shape().Dimensions)

			tensors.MustConstFlatData(inputs[1], func(assignment []int32) {
				for node, graphIdx := range assignment {
					assert.Equal(t, int32(node/NumProteins), graphIdx)
				}
			})
			tensors.MustConstFlatData(labels[0], func(batchLabels []float32) {
				for ii, label := range batchLabels {
					assert.Equal(t, samples.Labels[patientIdx+ii], label)
				}
			})
			tensors.MustConstFlatData(labels[1], func(batchMask []bool) {
				for ii, known := range batchMask {
					assert.Equal(t, samples.LabelMask[patientIdx+ii], known)
				}
			})
			patientIdx += wantBatchSize
		}
		_, _, _, err := ds.Yield()
		require.ErrorIs(t, err, io.EOF)
		ds.Reset()
	}
}

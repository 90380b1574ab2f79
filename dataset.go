package adnignn

import (
	"fmt"
	"io"
	"math/rand"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
)

// SampleConfig configures how patient graphs are built from the raw data.
type SampleConfig struct {
	// PosEncodingDim is the width of the fixed random positional encoding
	// concatenated to each node's expression level. The final node feature
	// width is 1+PosEncodingDim.
	PosEncodingDim int

	// PosEncodingSeed seeds the generator of the positional encodings, so
	// that they are reproducible and shared across all patients.
	PosEncodingSeed int64
}

// DefaultSampleConfig returns the configuration used by the reference experiment.
func DefaultSampleConfig() SampleConfig {
	return SampleConfig{PosEncodingDim: 3, PosEncodingSeed: 42}
}

// Patient index ranges of the train/validation/test splits, as [start, end)
// pairs over the patient rows in encounter order.
var (
	TrainRange = [2]int{0, 149}
	ValidRange = [2]int{150, 299}
	TestRange  = [2]int{300, 449}
)

// Samples holds the node features and labels of a contiguous range of patient
// graphs, ready to be batched. All graphs share the same protein panel, so
// each has exactly NumProteins nodes.
type Samples struct {
	NumSamples int

	// NumNodeFeatures is 1 (expression level) + SampleConfig.PosEncodingDim.
	NumNodeFeatures int

	// Features is shaped [NumSamples, NumProteins, NumNodeFeatures] (row-major).
	Features []float32

	// Labels is shaped [NumSamples]: 1 for AD, 0 otherwise.
	Labels []float32

	// LabelMask is shaped [NumSamples]: true where the diagnosis is known.
	LabelMask []bool
}

// BuildSamples converts the raw per-patient expression rows into graph node
// features: each protein node gets its expression level concatenated with a
// fixed random positional encoding identifying the protein. The encoding is
// the same across patients, so the model can tell nodes apart even though
// every graph shares the one co-expression topology.
func BuildSamples(raw *RawData, config SampleConfig) *Samples {
	numFeatures := 1 + config.PosEncodingDim
	s := &Samples{
		NumSamples:      raw.NumPatients,
		NumNodeFeatures: numFeatures,
		Features:        make([]float32, raw.NumPatients*NumProteins*numFeatures),
		Labels:          make([]float32, raw.NumPatients),
		LabelMask:       make([]bool, raw.NumPatients),
	}
	copy(s.Labels, raw.Labels)
	copy(s.LabelMask, raw.LabelMask)

	// One shared encoding per protein.
	rng := rand.New(rand.NewSource(config.PosEncodingSeed))
	posEncoding := make([]float32, NumProteins*config.PosEncodingDim)
	for ii := range posEncoding {
		posEncoding[ii] = float32(rng.NormFloat64())
	}

	for patientIdx := 0; patientIdx < raw.NumPatients; patientIdx++ {
		expression := raw.ExpressionRow(patientIdx)
		for nodeIdx := 0; nodeIdx < NumProteins; nodeIdx++ {
			feature := s.FeatureRow(patientIdx, nodeIdx)
			feature[0] = expression[nodeIdx]
			copy(feature[1:], posEncoding[nodeIdx*config.PosEncodingDim:(nodeIdx+1)*config.PosEncodingDim])
		}
	}
	return s
}

// FeatureRow returns the feature vector of one node of one patient graph.
func (s *Samples) FeatureRow(sampleIdx, nodeIdx int) []float32 {
	start := (sampleIdx*NumProteins + nodeIdx) * s.NumNodeFeatures
	return s.Features[start : start+s.NumNodeFeatures]
}

// Slice returns the samples of patients [from, to). It shares the underlying
// storage with s.
func (s *Samples) Slice(from, to int) *Samples {
	if from < 0 || to > s.NumSamples || from > to {
		panic(errors.Errorf("invalid sample slice [%d, %d) of %d samples", from, to, s.NumSamples))
	}
	return &Samples{
		NumSamples:      to - from,
		NumNodeFeatures: s.NumNodeFeatures,
		Features:        s.Features[from*NumProteins*s.NumNodeFeatures : to*NumProteins*s.NumNodeFeatures],
		Labels:          s.Labels[from:to],
		LabelMask:       s.LabelMask[from:to],
	}
}

// Splits returns the train, validation and test subsets, per the fixed
// patient ranges of the reference experiment.
func (s *Samples) Splits() (train, valid, test *Samples) {
	return s.Slice(TrainRange[0], TrainRange[1]),
		s.Slice(ValidRange[0], ValidRange[1]),
		s.Slice(TestRange[0], TestRange[1])
}

// Dataset yields mini-batches of patient graphs as disjoint unions, implementing
// train.Dataset. For a batch of B graphs it yields:
//
//   - inputs[0]: node features shaped [B*NumProteins, NumNodeFeatures], float32.
//   - inputs[1]: graph assignment shaped [B*NumProteins], int32 -- the index
//     (0..B-1) of the graph each node belongs to, non-decreasing.
//   - labels[0]: per-graph labels shaped [B, 1], float32.
//   - labels[1]: label mask shaped [B, 1], bool -- false where the diagnosis
//     is unknown, and those graphs must not contribute to the loss.
//
// Batches are yielded in patient encounter order, without shuffling, and the
// final batch of an epoch may be smaller than the configured batch size.
type Dataset struct {
	name      string
	samples   *Samples
	batchSize int
	next      int
}

// Static check that *Dataset implements train.Dataset.
var _ train.Dataset = (*Dataset)(nil)

// NewDataset creates a Dataset over the given samples.
func NewDataset(name string, samples *Samples, batchSize int) *Dataset {
	if batchSize <= 0 {
		panic(errors.Errorf("batch size must be positive, got %d", batchSize))
	}
	return &Dataset{name: name, samples: samples, batchSize: batchSize}
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// Reset restarts the dataset from the first patient.
func (ds *Dataset) Reset() { ds.next = 0 }

// NumBatches returns how many batches one epoch yields.
func (ds *Dataset) NumBatches() int {
	return (ds.samples.NumSamples + ds.batchSize - 1) / ds.batchSize
}

// Yield implements train.Dataset, returning the next mini-batch or io.EOF at
// the end of the epoch.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	if ds.next >= ds.samples.NumSamples {
		return nil, nil, nil, io.EOF
	}
	from := ds.next
	to := min(from+ds.batchSize, ds.samples.NumSamples)
	ds.next = to
	batch := ds.samples.Slice(from, to)
	numNodes := batch.NumSamples * NumProteins

	assignment := make([]int32, numNodes)
	for node := range assignment {
		assignment[node] = int32(node / NumProteins)
	}
	mask := make([]bool, batch.NumSamples)
	copy(mask, batch.LabelMask)

	inputs = []*tensors.Tensor{
		tensors.FromFlatDataAndDimensions(batch.Features, numNodes, batch.NumNodeFeatures),
		tensors.FromFlatDataAndDimensions(assignment, numNodes),
	}
	labels = []*tensors.Tensor{
		tensors.FromFlatDataAndDimensions(batch.Labels, batch.NumSamples, 1),
		tensors.FromFlatDataAndDimensions(mask, batch.NumSamples, 1),
	}
	return ds, inputs, labels, nil
}

var sampleStyle = lipgloss.NewStyle().
	Border(lipgloss.NormalBorder()).
	Padding(0, 2, 0, 2)

// PrintSample prints the first n patient graphs of the samples, for eyeballing
// the data.
func PrintSample(samples *Samples, n int) {
	n = min(n, samples.NumSamples)
	var parts []string
	for sampleIdx := 0; sampleIdx < n; sampleIdx++ {
		var sb strings.Builder
		label := "?"
		if samples.LabelMask[sampleIdx] {
			label = fmt.Sprintf("%.0f", samples.Labels[sampleIdx])
		}
		_, _ = fmt.Fprintf(&sb, "Patient #%d (label=%s):\n", sampleIdx, label)
		for nodeIdx := 0; nodeIdx < 3; nodeIdx++ {
			_, _ = fmt.Fprintf(&sb, "\tprotein %d: %v\n", nodeIdx, samples.FeatureRow(sampleIdx, nodeIdx))
		}
		_, _ = fmt.Fprintf(&sb, "\t... (%d proteins total)", NumProteins)
		parts = append(parts, sampleStyle.Render(sb.String()))
	}
	fmt.Println(lipgloss.JoinVertical(lipgloss.Left, parts...))
}

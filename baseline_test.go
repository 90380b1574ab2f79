package adnignn

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// olsRaw builds a RawData with random full-rank expression levels and the
// given labels. If encodeSignal is set, the protein-0 expression encodes the
// label exactly as label+0.5, so the least-squares fit recovers the
// coefficients (1, 0, ..., 0, -0.5) exactly.
func olsRaw(numPatients int, encodeSignal bool, labelFn func(patientIdx int) (label float32, known bool)) *RawData {
	raw := syntheticRaw(numPatients)
	rng := rand.New(rand.NewSource(17))
	for ii := range raw.Expression {
		raw.Expression[ii] = float32(rng.Float64())
	}
	for patientIdx := 0; patientIdx < numPatients; patientIdx++ {
		label, known := labelFn(patientIdx)
		raw.Labels[patientIdx] = label
		raw.LabelMask[patientIdx] = known
		if encodeSignal {
			raw.ExpressionRow(patientIdx)[0] = label + 0.5
		}
	}
	return raw
}

func TestOLSBaselineExactFit(t *testing.T) {
	raw := olsRaw(565, true, func(patientIdx int) (float32, bool) {
		return float32(patientIdx % 2), patientIdx%7 != 3
	})
	results, err := OLSBaseline(raw)
	require.NoError(t, err)
	require.Len(t, results.Coefficients, NumProteins+1)

	// label = 1*expression[0] - 0.5 holds exactly, so least squares recovers it.
	assert.InDelta(t, 1.0, results.Coefficients[0], 1e-4)
	assert.InDelta(t, -0.5, results.Coefficients[NumProteins], 1e-4)
	for _, coefficient := range results.Coefficients[1:NumProteins] {
		assert.InDelta(t, 0.0, coefficient, 1e-4)
	}

	// The outputs equal the labels, so the cross-entropy of the outputs as
	// logits is log(1+e^-1) per positive and log(2) per negative.
	var numPositive, numLabeled int
	for patientIdx := TrainRange[0]; patientIdx < TrainRange[1]; patientIdx++ {
		if !raw.LabelMask[patientIdx] {
			continue
		}
		numLabeled++
		if raw.Labels[patientIdx] != 0 {
			numPositive++
		}
	}
	wantLoss := (float64(numPositive)*math.Log1p(math.Exp(-1)) +
		float64(numLabeled-numPositive)*math.Ln2) / float64(numLabeled)
	assert.InDelta(t, wantLoss, results.TrainLoss, 1e-6)
}

func TestOLSBaselineTestAccuracy(t *testing.T) {
	// Every training label is 1 and no expression carries a signal, so the
	// fit is the intercept alone: the model outputs 1 for every patient and
	// predicts AD across the board. The test split is only 30% AD, so the
	// test accuracy must reflect the test split's own labels.
	raw := olsRaw(565, false, func(patientIdx int) (float32, bool) {
		if patientIdx < TestRange[0] {
			return 1, true
		}
		var label float32
		if patientIdx%10 < 3 {
			label = 1
		}
		return label, patientIdx%11 != 5
	})
	results, err := OLSBaseline(raw)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, results.TrainAccuracy, 1e-9)

	var numPositive, numLabeled float64
	for patientIdx := TestRange[0]; patientIdx < TestRange[1]; patientIdx++ {
		if !raw.LabelMask[patientIdx] {
			continue
		}
		numLabeled++
		numPositive += float64(raw.Labels[patientIdx])
	}
	assert.InDelta(t, numPositive/numLabeled, results.TestAccuracy, 1e-9)
}

func TestOLSBaselineInsufficientData(t *testing.T) {
	// Fewer labeled training patients than model coefficients.
	raw := olsRaw(565, true, func(patientIdx int) (float32, bool) {
		return float32(patientIdx % 2), patientIdx < 10 || patientIdx >= TestRange[0]
	})
	_, err := OLSBaseline(raw)
	require.ErrorContains(t, err, "cannot fit OLS baseline")
}

func TestThresholdAccuracy(t *testing.T) {
	outputs := []float64{-1, 0.5, 0, 2}
	labels := []float64{0, 1, 1, 1}
	// Output 0 is not above the threshold, so patient #2 is predicted healthy.
	assert.InDelta(t, 0.75, thresholdAccuracy(outputs, labels), 1e-9)
}

func TestBinaryCrossentropyLogits(t *testing.T) {
	assert.InDelta(t, math.Ln2, binaryCrossentropyLogits([]float64{0, 0}, []float64{0, 1}), 1e-9)
	assert.InDelta(t, math.Log1p(math.Exp(-3)), binaryCrossentropyLogits([]float64{3}, []float64{1}), 1e-9)
	// Symmetric: loss(z, 1) == loss(-z, 0).
	assert.InDelta(t,
		binaryCrossentropyLogits([]float64{1.7}, []float64{1}),
		binaryCrossentropyLogits([]float64{-1.7}, []float64{0}), 1e-9)
}

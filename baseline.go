package adnignn

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// BaselineResults holds the fit and accuracies of the ordinary-least-squares
// baseline.
type BaselineResults struct {
	// Coefficients of the fitted linear model: NumProteins expression
	// weights followed by the intercept.
	Coefficients []float64

	// TrainLoss is the binary cross-entropy of the training outputs, treated
	// as logits -- comparable to the GNN's training loss.
	TrainLoss float64

	// Accuracy of thresholding the linear output at zero, per split.
	TrainAccuracy, TestAccuracy float64
}

// OLSBaseline fits an ordinary-least-squares linear model from the flat
// expression vectors (plus an intercept) to the binary diagnosis over the
// training split, and reports its accuracy on the training and test splits.
// A patient is predicted AD when the linear output is positive. Patients with
// an unknown diagnosis are excluded.
func OLSBaseline(raw *RawData) (*BaselineResults, error) {
	xTrain, yTrain := designMatrix(raw, TrainRange)
	xTest, yTest := designMatrix(raw, TestRange)
	if xTrain == nil || xTest == nil {
		return nil, errors.New("cannot fit OLS baseline: a split has no patients with a known diagnosis")
	}
	numTrain, numFeatures := xTrain.Dims()
	if numTrain <= numFeatures {
		return nil, errors.Errorf("cannot fit OLS baseline: %d labeled training patients for %d features", numTrain, numFeatures)
	}

	// Least-squares solution (via QR, since the system is overdetermined).
	var coefficients mat.Dense
	if err := coefficients.Solve(xTrain, mat.NewDense(numTrain, 1, yTrain)); err != nil {
		return nil, errors.Wrap(err, "failed to solve the OLS system")
	}

	results := &BaselineResults{Coefficients: mat.Col(nil, 0, &coefficients)}
	trainOut := linearOutputs(xTrain, results.Coefficients)
	testOut := linearOutputs(xTest, results.Coefficients)
	results.TrainLoss = binaryCrossentropyLogits(trainOut, yTrain)
	results.TrainAccuracy = thresholdAccuracy(trainOut, yTrain)
	results.TestAccuracy = thresholdAccuracy(testOut, yTest)
	return results, nil
}

// designMatrix builds the bias-augmented expression matrix and label vector
// of the patients in the given range with a known diagnosis. It returns a nil
// matrix if none has one.
func designMatrix(raw *RawData, patientRange [2]int) (*mat.Dense, []float64) {
	var rows []float64
	var labels []float64
	for patientIdx := patientRange[0]; patientIdx < patientRange[1]; patientIdx++ {
		if !raw.LabelMask[patientIdx] {
			continue
		}
		for _, v := range raw.ExpressionRow(patientIdx) {
			rows = append(rows, float64(v))
		}
		rows = append(rows, 1) // Intercept.
		labels = append(labels, float64(raw.Labels[patientIdx]))
	}
	if len(labels) == 0 {
		return nil, nil
	}
	return mat.NewDense(len(labels), NumProteins+1, rows), labels
}

func linearOutputs(x *mat.Dense, coefficients []float64) []float64 {
	numRows, _ := x.Dims()
	var out mat.Dense
	out.Mul(x, mat.NewDense(len(coefficients), 1, coefficients))
	outputs := make([]float64, numRows)
	for ii := range outputs {
		outputs[ii] = out.At(ii, 0)
	}
	return outputs
}

// binaryCrossentropyLogits is the numerically stable mean BCE of logits z
// against labels y: max(z,0) - z*y + log(1+exp(-|z|)).
func binaryCrossentropyLogits(logits, labels []float64) float64 {
	var sum float64
	for ii, z := range logits {
		sum += math.Max(z, 0) - z*labels[ii] + math.Log1p(math.Exp(-math.Abs(z)))
	}
	return sum / float64(len(logits))
}

func thresholdAccuracy(outputs, labels []float64) float64 {
	correct := 0
	for ii, out := range outputs {
		predicted := 0.0
		if out > 0 {
			predicted = 1.0
		}
		if predicted == labels[ii] {
			correct++
		}
	}
	return float64(correct) / float64(len(outputs))
}

package adnignn

import (
	"fmt"
	"io"
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/compute/dtypes"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/sdos1/adnignn/gnn"
)

// Hyperparameters of the training loop, read from the context parameters.
const (
	// ParamNumEpochs is how many passes over the training split to run.
	ParamNumEpochs = "num_epochs"

	// ParamBatchSize is the number of patient graphs per mini-batch.
	ParamBatchSize = "batch_size"

	// ParamLossReport selects which loss an epoch reports: LossReportLast or
	// LossReportMean.
	ParamLossReport = "loss_report"

	// ParamPosEncodingDim and ParamPosEncodingSeed configure the node
	// positional encodings (see SampleConfig).
	ParamPosEncodingDim  = "pos_encoding_dim"
	ParamPosEncodingSeed = "pos_encoding_seed"
)

// Values of ParamLossReport.
const (
	// LossReportLast reports the loss of the last batch of the epoch.
	LossReportLast = "last"

	// LossReportMean reports the mean batch loss over the epoch.
	LossReportMean = "mean"
)

// CreateDefaultContext sets the default hyperparameters of the reference
// experiment. They can be overridden with commandline.ParseContextSettings.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	_ = ctx.ResetRNGState()
	ctx.SetParams(map[string]any{
		// Backend selection, e.g. "xla:cpu".
		backends.ConfigEnvVar: "",

		ParamNumEpochs:       50,
		ParamBatchSize:       32,
		ParamLossReport:      LossReportLast,
		ParamPosEncodingDim:  3,
		ParamPosEncodingSeed: 42,

		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: 1e-3,

		gnn.ParamNumLayers:   5,
		gnn.ParamHiddenDim:   256,
		gnn.ParamDropoutRate: 0.5,

		gnn.ParamPoolRatio:         0.5,
		gnn.ParamPoolDropout:       0.1,
		gnn.ParamPoolNegativeSlope: 0.2,
		gnn.ParamPoolSelfLoops:     false,
	})
	return ctx
}

// SampleConfigFromContext reads the sample builder configuration from the
// context parameters.
func SampleConfigFromContext(ctx *context.Context) SampleConfig {
	defaults := DefaultSampleConfig()
	return SampleConfig{
		PosEncodingDim:  context.GetParamOr(ctx, ParamPosEncodingDim, defaults.PosEncodingDim),
		PosEncodingSeed: int64(context.GetParamOr(ctx, ParamPosEncodingSeed, int(defaults.PosEncodingSeed))),
	}
}

// TrainResults summarizes a training run.
type TrainResults struct {
	// BestContext is a snapshot (deep copy) of the model variables at the
	// epoch with the highest validation AUC.
	BestContext *context.Context

	// BestEpoch is the 1-based epoch of the snapshot, and BestValidAUC its
	// validation AUC at snapshot time.
	BestEpoch    int
	BestValidAUC float64

	// Final ROC-AUC of the best model on each split.
	TrainAUC, ValidAUC, TestAUC float64

	// EpochLosses has one reported loss per epoch (see ParamLossReport).
	EpochLosses []float64
}

// TrainModel trains the hierarchical GNN on the raw ADNI data with the
// hyperparameters in ctx, keeping a snapshot of the model at its best
// validation AUC, and finally evaluates that snapshot on all three splits.
//
// If savePredictions is true, the best model's validation and test
// predictions are saved as CSVs under dataDir (see Predictions.Save).
func TrainModel(backend backends.Backend, ctx *context.Context, raw *RawData, dataDir string, savePredictions bool, verbosity int) (*TrainResults, error) {
	samples := BuildSamples(raw, SampleConfigFromContext(ctx))
	trainSamples, validSamples, testSamples := samples.Splits()
	gnn.UploadAdjacency(ctx, tensors.FromFlatDataAndDimensions(raw.Adjacency, NumProteins, NumProteins))

	batchSize := context.GetParamOr(ctx, ParamBatchSize, 32)
	trainDS := NewDataset("train", trainSamples, batchSize)
	trainEvalDS := NewDataset("train-eval", trainSamples, batchSize)
	validDS := NewDataset("valid", validSamples, batchSize)
	testDS := NewDataset("test", testSamples, batchSize)

	lossReport := context.GetParamOr(ctx, ParamLossReport, LossReportLast)
	if lossReport != LossReportLast && lossReport != LossReportMean {
		return nil, errors.Errorf("parameter %q must be %q or %q, got %q",
			ParamLossReport, LossReportLast, LossReportMean, lossReport)
	}

	movingAccuracyMetric := metrics.NewMovingAverageBinaryLogitsAccuracy("Moving Average Accuracy", "~acc", 0.01)
	meanAccuracyMetric := metrics.NewMeanBinaryLogitsAccuracy("Mean Accuracy", "#acc")
	trainer := train.NewTrainer(backend, ctx, gnn.HierarchicalGraphModel,
		maskedBinaryCrossentropyLogits,
		optimizers.FromContext(ctx),
		[]metrics.Interface{movingAccuracyMetric},
		[]metrics.Interface{meanAccuracyMetric})

	numEpochs := context.GetParamOr(ctx, ParamNumEpochs, 50)
	results := &TrainResults{BestValidAUC: math.Inf(-1)}
	var bar *progressbar.ProgressBar
	if verbosity == 1 {
		bar = progressbar.Default(int64(numEpochs), "training")
	}
	for epoch := 1; epoch <= numEpochs; epoch++ {
		epochLoss, err := trainEpoch(trainer, trainDS, lossReport)
		if err != nil {
			return nil, errors.WithMessagef(err, "training failed at epoch %d", epoch)
		}
		results.EpochLosses = append(results.EpochLosses, epochLoss)

		validAUC, _, err := Evaluate(backend, ctx, validDS)
		if err != nil {
			return nil, errors.WithMessagef(err, "validation failed at epoch %d", epoch)
		}
		if validAUC > results.BestValidAUC {
			results.BestValidAUC = validAUC
			results.BestEpoch = epoch
			results.BestContext, err = ctx.Clone()
			if err != nil {
				return nil, errors.WithMessagef(err, "failed to snapshot the model at epoch %d", epoch)
			}
		}
		if bar != nil {
			_ = bar.Add(1)
		}
		if verbosity >= 2 {
			trainAUC, _, err := Evaluate(backend, ctx, trainEvalDS)
			if err != nil {
				return nil, err
			}
			testAUC, _, err := Evaluate(backend, ctx, testDS)
			if err != nil {
				return nil, err
			}
			fmt.Printf("Epoch %02d: loss=%.4f, train AUC=%.2f%%, valid AUC=%.2f%%, test AUC=%.2f%%\n",
				epoch, epochLoss, 100*trainAUC, 100*validAUC, 100*testAUC)
		}
	}
	if bar != nil {
		_ = bar.Close()
	}
	if verbosity >= 2 {
		if err := commandline.ReportEval(trainer, trainEvalDS, validDS, testDS); err != nil {
			return nil, err
		}
	}

	bestCtx := results.BestContext
	if bestCtx == nil {
		bestCtx = ctx
	}
	var err error
	if results.TrainAUC, _, err = Evaluate(backend, bestCtx, trainEvalDS); err != nil {
		return nil, err
	}
	var validPreds, testPreds *Predictions
	if results.ValidAUC, validPreds, err = Evaluate(backend, bestCtx, validDS); err != nil {
		return nil, err
	}
	if results.TestAUC, testPreds, err = Evaluate(backend, bestCtx, testDS); err != nil {
		return nil, err
	}
	if savePredictions {
		if err = validPreds.Save(dataDir, "valid"); err != nil {
			return nil, err
		}
		if err = testPreds.Save(dataDir, "test"); err != nil {
			return nil, err
		}
	}
	if verbosity >= 1 {
		fmt.Printf("Best model (epoch %d): train AUC=%.2f%%, valid AUC=%.2f%%, test AUC=%.2f%%\n",
			results.BestEpoch, 100*results.TrainAUC, 100*results.ValidAUC, 100*results.TestAUC)
	}
	return results, nil
}

// maskedBinaryCrossentropyLogits is the training loss: the binary
// cross-entropy of the logits, averaged over the labeled graphs only.
// labels[1] is the label mask from Dataset.Yield; graphs with an unknown
// diagnosis contribute neither to the sum nor to the denominator.
func maskedBinaryCrossentropyLogits(labels, logits []*Node) *Node {
	perGraph := losses.BinaryCrossentropyLogits(labels, logits)
	if len(labels) < 2 {
		return perGraph
	}
	return MaskedReduceMean(perGraph, labels[1])
}

// trainEpoch runs one pass over the training dataset and returns the epoch's
// reported loss.
//
// Mini-batches with a single graph are skipped: batch normalization
// statistics degenerate on them.
func trainEpoch(trainer *train.Trainer, ds *Dataset, lossReport string) (float64, error) {
	ds.Reset()
	var lastLoss, sumLoss float64
	numSteps := 0
	for {
		spec, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
		if labels[0].Shape().Dim(0) <= 1 {
			continue
		}
		stepMetrics, err := trainer.TrainStep(spec, inputs, labels)
		if err != nil {
			return 0, err
		}
		lastLoss = scalarToFloat64(stepMetrics[0])
		sumLoss += lastLoss
		numSteps++
	}
	if numSteps == 0 {
		return math.NaN(), nil
	}
	if lossReport == LossReportMean {
		return sumLoss / float64(numSteps), nil
	}
	return lastLoss, nil
}

func scalarToFloat64(t *tensors.Tensor) float64 {
	switch t.DType() {
	case dtypes.Float64:
		return tensors.ToScalar[float64](t)
	case dtypes.Float32:
		return float64(tensors.ToScalar[float32](t))
	default:
		exceptions.Panicf("unexpected metric dtype %s", t.DType())
		panic(nil) // Quiet linter.
	}
}

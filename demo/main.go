// Demo for the adnignn library: downloads the ADNI protein co-expression
// data, trains the hierarchical GNN AD predictor and compares it against an
// ordinary-least-squares baseline.
//
// Hyperparameters can be set with --set, e.g.:
//
//	go run . --set="num_epochs=100;gnn_hidden_dim=128"
package main

import (
	"flag"
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"github.com/sdos1/adnignn"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagDataDir     = flag.String("data", "~/tmp/adni", "Directory to cache downloaded dataset files and to write predictions to.")
	flagPredictions = flag.Bool("predictions", true, "Whether to save the best model's validation and test predictions as CSVs under --data.")
	flagBaseline    = flag.Bool("baseline", true, "Whether to also fit the OLS baseline and report its accuracy.")
	flagVerbosity   = flag.Int("verbosity", 1, "Level of verbosity, the higher the more verbose.")
)

func main() {
	ctx := adnignn.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	_ = must.M1(commandline.ParseContextSettings(ctx, *settings))
	err := exceptions.TryCatch[error](func() {
		run(ctx)
	})
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}

func run(ctx *context.Context) {
	raw := must.M1(adnignn.Download(*flagDataDir))
	if *flagVerbosity >= 1 {
		fmt.Println(raw)
	}

	backend := backends.MustNew()
	if *flagVerbosity >= 1 {
		fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())
	}
	if *flagVerbosity >= 2 {
		fmt.Println(commandline.SprintContextSettings(ctx))
		samples := adnignn.BuildSamples(raw, adnignn.SampleConfigFromContext(ctx))
		adnignn.PrintSample(samples, 2)
	}

	results := must.M1(adnignn.TrainModel(backend, ctx, raw, *flagDataDir, *flagPredictions, *flagVerbosity))

	if *flagBaseline {
		baseline := must.M1(adnignn.OLSBaseline(raw))
		fmt.Printf("OLS baseline: train loss=%.4f, train accuracy=%.2f%%, test accuracy=%.2f%%\n",
			baseline.TrainLoss, 100*baseline.TrainAccuracy, 100*baseline.TestAccuracy)
		fmt.Printf("Hierarchical GNN: test AUC=%.2f%%\n", 100*results.TestAUC)
	}
}

package adnignn

import (
	"io"
	"math"
	"os"
	"path"
	"sort"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"github.com/sdos1/adnignn/gnn"
	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/stat"
)

// Predictions holds per-graph model outputs and labels of one dataset, in
// encounter order.
type Predictions struct {
	// Logits of AD, one per graph. Positive means AD predicted.
	Logits []float32

	// Labels are 1 (AD) or 0; entries where Mask is false are unknown.
	Labels []float32

	// Mask is false where the patient's diagnosis is unknown.
	Mask []bool
}

// Predict runs the model over one full pass of the dataset and collects the
// logits and labels of every graph, in encounter order.
func Predict(backend backends.Backend, ctx *context.Context, ds *Dataset) (*Predictions, error) {
	exec, err := context.NewExec(backend, ctx, func(ctx *context.Context, x, assignment *Node) *Node {
		return gnn.HierarchicalGraphModel(ctx, nil, []*Node{x, assignment})[0]
	})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to compile the inference executor")
	}
	ds.Reset()
	p := &Predictions{}
	for {
		_, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		logits, err := exec.Exec1(inputs[0], inputs[1])
		if err != nil {
			return nil, errors.WithMessagef(err, "inference failed on dataset %q", ds.Name())
		}
		tensors.MustConstFlatData[float32](logits, func(flat []float32) {
			p.Logits = append(p.Logits, flat...)
		})
		tensors.MustConstFlatData[float32](labels[0], func(flat []float32) {
			p.Labels = append(p.Labels, flat...)
		})
		tensors.MustConstFlatData[bool](labels[1], func(flat []bool) {
			p.Mask = append(p.Mask, flat...)
		})
	}
	return p, nil
}

// Evaluate runs the model over the dataset and returns the area under the ROC
// curve, computed over the graphs with known labels.
func Evaluate(backend backends.Backend, ctx *context.Context, ds *Dataset) (auc float64, p *Predictions, err error) {
	p, err = Predict(backend, ctx, ds)
	if err != nil {
		return 0, nil, err
	}
	return p.ROCAUC(), p, nil
}

// ROCAUC returns the area under the ROC curve of the predictions, over the
// entries with known labels. It returns NaN if those are all of one class.
func (p *Predictions) ROCAUC() float64 {
	var scores []float64
	var classes []bool
	for ii, known := range p.Mask {
		if !known {
			continue
		}
		scores = append(scores, float64(p.Logits[ii]))
		classes = append(classes, p.Labels[ii] != 0)
	}
	if len(scores) == 0 {
		return math.NaN()
	}
	// stat.ROC wants the scores in ascending order.
	order := make([]int, len(scores))
	for ii := range order {
		order[ii] = ii
	}
	sort.Slice(order, func(i, j int) bool { return scores[order[i]] < scores[order[j]] })
	sortedScores := make([]float64, len(scores))
	sortedClasses := make([]bool, len(classes))
	for ii, idx := range order {
		sortedScores[ii] = scores[idx]
		sortedClasses[ii] = classes[idx]
	}
	tpr, fpr, _ := stat.ROC(nil, sortedScores, sortedClasses, nil)
	return integrate.Trapezoidal(fpr, tpr)
}

// Save writes the predictions to "adni_graph_<name>.csv" under dir, with
// columns y_pred (the logits) and y_true (NaN where the diagnosis is unknown).
func (p *Predictions) Save(dir, name string) error {
	yPred := make([]float64, len(p.Logits))
	yTrue := make([]float64, len(p.Logits))
	for ii := range p.Logits {
		yPred[ii] = float64(p.Logits[ii])
		if p.Mask[ii] {
			yTrue[ii] = float64(p.Labels[ii])
		} else {
			yTrue[ii] = math.NaN()
		}
	}
	df := dataframe.New(
		series.New(yPred, series.Float, "y_pred"),
		series.New(yTrue, series.Float, "y_true"),
	)
	filePath := path.Join(dir, "adni_graph_"+name+".csv")
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create predictions file %q", filePath)
	}
	if err = df.WriteCSV(f); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to write predictions to %q", filePath)
	}
	return errors.Wrapf(f.Close(), "failed to close predictions file %q", filePath)
}

// Package adnignn implements graph-level prediction of Alzheimer's disease (AD)
// status from ADNI plasma proteomics data.
//
// Each patient is modeled as a graph over a fixed panel of proteins: nodes are
// proteins, node features are the patient's log-transformed expression levels
// (plus a fixed random positional encoding), and edges come from a shared
// protein co-expression adjacency matrix. A hierarchical GNN -- stacks of graph
// convolutions interleaved with learned soft-cluster pooling -- produces a
// graph embedding, from which a linear readout predicts the AD diagnosis.
//
// The package provides data download and parsing (see Download), mini-batch
// datasets (see NewDataset), the training loop (see TrainModel), ROC-AUC
// evaluation (see Evaluate) and an ordinary-least-squares baseline on the flat
// expression vectors (see OLSBaseline). The model itself lives in the gnn
// sub-package.
package adnignn

import (
	"fmt"
	"math"
	"os"
	"path"
	"strings"

	"github.com/go-gota/gota/dataframe"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"github.com/sdos1/adnignn/downloader"
)

const (
	// NumProteins is the size of the ADNI protein panel. Every patient graph
	// has exactly this many nodes.
	NumProteins = 51

	baseURL = "https://raw.githubusercontent.com/sdos1/cs224w_adni_files/main/"

	AdjacencyFile  = "protein_adjacency_matrix.csv"
	DiagnosisFile  = "final_diagnosis.csv"
	ExpressionFile = "log_transformed_ADNI_expression_data_with_covariates.csv"
)

// Column layout of the raw CSV files: the adjacency matrix carries two
// leading metadata columns, and the expression file carries 16 covariate
// columns before the protein panel starts.
const (
	adjacencyFirstCol  = 2
	expressionFirstCol = 16
	diagnosisCol       = 1
)

// adLabel is the diagnosis string that maps to a positive label.
const adLabel = "AD"

// RawData holds the parsed ADNI data: the shared protein co-expression
// adjacency matrix and the per-patient expression levels and diagnoses.
type RawData struct {
	NumPatients int

	// Adjacency is the shared co-expression matrix, shaped
	// [NumProteins, NumProteins] (row-major): symmetric non-negative
	// similarity weights with a zero diagonal.
	Adjacency []float32

	// Expression is shaped [NumPatients, NumProteins] (row-major).
	Expression []float32

	// Labels is shaped [NumPatients]: 1 for an AD diagnosis, 0 otherwise.
	// Patients with a missing diagnosis get label 0 and LabelMask false.
	Labels []float32

	// LabelMask is shaped [NumPatients]: true where the diagnosis is known.
	LabelMask []bool
}

// Download fetches the three ADNI CSV files into dataDir (if not yet there)
// and parses them into a RawData.
func Download(dataDir string) (*RawData, error) {
	dataDir = fsutil.MustReplaceTildeInDir(dataDir)
	if !fsutil.MustFileExists(dataDir) {
		if err := os.MkdirAll(dataDir, 0777); err != nil {
			return nil, errors.Wrapf(err, "failed to create data directory %q", dataDir)
		}
	}
	for _, fileName := range []string{AdjacencyFile, DiagnosisFile, ExpressionFile} {
		if err := downloader.DownloadIfMissing(baseURL+fileName, path.Join(dataDir, fileName), ""); err != nil {
			return nil, err
		}
	}
	return Parse(dataDir)
}

// Parse reads the already downloaded CSV files from dataDir.
func Parse(dataDir string) (*RawData, error) {
	dataDir = fsutil.MustReplaceTildeInDir(dataDir)
	adjacency, err := parseFloatColumns(path.Join(dataDir, AdjacencyFile), adjacencyFirstCol, NumProteins)
	if err != nil {
		return nil, err
	}
	if rows := len(adjacency) / NumProteins; rows != NumProteins {
		return nil, errors.Errorf("adjacency matrix in %q has %d rows, expected %d", AdjacencyFile, rows, NumProteins)
	}
	expression, err := parseFloatColumns(path.Join(dataDir, ExpressionFile), expressionFirstCol, NumProteins)
	if err != nil {
		return nil, err
	}
	labels, mask, err := parseDiagnosis(path.Join(dataDir, DiagnosisFile))
	if err != nil {
		return nil, err
	}
	numPatients := len(expression) / NumProteins
	if len(labels) != numPatients {
		return nil, errors.Errorf("got %d diagnoses for %d patients", len(labels), numPatients)
	}
	return &RawData{
		NumPatients: numPatients,
		Adjacency:   adjacency,
		Expression:  expression,
		Labels:      labels,
		LabelMask:   mask,
	}, nil
}

// ExpressionRow returns the expression levels of one patient, shaped [NumProteins].
func (r *RawData) ExpressionRow(patientIdx int) []float32 {
	start := patientIdx * NumProteins
	return r.Expression[start : start+NumProteins]
}

// EdgeList returns the strictly positive entries of the adjacency matrix as
// (source, target, weight) triples, in row-major scan order. Since the matrix
// is symmetric both directions of each edge are included.
func (r *RawData) EdgeList() (sources, targets []int32, weights []float32) {
	for i := 0; i < NumProteins; i++ {
		for j := 0; j < NumProteins; j++ {
			if w := r.Adjacency[i*NumProteins+j]; w > 0 {
				sources = append(sources, int32(i))
				targets = append(targets, int32(j))
				weights = append(weights, w)
			}
		}
	}
	return
}

// loadDataFrame reads a CSV file into a gota DataFrame.
func loadDataFrame(filePath string) (dataframe.DataFrame, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return dataframe.DataFrame{}, errors.Wrapf(err, "failed to open %q", filePath)
	}
	defer func() { _ = f.Close() }()
	df := dataframe.ReadCSV(f, dataframe.HasHeader(true))
	if df.Err != nil {
		return dataframe.DataFrame{}, errors.Wrapf(df.Err, "failed to parse CSV %q", filePath)
	}
	return df, nil
}

// parseFloatColumns reads numCols float columns starting at firstCol, and
// returns them as a flat row-major [numRows, numCols] slice.
func parseFloatColumns(filePath string, firstCol, numCols int) ([]float32, error) {
	df, err := loadDataFrame(filePath)
	if err != nil {
		return nil, err
	}
	if df.Ncol() < firstCol+numCols {
		return nil, errors.Errorf("%q has %d columns, expected at least %d", filePath, df.Ncol(), firstCol+numCols)
	}
	numRows := df.Nrow()
	values := make([]float32, numRows*numCols)
	names := df.Names()
	for colNum := 0; colNum < numCols; colNum++ {
		col := df.Col(names[firstCol+colNum])
		for rowNum, value := range col.Float() {
			if math.IsNaN(value) {
				return nil, errors.Errorf("%q: non-numeric value at row %d, column %q", filePath, rowNum, names[firstCol+colNum])
			}
			values[rowNum*numCols+colNum] = float32(value)
		}
	}
	return values, nil
}

// parseDiagnosis reads the final diagnosis column: "AD" maps to 1, any other
// diagnosis to 0, and missing values to 0 with the mask cleared.
func parseDiagnosis(filePath string) (labels []float32, mask []bool, err error) {
	df, err := loadDataFrame(filePath)
	if err != nil {
		return nil, nil, err
	}
	if df.Ncol() <= diagnosisCol {
		return nil, nil, errors.Errorf("%q has %d columns, expected at least %d", filePath, df.Ncol(), diagnosisCol+1)
	}
	col := df.Col(df.Names()[diagnosisCol])
	labels = make([]float32, df.Nrow())
	mask = make([]bool, df.Nrow())
	for rowNum, valueStr := range col.Records() {
		valueStr = strings.TrimSpace(valueStr)
		if valueStr == "" || valueStr == "NaN" || valueStr == "NA" {
			continue
		}
		mask[rowNum] = true
		if valueStr == adLabel {
			labels[rowNum] = 1
		}
	}
	return labels, mask, nil
}

// NumKnownLabels returns how many patients have a known diagnosis.
func (r *RawData) NumKnownLabels() int {
	count := 0
	for _, known := range r.LabelMask {
		if known {
			count++
		}
	}
	return count
}

// String implements fmt.Stringer with a short summary of the dataset.
func (r *RawData) String() string {
	numEdges := 0
	for _, v := range r.Adjacency {
		if v != 0 {
			numEdges++
		}
	}
	var positives float32
	for _, l := range r.Labels {
		positives += l
	}
	return fmt.Sprintf("ADNI data: %d patients (%d with known diagnosis, %.1f%% AD), %d proteins, %d co-expression edges",
		r.NumPatients, r.NumKnownLabels(), 100*positives/float32(r.NumPatients), NumProteins, numEdges)
}

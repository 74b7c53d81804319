// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package plots

import (
	"fmt"
	"os"
	"path"

	"github.com/gomlx/resnet-cifar100/internal/errkind"
	"github.com/gomlx/resnet-cifar100/pkg/sinks"
)

const (
	// HistogramsFileName is the file name within a run directory that stores the parameter histograms.
	HistogramsFileName = "training_histograms.json"

	// GraphFileName is the file name within a run directory that stores the model graph summary.
	GraphFileName = "model_graph.txt"
)

// HistogramPoint is the histogram of the values of one variable at the end of an epoch.
type HistogramPoint struct {
	MetricName string
	Epoch      int
	Min, Max   float64
	Counts     []int
}

// TimeSeries is a sinks.Sink that writes the training time-series into a run directory:
// scalars as Point in TrainingPlotFileName, histograms as HistogramPoint in HistogramsFileName, and
// the model summary in GraphFileName.
//
// Files are appended to, so a resumed run continues the same series. Writes happen asynchronously,
// and write errors are only reported by Close.
type TimeSeries struct {
	sinks.Base

	runDir string

	// Every controls how often iteration points are written. Values <= 0 are taken as 1.
	Every int

	points        chan<- Point
	pointsErr     <-chan error
	histograms    chan<- HistogramPoint
	histogramsErr <-chan error

	lastIteration int
	closed        bool
}

var _ sinks.Sink = (*TimeSeries)(nil)

// NewTimeSeries creates the sink writing to runDir, which must exist.
func NewTimeSeries(runDir string, every int) *TimeSeries {
	ts := &TimeSeries{runDir: runDir, Every: every}
	ts.points, ts.pointsErr = CreatePointsWriter[Point](path.Join(runDir, TrainingPlotFileName))
	ts.histograms, ts.histogramsErr = CreatePointsWriter[HistogramPoint](path.Join(runDir, HistogramsFileName))
	return ts
}

// String implements fmt.Stringer.
func (ts *TimeSeries) String() string { return fmt.Sprintf("plots(%q)", ts.runDir) }

// Start implements sinks.Sink: it writes the model summary.
func (ts *TimeSeries) Start(info sinks.RunInfo) error {
	ts.lastIteration = (info.StartEpoch - 1) * info.BatchesPerEpoch
	if info.ModelSummary == "" {
		return nil
	}
	graphPath := path.Join(ts.runDir, GraphFileName)
	header := fmt.Sprintf("# %s: %d parameters\n", info.Network, info.NumParameters)
	if err := os.WriteFile(graphPath, []byte(header+info.ModelSummary+"\n"), 0664); err != nil {
		return errkind.Wrapf(errkind.IO, err, "%s: failed to write model graph", ts)
	}
	return nil
}

// Iteration implements sinks.Sink.
func (ts *TimeSeries) Iteration(rec sinks.IterationRecord) error {
	ts.lastIteration = rec.Iteration
	if rec.Iteration%max(ts.Every, 1) != 0 {
		return nil
	}
	step := float64(rec.Iteration)
	ts.points <- Point{MetricName: "Train: loss", Short: "T/loss", MetricType: "loss", Step: step, Value: rec.Loss}
	ts.points <- Point{MetricName: "Learning rate", Short: "lr", MetricType: "learning_rate", Step: step, Value: rec.LearningRate}
	return nil
}

// Evaluation implements sinks.Sink.
func (ts *TimeSeries) Evaluation(rec sinks.EvaluationRecord) error {
	step := float64(ts.lastIteration)
	ts.points <- Point{MetricName: "Test: average loss", Short: "loss(test)", MetricType: "loss", Step: step, Value: rec.Loss}
	ts.points <- Point{MetricName: "Test: accuracy", Short: "acc(test)", MetricType: "accuracy", Step: step, Value: rec.Accuracy}
	return nil
}

// Parameters implements sinks.Sink.
func (ts *TimeSeries) Parameters(recs []sinks.ParameterRecord) error {
	step := float64(ts.lastIteration)
	for _, rec := range recs {
		ts.points <- Point{
			MetricName: rec.Name + ": gradient norm", Short: "|grad|", MetricType: "norm", Step: step, Value: rec.GradientNorm}
		ts.histograms <- HistogramPoint{
			MetricName: rec.Name, Epoch: rec.Epoch, Min: rec.Histogram.Min, Max: rec.Histogram.Max, Counts: rec.Histogram.Counts}
	}
	return nil
}

// Close implements sinks.Sink. It waits for all pending writes.
func (ts *TimeSeries) Close() error {
	if ts.closed {
		return nil
	}
	ts.closed = true
	close(ts.points)
	close(ts.histograms)
	err := <-ts.pointsErr
	histErr := <-ts.histogramsErr
	if err == nil {
		err = histErr
	}
	return errkind.Wrapf(errkind.IO, err, "%s", ts)
}

// LoadHistograms parses all histograms saved in the run directory.
func LoadHistograms(runDir string) ([]HistogramPoint, error) {
	return readJSONLines[HistogramPoint](path.Join(runDir, HistogramsFileName))
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/resnet-cifar100/pkg/checkpoints"
	"github.com/gomlx/resnet-cifar100/ui/plots"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func saveTestRun(t *testing.T, root, network string, start time.Time, accuracies map[int]float64) string {
	store := checkpoints.New(root, network)
	runDir, err := store.CreateRun(start)
	require.NoError(t, err)
	params := checkpoints.Params{checkpoints.NewVariable("/model", "w", tensors.FromValue([]float32{1, 2}))}
	for epoch := 1; epoch <= 10; epoch++ {
		acc, found := accuracies[epoch]
		if !found {
			continue
		}
		_, err = store.Save(runDir, epoch, checkpoints.TagBest, params, checkpoints.Metadata{Accuracy: acc})
		require.NoError(t, err)
	}
	return runDir
}

func TestCollectRuns(t *testing.T) {
	root := t.TempDir()
	start := time.Date(2026, 5, 1, 9, 0, 0, 0, time.Local)
	saveTestRun(t, root, "resnet18", start, map[int]float64{1: 0.2, 2: 0.35, 3: 0.3})
	saveTestRun(t, root, "resnet18", start.Add(time.Hour), nil)
	saveTestRun(t, root, "resnet50", start.Add(2*time.Hour), map[int]float64{1: 0.25})

	runs, err := collectRuns(root, "", "")
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "resnet18", runs[0].Network)
	assert.Equal(t, "resnet50", runs[2].Network)
	assert.Equal(t, 3, runs[0].LastEpoch())
	require.NotNil(t, runs[0].Best())
	assert.Equal(t, 2, runs[0].Best().Epoch)
	assert.Nil(t, runs[1].Best())
	assert.Greater(t, runs[0].Bytes, int64(0))
	assert.Equal(t, "resnet50..."+checkpoints.RunName(start.Add(2*time.Hour)), runs[2].Label)

	latest, err := selectRun(runs)
	require.NoError(t, err)
	assert.Equal(t, "resnet50", latest.Network)

	runs, err = collectRuns(root, "ResNet18", checkpoints.RunName(start))
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, checkpoints.RunName(start), runs[0].Label)

	_, err = collectRuns(root, "vgg16", "")
	require.Error(t, err)
	_, err = selectRun(nil)
	require.Error(t, err)
}

func TestMinimalUniquePaths(t *testing.T) {
	assert.Equal(t, []string{"a/b/c"}, MinimalUniquePaths("a/b/c"))
	assert.Equal(t, []string{"x", "y"}, MinimalUniquePaths("root/net/x", "root/net/y"))
	assert.Equal(t, []string{"n1...x", "n2...y"}, MinimalUniquePaths("root/n1/x", "root/n2/y"))
	assert.Equal(t, []string{"z", "z"}, MinimalUniquePaths("root/z", "root/z"))
}

const testCSVLog = `epoch,iteration,trained_samples,total_samples,loss,lr,current epoch wall-clock time
1,1,2,6,4.600000,0.001,0.500
1,2,4,6,4.400000,0.002,1.000
1,3,6,6,4.200000,0.003,1.500
2,4,2,6,4.000000,0.1,0.500
2,5,4,6,3.800000,0.1,1.000
`

func TestSummarizeEpochs(t *testing.T) {
	df, err := readCSVLog(strings.NewReader(testCSVLog))
	require.NoError(t, err)
	summaries := summarizeEpochs(df)
	require.Len(t, summaries, 2)

	first := summaries[0]
	assert.Equal(t, 1, first.Epoch)
	assert.Equal(t, 3, first.Iterations)
	assert.InDelta(t, 4.4, first.MeanLoss, 1e-6)
	assert.InDelta(t, 4.2, first.LastLoss, 1e-6)
	assert.InDelta(t, 0.003, first.LearningRate, 1e-9)
	assert.Equal(t, 6, first.Samples)
	assert.Equal(t, 1500*time.Millisecond, first.Elapsed)
	assert.InDelta(t, 4.0, first.SamplesPerSec, 1e-6)

	assert.Equal(t, 2, summaries[1].Epoch)
	assert.Equal(t, 2, summaries[1].Iterations)

	_, err = readCSVLog(strings.NewReader("epoch,loss\n1,2.0\n"))
	require.Error(t, err)
}

func writeTestPoints(t *testing.T, runDir string, points ...plots.Point) {
	writer, errs := plots.CreatePointsWriter[plots.Point](filepath.Join(runDir, plots.TrainingPlotFileName))
	for _, p := range points {
		writer <- p
	}
	close(writer)
	require.NoError(t, <-errs)
}

func TestMetricsAndPlots(t *testing.T) {
	root := t.TempDir()
	runDir := saveTestRun(t, root, "resnet18", time.Now(), map[int]float64{1: 0.1})
	writeTestPoints(t, runDir,
		plots.Point{MetricName: "Train: loss", Short: "T/loss", MetricType: "loss", Step: 20, Value: 3.5},
		plots.Point{MetricName: "Train: loss", Short: "T/loss", MetricType: "loss", Step: 10, Value: 4.1},
		plots.Point{MetricName: "Test: accuracy", Short: "acc(test)", MetricType: "accuracy", Step: 20, Value: 0.1})
	runs, err := collectRuns(root, "resnet18", "")
	require.NoError(t, err)

	filter, err := newMetricsFilter("", "accuracy")
	require.NoError(t, err)
	points := loadRunPoints(runs, filter)
	require.Len(t, points[0], 1)
	assert.Equal(t, "accuracy", points[0][0].MetricType)

	filter, err = newMetricsFilter("loss", "")
	require.NoError(t, err)
	points = loadRunPoints(runs, filter)
	require.Len(t, points[0], 2)
	lines := createPlotLines("loss", runs, points)
	require.Len(t, lines, 1)
	assert.Equal(t, []float64{10, 20}, lines[0].steps)
	assert.Equal(t, []float64{4.1, 3.5}, lines[0].values)

	_, err = newMetricsFilter("(", "")
	require.Error(t, err)

	points = loadRunPoints(runs, &metricsFilter{})
	plotFile := filepath.Join(t.TempDir(), "plots.html")
	fileName, err := writePlots(plotFile, runs, points)
	require.NoError(t, err)
	assert.Equal(t, plotFile, fileName)
	contents, err := os.ReadFile(plotFile)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(contents), "Plotly.newPlot"))

	_, err = writePlots(plotFile, runs, make([][]plots.Point, len(runs)))
	require.Error(t, err)
}

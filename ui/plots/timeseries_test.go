// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package plots

import (
	"os"
	"path"
	"testing"

	"github.com/gomlx/resnet-cifar100/pkg/sinks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeSeries(t *testing.T) {
	runDir := t.TempDir()
	ts := NewTimeSeries(runDir, 2)
	require.NoError(t, ts.Start(sinks.RunInfo{
		Network: "resnet18", StartEpoch: 1, BatchesPerEpoch: 4, NumParameters: 42, ModelSummary: "/model/conv/weights: (Float32)[3 3 3 64]"}))
	for it := 1; it <= 4; it++ {
		require.NoError(t, ts.Iteration(sinks.IterationRecord{Epoch: 1, Iteration: it, Loss: float64(10 - it), LearningRate: 0.1}))
	}
	require.NoError(t, ts.Evaluation(sinks.EvaluationRecord{Epoch: 1, Loss: 3.5, Accuracy: 0.25}))
	require.NoError(t, ts.Parameters([]sinks.ParameterRecord{{
		Epoch: 1, Name: "/model/conv/weights", GradientNorm: 0.5, Histogram: sinks.NewHistogram([]float32{1, 2, 3}, 2)}}))
	require.NoError(t, ts.Close())
	require.NoError(t, ts.Close())

	rawPoints, err := LoadPointsFromRun(runDir)
	require.NoError(t, err)
	// Iterations 2 and 4 (loss + lr), evaluation (2 points) and one gradient norm.
	require.Len(t, rawPoints, 4+2+1)
	points := NewPoints(rawPoints)
	assert.Len(t, points[2], 2)
	assert.Len(t, points[4], 2+2+1, "per-epoch points are placed at the last iteration of the epoch")
	assert.Contains(t, points.MetricsNames(), "Test: accuracy")
	assert.Contains(t, points.TableForMetrics("Train: loss"), "Train: loss")

	histograms, err := LoadHistograms(runDir)
	require.NoError(t, err)
	require.Len(t, histograms, 1)
	assert.Equal(t, []int{1, 2}, histograms[0].Counts)

	graph, err := os.ReadFile(path.Join(runDir, GraphFileName))
	require.NoError(t, err)
	assert.Contains(t, string(graph), "42 parameters")
	assert.Contains(t, string(graph), "[3 3 3 64]")
}

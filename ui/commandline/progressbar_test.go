// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"bytes"
	"testing"
	"time"

	"github.com/gomlx/resnet-cifar100/pkg/sinks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgressBar(t *testing.T) {
	MaxUpdateFrequency = 0
	var out bytes.Buffer
	pBar := NewProgressBar(&out)
	require.NoError(t, pBar.Close(), "closing before start is a no-op")

	require.NoError(t, pBar.Start(sinks.RunInfo{
		Network: "resnet18", RunName: "2026-03-01_10h00m00s", StartEpoch: 2, TotalEpochs: 3, BatchesPerEpoch: 2,
		NumParameters: 11_220_132, Config: map[string]string{"lr": "0.1"}}))
	require.NoError(t, pBar.Iteration(sinks.IterationRecord{Epoch: 2, Iteration: 3, TrainedSamples: 16, TotalSamples: 32, Loss: 4.6, LearningRate: 0.1}))
	require.NoError(t, pBar.Iteration(sinks.IterationRecord{Epoch: 2, Iteration: 4, TrainedSamples: 32, TotalSamples: 32, Loss: 4.5, LearningRate: 0.1}))
	require.NoError(t, pBar.Evaluation(sinks.EvaluationRecord{Epoch: 2, Loss: 4.4, Accuracy: 0.0125}))
	require.NoError(t, pBar.Iteration(sinks.IterationRecord{Epoch: 3, Iteration: 5, TrainedSamples: 16, TotalSamples: 32, Loss: 4.3, LearningRate: 0.1}))
	require.NoError(t, pBar.Close())
	require.NoError(t, pBar.Close())
	require.NoError(t, pBar.Iteration(sinks.IterationRecord{Epoch: 3, Iteration: 6}), "iterations after close are ignored")

	got := out.String()
	assert.Contains(t, got, "resnet18")
	assert.Contains(t, got, "11,220,132")
	assert.Contains(t, got, "2 to 3")
	assert.Contains(t, got, "Learning rate")
	assert.Contains(t, got, "1.25%")
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "1.50s", FormatDuration(1500*time.Millisecond))
	assert.Equal(t, "12.25ms", FormatDuration(12250*time.Microsecond))
	assert.Equal(t, "2m3s", FormatDuration(123456*time.Millisecond))
	assert.Equal(t, "7ns", FormatDuration(7))
}

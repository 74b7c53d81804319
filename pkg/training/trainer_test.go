// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package training

import (
	"context"
	"errors"
	"testing"

	"github.com/gomlx/resnet-cifar100/internal/errkind"
	"github.com/gomlx/resnet-cifar100/pkg/sinks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTrainer(model Model, sink sinks.Sink, warmEpochs, batchesPerEpoch int) *Trainer {
	cfg := DefaultConfig()
	cfg.WarmEpochs = warmEpochs
	return NewTrainer(model, NewSchedule(&cfg, batchesPerEpoch), sink)
}

func TestRunEpoch(t *testing.T) {
	data := newSliceDataset("train", 10, 3).partition()
	require.Equal(t, 4, data.NumBatches())
	model := &fakeModel{}
	recorder := &sinks.Recorder{}
	trainer := newTestTrainer(model, recorder, 1, data.NumBatches())

	for epoch := 1; epoch <= 2; epoch++ {
		trainer.Schedule.StartEpoch(epoch)
		require.NoError(t, trainer.RunEpoch(context.Background(), epoch, data))
	}
	require.Len(t, recorder.Iterations, 8)
	for ii, rec := range recorder.Iterations {
		assert.Equal(t, ii+1, rec.Iteration, "iteration ids are global and strictly increasing")
		assert.Equal(t, ii/4+1, rec.Epoch)
		assert.Equal(t, 10, rec.TotalSamples)
	}
	assert.Equal(t, []int{3, 6, 9, 10}, []int{
		recorder.Iterations[0].TrainedSamples, recorder.Iterations[1].TrainedSamples,
		recorder.Iterations[2].TrainedSamples, recorder.Iterations[3].TrainedSamples})

	// Warmup advanced once per iteration after the step during epoch 1, constant in epoch 2.
	assert.InDeltaSlice(t, []float64{0, 0.025, 0.05, 0.075, 0.1, 0.1, 0.1, 0.1}, model.learningRates, 1e-12)
	assert.Equal(t, model.learningRates[5], recorder.Iterations[5].LearningRate)

	// One parameter record per variable per epoch, after all the batches.
	require.Len(t, recorder.Params, 2)
	for ii, params := range recorder.Params {
		require.Len(t, params, 2)
		assert.Equal(t, ii+1, params[0].Epoch)
	}
	assert.Equal(t, 4.0, recorder.Params[0][0].WeightNorm)
}

func TestRunEpochFailures(t *testing.T) {
	t.Run("step failure", func(t *testing.T) {
		data := newSliceDataset("train", 10, 3).partition()
		recorder := &sinks.Recorder{}
		trainer := newTestTrainer(&fakeModel{failAtStep: 2}, recorder, 0, data.NumBatches())
		err := trainer.RunEpoch(context.Background(), 1, data)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "step 2 failed")
		assert.Len(t, recorder.Iterations, 1)
		assert.Empty(t, recorder.Params)
	})

	t.Run("malformed batch", func(t *testing.T) {
		ds := newSliceDataset("train", 10, 3)
		ds.badShapes = true
		trainer := newTestTrainer(&fakeModel{}, &sinks.Recorder{}, 0, 4)
		err := trainer.RunEpoch(context.Background(), 1, ds.partition())
		require.Error(t, err)
		assert.True(t, errors.Is(err, errkind.Data))
	})

	t.Run("more batches than expected", func(t *testing.T) {
		ds := newSliceDataset("train", 10, 3)
		trainer := newTestTrainer(&fakeModel{}, &sinks.Recorder{}, 0, 4)
		err := trainer.RunEpoch(context.Background(), 1, Partition{Dataset: ds, NumExamples: 6, BatchSize: 3})
		require.Error(t, err)
		assert.True(t, errors.Is(err, errkind.Data))
	})

	t.Run("empty dataset", func(t *testing.T) {
		data := newSliceDataset("train", 0, 3).partition()
		trainer := newTestTrainer(&fakeModel{}, &sinks.Recorder{}, 0, 0)
		err := trainer.RunEpoch(context.Background(), 1, data)
		require.Error(t, err)
		assert.True(t, errors.Is(err, errkind.Data))
	})

	t.Run("cancelled", func(t *testing.T) {
		data := newSliceDataset("train", 10, 3).partition()
		recorder := &sinks.Recorder{}
		trainer := newTestTrainer(&fakeModel{}, recorder, 0, data.NumBatches())
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := trainer.RunEpoch(ctx, 1, data)
		require.Error(t, err)
		assert.True(t, errors.Is(err, context.Canceled))
		assert.Empty(t, recorder.Iterations)
	})
}

func TestEvaluate(t *testing.T) {
	data := newSliceDataset("test", 7, 2).partition()
	model := &fakeModel{accuracies: []float64{0.5, 0.5, 1, 0}}
	recorder := &sinks.Recorder{}
	evaluator := NewEvaluator(model, data, recorder)
	accuracy, err := evaluator.Evaluate(context.Background(), 3)
	require.NoError(t, err)
	// Batches of 2, 2, 2 and 1 examples: 1 + 1 + 2 + 0 correct.
	assert.InDelta(t, 4.0/7.0, accuracy, 1e-12)
	require.Len(t, recorder.Evaluations, 1)
	rec := recorder.Evaluations[0]
	assert.Equal(t, 3, rec.Epoch)
	assert.Equal(t, 7, rec.NumExamples)
	assert.InDelta(t, 2.0, rec.Loss, 1e-12)
	assert.Equal(t, rec, evaluator.Last())
}

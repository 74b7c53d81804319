// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package training

import (
	"context"
	"io"
	"time"

	"github.com/gomlx/resnet-cifar100/internal/errkind"
	"github.com/gomlx/resnet-cifar100/pkg/sinks"
	"github.com/pkg/errors"
)

// Trainer runs the optimization steps of one epoch.
type Trainer struct {
	Model    Model
	Schedule *Schedule
	Sink     sinks.Sink

	// MaxBatches stops the epoch after that many batches if > 0. Parameter records are not emitted for
	// an epoch cut short.
	MaxBatches int

	now func() time.Time
}

// NewTrainer creates a Trainer.
func NewTrainer(model Model, schedule *Schedule, sink sinks.Sink) *Trainer {
	return &Trainer{Model: model, Schedule: schedule, Sink: sink, now: time.Now}
}

// Iteration returns the global iteration id of the batch (0-based batchIndex) of the epoch (1-based).
func Iteration(epoch, batchesPerEpoch, batchIndex int) int {
	return (epoch-1)*batchesPerEpoch + batchIndex + 1
}

// RunEpoch trains the model over one pass of data.
//
// After each step it emits an iteration record, and after the last batch one parameter record per
// trainable variable. A failing step aborts the epoch: the error is returned, nothing is retried.
// Cancellation of ctx is checked between batches.
func (t *Trainer) RunEpoch(ctx context.Context, epoch int, data Partition) error {
	batchesPerEpoch := data.NumBatches()
	epochStart := t.now()
	data.Dataset.Reset()
	trainedSamples := 0
	batchIndex := 0
	for ; ; batchIndex++ {
		if err := ctx.Err(); err != nil {
			return errors.Wrapf(err, "training of epoch %d interrupted at batch %d", epoch, batchIndex)
		}
		_, inputs, labels, err := data.Dataset.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errkind.Wrapf(errkind.Data, err, "failed to read batch %d of epoch %d from %q", batchIndex, epoch, data.Dataset.Name())
		}
		if batchIndex >= batchesPerEpoch {
			finalizeAll(inputs)
			finalizeAll(labels)
			return errkind.Errorf(errkind.Data, "dataset %q yielded more than the %d batches expected per epoch",
				data.Dataset.Name(), batchesPerEpoch)
		}
		images, labelsT, err := batchTensors(data.Dataset.Name(), inputs, labels)
		if err != nil {
			finalizeAll(inputs)
			finalizeAll(labels)
			return err
		}
		batchSize := images.Shape().Dimensions[0]
		learningRate := t.Schedule.LearningRate(epoch)
		loss, err := t.Model.TrainStep(images, labelsT, learningRate)
		finalizeAll(inputs)
		finalizeAll(labels)
		if err != nil {
			return errors.WithMessagef(err, "training step of epoch %d, batch %d", epoch, batchIndex)
		}
		t.Schedule.EndStep(epoch)
		trainedSamples += batchSize

		err = t.Sink.Iteration(sinks.IterationRecord{
			Epoch:          epoch,
			Iteration:      Iteration(epoch, batchesPerEpoch, batchIndex),
			TrainedSamples: trainedSamples,
			TotalSamples:   data.NumExamples,
			Loss:           loss,
			LearningRate:   learningRate,
			Elapsed:        t.now().Sub(epochStart),
		})
		if err != nil {
			return err
		}
		if t.MaxBatches > 0 && batchIndex+1 >= t.MaxBatches {
			return nil
		}
	}
	if batchIndex == 0 {
		return errkind.Errorf(errkind.Data, "dataset %q yielded no batches for epoch %d", data.Dataset.Name(), epoch)
	}

	stats, err := t.Model.ParameterStats()
	if err != nil {
		return errors.WithMessagef(err, "summarizing parameters after epoch %d", epoch)
	}
	for ii := range stats {
		stats[ii].Epoch = epoch
	}
	return t.Sink.Parameters(stats)
}

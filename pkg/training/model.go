// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package training

import (
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/resnet-cifar100/internal/errkind"
	"github.com/gomlx/resnet-cifar100/pkg/checkpoints"
	"github.com/gomlx/resnet-cifar100/pkg/sinks"
)

// Model is the numeric engine the training loop drives: a network, its loss, and its optimizer.
//
// Images are batches shaped [batch, height, width, channels] and labels [batch, 1] class ids.
type Model interface {
	// TrainStep runs one optimization step with the given learning rate, and returns the average loss of the batch.
	TrainStep(images, labels *tensors.Tensor, learningRate float64) (loss float64, err error)

	// EvalStep runs the model in inference mode, and returns the summed loss of the batch and the number of
	// correct predictions.
	EvalStep(images, labels *tensors.Tensor) (lossSum float64, correct int, err error)

	// ParameterStats summarizes each trainable variable: the Epoch field is left for the caller to fill.
	ParameterStats() ([]sinks.ParameterRecord, error)

	// Parameters returns a snapshot of the state needed to resume training: weights, normalization
	// statistics and optimizer state.
	Parameters() (checkpoints.Params, error)

	// SetParameters restores a snapshot. It fails with errkind.Load if it doesn't match the model.
	SetParameters(params checkpoints.Params) error

	NumParameters() int

	// Summary describes the model graph, one line per variable.
	Summary() string
}

// Partition is a split of the dataset (train or test), iterated in batches.
type Partition struct {
	Dataset train.Dataset

	// NumExamples in the partition, and BatchSize of its batches (the last one may be shorter).
	NumExamples, BatchSize int
}

// NumBatches in the partition.
func (p Partition) NumBatches() int {
	if p.BatchSize <= 0 {
		return 0
	}
	return (p.NumExamples + p.BatchSize - 1) / p.BatchSize
}

// batchTensors validates one yielded batch and returns its images and labels.
func batchTensors(name string, inputs, labels []*tensors.Tensor) (images, labelsT *tensors.Tensor, err error) {
	if len(inputs) != 1 || len(labels) != 1 {
		return nil, nil, errkind.Errorf(errkind.Data, "dataset %q: expected 1 input and 1 label tensor per batch, got %d and %d",
			name, len(inputs), len(labels))
	}
	images, labelsT = inputs[0], labels[0]
	imagesShape, labelsShape := images.Shape(), labelsT.Shape()
	if imagesShape.Rank() != 4 {
		return nil, nil, errkind.Errorf(errkind.Data, "dataset %q: images must be shaped [batch, height, width, channels], got %s",
			name, imagesShape)
	}
	if labelsShape.Rank() != 2 || labelsShape.Dimensions[1] != 1 || labelsShape.Dimensions[0] != imagesShape.Dimensions[0] {
		return nil, nil, errkind.Errorf(errkind.Data, "dataset %q: labels must be shaped [batch=%d, 1], got %s",
			name, imagesShape.Dimensions[0], labelsShape)
	}
	if imagesShape.Dimensions[0] == 0 {
		return nil, nil, errkind.Errorf(errkind.Data, "dataset %q: empty batch", name)
	}
	return images, labelsT, nil
}

func finalizeAll(ts []*tensors.Tensor) {
	for _, t := range ts {
		if t != nil {
			t.FinalizeAll()
		}
	}
}

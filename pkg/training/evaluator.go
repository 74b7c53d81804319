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

// Evaluator scores the model over the held-out partition.
type Evaluator struct {
	Model Model
	Data  Partition
	Sink  sinks.Sink

	last sinks.EvaluationRecord
	now  func() time.Time
}

// NewEvaluator creates an Evaluator over data.
func NewEvaluator(model Model, data Partition, sink sinks.Sink) *Evaluator {
	return &Evaluator{Model: model, Data: data, Sink: sink, now: time.Now}
}

// Evaluate runs the model in inference mode over the whole partition, emits the evaluation record of the
// epoch and returns the accuracy.
//
// Loss and correct predictions are summed over all examples, so the result doesn't depend on the order
// or the size of the batches.
func (e *Evaluator) Evaluate(ctx context.Context, epoch int) (accuracy float64, err error) {
	start := e.now()
	e.Data.Dataset.Reset()
	var lossSum float64
	var correct, total int
	for batchIndex := 0; ; batchIndex++ {
		if err = ctx.Err(); err != nil {
			return 0, errors.Wrapf(err, "evaluation of epoch %d interrupted", epoch)
		}
		_, inputs, labels, err := e.Data.Dataset.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, errkind.Wrapf(errkind.Data, err, "failed to read batch %d of %q", batchIndex, e.Data.Dataset.Name())
		}
		images, labelsT, err := batchTensors(e.Data.Dataset.Name(), inputs, labels)
		if err != nil {
			finalizeAll(inputs)
			finalizeAll(labels)
			return 0, err
		}
		batchSize := images.Shape().Dimensions[0]
		batchLoss, batchCorrect, err := e.Model.EvalStep(images, labelsT)
		finalizeAll(inputs)
		finalizeAll(labels)
		if err != nil {
			return 0, errors.WithMessagef(err, "evaluation step of epoch %d, batch %d", epoch, batchIndex)
		}
		lossSum += batchLoss
		correct += batchCorrect
		total += batchSize
	}
	if total == 0 {
		return 0, errkind.Errorf(errkind.Data, "evaluation dataset %q is empty", e.Data.Dataset.Name())
	}
	e.last = sinks.EvaluationRecord{
		Epoch:       epoch,
		NumExamples: total,
		Loss:        lossSum / float64(total),
		Accuracy:    float64(correct) / float64(total),
		Elapsed:     e.now().Sub(start),
	}
	if err = e.Sink.Evaluation(e.last); err != nil {
		return 0, err
	}
	return e.last.Accuracy, nil
}

// Last returns the record of the last evaluation.
func (e *Evaluator) Last() sinks.EvaluationRecord { return e.last }

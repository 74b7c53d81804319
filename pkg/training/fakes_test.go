// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package training

import (
	"io"
	"math"
	"sync"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/resnet-cifar100/pkg/checkpoints"
	"github.com/gomlx/resnet-cifar100/pkg/sinks"
	"github.com/pkg/errors"
)

// sliceDataset yields numExamples examples of 2x2x3 images in batches of batchSize.
type sliceDataset struct {
	name                   string
	numExamples, batchSize int
	next                   int

	// badShapes makes the dataset yield labels of the wrong shape.
	badShapes bool
}

func newSliceDataset(name string, numExamples, batchSize int) *sliceDataset {
	return &sliceDataset{name: name, numExamples: numExamples, batchSize: batchSize}
}

func (ds *sliceDataset) partition() Partition {
	return Partition{Dataset: ds, NumExamples: ds.numExamples, BatchSize: ds.batchSize}
}

func (ds *sliceDataset) Name() string { return ds.name }
func (ds *sliceDataset) Reset()       { ds.next = 0 }

func (ds *sliceDataset) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	if ds.next >= ds.numExamples {
		return nil, nil, nil, io.EOF
	}
	n := min(ds.batchSize, ds.numExamples-ds.next)
	ds.next += n
	images := tensors.FromFlatDataAndDimensions(make([]float32, n*2*2*3), n, 2, 2, 3)
	labelsDims := []int{n, 1}
	if ds.badShapes {
		labelsDims = []int{n, 2}
	}
	labelsT := tensors.FromFlatDataAndDimensions(make([]int32, labelsDims[0]*labelsDims[1]), labelsDims...)
	return nil, []*tensors.Tensor{images}, []*tensors.Tensor{labelsT}, nil
}

// fakeModel returns the programmed accuracies, one per evaluation, assuming the test partition has one batch.
// Its single parameter holds the number of training steps taken.
type fakeModel struct {
	mu sync.Mutex

	accuracies []float64
	evalCalls  int

	steps         int
	learningRates []float64

	// failAtStep makes TrainStep fail at the given step (1-based), if > 0.
	failAtStep int

	restored checkpoints.Params
}

func (m *fakeModel) TrainStep(images, labels *tensors.Tensor, learningRate float64) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps++
	if m.failAtStep > 0 && m.steps == m.failAtStep {
		return 0, errors.Errorf("step %d failed", m.steps)
	}
	m.learningRates = append(m.learningRates, learningRate)
	return 5.0 / float64(m.steps), nil
}

func (m *fakeModel) EvalStep(images, labels *tensors.Tensor) (float64, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.evalCalls >= len(m.accuracies) {
		return 0, 0, errors.Errorf("unexpected evaluation #%d", m.evalCalls+1)
	}
	batchSize := images.Shape().Dimensions[0]
	accuracy := m.accuracies[m.evalCalls]
	m.evalCalls++
	return 2.0 * float64(batchSize), int(math.Round(accuracy * float64(batchSize))), nil
}

func (m *fakeModel) ParameterStats() ([]sinks.ParameterRecord, error) {
	return []sinks.ParameterRecord{
		{Name: "/model/weights", GradientNorm: 0.1, WeightNorm: float64(m.steps)},
		{Name: "/model/biases", GradientNorm: 0.2, WeightNorm: 1},
	}, nil
}

func (m *fakeModel) Parameters() (checkpoints.Params, error) {
	return checkpoints.Params{
		checkpoints.NewVariable("/model", "steps", tensors.FromScalar(int64(m.steps))),
		checkpoints.NewVariable("/model", "weights", tensors.FromValue([]float32{1, 2})),
	}, nil
}

func (m *fakeModel) SetParameters(params checkpoints.Params) error {
	current, _ := m.Parameters()
	if err := params.Match(current); err != nil {
		return err
	}
	m.restored = params
	steps, _ := params.ByName("var:/model/steps")
	m.steps = int(tensors.ToScalar[int64](steps.Value))
	return nil
}

func (m *fakeModel) NumParameters() int { return 3 }
func (m *fakeModel) Summary() string    { return "/model/steps: ()\n/model/weights: (2)" }

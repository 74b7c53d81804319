// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/resnet-cifar100/internal/errkind"
	"github.com/gomlx/resnet-cifar100/pkg/resnet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	if os.Getenv(backends.ConfigEnvVar) == "" {
		_ = os.Setenv(backends.ConfigEnvVar, "xla:cpu")
	}
}

var tinyResNet = resnet.Architecture{
	Name: "tiny", Block: resnet.Basic, Blocks: [4]int{1, 1, 1, 1}, Channels: [4]int{4, 8, 8, 8}}

const numClasses = 3

func newTestEngine(t *testing.T, backend backends.Backend) *Engine {
	ctx := context.New()
	ctx.SetParam(ParamHistogramBuckets, 4)
	e, err := New(backend, ctx, tinyResNet, numClasses, 8, 8, 3)
	require.NoError(t, err)
	return e
}

// batch returns 4 images where the class is encoded in the brightness of the image.
func batch() (images, labels *tensors.Tensor) {
	const size = 8 * 8 * 3
	pixels := make([]float32, 4*size)
	classes := []int32{0, 1, 2, 0}
	for ii, class := range classes {
		for jj := range size {
			pixels[ii*size+jj] = float32(class) - 1
		}
	}
	return tensors.FromFlatDataAndDimensions(pixels, 4, 8, 8, 3),
		tensors.FromFlatDataAndDimensions(classes, 4, 1)
}

func TestEngine(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping engine test in short mode")
	}
	backend := backends.MustNew()
	e := newTestEngine(t, backend)
	assert.Greater(t, e.NumParameters(), 0)
	assert.True(t, strings.HasPrefix(e.Summary(), "tiny("))
	assert.Contains(t, e.Summary(), "/model/stem/conv/")

	images, labels := batch()
	lossSum, correct, err := e.EvalStep(images, labels)
	require.NoError(t, err)
	assert.Greater(t, lossSum, 0.0)
	assert.GreaterOrEqual(t, correct, 0)
	assert.LessOrEqual(t, correct, 4)

	before, err := e.Parameters()
	require.NoError(t, err)
	var firstLoss, lastLoss float64
	for step := range 30 {
		loss, err := e.TrainStep(images, labels, 0.05)
		require.NoError(t, err)
		if step == 0 {
			firstLoss = loss
		}
		lastLoss = loss
	}
	assert.Less(t, lastLoss, firstLoss, "training should reduce the loss on a fixed batch")

	stats, err := e.ParameterStats()
	require.NoError(t, err)
	require.NotEmpty(t, stats)
	for _, rec := range stats {
		assert.True(t, strings.HasPrefix(rec.Name, ModelScope+"/"), rec.Name)
		assert.Len(t, rec.Histogram.Counts, 4)
		assert.Greater(t, rec.WeightNorm+rec.GradientNorm, 0.0, rec.Name)
	}

	// Checkpointed state includes the momentum, and restoring it brings back the old weights.
	after, err := e.Parameters()
	require.NoError(t, err)
	require.NoError(t, after.Match(before))
	var hasMomentum bool
	for _, v := range after {
		scope, _ := v.ScopeAndName()
		hasMomentum = hasMomentum || strings.HasPrefix(scope, MomentumScope+"/")
	}
	assert.True(t, hasMomentum)
	globalStepName := context.VariableParameterNameFromScopeAndName(context.RootScope, optimizers.GlobalStepVariableName)
	step, found := after.ByName(globalStepName)
	require.True(t, found)
	assert.Equal(t, int64(30), tensors.ToScalar[int64](step.Value))
	require.NoError(t, e.SetParameters(before))
	restored, err := e.Parameters()
	require.NoError(t, err)
	assert.True(t, before.Equal(restored))
	step, _ = restored.ByName(globalStepName)
	assert.Equal(t, int64(0), tensors.ToScalar[int64](step.Value))

	// A second engine can load the state of the first one.
	other := newTestEngine(t, backend)
	require.NoError(t, other.SetParameters(after))
	require.NoError(t, e.SetParameters(after))
	lossA, correctA, err := e.EvalStep(images, labels)
	require.NoError(t, err)
	lossB, correctB, err := other.EvalStep(images, labels)
	require.NoError(t, err)
	assert.InDelta(t, lossA, lossB, 1e-4)
	assert.Equal(t, correctA, correctB)

	// Incompatible checkpoint.
	err = other.SetParameters(after[1:])
	require.Error(t, err)
	assert.True(t, errors.Is(err, errkind.Load))
}

func TestNewInvalid(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping engine test in short mode")
	}
	backend := backends.MustNew()
	_, err := New(backend, context.New(), tinyResNet, numClasses, 8, 8)
	assert.True(t, errors.Is(err, errkind.Config))

	for name, value := range map[string]any{
		ParamMomentum:         -1.0,
		ParamWeightDecay:      -0.1,
		ParamHistogramBuckets: 0,
	} {
		ctx := context.New()
		ctx.SetParam(name, value)
		_, err = New(backend, ctx, tinyResNet, numClasses, 8, 8, 3)
		require.Error(t, err, name)
		assert.True(t, errors.Is(err, errkind.Config), name)
	}
}

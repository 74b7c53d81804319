// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package training

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/gomlx/resnet-cifar100/internal/errkind"
	"github.com/gomlx/resnet-cifar100/pkg/checkpoints"
	"github.com/gomlx/resnet-cifar100/pkg/sinks"
	"github.com/gomlx/resnet-cifar100/pkg/workers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testStart = time.Date(2026, 3, 1, 10, 0, 0, 0, time.Local)

type testRun struct {
	rc       *RunContext
	model    *fakeModel
	recorder *sinks.Recorder
}

// newTestRun creates a run with 4 training batches per epoch and a single test batch.
func newTestRun(root string, epochs, saveEvery int, accuracies ...float64) *testRun {
	cfg := DefaultConfig()
	cfg.Network = "resnet18"
	cfg.BatchSize = 4
	cfg.Epochs = epochs
	cfg.SaveEvery = saveEvery
	model := &fakeModel{accuracies: accuracies}
	recorder := &sinks.Recorder{}
	return &testRun{
		rc: &RunContext{
			Config: cfg,
			Model:  model,
			Train:  newSliceDataset("train", 16, 4).partition(),
			Test:   newSliceDataset("test", 100, 100).partition(),
			Store:  checkpoints.New(root, cfg.Network),
			Sink:   recorder,
			Worker: workers.Single,
			Now:    func() time.Time { return testStart },
		},
		model:    model,
		recorder: recorder,
	}
}

func checkpointTags(recorder *sinks.Recorder) map[int]string {
	tags := make(map[int]string)
	for _, rec := range recorder.Checkpoints {
		tags[rec.Epoch] = rec.Tag
	}
	return tags
}

func TestRunCheckpointPolicy(t *testing.T) {
	root := t.TempDir()
	run := newTestRun(root, 3, 2, 0.40, 0.55, 0.50)
	best, err := run.rc.Run(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 0.55, best, 1e-9)

	// Epoch 2 is a best and a save-interval epoch: only the best checkpoint is written.
	assert.Equal(t, map[int]string{1: "best", 2: "best"}, checkpointTags(run.recorder))
	runDir := run.rc.Store.RunDir(checkpoints.RunName(testStart))
	entries, err := checkpoints.List(runDir)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, checkpoints.TagBest, entries[1].Tag)
	assert.Equal(t, 2, entries[1].Epoch)

	require.Len(t, run.recorder.Evaluations, 3)
	require.Len(t, run.recorder.Iterations, 12)
	assert.Equal(t, 1, run.recorder.Closed)
	require.NotNil(t, run.recorder.Info)
	assert.Equal(t, 1, run.recorder.Info.StartEpoch)
	assert.Equal(t, 4, run.recorder.Info.BatchesPerEpoch)
	assert.Equal(t, runDir, run.recorder.Info.RunDir)

	// Iteration ids are strictly increasing across epochs, and each epoch continues where the previous one
	// stopped.
	firstOfEpoch := make(map[int]int)
	for ii, rec := range run.recorder.Iterations {
		if ii > 0 {
			assert.Greater(t, rec.Iteration, run.recorder.Iterations[ii-1].Iteration)
		}
		if _, found := firstOfEpoch[rec.Epoch]; !found {
			firstOfEpoch[rec.Epoch] = rec.Iteration
		}
		assert.LessOrEqual(t, rec.Iteration, 4*rec.Epoch)
	}
	assert.Equal(t, map[int]int{1: 1, 2: 5, 3: 9}, firstOfEpoch)
}

func TestRunPeriodicCheckpoints(t *testing.T) {
	run := newTestRun(t.TempDir(), 5, 2, 0.50, 0.40, 0.30, 0.60, 0.55)
	run.rc.Config.BestAfter = 0
	best, err := run.rc.Run(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 0.60, best, 1e-9)
	assert.Equal(t, map[int]string{1: "best", 2: "regular", 4: "best"}, checkpointTags(run.recorder))

	// Best accuracy never decreases.
	last := 0.0
	for _, rec := range run.recorder.Checkpoints {
		assert.GreaterOrEqual(t, rec.BestAccuracy, last)
		last = rec.BestAccuracy
	}
}

func TestRunBestAfter(t *testing.T) {
	run := newTestRun(t.TempDir(), 3, 10, 0.50, 0.40, 0.45)
	run.rc.Config.BestAfter = 1
	best, err := run.rc.Run(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 0.45, best, 1e-9)
	assert.Equal(t, map[int]string{2: "best", 3: "best"}, checkpointTags(run.recorder))
}

func TestRunResume(t *testing.T) {
	root := t.TempDir()
	first := newTestRun(root, 2, 10, 0.30, 0.50)
	_, err := first.rc.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 8, first.model.steps)

	// Resume 2 of 3, with a lower accuracy in epoch 3: the best accuracy is the restored one.
	second := newTestRun(root, 3, 10, 0.45)
	second.rc.Config.Resume = true
	second.rc.Now = func() time.Time { return testStart.Add(time.Hour) }
	best, err := second.rc.Run(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 0.50, best, 1e-9)
	assert.Equal(t, 1, second.model.evalCalls)
	require.NotNil(t, second.model.restored, "weights restored")
	assert.Equal(t, 8+4, second.model.steps)
	require.Len(t, second.recorder.Iterations, 4)
	for ii, rec := range second.recorder.Iterations {
		assert.Equal(t, 3, rec.Epoch)
		assert.Equal(t, 2*4+ii+1, rec.Iteration)
	}
	assert.Equal(t, 3, second.recorder.Info.StartEpoch)
	assert.Empty(t, second.recorder.Checkpoints)
	for _, lr := range second.model.learningRates {
		assert.InDelta(t, DefaultLearningRate, lr, 1e-12, "warmup is over after resuming")
	}

	// No new run was created.
	runs, err := first.rc.Store.ListRuns()
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	// Epoch 3 left no checkpoint, so resuming again restarts after epoch 2. A better accuracy saves a best
	// checkpoint in the same run.
	third := newTestRun(root, 4, 10, 0.45, 0.70)
	third.rc.Config.Resume = true
	best, err = third.rc.Run(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 0.70, best, 1e-9)
	require.Len(t, third.recorder.Checkpoints, 1)
	assert.Equal(t, 4, third.recorder.Checkpoints[0].Epoch)
	assert.Equal(t, second.recorder.Info.RunDir, third.recorder.Info.RunDir)
}

func TestRunResumeWithoutBest(t *testing.T) {
	root := t.TempDir()
	first := newTestRun(root, 2, 1, 0.30, 0.50)
	first.rc.Config.BestAfter = 10
	_, err := first.rc.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[int]string{1: "regular", 2: "regular"}, checkpointTags(first.recorder))

	second := newTestRun(root, 3, 10, 0.20)
	second.rc.Config.Resume = true
	point, err := second.rc.ResolveResume()
	require.NoError(t, err)
	assert.Equal(t, 2, point.Epoch)
	assert.Equal(t, 0.0, point.BestAccuracy)
	best, err := second.rc.Run(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 0.20, best, 1e-9)
}

func TestRunResumeFailures(t *testing.T) {
	t.Run("nothing to resume", func(t *testing.T) {
		run := newTestRun(t.TempDir(), 3, 10)
		run.rc.Config.Resume = true
		_, err := run.rc.Run(context.Background())
		require.Error(t, err)
		assert.True(t, errors.Is(err, errkind.Load))
		assert.Nil(t, run.recorder.Info)
		assert.Equal(t, 1, run.recorder.Closed)
		assert.Zero(t, run.model.steps)
	})

	t.Run("run without weights", func(t *testing.T) {
		root := t.TempDir()
		run := newTestRun(root, 3, 10)
		_, err := run.rc.Store.CreateRun(testStart)
		require.NoError(t, err)
		run.rc.Config.Resume = true
		_, err = run.rc.Run(context.Background())
		require.Error(t, err)
		assert.True(t, errors.Is(err, errkind.Load))
	})

	t.Run("corrupted weights", func(t *testing.T) {
		root := t.TempDir()
		first := newTestRun(root, 1, 10, 0.5)
		_, err := first.rc.Run(context.Background())
		require.NoError(t, err)
		require.Len(t, first.recorder.Checkpoints, 1)
		require.NoError(t, os.Truncate(first.recorder.Checkpoints[0].Path, 1))

		second := newTestRun(root, 2, 10, 0.6)
		second.rc.Config.Resume = true
		_, err = second.rc.Run(context.Background())
		require.Error(t, err)
		assert.True(t, errors.Is(err, errkind.Load))
		assert.Zero(t, second.model.steps)
	})
}

func TestRunResumeTable(t *testing.T) {
	// Every consistent combination has an entry.
	for _, requested := range []bool{false, true} {
		for _, folderFound := range []bool{false, true} {
			for _, bestFound := range []bool{false, true} {
				if bestFound && !folderFound {
					continue
				}
				_, found := resumeTable[resumeKey{requested, folderFound, bestFound}]
				assert.True(t, found, "requested=%v, folder=%v, best=%v", requested, folderFound, bestFound)
			}
		}
	}

	// Without resume, previous runs are ignored.
	root := t.TempDir()
	first := newTestRun(root, 1, 10, 0.5)
	_, err := first.rc.Run(context.Background())
	require.NoError(t, err)
	second := newTestRun(root, 1, 10, 0.1)
	second.rc.Now = func() time.Time { return testStart.Add(time.Minute) }
	best, err := second.rc.Run(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 0.1, best, 1e-9)
	assert.Nil(t, second.model.restored)
	runs, err := second.rc.Store.ListRuns()
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestRunProfile(t *testing.T) {
	run := newTestRun(t.TempDir(), 3, 1, 0.5, 0.6, 0.7)
	run.rc.Config.Profile = true
	best, err := run.rc.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, best)
	assert.Len(t, run.recorder.Iterations, 1)
	assert.Empty(t, run.recorder.Evaluations)
	assert.Empty(t, run.recorder.Checkpoints)
	assert.Empty(t, run.recorder.Params)
	assert.Equal(t, 1, run.recorder.Closed)
}

func TestRunFailure(t *testing.T) {
	run := newTestRun(t.TempDir(), 3, 1, 0.5, 0.6, 0.7)
	run.model.failAtStep = 6
	_, err := run.rc.Run(context.Background())
	require.Error(t, err)
	assert.Len(t, run.recorder.Evaluations, 1, "epoch 2 failed before its evaluation")
	assert.Len(t, run.recorder.Checkpoints, 1)
	assert.Equal(t, 1, run.recorder.Closed)

	bad := newTestRun(t.TempDir(), 3, 1)
	bad.rc.Config.Network = ""
	_, err = bad.rc.Run(context.Background())
	assert.True(t, errors.Is(err, errkind.Config))
	assert.Equal(t, 1, bad.recorder.Closed)
}

func TestRunNonCoordinator(t *testing.T) {
	root := t.TempDir()
	run := newTestRun(root, 2, 1, 0.5, 0.6)
	run.rc.Worker = workers.Worker{Rank: 1, WorldSize: 2, LocalRank: 1}
	best, err := run.rc.Run(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 0.6, best, 1e-9)
	assert.Empty(t, run.recorder.Checkpoints)
	_, found, err := run.rc.Store.FindMostRecentRun()
	require.NoError(t, err)
	assert.False(t, found, "only the coordinator writes checkpoints")
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/resnet-cifar100/internal/errkind"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testParams() Params {
	return Params{
		NewVariable("/model/conv", "weights", tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6}, 2, 3)),
		NewVariable("/model/conv", "biases", tensors.FromValue([]float32{-1, 0, 1})),
		NewVariable("/model", "scale", tensors.FromScalar(float32(0.5))),
		NewVariable("/", "global_step", tensors.FromScalar(int64(1234))),
	}
}

func TestFindMostRecentRun(t *testing.T) {
	root := t.TempDir()
	store := New(root, "resnet18")

	_, found, err := store.FindMostRecentRun()
	require.NoError(t, err)
	assert.False(t, found, "no network directory yet")

	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.Local)
	for _, offset := range []time.Duration{0, 48 * time.Hour, time.Hour} {
		_, err := store.CreateRun(start.Add(offset))
		require.NoError(t, err)
	}
	// Not following the naming convention: ignored.
	require.NoError(t, os.MkdirAll(filepath.Join(store.Dir(), "zzz-not-a-run"), DirPermMode))

	runDir, found, err := store.FindMostRecentRun()
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, store.RunDir(RunName(start.Add(48*time.Hour))), runDir)

	runs, err := store.ListRuns()
	require.NoError(t, err)
	assert.Len(t, runs, 3)

	// Re-creating an existing run directory is fine.
	_, err = store.CreateRun(start)
	require.NoError(t, err)
}

func TestSaveAndFind(t *testing.T) {
	store := New(t.TempDir(), "resnet18")
	runDir, err := store.CreateRun(time.Now())
	require.NoError(t, err)

	last, err := FindLastEpoch(runDir)
	require.NoError(t, err)
	assert.Equal(t, 0, last)
	_, found, err := FindBestWeights(runDir)
	require.NoError(t, err)
	assert.False(t, found)

	params := testParams()
	_, err = store.Save(runDir, 1, TagBest, params, Metadata{Accuracy: 0.40})
	require.NoError(t, err)
	bestPath, err := store.Save(runDir, 2, TagBest, params, Metadata{Accuracy: 0.55})
	require.NoError(t, err)
	_, err = store.Save(runDir, 4, TagRegular, params, Metadata{Accuracy: 0.50})
	require.NoError(t, err)

	for range 2 {
		last, err = FindLastEpoch(runDir)
		require.NoError(t, err)
		assert.Equal(t, 4, last)
	}
	gotBest, found, err := FindBestWeights(runDir)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, bestPath, gotBest)
	assert.Equal(t, filepath.Join(runDir, "epoch-2", "resnet18-2-best"), gotBest)
	assert.FileExists(t, filepath.Join(runDir, "epoch-2", "resnet18-2-best.json"))

	// A different tag on an existing epoch is refused.
	_, err = store.Save(runDir, 2, TagRegular, params, Metadata{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTagConflict))

	entries, err := List(runDir)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, []int{1, 2, 4}, []int{entries[0].Epoch, entries[1].Epoch, entries[2].Epoch})
	size, err := entries[0].Bytes()
	require.NoError(t, err)
	assert.Greater(t, size, int64(0))

	// No temporary files are left behind.
	leftovers, err := filepath.Glob(filepath.Join(runDir, "epoch-*", ".*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestLoad(t *testing.T) {
	store := New(t.TempDir(), "resnet34")
	runDir, err := store.CreateRun(time.Now())
	require.NoError(t, err)
	params := testParams()
	path, err := store.Save(runDir, 3, TagBest, params, Metadata{Accuracy: 0.7, Loss: 1.2})
	require.NoError(t, err)

	ckpt, err := Load(path)
	require.NoError(t, err)
	assert.True(t, params.Equal(ckpt.Params), "loaded %s", ckpt.Params)
	assert.Equal(t, 3, ckpt.Metadata.Epoch)
	assert.Equal(t, TagBest, ckpt.Metadata.Tag)
	assert.InDelta(t, 0.7, ckpt.Metadata.Accuracy, 1e-9)
	assert.Equal(t, "resnet34", ckpt.Metadata.Network)
	require.NoError(t, ckpt.Params.Match(params))

	// Non-float variables keep their dtype and value.
	step, found := ckpt.Params.ByName(context.VariableParameterNameFromScopeAndName(context.RootScope, "global_step"))
	require.True(t, found)
	assert.Equal(t, int64(1234), tensors.ToScalar[int64](step.Value))

	// Shape mismatch with the current model.
	other := testParams()
	other[0].Value = tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6}, 3, 2)
	err = ckpt.Params.Match(other)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errkind.Load))
	err = ckpt.Params.Match(other[:2])
	assert.True(t, errors.Is(err, errkind.Load))

	// Missing path.
	_, err = Load(filepath.Join(runDir, "epoch-9", "resnet34-9-best"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errkind.Load))

	// Truncated weights.
	binFiles, err := filepath.Glob(filepath.Join(path, "*.bin"))
	require.NoError(t, err)
	require.Len(t, binFiles, 1)
	require.NoError(t, os.Truncate(binFiles[0], 8))
	_, err = Load(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errkind.Load))
}

func TestSaveInvalidParams(t *testing.T) {
	store := New(t.TempDir(), "resnet18")
	runDir, err := store.CreateRun(time.Now())
	require.NoError(t, err)
	for _, bad := range []Params{
		{{ParameterName: "x", Value: tensors.FromScalar(float32(1))}},
		{{ParameterName: "var:/model/x"}},
		{NewVariable("/model", "x", tensors.FromScalar(1.0)), NewVariable("/model", "x", tensors.FromScalar(2.0))},
	} {
		_, err = store.Save(runDir, 1, TagBest, bad, Metadata{})
		require.Error(t, err)
		assert.True(t, errors.Is(err, errkind.Data))
	}
	_, err = store.Save(runDir, 1, Tag("other"), testParams(), Metadata{})
	require.Error(t, err)
	last, err := FindLastEpoch(runDir)
	require.NoError(t, err)
	assert.Equal(t, 0, last)
}

func TestSaveFailureLeavesNoCheckpoint(t *testing.T) {
	store := New(t.TempDir(), "resnet18")
	runDir, err := store.CreateRun(time.Now())
	require.NoError(t, err)

	// A directory in place of the metadata file makes its final rename fail, after the weights were moved.
	blocker := filepath.Join(runDir, "epoch-1", "resnet18-1-best.json")
	require.NoError(t, os.MkdirAll(filepath.Join(blocker, "keep"), DirPermMode))
	_, err = store.Save(runDir, 1, TagBest, testParams(), Metadata{Accuracy: 0.5})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errkind.IO))

	entries, err := List(runDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.NoDirExists(t, store.WeightsPath(runDir, 1, TagBest))
	leftovers, err := filepath.Glob(filepath.Join(runDir, "epoch-1", ".*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)

	// Once the obstacle is gone the epoch can be saved.
	require.NoError(t, os.RemoveAll(blocker))
	path, err := store.Save(runDir, 1, TagBest, testParams(), Metadata{Accuracy: 0.5})
	require.NoError(t, err)
	meta, err := LoadMetadata(path)
	require.NoError(t, err)
	assert.Len(t, meta.Variables, 4)
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"flag"
	"testing"

	"github.com/gomlx/resnet-cifar100/internal/errkind"
	"github.com/gomlx/resnet-cifar100/pkg/sinks"
	"github.com/gomlx/resnet-cifar100/pkg/workers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigFromFlags(t *testing.T) {
	_, err := configFromFlags()
	require.Error(t, err, "-net is required")
	assert.True(t, errors.Is(err, errkind.Config))

	require.NoError(t, flag.Set("net", "resnet34"))
	require.NoError(t, flag.Set("milestones", "10,20"))
	require.NoError(t, flag.Set("resume", "true"))
	cfg, err := configFromFlags()
	require.NoError(t, err)
	assert.Equal(t, "resnet34", cfg.Network)
	assert.Equal(t, []int{10, 20}, cfg.Milestones)
	assert.True(t, cfg.Resume)

	require.NoError(t, flag.Set("milestones", "20,10"))
	_, err = configFromFlags()
	assert.True(t, errors.Is(err, errkind.Config))
	require.NoError(t, flag.Set("milestones", "60,120,160"))
}

func TestCreateSink(t *testing.T) {
	sink := createSink(workers.Worker{Rank: 1, LocalRank: 1, WorldSize: 2}, t.TempDir())
	assert.Equal(t, sinks.Discard{}, sink)

	require.NoError(t, flag.Set("progress", "false"))
	multi, ok := createSink(workers.Single, t.TempDir()).(sinks.Multi)
	require.True(t, ok)
	assert.Len(t, multi, 4)
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workers reads the identity of the current process within a training job from the environment,
// as set by the usual launchers (torchrun, mpirun, Kubernetes training operators).
// Only single-process jobs are accepted, see ErrMultiProcess.
package workers

import (
	"fmt"
	"os"
	"strconv"

	"github.com/gomlx/resnet-cifar100/internal/errkind"
	"github.com/pkg/errors"
)

// Environment variables read by FromEnv.
const (
	LocalRankEnv = "LOCAL_RANK"
	RankEnv      = "RANK"
	WorldSizeEnv = "WORLD_SIZE"
)

// ErrMultiProcess is returned by FromEnv for jobs with more than one process.
var ErrMultiProcess = errors.New("multi-process training is not supported: the backend has no cross-process gradient all-reduce")

// Worker identifies the current process within the job.
type Worker struct {
	// LocalRank is the index of the process within its host.
	LocalRank int

	// Rank is the global index of the process. Rank 0 is the coordinator.
	Rank int

	// WorldSize is the number of processes in the job.
	WorldSize int
}

// Single is the Worker of a single-process job.
var Single = Worker{WorldSize: 1}

// String implements fmt.Stringer.
func (w Worker) String() string {
	return fmt.Sprintf("worker %d/%d (local rank %d)", w.Rank, w.WorldSize, w.LocalRank)
}

// IsCoordinator returns whether this worker writes the run's checkpoints and metrics.
func (w Worker) IsCoordinator() bool { return w.Rank == 0 }

// FromEnv reads the Worker from the environment.
//
// Without WORLD_SIZE (or with WORLD_SIZE=1) it is a single-process job, and the ranks default to 0.
// Otherwise LOCAL_RANK and RANK are required, and a missing or invalid value is an errkind.Config error.
// A valid WORLD_SIZE > 1 fails with ErrMultiProcess, also an errkind.Config error.
func FromEnv() (Worker, error) {
	return fromLookup(os.LookupEnv)
}

func fromLookup(lookup func(string) (string, bool)) (Worker, error) {
	w := Single
	var err error
	if w.WorldSize, err = intEnv(lookup, WorldSizeEnv, 1); err != nil {
		return w, err
	}
	if w.WorldSize < 1 {
		return w, errkind.Errorf(errkind.Config, "$%s=%d must be >= 1", WorldSizeEnv, w.WorldSize)
	}
	if w.WorldSize > 1 {
		for _, name := range []string{LocalRankEnv, RankEnv} {
			if _, found := lookup(name); !found {
				return w, errkind.Errorf(errkind.Config, "$%s must be set when $%s=%d", name, WorldSizeEnv, w.WorldSize)
			}
		}
	}
	if w.LocalRank, err = intEnv(lookup, LocalRankEnv, 0); err != nil {
		return w, err
	}
	if w.Rank, err = intEnv(lookup, RankEnv, 0); err != nil {
		return w, err
	}
	if w.Rank < 0 || w.Rank >= w.WorldSize {
		return w, errkind.Errorf(errkind.Config, "$%s=%d out of range for $%s=%d", RankEnv, w.Rank, WorldSizeEnv, w.WorldSize)
	}
	if w.LocalRank < 0 {
		return w, errkind.Errorf(errkind.Config, "$%s=%d must be >= 0", LocalRankEnv, w.LocalRank)
	}
	if w.WorldSize > 1 {
		return w, errkind.Wrapf(errkind.Config, ErrMultiProcess, "%s", w)
	}
	return w, nil
}

func intEnv(lookup func(string) (string, bool), name string, defaultValue int) (int, error) {
	value, found := lookup(name)
	if !found || value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, errkind.Wrapf(errkind.Config, err, "invalid $%s=%q", name, value)
	}
	return n, nil
}

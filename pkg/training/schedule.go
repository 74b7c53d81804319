// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package training

import "sort"

// Warmup ramps the learning rate linearly from 0 to the base learning rate, one step per iteration.
//
// The learning rate of the i-th step (0-based) is base*i/totalIterations.
type Warmup struct {
	base            float64
	totalIterations int
	iteration       int
}

// NewWarmup creates a warmup over totalIterations iterations.
func NewWarmup(base float64, totalIterations int) *Warmup {
	return &Warmup{base: base, totalIterations: totalIterations}
}

// LearningRate returns the learning rate for the current iteration.
func (w *Warmup) LearningRate() float64 {
	if w.totalIterations <= 0 {
		return w.base
	}
	return w.base * float64(min(w.iteration, w.totalIterations)) / float64(w.totalIterations)
}

// Step advances the warmup by one iteration.
func (w *Warmup) Step() { w.iteration++ }

// Seek positions the warmup after the given number of iterations, used when resuming.
func (w *Warmup) Seek(iteration int) { w.iteration = max(iteration, 0) }

// Iteration returns the number of steps taken.
func (w *Warmup) Iteration() int { return w.iteration }

// MultiStep decays the base learning rate by gamma at every milestone epoch.
type MultiStep struct {
	Base       float64
	Milestones []int
	Gamma      float64
}

// At returns the learning rate of the given epoch: base * gamma^(number of milestones <= epoch).
//
// It depends only on the epoch, so resumed runs land on the same learning rate.
func (m MultiStep) At(epoch int) float64 {
	numDecays := sort.SearchInts(m.Milestones, epoch+1)
	lr := m.Base
	for range numDecays {
		lr *= m.Gamma
	}
	return lr
}

// Schedule combines the per-iteration warmup over the first warmEpochs with the per-epoch decay.
type Schedule struct {
	warmEpochs int
	warmup     *Warmup
	decay      MultiStep
	current    float64
}

// NewSchedule creates the learning rate schedule of a run.
func NewSchedule(cfg *Config, batchesPerEpoch int) *Schedule {
	return &Schedule{
		warmEpochs: cfg.WarmEpochs,
		warmup:     NewWarmup(cfg.LearningRate, cfg.WarmEpochs*batchesPerEpoch),
		decay:      MultiStep{Base: cfg.LearningRate, Milestones: cfg.Milestones, Gamma: cfg.Gamma},
		current:    cfg.LearningRate,
	}
}

// InWarmup returns whether the epoch is inside the warmup window.
func (s *Schedule) InWarmup(epoch int) bool { return epoch <= s.warmEpochs }

// StartEpoch advances the per-epoch decay, unless the epoch is inside the warmup window.
func (s *Schedule) StartEpoch(epoch int) {
	if !s.InWarmup(epoch) {
		s.current = s.decay.At(epoch)
	}
}

// LearningRate to use for the next step of the epoch.
func (s *Schedule) LearningRate(epoch int) float64 {
	if s.InWarmup(epoch) {
		return s.warmup.LearningRate()
	}
	return s.current
}

// EndStep advances the warmup after an optimization step, if the epoch is inside the warmup window.
func (s *Schedule) EndStep(epoch int) {
	if s.InWarmup(epoch) {
		s.warmup.Step()
	}
}

// Resume positions the schedule as if the first resumeEpoch epochs had been trained.
func (s *Schedule) Resume(resumeEpoch, batchesPerEpoch int) {
	s.warmup.Seek(min(resumeEpoch, s.warmEpochs) * batchesPerEpoch)
	if resumeEpoch > s.warmEpochs {
		s.current = s.decay.At(resumeEpoch)
	}
}

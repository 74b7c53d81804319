// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sinks

import "sync"

// Recorder keeps every record in memory. It is used in tests, and to inspect short runs (e.g. profiling).
type Recorder struct {
	mu sync.Mutex

	Info        *RunInfo
	Iterations  []IterationRecord
	Evaluations []EvaluationRecord
	Params      [][]ParameterRecord
	Checkpoints []CheckpointRecord
	Closed      int
}

var _ Sink = (*Recorder)(nil)

// Start implements Sink.
func (r *Recorder) Start(info RunInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Info = &info
	return nil
}

// Iteration implements Sink.
func (r *Recorder) Iteration(rec IterationRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Iterations = append(r.Iterations, rec)
	return nil
}

// Evaluation implements Sink.
func (r *Recorder) Evaluation(rec EvaluationRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Evaluations = append(r.Evaluations, rec)
	return nil
}

// Parameters implements Sink.
func (r *Recorder) Parameters(recs []ParameterRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Params = append(r.Params, recs)
	return nil
}

// Checkpoint implements Sink.
func (r *Recorder) Checkpoint(rec CheckpointRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Checkpoints = append(r.Checkpoints, rec)
	return nil
}

// Close implements Sink.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Closed++
	return nil
}

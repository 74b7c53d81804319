// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sinks

import "github.com/pkg/errors"

// Deferred creates its sink only when the run starts, for sinks that depend on the RunInfo, e.g. files
// in the run directory, which is only known after a resume is resolved.
//
// Records before Start, and Close without Start, are no-ops.
type Deferred struct {
	create func(info RunInfo) (Sink, error)
	sink   Sink
}

var _ Sink = (*Deferred)(nil)

// NewDeferred returns a sink that calls create on Start.
func NewDeferred(create func(info RunInfo) (Sink, error)) *Deferred {
	return &Deferred{create: create}
}

// Sink returns the created sink, or nil if the run didn't start.
func (d *Deferred) Sink() Sink { return d.sink }

// String implements fmt.Stringer.
func (d *Deferred) String() string {
	if d.sink == nil {
		return "deferred"
	}
	return sinkName(d.sink)
}

// Start implements Sink.
func (d *Deferred) Start(info RunInfo) error {
	s, err := d.create(info)
	if err != nil {
		return errors.WithMessage(err, "creating metrics sink")
	}
	d.sink = s
	return s.Start(info)
}

// Iteration implements Sink.
func (d *Deferred) Iteration(rec IterationRecord) error {
	if d.sink == nil {
		return nil
	}
	return d.sink.Iteration(rec)
}

// Evaluation implements Sink.
func (d *Deferred) Evaluation(rec EvaluationRecord) error {
	if d.sink == nil {
		return nil
	}
	return d.sink.Evaluation(rec)
}

// Parameters implements Sink.
func (d *Deferred) Parameters(recs []ParameterRecord) error {
	if d.sink == nil {
		return nil
	}
	return d.sink.Parameters(recs)
}

// Checkpoint implements Sink.
func (d *Deferred) Checkpoint(rec CheckpointRecord) error {
	if d.sink == nil {
		return nil
	}
	return d.sink.Checkpoint(rec)
}

// RunFailed implements FailureReporter.
func (d *Deferred) RunFailed(err error) {
	if d.sink != nil {
		ReportFailure(d.sink, err)
	}
}

// Close implements Sink.
func (d *Deferred) Close() error {
	if d.sink == nil {
		return nil
	}
	return d.sink.Close()
}

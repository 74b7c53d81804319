// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package sinks defines the records emitted during a training run, and the Sink interface that consumes them.
//
// There is one implementation per backend (console log, CSV file, progression status file, hosted experiment
// tracker, and, in other packages, the time-series plot points and the terminal progress bar).
// They are combined with Multi, so the training code has only one call site per event.
package sinks

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/pkg/errors"
)

// IterationRecord is emitted after every optimization step.
type IterationRecord struct {
	Epoch int

	// Iteration is the global iteration id: (epoch-1)*batchesPerEpoch + batchIndex + 1.
	Iteration int

	// TrainedSamples is the number of examples trained so far in the epoch, including this step.
	// TotalSamples is the number of examples in one epoch.
	TrainedSamples, TotalSamples int

	Loss, LearningRate float64

	// Elapsed wall-clock time since the start of the epoch.
	Elapsed time.Duration
}

// Scalars implements Record.
func (r IterationRecord) Scalars() map[string]float64 {
	return map[string]float64{
		"epoch":           float64(r.Epoch),
		"iteration":       float64(r.Iteration),
		"trained_samples": float64(r.TrainedSamples),
		"total_samples":   float64(r.TotalSamples),
		"train_loss":      r.Loss,
		"learning_rate":   r.LearningRate,
		"elapsed_seconds": r.Elapsed.Seconds(),
	}
}

// Step implements Record.
func (r IterationRecord) Step() int { return r.Iteration }

// EvaluationRecord is emitted once per evaluated epoch.
type EvaluationRecord struct {
	Epoch       int
	NumExamples int

	// Loss is the average loss per example, and Accuracy the fraction of correct predictions.
	Loss, Accuracy float64

	// Elapsed wall-clock time of the evaluation.
	Elapsed time.Duration
}

// Scalars implements Record.
func (r EvaluationRecord) Scalars() map[string]float64 {
	return map[string]float64{
		"epoch":                float64(r.Epoch),
		"test_loss":            r.Loss,
		"test_accuracy":        r.Accuracy,
		"eval_elapsed_seconds": r.Elapsed.Seconds(),
	}
}

// Step implements Record.
func (r EvaluationRecord) Step() int { return r.Epoch }

// Histogram of values in equal-width buckets between Min and Max.
type Histogram struct {
	Min, Max float64
	Counts   []int
}

// NewHistogram builds a histogram of values with numBuckets buckets.
func NewHistogram(values []float32, numBuckets int) Histogram {
	h := Histogram{Counts: make([]int, numBuckets)}
	if len(values) == 0 || numBuckets <= 0 {
		return h
	}
	h.Min, h.Max = float64(values[0]), float64(values[0])
	for _, v := range values {
		h.Min = min(h.Min, float64(v))
		h.Max = max(h.Max, float64(v))
	}
	width := (h.Max - h.Min) / float64(numBuckets)
	for _, v := range values {
		idx := numBuckets - 1
		if width > 0 {
			idx = min(int((float64(v)-h.Min)/width), numBuckets-1)
		}
		h.Counts[idx]++
	}
	return h
}

// ParameterRecord summarizes one trainable variable at the end of an epoch.
type ParameterRecord struct {
	Epoch int

	// Name is the scope and name of the variable.
	Name string

	// GradientNorm is the L2 norm of the gradient of the variable in the last step of the epoch.
	GradientNorm float64

	// WeightNorm is the L2 norm of the variable.
	WeightNorm float64

	Histogram Histogram
}

// Scalars implements Record.
func (r ParameterRecord) Scalars() map[string]float64 {
	return map[string]float64{
		r.Name + "/gradient_norm": r.GradientNorm,
		r.Name + "/weight_norm":   r.WeightNorm,
	}
}

// Step implements Record.
func (r ParameterRecord) Step() int { return r.Epoch }

// CheckpointRecord is emitted after a checkpoint is saved.
type CheckpointRecord struct {
	Epoch    int
	Tag      string
	Path     string
	Accuracy float64

	// BestAccuracy of the run after this checkpoint.
	BestAccuracy float64
}

// Scalars implements Record.
func (r CheckpointRecord) Scalars() map[string]float64 {
	return map[string]float64{"best_accuracy": r.BestAccuracy}
}

// Step implements Record.
func (r CheckpointRecord) Step() int { return r.Epoch }

// Record is the flat view of any of the records: named scalars at a logical time step.
type Record interface {
	Scalars() map[string]float64
	Step() int
}

var (
	_ Record = IterationRecord{}
	_ Record = EvaluationRecord{}
	_ Record = ParameterRecord{}
	_ Record = CheckpointRecord{}
)

// SortedScalars returns the names of the record's scalars in alphabetical order, and their values.
func SortedScalars(r Record) (names []string, values []float64) {
	scalars := r.Scalars()
	names = slices.Sorted(maps.Keys(scalars))
	values = make([]float64, len(names))
	for ii, name := range names {
		values[ii] = scalars[name]
	}
	return
}

// RunInfo describes the run. It is passed to Sink.Start once, before any other record.
type RunInfo struct {
	Network string
	RunName string

	// RunDir is where the run's checkpoints are stored.
	RunDir string

	// StartEpoch is the first epoch that will be trained (after any resumed epochs), TotalEpochs the last one.
	StartEpoch, TotalEpochs int

	BatchesPerEpoch int
	NumParameters   int

	// Config holds the run settings, already formatted.
	Config map[string]string

	// ModelSummary is a textual description of the model graph: one line per variable.
	ModelSummary string

	StartTime time.Time
}

// Sink consumes the records of a run. Methods are called from one goroutine, in the order events happen.
// Any error returned halts the run.
type Sink interface {
	Start(info RunInfo) error
	Iteration(rec IterationRecord) error
	Evaluation(rec EvaluationRecord) error
	Parameters(recs []ParameterRecord) error
	Checkpoint(rec CheckpointRecord) error

	// Close flushes and releases the sink. It is called once at the end of the run, also on failures.
	Close() error
}

// FailureReporter is optionally implemented by sinks that record how a run ended.
// RunFailed is called before Close when the run stops with an error.
type FailureReporter interface {
	RunFailed(err error)
}

// ReportFailure calls RunFailed on s if it implements FailureReporter.
func ReportFailure(s Sink, err error) {
	if fr, ok := s.(FailureReporter); ok {
		fr.RunFailed(err)
	}
}

// Base implements every Sink method as a no-op. Embed it to implement only the methods a sink needs.
type Base struct{}

// Start implements Sink.
func (Base) Start(RunInfo) error { return nil }

// Iteration implements Sink.
func (Base) Iteration(IterationRecord) error { return nil }

// Evaluation implements Sink.
func (Base) Evaluation(EvaluationRecord) error { return nil }

// Parameters implements Sink.
func (Base) Parameters([]ParameterRecord) error { return nil }

// Checkpoint implements Sink.
func (Base) Checkpoint(CheckpointRecord) error { return nil }

// Close implements Sink.
func (Base) Close() error { return nil }

// Discard is a Sink that drops everything. It is used by workers that are not the coordinator.
type Discard struct{ Base }

// Multi fans out every record to all its sinks, in order.
// The first error stops the fan-out and is returned.
type Multi []Sink

var _ Sink = Multi(nil)

func (m Multi) each(event string, fn func(s Sink) error) error {
	for _, s := range m {
		if err := fn(s); err != nil {
			return errors.WithMessagef(err, "metrics sink %s failed on %s", sinkName(s), event)
		}
	}
	return nil
}

func sinkName(s Sink) string {
	if str, ok := s.(fmt.Stringer); ok {
		return str.String()
	}
	return fmt.Sprintf("%T", s)
}

// Start implements Sink.
func (m Multi) Start(info RunInfo) error {
	return m.each("start", func(s Sink) error { return s.Start(info) })
}

// Iteration implements Sink.
func (m Multi) Iteration(rec IterationRecord) error {
	return m.each("iteration", func(s Sink) error { return s.Iteration(rec) })
}

// Evaluation implements Sink.
func (m Multi) Evaluation(rec EvaluationRecord) error {
	return m.each("evaluation", func(s Sink) error { return s.Evaluation(rec) })
}

// Parameters implements Sink.
func (m Multi) Parameters(recs []ParameterRecord) error {
	return m.each("parameters", func(s Sink) error { return s.Parameters(recs) })
}

// Checkpoint implements Sink.
func (m Multi) Checkpoint(rec CheckpointRecord) error {
	return m.each("checkpoint", func(s Sink) error { return s.Checkpoint(rec) })
}

// RunFailed implements FailureReporter, forwarding to all sinks that implement it.
func (m Multi) RunFailed(err error) {
	for _, s := range m {
		ReportFailure(s, err)
	}
}

// Close implements Sink. Every sink is closed, and the first error is returned.
func (m Multi) Close() error {
	var firstErr error
	for _, s := range m {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = errors.WithMessagef(err, "closing metrics sink %s", sinkName(s))
		}
	}
	return firstErr
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sinks

import (
	"fmt"
	"strings"

	"k8s.io/klog/v2"
)

// Console logs records with klog.
//
// Iterations are logged at verbosity level 1, every LogEvery iterations (and on the last batch of the epoch),
// so they don't fight with the progress bar at the default level.
// Evaluations and checkpoints are always logged.
type Console struct {
	Base

	// LogEvery controls how often iteration records are logged. Values <= 0 are taken as 1.
	LogEvery int
}

// NewConsole creates a Console sink that logs every logEvery iterations.
func NewConsole(logEvery int) *Console {
	return &Console{LogEvery: logEvery}
}

// String implements fmt.Stringer.
func (c *Console) String() string { return "console" }

// Start implements Sink.
func (c *Console) Start(info RunInfo) error {
	klog.Infof("Run %q: network %s, epochs %d to %d, %d batches per epoch, %d parameters",
		info.RunName, info.Network, info.StartEpoch, info.TotalEpochs, info.BatchesPerEpoch, info.NumParameters)
	if klog.V(2).Enabled() && info.ModelSummary != "" {
		klog.Infof("Model:\n%s", info.ModelSummary)
	}
	return nil
}

// Iteration implements Sink.
func (c *Console) Iteration(rec IterationRecord) error {
	every := max(c.LogEvery, 1)
	if rec.Iteration%every != 0 && rec.TrainedSamples < rec.TotalSamples {
		return nil
	}
	klog.V(1).Infof("Training Epoch: %d [%d/%d]\tLoss: %0.4f\tLR: %0.6f\tElapsed: %.2fs",
		rec.Epoch, rec.TrainedSamples, rec.TotalSamples, rec.Loss, rec.LearningRate, rec.Elapsed.Seconds())
	return nil
}

// Evaluation implements Sink.
func (c *Console) Evaluation(rec EvaluationRecord) error {
	klog.Infof("Test set: Epoch: %d, Average loss: %.4f, Accuracy: %.4f, Time consumed: %.2fs",
		rec.Epoch, rec.Loss, rec.Accuracy, rec.Elapsed.Seconds())
	return nil
}

// Parameters implements Sink.
func (c *Console) Parameters(recs []ParameterRecord) error {
	if !klog.V(2).Enabled() || len(recs) == 0 {
		return nil
	}
	var sb strings.Builder
	for _, rec := range recs {
		_, _ = fmt.Fprintf(&sb, "\t%s: |grad|=%.4g |w|=%.4g\n", rec.Name, rec.GradientNorm, rec.WeightNorm)
	}
	klog.Infof("Parameters after epoch %d:\n%s", recs[0].Epoch, sb.String())
	return nil
}

// Checkpoint implements Sink.
func (c *Console) Checkpoint(rec CheckpointRecord) error {
	klog.Infof("Saved %s checkpoint of epoch %d (accuracy %.4f, best %.4f) to %s",
		rec.Tag, rec.Epoch, rec.Accuracy, rec.BestAccuracy, rec.Path)
	return nil
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sinks

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gomlx/resnet-cifar100/internal/errkind"
)

const (
	// ProgressionFileName is the name of the progression status file, written in the run directory.
	ProgressionFileName = "training_progression.json"

	// ProgressionFilePathEnv overrides the path of the progression status file.
	ProgressionFilePathEnv = "TRAINJOB_PROGRESSION_FILE_PATH"
)

// ProgressionStatus is the JSON content of the progression status file.
// It's meant to be polled by job schedulers.
type ProgressionStatus struct {
	CurrentStep     int64              `json:"current_step"`
	TotalSteps      int64              `json:"total_steps"`
	CurrentEpoch    int64              `json:"current_epoch"`
	TotalEpochs     int64              `json:"total_epochs"`
	Message         string             `json:"message,omitempty"`
	TrainingMetrics map[string]float64 `json:"training_metrics,omitempty"`
	Metrics         map[string]float64 `json:"metrics,omitempty"`
	Timestamp       int64              `json:"timestamp"`
	StartTime       int64              `json:"start_time"`
}

// Progression keeps a status file updated with the progress of the run.
//
// The file is rewritten atomically at the start, after every evaluation and checkpoint, at the end, and
// after iterations if at least Interval passed since the last write.
type Progression struct {
	Base

	path      string
	Interval  time.Duration
	status    ProgressionStatus
	lastWrite time.Time
	now       func() time.Time
	failed    bool
}

// ProgressionPath returns the path of the status file: the environment variable ProgressionFilePathEnv
// if set, otherwise ProgressionFileName in the run directory.
func ProgressionPath(runDir string) string {
	if envPath := os.Getenv(ProgressionFilePathEnv); envPath != "" {
		return envPath
	}
	return filepath.Join(runDir, ProgressionFileName)
}

// NewProgression creates a Progression sink writing to path.
func NewProgression(path string) *Progression {
	return &Progression{
		path:     path,
		Interval: 30 * time.Second,
		status: ProgressionStatus{
			TrainingMetrics: make(map[string]float64),
			Metrics:         make(map[string]float64),
		},
		now: time.Now,
	}
}

// String implements fmt.Stringer.
func (p *Progression) String() string { return fmt.Sprintf("progression(%q)", p.path) }

// Status returns a copy of the last status.
func (p *Progression) Status() ProgressionStatus { return p.status }

func (p *Progression) write() error {
	now := p.now()
	p.status.Timestamp = now.Unix()
	p.lastWrite = now
	data, err := json.MarshalIndent(&p.status, "", "  ")
	if err != nil {
		return errkind.Wrapf(errkind.IO, err, "failed to encode progression status")
	}
	dir := filepath.Dir(p.path)
	if err = os.MkdirAll(dir, 0770); err != nil {
		return errkind.Wrapf(errkind.IO, err, "failed to create directory for %q", p.path)
	}
	tmp, err := os.CreateTemp(dir, ".progression-*")
	if err != nil {
		return errkind.Wrapf(errkind.IO, err, "failed to write %q", p.path)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return errkind.Wrapf(errkind.IO, err, "failed to write %q", p.path)
	}
	if err = tmp.Close(); err != nil {
		return errkind.Wrapf(errkind.IO, err, "failed to write %q", p.path)
	}
	if err = os.Rename(tmp.Name(), p.path); err != nil {
		return errkind.Wrapf(errkind.IO, err, "failed to replace %q", p.path)
	}
	return nil
}

// Start implements Sink.
func (p *Progression) Start(info RunInfo) error {
	p.status.StartTime = info.StartTime.Unix()
	p.status.TotalEpochs = int64(info.TotalEpochs)
	p.status.TotalSteps = int64(info.TotalEpochs) * int64(info.BatchesPerEpoch)
	p.status.CurrentEpoch = int64(info.StartEpoch)
	p.status.CurrentStep = int64(info.StartEpoch-1) * int64(info.BatchesPerEpoch)
	p.status.Message = fmt.Sprintf("starting %s at epoch %d", info.Network, info.StartEpoch)
	return p.write()
}

// Iteration implements Sink.
func (p *Progression) Iteration(rec IterationRecord) error {
	p.status.CurrentStep = int64(rec.Iteration)
	p.status.CurrentEpoch = int64(rec.Epoch)
	p.status.TrainingMetrics["loss"] = rec.Loss
	p.status.TrainingMetrics["learning_rate"] = rec.LearningRate
	p.status.Message = fmt.Sprintf("training epoch %d", rec.Epoch)
	if p.now().Sub(p.lastWrite) < p.Interval {
		return nil
	}
	return p.write()
}

// Evaluation implements Sink.
func (p *Progression) Evaluation(rec EvaluationRecord) error {
	p.status.Metrics["accuracy"] = rec.Accuracy
	p.status.Metrics["loss"] = rec.Loss
	p.status.Message = fmt.Sprintf("evaluated epoch %d", rec.Epoch)
	return p.write()
}

// Checkpoint implements Sink.
func (p *Progression) Checkpoint(rec CheckpointRecord) error {
	p.status.Metrics["best_accuracy"] = rec.BestAccuracy
	p.status.Message = fmt.Sprintf("saved %s checkpoint of epoch %d", rec.Tag, rec.Epoch)
	return p.write()
}

// RunFailed implements FailureReporter.
func (p *Progression) RunFailed(err error) {
	p.status.Message = fmt.Sprintf("failed at epoch %d: %v", p.status.CurrentEpoch, err)
	p.failed = true
}

// Close implements Sink.
func (p *Progression) Close() error {
	if !p.failed {
		p.status.Message = fmt.Sprintf("finished at epoch %d", p.status.CurrentEpoch)
	}
	return p.write()
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sinks

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gomlx/resnet-cifar100/internal/errkind"
)

// CSVHeader is the first row of the per-run CSV log.
var CSVHeader = []string{
	"epoch", "iteration", "trained_samples", "total_samples", "loss", "lr", "current epoch wall-clock time",
}

// CSVDirPermMode is the permission (before umask) used to create the log directory.
var CSVDirPermMode = os.FileMode(0770)

// CSV appends one row per iteration record to a CSV file.
// The file is flushed at the end of every epoch (on the evaluation record) and on Close.
type CSV struct {
	Base

	path string
	f    *os.File
	w    *csv.Writer
}

// CSVPath returns the path of the CSV log of a run: <logDir>/<network>/<runName>.csv.
func CSVPath(logDir, network, runName string) string {
	return filepath.Join(logDir, network, runName+".csv")
}

// NewCSV creates (or appends to, if it already exists) the CSV log at path.
// The header is only written to new files. Missing directories are created.
func NewCSV(path string) (*CSV, error) {
	if err := os.MkdirAll(filepath.Dir(path), CSVDirPermMode); err != nil {
		return nil, errkind.Wrapf(errkind.IO, err, "failed to create log directory for %q", path)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0664)
	if err != nil {
		return nil, errkind.Wrapf(errkind.IO, err, "failed to open CSV log %q", path)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, errkind.Wrapf(errkind.IO, err, "failed to stat CSV log %q", path)
	}
	c := &CSV{path: path, f: f, w: csv.NewWriter(f)}
	if info.Size() == 0 {
		if err = c.w.Write(CSVHeader); err != nil {
			_ = f.Close()
			return nil, errkind.Wrapf(errkind.IO, err, "failed to write header to %q", path)
		}
	}
	return c, nil
}

// String implements fmt.Stringer.
func (c *CSV) String() string { return fmt.Sprintf("csv(%q)", c.path) }

// Path of the CSV file.
func (c *CSV) Path() string { return c.path }

// Iteration implements Sink.
func (c *CSV) Iteration(rec IterationRecord) error {
	row := []string{
		strconv.Itoa(rec.Epoch),
		strconv.Itoa(rec.Iteration),
		strconv.Itoa(rec.TrainedSamples),
		strconv.Itoa(rec.TotalSamples),
		strconv.FormatFloat(rec.Loss, 'f', 6, 64),
		strconv.FormatFloat(rec.LearningRate, 'g', 8, 64),
		strconv.FormatFloat(rec.Elapsed.Seconds(), 'f', 3, 64),
	}
	if err := c.w.Write(row); err != nil {
		return errkind.Wrapf(errkind.IO, err, "failed to write to %q", c.path)
	}
	return nil
}

// Evaluation implements Sink: it flushes the rows of the epoch.
func (c *CSV) Evaluation(EvaluationRecord) error {
	return c.flush()
}

func (c *CSV) flush() error {
	c.w.Flush()
	if err := c.w.Error(); err != nil {
		return errkind.Wrapf(errkind.IO, err, "failed to flush %q", c.path)
	}
	return nil
}

// Close implements Sink.
func (c *CSV) Close() error {
	if c.f == nil {
		return nil
	}
	err := c.flush()
	closeErr := c.f.Close()
	c.f = nil
	if err != nil {
		return err
	}
	return errkind.Wrapf(errkind.IO, closeErr, "failed to close %q", c.path)
}

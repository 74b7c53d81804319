// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/gomlx/resnet-cifar100/internal/errkind"
	"github.com/gomlx/resnet-cifar100/pkg/sinks"
	"github.com/gomlx/resnet-cifar100/ui/commandline"
	"github.com/pkg/errors"
)

// Column names of the CSV log, see sinks.CSVHeader.
const (
	colEpoch          = "epoch"
	colIteration      = "iteration"
	colTrainedSamples = "trained_samples"
	colLoss           = "loss"
	colLearningRate   = "lr"
	colElapsed        = "current epoch wall-clock time"
)

var csvLogTypes = map[string]series.Type{
	colEpoch:          series.Int,
	colIteration:      series.Int,
	colTrainedSamples: series.Int,
	"total_samples":   series.Int,
	colLoss:           series.Float,
	colLearningRate:   series.Float,
	colElapsed:        series.Float,
}

// epochSummary aggregates the iteration rows of one epoch of the CSV log.
type epochSummary struct {
	Epoch         int
	Iterations    int
	MeanLoss      float64
	LastLoss      float64
	LearningRate  float64
	Samples       int
	Elapsed       time.Duration
	SamplesPerSec float64
}

// readCSVLog parses the CSV log of a run.
func readCSVLog(r io.Reader) (dataframe.DataFrame, error) {
	df := dataframe.ReadCSV(r, dataframe.HasHeader(true), dataframe.WithTypes(csvLogTypes))
	if df.Err != nil {
		return df, errkind.Wrapf(errkind.Data, df.Err, "failed to parse CSV log")
	}
	for _, col := range sinks.CSVHeader {
		if !slices.Contains(df.Names(), col) {
			return df, errkind.Errorf(errkind.Data, "CSV log is missing column %q", col)
		}
	}
	return df, nil
}

// summarizeEpochs groups the log rows by epoch. Epochs that were re-run after a resume are merged, keeping the
// last values logged.
func summarizeEpochs(df dataframe.DataFrame) []epochSummary {
	if df.Nrow() == 0 {
		return nil
	}
	var epochs []int
	for _, e := range df.Col(colEpoch).Float() {
		if !slices.Contains(epochs, int(e)) {
			epochs = append(epochs, int(e))
		}
	}
	slices.Sort(epochs)

	summaries := make([]epochSummary, 0, len(epochs))
	for _, epoch := range epochs {
		rows := df.Filter(dataframe.F{Colname: colEpoch, Comparator: series.Eq, Comparando: epoch})
		losses := rows.Col(colLoss).Float()
		lrs := rows.Col(colLearningRate).Float()
		s := epochSummary{
			Epoch:        epoch,
			Iterations:   rows.Nrow(),
			MeanLoss:     rows.Col(colLoss).Mean(),
			LastLoss:     losses[len(losses)-1],
			LearningRate: lrs[len(lrs)-1],
			Samples:      int(rows.Col(colTrainedSamples).Max()),
			Elapsed:      time.Duration(rows.Col(colElapsed).Max() * float64(time.Second)),
		}
		if s.Elapsed > 0 {
			s.SamplesPerSec = float64(s.Samples) / s.Elapsed.Seconds()
		}
		summaries = append(summaries, s)
	}
	return summaries
}

// loadEpochSummaries reads the CSV log at path and summarizes it per epoch.
func loadEpochSummaries(path string) ([]epochSummary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errkind.Wrapf(errkind.IO, err, "failed to open CSV log %q", path)
	}
	defer func() { _ = f.Close() }()
	df, err := readCSVLog(f)
	if err != nil {
		return nil, errors.WithMessagef(err, "reading %q", path)
	}
	return summarizeEpochs(df), nil
}

// printEpochs prints the per-epoch summary of a run's CSV log.
func printEpochs(run *runInfo, summaries []epochSummary) {
	fmt.Println(titleStyle.Render(fmt.Sprintf("Epochs of %s/%s", run.Network, run.Name)))
	checkpointed := make(map[int]bool, len(run.Checkpoints))
	for _, ckpt := range run.Checkpoints {
		checkpointed[ckpt.Epoch] = true
	}
	table := newTable([]string{"Epoch", "Iterations", "Mean loss", "Last loss", "LR", "Samples", "Time", "Samples/s"},
		lipgloss.Right)
	for _, s := range summaries {
		table.Row(checkpointed[s.Epoch], fmt.Sprint(s.Epoch), fmt.Sprint(s.Iterations),
			fmt.Sprintf("%.4f", s.MeanLoss), fmt.Sprintf("%.4f", s.LastLoss), fmt.Sprintf("%.6g", s.LearningRate),
			fmt.Sprint(s.Samples), commandline.FormatDuration(s.Elapsed), fmt.Sprintf("%.1f", s.SamplesPerSec))
	}
	fmt.Println(table.Render())
}

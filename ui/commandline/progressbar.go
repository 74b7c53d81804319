// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/resnet-cifar100/pkg/sinks"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
var ProgressbarStyle = progressbar.ThemeASCII

// MaxUpdateFrequency is the minimum time between redraws of the statistics table.
var MaxUpdateFrequency = time.Millisecond * 200

// ProgressBar is a sinks.Sink that displays a progress bar over all the iterations of the run, and a table
// with the current epoch, loss, learning rate and the results of the last evaluation.
//
// Drawing happens asynchronously, so a slow terminal doesn't slow down training.
type ProgressBar struct {
	sinks.Base

	out     io.Writer
	termenv *termenv.Output
	bar     *progressbar.ProgressBar

	statsStyle lipgloss.Style
	statsTable *lgtable.Table

	info          sinks.RunInfo
	lastIteration int
	lastEval      string
	bestAccuracy  float64
	iterStart     time.Time

	updates          chan progressBarUpdate
	asyncUpdatesDone sync.WaitGroup
	isFirstOutput    bool
	started, closed  bool
}

var _ sinks.Sink = (*ProgressBar)(nil)

type progressBarUpdate struct {
	amount int
	rows   [][2]string
}

// NewProgressBar creates a progress bar drawing to out, typically os.Stdout.
func NewProgressBar(out io.Writer) *ProgressBar {
	return &ProgressBar{
		out:           out,
		termenv:       termenv.NewOutput(out),
		statsStyle:    lipgloss.NewStyle().PaddingLeft(8),
		statsTable:    newTable(),
		isFirstOutput: true,
	}
}

// String implements fmt.Stringer.
func (pBar *ProgressBar) String() string { return "progressbar" }

// Start implements sinks.Sink.
func (pBar *ProgressBar) Start(info sinks.RunInfo) error {
	pBar.info = info
	pBar.lastIteration = (info.StartEpoch - 1) * info.BatchesPerEpoch
	pBar.iterStart = time.Now()
	_, _ = fmt.Fprintln(pBar.out, RunInfoTable(info))

	numIterations := max((info.TotalEpochs-info.StartEpoch+1)*info.BatchesPerEpoch, 1)
	pBar.bar = progressbar.NewOptions(numIterations,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(pBar.out),
	)
	pBar.updates = make(chan progressBarUpdate, 100) // Large buffer so training is not blocked.
	pBar.asyncUpdatesDone.Add(1)
	go pBar.drawLoop()
	pBar.started = true
	return nil
}

func (pBar *ProgressBar) drawLoop() {
	defer pBar.asyncUpdatesDone.Done()
	numRowsPrinted := 0
	for update := range pBar.updates {
		// Exhaust the updates in the buffer.
		amount := update.amount
	exhaust:
		for {
			select {
			case newUpdate, ok := <-pBar.updates:
				if !ok {
					break exhaust
				}
				amount += newUpdate.amount
				update = newUpdate
			default:
				break exhaust
			}
		}

		pBar.statsTable.Data(lgtable.NewStringData())
		for _, row := range update.rows {
			pBar.statsTable.Row(row[0], row[1])
		}

		// Move back over the previous table: its rows plus the 2 borders and the bar line.
		pBar.termenv.HideCursor()
		if !pBar.isFirstOutput {
			pBar.termenv.CursorPrevLine(numRowsPrinted + 2 + 1)
		}
		pBar.isFirstOutput = false
		numRowsPrinted = len(update.rows)

		_, _ = fmt.Fprintln(pBar.out, pBar.statsStyle.Render(pBar.statsTable.String()))
		_ = pBar.bar.Add(amount) // Prints progress bar line.
		_, _ = fmt.Fprintln(pBar.out)
		pBar.termenv.ShowCursor()
		time.Sleep(MaxUpdateFrequency)
	}
}

// Iteration implements sinks.Sink.
func (pBar *ProgressBar) Iteration(rec sinks.IterationRecord) error {
	if !pBar.started || pBar.closed {
		return nil
	}
	amount := rec.Iteration - pBar.lastIteration
	if amount <= 0 {
		return nil
	}
	now := time.Now()
	stepDuration := now.Sub(pBar.iterStart) / time.Duration(amount)
	pBar.lastIteration = rec.Iteration
	pBar.iterStart = now

	update := progressBarUpdate{amount: amount}
	update.rows = append(update.rows,
		[2]string{"Epoch", fmt.Sprintf("%d of %d", rec.Epoch, pBar.info.TotalEpochs)},
		[2]string{"Samples", fmt.Sprintf("%s of %s", humanize.Comma(int64(rec.TrainedSamples)), humanize.Comma(int64(rec.TotalSamples)))},
		[2]string{"Global step", humanize.Comma(int64(rec.Iteration))},
		[2]string{"Train step duration", FormatDuration(stepDuration)},
		[2]string{"Loss", fmt.Sprintf("%.4f", rec.Loss)},
		[2]string{"Learning rate", fmt.Sprintf("%.6g", rec.LearningRate)},
	)
	if pBar.lastEval != "" {
		update.rows = append(update.rows,
			[2]string{"Last evaluation", pBar.lastEval},
			[2]string{"Best accuracy", fmt.Sprintf("%.2f%%", 100*pBar.bestAccuracy)})
	}
	pBar.updates <- update
	return nil
}

// Evaluation implements sinks.Sink.
func (pBar *ProgressBar) Evaluation(rec sinks.EvaluationRecord) error {
	pBar.lastEval = fmt.Sprintf("epoch %d: loss %.4f, accuracy %.2f%%", rec.Epoch, rec.Loss, 100*rec.Accuracy)
	pBar.bestAccuracy = max(pBar.bestAccuracy, rec.Accuracy)
	return nil
}

// Checkpoint implements sinks.Sink.
func (pBar *ProgressBar) Checkpoint(rec sinks.CheckpointRecord) error {
	pBar.bestAccuracy = max(pBar.bestAccuracy, rec.BestAccuracy)
	return nil
}

// Close implements sinks.Sink: it waits for the pending updates to be drawn.
func (pBar *ProgressBar) Close() error {
	if !pBar.started || pBar.closed {
		return nil
	}
	pBar.closed = true
	close(pBar.updates)
	pBar.asyncUpdatesDone.Wait()
	pBar.termenv.ShowCursor()
	_, _ = fmt.Fprintln(pBar.out)
	return nil
}

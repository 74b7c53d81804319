// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains the command-line UI of a training run: a progress bar sink, the
// summary table printed when a run starts, and the parsing of hyperparameter settings.
package commandline

import (
	"fmt"
	"slices"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/resnet-cifar100/pkg/sinks"
	"golang.org/x/exp/maps"
)

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
	headerStyle       = lipgloss.NewStyle().Bold(true).Padding(0, 1).Foreground(lipgloss.Color("#B090E0"))
)

func newTable() *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
}

// RunInfoTable renders the description of a run as a table.
func RunInfoTable(info sinks.RunInfo) string {
	table := newTable().Headers("Run", info.RunName)
	table.Row("Network", info.Network)
	table.Row("Directory", info.RunDir)
	table.Row("Epochs", fmt.Sprintf("%d to %d", info.StartEpoch, info.TotalEpochs))
	table.Row("Batches per epoch", humanize.Comma(int64(info.BatchesPerEpoch)))
	table.Row("Parameters", humanize.Comma(int64(info.NumParameters)))
	keys := maps.Keys(info.Config)
	slices.Sort(keys)
	for _, key := range keys {
		table.Row(key, info.Config[key])
	}
	return table.String()
}

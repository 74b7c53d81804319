// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/resnet-cifar100/pkg/checkpoints"
	"github.com/gomlx/resnet-cifar100/pkg/resnet"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// runInfo collects what is on disk about one training run.
type runInfo struct {
	Network, Name, Dir string
	Start              time.Time

	// Label is a short name unique among the runs being reported.
	Label string

	Checkpoints []checkpointInfo
	Bytes       int64
}

type checkpointInfo struct {
	checkpoints.Entry
	Metadata *checkpoints.Metadata
	Bytes    int64
}

// LastEpoch returns the last checkpointed epoch, or 0.
func (r *runInfo) LastEpoch() int {
	if len(r.Checkpoints) == 0 {
		return 0
	}
	return r.Checkpoints[len(r.Checkpoints)-1].Epoch
}

// Best returns the checkpoint with the highest accuracy, or nil if the run has no readable checkpoint.
func (r *runInfo) Best() *checkpointInfo {
	var best *checkpointInfo
	for ii := range r.Checkpoints {
		ckpt := &r.Checkpoints[ii]
		if ckpt.Metadata == nil {
			continue
		}
		if best == nil || ckpt.Metadata.Accuracy > best.Metadata.Accuracy {
			best = ckpt
		}
	}
	return best
}

// collectRuns lists the runs under the checkpoint root directory. If network is empty, all known
// networks are considered. If runName is given, only runs with that name are returned.
func collectRuns(root, network, runName string) ([]*runInfo, error) {
	networks := resnet.Networks()
	if network != "" {
		arch, err := resnet.ByName(network)
		if err != nil {
			return nil, err
		}
		networks = []string{arch.Name}
	}
	var runs []*runInfo
	for _, net := range networks {
		store := checkpoints.New(root, net)
		names, err := store.ListRuns()
		if err != nil {
			return nil, err
		}
		for _, name := range names {
			if runName != "" && name != runName {
				continue
			}
			run, err := loadRun(store, name)
			if err != nil {
				return nil, err
			}
			runs = append(runs, run)
		}
	}
	if len(runs) == 1 {
		runs[0].Label = runs[0].Name
		return runs, nil
	}
	dirs := make([]string, len(runs))
	for ii, run := range runs {
		dirs[ii] = run.Dir
	}
	for ii, label := range MinimalUniquePaths(dirs...) {
		runs[ii].Label = label
	}
	return runs, nil
}

func loadRun(store *checkpoints.Store, name string) (*runInfo, error) {
	run := &runInfo{Network: store.Network(), Name: name, Dir: store.RunDir(name)}
	run.Start, _ = checkpoints.ParseRunName(name)
	entries, err := checkpoints.List(run.Dir)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		ckpt := checkpointInfo{Entry: entry}
		ckpt.Metadata, err = checkpoints.LoadMetadata(entry.Path)
		if err != nil {
			klog.Warningf("Skipping metadata of %q: %v", entry.Path, err)
		}
		if ckpt.Bytes, err = entry.Bytes(); err != nil {
			klog.Warningf("Skipping size of %q: %v", entry.Path, err)
		}
		run.Bytes += ckpt.Bytes
		run.Checkpoints = append(run.Checkpoints, ckpt)
	}
	return run, nil
}

// printRuns prints one row per run. The run with the best accuracy is highlighted.
func printRuns(runs []*runInfo) {
	fmt.Println(titleStyle.Render("Runs"))
	bestIdx, bestAcc := -1, 0.0
	for ii, run := range runs {
		if best := run.Best(); best != nil && (bestIdx == -1 || best.Metadata.Accuracy > bestAcc) {
			bestIdx, bestAcc = ii, best.Metadata.Accuracy
		}
	}
	table := newTable([]string{"Network", "Run", "Started", "Checkpoints", "Last epoch", "Best acc.", "Best epoch", "Size"},
		lipgloss.Left, lipgloss.Left, lipgloss.Left, lipgloss.Right)
	for ii, run := range runs {
		started := "-"
		if !run.Start.IsZero() {
			started = humanize.Time(run.Start)
		}
		bestAccStr, bestEpoch := "-", "-"
		if best := run.Best(); best != nil {
			bestAccStr = fmt.Sprintf("%.2f%%", 100*best.Metadata.Accuracy)
			bestEpoch = fmt.Sprint(best.Epoch)
		}
		table.Row(ii == bestIdx, run.Network, run.Name, started,
			humanize.Comma(int64(len(run.Checkpoints))), fmt.Sprint(run.LastEpoch()),
			bestAccStr, bestEpoch, humanize.IBytes(uint64(run.Bytes)))
	}
	fmt.Println(table.Render())
}

// printCheckpoints prints the checkpoints of a run, highlighting the best one.
func printCheckpoints(run *runInfo) {
	fmt.Println(titleStyle.Render(fmt.Sprintf("Checkpoints of %s/%s", run.Network, run.Name)))
	best := run.Best()
	table := newTable([]string{"Epoch", "Tag", "Accuracy", "Loss", "Saved", "Size", "File"},
		lipgloss.Right, lipgloss.Left, lipgloss.Right, lipgloss.Right, lipgloss.Left, lipgloss.Right, lipgloss.Left)
	for ii := range run.Checkpoints {
		ckpt := &run.Checkpoints[ii]
		acc, loss, saved := "-", "-", "-"
		if ckpt.Metadata != nil {
			acc = fmt.Sprintf("%.2f%%", 100*ckpt.Metadata.Accuracy)
			loss = fmt.Sprintf("%.4f", ckpt.Metadata.Loss)
			if !ckpt.Metadata.SavedAt.IsZero() {
				saved = ckpt.Metadata.SavedAt.Format(time.DateTime)
			}
		}
		table.Row(ckpt == best, fmt.Sprint(ckpt.Epoch), string(ckpt.Tag), acc, loss, saved,
			humanize.IBytes(uint64(ckpt.Bytes)), filepath.Base(ckpt.Path))
	}
	fmt.Println(table.Render())
}

// selectRun returns the single run to report on, the most recent one if more than one is listed.
func selectRun(runs []*runInfo) (*runInfo, error) {
	if len(runs) == 0 {
		return nil, errors.New("no runs found")
	}
	latest := runs[0]
	for _, run := range runs[1:] {
		if run.Start.After(latest.Start) {
			latest = run
		}
	}
	return latest, nil
}

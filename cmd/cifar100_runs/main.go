// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// cifar100_runs reports on the training runs saved by train_cifar100: their checkpoints, the per-epoch summary
// of the CSV logs and the metrics collected for plotting.
//
// Example:
//
//	$ cifar100_runs -net=resnet18 -checkpoints -epochs
//	$ cifar100_runs -metrics -metrics_types=accuracy -plot
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/resnet-cifar100/pkg/sinks"
	"github.com/gomlx/resnet-cifar100/ui/plots"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagCheckpointDir = flag.String("checkpoint_dir", "~/work/resnet-cifar100/checkpoint",
		"Root directory of the checkpoints, with one subdirectory per network.")
	flagLogDir = flag.String("log_dir", "~/work/resnet-cifar100/runs", "Root directory of the CSV logs.")
	flagNet    = flag.String("net", "", "Network to report on. If empty, all networks found are reported.")
	flagRun    = flag.String("run", "", "Name of the run to report on. If empty, all runs are listed and the "+
		"most recent one is used for the per-run reports.")

	flagCheckpoints = flag.Bool("checkpoints", false, "Lists the checkpoints of the run.")
	flagEpochs      = flag.Bool("epochs", false, "Summarizes the CSV log of the run per epoch.")
	flagMetrics     = flag.Bool("metrics", false,
		fmt.Sprintf("Lists the metrics collected for plotting in file %q.", plots.TrainingPlotFileName))
	flagMetricsNames = flag.String("metrics_names", "",
		"Regular expression that, if it matches the name or short name of a metric, includes it in -metrics and -plot.")
	flagMetricsTypes = flag.String("metrics_types", "",
		"Comma-separated list of metric types (loss, accuracy, learning_rate, norm) to include in -metrics and -plot.")
	flagPlot     = flag.Bool("plot", false, "Plots the metrics of all runs listed to an HTML file.")
	flagPlotFile = flag.String("plot_file", "", "File to write the plots to. If empty, a temporary file is created.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if flag.NArg() > 0 {
		klog.Errorf("Unexpected arguments %v. See 'cifar100_runs -help'.", flag.Args())
		os.Exit(1)
	}
	if err := report(); err != nil {
		klog.Errorf("%+v", err)
		os.Exit(1)
	}
}

func report() error {
	root := must.M1(fsutil.ReplaceTildeInDir(*flagCheckpointDir))
	runs, err := collectRuns(root, *flagNet, *flagRun)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Printf("No runs found in %q\n", root)
		return nil
	}
	printRuns(runs)

	if *flagCheckpoints || *flagEpochs {
		run, err := selectRun(runs)
		if err != nil {
			return err
		}
		if *flagCheckpoints {
			printCheckpoints(run)
		}
		if *flagEpochs {
			logDir := must.M1(fsutil.ReplaceTildeInDir(*flagLogDir))
			summaries, err := loadEpochSummaries(sinks.CSVPath(logDir, run.Network, run.Name))
			if err != nil {
				return err
			}
			printEpochs(run, summaries)
		}
	}

	if *flagMetrics || *flagPlot {
		filter, err := newMetricsFilter(*flagMetricsNames, *flagMetricsTypes)
		if err != nil {
			return err
		}
		points := loadRunPoints(runs, filter)
		if *flagMetrics {
			printMetrics(runs, points)
		}
		if *flagPlot {
			fileName, err := writePlots(*flagPlotFile, runs, points)
			if err != nil {
				return err
			}
			fmt.Printf("\nPlots written to:\t%s\n\n", fileName)
		}
	}
	return nil
}

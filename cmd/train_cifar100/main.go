// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// train_cifar100 trains a ResNet on CIFAR-100, saving checkpoints of the best and of every few epochs,
// and can resume the most recent run of the network.
//
// Example:
//
//	$ train_cifar100 -net resnet18 -b 128 -warm 1 -lr 0.1
//	$ train_cifar100 -net resnet18 -resume
//
// Hyperparameters of the model and optimizer can be changed with -set, e.g. -set "sgd_momentum=0.8".
//
// It runs as a single process: a launcher setting WORLD_SIZE > 1 is refused with a configuration error.
package main

import (
	stdctx "context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/resnet-cifar100/internal/errkind"
	"github.com/gomlx/resnet-cifar100/pkg/checkpoints"
	"github.com/gomlx/resnet-cifar100/pkg/cifar100"
	"github.com/gomlx/resnet-cifar100/pkg/engine"
	"github.com/gomlx/resnet-cifar100/pkg/resnet"
	"github.com/gomlx/resnet-cifar100/pkg/sinks"
	"github.com/gomlx/resnet-cifar100/pkg/training"
	"github.com/gomlx/resnet-cifar100/pkg/workers"
	"github.com/gomlx/resnet-cifar100/ui/commandline"
	"github.com/gomlx/resnet-cifar100/ui/plots"
	"k8s.io/klog/v2"
)

var (
	flagNet       = flag.String("net", "", fmt.Sprintf("Network to train, one of %q. Required.", resnet.Networks()))
	flagGPU       = flag.Bool("gpu", true, "Use an accelerator if one is available, otherwise train on the CPU.")
	flagBatchSize = flag.Int("b", training.DefaultBatchSize, "Batch size for training and evaluation.")
	flagEpochs    = flag.Int("e", training.DefaultEpochs, "Number of epochs to train.")
	flagWarm      = flag.Int("warm", training.DefaultWarmEpochs, "Epochs of linear learning rate warmup.")
	flagLR        = flag.Float64("lr", training.DefaultLearningRate, "Base learning rate, reached after the warmup.")

	flagMilestones = flag.String("milestones", training.FormatMilestones(training.DefaultMilestones),
		"Comma-separated epochs at which the learning rate is multiplied by -gamma.")
	flagGamma     = flag.Float64("gamma", training.DefaultGamma, "Learning rate decay factor at each milestone.")
	flagWD        = flag.Float64("wd", 5e-4, "Weight decay (L2 penalty) of the optimizer.")
	flagSaveEvery = flag.Int("save_every", training.DefaultSaveEvery, "Interval, in epochs, of the regular checkpoints.")
	flagBestAfter = flag.Int("best_after", 0, "Only save best checkpoints after this epoch.")
	flagResume    = flag.Bool("resume", false, "Resume the most recent run of the network.")
	flagProfile   = flag.Bool("profile", false, "Stop after the first training batch, to profile the step.")
)

// Paths and reporting.
var (
	flagDataDir       = flag.String("data", "~/work/cifar100", "Directory to download and read the dataset from.")
	flagCheckpointDir = flag.String("checkpoint_dir", "~/work/resnet-cifar100/checkpoint",
		"Root directory of the checkpoints, organized as <root>/<net>/<run>.")
	flagLogDir    = flag.String("log_dir", "~/work/resnet-cifar100/runs", "Root directory of the CSV logs.")
	flagLogEvery  = flag.Int("log_every", 100, "Interval, in iterations, of the console log (at -v=1).")
	flagPlotEvery = flag.Int("plot_every", 20,
		fmt.Sprintf("Interval, in iterations, of the points written to %q in the run directory.", plots.TrainingPlotFileName))
	flagProgressBar = flag.Bool("progress", true, "Display a progress bar in the terminal.")
	flagTracker     = flag.String("tracker", "", "URL of an MLflow compatible tracking server. Empty disables it.")
	flagExperiment  = flag.String("experiment", "0", "Experiment id in the tracking server.")
)

// createDefaultContext sets the context with the default hyperparameters.
func createDefaultContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		engine.ParamMomentum:         0.9,
		engine.ParamWeightDecay:      5e-4,
		engine.ParamHistogramBuckets: 20,
	})
	return ctx
}

func main() {
	klog.InitFlags(nil)
	ctx := createDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	flag.Parse()
	if _, err := run(ctx, *settings); err != nil {
		klog.Errorf("Training failed: %+v", err)
		klog.Flush()
		os.Exit(1)
	}
	klog.Flush()
}

func run(ctx *context.Context, settings string) (bestAccuracy float64, err error) {
	ctx.SetParam(engine.ParamWeightDecay, *flagWD)
	paramsSet, err := commandline.ParseContextSettings(ctx, settings)
	if err != nil {
		return 0, err
	}
	cfg, err := configFromFlags()
	if err != nil {
		return 0, err
	}
	arch, err := resnet.ByName(cfg.Network)
	if err != nil {
		return 0, err
	}
	cfg.Network = arch.Name

	worker, err := workers.FromEnv()
	if err != nil {
		return 0, err
	}
	if !*flagGPU && os.Getenv(backends.ConfigEnvVar) == "" {
		if err = os.Setenv(backends.ConfigEnvVar, "xla:cpu"); err != nil {
			return 0, errkind.Wrapf(errkind.Config, err, "failed to select the CPU backend")
		}
	}
	var backend backends.Backend
	if err = exceptions.TryCatch[error](func() { backend = backends.MustNew() }); err != nil {
		return 0, errkind.Wrapf(errkind.Config, err, "failed to create a backend")
	}
	klog.Infof("Worker %s: backend %s", worker, backend.Name())

	trainData, testData, err := loadData(backend, cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	model, err := engine.New(backend, ctx, arch, cifar100.NumClasses, cifar100.Height, cifar100.Width, cifar100.Depth)
	if err != nil {
		return 0, err
	}

	checkpointDir, err := fsutil.ReplaceTildeInDir(*flagCheckpointDir)
	if err != nil {
		return 0, errkind.Wrapf(errkind.Config, err, "invalid -checkpoint_dir")
	}
	logDir, err := fsutil.ReplaceTildeInDir(*flagLogDir)
	if err != nil {
		return 0, errkind.Wrapf(errkind.Config, err, "invalid -log_dir")
	}

	hyperparameters := commandline.ModifiedContextSettings(ctx, paramsSet)
	hyperparameters[engine.ParamMomentum] = fmt.Sprint(context.GetParamOr(ctx, engine.ParamMomentum, 0.9))
	hyperparameters[engine.ParamWeightDecay] = fmt.Sprint(context.GetParamOr(ctx, engine.ParamWeightDecay, 5e-4))
	hyperparameters["world_size"] = fmt.Sprint(worker.WorldSize)

	rc := &training.RunContext{
		Config:   cfg,
		Model:    model,
		Train:    trainData,
		Test:     testData,
		Store:    checkpoints.New(checkpointDir, cfg.Network),
		Sink:     createSink(worker, logDir),
		Worker:   worker,
		Settings: hyperparameters,
		Now:      time.Now,
	}
	runCtx, stop := signal.NotifyContext(stdctx.Background(), os.Interrupt)
	defer stop()
	return rc.Run(runCtx)
}

func configFromFlags() (training.Config, error) {
	cfg := training.DefaultConfig()
	cfg.Network = *flagNet
	cfg.BatchSize = *flagBatchSize
	cfg.Epochs = *flagEpochs
	cfg.WarmEpochs = *flagWarm
	cfg.LearningRate = *flagLR
	cfg.Gamma = *flagGamma
	cfg.SaveEvery = *flagSaveEvery
	cfg.BestAfter = *flagBestAfter
	cfg.Resume = *flagResume
	cfg.Profile = *flagProfile
	var err error
	if cfg.Milestones, err = training.ParseMilestones(*flagMilestones); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// loadData downloads CIFAR-100 if needed, normalizes each partition with its own statistics and
// creates the datasets. Evaluation always covers the whole test partition.
func loadData(backend backends.Backend, batchSize int) (trainData, testData training.Partition, err error) {
	dataDir, err := fsutil.ReplaceTildeInDir(*flagDataDir)
	if err != nil {
		return trainData, testData, errkind.Wrapf(errkind.Config, err, "invalid -data")
	}
	if err = cifar100.Download(dataDir); err != nil {
		return trainData, testData, err
	}
	trainImages, testImages, err := cifar100.Load(dataDir)
	if err != nil {
		return trainData, testData, err
	}
	for _, im := range []*cifar100.Images{trainImages, testImages} {
		if err = im.NormalizeWithOwnStats(); err != nil {
			return trainData, testData, err
		}
	}
	klog.V(1).Infof("Loaded %s (train) and %s (test)", trainImages, testImages)

	trainDS, err := trainImages.Dataset(backend, "train", batchSize, true)
	if err != nil {
		return trainData, testData, err
	}
	testDS, err := testImages.Dataset(backend, "test", batchSize, true)
	if err != nil {
		return trainData, testData, err
	}
	seed := uint64(time.Now().UnixNano())
	trainData = training.Partition{
		Dataset:     cifar100.NewAugmentedDataset(trainDS, cifar100.DefaultAugmentation, seed),
		NumExamples: trainImages.NumExamples(),
		BatchSize:   batchSize,
	}
	testData = training.Partition{Dataset: testDS, NumExamples: testImages.NumExamples(), BatchSize: batchSize}
	return trainData, testData, nil
}

// createSink creates the metrics sinks of the coordinator. Other workers discard their records.
func createSink(worker workers.Worker, logDir string) sinks.Sink {
	if !worker.IsCoordinator() {
		return sinks.Discard{}
	}
	multi := sinks.Multi{
		sinks.NewConsole(*flagLogEvery),
		sinks.NewDeferred(func(info sinks.RunInfo) (sinks.Sink, error) {
			return sinks.NewCSV(sinks.CSVPath(logDir, info.Network, info.RunName))
		}),
		sinks.NewDeferred(func(info sinks.RunInfo) (sinks.Sink, error) {
			return plots.NewTimeSeries(info.RunDir, *flagPlotEvery), nil
		}),
		sinks.NewDeferred(func(info sinks.RunInfo) (sinks.Sink, error) {
			return sinks.NewProgression(sinks.ProgressionPath(info.RunDir)), nil
		}),
	}
	if *flagTracker != "" {
		multi = append(multi, sinks.NewTracker(*flagTracker, *flagExperiment))
	}
	if *flagProgressBar {
		multi = append(multi, commandline.NewProgressBar(os.Stdout))
	}
	return multi
}

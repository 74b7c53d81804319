// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package training

import (
	"context"
	"path/filepath"
	"time"

	"github.com/gomlx/resnet-cifar100/internal/errkind"
	"github.com/gomlx/resnet-cifar100/pkg/checkpoints"
	"github.com/gomlx/resnet-cifar100/pkg/sinks"
	"github.com/gomlx/resnet-cifar100/pkg/workers"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// RunContext holds everything a run needs. It is built once at startup and owned by the run.
type RunContext struct {
	Config Config
	Model  Model

	// Train and Test partitions. Test is always evaluated in full.
	Train, Test Partition

	Store  *checkpoints.Store
	Sink   sinks.Sink
	Worker workers.Worker

	// Extra settings reported to the sinks along with Config, e.g. the model hyperparameters.
	Settings map[string]string

	Now func() time.Time
}

// resumeAction is the outcome of the resume decision table.
type resumeAction int

const (
	startNewRun resumeAction = iota
	failNothingToResume
	resumeWithBest
	resumeWithoutBest
)

type resumeKey struct {
	requested, folderFound, bestFound bool
}

// resumeTable maps (resume requested, recent run folder found, best weights found) to what the run does.
var resumeTable = map[resumeKey]resumeAction{
	{requested: false, folderFound: false, bestFound: false}: startNewRun,
	{requested: false, folderFound: true, bestFound: false}:  startNewRun,
	{requested: false, folderFound: true, bestFound: true}:   startNewRun,
	{requested: true, folderFound: false, bestFound: false}:  failNothingToResume,
	{requested: true, folderFound: true, bestFound: true}:    resumeWithBest,
	{requested: true, folderFound: true, bestFound: false}:   resumeWithoutBest,
}

// ResumePoint is where a run starts.
type ResumePoint struct {
	RunDir string

	// Epoch is the last epoch already trained: epochs up to it are skipped. 0 for a new run.
	Epoch int

	// BestAccuracy restored from the best checkpoint, 0 if none.
	BestAccuracy float64

	// WeightsPath of the checkpoint to restore the model from, "" for a new run.
	WeightsPath string
}

// ResolveResume decides where the run starts, following resumeTable.
//
// When resuming, the model is restored from the most recent checkpoint of the most recent run, and the
// best accuracy from the metadata of its best checkpoint. Any failure is an errkind.Load error: there is
// no fallback to training from scratch.
func (rc *RunContext) ResolveResume() (ResumePoint, error) {
	var key resumeKey
	var point ResumePoint
	key.requested = rc.Config.Resume
	var err error
	point.RunDir, key.folderFound, err = rc.Store.FindMostRecentRun()
	if err != nil {
		return point, errkind.Wrapf(errkind.Load, err, "failed to look for previous runs")
	}
	var bestPath string
	if key.folderFound {
		bestPath, key.bestFound, err = checkpoints.FindBestWeights(point.RunDir)
		if err != nil {
			return point, errkind.Wrapf(errkind.Load, err, "failed to look for best weights in %q", point.RunDir)
		}
	}

	switch resumeTable[key] {
	case startNewRun:
		return ResumePoint{}, nil

	case failNothingToResume:
		return point, errkind.Errorf(errkind.Load, "%s: no previous run of %q to resume", rc.Store, rc.Config.Network)

	case resumeWithBest:
		meta, err := checkpoints.LoadMetadata(bestPath)
		if err != nil {
			return point, err
		}
		point.BestAccuracy = meta.Accuracy
		klog.Infof("Found best weights %q with accuracy %.4f", bestPath, meta.Accuracy)
	}

	// resumeWithBest and resumeWithoutBest restore the most recent weights.
	lastPath, found, err := checkpoints.FindLastWeights(point.RunDir)
	if err != nil {
		return point, errkind.Wrapf(errkind.Load, err, "failed to look for weights in %q", point.RunDir)
	}
	if !found {
		return point, errkind.Errorf(errkind.Load, "no weights found in %q to resume from", point.RunDir)
	}
	point.WeightsPath = lastPath
	point.Epoch, err = checkpoints.FindLastEpoch(point.RunDir)
	if err != nil {
		return point, errkind.Wrapf(errkind.Load, err, "failed to find the last epoch in %q", point.RunDir)
	}
	return point, nil
}

func (rc *RunContext) now() time.Time {
	if rc.Now != nil {
		return rc.Now()
	}
	return time.Now()
}

// Run trains and evaluates epochs 1 to Config.Epochs, skipping the epochs already trained by a resumed run,
// and saves checkpoints. It returns the best accuracy of the run.
//
// After each evaluation the accuracy is compared to the best so far: a strictly better accuracy (after
// Config.BestAfter epochs) saves a "best" checkpoint, and that epoch is not considered for the regular
// checkpoint. Otherwise, every Config.SaveEvery epochs a "regular" checkpoint is saved.
//
// In profiling mode Run stops after the first batch of the first trained epoch.
//
// The sink is closed when Run returns, also on failure.
func (rc *RunContext) Run(ctx context.Context) (bestAccuracy float64, err error) {
	defer func() {
		if err != nil {
			sinks.ReportFailure(rc.Sink, err)
		}
		closeErr := rc.Sink.Close()
		if err == nil && closeErr != nil {
			err = errors.WithMessage(closeErr, "failed to close metrics sinks")
		}
	}()

	if err = rc.Config.Validate(); err != nil {
		return 0, err
	}
	start := rc.now()
	point, err := rc.ResolveResume()
	if err != nil {
		return 0, err
	}
	if point.WeightsPath != "" {
		ckpt, err := checkpoints.Load(point.WeightsPath)
		if err != nil {
			return 0, err
		}
		if err = rc.Model.SetParameters(ckpt.Params); err != nil {
			return 0, errors.WithMessagef(err, "restoring weights from %q", point.WeightsPath)
		}
		klog.Infof("Resuming %q from epoch %d (best accuracy %.4f)", point.RunDir, point.Epoch, point.BestAccuracy)
	} else if rc.Worker.IsCoordinator() {
		if point.RunDir, err = rc.Store.CreateRun(start); err != nil {
			return 0, err
		}
	}
	bestAccuracy = point.BestAccuracy

	batchesPerEpoch := rc.Train.NumBatches()
	schedule := NewSchedule(&rc.Config, batchesPerEpoch)
	schedule.Resume(point.Epoch, batchesPerEpoch)
	trainer := NewTrainer(rc.Model, schedule, rc.Sink)
	if rc.Config.Profile {
		trainer.MaxBatches = 1
	}
	evaluator := NewEvaluator(rc.Model, rc.Test, rc.Sink)

	config := rc.Config.Map()
	for k, v := range rc.Settings {
		config[k] = v
	}
	runName := ""
	if point.RunDir != "" {
		runName = filepath.Base(point.RunDir)
	}
	err = rc.Sink.Start(sinks.RunInfo{
		Network:         rc.Config.Network,
		RunName:         runName,
		RunDir:          point.RunDir,
		StartEpoch:      point.Epoch + 1,
		TotalEpochs:     rc.Config.Epochs,
		BatchesPerEpoch: batchesPerEpoch,
		NumParameters:   rc.Model.NumParameters(),
		Config:          config,
		ModelSummary:    rc.Model.Summary(),
		StartTime:       start,
	})
	if err != nil {
		return bestAccuracy, err
	}

	for epoch := 1; epoch <= rc.Config.Epochs; epoch++ {
		if epoch <= point.Epoch {
			continue
		}
		schedule.StartEpoch(epoch)
		if err = trainer.RunEpoch(ctx, epoch, rc.Train); err != nil {
			return bestAccuracy, err
		}
		if rc.Config.Profile {
			klog.Infof("Profiling: stopping after the first batch of epoch %d", epoch)
			return bestAccuracy, nil
		}
		accuracy, err := evaluator.Evaluate(ctx, epoch)
		if err != nil {
			return bestAccuracy, err
		}
		if bestAccuracy, err = rc.checkpoint(point.RunDir, epoch, accuracy, bestAccuracy, evaluator.Last().Loss); err != nil {
			return bestAccuracy, err
		}
	}
	klog.Infof("Finished %d epochs of %q: best accuracy %.4f", rc.Config.Epochs, rc.Config.Network, bestAccuracy)
	return bestAccuracy, nil
}

// checkpoint saves the model after the evaluation of the epoch, if warranted, and returns the new best accuracy.
func (rc *RunContext) checkpoint(runDir string, epoch int, accuracy, bestAccuracy, loss float64) (float64, error) {
	tag := checkpoints.Tag("")
	switch {
	case epoch > rc.Config.BestAfter && accuracy > bestAccuracy:
		tag = checkpoints.TagBest
		bestAccuracy = accuracy
	case epoch%rc.Config.SaveEvery == 0:
		tag = checkpoints.TagRegular
	default:
		return bestAccuracy, nil
	}
	if !rc.Worker.IsCoordinator() {
		return bestAccuracy, nil
	}
	params, err := rc.Model.Parameters()
	if err != nil {
		return bestAccuracy, errors.WithMessagef(err, "reading parameters to save epoch %d", epoch)
	}
	path, err := rc.Store.Save(runDir, epoch, tag, params, checkpoints.Metadata{Accuracy: accuracy, Loss: loss})
	if err != nil {
		return bestAccuracy, err
	}
	err = rc.Sink.Checkpoint(sinks.CheckpointRecord{
		Epoch:        epoch,
		Tag:          string(tag),
		Path:         path,
		Accuracy:     accuracy,
		BestAccuracy: bestAccuracy,
	})
	return bestAccuracy, err
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package training implements the epoch loop of a run: the Trainer runs the optimization steps of an epoch,
// the Evaluator scores the model on the test partition, and the RunContext drives both over the epochs,
// resuming previous runs and saving checkpoints.
//
// The numeric work is done by a Model, implemented with GoMLX in package engine.
package training

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/resnet-cifar100/internal/errkind"
)

// Default values of Config.
const (
	DefaultBatchSize    = 128
	DefaultEpochs       = 200
	DefaultWarmEpochs   = 1
	DefaultLearningRate = 0.1
	DefaultSaveEvery    = 10
	DefaultGamma        = 0.2
)

// DefaultMilestones are the epochs at which the learning rate is multiplied by Config.Gamma.
var DefaultMilestones = []int{60, 120, 160}

// Config holds the settings of a run.
type Config struct {
	// Network is the name of the model, e.g. "resnet18". Required.
	Network string

	BatchSize int

	// Epochs is the number of epochs of the run.
	Epochs int

	// WarmEpochs is the number of epochs of linear learning rate warmup.
	WarmEpochs int

	// LearningRate is the base learning rate, reached at the end of the warmup.
	LearningRate float64

	// Milestones (epochs) and Gamma configure the multi-step learning rate decay after the warmup.
	Milestones []int
	Gamma      float64

	// SaveEvery is the interval, in epochs, of the regular checkpoints.
	SaveEvery int

	// BestAfter is the epoch after which best checkpoints are considered. 0 considers every epoch.
	BestAfter int

	// Resume continues the most recent run of the network.
	Resume bool

	// Profile stops after the first training batch.
	Profile bool
}

// DefaultConfig returns a Config with the default values, but no network.
func DefaultConfig() Config {
	return Config{
		BatchSize:    DefaultBatchSize,
		Epochs:       DefaultEpochs,
		WarmEpochs:   DefaultWarmEpochs,
		LearningRate: DefaultLearningRate,
		Milestones:   slices.Clone(DefaultMilestones),
		Gamma:        DefaultGamma,
		SaveEvery:    DefaultSaveEvery,
	}
}

// Validate returns an errkind.Config error describing the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case c.Network == "":
		return errkind.New(errkind.Config, "the network must be given (-net)")
	case c.BatchSize <= 0:
		return errkind.Errorf(errkind.Config, "batch size must be > 0, got %d", c.BatchSize)
	case c.Epochs <= 0:
		return errkind.Errorf(errkind.Config, "number of epochs must be > 0, got %d", c.Epochs)
	case c.WarmEpochs < 0:
		return errkind.Errorf(errkind.Config, "warmup epochs must be >= 0, got %d", c.WarmEpochs)
	case c.LearningRate <= 0:
		return errkind.Errorf(errkind.Config, "learning rate must be > 0, got %g", c.LearningRate)
	case c.Gamma <= 0:
		return errkind.Errorf(errkind.Config, "learning rate decay gamma must be > 0, got %g", c.Gamma)
	case c.SaveEvery <= 0:
		return errkind.Errorf(errkind.Config, "checkpoint interval must be > 0, got %d", c.SaveEvery)
	case c.BestAfter < 0:
		return errkind.Errorf(errkind.Config, "best-after epoch must be >= 0, got %d", c.BestAfter)
	}
	if !slices.IsSorted(c.Milestones) {
		return errkind.Errorf(errkind.Config, "milestones must be in increasing order, got %v", c.Milestones)
	}
	return nil
}

// Map returns the settings formatted as strings, keyed by the name of their command-line flag.
func (c *Config) Map() map[string]string {
	return map[string]string{
		"net":        c.Network,
		"b":          strconv.Itoa(c.BatchSize),
		"e":          strconv.Itoa(c.Epochs),
		"warm":       strconv.Itoa(c.WarmEpochs),
		"lr":         fmt.Sprint(c.LearningRate),
		"milestones": FormatMilestones(c.Milestones),
		"gamma":      fmt.Sprint(c.Gamma),
		"save_every": strconv.Itoa(c.SaveEvery),
		"best_after": strconv.Itoa(c.BestAfter),
		"resume":     strconv.FormatBool(c.Resume),
		"profile":    strconv.FormatBool(c.Profile),
	}
}

// ParseMilestones parses a comma-separated list of epochs. An empty string means no milestones.
func ParseMilestones(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	milestones := make([]int, 0, len(parts))
	for _, part := range parts {
		epoch, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || epoch <= 0 {
			return nil, errkind.Errorf(errkind.Config, "invalid milestone %q in %q: milestones are epochs >= 1", part, s)
		}
		milestones = append(milestones, epoch)
	}
	return milestones, nil
}

// FormatMilestones is the inverse of ParseMilestones.
func FormatMilestones(milestones []int) string {
	parts := make([]string, len(milestones))
	for ii, m := range milestones {
		parts[ii] = strconv.Itoa(m)
	}
	return strings.Join(parts, ",")
}

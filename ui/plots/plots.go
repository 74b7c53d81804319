// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package plots stores the time-series of a training run (plot points, histograms and the model graph) in the
// run directory, and reads them back for reports.
package plots

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"slices"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/gomlx/resnet-cifar100/internal/errkind"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"k8s.io/klog/v2"
)

// TrainingPlotFileName is the file name within a run directory that stores the plot points collected
// during training.
const TrainingPlotFileName = "training_plot_points.json"

// Point is one scalar of the training time-series, stored one JSON object per line.
type Point struct {
	// MetricName, e.g. "Test: accuracy".
	MetricName string

	// Short name, used as column name and in plot legends.
	Short string

	// MetricType is one of "loss", "accuracy", "learning_rate" or "norm".
	// Plots group the metrics of the same type.
	MetricType string

	// Step is the global iteration this metric was measured at. Per-epoch metrics use the
	// iteration of the last batch of the epoch, so all points share the same x-axis.
	Step float64

	Value float64
}

// LoadPointsFromRun loads the points in the TrainingPlotFileName of a run directory.
func LoadPointsFromRun(runDir string) ([]Point, error) {
	return LoadPoints(path.Join(fsutil.MustReplaceTildeInDir(runDir), TrainingPlotFileName))
}

// LoadPoints parses the points saved in filePath.
func LoadPoints(filePath string) ([]Point, error) {
	return readJSONLines[Point](filePath)
}

// readJSONLines decodes a file with a sequence of JSON values of type T.
func readJSONLines[T any](filePath string) ([]T, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errkind.Wrapf(errkind.IO, err, "failed to open %q", filePath)
	}
	defer func() { _ = f.Close() }()
	dec := json.NewDecoder(f)
	var values []T
	for {
		var v T
		err = dec.Decode(&v)
		if err == io.EOF {
			return values, nil
		}
		if err != nil {
			return nil, errkind.Wrapf(errkind.Data, err, "failed decoding entry #%d of %q", len(values), filePath)
		}
		values = append(values, v)
	}
}

// CreatePointsWriter starts a goroutine that appends the values sent to pointWriter to filePath,
// encoded as JSON, one per line.
//
// After pointWriter is closed and every value is written, the first error encountered (or nil) is sent to
// errReport. Values received after an error are discarded.
func CreatePointsWriter[P any](filePath string) (pointWriter chan<- P, errReport <-chan error) {
	values := make(chan P, 100)
	errs := make(chan error, 1)
	go func() {
		errs <- writeJSONLines(filePath, values)
	}()
	return values, errs
}

func writeJSONLines[P any](filePath string, values <-chan P) (err error) {
	defer func() {
		for range values {
			// Drain, so senders don't block after an error.
		}
	}()
	f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0664)
	if err != nil {
		err = errors.Wrapf(err, "failed to open %q for append", filePath)
		klog.Errorf("Error: %v", err)
		return err
	}
	enc := json.NewEncoder(f)
	for v := range values {
		if err = enc.Encode(v); err != nil {
			err = errors.Wrapf(err, "failed to encode %v to %q", v, filePath)
			klog.Errorf("Error: %v", err)
			_ = f.Close()
			return err
		}
	}
	return f.Close()
}

// Points indexes points by their Step.
type Points map[float64][]Point

// NewPoints indexes the raw points, as returned by LoadPoints.
func NewPoints(rawPoints []Point) Points {
	points := make(Points)
	for _, p := range rawPoints {
		points[p.Step] = append(points[p.Step], p)
	}
	return points
}

// Map calls fn on every point, in Step order.
// Changes to `p.Step` don't re-index the point.
func (points Points) Map(fn func(p *Point)) {
	steps := maps.Keys(points)
	slices.Sort(steps)
	for _, step := range steps {
		stepPoints := points[step]
		for ii := range stepPoints {
			fn(&stepPoints[ii])
		}
	}
}

// MetricsNames returns the names of the metrics, sorted by type and then by name.
func (points Points) MetricsNames() []string {
	names := sets.Make[string]()
	nameToType := make(map[string]string)
	points.Map(func(p *Point) {
		names.Insert(p.MetricName)
		nameToType[p.MetricName] = p.MetricType
	})
	sorted := xslices.SortedKeys(names)
	slices.SortStableFunc(sorted, func(a, b string) int {
		switch {
		case nameToType[a] < nameToType[b]:
			return -1
		case nameToType[a] > nameToType[b]:
			return 1
		}
		return 0
	})
	return sorted
}

// TableForMetrics renders a table with one row per step and one column per metric.
// If no metrics are given, all of them are included.
func (points Points) TableForMetrics(metrics ...string) string {
	if len(metrics) == 0 {
		metrics = points.MetricsNames()
	}
	cellStyle := lipgloss.NewStyle().Padding(0, 1).Align(lipgloss.Right)
	headerStyle := lipgloss.NewStyle().Padding(0, 1).Bold(true).Reverse(true)
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers(append([]string{"Step"}, metrics...)...)

	steps := maps.Keys(points)
	slices.Sort(steps)
	for _, step := range steps {
		row := make([]string, 1+len(metrics))
		row[0] = strconv.FormatFloat(step, 'f', 0, 64)
		for _, p := range points[step] {
			if idx := slices.Index(metrics, p.MetricName); idx >= 0 {
				row[idx+1] = fmt.Sprintf("%.6g", p.Value)
			}
		}
		table.Row(row...)
	}
	return table.String()
}

// String implements fmt.Stringer, with a table of all metrics.
func (points Points) String() string {
	return points.TableForMetrics()
}

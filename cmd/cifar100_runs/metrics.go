// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/gomlx/resnet-cifar100/ui/plots"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// metricsFilter selects plot points by name (regular expression matched against the name or short name)
// or by metric type. The zero value selects everything.
type metricsFilter struct {
	names *regexp.Regexp
	types sets.Set[string]
}

// newMetricsFilter parses the values of the -metrics_names and -metrics_types flags.
func newMetricsFilter(namesRegexp, types string) (*metricsFilter, error) {
	f := &metricsFilter{}
	if namesRegexp != "" {
		var err error
		f.names, err = regexp.Compile(namesRegexp)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to compile -metrics_names=%q", namesRegexp)
		}
	}
	if types != "" {
		f.types = sets.Make[string]()
		for _, t := range strings.Split(types, ",") {
			f.types.Insert(strings.TrimSpace(t))
		}
	}
	return f, nil
}

// Match returns whether the point is selected.
func (f *metricsFilter) Match(p plots.Point) bool {
	if f.names == nil && f.types == nil {
		return true
	}
	if f.names != nil && (f.names.MatchString(p.MetricName) || f.names.MatchString(p.Short)) {
		return true
	}
	return f.types != nil && f.types.Has(p.MetricType)
}

// loadRunPoints loads the plot points of each run, keeping those selected by the filter.
// Runs without points are reported and get an empty list.
func loadRunPoints(runs []*runInfo, filter *metricsFilter) [][]plots.Point {
	points := make([][]plots.Point, len(runs))
	for ii, run := range runs {
		runPoints, err := plots.LoadPointsFromRun(run.Dir)
		if err != nil {
			klog.Warningf("No metrics for run %s: %v", run.Label, err)
			continue
		}
		for _, p := range runPoints {
			if filter.Match(p) {
				points[ii] = append(points[ii], p)
			}
		}
	}
	return points
}

// printMetrics prints a table of metrics per step for each run.
func printMetrics(runs []*runInfo, points [][]plots.Point) {
	for ii, run := range runs {
		if len(points[ii]) == 0 {
			continue
		}
		fmt.Println(titleStyle.Render(fmt.Sprintf("Metrics of %s/%s", run.Network, run.Name)))
		fmt.Println(plots.NewPoints(points[ii]).TableForMetrics())
	}
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"os"
	"slices"

	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/gomlx/resnet-cifar100/ui/plots"
	"github.com/janpfeifer/gonb/gonbui/plotly"
	"github.com/pkg/errors"

	grob "github.com/MetalBlueberry/go-plotly/generated/v2.34.0/graph_objects"
	ptypes "github.com/MetalBlueberry/go-plotly/pkg/types"
)

// plotLine is one line of a plot: one metric of one run.
type plotLine struct {
	short         string
	steps, values []float64
}

// metricTypes returns the sorted metric types present in the points.
func metricTypes(points [][]plots.Point) []string {
	set := sets.Make[string]()
	for _, runPoints := range points {
		for _, p := range runPoints {
			set.Insert(p.MetricType)
		}
	}
	return xslices.SortedKeys(set)
}

// createPlotLines for the given metric type: one line per run and metric name, sorted by step.
func createPlotLines(metricType string, runs []*runInfo, points [][]plots.Point) []*plotLine {
	var lines []*plotLine
	for runIdx, runPoints := range points {
		byName := make(map[string]*plotLine)
		var names []string
		for _, pt := range runPoints {
			if pt.MetricType != metricType {
				continue
			}
			line, found := byName[pt.MetricName]
			if !found {
				line = &plotLine{short: fmt.Sprintf("%s %s", runs[runIdx].Label, pt.Short)}
				byName[pt.MetricName] = line
				names = append(names, pt.MetricName)
			}
			line.steps = append(line.steps, pt.Step)
			line.values = append(line.values, pt.Value)
		}
		slices.Sort(names)
		for _, name := range names {
			line := byName[name]
			indices := xslices.Iota(0, len(line.steps))
			slices.SortStableFunc(indices, func(i, j int) int {
				switch {
				case line.steps[i] < line.steps[j]:
					return -1
				case line.steps[i] > line.steps[j]:
					return 1
				}
				return 0
			})
			line.steps = xslices.Map(indices, func(idx int) float64 { return line.steps[idx] })
			line.values = xslices.Map(indices, func(idx int) float64 { return line.values[idx] })
			lines = append(lines, line)
		}
	}
	return lines
}

// buildFigures creates one plotly figure per metric type, serialized to JSON.
func buildFigures(runs []*runInfo, points [][]plots.Point) ([][]byte, error) {
	var figures [][]byte
	for _, metricType := range metricTypes(points) {
		yAxisType := grob.LayoutYaxisTypeLog
		if metricType == "accuracy" {
			yAxisType = grob.LayoutYaxisTypeLinear
		}
		fig := &grob.Fig{
			Layout: &grob.Layout{
				Title: &grob.LayoutTitle{
					Text: ptypes.S(metricType),
				},
				Xaxis: &grob.LayoutXaxis{
					Showgrid: ptypes.B(true),
					Type:     grob.LayoutXaxisTypeLinear,
				},
				Yaxis: &grob.LayoutYaxis{
					Showgrid: ptypes.B(true),
					Type:     yAxisType,
				},
			},
		}
		for _, line := range createPlotLines(metricType, runs, points) {
			fig.Data = append(fig.Data, &grob.Scatter{
				Name: ptypes.S(line.short),
				Line: &grob.ScatterLine{
					Shape: grob.ScatterLineShapeLinear,
				},
				Mode: "lines+markers",
				X:    ptypes.DataArray(line.steps),
				Y:    ptypes.DataArray(line.values),
			})
		}
		figAsJSON, err := json.Marshal(fig)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to marshal plotly figure for metric type %q", metricType)
		}
		figures = append(figures, figAsJSON)
	}
	return figures, nil
}

var (
	singleFileHTML = `<!DOCTYPE html>
	<head>
		<meta charset="utf-8">
		<script src="{{ .CDN }}"></script>
	</head>
	<body style="background-color: black;">
{{- range $i, $f := .Figures }}
		<div id="plot{{ $i }}"></div>
		{{ if not (eq $i (lastIdx $.Figures)) }}
		<hr style="border-color: gray;">
		{{ end }}
{{- end }}
	<script>
{{- range $i, $f := .Figures }}
		data = JSON.parse(atob('{{ $f }}'))
		Plotly.newPlot('plot{{ $i }}', data);
{{- end }}
	</script>
	</body>
</html>`
	singleFileHTMLTmpl = template.Must(template.New("plotly").Funcs(template.FuncMap{
		"lastIdx": func(a []string) int { return len(a) - 1 },
	}).Parse(singleFileHTML))
)

// writePlotlyAsHTML renders the plotly figures (given as JSON) to a self-contained HTML page.
func writePlotlyAsHTML(w io.Writer, figuresAsJSON ...[]byte) error {
	data := &struct {
		CDN     string
		Figures []string
	}{
		CDN:     plotly.PlotlySrc,
		Figures: xslices.Map(figuresAsJSON, func(fig []byte) string { return base64.StdEncoding.EncodeToString(fig) }),
	}
	if err := singleFileHTMLTmpl.Execute(w, data); err != nil {
		return errors.Wrap(err, "failed to render plotly")
	}
	return nil
}

// writePlots renders the metrics of the runs to an HTML file. If fileName is empty a temporary file is created.
// It returns the name of the file written.
func writePlots(fileName string, runs []*runInfo, points [][]plots.Point) (string, error) {
	figures, err := buildFigures(runs, points)
	if err != nil {
		return "", err
	}
	if len(figures) == 0 {
		return "", errors.New("no metrics to plot")
	}
	var f *os.File
	if fileName == "" {
		f, err = os.CreateTemp("", "cifar100-plots-*.html")
	} else {
		f, err = os.Create(fileName)
	}
	if err != nil {
		return "", errors.Wrap(err, "failed to create plots file")
	}
	if err = writePlotlyAsHTML(f, figures...); err != nil {
		_ = f.Close()
		return "", err
	}
	if err = f.Close(); err != nil {
		return "", errors.Wrapf(err, "failed to write %q", f.Name())
	}
	return f.Name(), nil
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sinks

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gomlx/resnet-cifar100/internal/errkind"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"k8s.io/klog/v2"
)

// RunStatus of a run in the experiment tracker.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "RUNNING"
	RunStatusFinished RunStatus = "FINISHED"
	RunStatusFailed   RunStatus = "FAILED"
	RunStatusKilled   RunStatus = "KILLED"
)

const (
	// TrackerMaxBatch is the maximum number of metrics sent in one log-batch request.
	TrackerMaxBatch = 1000

	// trackerMaxParamLength is the longest parameter value accepted by the tracker.
	trackerMaxParamLength = 500

	// trackerMaxTagLength is the longest tag value accepted by the tracker.
	trackerMaxTagLength = 5000
)

type trackerKeyValue struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type trackerMetric struct {
	Key       string  `json:"key"`
	Value     float64 `json:"value"`
	Timestamp int64   `json:"timestamp"`
	Step      int64   `json:"step"`
}

type trackerCreateRunRequest struct {
	ExperimentID string            `json:"experiment_id"`
	RunName      string            `json:"run_name,omitempty"`
	StartTime    int64             `json:"start_time"`
	Tags         []trackerKeyValue `json:"tags,omitempty"`
}

type trackerCreateRunResponse struct {
	Run struct {
		Info struct {
			RunID string `json:"run_id"`
		} `json:"info"`
	} `json:"run"`
}

type trackerLogBatchRequest struct {
	RunID   string            `json:"run_id"`
	Metrics []trackerMetric   `json:"metrics,omitempty"`
	Params  []trackerKeyValue `json:"params,omitempty"`
	Tags    []trackerKeyValue `json:"tags,omitempty"`
}

type trackerUpdateRunRequest struct {
	RunID   string    `json:"run_id"`
	Status  RunStatus `json:"status"`
	EndTime int64     `json:"end_time"`
}

// Tracker sends the run configuration and scalar metrics to an MLflow compatible tracking server,
// using its REST API (api/2.0/mlflow).
//
// Metrics are buffered and sent in batches: at the end of every epoch (evaluation), when the buffer
// reaches TrackerMaxBatch, and on Close.
type Tracker struct {
	Base

	baseURL      string
	experimentID string
	client       *http.Client

	// ClientRunID identifies the run on the client side, and is sent as a tag.
	ClientRunID string

	runID   string
	status  RunStatus
	pending []trackerMetric
	now     func() time.Time
}

// NewTracker creates a Tracker for the server at baseURL (e.g. "http://localhost:5000"), logging to the
// given experiment id ("0" is the server's default experiment).
func NewTracker(baseURL, experimentID string) *Tracker {
	if experimentID == "" {
		experimentID = "0"
	}
	return &Tracker{
		baseURL:      strings.TrimRight(baseURL, "/"),
		experimentID: experimentID,
		client:       &http.Client{Timeout: 30 * time.Second},
		ClientRunID:  uuid.NewString(),
		status:       RunStatusFinished,
		now:          time.Now,
	}
}

// String implements fmt.Stringer.
func (t *Tracker) String() string { return fmt.Sprintf("tracker(%q)", t.baseURL) }

// RunID returns the id assigned by the server, or "" if the run was not started.
func (t *Tracker) RunID() string { return t.runID }

func (t *Tracker) post(endpoint string, request, response any) error {
	body, err := json.Marshal(request)
	if err != nil {
		return errors.Wrapf(err, "%s: failed to encode request to %s", t, endpoint)
	}
	url := t.baseURL + "/api/2.0/mlflow/" + endpoint
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrapf(err, "%s: invalid request to %s", t, url)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())
	resp, err := t.client.Do(req)
	if err != nil {
		return errkind.Wrapf(errkind.IO, err, "%s: request to %s failed", t, endpoint)
	}
	defer func() { _ = resp.Body.Close() }()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return errkind.Wrapf(errkind.IO, err, "%s: failed reading response of %s", t, endpoint)
	}
	if resp.StatusCode/100 != 2 {
		return errkind.Errorf(errkind.IO, "%s: %s returned %s: %s", t, endpoint, resp.Status, truncate(string(respBody), 200))
	}
	if response != nil {
		if err = json.Unmarshal(respBody, response); err != nil {
			return errkind.Wrapf(errkind.IO, err, "%s: failed to decode response of %s", t, endpoint)
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Start implements Sink: it creates the run in the tracker and logs the run configuration as parameters.
func (t *Tracker) Start(info RunInfo) error {
	createReq := &trackerCreateRunRequest{
		ExperimentID: t.experimentID,
		RunName:      fmt.Sprintf("%s-%s", info.Network, info.RunName),
		StartTime:    info.StartTime.UnixMilli(),
		Tags: []trackerKeyValue{
			{Key: "network", Value: info.Network},
			{Key: "run_dir", Value: info.RunDir},
			{Key: "client_run_id", Value: t.ClientRunID},
		},
	}
	var createResp trackerCreateRunResponse
	if err := t.post("runs/create", createReq, &createResp); err != nil {
		return err
	}
	t.runID = createResp.Run.Info.RunID
	if t.runID == "" {
		return errkind.Errorf(errkind.IO, "%s: server didn't return a run_id", t)
	}
	klog.V(1).Infof("%s: logging to run %s", t, t.runID)

	params := make([]trackerKeyValue, 0, len(info.Config)+2)
	keys := maps.Keys(info.Config)
	slices.Sort(keys)
	for _, key := range keys {
		params = append(params, trackerKeyValue{Key: key, Value: truncate(info.Config[key], trackerMaxParamLength)})
	}
	params = append(params,
		trackerKeyValue{Key: "num_parameters", Value: fmt.Sprint(info.NumParameters)},
		trackerKeyValue{Key: "batches_per_epoch", Value: fmt.Sprint(info.BatchesPerEpoch)})
	batch := &trackerLogBatchRequest{RunID: t.runID, Params: params}
	if info.ModelSummary != "" {
		batch.Tags = []trackerKeyValue{{Key: "mlflow.note.content", Value: truncate(info.ModelSummary, trackerMaxTagLength)}}
	}
	return t.post("runs/log-batch", batch, nil)
}

func (t *Tracker) add(r Record) {
	timestamp := t.now().UnixMilli()
	names, values := SortedScalars(r)
	for ii, name := range names {
		t.pending = append(t.pending, trackerMetric{Key: name, Value: values[ii], Timestamp: timestamp, Step: int64(r.Step())})
	}
}

// Flush sends the buffered metrics.
func (t *Tracker) Flush() error {
	if t.runID == "" {
		t.pending = nil
		return nil
	}
	for len(t.pending) > 0 {
		n := min(len(t.pending), TrackerMaxBatch)
		if err := t.post("runs/log-batch", &trackerLogBatchRequest{RunID: t.runID, Metrics: t.pending[:n]}, nil); err != nil {
			return err
		}
		t.pending = t.pending[n:]
	}
	t.pending = nil
	return nil
}

// Iteration implements Sink.
func (t *Tracker) Iteration(rec IterationRecord) error {
	t.pending = append(t.pending,
		trackerMetric{Key: "train_loss", Value: rec.Loss, Timestamp: t.now().UnixMilli(), Step: int64(rec.Iteration)},
		trackerMetric{Key: "learning_rate", Value: rec.LearningRate, Timestamp: t.now().UnixMilli(), Step: int64(rec.Iteration)})
	if len(t.pending) >= TrackerMaxBatch {
		return t.Flush()
	}
	return nil
}

// Evaluation implements Sink.
func (t *Tracker) Evaluation(rec EvaluationRecord) error {
	t.add(rec)
	return t.Flush()
}

// Parameters implements Sink.
func (t *Tracker) Parameters(recs []ParameterRecord) error {
	for _, rec := range recs {
		t.add(rec)
	}
	return nil
}

// Checkpoint implements Sink.
func (t *Tracker) Checkpoint(rec CheckpointRecord) error {
	t.add(rec)
	return nil
}

// RunFailed implements FailureReporter.
func (t *Tracker) RunFailed(error) {
	t.status = RunStatusFailed
}

// Close implements Sink: it flushes the metrics and marks the run as terminated.
func (t *Tracker) Close() error {
	if t.runID == "" {
		return nil
	}
	err := t.Flush()
	if err != nil {
		t.status = RunStatusFailed
	}
	updateErr := t.post("runs/update", &trackerUpdateRunRequest{
		RunID: t.runID, Status: t.status, EndTime: t.now().UnixMilli()}, nil)
	t.runID = ""
	if err != nil {
		return err
	}
	return updateErr
}

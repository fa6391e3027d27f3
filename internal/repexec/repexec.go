// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package repexec implements RepetitionExecutor: running one
// (workload, repetition) attempt on a single host and returning a
// structured outcome, per the eight-step protocol in the component
// design.
package repexec

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/tombee/benchctl/internal/bcerrors"
	"github.com/tombee/benchctl/internal/collectors"
	"github.com/tombee/benchctl/internal/eventstream"
	"github.com/tombee/benchctl/internal/journal"
	"github.com/tombee/benchctl/internal/stopctx"
	"github.com/tombee/benchctl/internal/workload"
)

// Outcome is the structured result RepetitionExecutor hands back to the
// LocalRunner, which logs it; the Task itself changes only through the
// events Execute writes to the EventStream.
type Outcome struct {
	Status journal.Status
	Error  *journal.TaskError
}

// Request bundles everything one repetition attempt needs.
type Request struct {
	RunID            string
	Host             string
	Workload         string
	Plugin           string
	Options          map[string]any
	Repetition       int
	TotalRepetitions int
	OutputRoot       string // <output_dir>/<run_id>/<host>/<workload>
	TeardownGrace    time.Duration
}

// CollectorFactory builds the collectors configured for req, or nil if
// none are enabled.
type CollectorFactory func(req Request) []collectors.Collector

// RepetitionExecutor runs one repetition of one workload on one host.
type RepetitionExecutor struct {
	registry     *workload.Registry
	collectorsFn CollectorFactory
	logger       *slog.Logger
}

// New builds a RepetitionExecutor over registry, using collectorsFn to
// resolve per-workload collectors (a nil collectorsFn means no metrics
// collection is ever attempted).
func New(registry *workload.Registry, collectorsFn CollectorFactory, logger *slog.Logger) *RepetitionExecutor {
	if collectorsFn == nil {
		collectorsFn = func(Request) []collectors.Collector { return nil }
	}
	return &RepetitionExecutor{registry: registry, collectorsFn: collectorsFn, logger: logger}
}

// Execute runs req to completion, emitting running/done/failed events to
// writer and returning the Task-level Outcome.
func (e *RepetitionExecutor) Execute(ctx context.Context, token *stopctx.StopToken, writer *eventstream.Writer, req Request) Outcome {
	repDir := filepath.Join(req.OutputRoot, fmt.Sprintf("rep_%d", req.Repetition))

	// Step 1: create per-repetition output directory.
	if err := os.MkdirAll(repDir, 0755); err != nil {
		return e.fail(writer, req, &bcerrors.ArtifactPersistError{Path: repDir, Cause: err})
	}

	// Step 2: emit status=running.
	e.emit(writer, req, eventstream.TypeStatus, eventstream.StatusRunning, "", nil)

	// Step 3: start collectors; a failing collector is dropped, not fatal.
	registry := collectors.NewRegistry(e.collectorsFn(req)...)
	startResults := registry.StartAll(ctx)
	var started []collectors.Collector
	for _, r := range startResults {
		if r.Err != nil {
			e.logger.Warn("collector failed to start, dropping for this repetition",
				slog.String("collector", r.Collector.Name()), slog.Any("error", r.Err))
			e.emit(writer, req, eventstream.TypeLog, "", "collector start failed: "+r.Err.Error(), nil)
			continue
		}
		started = append(started, r.Collector)
	}

	// Step 4: construct and invoke the workload.
	wl, err := e.registry.Make(req.Plugin, req.Options)
	if err != nil {
		registry.StopAll(ctx, started)
		return e.fail(writer, req, err)
	}

	type runResult struct {
		res Result
		err error
	}
	resultCh := make(chan runResult, 1)
	go func() {
		res, runErr := wl.Run(ctx, repDir, token)
		resultCh <- runResult{res: res, err: runErr}
	}()

	var workloadResult Result
	var workloadErr error

	// Step 5: wait for completion or stop.
	select {
	case r := <-resultCh:
		workloadResult = r.res
		workloadErr = r.err
	case <-token.Done():
		deadline, cancel := context.WithTimeout(context.Background(), req.TeardownGrace)
		teardownDone := make(chan struct{})
		go func() {
			_ = wl.Teardown(ctx, deadline)
			close(teardownDone)
		}()
		select {
		case <-teardownDone:
		case <-deadline.Done():
			// Teardown ignored its own deadline; stop waiting on it so
			// Execute still returns within TeardownGrace. The goroutine
			// above is left to finish (or leak) on its own.
		}
		cancel()
		workloadErr = bcerrors.ErrStopRequested
	}

	// Step 6: stop collectors, aggregate samples.
	samples, _ := registry.StopAll(ctx, started)

	// Step 7: emit terminal event.
	if workloadErr != nil {
		if workloadErr == bcerrors.ErrStopRequested {
			stopErr := &journal.TaskError{Kind: "StopRequested", Message: "stop requested"}
			e.emit(writer, req, eventstream.TypeStatus, eventstream.StatusFailed, "", stopErr)
			return Outcome{Status: journal.StatusFailed, Error: stopErr}
		}
		return e.fail(writer, req, workloadErr)
	}

	// Step 8: persist artifacts.
	if err := persistArtifacts(repDir, req, workloadResult, samples); err != nil {
		return e.fail(writer, req, &bcerrors.ArtifactPersistError{Path: repDir, Cause: err})
	}

	e.emit(writer, req, eventstream.TypeStatus, eventstream.StatusDone, "", nil)
	return Outcome{Status: journal.StatusCompleted}
}

// Result mirrors workload.Result to avoid a second definition while
// keeping repexec's public surface self-contained.
type Result = workload.Result

// fail classifies err into a journal.TaskError, emits status=failed, and
// returns the Task-level Outcome.
func (e *RepetitionExecutor) fail(writer *eventstream.Writer, req Request, err error) Outcome {
	te := toTaskError(err)
	e.emit(writer, req, eventstream.TypeStatus, eventstream.StatusFailed, "", te)
	return Outcome{Status: journal.StatusFailed, Error: te}
}

func toTaskError(err error) *journal.TaskError {
	return &journal.TaskError{
		Kind:    bcerrors.Kind(err),
		Message: err.Error(),
	}
}

func (e *RepetitionExecutor) emit(writer *eventstream.Writer, req Request, typ eventstream.Type, status eventstream.Status, message string, taskErr *journal.TaskError) {
	if writer == nil {
		return
	}
	ev := eventstream.RunEvent{
		Type:             typ,
		RunID:            req.RunID,
		Host:             req.Host,
		Workload:         req.Workload,
		Repetition:       req.Repetition,
		TotalRepetitions: req.TotalRepetitions,
		Status:           status,
		Message:          message,
		Timestamp:        time.Now().Unix(),
	}
	if taskErr != nil {
		ev.Error = &eventstream.EventError{Kind: taskErr.Kind, Message: taskErr.Message}
	}
	if err := writer.Write(ev); err != nil {
		e.logger.Error("failed to write event", slog.Any("error", err))
	}
}

// persistArtifacts flattens the workload's result dict into
// <workload>_plugin.csv, writes result.json, and dumps raw collector
// samples under metrics/*.csv.
func persistArtifacts(repDir string, req Request, result Result, samples []collectors.Sample) error {
	resultJSON, err := json.MarshalIndent(result.Fields, "", "  ")
	if err != nil {
		return fmt.Errorf("repexec: marshal result: %w", err)
	}
	if err := os.WriteFile(filepath.Join(repDir, "result.json"), resultJSON, 0644); err != nil {
		return fmt.Errorf("repexec: write result.json: %w", err)
	}

	if err := writeFlattenedCSV(filepath.Join(repDir, req.Workload+"_plugin.csv"), result.Fields); err != nil {
		return err
	}

	if len(samples) > 0 {
		metricsDir := filepath.Join(repDir, "metrics")
		if err := os.MkdirAll(metricsDir, 0755); err != nil {
			return fmt.Errorf("repexec: create metrics dir: %w", err)
		}
		if err := writeSamplesCSV(filepath.Join(metricsDir, "samples.csv"), samples); err != nil {
			return err
		}
	}
	return nil
}

func writeFlattenedCSV(path string, fields map[string]any) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("repexec: create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	header := make([]string, 0, len(fields))
	row := make([]string, 0, len(fields))
	for k, v := range fields {
		header = append(header, k)
		row = append(row, fmt.Sprintf("%v", v))
	}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("repexec: write csv header: %w", err)
	}
	if err := w.Write(row); err != nil {
		return fmt.Errorf("repexec: write csv row: %w", err)
	}
	return nil
}

func writeSamplesCSV(path string, samples []collectors.Sample) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("repexec: create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	if err := w.Write([]string{"name", "value", "timestamp"}); err != nil {
		return err
	}
	for _, s := range samples {
		row := []string{s.Name, strconv.FormatFloat(s.Value, 'f', -1, 64), strconv.FormatInt(s.Timestamp.Unix(), 10)}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	return nil
}

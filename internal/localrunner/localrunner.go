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

// Package localrunner binds a run to a single host: it iterates the
// repetitions assigned to that host, dispatches each to a
// RepetitionExecutor, emits a line on the EventStream for every
// transition, and emits periodic heartbeats so an external observer can
// detect a hang.
package localrunner

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/tombee/benchctl/internal/bclog"
	"github.com/tombee/benchctl/internal/eventstream"
	"github.com/tombee/benchctl/internal/journal"
	"github.com/tombee/benchctl/internal/repexec"
	"github.com/tombee/benchctl/internal/stopctx"
)

// RepetitionRunner is the subset of repexec.RepetitionExecutor the
// LocalRunner depends on, narrowed for testability.
type RepetitionRunner interface {
	Execute(ctx context.Context, token *stopctx.StopToken, writer *eventstream.Writer, req repexec.Request) repexec.Outcome
}

// Assignment is one (workload, repetitions) slice a LocalRunner must
// complete on its bound host.
type Assignment struct {
	Workload         string
	Plugin           string
	Options          map[string]any
	Repetitions      []int
	TotalRepetitions int
}

// Options configures a LocalRunner instance.
type Options struct {
	RunID             string
	Host              string
	OutputRoot        string // <output_dir>/<run_id>/<host>
	HeartbeatInterval time.Duration
	TeardownGrace     time.Duration
}

// LocalRunner executes every assignment on its bound host sequentially,
// repetition by repetition, per assignment. It never mutates the
// Journal itself: every transition is observed by the Controller's
// single ingest goroutine via the events it writes to the EventStream,
// per the single-writer invariant on the Journal.
type LocalRunner struct {
	opts     Options
	executor RepetitionRunner
	writer   *eventstream.Writer
	logger   *slog.Logger
}

// New builds a LocalRunner bound to a single host.
func New(opts Options, executor RepetitionRunner, writer *eventstream.Writer, logger *slog.Logger) *LocalRunner {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalRunner{opts: opts, executor: executor, writer: writer, logger: logger}
}

// Run executes every assignment's repetitions in order, returning only
// when the host's work is complete or the token fires a stop. It never
// returns an error for an individual repetition failure: those are
// logged and reported on the EventStream, and the loop continues to the
// next repetition, per the three-tier failure handling contract.
func (r *LocalRunner) Run(ctx context.Context, token *stopctx.StopToken, assignments []Assignment) error {
	stopHeartbeat := r.startHeartbeat(token)
	defer stopHeartbeat()

	for _, a := range assignments {
		for _, rep := range a.Repetitions {
			if token.ShouldStop() {
				r.logger.Info("stop requested, ending local run", bclog.HostKey, r.opts.Host)
				return nil
			}
			r.runOne(ctx, token, a, rep)
		}
	}
	return nil
}

func (r *LocalRunner) runOne(ctx context.Context, token *stopctx.StopToken, a Assignment, rep int) {
	log := bclog.WithTask(r.logger, r.opts.Host, a.Workload, rep)

	outcome := r.executeWithRecovery(ctx, token, a, rep)
	if outcome.Error != nil {
		log.Warn("repetition finished with an error", slog.String("status", string(outcome.Status)), slog.Any("error", outcome.Error))
	}
}

// executeWithRecovery enforces the three-tier failure policy: a
// StopRequested outcome is returned as-is (the caller breaks the loop
// on the next iteration's ShouldStop check); a taxonomy error is
// already captured in Outcome.Error by RepetitionExecutor; anything
// that escapes as a panic is logged with its stack, reclassified as an
// UNKNOWN WorkloadError, and emitted directly onto the EventStream
// since a panic at this layer never reaches RepetitionExecutor's own
// terminal-event emission.
func (r *LocalRunner) executeWithRecovery(ctx context.Context, token *stopctx.StopToken, a Assignment, rep int) (outcome repexec.Outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("repetition panicked",
				bclog.HostKey, r.opts.Host, bclog.WorkloadKey, a.Workload, bclog.RepetitionKey, rep,
				slog.Any("panic", rec), slog.String("stack", string(debug.Stack())))
			taskErr := &journal.TaskError{Kind: "UNKNOWN", Message: fmt.Sprintf("panic: %v", rec)}
			outcome = repexec.Outcome{Status: journal.StatusFailed, Error: taskErr}
			r.emitTerminal(a, rep, taskErr)
		}
	}()

	req := repexec.Request{
		RunID:            r.opts.RunID,
		Host:             r.opts.Host,
		Workload:         a.Workload,
		Plugin:           a.Plugin,
		Options:          a.Options,
		Repetition:       rep,
		TotalRepetitions: a.TotalRepetitions,
		OutputRoot:       r.opts.OutputRoot + "/" + a.Workload,
		TeardownGrace:    r.opts.TeardownGrace,
	}
	return r.executor.Execute(ctx, token, r.writer, req)
}

// emitTerminal writes a type=status failed event directly, bypassing
// RepetitionExecutor, for failures (panics) that never reach its own
// emission path. Without this the tailer would never observe a
// terminal event for the repetition and its Journal key would stay
// RUNNING forever.
func (r *LocalRunner) emitTerminal(a Assignment, rep int, taskErr *journal.TaskError) {
	if r.writer == nil {
		return
	}
	ev := eventstream.RunEvent{
		Type:       eventstream.TypeStatus,
		RunID:      r.opts.RunID,
		Host:       r.opts.Host,
		Workload:   a.Workload,
		Repetition: rep,
		Status:     eventstream.StatusFailed,
		Timestamp:  time.Now().Unix(),
		Error:      &eventstream.EventError{Kind: taskErr.Kind, Message: taskErr.Message},
	}
	if err := r.writer.Write(ev); err != nil {
		r.logger.Error("failed to emit panic recovery event", slog.Any("error", err))
	}
}

// startHeartbeat emits a type=log heartbeat event at opts.HeartbeatInterval
// until token fires, returning a stop function.
func (r *LocalRunner) startHeartbeat(token *stopctx.StopToken) func() {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(r.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if r.writer == nil {
					continue
				}
				_ = r.writer.Write(eventstream.RunEvent{
					Type:      eventstream.TypeLog,
					RunID:     r.opts.RunID,
					Host:      r.opts.Host,
					Level:     eventstream.LevelInfo,
					Message:   "heartbeat",
					Timestamp: time.Now().Unix(),
				})
			case <-token.Done():
				return
			case <-stop:
				return
			}
		}
	}()
	return func() { close(stop) }
}

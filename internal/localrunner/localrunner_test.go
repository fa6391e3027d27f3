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

package localrunner

import (
	"bufio"
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/benchctl/internal/eventstream"
	"github.com/tombee/benchctl/internal/journal"
	"github.com/tombee/benchctl/internal/repexec"
	"github.com/tombee/benchctl/internal/stopctx"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 100}))
}

type scriptedExecutor struct {
	mu    sync.Mutex
	calls []repexec.Request
	next  func(req repexec.Request) repexec.Outcome
}

func (s *scriptedExecutor) Execute(ctx context.Context, token *stopctx.StopToken, writer *eventstream.Writer, req repexec.Request) repexec.Outcome {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	s.mu.Unlock()
	outcome := s.next(req)
	if writer != nil {
		status := eventstream.StatusDone
		var evErr *eventstream.EventError
		if outcome.Status != journal.StatusCompleted {
			status = eventstream.StatusFailed
			if outcome.Error != nil {
				evErr = &eventstream.EventError{Kind: outcome.Error.Kind, Message: outcome.Error.Message}
			}
		}
		_ = writer.Write(eventstream.RunEvent{
			Type:       eventstream.TypeStatus,
			RunID:      req.RunID,
			Host:       req.Host,
			Workload:   req.Workload,
			Repetition: req.Repetition,
			Status:     status,
			Error:      evErr,
			Timestamp:  time.Now().Unix(),
		})
	}
	return outcome
}

// readEvents parses every LB_EVENT line written to path.
func readEvents(t *testing.T, path string) []eventstream.RunEvent {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var events []eventstream.RunEvent
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "LB_EVENT") {
			continue
		}
		e, err := eventstream.Parse(line)
		require.NoError(t, err)
		events = append(events, e)
	}
	require.NoError(t, scanner.Err())
	return events
}

func newTestWriter(t *testing.T) (*eventstream.Writer, string) {
	t.Helper()
	path := t.TempDir() + "/events.log"
	w, err := eventstream.NewWriter(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w, path
}

func TestRunExecutesEveryRepetitionInOrder(t *testing.T) {
	exec := &scriptedExecutor{next: func(req repexec.Request) repexec.Outcome {
		return repexec.Outcome{Status: journal.StatusCompleted}
	}}
	writer, path := newTestWriter(t)
	r := New(Options{RunID: "run-1", Host: "host-a", OutputRoot: t.TempDir(), HeartbeatInterval: time.Hour}, exec, writer, discardLogger())

	assignments := []Assignment{
		{Workload: "cpu_stress", Plugin: "cpu_stress", Repetitions: []int{1, 2, 3}, TotalRepetitions: 3},
	}

	err := r.Run(context.Background(), stopctx.New(""), assignments)
	require.NoError(t, err)

	require.Len(t, exec.calls, 3)
	assert.Equal(t, 1, exec.calls[0].Repetition)
	assert.Equal(t, 2, exec.calls[1].Repetition)
	assert.Equal(t, 3, exec.calls[2].Repetition)

	events := readEvents(t, path)
	var reps []int
	for _, e := range events {
		if e.Type == eventstream.TypeStatus {
			reps = append(reps, e.Repetition)
			assert.Equal(t, eventstream.StatusDone, e.Status)
		}
	}
	assert.Equal(t, []int{1, 2, 3}, reps)
}

func TestRunStopsBeforeNextRepetitionOnStopToken(t *testing.T) {
	token := stopctx.New("")
	var seen int
	exec := &scriptedExecutor{next: func(req repexec.Request) repexec.Outcome {
		seen++
		if seen == 1 {
			token.Request("test stop")
		}
		return repexec.Outcome{Status: journal.StatusCompleted}
	}}
	writer, _ := newTestWriter(t)
	r := New(Options{RunID: "run-1", Host: "host-a", OutputRoot: t.TempDir(), HeartbeatInterval: time.Hour}, exec, writer, discardLogger())

	assignments := []Assignment{
		{Workload: "cpu_stress", Plugin: "cpu_stress", Repetitions: []int{1, 2, 3}, TotalRepetitions: 3},
	}

	err := r.Run(context.Background(), token, assignments)
	require.NoError(t, err)
	assert.Equal(t, 1, seen, "should not start a second repetition after stop is requested")
}

func TestRunRecoversFromPanicAndContinues(t *testing.T) {
	var calls int
	exec := &scriptedExecutor{next: func(req repexec.Request) repexec.Outcome {
		calls++
		if calls == 1 {
			panic("workload exploded")
		}
		return repexec.Outcome{Status: journal.StatusCompleted}
	}}
	writer, path := newTestWriter(t)
	r := New(Options{RunID: "run-1", Host: "host-a", OutputRoot: t.TempDir(), HeartbeatInterval: time.Hour}, exec, writer, discardLogger())

	assignments := []Assignment{
		{Workload: "cpu_stress", Plugin: "cpu_stress", Repetitions: []int{1, 2}, TotalRepetitions: 2},
	}

	err := r.Run(context.Background(), stopctx.New(""), assignments)
	require.NoError(t, err)
	assert.Equal(t, 2, calls, "panic on rep 1 must not prevent rep 2 from running")

	events := readEvents(t, path)
	var statuses []eventstream.Status
	for _, e := range events {
		if e.Type == eventstream.TypeStatus {
			statuses = append(statuses, e.Status)
		}
	}
	// rep 1 panics inside LocalRunner before the scripted executor's own
	// event write, so only its emitTerminal failed event appears; rep 2
	// completes normally via the scripted executor.
	assert.Contains(t, statuses, eventstream.StatusFailed)
	assert.Contains(t, statuses, eventstream.StatusDone)
}

func TestRunEmitsHeartbeatEvents(t *testing.T) {
	writer, path := newTestWriter(t)

	exec := &scriptedExecutor{next: func(req repexec.Request) repexec.Outcome {
		time.Sleep(60 * time.Millisecond)
		return repexec.Outcome{Status: journal.StatusCompleted}
	}}
	r := New(Options{RunID: "run-1", Host: "host-a", OutputRoot: t.TempDir(), HeartbeatInterval: 10 * time.Millisecond}, exec, writer, discardLogger())

	assignments := []Assignment{
		{Workload: "cpu_stress", Plugin: "cpu_stress", Repetitions: []int{1}, TotalRepetitions: 1},
	}

	err := r.Run(context.Background(), stopctx.New(""), assignments)
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "heartbeat")
}

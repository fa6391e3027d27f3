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

package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/benchctl/internal/benchconfig"
	"github.com/tombee/benchctl/internal/journal"
	"github.com/tombee/benchctl/internal/playbook"
	"github.com/tombee/benchctl/internal/statemachine"
	"github.com/tombee/benchctl/internal/stopctx"
	"github.com/tombee/benchctl/internal/workload"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 100}))
}

type fakeWorkload struct{}

func (fakeWorkload) Run(ctx context.Context, outputDir string, token *stopctx.StopToken) (workload.Result, error) {
	return workload.Result{Fields: map[string]any{"ops_per_sec": 99.0}}, nil
}

func (fakeWorkload) Teardown(ctx context.Context, deadline context.Context) error { return nil }

func newTestRegistry() *workload.Registry {
	r := workload.NewRegistry()
	r.Register(workload.PluginDescriptor{
		Name: "cpu_stress",
		MakeGenerator: func(options map[string]any) (workload.Workload, error) {
			return fakeWorkload{}, nil
		},
	})
	return r
}

type noopPlaybookExecutor struct{}

func (noopPlaybookExecutor) Run(ctx context.Context, playbookID string, inventory []string, extravars map[string]any, env map[string]string) (io.Reader, playbook.WaitHandle, error) {
	return nil, nil, assertNoPlaybookInvoked(playbookID)
}
func (noopPlaybookExecutor) Interrupt() error { return nil }
func (noopPlaybookExecutor) IsRunning() bool  { return false }

func assertNoPlaybookInvoked(id string) error {
	panic("no playbook should have been invoked in this test; got " + id)
}

func baseConfig(t *testing.T) *benchconfig.BenchmarkConfig {
	t.Helper()
	return &benchconfig.BenchmarkConfig{
		Repetitions: 2,
		OutputDir:   t.TempDir(),
		Workloads: map[string]benchconfig.WorkloadEntry{
			"cpu": {Plugin: "cpu_stress", Enabled: true, Intensity: benchconfig.IntensityMedium},
		},
		Hosts: []benchconfig.HostSpec{
			{Name: "host-a"},
		},
		PluginAssets:      map[string]benchconfig.PluginAssets{},
		StopWaitTimeout:   0,
		TeardownGrace:     0,
		HeartbeatInterval: 0,
	}
}

func TestRunHappyPathReachesFinished(t *testing.T) {
	cfg := baseConfig(t)
	c, err := New(Options{
		Config:        cfg,
		RunID:         "run-1",
		WorkloadOrder: []string{"cpu"},
		Logger:        discardLogger(),
	}, newTestRegistry(), nil, noopPlaybookExecutor{})
	require.NoError(t, err)
	defer c.Close()

	result, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, statemachine.Finished, result.FinalState)
	assert.True(t, result.CleanupAllowed)
	assert.Equal(t, 0, ExitCode(result.FinalState))

	task, ok := c.jnl.Get("host-a", "cpu", 1)
	require.True(t, ok)
	assert.Equal(t, journal.StatusCompleted, task.Status)
	task2, ok := c.jnl.Get("host-a", "cpu", 2)
	require.True(t, ok)
	assert.Equal(t, journal.StatusCompleted, task2.Status)

	_, err = os.Stat(cfg.OutputDir + "/run-1/journal.json")
	assert.NoError(t, err)
}

func TestRunDisabledWorkloadIsSkipped(t *testing.T) {
	cfg := baseConfig(t)
	entry := cfg.Workloads["cpu"]
	entry.Enabled = false
	cfg.Workloads["cpu"] = entry

	c, err := New(Options{
		Config:        cfg,
		RunID:         "run-2",
		WorkloadOrder: []string{"cpu"},
		Logger:        discardLogger(),
	}, newTestRegistry(), nil, noopPlaybookExecutor{})
	require.NoError(t, err)
	defer c.Close()

	result, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, statemachine.Finished, result.FinalState)
}

func TestStopDuringGlobalSetupAbortsWithNoWorkloadsRun(t *testing.T) {
	cfg := baseConfig(t)
	c, err := New(Options{
		Config:        cfg,
		RunID:         "run-3",
		WorkloadOrder: []string{"cpu"},
		Logger:        discardLogger(),
	}, newTestRegistry(), nil, noopPlaybookExecutor{})
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.machine.Transition(statemachine.RunningGlobalSetup))
	c.RequestStop("operator interrupt")
	c.RequestStop("operator interrupt")
	require.Equal(t, statemachine.StoppingInterruptSetup, c.machine.State())

	require.NoError(t, c.abortIfStoppedDuringSetup())
	assert.Equal(t, statemachine.Aborted, c.machine.State())
	assert.True(t, c.machine.CleanupAllowed())
}

func TestFinishFromStoppingWaitRunnersReachesAborted(t *testing.T) {
	cfg := baseConfig(t)
	c, err := New(Options{
		Config:        cfg,
		RunID:         "run-4",
		WorkloadOrder: []string{"cpu"},
		Logger:        discardLogger(),
	}, newTestRegistry(), nil, noopPlaybookExecutor{})
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.setupJournal(nil))
	require.NoError(t, c.machine.Transition(statemachine.RunningGlobalSetup))
	require.NoError(t, c.machine.Transition(statemachine.RunningWorkloads))
	require.NoError(t, c.machine.Transition(statemachine.StopArmed))
	require.NoError(t, c.machine.Transition(statemachine.StoppingWaitRunners))

	result, err := c.finish(context.Background())
	require.NoError(t, err)
	assert.Equal(t, statemachine.Aborted, result.FinalState)
	assert.True(t, result.CleanupAllowed)
}

func TestMergeExtravarsPrecedence(t *testing.T) {
	global := map[string]any{"a": "global", "b": "global"}
	plugin := map[string]any{"b": "plugin", "c": "plugin"}
	options := map[string]any{"c": "options", "d": "options"}
	hostVars := map[string]any{"d": "host", "e": "host"}

	merged := mergeExtravars(global, plugin, options, hostVars)

	assert.Equal(t, "global", merged["a"])
	assert.Equal(t, "plugin", merged["b"])
	assert.Equal(t, "options", merged["c"])
	assert.Equal(t, "host", merged["d"])
	assert.Equal(t, "host", merged["e"])
}

func TestExitCodeMapping(t *testing.T) {
	assert.Equal(t, 0, ExitCode(statemachine.Finished))
	assert.Equal(t, 2, ExitCode(statemachine.Aborted))
	assert.Equal(t, 3, ExitCode(statemachine.StopFailed))
	assert.Equal(t, 1, ExitCode(statemachine.Failed))
}

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

package planner

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/benchctl/internal/benchconfig"
	"github.com/tombee/benchctl/internal/journal"
)

func sampleConfig() *benchconfig.BenchmarkConfig {
	return &benchconfig.BenchmarkConfig{
		Repetitions: 2,
		Hosts: []benchconfig.HostSpec{
			{Name: "h1"},
			{Name: "h2"},
		},
		Workloads: map[string]benchconfig.WorkloadEntry{
			"w": {Plugin: "fio", Enabled: true},
			"disabled-w": {Plugin: "noop", Enabled: false},
		},
	}
}

func TestPlanExpandsCartesianProductInOrder(t *testing.T) {
	tasks, err := Plan(sampleConfig(), Options{Workloads: []string{"w"}}, nil)
	require.NoError(t, err)
	require.Len(t, tasks, 4)

	assert.Equal(t, "h1", tasks[0].Host.Name)
	assert.Equal(t, 1, tasks[0].Repetition)
	assert.Equal(t, "h1", tasks[1].Host.Name)
	assert.Equal(t, 2, tasks[1].Repetition)
	assert.Equal(t, "h2", tasks[2].Host.Name)
	assert.Equal(t, 1, tasks[2].Repetition)
}

func TestPlanSkipsDisabledWorkloads(t *testing.T) {
	tasks, err := Plan(sampleConfig(), Options{Workloads: []string{"disabled-w"}}, nil)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestPlanRequiresExplicitWorkloadOrder(t *testing.T) {
	_, err := Plan(sampleConfig(), Options{}, nil)
	assert.Error(t, err)
}

func TestPlanWithNoConfiguredWorkloadsYieldsEmptyPlanNotError(t *testing.T) {
	cfg := &benchconfig.BenchmarkConfig{
		Repetitions: 1,
		Hosts:       []benchconfig.HostSpec{{Name: "h1"}},
		Workloads:   map[string]benchconfig.WorkloadEntry{},
	}
	tasks, err := Plan(cfg, Options{}, nil)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestResumeCheckerExcludesCompletedByDefaultRetriesFailed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.json")
	j := journal.New("run-1", []byte("cfg"), path, []journal.TaskKey{
		{Host: "h1", Workload: "w", Repetition: 1},
		{Host: "h1", Workload: "w", Repetition: 2},
		{Host: "h2", Workload: "w", Repetition: 1},
		{Host: "h2", Workload: "w", Repetition: 2},
	})
	require.NoError(t, j.Update("h1", "w", 1, journal.StatusRunning, nil))
	require.NoError(t, j.Update("h1", "w", 1, journal.StatusCompleted, nil))
	require.NoError(t, j.Update("h1", "w", 2, journal.StatusRunning, nil))
	require.NoError(t, j.Update("h1", "w", 2, journal.StatusFailed, &journal.TaskError{Kind: "WorkloadError"}))

	cfg := sampleConfig()
	resume := ResumeChecker{J: j}
	tasks, err := Plan(cfg, Options{Workloads: []string{"w"}}, resume)
	require.NoError(t, err)

	// h1::w::1 (COMPLETED) is excluded; h1::w::2 (FAILED) is retried by default.
	require.Len(t, tasks, 3)
	assert.Equal(t, "h1", tasks[0].Host.Name)
	assert.Equal(t, 2, tasks[0].Repetition)
}

func TestResumeCheckerHonorsSkipFailedOnResume(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.json")
	j := journal.New("run-1", []byte("cfg"), path, []journal.TaskKey{
		{Host: "h1", Workload: "w", Repetition: 1},
	})
	require.NoError(t, j.Update("h1", "w", 1, journal.StatusRunning, nil))
	require.NoError(t, j.Update("h1", "w", 1, journal.StatusFailed, &journal.TaskError{Kind: "WorkloadError"}))

	cfg := &benchconfig.BenchmarkConfig{
		Repetitions: 1,
		Hosts:       []benchconfig.HostSpec{{Name: "h1"}},
		Workloads:   map[string]benchconfig.WorkloadEntry{"w": {Plugin: "fio", Enabled: true}},
	}
	resume := ResumeChecker{J: j, SkipFailedOnResume: true}
	tasks, err := Plan(cfg, Options{Workloads: []string{"w"}}, resume)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestEvalUserDefinedIntensity(t *testing.T) {
	val, err := EvalUserDefinedIntensity("cpu_count * 2", map[string]any{"cpu_count": 4})
	require.NoError(t, err)
	assert.Equal(t, 8, val)
}

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

package journal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func plan() []TaskKey {
	return []TaskKey{
		{Host: "h1", Workload: "w", Repetition: 1},
		{Host: "h1", Workload: "w", Repetition: 2},
	}
}

func TestNewPopulatesPendingTasks(t *testing.T) {
	j := New("run-1", []byte("cfg"), filepath.Join(t.TempDir(), "journal.json"), plan())
	for _, k := range plan() {
		task, ok := j.Get(k.Host, k.Workload, k.Repetition)
		require.True(t, ok)
		assert.Equal(t, StatusPending, task.Status)
	}
}

func TestUpdateEnforcesTransitionOrder(t *testing.T) {
	j := New("run-1", []byte("cfg"), filepath.Join(t.TempDir(), "journal.json"), plan())

	require.NoError(t, j.Update("h1", "w", 1, StatusRunning, nil))
	require.NoError(t, j.Update("h1", "w", 1, StatusCompleted, nil))

	// COMPLETED is terminal (I3).
	err := j.Update("h1", "w", 1, StatusRunning, nil)
	assert.Error(t, err)
}

func TestUpdateRejectsSkippingRunning(t *testing.T) {
	j := New("run-1", []byte("cfg"), filepath.Join(t.TempDir(), "journal.json"), plan())
	require.NoError(t, j.Update("h1", "w", 1, StatusRunning, nil))

	err := j.Update("h1", "w", 1, StatusSkipped, nil)
	assert.Error(t, err)
}

func TestFailedCanRetryToRunning(t *testing.T) {
	j := New("run-1", []byte("cfg"), filepath.Join(t.TempDir(), "journal.json"), plan())
	require.NoError(t, j.Update("h1", "w", 1, StatusRunning, nil))
	require.NoError(t, j.Update("h1", "w", 1, StatusFailed, &TaskError{Kind: "WorkloadError", Message: "boom"}))
	require.NoError(t, j.Update("h1", "w", 1, StatusRunning, nil))

	task, _ := j.Get("h1", "w", 1)
	assert.Equal(t, StatusRunning, task.Status)
	assert.Equal(t, 2, task.Attempts)
}

func TestRepeatedIdenticalUpdateIsNoop(t *testing.T) {
	// R2: Update(k, s) followed by Update(k, s) with identical status is a no-op.
	j := New("run-1", []byte("cfg"), filepath.Join(t.TempDir(), "journal.json"), plan())
	require.NoError(t, j.Update("h1", "w", 1, StatusRunning, nil))

	before, _ := j.Get("h1", "w", 1)
	require.NoError(t, j.Update("h1", "w", 1, StatusRunning, nil))
	after, _ := j.Get("h1", "w", 1)
	assert.Equal(t, before.Attempts, after.Attempts)
}

func TestFlushThenLoadRoundTrips(t *testing.T) {
	// R1: Load(Save(j)) == j.
	path := filepath.Join(t.TempDir(), "journal.json")
	cfgSnapshot := []byte("cfg-bytes")
	j := New("run-1", cfgSnapshot, path, plan())
	require.NoError(t, j.Update("h1", "w", 1, StatusRunning, nil))
	require.NoError(t, j.Update("h1", "w", 1, StatusCompleted, nil))
	require.NoError(t, j.Flush())

	loaded, err := Load(path, cfgSnapshot)
	require.NoError(t, err)

	want, _ := j.Get("h1", "w", 1)
	got, ok := loaded.Get("h1", "w", 1)
	require.True(t, ok)
	assert.Equal(t, want.Status, got.Status)
	assert.Equal(t, want.Attempts, got.Attempts)

	pending, _ := loaded.Get("h1", "w", 2)
	assert.Equal(t, StatusPending, pending.Status)
}

func TestLoadDetectsCorruptJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"tasks": {`), 0644))

	_, err := Load(path, []byte("cfg"))
	require.Error(t, err)
}

func TestLoadDetectsConfigSnapshotMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.json")
	j := New("run-1", []byte("original"), path, plan())
	require.NoError(t, j.Flush())

	_, err := Load(path, []byte("different"))
	assert.Error(t, err)
}

func TestPendingReturnsStableOrderExcludingCompleted(t *testing.T) {
	// P3: resuming visits exactly plan \ C.
	path := filepath.Join(t.TempDir(), "journal.json")
	j := New("run-1", []byte("cfg"), path, plan())
	require.NoError(t, j.Update("h1", "w", 1, StatusRunning, nil))
	require.NoError(t, j.Update("h1", "w", 1, StatusCompleted, nil))

	pending := j.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, 2, pending[0].Repetition)
}

func TestAllCompletedRequiresNoPendingOrRunning(t *testing.T) {
	// P2: sum(PENDING) + sum(RUNNING) == 0 after a successful run.
	path := filepath.Join(t.TempDir(), "journal.json")
	j := New("run-1", []byte("cfg"), path, plan())
	assert.False(t, j.AllCompleted())

	for _, k := range plan() {
		require.NoError(t, j.Update(k.Host, k.Workload, k.Repetition, StatusRunning, nil))
		require.NoError(t, j.Update(k.Host, k.Workload, k.Repetition, StatusCompleted, nil))
	}
	assert.True(t, j.AllCompleted())
}

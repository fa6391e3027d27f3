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

// Package journal provides the crash-safe, resumable record of task
// states for a run: one Task per (host, workload, repetition), flushed
// atomically to journal.json after every transition.
package journal

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/benchctl/internal/bcerrors"
)

// Status enumerates the lifecycle of a Task.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusSkipped   Status = "SKIPPED"
)

// TaskError records the typed failure associated with a FAILED task.
type TaskError struct {
	Kind    string         `json:"kind"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
}

// Task is one journal cell, keyed by (host, workload, repetition).
type Task struct {
	Host       string     `json:"-"`
	Workload   string     `json:"-"`
	Repetition int        `json:"-"`
	Status     Status     `json:"status"`
	Timestamp  int64      `json:"timestamp"`
	Error      *TaskError `json:"error,omitempty"`
	Attempts   int        `json:"attempts"`
}

// Key returns the "host::workload::rep" serialization used as the map
// key both in memory and in the persisted JSON shape.
func Key(host, workload string, repetition int) string {
	return fmt.Sprintf("%s::%s::%d", host, workload, repetition)
}

// diskTask is the persisted shape of a Task (status/timestamp/attempts/
// error), decoupled from the in-memory Task so the map key alone carries
// host/workload/repetition.
type diskTask struct {
	Status    Status     `json:"status"`
	Timestamp int64      `json:"timestamp"`
	Attempts  int        `json:"attempts"`
	Error     *TaskError `json:"error,omitempty"`
}

type diskJournal struct {
	RunID        string              `json:"run_id"`
	CreatedTS    int64               `json:"created_ts"`
	UpdatedTS    int64               `json:"updated_ts"`
	ConfigDigest string              `json:"config_digest"`
	Tasks        map[string]diskTask `json:"tasks"`
}

// Journal is the in-memory, mutated-only-by-the-Controller record of
// every task in a run, backed by an atomically-flushed JSON file.
type Journal struct {
	mu             sync.Mutex
	runID          string
	path           string
	configSnapshot []byte
	configDigest   string
	createdTS      int64
	tasks          map[string]*Task
	order          []string // stable insertion order, for Pending()
}

// New creates a fresh journal at path, populated with PENDING tasks for
// every (host, workload, repetition) in keys, in the order supplied.
func New(runID string, configSnapshot []byte, path string, keys []TaskKey) *Journal {
	if runID == "" {
		runID = "run-" + uuid.NewString()
	}
	now := time.Now().Unix()
	j := &Journal{
		runID:          runID,
		path:           path,
		configSnapshot: configSnapshot,
		configDigest:   digest(configSnapshot),
		createdTS:      now,
		tasks:          make(map[string]*Task, len(keys)),
		order:          make([]string, 0, len(keys)),
	}
	for _, k := range keys {
		key := Key(k.Host, k.Workload, k.Repetition)
		j.tasks[key] = &Task{
			Host:       k.Host,
			Workload:   k.Workload,
			Repetition: k.Repetition,
			Status:     StatusPending,
			Timestamp:  now,
		}
		j.order = append(j.order, key)
	}
	return j
}

// TaskKey identifies one journal cell before it is serialized.
type TaskKey struct {
	Host       string
	Workload   string
	Repetition int
}

func digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Load reads an existing journal from path. It fails with
// JournalError{CORRUPT_JOURNAL} if the bytes do not parse, and
// JournalError{SCHEMA_MISMATCH} if configSnapshot's digest differs from
// the persisted config_digest. A nil configSnapshot skips that comparison
// and keeps the persisted digest. A loaded journal orders its tasks by
// their serialized key, which is the order journal.json stores them in.
func Load(path string, configSnapshot []byte) (*Journal, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &bcerrors.JournalError{Sub: bcerrors.JournalIO, Message: fmt.Sprintf("reading %s", path), Cause: err}
	}

	var dj diskJournal
	if err := json.Unmarshal(data, &dj); err != nil {
		return nil, &bcerrors.JournalError{Sub: bcerrors.JournalCorrupt, Message: fmt.Sprintf("%s does not parse as JSON", path), Cause: err}
	}

	wantDigest := dj.ConfigDigest
	if configSnapshot != nil {
		wantDigest = digest(configSnapshot)
		if dj.ConfigDigest != "" && dj.ConfigDigest != wantDigest {
			return nil, &bcerrors.JournalError{
				Sub:     bcerrors.JournalSchemaMismatch,
				Message: fmt.Sprintf("config_snapshot digest %s does not match journal's %s", wantDigest, dj.ConfigDigest),
			}
		}
	}

	j := &Journal{
		runID:          dj.RunID,
		path:           path,
		configSnapshot: configSnapshot,
		configDigest:   wantDigest,
		createdTS:      dj.CreatedTS,
		tasks:          make(map[string]*Task, len(dj.Tasks)),
		order:          make([]string, 0, len(dj.Tasks)),
	}
	keys := make([]string, 0, len(dj.Tasks))
	for key := range dj.Tasks {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		dt := dj.Tasks[key]
		host, workload, rep, err := splitKey(key)
		if err != nil {
			return nil, &bcerrors.JournalError{Sub: bcerrors.JournalCorrupt, Message: fmt.Sprintf("malformed task key %q", key), Cause: err}
		}
		j.tasks[key] = &Task{
			Host:       host,
			Workload:   workload,
			Repetition: rep,
			Status:     dt.Status,
			Timestamp:  dt.Timestamp,
			Attempts:   dt.Attempts,
			Error:      dt.Error,
		}
		j.order = append(j.order, key)
	}
	return j, nil
}

func splitKey(key string) (host, workload string, rep int, err error) {
	parts := strings.Split(key, "::")
	if len(parts) != 3 {
		return "", "", 0, fmt.Errorf("expected host::workload::rep, got %q", key)
	}
	rep, err = strconv.Atoi(parts[2])
	if err != nil {
		return "", "", 0, fmt.Errorf("non-integer repetition in %q", key)
	}
	return parts[0], parts[1], rep, nil
}

// RunID returns the run identifier.
func (j *Journal) RunID() string {
	return j.runID
}

// CreatedTS returns the unix timestamp the journal was first created.
func (j *Journal) CreatedTS() int64 {
	return j.createdTS
}

// validTransition enforces I3: PENDING->RUNNING->{COMPLETED|FAILED};
// FAILED->RUNNING only on explicit retry; COMPLETED is terminal; SKIPPED
// only assignable pre-RUNNING.
func validTransition(from, to Status) bool {
	if from == to {
		return true // R2: identical re-update is a no-op, not an error
	}
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusSkipped
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed
	case StatusFailed:
		return to == StatusRunning
	case StatusCompleted, StatusSkipped:
		return false
	default:
		return false
	}
}

// Update transitions the task at key to status, validating against I3.
// taskErr is recorded when status is FAILED.
func (j *Journal) Update(host, workload string, repetition int, status Status, taskErr *TaskError) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	key := Key(host, workload, repetition)
	task, ok := j.tasks[key]
	if !ok {
		return &bcerrors.JournalError{Sub: bcerrors.JournalInvalidTransition, Message: fmt.Sprintf("unknown task %s", key)}
	}

	if !validTransition(task.Status, status) {
		return &bcerrors.JournalError{
			Sub:     bcerrors.JournalInvalidTransition,
			Message: fmt.Sprintf("task %s: invalid transition %s -> %s", key, task.Status, status),
		}
	}

	if task.Status == status {
		return nil // idempotent no-op per R2
	}

	if task.Status == StatusRunning && (status == StatusCompleted || status == StatusFailed) {
		task.Attempts++
	}
	if task.Status == StatusFailed && status == StatusRunning {
		task.Attempts++
	}

	task.Status = status
	task.Timestamp = time.Now().Unix()
	if status == StatusFailed {
		task.Error = taskErr
	} else {
		task.Error = nil
	}
	return nil
}

// Get returns a copy of the task at the given key, if present.
func (j *Journal) Get(host, workload string, repetition int) (Task, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	task, ok := j.tasks[Key(host, workload, repetition)]
	if !ok {
		return Task{}, false
	}
	return *task, true
}

// Pending yields task keys whose status is PENDING or FAILED, in stable
// insertion order, satisfying P3's resume semantics.
func (j *Journal) Pending() []TaskKey {
	j.mu.Lock()
	defer j.mu.Unlock()

	var out []TaskKey
	for _, key := range j.order {
		t := j.tasks[key]
		if t.Status == StatusPending || t.Status == StatusFailed {
			out = append(out, TaskKey{Host: t.Host, Workload: t.Workload, Repetition: t.Repetition})
		}
	}
	return out
}

// All yields every task key in the journal, in stable insertion order,
// regardless of status. Unlike Pending, this is for read-only reporting
// views (RunCatalog) that need the full task set, not the resume queue.
func (j *Journal) All() []TaskKey {
	j.mu.Lock()
	defer j.mu.Unlock()

	out := make([]TaskKey, 0, len(j.order))
	for _, key := range j.order {
		t := j.tasks[key]
		out = append(out, TaskKey{Host: t.Host, Workload: t.Workload, Repetition: t.Repetition})
	}
	return out
}

// AllCompleted reports whether every task's terminal state leaves no
// PENDING or RUNNING entries (P2).
func (j *Journal) AllCompleted() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, t := range j.tasks {
		if t.Status == StatusPending || t.Status == StatusRunning {
			return false
		}
	}
	return true
}

// Flush writes the journal atomically: serialize to <path>.tmp, fsync,
// then rename over path. Never leaves a partial file.
func (j *Journal) Flush() error {
	j.mu.Lock()
	dj := diskJournal{
		RunID:        j.runID,
		CreatedTS:    j.createdTS,
		UpdatedTS:    time.Now().Unix(),
		ConfigDigest: j.configDigest,
		Tasks:        make(map[string]diskTask, len(j.tasks)),
	}
	for key, t := range j.tasks {
		dj.Tasks[key] = diskTask{Status: t.Status, Timestamp: t.Timestamp, Attempts: t.Attempts, Error: t.Error}
	}
	path := j.path
	j.mu.Unlock()

	data, err := json.MarshalIndent(dj, "", "  ")
	if err != nil {
		return &bcerrors.JournalError{Sub: bcerrors.JournalIO, Message: "marshal journal", Cause: err}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return &bcerrors.JournalError{Sub: bcerrors.JournalIO, Message: "create journal directory", Cause: err}
	}

	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return &bcerrors.JournalError{Sub: bcerrors.JournalIO, Message: "open journal tmp file", Cause: err}
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return &bcerrors.JournalError{Sub: bcerrors.JournalIO, Message: "write journal tmp file", Cause: err}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return &bcerrors.JournalError{Sub: bcerrors.JournalIO, Message: "fsync journal tmp file", Cause: err}
	}
	if err := f.Close(); err != nil {
		return &bcerrors.JournalError{Sub: bcerrors.JournalIO, Message: "close journal tmp file", Cause: err}
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return &bcerrors.JournalError{Sub: bcerrors.JournalIO, Message: "rename journal tmp file", Cause: err}
	}
	return nil
}

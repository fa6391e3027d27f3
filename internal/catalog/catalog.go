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

// Package catalog implements RunCatalog: it discovers completed and
// in-progress runs under an output root by scanning for journal.json
// files, resolves a run id (or "latest") to its metadata, and surfaces
// a run's full journal plus its on-disk artifact listing.
//
// # Interface Hierarchy
//
// Callers that only need to enumerate runs can depend on Lister alone;
// Resolver and Shower are split out the same way the backend package
// segregates RunStore from the optional RunLister/CheckpointStore, so a
// caller that just wants `List` never has to satisfy `Show`'s contract.
package catalog

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/tombee/benchctl/internal/bcerrors"
	"github.com/tombee/benchctl/internal/journal"
)

// RunInfo summarizes one run for List/Resolve without loading every task.
type RunInfo struct {
	ID            string
	Path          string
	CreatedTS     int64
	UpdatedTS     int64
	HostCount     int
	TerminalState string // best-effort: derived from task status aggregation, see terminalStateFor.
	TaskCounts    map[journal.Status]int
}

// Lister enumerates runs under a root.
type Lister interface {
	List(root string) ([]RunInfo, error)
}

// Resolver resolves a run id, or the sentinel "latest", to its RunInfo.
type Resolver interface {
	Resolve(root, id string) (RunInfo, error)
}

// Shower returns a run's full journal plus its artifact listing.
type Shower interface {
	Show(root, id string) (ShowResult, error)
}

// Catalog implements Lister, Resolver, and Shower against a plain
// filesystem output root; no index or database is maintained; each call
// re-scans, matching the spec's file-based-by-design journal/catalog.
type Catalog struct{}

// New returns a filesystem-backed Catalog.
func New() *Catalog { return &Catalog{} }

const latestSentinel = "latest"

// List scans root for immediate subdirectories containing journal.json
// and returns one RunInfo per run found, sorted by ID ascending.
func (Catalog) List(root string) ([]RunInfo, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, &bcerrors.JournalError{Sub: bcerrors.JournalIO, Message: "list run catalog root", Cause: err}
	}

	var runs []RunInfo
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		runDir := filepath.Join(root, entry.Name())
		journalPath := filepath.Join(runDir, "journal.json")
		if _, err := os.Stat(journalPath); err != nil {
			continue
		}
		info, err := loadRunInfo(entry.Name(), runDir)
		if err != nil {
			continue // a corrupt journal is skipped, not fatal to the listing
		}
		runs = append(runs, info)
	}

	sort.Slice(runs, func(i, j int) bool { return runs[i].ID < runs[j].ID })
	return runs, nil
}

// Resolve looks up id directly, or — when id is "latest" — the
// highest lexical run id under root that has a journal present.
func (c Catalog) Resolve(root, id string) (RunInfo, error) {
	if id != latestSentinel {
		runDir := filepath.Join(root, id)
		if _, err := os.Stat(filepath.Join(runDir, "journal.json")); err != nil {
			return RunInfo{}, &bcerrors.ConfigError{Key: "run_id", Reason: "no journal found for run " + id}
		}
		return loadRunInfo(id, runDir)
	}

	runs, err := c.List(root)
	if err != nil {
		return RunInfo{}, err
	}
	if len(runs) == 0 {
		return RunInfo{}, &bcerrors.ConfigError{Key: "run_id", Reason: "no runs found under " + root}
	}
	return runs[len(runs)-1], nil
}

// ShowResult is the full detail Show returns for one run.
type ShowResult struct {
	Info      RunInfo
	Tasks     map[string]journal.Task
	Artifacts []string // paths relative to the run directory
}

// Show resolves id (honoring "latest") and returns its full journal plus
// a recursive listing of every artifact file under the run directory.
func (c Catalog) Show(root, id string) (ShowResult, error) {
	info, err := c.Resolve(root, id)
	if err != nil {
		return ShowResult{}, err
	}

	journalPath := filepath.Join(info.Path, "journal.json")
	snapshot, err := os.ReadFile(filepath.Join(info.Path, "config.snapshot.json"))
	if err != nil {
		snapshot = nil // config.snapshot.json is best-effort; journal digest check is skipped if absent
	}
	j, err := journal.Load(journalPath, snapshot)
	if err != nil {
		return ShowResult{}, err
	}

	tasks := make(map[string]journal.Task)
	for _, key := range j.All() {
		if t, ok := j.Get(key.Host, key.Workload, key.Repetition); ok {
			tasks[journal.Key(key.Host, key.Workload, key.Repetition)] = t
		}
	}

	var artifacts []string
	_ = filepath.Walk(info.Path, func(path string, fi os.FileInfo, err error) error {
		if err != nil || fi.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(info.Path, path)
		if relErr == nil {
			artifacts = append(artifacts, rel)
		}
		return nil
	})
	sort.Strings(artifacts)

	return ShowResult{Info: info, Tasks: tasks, Artifacts: artifacts}, nil
}

// loadRunInfo reads runDir's journal.json (tolerating a missing or
// unreadable config.snapshot.json, since List/Resolve need only the
// journal's own digest check to pass) and aggregates task counts.
func loadRunInfo(id, runDir string) (RunInfo, error) {
	journalPath := filepath.Join(runDir, "journal.json")
	snapshot, _ := os.ReadFile(filepath.Join(runDir, "config.snapshot.json"))

	j, err := journal.Load(journalPath, snapshot)
	if err != nil {
		return RunInfo{}, err
	}

	hosts := make(map[string]struct{})
	counts := make(map[journal.Status]int)
	createdTS := j.CreatedTS()
	var updatedTS int64
	for _, key := range j.All() {
		t, ok := j.Get(key.Host, key.Workload, key.Repetition)
		if !ok {
			continue
		}
		hosts[key.Host] = struct{}{}
		counts[t.Status]++
		if updatedTS == 0 || t.Timestamp > updatedTS {
			updatedTS = t.Timestamp
		}
	}

	return RunInfo{
		ID:            id,
		Path:          runDir,
		CreatedTS:     createdTS,
		UpdatedTS:     updatedTS,
		HostCount:     len(hosts),
		TerminalState: terminalStateFor(counts),
		TaskCounts:    counts,
	}, nil
}

// terminalStateFor makes a best-effort guess at the run's ControllerState
// from its task-status aggregation alone: the journal does not persist
// the ControllerState separately (see spec's data model), so RunCatalog
// infers FINISHED/FAILED/RUNNING from the task counts it can see.
func terminalStateFor(counts map[journal.Status]int) string {
	if counts[journal.StatusRunning] > 0 || counts[journal.StatusPending] > 0 {
		return "RUNNING"
	}
	if counts[journal.StatusFailed] > 0 {
		return "FAILED"
	}
	return "FINISHED"
}

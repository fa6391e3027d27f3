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

// Package planner expands a BenchmarkConfig into the ordered task list
// the controller executes, filtering out tasks a journal already marks
// COMPLETED on resume.
package planner

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/tombee/benchctl/internal/bcerrors"
	"github.com/tombee/benchctl/internal/benchconfig"
	"github.com/tombee/benchctl/internal/journal"
)

// PlannedTask is one entry in the ordered plan, carrying the resolved
// per-host/per-plugin options an executor needs without re-deriving them.
type PlannedTask struct {
	Host        benchconfig.HostSpec
	Workload    string
	Entry       benchconfig.WorkloadEntry
	Repetition  int
	HostIndex   int
	WorkloadIdx int
}

// Key returns this task's journal key.
func (t PlannedTask) Key() string {
	return journal.Key(t.Host.Name, t.Workload, t.Repetition)
}

// Options contains the knobs a caller can set for one planning pass.
type Options struct {
	// Workloads restricts planning to these workload names, in this
	// order. A nil/empty slice is a ConfigError when the config has any
	// workloads (map iteration order is not stable), and yields an empty
	// plan when it has none.
	Workloads []string

	// SkipFailedOnResume opts out of the default FAILED-retry-on-resume
	// behavior (spec's resolution of the Open Question). Plan applies it
	// when the resume checker is a ResumeChecker.
	SkipFailedOnResume bool
}

// CompletionChecker reports whether a task key is already COMPLETED (or
// SKIPPED) in the journal being resumed against. A nil checker means
// "nothing is completed yet" (fresh run).
type CompletionChecker interface {
	IsDone(key string) bool
}

// Plan expands cfg's hosts x workloads x repetitions into a stable,
// ordered task list, filtering tasks the resume checker reports COMPLETED.
// Tie-breaks are (host index, workload index, repetition ascending), per
// the RunPlanner contract.
func Plan(cfg *benchconfig.BenchmarkConfig, opts Options, resume CompletionChecker) ([]PlannedTask, error) {
	workloadOrder := opts.Workloads
	if len(workloadOrder) == 0 && len(cfg.Workloads) > 0 {
		return nil, &bcerrors.ConfigError{Key: "workloads", Reason: "planner requires an explicit workload order"}
	}
	if rc, ok := resume.(ResumeChecker); ok && opts.SkipFailedOnResume {
		rc.SkipFailedOnResume = true
		resume = rc
	}

	var out []PlannedTask
	for hostIdx, host := range cfg.Hosts {
		for wIdx, name := range workloadOrder {
			entry, ok := cfg.Workloads[name]
			if !ok {
				return nil, &bcerrors.ConfigError{Key: fmt.Sprintf("workloads.%s", name), Reason: "not found in config"}
			}
			if !entry.Enabled {
				continue
			}
			for rep := 1; rep <= cfg.Repetitions; rep++ {
				task := PlannedTask{
					Host:        host,
					Workload:    name,
					Entry:       entry,
					Repetition:  rep,
					HostIndex:   hostIdx,
					WorkloadIdx: wIdx,
				}
				if resume != nil && resume.IsDone(task.Key()) {
					continue
				}
				out = append(out, task)
			}
		}
	}
	return out, nil
}

// ResumeChecker reports completion against a *journal.Journal by
// replaying Get per candidate key; it also honors SkipFailedOnResume.
type ResumeChecker struct {
	J                  *journal.Journal
	SkipFailedOnResume bool
}

// IsDone reports whether the task at key should be excluded from the
// plan: COMPLETED and SKIPPED are always excluded; FAILED is excluded
// only when SkipFailedOnResume is set.
func (r ResumeChecker) IsDone(key string) bool {
	host, workload, rep, ok := parseKey(key)
	if !ok {
		return false
	}
	task, found := r.J.Get(host, workload, rep)
	if !found {
		return false
	}
	switch task.Status {
	case journal.StatusCompleted, journal.StatusSkipped:
		return true
	case journal.StatusFailed:
		return r.SkipFailedOnResume
	default:
		return false
	}
}

func parseKey(key string) (host, workload string, rep int, ok bool) {
	parts := strings.Split(key, "::")
	if len(parts) != 3 {
		return "", "", 0, false
	}
	n, err := strconv.Atoi(parts[2])
	if err != nil {
		return "", "", 0, false
	}
	return parts[0], parts[1], n, true
}

// EvalUserDefinedIntensity evaluates a user_defined intensity expression
// against a host's vars, returning the resolved value used to size the
// workload's options (e.g. "cpu_count * 2", where cpu_count is a host
// var). Unknown identifiers never raise per the extravars precedence
// rule in spec section 4.9; they simply evaluate to nil.
func EvalUserDefinedIntensity(expression string, vars map[string]any) (any, error) {
	program, err := expr.Compile(expression, expr.Env(vars), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, &bcerrors.ConfigError{Key: "intensity", Reason: "invalid user_defined expression", Cause: err}
	}
	return runProgram(program, vars)
}

func runProgram(program *vm.Program, vars map[string]any) (any, error) {
	return expr.Run(program, vars)
}

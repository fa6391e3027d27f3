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

// Package bcerrors defines the typed error taxonomy shared across the
// benchmark orchestration engine.
package bcerrors

import (
	"errors"
	"fmt"
)

// ErrStopRequested is returned by cancellation-aware suspension points
// when a StopToken has fired. It is not logged as an error.
var ErrStopRequested = errors.New("stop requested")

// ConfigError represents invalid configuration, surfaced before run start.
type ConfigError struct {
	Key    string
	Reason string
	Cause  error
}

func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

func (e *ConfigError) Unwrap() error { return e.Cause }

// WorkloadError represents a single repetition failing.
type WorkloadError struct {
	Workload   string
	Repetition int
	Command    string
	ExitCode   int
	Cause      error
}

func (e *WorkloadError) Error() string {
	msg := fmt.Sprintf("workload %s rep %d failed", e.Workload, e.Repetition)
	if e.Command != "" {
		msg = fmt.Sprintf("%s (cmd=%s)", msg, e.Command)
	}
	if e.ExitCode != 0 {
		msg = fmt.Sprintf("%s exit=%d", msg, e.ExitCode)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *WorkloadError) Unwrap() error { return e.Cause }

// MetricCollectionError represents a single collector failing to start or
// sample. It is non-fatal for the owning repetition.
type MetricCollectionError struct {
	Collector string
	Host      string
	Cause     error
}

func (e *MetricCollectionError) Error() string {
	return fmt.Sprintf("collector %s on host %s failed: %v", e.Collector, e.Host, e.Cause)
}

func (e *MetricCollectionError) Unwrap() error { return e.Cause }

// ArtifactPersistError is fatal for the current repetition only.
type ArtifactPersistError struct {
	Path  string
	Cause error
}

func (e *ArtifactPersistError) Error() string {
	return fmt.Sprintf("failed to persist artifact %s: %v", e.Path, e.Cause)
}

func (e *ArtifactPersistError) Unwrap() error { return e.Cause }

// RemoteExecutionError represents a playbook subprocess failure.
type RemoteExecutionError struct {
	Phase      string
	PlaybookID string
	ExitCode   int
	Cause      error
}

func (e *RemoteExecutionError) Error() string {
	msg := fmt.Sprintf("playbook %s failed during %s (exit=%d)", e.PlaybookID, e.Phase, e.ExitCode)
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *RemoteExecutionError) Unwrap() error { return e.Cause }

// JournalErrorKind enumerates the journal failure sub-kinds.
type JournalErrorKind string

const (
	JournalCorrupt           JournalErrorKind = "CORRUPT_JOURNAL"
	JournalSchemaMismatch    JournalErrorKind = "SCHEMA_MISMATCH"
	JournalInvalidTransition JournalErrorKind = "INVALID_TRANSITION"
	JournalIO                JournalErrorKind = "IO"
)

// JournalError is fatal for the run.
type JournalError struct {
	Sub     JournalErrorKind
	Message string
	Cause   error
}

func (e *JournalError) Error() string {
	return fmt.Sprintf("journal error [%s]: %s", e.Sub, e.Message)
}

func (e *JournalError) Unwrap() error { return e.Cause }

// StopTimeoutError represents STOPPING_WAIT_RUNNERS expiry.
type StopTimeoutError struct {
	Phase   string
	Timeout string
}

func (e *StopTimeoutError) Error() string {
	return fmt.Sprintf("stop timed out waiting for %s after %s", e.Phase, e.Timeout)
}

// Kind classifies an error for journal `error.kind` fields and UI
// aggregation. Unknown errors are classified UNKNOWN.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrStopRequested):
		return "StopRequested"
	}
	var (
		cfgErr    *ConfigError
		wlErr     *WorkloadError
		mcErr     *MetricCollectionError
		apErr     *ArtifactPersistError
		reErr     *RemoteExecutionError
		jErr      *JournalError
		stErr     *StopTimeoutError
	)
	switch {
	case errors.As(err, &cfgErr):
		return "ConfigError"
	case errors.As(err, &wlErr):
		return "WorkloadError"
	case errors.As(err, &mcErr):
		return "MetricCollectionError"
	case errors.As(err, &apErr):
		return "ArtifactPersistError"
	case errors.As(err, &reErr):
		return "RemoteExecutionError"
	case errors.As(err, &jErr):
		return "JournalError"
	case errors.As(err, &stErr):
		return "StopTimeout"
	default:
		return "UNKNOWN"
	}
}

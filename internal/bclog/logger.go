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

// Package bclog provides the structured logging setup shared by the
// controller and its collaborators.
package bclog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Format represents the log output format.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// LevelTrace is more verbose than Debug, used for per-sample collector
// output and playbook stdout mirroring.
const LevelTrace = slog.Level(-8)

// Standard field keys, kept consistent across the engine's log lines.
const (
	RunIDKey      = "run_id"
	HostKey       = "host"
	WorkloadKey   = "workload"
	RepetitionKey = "repetition"
	PhaseKey      = "phase"
	TaskKey       = "task"
)

// Config holds the logging configuration.
type Config struct {
	Level     string
	Format    Format
	Output    io.Writer
	AddSource bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Level:     "info",
		Format:    FormatJSON,
		Output:    os.Stderr,
		AddSource: false,
	}
}

// FromEnv creates a Config from environment variables:
//   - LB_DEBUG: true/1 enables debug level plus source logging
//   - LB_LOG_LEVEL: trace, debug, info, warn, error
//   - LB_LOG_FORMAT: json, text
//   - LB_LOG_SOURCE: 1 enables source file/line
func FromEnv() *Config {
	cfg := DefaultConfig()

	debug := os.Getenv("LB_DEBUG")
	if debug == "true" || debug == "1" {
		cfg.Level = "debug"
		cfg.AddSource = true
	}
	if debug == "" {
		if level := os.Getenv("LB_LOG_LEVEL"); level != "" {
			cfg.Level = strings.ToLower(level)
		}
	}
	if format := os.Getenv("LB_LOG_FORMAT"); format != "" {
		cfg.Format = Format(strings.ToLower(format))
	}
	if os.Getenv("LB_LOG_SOURCE") == "1" {
		cfg.AddSource = true
	}
	return cfg
}

// New creates a structured logger from the given configuration.
func New(cfg *Config) *slog.Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	opts := &slog.HandlerOptions{
		Level:     parseLevel(cfg.Level),
		AddSource: cfg.AddSource,
	}
	var handler slog.Handler
	switch cfg.Format {
	case FormatText:
		handler = slog.NewTextHandler(cfg.Output, opts)
	default:
		handler = slog.NewJSONHandler(cfg.Output, opts)
	}
	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return LevelTrace
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithTask returns a logger annotated with the host::workload::rep key and
// its constituent fields, matching the journal's task identifier.
func WithTask(logger *slog.Logger, host, workload string, repetition int) *slog.Logger {
	return logger.With(
		slog.String(TaskKey, fmt.Sprintf("%s::%s::%d", host, workload, repetition)),
		slog.String(HostKey, host),
		slog.String(WorkloadKey, workload),
		slog.Int(RepetitionKey, repetition),
	)
}

// WithRun returns a logger annotated with the run id.
func WithRun(logger *slog.Logger, runID string) *slog.Logger {
	return logger.With(slog.String(RunIDKey, runID))
}

// WithPhase returns a logger annotated with the controller phase name.
func WithPhase(logger *slog.Logger, phase string) *slog.Logger {
	return logger.With(slog.String(PhaseKey, phase))
}

// Trace logs at trace level, skipped entirely when the handler is not
// enabled for it.
func Trace(logger *slog.Logger, msg string, attrs ...slog.Attr) {
	if !logger.Enabled(context.Background(), LevelTrace) {
		return
	}
	logger.LogAttrs(context.Background(), LevelTrace, msg, attrs...)
}

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

// Package workload defines the abstract Workload contract and an
// explicit plugin registry populated at start. Per the design notes,
// plugin dispatch is a static map lookup, never runtime attribute
// probing: an unknown plugin name produces a ConfigError before any
// repetition runs.
package workload

import (
	"context"
	"fmt"
	"sync"

	"github.com/tombee/benchctl/internal/bcerrors"
	"github.com/tombee/benchctl/internal/stopctx"
)

// Result is the flattenable outcome a workload reports back to the
// RepetitionExecutor for persistence into result.json/<workload>_plugin.csv.
type Result struct {
	Fields map[string]any
}

// Workload is one running instance of a plugin, bound to a single
// repetition's options and output directory.
type Workload interface {
	// Run executes the workload to completion or until stopToken fires.
	Run(ctx context.Context, outputDir string, token *stopctx.StopToken) (Result, error)
	// Teardown is invoked on stop before StopRequested is surfaced. It
	// must respect deadline and is expected to run even when ctx is
	// already cancelled.
	Teardown(ctx context.Context, deadline context.Context) error
}

// MakeGeneratorFunc builds one Workload instance from a plugin's
// options for a single repetition.
type MakeGeneratorFunc func(options map[string]any) (Workload, error)

// PluginDescriptor is the uniform contract every plugin presents to the
// registry.
type PluginDescriptor struct {
	Name          string
	Description   string
	ConfigSchema  map[string]any
	MakeGenerator MakeGeneratorFunc
}

// Registry is the static map[name]PluginDescriptor populated at start.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]PluginDescriptor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]PluginDescriptor)}
}

// Register adds descriptor to the registry. Re-registering the same
// name overwrites the previous descriptor (used by tests to install
// fakes).
func (r *Registry) Register(descriptor PluginDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins[descriptor.Name] = descriptor
}

// Lookup resolves pluginName, returning ConfigError if it was never
// registered.
func (r *Registry) Lookup(pluginName string) (PluginDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	descriptor, ok := r.plugins[pluginName]
	if !ok {
		return PluginDescriptor{}, &bcerrors.ConfigError{Key: "workloads.plugin", Reason: fmt.Sprintf("unknown plugin %q", pluginName)}
	}
	return descriptor, nil
}

// Make resolves pluginName and constructs a Workload for one repetition.
func (r *Registry) Make(pluginName string, options map[string]any) (Workload, error) {
	descriptor, err := r.Lookup(pluginName)
	if err != nil {
		return nil, err
	}
	wl, err := descriptor.MakeGenerator(options)
	if err != nil {
		return nil, &bcerrors.ConfigError{Key: "workloads.plugin", Reason: fmt.Sprintf("plugin %q rejected its options", pluginName), Cause: err}
	}
	return wl, nil
}

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

// Package collectors defines the abstract metric collector contract the
// RepetitionExecutor starts/stops around a workload, plus a concrete
// Prometheus-backed sample collector and registry-wide scrape metrics.
package collectors

import (
	"context"
	"time"
)

// Sample is one collected metric reading.
type Sample struct {
	Name      string
	Value     float64
	Labels    map[string]string
	Timestamp time.Time
}

// Collector is started once per repetition and stopped at its end; its
// samples are aggregated into the repetition's metrics/*.csv artifacts.
// Concrete collectors (perf, vmstat, a remote agent poller, ...) are out
// of scope for this engine and are supplied by the caller.
type Collector interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) ([]Sample, error)
}

// Registry tracks collectors configured for a workload and starts them
// in parallel, per the RepetitionExecutor protocol: a failing collector
// is dropped for the repetition rather than aborting the workload.
type Registry struct {
	collectors []Collector
}

// NewRegistry builds a Registry over the given collectors.
func NewRegistry(collectors ...Collector) *Registry {
	return &Registry{collectors: collectors}
}

// StartResult reports one collector's start outcome.
type StartResult struct {
	Collector Collector
	Err       error
}

// StartAll starts every collector concurrently, returning one
// StartResult per collector (in input order) so the caller can surface
// MetricCollectionError for failures without aborting the workload.
func (r *Registry) StartAll(ctx context.Context) []StartResult {
	results := make([]StartResult, len(r.collectors))
	done := make(chan struct{}, len(r.collectors))
	for i, c := range r.collectors {
		i, c := i, c
		go func() {
			defer func() { done <- struct{}{} }()
			results[i] = StartResult{Collector: c, Err: c.Start(ctx)}
		}()
	}
	for range r.collectors {
		<-done
	}
	return results
}

// StopAll stops every successfully-started collector, aggregating all
// returned samples. Collectors that fail to stop contribute no samples
// but do not abort the aggregation of the others.
func (r *Registry) StopAll(ctx context.Context, started []Collector) ([]Sample, []error) {
	var samples []Sample
	var errs []error
	for _, c := range started {
		s, err := c.Stop(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		samples = append(samples, s...)
	}
	return samples, errs
}

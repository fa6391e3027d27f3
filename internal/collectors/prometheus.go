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

package collectors

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector samples a single Prometheus gauge at a fixed
// interval between Start and Stop, for workloads that expose their own
// /metrics endpoint (e.g. a long-running service under benchmark).
type PrometheusCollector struct {
	name     string
	gauge    prometheus.Gauge
	interval time.Duration
	sampleFn func() (float64, error)

	cancel  context.CancelFunc
	samples chan Sample
	done    chan struct{}
}

// NewPrometheusCollector builds a collector that samples sampleFn every
// interval and also updates gauge so the controller's own /metrics
// endpoint can expose the same series live.
func NewPrometheusCollector(name string, gauge prometheus.Gauge, interval time.Duration, sampleFn func() (float64, error)) *PrometheusCollector {
	return &PrometheusCollector{name: name, gauge: gauge, interval: interval, sampleFn: sampleFn}
}

// Name implements Collector.
func (c *PrometheusCollector) Name() string { return c.name }

// Start implements Collector: begins sampling on a ticker until Stop.
func (c *PrometheusCollector) Start(ctx context.Context) error {
	sampleCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.samples = make(chan Sample, 256)
	c.done = make(chan struct{})

	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-sampleCtx.Done():
				return
			case <-ticker.C:
				v, err := c.sampleFn()
				if err != nil {
					continue
				}
				c.gauge.Set(v)
				select {
				case c.samples <- Sample{Name: c.name, Value: v, Timestamp: time.Now()}:
				default:
				}
			}
		}
	}()
	return nil
}

// Stop implements Collector: cancels the sampling loop and drains
// whatever samples accumulated.
func (c *PrometheusCollector) Stop(ctx context.Context) ([]Sample, error) {
	if c.cancel == nil {
		return nil, fmt.Errorf("collectors: %s was never started", c.name)
	}
	c.cancel()
	<-c.done

	var out []Sample
	for {
		select {
		case s := <-c.samples:
			out = append(out, s)
		default:
			return out, nil
		}
	}
}

// QueueDepthGauge and ActiveTasksGauge are the controller-level
// Prometheus series exposed on its own /metrics endpoint, independent
// of per-workload PrometheusCollectors.
var (
	QueueDepthGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "benchctl_queue_depth",
		Help: "Number of tasks PENDING or FAILED.",
	})
	ActiveTasksGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "benchctl_active_tasks",
		Help: "Number of tasks currently RUNNING.",
	})
	TaskOutcomesCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "benchctl_task_outcomes_total",
		Help: "Count of terminal task outcomes by status.",
	}, []string{"status"})
)

// MustRegisterControllerMetrics registers the controller-level series
// with reg. Called once at Controller construction.
func MustRegisterControllerMetrics(reg *prometheus.Registry) {
	reg.MustRegister(QueueDepthGauge, ActiveTasksGauge, TaskOutcomesCounter)
}

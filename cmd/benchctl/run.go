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

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tombee/benchctl/internal/bclog"
	"github.com/tombee/benchctl/internal/benchconfig"
	"github.com/tombee/benchctl/internal/collectors"
	"github.com/tombee/benchctl/internal/orchestrator"
	"github.com/tombee/benchctl/internal/playbook"
	"github.com/tombee/benchctl/internal/repexec"
	"github.com/tombee/benchctl/internal/statemachine"
	"github.com/tombee/benchctl/internal/workload"
)

// runFlags carries the knobs shared by `run` and `resume`; resume only
// adds the requirement that --run-id be set. It does not check that a run
// directory exists for that id: an id with no journal starts a fresh run.
type runFlags struct {
	configPath  string
	runID       string
	workloads   string
	maxParallel int
	stopFile    string
	metricsAddr string
}

func registerRunFlags(cmd *cobra.Command, f *runFlags) {
	cmd.Flags().StringVar(&f.configPath, "config", "", "Path to the benchmark config YAML")
	cmd.Flags().StringVar(&f.runID, "run-id", "", "Run identifier (generated if omitted)")
	cmd.Flags().StringVar(&f.workloads, "workloads", "", "Comma-separated workload order (default: all enabled workloads, sorted by name)")
	cmd.Flags().IntVar(&f.maxParallel, "max-parallel", 10, "Maximum hosts dispatched in parallel per workload")
	cmd.Flags().StringVar(&f.stopFile, "stop-file", "", "Path to a sentinel file that, if created, requests a graceful stop")
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "If set, serve Prometheus metrics on this address (e.g. :9090)")
	cmd.MarkFlagRequired("config")
}

func newRunCommand() *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a new benchmark run",
		Long: `Loads the benchmark config, expands the (host, workload, repetition) plan,
and drives the controller through global setup, every enabled workload, and
global teardown.

Exit codes: 0 FINISHED, 1 FAILED, 2 ABORTED, 3 STOP_FAILED, 4 CONFIG_ERROR.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.runID == "" {
				f.runID = "run-" + uuid.NewString()
			}
			return execute(f)
		},
	}
	registerRunFlags(cmd, f)
	return cmd
}

func newResumeCommand() *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume a previously started run from its journal",
		Long: `Loads an existing run's journal.json and re-plans the remaining PENDING
and FAILED tasks; COMPLETED and SKIPPED tasks are not re-executed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.runID == "" {
				return fmt.Errorf("resume requires --run-id")
			}
			return execute(f)
		},
	}
	registerRunFlags(cmd, f)
	return cmd
}

// execute wires Config -> Controller and runs it to a terminal state,
// calling os.Exit with the exit code the spec's external interface names
// rather than returning, since a run's outcome (FAILED, ABORTED, ...) is
// not itself a CLI usage error.
func execute(f *runFlags) error {
	cfg, err := benchconfig.Load(f.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(4)
	}

	order := strings.Split(f.workloads, ",")
	if f.workloads == "" {
		order = defaultWorkloadOrder(cfg)
	}

	logger := bclog.New(bclog.FromEnv())
	registry := workload.NewRegistry() // plugin registration is the embedder's responsibility; see internal/workload doc comment

	controller, err := orchestrator.New(orchestrator.Options{
		Config:           cfg,
		RunID:            f.runID,
		WorkloadOrder:    order,
		MaxParallel:      f.maxParallel,
		StopSentinelPath: f.stopFile,
		Logger:           logger,
	}, registry, repexec.CollectorFactory(noCollectors), playbook.NewShellExecutor(cfg.TeardownGrace))
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(4)
	}
	defer controller.Close()

	if f.metricsAddr != "" {
		go serveMetrics(f.metricsAddr, controller, logger)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go watchSignals(sigCh, controller)

	result, err := controller.Run(context.Background())
	if err != nil {
		logger.Error("run failed", bclog.RunIDKey, result.RunID, "error", err)
	}
	fmt.Printf("run %s finished: %s (cleanup_allowed=%v)\n", result.RunID, result.FinalState, result.CleanupAllowed)
	os.Exit(orchestrator.ExitCode(result.FinalState))
	return nil
}

// watchSignals forwards every SIGINT/SIGTERM delivery to the controller's
// three-tier stop-escalation protocol: the first signal only logs a
// warning (StopLogged), the second arms the FSM into its stopping
// sub-state and requests the cooperative StopToken (StopArmedAction), and
// the third falls back to the platform's default kill behavior
// (StopForceKill) since by then the controller has given up waiting on
// cooperative shutdown.
func watchSignals(sigCh <-chan os.Signal, controller *orchestrator.Controller) {
	for range sigCh {
		if controller.RequestStop("signal received") == statemachine.StopForceKill {
			os.Exit(130)
		}
	}
}

func serveMetrics(addr string, controller *orchestrator.Controller, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", controller.MetricsHandler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server exited", "error", err)
	}
}

// noCollectors is the default CollectorFactory: metric collection is an
// abstract, out-of-scope concern per the engine's interface (see
// internal/collectors), so benchctl's own entrypoint runs without one
// unless an embedder supplies a real factory.
func noCollectors(req repexec.Request) []collectors.Collector {
	return nil
}

func defaultWorkloadOrder(cfg *benchconfig.BenchmarkConfig) []string {
	names := make([]string, 0, len(cfg.Workloads))
	for name, entry := range cfg.Workloads {
		if entry.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

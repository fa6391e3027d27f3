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

// Package orchestrator implements the Controller: it drives the global
// phases and the per-workload inner loop across every configured host,
// maintains the Journal, and bridges stop requests down to the
// collaborators that need to observe them.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tombee/benchctl/internal/bclog"
	"github.com/tombee/benchctl/internal/bcerrors"
	"github.com/tombee/benchctl/internal/benchconfig"
	"github.com/tombee/benchctl/internal/collectors"
	"github.com/tombee/benchctl/internal/eventstream"
	"github.com/tombee/benchctl/internal/journal"
	"github.com/tombee/benchctl/internal/localrunner"
	"github.com/tombee/benchctl/internal/planner"
	"github.com/tombee/benchctl/internal/playbook"
	"github.com/tombee/benchctl/internal/repexec"
	"github.com/tombee/benchctl/internal/statemachine"
	"github.com/tombee/benchctl/internal/stopctx"
	"github.com/tombee/benchctl/internal/workload"
)

// tailPollInterval bounds how stale the Controller's view of a host's
// EventStream can be when fsnotify isn't available; tailDrainGrace is how
// long the tailer is kept alive after LocalRunner.Run returns so the
// final events it wrote are not missed.
const (
	tailPollInterval = 200 * time.Millisecond
	tailDrainGrace   = 2 * tailPollInterval
)

// Options configures a Controller instance.
type Options struct {
	Config           *benchconfig.BenchmarkConfig
	RunID            string
	WorkloadOrder    []string // explicit plan order; planner.Plan requires one
	GlobalExtravars  map[string]any
	MaxParallel      int
	StopSentinelPath string
	Logger           *slog.Logger
}

// Result is what Run returns once the machine reaches a terminal state.
type Result struct {
	RunID          string
	FinalState     statemachine.State
	CleanupAllowed bool
}

// Controller drives one run end-to-end: global setup, the per-workload
// inner loop fanned out across hosts, and global teardown.
type Controller struct {
	opts     Options
	cfg      *benchconfig.BenchmarkConfig
	machine  *statemachine.Machine
	token    *stopctx.StopToken
	jnl      *journal.Journal
	executor *repexec.RepetitionExecutor
	pbExec   playbook.Executor
	logger   *slog.Logger
	runRoot  string

	writersMu sync.Mutex
	writers   map[string]*eventstream.Writer

	activeMu sync.Mutex
	active   int

	// events is the single channel every per-host tailer goroutine
	// forwards onto; ingest drains it in one dedicated goroutine so the
	// Journal is mutated only by the Controller thread (I2).
	events     chan eventEnvelope
	ingestDone chan struct{}
}

// eventEnvelope pairs a RunEvent with the host it was read from, since
// RunEvent itself doesn't always carry enough context (heartbeats omit
// workload/repetition) to route without it.
type eventEnvelope struct {
	Host  string
	Event eventstream.RunEvent
}

// registerMetrics guards the one-per-process registration of the
// controller-level series on the default registry MetricsHandler serves.
var registerMetrics sync.Once

// New wires a Controller. registry supplies the workload plugins this
// process knows how to run; collectorsFn resolves per-request metric
// collectors (nil disables metric collection entirely); pbExec is the
// PlaybookExecutor used for setup/teardown/collect hooks.
func New(opts Options, registry *workload.Registry, collectorsFn repexec.CollectorFactory, pbExec playbook.Executor) (*Controller, error) {
	if opts.Config == nil {
		return nil, &bcerrors.ConfigError{Key: "config", Reason: "must not be nil"}
	}
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = 10
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if pbExec == nil {
		pbExec = playbook.NewShellExecutor(opts.Config.TeardownGrace)
	}
	registerMetrics.Do(func() {
		collectors.MustRegisterControllerMetrics(prometheus.DefaultRegisterer.(*prometheus.Registry))
	})
	return &Controller{
		opts:     opts,
		cfg:      opts.Config,
		machine:  statemachine.New(),
		token:    stopctx.New(opts.StopSentinelPath),
		executor: repexec.New(registry, collectorsFn, opts.Logger),
		pbExec:   pbExec,
		logger:   opts.Logger,
		writers:  make(map[string]*eventstream.Writer),
	}, nil
}

// State returns the controller's current lifecycle state.
func (c *Controller) State() statemachine.State { return c.machine.State() }

// RequestStop escalates the stop-request counter: the first call logs a
// warning only, the second arms the FSM into the phase-appropriate
// stopping sub-state and requests the cooperative StopToken, the third
// and later calls report that the caller should fall back to the
// platform's default kill behaviour.
func (c *Controller) RequestStop(reason string) statemachine.StopAction {
	action := c.machine.Stop()
	switch action {
	case statemachine.StopLogged:
		c.logger.Warn("stop requested", slog.String("reason", reason))
	case statemachine.StopArmedAction:
		c.logger.Warn("stop armed, interrupting in-flight work", slog.String("reason", reason))
		c.token.Request(reason)
		_ = c.pbExec.Interrupt()
	case statemachine.StopForceKill:
		c.logger.Error("stop requested a third time, forcing termination", slog.String("reason", reason))
	}
	return action
}

// MetricsHandler exposes the controller-level Prometheus series
// registered against the default registry.
func (c *Controller) MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// Run drives the controller through its full lifecycle, returning once a
// terminal state is reached.
func (c *Controller) Run(ctx context.Context) (Result, error) {
	// A first, unfiltered pass over the full (host, workload, repetition)
	// space is required purely to derive the complete task-key set
	// setupJournal/journal.New needs; the resume checker that filters
	// already-COMPLETED tasks can only be built once the journal exists,
	// which is itself seeded from this pass's output.
	fullPlan, err := planner.Plan(c.cfg, planner.Options{Workloads: c.opts.WorkloadOrder}, nil)
	if err != nil {
		_ = c.machine.Transition(statemachine.Failed)
		return c.result(), err
	}

	if err := c.setupJournal(fullPlan); err != nil {
		_ = c.machine.Transition(statemachine.Failed)
		return c.result(), err
	}

	c.startIngest()
	defer c.stopIngest()

	plan, err := planner.Plan(c.cfg, planner.Options{Workloads: c.opts.WorkloadOrder}, planner.ResumeChecker{J: c.jnl})
	if err != nil {
		_ = c.machine.Transition(statemachine.Failed)
		return c.result(), err
	}

	if err := c.runGlobalSetup(ctx); err != nil {
		return c.result(), err
	}
	if c.machine.IsTerminal() {
		// A stop requested during global setup (B3): runGlobalSetup has
		// already driven the machine to ABORTED with no workloads run.
		return c.result(), nil
	}

	if err := c.machine.Transition(statemachine.RunningWorkloads); err != nil {
		return c.result(), err
	}

	byWorkload := groupByWorkload(plan, c.opts.WorkloadOrder)
	for _, name := range c.opts.WorkloadOrder {
		tasks := byWorkload[name]
		if len(tasks) == 0 {
			continue
		}
		if c.token.ShouldStop() {
			break
		}
		if err := c.runWorkload(ctx, name, tasks); err != nil {
			c.logger.Error("workload failed", bclog.WorkloadKey, name, slog.Any("error", err))
		}
		if c.machine.IsTerminal() {
			// A forced STOP_FAILED (stop-wait timeout) or other terminal
			// transition inside runWorkload must stop the loop from
			// starting the next workload.
			break
		}
	}

	return c.finish(ctx)
}

func (c *Controller) result() Result {
	return Result{
		RunID:          c.jnl.RunID(),
		FinalState:     c.machine.State(),
		CleanupAllowed: c.machine.CleanupAllowed(),
	}
}

func (c *Controller) setupJournal(plan []planner.PlannedTask) error {
	c.runRoot = filepath.Join(c.cfg.OutputDir, c.opts.RunID)
	if err := os.MkdirAll(c.runRoot, 0755); err != nil {
		return &bcerrors.ArtifactPersistError{Path: c.runRoot, Cause: err}
	}

	snapshot, err := json.MarshalIndent(c.cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("orchestrator: marshal config snapshot: %w", err)
	}
	snapshotPath := filepath.Join(c.runRoot, "config.snapshot.json")
	if err := os.WriteFile(snapshotPath, snapshot, 0644); err != nil {
		return &bcerrors.ArtifactPersistError{Path: snapshotPath, Cause: err}
	}

	keys := make([]journal.TaskKey, 0, len(plan))
	for _, t := range plan {
		keys = append(keys, journal.TaskKey{Host: t.Host.Name, Workload: t.Workload, Repetition: t.Repetition})
	}

	journalPath := filepath.Join(c.runRoot, "journal.json")
	if _, err := os.Stat(journalPath); err == nil {
		loaded, loadErr := journal.Load(journalPath, snapshot)
		if loadErr != nil {
			return loadErr
		}
		c.jnl = loaded
	} else {
		c.jnl = journal.New(c.opts.RunID, snapshot, journalPath, keys)
	}
	return c.jnl.Flush()
}

// runGlobalSetup prepares the run's filesystem layout. There is no
// distinct global setup playbook in this engine's configuration surface;
// the phase exists so a stop requested before any workload starts yields
// ABORTED rather than FAILED, and so a caller can hook in ephemeral-host
// provisioning ahead of RUNNING_WORKLOADS.
func (c *Controller) runGlobalSetup(ctx context.Context) error {
	if c.machine.State() == statemachine.Init {
		if err := c.machine.Transition(statemachine.RunningGlobalSetup); err != nil {
			return err
		}
	}
	return c.abortIfStoppedDuringSetup()
}

// abortIfStoppedDuringSetup implements B3: a stop armed while the machine
// is in RUNNING_GLOBAL_SETUP (no workload has executed yet) must resolve
// to ABORTED, not FAILED.
func (c *Controller) abortIfStoppedDuringSetup() error {
	if c.token.ShouldStop() && c.machine.State() == statemachine.StoppingInterruptSetup {
		return c.machine.Transition(statemachine.Aborted)
	}
	return nil
}

func groupByWorkload(plan []planner.PlannedTask, order []string) map[string][]planner.PlannedTask {
	out := make(map[string][]planner.PlannedTask, len(order))
	for _, t := range plan {
		out[t.Workload] = append(out[t.Workload], t)
	}
	return out
}

// runWorkload dispatches the workload's tasks across its hosts and, if
// the fan-out does not complete within StopWaitTimeout of a stop being
// requested, forces the machine directly into STOP_FAILED: P7 requires
// the run reach a terminal state within stop_wait_timeout + teardown_grace
// + epsilon regardless of how a misbehaving runner/workload behaves.
func (c *Controller) runWorkload(ctx context.Context, name string, tasks []planner.PlannedTask) error {
	entry := c.cfg.Workloads[name]

	timedOut := c.dispatchHosts(ctx, name, entry, tasks)
	if !timedOut {
		return nil
	}

	stopErr := &bcerrors.StopTimeoutError{
		Phase:   string(statemachine.StoppingWaitRunners),
		Timeout: c.cfg.StopWaitTimeout.String(),
	}
	c.logger.Error("stop wait timeout expired, forcing STOP_FAILED",
		bclog.WorkloadKey, name, slog.Any("error", stopErr))
	if err := c.machine.Transition(statemachine.StopFailed); err != nil {
		c.logger.Error("failed to transition to STOP_FAILED", slog.Any("error", err))
	}
	_ = c.jnl.Flush()
	return stopErr
}

// dispatchHosts fans the workload's tasks out across its hosts, one
// goroutine per host gated by a MaxParallel semaphore, grounded on the
// teacher's Runner.execute goroutine-per-run pattern generalized to
// goroutine-per-(host,workload). It reports true if the fan-out had to
// be abandoned because a stop was requested and StopWaitTimeout expired
// before every host goroutine returned.
func (c *Controller) dispatchHosts(ctx context.Context, workloadName string, entry benchconfig.WorkloadEntry, tasks []planner.PlannedTask) bool {
	byHost := make(map[string][]planner.PlannedTask)
	var hostOrder []string
	for _, t := range tasks {
		if _, seen := byHost[t.Host.Name]; !seen {
			hostOrder = append(hostOrder, t.Host.Name)
		}
		byHost[t.Host.Name] = append(byHost[t.Host.Name], t)
	}

	semaphore := make(chan struct{}, c.opts.MaxParallel)
	var wg sync.WaitGroup
	for _, hostName := range hostOrder {
		hostTasks := byHost[hostName]
		host := hostTasks[0].Host

		select {
		case semaphore <- struct{}{}:
		case <-ctx.Done():
			return false
		}
		wg.Add(1)
		c.markActive(1)
		go func(host benchconfig.HostSpec, hostTasks []planner.PlannedTask) {
			defer wg.Done()
			defer func() { <-semaphore }()
			defer c.markActive(-1)
			c.runHost(ctx, workloadName, entry, host, hostTasks)
		}(host, hostTasks)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return false
	case <-c.token.Done():
	}

	// A stop has fired while hosts are still running: bound how long we
	// wait for them to unwind before giving up and reporting a timeout.
	select {
	case <-done:
		return false
	case <-time.After(c.cfg.StopWaitTimeout):
		return true
	}
}

func (c *Controller) markActive(delta int) {
	c.activeMu.Lock()
	c.active += delta
	n := c.active
	c.activeMu.Unlock()
	collectors.ActiveTasksGauge.Set(float64(n))
}

// runHost invokes the per-host hook playbooks (setup, collect_pre,
// collect_post, teardown) around the host's assigned repetitions, so
// each hook sees a concrete LB_RUN_HOST; it also owns the host's
// EventStream tailer, the single producer feeding the Controller's
// ingest goroutine for this host's events.
func (c *Controller) runHost(ctx context.Context, workloadName string, entry benchconfig.WorkloadEntry, host benchconfig.HostSpec, tasks []planner.PlannedTask) {
	log := c.logger.With(bclog.HostKey, host.Name, bclog.WorkloadKey, workloadName)
	assets := c.cfg.PluginAssets[entry.Plugin]
	uvExtras := benchconfig.UvExtrasEnv(assets)

	writer, err := c.writerFor(host.Name)
	if err != nil {
		log.Error("failed to open event stream writer", slog.Any("error", err))
		return
	}

	hookEnv := playbookEnv{Host: host.Name, Workload: workloadName, Repetition: 0, TotalReps: c.cfg.Repetitions, UvExtras: uvExtras}

	if assets.SetupPlaybook != "" {
		extravars := mergeExtravars(c.opts.GlobalExtravars, assets.SetupExtravars, entry.Options, host.Vars)
		if err := c.invokePlaybook(ctx, assets.SetupPlaybook, extravars, hookEnv); err != nil {
			log.Error("setup_playbook failed", slog.Any("error", err))
		}
	}
	if assets.CollectPre != "" {
		if err := c.invokePlaybook(ctx, assets.CollectPre, nil, hookEnv); err != nil {
			log.Warn("collect_pre failed", slog.Any("error", err))
		}
	}

	stopTail := c.startHostTailer(ctx, host.Name, log)

	reps := make([]int, len(tasks))
	for i, t := range tasks {
		reps[i] = t.Repetition
	}

	options := mergeExtravars(c.opts.GlobalExtravars, nil, entry.Options, host.Vars)
	if entry.Intensity == benchconfig.IntensityUserDefined && entry.IntensityExpr != "" {
		resolved, err := planner.EvalUserDefinedIntensity(entry.IntensityExpr, host.Vars)
		if err != nil {
			log.Error("failed to evaluate user_defined intensity", slog.Any("error", err))
		} else {
			options["intensity"] = resolved
		}
	}

	runner := localrunner.New(localrunner.Options{
		RunID:             c.opts.RunID,
		Host:              host.Name,
		OutputRoot:        filepath.Join(c.runRoot, host.Name),
		HeartbeatInterval: c.cfg.HeartbeatInterval,
		TeardownGrace:     c.cfg.TeardownGrace,
	}, c.executor, writer, log)

	assignment := localrunner.Assignment{
		Workload:         workloadName,
		Plugin:           entry.Plugin,
		Options:          options,
		Repetitions:      reps,
		TotalRepetitions: c.cfg.Repetitions,
	}

	if err := runner.Run(ctx, c.token, []localrunner.Assignment{assignment}); err != nil {
		log.Error("local runner returned an error", slog.Any("error", err))
	}

	stopTail()

	if assets.CollectPost != "" {
		if err := c.invokePlaybook(ctx, assets.CollectPost, nil, hookEnv); err != nil {
			log.Warn("collect_post failed", slog.Any("error", err))
		}
	}
	if assets.TeardownPlaybook != "" {
		c.runNonCancellableTeardown(host.Name, workloadName, assets, entry, uvExtras)
	}
}

// startHostTailer launches the goroutine that tails host's EventStream
// and forwards every observed event onto the Controller's ingest
// channel, the sole path by which the Journal is mutated (I2). It
// returns a stop function that cancels the tailer after a short grace
// period, long enough for the final events LocalRunner.Run just wrote
// to be drained before the caller moves on.
func (c *Controller) startHostTailer(ctx context.Context, host string, log *slog.Logger) func() {
	tailCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		err := eventstream.Tail(tailCtx, nil, c.eventStreamPath(host), false, tailPollInterval, func(e eventstream.RunEvent) {
			c.events <- eventEnvelope{Host: host, Event: e}
		}, nil)
		if err != nil && err != context.Canceled {
			log.Warn("event tailer exited", slog.Any("error", err))
		}
	}()
	return func() {
		time.Sleep(tailDrainGrace)
		cancel()
		<-done
	}
}

// startIngest launches the single goroutine permitted to call
// journal.Update, draining events forwarded by every host's tailer.
func (c *Controller) startIngest() {
	c.events = make(chan eventEnvelope, 256)
	c.ingestDone = make(chan struct{})
	go func() {
		defer close(c.ingestDone)
		for env := range c.events {
			c.applyEvent(env.Host, env.Event)
		}
	}()
}

// stopIngest closes the events channel and waits for the ingest
// goroutine to drain whatever was already buffered.
func (c *Controller) stopIngest() {
	close(c.events)
	<-c.ingestDone
}

// applyEvent is the only place journal.Update is called: it translates a
// type=status EventStream event into a Journal transition and updates
// the controller-level Prometheus series alongside it. Non-status events
// (heartbeats, logs, progress) carry nothing the Journal needs.
func (c *Controller) applyEvent(host string, e eventstream.RunEvent) {
	if e.Type != eventstream.TypeStatus {
		return
	}

	var status journal.Status
	var taskErr *journal.TaskError
	switch e.Status {
	case eventstream.StatusRunning:
		status = journal.StatusRunning
	case eventstream.StatusDone:
		status = journal.StatusCompleted
	case eventstream.StatusFailed:
		status = journal.StatusFailed
		if e.Error != nil {
			taskErr = &journal.TaskError{Kind: e.Error.Kind, Message: e.Error.Message}
		}
	default:
		return
	}

	if err := c.jnl.Update(host, e.Workload, e.Repetition, status, taskErr); err != nil {
		c.logger.Error("journal rejected transition",
			bclog.HostKey, host, bclog.WorkloadKey, e.Workload, bclog.RepetitionKey, e.Repetition,
			slog.Any("error", err))
		return
	}
	if err := c.jnl.Flush(); err != nil {
		c.logger.Error("failed to flush journal", slog.Any("error", err))
	}

	switch status {
	case journal.StatusCompleted, journal.StatusFailed, journal.StatusSkipped:
		collectors.TaskOutcomesCounter.WithLabelValues(string(status)).Inc()
	}
	collectors.QueueDepthGauge.Set(float64(len(c.jnl.Pending())))
}

func (c *Controller) writerFor(host string) (*eventstream.Writer, error) {
	c.writersMu.Lock()
	defer c.writersMu.Unlock()
	if w, ok := c.writers[host]; ok {
		return w, nil
	}
	w, err := eventstream.NewWriter(c.eventStreamPath(host))
	if err != nil {
		return nil, err
	}
	c.writers[host] = w
	return w, nil
}

func (c *Controller) eventStreamPath(host string) string {
	return filepath.Join(c.runRoot, host, "lb_events.stream.log")
}

// runNonCancellableTeardown runs teardown_playbook unconditionally,
// bounded by TeardownGrace, ignoring the ambient StopToken: teardown must
// complete (or be force-killed by PlaybookExecutor's own escalation)
// before the host is considered done with this workload.
func (c *Controller) runNonCancellableTeardown(host, workloadName string, assets benchconfig.PluginAssets, entry benchconfig.WorkloadEntry, uvExtras string) {
	deadline, cancel := context.WithTimeout(context.Background(), c.cfg.TeardownGrace)
	defer cancel()
	extravars := mergeExtravars(c.opts.GlobalExtravars, assets.TeardownExtravars, entry.Options, nil)
	hookEnv := playbookEnv{Host: host, Workload: workloadName, Repetition: 0, TotalReps: c.cfg.Repetitions, UvExtras: uvExtras}
	if err := c.invokePlaybook(deadline, assets.TeardownPlaybook, extravars, hookEnv); err != nil {
		c.logger.Error("teardown_playbook failed", bclog.HostKey, host, bclog.WorkloadKey, workloadName, slog.Any("error", err))
	}
}

// playbookEnv carries the per-invocation values of the runner environment
// contract (spec section 6) that invokePlaybook sets alongside the
// run-wide LB_RUN_ID/LB_BENCH_CONFIG_PATH/LB_RUN_STOP_FILE trio.
// Repetition 0 is the sentinel used for host-scoped hooks (setup,
// collect_pre/post, teardown) that aren't tied to one repetition.
type playbookEnv struct {
	Host       string
	Workload   string
	Repetition int
	TotalReps  int
	UvExtras   string
}

func (c *Controller) invokePlaybook(ctx context.Context, playbookID string, extravars map[string]any, pe playbookEnv) error {
	env := map[string]string{
		"LB_RUN_ID":            c.opts.RunID,
		"LB_BENCH_CONFIG_PATH": filepath.Join(c.runRoot, "config.snapshot.json"),
		"LB_RUN_STOP_FILE":     c.opts.StopSentinelPath,
		"LB_RUN_HOST":          pe.Host,
		"LB_RUN_WORKLOAD":      pe.Workload,
		"LB_RUN_REPETITION":    strconv.Itoa(pe.Repetition),
		"LB_RUN_TOTAL_REPS":    strconv.Itoa(pe.TotalReps),
		"LB_EVENT_STREAM_PATH": c.eventStreamPath(pe.Host),
	}
	if pe.UvExtras != "" {
		env["LB_UV_EXTRAS"] = pe.UvExtras
	}
	stdout, wait, err := c.pbExec.Run(ctx, playbookID, nil, extravars, env)
	if err != nil {
		return err
	}
	go drainOutput(stdout)
	exitCode, err := wait.Wait()
	if err != nil {
		return err
	}
	if exitCode != 0 {
		return &bcerrors.RemoteExecutionError{Phase: "run", PlaybookID: playbookID, ExitCode: exitCode}
	}
	return nil
}

func drainOutput(r io.Reader) {
	buf := make([]byte, 4096)
	for {
		if _, err := r.Read(buf); err != nil {
			return
		}
	}
}

// mergeExtravars applies the precedence order named in the component
// design: host vars override workload options, which override plugin
// setup_extravars, which override global extravars. Unknown keys never
// raise; later layers simply overwrite earlier ones key-by-key.
func mergeExtravars(layers ...map[string]any) map[string]any {
	out := make(map[string]any)
	for _, layer := range layers {
		for k, v := range layer {
			out[k] = v
		}
	}
	return out
}

// finish drives RUNNING_GLOBAL_TEARDOWN and the terminal transition,
// accounting for a stop that arrived mid-run.
func (c *Controller) finish(ctx context.Context) (Result, error) {
	if c.machine.IsTerminal() {
		// runWorkload already forced a terminal transition (e.g.
		// STOP_FAILED on a stop-wait timeout); nothing left to drive.
		_ = c.jnl.Flush()
		return c.result(), nil
	}

	state := c.machine.State()

	switch state {
	case statemachine.StoppingWaitRunners:
		// Every per-host goroutine returned before StopWaitTimeout
		// expired (dispatchHosts would otherwise have forced STOP_FAILED
		// already), so teardown can proceed.
		if err := c.machine.Transition(statemachine.StoppingTeardown); err == nil {
			_ = c.machine.Transition(statemachine.Aborted)
		} else {
			_ = c.machine.Transition(statemachine.StopFailed)
		}
		_ = c.jnl.Flush()
		return c.result(), nil
	case statemachine.StoppingInterruptSetup, statemachine.StoppingInterruptTeardown:
		_ = c.machine.Transition(statemachine.Aborted)
		_ = c.jnl.Flush()
		return c.result(), nil
	}

	if err := c.machine.Transition(statemachine.RunningGlobalTeardown); err != nil {
		_ = c.machine.Transition(statemachine.Failed)
		return c.result(), err
	}
	if err := c.jnl.Flush(); err != nil {
		_ = c.machine.Transition(statemachine.Failed)
		return c.result(), err
	}
	if err := c.machine.Transition(statemachine.Finished); err != nil {
		return c.result(), err
	}
	return c.result(), nil
}

// Close releases every open EventStream writer.
func (c *Controller) Close() error {
	c.writersMu.Lock()
	defer c.writersMu.Unlock()
	var firstCloseErr error
	for _, w := range c.writers {
		if err := w.Close(); err != nil && firstCloseErr == nil {
			firstCloseErr = err
		}
	}
	return firstCloseErr
}

// ExitCode maps a terminal State to the engine's process exit code
// contract.
func ExitCode(s statemachine.State) int {
	switch s {
	case statemachine.Finished:
		return 0
	case statemachine.Aborted:
		return 2
	case statemachine.StopFailed:
		return 3
	case statemachine.Failed:
		return 1
	default:
		return 1
	}
}

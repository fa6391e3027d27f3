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

// Package playbook defines the abstract PlaybookExecutor contract and a
// default implementation that spawns the external orchestration
// subprocess in its own process group so the controller can interrupt it
// without taking down itself.
package playbook

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tombee/benchctl/internal/bcerrors"
)

// WaitHandle reports the terminal state of a running playbook invocation.
type WaitHandle interface {
	// Wait blocks until the subprocess exits, returning its exit code.
	Wait() (exitCode int, err error)
}

// Executor is the abstract contract: Run launches playbookID against
// inventory with extravars and env, returning a live stdout stream plus a
// WaitHandle; Interrupt and IsRunning manage its lifecycle.
type Executor interface {
	Run(ctx context.Context, playbookID string, inventory []string, extravars map[string]any, env map[string]string) (stdout io.Reader, wait WaitHandle, err error)
	Interrupt() error
	IsRunning() bool
}

// ShellExecutor is the default Executor: it invokes playbookID as a
// shell command, passing extravars/env through the environment and
// inventory as positional arguments, matching the teacher's shell action
// connector's command-construction shape.
type ShellExecutor struct {
	mu           sync.Mutex
	cmd          *exec.Cmd
	running      bool
	interrupted  bool
	interruptOnce sync.Once
	killGrace    time.Duration
}

// NewShellExecutor builds a ShellExecutor whose Interrupt escalates to
// SIGKILL after killGrace if the process group does not exit on SIGTERM.
func NewShellExecutor(killGrace time.Duration) *ShellExecutor {
	if killGrace <= 0 {
		killGrace = 10 * time.Second
	}
	return &ShellExecutor{killGrace: killGrace}
}

// Run spawns `playbookID inventory...` with extravars/env flattened into
// the child's environment, in its own process group.
func (e *ShellExecutor) Run(ctx context.Context, playbookID string, inventory []string, extravars map[string]any, env map[string]string) (io.Reader, WaitHandle, error) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil, nil, fmt.Errorf("playbook: executor already running a playbook")
	}

	cmd := exec.CommandContext(ctx, playbookID, inventory...)
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	for k, v := range extravars {
		cmd.Env = append(cmd.Env, fmt.Sprintf("LB_EXTRAVAR_%s=%v", k, v))
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		e.mu.Unlock()
		return nil, nil, &bcerrors.RemoteExecutionError{Phase: "start", PlaybookID: playbookID, Cause: err}
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		e.mu.Unlock()
		return nil, nil, &bcerrors.RemoteExecutionError{Phase: "start", PlaybookID: playbookID, Cause: err}
	}

	e.cmd = cmd
	e.running = true
	e.interrupted = false
	e.interruptOnce = sync.Once{}
	e.mu.Unlock()

	reader := bufio.NewReader(stdoutPipe)
	return reader, &shellWaitHandle{executor: e, cmd: cmd, playbookID: playbookID}, nil
}

type shellWaitHandle struct {
	executor   *ShellExecutor
	cmd        *exec.Cmd
	playbookID string
}

func (h *shellWaitHandle) Wait() (int, error) {
	err := h.cmd.Wait()
	h.executor.mu.Lock()
	h.executor.running = false
	h.executor.mu.Unlock()

	if err == nil {
		return 0, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), nil
	}
	return -1, &bcerrors.RemoteExecutionError{Phase: "wait", PlaybookID: h.playbookID, Cause: err}
}

// Interrupt sends SIGTERM to the process group, escalating to SIGKILL
// after killGrace if the group has not exited. Idempotent.
func (e *ShellExecutor) Interrupt() error {
	var err error
	e.interruptOnce.Do(func() {
		e.mu.Lock()
		cmd := e.cmd
		running := e.running
		e.interrupted = true
		e.mu.Unlock()

		if !running || cmd == nil || cmd.Process == nil {
			return
		}
		pgid := cmd.Process.Pid
		_ = unix.Kill(-pgid, syscall.SIGTERM)

		time.Sleep(e.killGrace)
		e.mu.Lock()
		stillRunning := e.running
		e.mu.Unlock()
		if stillRunning {
			_ = unix.Kill(-pgid, syscall.SIGKILL)
		}
	})
	return err
}

// IsRunning reports in-flight state.
func (e *ShellExecutor) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

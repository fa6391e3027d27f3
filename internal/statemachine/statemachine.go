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

// Package statemachine implements ControllerStateMachine: the finite
// set of states a run moves through, the transitions permitted between
// them, and the stop-request escalation (log-only, then armed, then
// forced kill).
package statemachine

import (
	"fmt"
	"sync"
)

// State is one node of the controller's lifecycle.
type State string

const (
	Init                       State = "INIT"
	RunningGlobalSetup         State = "RUNNING_GLOBAL_SETUP"
	RunningWorkloads           State = "RUNNING_WORKLOADS"
	RunningGlobalTeardown      State = "RUNNING_GLOBAL_TEARDOWN"
	StopArmed                  State = "STOP_ARMED"
	StoppingInterruptSetup     State = "STOPPING_INTERRUPT_SETUP"
	StoppingWaitRunners        State = "STOPPING_WAIT_RUNNERS"
	StoppingTeardown           State = "STOPPING_TEARDOWN"
	StoppingInterruptTeardown  State = "STOPPING_INTERRUPT_TEARDOWN"
	Finished                   State = "FINISHED"
	Aborted                    State = "ABORTED"
	StopFailed                 State = "STOP_FAILED"
	Failed                     State = "FAILED"
)

// terminal lists the immutable end states.
var terminal = map[State]bool{
	Finished:   true,
	Aborted:    true,
	StopFailed: true,
	Failed:     true,
}

// transitions enumerates every state's valid successors. STOP_ARMED is a
// one-tick intermediate: Stop() moves a RUNNING_* state through it into
// the phase-specific stopping sub-state within the same call.
var transitions = map[State]map[State]bool{
	Init: set(RunningGlobalSetup, Failed),
	RunningGlobalSetup: set(
		RunningWorkloads, StopArmed, Aborted, Failed,
	),
	RunningWorkloads: set(
		RunningGlobalTeardown, StopArmed, Failed,
	),
	RunningGlobalTeardown: set(
		Finished, StopArmed, Failed,
	),
	StopArmed: set(
		StoppingInterruptSetup, StoppingWaitRunners, StoppingInterruptTeardown,
	),
	StoppingInterruptSetup: set(Aborted, StopFailed, Failed),
	StoppingWaitRunners:    set(StoppingTeardown, StopFailed, Failed),
	StoppingTeardown:       set(Aborted, StopFailed, Failed),
	StoppingInterruptTeardown: set(
		Aborted, StopFailed, Failed,
	),
}

func set(states ...State) map[State]bool {
	m := make(map[State]bool, len(states))
	for _, s := range states {
		m[s] = true
	}
	return m
}

// StopAction reports the effect of the Nth Stop() call on the machine.
type StopAction string

const (
	// StopLogged is returned for the first stop request: a warning is
	// logged by the caller but execution proceeds unchanged.
	StopLogged StopAction = "LOGGED"
	// StopArmedAction is returned for the second stop request: if the
	// machine was in a RUNNING_* phase it has transitioned into the
	// matching stopping sub-state; otherwise its state is unchanged.
	StopArmedAction StopAction = "ARMED"
	// StopForceKill is returned for the third and any later request: the
	// caller should fall back to the platform's default kill behaviour.
	StopForceKill StopAction = "FORCE_KILL"
)

// InvalidTransitionError reports an attempted transition the machine
// does not permit.
type InvalidTransitionError struct {
	From, To State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("statemachine: invalid transition %s -> %s", e.From, e.To)
}

// Machine tracks the controller's current state and stop-request count
// under a single mutex: the Controller is its sole mutator.
type Machine struct {
	mu           sync.Mutex
	state        State
	stopRequests int
}

// New returns a Machine in the INIT state.
func New() *Machine {
	return &Machine{state: Init}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsTerminal reports whether the current state is immutable.
func (m *Machine) IsTerminal() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return terminal[m.state]
}

// CleanupAllowed reports P6: true iff the current state is FINISHED or
// ABORTED.
func (m *Machine) CleanupAllowed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == Finished || m.state == Aborted
}

// Transition moves the machine to to, failing if the current state is
// terminal or the transition is not permitted.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(to)
}

func (m *Machine) transitionLocked(to State) error {
	if terminal[m.state] {
		return &InvalidTransitionError{From: m.state, To: to}
	}
	allowed, ok := transitions[m.state]
	if !ok || !allowed[to] {
		return &InvalidTransitionError{From: m.state, To: to}
	}
	m.state = to
	return nil
}

// Stop records one stop request and returns the action the caller
// should take. The first request is log-only; the second arms the
// machine into the stopping sub-state matching the current running
// phase; the third and any later request signals the caller to fall
// back to a forced kill.
func (m *Machine) Stop() StopAction {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopRequests++
	switch m.stopRequests {
	case 1:
		return StopLogged
	case 2:
		sub, ok := stoppingSubstateFor(m.state)
		if !ok {
			// Not currently in a RUNNING_* phase (e.g. already stopping,
			// or in INIT): nothing to arm.
			return StopArmedAction
		}
		_ = m.transitionLocked(StopArmed)
		_ = m.transitionLocked(sub)
		return StopArmedAction
	default:
		return StopForceKill
	}
}

func stoppingSubstateFor(s State) (State, bool) {
	switch s {
	case RunningGlobalSetup:
		return StoppingInterruptSetup, true
	case RunningWorkloads:
		return StoppingWaitRunners, true
	case RunningGlobalTeardown:
		return StoppingInterruptTeardown, true
	default:
		return "", false
	}
}

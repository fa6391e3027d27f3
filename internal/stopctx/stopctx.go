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

// Package stopctx provides the cooperative cancellation primitive shared
// by every collaborator downstream of the controller: the StopToken. It
// is promoted out of any single run type so the planner, repetition
// executor, local runner, and playbook executor can observe the same
// signal without threading it through every call signature.
package stopctx

import (
	"context"
	"os"
	"sync"
)

// StopToken is a one-shot, idempotent stop signal. Requesting a stop
// closes the done channel exactly once; every later Request call is a
// no-op, mirroring the teacher's Run.cancelOnce/Run.stopped pair.
type StopToken struct {
	mu           sync.Mutex
	once         sync.Once
	done         chan struct{}
	reason       string
	sentinelPath string
}

// New creates an unstopped StopToken. sentinelPath, if non-empty, is a
// filesystem path that ShouldStop also polls for (the stop sentinel file
// named in the external interface contract).
func New(sentinelPath string) *StopToken {
	return &StopToken{
		done:         make(chan struct{}),
		sentinelPath: sentinelPath,
	}
}

// Request arms the token with reason, idempotently.
func (t *StopToken) Request(reason string) {
	t.once.Do(func() {
		t.mu.Lock()
		t.reason = reason
		t.mu.Unlock()
		close(t.done)
	})
}

// Reason returns the reason passed to Request, or "" if unstopped.
func (t *StopToken) Reason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// Done returns a channel that closes when Request is called.
func (t *StopToken) Done() <-chan struct{} {
	return t.done
}

// ShouldStop reports whether the token has fired, either via Request or
// via the presence of the sentinel file on disk.
func (t *StopToken) ShouldStop() bool {
	select {
	case <-t.done:
		return true
	default:
	}
	if t.sentinelPath == "" {
		return false
	}
	if _, err := os.Stat(t.sentinelPath); err == nil {
		t.Request("sentinel_file_detected")
		return true
	}
	return false
}

// Wait blocks until the token fires or ctx is cancelled, returning ctx's
// error in the latter case.
func (t *StopToken) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type stopTokenKey struct{}

// WithToken installs token in ctx for ambient retrieval by downstream
// collaborators. It panics if ctx already carries a token: nested runs
// are forbidden, matching the single-run-at-a-time invariant.
func WithToken(ctx context.Context, token *StopToken) context.Context {
	if _, ok := ctx.Value(stopTokenKey{}).(*StopToken); ok {
		panic("stopctx: nested StopToken in context: nested runs are not supported")
	}
	return context.WithValue(ctx, stopTokenKey{}, token)
}

// FromContext retrieves the StopToken installed by WithToken, or nil if
// none is present.
func FromContext(ctx context.Context) *StopToken {
	token, _ := ctx.Value(stopTokenKey{}).(*StopToken)
	return token
}

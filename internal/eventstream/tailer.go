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

package eventstream

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tombee/benchctl/internal/bcerrors"
	"github.com/tombee/benchctl/internal/stopctx"
)

// dedupWindow caps how many recent dedup keys are retained; old enough
// entries fall off to bound memory on long-running tails.
const dedupWindow = 4096

// Tailer incrementally reads a stream file from a stored byte offset,
// tolerating partial trailing lines and forwarding only complete,
// de-duplicated events.
type Tailer struct {
	path   string
	offset int64
	seen   map[string]struct{}
	order  []string
}

// NewTailer opens path and, when attachToExisting is true, seeks to
// current EOF so events from a previous run are never re-emitted.
func NewTailer(path string, attachToExisting bool) (*Tailer, error) {
	var offset int64
	if attachToExisting {
		info, err := os.Stat(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("eventstream: stat %s: %w", path, err)
		}
		if err == nil {
			offset = info.Size()
		}
	}
	return &Tailer{path: path, offset: offset, seen: make(map[string]struct{})}, nil
}

// poll reads any complete lines appended since the last call, advancing
// the offset only past the last complete line. It returns the decoded
// events in file order, silently skipping malformed lines (a concurrent
// writer that crashed mid-line produces a partial final line, which is
// left unconsumed for the next poll).
func (t *Tailer) poll() ([]RunEvent, error) {
	f, err := os.Open(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("eventstream: open %s: %w", t.path, err)
	}
	defer f.Close()

	if _, err := f.Seek(t.offset, os.SEEK_SET); err != nil {
		return nil, fmt.Errorf("eventstream: seek %s: %w", t.path, err)
	}

	reader := bufio.NewReader(f)
	var events []RunEvent
	advanced := t.offset

	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 && (err == nil) {
			advanced += int64(len(line))
			trimmed := bytes.TrimRight(line, "\r\n")
			if len(trimmed) == 0 {
				continue
			}
			event, parseErr := Parse(string(trimmed))
			if parseErr != nil {
				continue // malformed/partial line tolerated by readers
			}
			key := DedupKey(event)
			if _, dup := t.seen[key]; dup {
				continue
			}
			t.remember(key)
			events = append(events, event)
			continue
		}
		break
	}
	t.offset = advanced
	return events, nil
}

func (t *Tailer) remember(key string) {
	if _, ok := t.seen[key]; ok {
		return
	}
	t.seen[key] = struct{}{}
	t.order = append(t.order, key)
	if len(t.order) > dedupWindow {
		drop := t.order[0]
		t.order = t.order[1:]
		delete(t.seen, drop)
	}
}

// DonePredicate reports whether e is the terminal event the caller is
// waiting for, per the tailer's termination rule in the external
// interfaces contract.
type DonePredicate func(e RunEvent) bool

// Tail drives the poll loop until ctx is cancelled, token fires, or
// isDone reports true for an observed event. It uses fsnotify purely as
// a wake-up hint to avoid needless CPU spin; the poll itself still runs
// on a bounded fallback interval so tailing a remote or non-inotify
// filesystem still makes progress.
func Tail(ctx context.Context, token *stopctx.StopToken, path string, attachToExisting bool, fallbackInterval time.Duration, onEvent func(RunEvent), isDone DonePredicate) error {
	tailer, err := NewTailer(path, attachToExisting)
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		_ = watcher.Add(path)
	}

	ticker := time.NewTicker(fallbackInterval)
	defer ticker.Stop()

	drain := func() (bool, error) {
		events, err := tailer.poll()
		if err != nil {
			return false, err
		}
		for _, e := range events {
			onEvent(e)
			if isDone != nil && isDone(e) {
				return true, nil
			}
		}
		return false, nil
	}

	var watchCh <-chan fsnotify.Event
	if watcher != nil {
		watchCh = watcher.Events
	}

	var stopped <-chan struct{}
	if token != nil {
		stopped = token.Done()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stopped:
			return bcerrors.ErrStopRequested
		case <-ticker.C:
			done, err := drain()
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		case _, ok := <-watchCh:
			if !ok {
				watchCh = nil
				continue
			}
			done, err := drain()
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
	}
}

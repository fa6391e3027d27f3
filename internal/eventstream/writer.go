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
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Writer appends RunEvents to a single host's stream file, flushing
// after every event so a tailer never observes a torn write.
type Writer struct {
	mu   sync.Mutex
	file *os.File
}

// NewWriter opens (creating if necessary) the stream file at path for
// appending.
func NewWriter(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("eventstream: create directory for %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("eventstream: open %s: %w", path, err)
	}
	return &Writer{file: f}, nil
}

// Write appends e as a single line, flushing immediately.
func (w *Writer) Write(e RunEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	line := Encode(e) + "\n"
	if _, err := w.file.WriteString(line); err != nil {
		return fmt.Errorf("eventstream: write event: %w", err)
	}
	return w.file.Sync()
}

// Close closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

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

// Package eventstream implements the LB_EVENT line-oriented wire format:
// an append-only per-host file a LocalRunner writes to, and a tailer the
// Controller uses to ingest events back into the Journal.
package eventstream

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Type enumerates the RunEvent wire kinds.
type Type string

const (
	TypeStatus   Type = "status"
	TypeLog      Type = "log"
	TypeProgress Type = "progress"
)

// Status enumerates the status field's values for type=status events.
type Status string

const (
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Level enumerates the level field's values for type=log events.
type Level string

const (
	LevelDebug   Level = "DEBUG"
	LevelInfo    Level = "INFO"
	LevelWarning Level = "WARNING"
	LevelError   Level = "ERROR"
)

// EventError mirrors journal.TaskError for wire purposes without
// importing the journal package (eventstream is a leaf used by both
// LocalRunner and Controller).
type EventError struct {
	Kind    string `json:"kind"`
	Message string `json:"message,omitempty"`
}

// RunEvent is one line on the EventStream.
type RunEvent struct {
	Type             Type
	RunID            string
	Host             string
	Workload         string
	Repetition       int
	TotalRepetitions int
	Status           Status
	Level            Level
	Message          string
	Error            *EventError
	Timestamp        int64
}

const marker = "LB_EVENT"

// tokenEscaper rewrites the two characters a TOKEN may not contain as
// JSON unicode escapes, which json.Unmarshal turns back into them.
var tokenEscaper = strings.NewReplacer(" ", "\x5cu0020", "=", "\x5cu003d")

// Encode renders e as a single LB_EVENT line per the grammar in the
// external interfaces contract: MARKER SP FIELD (SP FIELD)* (SP
// 'message=' JSON-STRING)?
// The error field's JSON has its spaces and '=' characters written as
// JSON unicode escapes so that the value stays a single TOKEN.
func Encode(e RunEvent) string {
	var b strings.Builder
	b.WriteString(marker)
	writeField(&b, "type", string(e.Type))
	writeField(&b, "run_id", e.RunID)
	writeField(&b, "host", e.Host)
	writeField(&b, "workload", e.Workload)
	writeField(&b, "repetition", strconv.Itoa(e.Repetition))
	writeField(&b, "total_repetitions", strconv.Itoa(e.TotalRepetitions))
	writeField(&b, "ts", strconv.FormatInt(e.Timestamp, 10))

	if e.Type == TypeStatus {
		writeField(&b, "status", string(e.Status))
	}
	if e.Type == TypeLog {
		writeField(&b, "level", string(e.Level))
	}
	if e.Error != nil {
		errJSON, _ := json.Marshal(e.Error)
		writeField(&b, "error", tokenEscaper.Replace(string(errJSON)))
	}
	if e.Message != "" {
		msgJSON, _ := json.Marshal(e.Message)
		b.WriteByte(' ')
		b.WriteString("message=")
		b.Write(msgJSON)
	}
	return b.String()
}

func writeField(b *strings.Builder, key, value string) {
	b.WriteByte(' ')
	b.WriteString(key)
	b.WriteByte('=')
	b.WriteString(value)
}

// Parse decodes one LB_EVENT line back into a RunEvent. It tolerates and
// ignores unknown fields for forward compatibility.
func Parse(line string) (RunEvent, error) {
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, marker) {
		return RunEvent{}, fmt.Errorf("eventstream: line does not start with %s marker", marker)
	}
	rest := strings.TrimPrefix(line, marker)

	fields := make(map[string]string)
	var message string
	hasMessage := false

	i := 0
	for i < len(rest) {
		for i < len(rest) && rest[i] == ' ' {
			i++
		}
		if i >= len(rest) {
			break
		}
		eq := strings.IndexByte(rest[i:], '=')
		if eq < 0 {
			return RunEvent{}, fmt.Errorf("eventstream: malformed field at byte %d", i)
		}
		key := rest[i : i+eq]
		i += eq + 1

		if key == "message" {
			// message is always the terminal JSON-encoded string.
			dec := json.NewDecoder(strings.NewReader(rest[i:]))
			if err := dec.Decode(&message); err != nil {
				return RunEvent{}, fmt.Errorf("eventstream: malformed message field: %w", err)
			}
			hasMessage = true
			break
		}

		start := i
		for i < len(rest) && rest[i] != ' ' {
			i++
		}
		fields[key] = rest[start:i]
	}

	rep, _ := strconv.Atoi(fields["repetition"])
	total, _ := strconv.Atoi(fields["total_repetitions"])
	ts, _ := strconv.ParseInt(fields["ts"], 10, 64)

	e := RunEvent{
		Type:             Type(fields["type"]),
		RunID:            fields["run_id"],
		Host:             fields["host"],
		Workload:         fields["workload"],
		Repetition:       rep,
		TotalRepetitions: total,
		Status:           Status(fields["status"]),
		Level:            Level(fields["level"]),
		Timestamp:        ts,
	}
	if hasMessage {
		e.Message = message
	}
	if raw, ok := fields["error"]; ok && raw != "" {
		var ee EventError
		if err := json.Unmarshal([]byte(raw), &ee); err == nil {
			e.Error = &ee
		}
	}
	for _, required := range []string{"type", "run_id", "host", "workload", "repetition", "total_repetitions", "ts"} {
		if _, ok := fields[required]; !ok {
			return RunEvent{}, fmt.Errorf("eventstream: missing required field %q", required)
		}
	}
	return e, nil
}

// MessageHash returns the digest used in the dedup key
// (run_id, host, workload, repetition, status, type, message_hash).
func MessageHash(message string) string {
	sum := sha256.Sum256([]byte(message))
	return hex.EncodeToString(sum[:8])
}

// DedupKey returns the consumer-side de-duplication key for e.
func DedupKey(e RunEvent) string {
	parts := []string{
		e.RunID, e.Host, e.Workload, strconv.Itoa(e.Repetition),
		string(e.Status), string(e.Type), MessageHash(e.Message),
	}
	return strings.Join(parts, "|")
}

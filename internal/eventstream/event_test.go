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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeParseRoundTrip(t *testing.T) {
	e := RunEvent{
		Type:             TypeStatus,
		RunID:            "run-1",
		Host:             "h1",
		Workload:         "fio",
		Repetition:       3,
		TotalRepetitions: 5,
		Status:           StatusRunning,
		Timestamp:        1700000000,
	}
	line := Encode(e)
	assert.Contains(t, line, "LB_EVENT")
	assert.Contains(t, line, "status=running")

	got, err := Parse(line)
	require.NoError(t, err)
	assert.Equal(t, e.RunID, got.RunID)
	assert.Equal(t, e.Host, got.Host)
	assert.Equal(t, e.Repetition, got.Repetition)
	assert.Equal(t, e.Status, got.Status)
}

func TestEncodeParseRoundTripWithMessage(t *testing.T) {
	e := RunEvent{
		Type:             TypeLog,
		RunID:            "run-1",
		Host:             "h1",
		Workload:         "fio",
		Repetition:       1,
		TotalRepetitions: 1,
		Level:            LevelInfo,
		Message:          "heartbeat with spaces and \"quotes\"",
		Timestamp:        1700000001,
	}
	line := Encode(e)
	got, err := Parse(line)
	require.NoError(t, err)
	assert.Equal(t, e.Message, got.Message)
	assert.Equal(t, e.Level, got.Level)
}

func TestParseRejectsMissingRequiredField(t *testing.T) {
	_, err := Parse("LB_EVENT type=status run_id=run-1 host=h1")
	assert.Error(t, err)
}

func TestParseRejectsNonEventLine(t *testing.T) {
	_, err := Parse("some unrelated log line")
	assert.Error(t, err)
}

func TestDedupKeyStableForIdenticalEvents(t *testing.T) {
	e1 := RunEvent{RunID: "r", Host: "h", Workload: "w", Repetition: 1, Status: StatusDone, Type: TypeStatus}
	e2 := e1
	assert.Equal(t, DedupKey(e1), DedupKey(e2))

	e2.Repetition = 2
	assert.NotEqual(t, DedupKey(e1), DedupKey(e2))
}

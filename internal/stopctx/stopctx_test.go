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

package stopctx

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestIsIdempotent(t *testing.T) {
	token := New("")
	token.Request("first")
	token.Request("second")
	assert.Equal(t, "first", token.Reason())
	select {
	case <-token.Done():
	default:
		t.Fatal("expected Done channel closed")
	}
}

func TestShouldStopDetectsSentinelFile(t *testing.T) {
	dir := t.TempDir()
	sentinel := filepath.Join(dir, "stop")
	token := New(sentinel)
	assert.False(t, token.ShouldStop())

	require.NoError(t, os.WriteFile(sentinel, []byte{}, 0644))
	assert.True(t, token.ShouldStop())
	assert.Equal(t, "sentinel_file_detected", token.Reason())
}

func TestWaitReturnsOnRequest(t *testing.T) {
	token := New("")
	go func() {
		time.Sleep(10 * time.Millisecond)
		token.Request("done")
	}()
	err := token.Wait(context.Background())
	assert.NoError(t, err)
}

func TestWaitReturnsOnContextCancellation(t *testing.T) {
	token := New("")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := token.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWithTokenPanicsOnNesting(t *testing.T) {
	ctx := WithToken(context.Background(), New(""))
	assert.Panics(t, func() {
		WithToken(ctx, New(""))
	})
}

func TestFromContextRoundTrip(t *testing.T) {
	token := New("")
	ctx := WithToken(context.Background(), token)
	assert.Same(t, token, FromContext(ctx))
	assert.Nil(t, FromContext(context.Background()))
}

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

package benchconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
repetitions: 2
output_dir: /tmp/out
hosts:
  - name: h1
    address: 10.0.0.1
    user: bench
workloads:
  fio:
    plugin: fio
    enabled: true
    intensity: medium
`

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

func TestLoadAppliesDefaultsAndValidates(t *testing.T) {
	path := writeTempConfig(t, minimalYAML)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Repetitions)
	assert.Equal(t, "/tmp/out", cfg.OutputDir)
	assert.Len(t, cfg.Hosts, 1)
	assert.Equal(t, IntensityMedium, cfg.Workloads["fio"].Intensity)
	assert.NotZero(t, cfg.StopWaitTimeout)
	assert.NotZero(t, cfg.TeardownGrace)
	assert.NotZero(t, cfg.HeartbeatInterval)
}

func TestLoadRejectsDuplicateHostNames(t *testing.T) {
	path := writeTempConfig(t, `
repetitions: 1
output_dir: /tmp/out
hosts:
  - name: h1
    address: a
  - name: h1
    address: b
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsZeroRepetitions(t *testing.T) {
	path := writeTempConfig(t, `
repetitions: 0
output_dir: /tmp/out
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsEmptyOutputDir(t *testing.T) {
	path := writeTempConfig(t, `
repetitions: 1
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverlayOverridesOutputDir(t *testing.T) {
	path := writeTempConfig(t, minimalYAML)
	t.Setenv("LB_OUTPUT_DIR", "/var/bench-out")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/bench-out", cfg.OutputDir)
}

func TestUvExtrasEnvJoinsCommaSeparated(t *testing.T) {
	assets := PluginAssets{RequiredUvExtras: []string{"numpy", "scipy"}}
	assert.Equal(t, "numpy,scipy", UvExtrasEnv(assets))
	assert.Equal(t, "", UvExtrasEnv(PluginAssets{}))
}

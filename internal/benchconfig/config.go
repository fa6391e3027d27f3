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

// Package benchconfig loads and validates the BenchmarkConfig that drives
// a run: hosts, workloads, plugin assets, and remote execution settings.
package benchconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/tombee/benchctl/internal/bcerrors"
)

// Intensity enumerates a workload's intensity selector.
type Intensity string

const (
	IntensityLow         Intensity = "low"
	IntensityMedium      Intensity = "medium"
	IntensityHigh        Intensity = "high"
	IntensityUserDefined Intensity = "user_defined"
)

// WorkloadEntry configures a single workload plugin.
type WorkloadEntry struct {
	Plugin    string         `yaml:"plugin"`
	Enabled   bool           `yaml:"enabled"`
	Intensity Intensity      `yaml:"intensity"`
	Options   map[string]any `yaml:"options,omitempty"`

	// IntensityExpr is an expr-lang expression evaluated against the
	// target host's vars when Intensity is "user_defined"; its result is
	// merged into the workload's options under the "intensity" key.
	IntensityExpr string `yaml:"intensity_expr,omitempty"`
}

// HostSpec names one execution target.
type HostSpec struct {
	Name    string         `yaml:"name"`
	Address string         `yaml:"address"`
	User    string         `yaml:"user"`
	Vars    map[string]any `yaml:"vars,omitempty"`
}

// PluginAssets names the playbooks and collector hooks associated with a
// plugin's plugin_assets entry.
type PluginAssets struct {
	SetupPlaybook      string         `yaml:"setup_playbook,omitempty"`
	TeardownPlaybook   string         `yaml:"teardown_playbook,omitempty"`
	CollectPre         string         `yaml:"collect_pre,omitempty"`
	CollectPost        string         `yaml:"collect_post,omitempty"`
	SetupExtravars     map[string]any `yaml:"setup_extravars,omitempty"`
	TeardownExtravars  map[string]any `yaml:"teardown_extravars,omitempty"`
	RequiredUvExtras   []string       `yaml:"required_uv_extras,omitempty"`
}

// RemoteExecutionConfig toggles the remote execution transport.
type RemoteExecutionConfig struct {
	Enabled bool `yaml:"enabled"`
}

// BenchmarkConfig is the root configuration object, immutable once
// returned by Load.
type BenchmarkConfig struct {
	Repetitions      int                     `yaml:"repetitions"`
	Workloads        map[string]WorkloadEntry `yaml:"workloads"`
	Hosts            []HostSpec              `yaml:"hosts"`
	OutputDir        string                  `yaml:"output_dir"`
	RemoteExecution  RemoteExecutionConfig   `yaml:"remote_execution"`
	PluginAssets     map[string]PluginAssets `yaml:"plugin_assets,omitempty"`

	// PluginAssetsRoot and PluginAssetsGlob, when both set, auto-register
	// a PluginAssets.SetupPlaybook entry for every file PluginAssetsGlob
	// matches under PluginAssetsRoot, keyed by the file's basename with
	// its extension stripped. An explicit plugin_assets entry for that
	// key always wins over one discovered this way.
	PluginAssetsRoot string `yaml:"plugin_assets_root,omitempty"`
	PluginAssetsGlob string `yaml:"plugin_assets_glob,omitempty"`

	// StopWaitTimeout bounds STOPPING_WAIT_RUNNERS. Default 60s.
	StopWaitTimeout time.Duration `yaml:"stop_wait_timeout,omitempty"`
	// TeardownGrace bounds non-cancellable teardown phases. Default 5m.
	TeardownGrace time.Duration `yaml:"teardown_grace,omitempty"`
	// HeartbeatInterval is the LocalRunner's periodic log cadence. Default 10s.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval,omitempty"`
}

// Default returns a BenchmarkConfig populated with the engine's defaults.
func Default() *BenchmarkConfig {
	return &BenchmarkConfig{
		Repetitions:       1,
		Workloads:         map[string]WorkloadEntry{},
		Hosts:             nil,
		PluginAssets:      map[string]PluginAssets{},
		StopWaitTimeout:   60 * time.Second,
		TeardownGrace:     5 * time.Minute,
		HeartbeatInterval: 10 * time.Second,
	}
}

// Load reads configPath, applies defaults, overlays LB_-prefixed
// environment variables, and validates the result.
func Load(configPath string) (*BenchmarkConfig, error) {
	cfg := Default()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, &bcerrors.ConfigError{Key: "config_file", Reason: fmt.Sprintf("failed to read %s", configPath), Cause: err}
		}
		loaded := Default()
		if err := yaml.Unmarshal(data, loaded); err != nil {
			return nil, &bcerrors.ConfigError{Key: "config_file", Reason: fmt.Sprintf("failed to parse %s", configPath), Cause: err}
		}
		cfg = loaded
	}

	cfg.applyDefaults()
	cfg.loadFromEnv()

	if err := cfg.expandPluginAssetsGlob(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expandPluginAssetsGlob discovers playbooks by naming convention: every
// file PluginAssetsGlob matches under PluginAssetsRoot registers a
// PluginAssets entry (keyed by basename sans extension) with
// SetupPlaybook set to its path, unless the config already names that
// key explicitly.
func (c *BenchmarkConfig) expandPluginAssetsGlob() error {
	if c.PluginAssetsRoot == "" || c.PluginAssetsGlob == "" {
		return nil
	}
	matches, err := ResolvePlaybookGlob(c.PluginAssetsRoot, c.PluginAssetsGlob)
	if err != nil {
		return err
	}
	for _, match := range matches {
		key := strings.TrimSuffix(filepath.Base(match), filepath.Ext(match))
		if _, exists := c.PluginAssets[key]; exists {
			continue
		}
		c.PluginAssets[key] = PluginAssets{
			SetupPlaybook: filepath.Join(c.PluginAssetsRoot, match),
		}
	}
	return nil
}

// applyDefaults fills zero-valued fields with the engine defaults,
// allowing minimal configs to omit timing knobs entirely.
func (c *BenchmarkConfig) applyDefaults() {
	defaults := Default()
	if c.Workloads == nil {
		c.Workloads = defaults.Workloads
	}
	if c.PluginAssets == nil {
		c.PluginAssets = defaults.PluginAssets
	}
	if c.StopWaitTimeout == 0 {
		c.StopWaitTimeout = defaults.StopWaitTimeout
	}
	if c.TeardownGrace == 0 {
		c.TeardownGrace = defaults.TeardownGrace
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = defaults.HeartbeatInterval
	}
}

// loadFromEnv overlays environment variables prefixed LB_ onto the output
// directory and the timing knobs that are commonly tuned per-deployment
// without editing the YAML.
func (c *BenchmarkConfig) loadFromEnv() {
	if v := os.Getenv("LB_OUTPUT_DIR"); v != "" {
		c.OutputDir = v
	}
	if v := os.Getenv("LB_STOP_WAIT_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.StopWaitTimeout = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("LB_TEARDOWN_GRACE_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.TeardownGrace = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("LB_HEARTBEAT_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.HeartbeatInterval = time.Duration(n) * time.Second
		}
	}
}

// Validate enforces the invariants named in the data model: positive
// repetitions, unique non-empty host names, and a non-empty output_dir.
func (c *BenchmarkConfig) Validate() error {
	if c.Repetitions <= 0 {
		return &bcerrors.ConfigError{Key: "repetitions", Reason: "must be > 0"}
	}
	if c.OutputDir == "" {
		return &bcerrors.ConfigError{Key: "output_dir", Reason: "must not be empty"}
	}
	seen := make(map[string]struct{}, len(c.Hosts))
	for i, h := range c.Hosts {
		if h.Name == "" {
			return &bcerrors.ConfigError{Key: fmt.Sprintf("hosts[%d].name", i), Reason: "must not be empty"}
		}
		if _, dup := seen[h.Name]; dup {
			return &bcerrors.ConfigError{Key: "hosts", Reason: fmt.Sprintf("duplicate host name %q", h.Name)}
		}
		seen[h.Name] = struct{}{}
	}
	for name, w := range c.Workloads {
		if w.Enabled && w.Plugin == "" {
			return &bcerrors.ConfigError{Key: fmt.Sprintf("workloads.%s.plugin", name), Reason: "must not be empty when enabled"}
		}
		switch w.Intensity {
		case "", IntensityLow, IntensityMedium, IntensityHigh, IntensityUserDefined:
		default:
			return &bcerrors.ConfigError{Key: fmt.Sprintf("workloads.%s.intensity", name), Reason: fmt.Sprintf("unknown intensity %q", w.Intensity)}
		}
		if w.Intensity == IntensityUserDefined && w.IntensityExpr == "" {
			return &bcerrors.ConfigError{Key: fmt.Sprintf("workloads.%s.intensity_expr", name), Reason: "must be set when intensity is user_defined"}
		}
	}
	return nil
}

// UvExtrasEnv joins assets.RequiredUvExtras into the
// comma-separated LB_UV_EXTRAS value passed to the playbook subprocess
// environment.
func UvExtrasEnv(assets PluginAssets) string {
	if len(assets.RequiredUvExtras) == 0 {
		return ""
	}
	return strings.Join(assets.RequiredUvExtras, ",")
}

// ResolvePlaybookGlob expands a glob pattern against assetsRoot, returning
// matching playbook paths in sorted order. Load applies it to the
// top-level PluginAssetsGlob: each match that PluginAssets does not
// already name becomes that plugin's SetupPlaybook, keyed by the file's
// base name. No TeardownPlaybook is derived from a match.
func ResolvePlaybookGlob(assetsRoot, pattern string) ([]string, error) {
	matches, err := doublestar.Glob(os.DirFS(assetsRoot), pattern)
	if err != nil {
		return nil, &bcerrors.ConfigError{Key: "plugin_assets", Reason: fmt.Sprintf("invalid glob %q", pattern), Cause: err}
	}
	return matches, nil
}

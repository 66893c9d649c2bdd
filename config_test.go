// config_test.go: tests for configuration loading and hot reload
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultSystemConfig(t *testing.T) {
	t.Setenv(HomeEnv, "/srv/ci")
	config := DefaultSystemConfig()

	assert.Equal(t, "/srv/ci", HomeDir())
	assert.Equal(t, filepath.Join("/srv/ci", "plugins"), config.PluginsDir)
	assert.Equal(t, "/srv/ci", config.CacheDir)
	assert.Equal(t, DefaultCatalogURL, config.CatalogURL)
	assert.Equal(t, DefaultFetchTimeout, config.FetchTimeout.Std())
	assert.Equal(t, DefaultWorkers, config.Workers)
	assert.Equal(t, DefaultMaxDelegationDepth, config.MaxDelegationDepth)
	require.NoError(t, config.Validate())
}

func TestSystemConfig_ApplyDefaults(t *testing.T) {
	t.Setenv(HomeEnv, t.TempDir())
	config := SystemConfig{PluginsDir: "/opt/plugins", Audit: AuditSettings{Enabled: true}}
	config.ApplyDefaults()

	assert.Equal(t, "/opt/plugins", config.PluginsDir)
	assert.Equal(t, "/opt/plugins", config.WorkDir, "expansion defaults to the plugins directory")
	assert.Equal(t, DefaultHostVersion, config.HostVersion)
	assert.Equal(t, filepath.Join(config.CacheDir, DefaultAuditFile), config.Audit.File)
	assert.Equal(t, "pluginhost", config.Metrics.Namespace)
}

func TestSystemConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*SystemConfig)
	}{
		{"NegativeWorkers", func(c *SystemConfig) { c.Workers = -1 }},
		{"NegativeRetries", func(c *SystemConfig) { c.FetchRetries = -3 }},
		{"NegativeDepth", func(c *SystemConfig) { c.MaxDelegationDepth = -1 }},
		{"BadHostVersion", func(c *SystemConfig) { c.HostVersion = "latest" }},
		{"BadProxy", func(c *SystemConfig) { c.Proxy.URL = "http://[::1" }},
		{"EmptyMask", func(c *SystemConfig) { c.MaskPatterns = []string{"json.", " "} }},
		{"NoPluginsDir", func(c *SystemConfig) { c.PluginsDir = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultSystemConfig()
			tt.mutate(&config)
			assert.True(t, HasErrorCode(config.Validate(), ErrCodeConfigValidationError))
		})
	}
}

func TestLoadConfigFromFile_YAML(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "pluginhost.yaml", `
plugins_dir: /var/lib/ci/plugins
cache_dir: /var/cache/ci
catalog_url: https://mirror.example.org/update-center.json
host_version: "2.204"
fetch_timeout: 45s
fetch_retries: 4
workers: 6
mask_patterns: ["org.slf4j.", "json?"]
proxy:
  url: http://proxy.local:3128
  no_proxy: [".internal", "localhost"]
metrics:
  enabled: true
`)
	config, err := LoadConfigFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/ci/plugins", config.PluginsDir)
	assert.Equal(t, "/var/lib/ci/plugins", config.WorkDir)
	assert.Equal(t, "2.204", config.HostVersion)
	assert.Equal(t, 45*time.Second, config.FetchTimeout.Std())
	assert.Equal(t, 4, config.FetchRetries)
	assert.Equal(t, 6, config.Workers)
	assert.Equal(t, []string{"org.slf4j.", "json?"}, config.MaskPatterns)
	assert.Equal(t, []string{".internal", "localhost"}, config.Proxy.NoProxy)
	assert.True(t, config.Metrics.Enabled)
	assert.Equal(t, DefaultMaxDelegationDepth, config.MaxDelegationDepth)
}

func TestLoadConfigFromFile_JSON(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "pluginhost.json", `{
  "plugins_dir": "/data/plugins",
  "cache_dir": "/data",
  "fetch_timeout": 30,
  "max_delegation_depth": 8
}`)
	config, err := LoadConfigFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "/data/plugins", config.PluginsDir)
	assert.Equal(t, 30*time.Second, config.FetchTimeout.Std(), "numbers are seconds")
	assert.Equal(t, 8, config.MaxDelegationDepth)
}

func TestLoadConfigFromFile_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadConfigFromFile(filepath.Join(dir, "missing.yaml"))
	assert.True(t, HasErrorCode(err, ErrCodeConfigNotFound))

	_, err = LoadConfigFromFile(writeConfig(t, dir, "broken.yaml", "plugins_dir: [unterminated"))
	assert.True(t, HasErrorCode(err, ErrCodeConfigParseError))

	_, err = LoadConfigFromFile(writeConfig(t, dir, "bad-duration.yaml", "fetch_timeout: soon"))
	assert.True(t, HasErrorCode(err, ErrCodeConfigParseError))

	_, err = LoadConfigFromFile(writeConfig(t, dir, "invalid.yaml", "fetch_retries: -2"))
	assert.True(t, HasErrorCode(err, ErrCodeConfigValidationError))

	_, err = LoadConfigFromFile(dir + "/../etc/passwd")
	assert.True(t, HasErrorCode(err, ErrCodeConfigParseError))
}

func TestDuration_Encoding(t *testing.T) {
	d := Duration(90 * time.Second)

	raw, err := json.Marshal(d)
	require.NoError(t, err)
	assert.JSONEq(t, `"1m30s"`, string(raw))

	out, err := yaml.Marshal(struct {
		Timeout Duration `yaml:"timeout"`
	}{d})
	require.NoError(t, err)
	assert.Equal(t, "timeout: 1m30s\n", string(out))

	var back Duration
	require.NoError(t, json.Unmarshal([]byte(`"2m"`), &back))
	assert.Equal(t, 2*time.Minute, back.Std())
	require.NoError(t, json.Unmarshal([]byte(`1.5`), &back))
	assert.Equal(t, 1500*time.Millisecond, back.Std())
	assert.Error(t, json.Unmarshal([]byte(`true`), &back))
}

// recordingApplier captures applied configurations.
type recordingApplier struct {
	mu      sync.Mutex
	applied []SystemConfig
}

func (r *recordingApplier) ApplyConfig(config SystemConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applied = append(r.applied, config)
	return nil
}

func (r *recordingApplier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.applied)
}

func TestConfigWatcher_Reload(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "pluginhost.yaml", "plugins_dir: /p\ncache_dir: /c\nworkers: 2\n")
	applier := &recordingApplier{}
	logger := NewTestLogger()

	cw := NewConfigWatcher(path, applier, ConfigWatcherOptions{PollInterval: 50 * time.Millisecond}, logger)
	require.NoError(t, cw.Start())
	defer func() { _ = cw.Stop() }()

	require.NotNil(t, cw.Current())
	assert.Equal(t, 2, cw.Current().Workers)
	assert.Equal(t, 1, applier.count())
	assert.Error(t, cw.Start(), "a running watcher cannot be started twice")

	writeConfig(t, dir, "pluginhost.yaml", "plugins_dir: /p\ncache_dir: /c\nworkers: 7\n")
	cw.reload(path)
	assert.Equal(t, 7, cw.Current().Workers)
	assert.Equal(t, int64(1), cw.Reloads())

	// An invalid file keeps the previous configuration.
	writeConfig(t, dir, "pluginhost.yaml", "fetch_retries: -1\n")
	cw.reload(path)
	assert.Equal(t, 7, cw.Current().Workers)
	assert.Equal(t, int64(1), cw.Reloads())
	assert.True(t, logger.HasMessage("ERROR", "Ignoring invalid configuration"))
	assert.Equal(t, 2, applier.count())

	require.NoError(t, cw.Stop())
	require.NoError(t, cw.Stop())
	assert.Error(t, cw.Start(), "a stopped watcher cannot be restarted")
}

func TestConfigWatcher_PicksUpChanges(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "pluginhost.yaml", "plugins_dir: /p\ncache_dir: /c\nfetch_retries: 1\n")
	applier := &recordingApplier{}
	cw := NewConfigWatcher(path, applier, ConfigWatcherOptions{PollInterval: 50 * time.Millisecond}, nil)
	require.NoError(t, cw.Start())
	defer func() { _ = cw.Stop() }()

	time.Sleep(100 * time.Millisecond)
	writeConfig(t, dir, "pluginhost.yaml", "plugins_dir: /p\ncache_dir: /c\nfetch_retries: 3\n")
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	assert.Eventually(t, func() bool {
		c := cw.Current()
		return c != nil && c.FetchRetries == 3
	}, 5*time.Second, 25*time.Millisecond)
}

func TestConfigWatcher_DrivesPluginSystem(t *testing.T) {
	root := t.TempDir()
	path := writeConfig(t, root, "pluginhost.yaml",
		"plugins_dir: "+mkdir(t, filepath.Join(root, "plugins"))+"\ncache_dir: "+root+"\nmax_delegation_depth: 4\n")

	config, err := LoadConfigFromFile(path)
	require.NoError(t, err)
	sys, err := NewPluginSystem(config, nil, WithFetcher(newMemoryFetcher()))
	require.NoError(t, err)
	defer sys.Close()

	cw := NewConfigWatcher(path, sys, DefaultConfigWatcherOptions(), nil)
	require.NoError(t, cw.Start())
	defer func() { _ = cw.Stop() }()

	writeConfig(t, root, "pluginhost.yaml",
		"plugins_dir: "+config.PluginsDir+"\ncache_dir: "+root+"\nmax_delegation_depth: 9\nmask_patterns: [\"log\"]\n")
	cw.reload(path)
	assert.Equal(t, 9, sys.Config().MaxDelegationDepth)
	assert.Equal(t, []string{"log"}, sys.Config().MaskPatterns)
}

// config.go: System configuration, file loading and Argus-powered hot reload
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/argus"
	"gopkg.in/yaml.v3"
)

// HomeEnv overrides the directory holding plugins and the catalog cache.
const HomeEnv = "PLUGINHOST_HOME"

// Defaults used by DefaultSystemConfig and ApplyDefaults.
const (
	DefaultCatalogURL  = "https://updates.agilira.dev/update-center.json"
	DefaultHostVersion = "2.0"
	DefaultAuditFile   = "pluginhost-audit.jsonl"
)

// Duration is a time.Duration that reads "30s"-style strings from every
// configuration format. Bare numbers are taken as seconds.
type Duration time.Duration

// Std returns the standard library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalJSON writes the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts "1m30s" or a number of seconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return d.set(raw)
}

// MarshalYAML writes the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML accepts "1m30s" or a number of seconds.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	return d.set(raw)
}

func (d *Duration) set(raw any) error {
	switch v := raw.(type) {
	case nil:
		*d = 0
	case string:
		parsed, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(v * float64(time.Second))
	case int:
		*d = Duration(time.Duration(v) * time.Second)
	default:
		return fmt.Errorf("invalid duration %v", raw)
	}
	return nil
}

// AuditSettings controls the audit trail.
type AuditSettings struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	File    string `json:"file,omitempty" yaml:"file,omitempty"`
}

// MetricsSettings controls Prometheus metrics.
type MetricsSettings struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Namespace string `json:"namespace,omitempty" yaml:"namespace,omitempty"`
}

// SystemConfig configures a PluginSystem.
type SystemConfig struct {
	// PluginsDir holds the installed artifacts and their markers.
	PluginsDir string `json:"plugins_dir" yaml:"plugins_dir"`
	// CacheDir holds the cached catalog under updates/.
	CacheDir string `json:"cache_dir" yaml:"cache_dir"`
	// WorkDir receives expanded archives. Defaults to PluginsDir.
	WorkDir string `json:"work_dir,omitempty" yaml:"work_dir,omitempty"`

	CatalogURL  string `json:"catalog_url" yaml:"catalog_url"`
	CatalogID   string `json:"catalog_id,omitempty" yaml:"catalog_id,omitempty"`
	HostVersion string `json:"host_version" yaml:"host_version"`

	FetchTimeout Duration    `json:"fetch_timeout" yaml:"fetch_timeout"`
	FetchRetries int         `json:"fetch_retries" yaml:"fetch_retries"`
	Proxy        ProxyConfig `json:"proxy" yaml:"proxy"`

	Workers            int      `json:"workers" yaml:"workers"`
	MaxDelegationDepth int      `json:"max_delegation_depth" yaml:"max_delegation_depth"`
	MaskPatterns       []string `json:"mask_patterns,omitempty" yaml:"mask_patterns,omitempty"`

	Audit   AuditSettings   `json:"audit" yaml:"audit"`
	Metrics MetricsSettings `json:"metrics" yaml:"metrics"`
}

// HomeDir returns $PLUGINHOST_HOME, or ~/.pluginhost.
func HomeDir() string {
	if home := os.Getenv(HomeEnv); home != "" {
		return home
	}
	if user, err := os.UserHomeDir(); err == nil {
		return filepath.Join(user, ".pluginhost")
	}
	return ".pluginhost"
}

// DefaultSystemConfig returns a configuration rooted at HomeDir.
func DefaultSystemConfig() SystemConfig {
	home := HomeDir()
	return SystemConfig{
		PluginsDir:         filepath.Join(home, "plugins"),
		CacheDir:           home,
		CatalogURL:         DefaultCatalogURL,
		CatalogID:          DefaultCatalogID,
		HostVersion:        DefaultHostVersion,
		FetchTimeout:       Duration(DefaultFetchTimeout),
		FetchRetries:       2,
		Workers:            DefaultWorkers,
		MaxDelegationDepth: DefaultMaxDelegationDepth,
		Audit:              AuditSettings{File: filepath.Join(home, DefaultAuditFile)},
		Metrics:            MetricsSettings{Namespace: "pluginhost"},
	}
}

// ApplyDefaults fills zero fields from DefaultSystemConfig.
func (c *SystemConfig) ApplyDefaults() {
	def := DefaultSystemConfig()
	if c.PluginsDir == "" {
		c.PluginsDir = def.PluginsDir
	}
	if c.CacheDir == "" {
		c.CacheDir = def.CacheDir
	}
	if c.WorkDir == "" {
		c.WorkDir = c.PluginsDir
	}
	if c.CatalogURL == "" {
		c.CatalogURL = def.CatalogURL
	}
	if c.CatalogID == "" {
		c.CatalogID = def.CatalogID
	}
	if c.HostVersion == "" {
		c.HostVersion = def.HostVersion
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = def.FetchTimeout
	}
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.MaxDelegationDepth <= 0 {
		c.MaxDelegationDepth = def.MaxDelegationDepth
	}
	if c.Audit.Enabled && c.Audit.File == "" {
		c.Audit.File = filepath.Join(c.CacheDir, DefaultAuditFile)
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = def.Metrics.Namespace
	}
}

// Validate checks a configuration after defaults are applied.
func (c *SystemConfig) Validate() error {
	if c.PluginsDir == "" {
		return NewConfigValidationError("plugins_dir is required", nil)
	}
	if c.CacheDir == "" {
		return NewConfigValidationError("cache_dir is required", nil)
	}
	if c.Workers < 0 {
		return NewConfigValidationError(fmt.Sprintf("workers must not be negative, got %d", c.Workers), nil)
	}
	if c.FetchRetries < 0 {
		return NewConfigValidationError(fmt.Sprintf("fetch_retries must not be negative, got %d", c.FetchRetries), nil)
	}
	if c.MaxDelegationDepth < 0 {
		return NewConfigValidationError(fmt.Sprintf("max_delegation_depth must not be negative, got %d", c.MaxDelegationDepth), nil)
	}
	if c.HostVersion != "" {
		if _, err := ParseVersionNumber(c.HostVersion); err != nil {
			return NewConfigValidationError("invalid host_version", err)
		}
	}
	if _, err := proxyFunc(c.Proxy); err != nil {
		return err
	}
	for _, p := range c.MaskPatterns {
		if strings.TrimSpace(p) == "" {
			return NewConfigValidationError("mask_patterns must not contain empty patterns", nil)
		}
	}
	return nil
}

// LoadConfigFromFile reads a configuration file in any format Argus detects,
// applies defaults and validates it.
func LoadConfigFromFile(path string) (SystemConfig, error) {
	var config SystemConfig

	cleaned := filepath.Clean(path)
	if strings.Contains(filepath.ToSlash(path), "../") {
		return config, NewConfigParseError(path, fmt.Errorf("path traversal not allowed"))
	}
	data, err := os.ReadFile(cleaned) // #nosec G304 -- path is supplied by the operator and cleaned above
	if err != nil {
		if os.IsNotExist(err) {
			return config, NewConfigNotFoundError(cleaned)
		}
		return config, NewConfigParseError(cleaned, err)
	}

	if err := parseConfigBytes(data, argus.DetectFormat(cleaned), &config); err != nil {
		return config, NewConfigParseError(cleaned, err)
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return config, err
	}
	return config, nil
}

// parseConfigBytes uses yaml.v3 for YAML and Argus for every other format.
func parseConfigBytes(data []byte, format argus.ConfigFormat, config *SystemConfig) error {
	if format == argus.FormatYAML {
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
		return nil
	}
	configMap, err := argus.ParseConfig(data, format)
	if err != nil {
		return err
	}
	return bindSystemConfig(configMap, config)
}

// bindSystemConfig converts a parsed map to SystemConfig through JSON.
func bindSystemConfig(configMap map[string]interface{}, config *SystemConfig) error {
	if configMap == nil {
		return fmt.Errorf("configuration map is nil")
	}
	jsonBytes, err := json.Marshal(configMap)
	if err != nil {
		return fmt.Errorf("failed to marshal config map to JSON: %w", err)
	}
	if err := json.Unmarshal(jsonBytes, config); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return nil
}

// ConfigApplier receives configurations published by a ConfigWatcher.
type ConfigApplier interface {
	ApplyConfig(config SystemConfig) error
}

// ConfigWatcherOptions tunes a ConfigWatcher.
type ConfigWatcherOptions struct {
	PollInterval time.Duration
	CacheTTL     time.Duration
}

// DefaultConfigWatcherOptions returns the polling defaults.
func DefaultConfigWatcherOptions() ConfigWatcherOptions {
	return ConfigWatcherOptions{
		PollInterval: 2 * time.Second,
		CacheTTL:     1 * time.Second, // must not exceed PollInterval
	}
}

// ConfigWatcher reloads a configuration file when it changes.
//
// A file that fails to parse or validate is ignored and the previously
// published configuration stays current.
type ConfigWatcher struct {
	path    string
	applier ConfigApplier
	logger  Logger
	watcher *argus.Watcher

	current atomic.Pointer[SystemConfig]
	reloads atomic.Int64

	mu       sync.Mutex
	running  bool
	stopOnce sync.Once
	stopped  atomic.Bool
}

// NewConfigWatcher creates a watcher for path. applier may be nil.
func NewConfigWatcher(path string, applier ConfigApplier, options ConfigWatcherOptions, logger Logger) *ConfigWatcher {
	internalLogger := NewLogger(logger)
	if options.PollInterval <= 0 {
		options = DefaultConfigWatcherOptions()
	}
	if options.CacheTTL <= 0 || options.CacheTTL > options.PollInterval {
		options.CacheTTL = options.PollInterval / 2
	}

	watcher := argus.New(argus.Config{
		PollInterval:         options.PollInterval,
		CacheTTL:             options.CacheTTL,
		MaxWatchedFiles:      4,
		OptimizationStrategy: argus.OptimizationSingleEvent,
		ErrorHandler: func(err error, file string) {
			internalLogger.Error("Argus file watching error", "error", err, "file", file)
		},
	})

	return &ConfigWatcher{
		path:    path,
		applier: applier,
		logger:  internalLogger,
		watcher: watcher,
	}
}

// Start loads the file once, publishes it and begins watching.
func (cw *ConfigWatcher) Start() error {
	if cw.stopped.Load() {
		return NewConfigWatcherError("config watcher has been stopped and cannot be restarted", nil)
	}
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.running {
		return NewConfigWatcherError("config watcher is already running", nil)
	}

	initial, err := LoadConfigFromFile(cw.path)
	if err != nil {
		return err
	}
	if cw.applier != nil {
		if err := cw.applier.ApplyConfig(initial); err != nil {
			return NewConfigWatcherError("failed to apply initial configuration", err)
		}
	}
	cw.current.Store(&initial)

	if err := cw.watcher.Watch(cw.path, cw.handleChange); err != nil {
		return NewConfigWatcherError("failed to watch config file", err)
	}
	if err := cw.watcher.Start(); err != nil {
		return NewConfigWatcherError("failed to start Argus watcher", err)
	}
	cw.running = true
	cw.logger.Info("Configuration watcher started", "path", cw.path)
	return nil
}

// Stop stops watching. It is safe to call more than once.
func (cw *ConfigWatcher) Stop() error {
	var stopErr error
	cw.stopOnce.Do(func() {
		cw.mu.Lock()
		defer cw.mu.Unlock()
		cw.stopped.Store(true)
		if !cw.running {
			return
		}
		cw.running = false
		if err := cw.watcher.Stop(); err != nil {
			stopErr = NewConfigWatcherError("failed to stop Argus watcher", err)
			return
		}
		cw.logger.Info("Configuration watcher stopped", "path", cw.path)
	})
	return stopErr
}

// Current returns the last published configuration, or nil before Start.
func (cw *ConfigWatcher) Current() *SystemConfig {
	return cw.current.Load()
}

// Reloads counts configurations published after the initial load.
func (cw *ConfigWatcher) Reloads() int64 {
	return cw.reloads.Load()
}

func (cw *ConfigWatcher) handleChange(event argus.ChangeEvent) {
	if event.IsDelete {
		cw.logger.Warn("Configuration file was deleted, keeping current configuration", "path", event.Path)
		return
	}
	cw.reload(event.Path)
}

// reload is the change handler body, split out so tests can drive it
// without waiting for the poller.
func (cw *ConfigWatcher) reload(path string) {
	next, err := LoadConfigFromFile(path)
	if err != nil {
		cw.logger.Error("Ignoring invalid configuration", "path", path, "error", err)
		return
	}
	if cw.applier != nil {
		if err := cw.applier.ApplyConfig(next); err != nil {
			cw.logger.Error("Failed to apply configuration", "path", path, "error", err)
			return
		}
	}
	cw.current.Store(&next)
	cw.reloads.Add(1)
	cw.logger.Info("Configuration reloaded", "path", path, "catalog_url", next.CatalogURL)
}

// registry.go: Installed plugin registry backed by the plugins directory
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/go-timecache"
)

// FailureTracker is the host collaborator that remembers plugins which
// failed to load or start.
type FailureTracker interface {
	ListFailedPlugins() []string
}

// FailureReporter is implemented by trackers that accept new failures.
type FailureReporter interface {
	Report(shortName string, err error)
}

// MemoryFailureTracker is an in-memory FailureTracker.
type MemoryFailureTracker struct {
	mu       sync.RWMutex
	failures map[string]error
}

// NewMemoryFailureTracker creates an empty tracker.
func NewMemoryFailureTracker() *MemoryFailureTracker {
	return &MemoryFailureTracker{failures: make(map[string]error)}
}

// Report records a load failure for a plugin.
func (m *MemoryFailureTracker) Report(shortName string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[shortName] = err
}

// Clear forgets a plugin's failure, typically after a reinstall.
func (m *MemoryFailureTracker) Clear(shortName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.failures, shortName)
}

// Failure returns the recorded failure for a plugin, if any.
func (m *MemoryFailureTracker) Failure(shortName string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.failures[shortName]
}

// ListFailedPlugins returns the failed plugins sorted by short name.
func (m *MemoryFailureTracker) ListFailedPlugins() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.failures))
	for name := range m.failures {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// PluginsDir holds plugin artifacts and their markers.
	PluginsDir string `json:"plugins_dir" yaml:"plugins_dir"`
	// WorkDir receives exploded archives. Defaults to PluginsDir, so that
	// "git.hpi" expands into "git/" beside it.
	WorkDir string `json:"work_dir,omitempty" yaml:"work_dir,omitempty"`
	// Failures is consulted for the failed-to-load flag. Optional.
	Failures FailureTracker `json:"-" yaml:"-"`
}

// ScanReport summarizes a registry scan.
type ScanReport struct {
	Loaded    []string         `json:"loaded"`
	Failures  map[string]error `json:"-"`
	Duration  time.Duration    `json:"duration"`
	ScannedAt time.Time        `json:"scanned_at"`
}

// registrySnapshot is immutable once published.
type registrySnapshot struct {
	plugins    map[string]*InstalledPlugin
	generation uint64
}

// Registry indexes the plugins present on disk by short name.
//
// Readers get lock-free access to an immutable snapshot; every change
// (scan, marker toggle, install, removal) publishes a new snapshot with a
// higher generation. Loaders use the generation to invalidate their caches.
type Registry struct {
	config RegistryConfig
	logger Logger

	snapshot atomic.Pointer[registrySnapshot]
	writeMu  sync.Mutex
}

// NewRegistry creates an empty registry. Call Scan to populate it.
func NewRegistry(config RegistryConfig, logger Logger) *Registry {
	if config.WorkDir == "" {
		config.WorkDir = config.PluginsDir
	}
	r := &Registry{
		config: config,
		logger: NewLogger(logger),
	}
	r.snapshot.Store(&registrySnapshot{plugins: map[string]*InstalledPlugin{}})
	return r
}

// PluginsDir returns the directory the registry scans.
func (r *Registry) PluginsDir() string {
	return r.config.PluginsDir
}

// Generation increases every time a new snapshot is published.
func (r *Registry) Generation() uint64 {
	return r.snapshot.Load().generation
}

// Scan lists the plugins directory and rebuilds the index.
//
// A plugin that fails to expand or parse is logged and reported in the
// ScanReport; it never aborts the scan. Only failure to list the directory
// itself is returned as an error.
func (r *Registry) Scan(ctx context.Context) (*ScanReport, error) {
	start := timecache.CachedTime()
	report := &ScanReport{Failures: make(map[string]error), ScannedAt: start}

	artifacts, err := r.listArtifacts()
	if err != nil {
		return nil, err
	}

	plugins := make(map[string]*InstalledPlugin, len(artifacts))
	for _, path := range artifacts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p, err := r.loadArtifact(path)
		if err != nil {
			report.Failures[path] = err
			r.logger.Warn("Failed to load plugin artifact", "path", path, "error", err)
			continue
		}
		name := p.ShortName()
		if existing, dup := plugins[name]; dup {
			r.logger.Warn("Duplicate plugin short name ignored",
				"plugin", name, "path", path, "kept", existing.ArchivePath)
			continue
		}
		plugins[name] = p
		report.Loaded = append(report.Loaded, name)
	}
	sort.Strings(report.Loaded)

	// Markers may have changed while the directory was read; they are only
	// written under writeMu, so derive the flags again before publishing.
	r.writeMu.Lock()
	for _, p := range plugins {
		r.withDiskState(p)
	}
	r.publish(plugins)
	r.writeMu.Unlock()

	report.Duration = time.Since(start)
	r.logger.Info("Plugin scan completed",
		"plugins", len(report.Loaded), "failures", len(report.Failures))
	return report, nil
}

// Refresh (re)loads a single artifact and publishes it, replacing any entry
// with the same short name. Used after installs and downgrades.
func (r *Registry) Refresh(archivePath string) (*InstalledPlugin, error) {
	// A replacement may carry the old mtime; force a fresh expansion.
	marker := filepath.Join(r.config.WorkDir, baseName(filepath.Base(archivePath)), timestampMarker)
	if err := os.Remove(marker); err != nil && !os.IsNotExist(err) {
		return nil, NewArchiveIOError(marker, "cannot reset expansion marker", err)
	}
	p, err := r.loadArtifact(archivePath)
	if err != nil {
		return nil, err
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	plugins := r.copyPlugins()
	plugins[p.ShortName()] = r.withDiskState(p)
	r.publish(plugins)
	return p, nil
}

// Get returns the installed plugin with the given short name.
func (r *Registry) Get(shortName string) (*InstalledPlugin, bool) {
	p, ok := r.snapshot.Load().plugins[shortName]
	return p, ok
}

// IsInstalled reports whether a plugin with the short name is present.
func (r *Registry) IsInstalled(shortName string) bool {
	_, ok := r.Get(shortName)
	return ok
}

// Names returns the installed short names, sorted.
func (r *Registry) Names() []string {
	snap := r.snapshot.Load()
	names := make([]string, 0, len(snap.plugins))
	for name := range snap.plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns the installed plugins sorted by short name.
func (r *Registry) List() []*InstalledPlugin {
	snap := r.snapshot.Load()
	out := make([]*InstalledPlugin, 0, len(snap.plugins))
	for _, name := range r.Names() {
		if p, ok := snap.plugins[name]; ok {
			out = append(out, p)
		}
	}
	return out
}

// SetEnabled creates or removes the disable marker. It is idempotent.
func (r *Registry) SetEnabled(shortName string, enabled bool) error {
	return r.toggleMarker(shortName, (*InstalledPlugin).DisabledMarker, !enabled)
}

// SetPinned creates or removes the pin marker. It is idempotent.
func (r *Registry) SetPinned(shortName string, pinned bool) error {
	return r.toggleMarker(shortName, (*InstalledPlugin).PinnedMarker, pinned)
}

func (r *Registry) toggleMarker(shortName string, markerOf func(*InstalledPlugin) string, present bool) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	p, ok := r.Get(shortName)
	if !ok {
		return NewPluginNotInstalledError(shortName)
	}
	marker := markerOf(p)
	if present {
		if err := os.WriteFile(marker, nil, 0o600); err != nil {
			return NewMarkerIOError(marker, err)
		}
	} else if err := os.Remove(marker); err != nil && !os.IsNotExist(err) {
		return NewMarkerIOError(marker, err)
	}

	plugins := r.copyPlugins()
	plugins[shortName] = r.withDiskState(p.clone())
	r.publish(plugins)
	return nil
}

// IsFailedToLoad asks the failure tracker about the plugin.
func (r *Registry) IsFailedToLoad(shortName string) bool {
	if r.config.Failures == nil {
		return false
	}
	for _, name := range r.config.Failures.ListFailedPlugins() {
		if name == shortName {
			return true
		}
	}
	return false
}

// ReportLoadFailure records a failed load with the tracker and republishes
// the plugin so that its enabled flag reflects the failure.
func (r *Registry) ReportLoadFailure(shortName string, cause error) {
	if reporter, ok := r.config.Failures.(FailureReporter); ok {
		reporter.Report(shortName, cause)
	}
	r.logger.Error("Plugin failed to load", "plugin", shortName, "error", cause)

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	p, ok := r.Get(shortName)
	if !ok {
		return
	}
	plugins := r.copyPlugins()
	plugins[shortName] = r.withDiskState(p.clone())
	r.publish(plugins)
}

// BackupVersion returns the version of the plugin's backup artifact.
func (r *Registry) BackupVersion(shortName string) (string, error) {
	p, ok := r.Get(shortName)
	if !ok {
		return "", NewPluginNotInstalledError(shortName)
	}
	if !fileExists(p.BackupPath()) {
		return "", NewNoBackupError(shortName)
	}
	d, err := ReadArchiveDescriptor(p.BackupPath())
	if err != nil {
		return "", err
	}
	return d.Version, nil
}

// Remove uninstalls a plugin: its artifact, markers, backup and exploded
// directory are deleted and the plugin disappears from the next snapshot.
// Linked plugins only lose the link file; their sources are left alone.
func (r *Registry) Remove(shortName string) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	p, ok := r.Get(shortName)
	if !ok {
		return NewPluginNotInstalledError(shortName)
	}

	paths := []string{p.ArchivePath, p.DisabledMarker(), p.PinnedMarker()}
	if !p.IsLinked() {
		paths = append(paths, p.BackupPath())
		if p.ExplodedDir != p.ArchivePath {
			paths = append(paths, p.ExplodedDir)
		}
	}
	for _, path := range paths {
		if err := os.RemoveAll(path); err != nil {
			return NewUninstallError(shortName, err)
		}
	}

	plugins := r.copyPlugins()
	delete(plugins, shortName)
	r.publish(plugins)
	r.logger.Info("Plugin removed", "plugin", shortName, "path", p.ArchivePath)
	return nil
}

// publish must be called with writeMu held.
func (r *Registry) publish(plugins map[string]*InstalledPlugin) {
	prev := r.snapshot.Load()
	r.snapshot.Store(&registrySnapshot{plugins: plugins, generation: prev.generation + 1})
}

func (r *Registry) copyPlugins() map[string]*InstalledPlugin {
	prev := r.snapshot.Load().plugins
	plugins := make(map[string]*InstalledPlugin, len(prev)+1)
	for k, v := range prev {
		plugins[k] = v
	}
	return plugins
}

// listArtifacts returns plugin artifact paths in a stable order. Packed
// archives win over directories they were expanded into, and ".hpi" wins
// over ".jpi".
func (r *Registry) listArtifacts() ([]string, error) {
	entries, err := os.ReadDir(r.config.PluginsDir)
	if err != nil {
		return nil, NewPluginsDirUnreadableError(r.config.PluginsDir, err)
	}

	packed := make(map[string]string)
	var dirs, artifacts []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		full := filepath.Join(r.config.PluginsDir, name)
		if e.IsDir() {
			if fileExists(filepath.Join(full, filepath.FromSlash(manifestPath))) {
				dirs = append(dirs, full)
			}
			continue
		}
		switch filepath.Ext(name) {
		case ArchiveExtension, LinkExtension:
			packed[baseName(name)] = full
		case LegacyArchiveExtension:
			if _, seen := packed[baseName(name)]; !seen {
				packed[baseName(name)] = full
			}
		}
	}

	for _, path := range packed {
		artifacts = append(artifacts, path)
	}
	for _, dir := range dirs {
		if _, expanded := packed[filepath.Base(dir)]; expanded {
			continue
		}
		if filepath.Clean(dir) == filepath.Clean(r.config.WorkDir) {
			continue
		}
		artifacts = append(artifacts, dir)
	}
	sort.Strings(artifacts)
	return artifacts, nil
}

func (r *Registry) loadArtifact(archivePath string) (*InstalledPlugin, error) {
	art, err := ExpandArtifact(archivePath, r.config.WorkDir)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(art.ManifestPath) // #nosec G304 -- manifest inside the plugins directory
	if err != nil {
		return nil, NewMissingManifestError(art.ManifestPath)
	}
	d, err := ParseDescriptor(raw, art.ManifestName)
	if err != nil {
		return nil, err
	}

	p := &InstalledPlugin{
		Descriptor:   d,
		ArchivePath:  archivePath,
		ExplodedDir:  art.Dir,
		ResourceDir:  art.ResourceDir,
		LibraryPaths: art.LibraryPaths,
	}
	if p.ResourceDir == "" {
		p.ResourceDir = art.Dir
	}
	return r.withDiskState(p), nil
}

// withDiskState fills in the marker-derived flags.
func (r *Registry) withDiskState(p *InstalledPlugin) *InstalledPlugin {
	p.FailedToLoad = r.IsFailedToLoad(p.ShortName())
	p.Enabled = !fileExists(p.DisabledMarker()) && !p.FailedToLoad
	p.Pinned = fileExists(p.PinnedMarker())
	p.HasBackup = !p.IsLinked() && fileExists(p.BackupPath())
	return p
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

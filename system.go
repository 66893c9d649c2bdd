// system.go: PluginSystem wires the registry, loaders, catalog and installer
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
)

// SystemOption customizes NewPluginSystem.
type SystemOption func(*systemOptions)

type systemOptions struct {
	hostSymbols SymbolTable
	fetcher     Fetcher
	opener      TableOpener
	dialOptions []grpc.DialOption
	registerer  prometheus.Registerer
	failures    FailureTracker
}

// WithHostSymbols sets the host's global symbol table.
func WithHostSymbols(table SymbolTable) SystemOption {
	return func(o *systemOptions) { o.hostSymbols = table }
}

// WithFetcher replaces the HTTP fetcher. ApplyConfig keeps a custom fetcher.
func WithFetcher(f Fetcher) SystemOption {
	return func(o *systemOptions) { o.fetcher = f }
}

// WithTableOpener overrides how plugin symbol tables are opened.
func WithTableOpener(opener TableOpener) SystemOption {
	return func(o *systemOptions) { o.opener = opener }
}

// WithDialOptions adds gRPC dial options for Symbol-Endpoint connections.
func WithDialOptions(opts ...grpc.DialOption) SystemOption {
	return func(o *systemOptions) { o.dialOptions = append(o.dialOptions, opts...) }
}

// WithRegisterer registers metrics with r instead of a private registry.
func WithRegisterer(r prometheus.Registerer) SystemOption {
	return func(o *systemOptions) { o.registerer = r }
}

// WithFailureTracker makes the host's tracker the source of the
// failed-to-load flag.
func WithFailureTracker(t FailureTracker) SystemOption {
	return func(o *systemOptions) { o.failures = t }
}

// fetcherRef lets ApplyConfig swap the fetcher under running components.
type fetcherRef struct {
	current atomic.Pointer[fetcherBox]
}

type fetcherBox struct{ f Fetcher }

func (r *fetcherRef) Open(ctx context.Context, rawURL string) (*FetchResponse, error) {
	return r.current.Load().f.Open(ctx, rawURL)
}

func (r *fetcherRef) set(f Fetcher) { r.current.Store(&fetcherBox{f: f}) }

// PluginSystem is the host-facing entry point: it scans installed plugins,
// resolves symbols for them, keeps the catalog and runs installations.
//
// Example:
//
//	config := pluginhost.DefaultSystemConfig()
//	sys, err := pluginhost.NewPluginSystem(config, logger)
//	if err != nil {
//	    return err
//	}
//	defer sys.Close()
//	if _, err := sys.Scan(ctx); err != nil {
//	    return err
//	}
//	sym, err := sys.Resolve(ctx, "git", "checkout")
type PluginSystem struct {
	config atomic.Pointer[SystemConfig]
	logger Logger

	registry *Registry
	graph    *LoaderGraph
	catalog  *CatalogManager
	jobs     *JobQueue
	metrics  *Metrics
	audit    *AuditTrail
	failures FailureTracker
	gatherer prometheus.Gatherer

	fetcher       *fetcherRef
	customFetcher bool

	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewPluginSystem builds every component from config. The plugins
// directory is not read until Scan.
func NewPluginSystem(config SystemConfig, logger Logger, opts ...SystemOption) (*PluginSystem, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	var o systemOptions
	for _, opt := range opts {
		opt(&o)
	}

	sys := &PluginSystem{logger: NewLogger(logger), fetcher: &fetcherRef{}}
	sys.config.Store(&config)

	if o.fetcher != nil {
		sys.fetcher.set(o.fetcher)
		sys.customFetcher = true
	} else {
		f, err := newFetcherFor(config, sys.logger)
		if err != nil {
			return nil, err
		}
		sys.fetcher.set(f)
	}

	if config.Metrics.Enabled {
		sys.metrics = NewMetrics(config.Metrics.Namespace)
		registerer := o.registerer
		if registerer == nil {
			reg := prometheus.NewRegistry()
			registerer, sys.gatherer = reg, reg
		} else if g, ok := registerer.(prometheus.Gatherer); ok {
			sys.gatherer = g
		}
		if err := sys.metrics.Register(registerer); err != nil {
			return nil, NewConfigValidationError("cannot register metrics", err)
		}
	}

	audit, err := NewAuditTrail(config.Audit)
	if err != nil {
		return nil, err
	}
	sys.audit = audit

	sys.failures = o.failures
	if sys.failures == nil {
		sys.failures = NewMemoryFailureTracker()
	}

	sys.registry = NewRegistry(RegistryConfig{
		PluginsDir: config.PluginsDir,
		WorkDir:    config.WorkDir,
		Failures:   sys.failures,
	}, sys.logger.With("component", "registry"))

	sys.graph = NewLoaderGraph(sys.registry, LoaderGraphConfig{
		MaxDelegationDepth: config.MaxDelegationDepth,
		HostMasks:          config.MaskPatterns,
		HostSymbols:        o.hostSymbols,
		Opener:             o.opener,
		DialOptions:        o.dialOptions,
		Metrics:            sys.metrics,
	}, sys.logger.With("component", "loader"))

	sys.catalog = NewCatalogManager(CatalogConfig{
		ID:       config.CatalogID,
		CacheDir: config.CacheDir,
		Fetcher:  sys.fetcher,
		Metrics:  sys.metrics,
	}, sys.logger.With("component", "catalog"))

	ctx, cancel := context.WithCancel(context.Background())
	sys.cancel = cancel
	sys.jobs = NewJobQueue(ctx, config.Workers, sys.fetcher, sys.logger.With("component", "installer"), sys.metrics)
	sys.jobs.OnComplete(sys.onJobComplete)

	return sys, nil
}

func newFetcherFor(config SystemConfig, logger Logger) (*HTTPFetcher, error) {
	return NewHTTPFetcher(FetchConfig{
		Timeout:  config.FetchTimeout.Std(),
		Proxy:    config.Proxy,
		RetryMax: config.FetchRetries,
	}, logger.With("component", "fetcher"))
}

// Config returns the configuration in effect.
func (s *PluginSystem) Config() SystemConfig { return *s.config.Load() }

// Registry returns the installed plugin registry.
func (s *PluginSystem) Registry() *Registry { return s.registry }

// Loaders returns the module loader graph.
func (s *PluginSystem) Loaders() *LoaderGraph { return s.graph }

// Catalog returns the catalog manager.
func (s *PluginSystem) Catalog() *CatalogManager { return s.catalog }

// Jobs returns the installation queue.
func (s *PluginSystem) Jobs() *JobQueue { return s.jobs }

// Metrics returns the collectors, or nil when metrics are disabled.
func (s *PluginSystem) Metrics() *Metrics { return s.metrics }

// Gatherer exposes the metrics registry for an HTTP handler. It is nil when
// metrics are disabled or registered with a non-gathering Registerer.
func (s *PluginSystem) Gatherer() prometheus.Gatherer { return s.gatherer }

// Audit returns the audit trail.
func (s *PluginSystem) Audit() *AuditTrail { return s.audit }

// Scan reads the plugins directory and invalidates loaders of changed plugins.
func (s *PluginSystem) Scan(ctx context.Context) (*ScanReport, error) {
	report, err := s.registry.Scan(ctx)
	if err != nil {
		return nil, err
	}
	s.metrics.ObserveScan(report)
	s.graph.Sweep()
	return report, nil
}

// RefreshCatalog fetches the configured catalog.
func (s *PluginSystem) RefreshCatalog(ctx context.Context) error {
	return s.catalog.Refresh(ctx, s.Config().CatalogURL)
}

// EnsureCatalog loads the catalog from cache, falling back to the network.
func (s *PluginSystem) EnsureCatalog(ctx context.Context) error {
	if s.catalog.Snapshot() != nil {
		return nil
	}
	if err := s.catalog.LoadFromCache(); err == nil {
		return nil
	}
	return s.RefreshCatalog(ctx)
}

// Resolve resolves symbol on behalf of plugin.
func (s *PluginSystem) Resolve(ctx context.Context, plugin, symbol string) (Symbol, error) {
	loader, err := s.graph.Loader(plugin)
	if err != nil {
		return Symbol{}, err
	}
	return loader.Resolve(ctx, symbol)
}

// Resource finds a resource file visible to plugin.
func (s *PluginSystem) Resource(ctx context.Context, plugin, resource string) (string, error) {
	loader, err := s.graph.Loader(plugin)
	if err != nil {
		return "", err
	}
	return loader.Resource(ctx, resource)
}

// InstallPlan is the outcome of planning an installation.
type InstallPlan struct {
	Entries  []*CatalogEntry
	Warnings []string
}

// PlanInstall lists the catalog entries Install would schedule for names:
// the entries themselves plus required dependencies that are missing or
// too old, transitively, dependencies first. Compatibility problems are
// reported as warnings.
func (s *PluginSystem) PlanInstall(names ...string) (*InstallPlan, error) {
	plan := &InstallPlan{}
	hostVersion := s.Config().HostVersion
	planned := make(map[string]bool)

	var visit func(name string, requested bool) error
	visit = func(name string, requested bool) error {
		key := strings.ToLower(name)
		if planned[key] {
			return nil
		}
		planned[key] = true

		entry, ok := s.catalog.Get(name)
		if !ok {
			if requested {
				return NewCatalogEntryNotFoundError(name)
			}
			plan.Warnings = append(plan.Warnings, fmt.Sprintf("dependency %s is not in the catalog", name))
			return nil
		}
		for _, dep := range entry.DependencyNames() {
			if installed, ok := s.registry.Get(dep); ok && CheckDependencyVersion(installed.Version(), entry.Dependencies[dep]) {
				continue
			}
			if err := visit(dep, false); err != nil {
				return err
			}
		}

		installed, _ := s.registry.Get(entry.Name)
		plan.Warnings = append(plan.Warnings, CompatibilityWarnings(entry, hostVersion, installed)...)
		plan.Entries = append(plan.Entries, entry)
		return nil
	}

	for _, name := range names {
		if err := visit(name, true); err != nil {
			return nil, err
		}
	}
	return plan, nil
}

// Install schedules installation jobs for names and their missing required
// dependencies. It returns once every job is queued; use Jobs().Wait to
// wait for completion.
func (s *PluginSystem) Install(ctx context.Context, names ...string) ([]*InstallJob, error) {
	if err := s.EnsureCatalog(ctx); err != nil {
		return nil, err
	}
	plan, err := s.PlanInstall(names...)
	if err != nil {
		return nil, err
	}
	for _, w := range plan.Warnings {
		s.logger.Warn("Installation warning", "warning", w)
	}

	jobs := make([]*InstallJob, 0, len(plan.Entries))
	for _, entry := range plan.Entries {
		dest, err := s.destinationFor(entry.Name)
		if err != nil {
			return jobs, err
		}
		job, err := s.jobs.Submit(entry, dest)
		if err != nil {
			return jobs, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// destinationFor reuses the artifact path of an installed plugin so that
// updates keep a ".jpi" name, and refuses to overwrite linked plugins.
func (s *PluginSystem) destinationFor(name string) (string, error) {
	pluginsDir := s.registry.PluginsDir()
	p, ok := s.registry.Get(name)
	if !ok {
		return DestinationFor(pluginsDir, name), nil
	}
	if p.IsLinked() {
		return "", NewReplaceError(name, "plan", fmt.Errorf("%s is linked from %s", name, p.ArchivePath))
	}
	switch filepath.Ext(p.ArchivePath) {
	case ArchiveExtension, LegacyArchiveExtension:
		return p.ArchivePath, nil
	}
	return DestinationFor(pluginsDir, name), nil
}

func (s *PluginSystem) onJobComplete(job *InstallJob) {
	name := job.Entry.Name
	if job.State() != JobInstalled {
		s.audit.Record(AuditInstallFailed, name, map[string]interface{}{
			"version": job.Entry.Version,
			"state":   job.State().String(),
			"job":     job.ID.String(),
		})
		return
	}

	if c, ok := s.failures.(interface{ Clear(string) }); ok {
		c.Clear(name)
	}
	if _, err := s.registry.Refresh(job.Destination); err != nil {
		s.logger.Error("Installed artifact could not be loaded", "plugin", name, "path", job.Destination, "error", err)
		s.registry.ReportLoadFailure(name, err)
	}
	s.graph.Sweep()
	s.audit.Record(AuditInstall, name, map[string]interface{}{
		"version": job.Entry.Version,
		"path":    job.Destination,
		"job":     job.ID.String(),
	})
}

// Update describes an installed plugin with a newer catalog version.
type Update struct {
	Plugin           string        `json:"plugin" yaml:"plugin"`
	InstalledVersion string        `json:"installed_version" yaml:"installed_version"`
	Entry            *CatalogEntry `json:"entry" yaml:"entry"`
}

// Updates lists installed plugins the catalog offers a newer version of.
// Pinned plugins are never offered updates.
func (s *PluginSystem) Updates() []Update {
	var out []Update
	for _, p := range s.registry.List() {
		if p.Pinned {
			continue
		}
		entry, ok := s.catalog.Get(p.ShortName())
		if !ok {
			continue
		}
		if CompareVersionStrings(entry.Version, p.Version()) > 0 {
			out = append(out, Update{Plugin: p.ShortName(), InstalledVersion: p.Version(), Entry: entry})
		}
	}
	return out
}

// Enable removes the disable marker and forgets a previous load failure.
func (s *PluginSystem) Enable(name string) error {
	if c, ok := s.failures.(interface{ Clear(string) }); ok {
		c.Clear(name)
	}
	return s.mutate(name, AuditEnable, func() error { return s.registry.SetEnabled(name, true) })
}

// Disable creates the disable marker. Dependents stop seeing the plugin's
// symbols on their next resolution.
func (s *PluginSystem) Disable(name string) error {
	return s.mutate(name, AuditDisable, func() error { return s.registry.SetEnabled(name, false) })
}

// Pin exempts the plugin from updates.
func (s *PluginSystem) Pin(name string) error {
	return s.mutate(name, AuditPin, func() error { return s.registry.SetPinned(name, true) })
}

// Unpin removes the pin marker.
func (s *PluginSystem) Unpin(name string) error {
	return s.mutate(name, AuditUnpin, func() error { return s.registry.SetPinned(name, false) })
}

// Downgrade restores the plugin's backup artifact.
func (s *PluginSystem) Downgrade(name string) error {
	return s.mutate(name, AuditDowngrade, func() error {
		p, ok := s.registry.Get(name)
		if !ok {
			return NewPluginNotInstalledError(name)
		}
		if err := Downgrade(p); err != nil {
			return err
		}
		_, err := s.registry.Refresh(p.ArchivePath)
		return err
	})
}

// Uninstall removes the plugin from disk and closes its loader.
func (s *PluginSystem) Uninstall(name string) error {
	err := s.mutate(name, AuditUninstall, func() error { return s.registry.Remove(name) })
	if err == nil {
		if c, ok := s.failures.(interface{ Clear(string) }); ok {
			c.Clear(name)
		}
	}
	return err
}

func (s *PluginSystem) mutate(name, event string, apply func() error) error {
	if err := apply(); err != nil {
		return err
	}
	s.graph.Sweep()
	version := ""
	if p, ok := s.registry.Get(name); ok {
		version = p.Version()
	}
	s.audit.Record(event, name, map[string]interface{}{"version": version})
	s.logger.Info("Plugin updated", "plugin", name, "action", event)
	return nil
}

// StartPlugin resolves the plugin's Plugin-Entry symbol and calls it.
// Plugins without an entry symbol start trivially. A failure marks the
// plugin as failed to load, which disables it until it is re-enabled or
// reinstalled.
func (s *PluginSystem) StartPlugin(ctx context.Context, name string) error {
	p, ok := s.registry.Get(name)
	if !ok {
		return NewPluginNotInstalledError(name)
	}
	if !p.Enabled {
		return NewPluginStartFailedError(name, fmt.Errorf("plugin is disabled"))
	}
	entry := p.Descriptor.EntrySymbol
	if entry == "" {
		return nil
	}

	err := s.startEntry(ctx, name, entry)
	if err != nil {
		s.registry.ReportLoadFailure(name, err)
		s.graph.Sweep()
		s.audit.Record(AuditStartFailed, name, map[string]interface{}{"error": err.Error()})
		return NewPluginStartFailedError(name, err)
	}
	s.logger.Info("Plugin started", "plugin", name, "entry", entry)
	return nil
}

func (s *PluginSystem) startEntry(ctx context.Context, name, entry string) (err error) {
	defer recoverAsError(&err)
	sym, err := s.Resolve(ctx, name, entry)
	if err != nil {
		return err
	}
	if sym.Owner != name {
		return NewInvalidSymbolError(name, entry, "entry symbol is provided by "+sym.Owner)
	}
	_, err = sym.Call(ctx)
	return err
}

// StartAll starts every enabled plugin, dependencies before dependents.
// A plugin whose required dependency failed is not started.
func (s *PluginSystem) StartAll(ctx context.Context) map[string]error {
	failed := make(map[string]error)
	done := make(map[string]bool)

	var start func(p *InstalledPlugin)
	start = func(p *InstalledPlugin) {
		name := p.ShortName()
		if done[name] {
			return
		}
		done[name] = true
		for _, dep := range p.Descriptor.RequiredDependencies() {
			if d, ok := s.registry.Get(dep.TargetShortName); ok && d.Enabled {
				start(d)
			}
			if _, bad := failed[dep.TargetShortName]; bad {
				failed[name] = NewPluginStartFailedError(name, fmt.Errorf("dependency %s failed", dep.TargetShortName))
				return
			}
		}
		if err := s.StartPlugin(ctx, name); err != nil {
			failed[name] = err
		}
	}

	for _, p := range s.registry.List() {
		if p.Enabled {
			start(p)
		}
	}
	return failed
}

// FailedPlugins lists plugins currently marked as failed to load.
func (s *PluginSystem) FailedPlugins() []string {
	names := s.failures.ListFailedPlugins()
	sort.Strings(names)
	return names
}

// ApplyConfig publishes a new configuration to running components. The
// plugins, work and cache directories are fixed at construction and
// changes to them are ignored with a warning.
func (s *PluginSystem) ApplyConfig(config SystemConfig) error {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return err
	}
	prev := s.Config()
	if config.PluginsDir != prev.PluginsDir || config.CacheDir != prev.CacheDir || config.WorkDir != prev.WorkDir {
		s.logger.Warn("Directory changes require a restart",
			"plugins_dir", config.PluginsDir, "cache_dir", config.CacheDir)
		config.PluginsDir, config.CacheDir, config.WorkDir = prev.PluginsDir, prev.CacheDir, prev.WorkDir
	}

	if !s.customFetcher && (config.FetchTimeout != prev.FetchTimeout ||
		config.FetchRetries != prev.FetchRetries || !sameProxy(config.Proxy, prev.Proxy)) {
		f, err := newFetcherFor(config, s.logger)
		if err != nil {
			return err
		}
		s.fetcher.set(f)
	}
	s.graph.SetMaxDelegationDepth(config.MaxDelegationDepth)
	s.graph.SetHostMasks(config.MaskPatterns)
	s.config.Store(&config)

	s.audit.Record(AuditConfigReloaded, "", map[string]interface{}{
		"catalog_url":   config.CatalogURL,
		"fetch_timeout": time.Duration(config.FetchTimeout).String(),
	})
	return nil
}

func sameProxy(a, b ProxyConfig) bool {
	return a.URL == b.URL && strings.Join(a.NoProxy, ",") == strings.Join(b.NoProxy, ",")
}

// Close waits for running installations and releases all loaders.
func (s *PluginSystem) Close() error {
	var err error
	s.closeOnce.Do(func() {
		jobErr := s.jobs.Close()
		s.cancel()
		graphErr := s.graph.Close()
		auditErr := s.audit.Close()
		for _, e := range []error{jobErr, graphErr, auditErr} {
			if e != nil && err == nil {
				err = e
			}
		}
	})
	return err
}

// loader.go: Per-plugin module loaders with lazy, name-based delegation
//
// Every installed plugin gets one ModuleLoader. A loader resolves a name in
// the plugin's own symbol table first, then in the loaders of the plugins its
// descriptor depends on (required before optional, each group in declared
// order), and finally in the host's global table unless the plugin masks it.
// Dependencies are looked up through the registry by short name at the time
// of each resolution, so a dependency may be installed, upgraded, disabled
// or removed after the dependent loader was created.
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

	"google.golang.org/grpc"
)

// DefaultMaxDelegationDepth caps how many dependency hops one resolution may take.
const DefaultMaxDelegationDepth = 32

// TableOpener builds the local symbol table of a plugin. resolver reaches
// the plugin's dependencies and the host, never the plugin itself.
type TableOpener func(ctx context.Context, p *InstalledPlugin, resolver SymbolResolver) (SymbolTable, error)

// LoaderGraphConfig configures a LoaderGraph.
type LoaderGraphConfig struct {
	// MaxDelegationDepth bounds dependency hops per resolution.
	MaxDelegationDepth int
	// HostMasks hide host symbols from every plugin, in addition to each
	// plugin's own Mask-Symbols.
	HostMasks []string
	// HostSymbols are the host's globally visible symbols. Optional.
	HostSymbols SymbolTable
	// Opener overrides how local tables are built. Optional.
	Opener TableOpener
	// RPCTimeout bounds calls to out-of-process symbol tables.
	RPCTimeout time.Duration
	// DialOptions are appended when connecting to Symbol-Endpoint addresses.
	DialOptions []grpc.DialOption
	// EndpointBreaker tunes the circuit breaker of each Symbol-Endpoint.
	EndpointBreaker BreakerConfig
	// Metrics receives resolution outcomes. Optional.
	Metrics *Metrics
}

// LoaderGraph owns the module loaders of all installed plugins.
type LoaderGraph struct {
	registry *Registry
	logger   Logger
	host     SymbolTable
	opener   TableOpener
	metrics  *Metrics

	rpcTimeout    time.Duration
	dialOptions   []grpc.DialOption
	breakerConfig BreakerConfig

	maxDepth  atomic.Int64
	hostMasks atomic.Pointer[[]string]
	// epoch changes whenever graph-wide settings change; caches keyed on it.
	epoch atomic.Uint64

	mu       sync.Mutex
	loaders  map[string]*ModuleLoader
	builtins map[string]SymbolTable
}

// NewLoaderGraph creates a graph over the registry.
func NewLoaderGraph(registry *Registry, config LoaderGraphConfig, logger Logger) *LoaderGraph {
	g := &LoaderGraph{
		registry:      registry,
		logger:        NewLogger(logger),
		host:          config.HostSymbols,
		opener:        config.Opener,
		metrics:       config.Metrics,
		rpcTimeout:    config.RPCTimeout,
		dialOptions:   config.DialOptions,
		breakerConfig: config.EndpointBreaker,
		loaders:       make(map[string]*ModuleLoader),
		builtins:      make(map[string]SymbolTable),
	}
	if g.host == nil {
		g.host = NewStaticSymbolTable(nil)
	}
	if g.opener == nil {
		g.opener = g.openLocal
	}
	g.SetMaxDelegationDepth(config.MaxDelegationDepth)
	g.SetHostMasks(config.HostMasks)
	return g
}

// SetMaxDelegationDepth changes the depth cap; values <= 0 restore the default.
func (g *LoaderGraph) SetMaxDelegationDepth(depth int) {
	if depth <= 0 {
		depth = DefaultMaxDelegationDepth
	}
	g.maxDepth.Store(int64(depth))
	g.epoch.Add(1)
}

// SetHostMasks replaces the host-wide mask patterns.
func (g *LoaderGraph) SetHostMasks(patterns []string) {
	p := append([]string(nil), patterns...)
	g.hostMasks.Store(&p)
	g.epoch.Add(1)
}

// HostSymbols returns the host's global table.
func (g *LoaderGraph) HostSymbols() SymbolTable {
	return g.host
}

// RegisterBuiltin attaches an in-process table to a plugin. It is consulted
// before the plugin's scripts and remote endpoint.
func (g *LoaderGraph) RegisterBuiltin(shortName string, table SymbolTable) {
	g.mu.Lock()
	g.builtins[shortName] = table
	loader := g.loaders[shortName]
	g.mu.Unlock()
	if loader != nil {
		loader.reset()
	}
	g.epoch.Add(1)
}

// Loader returns the loader of an installed plugin, creating it on first use.
func (g *LoaderGraph) Loader(shortName string) (*ModuleLoader, error) {
	if !g.registry.IsInstalled(shortName) {
		g.drop(shortName)
		return nil, NewPluginNotInstalledError(shortName)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.loaders[shortName]
	if !ok {
		l = &ModuleLoader{graph: g, name: shortName}
		g.loaders[shortName] = l
	}
	return l, nil
}

// Sweep closes loaders whose plugin is gone and resets those whose plugin was
// replaced on disk. Called after registry changes.
func (g *LoaderGraph) Sweep() {
	g.mu.Lock()
	loaders := make(map[string]*ModuleLoader, len(g.loaders))
	for k, v := range g.loaders {
		loaders[k] = v
	}
	g.mu.Unlock()

	for name, l := range loaders {
		p, ok := g.registry.Get(name)
		if !ok {
			g.drop(name)
			continue
		}
		if l.isStale(p) {
			l.reset()
		}
	}
}

// Close releases every loader's symbol table.
func (g *LoaderGraph) Close() error {
	g.mu.Lock()
	loaders := g.loaders
	g.loaders = make(map[string]*ModuleLoader)
	g.mu.Unlock()

	var firstErr error
	for _, l := range loaders {
		if err := l.reset(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (g *LoaderGraph) drop(shortName string) {
	g.mu.Lock()
	l := g.loaders[shortName]
	delete(g.loaders, shortName)
	g.mu.Unlock()
	if l != nil {
		if err := l.reset(); err != nil {
			g.logger.Warn("Failed to close symbol table", "plugin", shortName, "error", err)
		}
	}
}

// openLocal combines the builtin table, Lua scripts and remote endpoint.
func (g *LoaderGraph) openLocal(ctx context.Context, p *InstalledPlugin, resolver SymbolResolver) (SymbolTable, error) {
	var tables []SymbolTable

	g.mu.Lock()
	builtin := g.builtins[p.ShortName()]
	g.mu.Unlock()
	if builtin != nil {
		tables = append(tables, builtin)
	}

	if scripts := LuaScripts(p); len(scripts) > 0 {
		t, err := NewLuaSymbolTable(ctx, p.ShortName(), scripts, resolver)
		if err != nil {
			closeAll(tables)
			return nil, err
		}
		tables = append(tables, t)
	}

	if endpoint := p.Descriptor.SymbolEndpoint; endpoint != "" {
		t, err := DialSymbolTable(p.ShortName(), endpoint, g.rpcTimeout, g.dialOptions...)
		if err != nil {
			closeAll(tables)
			return nil, err
		}
		tables = append(tables, t.WithBreaker(g.breakerConfig))
	}

	if len(tables) == 0 {
		return emptySymbolTable{}, nil
	}
	return newCompositeSymbolTable(tables...), nil
}

func findRPCTable(t SymbolTable) *RPCSymbolTable {
	switch v := t.(type) {
	case *RPCSymbolTable:
		return v
	case *compositeSymbolTable:
		for _, inner := range v.tables {
			if rpc, ok := inner.(*RPCSymbolTable); ok {
				return rpc
			}
		}
	}
	return nil
}

func closeAll(tables []SymbolTable) {
	for _, t := range tables {
		_ = t.Close()
	}
}

// cacheStamp identifies the state a cached resolution was computed in.
type cacheStamp struct {
	registry uint64
	graph    uint64
}

type cachedSymbol struct {
	stamp  cacheStamp
	symbol Symbol
}

// ModuleLoader resolves names on behalf of one plugin.
type ModuleLoader struct {
	graph *LoaderGraph
	name  string

	mu         sync.Mutex
	table      SymbolTable
	descriptor *PluginDescriptor
	dir        string

	cache sync.Map // name -> cachedSymbol
}

// Name returns the short name of the plugin the loader serves.
func (l *ModuleLoader) Name() string {
	return l.name
}

// resolution carries per-call state: visited loaders and the depth reached.
type resolution struct {
	visited map[string]bool
	capped  bool
}

type openingKey struct{}

// Resolve finds a symbol for this plugin. A miss returns a LOADER_4001
// error, which callers should treat as "not present" rather than a fault.
func (l *ModuleLoader) Resolve(ctx context.Context, name string) (Symbol, error) {
	stamp := l.graph.stamp()
	if v, ok := l.cache.Load(name); ok {
		if c := v.(cachedSymbol); c.stamp == stamp {
			l.graph.metrics.ObserveResolution(resolutionCached)
			return c.symbol, nil
		}
	}

	p, ok := l.graph.registry.Get(l.name)
	if !ok {
		return Symbol{}, NewPluginNotInstalledError(l.name)
	}
	res := &resolution{visited: map[string]bool{l.name: true}}

	if sym, ok := l.lookupLocal(ctx, p, name); ok {
		return l.remember(name, stamp, sym), nil
	}
	if sym, ok := l.graph.delegate(ctx, p.Descriptor, name, res, 1); ok {
		return l.remember(name, stamp, sym), nil
	}
	if sym, ok := l.graph.lookupHost(ctx, p.Descriptor, name); ok {
		return l.remember(name, stamp, sym), nil
	}

	if res.capped {
		l.graph.logger.Debug("Delegation depth reached", "plugin", l.name, "symbol", name)
	}
	l.graph.metrics.ObserveResolution(resolutionMiss)
	return Symbol{}, NewSymbolNotFoundError(l.name, name)
}

// resolveDelegated serves import() from the plugin's own scripts: it skips
// the plugin's local table.
func (l *ModuleLoader) resolveDelegated(ctx context.Context, name string) (Symbol, error) {
	p, ok := l.graph.registry.Get(l.name)
	if !ok {
		return Symbol{}, NewPluginNotInstalledError(l.name)
	}
	res := &resolution{visited: map[string]bool{l.name: true}}
	if sym, ok := l.graph.delegate(ctx, p.Descriptor, name, res, 1); ok {
		return sym, nil
	}
	if sym, ok := l.graph.lookupHost(ctx, p.Descriptor, name); ok {
		return sym, nil
	}
	return Symbol{}, NewSymbolNotFoundError(l.name, name)
}

func (l *ModuleLoader) remember(name string, stamp cacheStamp, sym Symbol) Symbol {
	l.cache.Store(name, cachedSymbol{stamp: stamp, symbol: sym})
	l.graph.metrics.ObserveResolution(resolutionHit)
	return sym
}

// Resource returns the first file named resource, searching this plugin and
// then its dependencies in delegation order.
func (l *ModuleLoader) Resource(ctx context.Context, resource string) (string, error) {
	found, err := l.collectResources(ctx, resource, true)
	if err != nil {
		return "", err
	}
	if len(found) == 0 {
		return "", NewResourceNotFoundError(l.name, resource)
	}
	return found[0], nil
}

// Resources returns every file named resource in this plugin and all of its
// transitive dependencies, without duplicates.
func (l *ModuleLoader) Resources(ctx context.Context, resource string) ([]string, error) {
	return l.collectResources(ctx, resource, false)
}

func (l *ModuleLoader) collectResources(ctx context.Context, resource string, firstOnly bool) ([]string, error) {
	rel, ok := cleanResourceName(resource)
	if !ok {
		return nil, NewResourceNotFoundError(l.name, resource)
	}
	p, ok := l.graph.registry.Get(l.name)
	if !ok {
		return nil, NewPluginNotInstalledError(l.name)
	}

	var out []string
	seen := make(map[string]bool)
	res := &resolution{visited: map[string]bool{l.name: true}}
	add := func(path string) {
		if !seen[path] {
			seen[path] = true
			out = append(out, path)
		}
	}

	if path, ok := localResource(p, rel); ok {
		add(path)
		if firstOnly {
			return out, nil
		}
	}
	l.graph.walkDependencies(ctx, p.Descriptor, res, 1, func(dep *InstalledPlugin) bool {
		if path, ok := localResource(dep, rel); ok {
			add(path)
			return !firstOnly
		}
		return true
	})
	return out, nil
}

func (l *ModuleLoader) lookupLocal(ctx context.Context, p *InstalledPlugin, name string) (Symbol, bool) {
	table, err := l.localTable(ctx, p)
	if err != nil {
		l.graph.logger.Warn("Plugin symbol table unavailable", "plugin", l.name, "error", err)
		return Symbol{}, false
	}
	if table == nil {
		return Symbol{}, false
	}
	v, found, err := table.Lookup(ctx, name)
	if err != nil {
		l.graph.logger.Warn("Symbol lookup failed", "plugin", l.name, "symbol", name, "error", err)
		return Symbol{}, false
	}
	if !found {
		return Symbol{}, false
	}
	return Symbol{Name: name, Owner: l.name, Value: v}, true
}

// localTable opens the plugin's table on first use. The table is built
// without holding the loader lock, so scripts may import from plugins that
// import back; a table that is still being opened on this call path counts
// as empty.
func (l *ModuleLoader) localTable(ctx context.Context, p *InstalledPlugin) (SymbolTable, error) {
	l.mu.Lock()
	if l.table != nil && !l.isStaleLocked(p) {
		t := l.table
		l.mu.Unlock()
		return t, nil
	}
	l.mu.Unlock()

	opening, _ := ctx.Value(openingKey{}).(map[string]bool)
	if opening[l.name] {
		return nil, nil
	}
	next := make(map[string]bool, len(opening)+1)
	for k := range opening {
		next[k] = true
	}
	next[l.name] = true
	openCtx := context.WithValue(ctx, openingKey{}, next)

	table, err := l.graph.opener(openCtx, p, l.resolveDelegated)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.table != nil && !l.isStaleLocked(p) {
		// Another caller won the race.
		_ = table.Close()
		return l.table, nil
	}
	if l.table != nil {
		_ = l.table.Close()
	}
	l.table, l.descriptor, l.dir = table, p.Descriptor, p.ExplodedDir
	return table, nil
}

func (l *ModuleLoader) isStale(p *InstalledPlugin) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.table != nil && l.isStaleLocked(p)
}

func (l *ModuleLoader) isStaleLocked(p *InstalledPlugin) bool {
	return l.descriptor != p.Descriptor || l.dir != p.ExplodedDir
}

// reset closes the table; the next lookup reopens it.
func (l *ModuleLoader) reset() error {
	l.mu.Lock()
	t := l.table
	l.table, l.descriptor, l.dir = nil, nil, ""
	l.mu.Unlock()
	l.cache.Range(func(k, _ any) bool {
		l.cache.Delete(k)
		return true
	})
	if t != nil {
		return t.Close()
	}
	return nil
}

func (g *LoaderGraph) stamp() cacheStamp {
	return cacheStamp{registry: g.registry.Generation(), graph: g.epoch.Load()}
}

// delegate searches the dependencies of d, depth first in delegation order.
func (g *LoaderGraph) delegate(ctx context.Context, d *PluginDescriptor, name string, res *resolution, depth int) (Symbol, bool) {
	var hit Symbol
	var found bool
	g.walkDependencies(ctx, d, res, depth, func(dep *InstalledPlugin) bool {
		l, err := g.Loader(dep.ShortName())
		if err != nil {
			return true
		}
		if sym, ok := l.lookupLocal(ctx, dep, name); ok {
			hit, found = sym, true
			return false
		}
		return true
	})
	return hit, found
}

// walkDependencies visits enabled dependencies of d and, transitively,
// theirs. Absent and disabled dependencies are skipped. visit returns false
// to stop the walk.
func (g *LoaderGraph) walkDependencies(ctx context.Context, d *PluginDescriptor, res *resolution, depth int, visit func(*InstalledPlugin) bool) bool {
	if depth > int(g.maxDepth.Load()) {
		res.capped = true
		return true
	}
	for _, dep := range d.DelegationOrder() {
		if ctx.Err() != nil {
			return false
		}
		target := dep.TargetShortName
		if res.visited[target] {
			continue
		}
		res.visited[target] = true

		p, ok := g.registry.Get(target)
		if !ok || !p.Enabled {
			continue
		}
		if !visit(p) {
			return false
		}
		if !g.walkDependencies(ctx, p.Descriptor, res, depth+1, visit) {
			return false
		}
	}
	return true
}

// lookupHost consults host globals unless the requesting plugin masks name.
func (g *LoaderGraph) lookupHost(ctx context.Context, d *PluginDescriptor, name string) (Symbol, bool) {
	masks := NewMaskMatcher(d.MaskPatterns, *g.hostMasks.Load())
	if masks.Masks(name) {
		return Symbol{}, false
	}
	v, found, err := g.host.Lookup(ctx, name)
	if err != nil {
		g.logger.Warn("Host symbol lookup failed", "symbol", name, "error", err)
		return Symbol{}, false
	}
	if !found {
		return Symbol{}, false
	}
	return Symbol{Name: name, Owner: HostOwner, Value: v}, true
}

func localResource(p *InstalledPlugin, rel string) (string, bool) {
	dirs := []string{p.ResourceDir}
	if p.ExplodedDir != p.ResourceDir {
		dirs = append(dirs, p.ExplodedDir)
	}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		path := filepath.Join(dir, rel)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, true
		}
	}
	return "", false
}

// cleanResourceName rejects names escaping the plugin directory.
func cleanResourceName(resource string) (string, bool) {
	rel := filepath.Clean(filepath.FromSlash(strings.TrimPrefix(resource, "/")))
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", false
	}
	return rel, true
}

// LoaderStatus describes a live loader, for diagnostics.
type LoaderStatus struct {
	Plugin string   `json:"plugin"`
	Open   bool     `json:"open"`
	Cached []string `json:"cached,omitempty"`
	// Endpoint is set for plugins with an out-of-process symbol table.
	Endpoint *BreakerStats `json:"endpoint,omitempty"`
}

// Status lists the loaders created so far.
func (g *LoaderGraph) Status() []LoaderStatus {
	g.mu.Lock()
	loaders := make([]*ModuleLoader, 0, len(g.loaders))
	for _, l := range g.loaders {
		loaders = append(loaders, l)
	}
	g.mu.Unlock()

	out := make([]LoaderStatus, 0, len(loaders))
	for _, l := range loaders {
		l.mu.Lock()
		st := LoaderStatus{Plugin: l.name, Open: l.table != nil}
		if rpc := findRPCTable(l.table); rpc != nil {
			stats := rpc.Breaker().Stats()
			st.Endpoint = &stats
		}
		l.mu.Unlock()
		l.cache.Range(func(k, _ any) bool {
			st.Cached = append(st.Cached, k.(string))
			return true
		})
		sort.Strings(st.Cached)
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Plugin < out[j].Plugin })
	return out
}

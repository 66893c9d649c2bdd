// symbols.go: Named-capability symbol tables exported by plugins and the host
//
// Plugins never hand language-level objects to each other. Each plugin
// exposes a table that maps exported names to values, most of them callable
// factories, and loaders resolve names through these tables.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
)

// HostOwner is the owner reported for symbols provided by the host.
const HostOwner = "host"

// Symbol is a resolved exported name.
type Symbol struct {
	Name  string `json:"name"`
	Owner string `json:"owner"`
	Value any    `json:"-"`
}

// Call invokes the symbol if it is callable.
func (s Symbol) Call(ctx context.Context, args ...any) ([]any, error) {
	c, ok := s.Value.(Callable)
	if !ok {
		return nil, NewInvalidSymbolError(s.Owner, s.Name, fmt.Sprintf("%T is not callable", s.Value))
	}
	return c.Call(ctx, args...)
}

// Callable is a symbol value that can be invoked, such as an extension
// factory or a plugin's entry point.
type Callable interface {
	Call(ctx context.Context, args ...any) ([]any, error)
}

// CallableFunc adapts a Go function to Callable.
type CallableFunc func(ctx context.Context, args ...any) ([]any, error)

// Call implements Callable.
func (f CallableFunc) Call(ctx context.Context, args ...any) (out []any, err error) {
	defer recoverAsError(&err)
	return f(ctx, args...)
}

// SymbolTable is one source of exported symbols.
//
// Lookup reports found=false for names the table does not define; an error
// means the table itself could not be consulted.
type SymbolTable interface {
	Lookup(ctx context.Context, name string) (value any, found bool, err error)
	Close() error
}

// SymbolLister is implemented by tables that can enumerate their names.
type SymbolLister interface {
	SymbolNames(ctx context.Context) ([]string, error)
}

// StaticSymbolTable is an in-memory table for Go-native plugins and host globals.
type StaticSymbolTable struct {
	mu      sync.RWMutex
	symbols map[string]any
}

// NewStaticSymbolTable creates a table from an initial set of symbols.
func NewStaticSymbolTable(symbols map[string]any) *StaticSymbolTable {
	t := &StaticSymbolTable{symbols: make(map[string]any, len(symbols))}
	for k, v := range symbols {
		t.symbols[k] = v
	}
	return t
}

// Register adds or replaces a symbol.
func (t *StaticSymbolTable) Register(name string, value any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.symbols[name] = value
}

// Unregister removes a symbol.
func (t *StaticSymbolTable) Unregister(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.symbols, name)
}

// Lookup implements SymbolTable.
func (t *StaticSymbolTable) Lookup(_ context.Context, name string) (any, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.symbols[name]
	return v, ok, nil
}

// SymbolNames implements SymbolLister.
func (t *StaticSymbolTable) SymbolNames(context.Context) ([]string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.symbols))
	for name := range t.symbols {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Close implements SymbolTable.
func (t *StaticSymbolTable) Close() error { return nil }

// compositeSymbolTable consults its tables in order and returns the first hit.
type compositeSymbolTable struct {
	tables []SymbolTable
}

func newCompositeSymbolTable(tables ...SymbolTable) SymbolTable {
	if len(tables) == 1 {
		return tables[0]
	}
	return &compositeSymbolTable{tables: tables}
}

func (c *compositeSymbolTable) Lookup(ctx context.Context, name string) (any, bool, error) {
	var firstErr error
	for _, t := range c.tables {
		v, ok, err := t.Lookup(ctx, name)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ok {
			return v, true, nil
		}
	}
	return nil, false, firstErr
}

func (c *compositeSymbolTable) SymbolNames(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	for _, t := range c.tables {
		lister, ok := t.(SymbolLister)
		if !ok {
			continue
		}
		names, err := lister.SymbolNames(ctx)
		if err != nil {
			return nil, err
		}
		for _, n := range names {
			seen[n] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}

func (c *compositeSymbolTable) Close() error {
	var firstErr error
	for _, t := range c.tables {
		if err := t.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// emptySymbolTable defines nothing; used for plugins without code.
type emptySymbolTable struct{}

func (emptySymbolTable) Lookup(context.Context, string) (any, bool, error) { return nil, false, nil }
func (emptySymbolTable) Close() error                                      { return nil }

// MaskMatcher decides which host symbols are hidden from a plugin.
//
// Patterns ending in "." or "/" hide every name with that prefix; other
// patterns are shell globs ("com.example.*", "json?").
type MaskMatcher struct {
	patterns []string
}

// NewMaskMatcher builds a matcher from the given pattern lists.
func NewMaskMatcher(patternLists ...[]string) MaskMatcher {
	var patterns []string
	for _, list := range patternLists {
		for _, p := range list {
			if p = strings.TrimSpace(p); p != "" {
				patterns = append(patterns, p)
			}
		}
	}
	return MaskMatcher{patterns: patterns}
}

// Masks reports whether name is hidden.
func (m MaskMatcher) Masks(name string) bool {
	for _, p := range m.patterns {
		if strings.HasSuffix(p, ".") || strings.HasSuffix(p, "/") {
			if strings.HasPrefix(name, p) {
				return true
			}
			continue
		}
		if ok, err := path.Match(p, name); err == nil && ok {
			return true
		}
	}
	return false
}

// Empty reports whether the matcher hides nothing.
func (m MaskMatcher) Empty() bool {
	return len(m.patterns) == 0
}

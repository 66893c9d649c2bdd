// lua_symbols.go: Symbol tables backed by plugin Lua scripts
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"
)

// LuaLibDir is the directory inside an exploded plugin holding its scripts.
const LuaLibDir = "lib"

// SymbolResolver resolves a name through a plugin's loader, dependencies included.
type SymbolResolver func(ctx context.Context, name string) (Symbol, error)

// LuaSymbolTable exposes the globals defined by a plugin's Lua scripts.
//
// Scripts run once, in file name order, when the table is created. Every
// global they leave behind is an exported symbol; dotted names walk nested
// tables ("scm.checkout"). Scripts can reach symbols of other plugins and the
// host with the global function import(name), which resolves through the
// owning plugin's loader.
//
// Lookups read the state built at creation and never wait on running calls.
// An LState is not safe for concurrent use, so every call runs on an
// interpreter taken from a small pool; when the pool is empty a fresh one is
// built by running the scripts again. Globals written by a call are therefore
// local to the interpreter that ran it. A call chain that re-enters the same
// plugin fails instead of recursing without bound.
type LuaSymbolTable struct {
	owner    string
	scripts  []string
	resolver SymbolResolver

	mu      sync.Mutex
	catalog *lua.LState
	idle    []*lua.LState
	closed  bool
}

// luaIdleStates caps the interpreters kept for reuse per plugin.
const luaIdleStates = 4

type luaHeldKey struct{}

// NewLuaSymbolTable runs the scripts and returns the resulting table.
// resolver may be nil, in which case import() always fails. ctx is visible
// to import() calls made while the scripts run.
func NewLuaSymbolTable(ctx context.Context, owner string, scripts []string, resolver SymbolResolver) (*LuaSymbolTable, error) {
	t := &LuaSymbolTable{owner: owner, scripts: scripts, resolver: resolver}
	L, err := t.newState(ctx)
	if err != nil {
		return nil, err
	}
	t.catalog = L
	return t, nil
}

// newState builds an interpreter with the plugin's scripts loaded.
func (t *LuaSymbolTable) newState(ctx context.Context) (_ *lua.LState, err error) {
	L := lua.NewState()
	L.SetGlobal("import", L.NewFunction(t.importFunc(t.resolver)))
	L.SetGlobal("PLUGIN", lua.LString(t.owner))

	defer func() {
		if err != nil {
			L.Close()
		}
	}()
	defer recoverAsError(&err)

	if ctx != nil {
		L.SetContext(ctx)
		defer L.RemoveContext()
	}
	for _, script := range t.scripts {
		if err := L.DoFile(script); err != nil {
			return nil, NewSymbolSourceError(t.owner, "lua script "+filepath.Base(script)+" failed", err)
		}
	}
	return L, nil
}

// acquire hands out an idle interpreter or builds a new one. The lock is
// not held while scripts run, since they may import from this plugin.
func (t *LuaSymbolTable) acquire(ctx context.Context) (*lua.LState, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, NewSymbolSourceError(t.owner, "lua state closed", nil)
	}
	if n := len(t.idle); n > 0 {
		L := t.idle[n-1]
		t.idle = t.idle[:n-1]
		t.mu.Unlock()
		return L, nil
	}
	t.mu.Unlock()
	return t.newState(ctx)
}

func (t *LuaSymbolTable) release(L *lua.LState, broken bool) {
	t.mu.Lock()
	if !broken && !t.closed && len(t.idle) < luaIdleStates {
		t.idle = append(t.idle, L)
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	L.Close()
}

// LuaScripts lists the scripts of a plugin: lib/*.lua in the exploded
// directory, then any .lua files among its legacy library paths.
func LuaScripts(p *InstalledPlugin) []string {
	scripts, _ := filepath.Glob(filepath.Join(p.ExplodedDir, LuaLibDir, "*.lua"))
	sort.Strings(scripts)
	for _, lib := range p.LibraryPaths {
		info, err := os.Stat(lib)
		switch {
		case err != nil:
			continue
		case info.IsDir():
			more, _ := filepath.Glob(filepath.Join(lib, "*.lua"))
			sort.Strings(more)
			scripts = append(scripts, more...)
		case strings.HasSuffix(lib, ".lua"):
			scripts = append(scripts, lib)
		}
	}
	return scripts
}

// Lookup implements SymbolTable.
func (t *LuaSymbolTable) Lookup(_ context.Context, name string) (any, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, false, NewSymbolSourceError(t.owner, "lua state closed", nil)
	}

	v := luaGlobal(t.catalog, name)
	if v == lua.LNil {
		return nil, false, nil
	}
	if _, ok := v.(*lua.LFunction); ok {
		return &luaCallable{table: t, name: name}, true, nil
	}
	return fromLua(v), true, nil
}

// SymbolNames implements SymbolLister. Only top-level globals are listed;
// the standard library and underscore names are left out.
func (t *LuaSymbolTable) SymbolNames(context.Context) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, nil
	}
	var names []string
	t.catalog.G.Global.ForEach(func(k, _ lua.LValue) {
		if s, ok := k.(lua.LString); ok && !luaBuiltins[string(s)] && !strings.HasPrefix(string(s), "_") {
			names = append(names, string(s))
		}
	})
	sort.Strings(names)
	return names, nil
}

// Close implements SymbolTable. Interpreters busy with a call are closed
// when the call returns.
func (t *LuaSymbolTable) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.catalog.Close()
	for _, L := range t.idle {
		L.Close()
	}
	t.catalog, t.idle = nil, nil
	return nil
}

func luaGlobal(L *lua.LState, name string) lua.LValue {
	parts := strings.Split(name, ".")
	v := L.GetGlobal(parts[0])
	for _, part := range parts[1:] {
		tbl, ok := v.(*lua.LTable)
		if !ok {
			return lua.LNil
		}
		v = tbl.RawGetString(part)
	}
	return v
}

func (t *LuaSymbolTable) importFunc(resolver SymbolResolver) lua.LGFunction {
	return func(L *lua.LState) int {
		name := L.CheckString(1)
		if resolver == nil {
			L.RaiseError("import(%q): no resolver", name)
			return 0
		}
		ctx := L.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		sym, err := resolver(ctx, name)
		if err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		if c, ok := sym.Value.(Callable); ok {
			L.Push(L.NewFunction(foreignCall(c)))
			return 1
		}
		L.Push(toLua(L, sym.Value))
		return 1
	}
}

// foreignCall wraps a symbol from another table as a Lua function.
func foreignCall(c Callable) lua.LGFunction {
	return func(L *lua.LState) int {
		args := make([]any, 0, L.GetTop())
		for i := 1; i <= L.GetTop(); i++ {
			args = append(args, fromLua(L.Get(i)))
		}
		ctx := L.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		out, err := c.Call(ctx, args...)
		if err != nil {
			L.RaiseError("%s", err.Error())
			return 0
		}
		for _, v := range out {
			L.Push(toLua(L, v))
		}
		return len(out)
	}
}

// luaCallable is a Lua function exported as a symbol. It is looked up by
// name in whichever interpreter runs the call.
type luaCallable struct {
	table *LuaSymbolTable
	name  string
}

func (c *luaCallable) Call(ctx context.Context, args ...any) (out []any, err error) {
	if held, _ := ctx.Value(luaHeldKey{}).(map[*LuaSymbolTable]bool); held[c.table] {
		return nil, NewSymbolSourceError(c.table.owner, "re-entrant call into plugin scripts", nil)
	}
	ctx = withHeldTable(ctx, c.table)

	L, err := c.table.acquire(ctx)
	if err != nil {
		return nil, err
	}
	broken := true
	defer func() { c.table.release(L, broken) }()

	defer recoverAsError(&err)
	L.SetContext(ctx)
	defer L.RemoveContext()

	fn, ok := luaGlobal(L, c.name).(*lua.LFunction)
	if !ok {
		broken = false
		return nil, NewInvalidSymbolError(c.table.owner, c.name, "no longer a lua function")
	}

	top := L.GetTop()
	largs := make([]lua.LValue, len(args))
	for i, a := range args {
		largs[i] = toLua(L, a)
	}
	if err := L.CallByParam(lua.P{Fn: fn, NRet: lua.MultRet, Protect: true}, largs...); err != nil {
		L.SetTop(top)
		broken = false
		return nil, NewSymbolSourceError(c.table.owner, "lua call failed", err)
	}
	out = make([]any, 0, L.GetTop()-top)
	for i := top + 1; i <= L.GetTop(); i++ {
		out = append(out, fromLua(L.Get(i)))
	}
	L.SetTop(top)
	broken = false
	return out, nil
}

func withHeldTable(ctx context.Context, t *LuaSymbolTable) context.Context {
	prev, _ := ctx.Value(luaHeldKey{}).(map[*LuaSymbolTable]bool)
	held := make(map[*LuaSymbolTable]bool, len(prev)+1)
	for k := range prev {
		held[k] = true
	}
	held[t] = true
	return context.WithValue(ctx, luaHeldKey{}, held)
}

var luaBuiltins = map[string]bool{
	"_G": true, "_VERSION": true, "_GOPHER_LUA_VERSION": true, "PLUGIN": true, "import": true,
	"assert": true, "collectgarbage": true, "dofile": true, "error": true, "getfenv": true,
	"getmetatable": true, "ipairs": true, "load": true, "loadfile": true, "loadstring": true,
	"module": true, "newproxy": true, "next": true, "pairs": true, "pcall": true, "print": true,
	"rawequal": true, "rawget": true, "rawset": true, "require": true, "select": true,
	"setfenv": true, "setmetatable": true, "tonumber": true, "tostring": true, "type": true,
	"unpack": true, "xpcall": true, "coroutine": true, "debug": true, "io": true, "math": true,
	"os": true, "package": true, "string": true, "table": true, "channel": true,
}

// toLua converts plain Go values to Lua values.
func toLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case lua.LValue:
		return val
	case string:
		return lua.LString(val)
	case bool:
		return lua.LBool(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case []any:
		tbl := L.NewTable()
		for _, item := range val {
			tbl.Append(toLua(L, item))
		}
		return tbl
	case []string:
		tbl := L.NewTable()
		for _, item := range val {
			tbl.Append(lua.LString(item))
		}
		return tbl
	case map[string]any:
		tbl := L.NewTable()
		for k, item := range val {
			tbl.RawSetString(k, toLua(L, item))
		}
		return tbl
	case Callable:
		return L.NewFunction(foreignCall(val))
	default:
		return lua.LString(fmt.Sprint(val))
	}
}

// luaMaxTableDepth bounds how deep nested tables are converted.
const luaMaxTableDepth = 32

// fromLua converts Lua values to plain Go values. Tables with only a
// sequence part become []any, others map[string]any. A table that contains
// itself, or nests deeper than luaMaxTableDepth, is rendered by its Lua
// string form at the point of recursion.
func fromLua(v lua.LValue) any {
	return fromLuaValue(v, make(map[*lua.LTable]bool), 0)
}

func fromLuaValue(v lua.LValue, ancestors map[*lua.LTable]bool, depth int) any {
	switch val := v.(type) {
	case lua.LString:
		return string(val)
	case lua.LNumber:
		return float64(val)
	case lua.LBool:
		return bool(val)
	case *lua.LTable:
		if ancestors[val] || depth >= luaMaxTableDepth {
			return val.String()
		}
		ancestors[val] = true
		defer delete(ancestors, val)

		if n := val.Len(); n > 0 {
			isArray := true
			val.ForEach(func(k, _ lua.LValue) {
				if _, ok := k.(lua.LNumber); !ok {
					isArray = false
				}
			})
			if isArray {
				out := make([]any, 0, n)
				for i := 1; i <= n; i++ {
					out = append(out, fromLuaValue(val.RawGetInt(i), ancestors, depth+1))
				}
				return out
			}
		}
		out := make(map[string]any)
		val.ForEach(func(k, item lua.LValue) {
			out[k.String()] = fromLuaValue(item, ancestors, depth+1)
		})
		return out
	default:
		if v == lua.LNil {
			return nil
		}
		return v.String()
	}
}

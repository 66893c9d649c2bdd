// catalog.go: Remote plugin catalog with local caching and search
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/go-timecache"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Catalog document conventions.
const (
	catalogWrapperPrefix = "updateCenter.post("
	catalogWrapperSuffix = ");"

	// DefaultCatalogID names the cache file of the default catalog.
	DefaultCatalogID = "default"

	EntryTypeDisabled = "disabled"
	EntryTypeObsolete = "obsolete"
	EntryTypeOthers   = "others"

	// UncategorizedCategory is assigned to entries without labels.
	UncategorizedCategory = "Uncategorized"

	maxCatalogSize = 64 << 20

	catalogSchemaURL = "https://schemas.agilira.dev/pluginhost/catalog.schema.json"
)

// catalogSchema accepts any document with a plugins object whose entries
// carry at least a name, a version and a download url.
const catalogSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["plugins"],
  "properties": {
    "id": {"type": "string"},
    "plugins": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["name", "version", "url"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "version": {"type": "string"},
          "url": {"type": "string"},
          "labels": {"type": "array", "items": {"type": "string"}},
          "dependencies": {
            "type": "array",
            "items": {"type": "object", "required": ["name"]}
          }
        }
      }
    }
  }
}`

var compileCatalogSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(catalogSchema))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(catalogSchemaURL, doc); err != nil {
		return nil, err
	}
	return c.Compile(catalogSchemaURL)
})

// CatalogEntry is one installable plugin offered by the catalog.
type CatalogEntry struct {
	Name                   string            `json:"name" yaml:"name"`
	Version                string            `json:"version" yaml:"version"`
	DownloadURL            string            `json:"url" yaml:"url"`
	DisplayName            string            `json:"title,omitempty" yaml:"title,omitempty"`
	Description            string            `json:"excerpt,omitempty" yaml:"excerpt,omitempty"`
	Wiki                   string            `json:"wiki,omitempty" yaml:"wiki,omitempty"`
	RequiredHostVersion    string            `json:"required_host_version,omitempty" yaml:"required_host_version,omitempty"`
	CompatibleSinceVersion string            `json:"compatible_since_version,omitempty" yaml:"compatible_since_version,omitempty"`
	Type                   string            `json:"type" yaml:"type"`
	Categories             []string          `json:"categories" yaml:"categories"`
	Dependencies           map[string]string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	SHA256                 string            `json:"sha256,omitempty" yaml:"sha256,omitempty"`
	SHA512                 string            `json:"sha512,omitempty" yaml:"sha512,omitempty"`
}

// IsObsolete reports whether the entry is hidden from queries.
func (e *CatalogEntry) IsObsolete() bool {
	return strings.EqualFold(e.Type, EntryTypeObsolete)
}

// HasCategory matches categories case-insensitively.
func (e *CatalogEntry) HasCategory(category string) bool {
	for _, c := range e.Categories {
		if strings.EqualFold(c, category) {
			return true
		}
	}
	return false
}

// DependencyNames returns the required dependencies sorted by name.
func (e *CatalogEntry) DependencyNames() []string {
	names := make([]string, 0, len(e.Dependencies))
	for n := range e.Dependencies {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// CatalogSnapshot is an immutable parsed catalog.
type CatalogSnapshot struct {
	ID        string
	Source    string
	FetchedAt time.Time
	entries   map[string]*CatalogEntry // lower-cased name
}

// Len returns the number of entries.
func (s *CatalogSnapshot) Len() int {
	return len(s.entries)
}

// rawCatalog mirrors the wire document.
type rawCatalog struct {
	ID      string                     `json:"id"`
	Plugins map[string]rawCatalogEntry `json:"plugins"`
}

type rawCatalogEntry struct {
	Name                   string          `json:"name"`
	Version                string          `json:"version"`
	URL                    string          `json:"url"`
	Title                  string          `json:"title"`
	Excerpt                string          `json:"excerpt"`
	Wiki                   string          `json:"wiki"`
	RequiredCore           string          `json:"requiredCore"`
	CompatibleSinceVersion string          `json:"compatibleSinceVersion"`
	Type                   string          `json:"type"`
	Labels                 []string        `json:"labels"`
	Dependencies           []rawDependency `json:"dependencies"`
	SHA256                 string          `json:"sha256"`
	SHA512                 string          `json:"sha512"`
}

type rawDependency struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	Optional any    `json:"optional"`
}

func (d rawDependency) isOptional() bool {
	switch v := d.Optional.(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(v, "true")
	default:
		return false
	}
}

// CatalogConfig configures a CatalogManager.
type CatalogConfig struct {
	// ID names the catalog; the cache lives at <CacheDir>/updates/<ID>.json.
	ID       string
	CacheDir string
	Fetcher  Fetcher
	Metrics  *Metrics
}

// CatalogManager keeps the current catalog snapshot.
//
// Refresh is all-or-nothing: a fetch or parse failure leaves the previous
// snapshot in place, and readers only ever see complete snapshots.
type CatalogManager struct {
	config CatalogConfig
	logger Logger

	current   atomic.Pointer[CatalogSnapshot]
	refreshMu sync.Mutex
}

// NewCatalogManager creates an empty catalog manager.
func NewCatalogManager(config CatalogConfig, logger Logger) *CatalogManager {
	if config.ID == "" {
		config.ID = DefaultCatalogID
	}
	return &CatalogManager{config: config, logger: NewLogger(logger)}
}

// CachePath is the local cache file.
func (m *CatalogManager) CachePath() string {
	return filepath.Join(m.config.CacheDir, "updates", m.config.ID+".json")
}

// Snapshot returns the current catalog, or nil before the first load.
func (m *CatalogManager) Snapshot() *CatalogSnapshot {
	return m.current.Load()
}

// Refresh fetches the catalog from sourceURL, replaces the in-memory catalog
// and writes the unwrapped document to the cache file.
func (m *CatalogManager) Refresh(ctx context.Context, sourceURL string) (err error) {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()
	defer func() { m.config.Metrics.ObserveCatalogRefresh(err) }()

	raw, err := m.fetch(ctx, sourceURL)
	if err != nil {
		m.logger.Warn("Catalog unreachable", "url", sourceURL, "error", err)
		return err
	}
	doc := unwrapCatalog(raw, false)
	snap, err := parseCatalog(doc, sourceURL, m.config.ID)
	if err != nil {
		m.logger.Warn("Catalog rejected", "url", sourceURL, "error", err)
		return err
	}

	m.current.Store(snap)
	if err := m.writeCache(doc); err != nil {
		m.logger.Warn("Failed to cache catalog", "path", m.CachePath(), "error", err)
	}
	m.logger.Info("Catalog refreshed", "url", sourceURL, "entries", snap.Len())
	return nil
}

// LoadFromCache populates the catalog from the cache file without network access.
func (m *CatalogManager) LoadFromCache() error {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	path := m.CachePath()
	raw, err := os.ReadFile(path) // #nosec G304 -- cache path derived from configuration
	if err != nil {
		return NewCatalogNotCachedError(path)
	}
	snap, err := parseCatalog(unwrapCatalog(raw, false), path, m.config.ID)
	if err != nil {
		return err
	}
	m.current.Store(snap)
	return nil
}

// VerifySite checks that sourceURL serves a well-formed, wrapped catalog.
// It does not change the current catalog.
func (m *CatalogManager) VerifySite(ctx context.Context, sourceURL string) error {
	raw, err := m.fetch(ctx, sourceURL)
	if err != nil {
		return err
	}
	doc := unwrapCatalog(raw, true)
	if doc == nil {
		return NewCatalogInvalidFormatError(sourceURL, fmt.Errorf("missing %q wrapper", catalogWrapperPrefix))
	}
	_, err = parseCatalog(doc, sourceURL, m.config.ID)
	return err
}

func (m *CatalogManager) fetch(ctx context.Context, sourceURL string) ([]byte, error) {
	if m.config.Fetcher == nil {
		return nil, NewCatalogUnreachableError(sourceURL, fmt.Errorf("no fetcher configured"))
	}
	resp, err := m.config.Fetcher.Open(ctx, sourceURL)
	if err != nil {
		return nil, NewCatalogUnreachableError(sourceURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxCatalogSize))
	if err != nil {
		return nil, NewCatalogUnreachableError(sourceURL, err)
	}
	return raw, nil
}

func (m *CatalogManager) writeCache(doc []byte) error {
	path := m.CachePath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return NewCatalogCacheWriteError(path, err)
	}
	tmp := path + TempExtension
	if err := os.WriteFile(tmp, doc, 0o600); err != nil {
		return NewCatalogCacheWriteError(path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return NewCatalogCacheWriteError(path, err)
	}
	return nil
}

// unwrapCatalog strips the JS callback wrapper. With strict set, a document
// without the wrapper yields nil.
func unwrapCatalog(raw []byte, strict bool) []byte {
	doc := bytes.TrimSpace(raw)
	if bytes.HasPrefix(doc, []byte(catalogWrapperPrefix)) && bytes.HasSuffix(doc, []byte(catalogWrapperSuffix)) {
		return bytes.TrimSpace(doc[len(catalogWrapperPrefix) : len(doc)-len(catalogWrapperSuffix)])
	}
	if strict {
		return nil
	}
	return doc
}

// parseCatalog validates and parses an unwrapped catalog document.
func parseCatalog(doc []byte, source, defaultID string) (*CatalogSnapshot, error) {
	schema, err := compileCatalogSchema()
	if err != nil {
		return nil, NewCatalogInvalidFormatError(source, err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(doc))
	if err != nil {
		return nil, NewCatalogInvalidFormatError(source, err)
	}
	if err := schema.Validate(inst); err != nil {
		return nil, NewCatalogInvalidFormatError(source, err)
	}

	var rc rawCatalog
	if err := json.Unmarshal(doc, &rc); err != nil {
		return nil, NewCatalogInvalidFormatError(source, err)
	}

	snap := &CatalogSnapshot{
		ID:        firstNonEmpty(nullable(rc.ID), defaultID),
		Source:    source,
		FetchedAt: timecache.CachedTime(),
		entries:   make(map[string]*CatalogEntry, len(rc.Plugins)),
	}
	for _, re := range rc.Plugins {
		e := re.toEntry()
		if strings.EqualFold(e.Type, EntryTypeDisabled) {
			continue
		}
		snap.entries[strings.ToLower(e.Name)] = e
	}
	return snap, nil
}

func (re rawCatalogEntry) toEntry() *CatalogEntry {
	e := &CatalogEntry{
		Name:                   re.Name,
		Version:                nullable(re.Version),
		DownloadURL:            nullable(re.URL),
		DisplayName:            firstNonEmpty(nullable(re.Title), re.Name),
		Description:            nullable(re.Excerpt),
		Wiki:                   nullable(re.Wiki),
		RequiredHostVersion:    nullable(re.RequiredCore),
		CompatibleSinceVersion: nullable(re.CompatibleSinceVersion),
		Type:                   firstNonEmpty(nullable(re.Type), EntryTypeOthers),
		SHA256:                 nullable(re.SHA256),
		SHA512:                 nullable(re.SHA512),
		Dependencies:           make(map[string]string),
	}

	seen := make(map[string]bool)
	for _, label := range re.Labels {
		key := strings.ToLower(label)
		if label == "" || seen[key] {
			continue
		}
		seen[key] = true
		e.Categories = append(e.Categories, label)
	}
	if len(e.Categories) == 0 {
		e.Categories = []string{UncategorizedCategory}
	}

	for _, dep := range re.Dependencies {
		if dep.isOptional() || dep.Name == "" {
			continue
		}
		e.Dependencies[dep.Name] = nullable(dep.Version)
	}
	return e
}

// nullable treats the literal string "null" as absent.
func nullable(s string) string {
	if s == "null" {
		return ""
	}
	return s
}

// Get returns the entry with the given name, matched case-insensitively.
func (m *CatalogManager) Get(name string) (*CatalogEntry, bool) {
	snap := m.current.Load()
	if snap == nil {
		return nil, false
	}
	e, ok := snap.entries[strings.ToLower(name)]
	return e, ok
}

// Entries returns all entries, obsolete ones included, sorted by name.
func (m *CatalogManager) Entries() []*CatalogEntry {
	return m.filter(func(*CatalogEntry) bool { return true })
}

// Names returns the entry names sorted.
func (m *CatalogManager) Names() []string {
	entries := m.Entries()
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	return names
}

// Search matches pattern case-insensitively against the name and display
// name and, if includeDescription is set, the description. Obsolete entries
// are excluded.
func (m *CatalogManager) Search(pattern string, includeDescription bool) ([]*CatalogEntry, error) {
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, NewInvalidSearchPatternError(pattern, err)
	}
	return m.filter(func(e *CatalogEntry) bool {
		if e.IsObsolete() {
			return false
		}
		if re.MatchString(e.Name) || re.MatchString(e.DisplayName) {
			return true
		}
		return includeDescription && re.MatchString(e.Description)
	}), nil
}

// ByCategory returns non-obsolete entries carrying the category.
func (m *CatalogManager) ByCategory(category string) []*CatalogEntry {
	return m.filter(func(e *CatalogEntry) bool {
		return !e.IsObsolete() && e.HasCategory(category)
	})
}

// ByType returns non-obsolete entries of the given type.
func (m *CatalogManager) ByType(entryType string) []*CatalogEntry {
	return m.filter(func(e *CatalogEntry) bool {
		return !e.IsObsolete() && strings.EqualFold(e.Type, entryType)
	})
}

// ByTypeAndCategory combines ByType and ByCategory.
func (m *CatalogManager) ByTypeAndCategory(entryType, category string) []*CatalogEntry {
	return m.filter(func(e *CatalogEntry) bool {
		return !e.IsObsolete() && strings.EqualFold(e.Type, entryType) && e.HasCategory(category)
	})
}

// Categories returns the categories of non-obsolete entries, deduplicated
// case-insensitively and sorted.
func (m *CatalogManager) Categories() []string {
	seen := make(map[string]string)
	for _, e := range m.filter(func(e *CatalogEntry) bool { return !e.IsObsolete() }) {
		for _, c := range e.Categories {
			key := strings.ToLower(c)
			if _, ok := seen[key]; !ok {
				seen[key] = c
			}
		}
	}
	out := make([]string, 0, len(seen))
	for _, c := range seen {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return strings.ToLower(out[i]) < strings.ToLower(out[j]) })
	return out
}

func (m *CatalogManager) filter(keep func(*CatalogEntry) bool) []*CatalogEntry {
	snap := m.current.Load()
	if snap == nil {
		return nil
	}
	var out []*CatalogEntry
	for _, e := range snap.entries {
		if keep(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// CompatibilityWarnings lists reasons an install of entry may cause trouble.
// The host decides whether to proceed. installed may be nil.
func CompatibilityWarnings(entry *CatalogEntry, hostVersion string, installed *InstalledPlugin) []string {
	var warnings []string
	if entry.RequiredHostVersion != "" && hostVersion != "" &&
		CompareVersionStrings(hostVersion, entry.RequiredHostVersion) < 0 {
		warnings = append(warnings, fmt.Sprintf(
			"%s %s requires host version %s or newer (running %s)",
			entry.Name, entry.Version, entry.RequiredHostVersion, hostVersion))
	}
	if installed != nil && entry.CompatibleSinceVersion != "" &&
		installed.IsOlderThan(entry.CompatibleSinceVersion) {
		warnings = append(warnings, fmt.Sprintf(
			"%s %s is not compatible with settings of installed version %s (compatible since %s)",
			entry.Name, entry.Version, installed.Version(), entry.CompatibleSinceVersion))
	}
	return warnings
}

// DependencyWarnings reports installed dependencies that do not satisfy
// the entry's constraints.
func DependencyWarnings(entry *CatalogEntry, registry *Registry) []string {
	var warnings []string
	for _, name := range entry.DependencyNames() {
		constraint := entry.Dependencies[name]
		p, ok := registry.Get(name)
		if !ok {
			continue
		}
		if !CheckDependencyVersion(p.Version(), constraint) {
			warnings = append(warnings, fmt.Sprintf(
				"%s requires %s %s but %s is installed", entry.Name, name, constraint, p.Version()))
		}
	}
	return warnings
}

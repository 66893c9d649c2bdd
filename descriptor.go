// descriptor.go: Plugin descriptor parsing and serialization
//
// A plugin package embeds a flat key/value metadata block (a JAR-style
// manifest). This file turns that block into a PluginDescriptor and back.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"bufio"
	"bytes"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"
)

// Manifest attribute names understood by the parser.
const (
	AttrManifestVersion        = "Manifest-Version"
	AttrShortName              = "Short-Name"
	AttrExtensionName          = "Extension-Name"
	AttrLongName               = "Long-Name"
	AttrPluginVersion          = "Plugin-Version"
	AttrImplementationVersion  = "Implementation-Version"
	AttrHostVersion            = "Hudson-Version"
	AttrCompatibleSinceVersion = "Compatible-Since-Version"
	AttrURL                    = "Url"
	AttrDependencies           = "Plugin-Dependencies"
	AttrLibraries              = "Libraries"
	AttrClassPath              = "Class-Path"
	AttrMaskSymbols            = "Mask-Symbols"
	AttrMaskClasses            = "Mask-Classes"
	AttrEntrySymbol            = "Plugin-Entry"
	AttrSymbolEndpoint         = "Symbol-Endpoint"
	AttrResourcePath           = "Resource-Path"

	// optionalResolution marks a dependency entry as optional.
	optionalResolution = "resolution:=optional"

	manifestLineLimit = 72
)

// knownAttributes are mapped onto descriptor fields; everything else lands in Extra.
var knownAttributes = map[string]bool{
	strings.ToLower(AttrManifestVersion):        true,
	strings.ToLower(AttrShortName):              true,
	strings.ToLower(AttrExtensionName):          true,
	strings.ToLower(AttrLongName):               true,
	strings.ToLower(AttrPluginVersion):          true,
	strings.ToLower(AttrImplementationVersion):  true,
	strings.ToLower(AttrHostVersion):            true,
	strings.ToLower(AttrCompatibleSinceVersion): true,
	strings.ToLower(AttrURL):                    true,
	strings.ToLower(AttrDependencies):           true,
	strings.ToLower(AttrLibraries):              true,
	strings.ToLower(AttrClassPath):              true,
	strings.ToLower(AttrMaskSymbols):            true,
	strings.ToLower(AttrMaskClasses):            true,
	strings.ToLower(AttrEntrySymbol):            true,
	strings.ToLower(AttrSymbolEndpoint):         true,
	strings.ToLower(AttrResourcePath):           true,
}

// PluginDescriptor is the parsed, immutable metadata of a plugin package.
//
// ShortName is the stable identity of the plugin across upgrades. Dependencies
// keep their declared order; PathDependencies hold legacy file-path references
// from the Libraries/Class-Path attributes, which linked development plugins
// still use.
type PluginDescriptor struct {
	ShortName              string            `json:"short_name" yaml:"short_name"`
	LongName               string            `json:"long_name" yaml:"long_name"`
	Version                string            `json:"version" yaml:"version"`
	RequiredHostVersion    string            `json:"required_host_version,omitempty" yaml:"required_host_version,omitempty"`
	CompatibleSinceVersion string            `json:"compatible_since_version,omitempty" yaml:"compatible_since_version,omitempty"`
	URL                    string            `json:"url,omitempty" yaml:"url,omitempty"`
	Dependencies           []DependencySpec  `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	PathDependencies       []string          `json:"path_dependencies,omitempty" yaml:"path_dependencies,omitempty"`
	MaskPatterns           []string          `json:"mask_patterns,omitempty" yaml:"mask_patterns,omitempty"`
	EntrySymbol            string            `json:"entry_symbol,omitempty" yaml:"entry_symbol,omitempty"`
	SymbolEndpoint         string            `json:"symbol_endpoint,omitempty" yaml:"symbol_endpoint,omitempty"`
	ResourcePath           string            `json:"resource_path,omitempty" yaml:"resource_path,omitempty"`
	Extra                  map[string]string `json:"extra,omitempty" yaml:"extra,omitempty"`
}

// DependencySpec is one entry of a descriptor's dependency list.
type DependencySpec struct {
	TargetShortName string `json:"name" yaml:"name"`
	// VersionConstraint is informational; it only drives compatibility warnings.
	VersionConstraint string `json:"version" yaml:"version"`
	Optional          bool   `json:"optional,omitempty" yaml:"optional,omitempty"`
}

// String renders the dependency the way it appears in a manifest.
func (d DependencySpec) String() string {
	s := d.TargetShortName + ":" + d.VersionConstraint
	if d.Optional {
		s += ";" + optionalResolution
	}
	return s
}

// RequiredDependencies returns the required dependencies in declared order.
func (pd *PluginDescriptor) RequiredDependencies() []DependencySpec {
	return pd.filterDependencies(false)
}

// OptionalDependencies returns the optional dependencies in declared order.
func (pd *PluginDescriptor) OptionalDependencies() []DependencySpec {
	return pd.filterDependencies(true)
}

// DelegationOrder returns required dependencies first, then optional ones,
// each group in declared order. This is the order loaders consult.
func (pd *PluginDescriptor) DelegationOrder() []DependencySpec {
	out := pd.filterDependencies(false)
	return append(out, pd.filterDependencies(true)...)
}

func (pd *PluginDescriptor) filterDependencies(optional bool) []DependencySpec {
	out := make([]DependencySpec, 0, len(pd.Dependencies))
	for _, d := range pd.Dependencies {
		if d.Optional == optional {
			out = append(out, d)
		}
	}
	return out
}

// manifestAttributes is the main section of a manifest, keyed case-insensitively.
type manifestAttributes map[string]string

func (m manifestAttributes) get(name string) (string, bool) {
	v, ok := m[strings.ToLower(name)]
	return v, ok
}

func (m manifestAttributes) value(name string) string {
	v, _ := m.get(name)
	return v
}

// ParseDescriptor parses raw manifest bytes into a PluginDescriptor.
//
// artifactName is the file name of the plugin artifact; it supplies the short
// name when the manifest declares neither Short-Name nor Extension-Name.
func ParseDescriptor(raw []byte, artifactName string) (*PluginDescriptor, error) {
	attrs, names, err := parseManifest(raw)
	if err != nil {
		return nil, err
	}
	if len(attrs) == 0 {
		return nil, NewMissingMetadataBlockError(artifactName)
	}

	d := &PluginDescriptor{
		ShortName:              firstNonEmpty(attrs.value(AttrShortName), attrs.value(AttrExtensionName), baseName(artifactName)),
		Version:                firstNonEmpty(attrs.value(AttrPluginVersion), attrs.value(AttrImplementationVersion)),
		RequiredHostVersion:    attrs.value(AttrHostVersion),
		CompatibleSinceVersion: attrs.value(AttrCompatibleSinceVersion),
		URL:                    attrs.value(AttrURL),
		EntrySymbol:            attrs.value(AttrEntrySymbol),
		SymbolEndpoint:         attrs.value(AttrSymbolEndpoint),
		ResourcePath:           attrs.value(AttrResourcePath),
	}
	if d.ShortName == "" {
		return nil, NewMissingMetadataBlockError(artifactName)
	}
	d.LongName = firstNonEmpty(attrs.value(AttrLongName), d.ShortName)

	if v, ok := attrs.get(AttrDependencies); ok {
		deps, err := ParseDependencies(v)
		if err != nil {
			return nil, err
		}
		for _, dep := range deps {
			if dep.TargetShortName == d.ShortName {
				return nil, NewSelfDependencyError(d.ShortName)
			}
		}
		d.Dependencies = deps
	}

	d.PathDependencies = append(splitList(attrs.value(AttrLibraries), ","), splitFields(attrs.value(AttrClassPath))...)
	if len(d.PathDependencies) == 0 {
		d.PathDependencies = nil
	}
	d.MaskPatterns = append(splitFields(attrs.value(AttrMaskSymbols)), splitFields(attrs.value(AttrMaskClasses))...)
	if len(d.MaskPatterns) == 0 {
		d.MaskPatterns = nil
	}

	for _, name := range names {
		if knownAttributes[strings.ToLower(name)] {
			continue
		}
		if d.Extra == nil {
			d.Extra = make(map[string]string)
		}
		d.Extra[name] = attrs.value(name)
	}

	return d, nil
}

// ParseDependencies parses a Plugin-Dependencies value:
// comma separated entries of the form name:version[;resolution:=optional].
func ParseDependencies(value string) ([]DependencySpec, error) {
	var deps []DependencySpec
	for _, raw := range strings.Split(value, ",") {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		dep, err := parseDependency(entry)
		if err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}
	return deps, nil
}

func parseDependency(entry string) (DependencySpec, error) {
	segments := strings.Split(entry, ";")
	head := strings.TrimSpace(segments[0])
	idx := strings.Index(head, ":")
	if idx <= 0 {
		return DependencySpec{}, NewMalformedDependencyError(entry)
	}

	dep := DependencySpec{
		TargetShortName:   strings.TrimSpace(head[:idx]),
		VersionConstraint: strings.TrimSpace(head[idx+1:]),
	}
	for _, property := range segments[1:] {
		if strings.EqualFold(strings.TrimSpace(property), optionalResolution) {
			dep.Optional = true
		}
	}
	return dep, nil
}

// parseManifest reads the main section of a manifest. It returns the
// attributes and the attribute names in the order they appeared.
func parseManifest(raw []byte) (manifestAttributes, []string, error) {
	attrs := make(manifestAttributes)
	var names []string
	var current string

	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")
		if lineNo == 1 {
			line = strings.TrimPrefix(line, "\uFEFF")
		}

		if line == "" {
			if len(attrs) > 0 {
				break // end of the main section
			}
			continue
		}
		if line[0] == ' ' {
			if current == "" {
				return nil, nil, NewMalformedManifestError(lineNo, line)
			}
			attrs[current] += line[1:]
			continue
		}

		idx := strings.Index(line, ":")
		if idx <= 0 {
			return nil, nil, NewMalformedManifestError(lineNo, line)
		}
		name := strings.TrimSpace(line[:idx])
		key := strings.ToLower(name)
		if _, seen := attrs[key]; !seen {
			names = append(names, name)
		}
		attrs[key] = strings.TrimPrefix(line[idx+1:], " ")
		current = key
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, NewMalformedManifestError(lineNo, err.Error())
	}

	for k, v := range attrs {
		attrs[k] = strings.TrimSpace(v)
	}
	return attrs, names, nil
}

// SerializeDescriptor renders a descriptor as manifest bytes that
// ParseDescriptor reads back into an equal descriptor.
func SerializeDescriptor(d *PluginDescriptor) []byte {
	var buf bytes.Buffer
	writeManifestAttr(&buf, AttrManifestVersion, "1.0")
	writeManifestAttr(&buf, AttrShortName, d.ShortName)
	writeManifestAttr(&buf, AttrLongName, d.LongName)
	writeManifestAttr(&buf, AttrPluginVersion, d.Version)
	writeManifestAttr(&buf, AttrHostVersion, d.RequiredHostVersion)
	writeManifestAttr(&buf, AttrCompatibleSinceVersion, d.CompatibleSinceVersion)
	writeManifestAttr(&buf, AttrURL, d.URL)

	if len(d.Dependencies) > 0 {
		entries := make([]string, len(d.Dependencies))
		for i, dep := range d.Dependencies {
			entries[i] = dep.String()
		}
		writeManifestAttr(&buf, AttrDependencies, strings.Join(entries, ","))
	}
	writeManifestAttr(&buf, AttrLibraries, strings.Join(d.PathDependencies, ","))
	writeManifestAttr(&buf, AttrMaskSymbols, strings.Join(d.MaskPatterns, " "))
	writeManifestAttr(&buf, AttrEntrySymbol, d.EntrySymbol)
	writeManifestAttr(&buf, AttrSymbolEndpoint, d.SymbolEndpoint)
	writeManifestAttr(&buf, AttrResourcePath, d.ResourcePath)

	extra := make([]string, 0, len(d.Extra))
	for k := range d.Extra {
		extra = append(extra, k)
	}
	sort.Strings(extra)
	for _, k := range extra {
		writeManifestAttr(&buf, k, d.Extra[k])
	}
	return buf.Bytes()
}

// writeManifestAttr writes "Name: value", folding at 72 bytes with
// single-space continuation lines.
func writeManifestAttr(buf *bytes.Buffer, name, value string) {
	if value == "" {
		return
	}
	line := name + ": " + value
	limit := manifestLineLimit
	for len(line) > limit {
		cut := limit
		for cut > 0 && !utf8.RuneStart(line[cut]) {
			cut--
		}
		buf.WriteString(line[:cut])
		buf.WriteString("\r\n")
		line = " " + line[cut:]
	}
	buf.WriteString(line)
	buf.WriteString("\r\n")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// baseName strips directory and extension from an artifact file name.
func baseName(artifactName string) string {
	name := filepath.Base(artifactName)
	if name == "." || name == string(filepath.Separator) {
		return ""
	}
	if idx := strings.LastIndex(name, "."); idx > 0 {
		name = name[:idx]
	}
	return name
}

func splitList(value, sep string) []string {
	var out []string
	for _, part := range strings.Split(value, sep) {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// splitFields splits a legacy whitespace/comma separated list.
func splitFields(value string) []string {
	return strings.FieldsFunc(value, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\r' || r == '\n'
	})
}

// types.go: Common data types shared by the registry, loaders and installer
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"strings"
)

// On-disk naming conventions inside the plugins directory.
const (
	// ArchiveExtension is the packed plugin artifact extension.
	ArchiveExtension = ".hpi"
	// LegacyArchiveExtension is accepted for artifacts built by older tooling.
	LegacyArchiveExtension = ".jpi"
	// LinkExtension marks a linked (development mode) plugin pointer file.
	LinkExtension = ".hpl"
	// BackupExtension replaces the artifact extension for the previous version.
	BackupExtension = ".bak"
	// TempExtension is appended to the destination while a download is in flight.
	TempExtension = ".tmp"

	disabledMarkerSuffix = ".disabled"
	pinnedMarkerSuffix   = ".pinned"
	timestampMarker      = ".timestamp"
	manifestPath         = "META-INF/MANIFEST.MF"
)

// InstalledPlugin is one plugin found in the plugins directory.
//
// Values handed out by the registry are snapshots: they are never mutated
// after publication. State changes produce a new snapshot.
type InstalledPlugin struct {
	Descriptor *PluginDescriptor `json:"descriptor" yaml:"descriptor"`

	// ArchivePath is the packed artifact, the linked pointer file or the
	// exploded directory when the plugin was dropped in already expanded.
	ArchivePath string `json:"archive_path" yaml:"archive_path"`
	// ExplodedDir holds the plugin's code and resources.
	ExplodedDir string `json:"exploded_dir" yaml:"exploded_dir"`
	// ResourceDir is where resources are served from; it differs from
	// ExplodedDir only for linked plugins declaring Resource-Path.
	ResourceDir string `json:"resource_dir,omitempty" yaml:"resource_dir,omitempty"`
	// LibraryPaths are the resolved legacy path dependencies of linked plugins.
	LibraryPaths []string `json:"library_paths,omitempty" yaml:"library_paths,omitempty"`

	Enabled      bool `json:"enabled" yaml:"enabled"`
	Pinned       bool `json:"pinned" yaml:"pinned"`
	HasBackup    bool `json:"has_backup" yaml:"has_backup"`
	FailedToLoad bool `json:"failed_to_load,omitempty" yaml:"failed_to_load,omitempty"`
}

// ShortName returns the plugin's identity.
func (p *InstalledPlugin) ShortName() string {
	return p.Descriptor.ShortName
}

// Version returns the installed version string.
func (p *InstalledPlugin) Version() string {
	return p.Descriptor.Version
}

// IsLinked reports whether the plugin is a development-mode link.
func (p *InstalledPlugin) IsLinked() bool {
	return strings.HasSuffix(p.ArchivePath, LinkExtension)
}

// DisabledMarker is the file whose presence disables the plugin.
func (p *InstalledPlugin) DisabledMarker() string {
	return p.ArchivePath + disabledMarkerSuffix
}

// PinnedMarker is the file whose presence pins the plugin.
func (p *InstalledPlugin) PinnedMarker() string {
	return p.ArchivePath + pinnedMarkerSuffix
}

// BackupPath is the previous version kept for downgrade.
func (p *InstalledPlugin) BackupPath() string {
	return BackupPathFor(p.ArchivePath)
}

// IsOlderThan reports whether the installed version sorts before version.
// Unparsable installed versions count as older.
func (p *InstalledPlugin) IsOlderThan(version string) bool {
	return CompareVersionStrings(p.Version(), version) < 0
}

func (p *InstalledPlugin) clone() *InstalledPlugin {
	c := *p
	return &c
}

// BackupPathFor returns the backup location for an artifact: the artifact
// extension is replaced by ".bak" ("git.hpi" -> "git.bak").
func BackupPathFor(archivePath string) string {
	return changeExtension(archivePath, BackupExtension)
}

func changeExtension(path, ext string) string {
	slash := strings.LastIndexAny(path, `/\`)
	dot := strings.LastIndex(path, ".")
	if dot <= slash+1 {
		return path + ext
	}
	return path[:dot] + ext
}

// JobState is the state of an installation job.
type JobState int

const (
	JobPending JobState = iota
	JobDownloading
	JobInstalled
	JobFailedDownload
	JobFailedReplace
)

// String returns a human-readable representation of the job state.
func (s JobState) String() string {
	switch s {
	case JobPending:
		return "pending"
	case JobDownloading:
		return "downloading"
	case JobInstalled:
		return "installed"
	case JobFailedDownload:
		return "failed_download"
	case JobFailedReplace:
		return "failed_replace"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether the job has finished.
func (s JobState) IsTerminal() bool {
	return s == JobInstalled || s == JobFailedDownload || s == JobFailedReplace
}

// MarshalText renders the state name in JSON and YAML output.
func (s JobState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

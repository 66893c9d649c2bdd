// archive.go: Plugin artifact expansion and linked plugin resolution
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"archive/zip"
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ExpandedArtifact describes where a plugin's files live after expansion.
type ExpandedArtifact struct {
	// Dir holds the plugin's code and resources.
	Dir string
	// ManifestPath is the descriptor file to parse.
	ManifestPath string
	// ManifestName is the artifact name used as the short-name fallback.
	ManifestName string
	// ResourceDir is set for linked plugins declaring Resource-Path.
	ResourceDir string
	// LibraryPaths are legacy path dependencies resolved to existing files.
	LibraryPaths []string
	// Linked is true for development-mode link artifacts.
	Linked bool
}

// Expand produces the exploded working directory for a packed artifact.
//
// A directory archivePath is returned unchanged. Otherwise the archive is
// unpacked into destDir unless the freshness marker in destDir carries the
// archive's modification time, in which case the previous expansion is reused.
// Re-expansion always starts from an empty destDir.
func Expand(archivePath, destDir string) (string, error) {
	info, err := os.Stat(archivePath)
	if err != nil {
		return "", NewArchiveIOError(archivePath, "cannot stat archive", err)
	}
	if info.IsDir() {
		return archivePath, nil
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", NewArchiveIOError(destDir, "cannot create expansion directory", err)
	}

	marker := filepath.Join(destDir, timestampMarker)
	if isFresh(marker, info) {
		if err := requireManifest(destDir); err != nil {
			return "", err
		}
		return destDir, nil
	}

	if err := clearDirectory(destDir); err != nil {
		return "", NewArchiveIOError(destDir, "cannot clear expansion directory", err)
	}
	if err := unzip(archivePath, destDir); err != nil {
		return "", err
	}
	if err := requireManifest(destDir); err != nil {
		return "", err
	}
	if err := touch(marker, info); err != nil {
		return "", NewArchiveIOError(marker, "cannot write freshness marker", err)
	}
	return destDir, nil
}

// ExpandArtifact resolves any kind of plugin artifact: an exploded directory,
// a linked pointer file or a packed archive expanded under workDir.
func ExpandArtifact(archivePath, workDir string) (*ExpandedArtifact, error) {
	name := filepath.Base(archivePath)
	if strings.HasSuffix(archivePath, LinkExtension) {
		return resolveLink(archivePath)
	}

	dir, err := Expand(archivePath, filepath.Join(workDir, baseName(name)))
	if err != nil {
		return nil, err
	}
	manifest := filepath.Join(dir, filepath.FromSlash(manifestPath))
	if _, err := os.Stat(manifest); err != nil {
		return nil, NewMissingManifestError(manifest)
	}
	return &ExpandedArtifact{
		Dir:          dir,
		ManifestPath: manifest,
		ManifestName: name,
	}, nil
}

// resolveLink follows a linked plugin pointer file. Its first line is either
// a manifest header, meaning the file is the manifest, or a path to the real
// manifest relative to the link's directory.
func resolveLink(linkPath string) (*ExpandedArtifact, error) {
	firstLine, err := readFirstLine(linkPath)
	if err != nil {
		return nil, NewLinkResolutionError(linkPath, err)
	}

	base := filepath.Dir(linkPath)
	manifest := linkPath
	if !strings.HasPrefix(firstLine, AttrManifestVersion+":") {
		manifest = resolveRelative(base, firstLine)
	}
	raw, err := os.ReadFile(manifest)
	if err != nil {
		return nil, NewLinkResolutionError(linkPath, err)
	}
	attrs, _, err := parseManifest(raw)
	if err != nil {
		return nil, err
	}

	art := &ExpandedArtifact{
		Dir:          linkedPluginDir(manifest, base),
		ManifestPath: manifest,
		ManifestName: filepath.Base(linkPath),
		Linked:       true,
	}
	if rp := attrs.value(AttrResourcePath); rp != "" {
		art.ResourceDir = resolveRelative(base, rp)
	}

	paths := append(splitList(attrs.value(AttrLibraries), ","), splitFields(attrs.value(AttrClassPath))...)
	for _, p := range paths {
		resolved, err := resolveLibraryPath(base, p)
		if err != nil {
			return nil, NewLinkResolutionError(linkPath, err)
		}
		art.LibraryPaths = append(art.LibraryPaths, resolved...)
	}
	return art, nil
}

// linkedPluginDir picks the code directory of a linked plugin: the directory
// above META-INF when the manifest sits in one, otherwise the link's directory.
func linkedPluginDir(manifest, linkDir string) string {
	parent := filepath.Dir(manifest)
	if filepath.Base(parent) == "META-INF" {
		return filepath.Dir(parent)
	}
	return linkDir
}

// resolveLibraryPath expands glob entries; plain entries must exist.
func resolveLibraryPath(base, entry string) ([]string, error) {
	path := resolveRelative(base, entry)
	if strings.Contains(entry, "*") {
		matches, err := filepath.Glob(path)
		if err != nil {
			return nil, err
		}
		return matches, nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("no such library path %s: %w", path, err)
	}
	return []string{path}, nil
}

func resolveRelative(base, path string) string {
	path = filepath.FromSlash(strings.TrimSpace(path))
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}

func readFirstLine(path string) (string, error) {
	f, err := os.Open(path) // #nosec G304 -- path comes from the plugins directory listing
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	r := bufio.NewReader(f)
	line, err := r.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", fmt.Errorf("empty link file")
	}
	return line, nil
}

func requireManifest(dir string) error {
	manifest := filepath.Join(dir, filepath.FromSlash(manifestPath))
	if _, err := os.Stat(manifest); err != nil {
		return NewMissingManifestError(manifest)
	}
	return nil
}

// isFresh compares at millisecond precision; some filesystems drop the rest.
func isFresh(marker string, archive os.FileInfo) bool {
	info, err := os.Stat(marker)
	if err != nil {
		return false
	}
	return info.ModTime().UnixMilli() == archive.ModTime().UnixMilli()
}

func touch(marker string, archive os.FileInfo) error {
	if err := os.WriteFile(marker, nil, 0o600); err != nil {
		return err
	}
	return os.Chtimes(marker, archive.ModTime(), archive.ModTime())
}

func clearDirectory(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func unzip(archivePath, destDir string) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return NewArchiveCorruptError(archivePath, err)
	}
	defer func() { _ = zr.Close() }()

	root := filepath.Clean(destDir) + string(filepath.Separator)
	for _, f := range zr.File {
		target := filepath.Join(destDir, filepath.FromSlash(f.Name))
		if !strings.HasPrefix(target+string(filepath.Separator), root) || filepath.IsAbs(f.Name) {
			return NewArchiveTraversalError(f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return NewArchiveIOError(target, "cannot create directory", err)
			}
			continue
		}
		if err := extractFile(archivePath, f, target); err != nil {
			return err
		}
	}
	return nil
}

func extractFile(archivePath string, f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return NewArchiveIOError(target, "cannot create directory", err)
	}
	rc, err := f.Open()
	if err != nil {
		return NewArchiveCorruptError(archivePath, err)
	}
	defer func() { _ = rc.Close() }()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644) // #nosec G304 -- target checked against destDir
	if err != nil {
		return NewArchiveIOError(target, "cannot create file", err)
	}
	// #nosec G110 -- plugin archives come from the administrator's plugins directory
	if _, err := io.Copy(out, rc); err != nil {
		_ = out.Close()
		return NewArchiveCorruptError(archivePath, err)
	}
	if err := out.Close(); err != nil {
		return NewArchiveIOError(target, "cannot write file", err)
	}
	return nil
}

// ReadArchiveDescriptor parses the descriptor of a packed artifact in place,
// without expanding it. It also accepts exploded directories.
func ReadArchiveDescriptor(archivePath string) (*PluginDescriptor, error) {
	info, err := os.Stat(archivePath)
	if err != nil {
		return nil, NewArchiveIOError(archivePath, "cannot stat archive", err)
	}
	if info.IsDir() {
		raw, err := os.ReadFile(filepath.Join(archivePath, filepath.FromSlash(manifestPath))) // #nosec G304
		if err != nil {
			return nil, NewMissingManifestError(archivePath)
		}
		return ParseDescriptor(raw, filepath.Base(archivePath))
	}

	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, NewArchiveCorruptError(archivePath, err)
	}
	defer func() { _ = zr.Close() }()

	f, err := zr.Open(manifestPath)
	if err != nil {
		return nil, NewMissingManifestError(archivePath + "!/" + manifestPath)
	}
	defer func() { _ = f.Close() }()
	raw, err := io.ReadAll(f)
	if err != nil {
		return nil, NewArchiveCorruptError(archivePath, err)
	}
	return ParseDescriptor(raw, filepath.Base(archivePath))
}

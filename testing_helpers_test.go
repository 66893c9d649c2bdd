// testing_helpers_test.go: shared fixtures for building plugin artifacts in tests
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"archive/zip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// manifest renders "Key: Value" lines in the given order.
func manifest(pairs ...string) string {
	var b strings.Builder
	b.WriteString("Manifest-Version: 1.0\r\n")
	for i := 0; i+1 < len(pairs); i += 2 {
		b.WriteString(pairs[i])
		b.WriteString(": ")
		b.WriteString(pairs[i+1])
		b.WriteString("\r\n")
	}
	return b.String()
}

// pluginManifest is the common case: a short name, a version and optional
// Plugin-Dependencies.
func pluginManifest(shortName, version, deps string, extra ...string) string {
	pairs := []string{AttrShortName, shortName, AttrPluginVersion, version}
	if deps != "" {
		pairs = append(pairs, AttrDependencies, deps)
	}
	return manifest(append(pairs, extra...)...)
}

// writeArchive creates a zip artifact at path containing the manifest and
// the extra files (slash separated names).
func writeArchive(t *testing.T, path, manifestText string, files map[string]string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))

	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)

	w, err := zw.Create(manifestPath)
	require.NoError(t, err)
	_, err = w.Write([]byte(manifestText))
	require.NoError(t, err)

	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return path
}

// archiveBytes builds an artifact in memory-backed temp storage and returns
// its bytes, for download servers.
func archiveBytes(t *testing.T, manifestText string, files map[string]string) []byte {
	t.Helper()
	path := writeArchive(t, filepath.Join(t.TempDir(), "artifact.hpi"), manifestText, files)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}

// installPlugin drops a packed plugin into dir.
func installPlugin(t *testing.T, dir, shortName, version, deps string, files map[string]string, extra ...string) string {
	t.Helper()
	return writeArchive(t, filepath.Join(dir, shortName+ArchiveExtension),
		pluginManifest(shortName, version, deps, extra...), files)
}

// touchFile creates an empty file.
func touchFile(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, nil, 0o600))
}

// bumpMtime moves a file's modification time forward so that expansion
// freshness checks see it as changed.
func bumpMtime(t *testing.T, path string, by time.Duration) {
	t.Helper()
	info, err := os.Stat(path)
	require.NoError(t, err)
	mt := info.ModTime().Add(by)
	require.NoError(t, os.Chtimes(path, mt, mt))
}

// newScannedRegistry scans dir with a fresh registry.
func newScannedRegistry(t *testing.T, dir string, failures FailureTracker) *Registry {
	t.Helper()
	r := NewRegistry(RegistryConfig{PluginsDir: dir, Failures: failures}, NewTestLogger())
	_, err := r.Scan(t.Context())
	require.NoError(t, err)
	return r
}

// writeZip creates a zip with exactly the given entries.
func writeZip(t *testing.T, path string, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
}

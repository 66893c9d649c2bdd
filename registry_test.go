// registry_test.go: tests for the installed plugin registry
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_ScanToleratesBrokenPlugins(t *testing.T) {
	dir := t.TempDir()
	installPlugin(t, dir, "good", "1.0", "", nil)
	installPlugin(t, dir, "dependent", "2.0", "good:1.0", nil)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.hpi"), []byte("garbage"), 0o600))
	writeZip(t, filepath.Join(dir, "nomanifest.hpi"), map[string]string{"x": "y"})

	r := NewRegistry(RegistryConfig{PluginsDir: dir}, NewTestLogger())
	report, err := r.Scan(t.Context())
	require.NoError(t, err)

	assert.Equal(t, []string{"dependent", "good"}, report.Loaded)
	assert.Len(t, report.Failures, 2)
	assert.Equal(t, []string{"dependent", "good"}, r.Names())

	p, ok := r.Get("dependent")
	require.True(t, ok)
	assert.True(t, p.Enabled)
	assert.Equal(t, filepath.Join(dir, "dependent"), p.ExplodedDir)
}

func TestRegistry_ScanUnreadableDirectory(t *testing.T) {
	r := NewRegistry(RegistryConfig{PluginsDir: filepath.Join(t.TempDir(), "missing")}, nil)
	_, err := r.Scan(t.Context())
	assert.True(t, HasErrorCode(err, ErrCodePluginsDirUnreadable))
}

func TestRegistry_ArtifactPrecedence(t *testing.T) {
	dir := t.TempDir()
	installPlugin(t, dir, "dup", "2.0", "", nil)
	writeArchive(t, filepath.Join(dir, "dup"+LegacyArchiveExtension), pluginManifest("dup", "1.0", ""), nil)

	r := newScannedRegistry(t, dir, nil)
	p, ok := r.Get("dup")
	require.True(t, ok)
	assert.Equal(t, "2.0", p.Version(), ".hpi wins over .jpi")

	// The expansion directory of dup.hpi is not a plugin of its own.
	_, err := r.Scan(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []string{"dup"}, r.Names())
}

func TestRegistry_Markers(t *testing.T) {
	dir := t.TempDir()
	archive := installPlugin(t, dir, "p", "1.0", "", nil)
	r := newScannedRegistry(t, dir, nil)
	gen := r.Generation()

	require.NoError(t, r.SetEnabled("p", false))
	assert.FileExists(t, archive+disabledMarkerSuffix)
	p, _ := r.Get("p")
	assert.False(t, p.Enabled)
	assert.Greater(t, r.Generation(), gen)

	// Idempotent in both directions.
	require.NoError(t, r.SetEnabled("p", false))
	require.NoError(t, r.SetEnabled("p", true))
	require.NoError(t, r.SetEnabled("p", true))
	assert.NoFileExists(t, archive+disabledMarkerSuffix)
	p, _ = r.Get("p")
	assert.True(t, p.Enabled)

	require.NoError(t, r.SetPinned("p", true))
	p, _ = r.Get("p")
	assert.True(t, p.Pinned)

	// Markers survive a rescan.
	r2 := newScannedRegistry(t, dir, nil)
	p, _ = r2.Get("p")
	assert.True(t, p.Pinned)

	assert.True(t, HasErrorCode(r.SetEnabled("absent", true), ErrCodePluginNotInstalled))
}

func TestRegistry_FailureTracker(t *testing.T) {
	dir := t.TempDir()
	installPlugin(t, dir, "flaky", "1.0", "", nil)
	tracker := NewMemoryFailureTracker()
	r := newScannedRegistry(t, dir, tracker)

	assert.False(t, r.IsFailedToLoad("flaky"))
	r.ReportLoadFailure("flaky", errors.New("boom"))

	assert.True(t, r.IsFailedToLoad("flaky"))
	p, _ := r.Get("flaky")
	assert.True(t, p.FailedToLoad)
	assert.False(t, p.Enabled, "a plugin that failed to load is not enabled")
	assert.EqualError(t, tracker.Failure("flaky"), "boom")

	tracker.Clear("flaky")
	_, err := r.Refresh(p.ArchivePath)
	require.NoError(t, err)
	p, _ = r.Get("flaky")
	assert.True(t, p.Enabled)
}

func TestRegistry_RemoveAndBackup(t *testing.T) {
	dir := t.TempDir()
	archive := installPlugin(t, dir, "old", "2.0", "", nil)
	writeArchive(t, BackupPathFor(archive), pluginManifest("old", "1.0", ""), nil)
	r := newScannedRegistry(t, dir, nil)
	require.NoError(t, r.SetPinned("old", true))

	p, _ := r.Get("old")
	assert.True(t, p.HasBackup)
	v, err := r.BackupVersion("old")
	require.NoError(t, err)
	assert.Equal(t, "1.0", v)

	require.NoError(t, r.Remove("old"))
	assert.False(t, r.IsInstalled("old"))
	for _, path := range []string{archive, BackupPathFor(archive), archive + pinnedMarkerSuffix} {
		assert.NoFileExists(t, path)
	}
	assert.NoDirExists(t, filepath.Join(dir, "old"))
	assert.True(t, HasErrorCode(r.Remove("old"), ErrCodePluginNotInstalled))
}

func TestRegistry_ConcurrentReadersDuringScan(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a", "b", "c"} {
		installPlugin(t, dir, name, "1.0", "", nil)
	}
	r := newScannedRegistry(t, dir, nil)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				for _, p := range r.List() {
					_ = p.Version()
				}
			}
		}()
	}
	for i := 0; i < 5; i++ {
		_, err := r.Scan(t.Context())
		require.NoError(t, err)
	}
	wg.Wait()
	assert.Len(t, r.List(), 3)
}

func TestRegistry_TogglesDuringScanAreNotLost(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a", "b", "c", "d"} {
		installPlugin(t, dir, name, "1.0", "", nil)
	}
	r := newScannedRegistry(t, dir, nil)

	for i := 0; i < 20; i++ {
		enabled := i%2 == 1
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := r.Scan(t.Context())
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, r.SetEnabled("c", enabled))
			assert.NoError(t, r.SetPinned("c", !enabled))
		}()
		wg.Wait()

		p, ok := r.Get("c")
		require.True(t, ok)
		assert.Equal(t, enabled, p.Enabled, "round %d", i)
		assert.Equal(t, !enabled, p.Pinned, "round %d", i)
		assert.Equal(t, !enabled, fileExists(p.DisabledMarker()))
	}
}

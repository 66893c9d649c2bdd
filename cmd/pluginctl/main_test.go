// main_test.go: end-to-end tests for pluginctl commands
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/agilira/go-pluginhost"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writePlugin writes a minimal packed plugin to path.
func writePlugin(t *testing.T, path, name, version string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	w, err := zw.Create("META-INF/MANIFEST.MF")
	require.NoError(t, err)
	_, err = fmt.Fprintf(w, "Manifest-Version: 1.0\r\n%s: %s\r\n%s: %s\r\n",
		pluginhost.AttrShortName, name, pluginhost.AttrPluginVersion, version)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
}

type fixture struct {
	home       string
	catalogURL string
}

// newFixture prepares a home with one installed plugin and a file catalog
// offering an update for it plus one new plugin.
func newFixture(t *testing.T) fixture {
	t.Helper()
	home := t.TempDir()
	writePlugin(t, filepath.Join(home, "plugins", "git.hpi"), "git", "1.0")

	artifacts := t.TempDir()
	gitURL := "file://" + filepath.ToSlash(filepath.Join(artifacts, "git.hpi"))
	monitorURL := "file://" + filepath.ToSlash(filepath.Join(artifacts, "build-monitor.hpi"))
	writePlugin(t, filepath.Join(artifacts, "git.hpi"), "git", "2.0")
	writePlugin(t, filepath.Join(artifacts, "build-monitor.hpi"), "build-monitor", "1.2")

	doc := map[string]any{
		"id": "default",
		"plugins": map[string]any{
			"git":           map[string]any{"name": "git", "version": "2.0", "url": gitURL, "title": "Git", "labels": []string{"scm"}},
			"build-monitor": map[string]any{"name": "build-monitor", "version": "1.2", "url": monitorURL, "title": "Build Monitor"},
		},
	}
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	catalogFile := filepath.Join(artifacts, "update-center.json")
	require.NoError(t, os.WriteFile(catalogFile, data, 0o600))

	return fixture{home: home, catalogURL: "file://" + filepath.ToSlash(catalogFile)}
}

func (f fixture) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--home", f.home, "--catalog-url", f.catalogURL}, args...))
	err := cmd.ExecuteContext(t.Context())
	return out.String(), err
}

func TestList(t *testing.T) {
	f := newFixture(t)

	out, err := f.run(t, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "git")

	out, err = f.run(t, "list", "-o", "json")
	require.NoError(t, err)
	var views []pluginView
	require.NoError(t, json.Unmarshal([]byte(out), &views))
	require.Len(t, views, 1)
	assert.Equal(t, "git", views[0].Name)
	assert.True(t, views[0].Enabled)

	_, err = f.run(t, "list", "-o", "xml")
	assert.Error(t, err)
}

func TestCatalogAndSearch(t *testing.T) {
	f := newFixture(t)

	out, err := f.run(t, "catalog", "refresh")
	require.NoError(t, err)
	assert.Contains(t, out, "2 plugins")
	assert.FileExists(t, filepath.Join(f.home, "updates", "default.json"))

	out, err = f.run(t, "catalog", "show", "--category", "scm", "-o", "json")
	require.NoError(t, err)
	var entries []pluginhost.CatalogEntry
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "git", entries[0].Name)

	out, err = f.run(t, "search", "monitor", "-o", "yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "name: build-monitor")

	_, err = f.run(t, "search", "([")
	assert.True(t, pluginhost.HasErrorCode(err, pluginhost.ErrCodeInvalidSearchPattern))
}

func TestInstallUpdateAndDowngrade(t *testing.T) {
	f := newFixture(t)

	out, err := f.run(t, "updates", "-o", "json")
	require.NoError(t, err)
	assert.Contains(t, out, `"plugin": "git"`)

	out, err = f.run(t, "install", "git", "build-monitor")
	require.NoError(t, err)
	assert.Contains(t, out, "installed")

	out, err = f.run(t, "list", "-o", "json")
	require.NoError(t, err)
	var views []pluginView
	require.NoError(t, json.Unmarshal([]byte(out), &views))
	require.Len(t, views, 2)
	assert.Equal(t, "build-monitor", views[0].Name)
	assert.Equal(t, "2.0", views[1].Version)
	assert.True(t, views[1].Backup)

	_, err = f.run(t, "downgrade", "git")
	require.NoError(t, err)
	out, err = f.run(t, "list", "-o", "json")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &views))
	assert.Equal(t, "1.0", views[1].Version)
}

func TestToggleCommands(t *testing.T) {
	f := newFixture(t)

	out, err := f.run(t, "disable", "git")
	require.NoError(t, err)
	assert.Equal(t, "git: disable done\n", out)
	assert.FileExists(t, filepath.Join(f.home, "plugins", "git.hpi.disabled"))

	_, err = f.run(t, "pin", "git")
	require.NoError(t, err)
	out, err = f.run(t, "list", "-o", "json")
	require.NoError(t, err)
	var views []pluginView
	require.NoError(t, json.Unmarshal([]byte(out), &views))
	assert.False(t, views[0].Enabled)
	assert.True(t, views[0].Pinned)

	_, err = f.run(t, "enable", "missing")
	assert.True(t, pluginhost.HasErrorCode(err, pluginhost.ErrCodePluginNotInstalled))

	_, err = f.run(t, "uninstall", "git")
	require.NoError(t, err)
	assert.NoFileExists(t, filepath.Join(f.home, "plugins", "git.hpi"))
}

func TestResolveMissingSymbol(t *testing.T) {
	f := newFixture(t)
	_, err := f.run(t, "resolve", "git", "nothing")
	assert.True(t, pluginhost.HasErrorCode(err, pluginhost.ErrCodeSymbolNotFound))
}

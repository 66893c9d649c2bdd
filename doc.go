// doc.go: Package documentation for go-pluginhost
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

/*
Package pluginhost is the plugin subsystem of a CI server: it finds the
plugins installed on disk, gives each one an isolated module loader that can
see its dependencies, and keeps them up to date from a remote catalog.

# Overview

A plugin is shipped as a packed artifact ("git.hpi", or the legacy
"git.jpi") carrying a manifest at META-INF/MANIFEST.MF. The manifest names
the plugin, its version and its dependencies:

	Manifest-Version: 1.0
	Short-Name: git
	Plugin-Version: 4.2
	Plugin-Dependencies: scm-api:2.0,credentials:1.9;resolution:=optional
	Plugin-Entry: start

During development a plugin can be linked instead of packed: "git.hpl" is
either a manifest itself or holds the path of one.

# Components

  - ParseDescriptor turns manifest text into a PluginDescriptor.
  - Expand and ExpandArtifact unpack archives into a working directory,
    reusing a previous expansion while the archive is unchanged.
  - Registry indexes the plugins directory and the disable, pin and backup
    markers next to each artifact. Readers get immutable snapshots.
  - LoaderGraph hands out one ModuleLoader per plugin. A loader resolves a
    symbol in the plugin itself, then in its dependencies (required before
    optional), then in the host's globals unless the plugin masks the name.
    Symbols come from in-process tables, Lua scripts under lib/ or a gRPC
    SymbolServer named by Symbol-Endpoint.
  - CatalogManager downloads, validates, caches and searches the catalog.
  - InstallJob and JobQueue download artifacts, check length and digest and
    swap them in with a backup of the previous version.
  - PluginSystem wires all of the above for a host, and ConfigWatcher
    reloads its configuration through Argus.

# Quick start

	config := pluginhost.DefaultSystemConfig()
	sys, err := pluginhost.NewPluginSystem(config, pluginhost.NewHCLogger("host", "info", os.Stderr))
	if err != nil {
	    return err
	}
	defer sys.Close()

	if _, err := sys.Scan(ctx); err != nil {
	    return err
	}
	for name, err := range sys.StartAll(ctx) {
	    log.Printf("%s failed to start: %v", name, err)
	}

	jobs, err := sys.Install(ctx, "build-monitor")
	if err != nil {
	    return err
	}
	_ = sys.Jobs().Wait()
	for _, j := range jobs {
	    fmt.Println(j.Status().Plugin, j.State())
	}

# Errors

Errors carry codes from github.com/agilira/go-errors and can be tested with
HasErrorCode. A symbol that cannot be found yields ErrCodeSymbolNotFound,
which callers treat as "not present" rather than as a fault.
*/
package pluginhost

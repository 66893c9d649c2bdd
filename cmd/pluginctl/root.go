// root.go: Global flags and plugin system setup for pluginctl
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"fmt"
	"path/filepath"

	"github.com/agilira/go-pluginhost"
	"github.com/spf13/cobra"
)

const (
	flagHome       = "home"
	flagConfig     = "config"
	flagCatalogURL = "catalog-url"
	flagDebug      = "debug"
	flagOutput     = "output"
)

// cli carries the state shared by all commands of one invocation.
type cli struct {
	home       string
	configPath string
	catalogURL string
	debug      bool
	output     string

	sys *pluginhost.PluginSystem
}

func newRootCommand() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "pluginctl",
		Short:         "Manage installed plugins and the plugin catalog",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.open(cmd)
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			return c.close()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&c.home, flagHome, "", "plugin host home directory (default $"+pluginhost.HomeEnv+" or ~/.pluginhost)")
	flags.StringVar(&c.configPath, flagConfig, "", "configuration file (json, yaml, toml, ...)")
	flags.StringVar(&c.catalogURL, flagCatalogURL, "", "catalog URL overriding the configuration")
	flags.BoolVar(&c.debug, flagDebug, false, "enable debug logging")
	flags.StringVarP(&c.output, flagOutput, "o", "table", "output format: table, json or yaml")

	root.AddCommand(
		newListCommand(c),
		newSearchCommand(c),
		newCatalogCommand(c),
		newInstallCommand(c),
		newUpdatesCommand(c),
		newToggleCommand(c, "enable", "Enable a plugin", (*pluginhost.PluginSystem).Enable),
		newToggleCommand(c, "disable", "Disable a plugin", (*pluginhost.PluginSystem).Disable),
		newToggleCommand(c, "pin", "Exempt a plugin from updates", (*pluginhost.PluginSystem).Pin),
		newToggleCommand(c, "unpin", "Allow updates of a pinned plugin", (*pluginhost.PluginSystem).Unpin),
		newToggleCommand(c, "downgrade", "Restore the previous version of a plugin", (*pluginhost.PluginSystem).Downgrade),
		newToggleCommand(c, "uninstall", "Remove a plugin", (*pluginhost.PluginSystem).Uninstall),
		newResolveCommand(c),
	)
	return root
}

func (c *cli) loadConfig() (pluginhost.SystemConfig, error) {
	var config pluginhost.SystemConfig
	if c.configPath != "" {
		loaded, err := pluginhost.LoadConfigFromFile(c.configPath)
		if err != nil {
			return config, err
		}
		config = loaded
	} else {
		config = pluginhost.DefaultSystemConfig()
	}
	if c.home != "" {
		config.PluginsDir = filepath.Join(c.home, "plugins")
		config.CacheDir = c.home
		config.WorkDir = ""
		if config.Audit.Enabled {
			config.Audit.File = filepath.Join(c.home, pluginhost.DefaultAuditFile)
		}
	}
	if c.catalogURL != "" {
		config.CatalogURL = c.catalogURL
	}
	return config, nil
}

func (c *cli) open(cmd *cobra.Command) error {
	switch c.output {
	case "table", "json", "yaml":
	default:
		return fmt.Errorf("unsupported output format %q", c.output)
	}
	config, err := c.loadConfig()
	if err != nil {
		return err
	}

	level := "warn"
	if c.debug {
		level = "debug"
	}
	logger := pluginhost.NewHCLogger("pluginctl", level, cmd.ErrOrStderr())

	sys, err := pluginhost.NewPluginSystem(config, logger)
	if err != nil {
		return err
	}
	c.sys = sys
	if _, err := sys.Scan(cmd.Context()); err != nil && !pluginhost.HasErrorCode(err, pluginhost.ErrCodePluginsDirUnreadable) {
		return err
	}
	return nil
}

func (c *cli) close() error {
	if c.sys == nil {
		return nil
	}
	return c.sys.Close()
}

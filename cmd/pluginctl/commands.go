// commands.go: pluginctl subcommands
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"errors"
	"fmt"

	"github.com/agilira/go-pluginhost"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func newListCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List installed plugins",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			views, rows := viewPlugins(c.sys.Registry().List())
			return render(cmd.OutOrStdout(), c.output, views, pluginHeader, rows)
		},
	}
}

func newSearchCommand(c *cli) *cobra.Command {
	var withDescription bool
	cmd := &cobra.Command{
		Use:   "search <regex>",
		Short: "Search the catalog by name and title (case-insensitive)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.sys.EnsureCatalog(cmd.Context()); err != nil {
				return err
			}
			entries, err := c.sys.Catalog().Search(args[0], withDescription)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), c.output, entries, entryHeader, entryRows(entries))
		},
	}
	cmd.Flags().BoolVar(&withDescription, "description", false, "also match descriptions")
	return cmd
}

func newCatalogCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect or refresh the plugin catalog",
	}

	refresh := &cobra.Command{
		Use:   "refresh",
		Short: "Download the catalog and update the local cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.sys.RefreshCatalog(cmd.Context()); err != nil {
				return err
			}
			snap := c.sys.Catalog().Snapshot()
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "catalog %s refreshed from %s: %d plugins\n", snap.ID, snap.Source, snap.Len())
			return err
		},
	}

	var category, entryType string
	show := &cobra.Command{
		Use:   "show",
		Short: "List catalog entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.sys.EnsureCatalog(cmd.Context()); err != nil {
				return err
			}
			catalog := c.sys.Catalog()
			var entries []*pluginhost.CatalogEntry
			switch {
			case category != "" && entryType != "":
				entries = catalog.ByTypeAndCategory(entryType, category)
			case category != "":
				entries = catalog.ByCategory(category)
			case entryType != "":
				entries = catalog.ByType(entryType)
			default:
				entries = catalog.Entries()
			}
			return render(cmd.OutOrStdout(), c.output, entries, entryHeader, entryRows(entries))
		},
	}
	show.Flags().StringVar(&category, "category", "", "only entries in this category")
	show.Flags().StringVar(&entryType, "type", "", "only entries of this type")

	cmd.AddCommand(refresh, show)
	return cmd
}

func newInstallCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "install <name>...",
		Short: "Install or update plugins and their missing dependencies",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := c.sys.Install(cmd.Context(), args...)
			if waitErr := c.sys.Jobs().Wait(); waitErr != nil && err == nil {
				err = waitErr
			}

			statuses := make([]pluginhost.JobStatus, 0, len(jobs))
			rows := make([]table.Row, 0, len(jobs))
			var failed []error
			for _, j := range jobs {
				s := j.Status()
				statuses = append(statuses, s)
				rows = append(rows, table.Row{s.Plugin, s.Version, s.State.String(), s.Bytes, s.Error})
				if !s.Succeeded() {
					failed = append(failed, fmt.Errorf("%s: %s", s.Plugin, s.Error))
				}
			}
			if renderErr := render(cmd.OutOrStdout(), c.output, statuses,
				table.Row{"PLUGIN", "VERSION", "STATE", "BYTES", "ERROR"}, rows); renderErr != nil {
				return renderErr
			}
			if err != nil {
				return err
			}
			return errors.Join(failed...)
		},
	}
}

func newUpdatesCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "updates",
		Short: "List installed plugins with a newer catalog version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.sys.EnsureCatalog(cmd.Context()); err != nil {
				return err
			}
			updates := c.sys.Updates()
			hostVersion := c.sys.Config().HostVersion
			rows := make([]table.Row, 0, len(updates))
			for _, u := range updates {
				installed, _ := c.sys.Registry().Get(u.Plugin)
				warnings := pluginhost.CompatibilityWarnings(u.Entry, hostVersion, installed)
				note := ""
				if len(warnings) > 0 {
					note = warnings[0]
				}
				rows = append(rows, table.Row{u.Plugin, u.InstalledVersion, u.Entry.Version, note})
			}
			return render(cmd.OutOrStdout(), c.output, updates,
				table.Row{"PLUGIN", "INSTALLED", "AVAILABLE", "WARNING"}, rows)
		},
	}
}

// newToggleCommand builds the single-plugin administration commands.
func newToggleCommand(c *cli, use, short string, action func(*pluginhost.PluginSystem, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <name>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := action(c.sys, args[0]); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s: %s done\n", args[0], use)
			return err
		},
	}
}

type resolution struct {
	Plugin string `json:"plugin" yaml:"plugin"`
	Symbol string `json:"symbol" yaml:"symbol"`
	Owner  string `json:"owner" yaml:"owner"`
	Result []any  `json:"result,omitempty" yaml:"result,omitempty"`
}

func newResolveCommand(c *cli) *cobra.Command {
	var call bool
	cmd := &cobra.Command{
		Use:   "resolve <plugin> <symbol> [args...]",
		Short: "Show which plugin provides a symbol to another plugin",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sym, err := c.sys.Resolve(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			res := resolution{Plugin: args[0], Symbol: args[1], Owner: sym.Owner}
			if call {
				callArgs := make([]any, 0, len(args)-2)
				for _, a := range args[2:] {
					callArgs = append(callArgs, a)
				}
				if res.Result, err = sym.Call(cmd.Context(), callArgs...); err != nil {
					return err
				}
			}
			return render(cmd.OutOrStdout(), c.output, res,
				table.Row{"PLUGIN", "SYMBOL", "OWNER", "RESULT"},
				[]table.Row{{res.Plugin, res.Symbol, res.Owner, fmt.Sprint(res.Result...)}})
		},
	}
	cmd.Flags().BoolVar(&call, "call", false, "call the symbol with the remaining arguments")
	return cmd
}

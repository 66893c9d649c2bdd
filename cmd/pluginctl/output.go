// output.go: Table, JSON and YAML rendering for pluginctl
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/agilira/go-pluginhost"
	"github.com/jedib0t/go-pretty/v6/table"
	"gopkg.in/yaml.v3"
)

// render writes v as JSON or YAML, or header and rows as a table.
func render(w io.Writer, format string, v any, header table.Row, rows []table.Row) error {
	switch format {
	case "json":
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("marshaling output as JSON failed: %w", err)
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	case "yaml":
		data, err := yaml.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshaling output as YAML failed: %w", err)
		}
		_, err = w.Write(data)
		return err
	default:
		t := table.NewWriter()
		t.SetStyle(table.StyleLight)
		t.SetOutputMirror(w)
		t.AppendHeader(header)
		t.AppendRows(rows)
		t.Render()
		return nil
	}
}

// pluginView is the listing form of an installed plugin.
type pluginView struct {
	Name         string   `json:"name" yaml:"name"`
	Version      string   `json:"version" yaml:"version"`
	Enabled      bool     `json:"enabled" yaml:"enabled"`
	Pinned       bool     `json:"pinned" yaml:"pinned"`
	Backup       bool     `json:"backup" yaml:"backup"`
	Linked       bool     `json:"linked" yaml:"linked"`
	FailedToLoad bool     `json:"failed_to_load,omitempty" yaml:"failed_to_load,omitempty"`
	Dependencies []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Path         string   `json:"path" yaml:"path"`
}

func viewPlugins(plugins []*pluginhost.InstalledPlugin) ([]pluginView, []table.Row) {
	views := make([]pluginView, 0, len(plugins))
	rows := make([]table.Row, 0, len(plugins))
	for _, p := range plugins {
		v := pluginView{
			Name:         p.ShortName(),
			Version:      p.Version(),
			Enabled:      p.Enabled,
			Pinned:       p.Pinned,
			Backup:       p.HasBackup,
			Linked:       p.IsLinked(),
			FailedToLoad: p.FailedToLoad,
			Path:         p.ArchivePath,
		}
		for _, d := range p.Descriptor.Dependencies {
			v.Dependencies = append(v.Dependencies, d.String())
		}
		views = append(views, v)
		rows = append(rows, table.Row{v.Name, v.Version, yesNo(v.Enabled), yesNo(v.Pinned), yesNo(v.Backup), yesNo(v.Linked), strings.Join(v.Dependencies, ", ")})
	}
	return views, rows
}

var pluginHeader = table.Row{"NAME", "VERSION", "ENABLED", "PINNED", "BACKUP", "LINKED", "DEPENDENCIES"}

var entryHeader = table.Row{"NAME", "VERSION", "TITLE", "TYPE", "CATEGORIES"}

func entryRows(entries []*pluginhost.CatalogEntry) []table.Row {
	rows := make([]table.Row, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, table.Row{e.Name, e.Version, e.DisplayName, e.Type, strings.Join(e.Categories, ", ")})
	}
	return rows
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

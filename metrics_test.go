// metrics_test.go: tests for Prometheus metrics
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics("metrics_test")
	reg := prometheus.NewRegistry()
	require.NoError(t, m.Register(reg))
	assert.Error(t, m.Register(reg), "collectors register once")

	m.ObserveResolution(resolutionHit)
	m.ObserveResolution(resolutionHit)
	m.ObserveResolution(resolutionCached)
	m.ObserveCatalogRefresh(nil)
	m.ObserveCatalogRefresh(errors.New("offline"))
	m.JobStarted()
	m.JobFinished(JobInstalled, 20*time.Millisecond)
	m.JobStarted()
	m.JobFinished(JobFailedReplace, time.Millisecond)
	m.ObserveScan(&ScanReport{Loaded: []string{"a", "b"}, Failures: map[string]error{"c": errors.New("corrupt")}})

	families, err := reg.Gather()
	require.NoError(t, err)
	values := make(map[string]float64)
	for _, f := range families {
		for _, metric := range f.GetMetric() {
			switch {
			case metric.GetCounter() != nil:
				values[f.GetName()] += metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				values[f.GetName()] = metric.GetGauge().GetValue()
			}
		}
	}
	assert.Equal(t, 3.0, values["metrics_test_symbol_resolutions_total"])
	assert.Equal(t, 2.0, values["metrics_test_catalog_refreshes_total"])
	assert.Equal(t, 0.0, values["metrics_test_install_jobs_in_flight"])
	assert.Equal(t, 2.0, values["metrics_test_installed_plugins"])
	assert.Equal(t, 1.0, values["metrics_test_scan_failures_total"])

	assert.Equal(t, map[string]int64{
		"resolutions_hit":         2,
		"resolutions_miss":        0,
		"resolutions_cached":      1,
		"catalog_refreshes_ok":    1,
		"catalog_refreshes_error": 1,
		"installs_ok":             1,
		"installs_failed":         1,
		"scan_failures":           1,
	}, m.Snapshot())
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveResolution(resolutionMiss)
		m.ObserveCatalogRefresh(nil)
		m.JobStarted()
		m.JobFinished(JobInstalled, time.Second)
		m.ObserveScan(&ScanReport{})
	})
	assert.NoError(t, m.Register(prometheus.NewRegistry()))
	assert.Empty(t, m.Snapshot())
}

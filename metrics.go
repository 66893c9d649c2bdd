// metrics.go: Prometheus metrics for scans, resolutions, catalog refreshes and installs
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Resolution outcomes.
const (
	resolutionHit    = "hit"
	resolutionMiss   = "miss"
	resolutionCached = "cached"
)

// Metrics collects plugin host metrics.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without metrics. Counters are mirrored in atomics for Snapshot, which the
// CLI prints without a Prometheus endpoint.
type Metrics struct {
	resolutions      *prometheus.CounterVec
	catalogRefreshes *prometheus.CounterVec
	installs         *prometheus.CounterVec
	installDuration  *prometheus.HistogramVec
	jobsInFlight     prometheus.Gauge
	scanFailures     prometheus.Counter
	installedPlugins prometheus.Gauge

	resolveHits     atomic.Int64
	resolveMisses   atomic.Int64
	resolveCached   atomic.Int64
	refreshOK       atomic.Int64
	refreshFailed   atomic.Int64
	installOK       atomic.Int64
	installFailed   atomic.Int64
	scanFailedCount atomic.Int64
}

// NewMetrics creates the collectors under namespace.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "pluginhost"
	}
	return &Metrics{
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "symbol_resolutions_total",
			Help:      "Symbol resolutions by outcome",
		}, []string{"outcome"}),
		catalogRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "catalog_refreshes_total",
			Help:      "Catalog refresh attempts by result",
		}, []string{"result"}),
		installs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "install_jobs_total",
			Help:      "Finished installation jobs by final state",
		}, []string{"state"}),
		installDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "install_job_duration_seconds",
			Help:      "Duration of installation jobs",
			Buckets:   prometheus.DefBuckets,
		}, []string{"state"}),
		jobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "install_jobs_in_flight",
			Help:      "Installation jobs currently running",
		}),
		scanFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scan_failures_total",
			Help:      "Plugin artifacts that failed to load during scans",
		}),
		installedPlugins: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "installed_plugins",
			Help:      "Plugins in the registry after the last scan",
		}),
	}
}

// Register registers every collector.
func (m *Metrics) Register(registerer prometheus.Registerer) error {
	if m == nil {
		return nil
	}
	return errors.Join(
		registerer.Register(m.resolutions),
		registerer.Register(m.catalogRefreshes),
		registerer.Register(m.installs),
		registerer.Register(m.installDuration),
		registerer.Register(m.jobsInFlight),
		registerer.Register(m.scanFailures),
		registerer.Register(m.installedPlugins),
	)
}

// ObserveResolution records a resolution outcome.
func (m *Metrics) ObserveResolution(outcome string) {
	if m == nil {
		return
	}
	m.resolutions.WithLabelValues(outcome).Inc()
	switch outcome {
	case resolutionHit:
		m.resolveHits.Add(1)
	case resolutionMiss:
		m.resolveMisses.Add(1)
	case resolutionCached:
		m.resolveCached.Add(1)
	}
}

// ObserveCatalogRefresh records a refresh attempt.
func (m *Metrics) ObserveCatalogRefresh(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.catalogRefreshes.WithLabelValues("failed").Inc()
		m.refreshFailed.Add(1)
		return
	}
	m.catalogRefreshes.WithLabelValues("ok").Inc()
	m.refreshOK.Add(1)
}

// JobStarted marks an installation job as running.
func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.jobsInFlight.Inc()
}

// JobFinished records a finished installation job.
func (m *Metrics) JobFinished(state JobState, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.jobsInFlight.Dec()
	m.installs.WithLabelValues(state.String()).Inc()
	m.installDuration.WithLabelValues(state.String()).Observe(elapsed.Seconds())
	if state == JobInstalled {
		m.installOK.Add(1)
	} else {
		m.installFailed.Add(1)
	}
}

// ObserveScan records the outcome of a registry scan.
func (m *Metrics) ObserveScan(report *ScanReport) {
	if m == nil || report == nil {
		return
	}
	m.installedPlugins.Set(float64(len(report.Loaded)))
	m.scanFailures.Add(float64(len(report.Failures)))
	m.scanFailedCount.Add(int64(len(report.Failures)))
}

// Snapshot returns the counters as a flat map.
func (m *Metrics) Snapshot() map[string]int64 {
	if m == nil {
		return map[string]int64{}
	}
	return map[string]int64{
		"resolutions_hit":         m.resolveHits.Load(),
		"resolutions_miss":        m.resolveMisses.Load(),
		"resolutions_cached":      m.resolveCached.Load(),
		"catalog_refreshes_ok":    m.refreshOK.Load(),
		"catalog_refreshes_error": m.refreshFailed.Load(),
		"installs_ok":             m.installOK.Load(),
		"installs_failed":         m.installFailed.Load(),
		"scan_failures":           m.scanFailedCount.Load(),
	}
}

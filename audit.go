// audit.go: Audit trail of plugin administration events via Argus
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/argus"
	"github.com/agilira/go-timecache"
)

// Audit event types.
const (
	AuditInstall        = "plugin_install"
	AuditInstallFailed  = "plugin_install_failed"
	AuditEnable         = "plugin_enable"
	AuditDisable        = "plugin_disable"
	AuditPin            = "plugin_pin"
	AuditUnpin          = "plugin_unpin"
	AuditDowngrade      = "plugin_downgrade"
	AuditUninstall      = "plugin_uninstall"
	AuditStartFailed    = "plugin_start_failed"
	AuditConfigReloaded = "config_reloaded"
)

// AuditTrail records administrative actions. A nil or disabled trail
// records nothing.
type AuditTrail struct {
	logger *argus.AuditLogger
	events atomic.Int64

	closeOnce sync.Once
}

// NewAuditTrail opens the audit file. With Enabled unset it returns a
// disabled trail and no error.
func NewAuditTrail(settings AuditSettings) (*AuditTrail, error) {
	if !settings.Enabled {
		return &AuditTrail{}, nil
	}
	auditor, err := argus.NewAuditLogger(argus.AuditConfig{
		Enabled:       true,
		OutputFile:    settings.File,
		MinLevel:      argus.AuditInfo,
		BufferSize:    256,
		FlushInterval: time.Second,
	})
	if err != nil {
		return nil, NewConfigValidationError("cannot open audit file "+settings.File, err)
	}
	return &AuditTrail{logger: auditor}, nil
}

// Enabled reports whether events are written.
func (a *AuditTrail) Enabled() bool {
	return a != nil && a.logger != nil
}

// Events counts recorded events.
func (a *AuditTrail) Events() int64 {
	if a == nil {
		return 0
	}
	return a.events.Load()
}

// Record writes one event about plugin. context may be nil.
func (a *AuditTrail) Record(eventType, plugin string, context map[string]interface{}) {
	if !a.Enabled() {
		return
	}
	if context == nil {
		context = make(map[string]interface{}, 3)
	}
	context["plugin"] = plugin
	context["component"] = "pluginhost"
	context["timestamp"] = timecache.CachedTime().Format(time.RFC3339)

	a.events.Add(1)
	a.logger.LogSecurityEvent(eventType, "Plugin administration event", context)
}

// Close flushes and closes the audit file.
func (a *AuditTrail) Close() error {
	if !a.Enabled() {
		return nil
	}
	var err error
	a.closeOnce.Do(func() { err = a.logger.Close() })
	return err
}

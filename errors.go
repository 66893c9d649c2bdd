// errors.go: structured error definitions for the plugin host
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	stderrors "errors"
	"fmt"

	"github.com/agilira/go-errors"
)

// Error codes for the plugin host
const (
	// Descriptor errors (1000-1099)
	ErrCodeMalformedDependency  = "DESCRIPTOR_1001"
	ErrCodeMissingMetadataBlock = "DESCRIPTOR_1002"
	ErrCodeSelfDependency       = "DESCRIPTOR_1003"
	ErrCodeMalformedVersion     = "DESCRIPTOR_1004"
	ErrCodeMalformedManifest    = "DESCRIPTOR_1005"

	// Archive errors (2000-2099)
	ErrCodeArchiveCorrupt   = "ARCHIVE_2001"
	ErrCodeMissingManifest  = "ARCHIVE_2002"
	ErrCodeLinkResolution   = "ARCHIVE_2003"
	ErrCodeArchiveIO        = "ARCHIVE_2004"
	ErrCodeArchiveTraversal = "ARCHIVE_2005"

	// Registry errors (3000-3099)
	ErrCodePluginsDirUnreadable = "REGISTRY_3001"
	ErrCodePluginNotInstalled   = "REGISTRY_3002"
	ErrCodeMarkerIO             = "REGISTRY_3003"
	ErrCodeUninstall            = "REGISTRY_3004"

	// Loader errors (4000-4099)
	ErrCodeSymbolNotFound    = "LOADER_4001"
	ErrCodeResourceNotFound  = "LOADER_4002"
	ErrCodeDelegationDepth   = "LOADER_4003"
	ErrCodeSymbolSource      = "LOADER_4004"
	ErrCodeInvalidSymbol     = "LOADER_4005"
	ErrCodePluginStartFailed = "LOADER_4006"

	// Catalog errors (5000-5099)
	ErrCodeCatalogUnreachable   = "CATALOG_5001"
	ErrCodeCatalogInvalidFormat = "CATALOG_5002"
	ErrCodeCatalogNotCached     = "CATALOG_5003"
	ErrCodeInvalidSearchPattern = "CATALOG_5004"
	ErrCodeCatalogCacheWrite    = "CATALOG_5005"
	ErrCodeCatalogEntryNotFound = "CATALOG_5006"

	// Installation errors (6000-6099)
	ErrCodeLengthMismatch = "INSTALL_6001"
	ErrCodeDigestMismatch = "INSTALL_6002"
	ErrCodeDownload       = "INSTALL_6003"
	ErrCodeReplace        = "INSTALL_6004"
	ErrCodeNoBackup       = "INSTALL_6005"
	ErrCodeDowngrade      = "INSTALL_6006"
	ErrCodeJobConflict    = "INSTALL_6007"
	ErrCodeQueueClosed    = "INSTALL_6008"

	// Configuration errors (7000-7099)
	ErrCodeConfigNotFound        = "CONFIG_7001"
	ErrCodeConfigParseError      = "CONFIG_7002"
	ErrCodeConfigValidationError = "CONFIG_7003"
	ErrCodeConfigWatcherError    = "CONFIG_7004"
)

// HasErrorCode reports whether any structured error in err's chain carries code.
func HasErrorCode(err error, code string) bool {
	for err != nil {
		var structured *errors.Error
		if !stderrors.As(err, &structured) {
			return false
		}
		if string(structured.Code) == code {
			return true
		}
		err = structured.Cause
	}
	return false
}

// wrapOrNew avoids wrapping a nil cause, which would lose the message.
func wrapOrNew(cause error, code, message string) *errors.Error {
	if cause == nil {
		return errors.New(errors.ErrorCode(code), message)
	}
	return errors.Wrap(cause, errors.ErrorCode(code), message)
}

// Descriptor error constructors

func NewMalformedDependencyError(entry string) *errors.Error {
	return errors.New(ErrCodeMalformedDependency, "Malformed dependency entry").
		WithUserMessage("Dependency entries must have the form name:version").
		WithContext("entry", entry).
		WithSeverity("error")
}

func NewMissingMetadataBlockError(source string) *errors.Error {
	return errors.New(ErrCodeMissingMetadataBlock, "Missing metadata block").
		WithUserMessage("The plugin package carries no descriptor metadata").
		WithContext("source", source).
		WithSeverity("error")
}

func NewSelfDependencyError(shortName string) *errors.Error {
	return errors.New(ErrCodeSelfDependency, "Plugin depends on itself").
		WithUserMessage("A plugin cannot declare a dependency on itself").
		WithContext("plugin_name", shortName).
		WithSeverity("error")
}

func NewMalformedVersionError(version string, cause error) *errors.Error {
	return wrapOrNew(cause, ErrCodeMalformedVersion, "Malformed version number").
		WithUserMessage("Version numbers must be dotted numeric").
		WithContext("version", version).
		WithSeverity("error")
}

func NewMalformedManifestError(line int, text string) *errors.Error {
	return errors.New(ErrCodeMalformedManifest, "Malformed manifest line").
		WithUserMessage("Manifest lines must have the form Key: Value").
		WithContext("line", line).
		WithContext("text", text).
		WithSeverity("error")
}

// Archive error constructors

func NewArchiveCorruptError(archivePath string, cause error) *errors.Error {
	return wrapOrNew(cause, ErrCodeArchiveCorrupt, "Failed to expand plugin archive").
		WithUserMessage("The plugin archive is corrupt or unreadable").
		WithContext("archive", archivePath).
		WithSeverity("error")
}

func NewMissingManifestError(manifestPath string) *errors.Error {
	return errors.New(ErrCodeMissingManifest, "No manifest found after expansion").
		WithUserMessage("Plugin installation failed: no manifest in the package").
		WithContext("manifest_path", manifestPath).
		WithSeverity("error")
}

func NewLinkResolutionError(linkPath string, cause error) *errors.Error {
	return wrapOrNew(cause, ErrCodeLinkResolution, "Failed to resolve linked plugin").
		WithUserMessage("The linked plugin points to a missing location").
		WithContext("link", linkPath).
		WithSeverity("error")
}

func NewArchiveIOError(path string, message string, cause error) *errors.Error {
	return wrapOrNew(cause, ErrCodeArchiveIO, "Archive I/O error: "+message).
		WithUserMessage("Plugin working directory could not be prepared").
		WithContext("path", path).
		WithSeverity("error")
}

func NewArchiveTraversalError(entry string) *errors.Error {
	return errors.New(ErrCodeArchiveTraversal, "Archive entry escapes destination").
		WithUserMessage("Invalid file path detected in plugin archive").
		WithContext("entry", entry).
		WithSeverity("error")
}

// Registry error constructors

func NewPluginsDirUnreadableError(dir string, cause error) *errors.Error {
	return wrapOrNew(cause, ErrCodePluginsDirUnreadable, "Cannot list plugins directory").
		WithUserMessage("The plugins directory could not be read").
		WithContext("plugins_dir", dir).
		WithSeverity("error")
}

func NewPluginNotInstalledError(shortName string) *errors.Error {
	return errors.New(ErrCodePluginNotInstalled, "Plugin not installed").
		WithUserMessage("The requested plugin is not installed").
		WithContext("plugin_name", shortName).
		WithSeverity("warning")
}

func NewMarkerIOError(markerPath string, cause error) *errors.Error {
	return wrapOrNew(cause, ErrCodeMarkerIO, "Marker file update failed").
		WithUserMessage("Plugin state could not be changed on disk").
		WithContext("marker", markerPath).
		WithSeverity("error")
}

func NewUninstallError(shortName string, cause error) *errors.Error {
	return wrapOrNew(cause, ErrCodeUninstall, "Plugin uninstall failed").
		WithUserMessage("The plugin could not be removed").
		WithContext("plugin_name", shortName).
		WithSeverity("error")
}

// Loader error constructors

func NewSymbolNotFoundError(plugin, symbol string) *errors.Error {
	return errors.New(ErrCodeSymbolNotFound, "Symbol not found").
		WithUserMessage("The symbol is not visible from this plugin").
		WithContext("plugin_name", plugin).
		WithContext("symbol", symbol).
		WithSeverity("info")
}

func NewResourceNotFoundError(plugin, resource string) *errors.Error {
	return errors.New(ErrCodeResourceNotFound, "Resource not found").
		WithUserMessage("The resource is not visible from this plugin").
		WithContext("plugin_name", plugin).
		WithContext("resource", resource).
		WithSeverity("info")
}

func NewDelegationDepthError(plugin string, depth int) *errors.Error {
	return errors.New(ErrCodeDelegationDepth, "Delegation depth exceeded").
		WithUserMessage("Dependency chain is too deep to resolve").
		WithContext("plugin_name", plugin).
		WithContext("max_depth", depth).
		WithSeverity("warning")
}

func NewSymbolSourceError(plugin string, message string, cause error) *errors.Error {
	return wrapOrNew(cause, ErrCodeSymbolSource, "Symbol source error: "+message).
		WithUserMessage("Plugin code could not be inspected").
		WithContext("plugin_name", plugin).
		WithSeverity("error")
}

func NewInvalidSymbolError(plugin, symbol string, reason string) *errors.Error {
	return errors.New(ErrCodeInvalidSymbol, "Invalid symbol: "+reason).
		WithUserMessage("The resolved symbol cannot be used").
		WithContext("plugin_name", plugin).
		WithContext("symbol", symbol).
		WithSeverity("error")
}

func NewPluginStartFailedError(plugin string, cause error) *errors.Error {
	return wrapOrNew(cause, ErrCodePluginStartFailed, "Plugin start failed").
		WithUserMessage("The plugin failed to initialize").
		WithContext("plugin_name", plugin).
		WithSeverity("error")
}

// Catalog error constructors

func NewCatalogUnreachableError(url string, cause error) *errors.Error {
	return wrapOrNew(cause, ErrCodeCatalogUnreachable, "Catalog unreachable").
		WithUserMessage(fmt.Sprintf("Could not connect to %s. If you are behind a firewall set an HTTP proxy and try again.", url)).
		WithContext("url", url).
		WithSeverity("warning").
		AsRetryable()
}

func NewCatalogInvalidFormatError(source string, cause error) *errors.Error {
	return wrapOrNew(cause, ErrCodeCatalogInvalidFormat, "Incorrect catalog document").
		WithUserMessage("The catalog document could not be parsed").
		WithContext("source", source).
		WithSeverity("error")
}

func NewCatalogNotCachedError(cachePath string) *errors.Error {
	return errors.New(ErrCodeCatalogNotCached, "Catalog cache not found").
		WithUserMessage("No cached catalog is available").
		WithContext("cache_path", cachePath).
		WithSeverity("info")
}

func NewInvalidSearchPatternError(pattern string, cause error) *errors.Error {
	return wrapOrNew(cause, ErrCodeInvalidSearchPattern, "Invalid search pattern").
		WithUserMessage("The search pattern is not a valid regular expression").
		WithContext("pattern", pattern).
		WithSeverity("warning")
}

func NewCatalogCacheWriteError(cachePath string, cause error) *errors.Error {
	return wrapOrNew(cause, ErrCodeCatalogCacheWrite, "Catalog cache write failed").
		WithUserMessage("The catalog cache file could not be written").
		WithContext("cache_path", cachePath).
		WithSeverity("warning")
}

func NewCatalogEntryNotFoundError(name string) *errors.Error {
	return errors.New(ErrCodeCatalogEntryNotFound, "Catalog entry not found").
		WithUserMessage("The plugin is not available in the catalog").
		WithContext("plugin_name", name).
		WithSeverity("warning")
}

// Installation error constructors

func NewLengthMismatchError(plugin string, expected, actual int64) *errors.Error {
	return errors.New(ErrCodeLengthMismatch, "Inconsistent file length").
		WithUserMessage(fmt.Sprintf("Expected %d bytes but only got %d", expected, actual)).
		WithContext("plugin_name", plugin).
		WithContext("expected", expected).
		WithContext("actual", actual).
		WithSeverity("error").
		AsRetryable()
}

func NewDigestMismatchError(plugin string, expected, actual string) *errors.Error {
	return errors.New(ErrCodeDigestMismatch, "Artifact digest mismatch").
		WithUserMessage("The downloaded plugin failed integrity verification").
		WithContext("plugin_name", plugin).
		WithContext("expected", expected).
		WithContext("actual", actual).
		WithSeverity("error")
}

func NewDownloadError(plugin string, url string, cause error) *errors.Error {
	return wrapOrNew(cause, ErrCodeDownload, "Plugin download failed").
		WithUserMessage("The plugin artifact could not be downloaded").
		WithContext("plugin_name", plugin).
		WithContext("url", url).
		WithSeverity("error").
		AsRetryable()
}

func NewReplaceError(plugin string, step string, cause error) *errors.Error {
	return wrapOrNew(cause, ErrCodeReplace, "Plugin replace failed at "+step).
		WithUserMessage("The downloaded plugin could not be moved into place").
		WithContext("plugin_name", plugin).
		WithContext("step", step).
		WithSeverity("error")
}

func NewNoBackupError(plugin string) *errors.Error {
	return errors.New(ErrCodeNoBackup, "No backup available").
		WithUserMessage("There is no previous version to downgrade to").
		WithContext("plugin_name", plugin).
		WithSeverity("warning")
}

func NewDowngradeError(plugin string, cause error) *errors.Error {
	return wrapOrNew(cause, ErrCodeDowngrade, "Plugin downgrade failed").
		WithUserMessage("The backup could not be restored").
		WithContext("plugin_name", plugin).
		WithSeverity("error")
}

func NewJobConflictError(plugin string) *errors.Error {
	return errors.New(ErrCodeJobConflict, "Installation already in progress").
		WithUserMessage("Another job is already installing this plugin").
		WithContext("plugin_name", plugin).
		WithSeverity("warning")
}

func NewQueueClosedError() *errors.Error {
	return errors.New(ErrCodeQueueClosed, "Job queue closed").
		WithUserMessage("The installation queue is shut down").
		WithSeverity("warning")
}

// Configuration error constructors

func NewConfigNotFoundError(path string) *errors.Error {
	return errors.New(ErrCodeConfigNotFound, "Configuration file not found").
		WithUserMessage("The configuration file could not be found").
		WithContext("config_path", path).
		WithSeverity("error")
}

func NewConfigParseError(path string, cause error) *errors.Error {
	return wrapOrNew(cause, ErrCodeConfigParseError, "Configuration parse error").
		WithUserMessage("Failed to parse configuration file").
		WithContext("config_path", path).
		WithSeverity("error")
}

func NewConfigValidationError(message string, cause error) *errors.Error {
	return wrapOrNew(cause, ErrCodeConfigValidationError, "Configuration validation error: "+message).
		WithUserMessage("Configuration validation failed").
		WithSeverity("error")
}

func NewConfigWatcherError(message string, cause error) *errors.Error {
	return wrapOrNew(cause, ErrCodeConfigWatcherError, "Configuration watcher error: "+message).
		WithUserMessage("Configuration monitoring failed").
		WithSeverity("error")
}

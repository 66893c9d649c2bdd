// errors_test.go: tests for structured error codes and their chains
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	stderrors "errors"
	"fmt"
	"io/fs"
	"testing"

	goerrors "github.com/agilira/go-errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHasErrorCode(t *testing.T) {
	inner := NewMalformedVersionError("x.1", fmt.Errorf("not a number"))
	outer := NewArchiveCorruptError("/plugins/a.hpi", inner)
	wrapped := fmt.Errorf("scan: %w", outer)

	assert.True(t, HasErrorCode(wrapped, ErrCodeArchiveCorrupt))
	assert.True(t, HasErrorCode(wrapped, ErrCodeMalformedVersion), "causes are searched too")
	assert.False(t, HasErrorCode(wrapped, ErrCodeDownload))
	assert.False(t, HasErrorCode(nil, ErrCodeDownload))
	assert.False(t, HasErrorCode(stderrors.New("plain"), ErrCodeDownload))
}

func TestErrorConstructors_CarryContext(t *testing.T) {
	tests := []struct {
		name string
		err  *goerrors.Error
		code string
		key  string
		want any
	}{
		{"MalformedDependency", NewMalformedDependencyError("git"), ErrCodeMalformedDependency, "entry", "git"},
		{"SelfDependency", NewSelfDependencyError("git"), ErrCodeSelfDependency, "plugin_name", "git"},
		{"Traversal", NewArchiveTraversalError("../x"), ErrCodeArchiveTraversal, "entry", "../x"},
		{"NotInstalled", NewPluginNotInstalledError("git"), ErrCodePluginNotInstalled, "plugin_name", "git"},
		{"SymbolNotFound", NewSymbolNotFoundError("a", "run"), ErrCodeSymbolNotFound, "symbol", "run"},
		{"DelegationDepth", NewDelegationDepthError("a", 4), ErrCodeDelegationDepth, "max_depth", 4},
		{"EntryNotFound", NewCatalogEntryNotFoundError("git"), ErrCodeCatalogEntryNotFound, "plugin_name", "git"},
		{"LengthMismatch", NewLengthMismatchError("git", 10, 7), ErrCodeLengthMismatch, "expected", int64(10)},
		{"Conflict", NewJobConflictError("git"), ErrCodeJobConflict, "plugin_name", "git"},
		{"ConfigNotFound", NewConfigNotFoundError("/etc/ph.yaml"), ErrCodeConfigNotFound, "config_path", "/etc/ph.yaml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, goerrors.ErrorCode(tt.code), tt.err.ErrorCode())
			assert.Equal(t, tt.want, tt.err.Context[tt.key])
			assert.NotEmpty(t, tt.err.Error())
		})
	}
}

func TestErrorConstructors_Retryable(t *testing.T) {
	assert.True(t, NewCatalogUnreachableError("http://u", nil).IsRetryable())
	assert.True(t, NewDownloadError("git", "http://u", nil).IsRetryable())
	assert.True(t, NewLengthMismatchError("git", 1, 0).IsRetryable())
	assert.False(t, NewDigestMismatchError("git", "a", "b").IsRetryable())
	assert.False(t, NewReplaceError("git", "rename", nil).IsRetryable())
}

func TestErrorConstructors_WrapCause(t *testing.T) {
	err := NewMarkerIOError("/p/a.hpi.disabled", fs.ErrPermission)
	assert.Same(t, fs.ErrPermission, err.Cause)

	var structured *goerrors.Error
	require.True(t, stderrors.As(fmt.Errorf("toggle: %w", err), &structured))
	assert.Equal(t, goerrors.ErrorCode(ErrCodeMarkerIO), structured.Code)

	// A nil cause yields a plain error with the message intact.
	plain := NewUninstallError("a", nil)
	assert.Nil(t, plain.Cause)
	assert.Contains(t, plain.Error(), "Plugin uninstall failed")
}

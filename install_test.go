// install_test.go: tests for installation jobs and downgrade
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryFetcher serves artifacts from memory. A declared length overrides
// the real one to simulate truncated transfers.
type memoryFetcher struct {
	mu       sync.Mutex
	files    map[string][]byte
	declared map[string]int64
	gate     chan struct{}
	opened   int
}

func newMemoryFetcher() *memoryFetcher {
	return &memoryFetcher{files: make(map[string][]byte), declared: make(map[string]int64)}
}

func (f *memoryFetcher) serve(url string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[url] = data
}

func (f *memoryFetcher) Open(ctx context.Context, url string) (*FetchResponse, error) {
	f.mu.Lock()
	data, ok := f.files[url]
	length, declared := f.declared[url]
	gate := f.gate
	f.opened++
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if !ok {
		return nil, fmt.Errorf("GET %s: 404 Not Found", url)
	}
	if !declared {
		length = int64(len(data))
	}
	return &FetchResponse{Body: io.NopCloser(bytes.NewReader(data)), ContentLength: length}, nil
}

func entryFor(name, version string) *CatalogEntry {
	return &CatalogEntry{
		Name:        name,
		Version:     version,
		DownloadURL: "http://dl/" + name + "-" + version + ".hpi",
		Type:        EntryTypeOthers,
	}
}

func TestInstallJob_ReplaceKeepsBackup(t *testing.T) {
	dir := t.TempDir()
	dst := installPlugin(t, dir, "p", "1.0", "", nil)
	fetcher := newMemoryFetcher()
	entry := entryFor("p", "2.0")
	fetcher.serve(entry.DownloadURL, archiveBytes(t, pluginManifest("p", "2.0", ""), nil))

	job := NewInstallJob(entry, dst)
	assert.Equal(t, JobPending, job.State())
	require.NoError(t, job.Run(t.Context(), fetcher))

	status := job.Status()
	assert.True(t, status.Succeeded())
	assert.Positive(t, status.Bytes)
	assert.False(t, status.FinishedAt.Before(status.StartedAt))
	assert.NoFileExists(t, dst+TempExtension)

	d, err := ReadArchiveDescriptor(dst)
	require.NoError(t, err)
	assert.Equal(t, "2.0", d.Version)
	b, err := ReadArchiveDescriptor(BackupPathFor(dst))
	require.NoError(t, err)
	assert.Equal(t, "1.0", b.Version)
}

func TestInstallJob_FreshInstall(t *testing.T) {
	dir := t.TempDir()
	fetcher := newMemoryFetcher()
	entry := entryFor("fresh", "1.0")
	fetcher.serve(entry.DownloadURL, archiveBytes(t, pluginManifest("fresh", "1.0", ""), nil))

	dst := DestinationFor(dir, "fresh")
	assert.Equal(t, filepath.Join(dir, "fresh.hpi"), dst)
	require.NoError(t, NewInstallJob(entry, dst).Run(t.Context(), fetcher))
	assert.FileExists(t, dst)
	assert.NoFileExists(t, BackupPathFor(dst))
}

func TestInstallJob_LengthMismatchLeavesOriginal(t *testing.T) {
	dir := t.TempDir()
	dst := installPlugin(t, dir, "p", "1.0", "", nil)
	original, err := os.ReadFile(dst)
	require.NoError(t, err)

	fetcher := newMemoryFetcher()
	entry := entryFor("p", "2.0")
	data := archiveBytes(t, pluginManifest("p", "2.0", ""), nil)
	fetcher.serve(entry.DownloadURL, data)
	fetcher.declared[entry.DownloadURL] = int64(len(data) + 100)

	job := NewInstallJob(entry, dst)
	err = job.Run(t.Context(), fetcher)
	assert.True(t, HasErrorCode(err, ErrCodeLengthMismatch), "got %v", err)
	assert.Equal(t, JobFailedDownload, job.State())
	assert.Equal(t, err, job.Err())

	after, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, original, after)
	assert.NoFileExists(t, dst+TempExtension)
	assert.NoFileExists(t, BackupPathFor(dst))
}

func TestInstallJob_TruncatedHTTPTransfer(t *testing.T) {
	dir := t.TempDir()
	dst := installPlugin(t, dir, "p", "1.0", "", nil)
	original, err := os.ReadFile(dst)
	require.NoError(t, err)

	data := archiveBytes(t, pluginManifest("p", "2.0", ""), nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprint(len(data)+500))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		conn, _, err := w.(http.Hijacker).Hijack()
		if err == nil {
			_ = conn.Close()
		}
	}))
	defer srv.Close()

	fetcher, err := NewHTTPFetcher(FetchConfig{}, NewTestLogger())
	require.NoError(t, err)
	entry := entryFor("p", "2.0")
	entry.DownloadURL = srv.URL + "/p.hpi"

	job := NewInstallJob(entry, dst)
	err = job.Run(t.Context(), fetcher)
	assert.True(t, HasErrorCode(err, ErrCodeLengthMismatch), "got %v", err)
	assert.Equal(t, JobFailedDownload, job.State())

	after, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, original, after)
	assert.NoFileExists(t, dst+TempExtension)
}

func TestInstallJob_Digests(t *testing.T) {
	data := archiveBytes(t, pluginManifest("d", "1.0", ""), nil)
	sum256 := sha256.Sum256(data)
	sum512 := sha512.Sum512(data)

	tests := []struct {
		name    string
		sha256  string
		sha512  string
		wantErr bool
	}{
		{name: "NoDigest"},
		{name: "SHA256Hex", sha256: hex.EncodeToString(sum256[:])},
		{name: "SHA256Base64", sha256: base64.StdEncoding.EncodeToString(sum256[:])},
		{name: "SHA512Base64", sha512: base64.StdEncoding.EncodeToString(sum512[:])},
		{name: "SHA512WinsOverSHA256", sha256: "bogus", sha512: hex.EncodeToString(sum512[:])},
		{name: "Mismatch", sha256: hex.EncodeToString(make([]byte, sha256.Size)), wantErr: true},
		{name: "Malformed", sha256: "not-a-digest", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fetcher := newMemoryFetcher()
			entry := entryFor("d", "1.0")
			entry.SHA256, entry.SHA512 = tt.sha256, tt.sha512
			fetcher.serve(entry.DownloadURL, data)

			dst := filepath.Join(t.TempDir(), "d.hpi")
			err := NewInstallJob(entry, dst).Run(t.Context(), fetcher)
			if tt.wantErr {
				assert.True(t, HasErrorCode(err, ErrCodeDigestMismatch), "got %v", err)
				assert.NoFileExists(t, dst)
				return
			}
			require.NoError(t, err)
			assert.FileExists(t, dst)
		})
	}
}

func TestInstallJob_DownloadFailure(t *testing.T) {
	job := NewInstallJob(entryFor("missing", "1.0"), filepath.Join(t.TempDir(), "missing.hpi"))
	err := job.Run(t.Context(), newMemoryFetcher())
	assert.True(t, HasErrorCode(err, ErrCodeDownload))
	assert.Equal(t, JobFailedDownload, job.State())
	assert.NotEmpty(t, job.Status().Error)

	err = NewInstallJob(entryFor("x", "1.0"), filepath.Join(t.TempDir(), "x.hpi")).Run(t.Context(), nil)
	assert.True(t, HasErrorCode(err, ErrCodeDownload))
}

func TestDowngrade(t *testing.T) {
	dir := t.TempDir()
	dst := installPlugin(t, dir, "p", "1.0", "", nil)
	fetcher := newMemoryFetcher()
	entry := entryFor("p", "2.0")
	fetcher.serve(entry.DownloadURL, archiveBytes(t, pluginManifest("p", "2.0", ""), nil))
	require.NoError(t, NewInstallJob(entry, dst).Run(t.Context(), fetcher))

	r := newScannedRegistry(t, dir, nil)
	p, ok := r.Get("p")
	require.True(t, ok)
	assert.True(t, IsDowngradable(p))

	require.NoError(t, Downgrade(p))
	d, err := ReadArchiveDescriptor(dst)
	require.NoError(t, err)
	assert.Equal(t, "1.0", d.Version)
	assert.NoFileExists(t, BackupPathFor(dst))
	assert.NoFileExists(t, dst+".downgrade")

	p, err = r.Refresh(dst)
	require.NoError(t, err)
	assert.False(t, p.HasBackup)
	assert.False(t, IsDowngradable(p))
	assert.True(t, HasErrorCode(Downgrade(p), ErrCodeNoBackup))
}

func TestDowngrade_SameVersionBackupIsNotDowngradable(t *testing.T) {
	dir := t.TempDir()
	dst := installPlugin(t, dir, "p", "1.0", "", nil)
	writeArchive(t, BackupPathFor(dst), pluginManifest("p", "1.0", ""), nil)
	r := newScannedRegistry(t, dir, nil)
	p, _ := r.Get("p")
	assert.True(t, p.HasBackup)
	assert.False(t, IsDowngradable(p))
}

// install.go: Installation jobs, backup-first replacement and downgrade
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"context"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/go-timecache"
	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
)

// InstallJob downloads one catalog entry and swaps it into the plugins directory.
//
// A job is confined to its destination path. It never removes the artifact
// it replaces before that artifact has been moved to the backup location.
type InstallJob struct {
	ID          uuid.UUID
	Entry       *CatalogEntry
	Destination string

	mu         sync.RWMutex
	state      JobState
	err        error
	startedAt  time.Time
	finishedAt time.Time
	written    atomic.Int64
}

// JobStatus is a point-in-time view of a job.
type JobStatus struct {
	ID          string    `json:"id" yaml:"id"`
	Plugin      string    `json:"plugin" yaml:"plugin"`
	Version     string    `json:"version" yaml:"version"`
	State       JobState  `json:"state" yaml:"state"`
	Error       string    `json:"error,omitempty" yaml:"error,omitempty"`
	Destination string    `json:"destination" yaml:"destination"`
	Bytes       int64     `json:"bytes" yaml:"bytes"`
	StartedAt   time.Time `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	FinishedAt  time.Time `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
}

// Succeeded reports whether the job installed its artifact.
func (s JobStatus) Succeeded() bool {
	return s.State == JobInstalled
}

// NewInstallJob creates a pending job. destination is the artifact path the
// plugin will occupy, usually <pluginsDir>/<name>.hpi.
func NewInstallJob(entry *CatalogEntry, destination string) *InstallJob {
	return &InstallJob{
		ID:          uuid.New(),
		Entry:       entry,
		Destination: destination,
		state:       JobPending,
	}
}

// DestinationFor returns where a catalog entry is installed when no
// artifact for it exists yet.
func DestinationFor(pluginsDir, name string) string {
	return filepath.Join(pluginsDir, name+ArchiveExtension)
}

// State returns the current state.
func (j *InstallJob) State() JobState {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.state
}

// Err returns the failure of a finished job.
func (j *InstallJob) Err() error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.err
}

// Status returns a snapshot of the job.
func (j *InstallJob) Status() JobStatus {
	j.mu.RLock()
	defer j.mu.RUnlock()
	s := JobStatus{
		ID:          j.ID.String(),
		Plugin:      j.Entry.Name,
		Version:     j.Entry.Version,
		State:       j.state,
		Destination: j.Destination,
		Bytes:       j.written.Load(),
		StartedAt:   j.startedAt,
		FinishedAt:  j.finishedAt,
	}
	if j.err != nil {
		s.Error = j.err.Error()
	}
	return s
}

func (j *InstallJob) transition(state JobState, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.state = state
	j.err = err
	switch {
	case state == JobDownloading:
		j.startedAt = timecache.CachedTime()
	case state.IsTerminal():
		j.finishedAt = timecache.CachedTime()
	}
}

// Run downloads the artifact to "<destination>.tmp", verifies its length and
// digest, then replaces the destination. The returned error is also kept on
// the job.
func (j *InstallJob) Run(ctx context.Context, fetcher Fetcher) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewReplaceError(j.Entry.Name, "panic", fmt.Errorf("%v", r))
			j.transition(JobFailedReplace, err)
		}
	}()

	j.transition(JobDownloading, nil)
	tmp := j.Destination + TempExtension
	if err := j.download(ctx, fetcher, tmp); err != nil {
		_ = os.Remove(tmp)
		j.transition(JobFailedDownload, err)
		return err
	}
	if err := replaceArtifact(j.Entry.Name, tmp, j.Destination); err != nil {
		_ = os.Remove(tmp)
		j.transition(JobFailedReplace, err)
		return err
	}
	j.transition(JobInstalled, nil)
	return nil
}

func (j *InstallJob) download(ctx context.Context, fetcher Fetcher, tmp string) error {
	name := j.Entry.Name
	if fetcher == nil {
		return NewDownloadError(name, j.Entry.DownloadURL, fmt.Errorf("no fetcher configured"))
	}
	verifier, expected, err := newArtifactVerifier(j.Entry)
	if err != nil {
		return NewDigestMismatchError(name, "", err.Error())
	}

	resp, err := fetcher.Open(ctx, j.Entry.DownloadURL)
	if err != nil {
		return NewDownloadError(name, j.Entry.DownloadURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := os.MkdirAll(filepath.Dir(tmp), 0o755); err != nil {
		return NewDownloadError(name, j.Entry.DownloadURL, err)
	}
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644) // #nosec G304 -- inside the plugins directory
	if err != nil {
		return NewDownloadError(name, j.Entry.DownloadURL, err)
	}

	sinks := []io.Writer{out, countingWriter{&j.written}}
	if verifier != nil {
		sinks = append(sinks, verifier.Hash())
	}
	_, copyErr := io.Copy(io.MultiWriter(sinks...), readerWithContext{ctx: ctx, r: resp.Body})
	closeErr := out.Close()
	if errors.Is(copyErr, io.ErrUnexpectedEOF) && resp.ContentLength >= 0 {
		// The server closed the connection before the declared length.
		return NewLengthMismatchError(name, resp.ContentLength, j.written.Load())
	}
	if copyErr != nil {
		return NewDownloadError(name, j.Entry.DownloadURL, copyErr)
	}
	if closeErr != nil {
		return NewDownloadError(name, j.Entry.DownloadURL, closeErr)
	}

	if written := j.written.Load(); resp.ContentLength != -1 && resp.ContentLength != written {
		return NewLengthMismatchError(name, resp.ContentLength, written)
	}
	if verifier != nil && verifier.Digest() != expected {
		return NewDigestMismatchError(name, expected.String(), verifier.Digest().String())
	}
	return nil
}

// replaceArtifact moves dst to its backup (dropping any older backup), then
// moves tmp into dst. If the last step fails the backup is moved back.
func replaceArtifact(plugin, tmp, dst string) error {
	bak := BackupPathFor(dst)
	hadOld := fileExists(dst)

	if hadOld {
		if err := os.RemoveAll(bak); err != nil {
			return NewReplaceError(plugin, "remove old backup", err)
		}
		if err := os.Rename(dst, bak); err != nil {
			return NewReplaceError(plugin, "backup", err)
		}
	}
	if err := os.RemoveAll(dst); err != nil {
		return NewReplaceError(plugin, "remove stale destination", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		if hadOld {
			if rerr := os.Rename(bak, dst); rerr != nil {
				return NewReplaceError(plugin, "rollback", fmt.Errorf("%w (rollback: %v)", err, rerr))
			}
		}
		return NewReplaceError(plugin, "activate", err)
	}
	return nil
}

// Downgrade restores the backup of an installed plugin. The current artifact
// is moved aside first and put back if the restore fails.
func Downgrade(p *InstalledPlugin) error {
	name := p.ShortName()
	if p.IsLinked() {
		return NewDowngradeError(name, fmt.Errorf("linked plugins have no backups"))
	}
	bak := p.BackupPath()
	if !fileExists(bak) {
		return NewNoBackupError(name)
	}

	aside := p.ArchivePath + ".downgrade"
	if err := os.RemoveAll(aside); err != nil {
		return NewDowngradeError(name, err)
	}
	if err := os.Rename(p.ArchivePath, aside); err != nil && !os.IsNotExist(err) {
		return NewDowngradeError(name, err)
	}
	if err := os.Rename(bak, p.ArchivePath); err != nil {
		_ = os.Rename(aside, p.ArchivePath)
		return NewDowngradeError(name, err)
	}
	if err := os.RemoveAll(aside); err != nil {
		return NewDowngradeError(name, err)
	}
	return nil
}

// IsDowngradable reports whether a backup exists and carries a different
// version than the installed one.
func IsDowngradable(p *InstalledPlugin) bool {
	if !p.HasBackup {
		return false
	}
	d, err := ReadArchiveDescriptor(p.BackupPath())
	if err != nil {
		return false
	}
	return d.Version != p.Version()
}

// newArtifactVerifier prefers sha512 over sha256. Catalog digests may be
// hex or base64 encoded.
func newArtifactVerifier(e *CatalogEntry) (digest.Digester, digest.Digest, error) {
	var alg digest.Algorithm
	var value string
	switch {
	case e.SHA512 != "":
		alg, value = digest.SHA512, e.SHA512
	case e.SHA256 != "":
		alg, value = digest.SHA256, e.SHA256
	default:
		return nil, "", nil
	}

	encoded, err := normalizeDigest(alg, value)
	if err != nil {
		return nil, "", err
	}
	expected := digest.NewDigestFromEncoded(alg, encoded)
	if err := expected.Validate(); err != nil {
		return nil, "", err
	}
	return alg.Digester(), expected, nil
}

func normalizeDigest(alg digest.Algorithm, value string) (string, error) {
	if len(value) == alg.Size()*2 {
		if _, err := hex.DecodeString(value); err == nil {
			return value, nil
		}
	}
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil || len(raw) != alg.Size() {
		return "", fmt.Errorf("malformed %s digest %q", alg, value)
	}
	return hex.EncodeToString(raw), nil
}

type countingWriter struct {
	n *atomic.Int64
}

func (c countingWriter) Write(p []byte) (int, error) {
	c.n.Add(int64(len(p)))
	return len(p), nil
}

// readerWithContext stops a download once ctx is done.
type readerWithContext struct {
	ctx context.Context
	r   io.Reader
}

func (r readerWithContext) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}

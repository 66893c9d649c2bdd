// jobs.go: Worker pool running installation jobs
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/agilira/go-timecache"
	"golang.org/x/sync/errgroup"
)

// DefaultWorkers is the default number of concurrent installation jobs.
const DefaultWorkers = 2

// JobListener is notified when a job reaches a terminal state.
type JobListener func(job *InstallJob)

// JobQueue runs installation jobs on a bounded worker pool.
//
// Jobs for different plugins run concurrently. Jobs for the same short name
// run one after another in submission order, since they target the same
// file. A job failure never affects other jobs.
type JobQueue struct {
	ctx     context.Context
	fetcher Fetcher
	logger  Logger
	metrics *Metrics

	group *errgroup.Group

	mu        sync.Mutex
	jobs      []*InstallJob
	locks     map[string]*sync.Mutex
	listeners []JobListener
	closed    bool
}

// NewJobQueue creates a queue. ctx bounds every job it runs.
func NewJobQueue(ctx context.Context, workers int, fetcher Fetcher, logger Logger, metrics *Metrics) *JobQueue {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	g := new(errgroup.Group)
	g.SetLimit(workers)
	return &JobQueue{
		ctx:     ctx,
		fetcher: fetcher,
		logger:  NewLogger(logger),
		metrics: metrics,
		group:   g,
		locks:   make(map[string]*sync.Mutex),
	}
}

// OnComplete registers a listener for finished jobs.
func (q *JobQueue) OnComplete(listener JobListener) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.listeners = append(q.listeners, listener)
}

// Submit schedules an installation. It blocks while all workers are busy.
// Submitting the same plugin version while an earlier job for it is still
// pending or running is rejected.
func (q *JobQueue) Submit(entry *CatalogEntry, destination string) (*InstallJob, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, NewQueueClosedError()
	}
	for _, existing := range q.jobs {
		if strings.EqualFold(existing.Entry.Name, entry.Name) &&
			existing.Entry.Version == entry.Version &&
			!existing.State().IsTerminal() {
			q.mu.Unlock()
			return nil, NewJobConflictError(entry.Name)
		}
	}
	job := NewInstallJob(entry, destination)
	q.jobs = append(q.jobs, job)
	lock := q.lockFor(entry.Name)
	q.mu.Unlock()

	q.logger.Info("Installation job queued", "plugin", entry.Name, "version", entry.Version, "job", job.ID)
	q.group.Go(func() error {
		defer withStackRecover(q.logger)()
		lock.Lock()
		defer lock.Unlock()
		q.run(job)
		return nil
	})
	return job, nil
}

func (q *JobQueue) run(job *InstallJob) {
	start := timecache.CachedTime()
	q.metrics.JobStarted()

	err := job.Run(q.ctx, q.fetcher)

	state := job.State()
	q.metrics.JobFinished(state, time.Since(start))
	if err != nil {
		q.logger.Error("Installation job failed",
			"plugin", job.Entry.Name, "job", job.ID, "state", state.String(), "error", err)
	} else {
		q.logger.Info("Installation job finished",
			"plugin", job.Entry.Name, "version", job.Entry.Version, "job", job.ID)
	}

	q.mu.Lock()
	listeners := append([]JobListener(nil), q.listeners...)
	q.mu.Unlock()
	for _, l := range listeners {
		l(job)
	}
}

// lockFor must be called with q.mu held.
func (q *JobQueue) lockFor(name string) *sync.Mutex {
	key := strings.ToLower(name)
	l, ok := q.locks[key]
	if !ok {
		l = &sync.Mutex{}
		q.locks[key] = l
	}
	return l
}

// Wait blocks until every submitted job has finished.
func (q *JobQueue) Wait() error {
	return q.group.Wait()
}

// Close rejects further submissions and waits for running jobs.
func (q *JobQueue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	return q.group.Wait()
}

// Jobs returns the status of every job submitted so far, oldest first.
func (q *JobQueue) Jobs() []JobStatus {
	q.mu.Lock()
	jobs := append([]*InstallJob(nil), q.jobs...)
	q.mu.Unlock()

	out := make([]JobStatus, len(jobs))
	for i, j := range jobs {
		out[i] = j.Status()
	}
	return out
}

// Job finds a job by ID.
func (q *JobQueue) Job(id string) (*InstallJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, j := range q.jobs {
		if j.ID.String() == id {
			return j, true
		}
	}
	return nil, false
}

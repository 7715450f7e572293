// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kraklabs/cks/internal/errors"
)

// JobStatus is the async-update lifecycle.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobTimeout   JobStatus = "timeout"
)

// terminal reports whether the status can still change.
func (s JobStatus) terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobTimeout
}

// Job is one tracked incremental update.
type Job struct {
	ID          string    `json:"job_id"`
	Repository  string    `json:"repository"`
	Status      JobStatus `json:"status"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
	Result      any       `json:"result,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// Tracker defaults.
const (
	DefaultMaxJobs   = 100
	DefaultMaxJobAge = time.Hour
)

// TrackerConfig sizes the job table. Zero values take defaults.
type TrackerConfig struct {
	MaxJobs       int
	MaxJobAge     time.Duration
	SweepInterval time.Duration
}

func (c *TrackerConfig) applyDefaults() {
	if c.MaxJobs <= 0 {
		c.MaxJobs = DefaultMaxJobs
	}
	if c.MaxJobAge <= 0 {
		c.MaxJobAge = DefaultMaxJobAge
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
}

// Tracker records async update jobs and enforces one running job per
// repository.
type Tracker struct {
	cfg    TrackerConfig
	logger *slog.Logger

	mu   sync.Mutex
	jobs map[string]*Job

	stop chan struct{}
	done chan struct{}
	now  func() time.Time
}

func NewTracker(cfg TrackerConfig, logger *slog.Logger) *Tracker {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		cfg:    cfg,
		logger: logger,
		jobs:   make(map[string]*Job),
		now:    time.Now,
	}
}

// Start launches the age sweeper.
func (t *Tracker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stop != nil {
		return
	}
	t.stop = make(chan struct{})
	t.done = make(chan struct{})
	go t.sweepLoop(t.stop, t.done)
}

func (t *Tracker) sweepLoop(stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			t.sweep()
		}
	}
}

// Stop halts the sweeper; tracked jobs remain queryable.
func (t *Tracker) Stop() {
	t.mu.Lock()
	stop, done := t.stop, t.done
	t.stop, t.done = nil, nil
	t.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
}

// Begin registers a pending job, rejecting when the repository already
// has one in flight.
func (t *Tracker) Begin(repository string) (*Job, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, job := range t.jobs {
		if job.Repository == repository && !job.Status.terminal() {
			return nil, errors.NewConflictError(
				fmt.Sprintf("An update for %q is already in progress", repository),
				fmt.Sprintf("job %s has status %s", job.ID, job.Status),
				"Wait for the running job to finish, or check its status with the job id",
			)
		}
	}

	t.evictLocked()
	job := &Job{
		ID:         uuid.NewString(),
		Repository: repository,
		Status:     JobPending,
		StartedAt:  t.now(),
	}
	t.jobs[job.ID] = job
	t.logger.Debug("job.created", "job_id", job.ID, "repository", repository)
	return t.snapshot(job), nil
}

// MarkRunning flips a pending job to running.
func (t *Tracker) MarkRunning(id string) {
	t.transition(id, JobRunning, nil, "")
}

// Complete records a successful result.
func (t *Tracker) Complete(id string, result any) {
	t.transition(id, JobCompleted, result, "")
}

// Fail records a failure message.
func (t *Tracker) Fail(id string, message string) {
	t.transition(id, JobFailed, nil, message)
}

// MarkTimeout records that the job exceeded its deadline.
func (t *Tracker) MarkTimeout(id string) {
	t.transition(id, JobTimeout, nil, "job timed out")
}

func (t *Tracker) transition(id string, status JobStatus, result any, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	job, ok := t.jobs[id]
	if !ok || job.Status.terminal() {
		return
	}
	job.Status = status
	if status.terminal() {
		job.CompletedAt = t.now()
		job.Result = result
		job.Error = message
	}
	t.logger.Debug("job.transition", "job_id", id, "status", status)
}

// Get returns a copy of one job.
func (t *Tracker) Get(id string) (*Job, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	job, ok := t.jobs[id]
	if !ok {
		return nil, false
	}
	return t.snapshot(job), true
}

// HasRunningJob reports whether the repository has a non-terminal job.
func (t *Tracker) HasRunningJob(repository string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, job := range t.jobs {
		if job.Repository == repository && !job.Status.terminal() {
			return true
		}
	}
	return false
}

// List returns all tracked jobs, newest first.
func (t *Tracker) List() []*Job {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Job, 0, len(t.jobs))
	for _, job := range t.jobs {
		out = append(out, t.snapshot(job))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// sweep evicts terminal jobs older than MaxJobAge.
func (t *Tracker) sweep() {
	cutoff := t.now().Add(-t.cfg.MaxJobAge)
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, job := range t.jobs {
		if job.Status.terminal() && job.CompletedAt.Before(cutoff) {
			delete(t.jobs, id)
		}
	}
}

// evictLocked keeps the table under MaxJobs by dropping the oldest
// terminal jobs first. Caller holds the lock.
func (t *Tracker) evictLocked() {
	if len(t.jobs) < t.cfg.MaxJobs {
		return
	}
	var terminal []*Job
	for _, job := range t.jobs {
		if job.Status.terminal() {
			terminal = append(terminal, job)
		}
	}
	sort.Slice(terminal, func(i, j int) bool {
		return terminal[i].CompletedAt.Before(terminal[j].CompletedAt)
	})
	for _, job := range terminal {
		if len(t.jobs) < t.cfg.MaxJobs {
			return
		}
		delete(t.jobs, job.ID)
	}
}

func (t *Tracker) snapshot(job *Job) *Job {
	copied := *job
	return &copied
}

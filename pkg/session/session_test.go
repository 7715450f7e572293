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
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ckserrors "github.com/kraklabs/cks/internal/errors"
)

type fakeTransport struct {
	closed atomic.Int32
	block  bool
}

func (f *fakeTransport) Close(ctx context.Context) error {
	f.closed.Add(1)
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func testManager(cfg ManagerConfig) *Manager {
	return NewManager(cfg, slog.New(slog.DiscardHandler))
}

func TestManagerAddGetRemove(t *testing.T) {
	m := testManager(ManagerConfig{})
	tr := &fakeTransport{}
	id := NewID()

	require.NoError(t, m.Add(id, tr))
	assert.Equal(t, 1, m.Count())

	got, ok := m.Get(id)
	require.True(t, ok)
	assert.Same(t, Transport(tr), got)

	_, ok = m.Get("unknown")
	assert.False(t, ok)

	m.Remove(id)
	assert.Equal(t, 0, m.Count())
	assert.Equal(t, int32(1), tr.closed.Load())

	// Removing twice is harmless.
	m.Remove(id)
	assert.Equal(t, int32(1), tr.closed.Load())
}

func TestManagerRejectsOverCapacity(t *testing.T) {
	m := testManager(ManagerConfig{MaxSessions: 2})
	require.NoError(t, m.Add("a", &fakeTransport{}))
	require.NoError(t, m.Add("b", &fakeTransport{}))

	err := m.Add("c", &fakeTransport{})
	var uerr *ckserrors.UserError
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, ckserrors.KindConflict, uerr.Kind)

	// Freeing a slot admits the next session.
	m.Remove("a")
	assert.NoError(t, m.Add("c", &fakeTransport{}))
}

func TestManagerSweepsIdleSessions(t *testing.T) {
	m := testManager(ManagerConfig{TTL: 10 * time.Minute})
	current := time.Now()
	m.now = func() time.Time { return current }

	idle := &fakeTransport{}
	fresh := &fakeTransport{}
	require.NoError(t, m.Add("idle", idle))
	require.NoError(t, m.Add("fresh", fresh))

	// Activity on "fresh" only, then advance past the TTL for "idle".
	current = current.Add(9 * time.Minute)
	_, ok := m.Get("fresh")
	require.True(t, ok)

	current = current.Add(2 * time.Minute)
	m.sweepIdle()

	assert.Equal(t, 1, m.Count())
	assert.Equal(t, int32(1), idle.closed.Load())
	assert.Zero(t, fresh.closed.Load())
	_, ok = m.Get("idle")
	assert.False(t, ok)
}

func TestManagerCloseIsBounded(t *testing.T) {
	m := testManager(ManagerConfig{CloseTimeout: 20 * time.Millisecond})
	blocker := &fakeTransport{block: true}
	require.NoError(t, m.Add("stuck", blocker))

	start := time.Now()
	m.Remove("stuck")
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, int32(1), blocker.closed.Load())
}

func TestManagerShutdownClosesAll(t *testing.T) {
	m := testManager(ManagerConfig{SweepInterval: time.Hour})
	m.Start()
	a, b := &fakeTransport{}, &fakeTransport{}
	require.NoError(t, m.Add("a", a))
	require.NoError(t, m.Add("b", b))

	m.Shutdown()
	assert.Equal(t, 0, m.Count())
	assert.Equal(t, int32(1), a.closed.Load())
	assert.Equal(t, int32(1), b.closed.Load())
}

func testTracker(cfg TrackerConfig) *Tracker {
	return NewTracker(cfg, slog.New(slog.DiscardHandler))
}

func TestTrackerLifecycle(t *testing.T) {
	tr := testTracker(TrackerConfig{})

	job, err := tr.Begin("repo")
	require.NoError(t, err)
	assert.Equal(t, JobPending, job.Status)
	assert.NotEmpty(t, job.ID)
	assert.True(t, tr.HasRunningJob("repo"))

	tr.MarkRunning(job.ID)
	got, ok := tr.Get(job.ID)
	require.True(t, ok)
	assert.Equal(t, JobRunning, got.Status)

	tr.Complete(job.ID, map[string]any{"status": "updated"})
	got, ok = tr.Get(job.ID)
	require.True(t, ok)
	assert.Equal(t, JobCompleted, got.Status)
	assert.False(t, got.CompletedAt.IsZero())
	assert.NotNil(t, got.Result)
	assert.False(t, tr.HasRunningJob("repo"))

	// Terminal jobs do not transition again.
	tr.Fail(job.ID, "late failure")
	got, _ = tr.Get(job.ID)
	assert.Equal(t, JobCompleted, got.Status)
}

func TestTrackerRejectsConcurrentRepoJobs(t *testing.T) {
	tr := testTracker(TrackerConfig{})

	first, err := tr.Begin("repo")
	require.NoError(t, err)

	_, err = tr.Begin("repo")
	var uerr *ckserrors.UserError
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, ckserrors.KindConflict, uerr.Kind)

	// Other repositories are independent.
	_, err = tr.Begin("other")
	assert.NoError(t, err)

	tr.Fail(first.ID, "boom")
	_, err = tr.Begin("repo")
	assert.NoError(t, err)
}

func TestTrackerSweepEvictsOldTerminalJobs(t *testing.T) {
	tr := testTracker(TrackerConfig{MaxJobAge: 10 * time.Minute})
	current := time.Now()
	tr.now = func() time.Time { return current }

	old, err := tr.Begin("a")
	require.NoError(t, err)
	tr.Complete(old.ID, nil)

	current = current.Add(11 * time.Minute)
	running, err := tr.Begin("b")
	require.NoError(t, err)

	tr.sweep()

	_, ok := tr.Get(old.ID)
	assert.False(t, ok)
	_, ok = tr.Get(running.ID)
	assert.True(t, ok)
}

func TestTrackerCapsRetainedJobs(t *testing.T) {
	tr := testTracker(TrackerConfig{MaxJobs: 3})
	current := time.Now()
	tr.now = func() time.Time { return current }

	var ids []string
	for i, repo := range []string{"a", "b", "c"} {
		job, err := tr.Begin(repo)
		require.NoError(t, err)
		tr.Complete(job.ID, nil)
		ids = append(ids, job.ID)
		current = current.Add(time.Duration(i+1) * time.Minute)
	}

	// The table is full; starting a new job evicts the oldest
	// completed one.
	_, err := tr.Begin("d")
	require.NoError(t, err)

	_, ok := tr.Get(ids[0])
	assert.False(t, ok)
	_, ok = tr.Get(ids[2])
	assert.True(t, ok)

	jobs := tr.List()
	assert.LessOrEqual(t, len(jobs), 3)
}

func TestTrackerListNewestFirst(t *testing.T) {
	tr := testTracker(TrackerConfig{})
	current := time.Now()
	tr.now = func() time.Time { return current }

	a, err := tr.Begin("a")
	require.NoError(t, err)
	current = current.Add(time.Minute)
	b, err := tr.Begin("b")
	require.NoError(t, err)

	jobs := tr.List()
	require.Len(t, jobs, 2)
	assert.Equal(t, b.ID, jobs[0].ID)
	assert.Equal(t, a.ID, jobs[1].ID)
}

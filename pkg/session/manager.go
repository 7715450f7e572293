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

// Package session tracks streaming transport sessions and long-running
// update jobs. Both maps are process-wide with explicit start/stop
// hooks; sweeps run on interval timers and are idempotent.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kraklabs/cks/internal/errors"
)

// Transport is the per-session connection a manager owns. Closing must
// be safe to call once; the manager bounds it with a timeout.
type Transport interface {
	Close(ctx context.Context) error
}

// Manager defaults.
const (
	DefaultMaxSessions   = 32
	DefaultSessionTTL    = 30 * time.Minute
	DefaultSweepInterval = 5 * time.Minute
	DefaultCloseTimeout  = 2 * time.Second
)

// ManagerConfig sizes the session table. Zero values take defaults.
type ManagerConfig struct {
	MaxSessions   int
	TTL           time.Duration
	SweepInterval time.Duration
	CloseTimeout  time.Duration
}

func (c *ManagerConfig) applyDefaults() {
	if c.MaxSessions <= 0 {
		c.MaxSessions = DefaultMaxSessions
	}
	if c.TTL <= 0 {
		c.TTL = DefaultSessionTTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = DefaultCloseTimeout
	}
}

type sessionEntry struct {
	transport    Transport
	createdAt    time.Time
	lastActivity time.Time
}

// Manager holds active streaming sessions with a cap and an idle TTL.
type Manager struct {
	cfg    ManagerConfig
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*sessionEntry

	stop chan struct{}
	done chan struct{}
	now  func() time.Time
}

func NewManager(cfg ManagerConfig, logger *slog.Logger) *Manager {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[string]*sessionEntry),
		now:      time.Now,
	}
}

// NewID mints a session identifier.
func NewID() string { return uuid.NewString() }

// Start launches the idle sweeper. Safe to call once.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop != nil {
		return
	}
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.sweepLoop(m.stop, m.done)
}

func (m *Manager) sweepLoop(stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.sweepIdle()
		}
	}
}

// Add registers a new session, rejecting when the table is full.
func (m *Manager) Add(id string, t Transport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sessions) >= m.cfg.MaxSessions {
		return errors.NewConflictError(
			"Too many active sessions",
			fmt.Sprintf("the session limit is %d", m.cfg.MaxSessions),
			"Close unused sessions or raise the session limit",
		)
	}
	now := m.now()
	m.sessions[id] = &sessionEntry{transport: t, createdAt: now, lastActivity: now}
	m.logger.Debug("session.opened", "session_id", id, "active", len(m.sessions))
	return nil
}

// Get returns the session transport and refreshes its activity clock.
func (m *Manager) Get(id string) (Transport, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	entry.lastActivity = m.now()
	return entry.transport, true
}

// Remove closes and forgets one session.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	entry, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return
	}
	m.closeTransport(id, entry.transport)
}

// Count reports active sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// sweepIdle closes sessions idle beyond the TTL.
func (m *Manager) sweepIdle() {
	cutoff := m.now().Add(-m.cfg.TTL)

	m.mu.Lock()
	var expired []string
	var transports []Transport
	for id, entry := range m.sessions {
		if entry.lastActivity.Before(cutoff) {
			expired = append(expired, id)
			transports = append(transports, entry.transport)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for i, id := range expired {
		m.logger.Info("session.expired", "session_id", id)
		m.closeTransport(id, transports[i])
	}
}

// closeTransport bounds Close so a hung stream cannot stall sweeps or
// shutdown.
func (m *Manager) closeTransport(id string, t Transport) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CloseTimeout)
	defer cancel()
	if err := t.Close(ctx); err != nil {
		m.logger.Warn("session.close_failed", "session_id", id, "err", err)
	}
}

// Shutdown stops the sweeper and closes every remaining session.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	stop, done := m.stop, m.done
	m.stop, m.done = nil, nil
	remaining := make(map[string]Transport, len(m.sessions))
	for id, entry := range m.sessions {
		remaining[id] = entry.transport
	}
	m.sessions = make(map[string]*sessionEntry)
	m.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	for id, t := range remaining {
		m.closeTransport(id, t)
	}
}

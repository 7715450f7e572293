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

// Package watcher turns filesystem notifications over configured
// folders into debounced file events. Events for the same absolute
// path coalesce within the debounce window; handlers run sequentially
// per event and a failing handler never stops the others.
package watcher

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/kraklabs/cks/internal/errors"
)

// EventType classifies a coalesced file event.
type EventType string

const (
	EventCreate EventType = "create"
	EventWrite  EventType = "write"
	EventRemove EventType = "remove"
	EventRename EventType = "rename"
)

// FileEvent is one debounced change.
type FileEvent struct {
	FolderID string
	Path     string // absolute
	RelPath  string // POSIX-relative to the folder root
	Type     EventType
	At       time.Time
}

// Folder configures one watched tree.
type Folder struct {
	ID              string
	Path            string
	IncludePatterns []string
	ExcludePatterns []string
	Debounce        time.Duration
}

// State of one folder watcher.
type State string

const (
	StateWatching State = "watching"
	StateError    State = "error"
	StateStopped  State = "stopped"
)

// FolderStatus is a point-in-time snapshot for one folder.
type FolderStatus struct {
	ID            string    `json:"id"`
	Path          string    `json:"path"`
	State         State     `json:"state"`
	PendingEvents int       `json:"pending_events"`
	EventsTotal   int64     `json:"events_total"`
	LastEventAt   time.Time `json:"last_event_at,omitzero"`
	Error         string    `json:"error,omitempty"`
}

// Handler consumes one debounced event.
type Handler func(FileEvent)

// ErrorHandler is notified of watcher-scoped failures.
type ErrorHandler func(folderID string, err error)

// Tuning.
const (
	DefaultDebounce       = 2 * time.Second
	DefaultMaxWatchers    = 16
	pendingWarnThreshold  = 10_000
	directoriesNotWatched = ".git,node_modules,vendor,dist,build,target,__pycache__"
)

var skipDirs = func() map[string]bool {
	m := make(map[string]bool)
	for _, d := range strings.Split(directoriesNotWatched, ",") {
		m[d] = true
	}
	return m
}()

// Service owns all folder watchers in the process.
type Service struct {
	maxWatchers int
	logger      *slog.Logger

	mu          sync.Mutex
	folders     map[string]*folderWatcher
	handlers    []Handler
	errHandlers []ErrorHandler
}

func NewService(maxWatchers int, logger *slog.Logger) *Service {
	if maxWatchers <= 0 {
		maxWatchers = DefaultMaxWatchers
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		maxWatchers: maxWatchers,
		logger:      logger,
		folders:     make(map[string]*folderWatcher),
	}
}

// OnFileEvent registers a handler for debounced events.
func (s *Service) OnFileEvent(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, h)
}

// OnError registers a handler for watcher failures.
func (s *Service) OnError(h ErrorHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errHandlers = append(s.errHandlers, h)
}

// StartWatching begins watching one folder tree.
func (s *Service) StartWatching(folder Folder) error {
	if folder.ID == "" || folder.Path == "" {
		return errors.NewInputError(
			"Watch folder needs an id and a path",
			"both fields identify and locate the watched tree",
			"Provide folder.id and folder.path",
		)
	}
	root, err := filepath.Abs(folder.Path)
	if err != nil {
		return fmt.Errorf("resolve watch path: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return errors.NewNotFoundError(
			fmt.Sprintf("Watch folder not found: %s", folder.Path),
			"the path does not exist or is not a directory",
			"Check the configured watch folders",
		)
	}
	folder.Path = root
	if folder.Debounce <= 0 {
		folder.Debounce = DefaultDebounce
	}

	s.mu.Lock()
	if _, dup := s.folders[folder.ID]; dup {
		s.mu.Unlock()
		return errors.NewConflictError(
			fmt.Sprintf("Folder %q is already being watched", folder.ID),
			"watcher ids are unique",
			"Stop the existing watcher first or use a different id",
		)
	}
	if len(s.folders) >= s.maxWatchers {
		s.mu.Unlock()
		return errors.NewConflictError(
			"Too many active watchers",
			fmt.Sprintf("the watcher limit is %d", s.maxWatchers),
			"Stop an existing watcher or raise the limit",
		)
	}
	fw := &folderWatcher{
		folder:  folder,
		service: s,
		logger:  s.logger,
		pending: make(map[string]FileEvent),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	s.folders[folder.ID] = fw
	s.mu.Unlock()

	if err := fw.start(); err != nil {
		s.mu.Lock()
		delete(s.folders, folder.ID)
		s.mu.Unlock()
		return err
	}
	s.logger.Info("watch.started", "folder_id", folder.ID, "path", root)
	return nil
}

// StopWatching stops one folder watcher.
func (s *Service) StopWatching(id string) error {
	s.mu.Lock()
	fw, ok := s.folders[id]
	delete(s.folders, id)
	s.mu.Unlock()
	if !ok {
		return errors.NewNotFoundError(
			fmt.Sprintf("No watcher with id %q", id),
			"the id does not match an active watcher",
			"List active watchers with their statuses",
		)
	}
	fw.shutdown()
	s.logger.Info("watch.stopped", "folder_id", id)
	return nil
}

// StopAll stops every watcher.
func (s *Service) StopAll() {
	s.mu.Lock()
	watchers := make([]*folderWatcher, 0, len(s.folders))
	for _, fw := range s.folders {
		watchers = append(watchers, fw)
	}
	s.folders = make(map[string]*folderWatcher)
	s.mu.Unlock()
	for _, fw := range watchers {
		fw.shutdown()
	}
}

// Statuses snapshots every watcher, sorted by folder id.
func (s *Service) Statuses() []FolderStatus {
	s.mu.Lock()
	watchers := make([]*folderWatcher, 0, len(s.folders))
	for _, fw := range s.folders {
		watchers = append(watchers, fw)
	}
	s.mu.Unlock()

	out := make([]FolderStatus, 0, len(watchers))
	for _, fw := range watchers {
		out = append(out, fw.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Service) dispatch(ev FileEvent) {
	s.mu.Lock()
	handlers := make([]Handler, len(s.handlers))
	copy(handlers, s.handlers)
	s.mu.Unlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("watch.handler_panic", "folder_id", ev.FolderID, "path", ev.RelPath, "panic", r)
				}
			}()
			h(ev)
		}()
	}
}

func (s *Service) notifyError(folderID string, err error) {
	s.mu.Lock()
	handlers := make([]ErrorHandler, len(s.errHandlers))
	copy(handlers, s.errHandlers)
	s.mu.Unlock()
	for _, h := range handlers {
		h(folderID, err)
	}
}

// folderWatcher is one fsnotify loop with per-path coalescing.
type folderWatcher struct {
	folder  Folder
	service *Service
	logger  *slog.Logger
	fsw     *fsnotify.Watcher

	mu          sync.Mutex
	state       State
	lastErr     string
	pending     map[string]FileEvent
	eventsTotal int64
	lastEventAt time.Time
	warned      bool

	stop chan struct{}
	done chan struct{}
}

func (fw *folderWatcher) start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.NewInternalError(
			"Cannot create filesystem watcher",
			err.Error(),
			"Check the open file descriptor limit",
			err,
		)
	}
	fw.fsw = fsw

	if err := fw.addTree(fw.folder.Path); err != nil {
		_ = fsw.Close()
		return err
	}
	fw.setState(StateWatching, "")
	go fw.loop()
	return nil
}

// addTree registers the root and every non-excluded subdirectory.
// WalkDir does not follow symlinks, so linked trees stay unwatched.
func (fw *folderWatcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsPermission(err) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		base := filepath.Base(path)
		if path != root && (skipDirs[base] || strings.HasPrefix(base, ".")) {
			return filepath.SkipDir
		}
		if addErr := fw.fsw.Add(path); addErr != nil {
			fw.logger.Warn("watch.add_failed", "folder_id", fw.folder.ID, "path", path, "err", addErr)
			if os.IsPermission(addErr) {
				return filepath.SkipDir
			}
		}
		return nil
	})
}

func (fw *folderWatcher) loop() {
	defer close(fw.done)

	var timer *time.Timer
	var timerCh <-chan time.Time

	flush := func() {
		timerCh = nil
		for _, ev := range fw.takePending() {
			fw.service.dispatch(ev)
		}
	}

	for {
		select {
		case <-fw.stop:
			if timer != nil {
				timer.Stop()
			}
			flush()
			return

		case event, ok := <-fw.fsw.Events:
			if !ok {
				flush()
				return
			}
			if !fw.accept(event) {
				continue
			}
			fw.record(event)
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(fw.folder.Debounce)
			timerCh = timer.C

		case err, ok := <-fw.fsw.Errors:
			if !ok {
				flush()
				return
			}
			fw.setState(StateError, err.Error())
			fw.logger.Warn("watch.error", "folder_id", fw.folder.ID, "err", err)
			fw.service.notifyError(fw.folder.ID, err)

		case <-timerCh:
			flush()
		}
	}
}

// accept filters raw events by the folder's patterns. Directory
// creations extend the watch instead of producing events.
func (fw *folderWatcher) accept(event fsnotify.Event) bool {
	if event.Op&fsnotify.Chmod != 0 && event.Op&^fsnotify.Chmod == 0 {
		return false
	}

	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Lstat(event.Name); err == nil && info.IsDir() {
			base := filepath.Base(event.Name)
			if !skipDirs[base] && !strings.HasPrefix(base, ".") {
				_ = fw.addTree(event.Name)
			}
			return false
		}
	}

	rel, err := filepath.Rel(fw.folder.Path, event.Name)
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	for _, part := range strings.Split(rel, "/") {
		if skipDirs[part] || strings.HasPrefix(part, ".") {
			return false
		}
	}
	base := filepath.Base(event.Name)
	for _, pattern := range fw.folder.ExcludePatterns {
		if matchPattern(pattern, base, rel) {
			return false
		}
	}
	if len(fw.folder.IncludePatterns) > 0 {
		for _, pattern := range fw.folder.IncludePatterns {
			if matchPattern(pattern, base, rel) {
				return true
			}
		}
		return false
	}
	return true
}

// matchPattern matches slashless patterns against the basename and
// path patterns against the relative path.
func matchPattern(pattern, base, rel string) bool {
	target := rel
	if !strings.Contains(pattern, "/") {
		target = base
	}
	ok, err := doublestar.Match(pattern, target)
	return err == nil && ok
}

// record coalesces the event into the pending map, last write wins.
func (fw *folderWatcher) record(event fsnotify.Event) {
	abs := event.Name
	rel, _ := filepath.Rel(fw.folder.Path, abs)

	fw.mu.Lock()
	defer fw.mu.Unlock()
	fw.eventsTotal++
	fw.lastEventAt = time.Now()
	fw.pending[abs] = FileEvent{
		FolderID: fw.folder.ID,
		Path:     abs,
		RelPath:  filepath.ToSlash(rel),
		Type:     eventTypeOf(event.Op),
		At:       fw.lastEventAt,
	}
	if len(fw.pending) > pendingWarnThreshold && !fw.warned {
		fw.warned = true
		fw.logger.Warn("watch.pending_overflow",
			"folder_id", fw.folder.ID,
			"pending", len(fw.pending),
		)
		go fw.service.notifyError(fw.folder.ID,
			fmt.Errorf("pending events exceed %d for folder %s", pendingWarnThreshold, fw.folder.ID))
	}
}

// takePending drains the coalescing buffer in path order.
func (fw *folderWatcher) takePending() []FileEvent {
	fw.mu.Lock()
	events := make([]FileEvent, 0, len(fw.pending))
	for _, ev := range fw.pending {
		events = append(events, ev)
	}
	fw.pending = make(map[string]FileEvent)
	fw.warned = false
	fw.mu.Unlock()

	sort.Slice(events, func(i, j int) bool { return events[i].Path < events[j].Path })
	return events
}

func (fw *folderWatcher) setState(state State, errMsg string) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	fw.state = state
	fw.lastErr = errMsg
}

func (fw *folderWatcher) status() FolderStatus {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return FolderStatus{
		ID:            fw.folder.ID,
		Path:          fw.folder.Path,
		State:         fw.state,
		PendingEvents: len(fw.pending),
		EventsTotal:   fw.eventsTotal,
		LastEventAt:   fw.lastEventAt,
		Error:         fw.lastErr,
	}
}

func (fw *folderWatcher) shutdown() {
	close(fw.stop)
	_ = fw.fsw.Close()
	<-fw.done
	fw.setState(StateStopped, "")
}

func eventTypeOf(op fsnotify.Op) EventType {
	switch {
	case op&fsnotify.Create != 0:
		return EventCreate
	case op&fsnotify.Remove != 0:
		return EventRemove
	case op&fsnotify.Rename != 0:
		return EventRename
	default:
		return EventWrite
	}
}

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

package ingestion

import (
	"fmt"
	"sync"

	"github.com/kraklabs/cks/internal/errors"
)

// repoLocks serializes mutations per repository. TryAcquire fails fast
// instead of queueing, so a second concurrent index or update on the
// same repository is rejected rather than silently delayed.
type repoLocks struct {
	mu     sync.Mutex
	active map[string]bool
}

func newRepoLocks() *repoLocks {
	return &repoLocks{active: make(map[string]bool)}
}

// TryAcquire takes the repository lock or returns a conflict error.
// The returned release function is idempotent.
func (l *repoLocks) TryAcquire(repo string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active[repo] {
		return nil, errors.NewConflictError(
			fmt.Sprintf("Repository %q is already being processed", repo),
			"another index or update operation holds the repository lock",
			"Wait for the running operation to finish and retry",
		)
	}
	l.active[repo] = true

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.active, repo)
			l.mu.Unlock()
		})
	}, nil
}

// Held reports whether a repository is currently locked.
func (l *repoLocks) Held(repo string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active[repo]
}

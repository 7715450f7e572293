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

package embedding

import (
	"log/slog"
	"sync"

	"github.com/kraklabs/cks/internal/errors"
)

// The process-wide provider. Commands initialize it once from config;
// ingestion and search share the instance so a warm local model or a
// keep-alive daemon connection is reused across operations.
var (
	registryMu sync.Mutex
	registered Provider
)

// Initialize builds the shared provider from options. Calling it again
// replaces the previous provider.
func Initialize(opts Options, logger *slog.Logger) (Provider, error) {
	p, err := NewProvider(opts, logger)
	if err != nil {
		return nil, err
	}
	registryMu.Lock()
	registered = p
	registryMu.Unlock()
	return p, nil
}

// Shared returns the process-wide provider, or an error when Initialize
// has not run.
func Shared() (Provider, error) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if registered == nil {
		return nil, errors.NewInternalError(
			"Embedding provider not initialized",
			"Shared() was called before Initialize()",
			"Initialize the embedding provider during startup",
			nil,
		)
	}
	return registered, nil
}

// Shutdown drops the shared provider. Providers hold no connections that
// outlive their HTTP clients, so dropping the reference is enough.
func Shutdown() {
	registryMu.Lock()
	registered = nil
	registryMu.Unlock()
}

// SetSharedForTesting installs a provider directly, bypassing construction.
func SetSharedForTesting(p Provider) {
	registryMu.Lock()
	registered = p
	registryMu.Unlock()
}

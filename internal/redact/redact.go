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

// Package redact strips secrets from strings and errors before they are
// logged or surfaced to users.
//
// Every error message that may carry provider credentials (API keys,
// bearer tokens) must pass through this package before leaving the
// component that produced it.
package redact

import (
	"errors"
	"regexp"
)

var (
	// API keys in the OpenAI style: sk- followed by a long run of key chars.
	apiKeyPattern = regexp.MustCompile(`sk-[A-Za-z0-9_-]{20,}`)

	// Any long alphanumeric run is treated as a potential token. 40 chars is
	// long enough to avoid false positives on identifiers and hashes that
	// are safe to show would also match; erring on the side of redaction.
	longTokenPattern = regexp.MustCompile(`[A-Za-z0-9]{40,}`)

	// Bearer credentials embedded in header dumps.
	bearerPattern = regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/=-]{8,}`)
)

// String returns s with all recognized secret shapes replaced.
func String(s string) string {
	s = apiKeyPattern.ReplaceAllString(s, "sk-***")
	s = bearerPattern.ReplaceAllString(s, "Bearer ***")
	s = longTokenPattern.ReplaceAllString(s, "***")
	return s
}

// Error wraps err so that its message is redacted. The original error is
// not kept in the chain: unwrapping would expose the secret again.
// Returns nil when err is nil.
func Error(err error) error {
	if err == nil {
		return nil
	}
	clean := String(err.Error())
	if clean == err.Error() {
		return err
	}
	return errors.New(clean)
}

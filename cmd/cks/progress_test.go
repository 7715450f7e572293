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

package main

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProgressConfig(t *testing.T) {
	tests := []struct {
		name    string
		globals GlobalFlags
		noColor bool
	}{
		// Enabled is always false here: stderr is not a TTY under `go test`.
		{name: "defaults", globals: GlobalFlags{}},
		{name: "quiet", globals: GlobalFlags{Quiet: true}},
		{name: "json implies quiet", globals: GlobalFlags{JSON: true, Quiet: true}},
		{name: "no-color propagates", globals: GlobalFlags{NoColor: true}, noColor: true},
		{name: "verbosity has no effect", globals: GlobalFlags{Verbose: 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewProgressConfig(tt.globals)
			assert.False(t, cfg.Enabled)
			assert.Equal(t, tt.noColor, cfg.NoColor)
			assert.Equal(t, os.Stderr, cfg.Writer)
		})
	}
}

func TestNewProgressBar(t *testing.T) {
	t.Run("disabled config returns nil", func(t *testing.T) {
		assert.Nil(t, NewProgressBar(ProgressConfig{}, 100, "Indexing"))
	})

	t.Run("enabled bar is usable", func(t *testing.T) {
		var buf bytes.Buffer
		bar := NewProgressBar(ProgressConfig{Enabled: true, Writer: &buf}, 100, "Indexing")
		require.NotNil(t, bar)
		require.NoError(t, bar.Set(50))
		require.NoError(t, bar.Finish())
	})
}

func TestNewSpinner(t *testing.T) {
	assert.Nil(t, NewSpinner(ProgressConfig{}, "Cloning"))

	var buf bytes.Buffer
	sp := NewSpinner(ProgressConfig{Enabled: true, Writer: &buf}, "Cloning")
	require.NotNil(t, sp)
	require.NoError(t, sp.Add(1))
	require.NoError(t, sp.Finish())
}

func TestShortSHA(t *testing.T) {
	assert.Equal(t, "0123abcd", shortSHA("0123abcdef0123abcdef0123abcdef0123abcdef"))
	assert.Equal(t, "abc", shortSHA("abc"))
	assert.Equal(t, "", shortSHA(""))
}

func TestPluralY(t *testing.T) {
	assert.Equal(t, "y", pluralY(1))
	assert.Equal(t, "ies", pluralY(0))
	assert.Equal(t, "ies", pluralY(2))
}

func TestOrFallbacks(t *testing.T) {
	assert.Equal(t, []string{".go"}, orSlice([]string{".go"}, []string{".ts"}))
	assert.Equal(t, []string{".ts"}, orSlice(nil, []string{".ts"}))
	assert.Equal(t, int64(5), orInt64(5, 10))
	assert.Equal(t, int64(10), orInt64(0, 10))
}

func TestConfigPathHint(t *testing.T) {
	assert.Equal(t, "/etc/cks.yaml", configPathHint(GlobalFlags{ConfigPath: "/etc/cks.yaml"}))
	assert.Equal(t, "~/.cks/config.yaml", configPathHint(GlobalFlags{}))
}

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

package redact

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStringRedactsAPIKeys(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "openai style key",
			input: "auth failed for key sk-abcdefghij1234567890ABCDEF",
			want:  "auth failed for key sk-***",
		},
		{
			name:  "short sk prefix left alone",
			input: "task sk-12 is fine",
			want:  "task sk-12 is fine",
		},
		{
			name:  "long alphanumeric token",
			input: "token " + strings.Repeat("a1", 25) + " rejected",
			want:  "token *** rejected",
		},
		{
			name:  "bearer header",
			input: "Authorization: Bearer abc123def456ghi789",
			want:  "Authorization: Bearer ***",
		},
		{
			name:  "clean message untouched",
			input: "connection refused to localhost:6334",
			want:  "connection refused to localhost:6334",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, String(tt.input))
		})
	}
}

func TestErrorRedaction(t *testing.T) {
	err := errors.New("401 unauthorized: sk-abcdefghij1234567890ABCDEF")
	clean := Error(err)
	require.Error(t, clean)
	assert.NotContains(t, clean.Error(), "sk-abcdefghij")
	assert.Contains(t, clean.Error(), "sk-***")

	// A clean error passes through unchanged, preserving the chain.
	base := errors.New("plain failure")
	assert.Same(t, base, Error(base))

	assert.NoError(t, Error(nil))
}

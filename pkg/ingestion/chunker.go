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

import "strings"

// Chunk is one embeddable slice of a file, with 1-based inclusive line
// bounds.
type Chunk struct {
	Index     int
	Content   string
	StartLine int
	EndLine   int
}

// ChunkConfig sizes the splitter. MaxChars approximates the embedding
// provider's token budget at ~4 chars per token; OverlapLines repeat
// at the start of the next chunk so context survives the cut.
type ChunkConfig struct {
	MaxChars     int
	OverlapLines int
}

// DefaultChunkConfig targets an 8k-token provider budget with headroom.
var DefaultChunkConfig = ChunkConfig{MaxChars: 6000, OverlapLines: 5}

// SplitIntoChunks splits content at line boundaries. The result is a
// pure function of content and config: identical inputs produce
// identical chunks. A single line longer than the budget becomes its
// own oversized chunk rather than being cut mid-line.
func SplitIntoChunks(content string, cfg ChunkConfig) []Chunk {
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = DefaultChunkConfig.MaxChars
	}
	if cfg.OverlapLines < 0 {
		cfg.OverlapLines = 0
	}
	if strings.TrimSpace(content) == "" {
		return nil
	}

	lines := strings.Split(content, "\n")
	var chunks []Chunk
	start := 0 // 0-based index of the first line of the current chunk

	for start < len(lines) {
		size := 0
		end := start
		for end < len(lines) {
			lineLen := len(lines[end]) + 1
			if size > 0 && size+lineLen > cfg.MaxChars {
				break
			}
			size += lineLen
			end++
		}

		text := strings.Join(lines[start:end], "\n")
		if strings.TrimSpace(text) != "" {
			chunks = append(chunks, Chunk{
				Index:     len(chunks),
				Content:   text,
				StartLine: start + 1,
				EndLine:   end,
			})
		}

		if end >= len(lines) {
			break
		}
		next := end - cfg.OverlapLines
		if next <= start {
			next = end
		}
		start = next
	}
	return chunks
}

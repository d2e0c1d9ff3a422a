// Copyright 2024 TailingsIQ Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package chunker splits extracted document text into overlapping chunks
// for embedding, and cleans markdown produced by the extractors.
package chunker

import (
	"regexp"
	"strings"
)

// Split breaks text into chunks of at most size bytes, preferring to end a
// chunk on a sentence boundary. Each chunk after the first starts with up to
// overlap bytes of trailing words from the previous one. A single word
// longer than size becomes its own chunk.
func Split(text string, size, overlap int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return []string{}
	}
	if size <= 0 || len(text) <= size {
		return []string{text}
	}
	if overlap < 0 || overlap >= size/2 {
		overlap = 0
	}

	var chunks []string
	var current strings.Builder

	flush := func() {
		chunk := strings.TrimSpace(current.String())
		current.Reset()
		if chunk == "" {
			return
		}
		if cut := sentenceBreak(chunk); cut > 0 && cut < len(chunk) {
			chunks = append(chunks, strings.TrimSpace(chunk[:cut]))
			current.WriteString(strings.TrimSpace(chunk[cut:]))
			return
		}
		chunks = append(chunks, chunk)
		if tail := overlapTail(chunk, overlap); tail != "" {
			current.WriteString(tail)
		}
	}

	for _, word := range strings.Fields(text) {
		if current.Len() > 0 && current.Len()+1+len(word) > size {
			flush()
			// the carried remainder may itself still be too long
			for current.Len()+1+len(word) > size && current.Len() > 0 {
				flush()
			}
		}
		if current.Len() > 0 {
			current.WriteByte(' ')
		}
		current.WriteString(word)
	}
	if rest := strings.TrimSpace(current.String()); rest != "" {
		chunks = append(chunks, rest)
	}
	return chunks
}

// sentenceBreak returns the index just past the last sentence end in text,
// or -1 when there is none.
func sentenceBreak(text string) int {
	last := -1
	for _, ender := range []string{". ", "! ", "? ", ".\n", "!\n", "?\n"} {
		if idx := strings.LastIndex(text, ender); idx >= 0 && idx+len(ender) > last {
			last = idx + len(ender)
		}
	}
	return last
}

// overlapTail returns the trailing whole words of chunk fitting in n bytes
func overlapTail(chunk string, n int) string {
	if n <= 0 {
		return ""
	}
	words := strings.Fields(chunk)
	size := 0
	start := len(words)
	for start > 0 {
		w := len(words[start-1])
		if size+w+1 > n {
			break
		}
		size += w + 1
		start--
	}
	if start == 0 {
		// never carry a whole chunk forward
		return ""
	}
	return strings.Join(words[start:], " ")
}

var (
	headerPattern = regexp.MustCompile(`(?m)^#{1,6}[ \t]+`)
	blankRuns     = regexp.MustCompile(`\n{3,}`)
)

// ParseMarkdown turns markdown into readable plain text: header markers are
// removed and runs of blank lines collapse to one.
func ParseMarkdown(content string) string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = headerPattern.ReplaceAllString(content, "")
	content = blankRuns.ReplaceAllString(content, "\n\n")
	return strings.TrimSpace(content)
}

// Package rag turns caption files into retrievable knowledge: chunking,
// digestion into a vector store, and grounded question answering.
package rag

import (
	"strings"

	"github.com/changtimwu/you-kb/core"
)

// DefaultChunkSize bounds chunk text in characters of cue text.
const DefaultChunkSize = 1000

// ChunkCues groups consecutive cues into chunks. A cue is never split:
// cues accumulate until adding the next one would pass chunkSize, then the
// chunk closes and a new one starts. A single cue longer than chunkSize
// becomes its own chunk, untruncated. CharLength counts cue text only, so
// the bound is independent of the join separator.
func ChunkCues(videoID string, cues []core.Cue, chunkSize int) []core.Chunk {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	var chunks []core.Chunk
	var texts []string
	var charLen int
	var start, end float64

	flush := func() {
		if len(texts) == 0 {
			return
		}
		chunks = append(chunks, core.Chunk{
			VideoID:    videoID,
			Text:       strings.Join(texts, " "),
			Start:      start,
			End:        end,
			CharLength: charLen,
		})
		texts = nil
		charLen = 0
	}

	for _, cue := range cues {
		t := strings.TrimSpace(cue.Text)
		if t == "" {
			continue
		}
		if len(texts) > 0 && charLen+len(t) > chunkSize {
			flush()
		}
		if len(texts) == 0 {
			start = cue.Start
		}
		texts = append(texts, t)
		charLen += len(t)
		end = cue.End
	}
	flush()
	return chunks
}

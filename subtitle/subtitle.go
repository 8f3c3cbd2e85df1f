// Package subtitle parses and writes cue-timed caption tracks. It handles
// WebVTT as produced by video platforms and transcription services, and SRT
// as a secondary input format. Auto-generated tracks repeat partial lines
// across overlapping cues; parsing deduplicates those rolls.
package subtitle

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/changtimwu/you-kb/core"
)

var htmlTagRe = regexp.MustCompile(`<[^>]+>`)

// ParseFile parses a caption file, dispatching on extension. Errors carry
// the file path so batch callers can report which file was malformed.
func ParseFile(path string) ([]core.Cue, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cues []core.Cue
	switch strings.ToLower(filepath.Ext(path)) {
	case ".srt":
		cues, err = ParseSRT(string(data))
	default:
		cues, err = ParseVTT(string(data))
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cues, nil
}

// StripFences unwraps ASR output that arrives inside a markdown code fence,
// optionally tagged with a language hint on the opening line.
func StripFences(s string) string {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "```") {
		return s
	}
	i := strings.IndexByte(t, '\n')
	if i < 0 {
		return s
	}
	t = t[i+1:]
	t = strings.TrimSuffix(strings.TrimSpace(t), "```")
	return strings.TrimSpace(t)
}

func stripTags(s string) string {
	return htmlTagRe.ReplaceAllString(s, "")
}

func isDigitsOnly(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}

package subtitle

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/changtimwu/you-kb/core"
)

// ParseSRT parses SubRip content into cues. Sequence numbers are dropped;
// millisecond separators use commas in this format.
func ParseSRT(content string) ([]core.Cue, error) {
	var (
		cues     []core.Cue
		cur      *core.Cue
		curLines []string
		lineNo   int
	)
	flush := func() {
		if cur == nil {
			return
		}
		if text := strings.Join(curLines, " "); text != "" {
			cur.Text = text
			cues = append(cues, *cur)
		}
		cur, curLines = nil, nil
	}

	sc := bufio.NewScanner(strings.NewReader(content))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		lineNo++
		line := strings.TrimRight(sc.Text(), "\r")
		if lineNo == 1 {
			line = strings.TrimPrefix(line, "\uFEFF")
		}
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			flush()
			continue
		}
		if cur == nil && isDigitsOnly(trimmed) {
			continue
		}
		if strings.Contains(line, "-->") {
			flush()
			start, end, err := parseTimingLine(line, true)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNo, err)
			}
			cur = &core.Cue{Start: start, End: end}
			continue
		}
		if cur == nil {
			continue
		}
		text := strings.Join(strings.Fields(stripTags(line)), " ")
		if text == "" {
			continue
		}
		curLines = append(curLines, text)
	}
	flush()
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return cues, nil
}

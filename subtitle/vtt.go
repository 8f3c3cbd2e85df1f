package subtitle

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/changtimwu/you-kb/core"
)

var (
	vttHeaderRe   = regexp.MustCompile(`^WEBVTT\b.*$`)
	vttMetadataRe = regexp.MustCompile(`^(Kind|Language|NOTE|STYLE|REGION)\b`)
)

// ErrNotCaption marks input that is neither a WebVTT document nor anything
// containing parseable cues.
var ErrNotCaption = errors.New("not a caption track")

// ParseVTT parses WebVTT content into cues. Cue identifiers, metadata
// blocks, inline styling tags, and the rolling repeats of auto-generated
// tracks are all dropped; only timed text survives.
func ParseVTT(content string) ([]core.Cue, error) {
	var (
		cues      []core.Cue
		cur       *core.Cue
		curLines  []string
		prevLine  string
		sawHeader bool
		lineNo    int
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
		if vttHeaderRe.MatchString(line) {
			sawHeader = true
			continue
		}
		if vttMetadataRe.MatchString(line) {
			continue
		}
		if strings.Contains(line, "-->") {
			flush()
			start, end, err := parseTimingLine(line, false)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNo, err)
			}
			cur = &core.Cue{Start: start, End: end}
			continue
		}
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			flush()
			continue
		}
		if cur == nil {
			// Cue identifiers and block bodies outside any cue.
			continue
		}
		text := strings.Join(strings.Fields(stripTags(line)), " ")
		if text == "" || text == prevLine {
			continue
		}
		curLines = append(curLines, text)
		prevLine = text
	}
	flush()
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if !sawHeader && len(cues) == 0 {
		return nil, ErrNotCaption
	}
	return cues, nil
}

// parseTimingLine splits "start --> end [settings]" and parses both stamps.
// srt switches millisecond separator handling from dot to comma.
func parseTimingLine(line string, srt bool) (float64, float64, error) {
	parts := strings.SplitN(line, "-->", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("malformed timing line %q", line)
	}
	startStr := strings.TrimSpace(parts[0])
	endFields := strings.Fields(strings.TrimSpace(parts[1]))
	if len(endFields) == 0 {
		return 0, 0, fmt.Errorf("malformed timing line %q", line)
	}
	if srt {
		startStr = strings.Replace(startStr, ",", ".", 1)
		endFields[0] = strings.Replace(endFields[0], ",", ".", 1)
	}
	start, err := parseTimestamp(startStr)
	if err != nil {
		return 0, 0, err
	}
	end, err := parseTimestamp(endFields[0])
	if err != nil {
		return 0, 0, err
	}
	if end < start {
		return 0, 0, fmt.Errorf("cue ends before it starts: %q", line)
	}
	return start, end, nil
}

// parseTimestamp accepts "HH:MM:SS.mmm" and the short "MM:SS.mmm" form.
func parseTimestamp(s string) (float64, error) {
	parts := strings.Split(s, ":")
	var hours, minutes int
	var secStr string
	var err error
	switch len(parts) {
	case 3:
		if hours, err = strconv.Atoi(parts[0]); err != nil {
			return 0, fmt.Errorf("bad timestamp %q", s)
		}
		if minutes, err = strconv.Atoi(parts[1]); err != nil {
			return 0, fmt.Errorf("bad timestamp %q", s)
		}
		secStr = parts[2]
	case 2:
		if minutes, err = strconv.Atoi(parts[0]); err != nil {
			return 0, fmt.Errorf("bad timestamp %q", s)
		}
		secStr = parts[1]
	default:
		return 0, fmt.Errorf("bad timestamp %q", s)
	}
	seconds, err := strconv.ParseFloat(secStr, 64)
	if err != nil || seconds < 0 {
		return 0, fmt.Errorf("bad timestamp %q", s)
	}
	return float64(hours*3600+minutes*60) + seconds, nil
}

// FormatVTTTimestamp renders seconds as "HH:MM:SS.mmm".
func FormatVTTTimestamp(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	ms := int(seconds*1000 + 0.5)
	return fmt.Sprintf("%02d:%02d:%02d.%03d",
		ms/3600000, ms/60000%60, ms/1000%60, ms%1000)
}

// WriteVTT serializes cues as a WebVTT document.
func WriteVTT(w io.Writer, cues []core.Cue) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, "WEBVTT")
	fmt.Fprintln(bw)
	for _, c := range cues {
		fmt.Fprintf(bw, "%s --> %s\n%s\n\n",
			FormatVTTTimestamp(c.Start), FormatVTTTimestamp(c.End), c.Text)
	}
	return bw.Flush()
}

package core

import (
	"fmt"
	"regexp"
	"strings"
)

var unsafeChars = regexp.MustCompile(`[\\/:*?"<>|\x00-\x1f]`)

const maxNameRunes = 150

// SanitizeName makes s usable as a single path component. Empty or
// fully-stripped names come back as "unknown".
func SanitizeName(s string) string {
	s = unsafeChars.ReplaceAllString(s, "_")
	s = strings.TrimSpace(s)
	s = strings.Trim(s, ".")
	if s == "" {
		return "unknown"
	}
	if rs := []rune(s); len(rs) > maxNameRunes {
		s = string(rs[:maxNameRunes])
	}
	return s
}

// FormatMinSec renders a duration in seconds as "4m 32s".
func FormatMinSec(seconds float64) string {
	total := int(seconds)
	return fmt.Sprintf("%dm %ds", total/60, total%60)
}

// FormatHourMin renders a duration in seconds as "2h 05m".
func FormatHourMin(seconds float64) string {
	total := int(seconds)
	return fmt.Sprintf("%dh %02dm", total/3600, (total%3600)/60)
}

// FormatTimestamp renders a cue offset as "HH:MM:SS" for display and
// context tagging.
func FormatTimestamp(seconds float64) string {
	total := int(seconds)
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, (total%3600)/60, total%60)
}

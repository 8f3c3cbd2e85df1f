package core

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Sidecar preserves video provenance next to a caption file so indexing can
// recover ids for citations long after the acquisition run finished.
type Sidecar struct {
	ID       string        `json:"id"`
	Title    string        `json:"title"`
	Uploader string        `json:"uploader"`
	Duration float64       `json:"duration"`
	URL      string        `json:"url"`
	Status   CaptionStatus `json:"caption_status"`
	Language string        `json:"language"`
}

// WriteSidecar writes sc as {base}.info.json next to the caption file.
func WriteSidecar(path string, sc Sidecar) error {
	data, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// ReadSidecar loads a sidecar written by WriteSidecar or by yt-dlp's
// --write-info-json (extra fields are ignored).
func ReadSidecar(path string) (Sidecar, error) {
	var sc Sidecar
	data, err := os.ReadFile(path)
	if err != nil {
		return sc, err
	}
	if err := json.Unmarshal(data, &sc); err != nil {
		return sc, err
	}
	return sc, nil
}

var langSuffixRe = regexp.MustCompile(`^[a-zA-Z]{2,3}(-[a-zA-Z0-9]{2,8})?$`)

// SidecarPathFor maps a caption file path to its sidecar path. Caption files
// are named {base}.{lang}.{ext}; the sidecar is {base}.info.json. The
// language segment is stripped only when it plausibly is one, so dotted
// titles survive.
func SidecarPathFor(captionPath string) string {
	base := strings.TrimSuffix(captionPath, filepath.Ext(captionPath))
	if i := strings.LastIndexByte(base, '.'); i >= 0 && langSuffixRe.MatchString(base[i+1:]) {
		base = base[:i]
	}
	return base + ".info.json"
}

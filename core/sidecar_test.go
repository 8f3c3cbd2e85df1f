package core

import (
	"path/filepath"
	"testing"
)

func TestSidecarPathFor(t *testing.T) {
	cases := []struct {
		caption string
		want    string
	}{
		{"downloads/Chan/Intro to Go.en.vtt", "downloads/Chan/Intro to Go.info.json"},
		{"downloads/Chan/Intro to Go.en-US.vtt", "downloads/Chan/Intro to Go.info.json"},
		{"downloads/Chan/v2.0 release.en.vtt", "downloads/Chan/v2.0 release.info.json"},
		{"downloads/Chan/meeting.notes.vtt", "downloads/Chan/meeting.notes.info.json"},
		{"downloads/Chan/plain.vtt", "downloads/Chan/plain.info.json"},
		{"lecture.srt", "lecture.info.json"},
	}
	for _, tc := range cases {
		if got := SidecarPathFor(tc.caption); got != tc.want {
			t.Errorf("SidecarPathFor(%q) = %q, want %q", tc.caption, got, tc.want)
		}
	}
}

func TestSidecarRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "video.info.json")
	in := Sidecar{
		ID:       "dQw4w9WgXcQ",
		Title:    "Never Gonna Give You Up",
		Uploader: "Rick Astley",
		Duration: 213,
		URL:      "https://www.youtube.com/watch?v=dQw4w9WgXcQ",
		Status:   StatusOfficial,
		Language: "en",
	}
	if err := WriteSidecar(path, in); err != nil {
		t.Fatalf("write: %v", err)
	}
	out, err := ReadSidecar(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if out != in {
		t.Fatalf("round trip mismatch: %+v != %+v", out, in)
	}
}

func TestReadSidecarMissing(t *testing.T) {
	if _, err := ReadSidecar(filepath.Join(t.TempDir(), "nope.info.json")); err == nil {
		t.Fatal("expected error for missing sidecar")
	}
}

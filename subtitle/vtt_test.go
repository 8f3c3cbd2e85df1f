package subtitle

import (
	"errors"
	"math"
	"strings"
	"testing"
)

const sampleVTT = `WEBVTT
Kind: captions
Language: en

1
00:00:00.000 --> 00:00:02.500
Welcome to the course.

2
00:00:02.500 --> 00:00:05.000
Today we cover goroutines
and channels.
`

func TestParseVTT(t *testing.T) {
	cues, err := ParseVTT(sampleVTT)
	if err != nil {
		t.Fatalf("ParseVTT failed: %v", err)
	}
	if len(cues) != 2 {
		t.Fatalf("expected 2 cues, got %d", len(cues))
	}
	if cues[0].Text != "Welcome to the course." {
		t.Errorf("cue 0 text = %q", cues[0].Text)
	}
	if cues[0].Start != 0 || cues[0].End != 2.5 {
		t.Errorf("cue 0 times = %v..%v", cues[0].Start, cues[0].End)
	}
	if cues[1].Text != "Today we cover goroutines and channels." {
		t.Errorf("cue 1 text = %q", cues[1].Text)
	}
}

func TestParseVTTAutoGenerated(t *testing.T) {
	// Auto tracks carry inline word timings, styling tags, cue settings,
	// and repeat the previous cue's text on the next cue's first line.
	raw := "WEBVTT\n" +
		"Kind: captions\n" +
		"Language: en\n\n" +
		"00:00:00.000 --> 00:00:02.000 align:start position:0%\n" +
		"so<00:00:00.480><c> welcome</c><00:00:01.199><c> everyone</c>\n\n" +
		"00:00:02.000 --> 00:00:04.000 align:start position:0%\n" +
		"so welcome everyone\n" +
		"let's<00:00:02.800><c> get</c><00:00:03.500><c> started</c>\n"
	cues, err := ParseVTT(raw)
	if err != nil {
		t.Fatalf("ParseVTT failed: %v", err)
	}
	if len(cues) != 2 {
		t.Fatalf("expected 2 cues, got %d: %+v", len(cues), cues)
	}
	if cues[0].Text != "so welcome everyone" {
		t.Errorf("cue 0 text = %q", cues[0].Text)
	}
	if cues[1].Text != "let's get started" {
		t.Errorf("dedup failed, cue 1 text = %q", cues[1].Text)
	}
}

func TestParseVTTShortTimestamps(t *testing.T) {
	raw := "WEBVTT\n\n01:30.250 --> 01:32.000\nshort form\n"
	cues, err := ParseVTT(raw)
	if err != nil {
		t.Fatalf("ParseVTT failed: %v", err)
	}
	if len(cues) != 1 {
		t.Fatalf("expected 1 cue, got %d", len(cues))
	}
	if math.Abs(cues[0].Start-90.25) > 1e-9 {
		t.Errorf("start = %v, want 90.25", cues[0].Start)
	}
}

func TestParseVTTMalformedTimestamp(t *testing.T) {
	raw := "WEBVTT\n\n00:00:xx.000 --> 00:00:02.000\nbroken\n"
	_, err := ParseVTT(raw)
	if err == nil {
		t.Fatal("expected error for malformed timestamp")
	}
	if !strings.Contains(err.Error(), "line 3") {
		t.Errorf("error should name the line: %v", err)
	}
}

func TestParseVTTNotCaption(t *testing.T) {
	_, err := ParseVTT("just some prose\nwith no cues at all\n")
	if !errors.Is(err, ErrNotCaption) {
		t.Fatalf("expected ErrNotCaption, got %v", err)
	}
}

func TestParseVTTHeaderOnly(t *testing.T) {
	cues, err := ParseVTT("WEBVTT\n\n")
	if err != nil {
		t.Fatalf("header-only file should parse: %v", err)
	}
	if len(cues) != 0 {
		t.Fatalf("expected no cues, got %d", len(cues))
	}
}

func TestParseVTTBOM(t *testing.T) {
	cues, err := ParseVTT("\uFEFFWEBVTT\n\n00:00:01.000 --> 00:00:02.000\nbom\n")
	if err != nil {
		t.Fatalf("ParseVTT failed: %v", err)
	}
	if len(cues) != 1 {
		t.Fatalf("expected 1 cue, got %d", len(cues))
	}
}

func TestWriteVTTRoundTrip(t *testing.T) {
	in := sampleVTT
	cues, err := ParseVTT(in)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	var sb strings.Builder
	if err := WriteVTT(&sb, cues); err != nil {
		t.Fatalf("write: %v", err)
	}
	again, err := ParseVTT(sb.String())
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if len(again) != len(cues) {
		t.Fatalf("round trip lost cues: %d != %d", len(again), len(cues))
	}
	for i := range cues {
		if again[i] != cues[i] {
			t.Errorf("cue %d changed: %+v != %+v", i, again[i], cues[i])
		}
	}
}

func TestFormatVTTTimestamp(t *testing.T) {
	cases := []struct {
		in   float64
		want string
	}{
		{0, "00:00:00.000"},
		{90.25, "00:01:30.250"},
		{3725.5, "01:02:05.500"},
	}
	for _, tc := range cases {
		if got := FormatVTTTimestamp(tc.in); got != tc.want {
			t.Errorf("FormatVTTTimestamp(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestStripFences(t *testing.T) {
	fenced := "```vtt\nWEBVTT\n\n00:00:00.000 --> 00:00:01.000\nhi\n```"
	got := StripFences(fenced)
	if !strings.HasPrefix(got, "WEBVTT") {
		t.Errorf("fence not stripped: %q", got)
	}
	if strings.Contains(got, "```") {
		t.Errorf("trailing fence survived: %q", got)
	}
	plain := "WEBVTT\n\n00:00:00.000 --> 00:00:01.000\nhi\n"
	if StripFences(plain) != plain {
		t.Error("unfenced input should pass through unchanged")
	}
}

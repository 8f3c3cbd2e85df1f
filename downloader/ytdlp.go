// Package downloader acquires caption tracks and metadata from the video
// platform. It shells out to yt-dlp for extraction and fans playlist work
// across a bounded pool, recording per-video outcomes instead of failing
// whole batches.
package downloader

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/changtimwu/you-kb/core"
)

// runner abstracts subprocess execution so tests can fake the extractor.
type runner interface {
	run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := lastLine(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%s: %s", name, msg)
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return stdout.Bytes(), nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}

// YtDlp wraps the yt-dlp binary.
type YtDlp struct {
	path string
	run  runner
	log  *zap.SugaredLogger
}

func NewYtDlp(path string, log *zap.SugaredLogger) *YtDlp {
	if path == "" {
		path = "yt-dlp"
	}
	return &YtDlp{path: path, run: execRunner{}, log: log}
}

// flatEntry is one line of `--flat-playlist --dump-json` output.
type flatEntry struct {
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	Uploader   string  `json:"uploader"`
	Channel    string  `json:"channel"`
	Duration   float64 `json:"duration"`
	URL        string  `json:"url"`
	WebpageURL string  `json:"webpage_url"`
}

// videoInfo is the per-video metadata dump. Track maps hold one entry per
// available language.
type videoInfo struct {
	ID                string                     `json:"id"`
	Title             string                     `json:"title"`
	Uploader          string                     `json:"uploader"`
	Channel           string                     `json:"channel"`
	Duration          float64                    `json:"duration"`
	WebpageURL        string                     `json:"webpage_url"`
	Subtitles         map[string]json.RawMessage `json:"subtitles"`
	AutomaticCaptions map[string]json.RawMessage `json:"automatic_captions"`
}

// ListVideos resolves a video, playlist, or channel URL into references in
// platform order. A positive limit truncates to the first N entries.
func (y *YtDlp) ListVideos(ctx context.Context, url string, limit int) ([]core.VideoReference, error) {
	out, err := y.run.run(ctx, y.path, "--flat-playlist", "--dump-json",
		"--no-warnings", url)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", url, err)
	}
	var refs []core.VideoReference
	sc := bufio.NewScanner(bytes.NewReader(out))
	sc.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var e flatEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("listing %s: bad entry: %w", url, err)
		}
		if e.ID == "" {
			continue
		}
		refs = append(refs, core.VideoReference{
			ID:       e.ID,
			Title:    e.Title,
			Uploader: firstNonEmpty(e.Uploader, e.Channel),
			Duration: e.Duration,
			URL:      firstNonEmpty(e.WebpageURL, e.URL, watchURL(e.ID)),
		})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("listing %s: %w", url, err)
	}
	if limit > 0 && limit < len(refs) {
		refs = refs[:limit]
	}
	return refs, nil
}

// probeVideo fetches full metadata for one video, including which caption
// tracks exist. Private and removed videos error here.
func (y *YtDlp) probeVideo(ctx context.Context, url string) (*videoInfo, error) {
	out, err := y.run.run(ctx, y.path, "--skip-download", "--dump-json",
		"--no-warnings", url)
	if err != nil {
		return nil, err
	}
	var info videoInfo
	if err := json.Unmarshal(bytes.TrimSpace(out), &info); err != nil {
		return nil, fmt.Errorf("bad metadata for %s: %w", url, err)
	}
	return &info, nil
}

// downloadSubtitle writes the caption track for lang to base.{lang}.vtt.
func (y *YtDlp) downloadSubtitle(ctx context.Context, url, lang string, auto bool, base string) error {
	args := []string{
		"--skip-download", "--no-progress", "--no-warnings",
		"--sub-langs", lang,
		"--convert-subs", "vtt",
		"-o", base + ".%(ext)s",
	}
	if auto {
		args = append(args, "--write-auto-subs")
	} else {
		args = append(args, "--write-subs")
	}
	args = append(args, url)
	_, err := y.run.run(ctx, y.path, args...)
	return err
}

// ExtractAudio downloads the best m4a track for a video into dir and
// returns its path. Used by the transcription fallback.
func (y *YtDlp) ExtractAudio(ctx context.Context, ref core.VideoReference, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	out := filepath.Join(dir, ref.ID+".%(ext)s")
	_, err := y.run.run(ctx, y.path,
		"-f", "bestaudio[ext=m4a]/bestaudio",
		"-x", "--audio-format", "m4a",
		"--no-progress", "--no-warnings",
		"-o", out, ref.URL)
	if err != nil {
		return "", fmt.Errorf("audio extraction for %s: %w", ref.ID, err)
	}
	path := filepath.Join(dir, ref.ID+".m4a")
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("audio extraction for %s produced no file: %w", ref.ID, err)
	}
	return path, nil
}

// matchLang finds the track key satisfying a language request: exact match
// first, then the lexically first regional variant for determinism.
func matchLang(tracks map[string]json.RawMessage, lang string) (string, bool) {
	if _, ok := tracks[lang]; ok {
		return lang, true
	}
	prefix := lang + "-"
	var variants []string
	for k := range tracks {
		if strings.HasPrefix(k, prefix) {
			variants = append(variants, k)
		}
	}
	if len(variants) == 0 {
		return "", false
	}
	sort.Strings(variants)
	return variants[0], true
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func watchURL(id string) string {
	return "https://www.youtube.com/watch?v=" + id
}

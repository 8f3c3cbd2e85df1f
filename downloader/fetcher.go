package downloader

import (
	"context"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/changtimwu/you-kb/core"
	"github.com/changtimwu/you-kb/subtitle"
)

// CaptionFetcher resolves one video's caption track, preferring official
// captions over auto-generated ones. Failures become per-video error
// results, never panics or batch aborts.
type CaptionFetcher struct {
	yt     *YtDlp
	outDir string
	log    *zap.SugaredLogger
}

func NewCaptionFetcher(yt *YtDlp, outDir string, log *zap.SugaredLogger) *CaptionFetcher {
	return &CaptionFetcher{yt: yt, outDir: outDir, log: log}
}

// Probe checks availability without downloading anything. The returned
// result carries enriched metadata and the status the track would have.
func (f *CaptionFetcher) Probe(ctx context.Context, ref core.VideoReference, lang string) core.CaptionResult {
	info, err := f.yt.probeVideo(ctx, ref.URL)
	if err != nil {
		return errorResult(ref, err)
	}
	ref = mergeInfo(ref, info)
	if key, ok := matchLang(info.Subtitles, lang); ok {
		return core.CaptionResult{Video: ref, Status: core.StatusOfficial, Language: key}
	}
	if key, ok := matchLang(info.AutomaticCaptions, lang); ok {
		return core.CaptionResult{Video: ref, Status: core.StatusAutoGenerated, Language: key}
	}
	return core.CaptionResult{Video: ref, Status: core.StatusUnavailable, Language: lang}
}

// Fetch downloads the preferred caption track, parses it into cues, and
// writes the metadata sidecar used later for citation recovery.
func (f *CaptionFetcher) Fetch(ctx context.Context, ref core.VideoReference, lang string) core.CaptionResult {
	res := f.Probe(ctx, ref, lang)
	if res.Status != core.StatusOfficial && res.Status != core.StatusAutoGenerated {
		return res
	}

	base := f.basePath(res.Video)
	if err := os.MkdirAll(filepath.Dir(base), 0o755); err != nil {
		return errorResult(res.Video, err)
	}
	auto := res.Status == core.StatusAutoGenerated
	if err := f.yt.downloadSubtitle(ctx, res.Video.URL, res.Language, auto, base); err != nil {
		return errorResult(res.Video, err)
	}
	path := base + "." + res.Language + ".vtt"
	cues, err := subtitle.ParseFile(path)
	if err != nil {
		return errorResult(res.Video, err)
	}
	res.Cues = cues
	res.Path = path

	sc := core.Sidecar{
		ID:       res.Video.ID,
		Title:    res.Video.Title,
		Uploader: res.Video.Uploader,
		Duration: res.Video.Duration,
		URL:      res.Video.URL,
		Status:   res.Status,
		Language: res.Language,
	}
	if err := core.WriteSidecar(base+".info.json", sc); err != nil {
		f.log.Warnf("sidecar for %s not written: %v", res.Video.ID, err)
	}
	return res
}

func (f *CaptionFetcher) basePath(ref core.VideoReference) string {
	return filepath.Join(f.outDir,
		core.SanitizeName(ref.Uploader), core.SanitizeName(ref.Title))
}

func mergeInfo(ref core.VideoReference, info *videoInfo) core.VideoReference {
	if info.ID != "" {
		ref.ID = info.ID
	}
	if info.Title != "" {
		ref.Title = info.Title
	}
	if up := firstNonEmpty(info.Uploader, info.Channel); up != "" {
		ref.Uploader = up
	}
	if info.Duration > 0 {
		ref.Duration = info.Duration
	}
	if info.WebpageURL != "" {
		ref.URL = info.WebpageURL
	}
	return ref
}

func errorResult(ref core.VideoReference, err error) core.CaptionResult {
	return core.CaptionResult{Video: ref, Status: core.StatusError, Err: err.Error()}
}

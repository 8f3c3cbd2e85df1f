package processors

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/changtimwu/you-kb/core"
	"github.com/changtimwu/you-kb/subtitle"
)

// AudioExtractor produces a local audio file for a video.
type AudioExtractor interface {
	ExtractAudio(ctx context.Context, ref core.VideoReference, dir string) (string, error)
}

// TranscriptionFallback generates a caption track for a video that has
// none. It is materially slower and more expensive than caption download
// and runs at most once per video per acquisition run.
type TranscriptionFallback struct {
	extractor AudioExtractor
	asr       ASRProvider
	outDir    string
	lang      string
	log       *zap.SugaredLogger

	retryInitial    time.Duration
	retryMaxElapsed time.Duration
}

func NewTranscriptionFallback(extractor AudioExtractor, asr ASRProvider, outDir, lang string, log *zap.SugaredLogger) *TranscriptionFallback {
	return &TranscriptionFallback{
		extractor:       extractor,
		asr:             asr,
		outDir:          outDir,
		lang:            lang,
		log:             log,
		retryInitial:    2 * time.Second,
		retryMaxElapsed: 3 * time.Minute,
	}
}

// Transcribe extracts audio, runs the ASR provider with retries, and writes
// the resulting track in the same layout the caption fetcher uses. All
// failures come back as an error-status result, never as a panic or a
// propagated error.
func (t *TranscriptionFallback) Transcribe(ctx context.Context, ref core.VideoReference) core.CaptionResult {
	t.log.Infof("transcribing %s (%s) via %s", ref.ID, ref.Title, t.asr.Name())

	audioDir, err := os.MkdirTemp("", "youkb-audio-")
	if err != nil {
		return errorResult(ref, err)
	}
	defer os.RemoveAll(audioDir)

	audioPath, err := t.extractor.ExtractAudio(ctx, ref, audioDir)
	if err != nil {
		return errorResult(ref, err)
	}

	var cues []core.Cue
	op := func() error {
		var asrErr error
		cues, asrErr = t.asr.Transcribe(ctx, audioPath)
		return asrErr
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = t.retryInitial
	bo.MaxInterval = 15 * time.Second
	bo.MaxElapsedTime = t.retryMaxElapsed
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return errorResult(ref, fmt.Errorf("asr failed: %w", err))
	}
	if len(cues) == 0 {
		return errorResult(ref, fmt.Errorf("asr produced no cues for %s", ref.ID))
	}

	base := filepath.Join(t.outDir,
		core.SanitizeName(ref.Uploader), core.SanitizeName(ref.Title))
	if err := os.MkdirAll(filepath.Dir(base), 0o755); err != nil {
		return errorResult(ref, err)
	}
	path := base + "." + t.lang + ".vtt"
	f, err := os.Create(path)
	if err != nil {
		return errorResult(ref, err)
	}
	if err := subtitle.WriteVTT(f, cues); err != nil {
		f.Close()
		return errorResult(ref, err)
	}
	if err := f.Close(); err != nil {
		return errorResult(ref, err)
	}

	sc := core.Sidecar{
		ID:       ref.ID,
		Title:    ref.Title,
		Uploader: ref.Uploader,
		Duration: ref.Duration,
		URL:      ref.URL,
		Status:   core.StatusTranscribed,
		Language: t.lang,
	}
	if err := core.WriteSidecar(base+".info.json", sc); err != nil {
		t.log.Warnf("sidecar for %s not written: %v", ref.ID, err)
	}

	return core.CaptionResult{
		Video:    ref,
		Status:   core.StatusTranscribed,
		Language: t.lang,
		Cues:     cues,
		Path:     path,
	}
}

func errorResult(ref core.VideoReference, err error) core.CaptionResult {
	return core.CaptionResult{Video: ref, Status: core.StatusError, Err: err.Error()}
}

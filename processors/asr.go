// Package processors hosts the transcription fallback for videos without
// caption tracks: audio extraction handoff, ASR provider selection, and cue
// assembly from provider output.
package processors

import (
	"context"
	"fmt"
	"os"
	"strings"

	aai "github.com/AssemblyAI/assemblyai-go-sdk"
	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/changtimwu/you-kb/config"
	"github.com/changtimwu/you-kb/core"
	"github.com/changtimwu/you-kb/subtitle"
)

// ASRProvider turns an audio file into caption cues.
type ASRProvider interface {
	Name() string
	Transcribe(ctx context.Context, audioPath string) ([]core.Cue, error)
}

// NewProvider selects the configured ASR implementation.
func NewProvider(cfg *config.Config, log *zap.SugaredLogger) (ASRProvider, error) {
	if err := cfg.RequireASR(); err != nil {
		return nil, err
	}
	switch cfg.ASRProvider {
	case "assemblyai":
		return NewAssemblyAIASR(cfg.AssemblyAIKey, cfg.Language, log), nil
	case "openai":
		return NewOpenAIASR(cfg, log), nil
	default:
		return nil, fmt.Errorf("unknown asr provider %q", cfg.ASRProvider)
	}
}

// transcriptionAPI is the slice of the OpenAI client the whisper provider
// needs.
type transcriptionAPI interface {
	CreateTranscription(ctx context.Context, request openai.AudioRequest) (openai.AudioResponse, error)
}

// OpenAIASR transcribes through the Whisper endpoint, requesting WebVTT
// output so timing survives.
type OpenAIASR struct {
	api transcriptionAPI
	log *zap.SugaredLogger
}

func NewOpenAIASR(cfg *config.Config, log *zap.SugaredLogger) *OpenAIASR {
	c := openai.DefaultConfig(cfg.APIKey)
	c.BaseURL = cfg.BaseURL
	return &OpenAIASR{api: openai.NewClientWithConfig(c), log: log}
}

func (a *OpenAIASR) Name() string { return "openai" }

func (a *OpenAIASR) Transcribe(ctx context.Context, audioPath string) ([]core.Cue, error) {
	resp, err := a.api.CreateTranscription(ctx, openai.AudioRequest{
		Model:    openai.Whisper1,
		FilePath: audioPath,
		Format:   openai.AudioResponseFormatVTT,
	})
	if err != nil {
		return nil, fmt.Errorf("whisper: %w", err)
	}
	// Some gateways wrap the document in a markdown fence.
	cues, err := subtitle.ParseVTT(subtitle.StripFences(resp.Text))
	if err != nil {
		return nil, fmt.Errorf("whisper output: %w", err)
	}
	return cues, nil
}

// Cue assembly bounds for word-level ASR output.
const (
	maxCueSeconds = 7.0
	maxCueChars   = 120
)

// AssemblyAIASR uploads audio to AssemblyAI and rebuilds cues from its
// word-level timings.
type AssemblyAIASR struct {
	client *aai.Client
	lang   string
	log    *zap.SugaredLogger
}

func NewAssemblyAIASR(apiKey, lang string, log *zap.SugaredLogger) *AssemblyAIASR {
	return &AssemblyAIASR{client: aai.NewClient(apiKey), lang: lang, log: log}
}

func (a *AssemblyAIASR) Name() string { return "assemblyai" }

func (a *AssemblyAIASR) Transcribe(ctx context.Context, audioPath string) ([]core.Cue, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	uploadURL, err := a.client.Upload(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("assemblyai upload: %w", err)
	}
	a.log.Debugf("uploaded %s to assemblyai", audioPath)

	transcript, err := a.client.Transcripts.TranscribeFromURL(ctx, uploadURL, &aai.TranscriptOptionalParams{
		LanguageCode: aai.TranscriptLanguageCode(a.lang),
	})
	if err != nil {
		return nil, fmt.Errorf("assemblyai transcription: %w", err)
	}
	if transcript.Status == aai.TranscriptStatusError {
		return nil, fmt.Errorf("assemblyai transcription: %s", derefString(transcript.Error))
	}
	return CuesFromWords(transcript.Words), nil
}

// CuesFromWords groups word timings into display cues, breaking at sentence
// punctuation, the duration bound, or the length bound, whichever first.
func CuesFromWords(words []aai.TranscriptWord) []core.Cue {
	var (
		cues  []core.Cue
		parts []string
		chars int
		start float64
		end   float64
	)
	flush := func() {
		if len(parts) == 0 {
			return
		}
		cues = append(cues, core.Cue{Start: start, End: end, Text: strings.Join(parts, " ")})
		parts, chars = nil, 0
	}
	for _, w := range words {
		text := strings.TrimSpace(derefString(w.Text))
		if text == "" {
			continue
		}
		ws := float64(derefInt64(w.Start)) / 1000.0
		we := float64(derefInt64(w.End)) / 1000.0
		if len(parts) == 0 {
			start = ws
		}
		parts = append(parts, text)
		chars += len(text)
		end = we
		if endsSentence(text) || end-start >= maxCueSeconds || chars >= maxCueChars {
			flush()
		}
	}
	flush()
	return cues
}

func endsSentence(word string) bool {
	return strings.HasSuffix(word, ".") ||
		strings.HasSuffix(word, "?") ||
		strings.HasSuffix(word, "!")
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefInt64(n *int64) int64 {
	if n == nil {
		return 0
	}
	return *n
}

package downloader

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/changtimwu/you-kb/core"
)

// Mode selects how much work the orchestrator does per video.
type Mode string

const (
	// ModeList probes caption availability without downloading.
	ModeList Mode = "list_only"
	// ModeDownload materializes caption files on disk.
	ModeDownload Mode = "download"
)

// DefaultConcurrency bounds the worker pool when the caller does not.
// Upstream rate limits make unbounded fan-out counterproductive.
const DefaultConcurrency = 10

// Fetcher is the per-video caption acquisition boundary.
type Fetcher interface {
	Probe(ctx context.Context, ref core.VideoReference, lang string) core.CaptionResult
	Fetch(ctx context.Context, ref core.VideoReference, lang string) core.CaptionResult
}

// Transcriber is the audio-transcription fallback boundary.
type Transcriber interface {
	Transcribe(ctx context.Context, ref core.VideoReference) core.CaptionResult
}

// Options controls one acquisition run.
type Options struct {
	Mode        Mode
	Concurrency int
	Limit       int
	Language    string
	Transcribe  bool
	ItemTimeout time.Duration
	// Progress receives completion counts; it may be called from several
	// workers at once.
	Progress func(done, total int)
}

// Orchestrator fans a reference list across a bounded worker pool. Every
// input gets exactly one result slot, written only by the worker that owns
// the index, so output order always matches input order.
type Orchestrator struct {
	fetcher     Fetcher
	transcriber Transcriber
	log         *zap.SugaredLogger
}

// NewOrchestrator builds an orchestrator. transcriber may be nil when the
// fallback is not configured.
func NewOrchestrator(fetcher Fetcher, transcriber Transcriber, log *zap.SugaredLogger) *Orchestrator {
	return &Orchestrator{fetcher: fetcher, transcriber: transcriber, log: log}
}

// Run processes up to opts.Limit references and aggregates statistics.
// Individual failures are recorded in their result slot; Run itself never
// fails.
func (o *Orchestrator) Run(ctx context.Context, refs []core.VideoReference, opts Options) ([]core.CaptionResult, core.AggregateStats) {
	if opts.Limit > 0 && opts.Limit < len(refs) {
		refs = refs[:opts.Limit]
	}
	workers := opts.Concurrency
	if workers <= 0 {
		workers = DefaultConcurrency
	}
	if workers > len(refs) {
		workers = len(refs)
	}
	if opts.Language == "" {
		opts.Language = "en"
	}

	runID := uuid.NewString()[:8]
	o.log.Infof("run %s: %d videos across %d workers (%s)", runID, len(refs), workers, opts.Mode)

	results := make([]core.CaptionResult, len(refs))
	jobs := make(chan int)
	var done atomic.Int64
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				results[i] = o.processOne(ctx, refs[i], opts)
				n := int(done.Add(1))
				o.log.Debugf("run %s: %d/%d %s -> %s", runID, n, len(refs),
					refs[i].ID, results[i].Status)
				if opts.Progress != nil {
					opts.Progress(n, len(refs))
				}
			}
		}()
	}
	for i := range refs {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	stats := ComputeStats(results)
	o.log.Infof("run %s: done, %d/%d captioned (%.1f%%)", runID,
		stats.Official+stats.AutoGenerated+stats.Transcribed, stats.Total, stats.CaptionedPct)
	return results, stats
}

func (o *Orchestrator) processOne(ctx context.Context, ref core.VideoReference, opts Options) core.CaptionResult {
	if err := ctx.Err(); err != nil {
		return errorResult(ref, err)
	}
	itemCtx := ctx
	if opts.ItemTimeout > 0 {
		var cancel context.CancelFunc
		itemCtx, cancel = context.WithTimeout(ctx, opts.ItemTimeout)
		defer cancel()
	}

	if opts.Mode == ModeList {
		return o.fetcher.Probe(itemCtx, ref, opts.Language)
	}
	res := o.fetcher.Fetch(itemCtx, ref, opts.Language)
	if res.Status == core.StatusUnavailable && opts.Transcribe && o.transcriber != nil {
		// The probe enriched the reference; the fallback needs that
		// metadata for its file layout.
		res = o.transcriber.Transcribe(itemCtx, res.Video)
	}
	return res
}

// ComputeStats aggregates per-status counts and duration figures. Duration
// covers only videos whose metadata fetch succeeded.
func ComputeStats(results []core.CaptionResult) core.AggregateStats {
	var s core.AggregateStats
	s.Total = len(results)
	var durSum float64
	var durN int
	for _, r := range results {
		switch r.Status {
		case core.StatusOfficial:
			s.Official++
		case core.StatusAutoGenerated:
			s.AutoGenerated++
		case core.StatusTranscribed:
			s.Transcribed++
		case core.StatusUnavailable:
			s.Unavailable++
		default:
			s.Errors++
		}
		if r.Video.Duration > 0 {
			durSum += r.Video.Duration
			durN++
		}
	}
	if s.Total > 0 {
		captioned := s.Official + s.AutoGenerated + s.Transcribed
		s.CaptionedPct = float64(captioned) / float64(s.Total) * 100
	}
	s.TotalDuration = durSum
	if durN > 0 {
		s.AvgDuration = durSum / float64(durN)
	}
	return s
}

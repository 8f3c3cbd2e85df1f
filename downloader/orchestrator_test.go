package downloader

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/changtimwu/you-kb/core"
)

// fakeFetcher returns scripted results and scrambles completion order so
// ordering bugs surface.
type fakeFetcher struct {
	mu      sync.Mutex
	results map[string]core.CaptionResult
	probes  []string
	fetches []string
	delays  map[string]time.Duration
}

func (f *fakeFetcher) result(ref core.VideoReference) core.CaptionResult {
	if r, ok := f.results[ref.ID]; ok {
		r.Video = ref
		return r
	}
	return core.CaptionResult{Video: ref, Status: core.StatusOfficial, Language: "en"}
}

func (f *fakeFetcher) Probe(ctx context.Context, ref core.VideoReference, lang string) core.CaptionResult {
	if d := f.delays[ref.ID]; d > 0 {
		time.Sleep(d)
	}
	f.mu.Lock()
	f.probes = append(f.probes, ref.ID)
	f.mu.Unlock()
	return f.result(ref)
}

func (f *fakeFetcher) Fetch(ctx context.Context, ref core.VideoReference, lang string) core.CaptionResult {
	if d := f.delays[ref.ID]; d > 0 {
		time.Sleep(d)
	}
	f.mu.Lock()
	f.fetches = append(f.fetches, ref.ID)
	f.mu.Unlock()
	return f.result(ref)
}

type fakeTranscriber struct {
	mu    sync.Mutex
	calls []string
	fail  bool
}

func (t *fakeTranscriber) Transcribe(ctx context.Context, ref core.VideoReference) core.CaptionResult {
	t.mu.Lock()
	t.calls = append(t.calls, ref.ID)
	t.mu.Unlock()
	if t.fail {
		return core.CaptionResult{Video: ref, Status: core.StatusError, Err: "asr down"}
	}
	return core.CaptionResult{Video: ref, Status: core.StatusTranscribed, Language: "en"}
}

func makeRefs(n int) []core.VideoReference {
	refs := make([]core.VideoReference, n)
	for i := range refs {
		refs[i] = core.VideoReference{
			ID:       fmt.Sprintf("vid%02d", i),
			Title:    fmt.Sprintf("Video %d", i),
			Uploader: "Chan",
			Duration: 60,
			URL:      fmt.Sprintf("https://youtu.be/vid%02d", i),
		}
	}
	return refs
}

func TestRunPreservesOrderUnderScrambledCompletion(t *testing.T) {
	refs := makeRefs(8)
	ff := &fakeFetcher{results: map[string]core.CaptionResult{}, delays: map[string]time.Duration{}}
	// Earlier inputs finish last.
	for i, r := range refs {
		ff.delays[r.ID] = time.Duration(len(refs)-i) * 5 * time.Millisecond
	}
	o := NewOrchestrator(ff, nil, core.NopLogger())
	results, stats := o.Run(context.Background(), refs, Options{
		Mode: ModeDownload, Concurrency: 4,
	})
	if len(results) != len(refs) {
		t.Fatalf("got %d results, want %d", len(results), len(refs))
	}
	for i, r := range results {
		if r.Video.ID != refs[i].ID {
			t.Fatalf("result %d is %s, want %s: order not preserved", i, r.Video.ID, refs[i].ID)
		}
	}
	if stats.Total != len(refs) {
		t.Errorf("stats total = %d", stats.Total)
	}
}

func TestRunAppliesLimit(t *testing.T) {
	refs := makeRefs(10)
	for _, limit := range []int{1, 3, 10, 15, 0} {
		ff := &fakeFetcher{results: map[string]core.CaptionResult{}}
		o := NewOrchestrator(ff, nil, core.NopLogger())
		results, _ := o.Run(context.Background(), refs, Options{
			Mode: ModeDownload, Limit: limit, Concurrency: 3,
		})
		want := len(refs)
		if limit > 0 && limit < want {
			want = limit
		}
		if len(results) != want {
			t.Errorf("limit %d: got %d results, want %d", limit, len(results), want)
		}
		for i := range results {
			if results[i].Video.ID != refs[i].ID {
				t.Errorf("limit %d: result %d out of order", limit, i)
			}
		}
	}
}

func TestRunThreeVideoScenario(t *testing.T) {
	// One official, one auto-generated, one private.
	refs := makeRefs(3)
	ff := &fakeFetcher{results: map[string]core.CaptionResult{
		"vid00": {Status: core.StatusOfficial, Language: "en"},
		"vid01": {Status: core.StatusAutoGenerated, Language: "en"},
		"vid02": {Status: core.StatusError, Err: "Private video"},
	}}
	o := NewOrchestrator(ff, nil, core.NopLogger())
	_, stats := o.Run(context.Background(), refs, Options{Mode: ModeDownload})
	if stats.Official != 1 || stats.AutoGenerated != 1 || stats.Errors != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if math.Abs(stats.CaptionedPct-200.0/3) > 0.01 {
		t.Errorf("captioned pct = %.4f, want 66.67", stats.CaptionedPct)
	}
	if got := fmt.Sprintf("%.1f%%", stats.CaptionedPct); got != "66.7%" {
		t.Errorf("rendered pct = %s", got)
	}
}

func TestRunFallbackOnlyWhenOptedIn(t *testing.T) {
	refs := makeRefs(2)
	ff := &fakeFetcher{results: map[string]core.CaptionResult{
		"vid00": {Status: core.StatusUnavailable},
		"vid01": {Status: core.StatusOfficial},
	}}
	tr := &fakeTranscriber{}
	o := NewOrchestrator(ff, tr, core.NopLogger())

	results, _ := o.Run(context.Background(), refs, Options{Mode: ModeDownload, Transcribe: true})
	if len(tr.calls) != 1 || tr.calls[0] != "vid00" {
		t.Fatalf("transcriber calls = %v, want only vid00", tr.calls)
	}
	if results[0].Status != core.StatusTranscribed {
		t.Errorf("vid00 status = %s", results[0].Status)
	}

	tr2 := &fakeTranscriber{}
	o2 := NewOrchestrator(ff, tr2, core.NopLogger())
	results2, _ := o2.Run(context.Background(), refs, Options{Mode: ModeDownload})
	if len(tr2.calls) != 0 {
		t.Fatalf("transcriber ran without opt-in: %v", tr2.calls)
	}
	if results2[0].Status != core.StatusUnavailable {
		t.Errorf("vid00 status = %s, want unavailable", results2[0].Status)
	}
}

func TestRunListModeNeverTranscribes(t *testing.T) {
	refs := makeRefs(3)
	ff := &fakeFetcher{results: map[string]core.CaptionResult{
		"vid00": {Status: core.StatusUnavailable},
		"vid01": {Status: core.StatusUnavailable},
		"vid02": {Status: core.StatusUnavailable},
	}}
	tr := &fakeTranscriber{}
	o := NewOrchestrator(ff, tr, core.NopLogger())
	o.Run(context.Background(), refs, Options{Mode: ModeList, Transcribe: true})
	if len(tr.calls) != 0 {
		t.Fatalf("list mode must not transcribe, got calls %v", tr.calls)
	}
	if len(ff.fetches) != 0 {
		t.Fatalf("list mode must probe, not fetch, got fetches %v", ff.fetches)
	}
	if len(ff.probes) != 3 {
		t.Fatalf("expected 3 probes, got %d", len(ff.probes))
	}
}

func TestRunFailureIsolation(t *testing.T) {
	refs := makeRefs(5)
	ff := &fakeFetcher{results: map[string]core.CaptionResult{
		"vid02": {Status: core.StatusError, Err: "network blip"},
	}}
	o := NewOrchestrator(ff, nil, core.NopLogger())
	results, stats := o.Run(context.Background(), refs, Options{Mode: ModeDownload, Concurrency: 2})
	if stats.Errors != 1 || stats.Official != 4 {
		t.Fatalf("stats = %+v", stats)
	}
	for i, r := range results {
		if r.Video.ID == "" {
			t.Errorf("result %d has no video: every input needs a result", i)
		}
	}
}

func TestRunProgressReachesTotal(t *testing.T) {
	refs := makeRefs(6)
	ff := &fakeFetcher{results: map[string]core.CaptionResult{}}
	o := NewOrchestrator(ff, nil, core.NopLogger())
	var mu sync.Mutex
	peak := 0
	o.Run(context.Background(), refs, Options{
		Mode:        ModeDownload,
		Concurrency: 3,
		Progress: func(done, total int) {
			mu.Lock()
			if done > peak {
				peak = done
			}
			mu.Unlock()
			if total != len(refs) {
				t.Errorf("total = %d, want %d", total, len(refs))
			}
		},
	})
	if peak != len(refs) {
		t.Fatalf("progress peaked at %d, want %d", peak, len(refs))
	}
}

func TestComputeStatsDurations(t *testing.T) {
	results := []core.CaptionResult{
		{Video: core.VideoReference{ID: "a", Duration: 120}, Status: core.StatusOfficial},
		{Video: core.VideoReference{ID: "b", Duration: 240}, Status: core.StatusAutoGenerated},
		{Video: core.VideoReference{ID: "c"}, Status: core.StatusError, Err: "private"},
	}
	s := ComputeStats(results)
	if s.TotalDuration != 360 {
		t.Errorf("total duration = %v", s.TotalDuration)
	}
	if s.AvgDuration != 180 {
		t.Errorf("avg duration = %v (must skip metadata-less videos)", s.AvgDuration)
	}
}

func TestRunEmptyInput(t *testing.T) {
	ff := &fakeFetcher{results: map[string]core.CaptionResult{}}
	o := NewOrchestrator(ff, nil, core.NopLogger())
	results, stats := o.Run(context.Background(), nil, Options{Mode: ModeDownload})
	if len(results) != 0 || stats.Total != 0 {
		t.Fatalf("results = %v, stats = %+v", results, stats)
	}
}

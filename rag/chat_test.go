package rag

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/changtimwu/you-kb/core"
	"github.com/changtimwu/you-kb/storage"
)

type fakeChatAPI struct {
	answer string
	err    error
	calls  int
	last   openai.ChatCompletionRequest
}

func (f *fakeChatAPI) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.calls++
	f.last = req
	if f.err != nil {
		return openai.ChatCompletionResponse{}, f.err
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: f.answer}},
		},
	}, nil
}

func newTestEngine(store storage.VectorStore, embed Embedder, api chatAPI) *Engine {
	return &Engine{
		store:           store,
		embed:           embed,
		api:             api,
		model:           "gpt-4o-mini",
		maxContextChars: 8000,
		log:             core.NopLogger(),
		retryInitial:    time.Millisecond,
		retryMaxElapsed: 50 * time.Millisecond,
	}
}

func seedRow(videoID, text string, start, end float64, vec []float32) core.EmbeddedRow {
	return core.EmbeddedRow{
		Chunk: core.Chunk{
			VideoID:    videoID,
			Text:       text,
			Start:      start,
			End:        end,
			CharLength: len(text),
		},
		Vector: vec,
	}
}

func seedChatKB(t *testing.T, rows []core.EmbeddedRow) (*storage.MemoryStore, context.Context) {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemoryStore()
	if err := store.CreateKB(ctx, "talks", "text-embedding-3-small", 2); err != nil {
		t.Fatal(err)
	}
	if len(rows) > 0 {
		if err := store.ReplaceRows(ctx, "talks", rows); err != nil {
			t.Fatal(err)
		}
	}
	return store, ctx
}

const question = "what are goroutines?"

func questionEmbedder() *fakeEmbedder {
	return &fakeEmbedder{vecs: map[string][]float32{question: {1, 0}}}
}

func defaultRows() []core.EmbeddedRow {
	return []core.EmbeddedRow{
		seedRow("abcdefghijk", "goroutines are lightweight threads", 90, 120, []float32{1, 0}),
		seedRow("lmnopqrstuv", "channels move values between goroutines", 30, 60, []float32{0.9, 0.4}),
		seedRow("wxyzabcdefg", "gardening in spring", 0, 10, []float32{0, 1}),
	}
}

func TestChatAnswersWithCitations(t *testing.T) {
	store, ctx := seedChatKB(t, defaultRows())
	api := &fakeChatAPI{answer: "Goroutines are lightweight threads (00:01:30)."}
	e := newTestEngine(store, questionEmbedder(), api)

	res, err := e.Chat(ctx, "talks", question, 2)
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if res.Answer != api.answer {
		t.Errorf("answer = %q", res.Answer)
	}
	if len(res.Citations) != 2 {
		t.Fatalf("got %d citations, want 2", len(res.Citations))
	}
	first, second := res.Citations[0], res.Citations[1]
	if first.VideoID != "abcdefghijk" || first.StartTime != 90 {
		t.Errorf("first citation = %+v", first)
	}
	if first.URL != "https://youtu.be/abcdefghijk?t=90" {
		t.Errorf("first citation url = %q", first.URL)
	}
	if second.VideoID != "lmnopqrstuv" || second.StartTime != 30 {
		t.Errorf("second citation = %+v", second)
	}

	prompt := api.last.Messages[0].Content
	if !strings.Contains(prompt, "goroutines are lightweight threads") ||
		!strings.Contains(prompt, "channels move values") {
		t.Errorf("prompt missing context: %q", prompt)
	}
	if strings.Index(prompt, "lightweight threads") > strings.Index(prompt, "channels move") {
		t.Errorf("context not in descending similarity order")
	}
	if !strings.Contains(prompt, question) {
		t.Errorf("prompt missing question")
	}
	if !strings.Contains(prompt, "[abcdefghijk @ 00:01:30-00:02:00]") {
		t.Errorf("chunk tag missing: %q", prompt)
	}
	if api.last.MaxTokens != 1000 || api.last.Model != "gpt-4o-mini" {
		t.Errorf("request = model %q maxTokens %d", api.last.Model, api.last.MaxTokens)
	}
}

func TestChatEmptyKB(t *testing.T) {
	store, ctx := seedChatKB(t, nil)
	api := &fakeChatAPI{answer: "should not be called"}
	e := newTestEngine(store, questionEmbedder(), api)

	res, err := e.Chat(ctx, "talks", question, 5)
	if err != nil {
		t.Fatalf("empty kb chat errored: %v", err)
	}
	if !strings.Contains(strings.ToLower(res.Answer), "no relevant information") {
		t.Errorf("answer = %q", res.Answer)
	}
	if len(res.Citations) != 0 {
		t.Errorf("citations = %+v, want none", res.Citations)
	}
	if api.calls != 0 {
		t.Errorf("chat API called %d times for an empty kb", api.calls)
	}
}

func TestChatContextBudget(t *testing.T) {
	store, ctx := seedChatKB(t, defaultRows())
	api := &fakeChatAPI{answer: "ok"}
	e := newTestEngine(store, questionEmbedder(), api)
	e.maxContextChars = 100 // fits the first block only

	res, err := e.Chat(ctx, "talks", question, 3)
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if len(res.Citations) != 1 {
		t.Fatalf("got %d citations, want 1", len(res.Citations))
	}
	if res.Citations[0].VideoID != "abcdefghijk" {
		t.Errorf("kept citation = %+v, want the closest chunk", res.Citations[0])
	}
	if strings.Contains(api.last.Messages[0].Content, "channels move values") {
		t.Errorf("over-budget chunk leaked into the prompt")
	}
}

func TestChatDedupsIdenticalChunks(t *testing.T) {
	rows := []core.EmbeddedRow{
		seedRow("abcdefghijk", "goroutines are lightweight threads", 90, 120, []float32{1, 0}),
		seedRow("reupload0000", "goroutines are lightweight threads", 10, 40, []float32{0.99, 0.01}),
		seedRow("lmnopqrstuv", "channels move values between goroutines", 30, 60, []float32{0.9, 0.4}),
	}
	store, ctx := seedChatKB(t, rows)
	api := &fakeChatAPI{answer: "ok"}
	e := newTestEngine(store, questionEmbedder(), api)

	res, err := e.Chat(ctx, "talks", question, 3)
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if len(res.Citations) != 2 {
		t.Fatalf("got %d citations, want 2 after dedup", len(res.Citations))
	}
	if res.Citations[0].VideoID != "abcdefghijk" || res.Citations[1].VideoID != "lmnopqrstuv" {
		t.Errorf("citations = %+v", res.Citations)
	}
	prompt := api.last.Messages[0].Content
	if strings.Count(prompt, "goroutines are lightweight threads") != 1 {
		t.Errorf("duplicate text repeated in prompt")
	}
}

func TestChatModelMismatchProceeds(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	if err := store.CreateKB(ctx, "talks", "text-embedding-004", 2); err != nil {
		t.Fatal(err)
	}
	if err := store.ReplaceRows(ctx, "talks", defaultRows()); err != nil {
		t.Fatal(err)
	}
	api := &fakeChatAPI{answer: "still works"}
	e := newTestEngine(store, questionEmbedder(), api)

	res, err := e.Chat(ctx, "talks", question, 1)
	if err != nil {
		t.Fatalf("model mismatch should warn, not fail: %v", err)
	}
	if res.Answer != "still works" {
		t.Errorf("answer = %q", res.Answer)
	}
}

func TestChatDegradedIDHasNoURL(t *testing.T) {
	rows := []core.EmbeddedRow{
		seedRow("My Lecture", "notes digested from a bare file", 0, 10, []float32{1, 0}),
	}
	store, ctx := seedChatKB(t, rows)
	e := newTestEngine(store, questionEmbedder(), &fakeChatAPI{answer: "ok"})

	res, err := e.Chat(ctx, "talks", question, 1)
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if len(res.Citations) != 1 {
		t.Fatalf("citations = %+v", res.Citations)
	}
	if res.Citations[0].URL != "" {
		t.Errorf("filename id got a watch url: %q", res.Citations[0].URL)
	}
	if res.Citations[0].VideoID != "My Lecture" {
		t.Errorf("citation id = %q", res.Citations[0].VideoID)
	}
}

func TestChatMissingKB(t *testing.T) {
	store := storage.NewMemoryStore()
	e := newTestEngine(store, questionEmbedder(), &fakeChatAPI{answer: "ok"})
	_, err := e.Chat(context.Background(), "nope", question, 1)
	if !errors.Is(err, storage.ErrKBNotFound) {
		t.Errorf("chat = %v, want ErrKBNotFound", err)
	}
}

func TestChatAPIFailureRetriesThenErrors(t *testing.T) {
	store, ctx := seedChatKB(t, defaultRows())
	api := &fakeChatAPI{err: fmt.Errorf("upstream 500")}
	e := newTestEngine(store, questionEmbedder(), api)

	if _, err := e.Chat(ctx, "talks", question, 1); err == nil {
		t.Fatal("persistent API failure not surfaced")
	}
	if api.calls < 2 {
		t.Errorf("api calls = %d, want at least one retry", api.calls)
	}
}

func TestChatAfterDigestRoundTrip(t *testing.T) {
	store, ctx := seedChatKB(t, nil)
	dir := t.TempDir()
	cues := []core.Cue{{Start: 12, End: 20, Text: "The scheduler multiplexes goroutines onto OS threads."}}
	writeCaption(t, dir, "GopherCon", "Scheduler Deep Dive", "en", "schedtalk01", cues)

	embed := &fakeEmbedder{vecs: map[string][]float32{
		"The scheduler multiplexes goroutines onto OS threads.": {1, 0},
		"how does the scheduler work?":                          {1, 0},
	}}
	ix := NewIndexer(store, embed, core.NopLogger())
	if _, err := ix.Digest(ctx, "talks", dir, "", 1000); err != nil {
		t.Fatalf("digest: %v", err)
	}

	api := &fakeChatAPI{answer: "It multiplexes goroutines onto OS threads."}
	e := newTestEngine(store, embed, api)
	res, err := e.Chat(ctx, "talks", "how does the scheduler work?", 3)
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if len(res.Citations) != 1 {
		t.Fatalf("citations = %+v", res.Citations)
	}
	c := res.Citations[0]
	if c.VideoID != "schedtalk01" || c.StartTime != 12 {
		t.Errorf("citation = %+v, want schedtalk01 @ 12", c)
	}
	if c.URL != "https://youtu.be/schedtalk01?t=12" {
		t.Errorf("citation url = %q", c.URL)
	}
	if !strings.Contains(api.last.Messages[0].Content, "multiplexes goroutines") {
		t.Errorf("digested text missing from prompt")
	}
}

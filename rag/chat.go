package rag

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/changtimwu/you-kb/config"
	"github.com/changtimwu/you-kb/core"
	"github.com/changtimwu/you-kb/storage"
)

// chatAPI is the slice of the OpenAI client the engine needs.
type chatAPI interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Engine answers questions grounded in one knowledge base.
type Engine struct {
	store           storage.VectorStore
	embed           Embedder
	api             chatAPI
	model           string
	maxContextChars int
	log             *zap.SugaredLogger

	retryInitial    time.Duration
	retryMaxElapsed time.Duration
}

func NewEngine(cfg *config.Config, store storage.VectorStore, embed Embedder, log *zap.SugaredLogger) *Engine {
	cc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		cc.BaseURL = cfg.BaseURL
	}
	return &Engine{
		store:           store,
		embed:           embed,
		api:             openai.NewClientWithConfig(cc),
		model:           cfg.ChatModel,
		maxContextChars: cfg.MaxContextChars,
		log:             log,
		retryInitial:    time.Second,
		retryMaxElapsed: 2 * time.Minute,
	}
}

// Degraded video ids (filenames) do not look like YouTube ids, so a watch
// URL is attached only when the id plausibly is one.
var youtubeIDRe = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)

// Chat embeds the question, retrieves the topK closest chunks, assembles a
// context under the character budget, and asks the chat model for an
// answer grounded in that context.
func (e *Engine) Chat(ctx context.Context, kbName, question string, topK int) (core.QueryResult, error) {
	meta, err := e.store.KBInfo(ctx, kbName)
	if err != nil {
		return core.QueryResult{}, err
	}
	if meta.RowCount == 0 {
		return emptyResult(kbName), nil
	}
	if meta.EmbeddingModel != e.embed.Model() {
		e.log.Warnf("kb %s was built with model %s, querying with %s",
			kbName, meta.EmbeddingModel, e.embed.Model())
	}

	qv, err := e.embed.EmbedOne(ctx, question)
	if err != nil {
		return core.QueryResult{}, fmt.Errorf("embed question: %w", err)
	}
	hits, err := e.store.Search(ctx, kbName, qv, topK)
	if err != nil {
		return core.QueryResult{}, err
	}
	if len(hits) == 0 {
		return emptyResult(kbName), nil
	}

	// Hits arrive in descending similarity. Whole chunks go in until the
	// next one would pass the budget; byte-identical texts go in once.
	var blocks []string
	var citations []core.Citation
	used := 0
	seen := map[string]bool{}
	for _, h := range hits {
		if seen[h.Text] {
			continue
		}
		block := fmt.Sprintf("[%s @ %s-%s] %s",
			h.VideoID, core.FormatTimestamp(h.Start), core.FormatTimestamp(h.End), h.Text)
		if used+len(block) > e.maxContextChars {
			break
		}
		seen[h.Text] = true
		blocks = append(blocks, block)
		used += len(block)
		citations = append(citations, citationFor(h))
	}
	if len(blocks) == 0 {
		return emptyResult(kbName), nil
	}

	prompt := fmt.Sprintf(`You are an assistant answering questions about a library of video transcripts.

Answer using only the context below. If you don't know the answer based on the context, just say that you don't know. Mention the timestamps of the passages you drew on.

Context:
%s

Question: %s`, strings.Join(blocks, "\n\n"), question)

	req := openai.ChatCompletionRequest{
		Model: e.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		MaxTokens:   1000,
		Temperature: 0.3,
	}
	var resp openai.ChatCompletionResponse
	op := func() error {
		var err error
		resp, err = e.api.CreateChatCompletion(ctx, req)
		return err
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.retryInitial
	bo.MaxInterval = 15 * time.Second
	bo.MaxElapsedTime = e.retryMaxElapsed
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return core.QueryResult{}, fmt.Errorf("chat API failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return core.QueryResult{}, fmt.Errorf("chat API returned no choices")
	}

	return core.QueryResult{
		Answer:    strings.TrimSpace(resp.Choices[0].Message.Content),
		Citations: citations,
	}, nil
}

func citationFor(h core.SearchHit) core.Citation {
	c := core.Citation{VideoID: h.VideoID, StartTime: h.Start}
	if youtubeIDRe.MatchString(h.VideoID) {
		c.URL = fmt.Sprintf("https://youtu.be/%s?t=%d", h.VideoID, int(h.Start))
	}
	return c
}

func emptyResult(kbName string) core.QueryResult {
	return core.QueryResult{
		Answer:    fmt.Sprintf("No relevant information found in knowledge base %q.", kbName),
		Citations: []core.Citation{},
	}
}

package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/changtimwu/you-kb/config"
)

// embeddingAPI is the slice of the OpenAI client the embedder needs.
type embeddingAPI interface {
	CreateEmbeddings(ctx context.Context, conv openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error)
}

// Embedder turns chunk text into vectors through an OpenAI-compatible
// embeddings endpoint. Inputs are sent in fixed-size batches and each
// batch is retried with exponential backoff.
type Embedder struct {
	api   embeddingAPI
	model string
	dim   int
	log   *zap.SugaredLogger

	retryInitial    time.Duration
	retryMaxElapsed time.Duration
}

const embedBatchSize = 128

func NewEmbedder(cfg *config.Config, log *zap.SugaredLogger) *Embedder {
	cc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		cc.BaseURL = cfg.BaseURL
	}
	return &Embedder{
		api:             openai.NewClientWithConfig(cc),
		model:           cfg.EmbeddingModel,
		dim:             cfg.EmbeddingDim,
		log:             log,
		retryInitial:    time.Second,
		retryMaxElapsed: 2 * time.Minute,
	}
}

// Model reports the model tag recorded into KBs at creation time.
func (e *Embedder) Model() string { return e.model }

// Dimension reports the configured vector width for new KBs.
func (e *Embedder) Dimension() int { return e.dim }

// EmbedBatch embeds texts in order. Any batch failing past the retry
// budget fails the whole call; callers must not write partial output.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += embedBatchSize {
		end := min(start+embedBatchSize, len(texts))
		batch := texts[start:end]

		var resp openai.EmbeddingResponse
		op := func() error {
			var err error
			resp, err = e.api.CreateEmbeddings(ctx, openai.EmbeddingRequest{
				Model: openai.EmbeddingModel(e.model),
				Input: batch,
			})
			return err
		}
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = e.retryInitial
		bo.MaxInterval = 15 * time.Second
		bo.MaxElapsedTime = e.retryMaxElapsed
		if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
			return nil, fmt.Errorf("embedding API failed: %w", err)
		}
		if len(resp.Data) != len(batch) {
			return nil, fmt.Errorf("embedding API returned %d vectors for %d inputs", len(resp.Data), len(batch))
		}
		for _, d := range resp.Data {
			out = append(out, d.Embedding)
		}
	}
	return out, nil
}

func (e *Embedder) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("no embeddings returned")
	}
	return vecs[0], nil
}

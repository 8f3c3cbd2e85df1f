package rag

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/changtimwu/you-kb/core"
	"github.com/changtimwu/you-kb/storage"
	"github.com/changtimwu/you-kb/subtitle"
)

// Embedder is the slice of the embedding client the indexer and the
// retrieval engine need.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	EmbedOne(ctx context.Context, text string) ([]float32, error)
	Model() string
	Dimension() int
}

// Indexer digests caption files into a knowledge base.
type Indexer struct {
	store storage.VectorStore
	embed Embedder
	log   *zap.SugaredLogger
}

func NewIndexer(store storage.VectorStore, embed Embedder, log *zap.SugaredLogger) *Indexer {
	return &Indexer{store: store, embed: embed, log: log}
}

// DefaultPattern selects the caption files a digest considers.
const DefaultPattern = "*.vtt"

// Digest parses every caption file under source matching pattern, chunks
// the cues, embeds all chunks, and replaces the KB's rows with the result.
// All embeddings are produced before the store is touched: a failing
// embedding service aborts the run with the KB left exactly as it was.
// Returns the number of rows written.
func (ix *Indexer) Digest(ctx context.Context, kbName, source, pattern string, chunkSize int) (int, error) {
	meta, err := ix.store.KBInfo(ctx, kbName)
	if err != nil {
		return 0, err
	}
	if meta.EmbeddingModel != ix.embed.Model() {
		ix.log.Warnf("kb %s was built with model %s, digesting with %s",
			kbName, meta.EmbeddingModel, ix.embed.Model())
	}
	if pattern == "" {
		pattern = DefaultPattern
	}

	files, single, err := discoverFiles(source, pattern)
	if err != nil {
		return 0, err
	}
	if len(files) == 0 {
		return 0, fmt.Errorf("no caption files matching %q under %s", pattern, source)
	}

	var chunks []core.Chunk
	skipped := 0
	for _, f := range files {
		cues, err := subtitle.ParseFile(f)
		if err != nil {
			if single {
				return 0, err
			}
			ix.log.Warnf("skipping %s: %v", f, err)
			skipped++
			continue
		}
		if len(cues) == 0 {
			ix.log.Warnf("skipping %s: no cues", f)
			skipped++
			continue
		}
		chunks = append(chunks, ChunkCues(ix.videoIDFor(f), cues, chunkSize)...)
	}
	if len(chunks) == 0 {
		return 0, fmt.Errorf("no chunks produced from %d file(s) under %s", len(files), source)
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := ix.embed.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("embed %d chunks: %w", len(chunks), err)
	}

	rows := make([]core.EmbeddedRow, len(chunks))
	for i := range chunks {
		if len(vectors[i]) != meta.Dimension {
			return 0, fmt.Errorf("%w: kb %s expects %d, model %s produced %d",
				storage.ErrDimensionMismatch, kbName, meta.Dimension, ix.embed.Model(), len(vectors[i]))
		}
		rows[i] = core.EmbeddedRow{Chunk: chunks[i], Vector: vectors[i]}
	}

	if err := ix.store.ReplaceRows(ctx, kbName, rows); err != nil {
		return 0, err
	}
	ix.log.Infof("digested %d chunks from %d file(s) into kb %s (%d skipped)",
		len(rows), len(files)-skipped, kbName, skipped)
	return len(rows), nil
}

// videoIDFor recovers the video id from the caption's sidecar. Without a
// sidecar the id degrades to the caption's base filename; the chunk is
// still indexed, its citations just lose their watch URL.
func (ix *Indexer) videoIDFor(captionPath string) string {
	scPath := core.SidecarPathFor(captionPath)
	sc, err := core.ReadSidecar(scPath)
	if err == nil && sc.ID != "" {
		return sc.ID
	}
	ix.log.Warnf("no usable sidecar for %s, citing by filename", captionPath)
	return strings.TrimSuffix(filepath.Base(scPath), ".info.json")
}

// discoverFiles returns the caption files to digest and whether source
// named a single file directly (single-file digests fail fast on a
// malformed file instead of skipping it).
func discoverFiles(source, pattern string) ([]string, bool, error) {
	info, err := os.Stat(source)
	if err != nil {
		return nil, false, fmt.Errorf("source: %w", err)
	}
	if !info.IsDir() {
		return []string{source}, true, nil
	}
	var files []string
	err = filepath.WalkDir(source, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ok, err := filepath.Match(pattern, d.Name())
		if err != nil {
			return fmt.Errorf("pattern %q: %w", pattern, err)
		}
		if ok {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	sort.Strings(files)
	return files, false, nil
}

// Package storage provides the vector store backends a knowledge base
// can live in. The memory backend is the default and what the tests use;
// pgvector and milvus persist across processes.
package storage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/changtimwu/you-kb/config"
	"github.com/changtimwu/you-kb/core"
)

// VectorStore abstracts the storage backend.
type VectorStore interface {
	CreateKB(ctx context.Context, name, embeddingModel string, dim int) error
	DropKB(ctx context.Context, name string) error
	ListKBs(ctx context.Context) ([]KBMeta, error)
	KBInfo(ctx context.Context, name string) (KBMeta, error)
	// ReplaceRows drops every existing row of the KB and installs rows in
	// their place. Readers of the registry never observe a half-built KB.
	ReplaceRows(ctx context.Context, name string, rows []core.EmbeddedRow) error
	Search(ctx context.Context, name string, vector []float32, topK int) ([]core.SearchHit, error)
	Close(ctx context.Context) error
}

// KBMeta is the registry record for one knowledge base.
type KBMeta struct {
	Name           string    `json:"name"`
	EmbeddingModel string    `json:"embedding_model"`
	Dimension      int       `json:"dimension"`
	RowCount       int64     `json:"row_count"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

var (
	ErrKBNotFound        = errors.New("knowledge base not found")
	ErrKBExists          = errors.New("knowledge base already exists")
	ErrInvalidKBName     = errors.New("invalid knowledge base name")
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
)

// KB names become table and collection names, so they are restricted to
// identifiers every backend accepts.
var kbNameRe = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

func ValidateKBName(name string) error {
	if !kbNameRe.MatchString(name) {
		return fmt.Errorf("%w: %q (want lowercase letters, digits, underscores, starting with a letter)", ErrInvalidKBName, name)
	}
	return nil
}

// Open connects the backend selected by cfg.Store. A backend that cannot
// be reached is a fatal configuration error, not a reason to silently
// degrade to the memory store.
func Open(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) (VectorStore, error) {
	switch cfg.Store {
	case "", "memory":
		return NewMemoryStore(), nil
	case "pgvector":
		return NewPgVectorStore(ctx, cfg.PostgresURL, log)
	case "milvus":
		return NewMilvusStore(ctx, cfg.MilvusAddr, cfg.MilvusUser, cfg.MilvusPass, log)
	default:
		return nil, fmt.Errorf("unknown store kind %q", cfg.Store)
	}
}

// ---------------- Memory implementation ----------------

// MemoryStore keeps every KB in process memory. State does not survive the
// process, which is fine for tests and for serve-mode sessions that create,
// digest, and query within one lifetime.
type MemoryStore struct {
	mu  sync.RWMutex
	kbs map[string]*memoryKB
}

type memoryKB struct {
	meta KBMeta
	rows []core.EmbeddedRow
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{kbs: map[string]*memoryKB{}}
}

func (s *MemoryStore) CreateKB(ctx context.Context, name, embeddingModel string, dim int) error {
	if err := ValidateKBName(name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.kbs[name]; ok {
		return fmt.Errorf("%w: %s", ErrKBExists, name)
	}
	now := time.Now().UTC()
	s.kbs[name] = &memoryKB{meta: KBMeta{
		Name:           name,
		EmbeddingModel: embeddingModel,
		Dimension:      dim,
		CreatedAt:      now,
		UpdatedAt:      now,
	}}
	return nil
}

func (s *MemoryStore) DropKB(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.kbs[name]; !ok {
		return fmt.Errorf("%w: %s", ErrKBNotFound, name)
	}
	delete(s.kbs, name)
	return nil
}

func (s *MemoryStore) ListKBs(ctx context.Context) ([]KBMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	metas := make([]KBMeta, 0, len(s.kbs))
	for _, kb := range s.kbs {
		metas = append(metas, kb.meta)
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].Name < metas[j].Name })
	return metas, nil
}

func (s *MemoryStore) KBInfo(ctx context.Context, name string) (KBMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	kb, ok := s.kbs[name]
	if !ok {
		return KBMeta{}, fmt.Errorf("%w: %s", ErrKBNotFound, name)
	}
	return kb.meta, nil
}

func (s *MemoryStore) ReplaceRows(ctx context.Context, name string, rows []core.EmbeddedRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kb, ok := s.kbs[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrKBNotFound, name)
	}
	for _, r := range rows {
		if len(r.Vector) != kb.meta.Dimension {
			return fmt.Errorf("%w: kb %s expects %d, row for video %s has %d",
				ErrDimensionMismatch, name, kb.meta.Dimension, r.VideoID, len(r.Vector))
		}
	}
	kb.rows = append([]core.EmbeddedRow(nil), rows...)
	kb.meta.RowCount = int64(len(rows))
	kb.meta.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) Search(ctx context.Context, name string, vector []float32, topK int) ([]core.SearchHit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	kb, ok := s.kbs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKBNotFound, name)
	}
	if len(vector) != kb.meta.Dimension {
		return nil, fmt.Errorf("%w: query has %d, kb %s expects %d",
			ErrDimensionMismatch, len(vector), name, kb.meta.Dimension)
	}
	if topK <= 0 {
		topK = 5
	}
	type scored struct {
		i     int
		score float64
	}
	scores := make([]scored, 0, len(kb.rows))
	for i, r := range kb.rows {
		scores = append(scores, scored{i, cosine(vector, r.Vector)})
	}
	sort.Slice(scores, func(i, j int) bool { return scores[i].score > scores[j].score })
	if topK > len(scores) {
		topK = len(scores)
	}
	hits := make([]core.SearchHit, 0, topK)
	for _, sc := range scores[:topK] {
		hits = append(hits, core.SearchHit{Chunk: kb.rows[sc.i].Chunk, Score: sc.score})
	}
	return hits, nil
}

func (s *MemoryStore) Close(ctx context.Context) error { return nil }

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

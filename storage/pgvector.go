package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"github.com/changtimwu/you-kb/core"
)

// PgVectorStore keeps one pgvector table per knowledge base plus a registry
// table carrying the model tag and dimensionality recorded at creation.
type PgVectorStore struct {
	mu   sync.Mutex // pgx.Conn is not safe for concurrent use
	conn *pgx.Conn
	log  *zap.SugaredLogger
}

func NewPgVectorStore(ctx context.Context, dbURL string, log *zap.SugaredLogger) (*PgVectorStore, error) {
	conn, err := pgx.Connect(ctx, dbURL)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &PgVectorStore{conn: conn, log: log}
	if err := s.ensureRegistry(ctx); err != nil {
		conn.Close(ctx)
		return nil, err
	}
	return s, nil
}

func (s *PgVectorStore) ensureRegistry(ctx context.Context) error {
	if _, err := s.conn.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector;"); err != nil {
		return fmt.Errorf("create vector extension: %w", err)
	}
	registryQuery := `
		CREATE TABLE IF NOT EXISTS knowledge_bases (
			name VARCHAR(63) PRIMARY KEY,
			embedding_model VARCHAR(255) NOT NULL,
			dimension INT NOT NULL,
			row_count BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
	`
	if _, err := s.conn.Exec(ctx, registryQuery); err != nil {
		return fmt.Errorf("create registry table: %w", err)
	}
	return nil
}

func kbTable(name string) string {
	// name passed ValidateKBName, so splicing it into SQL is safe
	return "kb_" + name
}

func (s *PgVectorStore) CreateKB(ctx context.Context, name, embeddingModel string, dim int) error {
	if err := ValidateKBName(name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tag, err := s.conn.Exec(ctx, `
		INSERT INTO knowledge_bases (name, embedding_model, dimension)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO NOTHING
	`, name, embeddingModel, dim)
	if err != nil {
		return fmt.Errorf("register kb %s: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrKBExists, name)
	}

	tableQuery := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			video_id VARCHAR(255) NOT NULL,
			start_time DOUBLE PRECISION NOT NULL,
			end_time DOUBLE PRECISION NOT NULL,
			text TEXT NOT NULL,
			embedding vector(%d) NOT NULL
		);
	`, kbTable(name), dim)
	if _, err := s.conn.Exec(ctx, tableQuery); err != nil {
		return fmt.Errorf("create table for kb %s: %w", name, err)
	}
	return nil
}

func (s *PgVectorStore) DropKB(ctx context.Context, name string) error {
	if err := ValidateKBName(name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tag, err := s.conn.Exec(ctx, "DELETE FROM knowledge_bases WHERE name = $1", name)
	if err != nil {
		return fmt.Errorf("unregister kb %s: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrKBNotFound, name)
	}
	if _, err := s.conn.Exec(ctx, "DROP TABLE IF EXISTS "+kbTable(name)); err != nil {
		return fmt.Errorf("drop table for kb %s: %w", name, err)
	}
	return nil
}

func (s *PgVectorStore) ListKBs(ctx context.Context) ([]KBMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.conn.Query(ctx, `
		SELECT name, embedding_model, dimension, row_count, created_at, updated_at
		FROM knowledge_bases ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("list kbs: %w", err)
	}
	defer rows.Close()

	var metas []KBMeta
	for rows.Next() {
		var m KBMeta
		if err := rows.Scan(&m.Name, &m.EmbeddingModel, &m.Dimension, &m.RowCount, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan kb row: %w", err)
		}
		metas = append(metas, m)
	}
	return metas, rows.Err()
}

func (s *PgVectorStore) KBInfo(ctx context.Context, name string) (KBMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kbInfoLocked(ctx, name)
}

func (s *PgVectorStore) kbInfoLocked(ctx context.Context, name string) (KBMeta, error) {
	var m KBMeta
	err := s.conn.QueryRow(ctx, `
		SELECT name, embedding_model, dimension, row_count, created_at, updated_at
		FROM knowledge_bases WHERE name = $1
	`, name).Scan(&m.Name, &m.EmbeddingModel, &m.Dimension, &m.RowCount, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return KBMeta{}, fmt.Errorf("%w: %s", ErrKBNotFound, name)
	}
	if err != nil {
		return KBMeta{}, fmt.Errorf("lookup kb %s: %w", name, err)
	}
	return m, nil
}

func (s *PgVectorStore) ReplaceRows(ctx context.Context, name string, rows []core.EmbeddedRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.kbInfoLocked(ctx, name)
	if err != nil {
		return err
	}
	for _, r := range rows {
		if len(r.Vector) != meta.Dimension {
			return fmt.Errorf("%w: kb %s expects %d, row for video %s has %d",
				ErrDimensionMismatch, name, meta.Dimension, r.VideoID, len(r.Vector))
		}
	}

	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin replace for kb %s: %w", name, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "DELETE FROM "+kbTable(name)); err != nil {
		return fmt.Errorf("clear kb %s: %w", name, err)
	}

	insertSQL := fmt.Sprintf(`
		INSERT INTO %s (video_id, start_time, end_time, text, embedding)
		VALUES ($1, $2, $3, $4, $5)
	`, kbTable(name))
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(insertSQL, r.VideoID, r.Start, r.End, r.Text, pgvector.NewVector(r.Vector))
	}
	br := tx.SendBatch(ctx, batch)
	for range rows {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("insert into kb %s: %w", name, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("flush inserts for kb %s: %w", name, err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE knowledge_bases SET row_count = $2, updated_at = now() WHERE name = $1
	`, name, len(rows)); err != nil {
		return fmt.Errorf("update registry for kb %s: %w", name, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit replace for kb %s: %w", name, err)
	}

	if err := s.rebuildVectorIndex(ctx, name, len(rows)); err != nil {
		s.log.Warnf("vector index rebuild for kb %s failed: %v", name, err)
	}
	return nil
}

// rebuildVectorIndex recreates the ivfflat index sized to the current row
// count. ivfflat clusters from existing data, so the index is built after
// rows land, not at table creation.
func (s *PgVectorStore) rebuildVectorIndex(ctx context.Context, name string, count int) error {
	if count == 0 {
		return nil
	}
	table := kbTable(name)
	idx := "idx_" + table + "_embedding"
	if _, err := s.conn.Exec(ctx, "DROP INDEX IF EXISTS "+idx); err != nil {
		return fmt.Errorf("drop index: %w", err)
	}
	indexQuery := fmt.Sprintf(`
		CREATE INDEX %s ON %s
		USING ivfflat (embedding vector_cosine_ops)
		WITH (lists = %d);
	`, idx, table, ivfflatLists(count))
	if _, err := s.conn.Exec(ctx, indexQuery); err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	return nil
}

func ivfflatLists(count int) int {
	lists := 100
	if count > 10000 {
		lists = count / 100
		if lists > 1000 {
			lists = 1000
		}
	} else if count < 1000 {
		lists = 10
	}
	return lists
}

func (s *PgVectorStore) Search(ctx context.Context, name string, vector []float32, topK int) ([]core.SearchHit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.kbInfoLocked(ctx, name)
	if err != nil {
		return nil, err
	}
	if len(vector) != meta.Dimension {
		return nil, fmt.Errorf("%w: query has %d, kb %s expects %d",
			ErrDimensionMismatch, len(vector), name, meta.Dimension)
	}
	if topK <= 0 {
		topK = 5
	}

	searchSQL := fmt.Sprintf(`
		SELECT video_id, start_time, end_time, text,
		       1 - (embedding <=> $1) AS similarity
		FROM %s
		ORDER BY embedding <=> $1
		LIMIT $2
	`, kbTable(name))
	rows, err := s.conn.Query(ctx, searchSQL, pgvector.NewVector(vector), topK)
	if err != nil {
		return nil, fmt.Errorf("search kb %s: %w", name, err)
	}
	defer rows.Close()

	var hits []core.SearchHit
	for rows.Next() {
		var h core.SearchHit
		if err := rows.Scan(&h.VideoID, &h.Start, &h.End, &h.Text, &h.Score); err != nil {
			return nil, fmt.Errorf("scan search row: %w", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

func (s *PgVectorStore) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Close(ctx)
}

package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/changtimwu/you-kb/core"
)

// MilvusStore keeps one collection per knowledge base. Milvus has no side
// table to act as a registry, so the registry record rides in the
// collection description as JSON.
type MilvusStore struct {
	mc  client.Client
	log *zap.SugaredLogger
}

type kbDescriptor struct {
	EmbeddingModel string    `json:"embedding_model"`
	Dimension      int       `json:"dimension"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

const collPrefix = "kb_"

func NewMilvusStore(ctx context.Context, addr, username, password string, log *zap.SugaredLogger) (*MilvusStore, error) {
	mc, err := client.NewClient(ctx, client.Config{
		Address:  addr,
		Username: username,
		Password: password,
	})
	if err != nil {
		return nil, fmt.Errorf("connect milvus: %w", err)
	}
	return &MilvusStore{mc: mc, log: log}, nil
}

func (s *MilvusStore) CreateKB(ctx context.Context, name, embeddingModel string, dim int) error {
	if err := ValidateKBName(name); err != nil {
		return err
	}
	has, err := s.mc.HasCollection(ctx, collPrefix+name)
	if err != nil {
		return fmt.Errorf("check collection: %w", err)
	}
	if has {
		return fmt.Errorf("%w: %s", ErrKBExists, name)
	}
	now := time.Now().UTC()
	return s.createCollection(ctx, name, kbDescriptor{
		EmbeddingModel: embeddingModel,
		Dimension:      dim,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
}

func (s *MilvusStore) createCollection(ctx context.Context, name string, desc kbDescriptor) error {
	descJSON, err := json.Marshal(desc)
	if err != nil {
		return fmt.Errorf("encode kb descriptor: %w", err)
	}
	coll := collPrefix + name

	schema := entity.NewSchema().WithName(coll).WithDescription(string(descJSON))
	schema.WithField(entity.NewField().WithName("id").WithIsAutoID(true).WithIsPrimaryKey(true).WithDataType(entity.FieldTypeInt64))
	schema.WithField(entity.NewField().WithName("video_id").WithDataType(entity.FieldTypeVarChar).WithMaxLength(255))
	schema.WithField(entity.NewField().WithName("start_time").WithDataType(entity.FieldTypeDouble))
	schema.WithField(entity.NewField().WithName("end_time").WithDataType(entity.FieldTypeDouble))
	schema.WithField(entity.NewField().WithName("text").WithDataType(entity.FieldTypeVarChar).WithMaxLength(8192))
	schema.WithField(entity.NewField().WithName("vector").WithDataType(entity.FieldTypeFloatVector).WithDim(int64(desc.Dimension)))

	if err := s.mc.CreateCollection(ctx, schema, int32(2)); err != nil {
		return fmt.Errorf("create collection: %w", err)
	}
	idx, err := entity.NewIndexHNSW(entity.COSINE, 8, 200)
	if err != nil {
		return fmt.Errorf("new hnsw index: %w", err)
	}
	if err := s.mc.CreateIndex(ctx, coll, "vector", idx, false, client.WithIndexName("idx_vector")); err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	if err := s.mc.LoadCollection(ctx, coll, false); err != nil {
		return fmt.Errorf("load collection: %w", err)
	}
	return nil
}

func (s *MilvusStore) describe(ctx context.Context, name string) (kbDescriptor, error) {
	coll, err := s.mc.DescribeCollection(ctx, collPrefix+name)
	if err != nil {
		return kbDescriptor{}, fmt.Errorf("describe collection: %w", err)
	}
	var desc kbDescriptor
	if err := json.Unmarshal([]byte(coll.Schema.Description), &desc); err != nil {
		return kbDescriptor{}, fmt.Errorf("kb %s has an unreadable descriptor: %w", name, err)
	}
	return desc, nil
}

func (s *MilvusStore) rowCount(ctx context.Context, name string) (int64, error) {
	stats, err := s.mc.GetCollectionStatistics(ctx, collPrefix+name)
	if err != nil {
		return 0, fmt.Errorf("collection statistics: %w", err)
	}
	n, err := strconv.ParseInt(stats["row_count"], 10, 64)
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func (s *MilvusStore) DropKB(ctx context.Context, name string) error {
	has, err := s.mc.HasCollection(ctx, collPrefix+name)
	if err != nil {
		return fmt.Errorf("check collection: %w", err)
	}
	if !has {
		return fmt.Errorf("%w: %s", ErrKBNotFound, name)
	}
	if err := s.mc.DropCollection(ctx, collPrefix+name); err != nil {
		return fmt.Errorf("drop collection: %w", err)
	}
	return nil
}

func (s *MilvusStore) ListKBs(ctx context.Context) ([]KBMeta, error) {
	colls, err := s.mc.ListCollections(ctx)
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	var metas []KBMeta
	for _, c := range colls {
		if !strings.HasPrefix(c.Name, collPrefix) {
			continue
		}
		name := strings.TrimPrefix(c.Name, collPrefix)
		m, err := s.kbInfo(ctx, name)
		if err != nil {
			s.log.Warnf("skipping collection %s: %v", c.Name, err)
			continue
		}
		metas = append(metas, m)
	}
	return metas, nil
}

func (s *MilvusStore) KBInfo(ctx context.Context, name string) (KBMeta, error) {
	has, err := s.mc.HasCollection(ctx, collPrefix+name)
	if err != nil {
		return KBMeta{}, fmt.Errorf("check collection: %w", err)
	}
	if !has {
		return KBMeta{}, fmt.Errorf("%w: %s", ErrKBNotFound, name)
	}
	return s.kbInfo(ctx, name)
}

func (s *MilvusStore) kbInfo(ctx context.Context, name string) (KBMeta, error) {
	desc, err := s.describe(ctx, name)
	if err != nil {
		return KBMeta{}, err
	}
	count, err := s.rowCount(ctx, name)
	if err != nil {
		return KBMeta{}, err
	}
	return KBMeta{
		Name:           name,
		EmbeddingModel: desc.EmbeddingModel,
		Dimension:      desc.Dimension,
		RowCount:       count,
		CreatedAt:      desc.CreatedAt,
		UpdatedAt:      desc.UpdatedAt,
	}, nil
}

// ReplaceRows rebuilds the collection wholesale. Milvus offers no
// transaction spanning delete and insert, so the collection is dropped and
// recreated with the original creation timestamp carried over.
func (s *MilvusStore) ReplaceRows(ctx context.Context, name string, rows []core.EmbeddedRow) error {
	has, err := s.mc.HasCollection(ctx, collPrefix+name)
	if err != nil {
		return fmt.Errorf("check collection: %w", err)
	}
	if !has {
		return fmt.Errorf("%w: %s", ErrKBNotFound, name)
	}
	desc, err := s.describe(ctx, name)
	if err != nil {
		return err
	}
	for _, r := range rows {
		if len(r.Vector) != desc.Dimension {
			return fmt.Errorf("%w: kb %s expects %d, row for video %s has %d",
				ErrDimensionMismatch, name, desc.Dimension, r.VideoID, len(r.Vector))
		}
	}

	if err := s.mc.DropCollection(ctx, collPrefix+name); err != nil {
		return fmt.Errorf("drop collection: %w", err)
	}
	desc.UpdatedAt = time.Now().UTC()
	if err := s.createCollection(ctx, name, desc); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	videoIDs := make([]string, 0, len(rows))
	starts := make([]float64, 0, len(rows))
	ends := make([]float64, 0, len(rows))
	texts := make([]string, 0, len(rows))
	vectors := make([][]float32, 0, len(rows))
	for _, r := range rows {
		videoIDs = append(videoIDs, r.VideoID)
		starts = append(starts, r.Start)
		ends = append(ends, r.End)
		texts = append(texts, r.Text)
		vectors = append(vectors, r.Vector)
	}

	coll := collPrefix + name
	_, err = s.mc.Insert(ctx, coll, "",
		entity.NewColumnVarChar("video_id", videoIDs),
		entity.NewColumnDouble("start_time", starts),
		entity.NewColumnDouble("end_time", ends),
		entity.NewColumnVarChar("text", texts),
		entity.NewColumnFloatVector("vector", desc.Dimension, vectors),
	)
	if err != nil {
		return fmt.Errorf("insert into kb %s: %w", name, err)
	}
	if err := s.mc.Flush(ctx, coll, false); err != nil {
		return fmt.Errorf("flush kb %s: %w", name, err)
	}
	return nil
}

func (s *MilvusStore) Search(ctx context.Context, name string, vector []float32, topK int) ([]core.SearchHit, error) {
	has, err := s.mc.HasCollection(ctx, collPrefix+name)
	if err != nil {
		return nil, fmt.Errorf("check collection: %w", err)
	}
	if !has {
		return nil, fmt.Errorf("%w: %s", ErrKBNotFound, name)
	}
	desc, err := s.describe(ctx, name)
	if err != nil {
		return nil, err
	}
	if len(vector) != desc.Dimension {
		return nil, fmt.Errorf("%w: query has %d, kb %s expects %d",
			ErrDimensionMismatch, len(vector), name, desc.Dimension)
	}
	if topK <= 0 {
		topK = 5
	}

	sp, err := entity.NewIndexHNSWSearchParam(74)
	if err != nil {
		return nil, fmt.Errorf("search param: %w", err)
	}
	res, err := s.mc.Search(ctx, collPrefix+name, []string{}, "",
		[]string{"video_id", "start_time", "end_time", "text"},
		[]entity.Vector{entity.FloatVector(vector)}, "vector", entity.COSINE, topK, sp)
	if err != nil {
		return nil, fmt.Errorf("search kb %s: %w", name, err)
	}

	var hits []core.SearchHit
	for _, r := range res {
		cols := map[string]entity.Column{}
		for _, c := range r.Fields {
			cols[c.Name()] = c
		}
		for i := 0; i < r.ResultCount; i++ {
			var h core.SearchHit
			if c, ok := cols["video_id"].(*entity.ColumnVarChar); ok {
				if data := c.Data(); i < len(data) {
					h.VideoID = data[i]
				}
			}
			if c, ok := cols["start_time"].(*entity.ColumnDouble); ok {
				if data := c.Data(); i < len(data) {
					h.Start = data[i]
				}
			}
			if c, ok := cols["end_time"].(*entity.ColumnDouble); ok {
				if data := c.Data(); i < len(data) {
					h.End = data[i]
				}
			}
			if c, ok := cols["text"].(*entity.ColumnVarChar); ok {
				if data := c.Data(); i < len(data) {
					h.Text = data[i]
				}
			}
			h.Score = float64(r.Scores[i])
			hits = append(hits, h)
		}
	}
	return hits, nil
}

func (s *MilvusStore) Close(ctx context.Context) error {
	return s.mc.Close()
}

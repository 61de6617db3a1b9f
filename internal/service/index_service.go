package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"nutri-advisor-go/internal/repository"
	"nutri-advisor-go/internal/vectorindex"
	"nutri-advisor-go/pkg/embedding"
	"nutri-advisor-go/pkg/es"
	"nutri-advisor-go/pkg/log"
	"nutri-advisor-go/pkg/storage"
)

// VectorMirror 把每一代索引镜像到外部向量库。
type VectorMirror interface {
	CreateGenerationIndex(ctx context.Context, gen uint64, dims int) (string, error)
	BulkIndex(ctx context.Context, index string, docs []es.FactDocument) error
	SwapAlias(ctx context.Context, index string) ([]string, error)
	DeleteIndices(ctx context.Context, names ...string) error
}

// IndexStatus 描述当前服务中的索引代。
type IndexStatus struct {
	Generation uint64    `json:"generation"`
	Entries    int       `json:"entries"`
	Dimension  int       `json:"dimension"`
	Embedder   string    `json:"embedder"`
	BuiltAt    time.Time `json:"built_at"`
	Mirrored   bool      `json:"mirrored"`
}

// indexMetadata 是随每代索引写出的 sidecar，记录插入序号与事实的对应关系。
type indexMetadata struct {
	Generation uint64              `json:"generation"`
	Embedder   string              `json:"embedder"`
	Dimension  int                 `json:"dimension"`
	BuiltAt    time.Time           `json:"built_at"`
	Entries    []indexMetadataItem `json:"entries"`
}

type indexMetadataItem struct {
	Seq      int    `json:"seq"`
	Identity string `json:"identity"`
	Revision int    `json:"revision"`
	FactText string `json:"fact_text"`
}

// IndexService 负责从事实库重建索引并原子切换。
type IndexService interface {
	Rebuild(ctx context.Context) (IndexStatus, error)
	Status() (IndexStatus, bool)
	Teardown()
}

type indexService struct {
	repo     repository.FactRepository
	handle   *vectorindex.Handle
	factory  embedding.Factory
	mirror   VectorMirror
	store    storage.ArtifactStore
	mu       sync.Mutex
	mirrored atomic.Bool
}

// NewIndexService 创建索引服务。mirror 与 store 可以为 nil。
func NewIndexService(repo repository.FactRepository, handle *vectorindex.Handle, factory embedding.Factory, mirror VectorMirror, store storage.ArtifactStore) IndexService {
	return &indexService{repo: repo, handle: handle, factory: factory, mirror: mirror, store: store}
}

// Rebuild 构建新一代索引，构建期间旧代继续服务。
func (s *indexService) Rebuild(ctx context.Context) (IndexStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log.Info("[IndexService] 步骤1: 读取最新营养事实")
	facts, err := s.repo.ListLatest(ctx)
	if err != nil {
		return IndexStatus{}, fmt.Errorf("list facts: %w", err)
	}

	gen := s.handle.NextGeneration()
	log.Infof("[IndexService] 步骤2: 构建第 %d 代索引, 事实数 %d", gen, len(facts))
	ix, err := vectorindex.Build(ctx, gen, facts, s.factory)
	if err != nil {
		log.Errorf("[IndexService] 构建索引失败: %v", err)
		return IndexStatus{}, fmt.Errorf("build index: %w", err)
	}
	s.handle.Swap(ix)

	s.mirrored.Store(false)
	if s.mirror != nil && ix.Len() > 0 {
		if err := s.mirrorGeneration(ctx, ix); err != nil {
			log.Warnf("[IndexService] 镜像到 Elasticsearch 失败，检索将使用内存索引: %v", err)
		} else {
			s.mirrored.Store(true)
		}
	}
	if s.store != nil {
		if err := s.writeMetadata(ctx, ix); err != nil {
			log.Warnf("[IndexService] 写入索引元数据失败: %v", err)
		}
	}

	status := s.statusOf(ix)
	log.Infof("[IndexService] 索引重建完成: generation %d, 条目 %d, 维度 %d", status.Generation, status.Entries, status.Dimension)
	return status, nil
}

func (s *indexService) mirrorGeneration(ctx context.Context, ix *vectorindex.Index) error {
	name, err := s.mirror.CreateGenerationIndex(ctx, ix.Generation(), ix.Dimension())
	if err != nil {
		return err
	}
	facts := ix.Facts()
	vectors := ix.Vectors()
	docs := make([]es.FactDocument, len(facts))
	for i, f := range facts {
		docs[i] = es.FactDocument{
			Seq:        i,
			Identity:   f.Identity,
			Generation: ix.Generation(),
			FactText:   f.FactText,
			Vector:     vectors[i],
		}
	}
	if err := s.mirror.BulkIndex(ctx, name, docs); err != nil {
		_ = s.mirror.DeleteIndices(ctx, name)
		return err
	}
	previous, err := s.mirror.SwapAlias(ctx, name)
	if err != nil {
		_ = s.mirror.DeleteIndices(ctx, name)
		return err
	}
	var stale []string
	for _, p := range previous {
		if p != name {
			stale = append(stale, p)
		}
	}
	if err := s.mirror.DeleteIndices(ctx, stale...); err != nil {
		log.Warnf("[IndexService] 删除旧代索引失败: %v", err)
	}
	return nil
}

func (s *indexService) writeMetadata(ctx context.Context, ix *vectorindex.Index) error {
	meta := indexMetadata{
		Generation: ix.Generation(),
		Embedder:   ix.EmbedderName(),
		Dimension:  ix.Dimension(),
		BuiltAt:    ix.BuiltAt().UTC(),
		Entries:    make([]indexMetadataItem, 0, ix.Len()),
	}
	for i, f := range ix.Facts() {
		meta.Entries = append(meta.Entries, indexMetadataItem{Seq: i, Identity: f.Identity, Revision: f.Revision, FactText: f.FactText})
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	if err := s.store.Put(ctx, fmt.Sprintf("index/generations/%d/metadata.json", ix.Generation()), data, "application/json"); err != nil {
		return err
	}
	return s.store.Put(ctx, "index/latest.json", data, "application/json")
}

// Status 返回当前代状态，尚未构建时第二个返回值为 false。
func (s *indexService) Status() (IndexStatus, bool) {
	ix := s.handle.Load()
	if ix == nil {
		return IndexStatus{}, false
	}
	return s.statusOf(ix), true
}

func (s *indexService) statusOf(ix *vectorindex.Index) IndexStatus {
	return IndexStatus{
		Generation: ix.Generation(),
		Entries:    ix.Len(),
		Dimension:  ix.Dimension(),
		Embedder:   ix.EmbedderName(),
		BuiltAt:    ix.BuiltAt(),
		Mirrored:   s.mirrored.Load(),
	}
}

func (s *indexService) Teardown() {
	s.handle.Teardown()
}
